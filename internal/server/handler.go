package server

import (
	"errors"
	"io"
	"net"

	json "github.com/goccy/go-json"

	"concierge/internal/profilestate"
	"concierge/pkg/protocol"
)

// handleConn runs one connection's read loop until clean EOF, a framing
// violation, or a read error. All exit paths converge on cleanupConn,
// which runs exactly once per connection.
func (s *Server) handleConn(netConn net.Conn) {
	conn := newConn(s.connSeq.Add(1), netConn)
	s.registry.Register(conn)
	s.logger.Info("new connection", "conn", conn.connID, "remote", conn.remote)

	defer s.cleanupConn(conn)

	for {
		payload, err := protocol.ReadFrame(netConn)
		if err != nil {
			switch {
			case errors.Is(err, io.EOF):
				s.logger.Info("connection closed by client", "conn", conn.connID)
			case errors.Is(err, protocol.ErrFrameTooLarge):
				s.logger.Error("frame limit exceeded, dropping connection", "conn", conn.connID, "error", err)
			default:
				s.logger.Warn("read error", "conn", conn.connID, "error", err)
			}
			return
		}

		s.msgCount.Add(1)
		s.logTraffic(conn.connID, "RECV", len(payload))

		var msg protocol.Message
		if err := json.Unmarshal(payload, &msg); err != nil {
			// Message-local decode error: skip, connection stays open.
			s.logger.Error("invalid JSON payload", "conn", conn.connID, "error", err)
			continue
		}
		s.dispatch(conn, &msg, payload)
	}
}

func (s *Server) dispatch(conn *Conn, msg *protocol.Message, payload []byte) {
	s.logger.Debug("message received", "conn", conn.connID, "type", msg.Type)

	switch msg.Type {
	case protocol.MsgRegisterCLI, protocol.MsgRegisterSentinel:
		s.handleRegisterSentinel(conn)
	case protocol.MsgRegisterHost:
		s.handleRegisterHost(conn, msg)
	case protocol.MsgProfileConnected:
		s.handleProfileConnected(conn, msg)
	case protocol.MsgHeartbeat:
		s.handleHeartbeat(conn)
	case protocol.MsgPollEvents:
		s.handlePollEvents(conn, msg)
	case protocol.MsgGetProfileState:
		s.handleGetProfileState(conn, msg)
	default:
		s.route(conn, msg, payload)
	}
}

func (s *Server) handleRegisterSentinel(conn *Conn) {
	s.registry.MarkSentinel(conn)
	s.logger.Info("registered as CLI sentinel", "conn", conn.connID)

	s.sendJSON(conn, protocol.RegisterAck{
		Type:     protocol.MsgRegisterAck,
		ConnID:   conn.connID,
		Role:     string(RoleSentinel),
		Profiles: s.registry.ConnectedProfiles(),
	})
}

func (s *Server) handleRegisterHost(conn *Conn, msg *protocol.Message) {
	if msg.ProfileID == "" {
		s.logger.Error("missing profile_id in REGISTER_HOST", "conn", conn.connID)
		return
	}

	s.registry.BindHost(conn, msg.ProfileID)

	if _, err := s.store.SetOnline(msg.ProfileID, msg.PID, msg.LaunchID); err != nil {
		// Registry state is authoritative for routing; durability failures
		// are logged and the registration proceeds.
		s.logger.Error("profile state update failed", "conn", conn.connID,
			"profile_id", shortID(msg.ProfileID), "error", err)
	}

	s.logger.Info("host registered", "conn", conn.connID, "profile_id", shortID(msg.ProfileID))

	s.sendJSON(conn, protocol.RegisterAck{
		Type:      protocol.MsgRegisterAck,
		ConnID:    conn.connID,
		Role:      string(RoleHost),
		ProfileID: msg.ProfileID,
	})
}

func (s *Server) handleProfileConnected(conn *Conn, msg *protocol.Message) {
	if msg.ProfileID == "" {
		return
	}

	if err := s.store.ConfirmHandshake(msg.ProfileID); err != nil {
		s.logger.Warn("handshake confirmation failed", "conn", conn.connID,
			"profile_id", shortID(msg.ProfileID), "error", err)
	}

	ev := s.emit(protocol.EventProfileConnected, map[string]any{
		"profile_id": msg.ProfileID,
		"conn_id":    conn.connID,
		"timestamp":  msg.Timestamp,
	})
	s.broadcastToSentinels(ev)

	s.logger.Info("profile connected", "conn", conn.connID, "profile_id", shortID(msg.ProfileID))
}

func (s *Server) handleHeartbeat(conn *Conn) {
	info, ok := s.registry.Info(conn)
	if !ok || info.ProfileID == "" {
		return
	}
	if err := s.store.TouchHeartbeat(info.ProfileID); err != nil {
		s.logger.Warn("heartbeat update failed", "profile_id", shortID(info.ProfileID), "error", err)
		return
	}
	s.logger.Debug("heartbeat", "conn", conn.connID, "profile_id", shortID(info.ProfileID))
}

func (s *Server) handlePollEvents(conn *Conn, msg *protocol.Message) {
	events := s.bus.Poll(msg.Since)
	s.sendJSON(conn, protocol.EventsResponse{
		Type:   protocol.MsgEvents,
		Events: events,
		Count:  len(events),
	})
	s.logger.Info("events polled", "conn", conn.connID, "count", len(events))
}

func (s *Server) handleGetProfileState(conn *Conn, msg *protocol.Message) {
	response := protocol.ProfileStateResponse{
		Type:      protocol.MsgProfileState,
		ProfileID: msg.ProfileID,
	}
	state, err := s.store.Get(msg.ProfileID)
	switch {
	case err == nil:
		response.State = state
	case errors.Is(err, profilestate.ErrProfileNotFound):
		// State stays null in the response.
	default:
		s.logger.Error("profile state read failed", "profile_id", shortID(msg.ProfileID), "error", err)
	}
	s.sendJSON(conn, response)
}

// route forwards an application message: point-to-point when
// target_profile is set, otherwise fan-out to every other host. The
// original frame bytes are forwarded, not a re-encoding, so fields the
// concierge does not model pass through untouched.
func (s *Server) route(conn *Conn, msg *protocol.Message, payload []byte) {
	frame, err := protocol.EncodeFrame(payload)
	if err != nil {
		s.logger.Error("route encode failed", "conn", conn.connID, "error", err)
		return
	}

	if msg.TargetProfile != "" {
		target, ok := s.registry.Resolve(msg.TargetProfile)
		if !ok {
			s.logger.Warn("target offline", "conn", conn.connID, "target", shortID(msg.TargetProfile))
			if msg.RequestID != "" {
				s.sendJSON(conn, protocol.RouteError{
					Status:    "error",
					Message:   "Profile not connected",
					RequestID: msg.RequestID,
				})
			}
			return
		}

		if err := target.WriteRaw(frame); err != nil {
			// Dead target: clean it up instead of surfacing the error to
			// the sender.
			s.logger.Error("routing failed", "conn", conn.connID,
				"target", shortID(msg.TargetProfile), "error", err)
			s.cleanupConn(target)
			return
		}
		s.logTraffic(target.connID, "SEND", len(payload))
		s.logger.Info("message routed", "conn", conn.connID, "target", shortID(msg.TargetProfile))

		if info, ok := s.registry.Info(conn); ok && info.Role == RoleSentinel && msg.RequestID != "" {
			s.sendJSON(conn, protocol.RouteAck{
				RequestID: msg.RequestID,
				Status:    "routed",
				Target:    msg.TargetProfile,
			})
		}
		return
	}

	// No target: fan out to every other registered host.
	count := 0
	for _, host := range s.registry.HostsExcept(conn) {
		if err := host.WriteRaw(frame); err != nil {
			s.cleanupConn(host)
			continue
		}
		s.logTraffic(host.connID, "SEND", len(payload))
		count++
	}
	s.logger.Info("message broadcast", "conn", conn.connID, "hosts", count)
}

// sendJSON writes a control reply, logging (not propagating) failures.
func (s *Server) sendJSON(conn *Conn, v any) {
	if err := conn.SendJSON(v); err != nil {
		s.logger.Error("send failed", "conn", conn.connID, "error", err)
	}
}

// broadcastToSentinels delivers an event frame to every sentinel,
// independently per target so one dead connection cannot block the rest.
func (s *Server) broadcastToSentinels(ev protocol.Event) {
	frame, err := protocol.EncodeMessage(ev)
	if err != nil {
		s.logger.Error("event encode failed", "type", ev.Type, "error", err)
		return
	}
	count := 0
	for _, sentinel := range s.registry.Sentinels() {
		if err := sentinel.WriteRaw(frame); err != nil {
			s.logger.Error("event broadcast failed", "conn", sentinel.connID, "error", err)
			continue
		}
		count++
	}
	if count > 0 {
		s.logger.Debug("event broadcast", "type", ev.Type, "sentinels", count)
	}
}

// cleanupConn unregisters, clears host runtime state, emits the
// disconnect event, and closes the socket. Safe to call from the
// connection's own handler and from a router that hit a dead target;
// only the first call does the work.
func (s *Server) cleanupConn(conn *Conn) {
	conn.cleanupOnce.Do(func() {
		info, ok := s.registry.Unregister(conn)
		if ok && info.Role == RoleHost && info.ProfileID != "" {
			if _, err := s.store.SetOffline(info.ProfileID); err != nil {
				s.logger.Error("offline state update failed",
					"profile_id", shortID(info.ProfileID), "error", err)
			}
			ev := s.emit(protocol.EventProfileDisconnected, map[string]any{
				"profile_id": info.ProfileID,
				"conn_id":    info.ConnID,
			})
			s.broadcastToSentinels(ev)
		}
		conn.Close()
		s.logger.Info("connection cleanup", "conn", conn.connID)
	})
}
