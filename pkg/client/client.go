// Package client implements a Go client for the concierge TCP protocol,
// covering both roles: sentinels (CLI/supervisory processes) and hosts
// (per-profile worker processes).
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/segmentio/ksuid"

	"concierge/pkg/protocol"
)

var (
	// ErrNotConnected is returned when an operation runs before Connect
	// or after the connection dropped.
	ErrNotConnected = errors.New("not connected to concierge")
	// ErrRouteFailed is returned when the concierge reports the target
	// profile is not connected.
	ErrRouteFailed = errors.New("target profile not connected")
)

// EventHandler defines callbacks for frames pushed by the concierge.
type EventHandler interface {
	// OnEvent receives broadcast lifecycle events (sentinel role).
	OnEvent(ev protocol.Event)
	// OnMessage receives routed application frames (host role). The raw
	// payload is passed through undecoded.
	OnMessage(payload []byte)
	// OnDisconnected fires once when the read loop ends.
	OnDisconnected(err error)
}

// DefaultEventHandler logs every callback and is used when no handler is set.
type DefaultEventHandler struct{}

func (h *DefaultEventHandler) OnEvent(ev protocol.Event) {
	slog.Info("concierge event", "type", ev.Type)
}
func (h *DefaultEventHandler) OnMessage(payload []byte) {
	slog.Info("routed message", "bytes", len(payload))
}
func (h *DefaultEventHandler) OnDisconnected(err error) {
	slog.Info("disconnected from concierge", "error", err)
}

// Client is a connection to the concierge. Write access is serialized;
// a single read loop dispatches replies and pushed frames.
type Client struct {
	config  Config
	handler EventHandler

	mu        sync.Mutex
	conn      net.Conn
	connected bool

	// pending queues reply waiters per key ("type:<reply type>" or
	// "req:<request id>"). Waiters are enqueued in send order and served
	// FIFO, so concurrent requests awaiting the same reply type pair up
	// with their own replies.
	pendingMu sync.Mutex
	pending   map[string][]chan map[string]any

	done chan struct{}
}

// New creates a client. Call Connect before anything else.
func New(config Config) *Client {
	if config.Addr == "" {
		config.Addr = "127.0.0.1:5678"
	}
	if config.RequestTimeout == 0 {
		config.RequestTimeout = 10 * time.Second
	}
	return &Client{
		config:  config,
		handler: &DefaultEventHandler{},
		pending: make(map[string][]chan map[string]any),
	}
}

// SetEventHandler replaces the callback handler. Must be called before
// Connect.
func (c *Client) SetEventHandler(handler EventHandler) {
	c.handler = handler
}

// Connect dials the concierge and starts the read loop.
func (c *Client) Connect(ctx context.Context) error {
	dialer := &net.Dialer{Timeout: c.config.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", c.config.Addr)
	if err != nil {
		return fmt.Errorf("connect to concierge: %w", err)
	}

	done := make(chan struct{})
	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.done = done
	c.mu.Unlock()

	go c.readLoop(conn, done)
	return nil
}

// Close shuts the connection down.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return nil
	}
	c.connected = false
	return c.conn.Close()
}

// IsConnected reports whether the read loop is live.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// RegisterSentinel registers this connection as a CLI sentinel and
// returns the acknowledgement, including currently connected profiles.
func (c *Client) RegisterSentinel(ctx context.Context) (*protocol.RegisterAck, error) {
	reply, err := c.request(ctx, map[string]any{"type": protocol.MsgRegisterCLI}, protocol.MsgRegisterAck)
	if err != nil {
		return nil, err
	}
	return decodeReply[protocol.RegisterAck](reply)
}

// RegisterHost registers this connection as the worker for a profile.
func (c *Client) RegisterHost(ctx context.Context, info HostInfo) (*protocol.RegisterAck, error) {
	msg := map[string]any{
		"type":       protocol.MsgRegisterHost,
		"profile_id": info.ProfileID,
		"pid":        info.PID,
	}
	if info.LaunchID != "" {
		msg["launch_id"] = info.LaunchID
	}
	reply, err := c.request(ctx, msg, protocol.MsgRegisterAck)
	if err != nil {
		return nil, err
	}
	return decodeReply[protocol.RegisterAck](reply)
}

// ProfileConnected reports a completed handshake for a profile. No reply.
func (c *Client) ProfileConnected(profileID string) error {
	return c.send(map[string]any{
		"type":       protocol.MsgProfileConnected,
		"profile_id": profileID,
		"timestamp":  protocol.NowTimestamp(),
	})
}

// Heartbeat refreshes this host's liveness timestamp. No reply.
func (c *Client) Heartbeat() error {
	return c.send(map[string]any{"type": protocol.MsgHeartbeat})
}

// PollEvents fetches the event window after the given cursor. An empty
// cursor returns the full window.
func (c *Client) PollEvents(ctx context.Context, since string) ([]protocol.Event, error) {
	msg := map[string]any{"type": protocol.MsgPollEvents}
	if since != "" {
		msg["since"] = since
	}
	reply, err := c.request(ctx, msg, protocol.MsgEvents)
	if err != nil {
		return nil, err
	}
	resp, err := decodeReply[protocol.EventsResponse](reply)
	if err != nil {
		return nil, err
	}
	return resp.Events, nil
}

// GetProfileState fetches the runtime state record for a profile. A nil
// state means the concierge does not know the profile.
func (c *Client) GetProfileState(ctx context.Context, profileID string) (map[string]any, error) {
	reply, err := c.request(ctx, map[string]any{
		"type":       protocol.MsgGetProfileState,
		"profile_id": profileID,
	}, protocol.MsgProfileState)
	if err != nil {
		return nil, err
	}
	state, _ := reply["state"].(map[string]any)
	return state, nil
}

// SendTo routes an application message to a specific profile and waits
// for the routed acknowledgement.
func (c *Client) SendTo(ctx context.Context, targetProfile string, msg map[string]any) error {
	requestID := ksuid.New().String()
	out := make(map[string]any, len(msg)+3)
	for k, v := range msg {
		out[k] = v
	}
	out["target_profile"] = targetProfile
	out["request_id"] = requestID

	reply, err := c.requestByID(ctx, out, requestID)
	if err != nil {
		return err
	}
	if status, _ := reply["status"].(string); status != "routed" {
		message, _ := reply["message"].(string)
		return fmt.Errorf("%w: %s", ErrRouteFailed, message)
	}
	return nil
}

// Broadcast sends an application message to every other connected host.
// Fire and forget.
func (c *Client) Broadcast(msg map[string]any) error {
	return c.send(msg)
}

func (c *Client) send(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return ErrNotConnected
	}
	frame, err := protocol.EncodeMessage(v)
	if err != nil {
		return err
	}
	_, err = c.conn.Write(frame)
	return err
}

// request sends a message and waits for the next reply of replyType.
func (c *Client) request(ctx context.Context, msg any, replyType string) (map[string]any, error) {
	return c.roundTrip(ctx, msg, "type:"+replyType)
}

// requestByID sends a routed message and waits for the ack that carries
// its request id.
func (c *Client) requestByID(ctx context.Context, msg any, requestID string) (map[string]any, error) {
	return c.roundTrip(ctx, msg, "req:"+requestID)
}

func (c *Client) roundTrip(ctx context.Context, msg any, key string) (map[string]any, error) {
	ch := make(chan map[string]any, 1)

	// Enqueue and send under one lock so waiter order matches wire order;
	// the concierge answers a connection's requests sequentially.
	c.pendingMu.Lock()
	c.pending[key] = append(c.pending[key], ch)
	err := c.send(msg)
	c.pendingMu.Unlock()
	if err != nil {
		c.removeWaiter(key, ch)
		return nil, err
	}
	defer c.removeWaiter(key, ch)

	timer := time.NewTimer(c.config.RequestTimeout)
	defer timer.Stop()
	select {
	case reply := <-ch:
		return reply, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, fmt.Errorf("request timed out after %s", c.config.RequestTimeout)
	case <-c.done:
		return nil, ErrNotConnected
	}
}

// readLoop dispatches inbound frames: request replies to their waiters,
// lifecycle events to OnEvent, everything else to OnMessage.
func (c *Client) readLoop(conn net.Conn, done chan struct{}) {
	var loopErr error
	for {
		payload, err := protocol.ReadFrame(conn)
		if err != nil {
			loopErr = err
			break
		}

		var msg map[string]any
		if err := json.Unmarshal(payload, &msg); err != nil {
			slog.Debug("undecodable frame from concierge", "error", err)
			continue
		}

		if c.deliverReply(msg) {
			continue
		}

		// Bus events always carry type, timestamp and data; anything
		// else is a routed application frame.
		msgType, _ := msg["type"].(string)
		_, hasTimestamp := msg["timestamp"]
		_, hasData := msg["data"]
		if msgType != "" && hasTimestamp && hasData {
			var ev protocol.Event
			if err := json.Unmarshal(payload, &ev); err == nil {
				c.handler.OnEvent(ev)
				continue
			}
		}
		c.handler.OnMessage(payload)
	}

	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()
	close(done)
	c.handler.OnDisconnected(loopErr)
}

// deliverReply hands the message to the oldest pending waiter, if any.
func (c *Client) deliverReply(msg map[string]any) bool {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()

	if msgType, _ := msg["type"].(string); msgType != "" {
		if ch, ok := c.popWaiter("type:" + msgType); ok {
			ch <- msg
			return true
		}
	}
	if requestID, _ := msg["request_id"].(string); requestID != "" {
		if ch, ok := c.popWaiter("req:" + requestID); ok {
			ch <- msg
			return true
		}
	}
	return false
}

// popWaiter dequeues the front waiter for key. Callers hold pendingMu.
func (c *Client) popWaiter(key string) (chan map[string]any, bool) {
	waiters := c.pending[key]
	if len(waiters) == 0 {
		return nil, false
	}
	if len(waiters) == 1 {
		delete(c.pending, key)
	} else {
		c.pending[key] = waiters[1:]
	}
	return waiters[0], true
}

// removeWaiter drops a specific waiter, leaving others in place. No-op
// when the reply already claimed it.
func (c *Client) removeWaiter(key string, ch chan map[string]any) {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	waiters := c.pending[key]
	for i, w := range waiters {
		if w == ch {
			c.pending[key] = append(waiters[:i], waiters[i+1:]...)
			break
		}
	}
	if len(c.pending[key]) == 0 {
		delete(c.pending, key)
	}
}

// decodeReply re-decodes a generic reply map into its typed form.
func decodeReply[T any](reply map[string]any) (*T, error) {
	buf, err := json.Marshal(reply)
	if err != nil {
		return nil, err
	}
	out := new(T)
	if err := json.Unmarshal(buf, out); err != nil {
		return nil, fmt.Errorf("decode reply: %w", err)
	}
	return out, nil
}
