package server

import (
	"fmt"
	"log/slog"
	"net"
	"sort"
	"sync"

	"concierge/pkg/protocol"
)

// Role tags a connection after its first registration message. The wire
// strings match what the acknowledgement messages carry.
type Role string

const (
	RoleUnknown  Role = ""
	RoleSentinel Role = "cli"
	RoleHost     Role = "host"
)

// Conn wraps one accepted socket. Frame writes are serialized through the
// write mutex: a connection is a single-writer resource, and routed
// frames, acks and broadcasts may originate from different goroutines.
type Conn struct {
	id      uint64
	connID  string
	remote  string
	netConn net.Conn

	writeMu   sync.Mutex
	closeOnce sync.Once

	// cleanupOnce guards the server-side cleanup routine: the handler's
	// deferred cleanup and a router that hit this connection as a dead
	// target may race.
	cleanupOnce sync.Once
}

func newConn(id uint64, netConn net.Conn) *Conn {
	return &Conn{
		id:      id,
		connID:  fmt.Sprintf("CONN-%04d", id),
		remote:  netConn.RemoteAddr().String(),
		netConn: netConn,
	}
}

// ConnID returns the connection's log/ack identifier (e.g. "CONN-0007").
func (c *Conn) ConnID() string { return c.connID }

// WriteRaw writes one already-framed message as a single atomic write.
func (c *Conn) WriteRaw(frame []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err := c.netConn.Write(frame)
	return err
}

// SendJSON frames v and writes it atomically.
func (c *Conn) SendJSON(v any) error {
	frame, err := protocol.EncodeMessage(v)
	if err != nil {
		return err
	}
	return c.WriteRaw(frame)
}

// Close shuts the socket down, once, swallowing close errors.
func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		_ = c.netConn.Close()
	})
}

// ClientInfo is the registry's metadata for one connection.
type ClientInfo struct {
	ConnID    string
	Addr      string
	Role      Role
	ProfileID string
}

// Registry tracks live connections and the profile -> host reverse map.
// At most one host is registered per profile id at any instant; a new
// REGISTER_HOST for the same profile silently replaces the previous
// mapping.
type Registry struct {
	mu       sync.RWMutex
	clients  map[*Conn]*ClientInfo
	profiles map[string]*Conn
	logger   *slog.Logger
}

func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		clients:  make(map[*Conn]*ClientInfo),
		profiles: make(map[string]*Conn),
		logger:   logger,
	}
}

// Register adds a connection with an unknown role.
func (r *Registry) Register(conn *Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients[conn] = &ClientInfo{ConnID: conn.connID, Addr: conn.remote}
}

// MarkSentinel upgrades a connection to the sentinel role. Idempotent.
func (r *Registry) MarkSentinel(conn *Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if info, ok := r.clients[conn]; ok {
		info.Role = RoleSentinel
	}
}

// BindHost upgrades a connection to the host role and binds it as the
// worker for profileID, replacing any prior binding for that profile.
func (r *Registry) BindHost(conn *Conn, profileID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	info, ok := r.clients[conn]
	if !ok {
		return
	}
	if prev, ok := r.profiles[profileID]; ok && prev != conn {
		r.logger.Warn("profile binding replaced",
			"profile_id", shortID(profileID), "prev_conn", prev.connID, "conn", conn.connID)
	}
	info.Role = RoleHost
	info.ProfileID = profileID
	r.profiles[profileID] = conn
}

// Unregister removes the connection and, for hosts, drops the profile
// mapping. It returns the metadata the connection had so the caller can
// emit a disconnect event.
func (r *Registry) Unregister(conn *Conn) (ClientInfo, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	info, ok := r.clients[conn]
	if !ok {
		return ClientInfo{}, false
	}
	delete(r.clients, conn)
	if info.ProfileID != "" && r.profiles[info.ProfileID] == conn {
		delete(r.profiles, info.ProfileID)
		r.logger.Info("profile unregistered", "profile_id", shortID(info.ProfileID))
	}
	return *info, true
}

// Info returns the current metadata for a connection.
func (r *Registry) Info(conn *Conn) (ClientInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	info, ok := r.clients[conn]
	if !ok {
		return ClientInfo{}, false
	}
	return *info, true
}

// Resolve returns the host connection currently bound to profileID.
func (r *Registry) Resolve(profileID string) (*Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.profiles[profileID]
	return conn, ok
}

// Sentinels returns all connections registered as sentinels.
func (r *Registry) Sentinels() []*Conn {
	return r.ofRole(RoleSentinel, nil)
}

// HostsExcept returns all host connections except the given one, for
// broadcast fan-out.
func (r *Registry) HostsExcept(sender *Conn) []*Conn {
	return r.ofRole(RoleHost, sender)
}

func (r *Registry) ofRole(role Role, except *Conn) []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Conn
	for conn, info := range r.clients {
		if info.Role == role && conn != except {
			out = append(out, conn)
		}
	}
	return out
}

// All returns every registered connection, used at shutdown.
func (r *Registry) All() []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Conn, 0, len(r.clients))
	for conn := range r.clients {
		out = append(out, conn)
	}
	return out
}

// ConnectedProfiles returns the profile ids with a live host binding, in
// stable order.
func (r *Registry) ConnectedProfiles() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.profiles))
	for profileID := range r.profiles {
		out = append(out, profileID)
	}
	sort.Strings(out)
	return out
}

// Stats summarizes the registry for the status API.
type Stats struct {
	Connections int `json:"connections"`
	Sentinels   int `json:"sentinels"`
	Hosts       int `json:"hosts"`
}

func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	stats := Stats{Connections: len(r.clients)}
	for _, info := range r.clients {
		switch info.Role {
		case RoleSentinel:
			stats.Sentinels++
		case RoleHost:
			stats.Hosts++
		}
	}
	return stats
}

// shortID truncates profile ids for log lines.
func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
