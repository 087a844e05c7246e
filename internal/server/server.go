// Package server implements the concierge: a loopback TCP hub that
// multiplexes one listener among CLI sentinels and per-profile host
// processes, routing point-to-point messages, fanning out broadcasts, and
// feeding the event bus and runtime state store.
package server

import (
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"concierge/internal/eventbus"
	"concierge/internal/paths"
	"concierge/internal/profilestate"
	"concierge/pkg/protocol"
)

// DefaultAddr is the loopback address the concierge binds by default.
const DefaultAddr = "127.0.0.1:5678"

// Config carries everything the server needs; all collaborators are
// injected, none are resolved internally.
type Config struct {
	Addr          string
	Paths         *paths.Paths
	EventCapacity int
	TrafficLog    bool
}

// Server owns the listening socket and drives connection handlers,
// the event bus and the profile state store.
type Server struct {
	cfg      Config
	logger   *slog.Logger
	bus      *eventbus.Bus
	store    *profilestate.Store
	registry *Registry

	listener net.Listener
	connSeq  atomic.Uint64
	msgCount atomic.Uint64

	trafficMu   sync.Mutex
	trafficFile *os.File

	// feed receives every emitted event for the web event feed; sends
	// never block, slow consumers just miss events.
	feed chan protocol.Event

	shutdownOnce sync.Once
	done         chan struct{}
	wg           sync.WaitGroup
}

// New wires a Server. The listening socket is not bound until Start.
func New(cfg Config, logger *slog.Logger) (*Server, error) {
	if cfg.Addr == "" {
		cfg.Addr = DefaultAddr
	}
	if err := cfg.Paths.EnsureDirs(); err != nil {
		return nil, err
	}

	store, err := profilestate.NewStore(cfg.Paths.ProfilesFile(), logger.With("component", "profile_state"))
	if err != nil {
		return nil, err
	}

	return &Server{
		cfg:      cfg,
		logger:   logger,
		bus:      eventbus.New(cfg.Paths.EventsFile(), cfg.EventCapacity, logger.With("component", "event_bus")),
		store:    store,
		registry: NewRegistry(logger.With("component", "registry")),
		feed:     make(chan protocol.Event, 128),
		done:     make(chan struct{}),
	}, nil
}

// Start binds the listener and begins accepting connections. Failing to
// bind is startup-fatal and is the only error returned here; it aborts
// the process entirely. An already-running instance (live PID file) is
// reported the same way.
func (s *Server) Start() error {
	if pid, running := s.alreadyRunning(); running {
		return fmt.Errorf("service already running (pid %d)", pid)
	}

	listener, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("bind %s: %w", s.cfg.Addr, err)
	}
	s.listener = listener

	if err := os.WriteFile(s.cfg.Paths.PIDFile(), []byte(strconv.Itoa(os.Getpid())), 0o644); err != nil {
		listener.Close()
		return fmt.Errorf("write pid file: %w", err)
	}

	if err := s.bus.Hydrate(); err != nil {
		s.logger.Error("event rehydration failed", "error", err)
	}
	s.openTrafficLog()

	s.logger.Info("concierge listening", "addr", s.cfg.Addr, "pid", os.Getpid(),
		"workers_dir", s.cfg.Paths.WorkersDir())

	s.emit(protocol.EventServiceStatus, map[string]any{
		"status": "started",
		"pid":    os.Getpid(),
		"addr":   s.cfg.Addr,
	})

	s.wg.Add(1)
	go s.acceptLoop()
	return nil
}

// Addr returns the bound listener address (useful with ":0" in tests).
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.cfg.Addr
	}
	return s.listener.Addr().String()
}

// Done is closed when shutdown completes.
func (s *Server) Done() <-chan struct{} {
	return s.done
}

// Events exposes the emitted-event feed consumed by the web layer.
func (s *Server) Events() <-chan protocol.Event {
	return s.feed
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		netConn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
			}
			if strings.Contains(err.Error(), "use of closed network connection") {
				return
			}
			s.logger.Warn("accept failed", "error", err)
			continue
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(netConn)
		}()
	}
}

// Shutdown broadcasts the stopping event, closes every connection and the
// listener, and removes the PID file. Idempotent, and never waits on a
// connection that refuses to close.
func (s *Server) Shutdown() {
	s.shutdownOnce.Do(func() {
		s.logger.Info("initiating shutdown")

		ev := s.emit(protocol.EventServiceStatus, map[string]any{"status": "shutting_down"})
		s.broadcastToSentinels(ev)

		for _, conn := range s.registry.All() {
			conn.Close()
		}
		if s.listener != nil {
			s.listener.Close()
		}
		s.closeTrafficLog()

		if err := os.Remove(s.cfg.Paths.PIDFile()); err != nil && !os.IsNotExist(err) {
			s.logger.Warn("pid file removal failed", "error", err)
		}

		close(s.done)
		s.logger.Info("shutdown complete")
	})
}

// emit appends the event to the bus and mirrors it to the web feed.
func (s *Server) emit(eventType protocol.EventType, data map[string]any) protocol.Event {
	ev := s.bus.Emit(eventType, data)
	select {
	case s.feed <- ev:
	default:
	}
	return ev
}

// alreadyRunning reports whether the PID file names a live process.
func (s *Server) alreadyRunning() (int, bool) {
	content, err := os.ReadFile(s.cfg.Paths.PIDFile())
	if err != nil {
		return 0, false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(content)))
	if err != nil || pid <= 0 {
		return 0, false
	}
	return pid, processAlive(pid)
}

// ServerStats is the status API summary.
type ServerStats struct {
	Connections         int      `json:"connections"`
	Sentinels           int      `json:"sentinels"`
	Hosts               int      `json:"hosts"`
	ConnectedProfiles   []string `json:"connected_profiles"`
	MessagesProcessed   uint64   `json:"messages_processed"`
	EventBufferLength   int      `json:"event_buffer_length"`
	EventBufferCapacity int      `json:"event_buffer_capacity"`
}

func (s *Server) Stats() ServerStats {
	registry := s.registry.Stats()
	return ServerStats{
		Connections:         registry.Connections,
		Sentinels:           registry.Sentinels,
		Hosts:               registry.Hosts,
		ConnectedProfiles:   s.registry.ConnectedProfiles(),
		MessagesProcessed:   s.msgCount.Load(),
		EventBufferLength:   s.bus.Len(),
		EventBufferCapacity: s.bus.Capacity(),
	}
}

// ProfileState proxies the state store for the status API.
func (s *Server) ProfileState(profileID string) (*profilestate.RuntimeState, error) {
	return s.store.Get(profileID)
}

// openTrafficLog truncates and opens tcp_traffic.log when enabled.
func (s *Server) openTrafficLog() {
	if !s.cfg.TrafficLog {
		return
	}
	f, err := os.Create(s.cfg.Paths.TrafficLog())
	if err != nil {
		s.logger.Warn("traffic log unavailable", "error", err)
		return
	}
	s.trafficMu.Lock()
	s.trafficFile = f
	s.trafficMu.Unlock()
}

func (s *Server) closeTrafficLog() {
	s.trafficMu.Lock()
	defer s.trafficMu.Unlock()
	if s.trafficFile != nil {
		s.trafficFile.Close()
		s.trafficFile = nil
	}
}

// logTraffic appends one byte-count line per frame; errors are ignored,
// traffic logging is diagnostic only.
func (s *Server) logTraffic(connID, direction string, size int) {
	s.trafficMu.Lock()
	defer s.trafficMu.Unlock()
	if s.trafficFile == nil {
		return
	}
	fmt.Fprintf(s.trafficFile, "[%s] %s %s %d bytes\n",
		time.Now().UTC().Format(time.RFC3339Nano), connID, direction, size)
}
