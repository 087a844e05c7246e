package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	json "github.com/goccy/go-json"

	"concierge/internal/paths"
	"concierge/internal/server"
	"concierge/pkg/protocol"
)

func startTestServer(t *testing.T, profileIDs ...string) *server.Server {
	t.Helper()

	p, err := paths.Resolve(t.TempDir())
	if err != nil {
		t.Fatalf("resolve paths: %v", err)
	}
	if err := p.EnsureDirs(); err != nil {
		t.Fatalf("ensure dirs: %v", err)
	}
	profiles := make([]map[string]any, 0, len(profileIDs))
	for _, id := range profileIDs {
		profiles = append(profiles, map[string]any{"id": id})
	}
	content, _ := json.Marshal(map[string]any{"profiles": profiles})
	if err := os.WriteFile(p.ProfilesFile(), content, 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	srv, err := server.New(server.Config{Addr: "127.0.0.1:0", Paths: p}, logger)
	if err != nil {
		t.Fatalf("server.New failed: %v", err)
	}
	if err := srv.Start(); err != nil {
		t.Fatalf("server.Start failed: %v", err)
	}
	t.Cleanup(srv.Shutdown)
	return srv
}

func connect(t *testing.T, srv *server.Server) *Client {
	t.Helper()
	c := New(Config{Addr: srv.Addr(), RequestTimeout: 2 * time.Second})
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

// recordingHandler captures pushed frames for assertions.
type recordingHandler struct {
	mu       sync.Mutex
	events   []protocol.Event
	messages [][]byte
}

func (h *recordingHandler) OnEvent(ev protocol.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, ev)
}
func (h *recordingHandler) OnMessage(payload []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.messages = append(h.messages, append([]byte(nil), payload...))
}
func (h *recordingHandler) OnDisconnected(err error) {}

func (h *recordingHandler) waitMessages(t *testing.T, n int) [][]byte {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		h.mu.Lock()
		if len(h.messages) >= n {
			out := h.messages
			h.mu.Unlock()
			return out
		}
		h.mu.Unlock()
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d messages", n)
	return nil
}

func (h *recordingHandler) waitEvent(t *testing.T, eventType string) protocol.Event {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		h.mu.Lock()
		for _, ev := range h.events {
			if ev.Type == eventType {
				h.mu.Unlock()
				return ev
			}
		}
		h.mu.Unlock()
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for event %s", eventType)
	return protocol.Event{}
}

func TestSentinelRegistration(t *testing.T) {
	srv := startTestServer(t, "P")
	ctx := context.Background()

	host := connect(t, srv)
	if _, err := host.RegisterHost(ctx, HostInfo{ProfileID: "P", PID: 42}); err != nil {
		t.Fatalf("RegisterHost failed: %v", err)
	}

	sentinel := connect(t, srv)
	ack, err := sentinel.RegisterSentinel(ctx)
	if err != nil {
		t.Fatalf("RegisterSentinel failed: %v", err)
	}
	if ack.Role != "cli" || ack.ConnID == "" {
		t.Fatalf("unexpected ack: %+v", ack)
	}
	if len(ack.Profiles) != 1 || ack.Profiles[0] != "P" {
		t.Fatalf("expected connected profiles [P], got %v", ack.Profiles)
	}
}

func TestSendToRoutesToHost(t *testing.T) {
	srv := startTestServer(t, "P")
	ctx := context.Background()

	handler := &recordingHandler{}
	host := connect(t, srv)
	host.SetEventHandler(handler)
	if _, err := host.RegisterHost(ctx, HostInfo{ProfileID: "P", PID: 1}); err != nil {
		t.Fatalf("RegisterHost failed: %v", err)
	}

	sentinel := connect(t, srv)
	if _, err := sentinel.RegisterSentinel(ctx); err != nil {
		t.Fatalf("RegisterSentinel failed: %v", err)
	}

	if err := sentinel.SendTo(ctx, "P", map[string]any{"type": "RUN_INTENT", "intent": "search"}); err != nil {
		t.Fatalf("SendTo failed: %v", err)
	}

	messages := handler.waitMessages(t, 1)
	var got map[string]any
	if err := json.Unmarshal(messages[0], &got); err != nil {
		t.Fatalf("unmarshal routed frame: %v", err)
	}
	if got["type"] != "RUN_INTENT" || got["intent"] != "search" {
		t.Fatalf("routed frame mangled: %v", got)
	}
}

func TestSendToUnknownProfileFails(t *testing.T) {
	srv := startTestServer(t)
	ctx := context.Background()

	sentinel := connect(t, srv)
	if _, err := sentinel.RegisterSentinel(ctx); err != nil {
		t.Fatalf("RegisterSentinel failed: %v", err)
	}

	err := sentinel.SendTo(ctx, "ghost", map[string]any{"type": "RUN_INTENT"})
	if !errors.Is(err, ErrRouteFailed) {
		t.Fatalf("expected ErrRouteFailed, got %v", err)
	}
}

func TestSentinelReceivesDisconnectEvent(t *testing.T) {
	srv := startTestServer(t, "P")
	ctx := context.Background()

	handler := &recordingHandler{}
	sentinel := connect(t, srv)
	sentinel.SetEventHandler(handler)
	if _, err := sentinel.RegisterSentinel(ctx); err != nil {
		t.Fatalf("RegisterSentinel failed: %v", err)
	}

	host := connect(t, srv)
	if _, err := host.RegisterHost(ctx, HostInfo{ProfileID: "P", PID: 1}); err != nil {
		t.Fatalf("RegisterHost failed: %v", err)
	}
	host.Close()

	ev := handler.waitEvent(t, string(protocol.EventProfileDisconnected))
	if ev.Data["profile_id"] != "P" {
		t.Fatalf("disconnect event for wrong profile: %v", ev.Data)
	}
}

func TestPollEventsRoundTrip(t *testing.T) {
	srv := startTestServer(t, "P")
	ctx := context.Background()

	host := connect(t, srv)
	if _, err := host.RegisterHost(ctx, HostInfo{ProfileID: "P", PID: 1}); err != nil {
		t.Fatalf("RegisterHost failed: %v", err)
	}
	if err := host.ProfileConnected("P"); err != nil {
		t.Fatalf("ProfileConnected failed: %v", err)
	}

	sentinel := connect(t, srv)
	if _, err := sentinel.RegisterSentinel(ctx); err != nil {
		t.Fatalf("RegisterSentinel failed: %v", err)
	}

	// The connect handshake is asynchronous; poll until it shows up.
	deadline := time.Now().Add(2 * time.Second)
	for {
		events, err := sentinel.PollEvents(ctx, "")
		if err != nil {
			t.Fatalf("PollEvents failed: %v", err)
		}
		found := false
		for _, ev := range events {
			if ev.Type == string(protocol.EventProfileConnected) {
				found = true
			}
		}
		if found {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("PROFILE_CONNECTED never appeared in polled events")
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestGetProfileState(t *testing.T) {
	srv := startTestServer(t, "P")
	ctx := context.Background()

	host := connect(t, srv)
	if _, err := host.RegisterHost(ctx, HostInfo{ProfileID: "P", PID: 9}); err != nil {
		t.Fatalf("RegisterHost failed: %v", err)
	}

	sentinel := connect(t, srv)
	if _, err := sentinel.RegisterSentinel(ctx); err != nil {
		t.Fatalf("RegisterSentinel failed: %v", err)
	}

	state, err := sentinel.GetProfileState(ctx, "P")
	if err != nil {
		t.Fatalf("GetProfileState failed: %v", err)
	}
	if state == nil || state["status"] != "open" {
		t.Fatalf("expected open state, got %v", state)
	}

	ghost, err := sentinel.GetProfileState(ctx, "ghost")
	if err != nil {
		t.Fatalf("GetProfileState(ghost) failed: %v", err)
	}
	if ghost != nil {
		t.Fatalf("expected nil state for unknown profile, got %v", ghost)
	}
}

func TestConcurrentSameTypeRequests(t *testing.T) {
	srv := startTestServer(t, "P")
	ctx := context.Background()

	host := connect(t, srv)
	if _, err := host.RegisterHost(ctx, HostInfo{ProfileID: "P", PID: 1}); err != nil {
		t.Fatalf("RegisterHost failed: %v", err)
	}

	sentinel := connect(t, srv)
	if _, err := sentinel.RegisterSentinel(ctx); err != nil {
		t.Fatalf("RegisterSentinel failed: %v", err)
	}

	// All requests share the PROFILE_STATE reply type; each must still
	// receive its own reply, distinguished here by known vs unknown id.
	var wg sync.WaitGroup
	errs := make(chan error, 16)
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			state, err := sentinel.GetProfileState(ctx, "P")
			if err != nil {
				errs <- fmt.Errorf("GetProfileState(P): %w", err)
				return
			}
			if state == nil || state["status"] != "open" {
				errs <- fmt.Errorf("expected open state for P, got %v", state)
			}
		}()
		go func() {
			defer wg.Done()
			state, err := sentinel.GetProfileState(ctx, "ghost")
			if err != nil {
				errs <- fmt.Errorf("GetProfileState(ghost): %w", err)
				return
			}
			if state != nil {
				errs <- fmt.Errorf("expected nil state for ghost, got %v", state)
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatal(err)
	}
}

func TestHeartbeatRefreshesState(t *testing.T) {
	srv := startTestServer(t, "P")
	ctx := context.Background()

	host := connect(t, srv)
	if _, err := host.RegisterHost(ctx, HostInfo{ProfileID: "P", PID: 1}); err != nil {
		t.Fatalf("RegisterHost failed: %v", err)
	}

	before, err := srv.ProfileState("P")
	if err != nil {
		t.Fatalf("state read failed: %v", err)
	}

	time.Sleep(5 * time.Millisecond)
	if err := host.Heartbeat(); err != nil {
		t.Fatalf("Heartbeat failed: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		after, err := srv.ProfileState("P")
		if err != nil {
			t.Fatalf("state read failed: %v", err)
		}
		if after.LastHeartbeat != nil && before.LastHeartbeat != nil &&
			*after.LastHeartbeat > *before.LastHeartbeat {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("heartbeat never refreshed last_heartbeat")
		}
		time.Sleep(20 * time.Millisecond)
	}
}
