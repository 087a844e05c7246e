package web

import (
	"context"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/coder/websocket"
	json "github.com/goccy/go-json"

	"concierge/internal/paths"
	"concierge/internal/server"
	"concierge/pkg/protocol"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func startTestServer(t *testing.T) *server.Server {
	t.Helper()
	p, err := paths.Resolve(t.TempDir())
	if err != nil {
		t.Fatalf("resolve paths: %v", err)
	}
	srv, err := server.New(server.Config{Addr: "127.0.0.1:0", Paths: p}, testLogger())
	if err != nil {
		t.Fatalf("server.New failed: %v", err)
	}
	if err := srv.Start(); err != nil {
		t.Fatalf("server.Start failed: %v", err)
	}
	t.Cleanup(srv.Shutdown)
	return srv
}

func TestHubSubscribePublish(t *testing.T) {
	hub := NewHub(testLogger())

	sub := hub.Subscribe()
	hub.publish(protocol.Event{Type: "TEST_EVENT", Timestamp: "t1"})

	select {
	case ev := <-sub:
		if ev.Type != "TEST_EVENT" {
			t.Fatalf("unexpected event: %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatalf("subscriber did not receive event")
	}

	hub.Unsubscribe(sub)
	if _, ok := <-sub; ok {
		t.Fatalf("unsubscribed channel must be closed")
	}
	// Publishing after unsubscribe must not panic.
	hub.publish(protocol.Event{Type: "TEST_EVENT"})
}

func TestHealthAndStats(t *testing.T) {
	srv := startTestServer(t)
	h := New(srv, testLogger())
	ts := httptest.NewServer(h.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatalf("health request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	resp2, err := http.Get(ts.URL + "/api/stats")
	if err != nil {
		t.Fatalf("stats request failed: %v", err)
	}
	defer resp2.Body.Close()
	body, _ := io.ReadAll(resp2.Body)
	var stats map[string]any
	if err := json.Unmarshal(body, &stats); err != nil {
		t.Fatalf("stats response not JSON: %v", err)
	}
	if _, ok := stats["event_buffer_capacity"]; !ok {
		t.Fatalf("stats missing event buffer fields: %s", body)
	}
}

func TestUnknownProfileStateIs404(t *testing.T) {
	srv := startTestServer(t)
	h := New(srv, testLogger())
	ts := httptest.NewServer(h.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/profiles/ghost/state")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}

func TestEventFeedStreamsEvents(t *testing.T) {
	srv := startTestServer(t)
	h := New(srv, testLogger())
	h.Start()
	ts := httptest.NewServer(h.Router())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, "ws"+ts.URL[4:]+"/ws", nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "test done")

	// Give the subscriber a moment to land before emitting.
	time.Sleep(50 * time.Millisecond)

	// Connect a TCP host-less sentinel event source: simplest emitted
	// event is triggered by a PROFILE_CONNECTED control message.
	tcpConn, err := net.Dial("tcp", srv.Addr())
	if err != nil {
		t.Fatalf("tcp dial failed: %v", err)
	}
	defer tcpConn.Close()
	payload, _ := json.Marshal(map[string]any{"type": protocol.MsgProfileConnected, "profile_id": "P"})
	if err := protocol.WriteFrame(tcpConn, payload); err != nil {
		t.Fatalf("write frame failed: %v", err)
	}

	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("feed read failed: %v", err)
	}
	var ev protocol.Event
	if err := json.Unmarshal(data, &ev); err != nil {
		t.Fatalf("feed payload not an event: %v", err)
	}
	if ev.Type != string(protocol.EventProfileConnected) {
		t.Fatalf("expected PROFILE_CONNECTED on feed, got %s", ev.Type)
	}
}
