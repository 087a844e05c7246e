// Package eventbus maintains the concierge event log: a bounded in-memory
// window over recent events, selective durable persistence for critical
// event types, and replay for polling sentinels. It is independent of the
// network layer; broadcast of emitted events is the server's job.
package eventbus

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	json "github.com/goccy/go-json"

	"concierge/pkg/protocol"
)

// DefaultCapacity is the in-memory event window size.
const DefaultCapacity = 1000

// Bus is the event log. All methods are safe for concurrent use; the
// events.jsonl file is append-only and written only under the bus mutex.
type Bus struct {
	mu       sync.Mutex
	events   []protocol.Event
	capacity int

	eventsFile string
	logger     *slog.Logger

	// now is swappable for tests.
	now func() time.Time
}

// New creates a Bus persisting critical events to eventsFile. A capacity
// of zero or less falls back to DefaultCapacity.
func New(eventsFile string, capacity int, logger *slog.Logger) *Bus {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Bus{
		events:     make([]protocol.Event, 0, capacity),
		capacity:   capacity,
		eventsFile: eventsFile,
		logger:     logger,
		now:        time.Now,
	}
}

// Hydrate seeds the in-memory window from events.jsonl. At most the last
// capacity lines are loaded, in original order. Corrupt lines are skipped
// with a warning. A missing file is a no-op.
func (b *Bus) Hydrate() error {
	f, err := os.Open(b.eventsFile)
	if err != nil {
		if os.IsNotExist(err) {
			b.logger.Info("no previous event history found")
			return nil
		}
		return fmt.Errorf("open event log: %w", err)
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	// Persisted events can approach the frame limit.
	scanner.Buffer(make([]byte, 0, 64*1024), protocol.MaxFrameSize+1024)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		lines = append(lines, line)
		if len(lines) > b.capacity {
			lines = lines[1:]
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read event log: %w", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	loaded := 0
	for _, line := range lines {
		var ev protocol.Event
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			b.logger.Warn("corrupted line in events.jsonl", "error", err)
			continue
		}
		b.append(ev)
		loaded++
	}
	b.logger.Info("events rehydrated into memory", "count", loaded)
	return nil
}

// Emit stamps and appends an event, persisting it when the type is
// critical, and returns it so the caller can broadcast immediately.
// Persistence failures are logged, not propagated: the in-memory window
// stays consistent even when durability briefly fails.
func (b *Bus) Emit(eventType protocol.EventType, data map[string]any) protocol.Event {
	ev := protocol.Event{
		Type:      string(eventType),
		Timestamp: protocol.UTCTimestamp(b.now()),
		Data:      data,
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.append(ev)
	if eventType.IsCritical() {
		if err := b.persist(ev); err != nil {
			b.logger.Error("event persistence failed", "type", ev.Type, "error", err)
		}
	}
	b.logger.Debug("event added", "type", ev.Type)
	return ev
}

// append assumes b.mu is held. Oldest entries are evicted once the window
// is full.
func (b *Bus) append(ev protocol.Event) {
	b.events = append(b.events, ev)
	if len(b.events) > b.capacity {
		excess := len(b.events) - b.capacity
		b.events = append(b.events[:0], b.events[excess:]...)
	}
}

// persist appends one JSON line to events.jsonl. Assumes b.mu is held, so
// the file only ever has a single writer.
func (b *Bus) persist(ev protocol.Event) error {
	line, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(b.eventsFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// Poll returns the events after the given cursor, preserving emission
// order. An empty cursor returns the whole window.
func (b *Bus) Poll(since string) []protocol.Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	if since == "" {
		out := make([]protocol.Event, len(b.events))
		copy(out, b.events)
		return out
	}

	var out []protocol.Event
	for _, ev := range b.events {
		if ev.Timestamp > since {
			out = append(out, ev)
		}
	}
	return out
}

// Len reports how many events are currently in the window.
func (b *Bus) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.events)
}

// Capacity reports the window size.
func (b *Bus) Capacity() int {
	return b.capacity
}
