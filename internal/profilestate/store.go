// Package profilestate is the exclusive owner of the runtime_state
// sub-object inside profiles.json. Other tooling reads and writes other
// fields of the same document; those fields pass through every rewrite
// untouched. All writes are atomic (temp file + rename) so a reader never
// observes a half-written document.
package profilestate

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"

	"concierge/pkg/protocol"
)

// RuntimeState is the per-profile connection lifecycle record.
type RuntimeState struct {
	Status             string  `json:"status"`
	PID                *int    `json:"pid"`
	LaunchID           *string `json:"launch_id"`
	LastHeartbeat      *string `json:"last_heartbeat"`
	HandshakeConfirmed bool    `json:"handshake_confirmed"`
	SessionStart       *string `json:"session_start"`
}

const (
	StatusOpen   = "open"
	StatusClosed = "closed"
)

// document mirrors profiles.json. Profile records stay as raw maps so
// fields owned by other tooling survive the read-modify-write cycle.
type document struct {
	Profiles []map[string]any `json:"profiles"`
}

// Store serializes every read-modify-write cycle over profiles.json
// behind a mutex (single-writer discipline).
type Store struct {
	mu     sync.Mutex
	path   string
	logger *slog.Logger

	now    func() time.Time
	rename func(oldpath, newpath string) error
}

// NewStore opens (or initializes) the profiles document at path.
func NewStore(path string, logger *slog.Logger) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create config dir: %w", err)
	}
	s := &Store{path: path, logger: logger, now: time.Now, rename: os.Rename}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := s.writeAtomic(&document{Profiles: []map[string]any{}}); err != nil {
			return nil, fmt.Errorf("initialize profiles document: %w", err)
		}
	}
	return s, nil
}

// SetOnline marks the profile open and stamps a fresh session. A launch id
// is generated when the caller did not supply one.
func (s *Store) SetOnline(profileID string, pid int, launchID string) (RuntimeState, error) {
	if launchID == "" {
		launchID = uuid.New().String()
	}
	now := protocol.UTCTimestamp(s.now())

	state := RuntimeState{
		Status:             StatusOpen,
		PID:                &pid,
		LaunchID:           &launchID,
		LastHeartbeat:      &now,
		HandshakeConfirmed: false,
		SessionStart:       &now,
	}
	if err := s.update(profileID, state); err != nil {
		return RuntimeState{}, err
	}
	s.logger.Info("profile set online", "profile_id", shortID(profileID), "pid", pid)
	return state, nil
}

// SetOffline marks the profile closed and clears all session fields.
func (s *Store) SetOffline(profileID string) (RuntimeState, error) {
	state := RuntimeState{Status: StatusClosed}
	if err := s.update(profileID, state); err != nil {
		return RuntimeState{}, err
	}
	s.logger.Info("profile set offline", "profile_id", shortID(profileID))
	return state, nil
}

// ConfirmHandshake records a completed handshake and refreshes the
// heartbeat timestamp. Unknown profiles are a logged no-op.
func (s *Store) ConfirmHandshake(profileID string) error {
	err := s.mutate(profileID, func(state *RuntimeState) {
		now := protocol.UTCTimestamp(s.now())
		state.HandshakeConfirmed = true
		state.LastHeartbeat = &now
	})
	if err != nil {
		return err
	}
	s.logger.Info("handshake confirmed", "profile_id", shortID(profileID))
	return nil
}

// TouchHeartbeat refreshes last_heartbeat only.
func (s *Store) TouchHeartbeat(profileID string) error {
	return s.mutate(profileID, func(state *RuntimeState) {
		now := protocol.UTCTimestamp(s.now())
		state.LastHeartbeat = &now
	})
}

// Get returns the current runtime state, or ErrProfileNotFound when the
// profile has no record. A profile that exists but was never online
// returns a zero-value record.
func (s *Store) Get(profileID string) (*RuntimeState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.read()
	if err != nil {
		return nil, err
	}
	profile := findProfile(doc, profileID)
	if profile == nil {
		return nil, ErrProfileNotFound
	}
	raw, ok := profile["runtime_state"]
	if !ok {
		return nil, ErrProfileNotFound
	}
	state, err := decodeState(raw)
	if err != nil {
		return nil, err
	}
	return state, nil
}

// update replaces the whole runtime_state sub-object.
func (s *Store) update(profileID string, state RuntimeState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.read()
	if err != nil {
		return err
	}
	profile := findProfile(doc, profileID)
	if profile == nil {
		s.logger.Warn("profile not found in registry", "profile_id", shortID(profileID))
		return ErrProfileNotFound
	}
	profile["runtime_state"] = state
	return s.writeAtomic(doc)
}

// mutate edits the existing runtime_state in place.
func (s *Store) mutate(profileID string, fn func(*RuntimeState)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.read()
	if err != nil {
		return err
	}
	profile := findProfile(doc, profileID)
	if profile == nil {
		s.logger.Warn("profile not found in registry", "profile_id", shortID(profileID))
		return ErrProfileNotFound
	}
	state := &RuntimeState{}
	if raw, ok := profile["runtime_state"]; ok {
		if state, err = decodeState(raw); err != nil {
			return err
		}
	}
	fn(state)
	profile["runtime_state"] = *state
	return s.writeAtomic(doc)
}

func findProfile(doc *document, profileID string) map[string]any {
	for _, profile := range doc.Profiles {
		if id, _ := profile["id"].(string); id == profileID {
			return profile
		}
	}
	return nil
}

func decodeState(raw any) (*RuntimeState, error) {
	buf, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("re-encode runtime_state: %w", err)
	}
	state := &RuntimeState{}
	if err := json.Unmarshal(buf, state); err != nil {
		return nil, fmt.Errorf("decode runtime_state: %w", err)
	}
	return state, nil
}

func (s *Store) read() (*document, error) {
	content, err := os.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("read profiles document: %w", err)
	}
	doc := &document{}
	if err := json.Unmarshal(content, doc); err != nil {
		return nil, fmt.Errorf("parse profiles document: %w", err)
	}
	return doc, nil
}

// writeAtomic serializes the full document to a temp file in the target
// directory, then renames it over profiles.json. A crash mid-write leaves
// the previous document intact.
func (s *Store) writeAtomic(doc *document) error {
	content, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("serialize profiles document: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".profiles_*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(content); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := s.rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("replace profiles document: %w", err)
	}
	return nil
}

// shortID truncates profile ids for log lines.
func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
