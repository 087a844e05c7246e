// Package paths resolves the on-disk layout shared with the rest of the
// Bloom tooling: a config directory holding profiles.json and a workers
// directory holding the service PID file and event log.
package paths

import (
	"fmt"
	"os"
	"path/filepath"
)

// Paths locates every file the concierge touches. Components receive it
// as a constructor argument; nothing resolves paths on its own.
type Paths struct {
	base string
}

// Resolve builds a Paths rooted at baseDir, or at the platform config
// directory (e.g. ~/.config/BloomNucleus, %LOCALAPPDATA%\BloomNucleus)
// when baseDir is empty.
func Resolve(baseDir string) (*Paths, error) {
	if baseDir == "" {
		configDir, err := os.UserConfigDir()
		if err != nil {
			return nil, fmt.Errorf("resolve user config dir: %w", err)
		}
		baseDir = filepath.Join(configDir, "BloomNucleus")
	}
	return &Paths{base: baseDir}, nil
}

// EnsureDirs creates the config and workers directories.
func (p *Paths) EnsureDirs() error {
	for _, dir := range []string{p.ConfigDir(), p.WorkersDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return nil
}

func (p *Paths) BaseDir() string    { return p.base }
func (p *Paths) ConfigDir() string  { return filepath.Join(p.base, "config") }
func (p *Paths) WorkersDir() string { return filepath.Join(p.base, "workers", "brain") }

func (p *Paths) ProfilesFile() string { return filepath.Join(p.ConfigDir(), "profiles.json") }
func (p *Paths) EventsFile() string   { return filepath.Join(p.WorkersDir(), "events.jsonl") }
func (p *Paths) PIDFile() string      { return filepath.Join(p.WorkersDir(), "service.pid") }
func (p *Paths) TrafficLog() string   { return filepath.Join(p.WorkersDir(), "tcp_traffic.log") }
