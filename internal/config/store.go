// internal/config/store.go
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"
)

// Store persists RelayConfig across restarts. Writes are atomic
// (temp file + rename), so a crash mid-write never leaves a torn file.
type Store struct {
	mu   sync.Mutex
	path string
}

// NewStore creates a store at path. An empty path disables persistence:
// Load reports not-found and Save is a no-op.
func NewStore(path string) *Store {
	return &Store{path: path}
}

// Load reads the persisted relay settings. ok is false when nothing has
// been persisted yet.
func (s *Store) Load() (cfg RelayConfig, ok bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.path == "" {
		return RelayConfig{}, false, nil
	}

	raw, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return RelayConfig{}, false, nil
		}
		return RelayConfig{}, false, fmt.Errorf("config: read state %s: %w", s.path, err)
	}

	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return RelayConfig{}, false, fmt.Errorf("config: parse state %s: %w", s.path, err)
	}
	return cfg, true, nil
}

// Save persists the relay settings atomically.
func (s *Store) Save(cfg RelayConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.path == "" {
		return nil
	}

	raw, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("config: encode state: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("config: create state dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".relay-state-*")
	if err != nil {
		return fmt.Errorf("config: temp state file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("config: write state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("config: close state: %w", err)
	}

	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("config: commit state: %w", err)
	}
	return nil
}
