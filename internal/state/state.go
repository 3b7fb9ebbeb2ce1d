// Package state persists the relay's enabled flag across restarts.
package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// State is the persisted relay state.
type State struct {
	Enabled   bool      `json:"enabled"`
	UpdatedAt time.Time `json:"updatedAt,omitempty"`
}

// Store reads and writes State at a fixed path.
type Store struct {
	path string

	mu    sync.Mutex
	state State
}

// Open loads the state file at path. A missing file means enabled.
func Open(path string) (*Store, error) {
	s := &Store{path: path}
	st, err := load(path)
	if err != nil {
		return nil, err
	}
	s.state = st
	return s, nil
}

func load(path string) (State, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return State{Enabled: true}, nil
		}
		return State{}, fmt.Errorf("read state: %w", err)
	}

	var s State
	if err := json.Unmarshal(data, &s); err != nil {
		return State{}, fmt.Errorf("parse state %s: %w", path, err)
	}
	return s, nil
}

// Path returns the file backing the store.
func (s *Store) Path() string { return s.path }

// Get returns the current state.
func (s *Store) Get() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Enabled reports whether the relay should connect.
func (s *Store) Enabled() bool { return s.Get().Enabled }

// SetEnabled updates and persists the enabled flag.
func (s *Store) SetEnabled(enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := State{Enabled: enabled, UpdatedAt: time.Now().UTC()}
	if err := save(s.path, next); err != nil {
		return err
	}
	s.state = next
	return nil
}

// save writes through a temp file so a crash never leaves a torn file.
func save(path string, s State) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}

	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write state: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replace state: %w", err)
	}
	return nil
}
