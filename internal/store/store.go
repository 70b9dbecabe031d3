// Package store provides crash-safe engine state persistence using JSON
// files.
//
// Each asset's position is stored as a separate file: pos_<asset>.json, and
// session accounting lives in session.json. Writes use atomic file
// replacement (write to .tmp, then rename) to prevent corruption from
// partial writes or crashes mid-save. The engine saves after each fill and
// restores on startup, so a restart resumes with the inventory and session
// stats it had when it stopped.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"perp-mm/pkg/types"
)

// Store persists engine state to JSON files in a designated directory.
// All operations are mutex-protected to prevent concurrent file corruption.
type Store struct {
	dir string
	mu  sync.Mutex
}

// SessionState is the persisted session accounting snapshot.
type SessionState struct {
	SessionStart       time.Time `json:"session_start"`
	StartingCapitalUSD float64   `json:"starting_capital_usd"`
	RealizedPnLUSD     float64   `json:"realized_pnl_usd"`
	RebatesUSD         float64   `json:"rebates_usd"`
	VolumeUSD          float64   `json:"volume_usd"`
	Cancels            uint64    `json:"cancels"`
	Fills              uint64    `json:"fills"`
}

// Open creates a store backed by the given directory.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	return &Store{dir: dir}, nil
}

// Close is a no-op for file-based storage.
func (s *Store) Close() error {
	return nil
}

// SavePosition atomically persists the current position for an asset.
func (s *Store) SavePosition(pos types.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeJSON(s.positionPath(pos.Asset), pos)
}

// DeletePosition removes a flattened position's file.
func (s *Store) DeletePosition(asset string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := os.Remove(s.positionPath(asset))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete position: %w", err)
	}
	return nil
}

// LoadPositions restores every persisted position.
func (s *Store) LoadPositions() (map[string]types.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("read store dir: %w", err)
	}

	positions := make(map[string]types.Position)
	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, "pos_") || !strings.HasSuffix(name, ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.dir, name))
		if err != nil {
			return nil, fmt.Errorf("read position %s: %w", name, err)
		}
		var pos types.Position
		if err := json.Unmarshal(data, &pos); err != nil {
			return nil, fmt.Errorf("unmarshal position %s: %w", name, err)
		}
		if pos.Asset != "" && pos.SizeCoins != 0 {
			positions[pos.Asset] = pos
		}
	}
	return positions, nil
}

// SaveSession atomically persists session accounting.
func (s *Store) SaveSession(state SessionState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeJSON(filepath.Join(s.dir, "session.json"), state)
}

// LoadSession restores session accounting from disk.
// Returns nil, nil if no saved session exists (fresh start).
func (s *Store) LoadSession() (*SessionState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(filepath.Join(s.dir, "session.json"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read session: %w", err)
	}

	var state SessionState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("unmarshal session: %w", err)
	}
	return &state, nil
}

func (s *Store) positionPath(asset string) string {
	return filepath.Join(s.dir, "pos_"+asset+".json")
}

// writeJSON writes to a .tmp file first, then renames over the target so
// the file is never left in a partial state.
func (s *Store) writeJSON(path string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write state: %w", err)
	}
	return os.Rename(tmp, path)
}
