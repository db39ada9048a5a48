package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// snapshot is the on-disk format. One JSON document holding every session,
// written atomically via rename. Small deployments only; the store stays
// authoritative in memory and the snapshot exists so restarts do not drop
// active conversations.
type snapshot struct {
	Version  int        `json:"version"`
	Sessions []*Session `json:"sessions"`
}

const snapshotVersion = 1

// Flush writes the current sessions to the snapshot path. A no-op when
// persistence is disabled or nothing changed since the last flush.
func (s *Store) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.path == "" || !s.dirty {
		return nil
	}

	snap := snapshot{Version: snapshotVersion}
	for _, sess := range s.sessions {
		if !s.expired(sess) {
			snap.Sessions = append(snap.Sessions, sess)
		}
	}

	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encoding session snapshot: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("writing session snapshot: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replacing session snapshot: %w", err)
	}

	s.dirty = false
	return nil
}

// load restores sessions from the snapshot path. Called once from NewStore.
// A missing file is not an error; a corrupt file is reported and the store
// starts empty.
func (s *Store) load() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			if dir := filepath.Dir(s.path); dir != "." {
				if mkErr := os.MkdirAll(dir, 0o700); mkErr != nil {
					return fmt.Errorf("creating snapshot directory: %w", mkErr)
				}
			}
			return nil
		}
		return fmt.Errorf("reading session snapshot: %w", err)
	}

	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("decoding session snapshot: %w", err)
	}

	for _, sess := range snap.Sessions {
		if sess == nil || sess.ID == "" {
			continue
		}
		if s.expired(sess) {
			continue
		}
		s.sessions[sess.ID] = sess
	}
	return nil
}
