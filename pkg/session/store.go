package session

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/hollis/molt/internal/metrics"
	"github.com/rs/zerolog/log"
)

// ErrNoEntry is returned by Update when the key has no entry. Entries are
// created lazily by the surrounding system on first contact; the command
// core only mutates existing ones.
var ErrNoEntry = fmt.Errorf("session: no entry for key")

// Store maps session keys to entries and persists the whole map as a unit.
// A single writer lock serializes every mutation, which also provides the
// one-writer-per-key guarantee the read-modify-write cycle depends on.
type Store struct {
	path string

	mu      sync.Mutex
	entries map[string]*Entry
}

// NewStore creates a store backed by the JSON file at path, loading any
// existing contents.
func NewStore(path string) (*Store, error) {
	metrics.EnsureRegistered()

	if path == "" {
		return nil, fmt.Errorf("store path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}

	s := &Store{
		path:    path,
		entries: make(map[string]*Entry),
	}

	if err := s.load(); err != nil {
		return nil, err
	}

	log.Info().Str("path", path).Int("sessions", len(s.entries)).Msg("Session store loaded")
	metrics.SetActiveSessions(len(s.entries))

	return s, nil
}

// Get returns a copy of the entry for key.
func (s *Store) Get(key string) (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// Put creates or replaces the entry for key and persists the map. UpdatedAt
// is bumped like any other mutation.
func (s *Store) Put(key string, entry Entry) error {
	if key == "" {
		return fmt.Errorf("session key cannot be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	entry.UpdatedAt = s.bumpedTime(s.entries[key])
	s.entries[key] = &entry

	metrics.SetActiveSessions(len(s.entries))
	return s.persistLocked()
}

// Update applies fn to a copy of the entry for key, bumps UpdatedAt, swaps
// the copy in, and persists the whole map before returning. The returned
// entry is the post-mutation state. ErrNoEntry when the key is unknown.
func (s *Store) Update(key string, fn func(*Entry)) (Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.entries[key]
	if !ok {
		return Entry{}, fmt.Errorf("%w: %s", ErrNoEntry, key)
	}

	next := *cur
	fn(&next)
	next.UpdatedAt = s.bumpedTime(cur)
	s.entries[key] = &next

	if err := s.persistLocked(); err != nil {
		// Roll the map back so memory never runs ahead of disk.
		s.entries[key] = cur
		return Entry{}, err
	}

	return next, nil
}

// IncrementCompactionCount is the dedicated counter bump used after a
// successful compaction.
func (s *Store) IncrementCompactionCount(key string) (Entry, error) {
	return s.Update(key, func(e *Entry) {
		e.CompactionCount++
	})
}

// Delete removes the entry for key and persists the map. Deleting a missing
// key is a no-op.
func (s *Store) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.entries[key]; !ok {
		return nil
	}
	delete(s.entries, key)

	metrics.SetActiveSessions(len(s.entries))
	return s.persistLocked()
}

// Keys returns all session keys, sorted for stable iteration.
func (s *Store) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	keys := make([]string, 0, len(s.entries))
	for k := range s.entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Len returns the number of entries.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// SweepIdle removes entries whose UpdatedAt is older than maxIdle and
// returns how many were removed. A single persist covers the whole sweep.
func (s *Store) SweepIdle(maxIdle time.Duration) (int, error) {
	if maxIdle <= 0 {
		return 0, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().Add(-maxIdle)
	removed := 0
	for key, e := range s.entries {
		if e.UpdatedAt.Before(cutoff) {
			delete(s.entries, key)
			removed++
		}
	}

	if removed == 0 {
		return 0, nil
	}

	metrics.SetActiveSessions(len(s.entries))
	if err := s.persistLocked(); err != nil {
		return removed, err
	}

	log.Info().Int("removed", removed).Dur("max_idle", maxIdle).Msg("Idle sessions swept")
	return removed, nil
}

// bumpedTime returns a timestamp for a mutation that never moves UpdatedAt
// backwards, even across clock adjustments.
func (s *Store) bumpedTime(prev *Entry) time.Time {
	now := time.Now()
	if prev != nil && now.Before(prev.UpdatedAt) {
		return prev.UpdatedAt
	}
	return now
}

func (s *Store) load() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read session store: %w", err)
	}

	if len(data) == 0 {
		return nil
	}

	if err := json.Unmarshal(data, &s.entries); err != nil {
		return fmt.Errorf("failed to parse session store: %w", err)
	}
	return nil
}

// persistLocked rewrites the whole map via a temp file and atomic rename.
// Callers hold s.mu.
func (s *Store) persistLocked() error {
	data, err := json.MarshalIndent(s.entries, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal session store: %w", err)
	}

	tempPath := s.path + ".tmp"
	file, err := os.OpenFile(tempPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("failed to create temp store file: %w", err)
	}

	if _, err := file.Write(data); err != nil {
		file.Close()
		os.Remove(tempPath)
		return fmt.Errorf("failed to write session store: %w", err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(tempPath)
		return fmt.Errorf("failed to sync session store: %w", err)
	}
	file.Close()

	if err := os.Rename(tempPath, s.path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to replace session store: %w", err)
	}
	return nil
}
