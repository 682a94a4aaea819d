// Package transcript persists agent run transcripts as JSONL, one file per
// run id. The execution subsystem appends turns; the compactor loads a
// transcript, summarizes it, and rewrites the file atomically.
package transcript

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Message is a single conversation turn.
type Message struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Store manages transcript files under a single directory.
type Store struct {
	dir string

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// NewStore creates the transcript directory if needed.
func NewStore(dir string) (*Store, error) {
	if dir == "" {
		return nil, fmt.Errorf("transcript directory is required")
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create transcript directory: %w", err)
	}

	log.Info().Str("dir", dir).Msg("Transcript store initialized")

	return &Store{
		dir:   dir,
		locks: make(map[string]*sync.Mutex),
	}, nil
}

// validateRunID rejects ids that could escape the transcript directory.
func (s *Store) validateRunID(runID string) error {
	if runID == "" {
		return fmt.Errorf("run id cannot be empty")
	}
	if strings.Contains(runID, "..") {
		return fmt.Errorf("run id cannot contain '..'")
	}
	if strings.ContainsAny(runID, "/\\") {
		return fmt.Errorf("run id cannot contain path separators")
	}
	if strings.Contains(runID, "\x00") {
		return fmt.Errorf("run id cannot contain null bytes")
	}
	return nil
}

func (s *Store) path(runID string) string {
	return filepath.Join(s.dir, runID+".jsonl")
}

func (s *Store) lock(runID string) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()

	if l, ok := s.locks[runID]; ok {
		return l
	}
	l := &sync.Mutex{}
	s.locks[runID] = l
	return l
}

// Append adds one message to the transcript for runID, creating the file if
// needed, and syncs it to disk.
func (s *Store) Append(runID string, msg Message) error {
	if err := s.validateRunID(runID); err != nil {
		return err
	}
	if msg.Role == "" {
		return fmt.Errorf("message role cannot be empty")
	}
	if msg.Content == "" {
		return fmt.Errorf("message content cannot be empty")
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}

	l := s.lock(runID)
	l.Lock()
	defer l.Unlock()

	file, err := os.OpenFile(s.path(runID), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("failed to open transcript: %w", err)
	}
	defer file.Close()

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	if _, err := file.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	if err := file.Sync(); err != nil {
		return fmt.Errorf("failed to sync transcript: %w", err)
	}

	return nil
}

// Load reads the transcript for runID. A missing file yields an empty
// transcript; unparseable lines are skipped with a warning.
func (s *Store) Load(runID string) ([]Message, error) {
	if err := s.validateRunID(runID); err != nil {
		return nil, err
	}

	file, err := os.Open(s.path(runID))
	if err != nil {
		if os.IsNotExist(err) {
			return []Message{}, nil
		}
		return nil, fmt.Errorf("failed to open transcript: %w", err)
	}
	defer file.Close()

	var messages []Message
	scanner := bufio.NewScanner(file)
	lineNum := 0

	for scanner.Scan() {
		lineNum++
		line := scanner.Text()
		if line == "" {
			continue
		}

		var msg Message
		if err := json.Unmarshal([]byte(line), &msg); err != nil {
			log.Warn().Str("run_id", runID).Int("line", lineNum).Err(err).Msg("Skipping unparseable transcript line")
			continue
		}
		if msg.Role == "" || msg.Content == "" {
			log.Warn().Str("run_id", runID).Int("line", lineNum).Msg("Skipping invalid transcript line")
			continue
		}
		messages = append(messages, msg)
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read transcript: %w", err)
	}

	return messages, nil
}

// Rewrite replaces the transcript for runID with messages via a temp file
// and atomic rename. Used by the compactor to install a summarized history.
func (s *Store) Rewrite(runID string, messages []Message) error {
	if err := s.validateRunID(runID); err != nil {
		return err
	}

	l := s.lock(runID)
	l.Lock()
	defer l.Unlock()

	path := s.path(runID)
	tempPath := path + ".tmp"

	file, err := os.OpenFile(tempPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("failed to create temp transcript: %w", err)
	}

	for _, msg := range messages {
		data, err := json.Marshal(msg)
		if err != nil {
			file.Close()
			os.Remove(tempPath)
			return fmt.Errorf("failed to marshal message: %w", err)
		}
		if _, err := file.Write(append(data, '\n')); err != nil {
			file.Close()
			os.Remove(tempPath)
			return fmt.Errorf("failed to write message: %w", err)
		}
	}

	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(tempPath)
		return fmt.Errorf("failed to sync transcript: %w", err)
	}
	file.Close()

	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to replace transcript: %w", err)
	}

	log.Debug().Str("run_id", runID).Int("messages", len(messages)).Msg("Transcript rewritten")
	return nil
}

// Delete removes the transcript for runID. Missing files are fine.
func (s *Store) Delete(runID string) error {
	if err := s.validateRunID(runID); err != nil {
		return err
	}

	l := s.lock(runID)
	l.Lock()
	defer l.Unlock()

	if err := os.Remove(s.path(runID)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete transcript: %w", err)
	}

	s.locksMu.Lock()
	delete(s.locks, runID)
	s.locksMu.Unlock()

	return nil
}

// List returns the run ids with a transcript on disk.
func (s *Store) List() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("failed to read transcript directory: %w", err)
	}

	var ids []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !strings.HasSuffix(name, ".jsonl") {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, ".jsonl"))
	}
	return ids, nil
}
