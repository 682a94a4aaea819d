// Package events is the system-event side channel: outcome lines (compaction
// results, restarts, sweeps) are recorded independently of conversation
// replies, backed by SQLite. Emission is fire-and-forget; a full buffer
// drops the event rather than blocking a dispatch.
package events

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"

	"github.com/hollis/molt/internal/metrics"
)

const defaultBufferSize = 256

// Event is one recorded system event.
type Event struct {
	ID        string
	Kind      string
	Text      string
	CreatedAt time.Time
}

// Sink persists system events asynchronously.
type Sink struct {
	db     *sql.DB
	logger zerolog.Logger

	ch        chan Event
	closeOnce sync.Once
	done      chan struct{}
}

// NewSink opens (or creates) the event database at path and starts the
// writer goroutine.
func NewSink(path string, logger zerolog.Logger) (*Sink, error) {
	metrics.EnsureRegistered()

	if path == "" {
		return nil, fmt.Errorf("event database path is required")
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open event database: %w", err)
	}

	// WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	schema := `
		CREATE TABLE IF NOT EXISTS events (
			id TEXT PRIMARY KEY,
			kind TEXT NOT NULL,
			text TEXT NOT NULL,
			created_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_events_created ON events(created_at);
		CREATE INDEX IF NOT EXISTS idx_events_kind ON events(kind);
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize event schema: %w", err)
	}

	s := &Sink{
		db:     db,
		logger: logger.With().Str("component", "event-sink").Logger(),
		ch:     make(chan Event, defaultBufferSize),
		done:   make(chan struct{}),
	}

	go s.run()

	s.logger.Info().Str("path", path).Msg("Event sink initialized")
	return s, nil
}

// Emit enqueues one event. It never blocks: when the buffer is full the
// event is dropped and counted.
func (s *Sink) Emit(kind, text string) {
	id, err := gonanoid.New()
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to generate event id")
		return
	}

	event := Event{
		ID:        id,
		Kind:      kind,
		Text:      text,
		CreatedAt: time.Now(),
	}

	select {
	case s.ch <- event:
	default:
		s.logger.Warn().Str("kind", kind).Msg("Event buffer full, dropping event")
		metrics.RecordEventDropped()
	}
}

// Recent returns up to limit events, newest first.
func (s *Sink) Recent(limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.Query(
		"SELECT id, kind, text, created_at FROM events ORDER BY created_at DESC, id LIMIT ?",
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		var createdAt int64
		if err := rows.Scan(&e.ID, &e.Kind, &e.Text, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		e.CreatedAt = time.UnixMilli(createdAt)
		events = append(events, e)
	}
	return events, rows.Err()
}

// Close drains the buffer and closes the database.
func (s *Sink) Close() error {
	s.closeOnce.Do(func() {
		close(s.ch)
		<-s.done
	})
	return s.db.Close()
}

func (s *Sink) run() {
	defer close(s.done)

	for event := range s.ch {
		if _, err := s.db.Exec(
			"INSERT INTO events (id, kind, text, created_at) VALUES (?, ?, ?, ?)",
			event.ID, event.Kind, event.Text, event.CreatedAt.UnixMilli(),
		); err != nil {
			s.logger.Error().Err(err).Str("kind", event.Kind).Msg("Failed to persist event")
		}
	}
}
