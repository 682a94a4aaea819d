// Package runs tracks in-flight embedded agent runs and coordinates
// stopping them before dependent operations (compaction) proceed.
//
// The registry does not own run lifecycle: the execution subsystem calls
// Begin/Finish around each run; this package only signals cancellation and
// observes termination.
package runs

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/hollis/molt/internal/metrics"
	"github.com/rs/zerolog"
)

type activeRun struct {
	id     string
	cancel context.CancelFunc
	done   chan struct{}
}

// Registry tracks active runs keyed by session id. At most one run per
// session id is tracked at a time.
type Registry struct {
	logger zerolog.Logger

	mu   sync.Mutex
	runs map[string]*activeRun
}

// NewRegistry creates an empty registry.
func NewRegistry(logger zerolog.Logger) *Registry {
	metrics.EnsureRegistered()
	return &Registry{
		logger: logger,
		runs:   make(map[string]*activeRun),
	}
}

// Begin registers a run for sessionID and returns a cancellable context for
// it plus a finish func the execution subsystem must call when the run
// terminates, aborted or not. Beginning while a run is already tracked
// replaces the old registration after cancelling it.
func (r *Registry) Begin(ctx context.Context, sessionID string) (context.Context, func()) {
	runCtx, cancel := context.WithCancel(ctx)
	run := &activeRun{
		id:     uuid.NewString(),
		cancel: cancel,
		done:   make(chan struct{}),
	}

	r.mu.Lock()
	if prev, ok := r.runs[sessionID]; ok {
		prev.cancel()
	}
	r.runs[sessionID] = run
	metrics.SetActiveRuns(len(r.runs))
	r.mu.Unlock()

	r.logger.Debug().Str("session_id", sessionID).Str("run_id", run.id).Msg("Run registered")

	var once sync.Once
	finish := func() {
		once.Do(func() {
			r.mu.Lock()
			if cur, ok := r.runs[sessionID]; ok && cur == run {
				delete(r.runs, sessionID)
			}
			metrics.SetActiveRuns(len(r.runs))
			r.mu.Unlock()
			cancel()
			close(run.done)
		})
	}

	return runCtx, finish
}

// IsActive reports whether a run is tracked for sessionID.
func (r *Registry) IsActive(sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.runs[sessionID]
	return ok
}

// Abort signals cancellation to the run for sessionID, if any. It does not
// wait for termination. Returns whether a run was signalled.
func (r *Registry) Abort(sessionID string) bool {
	r.mu.Lock()
	run, ok := r.runs[sessionID]
	r.mu.Unlock()

	if !ok {
		r.logger.Debug().Str("session_id", sessionID).Msg("No active run to abort")
		return false
	}

	r.logger.Info().Str("session_id", sessionID).Str("run_id", run.id).Msg("Aborting run")
	run.cancel()
	return true
}

// doneChan returns the termination channel for sessionID, or nil when no
// run is tracked.
func (r *Registry) doneChan(sessionID string) <-chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	if run, ok := r.runs[sessionID]; ok {
		return run.done
	}
	return nil
}
