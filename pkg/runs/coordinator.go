package runs

import (
	"context"
	"time"

	"github.com/hollis/molt/internal/metrics"
	"github.com/rs/zerolog"
)

// DefaultStopTimeout bounds how long CancelAndWait blocks for a run to
// report termination before letting the dependent operation proceed.
const DefaultStopTimeout = 15 * time.Second

// Coordinator stops in-flight runs ahead of operations that must not race
// them.
type Coordinator struct {
	registry *Registry
	logger   zerolog.Logger
}

// NewCoordinator creates a coordinator over registry.
func NewCoordinator(registry *Registry, logger zerolog.Logger) *Coordinator {
	return &Coordinator{registry: registry, logger: logger}
}

// IsActive reports whether a run is tracked for sessionID.
func (c *Coordinator) IsActive(sessionID string) bool {
	return c.registry.IsActive(sessionID)
}

// Abort signals cancellation without waiting.
func (c *Coordinator) Abort(sessionID string) bool {
	return c.registry.Abort(sessionID)
}

// CancelAndWait signals cancellation to the run for sessionID and blocks
// until it reports termination, the timeout elapses, or ctx is done. The
// return value is true when the wait ended without observing termination:
// the caller proceeds anyway (liveness over strictness) but can harden that
// policy if it wants to.
func (c *Coordinator) CancelAndWait(ctx context.Context, sessionID string, timeout time.Duration) bool {
	if timeout <= 0 {
		timeout = DefaultStopTimeout
	}

	done := c.registry.doneChan(sessionID)
	if done == nil {
		metrics.RecordStopWait("none")
		return false
	}

	c.registry.Abort(sessionID)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-done:
		metrics.RecordStopWait("stopped")
		return false
	case <-timer.C:
		c.logger.Warn().
			Str("session_id", sessionID).
			Dur("timeout", timeout).
			Msg("Run did not stop before timeout, proceeding")
		metrics.RecordStopWait("timeout")
		return true
	case <-ctx.Done():
		metrics.RecordStopWait("timeout")
		return true
	}
}
