package runs

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_BeginFinish(t *testing.T) {
	r := NewRegistry(zerolog.Nop())

	runCtx, finish := r.Begin(context.Background(), "run-1")
	assert.True(t, r.IsActive("run-1"))
	assert.NoError(t, runCtx.Err())

	finish()
	assert.False(t, r.IsActive("run-1"))

	// Finish is idempotent.
	finish()
	assert.False(t, r.IsActive("run-1"))
}

func TestRegistry_AbortCancelsContext(t *testing.T) {
	r := NewRegistry(zerolog.Nop())

	runCtx, finish := r.Begin(context.Background(), "run-1")
	defer finish()

	require.True(t, r.Abort("run-1"))

	select {
	case <-runCtx.Done():
	case <-time.After(time.Second):
		t.Fatal("run context was not cancelled")
	}

	// Aborting with nothing in flight is a no-op.
	assert.False(t, r.Abort("run-2"))
}

func TestCoordinator_CancelAndWait_NoRun(t *testing.T) {
	c := NewCoordinator(NewRegistry(zerolog.Nop()), zerolog.Nop())
	assert.False(t, c.CancelAndWait(context.Background(), "absent", time.Second))
}

func TestCoordinator_CancelAndWait_RunStops(t *testing.T) {
	r := NewRegistry(zerolog.Nop())
	c := NewCoordinator(r, zerolog.Nop())

	runCtx, finish := r.Begin(context.Background(), "run-1")

	// Simulate the execution subsystem: terminate when cancelled.
	go func() {
		<-runCtx.Done()
		finish()
	}()

	timedOut := c.CancelAndWait(context.Background(), "run-1", 5*time.Second)
	assert.False(t, timedOut)
	assert.False(t, r.IsActive("run-1"))
}

func TestCoordinator_CancelAndWait_Timeout(t *testing.T) {
	r := NewRegistry(zerolog.Nop())
	c := NewCoordinator(r, zerolog.Nop())

	// A run that ignores cancellation and never finishes.
	_, finish := r.Begin(context.Background(), "stuck")
	defer finish()

	start := time.Now()
	timedOut := c.CancelAndWait(context.Background(), "stuck", 50*time.Millisecond)
	assert.True(t, timedOut)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestCoordinator_CancelAndWait_CallerContext(t *testing.T) {
	r := NewRegistry(zerolog.Nop())
	c := NewCoordinator(r, zerolog.Nop())

	_, finish := r.Begin(context.Background(), "stuck")
	defer finish()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.True(t, c.CancelAndWait(ctx, "stuck", time.Minute))
}
