package dispatch

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hollis/molt/pkg/command"
	"github.com/hollis/molt/pkg/compactor"
	"github.com/hollis/molt/pkg/runs"
	"github.com/hollis/molt/pkg/session"
)

type capturedEvents struct {
	lines []string
}

func (c *capturedEvents) Emit(kind, text string) {
	c.lines = append(c.lines, kind+": "+text)
}

type testHarness struct {
	dispatcher *Dispatcher
	sessions   *session.Store
	registry   *runs.Registry
	events     *capturedEvents

	compactCalls  []compactor.Params
	compactResult *compactor.Result
	compactErr    error
	restartErr    error
	restartCalls  int
	sendAllowed   bool
}

func newHarness(t *testing.T) *testHarness {
	t.Helper()

	sessions, err := session.NewStore(filepath.Join(t.TempDir(), "sessions.json"))
	require.NoError(t, err)

	h := &testHarness{
		sessions:      sessions,
		registry:      runs.NewRegistry(zerolog.Nop()),
		events:        &capturedEvents{},
		compactResult: &compactor.Result{Compacted: true, Usage: compactor.Usage{InputTokens: 900, OutputTokens: 100}},
		sendAllowed:   true,
	}

	classifier := command.NewClassifier(func(body string) bool {
		return body == "stop!"
	})

	h.dispatcher, err = NewDispatcher(Config{
		Classifier:  classifier,
		Authorizer:  NewAuthorizer(zerolog.Nop()),
		Sessions:    sessions,
		Coordinator: runs.NewCoordinator(h.registry, zerolog.Nop()),
		Compact: func(_ context.Context, params compactor.Params) (*compactor.Result, error) {
			h.compactCalls = append(h.compactCalls, params)
			return h.compactResult, h.compactErr
		},
		Restart: func(context.Context) error {
			h.restartCalls++
			return h.restartErr
		},
		Help: func(*Context) string { return "help text" },
		Status: func(_ *Context, entry *session.Entry) string {
			if entry == nil {
				return "no session"
			}
			return "status text"
		},
		SendPolicy:  func(*Context, *session.Entry) bool { return h.sendAllowed },
		Events:      h.events,
		StopTimeout: 50 * time.Millisecond,
		Logger:      zerolog.Nop(),
	})
	require.NoError(t, err)

	return h
}

func (h *testHarness) seedEntry(t *testing.T, key string, entry session.Entry) {
	t.Helper()
	require.NoError(t, h.sessions.Put(key, entry))
}

func authorizedCtx(body string) *Context {
	return &Context{
		SessionKey:  "chat-1",
		Surface:     "telegram",
		ChatType:    "private",
		Sender:      "alice",
		Authorized:  true,
		RawBody:     body,
		CommandBody: body,
		AbortKey:    "chat-1",
	}
}

func unauthorizedCtx(body string) *Context {
	c := authorizedCtx(body)
	c.Sender = "mallory"
	c.Authorized = false
	return c
}

func TestDispatch_UnauthorizedPrivilegedCommandsAreSilent(t *testing.T) {
	h := newHarness(t)
	h.seedEntry(t, "chat-1", session.Entry{SessionID: "run-1"})

	for _, body := range []string{"/reset", "/new", "/send on", "/restart", "/help", "/status", "/compact"} {
		result, err := h.dispatcher.Dispatch(context.Background(), unauthorizedCtx(body))
		require.NoError(t, err, "body %q", body)
		assert.Nil(t, result.Reply, "body %q must not reply", body)
		assert.False(t, result.ShouldContinue, "body %q must not continue", body)
	}
	assert.Empty(t, h.compactCalls)
	assert.Zero(t, h.restartCalls)
}

func TestDispatch_ActivationSetsModeInGroup(t *testing.T) {
	h := newHarness(t)
	h.seedEntry(t, "chat-1", session.Entry{ChatType: "group"})

	dctx := authorizedCtx("/activation mention")
	dctx.ChatType = "group"

	result, err := h.dispatcher.Dispatch(context.Background(), dctx)
	require.NoError(t, err)
	require.NotNil(t, result.Reply)
	assert.Contains(t, result.Reply.Text, "mention")

	entry, ok := h.sessions.Get("chat-1")
	require.True(t, ok)
	assert.Equal(t, session.ActivationMention, entry.GroupActivation)
	assert.True(t, entry.GroupActivationNeedsSystemIntro)
}

func TestDispatch_ActivationWithoutArgIsUsageOnly(t *testing.T) {
	h := newHarness(t)
	h.seedEntry(t, "chat-1", session.Entry{ChatType: "group"})
	before, _ := h.sessions.Get("chat-1")

	dctx := authorizedCtx("/activation")
	dctx.ChatType = "group"

	result, err := h.dispatcher.Dispatch(context.Background(), dctx)
	require.NoError(t, err)
	require.NotNil(t, result.Reply)
	assert.Equal(t, replyActivationUsage, result.Reply.Text)

	after, _ := h.sessions.Get("chat-1")
	assert.Equal(t, before.UpdatedAt, after.UpdatedAt, "no mutation on usage reply")
	assert.Empty(t, after.GroupActivation)
}

func TestDispatch_ActivationOutsideGroupBeforeAuth(t *testing.T) {
	h := newHarness(t)
	h.seedEntry(t, "chat-1", session.Entry{})

	// Even an unauthorized sender gets the inapplicability reply: the check
	// runs before authorization.
	result, err := h.dispatcher.Dispatch(context.Background(), unauthorizedCtx("/activation always"))
	require.NoError(t, err)
	require.NotNil(t, result.Reply)
	assert.Contains(t, result.Reply.Text, "group chats")

	entry, _ := h.sessions.Get("chat-1")
	assert.Empty(t, entry.GroupActivation)
}

func TestDispatch_ActivationOwnerListGate(t *testing.T) {
	h := newHarness(t)
	h.seedEntry(t, "chat-1", session.Entry{ChatType: "group"})

	dctx := authorizedCtx("/activation always")
	dctx.ChatType = "group"
	dctx.Owners = []string{"bob"}

	// Authorized but not an owner: silent deny.
	result, err := h.dispatcher.Dispatch(context.Background(), dctx)
	require.NoError(t, err)
	assert.Nil(t, result.Reply)
	assert.False(t, result.ShouldContinue)

	dctx.Owners = []string{"alice", "bob"}
	result, err = h.dispatcher.Dispatch(context.Background(), dctx)
	require.NoError(t, err)
	require.NotNil(t, result.Reply)
	assert.Contains(t, result.Reply.Text, "always")
}

func TestDispatch_ActivationOwnerMatchIsCaseInsensitive(t *testing.T) {
	h := newHarness(t)
	h.seedEntry(t, "chat-1", session.Entry{ChatType: "group"})

	dctx := authorizedCtx("/activation mention")
	dctx.ChatType = "group"
	dctx.Sender = "alice"
	dctx.Owners = []string{"Alice"}

	result, err := h.dispatcher.Dispatch(context.Background(), dctx)
	require.NoError(t, err)
	require.NotNil(t, result.Reply)
	assert.Contains(t, result.Reply.Text, "mention")

	entry, _ := h.sessions.Get("chat-1")
	assert.Equal(t, session.ActivationMention, entry.GroupActivation)
}

func TestDispatch_SendPolicyTransitions(t *testing.T) {
	h := newHarness(t)
	h.seedEntry(t, "chat-1", session.Entry{})

	result, err := h.dispatcher.Dispatch(context.Background(), authorizedCtx("/send off"))
	require.NoError(t, err)
	assert.Contains(t, result.Reply.Text, "off")
	entry, _ := h.sessions.Get("chat-1")
	assert.Equal(t, session.SendPolicyDeny, entry.SendPolicy)

	result, err = h.dispatcher.Dispatch(context.Background(), authorizedCtx("/send on"))
	require.NoError(t, err)
	assert.Contains(t, result.Reply.Text, "on")
	entry, _ = h.sessions.Get("chat-1")
	assert.Equal(t, session.SendPolicyAllow, entry.SendPolicy)

	// inherit clears the override entirely.
	result, err = h.dispatcher.Dispatch(context.Background(), authorizedCtx("/send inherit"))
	require.NoError(t, err)
	assert.Contains(t, result.Reply.Text, "inherit")
	entry, _ = h.sessions.Get("chat-1")
	assert.Empty(t, entry.SendPolicy)
}

func TestDispatch_SendPolicyUsage(t *testing.T) {
	h := newHarness(t)
	h.seedEntry(t, "chat-1", session.Entry{})

	result, err := h.dispatcher.Dispatch(context.Background(), authorizedCtx("/send sideways"))
	require.NoError(t, err)
	assert.Equal(t, replySendUsage, result.Reply.Text)
}

func TestDispatch_AbortIsIdempotentAndUngated(t *testing.T) {
	h := newHarness(t)
	h.seedEntry(t, "chat-1", session.Entry{SessionID: "run-1"})

	// Unauthorized sender may abort.
	for i := 0; i < 2; i++ {
		result, err := h.dispatcher.Dispatch(context.Background(), unauthorizedCtx("stop!"))
		require.NoError(t, err)
		require.NotNil(t, result.Reply)
		assert.Equal(t, replyAborted, result.Reply.Text)

		entry, _ := h.sessions.Get("chat-1")
		assert.True(t, entry.AbortedLastRun)
	}
}

func TestDispatch_AbortWithoutEntryUsesAbortMemory(t *testing.T) {
	h := newHarness(t)

	result, err := h.dispatcher.Dispatch(context.Background(), authorizedCtx("stop!"))
	require.NoError(t, err)
	assert.Equal(t, replyAborted, result.Reply.Text)

	assert.True(t, h.dispatcher.TakeAbortMemory("chat-1"))
	// Taking consumes the flag.
	assert.False(t, h.dispatcher.TakeAbortMemory("chat-1"))
}

func TestDispatch_AbortSignalsActiveRun(t *testing.T) {
	h := newHarness(t)
	h.seedEntry(t, "chat-1", session.Entry{SessionID: "run-1"})

	runCtx, finish := h.registry.Begin(context.Background(), "run-1")
	defer finish()

	_, err := h.dispatcher.Dispatch(context.Background(), authorizedCtx("stop!"))
	require.NoError(t, err)

	select {
	case <-runCtx.Done():
	case <-time.After(time.Second):
		t.Fatal("abort did not cancel the active run")
	}
}

func TestDispatch_CompactWithoutSessionID(t *testing.T) {
	h := newHarness(t)
	h.seedEntry(t, "chat-1", session.Entry{})

	result, err := h.dispatcher.Dispatch(context.Background(), authorizedCtx("/compact"))
	require.NoError(t, err)
	assert.Equal(t, replyCompactNoSession, result.Reply.Text)
	assert.Empty(t, h.compactCalls, "no coordination or compaction call")
}

func TestDispatch_CompactSuccess(t *testing.T) {
	h := newHarness(t)
	h.seedEntry(t, "chat-1", session.Entry{SessionID: "run-1", ContextTokens: 4200})

	result, err := h.dispatcher.Dispatch(context.Background(), authorizedCtx("/compact: keep the TODO list"))
	require.NoError(t, err)
	assert.Contains(t, result.Reply.Text, "Compacted (4200 before)")
	assert.Contains(t, result.Reply.Text, "900 in / 100 out")

	require.Len(t, h.compactCalls, 1)
	assert.Equal(t, "run-1", h.compactCalls[0].SessionID)
	assert.Equal(t, "keep the TODO list", h.compactCalls[0].Instructions)

	entry, _ := h.sessions.Get("chat-1")
	assert.Equal(t, 1, entry.CompactionCount)

	require.Len(t, h.events.lines, 1)
	assert.Contains(t, h.events.lines[0], "compaction:")
}

func TestDispatch_CompactSkipped(t *testing.T) {
	h := newHarness(t)
	h.seedEntry(t, "chat-1", session.Entry{SessionID: "run-1"})
	h.compactResult = &compactor.Result{Compacted: false, Reason: "transcript has 2 messages, need at least 6"}

	result, err := h.dispatcher.Dispatch(context.Background(), authorizedCtx("/compact"))
	require.NoError(t, err)
	assert.Contains(t, result.Reply.Text, "Compaction skipped: transcript has 2 messages")

	entry, _ := h.sessions.Get("chat-1")
	assert.Zero(t, entry.CompactionCount, "skip must not bump the counter")
}

func TestDispatch_CompactFailureHidesError(t *testing.T) {
	h := newHarness(t)
	h.seedEntry(t, "chat-1", session.Entry{SessionID: "run-1"})
	h.compactErr = fmt.Errorf("api key sk-secret rejected")

	result, err := h.dispatcher.Dispatch(context.Background(), authorizedCtx("/compact"))
	require.NoError(t, err)
	assert.Contains(t, result.Reply.Text, "Compaction failed")
	assert.NotContains(t, result.Reply.Text, "sk-secret", "technical error must not reach the sender")
}

func TestDispatch_CompactWaitsForActiveRun(t *testing.T) {
	h := newHarness(t)
	h.seedEntry(t, "chat-1", session.Entry{SessionID: "run-1"})

	runCtx, finish := h.registry.Begin(context.Background(), "run-1")
	go func() {
		<-runCtx.Done()
		finish()
	}()

	result, err := h.dispatcher.Dispatch(context.Background(), authorizedCtx("/compact"))
	require.NoError(t, err)
	assert.Contains(t, result.Reply.Text, "Compacted")
	require.Len(t, h.compactCalls, 1)
	assert.False(t, h.registry.IsActive("run-1"), "run stopped before compaction")
}

func TestDispatch_CompactProceedsAfterStopTimeout(t *testing.T) {
	h := newHarness(t)
	h.seedEntry(t, "chat-1", session.Entry{SessionID: "run-1"})

	// A run that ignores cancellation: the 50ms stop timeout expires and
	// compaction proceeds anyway.
	_, finish := h.registry.Begin(context.Background(), "run-1")
	defer finish()

	start := time.Now()
	result, err := h.dispatcher.Dispatch(context.Background(), authorizedCtx("/compact"))
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
	assert.Contains(t, result.Reply.Text, "Compacted")
	require.Len(t, h.compactCalls, 1)
}

func TestDispatch_ResetIsSurfacedToCaller(t *testing.T) {
	h := newHarness(t)

	for _, body := range []string{"/reset", "/new"} {
		result, err := h.dispatcher.Dispatch(context.Background(), authorizedCtx(body))
		require.NoError(t, err)
		assert.Equal(t, command.KindReset, result.Command)
		assert.Nil(t, result.Reply, "reset is executed by the caller")
		assert.False(t, result.ShouldContinue)
	}
}

func TestDispatch_HelpAndStatus(t *testing.T) {
	h := newHarness(t)

	result, err := h.dispatcher.Dispatch(context.Background(), authorizedCtx("please /help now"))
	require.NoError(t, err)
	assert.Equal(t, "help text", result.Reply.Text)

	result, err = h.dispatcher.Dispatch(context.Background(), authorizedCtx("/status"))
	require.NoError(t, err)
	assert.Equal(t, "no session", result.Reply.Text)

	h.seedEntry(t, "chat-1", session.Entry{SessionID: "run-1"})
	result, err = h.dispatcher.Dispatch(context.Background(), authorizedCtx("/status"))
	require.NoError(t, err)
	assert.Equal(t, "status text", result.Reply.Text)
}

func TestDispatch_StatusDirectiveFlag(t *testing.T) {
	h := newHarness(t)

	dctx := authorizedCtx("how are things going?")
	dctx.StatusDirective = true

	result, err := h.dispatcher.Dispatch(context.Background(), dctx)
	require.NoError(t, err)
	assert.Equal(t, command.KindStatus, result.Command)
	require.NotNil(t, result.Reply)
}

func TestDispatch_RestartReplies(t *testing.T) {
	h := newHarness(t)

	result, err := h.dispatcher.Dispatch(context.Background(), authorizedCtx("/restart"))
	require.NoError(t, err)
	assert.Equal(t, replyRestarting, result.Reply.Text)
	assert.Equal(t, 1, h.restartCalls)

	h.restartErr = fmt.Errorf("exec failed")
	result, err = h.dispatcher.Dispatch(context.Background(), authorizedCtx("/restart"))
	require.NoError(t, err)
	assert.Equal(t, replyRestartFailed, result.Reply.Text)
}

func TestDispatch_FallthroughSendPolicyGate(t *testing.T) {
	h := newHarness(t)

	result, err := h.dispatcher.Dispatch(context.Background(), authorizedCtx("just chatting"))
	require.NoError(t, err)
	assert.True(t, result.ShouldContinue)
	assert.Nil(t, result.Reply)

	h.sendAllowed = false
	result, err = h.dispatcher.Dispatch(context.Background(), authorizedCtx("just chatting"))
	require.NoError(t, err)
	assert.False(t, result.ShouldContinue)
	assert.Nil(t, result.Reply)
}
