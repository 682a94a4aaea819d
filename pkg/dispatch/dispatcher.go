package dispatch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/hollis/molt/internal/metrics"
	"github.com/hollis/molt/pkg/command"
	"github.com/hollis/molt/pkg/compactor"
	"github.com/hollis/molt/pkg/runs"
	"github.com/hollis/molt/pkg/session"
)

// Collaborator functions. Rendering of help/status text, the restart
// mechanism, compaction, and send-policy evaluation live outside this
// package; the dispatcher only consumes their results.
type (
	CompactFunc    func(ctx context.Context, params compactor.Params) (*compactor.Result, error)
	RestartFunc    func(ctx context.Context) error
	HelpRenderer   func(dctx *Context) string
	StatusRenderer func(dctx *Context, entry *session.Entry) string

	// SendPolicyFunc evaluates the ambient send policy for a non-command
	// message. entry is nil when the session has no persisted entry. False
	// means drop the message silently.
	SendPolicyFunc func(dctx *Context, entry *session.Entry) bool
)

// EventSink receives system-event lines independent of the reply channel.
type EventSink interface {
	Emit(kind, text string)
}

// Reply texts with fixed wording.
const (
	replyActivationNotGroup = "⚙️ Activation mode only applies to group chats."
	replyActivationUsage    = "Usage: /activation mention|always"
	replySendUsage          = "Usage: /send on|off|inherit"
	replyRestarting         = "🔄 Restarting."
	replyRestartFailed      = "⚠️ Restart failed."
	replyAborted            = "🛑 Aborted."
	replyCompactNoSession   = "⚙️ Compaction unavailable (missing session id)."
)

// Config wires a Dispatcher.
type Config struct {
	Classifier  *command.Classifier
	Authorizer  *Authorizer
	Sessions    *session.Store
	Coordinator *runs.Coordinator

	Compact CompactFunc
	Restart RestartFunc
	Help    HelpRenderer
	Status  StatusRenderer

	// SendPolicy gates non-command messages. Nil means always continue.
	SendPolicy SendPolicyFunc

	// Events receives compaction outcome lines. Nil disables the side
	// channel.
	Events EventSink

	// StopTimeout bounds the cancel-and-wait before compaction.
	// runs.DefaultStopTimeout when zero.
	StopTimeout time.Duration

	Logger zerolog.Logger
}

// Dispatcher is the single entry point for inbound messages.
type Dispatcher struct {
	cfg Config

	// abortMemory records aborts for conversations that have no persisted
	// session entry yet. Process-local by design.
	abortMu     sync.Mutex
	abortMemory map[string]bool
}

// NewDispatcher validates cfg and creates a dispatcher.
func NewDispatcher(cfg Config) (*Dispatcher, error) {
	if cfg.Classifier == nil {
		return nil, fmt.Errorf("classifier is required")
	}
	if cfg.Authorizer == nil {
		return nil, fmt.Errorf("authorizer is required")
	}
	if cfg.Sessions == nil {
		return nil, fmt.Errorf("session store is required")
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = runs.DefaultStopTimeout
	}

	metrics.EnsureRegistered()

	return &Dispatcher{
		cfg:         cfg,
		abortMemory: make(map[string]bool),
	}, nil
}

// Dispatch classifies, authorizes, and executes the command carried by one
// inbound message. Persistence failures during a mutating command are
// returned as errors rather than folded into a reply, since state and reply
// would otherwise diverge.
func (d *Dispatcher) Dispatch(ctx context.Context, dctx *Context) (Result, error) {
	cmd := d.cfg.Classifier.Classify(command.Input{
		Body:            dctx.CommandBody,
		StatusDirective: dctx.StatusDirective,
	})

	switch cmd.Kind {
	case command.KindNone:
		return d.fallthroughGate(dctx), nil

	case command.KindActivation:
		// Structurally inapplicable outside groups: answered before any
		// authorization check.
		if !dctx.IsGroup() {
			return d.reply(cmd.Kind, replyActivationNotGroup), nil
		}
	}

	if cmd.Kind != command.KindNone && cmd.Kind != command.KindAbort {
		if !d.cfg.Authorizer.Allow(cmd, dctx) {
			metrics.RecordDispatch(string(cmd.Kind), "dropped")
			return Result{Command: cmd.Kind}, nil
		}
	}

	switch cmd.Kind {
	case command.KindReset:
		// Reset is executed by the caller; this core only gates it.
		metrics.RecordDispatch(string(cmd.Kind), "continue")
		return Result{Command: command.KindReset}, nil

	case command.KindActivation:
		return d.handleActivation(cmd, dctx)

	case command.KindSendPolicy:
		return d.handleSendPolicy(cmd, dctx)

	case command.KindRestart:
		return d.handleRestart(ctx, dctx), nil

	case command.KindHelp:
		return d.reply(cmd.Kind, d.cfg.Help(dctx)), nil

	case command.KindStatus:
		return d.handleStatus(dctx), nil

	case command.KindCompact:
		return d.handleCompact(ctx, dctx)

	case command.KindAbort:
		return d.handleAbort(dctx)

	default:
		return Result{}, fmt.Errorf("unhandled command kind: %q", cmd.Kind)
	}
}

// fallthroughGate handles messages with no control command: evaluate the
// ambient send policy and either drop silently or hand the message back to
// normal agent processing.
func (d *Dispatcher) fallthroughGate(dctx *Context) Result {
	var entry *session.Entry
	if e, ok := d.cfg.Sessions.Get(dctx.SessionKey); ok {
		entry = &e
	}

	if d.cfg.SendPolicy != nil && !d.cfg.SendPolicy(dctx, entry) {
		d.cfg.Logger.Debug().
			Str("session_key", dctx.SessionKey).
			Msg("Message dropped by send policy")
		metrics.RecordDispatch("none", "dropped")
		return Result{Command: command.KindNone}
	}

	metrics.RecordDispatch("none", "continue")
	return Result{Command: command.KindNone, ShouldContinue: true}
}

func (d *Dispatcher) handleActivation(cmd command.Command, dctx *Context) (Result, error) {
	if cmd.ActivationMode == "" {
		return d.reply(cmd.Kind, replyActivationUsage), nil
	}

	mode := string(cmd.ActivationMode)
	if _, err := d.cfg.Sessions.Update(dctx.SessionKey, func(e *session.Entry) {
		e.GroupActivation = mode
		e.GroupActivationNeedsSystemIntro = true
	}); err != nil {
		return Result{}, fmt.Errorf("failed to persist activation mode: %w", err)
	}

	return d.reply(cmd.Kind, fmt.Sprintf("✅ Group activation set to %s.", mode)), nil
}

func (d *Dispatcher) handleSendPolicy(cmd command.Command, dctx *Context) (Result, error) {
	if cmd.SendMode == "" {
		return d.reply(cmd.Kind, replySendUsage), nil
	}

	var label string
	if _, err := d.cfg.Sessions.Update(dctx.SessionKey, func(e *session.Entry) {
		switch cmd.SendMode {
		case command.SendAllow:
			e.SendPolicy = session.SendPolicyAllow
			label = "on"
		case command.SendDeny:
			e.SendPolicy = session.SendPolicyDeny
			label = "off"
		case command.SendInherit:
			// Clearing the field means "defer to ambient policy".
			e.SendPolicy = ""
			label = "inherit"
		}
	}); err != nil {
		return Result{}, fmt.Errorf("failed to persist send policy: %w", err)
	}

	return d.reply(cmd.Kind, fmt.Sprintf("📤 Sending is now %s.", label)), nil
}

func (d *Dispatcher) handleRestart(ctx context.Context, dctx *Context) Result {
	if d.cfg.Restart == nil {
		return d.reply(command.KindRestart, replyRestartFailed)
	}
	if err := d.cfg.Restart(ctx); err != nil {
		d.cfg.Logger.Error().Err(err).Str("sender", dctx.senderLabel()).Msg("Restart failed")
		return d.reply(command.KindRestart, replyRestartFailed)
	}
	return d.reply(command.KindRestart, replyRestarting)
}

func (d *Dispatcher) handleStatus(dctx *Context) Result {
	var entry *session.Entry
	if e, ok := d.cfg.Sessions.Get(dctx.SessionKey); ok {
		entry = &e
	}
	return d.reply(command.KindStatus, d.cfg.Status(dctx, entry))
}

// handleAbort is ungated and idempotent. The aborted flag is persisted when
// a session entry exists; conversations without one fall back to the
// process-local abort memory keyed by the context's abort key.
func (d *Dispatcher) handleAbort(dctx *Context) (Result, error) {
	entry, ok := d.cfg.Sessions.Get(dctx.SessionKey)
	if ok {
		if _, err := d.cfg.Sessions.Update(dctx.SessionKey, func(e *session.Entry) {
			e.AbortedLastRun = true
		}); err != nil {
			return Result{}, fmt.Errorf("failed to persist abort: %w", err)
		}
		if entry.SessionID != "" && d.cfg.Coordinator != nil {
			d.cfg.Coordinator.Abort(entry.SessionID)
		}
	} else {
		d.abortMu.Lock()
		d.abortMemory[dctx.AbortKey] = true
		d.abortMu.Unlock()
	}

	return d.reply(command.KindAbort, replyAborted), nil
}

// TakeAbortMemory reports and clears the ephemeral abort flag for key. The
// execution subsystem consults it for conversations whose entry did not
// exist when the abort arrived.
func (d *Dispatcher) TakeAbortMemory(key string) bool {
	d.abortMu.Lock()
	defer d.abortMu.Unlock()
	aborted := d.abortMemory[key]
	delete(d.abortMemory, key)
	return aborted
}

func (d *Dispatcher) handleCompact(ctx context.Context, dctx *Context) (Result, error) {
	entry, ok := d.cfg.Sessions.Get(dctx.SessionKey)
	if !ok || entry.SessionID == "" {
		return d.reply(command.KindCompact, replyCompactNoSession), nil
	}

	// Stop any in-flight run before touching its transcript. Timeout expiry
	// means proceed anyway: a stuck run must not block compaction forever.
	if d.cfg.Coordinator != nil && d.cfg.Coordinator.IsActive(entry.SessionID) {
		if d.cfg.Coordinator.CancelAndWait(ctx, entry.SessionID, d.cfg.StopTimeout) {
			d.cfg.Logger.Warn().
				Str("session_id", entry.SessionID).
				Msg("Run stop wait timed out, compacting anyway")
		}
	}

	// Instructions come from the raw body: group mention-stripping already
	// ran on it, but inline-directive stripping must not eat the free text.
	params := compactor.Params{
		SessionID:      entry.SessionID,
		Instructions:   command.CompactInstructions(dctx.RawBody),
		SkillsSnapshot: entry.SkillsSnapshot,
	}

	result, err := d.cfg.Compact(ctx, params)

	text := composeCompactReply(result, err, entry.ContextTokens)

	if err != nil {
		d.cfg.Logger.Error().Err(err).Str("session_id", entry.SessionID).Msg("Compaction failed")
	} else if result.Compacted {
		if _, err := d.cfg.Sessions.IncrementCompactionCount(dctx.SessionKey); err != nil {
			return Result{}, fmt.Errorf("failed to persist compaction count: %w", err)
		}
	}

	if d.cfg.Events != nil {
		d.cfg.Events.Emit("compaction", text)
	}

	return d.reply(command.KindCompact, text), nil
}

// composeCompactReply builds `<label>[: <reason>] • <usage>`. The underlying
// technical error never reaches the sender.
func composeCompactReply(result *compactor.Result, err error, priorContextTokens int) string {
	var label, reason string
	switch {
	case err != nil:
		label = "⚠️ Compaction failed"
	case !result.Compacted:
		label = "⚙️ Compaction skipped"
		reason = result.Reason
	case priorContextTokens > 0:
		label = fmt.Sprintf("🧹 Compacted (%d before)", priorContextTokens)
	default:
		label = "🧹 Compacted"
	}

	text := label
	if reason != "" {
		text += ": " + reason
	}
	if err == nil && result.Usage.TotalTokens() > 0 {
		text += fmt.Sprintf(" • %d in / %d out tokens", result.Usage.InputTokens, result.Usage.OutputTokens)
	}
	return text
}

func (d *Dispatcher) reply(kind command.Kind, text string) Result {
	metrics.RecordDispatch(string(kind), "reply")
	return Result{Command: kind, Reply: &Reply{Text: text}}
}
