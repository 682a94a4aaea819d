package daemon

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/hollis/molt/pkg/command"
	"github.com/hollis/molt/pkg/dispatch"
	"github.com/hollis/molt/pkg/session"
)

// Message is one inbound message from a transport.
type Message struct {
	Surface   string
	ChatID    string
	ChatType  string // "group" or "private"
	Sender    string
	MessageID string
	Text      string
}

// sessionKey builds the store key for a message's conversation.
func (m Message) sessionKey() string {
	return m.Surface + ":" + m.ChatID
}

func (m Message) dedupeKey() string {
	return m.sessionKey() + ":" + m.MessageID
}

// inline directive tokens stripped from the body before classification. The
// status token additionally raises the status directive flag.
var inlineDirectiveRe = regexp.MustCompile(`(?i)(?:^|\s)/(status|thinking|think|t|verbose|v|elevated|elev|model|queue)(?:$|\s)`)

// HandleMessage runs one inbound message through dedupe, normalization, and
// the dispatcher. The returned reply, if any, is ready for delivery; the
// bool mirrors the dispatcher's continue flag for normal agent handling.
func (d *Daemon) HandleMessage(ctx context.Context, msg Message) (*dispatch.Reply, bool, error) {
	if msg.MessageID != "" {
		if d.dedupe.IsDuplicate(msg.dedupeKey()) {
			d.logger.Debug().Str("message_id", msg.MessageID).Msg("Duplicate message ignored")
			return nil, false, nil
		}
		d.dedupe.Mark(msg.dedupeKey())
	}

	key := msg.sessionKey()
	d.ensureEntry(key, msg)

	dctx := d.buildContext(key, msg)

	result, err := d.dispatcher.Dispatch(ctx, dctx)
	if err != nil {
		return nil, false, fmt.Errorf("dispatch failed: %w", err)
	}

	// Reset is gated by the dispatcher but executed here.
	if result.Command == command.KindReset && result.Reply == nil {
		reply, err := d.resetSession(key)
		if err != nil {
			return nil, false, err
		}
		return reply, false, nil
	}

	return result.Reply, result.ShouldContinue, nil
}

// buildContext assembles the per-message dispatch context: authorization
// facts, mention stripping, and inline-directive extraction.
func (d *Daemon) buildContext(key string, msg Message) *dispatch.Context {
	raw := strings.TrimSpace(msg.Text)
	if msg.ChatType == "group" {
		raw = d.stripMention(raw)
	}

	body, statusDirective := stripInlineDirectives(raw)

	return &dispatch.Context{
		SessionKey:      key,
		Surface:         msg.Surface,
		ChatType:        msg.ChatType,
		Sender:          msg.Sender,
		Authorized:      d.isAuthorizedSender(msg.Sender),
		Owners:          d.config.Bot.Owners,
		RawBody:         raw,
		CommandBody:     body,
		StatusDirective: statusDirective,
		AbortKey:        key,
	}
}

// ensureEntry lazily creates the session entry on first contact so the
// dispatcher always has something to mutate.
func (d *Daemon) ensureEntry(key string, msg Message) {
	if _, ok := d.sessions.Get(key); ok {
		return
	}

	snapshot, err := d.skills.Snapshot()
	if err != nil {
		d.logger.Warn().Err(err).Msg("Failed to snapshot skills for new session")
	}

	if err := d.sessions.Put(key, session.Entry{
		ChatType:       msg.ChatType,
		Surface:        msg.Surface,
		SkillsSnapshot: snapshot,
	}); err != nil {
		d.logger.Error().Err(err).Str("session_key", key).Msg("Failed to create session entry")
	}
}

// resetSession clears the entry and its transcript, keeping the chat
// metadata so the conversation continues fresh.
func (d *Daemon) resetSession(key string) (*dispatch.Reply, error) {
	entry, ok := d.sessions.Get(key)
	if !ok {
		return &dispatch.Reply{Text: "♻️ Session reset."}, nil
	}

	if entry.SessionID != "" {
		d.coordinator.Abort(entry.SessionID)
		if err := d.transcripts.Delete(entry.SessionID); err != nil {
			d.logger.Warn().Err(err).Str("session_id", entry.SessionID).Msg("Failed to delete transcript on reset")
		}
	}

	if err := d.sessions.Put(key, session.Entry{
		ChatType: entry.ChatType,
		Surface:  entry.Surface,
	}); err != nil {
		return nil, fmt.Errorf("failed to reset session: %w", err)
	}

	d.logger.Info().Str("session_key", key).Msg("Session reset")
	return &dispatch.Reply{Text: "♻️ Session reset."}, nil
}

// stripMention removes a leading @botname (with optional trailing colon or
// comma) from group messages.
func (d *Daemon) stripMention(text string) string {
	name := d.config.Bot.Name
	if name == "" {
		return text
	}

	lower := strings.ToLower(text)
	for _, prefix := range []string{"@" + strings.ToLower(name), strings.ToLower(name)} {
		if strings.HasPrefix(lower, prefix) {
			rest := text[len(prefix):]
			rest = strings.TrimLeft(rest, ":, ")
			if rest != text {
				return strings.TrimSpace(rest)
			}
		}
	}
	return text
}

// stripInlineDirectives removes synonym directive tokens from the body when
// a control command is present, reporting whether a status directive was
// among them. Bodies without any control token pass through untouched.
func stripInlineDirectives(text string) (string, bool) {
	if !command.HasControlCommand(text) {
		return text, false
	}

	statusDirective := false
	strip := func(match string) string {
		if strings.Contains(strings.ToLower(match), "/status") {
			statusDirective = true
		}
		// Preserve the boundary whitespace the token consumed.
		if strings.HasPrefix(match, " ") {
			return " "
		}
		return ""
	}

	// Each match consumes its trailing boundary, so adjacent tokens need
	// another pass. Iterate until nothing more matches.
	stripped := text
	for {
		next := inlineDirectiveRe.ReplaceAllStringFunc(stripped, strip)
		if next == stripped {
			break
		}
		stripped = next
	}

	stripped = strings.TrimSpace(stripped)

	// An exact /status message classifies on its own; do not strip it away.
	if statusDirective && stripped == "" {
		return "/status", false
	}
	return stripped, statusDirective
}

func (d *Daemon) isAuthorizedSender(sender string) bool {
	if sender == "" {
		return false
	}
	if containsFold(d.config.Bot.Owners, sender) {
		return true
	}
	return containsFold(d.config.Bot.AllowedSenders, sender)
}

func containsFold(list []string, s string) bool {
	for _, item := range list {
		if strings.EqualFold(item, s) {
			return true
		}
	}
	return false
}
