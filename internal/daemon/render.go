package daemon

import (
	"fmt"
	"strings"
	"time"

	"github.com/hollis/molt/pkg/dispatch"
	"github.com/hollis/molt/pkg/session"
)

// renderHelp lists the command surface. Only shown to authorized senders;
// the authorizer already gated the request.
func (d *Daemon) renderHelp(dctx *dispatch.Context) string {
	var b strings.Builder
	b.WriteString("Commands:\n")
	b.WriteString("/help — this text\n")
	b.WriteString("/status — session status\n")
	b.WriteString("/reset, /new — start a fresh session\n")
	b.WriteString("/compact[: instructions] — summarize the transcript\n")
	b.WriteString("/send on|off|inherit — control reply delivery\n")
	b.WriteString("/restart — restart the daemon\n")
	if dctx.IsGroup() {
		b.WriteString("/activation mention|always — when the bot speaks up\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

// renderStatus summarizes one session entry.
func (d *Daemon) renderStatus(dctx *dispatch.Context, entry *session.Entry) string {
	if entry == nil {
		return "No session yet. Say something to start one."
	}

	var b strings.Builder
	if entry.SessionID != "" {
		fmt.Fprintf(&b, "Session: %s\n", entry.SessionID)
		if d.coordinator.IsActive(entry.SessionID) {
			b.WriteString("Run: active\n")
		}
	} else {
		b.WriteString("Session: not started\n")
	}

	if entry.GroupActivation != "" {
		fmt.Fprintf(&b, "Activation: %s\n", entry.GroupActivation)
	}

	sendLabel := "inherit"
	switch entry.SendPolicy {
	case session.SendPolicyAllow:
		sendLabel = "on"
	case session.SendPolicyDeny:
		sendLabel = "off"
	}
	fmt.Fprintf(&b, "Send: %s\n", sendLabel)

	if entry.CompactionCount > 0 {
		fmt.Fprintf(&b, "Compactions: %d\n", entry.CompactionCount)
	}
	if entry.TotalTokens > 0 {
		fmt.Fprintf(&b, "Tokens: %d in / %d out (%d context)\n",
			entry.InputTokens, entry.OutputTokens, entry.ContextTokens)
	}
	if !entry.UpdatedAt.IsZero() {
		fmt.Fprintf(&b, "Updated: %s\n", entry.UpdatedAt.Format(time.RFC3339))
	}

	return strings.TrimRight(b.String(), "\n")
}

// sendPolicyAllows is the ambient gate for non-command messages: the entry
// override wins, otherwise the configured default applies.
func (d *Daemon) sendPolicyAllows(dctx *dispatch.Context, entry *session.Entry) bool {
	if entry != nil {
		switch entry.SendPolicy {
		case session.SendPolicyAllow:
			return true
		case session.SendPolicyDeny:
			return false
		}
	}
	return d.config.Bot.DefaultSendPolicy != "deny"
}
