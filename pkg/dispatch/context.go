// Package dispatch is the command interpreter for inbound messages: it
// classifies control commands, authorizes the sender per command, applies
// session state transitions, and coordinates run cancellation ahead of
// compaction. Messages with no command fall through a send-policy gate to
// normal agent handling.
package dispatch

import "github.com/hollis/molt/pkg/command"

// Context carries the per-message facts the dispatcher needs. The ingress
// layer builds one per inbound message; it is never persisted.
type Context struct {
	// SessionKey indexes the session store.
	SessionKey string

	// Surface is the transport the message arrived on ("telegram", "cli").
	Surface string

	// ChatType is "group" or "private".
	ChatType string

	// Sender is the canonicalized sender identity, empty when unknown.
	Sender string

	// Authorized reports whether the sender passed the ingress allow-list.
	Authorized bool

	// Owners is the owner list for the surface, empty when the surface has
	// no owner concept.
	Owners []string

	// RawBody is the message text as received, trimmed.
	RawBody string

	// CommandBody is RawBody with mentions and inline directives stripped.
	CommandBody string

	// StatusDirective is set when inline-directive parsing requested status.
	StatusDirective bool

	// AbortKey keys the ephemeral abort memory for conversations without a
	// persisted session entry.
	AbortKey string
}

// IsGroup reports whether the message arrived in a group conversation.
func (c *Context) IsGroup() bool {
	return c.ChatType == "group"
}

// senderLabel returns the sender identity for logging, never empty.
func (c *Context) senderLabel() string {
	if c.Sender == "" {
		return "<unknown>"
	}
	return c.Sender
}

// Reply is plain text intended for direct delivery to the conversation.
type Reply struct {
	Text string
}

// Result is the outcome of one dispatch. At most one of Reply and
// ShouldContinue is set; both unset means the message was silently dropped.
type Result struct {
	// Command is the classified command kind, command.KindNone when the
	// message carried no control command. Reset is surfaced here for the
	// caller to act on; this package performs no reset itself.
	Command command.Kind

	Reply          *Reply
	ShouldContinue bool
}
