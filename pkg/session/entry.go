// Package session persists per-conversation state.
//
// The store maps a session key (one per conversation) to an Entry and
// rewrites the whole map to disk on every mutation. Mutations go through
// Update, a load / mutate-copy / replace-and-persist sequence serialized by
// a single writer lock, so a reply is only produced after the new state is
// durable.
package session

import (
	"encoding/json"
	"time"
)

// Activation modes for group conversations.
const (
	ActivationMention = "mention"
	ActivationAlways  = "always"
)

// Send policy overrides. An empty SendPolicy field means "inherit": defer to
// the ambient policy instead of overriding it.
const (
	SendPolicyAllow = "allow"
	SendPolicyDeny  = "deny"
)

// Entry is the persisted state for one session key.
type Entry struct {
	// SessionID is an opaque handle to an agent run. Empty when no run has
	// been linked yet.
	SessionID string `json:"sessionId,omitempty"`

	GroupActivation                 string `json:"groupActivation,omitempty"`
	GroupActivationNeedsSystemIntro bool   `json:"groupActivationNeedsSystemIntro,omitempty"`

	// SendPolicy is "allow", "deny", or absent (inherit).
	SendPolicy string `json:"sendPolicy,omitempty"`

	AbortedLastRun  bool `json:"abortedLastRun,omitempty"`
	CompactionCount int  `json:"compactionCount,omitempty"`

	InputTokens   int `json:"inputTokens,omitempty"`
	OutputTokens  int `json:"outputTokens,omitempty"`
	TotalTokens   int `json:"totalTokens,omitempty"`
	ContextTokens int `json:"contextTokens,omitempty"`

	// UpdatedAt is bumped on every mutation and never decreases.
	UpdatedAt time.Time `json:"updatedAt"`

	ChatType string `json:"chatType,omitempty"`
	Surface  string `json:"surface,omitempty"`

	// SkillsSnapshot is opaque to this package and passed through to the
	// compaction collaborator.
	SkillsSnapshot json.RawMessage `json:"skillsSnapshot,omitempty"`
}

// IsGroup reports whether the entry belongs to a group conversation.
func (e *Entry) IsGroup() bool {
	return e.ChatType == "group"
}
