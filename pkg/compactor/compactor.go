// Package compactor summarizes a session's transcript with an LLM and
// installs the summary as the new transcript, freeing context for the
// embedded agent while keeping continuity.
package compactor

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/hollis/molt/internal/metrics"
	"github.com/hollis/molt/pkg/transcript"
)

const (
	// DefaultMinMessages is the transcript length below which compaction
	// is skipped as not worth an API call.
	DefaultMinMessages = 6

	// DefaultMaxTokens caps the summary length.
	DefaultMaxTokens = 2048

	defaultSystemPrompt = "You compact conversation transcripts. Produce a dense summary that " +
		"preserves decisions, open tasks, facts the participants established, and the current " +
		"state of any ongoing work. Write it so the conversation can continue from the summary alone."
)

// Config configures a Compactor.
type Config struct {
	Provider       string
	APIKey         string
	Model          string
	FallbackModels []string
	MinMessages    int
	MaxTokens      int
}

// Params identifies what to compact and how.
type Params struct {
	SessionID      string
	Instructions   string
	SkillsSnapshot json.RawMessage
}

// Result reports what a compaction attempt did.
type Result struct {
	Compacted bool
	Reason    string
	Summary   string
	Usage     Usage
}

// Compactor runs transcript compaction against a configured provider.
type Compactor struct {
	provider    Provider
	transcripts *transcript.Store
	logger      zerolog.Logger
	cfg         Config
}

// NewCompactor creates a compactor. The provider is resolved from cfg.
func NewCompactor(cfg Config, transcripts *transcript.Store, logger zerolog.Logger) (*Compactor, error) {
	if cfg.Model == "" {
		return nil, fmt.Errorf("compaction model is required")
	}
	if cfg.MinMessages <= 0 {
		cfg.MinMessages = DefaultMinMessages
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = DefaultMaxTokens
	}

	provider, err := NewProvider(cfg.Provider, cfg.APIKey)
	if err != nil {
		return nil, err
	}

	return &Compactor{
		provider:    provider,
		transcripts: transcripts,
		logger:      logger,
		cfg:         cfg,
	}, nil
}

// NewCompactorWithProvider creates a compactor over an explicit provider.
func NewCompactorWithProvider(cfg Config, provider Provider, transcripts *transcript.Store, logger zerolog.Logger) *Compactor {
	if cfg.MinMessages <= 0 {
		cfg.MinMessages = DefaultMinMessages
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = DefaultMaxTokens
	}
	return &Compactor{
		provider:    provider,
		transcripts: transcripts,
		logger:      logger,
		cfg:         cfg,
	}
}

// Compact loads the transcript for params.SessionID, summarizes it, and
// replaces the transcript with the summary. Short transcripts are skipped
// without an API call. The configured model is tried first, then each
// fallback model in order.
func (c *Compactor) Compact(ctx context.Context, params Params) (*Result, error) {
	if params.SessionID == "" {
		return nil, fmt.Errorf("session id is required")
	}

	messages, err := c.transcripts.Load(params.SessionID)
	if err != nil {
		metrics.RecordCompaction("failed")
		return nil, fmt.Errorf("failed to load transcript: %w", err)
	}

	if len(messages) < c.cfg.MinMessages {
		c.logger.Debug().
			Str("session_id", params.SessionID).
			Int("messages", len(messages)).
			Int("min", c.cfg.MinMessages).
			Msg("Transcript too short, skipping compaction")
		metrics.RecordCompaction("skipped")
		return &Result{
			Compacted: false,
			Reason:    fmt.Sprintf("transcript has %d messages, need at least %d", len(messages), c.cfg.MinMessages),
		}, nil
	}

	prompt := buildPrompt(messages, params.Instructions, params.SkillsSnapshot)

	response, model, err := c.callWithFallback(ctx, prompt)
	if err != nil {
		metrics.RecordCompaction("failed")
		return nil, err
	}

	summary := strings.TrimSpace(response.Content)
	if summary == "" {
		metrics.RecordCompaction("failed")
		return nil, fmt.Errorf("model %s returned an empty summary", model)
	}

	if err := c.transcripts.Rewrite(params.SessionID, []transcript.Message{{
		Role:      "assistant",
		Content:   "[Conversation summary]\n" + summary,
		Timestamp: time.Now(),
	}}); err != nil {
		metrics.RecordCompaction("failed")
		return nil, fmt.Errorf("failed to install summary: %w", err)
	}

	c.logger.Info().
		Str("session_id", params.SessionID).
		Str("model", model).
		Int("messages", len(messages)).
		Int("input_tokens", response.Usage.InputTokens).
		Int("output_tokens", response.Usage.OutputTokens).
		Msg("Transcript compacted")
	metrics.RecordCompaction("compacted")

	return &Result{
		Compacted: true,
		Summary:   summary,
		Usage:     response.Usage,
	}, nil
}

// callWithFallback tries the configured model, then each fallback model in
// order, returning the first success along with the model that produced it.
func (c *Compactor) callWithFallback(ctx context.Context, prompt string) (*Response, string, error) {
	models := append([]string{c.cfg.Model}, c.cfg.FallbackModels...)

	var lastErr error
	for _, model := range models {
		response, err := c.provider.Call(ctx, Request{
			Model:     model,
			System:    defaultSystemPrompt,
			Prompt:    prompt,
			MaxTokens: c.cfg.MaxTokens,
		})
		if err == nil {
			return response, model, nil
		}

		lastErr = err
		c.logger.Warn().Str("model", model).Err(err).Msg("Compaction call failed")

		if ctx.Err() != nil {
			break
		}
	}

	return nil, "", fmt.Errorf("all compaction models failed: %w", lastErr)
}

func buildPrompt(messages []transcript.Message, instructions string, skills json.RawMessage) string {
	var b strings.Builder

	if instructions != "" {
		b.WriteString("Focus: ")
		b.WriteString(instructions)
		b.WriteString("\n\n")
	}

	if len(skills) > 0 {
		b.WriteString("Available skills (preserve references to these in the summary):\n")
		b.Write(skills)
		b.WriteString("\n\n")
	}

	b.WriteString("Transcript:\n")
	for _, msg := range messages {
		b.WriteString(msg.Role)
		b.WriteString(": ")
		b.WriteString(msg.Content)
		b.WriteString("\n")
	}

	return b.String()
}
