// Package context implements ContextManager, the top-level facade that
// owns ConversationContext: the active system prompt, checkpoints,
// in-memory messages, and in-flight token counter for one session. It is
// the only component that mutates ConversationContext.
package context

import (
	"errors"

	"ollm/core/checkpoint"
	"ollm/core/compression"
	"ollm/core/provider"
)

// Mode is one of the five operational modes a session can run in. Each
// (Mode, tier) pair has its own system prompt template.
type Mode string

const (
	ModeAssistant Mode = "assistant"
	ModeDeveloper Mode = "developer"
	ModePlanning  Mode = "planning"
	ModeDebugger  Mode = "debugger"
	ModeUser      Mode = "user"
)

// Errors returned by ContextManager operations.
var (
	ErrProfileUnknown      = errors.New("context: model profile unknown")
	ErrBudgetUnrecoverable = errors.New("context: budget unrecoverable after rollover")
)

// ConversationContext is the in-memory working set for one session.
type ConversationContext struct {
	SessionID string
	Model     string

	SystemPrompt string // regenerated on mode/tier change; never part of Messages

	Checkpoints []checkpoint.Checkpoint
	Messages    []provider.Message // oldest first; user messages always retained

	Mode Mode
	Tier int

	CompressionHistory []compression.HistoryEntry

	InFlightTokens int

	NumCtx int // ollama_context_size, frozen for the session
}

// Band is the budget state a validate_and_build_prompt call resolved to.
type Band string

const (
	BandSafe      Band = "safe"
	BandWarn      Band = "warn"
	BandCompress  Band = "compress"
	BandEmergency Band = "emergency"
	BandRollover  Band = "rollover"
)

// ValidationResult is the outcome of validate_and_build_prompt.
type ValidationResult struct {
	Valid       bool
	Band        Band
	Request     provider.Request
	TotalTokens int
	Limit       int
	Warnings    []string
	Emergency   string // "compression" | "rollover" | ""
	SnapshotID  string // set when Band == BandRollover
}

// thresholds bundles the four configured cut points, read once at session
// start per spec §6's config surface.
type thresholds struct {
	warning    float64
	checkpoint float64
	emergency  float64
	rollover   float64
}

func bandFor(usage float64, th thresholds) Band {
	switch {
	case usage >= th.rollover:
		return BandRollover
	case usage >= th.emergency:
		return BandEmergency
	case usage >= th.checkpoint:
		return BandCompress
	case usage >= th.warning:
		return BandWarn
	default:
		return BandSafe
	}
}
