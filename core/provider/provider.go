// Package provider defines the LLM provider abstraction the context engine
// consumes. It contains only interfaces and data types — no implementation.
// Concrete backends (e.g. providers/bedrock) satisfy Provider; the context
// engine never imports a concrete backend directly.
package provider

import (
	"context"
	"errors"
	"time"
)

// Common errors returned by providers.
var (
	ErrThrottled     = errors.New("provider: request throttled")
	ErrAccessDenied  = errors.New("provider: access denied")
	ErrModelNotFound = errors.New("provider: model not found")
	ErrModelNotReady = errors.New("provider: model not ready")
	ErrUnavailable   = errors.New("provider: unavailable")
)

// Role identifies who authored a conversation message. A message is
// always exactly one of these four roles.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is the atomic, immutable unit of conversation history. Once
// appended to a context it is never mutated in place; compression
// replaces a range of messages with a checkpoint rather than editing a
// Message. An assistant message may carry tool calls; a tool message
// carries the results of those calls back to the model.
type Message struct {
	ID        string
	Role      Role
	Content   string
	CreatedAt time.Time

	ToolCalls   []ToolCall
	ToolResults []ToolResult

	// CachedTokenCount is a slot for a caller-memoized token price. The
	// token counter neither reads nor sets it.
	CachedTokenCount int
}

// ToolCall represents the LLM requesting a tool invocation.
type ToolCall struct {
	ID    string
	Name  string
	Input map[string]any
}

// ToolResult carries the output of a tool execution back to the LLM.
type ToolResult struct {
	ToolUseID string
	Content   string
	IsError   bool
}

// ToolDefinition describes a tool the LLM can invoke.
// InputSchema is a JSON Schema object built from manifest function params.
type ToolDefinition struct {
	Name        string
	Description string
	InputSchema map[string]any
}

// ToolExecutor runs a tool and returns its result. The context engine
// depends only on this interface; tool discovery, manifests, and policy
// are implemented elsewhere and are out of scope here.
type ToolExecutor interface {
	Execute(ctx context.Context, name string, args map[string]any) (content string, err error)
}

// StreamEvent identifies the type of a streaming chunk.
type StreamEvent int

const (
	EventTextDelta   StreamEvent = iota // Partial text content
	EventToolStart                      // Tool invocation begins
	EventToolDelta                      // Partial tool input JSON
	EventToolEnd                        // Tool invocation block complete
	EventThinking                       // Partial reasoning content (think mode)
	EventMessageStop                    // Response finished
)

// StreamChunk is one unit of streamed LLM output.
// Fields are relevant per event type; others are zero-valued.
type StreamChunk struct {
	Event      StreamEvent
	Text       string // EventTextDelta, EventThinking
	ToolCallID string // EventToolStart, EventToolDelta, EventToolEnd
	ToolName   string // EventToolStart
	InputDelta string // EventToolDelta: partial JSON fragment
	StopReason string // EventMessageStop: "end_turn", "tool_use"
	Usage      *Usage // Set on EventMessageStop
	Err        error  // Set when the stream ends abnormally
}

// Usage holds token counts from a single LLM response.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// ModelInfo describes a model's metadata and pricing.
type ModelInfo struct {
	ID              string // Provider-specific model identifier
	Name            string // Human-readable display name
	ContextWindow   int
	InputCostPer1M  float64
	OutputCostPer1M float64
}

// Options carries per-request generation parameters. NumCtx is set by
// the caller (ProfileStore/VramMonitor's auto-sized context window) and
// must be passed through unmodified — a provider must never rescale it.
type Options struct {
	NumCtx      int
	Temperature float64
	Think       bool
}

// Request bundles everything sent to the LLM for one round-trip.
type Request struct {
	Model     string
	System    string
	Messages  []Message
	Tools     []ToolDefinition
	MaxTokens int
	Options   Options
}

// StreamIterator provides chunk-by-chunk iteration over a streamed response.
// Callers loop on Next() until it returns io.EOF.
type StreamIterator interface {
	Next() (StreamChunk, error)
	Close() error
}

// Provider is the LLM provider abstraction the context engine consumes.
// Send drives a normal chat turn (streaming). Summarize drives a single
// non-streaming compression pass: no tools, no streaming, just a final
// string — CompressionCoordinator is the only caller.
type Provider interface {
	Send(ctx context.Context, req Request) (StreamIterator, error)
	Summarize(ctx context.Context, req Request) (string, error)
	ListModels(ctx context.Context) ([]ModelInfo, error)
}

// PricingConfig holds provider-agnostic settings for dynamic pricing.
// Passed to provider constructors to decouple providers from the application config.
type PricingConfig struct {
	Enabled  bool   // Whether to fetch dynamic pricing
	CacheDir string // Directory for caching pricing data
	CacheTTL int    // Check interval in hours
}
