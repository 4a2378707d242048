// Package checkpoint implements the lossy summarization ladder: a
// Checkpoint is a mutable, re-summarizable stand-in for a contiguous run of
// older assistant/tool/system messages. CheckpointManager owns the
// deterministic, Provider-free transformations on the checkpoint list —
// aging and merging — which run on every compression pass regardless of
// whether that pass itself consulted the Provider.
package checkpoint

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"ollm/core/provider"
)

// Level is the detail tier of a checkpoint's summary. Transitions are
// one-way: 3 -> 2 -> 1 -> Merged.
type Level int

const (
	Level3 Level = 3 // detailed, ~2000 tokens
	Level2 Level = 2 // moderate, ~1200 tokens
	Level1 Level = 1 // compact, ~800 tokens
	Merged Level = 0 // ultra-compact, ~400 tokens, union of level-1s
)

// Range is the message-index span a checkpoint covers, inclusive-exclusive
// like a Go slice: [Start, End).
type Range struct {
	Start int
	End   int
}

// Checkpoint is a mutable summary of a contiguous range of older
// assistant/tool/system messages. Never covers a user message (P3).
type Checkpoint struct {
	ID                 string
	Level              Level
	Range              Range
	Summary            provider.Message
	OriginalTokens     int
	CurrentTokens      int
	CompressionCount   int
	CompressionNumber  int
	KeyDecisions       []string
	FilesModified      []string
	CreatedAt          time.Time
	AgedAt             time.Time
}

const (
	maxKeyDecisions  = 10
	maxFilesModified = 20
)

// New constructs a fresh level-3 Checkpoint from a Provider-generated
// summary over the given message range. compressionNumber is the current
// size of the compression history at the moment of creation, per spec.
func New(rng Range, summaryText string, sourceMessages []provider.Message, originalTokens, summaryTokens, compressionNumber int, now time.Time) Checkpoint {
	return Checkpoint{
		ID:    uuid.NewString(),
		Level: Level3,
		Range: rng,
		Summary: provider.Message{
			ID:        uuid.NewString(),
			Role:      provider.RoleSystem,
			Content:   summaryText,
			CreatedAt: now,
		},
		OriginalTokens:    originalTokens,
		CurrentTokens:     summaryTokens,
		CompressionCount:  1,
		CompressionNumber: compressionNumber,
		KeyDecisions:      extractKeyDecisions(sourceMessages),
		FilesModified:     extractFilesModified(sourceMessages),
		CreatedAt:         now,
		AgedAt:            now,
	}
}

func newSystemMessage(content string, now time.Time) provider.Message {
	return provider.Message{
		ID:        uuid.NewString(),
		Role:      provider.RoleSystem,
		Content:   content,
		CreatedAt: now,
	}
}

// mergedID derives a stable id for a merged checkpoint from the span of
// contributors it replaces, rather than a fresh random id, so re-running
// merge logic against the same inputs is reproducible in tests.
func mergedID(first, last Checkpoint) string {
	return "merged-" + first.ID[:8] + "-" + last.ID[:8]
}

var decisionPattern = regexp.MustCompile(`(?i)\b(created|modified|decided|chose|implemented|fixed|removed|renamed)\b[^.\n]{0,120}`)
var filePattern = regexp.MustCompile(`\b[\w./-]+\.[a-zA-Z0-9]{1,8}\b`)

// extractKeyDecisions rule-extracts short decision phrases from source
// message content: lines mentioning a decision verb, capped at 10 and
// length-limited, so the extraction cost and storage stay bounded even over
// a long compressed range.
func extractKeyDecisions(messages []provider.Message) []string {
	var out []string
	seen := make(map[string]bool)
	for _, m := range messages {
		for _, match := range decisionPattern.FindAllString(m.Content, -1) {
			match = strings.TrimSpace(match)
			if match == "" || seen[match] {
				continue
			}
			seen[match] = true
			out = append(out, match)
			if len(out) >= maxKeyDecisions {
				return out
			}
		}
	}
	return out
}

// extractFilesModified rule-extracts file-path-looking tokens from source
// message content and any tool call/result payloads, capped at 20.
func extractFilesModified(messages []provider.Message) []string {
	var out []string
	seen := make(map[string]bool)
	add := func(s string) bool {
		for _, match := range filePattern.FindAllString(s, -1) {
			if seen[match] {
				continue
			}
			seen[match] = true
			out = append(out, match)
			if len(out) >= maxFilesModified {
				return true
			}
		}
		return false
	}
	for _, m := range messages {
		if add(m.Content) {
			return out
		}
		for _, tc := range m.ToolCalls {
			if add(fmt.Sprintf("%v", tc.Input)) {
				return out
			}
		}
		for _, tr := range m.ToolResults {
			if add(tr.Content) {
				return out
			}
		}
	}
	return out
}
