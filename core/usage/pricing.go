// Package usage tracks token consumption and cost across LLM calls,
// independent of the token budget the context engine enforces.
package usage

import (
	"fmt"
	"ollm/core/provider"
	"strings"
	"sync"
)

// Source identifies what triggered the LLM call.
// Use SourcePrompt for user-initiated prompts.
// Use tool/agent names for tool-triggered calls (e.g., "code-analyzer.analyzeFile").
type Source string

const SourcePrompt Source = "prompt"

// SourceCompression identifies tokens a checkpoint compression pass removed
// from the working context. Unlike SourcePrompt, this source never grows
// the running total — it tracks cost avoided on every subsequent turn that
// no longer resends the compressed messages to the Provider.
const SourceCompression Source = "compression"

// SourceUsage holds token counts and cost for one source within a model.
type SourceUsage struct {
	Source       Source
	InputTokens  int
	OutputTokens int
	Cost         float64
}

// ModelUsage holds cumulative token counts and cost for one model.
type ModelUsage struct {
	ModelID          string
	ModelName        string
	InputTokens      int
	OutputTokens     int
	Cost             float64
	InputCostPer1M   float64
	OutputCostPer1M  float64
	ContextWindow    int // Context window size, copied from ModelInfo
	Sources          []SourceUsage
	TokensSaved      int     // cumulative tokens removed by compression passes
	CostSavedPerTurn float64 // cost those tokens would add to every subsequent turn's input
}

// CostSnapshot is a point-in-time, deep-copied view of all accumulated usage.
type CostSnapshot struct {
	TotalInputTokens  int
	TotalOutputTokens int
	TotalCost         float64
	TotalTokensSaved  int
	Models            []ModelUsage
	formatter         *CurrencyFormatter // set by Tracker during snapshot
}

type sourceAccum struct {
	inputTokens  int
	outputTokens int
}

type modelAccum struct {
	info                   provider.ModelInfo
	sources                map[Source]*sourceAccum
	compressionTokensSaved int
}

// Tracker accumulates token usage and cost across LLM calls.
type Tracker struct {
	mu        sync.Mutex
	models    map[string]*modelAccum // keyed by ModelInfo.ID
	onUpdate  func(CostSnapshot)     // optional callback, nil-safe
	formatter *CurrencyFormatter     // nil-safe, defaults to USD
}

// NewTracker creates a new cost tracker. The onUpdate callback, if non-nil,
// is called synchronously after each Record with a fresh snapshot.
// The formatter, if non-nil, is used for cost display formatting; nil defaults to USD.
func NewTracker(onUpdate func(CostSnapshot), formatter *CurrencyFormatter) *Tracker {
	return &Tracker{
		models:    make(map[string]*modelAccum),
		onUpdate:  onUpdate,
		formatter: formatter,
	}
}

// Record accumulates token usage for the given model and source,
// then invokes the onUpdate callback (if set) with a fresh snapshot.
func (t *Tracker) Record(model provider.ModelInfo, usage provider.Usage, source Source) {
	t.mu.Lock()

	ma, ok := t.models[model.ID]
	if !ok {
		ma = &modelAccum{
			info:    model,
			sources: make(map[Source]*sourceAccum),
		}
		t.models[model.ID] = ma
	}

	sa, ok := ma.sources[source]
	if !ok {
		sa = &sourceAccum{}
		ma.sources[source] = sa
	}

	sa.inputTokens += usage.InputTokens
	sa.outputTokens += usage.OutputTokens

	var snap CostSnapshot
	if t.onUpdate != nil {
		snap = t.snapshotLocked()
	}
	t.mu.Unlock()

	if t.onUpdate != nil {
		t.onUpdate(snap)
	}
}

// Snapshot returns a deep-copied view of all accumulated usage.
func (t *Tracker) Snapshot() CostSnapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshotLocked()
}

// snapshotLocked builds a CostSnapshot from current state. Caller must hold t.mu.
func (t *Tracker) snapshotLocked() CostSnapshot {
	var snap CostSnapshot
	snap.formatter = t.formatter

	for _, ma := range t.models {
		var mu ModelUsage
		mu.ModelID = ma.info.ID
		mu.ModelName = ma.info.Name
		mu.InputCostPer1M = ma.info.InputCostPer1M
		mu.OutputCostPer1M = ma.info.OutputCostPer1M
		mu.ContextWindow = ma.info.ContextWindow

		for src, sa := range ma.sources {
			srcCost := float64(sa.inputTokens)*ma.info.InputCostPer1M/1_000_000 +
				float64(sa.outputTokens)*ma.info.OutputCostPer1M/1_000_000
			mu.Sources = append(mu.Sources, SourceUsage{
				Source:       src,
				InputTokens:  sa.inputTokens,
				OutputTokens: sa.outputTokens,
				Cost:         srcCost,
			})
			mu.InputTokens += sa.inputTokens
			mu.OutputTokens += sa.outputTokens
		}

		mu.Cost = float64(mu.InputTokens)*ma.info.InputCostPer1M/1_000_000 +
			float64(mu.OutputTokens)*ma.info.OutputCostPer1M/1_000_000

		mu.TokensSaved = ma.compressionTokensSaved
		mu.CostSavedPerTurn = float64(ma.compressionTokensSaved) * ma.info.InputCostPer1M / 1_000_000

		snap.TotalInputTokens += mu.InputTokens
		snap.TotalOutputTokens += mu.OutputTokens
		snap.TotalCost += mu.Cost
		snap.TotalTokensSaved += mu.TokensSaved
		snap.Models = append(snap.Models, mu)
	}

	return snap
}

// RecordCompressionSavings accumulates the tokens a checkpoint compression
// pass removed from model's working context, in a per-model counter kept
// apart from the per-Source entries (no SourceCompression entry is created). Unlike
// Record, this never touches InputTokens/OutputTokens — compression doesn't
// consume a Provider call, it shrinks the cost of every future one — so the
// saving is tracked separately and surfaced via ModelUsage.TokensSaved.
func (t *Tracker) RecordCompressionSavings(model provider.ModelInfo, tokensSaved int) {
	if tokensSaved <= 0 {
		return
	}
	t.mu.Lock()

	ma, ok := t.models[model.ID]
	if !ok {
		ma = &modelAccum{
			info:    model,
			sources: make(map[Source]*sourceAccum),
		}
		t.models[model.ID] = ma
	}
	ma.compressionTokensSaved += tokensSaved

	var snap CostSnapshot
	if t.onUpdate != nil {
		snap = t.snapshotLocked()
	}
	t.mu.Unlock()

	if t.onUpdate != nil {
		t.onUpdate(snap)
	}
}

// formatCount formats a token count with K/M abbreviations.
// Rules: 0–999 as-is, 1K–999K with one decimal (drop .0), 1M+ same pattern.
// Guard: if rounding would produce "1000.0K", display "1M" instead.
func formatCount(n int) string {
	if n < 1000 {
		return fmt.Sprintf("%d", n)
	}
	if n < 1_000_000 {
		k := float64(n) / 1000
		// Guard: %.1f of 999.95+ rounds to "1000.0"
		if k >= 999.95 {
			return "1M"
		}
		s := fmt.Sprintf("%.1fK", k)
		return strings.Replace(s, ".0K", "K", 1)
	}
	m := float64(n) / 1_000_000
	s := fmt.Sprintf("%.1fM", m)
	return strings.Replace(s, ".0M", "M", 1)
}

// FormatTokens formats the total token counts as "▲<input> ▼<output>".
func (s CostSnapshot) FormatTokens() string {
	return fmt.Sprintf("▲%s ▼%s", formatCount(s.TotalInputTokens), formatCount(s.TotalOutputTokens))
}

// FormatCost formats the total cost in the configured display currency.
// Uses 4 decimal places when cost is between 0 (exclusive) and 0.01 (exclusive),
// and 2 decimal places otherwise. Falls back to USD formatting if no formatter is set.
func (s CostSnapshot) FormatCost() string {
	f := s.formatter
	if f == nil {
		f = DefaultCurrencyFormatter()
	}
	return f.Format(s.TotalCost)
}

// FormatSavings formats the total tokens compression has removed from the
// working context and the per-turn cost that saves, in the configured
// display currency. Empty once no compression pass has run yet.
func (s CostSnapshot) FormatSavings() string {
	if s.TotalTokensSaved == 0 {
		return ""
	}
	f := s.formatter
	if f == nil {
		f = DefaultCurrencyFormatter()
	}
	var costSaved float64
	for _, m := range s.Models {
		costSaved += m.CostSavedPerTurn
	}
	return fmt.Sprintf("%s saved/turn (%s)", formatCount(s.TotalTokensSaved), f.Format(costSaved))
}
