package vram

import (
	"context"
	"testing"

	"ollm/core/profile"
)

func sampleModel() profile.ModelProfile {
	return profile.ModelProfile{
		ID:               "llama3:8b",
		DefaultContext:   "medium",
		MaxContextWindow: 32768,
		ContextProfiles: []profile.ContextProfile{
			{Size: "small", SizeLabel: "4K", OllamaContextSize: 4096, VramEstimateGB: 5.0},
			{Size: "medium", SizeLabel: "8K", OllamaContextSize: 8192, VramEstimateGB: 6.5},
			{Size: "large", SizeLabel: "32K", OllamaContextSize: 32768, VramEstimateGB: 12.0},
		},
	}
}

func TestMonitorQueryCachesOnce(t *testing.T) {
	calls := 0
	m := NewWithQuerier(countingQuerier{&calls, Reading{FreeMB: 8000, Known: true}})

	r1 := m.Query(context.Background())
	r2 := m.Query(context.Background())

	if calls != 1 {
		t.Errorf("underlying querier called %d times, want 1", calls)
	}
	if r1 != r2 {
		t.Errorf("cached readings differ: %v != %v", r1, r2)
	}
}

type countingQuerier struct {
	calls   *int
	reading Reading
}

func (c countingQuerier) Query(context.Context) Reading {
	*c.calls++
	return c.reading
}

func TestAutoSelectPinnedSizeWins(t *testing.T) {
	m := sampleModel()
	p := AutoSelect(m, Reading{FreeMB: 100, Known: true}, 500, "large")
	if p.Size != "large" {
		t.Errorf("pinned size override ignored: got %q", p.Size)
	}
}

func TestAutoSelectUnknownVramFallsBackToDefault(t *testing.T) {
	m := sampleModel()
	p := AutoSelect(m, Reading{Known: false}, 1024, "")
	if p.Size != "medium" {
		t.Errorf("expected fallback to default_context 'medium', got %q", p.Size)
	}
}

func TestAutoSelectStepsBackFromLargestFit(t *testing.T) {
	m := sampleModel()
	// 10GB free, 1GB buffer: small(5GB) and medium(6.5GB) fit with the
	// buffer, large(12GB) does not. The algorithm backs off one step from
	// the largest fit (medium) for its safety margin, landing on small.
	p := AutoSelect(m, Reading{FreeMB: 10 * 1024, Known: true}, 1024, "")
	if p.Size != "small" {
		t.Errorf("expected one-step-back from 'medium' to be 'small', got %q", p.Size)
	}
}

func TestAutoSelectNothingFitsUsesSmallest(t *testing.T) {
	m := sampleModel()
	p := AutoSelect(m, Reading{FreeMB: 100, Known: true}, 0, "")
	if p.Size != "small" {
		t.Errorf("expected smallest fallback 'small', got %q", p.Size)
	}
}

func TestAutoSelectLargeBudgetStepsBackFromLargest(t *testing.T) {
	m := sampleModel()
	// Everything fits comfortably; the largest fit is 'large', so the
	// one-step-back safety margin lands on 'medium'.
	p := AutoSelect(m, Reading{FreeMB: 64 * 1024, Known: true}, 1024, "")
	if p.Size != "medium" {
		t.Errorf("expected one-step-back from 'large' to be 'medium', got %q", p.Size)
	}
}

func TestAutoSelectSmallestFitHasNoStepBack(t *testing.T) {
	m := sampleModel()
	// Only 'small' fits; there is no smaller step to back off to, so
	// 'small' itself is returned.
	p := AutoSelect(m, Reading{FreeMB: 5*1024 + 100, Known: true}, 100, "")
	if p.Size != "small" {
		t.Errorf("expected 'small' when it is the only fit, got %q", p.Size)
	}
}

func TestExecQuerierUnsupportedToolYieldsUnknown(t *testing.T) {
	// On a machine without nvidia-smi/rocm-smi installed, execQuerier must
	// degrade to unknown rather than erroring.
	q := execQuerier{}
	r := q.Query(context.Background())
	_ = r // Known may be true or false depending on the host; must not panic.
}
