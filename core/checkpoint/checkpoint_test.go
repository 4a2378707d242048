package checkpoint

import (
	"strings"
	"testing"
	"time"

	"ollm/core/provider"
)

var fixedNow = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func sampleMessages() []provider.Message {
	return []provider.Message{
		{Role: provider.RoleAssistant, Content: "I created main.go and modified config.yaml to add the new flag."},
		{Role: provider.RoleTool, Content: "wrote output to handler.go"},
		{Role: provider.RoleAssistant, Content: "decided to use a worker pool for this."},
	}
}

func TestNewCheckpointIsLevel3AndExtractsMetadata(t *testing.T) {
	c := New(Range{Start: 0, End: 3}, "summary text", sampleMessages(), 500, 100, 0, fixedNow)

	if c.Level != Level3 {
		t.Errorf("new checkpoint level = %v, want Level3", c.Level)
	}
	if c.CompressionCount != 1 {
		t.Errorf("CompressionCount = %d, want 1", c.CompressionCount)
	}
	if len(c.KeyDecisions) == 0 {
		t.Error("expected at least one extracted key decision")
	}
	if len(c.FilesModified) == 0 {
		t.Error("expected at least one extracted file path")
	}
	for _, d := range c.KeyDecisions {
		if len(d) > 130 {
			t.Errorf("key decision phrase too long: %q", d)
		}
	}
}

func TestExtractionCapsAreRespected(t *testing.T) {
	var msgs []provider.Message
	for i := 0; i < 50; i++ {
		msgs = append(msgs, provider.Message{
			Role:    provider.RoleAssistant,
			Content: "created file" + string(rune('a'+i%26)) + ".go and decided to keep it",
		})
	}
	c := New(Range{Start: 0, End: 50}, "s", msgs, 1000, 100, 0, fixedNow)
	if len(c.KeyDecisions) > maxKeyDecisions {
		t.Errorf("KeyDecisions exceeds cap: %d", len(c.KeyDecisions))
	}
	if len(c.FilesModified) > maxFilesModified {
		t.Errorf("FilesModified exceeds cap: %d", len(c.FilesModified))
	}
}

func TestAgeAllNoTransitionBelowThreshold(t *testing.T) {
	m := NewManager(3, 6)
	c := New(Range{0, 3}, "detailed summary", sampleMessages(), 500, 100, 0, fixedNow)
	aged := m.AgeAll([]Checkpoint{c}, 2, fixedNow) // age = 2 - 0 = 2, below moderateAge=3
	if aged[0].Level != Level3 {
		t.Errorf("expected no aging below threshold, got level %v", aged[0].Level)
	}
	if aged[0].CompressionCount != 1 {
		t.Errorf("CompressionCount changed without aging: %d", aged[0].CompressionCount)
	}
}

func TestAgeAllModerateTransition(t *testing.T) {
	m := NewManager(3, 6)
	c := New(Range{0, 3}, "line one\nline two\nline three\nline four", sampleMessages(), 500, 100, 0, fixedNow)
	aged := m.AgeAll([]Checkpoint{c}, 3, fixedNow) // age = 3
	if aged[0].Level != Level2 {
		t.Fatalf("expected Level2 after moderate aging, got %v", aged[0].Level)
	}
	if aged[0].CompressionCount != 2 {
		t.Errorf("CompressionCount = %d, want 2", aged[0].CompressionCount)
	}
}

func TestAgeAllCompactTransition(t *testing.T) {
	m := NewManager(3, 6)
	c := New(Range{0, 3}, "line one\nline two\nline three\nline four", sampleMessages(), 500, 100, 0, fixedNow)
	aged := m.AgeAll([]Checkpoint{c}, 6, fixedNow) // age = 6, compactAge hits directly from level3
	if aged[0].Level != Level1 {
		t.Fatalf("expected Level1 after compact aging, got %v", aged[0].Level)
	}
}

func TestAgeAllMonotoneAcrossRepeatedCalls(t *testing.T) {
	m := NewManager(3, 6)
	c := New(Range{0, 3}, "line one\nline two\nline three\nline four\nline five\nline six", sampleMessages(), 500, 100, 0, fixedNow)

	levels := []Level{c.Level}
	counts := []int{c.CompressionCount}

	checkpoints := []Checkpoint{c}
	for _, total := range []int{3, 5, 6, 9} {
		checkpoints = m.AgeAll(checkpoints, total, fixedNow)
		levels = append(levels, checkpoints[0].Level)
		counts = append(counts, checkpoints[0].CompressionCount)
	}

	for i := 1; i < len(levels); i++ {
		if levels[i] > levels[i-1] {
			t.Fatalf("level increased: %v -> %v", levels[i-1], levels[i])
		}
		if counts[i] < counts[i-1] {
			t.Fatalf("compressionCount decreased: %d -> %d", counts[i-1], counts[i])
		}
	}
}

func TestMergeAllLevel1RequiresAtLeastTwo(t *testing.T) {
	c := New(Range{0, 3}, "s", sampleMessages(), 500, 100, 0, fixedNow)
	c.Level = Level1
	out := MergeAllLevel1Checkpoints([]Checkpoint{c}, 1, fixedNow)
	if len(out) != 1 {
		t.Fatalf("expected single checkpoint unchanged, got %d", len(out))
	}
}

func TestMergeAllLevel1CombinesAndLeavesOthers(t *testing.T) {
	a := New(Range{0, 3}, "alpha summary", sampleMessages(), 500, 100, 0, fixedNow)
	a.Level = Level1
	b := New(Range{3, 6}, "beta summary", sampleMessages(), 500, 100, 1, fixedNow)
	b.Level = Level1
	other := New(Range{6, 9}, "gamma summary", sampleMessages(), 500, 100, 2, fixedNow)
	// other stays level 3, must not be merged

	merged := MergeAllLevel1Checkpoints([]Checkpoint{a, b, other}, 3, fixedNow)
	if len(merged) != 2 {
		t.Fatalf("expected 2 checkpoints after merge (1 merged + 1 untouched), got %d", len(merged))
	}
	if merged[0].Level != Merged {
		t.Errorf("expected first checkpoint to be Merged, got %v", merged[0].Level)
	}
	if merged[0].Range.Start != 0 || merged[0].Range.End != 6 {
		t.Errorf("merged range = %+v, want {0 6}", merged[0].Range)
	}
	if !strings.Contains(merged[0].Summary.Content, "alpha summary") || !strings.Contains(merged[0].Summary.Content, "beta summary") {
		t.Errorf("merged summary missing contributor content: %q", merged[0].Summary.Content)
	}
	if merged[1].Level != Level3 {
		t.Errorf("untouched checkpoint level changed: %v", merged[1].Level)
	}
}

func TestTierCapValues(t *testing.T) {
	cases := map[int]int{1: 4, 2: 4, 3: 10, 4: 6, 5: 4}
	for tier, want := range cases {
		if got := TierCap(tier); got != want {
			t.Errorf("TierCap(%d) = %d, want %d", tier, got, want)
		}
	}
}

func TestEnforceTierCapMergesDownToLimit(t *testing.T) {
	var checkpoints []Checkpoint
	for i := 0; i < 6; i++ {
		checkpoints = append(checkpoints, New(Range{i * 3, i*3 + 3}, "s", sampleMessages(), 100, 50, i, fixedNow))
	}
	out := EnforceTierCap(checkpoints, 1, 6, fixedNow) // tier 1 cap = 4
	if len(out) > TierCap(1) {
		t.Fatalf("EnforceTierCap left %d checkpoints, want <= %d", len(out), TierCap(1))
	}
	// ordering preserved: range starts must be ascending
	for i := 1; i < len(out); i++ {
		if out[i].Range.Start < out[i-1].Range.Start {
			t.Errorf("checkpoint order not preserved: %+v before %+v", out[i-1].Range, out[i].Range)
		}
	}
}

func TestEnforceTierCapNoopWhenUnderCap(t *testing.T) {
	checkpoints := []Checkpoint{
		New(Range{0, 3}, "s", sampleMessages(), 100, 50, 0, fixedNow),
	}
	out := EnforceTierCap(checkpoints, 3, 1, fixedNow)
	if len(out) != 1 {
		t.Fatalf("expected no merge under cap, got %d checkpoints", len(out))
	}
}
