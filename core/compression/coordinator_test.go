package compression

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"ollm/core/checkpoint"
	"ollm/core/provider"
	"ollm/core/tokencount"
)

type fakeProvider struct {
	summary    string
	summaryErr error
}

func (f *fakeProvider) Send(context.Context, provider.Request) (provider.StreamIterator, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeProvider) Summarize(context.Context, provider.Request) (string, error) {
	if f.summaryErr != nil {
		return "", f.summaryErr
	}
	return f.summary, nil
}

func (f *fakeProvider) ListModels(context.Context) ([]provider.ModelInfo, error) {
	return nil, nil
}

var fixedNow = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func longMessages(n int, content string) []provider.Message {
	var out []provider.Message
	for i := 0; i < n; i++ {
		out = append(out, provider.Message{Role: provider.RoleAssistant, Content: content})
	}
	return out
}

// growToTokens appends filler words until counter reports at least target
// tokens, so test content is sized consistently regardless of which
// backend (subword codec or character estimator) the Counter uses.
func growToTokens(counter *tokencount.Counter, target int) string {
	if target <= 0 {
		return "hi"
	}
	var b strings.Builder
	for counter.Count(b.String()) < target {
		b.WriteString("lorem ipsum dolor sit amet consectetur adipiscing elit ")
	}
	return b.String()
}

// tokenSizedMessages builds n assistant messages each sized to roughly
// tokensEach tokens, via the same Counter the Coordinator under test uses
// — large enough in aggregate to clear defaultPreserveRecentTokens (2048)
// well before exhausting the list, the way a real long-running session
// would.
func tokenSizedMessages(counter *tokencount.Counter, n, tokensEach int) []provider.Message {
	var out []provider.Message
	for i := 0; i < n; i++ {
		out = append(out, provider.Message{Role: provider.RoleAssistant, Content: growToTokens(counter, tokensEach)})
	}
	return out
}

func TestRunNormalCompressionProducesLevel3Checkpoint(t *testing.T) {
	prov := &fakeProvider{summary: "concise summary of the prior work"}
	mgr := checkpoint.NewManager(3, 6)
	counter := tokencount.New()
	coord := New(prov, mgr, counter, nil, time.Second)

	msgs := tokenSizedMessages(counter, 40, 100)
	in := Input{Model: "m", Messages: msgs, Tier: 3, CompressionHistorySize: 0}

	result, err := coord.RunNormalCompression(context.Background(), in, fixedNow)
	if err != nil {
		t.Fatalf("RunNormalCompression: %v", err)
	}
	if len(result.Checkpoints) != 1 {
		t.Fatalf("expected 1 checkpoint, got %d", len(result.Checkpoints))
	}
	if result.Checkpoints[0].Level != checkpoint.Level3 {
		t.Errorf("expected Level3 checkpoint, got %v", result.Checkpoints[0].Level)
	}
	if result.NewTokens >= result.OldTokens {
		t.Errorf("expected reduction: old=%d new=%d", result.OldTokens, result.NewTokens)
	}
	if coord.IsSummarizationInProgress() {
		t.Error("lock should be released after RunNormalCompression returns")
	}
}

func TestRunNormalCompressionNeverCoversUserMessages(t *testing.T) {
	prov := &fakeProvider{summary: "summary"}
	mgr := checkpoint.NewManager(3, 6)
	counter := tokencount.New()
	coord := New(prov, mgr, counter, nil, time.Second)

	// 20 substantial assistant messages with one user message partway
	// through — enough non-user token volume to clear the preserved-recent
	// window (2048 tokens or 10 messages) with a compressible zone left over.
	msgs := append(tokenSizedMessages(counter, 5, 150),
		provider.Message{Role: provider.RoleUser, Content: "please continue"})
	msgs = append(msgs, tokenSizedMessages(counter, 15, 150)...)

	in := Input{Model: "m", Messages: msgs, Tier: 3}
	result, err := coord.RunNormalCompression(context.Background(), in, fixedNow)
	if err != nil {
		t.Fatalf("RunNormalCompression: %v", err)
	}
	// The user message must survive untouched in Messages, in its original
	// position, even though it sits before the preserved-recent window —
	// it must never be folded into the checkpoint's covered range.
	foundUser := false
	for _, m := range result.Messages {
		if m.Role == provider.RoleUser {
			foundUser = true
		}
	}
	if !foundUser {
		t.Error("user message was not preserved")
	}
	if len(result.Checkpoints) != 1 {
		t.Fatalf("expected the surrounding assistant messages to still compress into 1 checkpoint, got %d", len(result.Checkpoints))
	}
}

func TestRunNormalCompressionCompressesAroundInterleavedUserMessages(t *testing.T) {
	prov := &fakeProvider{summary: "summary of early assistant turns"}
	mgr := checkpoint.NewManager(3, 6)
	counter := tokencount.New()
	coord := New(prov, mgr, counter, nil, time.Second)

	// A realistic transcript: every assistant turn is preceded by a user
	// turn, so earliestUser would be 0 under the old clamp-at-first-user
	// rule. Normal compression must still find compressible (non-user)
	// messages ahead of the preserved-recent window.
	var msgs []provider.Message
	for i := 0; i < 20; i++ {
		msgs = append(msgs,
			provider.Message{Role: provider.RoleUser, Content: "user turn asking a question"},
			provider.Message{Role: provider.RoleAssistant, Content: growToTokens(counter, 150)},
		)
	}

	in := Input{Model: "m", Messages: msgs, Tier: 3}
	result, err := coord.RunNormalCompression(context.Background(), in, fixedNow)
	if err != nil {
		t.Fatalf("RunNormalCompression with an all-interleaved transcript: %v", err)
	}
	if len(result.Checkpoints) != 1 {
		t.Fatalf("expected 1 checkpoint, got %d", len(result.Checkpoints))
	}
	userCount := 0
	for _, m := range result.Messages {
		if m.Role == provider.RoleUser {
			userCount++
		}
	}
	if userCount != 20 {
		t.Errorf("expected all 20 user messages preserved in place, got %d", userCount)
	}
}

func TestRunNormalCompressionFailsWithTooFewMessages(t *testing.T) {
	prov := &fakeProvider{summary: "summary"}
	mgr := checkpoint.NewManager(3, 6)
	counter := tokencount.New()
	coord := New(prov, mgr, counter, nil, time.Second)

	in := Input{Model: "m", Messages: longMessages(1, "short"), Tier: 3}
	_, err := coord.RunNormalCompression(context.Background(), in, fixedNow)
	if err == nil {
		t.Fatal("expected error for too-few-messages input")
	}
	if coord.IsSummarizationInProgress() {
		t.Error("lock should be released even on early-exit error")
	}
}

func TestRunNormalCompressionSummarizeErrorReleasesLock(t *testing.T) {
	prov := &fakeProvider{summaryErr: errors.New("boom")}
	mgr := checkpoint.NewManager(3, 6)
	counter := tokencount.New()
	coord := New(prov, mgr, counter, nil, time.Second)

	in := Input{Model: "m", Messages: tokenSizedMessages(counter, 20, 150), Tier: 3}
	_, err := coord.RunNormalCompression(context.Background(), in, fixedNow)
	if err == nil {
		t.Fatal("expected error from provider failure")
	}
	if coord.IsSummarizationInProgress() {
		t.Error("lock must be released on provider failure")
	}
}

func TestRunEmergencyCompressionNeverCallsProvider(t *testing.T) {
	prov := &fakeProvider{summaryErr: errors.New("must not be called")}
	mgr := checkpoint.NewManager(3, 6)
	counter := tokencount.New()
	coord := New(prov, mgr, counter, nil, time.Second)

	c3 := checkpoint.New(checkpoint.Range{0, 5}, "line one\nline two\nline three\nline four", longMessages(5, "x"), 500, 100, 0, fixedNow)
	in := Input{Messages: nil, Checkpoints: []checkpoint.Checkpoint{c3}, CompressionHistorySize: 1, Tier: 3}

	result := coord.RunEmergencyCompression(in, fixedNow)
	if len(result.Checkpoints) != 1 {
		t.Fatalf("expected 1 checkpoint after emergency pass, got %d", len(result.Checkpoints))
	}
	if result.Checkpoints[0].Level != checkpoint.Level2 {
		t.Errorf("expected level dropped to Level2, got %v", result.Checkpoints[0].Level)
	}
}

func TestRunEmergencyCompressionMergesLevel1s(t *testing.T) {
	mgr := checkpoint.NewManager(3, 6)
	counter := tokencount.New()
	coord := New(&fakeProvider{}, mgr, counter, nil, time.Second)

	a := checkpoint.New(checkpoint.Range{0, 3}, "s", longMessages(3, "x"), 100, 50, 0, fixedNow)
	a.Level = checkpoint.Level1
	b := checkpoint.New(checkpoint.Range{3, 6}, "s", longMessages(3, "x"), 100, 50, 1, fixedNow)
	b.Level = checkpoint.Level1

	in := Input{Checkpoints: []checkpoint.Checkpoint{a, b}, CompressionHistorySize: 2}
	result := coord.RunEmergencyCompression(in, fixedNow)
	if len(result.Checkpoints) != 1 {
		t.Fatalf("expected level-1 checkpoints merged into 1, got %d", len(result.Checkpoints))
	}
	if result.Checkpoints[0].Level != checkpoint.Merged {
		t.Errorf("expected Merged level, got %v", result.Checkpoints[0].Level)
	}
}

func TestSelectCompressionRangeSkipsUserMessagesWhenSizingWindow(t *testing.T) {
	counter := tokencount.New()
	msgs := []provider.Message{
		{Role: provider.RoleAssistant, Content: "a"},
		{Role: provider.RoleAssistant, Content: "b"},
		{Role: provider.RoleUser, Content: "c"},
		{Role: provider.RoleAssistant, Content: "d"},
	}
	// minRecentMessages=1/minRecentTokens=1 are both satisfied by the single
	// trailing assistant message "d" alone; the interleaved user message at
	// index 2 must not count toward either threshold or toward the window,
	// so the boundary lands at 3 (everything from "d" on is preserved) and
	// both leading assistant messages stay compressible.
	got := selectCompressionRange(msgs, counter, 1, 1)
	if got != 3 {
		t.Errorf("selectCompressionRange = %d, want 3 (user message must not extend the preserved window)", got)
	}
}

func TestWaitForSummarizationReturnsImmediatelyWhenIdle(t *testing.T) {
	coord := New(&fakeProvider{}, checkpoint.NewManager(3, 6), tokencount.New(), nil, time.Second)
	if err := coord.WaitForSummarization(context.Background()); err != nil {
		t.Errorf("expected no error when idle, got %v", err)
	}
}
