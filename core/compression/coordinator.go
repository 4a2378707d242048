// Package compression orchestrates compression passes: acquiring the
// summarization lock, selecting a message range, asking the Provider to
// summarize it (or, for emergency passes, skipping the Provider entirely),
// producing a checkpoint, and invoking checkpoint aging. It knows nothing
// about ConversationContext's full state machine — ContextManager decides
// when to call in and splices the result back into its own state.
package compression

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"ollm/core/checkpoint"
	"ollm/core/events"
	"ollm/core/provider"
	"ollm/core/tokencount"
)

// defaultPreserveRecentMessages and defaultPreserveRecentTokens mirror the
// teacher's compactionPreserveRecent idiom, generalized to spec's
// "last N=10 or last 2048 tokens' worth, whichever is larger" rule.
const (
	defaultPreserveRecentMessages = 10
	defaultPreserveRecentTokens   = 2048
	minCompressibleMessages       = 2
)

// Input bundles everything one compression pass needs to decide what to
// compress, without the coordinator importing ConversationContext itself.
type Input struct {
	Model                  string
	Messages               []provider.Message    // in-memory window, oldest first; never includes the leading system prompt
	Checkpoints            []checkpoint.Checkpoint // existing, ordered oldest first
	CompressionHistorySize int                     // number of compression-history entries so far
	Tier                   int
	NumCtx                 int
}

// Result is the outcome of a pass: the caller replaces its Checkpoints and
// Messages with these and appends HistoryEntry to its compression history.
type Result struct {
	Checkpoints  []checkpoint.Checkpoint
	Messages     []provider.Message
	OldTokens    int
	NewTokens    int
	HistoryEntry HistoryEntry
}

// HistoryEntry is one record in ConversationContext's monotonic
// compression history.
type HistoryEntry struct {
	Timestamp time.Time
	Kind      string // "normal" | "emergency" | "rollover"
	Before    int
	After     int
}

// Coordinator owns the process-wide summarization lock. Exactly one
// compression may be in flight at a time across the whole engine.
type Coordinator struct {
	provider provider.Provider
	aging    *checkpoint.Manager
	counter  *tokencount.Counter
	notifier events.Notifier
	timeout  time.Duration

	mu       sync.Mutex
	inFlight bool
	done     chan struct{}
}

// New builds a Coordinator. timeout bounds how long the summarization lock
// may be held (spec default 30s); it is enforced against the Provider call,
// not against the deterministic aging/merge steps.
func New(prov provider.Provider, aging *checkpoint.Manager, counter *tokencount.Counter, notifier events.Notifier, timeout time.Duration) *Coordinator {
	if notifier == nil {
		notifier = events.NopNotifier{}
	}
	return &Coordinator{provider: prov, aging: aging, counter: counter, notifier: notifier, timeout: timeout}
}

// IsSummarizationInProgress reports whether a pass currently holds the
// lock.
func (c *Coordinator) IsSummarizationInProgress() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inFlight
}

// WaitForSummarization blocks until no pass is in flight or ctx is done,
// whichever comes first.
func (c *Coordinator) WaitForSummarization(ctx context.Context) error {
	c.mu.Lock()
	done := c.done
	inFlight := c.inFlight
	c.mu.Unlock()
	if !inFlight {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Coordinator) acquire() {
	c.mu.Lock()
	c.inFlight = true
	c.done = make(chan struct{})
	c.mu.Unlock()
}

func (c *Coordinator) release() {
	c.mu.Lock()
	c.inFlight = false
	close(c.done)
	c.mu.Unlock()
}

// RunNormalCompression drives one Provider-backed compression pass: select
// range, summarize, build a level-3 checkpoint, splice it in, age every
// existing checkpoint, enforce the tier cap.
func (c *Coordinator) RunNormalCompression(ctx context.Context, in Input, now time.Time) (Result, error) {
	c.acquire()
	c.notifier.Send(events.CheckpointStartedEvent{Kind: "normal"})
	defer c.release()

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	oldTokens := c.totalTokens(in)

	windowStart := selectCompressionRange(in.Messages, c.counter, defaultPreserveRecentMessages, defaultPreserveRecentTokens)
	toCompress, preserved := partitionCompressible(in.Messages, windowStart)
	if len(toCompress) < minCompressibleMessages {
		err := fmt.Errorf("compression: not enough compressible messages (have %d, need %d)", len(toCompress), minCompressibleMessages)
		c.notifier.Send(events.CheckpointFailedEvent{Kind: "normal", Error: err.Error()})
		return Result{}, err
	}

	summaryText, err := c.summarize(ctx, in.Model, toCompress)
	if err != nil {
		c.notifier.Send(events.CheckpointFailedEvent{Kind: "normal", Error: err.Error()})
		return Result{}, fmt.Errorf("compression: summarize: %w", err)
	}

	originalTokens := 0
	for _, m := range toCompress {
		originalTokens += c.counter.Count(m.Content)
	}
	summaryTokens := c.counter.Count(summaryText)

	rangeStart := 0
	if len(in.Checkpoints) > 0 {
		rangeStart = in.Checkpoints[len(in.Checkpoints)-1].Range.End
	}
	newCheckpoint := checkpoint.New(
		checkpoint.Range{Start: rangeStart, End: rangeStart + len(toCompress)},
		summaryText, toCompress, originalTokens, summaryTokens, in.CompressionHistorySize, now,
	)

	checkpoints := append(append([]checkpoint.Checkpoint{}, in.Checkpoints...), newCheckpoint)
	aged := c.aging.AgeAll(checkpoints, in.CompressionHistorySize+1, now)
	if n := countLevelChanges(checkpoints, aged); n > 0 {
		c.notifier.Send(events.CheckpointAgedEvent{Count: n})
	}
	checkpoints = checkpoint.EnforceTierCap(aged, in.Tier, in.CompressionHistorySize+1, now)

	newMessages := append([]provider.Message{}, preserved...)
	newTokens := c.totalTokensOf(checkpoints, newMessages)

	c.notifier.Send(events.CheckpointCompletedEvent{Kind: "normal", OldTokens: oldTokens, NewTokens: newTokens, Checkpoints: len(checkpoints)})

	return Result{
		Checkpoints: checkpoints,
		Messages:    newMessages,
		OldTokens:   oldTokens,
		NewTokens:   newTokens,
		HistoryEntry: HistoryEntry{
			Timestamp: now, Kind: "normal", Before: oldTokens, After: newTokens,
		},
	}, nil
}

// RunEmergencyCompression runs the deterministic, Provider-free pass: age
// every checkpoint down one level, merge resulting level-1 checkpoints,
// and report the reduction achieved. It never calls the Provider, so it
// cannot fail on a network error or a timeout the way a normal pass can.
func (c *Coordinator) RunEmergencyCompression(in Input, now time.Time) Result {
	c.acquire()
	oldUsage := c.totalTokens(in)
	usage := 1.0
	if in.NumCtx > 0 {
		usage = float64(oldUsage) / float64(in.NumCtx)
	}
	c.notifier.Send(events.EmergencyCompressionStartedEvent{Usage: usage})
	defer c.release()

	checkpoints := append([]checkpoint.Checkpoint{}, in.Checkpoints...)
	agedCount := 0
	for i := range checkpoints {
		if checkpoints[i].Level > checkpoint.Level1 {
			checkpoints[i].Level--
			checkpoints[i].Summary.Content = deterministicCompact(checkpoints[i])
			checkpoints[i].CurrentTokens = c.counter.Count(checkpoints[i].Summary.Content)
			checkpoints[i].CompressionCount++
			checkpoints[i].AgedAt = now
			agedCount++
		}
	}
	if agedCount > 0 {
		c.notifier.Send(events.CheckpointAgedEvent{Count: agedCount})
	}
	checkpoints = checkpoint.MergeAllLevel1Checkpoints(checkpoints, in.CompressionHistorySize+1, now)

	newTokens := c.totalTokensOf(checkpoints, in.Messages)
	oldTokens := c.totalTokens(in)

	c.notifier.Send(events.EmergencyCompressionCompletedEvent{OldTokens: oldTokens, NewTokens: newTokens})

	return Result{
		Checkpoints: checkpoints,
		Messages:    in.Messages,
		OldTokens:   oldTokens,
		NewTokens:   newTokens,
		HistoryEntry: HistoryEntry{
			Timestamp: now, Kind: "emergency", Before: oldTokens, After: newTokens,
		},
	}
}

// deterministicCompact drops one level of detail from a checkpoint's
// existing summary without consulting the Provider: it keeps the first half
// of the summary's lines (at least one). The checkpoint's decision and file
// lists are left unchanged, and the aging pass's level-specific reshaping
// is not applied.
func deterministicCompact(c checkpoint.Checkpoint) string {
	lines := strings.Split(strings.TrimSpace(c.Summary.Content), "\n")
	keep := len(lines) / 2
	if keep < 1 {
		keep = 1
	}
	if keep > len(lines) {
		keep = len(lines)
	}
	return strings.Join(lines[:keep], "\n")
}

func (c *Coordinator) summarize(ctx context.Context, model string, messages []provider.Message) (string, error) {
	req := provider.Request{
		Model:    model,
		System:   summarizerSystemPrompt,
		Messages: []provider.Message{{Role: provider.RoleUser, Content: buildSummaryPrompt(messages)}},
	}
	text, err := c.provider.Summarize(ctx, req)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(text) == "" {
		return "", fmt.Errorf("provider returned empty summary")
	}
	return text, nil
}

func (c *Coordinator) totalTokens(in Input) int {
	total := 0
	for _, cp := range in.Checkpoints {
		total += cp.CurrentTokens
	}
	for _, m := range in.Messages {
		total += c.counter.Count(m.Content)
	}
	return total
}

func (c *Coordinator) totalTokensOf(checkpoints []checkpoint.Checkpoint, messages []provider.Message) int {
	total := 0
	for _, cp := range checkpoints {
		total += cp.CurrentTokens
	}
	for _, m := range messages {
		total += c.counter.Count(m.Content)
	}
	return total
}

// selectCompressionRange returns the index (exclusive end) of the
// candidate zone eligible for compression: everything older than the
// preserved-recent window. The window is sized against non-user
// (assistant/tool/system) messages only — minRecentMessages of them or
// minRecentTokens worth of their content, whichever reaches further back
// — since user messages are always preserved regardless of recency (see
// partitionCompressible) and must not count toward either threshold.
func selectCompressionRange(messages []provider.Message, counter *tokencount.Counter, minRecentMessages, minRecentTokens int) int {
	n := len(messages)
	if n == 0 {
		return 0
	}

	nonUserSeen := 0
	nonUserTokens := 0
	countReached := false
	tokenReached := false
	countBoundary := 0
	tokenBoundary := 0

	for i := n - 1; i >= 0; i-- {
		if messages[i].Role == provider.RoleUser {
			continue
		}
		nonUserSeen++
		nonUserTokens += counter.Count(messages[i].Content)
		if !countReached {
			countBoundary = i
			if nonUserSeen >= minRecentMessages {
				countReached = true
			}
		}
		if !tokenReached {
			tokenBoundary = i
			if nonUserTokens >= minRecentTokens {
				tokenReached = true
			}
		}
	}
	if !countReached {
		countBoundary = 0
	}
	if !tokenReached {
		tokenBoundary = 0
	}

	windowStart := countBoundary
	if tokenBoundary < windowStart {
		windowStart = tokenBoundary
	}
	return windowStart
}

// countLevelChanges reports how many checkpoints present in both before and
// after (matched by ID) changed Level — used to decide whether a normal
// compression pass's aging step is worth announcing to observers.
func countLevelChanges(before, after []checkpoint.Checkpoint) int {
	byID := make(map[string]checkpoint.Level, len(before))
	for _, c := range before {
		byID[c.ID] = c.Level
	}
	n := 0
	for _, c := range after {
		if prev, ok := byID[c.ID]; ok && prev != c.Level {
			n++
		}
	}
	return n
}

// partitionCompressible splits messages at windowStart into the set a
// normal compression pass may fold into a checkpoint and the set that
// must survive verbatim. User messages are never compressible: every one
// before windowStart stays in preserved, in its original position,
// alongside the untouched preserved-recent window from windowStart on.
// Only the non-user (assistant/tool/system) messages before windowStart
// become toCompress — spec's progressive summarization must still fire
// on a session whose working set starts with a user message.
func partitionCompressible(messages []provider.Message, windowStart int) (toCompress, preserved []provider.Message) {
	for i, m := range messages {
		if i < windowStart && m.Role != provider.RoleUser {
			toCompress = append(toCompress, m)
		} else {
			preserved = append(preserved, m)
		}
	}
	return toCompress, preserved
}
