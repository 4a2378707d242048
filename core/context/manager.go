package context

import (
	gocontext "context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"ollm/core/checkpoint"
	"ollm/core/compression"
	"ollm/core/events"
	"ollm/core/profile"
	"ollm/core/provider"
	"ollm/core/recorder"
	"ollm/core/snapshot"
	"ollm/core/tokencount"
	"ollm/core/vram"
)

// preserveRecentUserMessages is the number of most recent user messages a
// rollover keeps verbatim.
const preserveRecentUserMessages = 10

// maxRolloverSummaryTokens bounds the synthetic checkpoint a rollover
// fabricates to stand in for everything it just archived.
const maxRolloverSummaryTokens = 400

// Manager is ContextManager: the sole owner and mutator of
// ConversationContext for one session. Every other component (checkpoint
// aging, compression, recording, snapshotting) is a borrowed collaborator
// invoked under Manager's lock, never a second writer.
type Manager struct {
	mu sync.Mutex

	profiles     *profile.Store
	vramMon      *vram.Monitor
	provider     provider.Provider
	providerName string
	counter      *tokencount.Counter
	aging        *checkpoint.Manager
	coordinator  *compression.Coordinator
	snapshots    *snapshot.Store
	notifier     events.Notifier

	sessionsDir  string
	maxSessions  int
	vramBufferMB int

	th                    thresholds
	snapshotAutoThreshold float64

	preprocessCfg PreprocessConfig

	rec               *recorder.Recorder
	ctx               ConversationContext
	snapshotAutoFired bool
}

// NewManager builds a Manager from its collaborators and the config-surface
// values spec §6 reads at session start. notifier may be nil, in which case
// events are discarded.
func NewManager(
	profiles *profile.Store,
	vramMon *vram.Monitor,
	prov provider.Provider,
	providerName string,
	counter *tokencount.Counter,
	aging *checkpoint.Manager,
	coordinator *compression.Coordinator,
	snapshots *snapshot.Store,
	notifier events.Notifier,
	sessionsDir string,
	maxSessions int,
	vramBufferMB int,
	warningThreshold, checkpointThreshold, emergencyThreshold, rolloverThreshold float64,
	snapshotAutoThreshold float64,
) *Manager {
	if notifier == nil {
		notifier = events.NopNotifier{}
	}
	return &Manager{
		profiles:     profiles,
		vramMon:      vramMon,
		provider:     prov,
		providerName: providerName,
		counter:      counter,
		aging:        aging,
		coordinator:  coordinator,
		snapshots:    snapshots,
		notifier:     notifier,
		sessionsDir:  sessionsDir,
		maxSessions:  maxSessions,
		vramBufferMB: vramBufferMB,
		th: thresholds{
			warning:    warningThreshold,
			checkpoint: checkpointThreshold,
			emergency:  emergencyThreshold,
			rollover:   rolloverThreshold,
		},
		snapshotAutoThreshold: snapshotAutoThreshold,
		preprocessCfg:         DefaultPreprocessConfig(),
	}
}

// SetPreprocessConfig overrides the default input-preprocessing behavior
// (spec §4.8's config-surface knobs: preprocessEnabled and friends).
func (m *Manager) SetPreprocessConfig(cfg PreprocessConfig) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.preprocessCfg = cfg
}

// Start loads modelID's profile, resolves the effective context size
// (pinned targetSize, or VRAM auto-sizing), opens the session recorder, and
// initializes an empty ConversationContext with the (mode, tier) system
// prompt, where tier is derived from the selected profile. An unknown model never refuses to start: it degrades to the
// smallest-profile template with tools disabled and the user visibly
// informed via a stderr warning, per spec §4.1.
func (m *Manager) Start(ctx gocontext.Context, sessionID, modelID string, mode Mode, targetSize string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	mp, err := m.profiles.Lookup(modelID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ollm: warning: model %q not in profile database, using fallback profile\n", modelID)
	}

	reading := m.vramMon.Query(ctx)
	chosen := vram.AutoSelect(mp, reading, m.vramBufferMB, targetSize)
	tier := tierForProfile(mp, chosen)

	if err := recorder.EnforceRetention(m.sessionsDir, m.maxSessions); err != nil {
		fmt.Fprintf(os.Stderr, "ollm: warning: session retention sweep failed: %v\n", err)
	}

	rec, err := recorder.Start(m.sessionsDir, sessionID, modelID, m.providerName, now)
	if err != nil {
		return fmt.Errorf("context: starting session recorder: %w", err)
	}

	m.rec = rec
	m.snapshotAutoFired = false
	m.ctx = ConversationContext{
		SessionID:    sessionID,
		Model:        modelID,
		SystemPrompt: systemPromptFor(mode, tier),
		Mode:         mode,
		Tier:         tier,
		NumCtx:       chosen.OllamaContextSize,
	}
	return nil
}

// tierForProfile maps the chosen context profile to a 1-5 tier: its
// position (smallest first) among the model's selectable sizes, capped at
// 5 so a profile database with more than five entries never overflows the
// tier-cap table in core/checkpoint.
func tierForProfile(mp profile.ModelProfile, chosen profile.ContextProfile) int {
	sorted := mp.SortedBySize()
	for i, p := range sorted {
		if p.SizeLabel == chosen.SizeLabel && p.OllamaContextSize == chosen.OllamaContextSize {
			tier := i + 1
			if tier > 5 {
				tier = 5
			}
			return tier
		}
	}
	return 1
}

// AppendUserMessage preprocesses raw_text (§4.8), records the original to
// the SessionRecorder, inserts the cleaned text into the context, and runs
// the threshold state machine. The returned MessageId identifies the
// cleaned message now in ConversationContext.
func (m *Manager) AppendUserMessage(ctx gocontext.Context, rawText string, now time.Time) (string, ValidationResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cleaned := m.preprocess(ctx, rawText, now)

	original := provider.Message{ID: uuid.NewString(), Role: provider.RoleUser, Content: rawText, CreatedAt: now}
	if m.rec != nil {
		if err := m.rec.RecordMessage(original, now); err != nil {
			fmt.Fprintf(os.Stderr, "ollm: warning: session write failed: %v\n", err)
		} else {
			m.afterSaveLocked(now)
		}
	}

	msg := provider.Message{ID: uuid.NewString(), Role: provider.RoleUser, Content: cleaned, CreatedAt: now}
	m.ctx.Messages = append(m.ctx.Messages, msg)

	result, err := m.validateLocked(ctx, nil, now)
	return msg.ID, result, err
}

// ValidateAndBuildPrompt runs the four-threshold state machine against the
// current context, optionally including a prospective message not yet
// appended, and returns the prompt ready to send.
func (m *Manager) ValidateAndBuildPrompt(ctx gocontext.Context, newMessage *provider.Message, now time.Time) (ValidationResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.validateLocked(ctx, newMessage, now)
}

func (m *Manager) validateLocked(ctx gocontext.Context, newMessage *provider.Message, now time.Time) (ValidationResult, error) {
	total := m.totalTokensLocked(newMessage)
	limit := m.ctx.NumCtx
	usage := usageOf(total, limit)
	band := bandFor(usage, m.th)

	result := ValidationResult{Valid: true, Band: band, TotalTokens: total, Limit: limit}

	switch band {
	case BandSafe:
		// No action.
	case BandWarn:
		m.notifier.Send(events.ContextWarningEvent{Usage: usage})
		result.Warnings = append(result.Warnings, "context usage above warning threshold")
	case BandCompress:
		m.notifier.Send(events.ContextCompressionWarningEvent{Usage: usage})
		result.Warnings = append(result.Warnings, "context usage triggered normal compression")
		if err := m.runNormalCompressionLocked(ctx, now); err != nil {
			result.Warnings = append(result.Warnings, fmt.Sprintf("compression attempt failed: %v", err))
		}
		total = m.totalTokensLocked(newMessage)
		result.TotalTokens = total
		usage = usageOf(total, limit)
		if usage >= m.th.emergency {
			return m.emergencyLocked(ctx, newMessage, now, result)
		}
	case BandEmergency:
		return m.emergencyLocked(ctx, newMessage, now, result)
	case BandRollover:
		return m.rolloverLocked(newMessage, now, result)
	}

	m.maybeAutoSnapshotLocked(usage, now)

	result.Request = m.buildRequestLocked(newMessage)
	return result, nil
}

func (m *Manager) emergencyLocked(ctx gocontext.Context, newMessage *provider.Message, now time.Time, result ValidationResult) (ValidationResult, error) {
	in := m.compressionInputLocked()
	res := m.coordinator.RunEmergencyCompression(in, now)
	m.ctx.Checkpoints = res.Checkpoints
	m.ctx.CompressionHistory = append(m.ctx.CompressionHistory, res.HistoryEntry)
	result.Emergency = "compression"
	result.Warnings = append(result.Warnings, "emergency compression applied")

	total := m.totalTokensLocked(newMessage)
	result.TotalTokens = total
	usage := usageOf(total, result.Limit)
	if usage >= m.th.rollover {
		return m.rolloverLocked(newMessage, now, result)
	}

	m.maybeAutoSnapshotLocked(usage, now)
	result.Request = m.buildRequestLocked(newMessage)
	return result, nil
}

func (m *Manager) rolloverLocked(newMessage *provider.Message, now time.Time, result ValidationResult) (ValidationResult, error) {
	usage := usageOf(result.TotalTokens, result.Limit)
	m.notifier.Send(events.EmergencyRolloverStartedEvent{Usage: usage})

	snap := snapshot.Snapshot{
		SessionID:       m.ctx.SessionID,
		TokenCount:      result.TotalTokens,
		UserMessages:    userMessagesOf(m.ctx.Messages),
		NonUserMessages: nonUserMessagesOf(m.ctx.Messages),
		Checkpoints:     append([]checkpoint.Checkpoint{}, m.ctx.Checkpoints...),
		Mode:            string(m.ctx.Mode),
		Tier:            m.ctx.Tier,
	}
	created, err := m.snapshots.Create(snap, now)
	if err != nil {
		result.Valid = false
		m.notifier.Send(events.PromptValidationFailedEvent{Reason: "rollover snapshot write failed"})
		return result, fmt.Errorf("%w: snapshot write failed: %v", ErrBudgetUnrecoverable, err)
	}
	m.notifier.Send(events.SnapshotCreatedEvent{SnapshotID: created.ID})

	preserved := lastNUserMessages(m.ctx.Messages, preserveRecentUserMessages)
	rolloverCheckpoint := buildRolloverCheckpoint(created.ID, len(m.ctx.Checkpoints), len(m.ctx.Messages), len(m.ctx.CompressionHistory), m.counter, now)

	oldTokens := result.TotalTokens
	m.ctx.Checkpoints = []checkpoint.Checkpoint{rolloverCheckpoint}
	m.ctx.Messages = preserved

	newTotal := m.totalTokensLocked(newMessage)
	m.ctx.CompressionHistory = append(m.ctx.CompressionHistory, compression.HistoryEntry{
		Timestamp: now, Kind: "rollover", Before: oldTokens, After: newTotal,
	})

	result.TotalTokens = newTotal
	result.Emergency = "rollover"
	result.SnapshotID = created.ID

	if usageOf(newTotal, result.Limit) >= m.th.rollover {
		result.Valid = false
		m.notifier.Send(events.PromptValidationFailedEvent{Reason: "budget unrecoverable after rollover"})
		return result, fmt.Errorf("%w: snapshot %s", ErrBudgetUnrecoverable, created.ID)
	}

	m.notifier.Send(events.EmergencyRolloverCompletedEvent{SnapshotID: created.ID})
	result.Request = m.buildRequestLocked(newMessage)
	return result, nil
}

func (m *Manager) runNormalCompressionLocked(ctx gocontext.Context, now time.Time) error {
	in := m.compressionInputLocked()
	res, err := m.coordinator.RunNormalCompression(ctx, in, now)
	if err != nil {
		return err
	}
	m.ctx.Checkpoints = res.Checkpoints
	m.ctx.Messages = res.Messages
	m.ctx.CompressionHistory = append(m.ctx.CompressionHistory, res.HistoryEntry)
	return nil
}

func (m *Manager) compressionInputLocked() compression.Input {
	return compression.Input{
		Model:                  m.ctx.Model,
		Messages:               append([]provider.Message{}, m.ctx.Messages...),
		Checkpoints:            append([]checkpoint.Checkpoint{}, m.ctx.Checkpoints...),
		CompressionHistorySize: len(m.ctx.CompressionHistory),
		Tier:                   m.ctx.Tier,
		NumCtx:                 m.ctx.NumCtx,
	}
}

func (m *Manager) buildRequestLocked(newMessage *provider.Message) provider.Request {
	messages := make([]provider.Message, 0, len(m.ctx.Checkpoints)+len(m.ctx.Messages)+1)
	for _, cp := range m.ctx.Checkpoints {
		messages = append(messages, cp.Summary)
	}
	messages = append(messages, m.ctx.Messages...)
	if newMessage != nil {
		messages = append(messages, *newMessage)
	}
	return provider.Request{
		Model:    m.ctx.Model,
		System:   m.ctx.SystemPrompt,
		Messages: messages,
		Options:  provider.Options{NumCtx: m.ctx.NumCtx},
	}
}

// maybeAutoSnapshotLocked fires the one-time automatic snapshot the first
// time usage crosses snapshotAutoThreshold within a session (spec §4.6b).
// A failed automatic snapshot is not fatal — unlike the rollover snapshot,
// it's just a convenience checkpoint, not a precondition for survival.
func (m *Manager) maybeAutoSnapshotLocked(usage float64, now time.Time) {
	if m.snapshotAutoFired || m.snapshotAutoThreshold <= 0 || usage < m.snapshotAutoThreshold {
		return
	}
	m.snapshotAutoFired = true

	snap := snapshot.Snapshot{
		SessionID:       m.ctx.SessionID,
		TokenCount:      m.totalTokensLocked(nil),
		UserMessages:    userMessagesOf(m.ctx.Messages),
		NonUserMessages: nonUserMessagesOf(m.ctx.Messages),
		Checkpoints:     append([]checkpoint.Checkpoint{}, m.ctx.Checkpoints...),
		Mode:            string(m.ctx.Mode),
		Tier:            m.ctx.Tier,
	}
	created, err := m.snapshots.Create(snap, now)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ollm: warning: automatic snapshot failed: %v\n", err)
		return
	}
	m.notifier.Send(events.SnapshotCreatedEvent{SnapshotID: created.ID})
}

func (m *Manager) totalTokensLocked(newMessage *provider.Message) int {
	total := m.counter.Count(m.ctx.SystemPrompt)
	for _, cp := range m.ctx.Checkpoints {
		total += cp.CurrentTokens
	}
	for _, msg := range m.ctx.Messages {
		total += m.counter.CountMessage(msg)
	}
	if newMessage != nil {
		total += m.counter.CountMessage(*newMessage)
	}
	total += m.ctx.InFlightTokens
	return total
}

func usageOf(total, limit int) float64 {
	if limit <= 0 {
		return 1
	}
	return float64(total) / float64(limit)
}

// RecordAssistantMessage appends an assistant message produced by a
// completed (non-cancelled) turn to the context and durably records it.
func (m *Manager) RecordAssistantMessage(msg provider.Message, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ctx.Messages = append(m.ctx.Messages, msg)
	if m.rec == nil {
		return nil
	}
	if err := m.rec.RecordMessage(msg, now); err != nil {
		return fmt.Errorf("context: recording assistant message: %w", err)
	}
	m.afterSaveLocked(now)
	return nil
}

// RecordToolCall appends a tool call/result record to the context (as a
// tool-role message) and durably records it.
func (m *Manager) RecordToolCall(callID, name, input string, result provider.ToolResult, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.ctx.Messages = append(m.ctx.Messages, provider.Message{
		ID:          uuid.NewString(),
		Role:        provider.RoleTool,
		CreatedAt:   now,
		ToolResults: []provider.ToolResult{result},
	})

	if m.rec == nil {
		return nil
	}
	rec := recorder.ToolCallRecord{
		ToolCallID: callID,
		Name:       name,
		Input:      input,
		Output:     result.Content,
		IsError:    result.IsError,
		Timestamp:  now,
	}
	if err := m.rec.RecordToolCall(rec, now); err != nil {
		return fmt.Errorf("context: recording tool call: %w", err)
	}
	m.afterSaveLocked(now)
	return nil
}

// afterSaveLocked runs the post-save housekeeping spec §4.5 requires after
// every durable write: sweep session retention and announce the save. Best
// effort — a sweep failure is a warning, never a reason to fail the save
// that already succeeded.
func (m *Manager) afterSaveLocked(now time.Time) {
	if err := recorder.EnforceRetention(m.sessionsDir, m.maxSessions); err != nil {
		fmt.Fprintf(os.Stderr, "ollm: warning: session retention sweep failed: %v\n", err)
	}
	m.notifier.Send(events.SessionSavedEvent{SessionID: m.ctx.SessionID})
}

// ReportInFlightTokens updates the streaming in-flight counter. It never
// triggers compression itself; it only warns if the running total would
// exceed the budget mid-stream.
func (m *Manager) ReportInFlightTokens(delta int, now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ctx.InFlightTokens += delta

	total := m.totalTokensLocked(nil)
	if total > m.ctx.NumCtx {
		m.notifier.Send(events.StreamOverflowEmergencyEvent{Usage: usageOf(total, m.ctx.NumCtx)})
	}
}

// ClearInFlightTokens resets the streaming counter; called when a stream
// completes or is cancelled.
func (m *Manager) ClearInFlightTokens() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ctx.InFlightTokens = 0
}

// SetMode regenerates the system prompt for (newMode, current tier) and
// substitutes it into the context.
func (m *Manager) SetMode(newMode Mode) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ctx.Mode = newMode
	m.ctx.SystemPrompt = systemPromptFor(newMode, m.ctx.Tier)
}

// Snapshot manually captures the current context.
func (m *Manager) Snapshot(now time.Time) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := snapshot.Snapshot{
		SessionID:       m.ctx.SessionID,
		TokenCount:      m.totalTokensLocked(nil),
		UserMessages:    userMessagesOf(m.ctx.Messages),
		NonUserMessages: nonUserMessagesOf(m.ctx.Messages),
		Checkpoints:     append([]checkpoint.Checkpoint{}, m.ctx.Checkpoints...),
		Mode:            string(m.ctx.Mode),
		Tier:            m.ctx.Tier,
	}
	created, err := m.snapshots.Create(snap, now)
	if err != nil {
		return "", fmt.Errorf("context: manual snapshot: %w", err)
	}
	m.notifier.Send(events.SnapshotCreatedEvent{SnapshotID: created.ID})
	return created.ID, nil
}

// Restore reconstructs the context from a previously captured snapshot: the
// restored context's message list is the snapshot's non-user messages
// followed by all of its user messages (the original interleaving of the
// two is not reproduced), its checkpoints are replaced
// wholesale, and mode/tier are taken from the snapshot (I6).
func (m *Manager) Restore(snapshotID string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap, err := m.snapshots.Restore(m.ctx.SessionID, snapshotID)
	if err != nil {
		return fmt.Errorf("context: restore: %w", err)
	}

	messages := make([]provider.Message, 0, len(snap.NonUserMessages)+len(snap.UserMessages))
	messages = append(messages, snap.NonUserMessages...)
	messages = append(messages, snap.UserMessages...)

	m.ctx.Messages = messages
	m.ctx.Checkpoints = snap.Checkpoints
	m.ctx.Mode = Mode(snap.Mode)
	m.ctx.Tier = snap.Tier
	m.ctx.SystemPrompt = systemPromptFor(m.ctx.Mode, m.ctx.Tier)

	m.notifier.Send(events.SnapshotRestoredEvent{SnapshotID: snapshotID})
	return nil
}

// IsSummarizationInProgress reports whether CompressionCoordinator
// currently holds the summarization lock.
func (m *Manager) IsSummarizationInProgress() bool {
	return m.coordinator.IsSummarizationInProgress()
}

// WaitForSummarization blocks until no compression pass is in flight or ctx
// is cancelled, whichever comes first — used by input-accepting code paths
// that must not race a compression pass splicing checkpoints into the
// context they're about to read.
func (m *Manager) WaitForSummarization(ctx gocontext.Context) error {
	return m.coordinator.WaitForSummarization(ctx)
}

func userMessagesOf(messages []provider.Message) []provider.Message {
	var out []provider.Message
	for _, m := range messages {
		if m.Role == provider.RoleUser {
			out = append(out, m)
		}
	}
	return out
}

func nonUserMessagesOf(messages []provider.Message) []provider.Message {
	var out []provider.Message
	for _, m := range messages {
		if m.Role != provider.RoleUser {
			out = append(out, m)
		}
	}
	return out
}

func lastNUserMessages(messages []provider.Message, n int) []provider.Message {
	users := userMessagesOf(messages)
	if len(users) <= n {
		return users
	}
	return append([]provider.Message{}, users[len(users)-n:]...)
}

func buildRolloverCheckpoint(snapshotID string, checkpointCount, messageCount, historySize int, counter *tokencount.Counter, now time.Time) checkpoint.Checkpoint {
	summary := fmt.Sprintf(
		"[rollover summary]\nPrior session state archived in snapshot %s: %d checkpoint(s) and %d message(s) summarized.",
		snapshotID, checkpointCount, messageCount,
	)
	if counter.Count(summary) > maxRolloverSummaryTokens {
		summary = truncateToApproxTokens(summary, maxRolloverSummaryTokens)
	}
	return checkpoint.Checkpoint{
		ID:    "rollover-" + snapshotID,
		Level: checkpoint.Merged,
		Summary: provider.Message{
			ID:        uuid.NewString(),
			Role:      provider.RoleSystem,
			Content:   summary,
			CreatedAt: now,
		},
		CurrentTokens:     counter.Count(summary),
		CompressionCount:  1,
		CompressionNumber: historySize,
		CreatedAt:         now,
		AgedAt:            now,
	}
}

// truncateToApproxTokens shortens text to maxTokens*4 bytes, a flat 4
// characters per token. That is coarser than tokencount's fallback
// estimator (3.5 characters per token plus a 5% buffer), so the result can
// count as somewhat more than maxTokens there.
func truncateToApproxTokens(text string, maxTokens int) string {
	const charsPerToken = 4
	limit := maxTokens * charsPerToken
	if len(text) <= limit {
		return text
	}
	return strings.TrimSpace(text[:limit])
}
