// Package app wires the CCE's collaborators into a runnable terminal
// session. It stands in for the teacher's bubbletea-driven app/+ui/ layers:
// a minimal line-oriented REPL takes the UI's place, since the UI itself is
// a declared external collaborator this module does not implement.
package app

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"

	"ollm/config"
	"ollm/core/checkpoint"
	"ollm/core/compression"
	cce "ollm/core/context"
	"ollm/core/events"
	"ollm/core/profile"
	"ollm/core/provider"
	"ollm/core/snapshot"
	"ollm/core/tokencount"
	"ollm/core/usage"
	"ollm/core/vram"
	"ollm/providers/bedrock"
)

// Application holds every wired dependency and drives the REPL loop.
type Application struct {
	Config    config.Config
	Context   *cce.Manager
	Provider  provider.Provider
	Tracker   *usage.Tracker
	Formatter *usage.CurrencyFormatter
	Models    map[string]provider.ModelInfo
	SessionID string
}

// Bootstrap creates and wires all application dependencies. Each phase is
// separate for testability, mirroring the teacher's bootstrap shape.
func Bootstrap(ctx context.Context) (*Application, error) {
	cfg, warnings, err := loadConfig()
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	for _, w := range warnings {
		fmt.Fprintf(os.Stderr, "ollm: warning: %s\n", w)
	}

	formatter, err := setupCurrencyFormatter(ctx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ollm: warning: currency setup failed: %v\n", err)
		formatter = usage.DefaultCurrencyFormatter()
	}

	prov, err := setupProvider(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("initializing provider: %w", err)
	}

	tracker := usage.NewTracker(nil, formatter)
	notifier := &stderrNotifier{tracker: tracker}

	profiles, err := profile.Load(cfg.ProfilesPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ollm: warning: profile database unavailable, falling back to per-model defaults: %v\n", err)
		profiles = nil
	}

	counter := tokencount.New()
	aging := checkpoint.NewManager(cfg.ModerateAge, cfg.CompactAge)
	coordinator := compression.New(prov, aging, counter, notifier, time.Duration(cfg.CheckpointTimeoutMs)*time.Millisecond)
	snapshots := snapshot.New(cfg.SnapshotsDir, cfg.SnapshotMaxCount)
	vramMon := vram.New()

	cm := cce.NewManager(
		profiles, vramMon, prov, "bedrock", counter, aging, coordinator, snapshots, notifier,
		cfg.SessionsDir, cfg.MaxSessions, cfg.VramBufferMB,
		cfg.WarningThreshold, cfg.CheckpointThreshold, cfg.EmergencyThreshold, cfg.RolloverThreshold,
		cfg.SnapshotAutoThreshold,
	)
	cm.SetPreprocessConfig(cce.PreprocessConfig{
		Enabled:         cfg.PreprocessEnabled,
		MaxIntentTokens: 256,
	})

	models, err := prov.ListModels(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ollm: warning: listing models failed: %v\n", err)
	}
	modelIndex := make(map[string]provider.ModelInfo, len(models))
	for _, m := range models {
		modelIndex[m.ID] = m
	}
	notifier.models = modelIndex
	notifier.defaultModel = cfg.DefaultModel

	sessionID := uuid.NewString()
	targetSize := cfg.TargetSize
	if cfg.AutoSize {
		targetSize = ""
	}
	if err := cm.Start(ctx, sessionID, cfg.DefaultModel, cce.ModeAssistant, targetSize, time.Now()); err != nil {
		return nil, fmt.Errorf("starting session: %w", err)
	}

	return &Application{
		Config:    cfg,
		Context:   cm,
		Provider:  prov,
		Tracker:   tracker,
		Formatter: formatter,
		Models:    modelIndex,
		SessionID: sessionID,
	}, nil
}

// loadConfig loads configuration from disk and ensures directories exist.
func loadConfig() (config.Config, []string, error) {
	cfg, warnings, err := config.Load()
	if err != nil {
		return config.Config{}, nil, err
	}
	if err := cfg.EnsureDirs(); err != nil {
		return config.Config{}, nil, err
	}
	return cfg, warnings, nil
}

// setupCurrencyFormatter initializes currency conversion if needed. Retries
// up to 3 times with exponential backoff (1s, 2s, 4s) before returning an
// error that triggers fallback to USD.
func setupCurrencyFormatter(ctx context.Context, cfg config.Config) (*usage.CurrencyFormatter, error) {
	if cfg.Currency == "" || cfg.Currency == "USD" {
		return usage.DefaultCurrencyFormatter(), nil
	}

	engine := usage.NewCurrencyEngine(&http.Client{})

	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		rate, err := engine.FetchRate(ctx, "USD", cfg.Currency)
		if err == nil {
			symbol := usage.CurrencySymbol(cfg.Currency)
			return usage.NewCurrencyFormatter(cfg.Currency, symbol, rate), nil
		}
		lastErr = err

		backoff := time.Duration(1<<attempt) * time.Second
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return nil, fmt.Errorf("currency fetch cancelled: %w", ctx.Err())
		}
	}
	return nil, fmt.Errorf("currency fetch failed after 3 attempts: %w", lastErr)
}

// setupProvider initializes the LLM provider (currently Bedrock, the only
// provider this module implements).
func setupProvider(ctx context.Context, cfg config.Config) (provider.Provider, error) {
	pricingCfg := provider.PricingConfig{
		Enabled:  cfg.PricingEnabled,
		CacheDir: cfg.PricingCacheDir,
		CacheTTL: cfg.PricingCacheTTL,
	}
	return bedrock.NewBedrock(ctx, cfg.AWSRegion, cfg.AWSProfile, pricingCfg)
}

// stderrNotifier prints engine events to stderr in a terse, human-readable
// form. It stands in for the teacher's ui.Notifier bridge: no UI program
// consumes these events here, so they just go straight to the terminal.
type stderrNotifier struct {
	tracker      *usage.Tracker
	models       map[string]provider.ModelInfo
	defaultModel string
}

// recordSavings looks up the active model and records the tokens a
// compression pass freed as avoided cost on every subsequent turn. Best
// effort: an unknown model means there is nothing to price, so it's skipped.
func (n *stderrNotifier) recordSavings(tokensSaved int) {
	if n.tracker == nil || tokensSaved <= 0 {
		return
	}
	model, ok := n.models[n.defaultModel]
	if !ok {
		return
	}
	n.tracker.RecordCompressionSavings(model, tokensSaved)
}

func (n *stderrNotifier) Send(msg any) {
	switch e := msg.(type) {
	case events.CheckpointCompletedEvent:
		fmt.Fprintf(os.Stderr, "ollm: %s compression freed %d tokens (%d checkpoint(s))\n", e.Kind, e.OldTokens-e.NewTokens, e.Checkpoints)
		n.recordSavings(e.OldTokens - e.NewTokens)
	case events.CheckpointAgedEvent:
		fmt.Fprintf(os.Stderr, "ollm: %d checkpoint(s) aged\n", e.Count)
	case events.ContextWarningEvent:
		fmt.Fprintf(os.Stderr, "ollm: context usage at %.0f%%\n", e.Usage*100)
	case events.ContextCompressionWarningEvent:
		fmt.Fprintf(os.Stderr, "ollm: compressing context (usage %.0f%%)\n", e.Usage*100)
	case events.EmergencyCompressionStartedEvent:
		fmt.Fprintf(os.Stderr, "ollm: emergency compression started (usage %.0f%%)\n", e.Usage*100)
	case events.EmergencyCompressionCompletedEvent:
		fmt.Fprintf(os.Stderr, "ollm: emergency compression freed %d tokens\n", e.OldTokens-e.NewTokens)
		n.recordSavings(e.OldTokens - e.NewTokens)
	case events.EmergencyRolloverStartedEvent:
		fmt.Fprintf(os.Stderr, "ollm: rolling over session (usage %.0f%%)\n", e.Usage*100)
	case events.EmergencyRolloverCompletedEvent:
		fmt.Fprintf(os.Stderr, "ollm: rollover complete, snapshot %s\n", e.SnapshotID)
	case events.PromptValidationFailedEvent:
		fmt.Fprintf(os.Stderr, "ollm: prompt validation failed: %s\n", e.Reason)
	case events.StreamOverflowEmergencyEvent:
		fmt.Fprintf(os.Stderr, "ollm: streamed response exceeded context budget (usage %.0f%%)\n", e.Usage*100)
	case events.SnapshotCreatedEvent:
		fmt.Fprintf(os.Stderr, "ollm: snapshot created: %s\n", e.SnapshotID)
	case events.SnapshotRestoredEvent:
		fmt.Fprintf(os.Stderr, "ollm: restored from snapshot: %s\n", e.SnapshotID)
	case events.CheckpointFailedEvent:
		fmt.Fprintf(os.Stderr, "ollm: %s compression failed: %s\n", e.Kind, e.Error)
	}
}
