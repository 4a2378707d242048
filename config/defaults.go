package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config holds all ollm configuration values: the token-budget knobs the
// context engine reads directly, plus connection settings for the
// default Provider.
type Config struct {
	AWSRegion    string `toml:"aws_region"`
	AWSProfile   string `toml:"aws_profile"`
	DefaultModel string `toml:"default_model"`

	OllmDir      string `toml:"ollm_dir"`
	SessionsDir  string `toml:"sessions_dir"`
	SnapshotsDir string `toml:"snapshots_dir"`
	ProfilesPath string `toml:"profiles_path"`

	// Context-sizing knobs (spec §4.7 auto-sizing, §6 Config surface).
	TargetSize   string `toml:"target_size"` // pinned context_profiles size label, empty = auto
	AutoSize     bool   `toml:"auto_size"`
	VramBufferMB int    `toml:"vram_buffer_mb"`

	// Budget-state thresholds (spec §4.2), expressed as fractions of
	// ollama_context_size.
	WarningThreshold    float64 `toml:"warning_threshold"`
	CheckpointThreshold float64 `toml:"checkpoint_threshold"`
	EmergencyThreshold  float64 `toml:"emergency_threshold"`
	RolloverThreshold   float64 `toml:"rollover_threshold"`

	// Checkpoint aging thresholds (spec §4.3).
	ModerateAge int `toml:"moderate_age"`
	CompactAge  int `toml:"compact_age"`

	// Compression locking and session/snapshot retention (spec §4.5, §4.6).
	CheckpointTimeoutMs   int  `toml:"checkpoint_timeout_ms"`
	MaxSessions           int  `toml:"max_sessions"`
	SnapshotMaxCount      int  `toml:"snapshot_max_count"`
	SnapshotAutoThreshold float64 `toml:"snapshot_auto_threshold"`
	PreprocessEnabled     bool `toml:"preprocess_enabled"`

	// Pricing configuration.
	PricingCacheDir string `toml:"pricing_cache_dir"`
	PricingCacheTTL int    `toml:"pricing_cache_ttl"`
	PricingEnabled  bool   `toml:"pricing_enabled"`

	// Display currency (ISO 4217 code). Provider pricing is always USD;
	// this controls the display currency with conversion via Frankfurter API.
	Currency string `toml:"currency"`

	// Non-TOML fields, derived at runtime.
	MaxToolTimeout time.Duration `toml:"-"`
}

// DefaultConfig returns a Config with all defaults populated, matching
// the thresholds and tiers in spec §4.2–§4.6.
func DefaultConfig() Config {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	ollmDir := filepath.Join(home, ".ollm")

	return Config{
		AWSRegion:    "us-east-1",
		AWSProfile:   "",
		DefaultModel: "us.anthropic.claude-3-5-sonnet-20241022-v2:0",

		OllmDir:      ollmDir,
		SessionsDir:  filepath.Join(ollmDir, "sessions"),
		SnapshotsDir: filepath.Join(ollmDir, "context-snapshots"),
		ProfilesPath: filepath.Join(ollmDir, "LLM_profiles.json"),

		TargetSize:   "",
		AutoSize:     true,
		VramBufferMB: 1024,

		WarningThreshold:    0.70,
		CheckpointThreshold: 0.80,
		EmergencyThreshold:  0.95,
		RolloverThreshold:   1.00,

		ModerateAge: 3,
		CompactAge:  6,

		CheckpointTimeoutMs:   30_000,
		MaxSessions:           100,
		SnapshotMaxCount:      5,
		SnapshotAutoThreshold: 0.85,
		PreprocessEnabled:     true,

		PricingCacheDir: filepath.Join(ollmDir, "cache", "pricing"),
		PricingCacheTTL: 168, // 1 week in hours
		PricingEnabled:  true,
		Currency:        "USD",

		MaxToolTimeout: 5 * time.Minute,
	}
}

// ConfigFilePath returns the path to the config file inside OllmDir.
func (c Config) ConfigFilePath() string {
	return filepath.Join(c.OllmDir, "config.toml")
}

// Load loads configuration from the default location (~/.ollm/config.toml),
// falling back to defaults if the file does not exist.
// Warnings are returned for unrecognized TOML keys (likely typos).
func Load() (Config, []string, error) {
	defaults := DefaultConfig()
	return LoadFrom(defaults.ConfigFilePath(), defaults)
}

// LoadFrom loads configuration from the given path, overlaying TOML values
// onto the provided defaults. If the file does not exist, defaults are returned
// without error (first-run case). If the file exists but is malformed, an error
// is returned. Warnings are returned for unrecognized TOML keys.
func LoadFrom(path string, defaults Config) (Config, []string, error) {
	cfg := defaults

	meta, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		if os.IsNotExist(err) {
			return defaults, nil, nil
		}
		return Config{}, nil, fmt.Errorf("loading config %s: %w", path, err)
	}

	// If ollm_dir was overridden but sub-paths were not, re-derive them.
	if meta.IsDefined("ollm_dir") {
		if !meta.IsDefined("sessions_dir") {
			cfg.SessionsDir = filepath.Join(cfg.OllmDir, "sessions")
		}
		if !meta.IsDefined("snapshots_dir") {
			cfg.SnapshotsDir = filepath.Join(cfg.OllmDir, "context-snapshots")
		}
		if !meta.IsDefined("profiles_path") {
			cfg.ProfilesPath = filepath.Join(cfg.OllmDir, "LLM_profiles.json")
		}
		if !meta.IsDefined("pricing_cache_dir") {
			cfg.PricingCacheDir = filepath.Join(cfg.OllmDir, "cache", "pricing")
		}
	}

	// Restore non-TOML fields from defaults.
	cfg.MaxToolTimeout = defaults.MaxToolTimeout

	// Warn about unrecognized keys — likely typos.
	var warnings []string
	for _, key := range meta.Undecoded() {
		warnings = append(warnings, fmt.Sprintf("unknown config key: %s", key))
	}

	return cfg, warnings, nil
}

// EnsureDirs creates OllmDir, SessionsDir, and SnapshotsDir if they do not exist.
func (c Config) EnsureDirs() error {
	for _, dir := range []string{c.OllmDir, c.SessionsDir, c.SnapshotsDir} {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("creating directory %s: %w", dir, err)
		}
	}
	return nil
}
