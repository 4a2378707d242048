// Package profile loads the compiled model-profile database: for each
// known model, the set of context-window sizes it can be run at and the
// VRAM each size costs. ProfileStore is read-only at runtime — the
// database itself is produced out of band by the (declared external)
// model-profile compiler.
package profile

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
)

// ErrUnknownModel is returned by Lookup when a model id has no entry in
// the profile database.
var ErrUnknownModel = errors.New("profile: unknown model")

// ContextProfile is one selectable context-window size for a model.
type ContextProfile struct {
	Size             string  `json:"size"`
	SizeLabel        string  `json:"size_label"`
	OllamaContextSize int    `json:"ollama_context_size"`
	VramEstimateGB   float64 `json:"vram_estimate_gb"`
}

// ModelProfile describes one model's selectable context sizes.
type ModelProfile struct {
	ID                string           `json:"id"`
	DisplayName       string           `json:"display_name"`
	ToolSupport       bool             `json:"tool_support"`
	MaxContextWindow  int              `json:"max_context_window"`
	ContextProfiles   []ContextProfile `json:"context_profiles"`
	DefaultContext    string           `json:"default_context"`
}

type profileFile struct {
	Version int            `json:"version"`
	Models  []ModelProfile `json:"models"`
}

// Store holds the loaded profile database, indexed by model id.
type Store struct {
	version int
	models  map[string]ModelProfile
}

// unknownModelTemplate is returned for models absent from the database:
// smallest safe context, tool support disabled, matching spec §4.1's
// documented fallback so an unrecognized model still runs rather than
// failing outright.
var unknownModelTemplate = ModelProfile{
	DisplayName:      "unknown model",
	ToolSupport:      false,
	MaxContextWindow: 4096,
	ContextProfiles: []ContextProfile{
		{Size: "minimal", SizeLabel: "4K", OllamaContextSize: 4096, VramEstimateGB: 0},
	},
	DefaultContext: "minimal",
}

// Load reads and parses the profile database at path.
func Load(path string) (*Store, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading profile database %s: %w", path, err)
	}

	var pf profileFile
	if err := json.Unmarshal(data, &pf); err != nil {
		return nil, fmt.Errorf("parsing profile database %s: %w", path, err)
	}

	s := &Store{version: pf.Version, models: make(map[string]ModelProfile, len(pf.Models))}
	for _, m := range pf.Models {
		s.models[m.ID] = m
	}
	return s, nil
}

// Lookup returns the profile for modelID. If the model is unknown, it
// returns the unknown-model template and ErrUnknownModel, so a caller that
// wants strict behavior can check the error while a caller that wants the
// degraded-but-functional path can use the returned profile directly.
func (s *Store) Lookup(modelID string) (ModelProfile, error) {
	if s != nil {
		if m, ok := s.models[modelID]; ok {
			return m, nil
		}
	}
	tmpl := unknownModelTemplate
	tmpl.ID = modelID
	return tmpl, fmt.Errorf("%w: %q", ErrUnknownModel, modelID)
}

// Models returns all known model ids in sorted order.
func (s *Store) Models() []string {
	if s == nil {
		return nil
	}
	ids := make([]string, 0, len(s.models))
	for id := range s.models {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ProfileBySizeLabel finds a context profile by its size label (e.g. "8K"),
// used when the user (or config) pins a specific size rather than leaving
// auto-sizing to VramMonitor.
func (m ModelProfile) ProfileBySizeLabel(label string) (ContextProfile, bool) {
	for _, p := range m.ContextProfiles {
		if p.SizeLabel == label || p.Size == label {
			return p, true
		}
	}
	return ContextProfile{}, false
}

// SortedBySize returns the model's context profiles ordered from smallest
// to largest ollama_context_size, which VramMonitor's auto-selection
// algorithm scans to find the largest profile that fits.
func (m ModelProfile) SortedBySize() []ContextProfile {
	out := make([]ContextProfile, len(m.ContextProfiles))
	copy(out, m.ContextProfiles)
	sort.Slice(out, func(i, j int) bool {
		return out[i].OllamaContextSize < out[j].OllamaContextSize
	})
	return out
}
