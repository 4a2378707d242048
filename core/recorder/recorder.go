// Package recorder durably records the full, uncompressed conversation to
// disk. It is the user's archive of truth: compression and rollover in
// memory never modify the session file, and a user message accepted by
// append_user_message is never lost from it even across process crashes.
package recorder

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"ollm/core/provider"
)

// ToolCallRecord is one tool invocation/result pair recorded alongside the
// message stream.
type ToolCallRecord struct {
	ToolCallID string    `json:"toolCallId"`
	Name       string    `json:"name"`
	Input      string    `json:"input"`
	Output     string    `json:"output"`
	IsError    bool      `json:"isError"`
	Timestamp  time.Time `json:"timestamp"`
}

// Metadata mirrors spec §4.5's metadata object.
type Metadata struct {
	TokenCount       int      `json:"tokenCount"`
	CompressionCount int      `json:"compressionCount"`
	ModeHistory      []string `json:"modeHistory"`
}

// SessionFile is the on-disk schema at <home>/.ollm/sessions/<sessionId>.json.
type SessionFile struct {
	SessionID    string            `json:"sessionId"`
	StartTime    time.Time         `json:"startTime"`
	LastActivity time.Time         `json:"lastActivity"`
	Model        string            `json:"model"`
	Provider     string            `json:"provider"`
	Messages     []provider.Message `json:"messages"`
	ToolCalls    []ToolCallRecord  `json:"toolCalls"`
	Metadata     Metadata          `json:"metadata"`
}

// KillHook, when non-nil, is invoked by Recorder immediately after the temp
// file has been written and fsynced but before the rename. It exists only
// for tests exercising crash-between-write-and-rename scenarios (spec
// Scenario D / property P7); production callers never set it.
type KillHook func()

// Recorder owns one session's on-disk file and is its sole writer.
type Recorder struct {
	mu   sync.Mutex
	path string
	file SessionFile

	killHook KillHook
}

// Start opens (creating if absent) the recorder for sessionID under
// sessionsDir.
func Start(sessionsDir, sessionID, model, providerName string, now time.Time) (*Recorder, error) {
	if err := os.MkdirAll(sessionsDir, 0700); err != nil {
		return nil, fmt.Errorf("recorder: creating sessions dir: %w", err)
	}
	r := &Recorder{
		path: filepath.Join(sessionsDir, sessionID+".json"),
		file: SessionFile{
			SessionID:    sessionID,
			StartTime:    now,
			LastActivity: now,
			Model:        model,
			Provider:     providerName,
		},
	}
	if err := r.persist(); err != nil {
		return nil, err
	}
	return r, nil
}

// SetKillHook installs a test-only hook invoked between fsync and rename.
func (r *Recorder) SetKillHook(h KillHook) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.killHook = h
}

// RecordMessage appends a message to the session file, writes it durably,
// and updates LastActivity.
func (r *Recorder) RecordMessage(m provider.Message, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.file.Messages = append(r.file.Messages, m)
	r.file.LastActivity = now
	return r.persist()
}

// RecordToolCall appends a tool call/result record.
func (r *Recorder) RecordToolCall(tc ToolCallRecord, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.file.ToolCalls = append(r.file.ToolCalls, tc)
	r.file.LastActivity = now
	return r.persist()
}

// UpdateMetadata replaces the metadata block and persists it. ContextManager
// does not call it; the metadata is written only when a caller does.
func (r *Recorder) UpdateMetadata(md Metadata, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.file.Metadata = md
	r.file.LastActivity = now
	return r.persist()
}

// Snapshot returns a deep-enough copy of the current session file for a
// caller that wants to read it (e.g. an export command) without racing the
// writer.
func (r *Recorder) Snapshot() SessionFile {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.file
	out.Messages = append([]provider.Message{}, r.file.Messages...)
	out.ToolCalls = append([]ToolCallRecord{}, r.file.ToolCalls...)
	return out
}

// persist implements the write discipline from spec §4.5: serialize,
// write to a temp file, fsync, rename, best-effort fsync the directory.
// Caller must hold r.mu.
func (r *Recorder) persist() error {
	data, err := json.MarshalIndent(r.file, "", "  ")
	if err != nil {
		return fmt.Errorf("recorder: marshaling session: %w", err)
	}

	tmpPath := r.path + ".tmp"
	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("recorder: opening temp file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("recorder: writing temp file: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("recorder: fsync temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("recorder: closing temp file: %w", err)
	}

	if r.killHook != nil {
		r.killHook()
	}

	if err := os.Rename(tmpPath, r.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("recorder: renaming session file: %w", err)
	}

	if dir, err := os.Open(filepath.Dir(r.path)); err == nil {
		_ = dir.Sync() // best-effort; unsupported on some filesystems
		dir.Close()
	}

	return nil
}

// Load reads and parses a session file from sessionsDir by session id. The
// resolved path is verified to stay within sessionsDir, rejecting a
// sessionID containing path separators before it ever reaches os.ReadFile.
func Load(sessionsDir, sessionID string) (SessionFile, error) {
	path := filepath.Join(sessionsDir, sessionID+".json")

	absPath, err := filepath.Abs(path)
	if err != nil {
		return SessionFile{}, fmt.Errorf("recorder: resolving session path: %w", err)
	}
	absDir, err := filepath.Abs(sessionsDir)
	if err != nil {
		return SessionFile{}, fmt.Errorf("recorder: resolving sessions dir: %w", err)
	}
	if !isWithinDir(absPath, absDir) {
		return SessionFile{}, fmt.Errorf("recorder: invalid session id: path escapes sessions directory")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return SessionFile{}, fmt.Errorf("recorder: reading session file: %w", err)
	}
	var sf SessionFile
	if err := json.Unmarshal(data, &sf); err != nil {
		return SessionFile{}, fmt.Errorf("recorder: parsing session file: %w", err)
	}
	return sf, nil
}

func isWithinDir(absPath, absDir string) bool {
	return absPath == absDir || len(absPath) > len(absDir) && absPath[:len(absDir)+1] == absDir+string(filepath.Separator)
}

// sessionSummary is a lightweight record used only for retention sorting.
type sessionSummary struct {
	path         string
	lastActivity time.Time
}

// EnforceRetention deletes the oldest sessions (by lastActivity) in
// sessionsDir beyond maxSessions. It is called at startup and after every
// save.
func EnforceRetention(sessionsDir string, maxSessions int) error {
	if maxSessions <= 0 {
		return nil
	}
	entries, err := os.ReadDir(sessionsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("recorder: listing sessions dir: %w", err)
	}

	var summaries []sessionSummary
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if filepath.Ext(name) != ".json" {
			continue
		}
		path := filepath.Join(sessionsDir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		var sf SessionFile
		if err := json.Unmarshal(data, &sf); err != nil {
			continue
		}
		summaries = append(summaries, sessionSummary{path: path, lastActivity: sf.LastActivity})
	}

	if len(summaries) <= maxSessions {
		return nil
	}

	sort.Slice(summaries, func(i, j int) bool {
		return summaries[i].lastActivity.After(summaries[j].lastActivity)
	})

	for _, s := range summaries[maxSessions:] {
		_ = os.Remove(s.path) // best-effort; a stray file is not fatal
	}
	return nil
}
