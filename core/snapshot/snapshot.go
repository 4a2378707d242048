// Package snapshot provides durable point-in-time recovery snapshots of a
// ConversationContext: full user history, checkpoint list, mode and tier,
// captured manually, automatically at the 0.85 usage threshold, or
// unconditionally before a rollover.
package snapshot

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"ollm/core/checkpoint"
	"ollm/core/provider"
)

// Snapshot is the full captured state of a ConversationContext at one
// point in time.
type Snapshot struct {
	ID              string                  `json:"id"`
	SessionID       string                  `json:"sessionId"`
	Timestamp       time.Time               `json:"timestamp"`
	TokenCount      int                     `json:"tokenCount"`
	UserMessages    []provider.Message      `json:"userMessages"`
	NonUserMessages []provider.Message      `json:"nonUserMessages"`
	Checkpoints     []checkpoint.Checkpoint `json:"checkpoints"`
	Mode            string                  `json:"mode"`
	Tier            int                     `json:"tier"`
}

// indexEntry is one line of the per-session index.json, used to list and
// enforce retention without parsing every snapshot file.
type indexEntry struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
}

// Store owns the snapshot directory tree and its per-session index files.
// ContextManager requests reads and writes through Store; it never touches
// snapshot files directly.
type Store struct {
	mu      sync.Mutex
	baseDir string // <home>/.ollm/context-snapshots
	maxKeep int    // rolling retention per session, default 5
}

// New creates a Store rooted at baseDir, retaining maxKeep most recent
// snapshots per session.
func New(baseDir string, maxKeep int) *Store {
	if maxKeep <= 0 {
		maxKeep = 5
	}
	return &Store{baseDir: baseDir, maxKeep: maxKeep}
}

func (s *Store) sessionDir(sessionID string) string {
	return filepath.Join(s.baseDir, sessionID)
}

func (s *Store) indexPath(sessionID string) string {
	return filepath.Join(s.sessionDir(sessionID), "index.json")
}

func (s *Store) snapshotPath(sessionID, snapshotID string) string {
	return filepath.Join(s.sessionDir(sessionID), snapshotID+".json")
}

// Create captures snap (its ID and Timestamp are assigned here) and
// persists it, updating the session's rolling index and pruning beyond
// maxKeep.
func (s *Store) Create(snap Snapshot, now time.Time) (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap.ID = uuid.NewString()
	snap.Timestamp = now

	dir := s.sessionDir(snap.SessionID)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return Snapshot{}, fmt.Errorf("snapshot: creating session dir: %w", err)
	}

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return Snapshot{}, fmt.Errorf("snapshot: marshaling: %w", err)
	}
	path := s.snapshotPath(snap.SessionID, snap.ID)
	if err := writeAtomic(path, data); err != nil {
		return Snapshot{}, err
	}

	index, err := s.loadIndex(snap.SessionID)
	if err != nil {
		return Snapshot{}, err
	}
	index = append(index, indexEntry{ID: snap.ID, Timestamp: now})
	sort.Slice(index, func(i, j int) bool { return index[i].Timestamp.Before(index[j].Timestamp) })

	var pruned []indexEntry
	if len(index) > s.maxKeep {
		toRemove := index[:len(index)-s.maxKeep]
		pruned = index[len(index)-s.maxKeep:]
		for _, e := range toRemove {
			_ = os.Remove(s.snapshotPath(snap.SessionID, e.ID))
		}
	} else {
		pruned = index
	}

	if err := s.saveIndex(snap.SessionID, pruned); err != nil {
		return Snapshot{}, err
	}

	return snap, nil
}

// Restore reads and returns the snapshot with the given id for sessionID.
func (s *Store) Restore(sessionID, snapshotID string) (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.snapshotPath(sessionID, snapshotID))
	if err != nil {
		return Snapshot{}, fmt.Errorf("snapshot: reading %s: %w", snapshotID, err)
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return Snapshot{}, fmt.Errorf("snapshot: parsing %s: %w", snapshotID, err)
	}
	return snap, nil
}

// List returns the ids of all snapshots retained for sessionID, oldest
// first.
func (s *Store) List(sessionID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	index, err := s.loadIndex(sessionID)
	if err != nil {
		return nil, err
	}
	ids := make([]string, len(index))
	for i, e := range index {
		ids[i] = e.ID
	}
	return ids, nil
}

func (s *Store) loadIndex(sessionID string) ([]indexEntry, error) {
	data, err := os.ReadFile(s.indexPath(sessionID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("snapshot: reading index: %w", err)
	}
	var index []indexEntry
	if err := json.Unmarshal(data, &index); err != nil {
		return nil, fmt.Errorf("snapshot: parsing index: %w", err)
	}
	return index, nil
}

func (s *Store) saveIndex(sessionID string, index []indexEntry) error {
	data, err := json.MarshalIndent(index, "", "  ")
	if err != nil {
		return fmt.Errorf("snapshot: marshaling index: %w", err)
	}
	return writeAtomic(s.indexPath(sessionID), data)
}

func writeAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("snapshot: writing %s: %w", path, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("snapshot: renaming %s: %w", path, err)
	}
	return nil
}
