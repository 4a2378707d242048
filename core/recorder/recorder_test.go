package recorder

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"ollm/core/provider"
)

var fixedNow = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func TestStartCreatesSessionFile(t *testing.T) {
	dir := t.TempDir()
	r, err := Start(dir, "sess-1", "model-a", "bedrock", fixedNow)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "sess-1.json")); err != nil {
		t.Fatalf("session file not created: %v", err)
	}
	_ = r
}

func TestRecordMessageAppendsAndPersists(t *testing.T) {
	dir := t.TempDir()
	r, err := Start(dir, "sess-1", "model-a", "bedrock", fixedNow)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	msg := provider.Message{ID: "m1", Role: provider.RoleUser, Content: "hello world", CreatedAt: fixedNow}
	if err := r.RecordMessage(msg, fixedNow.Add(time.Second)); err != nil {
		t.Fatalf("RecordMessage: %v", err)
	}

	sf, err := Load(dir, "sess-1")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(sf.Messages) != 1 || sf.Messages[0].Content != "hello world" {
		t.Fatalf("loaded session missing message: %+v", sf.Messages)
	}
}

func TestRecordMessageNeverLosesUserMessage(t *testing.T) {
	dir := t.TempDir()
	r, _ := Start(dir, "sess-1", "model-a", "bedrock", fixedNow)

	texts := []string{"first", "second", "third"}
	for i, txt := range texts {
		m := provider.Message{ID: txt, Role: provider.RoleUser, Content: txt}
		if err := r.RecordMessage(m, fixedNow.Add(time.Duration(i)*time.Second)); err != nil {
			t.Fatalf("RecordMessage(%d): %v", i, err)
		}
	}

	sf, err := Load(dir, "sess-1")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(sf.Messages) != len(texts) {
		t.Fatalf("expected %d messages, got %d", len(texts), len(sf.Messages))
	}
	for i, txt := range texts {
		if sf.Messages[i].Content != txt {
			t.Errorf("message %d = %q, want %q", i, sf.Messages[i].Content, txt)
		}
	}
}

// TestKillBetweenWriteAndRenameLeavesConsistentFile exercises P7: killing
// the process between "temp written+fsynced" and "rename" must never leave
// a truncated or interleaved session file; the prior complete file (or
// none, on first write) must remain readable.
func TestKillBetweenWriteAndRenameLeavesConsistentFile(t *testing.T) {
	dir := t.TempDir()
	r, err := Start(dir, "sess-1", "model-a", "bedrock", fixedNow)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	// First successful message establishes a baseline complete file.
	if err := r.RecordMessage(provider.Message{ID: "m1", Role: provider.RoleUser, Content: "hello world"}, fixedNow); err != nil {
		t.Fatalf("RecordMessage: %v", err)
	}
	baseline, err := Load(dir, "sess-1")
	if err != nil {
		t.Fatalf("Load baseline: %v", err)
	}

	killed := false
	r.SetKillHook(func() {
		killed = true
		// Simulate the process dying right here: remove the temp file to
		// model "rename never happened", leaving only the prior file.
		os.Remove(r.path + ".tmp")
	})

	// This second write's rename effectively "fails" because the kill hook
	// already removed the temp file; persist's rename call will error, but
	// the prior sessionFile on disk must remain fully intact and parseable.
	_ = r.RecordMessage(provider.Message{ID: "m2", Role: provider.RoleUser, Content: "second"}, fixedNow)

	if !killed {
		t.Fatal("kill hook never invoked")
	}

	after, err := Load(dir, "sess-1")
	if err != nil {
		t.Fatalf("session file unreadable after simulated kill: %v", err)
	}
	if len(after.Messages) != len(baseline.Messages) {
		t.Fatalf("session file changed despite simulated kill before rename: got %d messages, want %d", len(after.Messages), len(baseline.Messages))
	}
}

func TestEnforceRetentionDeletesOldestBeyondCap(t *testing.T) {
	dir := t.TempDir()
	for i := 0; i < 5; i++ {
		now := fixedNow.Add(time.Duration(i) * time.Hour)
		r, err := Start(dir, sessName(i), "model-a", "bedrock", now)
		if err != nil {
			t.Fatalf("Start(%d): %v", i, err)
		}
		_ = r
	}

	if err := EnforceRetention(dir, 3); err != nil {
		t.Fatalf("EnforceRetention: %v", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	count := 0
	for _, e := range entries {
		if filepath.Ext(e.Name()) == ".json" {
			count++
		}
	}
	if count != 3 {
		t.Errorf("expected 3 sessions to remain, got %d", count)
	}

	// The newest 3 must survive; session 0 and 1 (oldest) must be gone.
	if _, err := os.Stat(filepath.Join(dir, sessName(0)+".json")); !os.IsNotExist(err) {
		t.Error("expected oldest session to be deleted")
	}
	if _, err := os.Stat(filepath.Join(dir, sessName(4)+".json")); err != nil {
		t.Error("expected newest session to survive")
	}
}

func TestEnforceRetentionNoopUnderCap(t *testing.T) {
	dir := t.TempDir()
	Start(dir, "only", "m", "bedrock", fixedNow)
	if err := EnforceRetention(dir, 100); err != nil {
		t.Fatalf("EnforceRetention: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "only.json")); err != nil {
		t.Error("session should not have been deleted")
	}
}

func sessName(i int) string {
	return "sess-" + string(rune('a'+i))
}
