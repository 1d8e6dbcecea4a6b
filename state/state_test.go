package state

import (
	"os"
	"path/filepath"
	"testing"
)

func TestMemoryTracker(t *testing.T) {
	tracker := NewMemoryTracker()

	if tracker.AlreadyConverted("h1") {
		t.Error("AlreadyConverted() = true on empty tracker")
	}
	if err := tracker.MarkConverted("h1", "a.chat"); err != nil {
		t.Fatalf("MarkConverted() error = %v", err)
	}
	if !tracker.AlreadyConverted("h1") {
		t.Error("AlreadyConverted() = false after mark")
	}
	if tracker.AlreadyConverted("") {
		t.Error("AlreadyConverted(\"\") = true, empty hashes never match")
	}
	if got := tracker.Snapshot().Converted; got != 1 {
		t.Errorf("Snapshot().Converted = %d, want 1", got)
	}
}

func TestFileTrackerPersistence(t *testing.T) {
	dir := t.TempDir()

	tracker, err := NewFileTracker(dir, true)
	if err != nil {
		t.Fatalf("NewFileTracker() error = %v", err)
	}
	if err := tracker.MarkConverted("hash-a", "a.chat"); err != nil {
		t.Fatalf("MarkConverted() error = %v", err)
	}
	if err := tracker.MarkConverted("hash-b", "b.ichat"); err != nil {
		t.Fatalf("MarkConverted() error = %v", err)
	}
	// Re-marking the same hash must not duplicate the record.
	if err := tracker.MarkConverted("hash-a", "a.chat"); err != nil {
		t.Fatalf("MarkConverted() error = %v", err)
	}
	if err := tracker.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	reloaded, err := NewFileTracker(dir, true)
	if err != nil {
		t.Fatalf("NewFileTracker() reload error = %v", err)
	}
	defer reloaded.Close()

	if !reloaded.AlreadyConverted("hash-a") || !reloaded.AlreadyConverted("hash-b") {
		t.Error("reloaded tracker lost converted hashes")
	}
	if got := reloaded.Snapshot().Converted; got != 2 {
		t.Errorf("Snapshot().Converted = %d, want 2", got)
	}
}

func TestFileTrackerDryRunDoesNotPersist(t *testing.T) {
	dir := t.TempDir()

	tracker, err := NewFileTracker(dir, false)
	if err != nil {
		t.Fatalf("NewFileTracker() error = %v", err)
	}
	if err := tracker.MarkConverted("hash-a", "a.chat"); err != nil {
		t.Fatalf("MarkConverted() error = %v", err)
	}
	if err := tracker.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	if _, err := os.Stat(filepath.Join(dir, "converted.jsonl")); !os.IsNotExist(err) {
		t.Errorf("state file exists after dry run, stat err = %v", err)
	}

	reloaded, err := NewFileTracker(dir, false)
	if err != nil {
		t.Fatalf("NewFileTracker() reload error = %v", err)
	}
	if reloaded.AlreadyConverted("hash-a") {
		t.Error("dry-run mark survived a reload")
	}
}

func TestFileTrackerEmptyDir(t *testing.T) {
	if _, err := NewFileTracker("  ", true); err == nil {
		t.Fatal("NewFileTracker() expected error for blank directory")
	}
}

func TestFileTrackerSkipsBlankLines(t *testing.T) {
	dir := t.TempDir()
	content := "{\"hash\":\"h1\",\"source\":\"a.chat\"}\n\n{\"hash\":\"h2\",\"source\":\"b.chat\"}\n"
	if err := os.WriteFile(filepath.Join(dir, "converted.jsonl"), []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	tracker, err := NewFileTracker(dir, false)
	if err != nil {
		t.Fatalf("NewFileTracker() error = %v", err)
	}
	if !tracker.AlreadyConverted("h1") || !tracker.AlreadyConverted("h2") {
		t.Error("tracker missed records around a blank line")
	}
}
