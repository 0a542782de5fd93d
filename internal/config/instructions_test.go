package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestInstructionsLoadTrimmed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "instructions.md")
	if err := os.WriteFile(path, []byte("\n  You are a voice assistant.\n\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	inst := NewInstructions(path)
	got, err := inst.Load()
	if err != nil {
		t.Fatal(err)
	}
	if got != "You are a voice assistant." {
		t.Errorf("got %q", got)
	}
}

func TestInstructionsEmptyFileIsError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "instructions.md")
	if err := os.WriteFile(path, []byte("  \n\t\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	if _, err := NewInstructions(path).Load(); err == nil {
		t.Fatal("expected error for empty file")
	}
}

func TestInstructionsMissingFileIsError(t *testing.T) {
	if _, err := NewInstructions(filepath.Join(t.TempDir(), "gone.md")).Load(); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestInstructionsCachedByMtime(t *testing.T) {
	path := filepath.Join(t.TempDir(), "instructions.md")
	if err := os.WriteFile(path, []byte("first"), 0o600); err != nil {
		t.Fatal(err)
	}

	inst := NewInstructions(path)
	if got, err := inst.Load(); err != nil || got != "first" {
		t.Fatalf("got %q, %v", got, err)
	}

	// Rewrite with a different mtime; the loader must pick up the change.
	if err := os.WriteFile(path, []byte("second"), 0o600); err != nil {
		t.Fatal(err)
	}
	future := time.Now().Add(2 * time.Second)
	if err := os.Chtimes(path, future, future); err != nil {
		t.Fatal(err)
	}

	if got, err := inst.Load(); err != nil || got != "second" {
		t.Fatalf("after rewrite: got %q, %v", got, err)
	}
}
