package ident_test

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/snehjoshi/admitq/internal/ident"
)

func TestWorkerID_GeneratedOnFirstStart(t *testing.T) {
	id, err := ident.WorkerID(t.TempDir(), "auto")
	if err != nil {
		t.Fatalf("WorkerID() error: %v", err)
	}
	if len(id) != 26 {
		t.Errorf("ULID should be 26 chars, got %d: %s", len(id), id)
	}
}

func TestWorkerID_StableAcrossRestarts(t *testing.T) {
	dir := t.TempDir()

	first, err := ident.WorkerID(dir, "")
	if err != nil {
		t.Fatalf("first WorkerID() error: %v", err)
	}
	second, err := ident.WorkerID(dir, "auto")
	if err != nil {
		t.Fatalf("second WorkerID() error: %v", err)
	}
	if first != second {
		t.Errorf("worker id changed across restarts: %s != %s", first, second)
	}

	data, err := os.ReadFile(filepath.Join(dir, "worker_id"))
	if err != nil {
		t.Fatalf("worker_id file not found: %v", err)
	}
	if got := strings.TrimSpace(string(data)); got != first {
		t.Errorf("persisted id %q != returned id %q", got, first)
	}
}

func TestWorkerID_Override(t *testing.T) {
	override := ident.MustNewID()
	id, err := ident.WorkerID("", override)
	if err != nil {
		t.Fatalf("WorkerID() with override error: %v", err)
	}
	if id != override {
		t.Errorf("want %s, got %s", override, id)
	}

	if _, err := ident.WorkerID(t.TempDir(), "not-a-valid-ulid"); err == nil {
		t.Error("expected error for invalid override")
	}
}

func TestWorkerID_CorruptFile(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "worker_id"), []byte("garbage\n"), 0o640); err != nil {
		t.Fatal(err)
	}
	if _, err := ident.WorkerID(dir, "auto"); err == nil {
		t.Error("expected error for corrupt worker_id file")
	}
}

func TestNewID_MonotonicUnderConcurrency(t *testing.T) {
	const n = 500
	ids := make([]string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ids[i] = ident.MustNewID()
		}(i)
	}
	wg.Wait()

	seen := make(map[string]bool, n)
	for _, id := range ids {
		if seen[id] {
			t.Fatalf("duplicate id %s", id)
		}
		seen[id] = true
		if err := ident.Valid(id); err != nil {
			t.Fatalf("invalid id %s: %v", id, err)
		}
	}
}
