package resources

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestStoreBatchLoadBatchRoundTrip(t *testing.T) {
	m, err := NewManager(Config{CacheCapacity: 4})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	t.Cleanup(func() { _ = m.Close() })

	payload := json.RawMessage(`[{"timestamp_ms":1}]`)
	if err := m.StoreBatch("1:gnss", payload); err != nil {
		t.Fatalf("StoreBatch: %v", err)
	}
	got, ok, err := m.LoadBatch("1:gnss")
	if err != nil {
		t.Fatalf("LoadBatch: %v", err)
	}
	if !ok || string(got) != string(payload) {
		t.Fatalf("expected the stored payload back, got ok=%v %s", ok, got)
	}
}

func TestEvictionSpillsToDiskAndReloads(t *testing.T) {
	dir := t.TempDir()
	m, err := NewManager(Config{CacheCapacity: 1, SpillDirectory: dir})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	t.Cleanup(func() { _ = m.Close() })

	first := json.RawMessage(`{"first":true}`)
	if err := m.StoreBatch("a", first); err != nil {
		t.Fatalf("StoreBatch a: %v", err)
	}
	if err := m.StoreBatch("b", json.RawMessage(`{"second":true}`)); err != nil {
		t.Fatalf("StoreBatch b: %v", err)
	}
	if s := m.Stats(); s.SpillFiles != 1 {
		t.Fatalf("expected one spill file after eviction, got %d", s.SpillFiles)
	}

	got, ok, err := m.LoadBatch("a")
	if err != nil {
		t.Fatalf("LoadBatch a: %v", err)
	}
	if !ok || string(got) != string(first) {
		t.Fatalf("expected the evicted payload reloaded from disk, got ok=%v %s", ok, got)
	}
}

func TestCheckpointFlushesToLog(t *testing.T) {
	path := filepath.Join(t.TempDir(), "waypoint.checkpoints")
	m, err := NewManager(Config{CheckpointPath: path, CheckpointInterval: 5 * time.Millisecond})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	m.Checkpoint("1:gnss")
	m.Checkpoint("1:pressure")
	if err := m.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read checkpoint log: %v", err)
	}
	if !strings.Contains(string(data), "1:gnss") || !strings.Contains(string(data), "1:pressure") {
		t.Fatalf("expected both checkpoint entries in the log, got %q", data)
	}
}

func TestAcquireBoundsInFlightWrites(t *testing.T) {
	m, err := NewManager(Config{MaxInFlight: 1})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	t.Cleanup(func() { _ = m.Close() })

	if err := m.Acquire(context.Background()); err != nil {
		t.Fatalf("first Acquire: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := m.Acquire(ctx); err == nil {
		t.Fatalf("expected the second Acquire to block until the context expired")
	}
	m.Release()
	if err := m.Acquire(context.Background()); err != nil {
		t.Fatalf("Acquire after Release: %v", err)
	}
}
