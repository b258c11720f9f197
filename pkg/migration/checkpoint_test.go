package migration

import (
	"context"
	"testing"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"

	"github.com/shardis/shardis/pkg/shardis"
)

func TestInMemoryCheckpointStoreLoadReturnsNilNilWhenAbsent(t *testing.T) {
	s := NewInMemoryCheckpointStore[string]()
	cp, err := s.Load(context.Background(), uuid.New())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cp != nil {
		t.Fatalf("expected nil checkpoint, got %+v", cp)
	}
}

func TestInMemoryCheckpointStoreRoundTrips(t *testing.T) {
	s := NewInMemoryCheckpointStore[string]()
	planID := uuid.New()
	cp := shardis.NewMigrationCheckpoint[string](planID)
	cp.States["a"] = shardis.Copied
	cp.ResumeHints["a"] = shardis.ResumeHint{Evidence: "etag-1"}
	cp.LastProcessedIndex = 3

	if err := s.Persist(context.Background(), cp); err != nil {
		t.Fatalf("Persist: %v", err)
	}

	// Mutating the original after Persist must not affect what was stored.
	cp.States["a"] = shardis.Failed

	loaded, err := s.Load(context.Background(), planID)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded == nil {
		t.Fatal("expected a loaded checkpoint")
	}
	if loaded.States["a"] != shardis.Copied {
		t.Fatalf("got state %v, want Copied (Persist must snapshot, not alias)", loaded.States["a"])
	}
	if loaded.ResumeHints["a"].Evidence != "etag-1" {
		t.Fatalf("resume hint not round-tripped: %+v", loaded.ResumeHints["a"])
	}
	if loaded.LastProcessedIndex != 3 {
		t.Fatalf("got LastProcessedIndex %d, want 3", loaded.LastProcessedIndex)
	}
}

func TestBadgerCheckpointStoreRoundTrips(t *testing.T) {
	dir := t.TempDir()
	db, err := badger.Open(badger.DefaultOptions(dir).WithLogger(nil))
	if err != nil {
		t.Fatalf("badger.Open: %v", err)
	}
	defer db.Close()

	store := NewBadgerCheckpointStore[string](db, StringKeyCodec())
	planID := uuid.New()
	cp := shardis.NewMigrationCheckpoint[string](planID)
	cp.States["a"] = shardis.Verified
	cp.States["b"] = shardis.Failed
	cp.ResumeHints["a"] = shardis.ResumeHint{Evidence: "v7"}
	cp.UpdatedAt = time.Now()

	if err := store.Persist(context.Background(), cp); err != nil {
		t.Fatalf("Persist: %v", err)
	}

	loaded, err := store.Load(context.Background(), planID)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded == nil {
		t.Fatal("expected a loaded checkpoint")
	}
	if loaded.States["a"] != shardis.Verified || loaded.States["b"] != shardis.Failed {
		t.Fatalf("states not round-tripped: %+v", loaded.States)
	}
	if loaded.ResumeHints["a"].Evidence != "v7" {
		t.Fatalf("resume hint not round-tripped: %+v", loaded.ResumeHints["a"])
	}
}

func TestBadgerCheckpointStoreLoadReturnsNilNilWhenAbsent(t *testing.T) {
	dir := t.TempDir()
	db, err := badger.Open(badger.DefaultOptions(dir).WithLogger(nil))
	if err != nil {
		t.Fatalf("badger.Open: %v", err)
	}
	defer db.Close()

	store := NewBadgerCheckpointStore[string](db, StringKeyCodec())
	cp, err := store.Load(context.Background(), uuid.New())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cp != nil {
		t.Fatalf("expected nil checkpoint, got %+v", cp)
	}
}
