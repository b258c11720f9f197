package topology

import (
	"context"
	"testing"

	"github.com/shardis/shardis/pkg/mapstore"
	"github.com/shardis/shardis/pkg/shardis"
)

func seedStore(t *testing.T, entries map[string]shardis.ShardId) *mapstore.Store[string] {
	t.Helper()
	s := mapstore.New[string]()
	for k, shard := range entries {
		if _, _, err := s.TryAssign(context.Background(), shardis.NewShardKey(k), shard); err != nil {
			t.Fatalf("seed TryAssign: %v", err)
		}
	}
	return s
}

func TestMaterializeCapturesEveryAssignment(t *testing.T) {
	store := seedStore(t, map[string]shardis.ShardId{
		"a": "shard-0",
		"b": "shard-1",
		"c": "shard-0",
	})
	snap, err := Materialize[string](context.Background(), store, 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if snap.Version != 1 {
		t.Fatalf("got version %d, want 1", snap.Version)
	}
	if len(snap.Mapping) != 3 {
		t.Fatalf("got %d entries, want 3", len(snap.Mapping))
	}
	for k, want := range map[string]shardis.ShardId{"a": "shard-0", "b": "shard-1", "c": "shard-0"} {
		if got := snap.Mapping[k]; got != want {
			t.Fatalf("key %q: got %q, want %q", k, got, want)
		}
	}
}

func TestDriftHashIsOrderIndependent(t *testing.T) {
	a := map[string]shardis.ShardId{"x": "shard-0", "y": "shard-1", "z": "shard-2"}
	b := map[string]shardis.ShardId{"z": "shard-2", "x": "shard-0", "y": "shard-1"}
	if DriftHash(a) != DriftHash(b) {
		t.Fatal("drift hash must not depend on map iteration order")
	}
}

func TestDriftHashChangesWhenAnyAssignmentChanges(t *testing.T) {
	base := map[string]shardis.ShardId{"x": "shard-0", "y": "shard-1"}
	changed := map[string]shardis.ShardId{"x": "shard-0", "y": "shard-2"}
	if DriftHash(base) == DriftHash(changed) {
		t.Fatal("expected drift hash to change when an assignment changes")
	}
}

func TestDriftHashIsStableAcrossRepeatedComputation(t *testing.T) {
	m := map[string]shardis.ShardId{"x": "shard-0", "y": "shard-1"}
	if DriftHash(m) != DriftHash(m) {
		t.Fatal("drift hash must be deterministic for identical input")
	}
}

func TestDiffFindsOnlyChangedKeys(t *testing.T) {
	source := shardis.TopologySnapshot[string]{Mapping: map[string]shardis.ShardId{
		"a": "shard-0",
		"b": "shard-0",
		"c": "shard-1",
	}}
	target := shardis.TopologySnapshot[string]{Mapping: map[string]shardis.ShardId{
		"a": "shard-0",
		"b": "shard-1",
		"c": "shard-0",
	}}
	moves := Diff(source, target)
	if len(moves) != 2 {
		t.Fatalf("got %d moves, want 2: %+v", len(moves), moves)
	}
	byKey := make(map[string]shardis.KeyMove[string], len(moves))
	for _, m := range moves {
		byKey[m.Key.Value] = m
	}
	if mv, ok := byKey["b"]; !ok || mv.Source != "shard-0" || mv.Target != "shard-1" {
		t.Fatalf("unexpected move for b: %+v", mv)
	}
	if mv, ok := byKey["c"]; !ok || mv.Source != "shard-1" || mv.Target != "shard-0" {
		t.Fatalf("unexpected move for c: %+v", mv)
	}
	if _, ok := byKey["a"]; ok {
		t.Fatal("unchanged key a must not appear in the diff")
	}
}

func TestDiffSkipsKeysAbsentFromEitherSide(t *testing.T) {
	source := shardis.TopologySnapshot[string]{Mapping: map[string]shardis.ShardId{
		"only-source": "shard-0",
		"both":        "shard-0",
	}}
	target := shardis.TopologySnapshot[string]{Mapping: map[string]shardis.ShardId{
		"only-target": "shard-1",
		"both":        "shard-1",
	}}
	moves := Diff(source, target)
	if len(moves) != 1 || moves[0].Key.Value != "both" {
		t.Fatalf("got %+v, want exactly one move for key \"both\"", moves)
	}
}
