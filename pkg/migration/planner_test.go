package migration

import (
	"context"
	"testing"

	"github.com/shardis/shardis/pkg/mapstore"
	"github.com/shardis/shardis/pkg/shardis"
	"github.com/shardis/shardis/pkg/topology"
)

func snapshotOf(t *testing.T, entries map[string]shardis.ShardId, version uint64) shardis.TopologySnapshot[string] {
	t.Helper()
	mapping := make(map[string]shardis.ShardId, len(entries))
	for k, v := range entries {
		mapping[k] = v
	}
	return shardis.TopologySnapshot[string]{
		Version:   version,
		Mapping:   mapping,
		DriftHash: topology.DriftHash(mapping),
	}
}

func TestInMemoryPlannerProducesOneMovePerChangedKey(t *testing.T) {
	source := snapshotOf(t, map[string]shardis.ShardId{"a": "s0", "b": "s0", "c": "s1"}, 1)
	target := snapshotOf(t, map[string]shardis.ShardId{"a": "s0", "b": "s1", "c": "s0"}, 2)

	plan := InMemoryPlanner[string]{}.Plan(source, target)
	if len(plan.Moves) != 2 {
		t.Fatalf("got %d moves, want 2: %+v", len(plan.Moves), plan.Moves)
	}
	if plan.SourceHash != source.DriftHash {
		t.Fatalf("plan.SourceHash = %d, want source.DriftHash = %d", plan.SourceHash, source.DriftHash)
	}
}

func TestInMemoryPlannerOrdersMovesDeterministically(t *testing.T) {
	source := snapshotOf(t, map[string]shardis.ShardId{"z": "s0", "m": "s0", "a": "s0"}, 1)
	target := snapshotOf(t, map[string]shardis.ShardId{"z": "s1", "m": "s1", "a": "s1"}, 2)

	p1 := InMemoryPlanner[string]{}.Plan(source, target)
	p2 := InMemoryPlanner[string]{}.Plan(source, target)
	if len(p1.Moves) != 3 {
		t.Fatalf("got %d moves, want 3", len(p1.Moves))
	}
	for i := range p1.Moves {
		if p1.Moves[i].Key.Value != p2.Moves[i].Key.Value {
			t.Fatalf("move order not stable across replans: %v vs %v", p1.Moves, p2.Moves)
		}
	}
	if p1.Moves[0].Key.Value != "a" || p1.Moves[1].Key.Value != "m" || p1.Moves[2].Key.Value != "z" {
		t.Fatalf("expected lexicographic order, got %+v", p1.Moves)
	}
}

func TestSegmentedPlannerMatchesInMemoryPlannerForTheSameTopology(t *testing.T) {
	ctx := context.Background()
	store := mapstore.New[string]()
	source := map[string]shardis.ShardId{"a": "s0", "b": "s0", "c": "s1", "d": "s1"}
	for k, shard := range source {
		if _, _, err := store.TryAssign(ctx, shardis.NewShardKey(k), shard); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}

	target := map[string]shardis.ShardId{"a": "s1", "b": "s0", "c": "s1", "d": "s0"}
	resolve := func(key string, current shardis.ShardId) shardis.ShardId { return target[key] }

	sourceSnap, err := topology.Materialize[string](ctx, store, 1)
	if err != nil {
		t.Fatalf("materialize: %v", err)
	}
	targetSnap := snapshotOf(t, target, 2)

	wantPlan := InMemoryPlanner[string]{}.Plan(sourceSnap, targetSnap)

	segPlan, err := SegmentedPlanner[string]{SegmentSize: 2}.Plan(ctx, store, resolve, sourceSnap.DriftHash)
	if err != nil {
		t.Fatalf("segmented plan: %v", err)
	}

	if len(segPlan.Moves) != len(wantPlan.Moves) {
		t.Fatalf("got %d moves, want %d", len(segPlan.Moves), len(wantPlan.Moves))
	}
	for i := range wantPlan.Moves {
		if segPlan.Moves[i] != wantPlan.Moves[i] {
			t.Fatalf("move %d: got %+v, want %+v", i, segPlan.Moves[i], wantPlan.Moves[i])
		}
	}
	if segPlan.SourceHash != sourceSnap.DriftHash {
		t.Fatalf("segPlan.SourceHash = %d, want %d", segPlan.SourceHash, sourceSnap.DriftHash)
	}
}

func TestSegmentedPlannerDryRunCountsWithoutAllocatingMoves(t *testing.T) {
	ctx := context.Background()
	store := mapstore.New[string]()
	seed := map[string]shardis.ShardId{"a": "s0", "b": "s0", "c": "s1"}
	for k, shard := range seed {
		if _, _, err := store.TryAssign(ctx, shardis.NewShardKey(k), shard); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
	resolve := func(key string, current shardis.ShardId) shardis.ShardId {
		if key == "a" {
			return "s1"
		}
		return current
	}

	examined, moves, err := SegmentedPlanner[string]{}.PlanDryRun(ctx, store, resolve)
	if err != nil {
		t.Fatalf("dry run: %v", err)
	}
	if examined != 3 {
		t.Fatalf("examined = %d, want 3", examined)
	}
	if moves != 1 {
		t.Fatalf("moves = %d, want 1", moves)
	}
}

func TestSegmentedPlannerStopsOnCanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	store := mapstore.New[string]()
	if _, _, err := store.TryAssign(context.Background(), shardis.NewShardKey("a"), "s0"); err != nil {
		t.Fatalf("seed: %v", err)
	}

	resolve := func(key string, current shardis.ShardId) shardis.ShardId { return current }
	_, _, err := SegmentedPlanner[string]{SegmentSize: 1}.PlanDryRun(ctx, store, resolve)
	if err == nil {
		t.Fatal("expected an error from a canceled context")
	}
}
