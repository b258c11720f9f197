// Package migration implements the key migration planner and executor
// (C8, C9): computing a move list between two topologies and driving it
// through a copy -> verify -> swap pipeline with retries, checkpointed
// resume, and batched atomic swap (§4.5, §4.6).
//
// © 2025 shardis authors. MIT License.
package migration

import (
	"context"
	"fmt"
	"sort"

	"github.com/shardis/shardis/pkg/shardis"
	"github.com/shardis/shardis/pkg/topology"
)

// TargetResolver decides, for a key currently on currentShard, what shard
// it should end up on. A nil-free resolver is required; returning
// currentShard means "no move".
type TargetResolver[K comparable] func(key K, currentShard shardis.ShardId) shardis.ShardId

// InMemoryPlanner computes a MigrationPlan by materializing both
// topologies fully and diffing them (§4.5 "In-memory planner"). Suitable
// when both snapshots comfortably fit in memory.
type InMemoryPlanner[K comparable] struct{}

// Plan diffs source against target and returns a plan with moves ordered
// deterministically by a stable string rendering of the key, so repeated
// planning over identical inputs produces an identical move order
// regardless of Go's randomized map iteration.
func (InMemoryPlanner[K]) Plan(source, target shardis.TopologySnapshot[K]) shardis.MigrationPlan[K] {
	moves := topology.Diff(source, target)
	sortMovesByKey(moves)
	return shardis.NewMigrationPlan(moves, source.DriftHash)
}

func sortMovesByKey[K comparable](moves []shardis.KeyMove[K]) {
	sort.Slice(moves, func(i, j int) bool {
		return fmt.Sprintf("%v", moves[i].Key.Value) < fmt.Sprintf("%v", moves[j].Key.Value)
	})
}

// SegmentedPlanner computes a MigrationPlan by streaming the source via
// the map store's enumeration interface instead of materializing a full
// source topology map (§4.5 "Segmented planner"). Entries are visited one
// at a time as the store yields them; SegmentSize only sets how many
// entries are visited between ctx cancellation checks. Moves are not
// emitted per segment: the resulting plan holds every move in memory —
// the same shape the executor already requires.
type SegmentedPlanner[K comparable] struct {
	SegmentSize int // default 1000 if <= 0
}

func (p SegmentedPlanner[K]) segmentSize() int {
	if p.SegmentSize <= 0 {
		return 1000
	}
	return p.SegmentSize
}

// Plan streams store's enumeration, checking ctx every SegmentSize entries
// and resolving each key's target shard via resolve, and returns a plan containing every
// key whose resolved target differs from its current shard.
func (p SegmentedPlanner[K]) Plan(ctx context.Context, store shardis.IShardMapEnumerationStore[K], resolve TargetResolver[K], sourceHash uint64) (shardis.MigrationPlan[K], error) {
	var moves []shardis.KeyMove[K]
	err := p.walk(ctx, store, func(entry shardis.MapEntry[K]) {
		target := resolve(entry.Key.Value, entry.ShardID)
		if target == entry.ShardID {
			return
		}
		moves = append(moves, shardis.KeyMove[K]{Key: entry.Key, Source: entry.ShardID, Target: target})
	})
	if err != nil {
		return shardis.MigrationPlan[K]{}, err
	}
	sortMovesByKey(moves)
	return shardis.NewMigrationPlan(moves, sourceHash), nil
}

// PlanDryRun streams the same walk as Plan but allocates no move records,
// returning only how many entries were examined and how many would move
// (§4.5 "Supports a dryRun variant returning (examined, moves) counts
// without allocating move records").
func (p SegmentedPlanner[K]) PlanDryRun(ctx context.Context, store shardis.IShardMapEnumerationStore[K], resolve TargetResolver[K]) (examined, moves int, err error) {
	err = p.walk(ctx, store, func(entry shardis.MapEntry[K]) {
		examined++
		if resolve(entry.Key.Value, entry.ShardID) != entry.ShardID {
			moves++
		}
	})
	return examined, moves, err
}

// walk drives store's enumerator, invoking visit for every entry. The
// SegmentSize field does not change the enumeration strategy itself (the
// underlying store already streams one entry at a time); it sets how many
// entries are visited between ctx.Err() checks.
func (p SegmentedPlanner[K]) walk(ctx context.Context, store shardis.IShardMapEnumerationStore[K], visit func(shardis.MapEntry[K])) error {
	enum := store.Enumerate(ctx)
	defer enum.Close()

	examinedInSegment := 0
	for enum.Next() {
		visit(enum.Entry())
		examinedInSegment++
		if examinedInSegment >= p.segmentSize() {
			examinedInSegment = 0
			if err := ctx.Err(); err != nil {
				return err
			}
		}
	}
	return enum.Err()
}
