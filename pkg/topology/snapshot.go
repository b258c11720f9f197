// Package topology implements topology snapshot materialization and
// drift detection (C12): turning a map store's enumeration into an
// immutable shardis.TopologySnapshot, plus an order-independent hash over
// its contents that the migration planner and executor use to detect a
// topology change between plan time and execute time (§4.5 "Topology
// drift protection", §9 open question 3).
//
// © 2025 shardis authors. MIT License.
package topology

import (
	"context"

	"github.com/cespare/xxhash/v2"

	"github.com/shardis/shardis/pkg/shardis"
)

// Materialize drains store's enumeration into a full in-memory
// shardis.TopologySnapshot, assigning it version (a caller-supplied,
// monotonically increasing sequence — the map store itself only versions
// individual keys, not the topology as a whole, so ownership of the
// snapshot sequence belongs to whoever is taking snapshots: a planner, a
// periodic drift auditor, etc).
func Materialize[K comparable](ctx context.Context, store shardis.IShardMapEnumerationStore[K], version uint64) (shardis.TopologySnapshot[K], error) {
	mapping := make(map[K]shardis.ShardId)
	enum := store.Enumerate(ctx)
	defer enum.Close()

	for enum.Next() {
		entry := enum.Entry()
		mapping[entry.Key.Value] = entry.ShardID
	}
	if err := enum.Err(); err != nil {
		return shardis.TopologySnapshot[K]{}, err
	}

	return shardis.TopologySnapshot[K]{
		Version:   version,
		Mapping:   mapping,
		DriftHash: DriftHash(mapping),
	}, nil
}

// DriftHash computes an order-independent hash over a key->shard mapping:
// each (key, shard) pair is hashed into a single 64-bit digest, and the
// per-pair digests are combined with XOR, which is commutative and
// associative, so map iteration order never affects the result. Two
// topologies with the same DriftHash are extremely unlikely to differ;
// this is a change detector, not a cryptographic commitment.
func DriftHash[K comparable](mapping map[K]shardis.ShardId) uint64 {
	var acc uint64
	hasher := shardis.NewXXHashKeyHasher[K]()
	for k, shard := range mapping {
		acc ^= pairDigest(hasher.Hash(k), shard)
	}
	return acc
}

func pairDigest(keyHash uint64, shard shardis.ShardId) uint64 {
	d := xxhash.New()
	var buf [8]byte
	for i := range buf {
		buf[i] = byte(keyHash >> (8 * i))
	}
	_, _ = d.Write(buf[:])
	_, _ = d.WriteString(string(shard))
	return d.Sum64()
}

// Diff reports the moves needed to go from source to target: every key
// whose mapping differs (present in target with a different shard, or
// present in one but not the other counts as a move from/to the empty
// shard id's absence — shardis.MigrationPlan only models reassignment of
// keys known on both sides, so keys absent from one snapshot are skipped;
// callers that need to model shard additions/removals do so before
// calling Diff, by pre-seeding the missing side). Order is unspecified
// (map iteration); callers that need deterministic plan ordering (§4.5)
// sort the result themselves.
func Diff[K comparable](source, target shardis.TopologySnapshot[K]) []shardis.KeyMove[K] {
	var moves []shardis.KeyMove[K]
	for k, from := range source.Mapping {
		to, ok := target.Mapping[k]
		if !ok || to == from {
			continue
		}
		moves = append(moves, shardis.KeyMove[K]{
			Key:    shardis.NewShardKey(k),
			Source: from,
			Target: to,
		})
	}
	return moves
}
