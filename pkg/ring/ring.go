// Package ring implements the consistent-hash ring (C5): an immutable pair
// of sorted arrays published behind a single atomic pointer, the way the
// teacher publishes a new *generation ring slot with no reader-visible torn
// state (internal/genring.Rotate). Here the "rotation" is a full topology
// replace instead of a time-boxed slot, but the publication discipline —
// build off-band, swap one pointer — is the same idea.
//
// © 2025 shardis authors. MIT License.
package ring

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/shardis/shardis/pkg/shardis"
)

// Snapshot is an immutable sorted view of virtual nodes (§3 "Ring
// snapshot", §4.1). hashes is strictly increasing; owners has the same
// length. Readers never see a torn snapshot because Ring only ever swaps
// the pointer to a fully-built Snapshot.
type Snapshot struct {
	hashes []uint64
	owners []shardis.ShardId
}

// Len returns the number of virtual nodes in the snapshot.
func (s *Snapshot) Len() int {
	if s == nil {
		return 0
	}
	return len(s.hashes)
}

// ShardFor resolves hash to the owning shard by binary search for the
// lowest ring hash >= hash, wrapping around to index 0 (§3, §4.1). Returns
// false if the snapshot is empty.
func (s *Snapshot) ShardFor(hash uint64) (shardis.ShardId, bool) {
	if s == nil || len(s.hashes) == 0 {
		return "", false
	}
	i := sort.Search(len(s.hashes), func(i int) bool { return s.hashes[i] >= hash })
	if i == len(s.hashes) {
		i = 0
	}
	return s.owners[i], true
}

// Shards returns the distinct set of shard ids present in the snapshot, in
// no particular order.
func (s *Snapshot) Shards() []shardis.ShardId {
	if s == nil {
		return nil
	}
	seen := make(map[shardis.ShardId]struct{})
	out := make([]shardis.ShardId, 0, 8)
	for _, o := range s.owners {
		if _, ok := seen[o]; !ok {
			seen[o] = struct{}{}
			out = append(out, o)
		}
	}
	return out
}

// Contains reports whether id owns at least one virtual node in s.
func (s *Snapshot) Contains(id shardis.ShardId) bool {
	if s == nil {
		return false
	}
	for _, o := range s.owners {
		if o == id {
			return true
		}
	}
	return false
}

type vnode struct {
	hash  uint64
	shard shardis.ShardId
	idx   int
}

// vnodeEntry carries the tie-break key alongside the computed hash so the
// sort is deterministic: ties broken by (shardId lexicographic,
// replicaIndex) per §4.1.
type vnodeEntry struct {
	vnode
}

func buildSnapshot(hasher shardis.IShardRingHasher, shards []shardis.ShardId, replicationFactor int) (*Snapshot, error) {
	if err := shardis.ValidateReplicationFactor(replicationFactor); err != nil {
		return nil, err
	}
	seen := make(map[shardis.ShardId]struct{}, len(shards))
	for _, id := range shards {
		if !id.Valid() {
			return nil, fmt.Errorf("%w: shard id must be non-empty", shardis.ErrInvalidConfiguration)
		}
		if _, dup := seen[id]; dup {
			return nil, fmt.Errorf("%w: %q", shardis.ErrDuplicateShard, id)
		}
		seen[id] = struct{}{}
	}

	entries := make([]vnodeEntry, 0, len(shards)*replicationFactor)
	for _, id := range shards {
		for r := 0; r < replicationFactor; r++ {
			entries = append(entries, vnodeEntry{vnode{
				hash:  hasher.Hash(id, r),
				shard: id,
				idx:   r,
			}})
		}
	}

	sort.Slice(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if a.hash != b.hash {
			return a.hash < b.hash
		}
		if a.shard != b.shard {
			return a.shard < b.shard
		}
		return a.idx < b.idx
	})

	hashes := make([]uint64, len(entries))
	owners := make([]shardis.ShardId, len(entries))
	for i, e := range entries {
		hashes[i] = e.hash
		owners[i] = e.shard
	}
	return &Snapshot{hashes: hashes, owners: owners}, nil
}

// Ring owns the single atomic pointer to the current Snapshot. Topology
// mutations (AddShard/RemoveShard) build a new snapshot off-band under a
// mutex that excludes concurrent writers, then atomically publish it;
// readers calling Current never block and never observe a torn snapshot
// (§4.1, §5).
type Ring struct {
	hasher            shardis.IShardRingHasher
	replicationFactor int

	writeMu sync.Mutex // serializes topology mutations; readers never take it
	current atomic.Pointer[Snapshot]
	shards  []shardis.ShardId // writer-owned source list, mutated only under writeMu
}

// New builds a Ring from an initial shard set. replicationFactor must be in
// [1, 10000] (§4.1).
func New(hasher shardis.IShardRingHasher, shards []shardis.ShardId, replicationFactor int) (*Ring, error) {
	snap, err := buildSnapshot(hasher, shards, replicationFactor)
	if err != nil {
		return nil, err
	}
	r := &Ring{
		hasher:            hasher,
		replicationFactor: replicationFactor,
		shards:            append([]shardis.ShardId(nil), shards...),
	}
	r.current.Store(snap)
	return r, nil
}

// Current returns the live snapshot. Single atomic load; no partial
// publication is ever observable (§5 "Ring snapshot read is single-load
// atomic").
func (r *Ring) Current() *Snapshot {
	return r.current.Load()
}

// AddShard registers a new shard and republishes the ring. Fails with
// ErrDuplicateShard if id is already present.
func (r *Ring) AddShard(id shardis.ShardId) error {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	for _, s := range r.shards {
		if s == id {
			return fmt.Errorf("%w: %q", shardis.ErrDuplicateShard, id)
		}
	}
	next := append(append([]shardis.ShardId(nil), r.shards...), id)
	snap, err := buildSnapshot(r.hasher, next, r.replicationFactor)
	if err != nil {
		return err
	}
	r.shards = next
	r.current.Store(snap)
	return nil
}

// RemoveShard drops id and republishes the ring. It refuses to remove the
// last remaining shard if the caller still expects keys to be routable
// (§4.1 "Removing a shard always leaves at least one shard if any keys
// remain").
func (r *Ring) RemoveShard(id shardis.ShardId) error {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	if len(r.shards) <= 1 {
		return fmt.Errorf("%w: cannot remove the last shard %q", shardis.ErrInvalidConfiguration, id)
	}
	next := make([]shardis.ShardId, 0, len(r.shards))
	found := false
	for _, s := range r.shards {
		if s == id {
			found = true
			continue
		}
		next = append(next, s)
	}
	if !found {
		return nil
	}
	snap, err := buildSnapshot(r.hasher, next, r.replicationFactor)
	if err != nil {
		return err
	}
	r.shards = next
	r.current.Store(snap)
	return nil
}

// ReplicationFactor returns the constant replication factor for this ring
// (§4.1 "Replication factor per shard is constant across a snapshot").
func (r *Ring) ReplicationFactor() int { return r.replicationFactor }
