// Package routing implements the shard router (C4): resolving a key to the
// shard that owns it, assigning one on first sight, and upholding the
// single-miss metrics invariant under concurrent callers (§4.3).
//
// © 2025 shardis authors. MIT License.
package routing

import (
	"sort"

	"github.com/shardis/shardis/pkg/ring"
	"github.com/shardis/shardis/pkg/shardis"
)

// Strategy picks a candidate shard for a key's hash on a miss, and reports
// whether a previously-stored shard id is still part of the live topology
// (§4.3 fallback clause).
type Strategy interface {
	Select(keyHash uint64) (shardis.ShardId, error)
	IsLive(shard shardis.ShardId) bool
	Name() string
}

// DefaultStrategy implements the default router: keyHash mod shardCount,
// a fixed shard set after construction (§4.3 "Default router"). Any
// topology change requires building a new Strategy/Router; this strategy
// never attempts a live re-route, so IsLive is always true — there is
// nothing for the fallback path to react to.
type DefaultStrategy struct {
	shards []shardis.ShardId
}

// NewDefaultStrategy builds a fixed mod-N strategy over a shard id list.
// The list is sorted so Select is deterministic regardless of input order
// at construction (§8 property 1).
func NewDefaultStrategy(ids []shardis.ShardId) (*DefaultStrategy, error) {
	if len(ids) == 0 {
		return nil, shardis.ErrInvalidConfiguration
	}
	seen := make(map[shardis.ShardId]struct{}, len(ids))
	sorted := append([]shardis.ShardId(nil), ids...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	for _, id := range sorted {
		if !id.Valid() {
			return nil, shardis.ErrInvalidConfiguration
		}
		if _, dup := seen[id]; dup {
			return nil, shardis.ErrDuplicateShard
		}
		seen[id] = struct{}{}
	}
	return &DefaultStrategy{shards: sorted}, nil
}

func (d *DefaultStrategy) Select(keyHash uint64) (shardis.ShardId, error) {
	return d.shards[keyHash%uint64(len(d.shards))], nil
}

func (d *DefaultStrategy) IsLive(shardis.ShardId) bool { return true }

func (d *DefaultStrategy) Name() string { return "default" }

// ConsistentHashStrategy implements the consistent-hash router: shard
// selection via the ring snapshot, supporting dynamic topology (§4.3
// "Consistent-hash router").
type ConsistentHashStrategy struct {
	r *ring.Ring
}

// NewConsistentHashStrategy wraps an already-built Ring.
func NewConsistentHashStrategy(r *ring.Ring) *ConsistentHashStrategy {
	return &ConsistentHashStrategy{r: r}
}

func (c *ConsistentHashStrategy) Select(keyHash uint64) (shardis.ShardId, error) {
	shard, ok := c.r.Current().ShardFor(keyHash)
	if !ok {
		return "", shardis.ErrShardUnavailable
	}
	return shard, nil
}

func (c *ConsistentHashStrategy) IsLive(shard shardis.ShardId) bool {
	return c.r.Current().Contains(shard)
}

func (c *ConsistentHashStrategy) Name() string { return "consistent-hash" }
