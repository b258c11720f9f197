package routing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shardis/shardis/internal/windowset"
	"github.com/shardis/shardis/pkg/shardis"
)

// Router implements shardis.IShardRouter over a pluggable Strategy (§4.3).
// Both the default and consistent-hash routers share this type; they differ
// only in which Strategy they're built with.
type Router[K comparable] struct {
	name      string
	strategy  Strategy
	store     shardis.IShardMapStore[K]
	swapper   shardis.IShardMapSwapper[K]
	keyHasher shardis.IShardKeyHasher[K]
	metrics   shardis.IShardisMetrics
	missSeen  *windowset.Set[uint64]
}

// Option configures a Router at construction, mirroring the teacher's
// functional-options pattern (pkg/config.go).
type Option[K comparable] func(*Router[K])

// WithMetrics attaches a RouteHit/RouteMiss sink. Defaults to a noop sink
// if never called.
func WithMetrics[K comparable](m shardis.IShardisMetrics) Option[K] {
	return func(r *Router[K]) { r.metrics = m }
}

// WithMissDedupWindow overrides the default rolling window used to bound
// the single-miss-per-key dedup set (§4.3, §9 supplement 1). Defaults to
// one minute.
func WithMissDedupWindow[K comparable](d time.Duration) Option[K] {
	return func(r *Router[K]) { r.missSeen = windowset.New[uint64](d) }
}

// WithSwapper overrides the swapper used for stale-assignment fallback
// reassignment (§4.3 "existing stored assignment points to a shard no
// longer present"). Defaults to store if store also implements
// IShardMapSwapper, which is true for pkg/mapstore.Store.
func WithSwapper[K comparable](s shardis.IShardMapSwapper[K]) Option[K] {
	return func(r *Router[K]) { r.swapper = s }
}

// New builds a Router over strategy and store. name identifies the router
// instance in metrics label values (e.g. "default", "consistent-hash").
func New[K comparable](name string, strategy Strategy, store shardis.IShardMapStore[K], keyHasher shardis.IShardKeyHasher[K], opts ...Option[K]) *Router[K] {
	r := &Router[K]{
		name:      name,
		strategy:  strategy,
		store:     store,
		keyHasher: keyHasher,
		missSeen:  windowset.New[uint64](time.Minute),
	}
	if s, ok := store.(shardis.IShardMapSwapper[K]); ok {
		r.swapper = s
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.metrics == nil {
		r.metrics = noopMetrics{}
	}
	return r
}

type noopMetrics struct{}

func (noopMetrics) RouteHit(string, shardis.ShardId, bool) {}
func (noopMetrics) RouteMiss(string)                       {}

// Route implements the §4.3 operation contract:
//  1. tryGet(key); present -> RouteHit(existing=true), return it, unless the
//     stored shard has fallen out of the live topology, in which case the
//     assignment is reproposed as though it were a fresh miss.
//  2. On miss, compute a candidate via the strategy.
//  3. tryGetOrAdd(key, candidate) to resolve the race against concurrent
//     first-sight callers.
//  4. Emit RouteMiss exactly once per key (dedup set), and RouteHit with
//     existing=false on that same call; every other caller sees
//     existing=true.
func (r *Router[K]) Route(ctx context.Context, key shardis.ShardKey[K]) (shardis.ShardId, error) {
	if existing, ok, err := r.store.TryGet(ctx, key); err != nil {
		return "", err
	} else if ok {
		if r.strategy.IsLive(existing) {
			r.metrics.RouteHit(r.name, existing, true)
			return existing, nil
		}
		reassigned, err := r.reassignStale(ctx, key, existing)
		if err != nil {
			return "", err
		}
		return reassigned, nil
	}

	hash := r.keyHasher.Hash(key.Value)
	candidate, err := r.strategy.Select(hash)
	if err != nil {
		return "", err
	}

	winner, createdByUs, err := r.store.TryGetOrAdd(ctx, key, func() shardis.ShardId { return candidate })
	if err != nil {
		return "", err
	}

	if createdByUs && r.missSeen.MarkIfAbsent(hash) {
		r.metrics.RouteMiss(r.name)
		r.metrics.RouteHit(r.name, winner, false)
	} else {
		r.metrics.RouteHit(r.name, winner, true)
	}
	return winner, nil
}

// reassignStale handles the §4.3 fallback clause: the stored shard no
// longer owns any virtual node in the current topology. A fresh candidate
// is selected and atomically swapped in under an optimistic check against
// the stale shard. The transition is reported as a RouteMiss only when the
// key's hash has no mark in the miss-dedup window; otherwise it is
// reported as a RouteHit on an existing assignment. A lost
// race against a concurrent reassigner is not an error — whatever shard
// won is still a valid, live answer, fetched via a plain re-read.
func (r *Router[K]) reassignStale(ctx context.Context, key shardis.ShardKey[K], stale shardis.ShardId) (shardis.ShardId, error) {
	if r.swapper == nil {
		// No swapper configured: nothing can correct the stale mapping, so
		// surface it as-is rather than silently routing to a dead shard.
		return "", fmt.Errorf("%w: stored shard %q is no longer live and no swapper is configured", shardis.ErrTopologyDrift, stale)
	}

	hash := r.keyHasher.Hash(key.Value)
	candidate, err := r.strategy.Select(hash)
	if err != nil {
		return "", err
	}

	err = r.swapper.Swap(ctx, []shardis.KeyMove[K]{{Key: key, Source: stale, Target: candidate}})
	if err == nil {
		if r.missSeen.MarkIfAbsent(hash) {
			r.metrics.RouteMiss(r.name)
			r.metrics.RouteHit(r.name, candidate, false)
		} else {
			r.metrics.RouteHit(r.name, candidate, true)
		}
		return candidate, nil
	}
	if !errors.Is(err, shardis.ErrOptimisticConflict) {
		return "", err
	}
	// Lost the race against a concurrent reassigner; whatever it landed on
	// is still a valid, live answer.
	current, ok, getErr := r.store.TryGet(ctx, key)
	if getErr != nil {
		return "", getErr
	}
	if !ok {
		return "", err
	}
	r.metrics.RouteHit(r.name, current, true)
	return current, nil
}
