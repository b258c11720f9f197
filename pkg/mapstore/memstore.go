// Package mapstore implements the shard map store (C3): the persistent
// key->shard assignment authority routers read and CAS into. Store is the
// only map store backend shardis ships — persistent backends
// (relational, document, KV) are deliberately out of scope (spec.md §1)
// and are referenced only through the shardis.IShardMapStore contract.
//
// The fused TryGetOrAdd operation reuses the teacher's
// golang.org/x/sync/singleflight pattern from pkg/loader.go: instead of
// deduplicating concurrent cache-loader calls, it deduplicates concurrent
// "assign this key for the first time" races so that only one factory call
// wins per key, and every concurrent caller observes that single winner.
//
// © 2025 shardis authors. MIT License.
package mapstore

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/shardis/shardis/pkg/shardis"
)

type assignment struct {
	shard   shardis.ShardId
	version uint64
}

// Store is an in-memory IShardMapStore + IShardMapEnumerationStore +
// IShardMapSwapper implementation (§4.2, §6). Safe for concurrent use.
type Store[K comparable] struct {
	mu sync.RWMutex
	m  map[K]assignment
	sf singleflight.Group

	listenersMu sync.Mutex
	listeners   []func(shardis.AssignmentChangedEvent[K])
}

// New constructs an empty in-memory map store.
func New[K comparable]() *Store[K] {
	return &Store[K]{m: make(map[K]assignment)}
}

// OnAssignmentChanged registers a callback fired synchronously after a
// successful Swap (§4.2 optional event). Callbacks are invoked under no
// lock the caller needs to worry about re-entering, but must not block.
func (s *Store[K]) OnAssignmentChanged(fn func(shardis.AssignmentChangedEvent[K])) {
	s.listenersMu.Lock()
	defer s.listenersMu.Unlock()
	s.listeners = append(s.listeners, fn)
}

func (s *Store[K]) emit(ev shardis.AssignmentChangedEvent[K]) {
	s.listenersMu.Lock()
	fns := append([]func(shardis.AssignmentChangedEvent[K]){}, s.listeners...)
	s.listenersMu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
}

// TryGet implements shardis.IShardMapStore.
func (s *Store[K]) TryGet(_ context.Context, key shardis.ShardKey[K]) (shardis.ShardId, bool, error) {
	s.mu.RLock()
	a, ok := s.m[key.Value]
	s.mu.RUnlock()
	if !ok {
		return "", false, nil
	}
	return a.shard, true, nil
}

// TryAssign implements shardis.IShardMapStore: atomic first-writer-wins
// insert (§4.2). The returned winner is whatever is now persisted, which
// may not be proposed if a concurrent writer already won.
func (s *Store[K]) TryAssign(_ context.Context, key shardis.ShardKey[K], proposed shardis.ShardId) (shardis.ShardId, bool, error) {
	s.mu.RLock()
	if a, ok := s.m[key.Value]; ok {
		s.mu.RUnlock()
		return a.shard, false, nil
	}
	s.mu.RUnlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if a, ok := s.m[key.Value]; ok {
		return a.shard, false, nil
	}
	s.m[key.Value] = assignment{shard: proposed, version: 1}
	return proposed, true, nil
}

// TryGetOrAdd implements shardis.IShardMapStore's fused variant: at most
// one read when a mapping exists, at most one write race (resolved via
// singleflight) otherwise (§4.2 invariant: "concurrent tryAssign calls for
// the same key observe exactly one createdByUs == true result").
func (s *Store[K]) TryGetOrAdd(ctx context.Context, key shardis.ShardKey[K], factory func() shardis.ShardId) (shardis.ShardId, bool, error) {
	if shard, ok, _ := s.TryGet(ctx, key); ok {
		return shard, false, nil
	}

	sfKey := fmt.Sprintf("%v", key.Value)
	// ranFactory is set only inside the closure below, and that closure
	// only ever executes in the one goroutine singleflight elects as
	// leader for sfKey; every other concurrent caller waits for the
	// leader's result without running its own closure at all. That makes
	// ranFactory a reliable "was I the leader" signal even though the
	// shared Do() return value alone does not distinguish leader from
	// followers (§4.2 invariant: exactly one createdByUs==true winner).
	ranFactory := false
	v, err, _ := s.sf.Do(sfKey, func() (any, error) {
		ranFactory = true
		winner, createdByUs, err := s.TryAssign(ctx, key, factory())
		if err != nil {
			return nil, err
		}
		return winAndShard{shard: winner, won: createdByUs}, nil
	})
	if err != nil {
		return "", false, err
	}
	a := v.(winAndShard)
	return a.shard, ranFactory && a.won, nil
}

type winAndShard struct {
	shard shardis.ShardId
	won   bool
}

// Swap implements shardis.IShardMapSwapper: atomically advances every move
// in batch to its target shard, or none of them. The optimistic check is
// per key on the current shard: every key must still map to its move's
// Source, otherwise the whole batch fails with ErrOptimisticConflict. The
// per-key version is incremented on success but is not compared, since a
// KeyMove carries no expected version. Listeners run after the store lock
// is released.
func (s *Store[K]) Swap(_ context.Context, batch []shardis.KeyMove[K]) error {
	s.mu.Lock()

	for _, mv := range batch {
		a, ok := s.m[mv.Key.Value]
		if !ok || a.shard != mv.Source {
			s.mu.Unlock()
			return fmt.Errorf("%w: key no longer maps to expected source shard %q", shardis.ErrOptimisticConflict, mv.Source)
		}
	}
	events := make([]shardis.AssignmentChangedEvent[K], 0, len(batch))
	for _, mv := range batch {
		old := s.m[mv.Key.Value]
		next := assignment{shard: mv.Target, version: old.version + 1}
		s.m[mv.Key.Value] = next
		events = append(events, shardis.AssignmentChangedEvent[K]{
			Key:      mv.Key,
			OldShard: old.shard,
			NewShard: mv.Target,
			Version:  next.version,
		})
	}
	s.mu.Unlock()
	for _, ev := range events {
		s.emit(ev)
	}
	return nil
}

// Len returns the number of assignments currently held.
func (s *Store[K]) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.m)
}
