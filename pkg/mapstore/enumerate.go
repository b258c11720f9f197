package mapstore

import (
	"context"

	"github.com/shardis/shardis/pkg/shardis"
)

// Enumerate implements shardis.IShardMapEnumerationStore: a finite,
// non-restartable, cancelable pass over every assignment (§4.2). The
// snapshot of keys is taken once at Enumerate time so a concurrent writer
// cannot grow the walk indefinitely; entries deleted mid-walk are skipped
// rather than erroring.
func (s *Store[K]) Enumerate(ctx context.Context) shardis.MapEnumerator[K] {
	s.mu.RLock()
	keys := make([]K, 0, len(s.m))
	for k := range s.m {
		keys = append(keys, k)
	}
	s.mu.RUnlock()

	return &enumerator[K]{store: s, ctx: ctx, keys: keys, idx: -1}
}

type enumerator[K comparable] struct {
	store *Store[K]
	ctx   context.Context
	keys  []K
	idx   int
	cur   shardis.MapEntry[K]
	err   error
	done  bool
}

func (e *enumerator[K]) Next() bool {
	if e.done {
		return false
	}
	for {
		e.idx++
		if e.idx >= len(e.keys) {
			e.done = true
			return false
		}
		if err := e.ctx.Err(); err != nil {
			e.err = err
			e.done = true
			return false
		}
		k := e.keys[e.idx]
		e.store.mu.RLock()
		a, ok := e.store.m[k]
		e.store.mu.RUnlock()
		if !ok {
			continue // deleted between snapshot and visit; skip
		}
		e.cur = shardis.MapEntry[K]{
			Key:     shardis.NewShardKey(k),
			ShardID: a.shard,
			Version: a.version,
		}
		return true
	}
}

func (e *enumerator[K]) Entry() shardis.MapEntry[K] { return e.cur }
func (e *enumerator[K]) Err() error                 { return e.err }
func (e *enumerator[K]) Close()                     { e.done = true }
