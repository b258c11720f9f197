package merge

import (
	"context"
	"sync"

	"github.com/shardis/shardis/internal/kheap"
	"github.com/shardis/shardis/pkg/shardis"
)

// RunEager implements ordered-eager merge (§4.4.3): each shard's stream is
// materialized fully, in parallel, then the ordered-streaming merge runs
// over the fully-buffered per-shard slices. Memory is O(total items);
// intended only for small result sets. opts.PrefetchPerShard is ignored
// (replaying a materialized slice needs no buffering).
func RunEager[T any](ctx context.Context, targets []shardis.ShardId, opener ShardOpener[T], less kheap.Less[T], opts Options) shardis.ResultIterator[T] {
	materialized := make(map[shardis.ShardId][]T, len(targets))
	errs := make([]error, len(targets))
	var mu sync.Mutex
	sem := newFanoutSemaphore(opts.MaxConcurrency)

	var wg sync.WaitGroup
	wg.Add(len(targets))
	for i, shard := range targets {
		go func(i int, shard shardis.ShardId) {
			defer wg.Done()
			release, err := acquireSlot(ctx, sem)
			if err != nil {
				errs[i] = err
				return
			}
			defer release()
			data, err := drainShard(ctx, shard, opener)
			if err != nil {
				if !opts.Tolerant {
					errs[i] = err
				}
				return
			}
			mu.Lock()
			materialized[shard] = data
			mu.Unlock()
		}(i, shard)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return eagerFailedIterator[T]{err: err}
		}
	}

	innerOpts := opts
	innerOpts.PrefetchPerShard = 1
	return RunOrdered(ctx, targets, materializedOpener[T]{data: materialized}, less, innerOpts)
}

func drainShard[T any](ctx context.Context, shard shardis.ShardId, opener ShardOpener[T]) ([]T, error) {
	stream, err := opener.Open(ctx, shard)
	if err != nil {
		return nil, err
	}
	defer stream.Close()

	var out []T
	for {
		v, ok, err := stream.Next(ctx)
		if err != nil {
			return nil, err
		}
		if !ok {
			return out, nil
		}
		out = append(out, v)
	}
}

// materializedOpener replays already-drained per-shard slices through the
// ShardOpener/ShardStream contract, letting RunOrdered drive the final
// k-way merge pass without knowing its input was pre-materialized.
type materializedOpener[T any] struct {
	data map[shardis.ShardId][]T
}

func (m materializedOpener[T]) Open(_ context.Context, shard shardis.ShardId) (ShardStream[T], error) {
	return &sliceStream[T]{data: m.data[shard]}, nil
}

type sliceStream[T any] struct {
	data []T
	pos  int
}

func (s *sliceStream[T]) Next(context.Context) (T, bool, error) {
	if s.pos >= len(s.data) {
		var zero T
		return zero, false, nil
	}
	v := s.data[s.pos]
	s.pos++
	return v, true, nil
}

func (s *sliceStream[T]) Close() {}

type eagerFailedIterator[T any] struct {
	err error
}

func (eagerFailedIterator[T]) Next(context.Context) bool {
	return false
}

func (eagerFailedIterator[T]) Item() shardis.ResultItem[T] {
	var zero shardis.ResultItem[T]
	return zero
}

func (e eagerFailedIterator[T]) Err() error { return e.err }

func (eagerFailedIterator[T]) Close() {}
