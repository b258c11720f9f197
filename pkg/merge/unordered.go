package merge

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/shardis/shardis/internal/unboundedqueue"
	"github.com/shardis/shardis/pkg/shardis"
)

type envelope[T any] struct {
	item  shardis.ResultItem[T]
	err   error
	fatal bool // true only on the envelope carrying the terminal error
}

// sink is the common push/pop surface shared by the bounded
// (channel-backed) and unbounded (queue-backed) unordered merge paths.
type sink[T any] interface {
	push(ctx context.Context, shard shardis.ShardId, observer guardedObserver, e envelope[T])
	pop(ctx context.Context) (envelope[T], bool)
	closeProducerSide()
}

type boundedSink[T any] struct {
	ch chan envelope[T]
}

func newBoundedSink[T any](capacity int) *boundedSink[T] {
	return &boundedSink[T]{ch: make(chan envelope[T], capacity)}
}

func (s *boundedSink[T]) push(ctx context.Context, shard shardis.ShardId, observer guardedObserver, e envelope[T]) {
	select {
	case s.ch <- e:
		return
	default:
	}
	observer.OnBackpressureWaitStart(shard)
	defer observer.OnBackpressureWaitStop(shard)
	select {
	case s.ch <- e:
	case <-ctx.Done():
	}
}

func (s *boundedSink[T]) pop(ctx context.Context) (envelope[T], bool) {
	select {
	case e, ok := <-s.ch:
		return e, ok
	case <-ctx.Done():
		var zero envelope[T]
		return zero, false
	}
}

func (s *boundedSink[T]) closeProducerSide() { close(s.ch) }

type unboundedSink[T any] struct {
	q *unboundedqueue.Queue[envelope[T]]
}

func newUnboundedSink[T any]() *unboundedSink[T] {
	return &unboundedSink[T]{q: unboundedqueue.New[envelope[T]]()}
}

func (s *unboundedSink[T]) push(_ context.Context, _ shardis.ShardId, _ guardedObserver, e envelope[T]) {
	// Unbounded mode must never emit backpressure events (§4.4.1); Push on
	// the underlying queue never blocks, so there is nothing to bracket.
	s.q.Push(e)
}

func (s *unboundedSink[T]) pop(ctx context.Context) (envelope[T], bool) {
	e, ok, err := s.q.Pop(ctx)
	if err != nil {
		var zero envelope[T]
		return zero, false
	}
	return e, ok
}

func (s *unboundedSink[T]) closeProducerSide() { s.q.Close() }

// unorderedIterator implements shardis.ResultIterator[T] over a sink fed by
// per-shard producer goroutines (§4.4.1).
type unorderedIterator[T any] struct {
	cancel context.CancelFunc
	s      sink[T]
	cur    shardis.ResultItem[T]
	err    atomic.Pointer[error]
	closed atomic.Bool
}

func (it *unorderedIterator[T]) Next(ctx context.Context) bool {
	if it.closed.Load() {
		return false
	}
	e, ok := it.s.pop(ctx)
	if !ok {
		return false
	}
	if e.err != nil {
		it.err.Store(&e.err)
		if e.fatal {
			it.cancel()
		}
		return false
	}
	it.cur = e.item
	return true
}

func (it *unorderedIterator[T]) Item() shardis.ResultItem[T] { return it.cur }

func (it *unorderedIterator[T]) Err() error {
	if p := it.err.Load(); p != nil {
		return *p
	}
	return nil
}

func (it *unorderedIterator[T]) Close() {
	if it.closed.CompareAndSwap(false, true) {
		it.cancel()
	}
}

// RunUnordered fans out to one producer goroutine per target shard,
// merging their output in arrival order (§4.4.1).
func RunUnordered[T any](ctx context.Context, targets []shardis.ShardId, opener ShardOpener[T], opts Options) shardis.ResultIterator[T] {
	cctx, cancel := context.WithCancel(ctx)
	obs := guard(opts.Observer)

	var s sink[T]
	if opts.ChannelCapacity < 0 {
		s = newUnboundedSink[T]()
	} else {
		s = newBoundedSink[T](opts.ChannelCapacity)
	}

	sem := newFanoutSemaphore(opts.MaxConcurrency)

	var wg sync.WaitGroup
	var firstErrOnce sync.Once
	wg.Add(len(targets))
	for _, shard := range targets {
		go func(shard shardis.ShardId) {
			defer wg.Done()
			release, err := acquireSlot(cctx, sem)
			if err != nil {
				obs.OnShardStopped(shard, shardis.StopCanceled)
				return
			}
			defer release()
			runProducer(cctx, shard, opener, s, obs, &firstErrOnce, opts.Tolerant)
		}(shard)
	}
	go func() {
		wg.Wait()
		s.closeProducerSide()
	}()

	return &unorderedIterator[T]{cancel: cancel, s: s}
}

func runProducer[T any](ctx context.Context, shard shardis.ShardId, opener ShardOpener[T], s sink[T], obs guardedObserver, firstErrOnce *sync.Once, tolerant bool) {
	stream, err := opener.Open(ctx, shard)
	if err != nil {
		reportProducerError(ctx, shard, s, obs, firstErrOnce, err, tolerant)
		return
	}
	defer stream.Close()

	for {
		if err := ctx.Err(); err != nil {
			obs.OnShardStopped(shard, shardis.StopCanceled)
			return
		}
		v, ok, err := stream.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				obs.OnShardStopped(shard, shardis.StopCanceled)
				return
			}
			reportProducerError(ctx, shard, s, obs, firstErrOnce, err, tolerant)
			return
		}
		if !ok {
			obs.OnShardCompleted(shard)
			obs.OnShardStopped(shard, shardis.StopCompleted)
			return
		}
		obs.OnItemYielded(shard)
		s.push(ctx, shard, obs, envelope[T]{item: shardis.ResultItem[T]{Value: v, Shard: shard}})
	}
}

// reportProducerError records a producer fault. In intolerant (fail-fast)
// mode the first such error is pushed as a fatal envelope, which the
// iterator turns into a terminal error and a pipeline-wide cancellation.
// In tolerant (best-effort) mode the fault just ends this one shard, the
// same as a clean completion from the consumer's point of view — no
// envelope is pushed at all, so the merged stream keeps draining the
// remaining shards (§4.7 "Best-effort").
func reportProducerError[T any](ctx context.Context, shard shardis.ShardId, s sink[T], obs guardedObserver, firstErrOnce *sync.Once, err error, tolerant bool) {
	obs.OnShardStopped(shard, shardis.StopFaulted)
	if tolerant {
		return
	}
	fatal := false
	firstErrOnce.Do(func() { fatal = true })
	s.push(ctx, shard, obs, envelope[T]{err: err, fatal: fatal})
}
