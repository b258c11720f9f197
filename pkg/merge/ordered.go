package merge

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/shardis/shardis/internal/kheap"
	"github.com/shardis/shardis/pkg/shardis"
)

type orderedItem[T any] struct {
	value T
	seq   uint64
}

// orderedLane is one shard's producer: a bounded channel of capacity
// prefetchPerShard filled by a goroutine pulling from its ShardStream.
// Closing the channel signals completion; err is written (by the producer,
// exactly once, before the close) when the shard fails rather than
// completing cleanly — the channel close happening-after that write makes
// it visible to the one reader that observes the close.
type orderedLane[T any] struct {
	ch  chan orderedItem[T]
	err error
}

// RunOrdered performs the ordered streaming k-way merge (§4.4.2): each
// shard feeds a bounded buffer of prefetchPerShard items; a min-heap keyed
// by (value, shardIndex, perShardSequence) holds one head candidate per
// live shard, refilled from that shard's buffer on every pop. Memory is
// bounded by len(targets)*prefetchPerShard buffered items plus the heap.
func RunOrdered[T any](ctx context.Context, targets []shardis.ShardId, opener ShardOpener[T], less kheap.Less[T], opts Options) shardis.ResultIterator[T] {
	prefetch := opts.prefetch()
	cctx, cancel := context.WithCancel(ctx)
	obs := guard(opts.Observer)
	sem := newFanoutSemaphore(opts.MaxConcurrency)

	lanes := make([]*orderedLane[T], len(targets))
	var wg sync.WaitGroup
	wg.Add(len(targets))
	for i, shard := range targets {
		lanes[i] = &orderedLane[T]{ch: make(chan orderedItem[T], prefetch)}
		go func(i int, shard shardis.ShardId) {
			defer wg.Done()
			release, err := acquireSlot(cctx, sem)
			if err != nil {
				close(lanes[i].ch)
				obs.OnShardStopped(shard, shardis.StopCanceled)
				return
			}
			defer release()
			runOrderedLane(cctx, shard, opener, lanes[i], obs, opts.Tolerant)
		}(i, shard)
	}

	return &orderedIterator[T]{
		cancel:          cancel,
		targets:         targets,
		lanes:           lanes,
		heap:            kheap.New(less),
		primed:          false,
		heapSampleEvery: opts.heapSample(),
		obs:             obs,
		wg:              &wg,
	}
}

func runOrderedLane[T any](ctx context.Context, shard shardis.ShardId, opener ShardOpener[T], lane *orderedLane[T], obs guardedObserver, tolerant bool) {
	defer close(lane.ch)

	stream, err := opener.Open(ctx, shard)
	if err != nil {
		obs.OnShardStopped(shard, shardis.StopFaulted)
		if !tolerant {
			lane.err = err
		}
		return
	}
	defer stream.Close()

	var seq uint64
	for {
		if ctx.Err() != nil {
			obs.OnShardStopped(shard, shardis.StopCanceled)
			return
		}
		v, ok, err := stream.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				obs.OnShardStopped(shard, shardis.StopCanceled)
				return
			}
			obs.OnShardStopped(shard, shardis.StopFaulted)
			if !tolerant {
				lane.err = err
			}
			return
		}
		if !ok {
			obs.OnShardCompleted(shard)
			obs.OnShardStopped(shard, shardis.StopCompleted)
			return
		}
		obs.OnItemYielded(shard)
		select {
		case lane.ch <- orderedItem[T]{value: v, seq: seq}:
			seq++
		case <-ctx.Done():
			obs.OnShardStopped(shard, shardis.StopCanceled)
			return
		}
	}
}

type orderedIterator[T any] struct {
	cancel  context.CancelFunc
	targets []shardis.ShardId
	lanes   []*orderedLane[T]
	heap    *kheap.Heap[T]

	primed          bool
	heapSampleEvery int
	pullCount       int
	obs             guardedObserver
	wg              *sync.WaitGroup

	cur    shardis.ResultItem[T]
	err    atomic.Pointer[error]
	closed atomic.Bool
}

// fill attempts to pull the next item from lane i and push it onto the
// heap. Returns false (with it.err possibly set) if the lane is exhausted
// or failed.
func (it *orderedIterator[T]) fill(ctx context.Context, i int) bool {
	lane := it.lanes[i]
	select {
	case item, ok := <-lane.ch:
		if !ok {
			if lane.err != nil {
				it.err.Store(&lane.err)
				it.cancel()
			}
			return false
		}
		it.heap.Push(kheap.Entry[T]{Value: item.value, ShardIndex: i, Seq: item.seq})
		return true
	case <-ctx.Done():
		return false
	}
}

func (it *orderedIterator[T]) prime(ctx context.Context) {
	for i := range it.lanes {
		it.fill(ctx, i)
	}
	it.primed = true
}

func (it *orderedIterator[T]) Next(ctx context.Context) bool {
	if it.closed.Load() {
		return false
	}
	if !it.primed {
		it.prime(ctx)
	}
	if it.err.Load() != nil {
		return false
	}

	entry, ok := it.heap.Pop()
	if !ok {
		return false
	}
	it.cur = shardis.ResultItem[T]{Value: entry.Value, Shard: it.targets[entry.ShardIndex]}
	it.fill(ctx, entry.ShardIndex)

	it.pullCount++
	if it.pullCount%it.heapSampleEvery == 0 {
		it.obs.OnHeapSizeSample(it.heap.Len())
	}
	return true
}

func (it *orderedIterator[T]) Item() shardis.ResultItem[T] { return it.cur }

func (it *orderedIterator[T]) Err() error {
	if p := it.err.Load(); p != nil {
		return *p
	}
	return nil
}

func (it *orderedIterator[T]) Close() {
	if it.closed.CompareAndSwap(false, true) {
		it.cancel()
		it.wg.Wait()
	}
}
