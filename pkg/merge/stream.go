// Package merge implements the streaming query merge core (C6): fan-out of
// per-shard result streams into one merged stream, in three modes —
// unordered, ordered streaming (k-way merge), and ordered eager — with
// bounded memory, backpressure, cancellation, and lifecycle observability
// (§4.4).
//
// © 2025 shardis authors. MIT License.
package merge

import (
	"context"

	"golang.org/x/sync/semaphore"

	"github.com/shardis/shardis/pkg/shardis"
)

// ShardStream is a pull-based cursor over one shard's result items, the
// per-shard unit the merge core fans out over. Next returns (value, true,
// nil) for each item, then (zero, false, nil) at a clean end of stream, or
// (zero, false, err) on failure.
type ShardStream[T any] interface {
	Next(ctx context.Context) (T, bool, error)
	Close()
}

// ShardOpener opens a ShardStream for one target shard. Implementations
// are supplied by the query executor (C7), which knows how to translate a
// QueryModel into a per-shard backend call.
type ShardOpener[T any] interface {
	Open(ctx context.Context, shard shardis.ShardId) (ShardStream[T], error)
}

// OpenerFunc adapts a plain function to a ShardOpener.
type OpenerFunc[T any] func(ctx context.Context, shard shardis.ShardId) (ShardStream[T], error)

func (f OpenerFunc[T]) Open(ctx context.Context, shard shardis.ShardId) (ShardStream[T], error) {
	return f(ctx, shard)
}

// CapacityUnbounded is the channelCapacity sentinel for "None = unbounded"
// (§6 Configuration, Merge.channelCapacity).
const CapacityUnbounded = -1

// Options configures one merge-core run (§4.4, §6 Configuration "Merge").
// Zero value is the default: unbounded fan-out, an unbuffered channel for
// the unordered path (ChannelCapacity 0; CapacityUnbounded selects the
// unbounded queue), prefetch 1, heap sampling every pull, no observer,
// fail-fast (intolerant of producer errors).
type Options struct {
	// ChannelCapacity is the unordered path's buffered channel size, or
	// CapacityUnbounded for an unbounded queue. Ignored by ordered modes.
	ChannelCapacity int
	// PrefetchPerShard bounds the ordered path's per-shard buffer. Ignored
	// by the unordered path. Defaults to 1.
	PrefetchPerShard int
	// HeapSampleEvery throttles OnHeapSizeSample in ordered modes.
	// Defaults to 1 (sample every pull).
	HeapSampleEvery int
	// MaxConcurrency caps how many shard producers run at once. 0 means
	// unbounded (§4.7).
	MaxConcurrency int
	// Observer receives lifecycle and heap-sampling events (§4.4.4).
	Observer shardis.IMergeObserver
	// Tolerant, when true, makes a producer error end only that producer
	// (as if it had completed) instead of terminating the whole
	// enumeration — the merge-core-level primitive the query layer's
	// best-effort failure wrapper is built on (§4.7 "Best-effort").
	Tolerant bool
}

func (o Options) prefetch() int {
	if o.PrefetchPerShard < 1 {
		return 1
	}
	return o.PrefetchPerShard
}

func (o Options) heapSample() int {
	if o.HeapSampleEvery < 1 {
		return 1
	}
	return o.HeapSampleEvery
}

// newFanoutSemaphore bounds the number of concurrently running per-shard
// producers to maxConcurrency (§4.7 "Respect maxConcurrency"). A
// non-positive value means unbounded: every producer starts immediately.
func newFanoutSemaphore(maxConcurrency int) *semaphore.Weighted {
	if maxConcurrency <= 0 {
		return nil
	}
	return semaphore.NewWeighted(int64(maxConcurrency))
}

// acquireSlot blocks until a fan-out slot is available (or ctx is done).
// A nil sem means unbounded fan-out; release is then a no-op.
func acquireSlot(ctx context.Context, sem *semaphore.Weighted) (release func(), err error) {
	if sem == nil {
		return func() {}, nil
	}
	if err := sem.Acquire(ctx, 1); err != nil {
		return func() {}, err
	}
	return func() { sem.Release(1) }, nil
}
