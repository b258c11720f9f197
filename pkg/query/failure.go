package query

import (
	"context"
	"time"

	"github.com/shardis/shardis/pkg/metrics"
	"github.com/shardis/shardis/pkg/shardis"
)

// pendingLatency captures the start time and tag skeleton for one logical
// enumeration, to be consumed exactly once by whichever wrapper owns the
// outermost iterator (§4.4.5, §9 "a single emission point owned by the
// outermost wrapper"). emit is safe to call more than once; only the first
// call has any effect.
type pendingLatency[T any] struct {
	recorder metrics.QueryLatencyRecorder
	tags     metrics.QueryLatencyTags
	start    time.Time
	emitted  bool
}

func (p *pendingLatency[T]) emit(status string) {
	if p.emitted {
		return
	}
	p.emitted = true
	tags := p.tags
	tags.ResultStatus = status
	p.recorder.Emit(tags, time.Since(p.start).Seconds())
}

// emptyIterator is the all-invalid-targets / zero-shard fast path: already
// exhausted, never yields anything.
type emptyIterator[T any] struct{}

func (emptyIterator[T]) Next(context.Context) bool { return false }
func (emptyIterator[T]) Item() shardis.ResultItem[T] {
	var zero shardis.ResultItem[T]
	return zero
}
func (emptyIterator[T]) Err() error { return nil }
func (emptyIterator[T]) Close()     {}

// wrapFailureMode applies the fail-fast or best-effort wrapper around the
// merge core's raw iterator (§4.7) and owns the single latency emission
// for the whole enumeration, reusing the start time pending already
// captured — so buffering cost incurred before the first item is included
// (§4.4.5 "Ordered wrapper reuses the unordered executor's captured start
// time").
func wrapFailureMode[T any](inner shardis.ResultIterator[T], mode shardis.FailureMode, pending *pendingLatency[T]) shardis.ResultIterator[T] {
	if mode == shardis.BestEffort {
		return &bestEffortIterator[T]{inner: inner, pending: pending}
	}
	return &failFastIterator[T]{inner: inner, pending: pending}
}

// failFastIterator stops enumeration and surfaces the error on the first
// shard failure (§4.7 "Fail-fast").
type failFastIterator[T any] struct {
	inner     shardis.ResultIterator[T]
	pending   *pendingLatency[T]
	yielded   int
	endStatus string
}

func (it *failFastIterator[T]) Next(ctx context.Context) bool {
	if it.inner.Next(ctx) {
		it.yielded++
		return true
	}
	status := "ok"
	if err := it.inner.Err(); err != nil {
		if ctx.Err() != nil {
			status = "canceled"
		} else {
			status = "failed"
		}
	}
	it.endStatus = status
	it.pending.emit(status)
	return false
}

func (it *failFastIterator[T]) Item() shardis.ResultItem[T] { return it.inner.Item() }
func (it *failFastIterator[T]) Err() error                  { return it.inner.Err() }
func (it *failFastIterator[T]) Close() {
	if it.endStatus == "" {
		it.pending.emit("canceled")
	}
	it.inner.Close()
}

// bestEffortIterator suppresses per-shard errors and keeps draining; the
// outcome is ok if at least one shard yielded anything, else failed (§4.7
// "Best-effort").
type bestEffortIterator[T any] struct {
	inner     shardis.ResultIterator[T]
	pending   *pendingLatency[T]
	yielded   int
	endStatus string
}

func (it *bestEffortIterator[T]) Next(ctx context.Context) bool {
	if it.inner.Next(ctx) {
		it.yielded++
		return true
	}
	status := "failed"
	if it.yielded > 0 {
		status = "ok"
	}
	if ctx.Err() != nil && it.yielded == 0 {
		status = "canceled"
	}
	it.endStatus = status
	it.pending.emit(status)
	return false
}

func (it *bestEffortIterator[T]) Item() shardis.ResultItem[T] { return it.inner.Item() }

// Err always returns nil for best-effort once draining has started — the
// whole point of the mode is that shard errors are collected internally
// and never surfaced as a terminal error to the caller.
func (it *bestEffortIterator[T]) Err() error { return nil }

func (it *bestEffortIterator[T]) Close() {
	if it.endStatus == "" {
		it.pending.emit("canceled")
	}
	it.inner.Close()
}
