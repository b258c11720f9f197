package merge

import "github.com/shardis/shardis/pkg/shardis"

// guardedObserver wraps an IMergeObserver so that a panicking callback
// cannot take down a producer goroutine or otherwise affect the pipeline
// (§4.4.4: "Observer exceptions MUST NOT affect the pipeline (swallowed)").
// A nil underlying observer is treated as shardis.IMergeObserver(nil) —
// all calls become no-ops.
type guardedObserver struct {
	inner shardis.IMergeObserver
}

func guard(o shardis.IMergeObserver) guardedObserver {
	return guardedObserver{inner: o}
}

func (g guardedObserver) call(fn func()) {
	if g.inner == nil {
		return
	}
	defer func() { _ = recover() }()
	fn()
}

func (g guardedObserver) OnItemYielded(shard shardis.ShardId) {
	g.call(func() { g.inner.OnItemYielded(shard) })
}

func (g guardedObserver) OnShardCompleted(shard shardis.ShardId) {
	g.call(func() { g.inner.OnShardCompleted(shard) })
}

func (g guardedObserver) OnShardStopped(shard shardis.ShardId, reason shardis.StopReason) {
	g.call(func() { g.inner.OnShardStopped(shard, reason) })
}

func (g guardedObserver) OnBackpressureWaitStart(shard shardis.ShardId) {
	g.call(func() { g.inner.OnBackpressureWaitStart(shard) })
}

func (g guardedObserver) OnBackpressureWaitStop(shard shardis.ShardId) {
	g.call(func() { g.inner.OnBackpressureWaitStop(shard) })
}

func (g guardedObserver) OnHeapSizeSample(n int) {
	g.call(func() { g.inner.OnHeapSizeSample(n) })
}
