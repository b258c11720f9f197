package metrics

import "github.com/shardis/shardis/pkg/shardis"

// NoopObserver is the allocation-free default IMergeObserver (§9 "a no-op
// default is implemented inline to keep the hot path allocation-free").
type NoopObserver struct{}

func (NoopObserver) OnItemYielded(shardis.ShardId)          {}
func (NoopObserver) OnShardCompleted(shardis.ShardId)       {}
func (NoopObserver) OnShardStopped(shardis.ShardId, shardis.StopReason) {}
func (NoopObserver) OnBackpressureWaitStart(shardis.ShardId) {}
func (NoopObserver) OnBackpressureWaitStop(shardis.ShardId)  {}
func (NoopObserver) OnHeapSizeSample(int)                    {}
