// Package query implements the query model consumer/executor (C7): turning
// an immutable QueryModel into a merged, typed result stream via the merge
// core, with predicate translation, target-shard validation, fail-fast vs.
// best-effort failure handling, and single-emission latency telemetry
// (§4.7, §4.4.5).
//
// © 2025 shardis authors. MIT License.
package query

import (
	"context"
	"fmt"
	"time"

	"github.com/shardis/shardis/internal/kheap"
	"github.com/shardis/shardis/pkg/merge"
	"github.com/shardis/shardis/pkg/metrics"
	"github.com/shardis/shardis/pkg/shardis"
)

// Translator validates and/or translates a QueryModel's predicates against
// a concrete backend before fan-out begins. Concrete backends are out of
// scope for this module (spec.md §1); Translator is the seam a caller
// plugs one into. A nil Translator always succeeds.
type Translator interface {
	Translate(ctx context.Context, model shardis.QueryModel) error
}

// TranslatorFunc adapts a plain function to a Translator.
type TranslatorFunc func(ctx context.Context, model shardis.QueryModel) error

func (f TranslatorFunc) Translate(ctx context.Context, model shardis.QueryModel) error {
	return f(ctx, model)
}

// Executor implements shardis.IShardQueryExecutor[T] over the merge core.
type Executor[T any] struct {
	opener      merge.ShardOpener[T]
	knownShards map[shardis.ShardId]struct{}
	less        kheap.Less[T]
	translator  Translator
	latency     metrics.QueryLatencyRecorder
	observer    shardis.IMergeObserver
	dbSystem    string
	provider    string
}

// Option configures an Executor at construction.
type Option[T any] func(*Executor[T])

func WithTranslator[T any](t Translator) Option[T] {
	return func(e *Executor[T]) { e.translator = t }
}

func WithLess[T any](less kheap.Less[T]) Option[T] {
	return func(e *Executor[T]) { e.less = less }
}

func WithLatencyRecorder[T any](r metrics.QueryLatencyRecorder) Option[T] {
	return func(e *Executor[T]) { e.latency = r }
}

func WithObserver[T any](o shardis.IMergeObserver) Option[T] {
	return func(e *Executor[T]) { e.observer = o }
}

func WithTelemetryIdentity[T any](dbSystem, provider string) Option[T] {
	return func(e *Executor[T]) { e.dbSystem, e.provider = dbSystem, provider }
}

// New builds an Executor. knownShards is the universe of shard ids a
// QueryModel's TargetShards is validated against (§4.7 "unknown or
// unparsable ids are counted into invalid.shard.count").
func New[T any](opener merge.ShardOpener[T], knownShards []shardis.ShardId, opts ...Option[T]) *Executor[T] {
	e := &Executor[T]{
		opener:      opener,
		knownShards: make(map[shardis.ShardId]struct{}, len(knownShards)),
		latency:     metrics.NoopQueryLatency{},
	}
	for _, s := range knownShards {
		e.knownShards[s] = struct{}{}
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// resolveTargets splits model.TargetShards into the subset that resolves
// to a known shard and a count of the rest. Empty/nil TargetShards means
// "every known shard" (§4.7).
func (e *Executor[T]) resolveTargets(model shardis.QueryModel) (valid []shardis.ShardId, invalidCount int) {
	if len(model.TargetShards) == 0 {
		valid = make([]shardis.ShardId, 0, len(e.knownShards))
		for s := range e.knownShards {
			valid = append(valid, s)
		}
		return valid, 0
	}
	for _, s := range model.TargetShards {
		if _, ok := e.knownShards[s]; ok {
			valid = append(valid, s)
		} else {
			invalidCount++
		}
	}
	return valid, invalidCount
}

// channelCapacityFor maps the QueryModel's "0 = unbounded" convention to
// the merge core's CapacityUnbounded sentinel.
func channelCapacityFor(model shardis.QueryModel) int {
	if model.ChannelCapacity <= 0 {
		return merge.CapacityUnbounded
	}
	return model.ChannelCapacity
}

// tagChannelCapacity maps the same value to the telemetry tag convention:
// -1 for unbounded (§4.4.5).
func tagChannelCapacity(model shardis.QueryModel) int {
	if model.ChannelCapacity <= 0 {
		return -1
	}
	return model.ChannelCapacity
}

// Execute implements shardis.IShardQueryExecutor[T].
func (e *Executor[T]) Execute(ctx context.Context, model shardis.QueryModel) (shardis.ResultIterator[T], error) {
	start := time.Now()
	valid, invalidCount := e.resolveTargets(model)

	baseTags := metrics.QueryLatencyTags{
		DBSystem:          e.dbSystem,
		Provider:          e.provider,
		ShardCount:        len(e.knownShards),
		TargetShardCount:  len(valid),
		InvalidShardCount: invalidCount,
		MergeStrategy:     model.Strategy.String(),
		OrderingBuffered:  model.Strategy != shardis.Unordered,
		FanoutConcurrency: model.MaxConcurrency,
		ChannelCapacity:   tagChannelCapacity(model),
		FailureMode:       model.Failure.String(),
		RootType:          model.RootType,
	}

	if e.translator != nil {
		if err := e.translator.Translate(ctx, model); err != nil {
			tags := baseTags
			tags.ResultStatus = "failed"
			e.latency.Emit(tags, time.Since(start).Seconds())
			return nil, fmt.Errorf("%w: %v", shardis.ErrQueryTranslation, err)
		}
	}

	if len(valid) == 0 {
		// §4.7 "all-invalid-targets fast path": still a single emission,
		// result.status=ok, target.shard.count=0.
		tags := baseTags
		tags.ResultStatus = "ok"
		e.latency.Emit(tags, time.Since(start).Seconds())
		return &emptyIterator[T]{}, nil
	}

	pending := &pendingLatency[T]{
		recorder: e.latency,
		tags:     baseTags,
		start:    start,
	}

	tolerant := model.Failure == shardis.BestEffort
	mergeOpts := merge.Options{
		ChannelCapacity:  channelCapacityFor(model),
		PrefetchPerShard: model.PrefetchPerShard,
		HeapSampleEvery:  model.HeapSampleEvery,
		MaxConcurrency:   model.MaxConcurrency,
		Observer:         e.observer,
		Tolerant:         tolerant,
	}

	var inner shardis.ResultIterator[T]
	switch model.Strategy {
	case shardis.OrderedStreaming:
		inner = merge.RunOrdered(ctx, valid, e.opener, e.less, mergeOpts)
	case shardis.OrderedEager:
		inner = merge.RunEager(ctx, valid, e.opener, e.less, mergeOpts)
	default:
		inner = merge.RunUnordered(ctx, valid, e.opener, mergeOpts)
	}

	return wrapFailureMode(inner, model.Failure, pending), nil
}
