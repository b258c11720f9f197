package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// QueryLatencyTags is the bounded-cardinality tag schema for the single
// per-enumeration latency histogram point (§4.4.5, §6). Every field must
// stay low-cardinality; raw keys never appear here.
type QueryLatencyTags struct {
	DBSystem          string
	Provider          string
	ShardCount        int
	TargetShardCount  int
	InvalidShardCount int
	MergeStrategy     string // "unordered" | "ordered"
	OrderingBuffered  bool
	FanoutConcurrency int
	ChannelCapacity   int // -1 for unbounded
	FailureMode       string // "fail-fast" | "best-effort"
	ResultStatus      string // "ok" | "canceled" | "failed"
	RootType          string
}

func (t QueryLatencyTags) labelValues() []string {
	return []string{
		t.DBSystem,
		t.Provider,
		strconv.Itoa(t.ShardCount),
		strconv.Itoa(t.TargetShardCount),
		strconv.Itoa(t.InvalidShardCount),
		t.MergeStrategy,
		strconv.FormatBool(t.OrderingBuffered),
		strconv.Itoa(t.FanoutConcurrency),
		strconv.Itoa(t.ChannelCapacity),
		t.FailureMode,
		t.ResultStatus,
		t.RootType,
	}
}

var queryLatencyLabels = []string{
	"db_system", "provider", "shard_count", "target_shard_count",
	"invalid_shard_count", "merge_strategy", "ordering_buffered",
	"fanout_concurrency", "channel_capacity", "failure_mode",
	"result_status", "root_type",
}

// QueryLatencyRecorder records exactly one histogram point per logical
// enumeration (§8 property 6). pkg/query calls Emit exactly once per
// enumeration, from the outermost iterator wrapper that owns the
// enumeration's pendingLatency (§9 "a single emission point owned by the
// outermost wrapper").
type QueryLatencyRecorder interface {
	Emit(tags QueryLatencyTags, seconds float64)
}

// NoopQueryLatency discards every emission.
type NoopQueryLatency struct{}

func (NoopQueryLatency) Emit(QueryLatencyTags, float64) {}

// PromQueryLatency implements QueryLatencyRecorder on a single histogram
// vector, labeled per §4.4.5.
type PromQueryLatency struct {
	hist *prometheus.HistogramVec
}

func NewPromQueryLatency(reg prometheus.Registerer) *PromQueryLatency {
	p := &PromQueryLatency{
		hist: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "shardis",
			Subsystem: "query",
			Name:      "latency_seconds",
			Help:      "Per-enumeration query latency, one observation per logical enumeration.",
			Buckets:   prometheus.DefBuckets,
		}, queryLatencyLabels),
	}
	reg.MustRegister(p.hist)
	return p
}

func (p *PromQueryLatency) Emit(tags QueryLatencyTags, seconds float64) {
	p.hist.WithLabelValues(tags.labelValues()...).Observe(seconds)
}

// NewQueryLatency picks Noop or Prom depending on whether reg is nil.
func NewQueryLatency(reg prometheus.Registerer) QueryLatencyRecorder {
	if reg == nil {
		return NoopQueryLatency{}
	}
	return NewPromQueryLatency(reg)
}
