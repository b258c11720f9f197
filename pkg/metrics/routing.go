// Package metrics implements shardis's observability surface (C10): the
// routing metrics sink (IShardisMetrics), the migration metrics sink
// (IShardMigrationMetrics), and the single-emission query latency
// histogram (§4.4.5). Every sink follows the teacher's noop/prometheus
// split from pkg/metrics.go: a caller that never passes a
// *prometheus.Registry pays nothing on the hot path.
//
// © 2025 shardis authors. MIT License.
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/shardis/shardis/pkg/shardis"
)

// NoopRouting is the zero-cost IShardisMetrics used when no registry is
// supplied.
type NoopRouting struct{}

func (NoopRouting) RouteHit(string, shardis.ShardId, bool) {}
func (NoopRouting) RouteMiss(string)                       {}

// PromRouting implements IShardisMetrics on top of two Prometheus counter
// vectors, labeled the way the teacher labels per-shard counters.
type PromRouting struct {
	hits   *prometheus.CounterVec
	misses *prometheus.CounterVec
}

// NewPromRouting registers routing counters on reg. Panics if the metric
// names collide with an already-registered collector (mirrors
// prometheus.MustRegister's contract, same as the teacher's newPromMetrics).
func NewPromRouting(reg prometheus.Registerer) *PromRouting {
	p := &PromRouting{
		hits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "shardis",
			Name:      "route_hits_total",
			Help:      "Number of route() calls resolved from an existing assignment or newly created.",
		}, []string{"router", "shard", "existing"}),
		misses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "shardis",
			Name:      "route_misses_total",
			Help:      "Number of route() calls that assigned a key for the first time.",
		}, []string{"router"}),
	}
	reg.MustRegister(p.hits, p.misses)
	return p
}

func (p *PromRouting) RouteHit(router string, shard shardis.ShardId, existing bool) {
	p.hits.WithLabelValues(router, string(shard), strconv.FormatBool(existing)).Inc()
}

func (p *PromRouting) RouteMiss(router string) {
	p.misses.WithLabelValues(router).Inc()
}

// NewRouting picks Noop or Prom depending on whether reg is nil, the same
// factory shape as the teacher's newMetricsSink.
func NewRouting(reg prometheus.Registerer) shardis.IShardisMetrics {
	if reg == nil {
		return NoopRouting{}
	}
	return NewPromRouting(reg)
}
