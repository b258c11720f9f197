package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/shardis/shardis/pkg/shardis"
)

// NoopMigration is the zero-cost IShardMigrationMetrics.
type NoopMigration struct{}

func (NoopMigration) IncPlanned(int)                 {}
func (NoopMigration) IncCopied()                     {}
func (NoopMigration) IncVerified()                   {}
func (NoopMigration) IncSwapped(int)                 {}
func (NoopMigration) IncFailed()                     {}
func (NoopMigration) IncRetries()                    {}
func (NoopMigration) SetActiveCopy(int)              {}
func (NoopMigration) SetActiveVerify(int)            {}
func (NoopMigration) ObserveCopyDuration(float64)    {}
func (NoopMigration) ObserveVerifyDuration(float64)  {}
func (NoopMigration) ObserveSwapBatchDuration(float64) {}
func (NoopMigration) ObserveTotalElapsed(float64)    {}

// PromMigration implements IShardMigrationMetrics (§6: counters
// incPlanned/Copied/Verified/Swapped/Failed/Retries, gauges
// activeCopy/activeVerify, histograms
// copyDuration/verifyDuration/swapBatchDuration/totalElapsed).
type PromMigration struct {
	planned  prometheus.Counter
	copied   prometheus.Counter
	verified prometheus.Counter
	swapped  prometheus.Counter
	failed   prometheus.Counter
	retries  prometheus.Counter

	activeCopy   prometheus.Gauge
	activeVerify prometheus.Gauge

	copyDuration      prometheus.Histogram
	verifyDuration    prometheus.Histogram
	swapBatchDuration prometheus.Histogram
	totalElapsed      prometheus.Histogram
}

// NewPromMigration registers migration counters/gauges/histograms on reg.
func NewPromMigration(reg prometheus.Registerer) *PromMigration {
	ns := "shardis_migration"
	p := &PromMigration{
		planned:  prometheus.NewCounter(prometheus.CounterOpts{Namespace: ns, Name: "planned_total", Help: "Keys planned for migration."}),
		copied:   prometheus.NewCounter(prometheus.CounterOpts{Namespace: ns, Name: "copied_total", Help: "Keys that completed the copy phase."}),
		verified: prometheus.NewCounter(prometheus.CounterOpts{Namespace: ns, Name: "verified_total", Help: "Keys that completed the verify phase."}),
		swapped:  prometheus.NewCounter(prometheus.CounterOpts{Namespace: ns, Name: "swapped_total", Help: "Keys whose mapping swap committed."}),
		failed:   prometheus.NewCounter(prometheus.CounterOpts{Namespace: ns, Name: "failed_total", Help: "Keys that permanently failed migration."}),
		retries:  prometheus.NewCounter(prometheus.CounterOpts{Namespace: ns, Name: "retries_total", Help: "Copy, verify or swap-batch operations that needed at least one retry."}),

		activeCopy:   prometheus.NewGauge(prometheus.GaugeOpts{Namespace: ns, Name: "active_copy", Help: "In-flight copy operations."}),
		activeVerify: prometheus.NewGauge(prometheus.GaugeOpts{Namespace: ns, Name: "active_verify", Help: "In-flight verify operations."}),

		copyDuration:      prometheus.NewHistogram(prometheus.HistogramOpts{Namespace: ns, Name: "copy_duration_seconds", Help: "Copy operation duration.", Buckets: prometheus.DefBuckets}),
		verifyDuration:    prometheus.NewHistogram(prometheus.HistogramOpts{Namespace: ns, Name: "verify_duration_seconds", Help: "Verify operation duration.", Buckets: prometheus.DefBuckets}),
		swapBatchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{Namespace: ns, Name: "swap_batch_duration_seconds", Help: "Swap batch duration.", Buckets: prometheus.DefBuckets}),
		totalElapsed:      prometheus.NewHistogram(prometheus.HistogramOpts{Namespace: ns, Name: "total_elapsed_seconds", Help: "Total executor run duration.", Buckets: prometheus.DefBuckets}),
	}
	reg.MustRegister(p.planned, p.copied, p.verified, p.swapped, p.failed, p.retries,
		p.activeCopy, p.activeVerify,
		p.copyDuration, p.verifyDuration, p.swapBatchDuration, p.totalElapsed)
	return p
}

func (p *PromMigration) IncPlanned(n int)                   { p.planned.Add(float64(n)) }
func (p *PromMigration) IncCopied()                         { p.copied.Inc() }
func (p *PromMigration) IncVerified()                       { p.verified.Inc() }
func (p *PromMigration) IncSwapped(n int)                   { p.swapped.Add(float64(n)) }
func (p *PromMigration) IncFailed()                         { p.failed.Inc() }
func (p *PromMigration) IncRetries()                        { p.retries.Inc() }
func (p *PromMigration) SetActiveCopy(n int)                { p.activeCopy.Set(float64(n)) }
func (p *PromMigration) SetActiveVerify(n int)              { p.activeVerify.Set(float64(n)) }
func (p *PromMigration) ObserveCopyDuration(d float64)      { p.copyDuration.Observe(d) }
func (p *PromMigration) ObserveVerifyDuration(d float64)    { p.verifyDuration.Observe(d) }
func (p *PromMigration) ObserveSwapBatchDuration(d float64) { p.swapBatchDuration.Observe(d) }
func (p *PromMigration) ObserveTotalElapsed(d float64)      { p.totalElapsed.Observe(d) }

// NewMigration picks Noop or Prom depending on whether reg is nil.
func NewMigration(reg prometheus.Registerer) shardis.IShardMigrationMetrics {
	if reg == nil {
		return NoopMigration{}
	}
	return NewPromMigration(reg)
}
