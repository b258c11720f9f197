package migration

import (
	"fmt"
	"time"

	"github.com/shardis/shardis/pkg/shardis"
)

// Config bundles every knob the migration executor accepts (§6
// Configuration "Migration"). Zero value is invalid; construct via
// DefaultConfig and override individual fields.
type Config struct {
	CopyConcurrency   int // 1..1024, default 32
	VerifyConcurrency int // 1..1024, default 32
	SwapBatchSize     int // 1..100000, default 500

	MaxRetries     int           // >=0, default 5
	RetryBaseDelay time.Duration // >0, default 100ms

	InterleaveCopyAndVerify        bool // default true
	ForceSwapOnVerificationFailure bool // default false

	CheckpointFlushInterval         time.Duration // >0, default 2s
	CheckpointFlushEveryTransitions int           // 1..1_000_000, default 1000

	// MaxConcurrentMoves additionally bounds total in-flight copy+verify
	// work across all shards, on top of CopyConcurrency/VerifyConcurrency
	// bounding each phase individually. 0 means unbounded (no extra cap).
	MaxConcurrentMoves int

	// MaxMovesPerShard bounds how many moves may be in flight (copy or
	// verify) against the same target shard at once, so one hot shard
	// cannot absorb the whole CopyConcurrency/VerifyConcurrency budget. 0
	// means unbounded (no extra cap).
	MaxMovesPerShard int

	// RequireDriftCheck, when true, makes New fail with
	// ErrInvalidConfiguration unless a drift checker was supplied via
	// WithDriftChecker — promoting topology drift detection from advisory
	// to mandatory (§9 open question 3). Default false, matching the
	// advisory behavior observed in the source.
	RequireDriftCheck bool

	// OnProgress, when set, is called with a running summary at most
	// once per second, plus once more unconditionally when the run ends
	// (§4.6 "Progress events are throttled to at most one per second;
	// the final event is always delivered").
	OnProgress func(shardis.MigrationSummary)
}

// DefaultConfig returns the spec-documented defaults.
func DefaultConfig() Config {
	return Config{
		CopyConcurrency:                 32,
		VerifyConcurrency:               32,
		SwapBatchSize:                   500,
		MaxRetries:                      5,
		RetryBaseDelay:                  100 * time.Millisecond,
		InterleaveCopyAndVerify:         true,
		ForceSwapOnVerificationFailure:  false,
		CheckpointFlushInterval:         2 * time.Second,
		CheckpointFlushEveryTransitions: 1000,
	}
}

func (c Config) validate() error {
	if c.CopyConcurrency < 1 || c.CopyConcurrency > 1024 {
		return fmt.Errorf("%w: copyConcurrency must be in [1,1024], got %d", shardis.ErrInvalidConfiguration, c.CopyConcurrency)
	}
	if c.VerifyConcurrency < 1 || c.VerifyConcurrency > 1024 {
		return fmt.Errorf("%w: verifyConcurrency must be in [1,1024], got %d", shardis.ErrInvalidConfiguration, c.VerifyConcurrency)
	}
	if c.SwapBatchSize < 1 || c.SwapBatchSize > 100000 {
		return fmt.Errorf("%w: swapBatchSize must be in [1,100000], got %d", shardis.ErrInvalidConfiguration, c.SwapBatchSize)
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("%w: maxRetries must be >=0, got %d", shardis.ErrInvalidConfiguration, c.MaxRetries)
	}
	if c.RetryBaseDelay <= 0 {
		return fmt.Errorf("%w: retryBaseDelay must be >0, got %s", shardis.ErrInvalidConfiguration, c.RetryBaseDelay)
	}
	if c.CheckpointFlushInterval <= 0 {
		return fmt.Errorf("%w: checkpointFlushInterval must be >0, got %s", shardis.ErrInvalidConfiguration, c.CheckpointFlushInterval)
	}
	if c.CheckpointFlushEveryTransitions < 1 || c.CheckpointFlushEveryTransitions > 1_000_000 {
		return fmt.Errorf("%w: checkpointFlushEveryTransitions must be in [1,1000000], got %d", shardis.ErrInvalidConfiguration, c.CheckpointFlushEveryTransitions)
	}
	if c.MaxConcurrentMoves < 0 {
		return fmt.Errorf("%w: maxConcurrentMoves must be >=0, got %d", shardis.ErrInvalidConfiguration, c.MaxConcurrentMoves)
	}
	if c.MaxMovesPerShard < 0 {
		return fmt.Errorf("%w: maxMovesPerShard must be >=0, got %d", shardis.ErrInvalidConfiguration, c.MaxMovesPerShard)
	}
	return nil
}
