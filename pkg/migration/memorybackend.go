package migration

import (
	"context"
	"fmt"
	"sync"

	"github.com/shardis/shardis/pkg/shardis"
)

// MemoryDataset is a toy multi-shard key/value dataset for tests and
// benchmarks: Copy duplicates a key's value from its source
// shard's bucket into its target shard's bucket, and Verify compares the
// two buckets' values. It implements IShardDataMover and
// IVerificationStrategy; pair it with a shardis.IShardMapSwapper such as
// mapstore.Store, which already implements Swap directly.
type MemoryDataset[K comparable] struct {
	mu      sync.Mutex
	buckets map[shardis.ShardId]map[K]string

	failCopyOnce   map[K]error
	failVerifyOnce map[K]error
	forcedMismatch map[K]bool

	onCopy   func(K)
	onVerify func(K)
}

// NewMemoryDataset returns an empty dataset.
func NewMemoryDataset[K comparable]() *MemoryDataset[K] {
	return &MemoryDataset[K]{
		buckets:        make(map[shardis.ShardId]map[K]string),
		failCopyOnce:   make(map[K]error),
		failVerifyOnce: make(map[K]error),
		forcedMismatch: make(map[K]bool),
	}
}

// SetPermanentMismatch makes every future Verify call for key return
// (false, nil) regardless of what Copy wrote, the fixture for exercising
// ForceSwapOnVerificationFailure against a mismatch that retries cannot
// resolve on their own.
func (d *MemoryDataset[K]) SetPermanentMismatch(key K) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.forcedMismatch[key] = true
}

// Seed places value for key on shard's bucket, the source-side fixture
// setup a test or example performs before planning a migration.
func (d *MemoryDataset[K]) Seed(shard shardis.ShardId, key K, value string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.bucket(shard)[key] = value
}

// At returns the value stored for key on shard, for assertions.
func (d *MemoryDataset[K]) At(shard shardis.ShardId, key K) (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	v, ok := d.buckets[shard][key]
	return v, ok
}

// FailNextCopy makes the next Copy call for key return err instead of
// copying, then clears itself — a one-shot transient-failure fixture for
// exercising the retry path.
func (d *MemoryDataset[K]) FailNextCopy(key K, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failCopyOnce[key] = err
}

// FailNextVerify is FailNextCopy's counterpart for Verify.
func (d *MemoryDataset[K]) FailNextVerify(key K, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failVerifyOnce[key] = err
}

// OnCopy installs a callback invoked synchronously for every Copy call,
// before the ctx.Err() check — the fixture tests use to cancel a run's
// context from inside the mover, simulating cancellation landing mid-copy.
func (d *MemoryDataset[K]) OnCopy(fn func(K)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onCopy = fn
}

// OnVerify is OnCopy's counterpart for Verify.
func (d *MemoryDataset[K]) OnVerify(fn func(K)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onVerify = fn
}

func (d *MemoryDataset[K]) bucket(shard shardis.ShardId) map[K]string {
	b, ok := d.buckets[shard]
	if !ok {
		b = make(map[K]string)
		d.buckets[shard] = b
	}
	return b
}

func (d *MemoryDataset[K]) Copy(ctx context.Context, move shardis.KeyMove[K]) error {
	d.mu.Lock()
	hook := d.onCopy
	d.mu.Unlock()
	if hook != nil {
		hook(move.Key.Value)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	if err, ok := d.failCopyOnce[move.Key.Value]; ok {
		delete(d.failCopyOnce, move.Key.Value)
		return err
	}
	value, ok := d.buckets[move.Source][move.Key.Value]
	if !ok {
		return fmt.Errorf("memorybackend: no value for key on source shard %q", move.Source)
	}
	d.bucket(move.Target)[move.Key.Value] = value
	return nil
}

func (d *MemoryDataset[K]) Verify(ctx context.Context, move shardis.KeyMove[K]) (bool, error) {
	d.mu.Lock()
	hook := d.onVerify
	d.mu.Unlock()
	if hook != nil {
		hook(move.Key.Value)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if err, ok := d.failVerifyOnce[move.Key.Value]; ok {
		delete(d.failVerifyOnce, move.Key.Value)
		return false, err
	}
	if d.forcedMismatch[move.Key.Value] {
		return false, nil
	}
	src := d.buckets[move.Source][move.Key.Value]
	dst, ok := d.buckets[move.Target][move.Key.Value]
	return ok && src == dst, nil
}

// Evidence reports the target-side value for move's key as its
// RowVersion-style checksum, implementing EvidenceReporter: an unchanged
// target value is exactly the condition under which Verify would report no
// mismatch, making it a faithful (if toy) stand-in for a real checksum.
func (d *MemoryDataset[K]) Evidence(_ context.Context, move shardis.KeyMove[K]) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	v, ok := d.buckets[move.Target][move.Key.Value]
	if !ok {
		return "", nil
	}
	return v, nil
}

// FlakySwapper wraps a shardis.IShardMapSwapper to inject a fixed number
// of transient failures before delegating, the fixture S4-style tests use
// to exercise the executor's retry-then-succeed path on the swap phase.
type FlakySwapper[K comparable] struct {
	Inner        shardis.IShardMapSwapper[K]
	FailuresLeft int
	Err          error
}

func (f *FlakySwapper[K]) Swap(ctx context.Context, batch []shardis.KeyMove[K]) error {
	if f.FailuresLeft > 0 {
		f.FailuresLeft--
		if f.Err != nil {
			return f.Err
		}
		return shardis.ErrStoreUnavailable
	}
	return f.Inner.Swap(ctx, batch)
}
