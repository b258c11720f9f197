package migration

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shardis/shardis/pkg/mapstore"
	"github.com/shardis/shardis/pkg/metrics"
	"github.com/shardis/shardis/pkg/shardis"
)

func newTestPlan(t *testing.T, keys []string, source, target shardis.ShardId) (shardis.MigrationPlan[string], *mapstore.Store[string], *MemoryDataset[string]) {
	t.Helper()
	ctx := context.Background()
	store := mapstore.New[string]()
	dataset := NewMemoryDataset[string]()
	moves := make([]shardis.KeyMove[string], 0, len(keys))
	for _, k := range keys {
		if _, _, err := store.TryAssign(ctx, shardis.NewShardKey(k), source); err != nil {
			t.Fatalf("seed assignment: %v", err)
		}
		dataset.Seed(source, k, "value-"+k)
		moves = append(moves, shardis.KeyMove[string]{Key: shardis.NewShardKey(k), Source: source, Target: target})
	}
	return shardis.NewMigrationPlan(moves, 0), store, dataset
}

func TestExecutorRunsHappyPathToCompletion(t *testing.T) {
	plan, store, dataset := newTestPlan(t, []string{"a", "b", "c"}, "s0", "s1")
	exec, err := New[string](dataset, dataset, store)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	summary, err := exec.Run(context.Background(), plan)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if summary.Planned != 3 || summary.Done != 3 || summary.Failed != 0 {
		t.Fatalf("unexpected summary: %+v", summary)
	}
	for _, k := range []string{"a", "b", "c"} {
		shard, ok, err := store.TryGet(context.Background(), shardis.NewShardKey(k))
		if err != nil || !ok {
			t.Fatalf("key %q: TryGet error %v ok=%v", k, err, ok)
		}
		if shard != "s1" {
			t.Fatalf("key %q: shard = %q, want s1", k, shard)
		}
	}
}

func TestExecutorRetriesTransientCopyFailureThenSucceeds(t *testing.T) {
	plan, store, dataset := newTestPlan(t, []string{"a"}, "s0", "s1")
	dataset.FailNextCopy("a", shardis.ErrStoreUnavailable)

	exec, err := New[string](dataset, dataset, store, WithConfig[string](fastRetryConfig()))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	summary, err := exec.Run(context.Background(), plan)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if summary.Done != 1 || summary.Failed != 0 {
		t.Fatalf("unexpected summary: %+v", summary)
	}
}

func TestExecutorRetriesTransientSwapFailureThenSucceeds(t *testing.T) {
	plan, store, dataset := newTestPlan(t, []string{"a", "b"}, "s0", "s1")
	flaky := &FlakySwapper[string]{Inner: store, FailuresLeft: 2}

	exec, err := New[string](dataset, dataset, flaky, WithConfig[string](fastRetryConfig()))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	summary, err := exec.Run(context.Background(), plan)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if summary.Done != 2 || summary.Failed != 0 {
		t.Fatalf("unexpected summary: %+v", summary)
	}
}

func TestExecutorMarksKeyFailedAfterRetriesExhausted(t *testing.T) {
	plan, store, dataset := newTestPlan(t, []string{"a", "b"}, "s0", "s1")
	flaky := &FlakySwapper[string]{Inner: store, FailuresLeft: 1000}

	cfg := fastRetryConfig()
	cfg.MaxRetries = 1
	exec, err := New[string](dataset, dataset, flaky, WithConfig[string](cfg))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	summary, err := exec.Run(context.Background(), plan)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if summary.Failed != 2 || summary.Done != 0 {
		t.Fatalf("unexpected summary: %+v", summary)
	}
}

func TestExecutorResumesFromCheckpointWithoutRecopyingCopiedKeys(t *testing.T) {
	plan, store, dataset := newTestPlan(t, []string{"a", "b", "c"}, "s0", "s1")
	checkpoints := NewInMemoryCheckpointStore[string]()

	// Pre-seed a checkpoint as if a is already Done and b already Copied
	// from a prior, interrupted run.
	cp := shardis.NewMigrationCheckpoint[string](plan.PlanID)
	cp.States["a"] = shardis.Done
	cp.States["b"] = shardis.Copied
	if err := checkpoints.Persist(context.Background(), cp); err != nil {
		t.Fatalf("seed checkpoint: %v", err)
	}
	// "a" being Done means its data must already be on the target side for
	// the fixture to be internally consistent, and "b" being Copied means
	// its target-side copy already exists.
	dataset.Seed("s1", "a", "value-a")
	dataset.Seed("s1", "b", "value-b")
	if err := store.Swap(context.Background(), []shardis.KeyMove[string]{{Key: shardis.NewShardKey("a"), Source: "s0", Target: "s1"}}); err != nil {
		t.Fatalf("seed swap for a: %v", err)
	}

	dataset.FailNextCopy("a", errNeverCalled{})
	dataset.FailNextCopy("b", errNeverCalled{})

	exec, err := New[string](dataset, dataset, store, WithCheckpointStore[string](checkpoints))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	summary, err := exec.Run(context.Background(), plan)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if summary.Done != 3 || summary.Failed != 0 {
		t.Fatalf("unexpected summary: %+v", summary)
	}
	// FailNextCopy is one-shot and a retry would hide it, so check that
	// neither fixture was consumed, i.e. Copy never ran for a or b.
	dataset.mu.Lock()
	_, aPending := dataset.failCopyOnce["a"]
	_, bPending := dataset.failCopyOnce["b"]
	dataset.mu.Unlock()
	if !aPending || !bPending {
		t.Fatalf("Copy was called for an already-Copied/Done key (a untouched=%v, b untouched=%v)", aPending, bPending)
	}
}

type errNeverCalled struct{}

func (errNeverCalled) Error() string { return "Copy should not have been called for an already-Copied/Done key" }

func TestExecutorRerunAfterSuccessIsIdempotent(t *testing.T) {
	plan, store, dataset := newTestPlan(t, []string{"a", "b"}, "s0", "s1")
	checkpoints := NewInMemoryCheckpointStore[string]()
	exec, err := New[string](dataset, dataset, store, WithCheckpointStore[string](checkpoints))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	first, err := exec.Run(context.Background(), plan)
	if err != nil {
		t.Fatalf("first run: %v", err)
	}
	if first.Done != 2 {
		t.Fatalf("first run: unexpected summary %+v", first)
	}

	second, err := exec.Run(context.Background(), plan)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if second.Done != 2 || second.Failed != 0 || second.Planned != 2 {
		t.Fatalf("re-run after success should be a no-op, got %+v", second)
	}
}

func TestExecutorProgressCallbackAlwaysReceivesAFinalEvent(t *testing.T) {
	plan, store, dataset := newTestPlan(t, []string{"a", "b", "c"}, "s0", "s1")
	var calls int
	var lastDone int
	cfg := DefaultConfig()
	cfg.OnProgress = func(s shardis.MigrationSummary) {
		calls++
		lastDone = s.Done
	}
	exec, err := New[string](dataset, dataset, store, WithConfig[string](cfg))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := exec.Run(context.Background(), plan); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if calls == 0 {
		t.Fatal("expected at least one progress callback (the forced final one)")
	}
	if lastDone != 3 {
		t.Fatalf("final progress event Done = %d, want 3", lastDone)
	}
}

func TestExecutorNonInterleavedModeCompletesTheSamePlan(t *testing.T) {
	plan, store, dataset := newTestPlan(t, []string{"a", "b", "c", "d"}, "s0", "s1")
	cfg := DefaultConfig()
	cfg.InterleaveCopyAndVerify = false
	exec, err := New[string](dataset, dataset, store, WithConfig[string](cfg))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	summary, err := exec.Run(context.Background(), plan)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if summary.Done != 4 {
		t.Fatalf("unexpected summary: %+v", summary)
	}
}

func TestExecutorForceSwapOnVerificationFailureOverridesMismatch(t *testing.T) {
	plan, store, dataset := newTestPlan(t, []string{"a"}, "s0", "s1")
	// Forces Verify to permanently report a mismatch regardless of what
	// Copy wrote, so retries cannot resolve it on their own.
	dataset.SetPermanentMismatch("a")

	cfg := fastRetryConfig()
	cfg.MaxRetries = 1
	cfg.ForceSwapOnVerificationFailure = true
	exec, err := New[string](dataset, dataset, store, WithConfig[string](cfg))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	summary, err := exec.Run(context.Background(), plan)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if summary.Done != 1 || summary.Failed != 0 {
		t.Fatalf("expected forced swap to still count as Done, got %+v", summary)
	}
}

func TestExecutorRejectsNilCollaborators(t *testing.T) {
	store := mapstore.New[string]()
	dataset := NewMemoryDataset[string]()
	if _, err := New[string](nil, dataset, store); err == nil {
		t.Fatal("expected an error for a nil mover")
	}
	if _, err := New[string](dataset, nil, store); err == nil {
		t.Fatal("expected an error for a nil verifier")
	}
	if _, err := New[string](dataset, dataset, nil); err == nil {
		t.Fatal("expected an error for a nil swapper")
	}
}

func TestExecutorRejectsInvalidConfig(t *testing.T) {
	store := mapstore.New[string]()
	dataset := NewMemoryDataset[string]()
	cfg := DefaultConfig()
	cfg.CopyConcurrency = 0
	if _, err := New[string](dataset, dataset, store, WithConfig[string](cfg)); err == nil {
		t.Fatal("expected a validation error for zero CopyConcurrency")
	}
}

func TestExecutorAbortsOnTopologyDrift(t *testing.T) {
	plan, store, dataset := newTestPlan(t, []string{"a"}, "s0", "s1")
	plan.SourceHash = 12345 // deliberately stale

	exec, err := New[string](dataset, dataset, store, WithDriftChecker[string](func(ctx context.Context) (uint64, error) {
		return 99999, nil
	}))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	_, err = exec.Run(context.Background(), plan)
	if err == nil {
		t.Fatal("expected a topology drift error")
	}
}

func TestExecutorResumeShortCircuitsVerifyWhenEvidenceUnchanged(t *testing.T) {
	plan, store, dataset := newTestPlan(t, []string{"a"}, "s0", "s1")
	checkpoints := NewInMemoryCheckpointStore[string]()

	// Seed the target side as if Copy already ran and Verify had already
	// succeeded once, then crashed before the checkpoint recorded Verified.
	dataset.Seed("s1", "a", "value-a")
	cp := shardis.NewMigrationCheckpoint[string](plan.PlanID)
	cp.States["a"] = shardis.Verifying
	cp.ResumeHints["a"] = shardis.ResumeHint{Evidence: "value-a"}
	if err := checkpoints.Persist(context.Background(), cp); err != nil {
		t.Fatalf("seed checkpoint: %v", err)
	}

	dataset.FailNextVerify("a", errNeverCalled{})

	exec, err := New[string](dataset, dataset, store, WithCheckpointStore[string](checkpoints))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	summary, err := exec.Run(context.Background(), plan)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if summary.Done != 1 || summary.Failed != 0 {
		t.Fatalf("expected the short-circuited key to still complete, got %+v", summary)
	}
	dataset.mu.Lock()
	_, verifyPending := dataset.failVerifyOnce["a"]
	dataset.mu.Unlock()
	if !verifyPending {
		t.Fatal("Verify was called for a key whose evidence matched its resume hint")
	}
}

func TestExecutorResumeReVerifiesWhenEvidenceChanged(t *testing.T) {
	plan, store, dataset := newTestPlan(t, []string{"a"}, "s0", "s1")
	checkpoints := NewInMemoryCheckpointStore[string]()

	// Target-side value no longer matches what was recorded before the
	// crash, so the executor must fall back to a full re-verify.
	dataset.Seed("s1", "a", "value-a")
	cp := shardis.NewMigrationCheckpoint[string](plan.PlanID)
	cp.States["a"] = shardis.Verifying
	cp.ResumeHints["a"] = shardis.ResumeHint{Evidence: "stale-evidence"}
	if err := checkpoints.Persist(context.Background(), cp); err != nil {
		t.Fatalf("seed checkpoint: %v", err)
	}

	var verifyMu sync.Mutex
	verifyCalls := 0
	dataset.OnVerify(func(string) {
		verifyMu.Lock()
		verifyCalls++
		verifyMu.Unlock()
	})

	exec, err := New[string](dataset, dataset, store, WithCheckpointStore[string](checkpoints))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	summary, err := exec.Run(context.Background(), plan)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if summary.Done != 1 || summary.Failed != 0 {
		t.Fatalf("unexpected summary: %+v", summary)
	}
	verifyMu.Lock()
	defer verifyMu.Unlock()
	if verifyCalls == 0 {
		t.Fatal("expected a full re-verify when the evidence changed, but Verify never ran")
	}
}

func TestExecutorRequireDriftCheckRejectsMissingChecker(t *testing.T) {
	store := mapstore.New[string]()
	dataset := NewMemoryDataset[string]()
	cfg := DefaultConfig()
	cfg.RequireDriftCheck = true
	if _, err := New[string](dataset, dataset, store, WithConfig[string](cfg)); err == nil {
		t.Fatal("expected an error when RequireDriftCheck is set without a drift checker")
	}
}

func TestExecutorRequireDriftCheckAcceptsConfiguredChecker(t *testing.T) {
	plan, store, dataset := newTestPlan(t, []string{"a"}, "s0", "s1")
	cfg := DefaultConfig()
	cfg.RequireDriftCheck = true
	exec, err := New[string](dataset, dataset, store,
		WithConfig[string](cfg),
		WithDriftChecker[string](func(ctx context.Context) (uint64, error) { return plan.SourceHash, nil }),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := exec.Run(context.Background(), plan); err != nil {
		t.Fatalf("Run: %v", err)
	}
}

func TestExecutorCancellationLeavesInFlightMovesResumableNotFailed(t *testing.T) {
	plan, store, dataset := newTestPlan(t, []string{"a", "b", "c", "d"}, "s0", "s1")
	checkpoints := NewInMemoryCheckpointStore[string]()

	ctx, cancel := context.WithCancel(context.Background())
	var cancelOnce sync.Once
	dataset.OnCopy(func(key string) {
		if key == "b" {
			cancelOnce.Do(cancel)
		}
	})

	cfg := fastRetryConfig()
	cfg.CopyConcurrency = 1 // serialize copies so cancellation reliably lands mid-run
	exec, err := New[string](dataset, dataset, store,
		WithCheckpointStore[string](checkpoints), WithConfig[string](cfg))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	summary, err := exec.Run(ctx, plan)
	if err == nil {
		t.Fatalf("Run: expected a cancellation error, got nil (summary %+v)", summary)
	}
	if summary.Failed != 0 {
		t.Fatalf("cancellation must not permanently fail any key, got Failed=%d", summary.Failed)
	}

	dataset.OnCopy(nil)
	summary, err = exec.Run(context.Background(), plan)
	if err != nil {
		t.Fatalf("resumed Run: %v", err)
	}
	if summary.Done != 4 || summary.Failed != 0 {
		t.Fatalf("unexpected resumed summary: %+v", summary)
	}
	for _, k := range []string{"a", "b", "c", "d"} {
		shard, ok, err := store.TryGet(context.Background(), shardis.NewShardKey(k))
		if err != nil || !ok || shard != "s1" {
			t.Fatalf("key %q: shard=%q ok=%v err=%v, want s1", k, shard, ok, err)
		}
	}
}

func TestExecutorActiveGaugesReflectInFlightCopyAndVerify(t *testing.T) {
	plan, store, dataset := newTestPlan(t, []string{"a", "b", "c"}, "s0", "s1")
	rec := &gaugeRecorder{}
	exec, err := New[string](dataset, dataset, store, WithMetrics[string](rec))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := exec.Run(context.Background(), plan); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if rec.maxActiveCopy == 0 {
		t.Fatal("expected SetActiveCopy to observe at least one in-flight copy")
	}
	if rec.maxActiveVerify == 0 {
		t.Fatal("expected SetActiveVerify to observe at least one in-flight verify")
	}
	if rec.lastActiveCopy != 0 || rec.lastActiveVerify != 0 {
		t.Fatalf("gauges must settle back to 0 once the run drains, got copy=%d verify=%d",
			rec.lastActiveCopy, rec.lastActiveVerify)
	}
}

// gaugeRecorder wraps metrics.NoopMigration to track the active-copy and
// active-verify gauges an Executor reports, without pulling in Prometheus.
type gaugeRecorder struct {
	metrics.NoopMigration

	mu               sync.Mutex
	maxActiveCopy    int
	maxActiveVerify  int
	lastActiveCopy   int
	lastActiveVerify int
}

func (g *gaugeRecorder) SetActiveCopy(n int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.lastActiveCopy = n
	if n > g.maxActiveCopy {
		g.maxActiveCopy = n
	}
}

func (g *gaugeRecorder) SetActiveVerify(n int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.lastActiveVerify = n
	if n > g.maxActiveVerify {
		g.maxActiveVerify = n
	}
}

func fastRetryConfig() Config {
	cfg := DefaultConfig()
	cfg.RetryBaseDelay = time.Millisecond
	cfg.MaxRetries = 5
	return cfg
}
