package migration

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/shardis/shardis/pkg/metrics"
	"github.com/shardis/shardis/pkg/shardis"
)

// Executor drives a MigrationPlan through copy -> verify -> swap (§4.6 C9).
// Construct with New and one of each backend collaborator; Run is safe to
// call once per plan (concurrent Run calls on the same Executor for
// different plans are fine — all state lives in the per-run value Run
// creates internally).
type Executor[K comparable] struct {
	mover    shardis.IShardDataMover[K]
	verifier shardis.IVerificationStrategy[K]
	swapper  shardis.IShardMapSwapper[K]

	checkpoints shardis.IShardMigrationCheckpointStore[K]
	metrics     shardis.IShardMigrationMetrics
	logger      *zap.Logger
	cfg         Config

	// driftChecker, when set, is called once at the start of Run to
	// recompute the current topology's drift hash; a mismatch against
	// plan.SourceHash aborts the run before any move is attempted (§4.5
	// "Topology drift protection", §9 open question 3).
	driftChecker func(ctx context.Context) (uint64, error)
}

// Option configures an Executor, mirroring the functional-options pattern
// of the module's other constructors (routing.Option, query.Option).
type Option[K comparable] func(*Executor[K])

func WithCheckpointStore[K comparable](s shardis.IShardMigrationCheckpointStore[K]) Option[K] {
	return func(e *Executor[K]) { e.checkpoints = s }
}

func WithMetrics[K comparable](m shardis.IShardMigrationMetrics) Option[K] {
	return func(e *Executor[K]) { e.metrics = m }
}

func WithLogger[K comparable](l *zap.Logger) Option[K] {
	return func(e *Executor[K]) { e.logger = l }
}

func WithConfig[K comparable](c Config) Option[K] {
	return func(e *Executor[K]) { e.cfg = c }
}

func WithDriftChecker[K comparable](f func(ctx context.Context) (uint64, error)) Option[K] {
	return func(e *Executor[K]) { e.driftChecker = f }
}

// New validates cfg and wires mover/verifier/swapper into a ready Executor.
func New[K comparable](mover shardis.IShardDataMover[K], verifier shardis.IVerificationStrategy[K], swapper shardis.IShardMapSwapper[K], opts ...Option[K]) (*Executor[K], error) {
	if mover == nil || verifier == nil || swapper == nil {
		return nil, fmt.Errorf("%w: mover, verifier, and swapper are required", shardis.ErrInvalidConfiguration)
	}
	e := &Executor[K]{
		mover:    mover,
		verifier: verifier,
		swapper:  swapper,
		metrics:  metrics.NoopMigration{},
		logger:   zap.NewNop(),
		cfg:      DefaultConfig(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.cfg.RequireDriftCheck && e.driftChecker == nil {
		return nil, fmt.Errorf("%w: requireDriftCheck is set but no drift checker was configured (WithDriftChecker)", shardis.ErrInvalidConfiguration)
	}
	if err := e.cfg.validate(); err != nil {
		return nil, err
	}
	return e, nil
}

// EvidenceReporter is an optional capability a verifier (or mover) may
// implement to report a RowVersion-style checksum for a move's current
// target-side state. When present, Executor records it on successful
// verification and consults it when resuming a key caught mid-verify at
// crash time, skipping a redundant re-verify if the evidence is unchanged
// (§9 open question 2).
type EvidenceReporter[K comparable] interface {
	Evidence(ctx context.Context, move shardis.KeyMove[K]) (string, error)
}

// Run executes plan to completion (or to the first unrecovered context
// cancellation), resuming from any checkpoint already persisted for
// plan.PlanID. It never returns an error for per-key failures — those are
// reflected in the returned MigrationSummary's Failed count (§7) — only
// for run-level faults: topology drift, checkpoint I/O, or ctx.Err().
func (e *Executor[K]) Run(ctx context.Context, plan shardis.MigrationPlan[K]) (shardis.MigrationSummary, error) {
	start := time.Now()

	if e.driftChecker != nil {
		hash, err := e.driftChecker(ctx)
		if err != nil {
			return shardis.MigrationSummary{}, fmt.Errorf("drift check: %w", err)
		}
		if hash != plan.SourceHash {
			return shardis.MigrationSummary{}, shardis.ErrTopologyDrift
		}
	}

	r, err := newRun(ctx, e, plan)
	if err != nil {
		return shardis.MigrationSummary{}, err
	}
	e.metrics.IncPlanned(len(plan.Moves))

	runErr := r.runCopyAndVerify(ctx)
	if runErr == nil {
		runErr = r.runSwap(ctx)
	}

	r.flushFinal()
	elapsed := time.Since(start)
	e.metrics.ObserveTotalElapsed(elapsed.Seconds())
	summary := r.summary(elapsed)
	r.emitProgress(true)

	if runErr != nil {
		return summary, runErr
	}
	return summary, nil
}

// run holds the mutable state of one Executor.Run call.
type run[K comparable] struct {
	e    *Executor[K]
	cfg  Config
	plan shardis.MigrationPlan[K]

	mu         sync.Mutex
	states     []shardis.KeyMoveState
	checkpoint *shardis.MigrationCheckpoint[K]
	doneCount  int
	failCount  int

	flushMu               sync.Mutex
	transitionsSinceFlush int
	lastFlush             time.Time

	progressMu   sync.Mutex
	lastProgress time.Time

	copySem   *semaphore.Weighted
	verifySem *semaphore.Weighted
	movesSem  *semaphore.Weighted // optional, nil means unbounded

	shardSemMu sync.Mutex
	shardSems  map[shardis.ShardId]*semaphore.Weighted

	activeCopy   int64
	activeVerify int64
}

func newRun[K comparable](ctx context.Context, e *Executor[K], plan shardis.MigrationPlan[K]) (*run[K], error) {
	keyIndex := make(map[K]int, len(plan.Moves))
	for i, mv := range plan.Moves {
		keyIndex[mv.Key.Value] = i
	}

	var checkpoint *shardis.MigrationCheckpoint[K]
	if e.checkpoints != nil {
		loaded, err := e.checkpoints.Load(ctx, plan.PlanID)
		if err != nil {
			return nil, fmt.Errorf("%w: load checkpoint: %v", shardis.ErrStoreUnavailable, err)
		}
		checkpoint = loaded
	}
	if checkpoint == nil {
		checkpoint = shardis.NewMigrationCheckpoint[K](plan.PlanID)
	}

	states := make([]shardis.KeyMoveState, len(plan.Moves))
	var doneCount, failCount int
	for k, st := range checkpoint.States {
		idx, ok := keyIndex[k]
		if !ok {
			continue
		}
		switch st {
		case shardis.Swapping:
			// A move caught mid-swap at crash time cannot be trusted to have
			// committed (Swap is all-or-nothing but the checkpoint write
			// recording Swapping may have raced ahead of it); treat it as
			// Verified rather than assuming the swap landed.
			st = shardis.Verified
		case shardis.Verifying:
			// Ambiguous whether Verify finished before the crash. Fall back
			// to a full re-verify (Copied) unless the verifier can report
			// target-side evidence matching what was recorded before the
			// crash, in which case the prior Verified result still holds.
			st = shardis.Copied
			if hint, ok := checkpoint.ResumeHints[k]; ok && hint.Evidence != "" {
				if reporter, ok2 := e.verifier.(EvidenceReporter[K]); ok2 {
					if cur, err := reporter.Evidence(ctx, plan.Moves[idx]); err == nil && cur != "" && cur == hint.Evidence {
						st = shardis.Verified
					}
				}
			}
		}
		states[idx] = st
		switch st {
		case shardis.Done:
			doneCount++
		case shardis.Failed:
			failCount++
		}
	}

	return &run[K]{
		e:            e,
		cfg:          e.cfg,
		plan:         plan,
		states:       states,
		checkpoint:   checkpoint,
		doneCount:    doneCount,
		failCount:    failCount,
		lastFlush:    time.Now(),
		lastProgress: time.Now(),
		copySem:      semaphore.NewWeighted(int64(e.cfg.CopyConcurrency)),
		verifySem:    semaphore.NewWeighted(int64(e.cfg.VerifyConcurrency)),
		movesSem:     newOptionalSemaphore(e.cfg.MaxConcurrentMoves),
		shardSems:    make(map[shardis.ShardId]*semaphore.Weighted),
	}, nil
}

func newOptionalSemaphore(n int) *semaphore.Weighted {
	if n <= 0 {
		return nil
	}
	return semaphore.NewWeighted(int64(n))
}

func acquireWeighted(ctx context.Context, sem *semaphore.Weighted) (release func(), err error) {
	if sem == nil {
		return func() {}, nil
	}
	if err := sem.Acquire(ctx, 1); err != nil {
		return func() {}, err
	}
	return func() { sem.Release(1) }, nil
}

func (r *run[K]) shardSemFor(shard shardis.ShardId) *semaphore.Weighted {
	if r.cfg.MaxMovesPerShard <= 0 {
		return nil
	}
	r.shardSemMu.Lock()
	defer r.shardSemMu.Unlock()
	sem, ok := r.shardSems[shard]
	if !ok {
		sem = semaphore.NewWeighted(int64(r.cfg.MaxMovesPerShard))
		r.shardSems[shard] = sem
	}
	return sem
}

// acquireMoveSlot bounds concurrency for one move's access to phaseSem,
// layering the optional global and per-shard caps on top of it (§4.6
// "Concurrency & resource model").
func (r *run[K]) acquireMoveSlot(ctx context.Context, idx int, phaseSem *semaphore.Weighted) (func(), error) {
	move := r.plan.Moves[idx]
	var releases []func()
	undo := func() {
		for i := len(releases) - 1; i >= 0; i-- {
			releases[i]()
		}
	}

	rel, err := acquireWeighted(ctx, r.movesSem)
	if err != nil {
		return func() {}, err
	}
	releases = append(releases, rel)

	rel, err = acquireWeighted(ctx, r.shardSemFor(move.Target))
	if err != nil {
		undo()
		return func() {}, err
	}
	releases = append(releases, rel)

	rel, err = acquireWeighted(ctx, phaseSem)
	if err != nil {
		undo()
		return func() {}, err
	}
	releases = append(releases, rel)

	return undo, nil
}

func (r *run[K]) getState(idx int) shardis.KeyMoveState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.states[idx]
}

func (r *run[K]) setState(idx int, state shardis.KeyMoveState) {
	move := r.plan.Moves[idx]
	r.mu.Lock()
	r.states[idx] = state
	r.checkpoint.States[move.Key.Value] = state
	r.checkpoint.UpdatedAt = time.Now()
	if idx > r.checkpoint.LastProcessedIndex {
		r.checkpoint.LastProcessedIndex = idx
	}
	switch state {
	case shardis.Done:
		r.doneCount++
	case shardis.Failed:
		r.failCount++
	}
	r.mu.Unlock()

	r.flushMu.Lock()
	r.transitionsSinceFlush++
	r.flushMu.Unlock()
	r.maybeFlush()
	r.maybeEmitProgress(false)
}

func (r *run[K]) maybeFlush() {
	if r.e.checkpoints == nil {
		return
	}
	r.flushMu.Lock()
	due := r.transitionsSinceFlush >= r.cfg.CheckpointFlushEveryTransitions ||
		time.Since(r.lastFlush) >= r.cfg.CheckpointFlushInterval
	r.flushMu.Unlock()
	if due {
		r.flush(context.Background())
	}
}

func (r *run[K]) flush(ctx context.Context) {
	if r.e.checkpoints == nil {
		return
	}
	r.mu.Lock()
	snapshot := r.checkpoint.Clone()
	r.mu.Unlock()

	if err := r.e.checkpoints.Persist(ctx, snapshot); err != nil {
		r.e.logger.Warn("migration: checkpoint flush failed", zap.Error(err))
		return
	}
	r.flushMu.Lock()
	r.transitionsSinceFlush = 0
	r.lastFlush = time.Now()
	r.flushMu.Unlock()
}

// flushFinal persists a last checkpoint under a fresh bounded context,
// since Run's own ctx may already be canceled by the time this runs
// (§4.6 "the final event is always delivered" applies equally to the
// final checkpoint).
func (r *run[K]) flushFinal() {
	if r.e.checkpoints == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	r.flush(ctx)
}

func (r *run[K]) maybeEmitProgress(force bool) {
	if r.cfg.OnProgress == nil {
		return
	}
	r.progressMu.Lock()
	defer r.progressMu.Unlock()
	if !force && time.Since(r.lastProgress) < time.Second {
		return
	}
	r.lastProgress = time.Now()
	r.cfg.OnProgress(r.summary(0))
}

func (r *run[K]) emitProgress(force bool) {
	r.maybeEmitProgress(force)
}

func (r *run[K]) summary(elapsed time.Duration) shardis.MigrationSummary {
	r.mu.Lock()
	defer r.mu.Unlock()
	return shardis.MigrationSummary{
		Planned: len(r.plan.Moves),
		Done:    r.doneCount,
		Failed:  r.failCount,
		Elapsed: elapsed,
	}
}

func (r *run[K]) fail(idx int, err error) {
	r.e.logger.Warn("migration: move failed permanently",
		zap.String("shard", string(r.plan.Moves[idx].Target)), zap.Error(err))
	r.setState(idx, shardis.Failed)
	r.e.metrics.IncFailed()
}

func (r *run[K]) onRetry(attempt int, err error) {
	r.e.logger.Debug("migration: retrying move", zap.Int("attempt", attempt), zap.Error(err))
}

// isContextErr reports whether err is (or wraps) the run's own cancellation,
// as opposed to a genuine copy/verify/swap fault. retry() returns ctx.Err()
// verbatim once the context is done, regardless of what the underlying
// collaborator returned, so this check is sufficient to tell the two apart.
func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func (r *run[K]) beginCopy() {
	n := atomic.AddInt64(&r.activeCopy, 1)
	r.e.metrics.SetActiveCopy(int(n))
}

func (r *run[K]) endCopy() {
	n := atomic.AddInt64(&r.activeCopy, -1)
	r.e.metrics.SetActiveCopy(int(n))
}

func (r *run[K]) beginVerify() {
	n := atomic.AddInt64(&r.activeVerify, 1)
	r.e.metrics.SetActiveVerify(int(n))
}

func (r *run[K]) endVerify() {
	n := atomic.AddInt64(&r.activeVerify, -1)
	r.e.metrics.SetActiveVerify(int(n))
}

func (r *run[K]) pendingCopyIndices() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []int
	for i, s := range r.states {
		if s == shardis.Planned || s == shardis.Copying {
			out = append(out, i)
		}
	}
	return out
}

func (r *run[K]) pendingVerifyIndices() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []int
	for i, s := range r.states {
		if s == shardis.Copied || s == shardis.Verifying {
			out = append(out, i)
		}
	}
	return out
}

func (r *run[K]) copyOne(ctx context.Context, idx int) {
	move := r.plan.Moves[idx]
	r.setState(idx, shardis.Copying)
	r.beginCopy()
	defer r.endCopy()
	start := time.Now()

	attempts, err := retry(ctx, r.cfg.MaxRetries, r.cfg.RetryBaseDelay, r.onRetry, func() error {
		if cerr := r.e.mover.Copy(ctx, move); cerr != nil {
			return fmt.Errorf("%w: %v", shardis.ErrCopyFailure, cerr)
		}
		return nil
	})
	r.e.metrics.ObserveCopyDuration(time.Since(start).Seconds())
	if attempts > 1 {
		r.e.metrics.IncRetries()
	}
	if err != nil {
		if isContextErr(err) {
			// Leave the move at Copying: the run is being canceled, not
			// this key permanently failed, and a resumed run must retry
			// the copy rather than treat it as done.
			return
		}
		r.fail(idx, err)
		return
	}
	r.setState(idx, shardis.Copied)
	r.e.metrics.IncCopied()
}

func (r *run[K]) verifyOne(ctx context.Context, idx int) {
	move := r.plan.Moves[idx]
	r.setState(idx, shardis.Verifying)
	r.beginVerify()
	defer r.endVerify()
	start := time.Now()

	attempts, err := retry(ctx, r.cfg.MaxRetries, r.cfg.RetryBaseDelay, r.onRetry, func() error {
		ok, verr := r.e.verifier.Verify(ctx, move)
		if verr != nil {
			return fmt.Errorf("%w: %v", shardis.ErrVerifyFailure, verr)
		}
		if !ok {
			return shardis.ErrVerificationMismatch
		}
		return nil
	})
	r.e.metrics.ObserveVerifyDuration(time.Since(start).Seconds())
	if attempts > 1 {
		r.e.metrics.IncRetries()
	}

	if err != nil {
		if isContextErr(err) {
			// Leave the move at Verifying: resume will fall back to a
			// full re-verify (or short-circuit via EvidenceReporter) —
			// either way it must not be counted as failed here.
			return
		}
		if r.cfg.ForceSwapOnVerificationFailure && errors.Is(err, shardis.ErrVerificationMismatch) {
			r.e.logger.Warn("migration: forcing swap despite verification mismatch",
				zap.String("shard", string(move.Target)))
			r.setState(idx, shardis.Verified)
			r.e.metrics.IncVerified()
			return
		}
		r.fail(idx, err)
		return
	}
	r.recordEvidence(ctx, idx)
	r.setState(idx, shardis.Verified)
	r.e.metrics.IncVerified()
}

// recordEvidence asks the verifier for a RowVersion-style checksum of the
// move's target-side state, if it implements EvidenceReporter, and stores
// it on the checkpoint for a future resume to consult.
func (r *run[K]) recordEvidence(ctx context.Context, idx int) {
	reporter, ok := r.e.verifier.(EvidenceReporter[K])
	if !ok {
		return
	}
	move := r.plan.Moves[idx]
	evidence, err := reporter.Evidence(ctx, move)
	if err != nil || evidence == "" {
		return
	}
	r.mu.Lock()
	r.checkpoint.ResumeHints[move.Key.Value] = shardis.ResumeHint{Evidence: evidence}
	r.mu.Unlock()
}

// runParallel fans fn out over indices, each gated by acquire, and returns
// the first non-nil error any acquire produced (a copy/verify failure
// itself is recorded on the move via fail/setState, not returned here).
func (r *run[K]) runParallel(ctx context.Context, indices []int, phaseSem *semaphore.Weighted, fn func(context.Context, int)) error {
	var wg sync.WaitGroup
	var errOnce sync.Once
	var firstErr error

	for _, idx := range indices {
		idx := idx
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := r.acquireMoveSlot(ctx, idx, phaseSem)
			if err != nil {
				errOnce.Do(func() { firstErr = err })
				return
			}
			defer release()
			fn(ctx, idx)
		}()
	}
	wg.Wait()
	return firstErr
}

// runCopyAndVerify drives the copy and verify phases, either interleaved
// per-move or as two full passes, per cfg.InterleaveCopyAndVerify (§4.6
// "Phase 1 / Phase 2").
func (r *run[K]) runCopyAndVerify(ctx context.Context) error {
	toCopy := r.pendingCopyIndices()
	toVerifyOnly := r.pendingVerifyIndices()

	if !r.cfg.InterleaveCopyAndVerify {
		if err := r.runParallel(ctx, toCopy, r.copySem, r.copyOne); err != nil {
			return err
		}
		return r.runParallel(ctx, r.pendingVerifyIndices(), r.verifySem, r.verifyOne)
	}

	var wg sync.WaitGroup
	var errOnce sync.Once
	var firstErr error
	record := func(err error) { errOnce.Do(func() { firstErr = err }) }

	pipeline := func(idx int, needsCopy bool) {
		defer wg.Done()
		if needsCopy {
			release, err := r.acquireMoveSlot(ctx, idx, r.copySem)
			if err != nil {
				record(err)
				return
			}
			r.copyOne(ctx, idx)
			release()
			if r.getState(idx) != shardis.Copied {
				// Either permanently Failed, or left at Copying by a
				// canceled copy (isContextErr path) — either way the
				// move isn't ready to verify.
				return
			}
		}
		release, err := r.acquireMoveSlot(ctx, idx, r.verifySem)
		if err != nil {
			record(err)
			return
		}
		defer release()
		r.verifyOne(ctx, idx)
	}

	for _, idx := range toCopy {
		wg.Add(1)
		go pipeline(idx, true)
	}
	for _, idx := range toVerifyOnly {
		wg.Add(1)
		go pipeline(idx, false)
	}
	wg.Wait()
	return firstErr
}

// collectVerifiedBatch atomically claims up to n Verified moves, tagging
// them Swapping so a concurrent call cannot double-claim them, and returns
// their plan indices in plan order (§4.6 "Atomic swap batching").
func (r *run[K]) collectVerifiedBatch(n int) []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []int
	for i, s := range r.states {
		if s != shardis.Verified {
			continue
		}
		out = append(out, i)
		r.states[i] = shardis.Swapping
		r.checkpoint.States[r.plan.Moves[i].Key.Value] = shardis.Swapping
		if len(out) >= n {
			break
		}
	}
	return out
}

func (r *run[K]) swapBatch(ctx context.Context, indices []int) {
	moves := make([]shardis.KeyMove[K], len(indices))
	for i, idx := range indices {
		moves[i] = r.plan.Moves[idx]
	}

	start := time.Now()
	attempts, err := retry(ctx, r.cfg.MaxRetries, r.cfg.RetryBaseDelay, r.onRetry, func() error {
		if serr := r.e.swapper.Swap(ctx, moves); serr != nil {
			return fmt.Errorf("%w: %v", shardis.ErrOptimisticConflict, serr)
		}
		return nil
	})
	r.e.metrics.ObserveSwapBatchDuration(time.Since(start).Seconds())
	if attempts > 1 {
		r.e.metrics.IncRetries()
	}

	if err != nil {
		if isContextErr(err) {
			// Leave the batch at Swapping: resume reclassifies Swapping
			// back to Verified (swap is all-or-nothing, so a checkpoint
			// write that raced ahead of a canceled swap cannot be trusted
			// either way) and retries the batch.
			return
		}
		// §7 describes an exhausted OptimisticConflict batch as rolled
		// back to Copied before the affected keys are marked Failed; we
		// mark them Failed directly since nothing downstream of Failed
		// distinguishes the two, and the intermediate state is never
		// observed.
		for _, idx := range indices {
			r.fail(idx, err)
		}
		return
	}
	for _, idx := range indices {
		r.setState(idx, shardis.Done)
	}
	r.e.metrics.IncSwapped(len(indices))
}

// runSwap drains every Verified move in SwapBatchSize-sized batches until
// none remain, one batch at a time — batches are all-or-nothing, so
// running them sequentially rather than concurrently keeps "no
// dual-mapping" trivially true without extra bookkeeping (§4.6 "Atomicity
// invariants", §8 property "no moment where both source and target
// mappings are simultaneously externally visible").
func (r *run[K]) runSwap(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		batch := r.collectVerifiedBatch(r.cfg.SwapBatchSize)
		if len(batch) == 0 {
			return nil
		}
		r.swapBatch(ctx, batch)
	}
}
