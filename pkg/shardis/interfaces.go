package shardis

import (
	"context"

	"github.com/google/uuid"
)

// IShardKeyHasher maps a key value to a stable 64-bit hash (§6, C1).
// Implementations must be pure and allocation-free on the hot path.
type IShardKeyHasher[K comparable] interface {
	Hash(key K) uint64
}

// IShardRingHasher maps a (shardId, replicaIndex) pair to a stable 64-bit
// hash used to place virtual nodes on the consistent-hash ring (§6, C2).
type IShardRingHasher interface {
	Hash(shard ShardId, replicaIndex int) uint64
}

// IShardRouter resolves a key to the shard that owns it, assigning one on
// first sight (§4.3, §6).
type IShardRouter[K comparable] interface {
	Route(ctx context.Context, key ShardKey[K]) (ShardId, error)
}

// IShardMapStore is the persistent key->shard assignment authority (§4.2,
// §6). Implementations must give concurrent TryAssign/TryGetOrAdd callers
// for the same key exactly one winner.
type IShardMapStore[K comparable] interface {
	TryGet(ctx context.Context, key ShardKey[K]) (ShardId, bool, error)

	// TryAssign performs an atomic "first writer wins" insert. It returns
	// the assignment now persisted (which may not be proposed if another
	// writer already won) and whether the caller's proposal won.
	TryAssign(ctx context.Context, key ShardKey[K], proposed ShardId) (winner ShardId, createdByUs bool, err error)

	// TryGetOrAdd performs at most one read when a mapping already exists
	// and at most one write race otherwise.
	TryGetOrAdd(ctx context.Context, key ShardKey[K], factory func() ShardId) (winner ShardId, createdByUs bool, err error)
}

// MapEntry is one (key, shard) pair yielded by enumeration.
type MapEntry[K comparable] struct {
	Key     ShardKey[K]
	ShardID ShardId
	Version uint64
}

// IShardMapEnumerationStore is the optional finite, non-restartable,
// cancelable enumeration capability of a map store (§4.2). Each call to
// Enumerate starts a fresh pass; Next returns false once exhausted,
// canceled, or faulted — check Err() to distinguish the latter two.
type IShardMapEnumerationStore[K comparable] interface {
	Enumerate(ctx context.Context) MapEnumerator[K]
}

// MapEnumerator is a pull-based cursor over a map store's contents.
type MapEnumerator[K comparable] interface {
	Next() bool
	Entry() MapEntry[K]
	Err() error
	Close()
}

// AssignmentChangedEvent is emitted by a map store on a successful swap
// (§4.2 optional event).
type AssignmentChangedEvent[K comparable] struct {
	Key      ShardKey[K]
	OldShard ShardId
	NewShard ShardId
	Version  uint64
}

// IMergeObserver receives side-channel lifecycle and heap-sampling events
// from the merge core (§4.4.4, §6). Callbacks may be invoked concurrently
// from multiple producer goroutines and must be quick and thread-safe;
// panics are recovered and swallowed at the call boundary.
type IMergeObserver interface {
	OnItemYielded(shard ShardId)
	OnShardCompleted(shard ShardId)
	OnShardStopped(shard ShardId, reason StopReason)
	OnBackpressureWaitStart(shard ShardId)
	OnBackpressureWaitStop(shard ShardId)
	OnHeapSizeSample(n int)
}

// StopReason is why a per-shard producer stopped (§4.4.1).
type StopReason int8

const (
	StopCompleted StopReason = iota
	StopCanceled
	StopFaulted
)

func (r StopReason) String() string {
	switch r {
	case StopCompleted:
		return "Completed"
	case StopCanceled:
		return "Canceled"
	case StopFaulted:
		return "Faulted"
	default:
		return "Unknown"
	}
}

// IShardDataMover copies one key's data from its source shard to its target
// shard during migration (§4.6 Phase 1, §6). Out of scope per spec.md §1:
// concrete backend movers (document/relational stores) are external
// collaborators referenced only through this contract.
type IShardDataMover[K comparable] interface {
	Copy(ctx context.Context, move KeyMove[K]) error
}

// IVerificationStrategy checks that a copied key's data matches between
// source and target (§4.6 Phase 2, §6).
type IVerificationStrategy[K comparable] interface {
	Verify(ctx context.Context, move KeyMove[K]) (bool, error)
}

// IShardMapSwapper atomically advances a batch of verified moves' mappings
// to their new target shard (§4.6 Phase 3, §6). Swap is all-or-nothing per
// batch.
type IShardMapSwapper[K comparable] interface {
	Swap(ctx context.Context, batch []KeyMove[K]) error
}

// IShardMigrationCheckpointStore persists and reloads per-plan migration
// progress (§4.6 Checkpointing, §6). Single-writer per plan.
type IShardMigrationCheckpointStore[K comparable] interface {
	Load(ctx context.Context, planID uuid.UUID) (*MigrationCheckpoint[K], error)
	Persist(ctx context.Context, checkpoint *MigrationCheckpoint[K]) error
}

// IShardMigrationMetrics is the migration executor's counters, gauges, and
// histograms (§6).
type IShardMigrationMetrics interface {
	IncPlanned(n int)
	IncCopied()
	IncVerified()
	IncSwapped(batchSize int)
	IncFailed()
	IncRetries()
	SetActiveCopy(n int)
	SetActiveVerify(n int)
	ObserveCopyDuration(d float64)
	ObserveVerifyDuration(d float64)
	ObserveSwapBatchDuration(d float64)
	ObserveTotalElapsed(d float64)
}

// IShardisMetrics is the routing metrics surface (§4.3, §6). Existing
// reports whether the route resolved from an already-persisted assignment
// (true) or was just created (false).
type IShardisMetrics interface {
	RouteHit(router string, shard ShardId, existing bool)
	RouteMiss(router string)
}

// IShardQueryExecutor executes a QueryModel against a fan-out of shards and
// returns a cancelable, typed result stream (§4.7, §6).
type IShardQueryExecutor[T any] interface {
	Execute(ctx context.Context, model QueryModel) (ResultIterator[T], error)
}

// ResultItem pairs a yielded value with its origin shard, the shape the
// unordered merge core yields (§4.4.1).
type ResultItem[T any] struct {
	Value T
	Shard ShardId
}

// ResultIterator is a pull-based cursor over merged query results. Err
// distinguishes a clean end-of-stream (Next returns false, Err nil) from a
// terminal failure.
type ResultIterator[T any] interface {
	Next(ctx context.Context) bool
	Item() ResultItem[T]
	Err() error
	Close()
}
