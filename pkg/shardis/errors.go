package shardis

import (
	"errors"
	"fmt"
)

// Error taxonomy (§7). Each sentinel names a *kind*, not a concrete type;
// callers use errors.Is against these values. ShardisError carries the
// contextual fields a production library attaches without ever putting a
// high-cardinality key value into the message (§6 bounds tag cardinality;
// errors honor the same bound).
var (
	// ErrInvalidConfiguration: empty shard set, duplicate shard id,
	// replication factor out of bounds, non-positive concurrency,
	// unsupported key type. Surfaced immediately at construction; never
	// retried.
	ErrInvalidConfiguration = errors.New("shardis: invalid configuration")

	// ErrDuplicateShard: the same ShardId was registered twice on a ring.
	ErrDuplicateShard = errors.New("shardis: duplicate shard id")

	// ErrTopologyDrift: planner/executor detected a snapshot hash change
	// between plan time and execute time. Plan aborted.
	ErrTopologyDrift = errors.New("shardis: topology drift detected")

	// ErrStoreUnavailable: transient I/O on the map store or checkpoint
	// store. Retried via the executor's retry policy; surfaced after
	// maxRetries is exhausted.
	ErrStoreUnavailable = errors.New("shardis: store unavailable")

	// ErrOptimisticConflict: CAS/version mismatch in the swap path.
	// Retried per batch; after exhaustion the affected keys are marked
	// Failed directly, without passing back through Copied.
	ErrOptimisticConflict = errors.New("shardis: optimistic conflict")

	// ErrCopyFailure: transient or permanent failure in the data mover.
	ErrCopyFailure = errors.New("shardis: copy failure")

	// ErrVerifyFailure: transient or permanent failure in the verifier.
	ErrVerifyFailure = errors.New("shardis: verify failure")

	// ErrVerificationMismatch: verify() returned false. Unless
	// forceSwapOnVerificationFailure, treated as retryable; permanent
	// after retries exhaust.
	ErrVerificationMismatch = errors.New("shardis: verification mismatch")

	// ErrQueryTranslation: an executor could not push a predicate to its
	// backend. Never silently falls back to client-side evaluation.
	ErrQueryTranslation = errors.New("shardis: query translation failed")

	// ErrShardUnavailable: a shard id in targetShards does not resolve.
	// Recorded as invalid.shard.count; not fatal.
	ErrShardUnavailable = errors.New("shardis: shard unavailable")

	// ErrCanceled: cooperative cancellation surfaced as a domain error
	// where context.Canceled itself would be ambiguous about which layer
	// observed it.
	ErrCanceled = errors.New("shardis: canceled")
)

// ShardisError decorates a taxonomy sentinel with low-cardinality context.
type ShardisError struct {
	Kind    error
	Shard   ShardId
	Attempt int
	Detail  string
}

func (e *ShardisError) Error() string {
	if e.Shard != "" {
		return fmt.Sprintf("%v: shard=%s attempt=%d %s", e.Kind, e.Shard, e.Attempt, e.Detail)
	}
	return fmt.Sprintf("%v: %s", e.Kind, e.Detail)
}

func (e *ShardisError) Unwrap() error { return e.Kind }

// NewError builds a ShardisError for kind, annotated with shard/attempt
// context. detail must never contain a raw key value (§6).
func NewError(kind error, shard ShardId, attempt int, detail string) *ShardisError {
	return &ShardisError{Kind: kind, Shard: shard, Attempt: attempt, Detail: detail}
}
