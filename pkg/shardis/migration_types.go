package shardis

import (
	"time"

	"github.com/google/uuid"
)

// MigrationPlan is an immutable, ordered list of KeyMove derived from two
// topology snapshots (§3, §4.5). Ordering is preserved for deterministic
// execution and checkpointing by index.
type MigrationPlan[K comparable] struct {
	PlanID      uuid.UUID
	CreatedAt   time.Time
	Moves       []KeyMove[K]
	SourceHash  uint64 // drift-protection hash of the source topology at plan time
}

// NewMigrationPlan stamps a fresh plan id and creation time around moves.
// moves is taken by ownership; callers must not mutate it afterwards.
func NewMigrationPlan[K comparable](moves []KeyMove[K], sourceHash uint64) MigrationPlan[K] {
	return MigrationPlan[K]{
		PlanID:     uuid.New(),
		CreatedAt:  time.Now(),
		Moves:      moves,
		SourceHash: sourceHash,
	}
}

// ResumeHint carries target-side evidence (e.g. a rowversion or checksum)
// that lets the executor short-circuit re-verification of a key resumed
// from Verifying at crash time; a key resumed from Swapping is treated as
// Verified without consulting it (§9 open question 2; SPEC_FULL.md
// supplement 3).
type ResumeHint struct {
	Evidence string
}

// MigrationCheckpoint is the durable, resumable record of per-key migration
// progress (§3, §4.6 Checkpointing). checkpointVersion is fixed at 1 for the
// wire format described in §6.
type MigrationCheckpoint[K comparable] struct {
	PlanID            uuid.UUID
	CheckpointVersion int
	UpdatedAt         time.Time
	States            map[K]KeyMoveState
	ResumeHints       map[K]ResumeHint
	LastProcessedIndex int
}

// NewMigrationCheckpoint creates an empty checkpoint for planID.
func NewMigrationCheckpoint[K comparable](planID uuid.UUID) *MigrationCheckpoint[K] {
	return &MigrationCheckpoint[K]{
		PlanID:            planID,
		CheckpointVersion: 1,
		UpdatedAt:         time.Now(),
		States:            make(map[K]KeyMoveState),
		ResumeHints:       make(map[K]ResumeHint),
	}
}

// Clone returns a deep-enough copy safe to persist concurrently with further
// in-memory mutation of the original.
func (c *MigrationCheckpoint[K]) Clone() *MigrationCheckpoint[K] {
	out := &MigrationCheckpoint[K]{
		PlanID:             c.PlanID,
		CheckpointVersion:  c.CheckpointVersion,
		UpdatedAt:          c.UpdatedAt,
		LastProcessedIndex: c.LastProcessedIndex,
		States:             make(map[K]KeyMoveState, len(c.States)),
		ResumeHints:        make(map[K]ResumeHint, len(c.ResumeHints)),
	}
	for k, v := range c.States {
		out.States[k] = v
	}
	for k, v := range c.ResumeHints {
		out.ResumeHints[k] = v
	}
	return out
}

// MigrationSummary is the result of one executor run (§7 propagation: "the
// migration executor never throws on per-key failure; it increments counters
// and continues, returning a summary").
type MigrationSummary struct {
	Planned int
	Done    int
	Failed  int
	Elapsed time.Duration
}
