package migration

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/shardis/shardis/pkg/shardis"
)

// InMemoryCheckpointStore implements shardis.IShardMigrationCheckpointStore
// with a mutex-guarded map, mirroring the teacher's in-process map store
// shape. Intended for tests and single-process runs; state does not
// survive a process restart.
type InMemoryCheckpointStore[K comparable] struct {
	mu          sync.Mutex
	checkpoints map[uuid.UUID]*shardis.MigrationCheckpoint[K]
}

// NewInMemoryCheckpointStore returns an empty store.
func NewInMemoryCheckpointStore[K comparable]() *InMemoryCheckpointStore[K] {
	return &InMemoryCheckpointStore[K]{checkpoints: make(map[uuid.UUID]*shardis.MigrationCheckpoint[K])}
}

// Load returns (nil, nil) when no checkpoint has been persisted for planID,
// distinguishing "nothing to resume" from an error.
func (s *InMemoryCheckpointStore[K]) Load(_ context.Context, planID uuid.UUID) (*shardis.MigrationCheckpoint[K], error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp, ok := s.checkpoints[planID]
	if !ok {
		return nil, nil
	}
	return cp.Clone(), nil
}

// Persist stores a clone of checkpoint, so later in-memory mutation by the
// caller does not retroactively change what was "persisted".
func (s *InMemoryCheckpointStore[K]) Persist(_ context.Context, checkpoint *shardis.MigrationCheckpoint[K]) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checkpoints[checkpoint.PlanID] = checkpoint.Clone()
	return nil
}
