package shardis

import "fmt"

// MaxReplicationFactor is the hard cap on virtual nodes per shard (§3, §6).
const MaxReplicationFactor = 10_000

// ValidateReplicationFactor enforces the [1, 10000] bound (§4.1).
func ValidateReplicationFactor(n int) error {
	if n < 1 || n > MaxReplicationFactor {
		return fmt.Errorf("%w: replication factor %d out of bounds [1,%d]", ErrInvalidConfiguration, n, MaxReplicationFactor)
	}
	return nil
}

// ValidateShardSet enforces a non-empty, duplicate-free shard set (§4.1,
// §6 "shards: non-empty").
func ValidateShardSet[K comparable](shards []Shard[K]) error {
	if len(shards) == 0 {
		return fmt.Errorf("%w: shard set must be non-empty", ErrInvalidConfiguration)
	}
	seen := make(map[ShardId]struct{}, len(shards))
	for _, s := range shards {
		if !s.ID.Valid() {
			return fmt.Errorf("%w: shard id must be non-empty", ErrInvalidConfiguration)
		}
		if _, dup := seen[s.ID]; dup {
			return fmt.Errorf("%w: %q", ErrDuplicateShard, s.ID)
		}
		seen[s.ID] = struct{}{}
	}
	return nil
}

// ValidatePositive enforces a >0 bound for concurrency-style knobs.
func ValidatePositive(name string, n int) error {
	if n <= 0 {
		return fmt.Errorf("%w: %s must be > 0, got %d", ErrInvalidConfiguration, name, n)
	}
	return nil
}

// ValidateRange enforces lo<=n<=hi for bounded knobs like
// copyConcurrency/verifyConcurrency/swapBatchSize (§6).
func ValidateRange(name string, n, lo, hi int) error {
	if n < lo || n > hi {
		return fmt.Errorf("%w: %s=%d out of bounds [%d,%d]", ErrInvalidConfiguration, name, n, lo, hi)
	}
	return nil
}
