// Package shardis defines the data model, error taxonomy, and external
// interface contracts shared by every shardis subsystem: routing (pkg/ring,
// pkg/mapstore, pkg/routing), streaming query merge (pkg/merge, pkg/query),
// and key migration (pkg/topology, pkg/migration). Concrete implementations
// live in those subpackages; this package only carries the vocabulary they
// all import, which keeps the dependency graph a tree instead of a cycle.
//
// © 2025 shardis authors. MIT License.
package shardis

import "fmt"

// ShardId is an opaque, non-empty, stable shard identifier. Two ShardIds are
// equal iff their underlying strings are equal.
type ShardId string

// String implements fmt.Stringer.
func (id ShardId) String() string { return string(id) }

// Valid reports whether id is non-empty, per the data model invariant.
func (id ShardId) Valid() bool { return len(id) > 0 }

// ShardKeyType is the permitted set of key payload types: fixed-width
// integers, strings, and 128-bit UUIDs (represented as [16]byte). Go
// generics cannot express a closed union directly, so this is documentation
// only: ShardKeyType admits any comparable type, and NewXXHashKeyHasher
// performs no check on K (other key types are hashed by their in-memory
// bytes).
type ShardKeyType interface {
	comparable
}

// ShardKey wraps a hashable key value. It is a thin value type: equality and
// hashing are delegated to K's own comparability and to an IShardKeyHasher.
type ShardKey[K comparable] struct {
	Value K
}

// NewShardKey constructs a ShardKey from a raw value.
func NewShardKey[K comparable](v K) ShardKey[K] {
	return ShardKey[K]{Value: v}
}

// Shard describes one physical backend partition. Shard does not own
// routing logic; it is pure data carried by the map store and the ring.
type Shard[K comparable] struct {
	ID         ShardId
	Metadata   map[string]string
	Connection string
}

// TopologySnapshot is an immutable mapping from ShardKey to ShardId plus a
// monotonically assigned version, the input to the migration planner (§4.5).
type TopologySnapshot[K comparable] struct {
	Version   uint64
	Mapping   map[K]ShardId
	DriftHash uint64
}

// KeyMoveState is the totally ordered migration state machine (§3).
type KeyMoveState int8

const (
	Planned KeyMoveState = iota
	Copying
	Copied
	Verifying
	Verified
	Swapping
	Done
	Failed
)

func (s KeyMoveState) String() string {
	switch s {
	case Planned:
		return "Planned"
	case Copying:
		return "Copying"
	case Copied:
		return "Copied"
	case Verifying:
		return "Verifying"
	case Verified:
		return "Verified"
	case Swapping:
		return "Swapping"
	case Done:
		return "Done"
	case Failed:
		return "Failed"
	default:
		return fmt.Sprintf("KeyMoveState(%d)", int8(s))
	}
}

// Terminal reports whether s has no outgoing transitions.
func (s KeyMoveState) Terminal() bool { return s == Done || s == Failed }

// KeyMove is one key's planned relocation. Invariant: Source != Target.
type KeyMove[K comparable] struct {
	Key    ShardKey[K]
	Source ShardId
	Target ShardId
}

// Validate enforces the KeyMove invariant.
func (m KeyMove[K]) Validate() error {
	if m.Source == m.Target {
		return fmt.Errorf("%w: source and target shard are both %q", ErrInvalidConfiguration, m.Source)
	}
	if !m.Source.Valid() || !m.Target.Valid() {
		return fmt.Errorf("%w: source and target shard ids must be non-empty", ErrInvalidConfiguration)
	}
	return nil
}
