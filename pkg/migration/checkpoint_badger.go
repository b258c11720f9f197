package migration

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"

	"github.com/shardis/shardis/pkg/shardis"
)

// KeyCodec serializes an arbitrary comparable key to and from the string
// form badger's checkpoint wire format uses for map keys, since JSON object
// keys must be strings but migration keys can be any ShardKeyType (§6
// "Persisted artifacts").
type KeyCodec[K comparable] struct {
	Encode func(K) string
	Decode func(string) (K, error)
}

// StringKeyCodec is the identity codec for K=string, the common case.
func StringKeyCodec() KeyCodec[string] {
	return KeyCodec[string]{
		Encode: func(k string) string { return k },
		Decode: func(s string) (string, error) { return s, nil },
	}
}

// checkpointWire is the on-disk JSON representation of a
// shardis.MigrationCheckpoint, checkpointVersion fixed at 1 (§6 Persisted
// artifacts: "migration checkpoint (JSON or protobuf... versioned)").
type checkpointWire struct {
	PlanID             uuid.UUID                 `json:"planId"`
	CheckpointVersion  int                       `json:"checkpointVersion"`
	UpdatedAt          int64                     `json:"updatedAtUnixNano"`
	States             map[string]int8           `json:"states"`
	ResumeHints        map[string]shardis.ResumeHint `json:"resumeHints"`
	LastProcessedIndex int                       `json:"lastProcessedIndex"`
}

// BadgerCheckpointStore persists migration checkpoints to an embedded
// badger database, keyed by plan id, the durable counterpart to
// InMemoryCheckpointStore — grounded on the teacher's disk-backed eject
// path (examples/disk_eject), which opens badger once and drives every
// read/write through db.View/db.Update closures.
type BadgerCheckpointStore[K comparable] struct {
	db    *badger.DB
	codec KeyCodec[K]
}

// NewBadgerCheckpointStore wraps an already-open badger database. Callers
// own db's lifecycle (Open/Close).
func NewBadgerCheckpointStore[K comparable](db *badger.DB, codec KeyCodec[K]) *BadgerCheckpointStore[K] {
	return &BadgerCheckpointStore[K]{db: db, codec: codec}
}

func checkpointDBKey(planID uuid.UUID) []byte {
	return []byte("shardis:migration:checkpoint:" + planID.String())
}

func (s *BadgerCheckpointStore[K]) Load(_ context.Context, planID uuid.UUID) (*shardis.MigrationCheckpoint[K], error) {
	var wire checkpointWire
	found := false
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(checkpointDBKey(planID))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return item.Value(func(b []byte) error {
			return json.Unmarshal(b, &wire)
		})
	})
	if err != nil {
		return nil, fmt.Errorf("%w: badger load: %v", shardis.ErrStoreUnavailable, err)
	}
	if !found {
		return nil, nil
	}
	return s.fromWire(wire)
}

func (s *BadgerCheckpointStore[K]) Persist(_ context.Context, checkpoint *shardis.MigrationCheckpoint[K]) error {
	wire, err := s.toWire(checkpoint)
	if err != nil {
		return err
	}
	b, err := json.Marshal(wire)
	if err != nil {
		return fmt.Errorf("encode checkpoint: %w", err)
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(checkpointDBKey(checkpoint.PlanID), b)
	})
	if err != nil {
		return fmt.Errorf("%w: badger persist: %v", shardis.ErrStoreUnavailable, err)
	}
	return nil
}

func (s *BadgerCheckpointStore[K]) toWire(c *shardis.MigrationCheckpoint[K]) (checkpointWire, error) {
	states := make(map[string]int8, len(c.States))
	hints := make(map[string]shardis.ResumeHint, len(c.ResumeHints))
	for k, v := range c.States {
		states[s.codec.Encode(k)] = int8(v)
	}
	for k, v := range c.ResumeHints {
		hints[s.codec.Encode(k)] = v
	}
	return checkpointWire{
		PlanID:             c.PlanID,
		CheckpointVersion:  c.CheckpointVersion,
		UpdatedAt:          c.UpdatedAt.UnixNano(),
		States:             states,
		ResumeHints:        hints,
		LastProcessedIndex: c.LastProcessedIndex,
	}, nil
}

func (s *BadgerCheckpointStore[K]) fromWire(wire checkpointWire) (*shardis.MigrationCheckpoint[K], error) {
	out := shardis.NewMigrationCheckpoint[K](wire.PlanID)
	out.CheckpointVersion = wire.CheckpointVersion
	out.LastProcessedIndex = wire.LastProcessedIndex
	for encoded, state := range wire.States {
		k, err := s.codec.Decode(encoded)
		if err != nil {
			return nil, fmt.Errorf("decode checkpoint key %q: %w", encoded, err)
		}
		out.States[k] = shardis.KeyMoveState(state)
	}
	for encoded, hint := range wire.ResumeHints {
		k, err := s.codec.Decode(encoded)
		if err != nil {
			return nil, fmt.Errorf("decode checkpoint key %q: %w", encoded, err)
		}
		out.ResumeHints[k] = hint
	}
	return out, nil
}
