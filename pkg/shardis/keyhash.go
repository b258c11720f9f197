package shardis

import (
	"github.com/cespare/xxhash/v2"

	"github.com/shardis/shardis/internal/hashbytes"
)

// XXHashKeyHasher is the default IShardKeyHasher. It special-cases string
// keys (the common case) to avoid a copy, and falls back to a byte view of
// the scalar's memory representation for fixed-width integers and 128-bit
// UUIDs — the same dispatch the teacher's shard.hash uses, minus the
// maphash per-instance seed: shardis hashes are meant to be stable across
// process restarts (routing determinism, §8 property 1), so a random seed
// is wrong here.
type XXHashKeyHasher[K comparable] struct{}

// NewXXHashKeyHasher constructs the default key hasher for K.
func NewXXHashKeyHasher[K comparable]() XXHashKeyHasher[K] {
	return XXHashKeyHasher[K]{}
}

func (XXHashKeyHasher[K]) Hash(key K) uint64 {
	if s, ok := any(key).(string); ok {
		return xxhash.Sum64(hashbytes.OfString(s))
	}
	if b, ok := any(key).([]byte); ok {
		return xxhash.Sum64(b)
	}
	k := key
	return xxhash.Sum64(hashbytes.OfScalar(&k))
}

// XXHashRingHasher is the default IShardRingHasher: hashes the shard id and
// replica index together so that virtual nodes for the same shard land at
// unrelated points on the ring.
type XXHashRingHasher struct{}

func (XXHashRingHasher) Hash(shard ShardId, replicaIndex int) uint64 {
	var buf [8]byte
	d := xxhash.New()
	_, _ = d.WriteString(string(shard))
	putUint64(buf[:], uint64(replicaIndex))
	_, _ = d.Write(buf[:])
	return d.Sum64()
}

func putUint64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
}
