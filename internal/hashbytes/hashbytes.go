// Package hashbytes centralizes the handful of unavoidable unsafe
// conversions shardis needs to hash fixed-width scalar keys (integers,
// 128-bit UUIDs) without allocating. Adapted from the teacher's
// internal/unsafehelpers: same zero-copy string/byte tricks, repointed at
// "view a comparable scalar as its byte representation for hashing"
// instead of arena-allocated cache values.
//
// © 2025 shardis authors. MIT License.
package hashbytes

import "unsafe"

// OfScalar returns a read-only []byte view over the in-memory
// representation of v. The caller MUST NOT retain the slice beyond the
// call that produced it, and must never write through it: it aliases the
// argument's storage.
//
// This is safe for hashing because the hasher only reads the bytes once and
// discards the slice; it is unsafe for anything that outlives the call.
func OfScalar[T comparable](v *T) []byte {
	size := unsafe.Sizeof(*v)
	if size == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(v)), size)
}

// OfString returns a zero-copy []byte view of s. Same aliasing caveat as
// OfScalar: read-only, call-scoped.
func OfString(s string) []byte {
	if len(s) == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(unsafe.StringData(s))), len(s))
}
