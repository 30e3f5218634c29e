// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package hash provides the hash callbacks of the LRU caches: page numbers
// for the dump page cache and type names for the type layout cache.
package hash // import "go.opentelemetry.io/kcrash/libpf/hash"

import "github.com/zeebo/xxh3"

// Uint64 mixes x with the Murmur3 64-bit finalizer. The mapping is a
// bijection, so sequential page numbers spread over the whole range.
// Via https://lemire.me/blog/2018/08/15/fast-strongly-universal-64-bit-hashing-everywhere/
func Uint64(x uint64) uint64 {
	x ^= x >> 33
	x *= 0xff51afd7ed558ccd
	x ^= x >> 33
	x *= 0xc4ceb9fe1a85ec53
	x ^= x >> 33
	return x
}

// Uint64To32 is the LRU callback for uint64 keys.
func Uint64To32(x uint64) uint32 {
	return uint32(Uint64(x))
}

// String is the LRU callback for string keys.
func String(s string) uint32 {
	return uint32(xxh3.HashString(s))
}
