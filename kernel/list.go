// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package kernel walks common kernel data structures in a memory image:
// doubly linked lists, the module list and CPU masks.
package kernel // import "go.opentelemetry.io/kcrash/kernel"

import (
	"errors"
	"fmt"
	"iter"

	"go.opentelemetry.io/kcrash/ktype"
	"go.opentelemetry.io/kcrash/libpf"
)

// ErrCorruptList is returned when a list does not lead back to its head.
var ErrCorruptList = errors.New("corrupt list")

// maxListEntries bounds list walks in damaged images.
const maxListEntries = 1 << 20

// ListForEachEntry iterates over the entries of type entryType chained
// through their struct list_head member called member, starting at head.
// The head itself is not an entry. Iteration stops after the first error.
func ListForEachEntry(mem ktype.Reader, head ktype.Value, entryType *ktype.Type,
	member string) iter.Seq2[ktype.Value, error] {
	return func(yield func(ktype.Value, error) bool) {
		headAddr, ok := head.Address()
		if !ok {
			yield(ktype.Value{}, fmt.Errorf("list head %s: %w", head, ktype.ErrNotAddressable))
			return
		}
		m, ok := entryType.Member(member)
		if !ok {
			yield(ktype.Value{}, fmt.Errorf("%s has no member '%s': %w",
				entryType, member, ktype.ErrNoMember))
			return
		}
		next, err := head.Field("next")
		if err != nil {
			yield(ktype.Value{}, err)
			return
		}

		seen := make(libpf.Set[libpf.Address])
		for n := 0; ; n++ {
			node, err := next.Pointer(mem)
			if err != nil {
				yield(ktype.Value{}, err)
				return
			}
			if node == headAddr {
				return
			}
			if _, dup := seen[node]; dup || node == 0 || n >= maxListEntries {
				yield(ktype.Value{}, fmt.Errorf("%s: entry %d at %s: %w",
					head, n, node, ErrCorruptList))
				return
			}
			seen[node] = libpf.Void{}

			entry := ktype.At(entryType, node-libpf.Address(m.Offset)).
				Named(fmt.Sprintf("%s[%d]", head.Name, n))
			if !yield(entry, nil) {
				return
			}
			// The node is a struct list_head, its first member is next.
			next = ktype.At(next.Type, node)
		}
	}
}
