// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package libpf // import "go.opentelemetry.io/kcrash/libpf"

import "fmt"

// Address represents an address in the kernel virtual address space. Per-CPU
// template addresses (offsets relative to a CPU's per-CPU area) use the same type.
type Address uint64

// String formats the address in hexadecimal.
func (adr Address) String() string {
	return fmt.Sprintf("0x%x", uint64(adr))
}

// MarshalText implements encoding.TextMarshaler so addresses print as hex in JSON.
func (adr Address) MarshalText() ([]byte, error) {
	return []byte(adr.String()), nil
}

// Contains reports whether adr lies in the half open range [start, start+size).
func (adr Address) Contains(start Address, size uint64) bool {
	return adr >= start && uint64(adr-start) < size
}
