// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// remotememory provides access to the memory of a kernel image. The ReaderAt
// interface is used for the basic access, with offsets being kernel virtual
// addresses, and various convenience functions are provided to help reading
// specific data types.
package remotememory // import "go.opentelemetry.io/kcrash/remotememory"

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"go.opentelemetry.io/kcrash/libpf"
)

// ErrShortRead is returned when the image holds fewer bytes than requested.
var ErrShortRead = errors.New("short read")

// RemoteMemory implements a set of convenience functions to access the image memory
type RemoteMemory struct {
	io.ReaderAt
}

// Valid determines if this RemoteMemory instance contains a valid reference to an image
func (rm RemoteMemory) Valid() bool {
	return rm.ReaderAt != nil
}

// Read fills slice p[] with data from image memory at address addr. A partial
// read is an error.
func (rm RemoteMemory) Read(addr libpf.Address, p []byte) error {
	n, err := rm.ReadAt(p, int64(addr))
	if n == len(p) {
		return nil
	}
	if err == nil || err == io.EOF {
		err = ErrShortRead
	}
	return fmt.Errorf("failed to read %d bytes at %s: %w", len(p), addr, err)
}

// Ptr reads a native pointer from image memory
func (rm RemoteMemory) Ptr(addr libpf.Address) libpf.Address {
	return libpf.Address(rm.Uint64(addr))
}

// PtrChecked reads a native pointer from image memory
func (rm RemoteMemory) PtrChecked(addr libpf.Address) (libpf.Address, error) {
	v, err := rm.Uint64Checked(addr)
	return libpf.Address(v), err
}

// Uint8 reads an 8-bit unsigned integer from image memory
func (rm RemoteMemory) Uint8(addr libpf.Address) uint8 {
	var buf [1]byte
	if rm.Read(addr, buf[:]) != nil {
		return 0
	}
	return buf[0]
}

// Uint16 reads a 16-bit unsigned integer from image memory
func (rm RemoteMemory) Uint16(addr libpf.Address) uint16 {
	var buf [2]byte
	if rm.Read(addr, buf[:]) != nil {
		return 0
	}
	return binary.LittleEndian.Uint16(buf[:])
}

// Uint32 reads a 32-bit unsigned integer from image memory
func (rm RemoteMemory) Uint32(addr libpf.Address) uint32 {
	v, _ := rm.Uint32Checked(addr)
	return v
}

// Uint32Checked reads a 32-bit unsigned integer from image memory
func (rm RemoteMemory) Uint32Checked(addr libpf.Address) (uint32, error) {
	var buf [4]byte
	if err := rm.Read(addr, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(buf[:]), nil
}

// Uint64 reads a 64-bit unsigned integer from image memory
func (rm RemoteMemory) Uint64(addr libpf.Address) uint64 {
	v, _ := rm.Uint64Checked(addr)
	return v
}

// Uint64Checked reads a 64-bit unsigned integer from image memory
func (rm RemoteMemory) Uint64Checked(addr libpf.Address) (uint64, error) {
	var buf [8]byte
	if err := rm.Read(addr, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

// Int64Checked reads a 64-bit signed integer from image memory
func (rm RemoteMemory) Int64Checked(addr libpf.Address) (int64, error) {
	v, err := rm.Uint64Checked(addr)
	return int64(v), err
}

// Words reads n consecutive 64-bit words from image memory
func (rm RemoteMemory) Words(addr libpf.Address, n int) ([]uint64, error) {
	buf := make([]byte, n*8)
	if err := rm.Read(addr, buf); err != nil {
		return nil, err
	}
	words := make([]uint64, n)
	for i := range words {
		words[i] = binary.LittleEndian.Uint64(buf[i*8:])
	}
	return words, nil
}

// String reads a zero terminated string from image memory
func (rm RemoteMemory) String(addr libpf.Address) string {
	buf := make([]byte, 1024)
	n, err := rm.ReadAt(buf, int64(addr))
	if n == 0 || (err != nil && err != io.EOF) {
		return ""
	}
	buf = buf[:n]
	if zeroIdx := bytes.IndexByte(buf, 0); zeroIdx >= 0 {
		return string(buf[:zeroIdx])
	}
	// Not a zero terminated string
	return ""
}

// StringPtr reads a zero terminate string by first dereferencing a string pointer
// from image memory
func (rm RemoteMemory) StringPtr(addr libpf.Address) string {
	addr = rm.Ptr(addr)
	if addr == 0 {
		return ""
	}
	return rm.String(addr)
}
