// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package testsupport // import "go.opentelemetry.io/kcrash/testsupport"

import (
	"encoding/binary"
	"errors"
	"fmt"

	"go.opentelemetry.io/kcrash/libpf"
	"go.opentelemetry.io/kcrash/remotememory"
)

// ErrUnmapped is returned for reads of pages that were never written.
var ErrUnmapped = errors.New("unmapped test memory")

const pageSize = 4096

// heapBase is where Alloc starts handing out memory, inside the x86_64
// direct map.
const heapBase = libpf.Address(0xffff888000100000)

// Image is a sparse in-memory kernel image. Pages come into existence when
// written to; reading any other page fails.
type Image struct {
	pages map[libpf.Address]*[pageSize]byte
	next  libpf.Address
}

// NewImage returns an empty image.
func NewImage() *Image {
	return &Image{
		pages: make(map[libpf.Address]*[pageSize]byte),
		next:  heapBase,
	}
}

// Memory returns the image as RemoteMemory.
func (im *Image) Memory() remotememory.RemoteMemory {
	return remotememory.RemoteMemory{ReaderAt: im}
}

// ReadAt implements io.ReaderAt addressed by virtual address.
func (im *Image) ReadAt(p []byte, off int64) (int, error) {
	addr := libpf.Address(off)
	n := 0
	for n < len(p) {
		page, ok := im.pages[addr&^(pageSize-1)]
		if !ok {
			return n, fmt.Errorf("%s: %w", addr, ErrUnmapped)
		}
		c := copy(p[n:], page[addr&(pageSize-1):])
		n += c
		addr += libpf.Address(c)
	}
	return n, nil
}

// Write stores data at addr, mapping pages as needed.
func (im *Image) Write(addr libpf.Address, data []byte) {
	for len(data) > 0 {
		base := addr &^ (pageSize - 1)
		page, ok := im.pages[base]
		if !ok {
			page = new([pageSize]byte)
			im.pages[base] = page
		}
		c := copy(page[addr-base:], data)
		data = data[c:]
		addr += libpf.Address(c)
	}
}

// PutUint64 stores a 64-bit value.
func (im *Image) PutUint64(addr libpf.Address, v uint64) {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	im.Write(addr, buf[:])
}

// PutUint32 stores a 32-bit value.
func (im *Image) PutUint32(addr libpf.Address, v uint32) {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	im.Write(addr, buf[:])
}

// PutPtr stores a pointer.
func (im *Image) PutPtr(addr, ptr libpf.Address) {
	im.PutUint64(addr, uint64(ptr))
}

// Alloc returns zeroed, mapped memory of size bytes aligned to 16 bytes.
func (im *Image) Alloc(size uint64) libpf.Address {
	addr := im.next
	im.Write(addr, make([]byte, size))
	im.next = (addr + libpf.Address(size) + 15) &^ 15
	return addr
}

// AllocTail returns zeroed, mapped memory of size bytes that ends at a page
// boundary. The page after it stays unmapped.
func (im *Image) AllocTail(size uint64) libpf.Address {
	end := (im.next + libpf.Address(size) + pageSize - 1) &^ (pageSize - 1)
	addr := end - libpf.Address(size)
	im.Write(addr, make([]byte, size))
	im.next = end + pageSize
	return addr
}
