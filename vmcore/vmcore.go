// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package vmcore reads kernel crash dumps stored as ELF64 core files, such as
// the vmcore written by kdump or a snapshot of /proc/kcore. Memory is
// addressed by kernel virtual address through the PT_LOAD segments.
package vmcore // import "go.opentelemetry.io/kcrash/vmcore"

import (
	"bufio"
	"bytes"
	"debug/elf"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/klauspost/compress/zstd"
	log "github.com/sirupsen/logrus"

	"go.opentelemetry.io/kcrash/libpf"
	"go.opentelemetry.io/kcrash/libpf/readatbuf"
	"go.opentelemetry.io/kcrash/libpf/zstpak"
)

var (
	// ErrNotMapped is returned for addresses not backed by any segment of the dump.
	ErrNotMapped = errors.New("address not mapped in dump")
	// ErrNoInfo is returned when the dump does not carry the requested VMCOREINFO entry.
	ErrNoInfo = errors.New("no such VMCOREINFO entry")
)

// vmcoreInfoNote is the note name under which the kernel exports VMCOREINFO.
const vmcoreInfoNote = "VMCOREINFO"

// maxNoteSize limits the amount of note data parsed from a dump.
const maxNoteSize = 16 * 1024 * 1024

// zstdMagic is the frame magic of zstd compressed files.
var zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}

// segment is one PT_LOAD segment. Bytes between filesz and memsz read as zero.
type segment struct {
	vaddr  libpf.Address
	memsz  uint64
	filesz uint64
	offset int64
}

// Core is an opened crash dump.
type Core struct {
	rdr    io.ReaderAt
	closer io.Closer

	machine  elf.Machine
	segments []segment
	info     map[string]string
}

// pakCachePages is the number of decompressed zstpak chunks kept per dump.
const pakCachePages = 64

// Open opens the named dump. zstpak files are decompressed chunk by chunk on
// demand, plain zstd files are decompressed into memory and uncompressed
// files are memory mapped.
func Open(name string) (*Core, error) {
	f, err := os.Open(name)
	if err != nil {
		return nil, err
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}

	if zstpak.IsZstpak(f, fi.Size()) {
		core, err := openPak(f, fi.Size())
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to open %s: %w", name, err)
		}
		return core, nil
	}
	defer f.Close()

	var magic [4]byte
	if _, err = f.ReadAt(magic[:], 0); err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", name, err)
	}
	if bytes.Equal(magic[:], zstdMagic) {
		dec, err := zstd.NewReader(f)
		if err != nil {
			return nil, err
		}
		defer dec.Close()
		data, err := io.ReadAll(dec)
		if err != nil {
			return nil, fmt.Errorf("failed to decompress %s: %w", name, err)
		}
		log.Debugf("Decompressed %s to %d bytes", name, len(data))
		return NewCore(bytes.NewReader(data), nil)
	}

	m, err := openMmap(f)
	if err != nil {
		return nil, fmt.Errorf("failed to map %s: %w", name, err)
	}
	core, err := NewCore(m, m)
	if err != nil {
		m.Close()
		return nil, err
	}
	return core, nil
}

// openPak opens a zstpak compressed dump behind a chunk cache. The Core
// takes ownership of f.
func openPak(f *os.File, size int64) (*Core, error) {
	pak, err := zstpak.NewReader(f, size)
	if err != nil {
		return nil, err
	}
	cached, err := readatbuf.New(pak, uint(pak.ChunkSize()), pakCachePages)
	if err != nil {
		pak.Close()
		return nil, err
	}
	log.Debugf("Reading zstpak dump of %d bytes in %d byte chunks",
		pak.UncompressedSize(), pak.ChunkSize())
	core, err := NewCore(cached, closers{pak, f})
	if err != nil {
		pak.Close()
		return nil, err
	}
	return core, nil
}

// closers closes all of its members, returning the first error.
type closers []io.Closer

func (cs closers) Close() error {
	var errs []error
	for _, c := range cs {
		errs = append(errs, c.Close())
	}
	return errors.Join(errs...)
}

// NewCore parses the dump in r. The closer, if any, is closed with the Core.
func NewCore(r io.ReaderAt, closer io.Closer) (*Core, error) {
	ef, err := elf.NewFile(r)
	if err != nil {
		return nil, err
	}
	if ef.Class != elf.ELFCLASS64 || ef.Data != elf.ELFDATA2LSB {
		return nil, fmt.Errorf("unsupported dump format %v/%v", ef.Class, ef.Data)
	}
	if ef.Type != elf.ET_CORE {
		return nil, fmt.Errorf("not a core file: %v", ef.Type)
	}

	c := &Core{
		rdr:     r,
		closer:  closer,
		machine: ef.Machine,
		info:    make(map[string]string),
	}
	for _, p := range ef.Progs {
		switch p.Type {
		case elf.PT_LOAD:
			if p.Memsz == 0 {
				continue
			}
			c.segments = append(c.segments, segment{
				vaddr:  libpf.Address(p.Vaddr),
				memsz:  p.Memsz,
				filesz: p.Filesz,
				offset: int64(p.Off),
			})
		case elf.PT_NOTE:
			if p.Filesz == 0 || p.Filesz > maxNoteSize {
				continue
			}
			if err = c.parseNotes(p.Open()); err != nil {
				return nil, err
			}
		}
	}
	sort.Slice(c.segments, func(i, j int) bool {
		return c.segments[i].vaddr < c.segments[j].vaddr
	})
	log.Debugf("Dump has %d memory segments and %d VMCOREINFO entries",
		len(c.segments), len(c.info))
	return c, nil
}

// noteHeader is the ELF note header.
type noteHeader struct {
	Namesz uint32
	Descsz uint32
	Type   uint32
}

// readAligned reads size bytes from rdr and skips the padding to the next
// 4 byte boundary.
func readAligned(rdr io.Reader, size uint32) ([]byte, error) {
	buf := make([]byte, (size+3)&^3)
	if _, err := io.ReadFull(rdr, buf); err != nil {
		return nil, err
	}
	return buf[:size], nil
}

// parseNotes scans a PT_NOTE segment for the VMCOREINFO note.
func (c *Core) parseNotes(rdr io.Reader) error {
	for {
		var note noteHeader
		if err := binary.Read(rdr, binary.LittleEndian, &note); err != nil {
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("failed to read note header: %w", err)
		}
		name, err := readAligned(rdr, note.Namesz)
		if err != nil {
			return fmt.Errorf("failed to read note name: %w", err)
		}
		desc, err := readAligned(rdr, note.Descsz)
		if err != nil {
			return fmt.Errorf("failed to read note: %w", err)
		}
		if string(bytes.TrimRight(name, "\x00")) == vmcoreInfoNote {
			c.parseInfo(desc)
		}
	}
}

// parseInfo parses the KEY=value lines of VMCOREINFO.
func (c *Core) parseInfo(desc []byte) {
	scanner := bufio.NewScanner(bytes.NewReader(bytes.TrimRight(desc, "\x00")))
	for scanner.Scan() {
		key, value, ok := strings.Cut(scanner.Text(), "=")
		if !ok {
			continue
		}
		c.info[key] = value
	}
}

// Close releases the dump.
func (c *Core) Close() error {
	if c.closer == nil {
		return nil
	}
	return c.closer.Close()
}

// Machine returns the architecture of the dumped kernel.
func (c *Core) Machine() elf.Machine {
	return c.machine
}

// VMCoreInfo returns the parsed VMCOREINFO entries.
func (c *Core) VMCoreInfo() map[string]string {
	return c.info
}

// findSegment returns the segment containing addr.
func (c *Core) findSegment(addr libpf.Address) (*segment, bool) {
	idx := sort.Search(len(c.segments), func(i int) bool {
		return c.segments[i].vaddr > addr
	})
	if idx == 0 {
		return nil, false
	}
	seg := &c.segments[idx-1]
	return seg, addr.Contains(seg.vaddr, seg.memsz)
}

// ReadAt reads memory at the kernel virtual address off. Reads may span
// adjacent segments.
func (c *Core) ReadAt(p []byte, off int64) (int, error) {
	addr := libpf.Address(off)
	n := 0
	for n < len(p) {
		seg, ok := c.findSegment(addr)
		if !ok {
			return n, fmt.Errorf("%s: %w", addr, ErrNotMapped)
		}
		segOff := uint64(addr - seg.vaddr)
		chunk := p[n:min(len(p), n+int(seg.memsz-segOff))]
		filePart := 0
		if segOff < seg.filesz {
			filePart = min(len(chunk), int(seg.filesz-segOff))
			if _, err := c.rdr.ReadAt(chunk[:filePart], seg.offset+int64(segOff)); err != nil {
				return n, fmt.Errorf("failed to read dump at %s: %w", addr, err)
			}
		}
		clear(chunk[filePart:])
		n += len(chunk)
		addr += libpf.Address(len(chunk))
	}
	return n, nil
}

// infoValue returns the VMCOREINFO value of key.
func (c *Core) infoValue(key string) (string, error) {
	v, ok := c.info[key]
	if !ok {
		return "", fmt.Errorf("%s: %w", key, ErrNoInfo)
	}
	return v, nil
}

// PageSize returns the kernel page size recorded in VMCOREINFO.
func (c *Core) PageSize() (uint64, error) {
	v, err := c.infoValue("PAGESIZE")
	if err != nil {
		return 0, err
	}
	return strconv.ParseUint(v, 10, 64)
}

// Number returns a NUMBER(name) entry.
func (c *Core) Number(name string) (int64, error) {
	v, err := c.infoValue("NUMBER(" + name + ")")
	if err != nil {
		return 0, err
	}
	return strconv.ParseInt(v, 10, 64)
}

// KernelOffset returns the KASLR offset of the dumped kernel, 0 if unknown.
func (c *Core) KernelOffset() libpf.Address {
	v, err := c.infoValue("KERNELOFFSET")
	if err != nil {
		return 0
	}
	off, err := strconv.ParseUint(v, 16, 64)
	if err != nil {
		log.Warnf("Invalid KERNELOFFSET '%s': %v", v, err)
		return 0
	}
	return libpf.Address(off)
}

// LookupSymbol returns the address of a SYMBOL(name) entry. The running
// kernel records these after relocation, so no offset is applied.
func (c *Core) LookupSymbol(name string) (libpf.Address, error) {
	v, err := c.infoValue("SYMBOL(" + name + ")")
	if err != nil {
		return 0, err
	}
	addr, err := strconv.ParseUint(v, 16, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid address for %s: %w", name, err)
	}
	return libpf.Address(addr), nil
}
