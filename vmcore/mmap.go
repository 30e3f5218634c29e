// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package vmcore // import "go.opentelemetry.io/kcrash/vmcore"

import (
	"errors"
	"fmt"
	"io"
	"os"
	"runtime"

	"golang.org/x/sys/unix"
)

// mmapFile reads a memory-mapped dump file.
//
// Like any io.ReaderAt, clients can execute parallel ReadAt calls, but it is
// not safe to call Close and reading methods concurrently.
type mmapFile struct {
	data []byte
}

// openMmap memory-maps the named file for reading.
func openMmap(f *os.File) (*mmapFile, error) {
	fi, err := f.Stat()
	if err != nil {
		return nil, err
	}

	size := fi.Size()
	if size == 0 {
		// mmap(2) rejects zero length mappings.
		return &mmapFile{data: make([]byte, 0)}, nil
	}
	if size != int64(int(size)) {
		return nil, fmt.Errorf("mmap: file %q is too large", f.Name())
	}

	data, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ, unix.MAP_PRIVATE)
	if err != nil {
		return nil, err
	}
	// Dump access follows kernel pointers and is essentially random.
	_ = unix.Madvise(data, unix.MADV_RANDOM)

	m := &mmapFile{data: data}
	runtime.SetFinalizer(m, (*mmapFile).Close)
	return m, nil
}

// Close unmaps the file.
func (m *mmapFile) Close() error {
	if len(m.data) == 0 {
		m.data = nil
		return nil
	}
	data := m.data
	m.data = nil
	runtime.SetFinalizer(m, nil)
	return unix.Munmap(data)
}

// ReadAt implements the io.ReaderAt interface.
func (m *mmapFile) ReadAt(p []byte, off int64) (int, error) {
	if m.data == nil {
		return 0, errors.New("mmap: closed")
	}
	if off < 0 || int64(len(m.data)) < off {
		return 0, fmt.Errorf("mmap: invalid ReadAt offset %d", off)
	}
	n := copy(p, m.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}
