// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package readatbuf adds a page cache to io.ReaderAt implementations whose
// reads are expensive, such as compressed dumps.
package readatbuf // import "go.opentelemetry.io/kcrash/libpf/readatbuf"

import (
	"errors"
	"fmt"
	"io"
	"sync/atomic"

	lru "github.com/elastic/go-freelru"

	"go.opentelemetry.io/kcrash/libpf/hash"
)

// page is a cached region of the underlying reader.
type page struct {
	data []byte
	// eof records whether reading the page hit the end of the data.
	eof bool
}

// Statistics contains statistics about cache efficiency.
type Statistics struct {
	Hits      uint64
	Misses    uint64
	Evictions uint64
}

// Reader caches pages of an io.ReaderAt. It is safe for concurrent use.
type Reader struct {
	inner    io.ReaderAt
	cache    *lru.SyncedLRU[uint64, page]
	pageSize uint64

	hits, misses, evictions atomic.Uint64
}

// New wraps inner with a cache of cacheSize pages of pageSize bytes.
func New(inner io.ReaderAt, pageSize, cacheSize uint) (*Reader, error) {
	if pageSize == 0 {
		return nil, errors.New("pageSize cannot be zero")
	}
	if cacheSize == 0 {
		return nil, errors.New("cacheSize cannot be zero")
	}

	reader := &Reader{
		inner:    inner,
		pageSize: uint64(pageSize),
	}
	cache, err := lru.NewSynced[uint64, page](uint32(cacheSize), hash.Uint64To32)
	if err != nil {
		return nil, fmt.Errorf("failed to create internal cache: %w", err)
	}
	cache.SetOnEvict(func(uint64, page) {
		reader.evictions.Add(1)
	})
	reader.cache = cache
	return reader, nil
}

// InvalidateCache flushes the cache and resets the statistics.
func (reader *Reader) InvalidateCache() {
	reader.cache.Purge()
	reader.hits.Store(0)
	reader.misses.Store(0)
	reader.evictions.Store(0)
}

// Statistics returns statistics about cache efficiency.
func (reader *Reader) Statistics() Statistics {
	return Statistics{
		Hits:      reader.hits.Load(),
		Misses:    reader.misses.Load(),
		Evictions: reader.evictions.Load(),
	}
}

// ReadAt implements io.ReaderAt.
func (reader *Reader) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("negative offset value %d given", off)
	}

	// Large reads bypass the cache so that they do not evict everything.
	if uint64(len(p)) > reader.pageSize*3/2 {
		return reader.inner.ReadAt(p, off)
	}

	n := 0
	skip := uint64(off) % reader.pageSize
	pageIdx := uint64(off) / reader.pageSize
	for n < len(p) {
		data, eof, err := reader.getOrReadPage(pageIdx)
		if err != nil {
			return n, err
		}
		if skip > uint64(len(data)) {
			return n, io.EOF
		}
		n += copy(p[n:], data[skip:])
		skip = 0
		pageIdx++

		if eof && n < len(p) {
			return n, io.EOF
		}
	}
	return n, nil
}

func (reader *Reader) getOrReadPage(pageIdx uint64) ([]byte, bool, error) {
	if cached, ok := reader.cache.Get(pageIdx); ok {
		reader.hits.Add(1)
		return cached.data, cached.eof, nil
	}
	reader.misses.Add(1)

	buffer := make([]byte, reader.pageSize)
	n, err := reader.inner.ReadAt(buffer, int64(pageIdx*reader.pageSize))
	eof := false
	switch {
	case err == io.EOF:
		// Reading ahead of the caller runs into the end of the data.
		buffer = buffer[:n]
		eof = true
	case err != nil:
		return nil, false, err
	case uint64(n) < reader.pageSize:
		return nil, false, errors.New("failed to read whole page")
	}

	reader.cache.Add(pageIdx, page{data: buffer, eof: eof})
	return buffer, eof, nil
}
