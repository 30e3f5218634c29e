// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package zstpak reads and writes a seekable compressed file format used to
// store crash dumps. Data is compressed in fixed size chunks and a footer
// indexes the chunk offsets, so any offset can be read by decompressing a
// single chunk.
//
// # File format
//
// >>> <compressed data>
// >>> for chunk in number_of_chunks:
// >>>   compressed_data_offset: u64 LE   # offset in compressed data
// >>> number_of_chunks: u64 LE
// >>> decompressed_size: u64 LE
// >>> chunk_size: u64 LE
// >>> magic: [8]char
package zstpak // import "go.opentelemetry.io/kcrash/libpf/zstpak"

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/klauspost/compress/zstd"
)

// footerSize is the size of the static portion of the footer.
const footerSize = 32

// magic identifies zstpak files.
const magic = "ZSTPAK00"

// DefaultChunkSize is a chunk size suited for dumps read page by page.
const DefaultChunkSize = 64 * 1024

var (
	// ErrFormat is returned for files that are not valid zstpak files.
	ErrFormat = errors.New("not a zstpak file")
	// ErrCorrupt is returned when chunk data does not match the index.
	ErrCorrupt = errors.New("corrupt zstpak data")
)

type footer struct {
	chunkSize        uint64
	uncompressedSize uint64
	index            []uint64
}

func readFooter(input io.ReaderAt, fileSize uint64) (*footer, error) {
	var buf [footerSize]byte

	if fileSize < footerSize {
		return nil, fmt.Errorf("file too small: %w", ErrFormat)
	}
	if _, err := input.ReadAt(buf[:], int64(fileSize-footerSize)); err != nil {
		return nil, fmt.Errorf("failed to read footer: %w", err)
	}
	if !bytes.Equal(buf[24:], []byte(magic)) {
		return nil, fmt.Errorf("bad magic: %w", ErrFormat)
	}

	numberOfChunks := binary.LittleEndian.Uint64(buf[0:])
	uncompressedSize := binary.LittleEndian.Uint64(buf[8:])
	chunkSize := binary.LittleEndian.Uint64(buf[16:])
	if chunkSize == 0 {
		return nil, fmt.Errorf("zero chunk size: %w", ErrFormat)
	}
	if numberOfChunks > (fileSize-footerSize)/8 {
		return nil, fmt.Errorf("file too small to hold index table: %w", ErrFormat)
	}

	rawIndex := make([]byte, numberOfChunks*8)
	indexOffset := fileSize - footerSize - numberOfChunks*8
	if _, err := input.ReadAt(rawIndex, int64(indexOffset)); err != nil {
		return nil, fmt.Errorf("failed to read index: %w", err)
	}
	index := make([]uint64, 0, numberOfChunks)
	for i := range numberOfChunks {
		entry := binary.LittleEndian.Uint64(rawIndex[i*8:])
		if (i > 0 && entry < index[i-1]) || entry > indexOffset {
			return nil, fmt.Errorf("index entry %d out of order: %w", i, ErrCorrupt)
		}
		index = append(index, entry)
	}

	return &footer{
		chunkSize:        chunkSize,
		uncompressedSize: uncompressedSize,
		index:            index,
	}, nil
}

func (ftr *footer) write(out io.Writer) error {
	for _, v := range append(ftr.index, uint64(len(ftr.index)),
		ftr.uncompressedSize, ftr.chunkSize) {
		if err := binary.Write(out, binary.LittleEndian, v); err != nil {
			return fmt.Errorf("failed to write footer: %w", err)
		}
	}
	if _, err := out.Write([]byte(magic)); err != nil {
		return fmt.Errorf("failed to write magic: %w", err)
	}
	return nil
}

// CompressInto compresses in into out in chunks of chunkSize bytes. Larger
// chunks compress better but make each random read more expensive.
func CompressInto(in io.Reader, out io.Writer, chunkSize uint64) error {
	if chunkSize == 0 {
		return errors.New("chunk size cannot be zero")
	}
	readBuf := make([]byte, chunkSize)
	compressBuf := make([]byte, 0, chunkSize)

	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return fmt.Errorf("failed to create encoder: %w", err)
	}
	defer enc.Close()

	ftr := footer{chunkSize: chunkSize, index: []uint64{0}}
	writeOffset := uint64(0)
	for {
		n, err := io.ReadFull(in, readBuf)
		if err == io.EOF {
			break
		}
		if err != nil && err != io.ErrUnexpectedEOF {
			return err
		}

		compressed := enc.EncodeAll(readBuf[:n], compressBuf[:0])
		if _, err = out.Write(compressed); err != nil {
			return fmt.Errorf("failed to write compressed data: %w", err)
		}
		ftr.uncompressedSize += uint64(n)
		writeOffset += uint64(len(compressed))
		ftr.index = append(ftr.index, writeOffset)
		if n < len(readBuf) {
			break
		}
	}
	return ftr.write(out)
}

// Reader provides random access to the uncompressed contents of a zstpak file.
type Reader struct {
	inner  io.ReaderAt
	closer io.Closer
	footer *footer
	dec    *zstd.Decoder
}

// IsZstpak reports whether the size bytes of r end in a zstpak footer.
func IsZstpak(r io.ReaderAt, size int64) bool {
	if size < footerSize {
		return false
	}
	var buf [len(magic)]byte
	if _, err := r.ReadAt(buf[:], size-int64(len(magic))); err != nil {
		return false
	}
	return string(buf[:]) == magic
}

// NewReader reads the zstpak data of the given size from r.
func NewReader(r io.ReaderAt, size int64) (*Reader, error) {
	ftr, err := readFooter(r, uint64(size))
	if err != nil {
		return nil, err
	}
	dec, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(0))
	if err != nil {
		return nil, fmt.Errorf("failed to create decoder: %w", err)
	}
	return &Reader{inner: r, footer: ftr, dec: dec}, nil
}

// Open opens the named zstpak file.
func Open(path string) (*Reader, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	fileInfo, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to stat file: %w", err)
	}
	reader, err := NewReader(file, fileInfo.Size())
	if err != nil {
		file.Close()
		return nil, err
	}
	reader.closer = file
	return reader, nil
}

// UncompressedSize returns the size of the unpacked data.
func (reader *Reader) UncompressedSize() uint64 {
	return reader.footer.uncompressedSize
}

// ChunkSize returns the uncompressed size of each chunk.
func (reader *Reader) ChunkSize() uint64 {
	return reader.footer.chunkSize
}

// Close implements io.Closer.
func (reader *Reader) Close() error {
	reader.dec.Close()
	if reader.closer != nil {
		return reader.closer.Close()
	}
	return nil
}

// ReadAt implements io.ReaderAt.
func (reader *Reader) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("negative offset %d", off)
	}
	chunkSize := reader.footer.chunkSize
	chunkIdx := uint64(off) / chunkSize
	skip := uint64(off) % chunkSize

	n := 0
	for n < len(p) {
		if chunkIdx+1 >= uint64(len(reader.footer.index)) {
			return n, io.EOF
		}
		start := reader.footer.index[chunkIdx]
		decompressed, err := reader.chunk(start, reader.footer.index[chunkIdx+1]-start)
		if err != nil {
			return n, err
		}
		if skip > uint64(len(decompressed)) {
			return n, ErrCorrupt
		}
		n += copy(p[n:], decompressed[skip:])
		skip = 0
		chunkIdx++
	}
	return n, nil
}

func (reader *Reader) chunk(start, length uint64) ([]byte, error) {
	compressed := make([]byte, length)
	if _, err := reader.inner.ReadAt(compressed, int64(start)); err != nil {
		return nil, fmt.Errorf("failed to read chunk data: %w", err)
	}
	decompressed, err := reader.dec.DecodeAll(compressed, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress chunk: %w", err)
	}
	return decompressed, nil
}
