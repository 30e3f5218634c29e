// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package percpu // import "go.opentelemetry.io/kcrash/percpu"

import (
	"errors"
	"fmt"
	"slices"
	"sort"

	log "github.com/sirupsen/logrus"

	"go.opentelemetry.io/kcrash/kernel"
	"go.opentelemetry.io/kcrash/ktype"
	"go.opentelemetry.io/kcrash/libpf"
	"go.opentelemetry.io/kcrash/metrics"
	"go.opentelemetry.io/kcrash/symbols"
)

// UsedExtent is an allocated range of a dynamic per-CPU chunk, relative to
// a CPU's base like any other template address. End is exclusive.
type UsedExtent struct {
	Start libpf.Address `json:"start"`
	End   libpf.Address `json:"end"`
}

// Contains reports whether addr is inside the extent.
func (e UsedExtent) Contains(addr libpf.Address) bool {
	return addr >= e.Start && addr < e.End
}

// chunkFormat is the allocator generation a kernel uses.
type chunkFormat uint8

const (
	chunkFormatUnknown chunkFormat = iota
	// chunkFormatAreaMap tracks allocations in an integer map (before 4.14).
	chunkFormatAreaMap
	// chunkFormatBitmap tracks allocations in bitmaps (4.14 and later).
	chunkFormatBitmap
)

func (f chunkFormat) String() string {
	switch f {
	case chunkFormatAreaMap:
		return "area map"
	case chunkFormatBitmap:
		return "bitmap"
	default:
		return "unknown"
	}
}

// mapEncoding is how area map entries describe areas.
type mapEncoding uint8

const (
	mapEncodingUnknown mapEncoding = iota
	// mapEncodingMagnitude stores area sizes, negative for used areas.
	mapEncodingMagnitude
	// mapEncodingOffset stores area start offsets with the lowest bit set
	// for used areas.
	mapEncodingOffset
)

func (e mapEncoding) String() string {
	switch e {
	case mapEncodingMagnitude:
		return "magnitude"
	case mapEncodingOffset:
		return "offset"
	default:
		return "unknown"
	}
}

// detectEncoding guesses the encoding from one chunk's map. Only the
// magnitude encoding has negative entries, and an offset encoded map always
// starts at offset 0, possibly with the used bit set. Maps of free areas
// larger than one byte, or empty maps, leave the encoding undecided.
func detectEncoding(entries []int64) mapEncoding {
	if slices.ContainsFunc(entries, func(v int64) bool { return v < 0 }) {
		return mapEncodingMagnitude
	}
	if len(entries) > 0 && entries[0] <= 1 {
		return mapEncodingOffset
	}
	return mapEncodingUnknown
}

// decodeMagnitude returns the used extents of a magnitude encoded map, relative
// to the chunk.
func decodeMagnitude(entries []int64) []UsedExtent {
	var extents []UsedExtent
	var offset int64
	start := int64(-1)
	for _, v := range entries {
		if v < 0 {
			if start < 0 {
				start = offset
			}
			offset -= v
			continue
		}
		if start >= 0 {
			extents = append(extents, UsedExtent{libpf.Address(start), libpf.Address(offset)})
			start = -1
		}
		offset += v
	}
	if start >= 0 {
		extents = append(extents, UsedExtent{libpf.Address(start), libpf.Address(offset)})
	}
	return extents
}

// decodeOffset returns the used extents of an offset encoded map. sentinel
// reads the entry following the last used one. It is only called to close a
// trailing used run.
func decodeOffset(entries []int64, sentinel func() (int64, error)) ([]UsedExtent, error) {
	var extents []UsedExtent
	start := int64(-1)
	for _, v := range entries {
		if v&1 != 0 {
			if start < 0 {
				start = v - 1
			}
			continue
		}
		if start >= 0 {
			extents = append(extents, UsedExtent{libpf.Address(start), libpf.Address(v)})
			start = -1
		}
	}
	if start >= 0 {
		end, err := sentinel()
		if err != nil {
			return nil, err
		}
		extents = append(extents, UsedExtent{libpf.Address(start), libpf.Address(end &^ 1)})
	}
	return extents, nil
}

// mergeExtents sorts extents and coalesces overlapping ones so that lookups
// can binary search.
func mergeExtents(extents []UsedExtent) []UsedExtent {
	slices.SortFunc(extents, func(a, b UsedExtent) int {
		switch {
		case a.Start < b.Start:
			return -1
		case a.Start > b.Start:
			return 1
		}
		return 0
	})
	merged := make([]UsedExtent, 0, len(extents))
	for _, e := range extents {
		if e.End <= e.Start {
			continue
		}
		if n := len(merged); n > 0 && e.Start < merged[n-1].End {
			merged[n-1].End = max(merged[n-1].End, e.End)
			continue
		}
		merged = append(merged, e)
	}
	return merged
}

// findExtent returns the extent containing addr.
func findExtent(extents []UsedExtent, addr libpf.Address) (UsedExtent, bool) {
	idx := sort.Search(len(extents), func(i int) bool {
		return extents[i].Start > addr
	})
	if idx == 0 || !extents[idx-1].Contains(addr) {
		return UsedExtent{}, false
	}
	return extents[idx-1], true
}

// getDynamic returns the used extents of all dynamic chunks, decoding them on
// first use. A failed decode is retried on the next call. Kernels without the
// allocator's symbols or types have no dynamic extents.
func (r *Resolver) getDynamic() ([]UsedExtent, error) {
	if r.dynamic != nil {
		return r.dynamic, nil
	}
	extents, err := r.readDynamic()
	if errors.Is(err, symbols.ErrNoSymbol) || errors.Is(err, symbols.ErrNoType) {
		log.Debugf("No dynamic per-CPU allocator information: %v", err)
		extents, err = []UsedExtent{}, nil
	}
	if err != nil {
		return nil, err
	}
	r.dynamic = extents
	return extents, nil
}

func (r *Resolver) readDynamic() ([]UsedExtent, error) {
	chunkType, err := r.syms.ResolveType("struct pcpu_chunk")
	if err != nil {
		return nil, err
	}
	if r.format == chunkFormatUnknown {
		switch {
		case chunkType.HasMember("map"):
			r.format = chunkFormatAreaMap
		case chunkType.HasMember("nr_pages"):
			r.format = chunkFormatBitmap
		default:
			return nil, fmt.Errorf("%s: %w", chunkType, ErrUnsupportedChunkFormat)
		}
		log.Debugf("Dynamic per-CPU chunks use the %s format", r.format)
	}

	baseAddr, err := r.syms.ResolveSymbol("pcpu_base_addr")
	if err != nil {
		return nil, err
	}
	pcpuBase, err := baseAddr.Uint(r.mem)
	if err != nil {
		return nil, err
	}

	slots, err := r.chunkSlots()
	if err != nil {
		return nil, err
	}

	extents := []UsedExtent{}
	nchunks := 0
	for _, head := range slots {
		for chunk, err := range kernel.ListForEachEntry(r.mem, head, chunkType, "list") {
			if err != nil {
				return nil, err
			}
			used, err := r.decodeChunk(chunk, libpf.Address(pcpuBase))
			if err != nil {
				return nil, err
			}
			extents = append(extents, used...)
			nchunks++
		}
	}

	extents = mergeExtents(extents)
	metrics.Add(metrics.IDPerCPUDynamicChunks, metrics.MetricValue(nchunks))
	metrics.Add(metrics.IDPerCPUDynamicExtents, metrics.MetricValue(len(extents)))
	log.Debugf("Decoded %d dynamic per-CPU chunks into %d extents", nchunks, len(extents))
	return extents, nil
}

// chunkSlots returns the heads of the chunk lists. Kernels since 5.9 call the
// slot array pcpu_chunk_lists. Up to 5.13 it holds pcpu_nr_slots heads for
// each value of enum pcpu_chunk_type.
func (r *Resolver) chunkSlots() ([]ktype.Value, error) {
	slot, err := r.syms.ResolveSymbol("pcpu_slot")
	if errors.Is(err, symbols.ErrNoSymbol) {
		slot, err = r.syms.ResolveSymbol("pcpu_chunk_lists")
	}
	if err != nil {
		return nil, err
	}
	nrSlots, err := r.syms.ResolveSymbol("pcpu_nr_slots")
	if err != nil {
		return nil, err
	}
	n, err := nrSlots.Int(r.mem)
	if err != nil {
		return nil, err
	}
	if n < 0 || n > maxSlots {
		return nil, fmt.Errorf("implausible pcpu_nr_slots %d", n)
	}
	types, err := r.chunkTypes()
	if err != nil {
		return nil, err
	}
	n *= types

	first, err := slot.Deref(r.mem)
	if err != nil {
		return nil, err
	}
	addr, _ := first.Address()
	heads := make([]ktype.Value, n)
	for i := range heads {
		heads[i] = ktype.At(first.Type, addr+libpf.Address(uint64(i)*first.Type.Size)).
			Named(fmt.Sprintf("%s[%d]", slot.Name, i))
	}
	return heads, nil
}

// maxSlots bounds pcpu_nr_slots read from damaged images.
const maxSlots = 1024

// chunkTypes returns the number of chunk lists per slot.
func (r *Resolver) chunkTypes() (int64, error) {
	typ, err := r.syms.ResolveType("enum pcpu_chunk_type")
	if errors.Is(err, symbols.ErrNoType) {
		return 1, nil
	}
	if err != nil {
		return 0, err
	}
	n, ok := typ.Enumerators["PCPU_NR_CHUNK_TYPES"]
	if !ok || n < 1 || n > maxChunkTypes {
		return 0, fmt.Errorf("%s: implausible PCPU_NR_CHUNK_TYPES %d", typ, n)
	}
	return n, nil
}

// maxChunkTypes bounds PCPU_NR_CHUNK_TYPES.
const maxChunkTypes = 8

// decodeChunk returns the used extents of one chunk translated by the
// chunk's distance from pcpu_base_addr.
func (r *Resolver) decodeChunk(chunk ktype.Value, pcpuBase libpf.Address) ([]UsedExtent, error) {
	base, err := fieldUint(r.mem, chunk, "base_addr")
	if err != nil {
		return nil, err
	}
	chunkBase := libpf.Address(base) - pcpuBase

	var used []UsedExtent
	switch r.format {
	case chunkFormatAreaMap:
		used, err = r.decodeAreaMap(chunk)
	case chunkFormatBitmap:
		used, err = r.decodeBitmap(chunk)
	default:
		err = ErrUnsupportedChunkFormat
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", chunk, err)
	}
	for i := range used {
		used[i].Start += chunkBase
		used[i].End += chunkBase
	}
	return used, nil
}

// maxMapEntries bounds map_used read from damaged images.
const maxMapEntries = 1 << 20

func (r *Resolver) decodeAreaMap(chunk ktype.Value) ([]UsedExtent, error) {
	mapUsedVal, err := chunk.Field("map_used")
	if err != nil {
		return nil, err
	}
	mapUsed, err := mapUsedVal.Int(r.mem)
	if err != nil {
		return nil, err
	}
	if mapUsed < 0 || mapUsed > maxMapEntries {
		return nil, fmt.Errorf("implausible map_used %d", mapUsed)
	}
	mapPtr, err := chunk.Field("map")
	if err != nil {
		return nil, err
	}
	mapAddr, err := mapPtr.Pointer(r.mem)
	if err != nil {
		return nil, err
	}
	if mapUsed > 0 && mapAddr == 0 {
		return nil, fmt.Errorf("%s: %w", mapPtr, ktype.ErrNilPointer)
	}

	elem := mapPtr.Type.Target
	read := func(i int64) (int64, error) {
		return ktype.At(elem, mapAddr+libpf.Address(uint64(i)*elem.Size)).Int(r.mem)
	}
	entries := make([]int64, mapUsed)
	for i := range entries {
		if entries[i], err = read(int64(i)); err != nil {
			return nil, err
		}
	}

	encoding := r.encoding
	if encoding == mapEncodingUnknown {
		encoding = detectEncoding(entries)
		if encoding != mapEncodingUnknown {
			r.encoding = encoding
			log.Debugf("Area maps use the %s encoding", encoding)
		}
	}
	if encoding != mapEncodingOffset {
		// An undecided map has no used areas in either encoding.
		return decodeMagnitude(entries), nil
	}
	return decodeOffset(entries, func() (int64, error) { return read(mapUsed) })
}

// decodeBitmap approximates a bitmap chunk as fully used.
func (r *Resolver) decodeBitmap(chunk ktype.Value) ([]UsedExtent, error) {
	nrPagesVal, err := chunk.Field("nr_pages")
	if err != nil {
		return nil, err
	}
	nrPages, err := nrPagesVal.Int(r.mem)
	if err != nil {
		return nil, err
	}
	if nrPages <= 0 {
		return nil, nil
	}
	return []UsedExtent{{0, libpf.Address(uint64(nrPages) * r.pageSize)}}, nil
}

func (r *Resolver) isDynamicVar(addr libpf.Address) (bool, error) {
	extents, err := r.getDynamic()
	if err != nil {
		return false, err
	}
	_, ok := findExtent(extents, addr)
	return ok, nil
}
