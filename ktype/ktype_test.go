// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package ktype

import (
	"encoding/binary"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.opentelemetry.io/kcrash/libpf"
)

// flatMemory is a Reader over a single buffer based at address base.
type flatMemory struct {
	base libpf.Address
	data []byte
}

func (m flatMemory) Read(addr libpf.Address, p []byte) error {
	if addr < m.base || uint64(addr-m.base)+uint64(len(p)) > uint64(len(m.data)) {
		return fmt.Errorf("read of %d bytes at %s out of bounds", len(p), addr)
	}
	copy(p, m.data[addr-m.base:])
	return nil
}

var (
	s32    = Int("int", 4, true)
	s64    = Int("s64", 8, true)
	ulong  = Int("unsigned long", 8, false)
	inner  = Struct("inner", 8, Member{Name: "b", Type: s32, Offset: 4})
	sample = Struct("sample", 32,
		Member{Name: "count", Type: s64, Offset: 0},
		Member{Name: "counters", Type: PointerTo(s32), Offset: 8},
		Member{Type: inner, Offset: 16},
		Member{Name: "bits", Type: ArrayOf(ulong, 1), Offset: 24},
	)
)

func TestTypeString(t *testing.T) {
	tests := map[string]struct {
		typ  *Type
		want string
	}{
		"int":             {typ: s32, want: "int"},
		"void pointer":    {typ: PointerTo(Void), want: "void *"},
		"double pointer":  {typ: PointerTo(PointerTo(s32)), want: "int **"},
		"struct":          {typ: sample, want: "struct sample"},
		"array":           {typ: ArrayOf(ulong, 4), want: "unsigned long [4]"},
		"nested array":    {typ: ArrayOf(ArrayOf(ulong, 4), 2), want: "unsigned long [2][4]"},
		"pointer to anon": {typ: PointerTo(&Type{Kind: KindStruct}), want: "struct <anon> *"},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, test.want, test.typ.String())
		})
	}
}

func TestMemberLookup(t *testing.T) {
	m, ok := sample.Member("counters")
	require.True(t, ok)
	assert.Equal(t, uint64(8), m.Offset)

	// Members of anonymous members are promoted.
	m, ok = sample.Member("b")
	require.True(t, ok)
	assert.Equal(t, uint64(20), m.Offset)

	assert.False(t, sample.HasMember("map"))
	assert.False(t, s32.HasMember("count"))
	assert.True(t, PointerTo(Void).IsVoidPointer())
	assert.False(t, PointerTo(s32).IsVoidPointer())
	assert.True(t, sample.Equal(Struct("sample", 32)))
}

func TestValueReads(t *testing.T) {
	data := make([]byte, 64)
	binary.LittleEndian.PutUint64(data[0:], uint64(0xfffffffffffffffb)) // count = -5
	binary.LittleEndian.PutUint64(data[8:], 0x1000+40)                  // counters
	binary.LittleEndian.PutUint32(data[20:], 0xfffffffe)                // b = -2
	binary.LittleEndian.PutUint64(data[24:], 0x5)                       // bits
	binary.LittleEndian.PutUint32(data[40:], 7)                         // *counters
	mem := flatMemory{base: 0x1000, data: data}

	v := At(sample, 0x1000).Named("v")

	count, err := v.Field("count")
	require.NoError(t, err)
	n, err := count.Int(mem)
	require.NoError(t, err)
	assert.Equal(t, int64(-5), n)

	b, err := v.Field("b")
	require.NoError(t, err)
	n, err = b.Int(mem)
	require.NoError(t, err)
	assert.Equal(t, int64(-2), n)

	counters, err := v.Field("counters")
	require.NoError(t, err)
	assert.Equal(t, "v.counters@0x1008", counters.String())
	target, err := counters.Deref(mem)
	require.NoError(t, err)
	addr, ok := target.Address()
	require.True(t, ok)
	assert.Equal(t, libpf.Address(0x1028), addr)
	n, err = target.Int(mem)
	require.NoError(t, err)
	assert.Equal(t, int64(7), n)

	bits, err := v.Field("bits")
	require.NoError(t, err)
	word, err := bits.Index(0)
	require.NoError(t, err)
	u, err := word.Uint(mem)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), u)

	_, err = v.Field("missing")
	require.ErrorIs(t, err, ErrNoMember)
	_, err = v.Pointer(mem)
	require.ErrorIs(t, err, ErrNotPointer)
	_, err = v.Uint(mem)
	require.ErrorIs(t, err, ErrNotScalar)
}

func TestAddressOf(t *testing.T) {
	v := At(s32, 0x2000).Named("x")
	ptr, err := v.AddressOf()
	require.NoError(t, err)
	_, ok := ptr.Address()
	assert.False(t, ok)
	assert.Equal(t, "int *", ptr.Type.String())

	p, err := ptr.Pointer(nil)
	require.NoError(t, err)
	assert.Equal(t, libpf.Address(0x2000), p)

	_, err = ptr.AddressOf()
	require.ErrorIs(t, err, ErrNotAddressable)

	_, err = Scalar(PointerTo(s32), 0).Deref(nil)
	require.ErrorIs(t, err, ErrNilPointer)
}
