// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package percpu

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.opentelemetry.io/kcrash/libpf"
)

func TestDecodeAreaMap(t *testing.T) {
	tests := map[string]struct {
		entries  []int64
		sentinel int64
		encoding mapEncoding
		want     []UsedExtent
	}{
		"offset": {
			entries:  []int64{0, 5, 9, 16},
			sentinel: 33,
			encoding: mapEncodingOffset,
			want:     []UsedExtent{{4, 16}},
		},
		"offset trailing used run": {
			entries:  []int64{0, 5, 9},
			sentinel: 33,
			encoding: mapEncodingOffset,
			want:     []UsedExtent{{4, 32}},
		},
		"offset two runs": {
			entries:  []int64{1, 8, 17, 24},
			sentinel: 64,
			encoding: mapEncodingOffset,
			want:     []UsedExtent{{0, 8}, {16, 24}},
		},
		"offset all free": {
			entries:  []int64{0},
			sentinel: 4096,
			encoding: mapEncodingOffset,
		},
		"magnitude": {
			entries:  []int64{4, -4, -8, 16},
			encoding: mapEncodingMagnitude,
			want:     []UsedExtent{{4, 16}},
		},
		"magnitude trailing used run": {
			entries:  []int64{4, -4, -8},
			encoding: mapEncodingMagnitude,
			want:     []UsedExtent{{4, 16}},
		},
		"magnitude two runs": {
			entries:  []int64{-8, 8, -8, 40},
			encoding: mapEncodingMagnitude,
			want:     []UsedExtent{{0, 8}, {16, 24}},
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, tc.encoding, detectEncoding(tc.entries))
			if tc.encoding == mapEncodingMagnitude {
				assert.Equal(t, tc.want, decodeMagnitude(tc.entries))
				return
			}
			got, err := decodeOffset(tc.entries, func() (int64, error) {
				return tc.sentinel, nil
			})
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestDetectEncodingUndecided(t *testing.T) {
	tests := map[string][]int64{
		"empty":          nil,
		"free magnitude": {64},
		"free areas":     {16, 48},
	}
	for name, entries := range tests {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, mapEncodingUnknown, detectEncoding(entries))
			assert.Empty(t, decodeMagnitude(entries))
		})
	}
}

func TestDecodeOffsetSentinel(t *testing.T) {
	errUnreadable := errors.New("unreadable")
	unreadable := func() (int64, error) { return 0, errUnreadable }

	got, err := decodeOffset([]int64{0, 5, 9, 16}, unreadable)
	require.NoError(t, err)
	assert.Equal(t, []UsedExtent{{4, 16}}, got)

	_, err = decodeOffset([]int64{0, 5}, unreadable)
	assert.ErrorIs(t, err, errUnreadable)
}

func TestMergeExtents(t *testing.T) {
	extents := mergeExtents([]UsedExtent{
		{0x100, 0x200},
		{0x10, 0x20},
		{0x180, 0x280},
		{0x300, 0x300},
		{0x20, 0x30},
	})
	assert.Equal(t, []UsedExtent{{0x10, 0x20}, {0x20, 0x30}, {0x100, 0x280}}, extents)

	tests := map[string]struct {
		addr  libpf.Address
		found bool
	}{
		"before first":   {addr: 0x0},
		"first start":    {addr: 0x10, found: true},
		"adjacent start": {addr: 0x20, found: true},
		"gap":            {addr: 0x30},
		"merged tail":    {addr: 0x27f, found: true},
		"end exclusive":  {addr: 0x280},
		"empty extent":   {addr: 0x300},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			_, found := findExtent(extents, tc.addr)
			assert.Equal(t, tc.found, found)
		})
	}
}
