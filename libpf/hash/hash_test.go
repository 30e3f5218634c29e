// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package hash

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestUint64(t *testing.T) {
	tests := map[string]struct {
		page uint64
		want uint64
	}{
		"zero page":  {page: 0, want: 0},
		"first page": {page: 1, want: 12994781566227106604},
		"uint16 max": {page: math.MaxUint16, want: 6444452806975366496},
		"uint32 max": {page: math.MaxUint32, want: 14731816277868330182},
		"last page":  {page: math.MaxUint64, want: 7256831767414464289},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, tc.want, Uint64(tc.page))
			assert.Equal(t, uint32(tc.want), Uint64To32(tc.page))
		})
	}
}

func TestString(t *testing.T) {
	names := []string{"struct pcpu_chunk", "struct module", "struct list_head",
		"unsigned long", "struct percpu_counter"}
	seen := make(map[uint32]string, len(names))
	for _, name := range names {
		h := String(name)
		assert.Equal(t, h, String(name))
		assert.NotContains(t, seen, h)
		seen[h] = name
	}
}
