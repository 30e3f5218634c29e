// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package testsupport provides helpers shared by the package tests: reader
// validation, an in-memory kernel image and a scripted symbol resolver.
package testsupport // import "go.opentelemetry.io/kcrash/testsupport"

import (
	"io"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/require"
)

// CheckReadAt compares reads from r against reference: reads at both ends,
// one crossing the end, and a number of random samples. Reads past the end
// must be short and fail with io.EOF.
func CheckReadAt(t *testing.T, reference []byte, r io.ReaderAt, samples int) {
	t.Helper()
	size := int64(len(reference))

	check := func(off, length int64) {
		t.Helper()
		buf := make([]byte, length)
		n, err := r.ReadAt(buf, off)
		want := min(length, size-off)
		if want < length {
			require.ErrorIs(t, err, io.EOF, "read of %d at %d", length, off)
		} else {
			require.NoError(t, err, "read of %d at %d", length, off)
		}
		require.Equal(t, want, int64(n))
		require.Equal(t, reference[off:off+want], buf[:n])
	}

	check(0, min(size, 512))
	check(size-1, 1)
	check(size/2, size)

	rnd := rand.New(rand.NewPCG(1, 2)) //nolint:gosec
	for range samples {
		check(rnd.Int64N(size), rnd.Int64N(size))
	}
}

// PatternData returns size bytes counting up from 0 and wrapping at period,
// which compresses well while keeping misplaced reads detectable.
func PatternData(period uint8, size uint) []byte {
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(uint(i) % uint(period))
	}
	return data
}
