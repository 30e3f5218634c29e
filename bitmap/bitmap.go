// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package bitmap implements scanning of kernel bitmaps: arrays of machine
// words in which bit 0 is the least significant bit of the first word.
// Kernel CPU masks and allocator bookkeeping are stored this way.
package bitmap // import "go.opentelemetry.io/kcrash/bitmap"

import (
	"errors"
	"fmt"
	"iter"
	"math/bits"
	"unsafe"

	"golang.org/x/exp/constraints"
)

// ErrOutOfRange is returned when a start index lies beyond the end of the bitmap.
var ErrOutOfRange = errors.New("bit index out of range")

// wordBits returns the width of W in bits.
func wordBits[W constraints.Unsigned]() uint {
	var w W
	return uint(unsafe.Sizeof(w)) * 8
}

// lowMask returns a mask with the n lowest bits set.
func lowMask(n uint) uint64 {
	if n >= 64 {
		return ^uint64(0)
	}
	return uint64(1)<<n - 1
}

// ForEachSetBit returns a sequence of the 0-based indices of all bits set in
// the first sizeInBytes bytes of words, in ascending order. Each iteration
// scans the words afresh.
func ForEachSetBit[W constraints.Unsigned](words []W, sizeInBytes uint) iter.Seq[uint] {
	return func(yield func(uint) bool) {
		bpw := wordBits[W]()
		size := sizeInBytes * 8
		bit := uint(0)
		for _, word := range words {
			if size == 0 {
				return
			}
			n := min(size, bpw)
			for w := uint64(word) & lowMask(n); w != 0; w &= w - 1 {
				if !yield(bit + uint(bits.TrailingZeros64(w))) {
					return
				}
			}
			bit += bpw
			size -= n
		}
	}
}

// FindFirstSetBitWord returns the 1-based position of the lowest set bit in
// val, or 0 if no bit is set. The position is found by halving the candidate
// range: whenever the lower half is empty it is shifted out.
func FindFirstSetBitWord[W constraints.Unsigned](val W) uint {
	if val == 0 {
		return 0
	}
	r := uint(1)
	for half := wordBits[W]() / 2; half > 0; half /= 2 {
		if val&(W(1)<<half-1) == 0 {
			val >>= half
			r += half
		}
	}
	return r
}

// FindLastSetBitWord returns the 1-based position of the highest set bit in
// val, or 0 if no bit is set.
func FindLastSetBitWord[W constraints.Unsigned](val W) uint {
	if val == 0 {
		return 0
	}
	width := wordBits[W]()
	r := width
	for half := width / 2; half > 0; half /= 2 {
		if val&(^W(0)<<(width-half)) == 0 {
			val <<= half
			r -= half
		}
	}
	return r
}

// FindFirstSetBit returns the 1-based position of the lowest set bit in the
// first sizeInBytes bytes of words, or 0 if the bitmap is empty.
func FindFirstSetBit[W constraints.Unsigned](words []W, sizeInBytes uint) uint {
	bpw := wordBits[W]()
	elements := min(sizeInBytes/(bpw/8), uint(len(words)))
	for n := uint(0); n < elements; n++ {
		if v := FindFirstSetBitWord(words[n]); v > 0 {
			return n*bpw + v
		}
	}
	return 0
}

// FindLastSetBit returns the 1-based position of the highest set bit in the
// first sizeInBytes bytes of words, or 0 if the bitmap is empty.
func FindLastSetBit[W constraints.Unsigned](words []W, sizeInBytes uint) uint {
	bpw := wordBits[W]()
	elements := min(sizeInBytes/(bpw/8), uint(len(words)))
	for n := elements; n > 0; n-- {
		if v := FindLastSetBitWord(words[n-1]); v > 0 {
			return (n-1)*bpw + v
		}
	}
	return 0
}

// FindNextSetBit returns the 0-based index of the first set bit at or after
// start. It returns 0 when no such bit exists, so a result of 0 is only
// meaningful together with start == 0.
func FindNextSetBit[W constraints.Unsigned](words []W, sizeInBytes, start uint) (uint, error) {
	return findNext(words, sizeInBytes, start, false)
}

// FindNextZeroBit returns the 0-based index of the first clear bit at or after
// start, or 0 when every remaining bit is set.
func FindNextZeroBit[W constraints.Unsigned](words []W, sizeInBytes, start uint) (uint, error) {
	return findNext(words, sizeInBytes, start, true)
}

func findNext[W constraints.Unsigned](words []W, sizeInBytes, start uint,
	invert bool) (uint, error) {
	size := sizeInBytes * 8
	if start > size {
		return 0, fmt.Errorf("start %d beyond %d bits: %w", start, size, ErrOutOfRange)
	}
	bpw := wordBits[W]()
	first := start / bpw
	for idx := first; idx*bpw < size && idx < uint(len(words)); idx++ {
		w := uint64(words[idx])
		if invert {
			w = ^w
		}
		w &= lowMask(min(size-idx*bpw, bpw))
		if idx == first {
			w &^= lowMask(start % bpw)
		}
		if w != 0 {
			return idx*bpw + uint(bits.TrailingZeros64(w)), nil
		}
	}
	return 0, nil
}
