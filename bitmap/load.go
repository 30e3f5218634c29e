// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package bitmap // import "go.opentelemetry.io/kcrash/bitmap"

import (
	"encoding/binary"
	"errors"
	"fmt"

	"go.opentelemetry.io/kcrash/ktype"
)

// ErrInvalidBitmapType is returned when a value is not an array of, or a
// pointer to, unsigned long.
var ErrInvalidBitmapType = errors.New("invalid bitmap type")

// wordSize is the size of the kernel's unsigned long.
const wordSize = 8

// CheckType verifies that t can hold a bitmap.
func CheckType(t *ktype.Type) error {
	switch t.Kind {
	case ktype.KindArray, ktype.KindPointer:
		elem := t.Target
		if elem != nil && elem.Kind == ktype.KindInt && !elem.Signed &&
			elem.Size == wordSize {
			return nil
		}
	}
	return fmt.Errorf("%s is not an array of or pointer to unsigned long: %w",
		t, ErrInvalidBitmapType)
}

// Load reads the words of the bitmap v from the image. For arrays a zero
// sizeInBytes selects the whole array. Pointers are followed and require an
// explicit size.
func Load(mem ktype.Reader, v ktype.Value, sizeInBytes uint) ([]uint64, error) {
	if err := CheckType(v.Type); err != nil {
		return nil, err
	}

	base := v
	if v.Type.Kind == ktype.KindPointer {
		if sizeInBytes == 0 {
			return nil, fmt.Errorf("%s: bitmap size required for pointer: %w",
				v, ErrInvalidBitmapType)
		}
		var err error
		if base, err = v.Deref(mem); err != nil {
			return nil, err
		}
	} else if sizeInBytes == 0 {
		sizeInBytes = uint(v.Type.Size)
	}

	addr, ok := base.Address()
	if !ok {
		return nil, fmt.Errorf("%s: %w", v, ktype.ErrNotAddressable)
	}
	nwords := (sizeInBytes + wordSize - 1) / wordSize
	buf := make([]byte, nwords*wordSize)
	if err := mem.Read(addr, buf); err != nil {
		return nil, fmt.Errorf("failed to read bitmap %s: %w", v, err)
	}
	words := make([]uint64, nwords)
	for i := range words {
		words[i] = binary.LittleEndian.Uint64(buf[i*wordSize:])
	}
	return words, nil
}
