// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package ktype // import "go.opentelemetry.io/kcrash/ktype"

import (
	"encoding/binary"
	"errors"
	"fmt"

	"go.opentelemetry.io/kcrash/libpf"
)

// Errors returned by Value methods.
var (
	ErrNoMember       = errors.New("no such member")
	ErrNotAddressable = errors.New("value has no address")
	ErrNotPointer     = errors.New("value is not a pointer")
	ErrNotScalar      = errors.New("value is not a scalar")
	ErrNilPointer     = errors.New("nil pointer")
)

// Reader reads raw bytes from the kernel image.
type Reader interface {
	Read(addr libpf.Address, p []byte) error
}

// Value is a typed reference to data in the kernel image. An addressable
// value (an lvalue) designates memory; a computed value, such as the result
// of taking an address, carries its scalar contents instead.
type Value struct {
	Type *Type
	// Name is a human readable description used in error messages.
	Name string

	addr   libpf.Address
	lvalue bool
	scalar uint64
}

// At returns the addressable value of type t stored at addr.
func At(t *Type, addr libpf.Address) Value {
	return Value{Type: t, addr: addr, lvalue: true}
}

// Scalar returns a non-addressable value of type t holding v. It is used for
// pointers computed by the inspector rather than read from memory.
func Scalar(t *Type, v uint64) Value {
	return Value{Type: t, scalar: v}
}

// Named returns a copy of v carrying name for diagnostics.
func (v Value) Named(name string) Value {
	v.Name = name
	return v
}

// Address returns the location of the value in the image, if it has one.
func (v Value) Address() (libpf.Address, bool) {
	return v.addr, v.lvalue
}

// AddressOf returns a pointer to v.
func (v Value) AddressOf() (Value, error) {
	if !v.lvalue {
		return Value{}, fmt.Errorf("%s: %w", v, ErrNotAddressable)
	}
	ptr := Scalar(PointerTo(v.Type), uint64(v.addr))
	ptr.Name = "&" + v.Name
	return ptr, nil
}

// Cast reinterprets the value as type t.
func (v Value) Cast(t *Type) Value {
	v.Type = t
	return v
}

// Field returns the named member of a struct or union value. For pointers
// to structs the pointer is not followed; use Deref first.
func (v Value) Field(name string) (Value, error) {
	m, ok := v.Type.Member(name)
	if !ok {
		return Value{}, fmt.Errorf("%s has no member '%s': %w", v.Type, name, ErrNoMember)
	}
	if !v.lvalue {
		return Value{}, fmt.Errorf("%s.%s: %w", v, name, ErrNotAddressable)
	}
	return Value{
		Type:   m.Type,
		Name:   v.Name + "." + name,
		addr:   v.addr + libpf.Address(m.Offset),
		lvalue: true,
	}, nil
}

// Index returns element i of an array value.
func (v Value) Index(i uint64) (Value, error) {
	if v.Type.Kind != KindArray {
		return Value{}, fmt.Errorf("%s is not an array", v.Type)
	}
	if !v.lvalue {
		return Value{}, fmt.Errorf("%s: %w", v, ErrNotAddressable)
	}
	return Value{
		Type:   v.Type.Target,
		Name:   fmt.Sprintf("%s[%d]", v.Name, i),
		addr:   v.addr + libpf.Address(i*v.Type.Target.Size),
		lvalue: true,
	}, nil
}

// Uint reads the value as an unsigned integer. Integers, enums and pointers
// of up to 8 bytes are supported.
func (v Value) Uint(mem Reader) (uint64, error) {
	switch v.Type.Kind {
	case KindInt, KindEnum, KindPointer:
	default:
		return 0, fmt.Errorf("%s (%s): %w", v, v.Type, ErrNotScalar)
	}
	if !v.lvalue {
		return v.scalar, nil
	}
	size := v.Type.Size
	if size == 0 || size > 8 {
		return 0, fmt.Errorf("%s: unsupported scalar size %d: %w", v, size, ErrNotScalar)
	}
	var buf [8]byte
	if err := mem.Read(v.addr, buf[:size]); err != nil {
		return 0, fmt.Errorf("failed to read %s: %w", v, err)
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

// Int reads the value as an integer, sign-extending signed types.
func (v Value) Int(mem Reader) (int64, error) {
	u, err := v.Uint(mem)
	if err != nil {
		return 0, err
	}
	if !v.Type.Signed || v.Type.Size >= 8 || !v.lvalue {
		return int64(u), nil
	}
	shift := 64 - 8*v.Type.Size
	return int64(u<<shift) >> shift, nil
}

// Pointer reads the value of a pointer.
func (v Value) Pointer(mem Reader) (libpf.Address, error) {
	if !v.Type.IsPointer() {
		return 0, fmt.Errorf("%s (%s): %w", v, v.Type, ErrNotPointer)
	}
	u, err := v.Uint(mem)
	return libpf.Address(u), err
}

// Deref follows a pointer and returns the addressable value it points to.
func (v Value) Deref(mem Reader) (Value, error) {
	ptr, err := v.Pointer(mem)
	if err != nil {
		return Value{}, err
	}
	if ptr == 0 {
		return Value{}, fmt.Errorf("%s: %w", v, ErrNilPointer)
	}
	target := v.Type.Target
	if target == nil {
		target = Void
	}
	return Value{Type: target, Name: "*" + v.Name, addr: ptr, lvalue: true}, nil
}

func (v Value) String() string {
	name := v.Name
	if name == "" {
		name = "<value>"
	}
	if v.lvalue {
		return fmt.Sprintf("%s@%s", name, v.addr)
	}
	return name
}
