// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package ktype describes kernel data type layouts and typed references into a
// kernel memory image. Layouts are produced by the symbols package (from BTF)
// or built by hand in tests; they carry only what is needed to locate and
// read data: sizes, member offsets, pointer targets and array bounds.
package ktype // import "go.opentelemetry.io/kcrash/ktype"

import (
	"fmt"
	"strings"
)

// PointerSize is the size of a kernel pointer and of `unsigned long`.
// Only 64-bit targets are supported.
const PointerSize = 8

// Kind classifies a Type.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindVoid
	KindInt
	KindEnum
	KindPointer
	KindArray
	KindStruct
	KindUnion
	KindFunc
)

var kindNames = [...]string{
	KindUnknown: "unknown",
	KindVoid:    "void",
	KindInt:     "int",
	KindEnum:    "enum",
	KindPointer: "pointer",
	KindArray:   "array",
	KindStruct:  "struct",
	KindUnion:   "union",
	KindFunc:    "func",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Member is a field of a struct or union.
type Member struct {
	Name   string
	Type   *Type
	Offset uint64 // in bytes from the start of the containing type
}

// Type is the layout of a kernel data type. Typedefs and qualifiers are
// resolved away when types are converted, so a Type is always concrete.
type Type struct {
	Name   string
	Kind   Kind
	Size   uint64
	Signed bool // KindInt and KindEnum

	// Target is the pointee for KindPointer and the element type for KindArray.
	Target *Type
	// Len is the number of array elements.
	Len uint64
	// Members lists fields of structs and unions, sorted by offset.
	Members []Member
	// Enumerators maps the value names of an enum to their values.
	Enumerators map[string]int64
}

// Void is the type of `void`, used as target of untyped pointers.
var Void = &Type{Name: "void", Kind: KindVoid}

// Int returns an integer type.
func Int(name string, size uint64, signed bool) *Type {
	return &Type{Name: name, Kind: KindInt, Size: size, Signed: signed}
}

// PointerTo returns a pointer type to t.
func PointerTo(t *Type) *Type {
	return &Type{Kind: KindPointer, Size: PointerSize, Target: t}
}

// ArrayOf returns an array of n elements of t.
func ArrayOf(t *Type, n uint64) *Type {
	return &Type{Kind: KindArray, Size: t.Size * n, Target: t, Len: n}
}

// Struct returns a struct type with the given members.
func Struct(name string, size uint64, members ...Member) *Type {
	return &Type{Name: name, Kind: KindStruct, Size: size, Members: members}
}

// Member finds the named member of a struct or union. Anonymous struct and
// union members are searched recursively, adding up offsets.
func (t *Type) Member(name string) (Member, bool) {
	if t == nil || (t.Kind != KindStruct && t.Kind != KindUnion) {
		return Member{}, false
	}
	for _, m := range t.Members {
		if m.Name == name {
			return m, true
		}
	}
	for _, m := range t.Members {
		if m.Name != "" {
			continue
		}
		if inner, ok := m.Type.Member(name); ok {
			inner.Offset += m.Offset
			return inner, true
		}
	}
	return Member{}, false
}

// HasMember reports whether the struct or union has a member called name.
func (t *Type) HasMember(name string) bool {
	_, ok := t.Member(name)
	return ok
}

// IsPointer reports whether t is a pointer type.
func (t *Type) IsPointer() bool {
	return t != nil && t.Kind == KindPointer
}

// IsVoidPointer reports whether t is `void *`.
func (t *Type) IsVoidPointer() bool {
	return t.IsPointer() && (t.Target == nil || t.Target.Kind == KindVoid)
}

// Equal reports whether both types have the same name, kind and size.
// Types from different sources describe the same C type when this holds.
func (t *Type) Equal(other *Type) bool {
	if t == other {
		return true
	}
	if t == nil || other == nil {
		return false
	}
	return t.String() == other.String() && t.Size == other.Size
}

// String returns the C spelling of the type.
func (t *Type) String() string {
	if t == nil {
		return "<nil>"
	}
	switch t.Kind {
	case KindPointer:
		target := Void
		if t.Target != nil {
			target = t.Target
		}
		if target.Kind == KindPointer {
			return target.String() + "*"
		}
		return target.String() + " *"
	case KindArray:
		elem := t.Target.String()
		// Keep nested array bounds in declaration order.
		if i := strings.IndexByte(elem, '['); i >= 0 {
			return fmt.Sprintf("%s[%d]%s", elem[:i], t.Len, elem[i:])
		}
		return fmt.Sprintf("%s [%d]", elem, t.Len)
	case KindStruct, KindUnion, KindEnum:
		name := t.Name
		if name == "" {
			name = "<anon>"
		}
		return t.Kind.String() + " " + name
	case KindFunc:
		return "func " + t.Name
	default:
		return t.Name
	}
}
