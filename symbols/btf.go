// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package symbols // import "go.opentelemetry.io/kcrash/symbols"

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/cilium/ebpf/btf"

	"go.opentelemetry.io/kcrash/ktype"
)

// LoadBTF reads kernel type information from the named file. Both raw BTF
// (/sys/kernel/btf/vmlinux) and ELF images with a .BTF section are accepted.
func LoadBTF(name string) (*btf.Spec, error) {
	f, err := os.Open(name)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	spec, err := btf.LoadSpecFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("failed to load BTF from %s: %w", name, err)
	}
	return spec, nil
}

// btfNames maps C spellings of base types to the names the compiler records.
var btfNames = map[string]string{
	"unsigned long":      "long unsigned int",
	"long":               "long int",
	"unsigned long long": "long long unsigned int",
	"long long":          "long long int",
	"unsigned short":     "short unsigned int",
	"short":              "short int",
	"unsigned":           "unsigned int",
	"unsigned char":      "unsigned char",
}

// lookupBTF finds the BTF type for a C type name.
func lookupBTF(spec *btf.Spec, name string) (btf.Type, error) {
	var err error
	switch {
	case strings.HasPrefix(name, "struct "):
		var s *btf.Struct
		err = spec.TypeByName(strings.TrimPrefix(name, "struct "), &s)
		if err == nil {
			return s, nil
		}
	case strings.HasPrefix(name, "union "):
		var u *btf.Union
		err = spec.TypeByName(strings.TrimPrefix(name, "union "), &u)
		if err == nil {
			return u, nil
		}
	case strings.HasPrefix(name, "enum "):
		var e *btf.Enum
		err = spec.TypeByName(strings.TrimPrefix(name, "enum "), &e)
		if err == nil {
			return e, nil
		}
	default:
		if alias, ok := btfNames[name]; ok {
			name = alias
		}
		var types []btf.Type
		types, err = spec.AnyTypesByName(name)
		if err == nil {
			return types[0], nil
		}
	}
	if errors.Is(err, btf.ErrNotFound) {
		return nil, fmt.Errorf("%s: %w", name, ErrNoType)
	}
	return nil, fmt.Errorf("failed to look up %s: %w", name, err)
}

// lookupVar returns the BTF declaration of a global variable.
func lookupVar(spec *btf.Spec, name string) (btf.Type, bool) {
	var v *btf.Var
	if err := spec.TypeByName(name, &v); err != nil {
		return nil, false
	}
	return v.Type, true
}

// converter translates BTF types into ktype layouts. Converted types are
// memoized so that self referencing structures terminate.
type converter struct {
	seen map[btf.Type]*ktype.Type
}

func newConverter() *converter {
	return &converter{seen: make(map[btf.Type]*ktype.Type)}
}

func (c *converter) convert(typ btf.Type) *ktype.Type {
	if t, ok := c.seen[typ]; ok {
		return t
	}

	switch bt := typ.(type) {
	case *btf.Void:
		return ktype.Void
	case *btf.Typedef:
		return c.convert(bt.Type)
	case *btf.Const:
		return c.convert(bt.Type)
	case *btf.Volatile:
		return c.convert(bt.Type)
	case *btf.Restrict:
		return c.convert(bt.Type)
	case *btf.TypeTag:
		return c.convert(bt.Type)
	}

	t := &ktype.Type{Name: typ.TypeName()}
	c.seen[typ] = t

	switch bt := typ.(type) {
	case *btf.Int:
		t.Kind = ktype.KindInt
		t.Size = uint64(bt.Size)
		t.Signed = bt.Encoding&btf.Signed != 0
	case *btf.Enum:
		t.Kind = ktype.KindEnum
		t.Size = uint64(bt.Size)
		t.Signed = bt.Signed
		t.Enumerators = make(map[string]int64, len(bt.Values))
		for _, v := range bt.Values {
			t.Enumerators[v.Name] = int64(v.Value)
		}
	case *btf.Pointer:
		t.Kind = ktype.KindPointer
		t.Size = ktype.PointerSize
		t.Target = c.convert(bt.Target)
	case *btf.Array:
		t.Kind = ktype.KindArray
		t.Target = c.convert(bt.Type)
		t.Len = uint64(bt.Nelems)
		t.Size = t.Len * t.Target.Size
	case *btf.Struct:
		t.Kind = ktype.KindStruct
		t.Size = uint64(bt.Size)
		t.Members = c.members(bt.Members)
	case *btf.Union:
		t.Kind = ktype.KindUnion
		t.Size = uint64(bt.Size)
		t.Members = c.members(bt.Members)
	case *btf.Fwd:
		t.Kind = ktype.KindStruct
		if bt.Kind == btf.FwdUnion {
			t.Kind = ktype.KindUnion
		}
	case *btf.FuncProto, *btf.Func:
		t.Kind = ktype.KindFunc
	default:
		t.Kind = ktype.KindUnknown
		if size, err := btf.Sizeof(typ); err == nil {
			t.Size = uint64(size)
		}
	}
	return t
}

func (c *converter) members(members []btf.Member) []ktype.Member {
	out := make([]ktype.Member, 0, len(members))
	for _, m := range members {
		out = append(out, ktype.Member{
			Name:   m.Name,
			Type:   c.convert(m.Type),
			Offset: uint64(m.Offset.Bytes()),
		})
	}
	return out
}
