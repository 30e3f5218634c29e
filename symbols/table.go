// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package symbols // import "go.opentelemetry.io/kcrash/symbols"

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/cilium/ebpf/btf"
	lru "github.com/elastic/go-freelru"
	log "github.com/sirupsen/logrus"

	"go.opentelemetry.io/kcrash/ktype"
	"go.opentelemetry.io/kcrash/libpf"
	"go.opentelemetry.io/kcrash/libpf/hash"
)

// DefaultNrCPUs is the length assumed for arrays indexed by CPU number when
// neither type information nor configuration tell it. It matches the largest
// CONFIG_NR_CPUS of x86_64.
const DefaultNrCPUs = 8192

// typeCacheSize is the number of resolved type names kept.
const typeCacheSize = 1024

// declaration describes the type of a global variable that BTF does not
// carry. BTF only records per-CPU variables unless the kernel was built
// with global variable encoding.
type declaration struct {
	typeName string
	pointers int
	// perCPUArray marks arrays with one element per possible CPU.
	perCPUArray bool
}

var declarations = map[string]declaration{
	"__per_cpu_offset":    {typeName: "unsigned long", perCPUArray: true},
	"pcpu_base_addr":      {typeName: "void", pointers: 1},
	"pcpu_slot":           {typeName: "struct list_head", pointers: 1},
	"pcpu_chunk_lists":    {typeName: "struct list_head", pointers: 1},
	"pcpu_nr_slots":       {typeName: "int"},
	"pcpu_group_offsets":  {typeName: "unsigned long", pointers: 1},
	"modules":             {typeName: "struct list_head"},
	"__cpu_online_mask":   {typeName: "struct cpumask"},
	"__cpu_possible_mask": {typeName: "struct cpumask"},
	"cpu_online_mask":     {typeName: "struct cpumask", pointers: 1},
	"cpu_possible_mask":   {typeName: "struct cpumask", pointers: 1},
	"nr_cpu_ids":          {typeName: "unsigned int"},
}

// Table implements Resolver on top of BTF type information and one or more
// minimal symbol sources. Without BTF only base types, struct list_head and
// struct cpumask are known.
type Table struct {
	spec    *btf.Spec
	sources []MinimalSource
	nrCPUs  uint64

	types *lru.SyncedLRU[string, *ktype.Type]

	// mu protects conv.
	mu   sync.Mutex
	conv *converter
}

var _ Resolver = &Table{}

// NewTable creates a Table. The BTF spec may be nil. A zero nrCPUs selects
// DefaultNrCPUs. Minimal symbols are looked up in the sources in order.
func NewTable(spec *btf.Spec, nrCPUs uint64, sources ...MinimalSource) (*Table, error) {
	types, err := lru.NewSynced[string, *ktype.Type](typeCacheSize, hash.String)
	if err != nil {
		return nil, err
	}
	if nrCPUs == 0 {
		nrCPUs = DefaultNrCPUs
	}
	return &Table{
		spec:    spec,
		sources: sources,
		nrCPUs:  nrCPUs,
		types:   types,
		conv:    newConverter(),
	}, nil
}

// ResolveType implements Resolver. Trailing '*' select pointer types.
func (t *Table) ResolveType(name string) (*ktype.Type, error) {
	name = strings.TrimSpace(name)
	if typ, ok := t.types.Get(name); ok {
		return typ, nil
	}

	base := strings.TrimRight(name, " *")
	pointers := strings.Count(name[len(base):], "*")
	typ, err := t.resolveBase(base)
	if err != nil {
		return nil, err
	}
	for range pointers {
		typ = ktype.PointerTo(typ)
	}
	t.types.Add(name, typ)
	return typ, nil
}

func (t *Table) resolveBase(name string) (*ktype.Type, error) {
	if t.spec != nil {
		bt, err := lookupBTF(t.spec, name)
		if err == nil {
			t.mu.Lock()
			defer t.mu.Unlock()
			return t.conv.convert(bt), nil
		}
		if !errors.Is(err, ErrNoType) {
			return nil, err
		}
	}
	if typ := t.builtin(name); typ != nil {
		return typ, nil
	}
	return nil, fmt.Errorf("%s: %w", name, ErrNoType)
}

// builtin returns the layouts known without type information.
func (t *Table) builtin(name string) *ktype.Type {
	switch name {
	case "void":
		return ktype.Void
	case "char", "signed char", "s8":
		return ktype.Int(name, 1, true)
	case "unsigned char", "u8", "bool", "_Bool":
		return ktype.Int(name, 1, false)
	case "short", "s16":
		return ktype.Int(name, 2, true)
	case "unsigned short", "u16":
		return ktype.Int(name, 2, false)
	case "int", "s32":
		return ktype.Int(name, 4, true)
	case "unsigned int", "unsigned", "u32":
		return ktype.Int(name, 4, false)
	case "long", "long long", "s64":
		return ktype.Int(name, 8, true)
	case "unsigned long", "unsigned long long", "u64", "size_t":
		return ktype.Int(name, 8, false)
	case "struct list_head":
		lh := ktype.Struct("list_head", 16)
		lh.Members = []ktype.Member{
			{Name: "next", Type: ktype.PointerTo(lh), Offset: 0},
			{Name: "prev", Type: ktype.PointerTo(lh), Offset: 8},
		}
		return lh
	case "struct cpumask":
		words := (t.nrCPUs + 63) / 64
		bits := ktype.ArrayOf(ktype.Int("unsigned long", 8, false), words)
		return ktype.Struct("cpumask", bits.Size, ktype.Member{Name: "bits", Type: bits})
	}
	return nil
}

// ResolveMinimalSymbol implements Resolver.
func (t *Table) ResolveMinimalSymbol(name string) (libpf.Address, error) {
	for _, src := range t.sources {
		if addr, err := src.LookupSymbol(name); err == nil {
			return addr, nil
		}
	}
	return 0, fmt.Errorf("%s: %w", name, ErrNoSymbol)
}

// symbolType returns the declared type of a global variable.
func (t *Table) symbolType(name string) (*ktype.Type, error) {
	if t.spec != nil {
		if bt, ok := lookupVar(t.spec, name); ok {
			t.mu.Lock()
			defer t.mu.Unlock()
			return t.conv.convert(bt), nil
		}
	}
	decl, ok := declarations[name]
	if !ok {
		return nil, fmt.Errorf("no declaration for %s: %w", name, ErrNoType)
	}
	typ, err := t.ResolveType(decl.typeName + strings.Repeat(" *", decl.pointers))
	if err != nil {
		return nil, err
	}
	if decl.perCPUArray {
		typ = ktype.ArrayOf(typ, t.nrCPUs)
	}
	return typ, nil
}

// ResolveSymbol implements Resolver.
func (t *Table) ResolveSymbol(name string) (ktype.Value, error) {
	addr, err := t.ResolveMinimalSymbol(name)
	if err != nil {
		return ktype.Value{}, err
	}
	typ, err := t.symbolType(name)
	if err != nil {
		return ktype.Value{}, err
	}
	log.Debugf("Resolved %s as %s at %s", name, typ, addr)
	return ktype.At(typ, addr).Named(name), nil
}
