// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package percpu resolves kernel per-CPU variables in a memory image.
//
// A per-CPU variable is declared once, at a template address, and instantiated
// for every CPU at the CPU's base from __per_cpu_offset plus the template
// offset. Templates live in one of three kinds of region: the static section
// of the kernel image, the per-CPU sections of loaded modules, and chunks
// handed out by the dynamic per-CPU allocator.
package percpu // import "go.opentelemetry.io/kcrash/percpu"

import (
	"errors"
	"fmt"
	"slices"

	"go.opentelemetry.io/kcrash/ktype"
	"go.opentelemetry.io/kcrash/libpf"
	"go.opentelemetry.io/kcrash/metrics"
	"go.opentelemetry.io/kcrash/remotememory"
	"go.opentelemetry.io/kcrash/symbols"
)

// DefaultPageSize is used for bitmap chunks when the image does not say.
const DefaultPageSize = 4096

// Kind is the region class of a per-CPU address.
type Kind uint8

const (
	KindNone Kind = iota
	KindStatic
	KindModule
	KindDynamic
)

func (k Kind) String() string {
	switch k {
	case KindStatic:
		return "static"
	case KindModule:
		return "module"
	case KindDynamic:
		return "dynamic"
	default:
		return "none"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// Resolver answers per-CPU questions about one kernel image. Region
// information is gathered lazily and kept for the lifetime of the Resolver;
// queries failing with symbols.ErrNotYetAvailable can be retried later.
// A Resolver is not safe for concurrent use.
type Resolver struct {
	syms     symbols.Resolver
	mem      remotememory.RemoteMemory
	pageSize uint64

	// layout is nil until the static region and offset table were read.
	layout *layout
	// modules is nil until the module list was walked.
	modules map[libpf.Address]uint64
	// dynamic is nil until the allocator chunks were decoded.
	dynamic  []UsedExtent
	format   chunkFormat
	encoding mapEncoding
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithPageSize sets the page size of the kernel, used to size bitmap chunks.
func WithPageSize(size uint64) Option {
	return func(r *Resolver) {
		if size != 0 {
			r.pageSize = size
		}
	}
}

// New returns a Resolver reading types and symbols from syms and data from mem.
func New(syms symbols.Resolver, mem remotememory.RemoteMemory, opts ...Option) *Resolver {
	r := &Resolver{
		syms:     syms,
		mem:      mem,
		pageSize: DefaultPageSize,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Classify returns the kind of region the template address addr lies in.
func (r *Resolver) Classify(addr libpf.Address) (Kind, error) {
	checks := []struct {
		kind Kind
		is   func(libpf.Address) (bool, error)
	}{
		{KindStatic, r.isStaticVar},
		{KindModule, r.isModuleVar},
		{KindDynamic, r.isDynamicVar},
	}
	for _, c := range checks {
		ok, err := c.is(addr)
		if err != nil {
			return KindNone, err
		}
		if ok {
			return c.kind, nil
		}
	}
	return KindNone, nil
}

// IsPerCPUVar reports whether addr is the template address of a per-CPU
// variable.
func (r *Resolver) IsPerCPUVar(addr libpf.Address) (bool, error) {
	kind, err := r.Classify(addr)
	return kind != KindNone, err
}

// IsPerCPUValue reports whether v can be resolved per CPU: either its
// storage or, for pointers, its value is a per-CPU template.
func (r *Resolver) IsPerCPUValue(v ktype.Value) (bool, error) {
	_, _, err := r.template(v)
	if errors.Is(err, ErrPerCPUResolution) {
		return false, nil
	}
	return err == nil, err
}

// IsPerCPUSymbol reports whether the named symbol is a per-CPU variable.
func (r *Resolver) IsPerCPUSymbol(name string) (bool, error) {
	addr, err := r.syms.ResolveMinimalSymbol(name)
	if err != nil {
		return false, err
	}
	return r.IsPerCPUVar(addr)
}

// ClassifyAddress returns the kind of region whose instance contains the
// absolute address addr and the CPU owning it, or KindNone and -1.
func (r *Resolver) ClassifyAddress(addr libpf.Address) (Kind, int, error) {
	l, err := r.getLayout()
	if err != nil {
		return KindNone, -1, err
	}
	if cpu := l.instanceCPU(l.static, addr); cpu >= 0 {
		return KindStatic, cpu, nil
	}
	modules, err := r.getModules()
	if err != nil {
		return KindNone, -1, err
	}
	if cpu := l.instanceCPU(modules, addr); cpu >= 0 {
		return KindModule, cpu, nil
	}
	extents, err := r.getDynamic()
	if err != nil {
		return KindNone, -1, err
	}
	for cpu := range l.ncpus {
		if l.bases[cpu] == 0 {
			continue
		}
		if _, ok := findExtent(extents, addr-l.bases[cpu]); ok {
			return KindDynamic, cpu, nil
		}
	}
	return KindNone, -1, nil
}

// template finds the template address behind v and the pointer type of its
// instances. v may be a per-CPU object, a pointer to one, or a pointer whose
// value is a per-CPU template.
func (r *Resolver) template(v ktype.Value) (libpf.Address, *ktype.Type, error) {
	if addr, ok := v.Address(); ok {
		isPerCPU, err := r.IsPerCPUVar(addr)
		if err != nil {
			return 0, nil, err
		}
		if isPerCPU {
			return addr, ktype.PointerTo(v.Type), nil
		}
	}
	if v.Type.IsPointer() {
		ptr, err := v.Pointer(r.mem)
		if err != nil {
			return 0, nil, err
		}
		isPerCPU, err := r.IsPerCPUVar(ptr)
		if err != nil {
			return 0, nil, err
		}
		if isPerCPU {
			return ptr, v.Type, nil
		}
	}
	return 0, nil, &PerCPUError{Var: v.String()}
}

// resolveTemplate wraps template with the resolution metrics.
func (r *Resolver) resolveTemplate(v ktype.Value) (libpf.Address, *ktype.Type, error) {
	addr, ptrType, err := r.template(v)
	if err != nil {
		metrics.Add(metrics.IDPerCPUResolutionFailures, 1)
		return 0, nil, err
	}
	metrics.Add(metrics.IDPerCPUResolutions, 1)
	return addr, ptrType, nil
}

// instance returns the address of cpu's instance of the template. CPUs
// without a per-CPU area have base 0 and yield address 0.
func (l *layout) instance(template libpf.Address, cpu int) (libpf.Address, error) {
	if cpu < 0 || cpu >= len(l.bases) {
		return 0, fmt.Errorf("CPU %d of %d: %w", cpu, len(l.bases), ErrOutOfRange)
	}
	base := l.bases[cpu]
	if base == 0 {
		return 0, nil
	}
	return base + l.relocatedOffset(template), nil
}

// Resolve returns the address of cpu's instance of v.
func (r *Resolver) Resolve(v ktype.Value, cpu int) (libpf.Address, error) {
	template, _, err := r.resolveTemplate(v)
	if err != nil {
		return 0, err
	}
	l, err := r.getLayout()
	if err != nil {
		return 0, err
	}
	return l.instance(template, cpu)
}

// ResolveAll returns the addresses of the instances of v on CPUs
// 0..HighestCPU, indexed by CPU.
func (r *Resolver) ResolveAll(v ktype.Value) ([]libpf.Address, error) {
	return r.ResolveN(v, -1)
}

// ResolveN returns the addresses of the instances of v on CPUs 0..nrCPUs-1,
// indexed by CPU. A negative nrCPUs selects all CPUs up to HighestCPU.
func (r *Resolver) ResolveN(v ktype.Value, nrCPUs int) ([]libpf.Address, error) {
	template, _, err := r.resolveTemplate(v)
	if err != nil {
		return nil, err
	}
	l, err := r.getLayout()
	if err != nil {
		return nil, err
	}
	if nrCPUs < 0 {
		nrCPUs = l.ncpus
	}
	addrs := make([]libpf.Address, nrCPUs)
	for cpu := range addrs {
		if addrs[cpu], err = l.instance(template, cpu); err != nil {
			return nil, err
		}
	}
	return addrs, nil
}

// ResolveSymbol resolves the named per-CPU symbol for cpu.
func (r *Resolver) ResolveSymbol(name string, cpu int) (libpf.Address, error) {
	v, err := r.syms.ResolveSymbol(name)
	if err != nil {
		return 0, err
	}
	return r.Resolve(v, cpu)
}

// instanceValue types the instance at addr. Instances of void pointers
// are returned as the pointer itself.
func instanceValue(ptrType *ktype.Type, addr libpf.Address, name string) ktype.Value {
	if ptrType.IsVoidPointer() {
		return ktype.Scalar(ptrType, uint64(addr)).Named(name)
	}
	return ktype.At(ptrType.Target, addr).Named(name)
}

// Var returns cpu's instance of v as a typed value.
func (r *Resolver) Var(v ktype.Value, cpu int) (ktype.Value, error) {
	template, ptrType, err := r.resolveTemplate(v)
	if err != nil {
		return ktype.Value{}, err
	}
	l, err := r.getLayout()
	if err != nil {
		return ktype.Value{}, err
	}
	addr, err := l.instance(template, cpu)
	if err != nil {
		return ktype.Value{}, err
	}
	return instanceValue(ptrType, addr, fmt.Sprintf("per_cpu(%s, %d)", v.Name, cpu)), nil
}

// VarAll returns the instances of v on CPUs 0..HighestCPU, indexed by CPU.
func (r *Resolver) VarAll(v ktype.Value) ([]ktype.Value, error) {
	template, ptrType, err := r.resolveTemplate(v)
	if err != nil {
		return nil, err
	}
	l, err := r.getLayout()
	if err != nil {
		return nil, err
	}
	vals := make([]ktype.Value, l.ncpus)
	for cpu := range vals {
		addr, err := l.instance(template, cpu)
		if err != nil {
			return nil, err
		}
		vals[cpu] = instanceValue(ptrType, addr, fmt.Sprintf("per_cpu(%s, %d)", v.Name, cpu))
	}
	return vals, nil
}

// PerCPUCounterSum returns the value of a struct percpu_counter, or of the one
// v points to: the shared count plus every CPU's pending delta.
func (r *Resolver) PerCPUCounterSum(v ktype.Value) (int64, error) {
	var err error
	if v.Type.IsPointer() {
		if v, err = v.Deref(r.mem); err != nil {
			return 0, err
		}
	}
	if v.Type.Kind != ktype.KindStruct || v.Type.Name != "percpu_counter" {
		return 0, fmt.Errorf("%s (%s): %w", v, v.Type, ErrNotPerCPUCounter)
	}

	countVal, err := v.Field("count")
	if err != nil {
		return 0, err
	}
	total, err := countVal.Int(r.mem)
	if err != nil {
		return 0, err
	}
	counters, err := v.Field("counters")
	if err != nil {
		return 0, err
	}
	deltas, err := r.VarAll(counters)
	if err != nil {
		return 0, err
	}
	for _, delta := range deltas {
		if addr, _ := delta.Address(); addr == 0 {
			continue
		}
		d, err := delta.Int(r.mem)
		if err != nil {
			return 0, err
		}
		total += d
	}
	metrics.Add(metrics.IDPerCPUCounterSums, 1)
	return total, nil
}

// Ranges lists the known per-CPU regions.
type Ranges struct {
	Static  []Region     `json:"static"`
	Module  []Region     `json:"module"`
	Dynamic []UsedExtent `json:"dynamic"`
}

func sortedRegions(m map[libpf.Address]uint64) []Region {
	regions := make([]Region, 0, len(m))
	for _, offset := range libpf.SortedKeys(m) {
		regions = append(regions, Region{Offset: offset, Size: m[offset]})
	}
	return regions
}

// Ranges returns all static, module and dynamic regions.
func (r *Resolver) Ranges() (Ranges, error) {
	l, err := r.getLayout()
	if err != nil {
		return Ranges{}, err
	}
	modules, err := r.getModules()
	if err != nil {
		return Ranges{}, err
	}
	extents, err := r.getDynamic()
	if err != nil {
		return Ranges{}, err
	}
	return Ranges{
		Static:  sortedRegions(l.static),
		Module:  sortedRegions(modules),
		Dynamic: slices.Clone(extents),
	}, nil
}
