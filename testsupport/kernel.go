// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package testsupport // import "go.opentelemetry.io/kcrash/testsupport"

import (
	"go.opentelemetry.io/kcrash/ktype"
	"go.opentelemetry.io/kcrash/libpf"
)

// Scalar types of x86_64 kernels.
var (
	ULong = ktype.Int("unsigned long", 8, false)
	UInt  = ktype.Int("unsigned int", 4, false)
	Int   = ktype.Int("int", 4, true)
	S64   = ktype.Int("long long", 8, true)
)

// DefaultPCPUBase is the pcpu_base_addr of the fake kernel.
const DefaultPCPUBase = libpf.Address(0xffffe8ffffc00000)

// KernelConfig shapes a fake kernel.
type KernelConfig struct {
	// Bases is the __per_cpu_offset table.
	Bases []libpf.Address
	// PerCPUStart and PerCPUSize place the static per-CPU section.
	PerCPUStart libpf.Address
	PerCPUSize  uint64
	// BitmapChunks selects the struct pcpu_chunk layout of 4.14 and later.
	BitmapChunks bool
	// NrSlots is the number of chunk lists, 4 when zero.
	NrSlots int
	// ChunkListsName overrides the name of the slot array symbol.
	ChunkListsName string
	// ChunkTypes defines enum pcpu_chunk_type with this many chunk types,
	// each owning NrSlots lists.
	ChunkTypes int
}

// Kernel is a minimal kernel image carrying the per-CPU bookkeeping: the
// offset table, CPU masks, the module list and the allocator chunk lists.
type Kernel struct {
	*Image
	Syms *Symbols

	ListHead, Module, Chunk, Counter, CPUMask *ktype.Type

	cfg     KernelConfig
	modules libpf.Address
	slots   libpf.Address
}

// NewKernel builds a fake kernel. All CPUs of the offset table are possible
// and online.
func NewKernel(cfg KernelConfig) *Kernel {
	if cfg.NrSlots == 0 {
		cfg.NrSlots = 4
	}
	if cfg.ChunkListsName == "" {
		cfg.ChunkListsName = "pcpu_slot"
	}
	k := &Kernel{Image: NewImage(), Syms: NewSymbols(), cfg: cfg}
	k.defineTypes(cfg.BitmapChunks)

	k.Syms.AddMinimal("__per_cpu_start", cfg.PerCPUStart)
	k.Syms.AddMinimal("__per_cpu_end", cfg.PerCPUStart+libpf.Address(cfg.PerCPUSize))

	offsets := k.AddVar("__per_cpu_offset", ktype.ArrayOf(ULong, uint64(len(cfg.Bases))))
	for i, base := range cfg.Bases {
		k.PutPtr(offsets+libpf.Address(8*i), base)
	}

	cpus := make([]uint, len(cfg.Bases))
	for i := range cpus {
		cpus[i] = uint(i)
	}
	k.AddVar("__cpu_possible_mask", k.CPUMask)
	k.AddVar("__cpu_online_mask", k.CPUMask)
	k.SetCPUMask("possible", cpus...)
	k.SetCPUMask("online", cpus...)

	k.modules = k.AddVar("modules", k.ListHead)
	k.initListHead(k.modules)

	pcpuBase := k.AddVar("pcpu_base_addr", ktype.PointerTo(ktype.Void))
	k.PutPtr(pcpuBase, DefaultPCPUBase)

	heads := cfg.NrSlots
	if cfg.ChunkTypes > 0 {
		heads *= cfg.ChunkTypes
		k.Syms.AddType(&ktype.Type{
			Name: "pcpu_chunk_type",
			Kind: ktype.KindEnum,
			Size: 4,
			Enumerators: map[string]int64{
				"PCPU_CHUNK_ROOT":     0,
				"PCPU_NR_CHUNK_TYPES": int64(cfg.ChunkTypes),
			},
		})
	}
	k.slots = k.Alloc(uint64(heads) * k.ListHead.Size)
	for i := range heads {
		k.initListHead(k.slot(i))
	}
	slotVar := k.AddVar(cfg.ChunkListsName, ktype.PointerTo(k.ListHead))
	k.PutPtr(slotVar, k.slots)
	nrSlots := k.AddVar("pcpu_nr_slots", Int)
	k.PutUint32(nrSlots, uint32(cfg.NrSlots))
	return k
}

func (k *Kernel) defineTypes(bitmapChunks bool) {
	listHead := &ktype.Type{Name: "list_head", Kind: ktype.KindStruct, Size: 16}
	listHead.Members = []ktype.Member{
		{Name: "next", Type: ktype.PointerTo(listHead), Offset: 0},
		{Name: "prev", Type: ktype.PointerTo(listHead), Offset: 8},
	}
	k.ListHead = listHead

	k.Module = ktype.Struct("module", 96,
		ktype.Member{Name: "state", Type: Int, Offset: 0},
		ktype.Member{Name: "list", Type: listHead, Offset: 8},
		ktype.Member{Name: "name", Type: ktype.ArrayOf(ktype.Int("char", 1, true), 56), Offset: 24},
		ktype.Member{Name: "percpu", Type: ktype.PointerTo(ktype.Void), Offset: 80},
		ktype.Member{Name: "percpu_size", Type: UInt, Offset: 88},
	)

	if bitmapChunks {
		k.Chunk = ktype.Struct("pcpu_chunk", 56,
			ktype.Member{Name: "list", Type: listHead, Offset: 0},
			ktype.Member{Name: "free_bytes", Type: Int, Offset: 16},
			ktype.Member{Name: "contig_bits", Type: Int, Offset: 20},
			ktype.Member{Name: "base_addr", Type: ktype.PointerTo(ktype.Void), Offset: 24},
			ktype.Member{Name: "alloc_map", Type: ktype.PointerTo(ULong), Offset: 32},
			ktype.Member{Name: "bound_map", Type: ktype.PointerTo(ULong), Offset: 40},
			ktype.Member{Name: "nr_pages", Type: Int, Offset: 48},
			ktype.Member{Name: "nr_populated", Type: Int, Offset: 52},
		)
	} else {
		k.Chunk = ktype.Struct("pcpu_chunk", 72,
			ktype.Member{Name: "list", Type: listHead, Offset: 0},
			ktype.Member{Name: "free_size", Type: Int, Offset: 16},
			ktype.Member{Name: "contig_hint", Type: Int, Offset: 20},
			ktype.Member{Name: "base_addr", Type: ktype.PointerTo(ktype.Void), Offset: 24},
			ktype.Member{Name: "map_used", Type: Int, Offset: 32},
			ktype.Member{Name: "map_alloc", Type: Int, Offset: 36},
			ktype.Member{Name: "map", Type: ktype.PointerTo(Int), Offset: 40},
			ktype.Member{Name: "data", Type: ktype.PointerTo(ktype.Void), Offset: 48},
			ktype.Member{Name: "first_free", Type: Int, Offset: 56},
			ktype.Member{Name: "nr_populated", Type: Int, Offset: 64},
		)
	}

	k.Counter = ktype.Struct("percpu_counter", 40,
		ktype.Member{Name: "lock", Type: ktype.Struct("raw_spinlock", 4), Offset: 0},
		ktype.Member{Name: "count", Type: S64, Offset: 8},
		ktype.Member{Name: "list", Type: listHead, Offset: 16},
		ktype.Member{Name: "counters", Type: ktype.PointerTo(Int), Offset: 32},
	)

	k.CPUMask = ktype.Struct("cpumask", 8,
		ktype.Member{Name: "bits", Type: ktype.ArrayOf(ULong, 1), Offset: 0})

	for _, t := range []*ktype.Type{ULong, UInt, Int, S64, ktype.Void,
		listHead, k.Module, k.Chunk, k.Counter, k.CPUMask} {
		k.Syms.AddType(t)
	}
}

// AddVar allocates and registers a global variable.
func (k *Kernel) AddVar(name string, t *ktype.Type) libpf.Address {
	addr := k.Alloc(t.Size)
	k.Syms.AddVar(name, t, addr)
	return addr
}

// Var returns the named global variable.
func (k *Kernel) Var(name string) ktype.Value {
	return ktype.At(k.Syms.Vars[name], k.Syms.Minimal[name]).Named(name)
}

// AddPerCPUVar registers a static per-CPU variable at the template address.
func (k *Kernel) AddPerCPUVar(name string, t *ktype.Type, template libpf.Address) ktype.Value {
	k.Syms.AddVar(name, t, template)
	return ktype.At(t, template).Named(name)
}

// PerCPU returns cpu's instance address of a template outside the linked
// static section.
func (k *Kernel) PerCPU(template libpf.Address, cpu int) libpf.Address {
	return k.cfg.Bases[cpu] + template
}

// SetCPUMask sets __cpu_<name>_mask to exactly the given CPUs.
func (k *Kernel) SetCPUMask(name string, cpus ...uint) {
	var bits uint64
	for _, cpu := range cpus {
		bits |= 1 << cpu
	}
	k.PutUint64(k.Syms.Minimal["__cpu_"+name+"_mask"], bits)
}

func (k *Kernel) initListHead(head libpf.Address) {
	k.PutPtr(head, head)
	k.PutPtr(head+8, head)
}

// linkTail inserts node before head.
func (k *Kernel) linkTail(head, node libpf.Address) {
	prev := k.Memory().Ptr(head + 8)
	k.PutPtr(node, head)
	k.PutPtr(node+8, prev)
	k.PutPtr(prev, node)
	k.PutPtr(head+8, node)
}

func (k *Kernel) slot(i int) libpf.Address {
	return k.slots + libpf.Address(uint64(i)*k.ListHead.Size)
}

func (k *Kernel) member(t *ktype.Type, name string) libpf.Address {
	m, ok := t.Member(name)
	if !ok {
		panic("no member " + name + " in " + t.String())
	}
	return libpf.Address(m.Offset)
}

// AddModule appends a module with the given per-CPU section to the module
// list.
func (k *Kernel) AddModule(name string, percpu libpf.Address, size uint32) libpf.Address {
	mod := k.Alloc(k.Module.Size)
	k.Write(mod+k.member(k.Module, "name"), []byte(name))
	k.PutPtr(mod+k.member(k.Module, "percpu"), percpu)
	k.PutUint32(mod+k.member(k.Module, "percpu_size"), size)
	k.linkTail(k.modules, mod+k.member(k.Module, "list"))
	return mod
}

// AddAreaMapChunk appends a chunk with the given area map to a chunk list.
// entries holds map_used entries, optionally followed by the sentinel. Memory
// past the last entry is unmapped.
func (k *Kernel) AddAreaMapChunk(slot int, baseAddr libpf.Address, mapUsed int,
	entries []int32) libpf.Address {
	chunk := k.Alloc(k.Chunk.Size)
	areaMap := k.AllocTail(uint64(4 * len(entries)))
	for i, e := range entries {
		k.PutUint32(areaMap+libpf.Address(4*i), uint32(e))
	}
	k.PutPtr(chunk+k.member(k.Chunk, "base_addr"), baseAddr)
	k.PutUint32(chunk+k.member(k.Chunk, "map_used"), uint32(mapUsed))
	k.PutUint32(chunk+k.member(k.Chunk, "map_alloc"), uint32(len(entries)))
	k.PutPtr(chunk+k.member(k.Chunk, "map"), areaMap)
	k.linkTail(k.slot(slot), chunk+k.member(k.Chunk, "list"))
	return chunk
}

// AddBitmapChunk appends a chunk of nrPages pages to a chunk list.
func (k *Kernel) AddBitmapChunk(slot int, baseAddr libpf.Address, nrPages int) libpf.Address {
	chunk := k.Alloc(k.Chunk.Size)
	k.PutPtr(chunk+k.member(k.Chunk, "base_addr"), baseAddr)
	k.PutUint32(chunk+k.member(k.Chunk, "nr_pages"), uint32(nrPages))
	k.linkTail(k.slot(slot), chunk+k.member(k.Chunk, "list"))
	return chunk
}

// AddPerCPUCounter allocates a struct percpu_counter with the given shared
// count and per-CPU deltas stored at the counters template.
func (k *Kernel) AddPerCPUCounter(count int64, counters libpf.Address,
	deltas []int32) ktype.Value {
	addr := k.Alloc(k.Counter.Size)
	k.PutUint64(addr+k.member(k.Counter, "count"), uint64(count))
	k.initListHead(addr + k.member(k.Counter, "list"))
	k.PutPtr(addr+k.member(k.Counter, "counters"), counters)
	for cpu, d := range deltas {
		k.PutUint32(k.PerCPU(counters, cpu), uint32(d))
	}
	return ktype.At(k.Counter, addr).Named("counter")
}
