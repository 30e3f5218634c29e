// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package percpu

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.opentelemetry.io/kcrash/ktype"
	"go.opentelemetry.io/kcrash/libpf"
	"go.opentelemetry.io/kcrash/metrics"
	"go.opentelemetry.io/kcrash/symbols"
	"go.opentelemetry.io/kcrash/testsupport"
)

var testBases = []libpf.Address{0x1000_0000, 0x2000_0000, 0x3000_0000, 0x4000_0000}

const (
	staticSize = 0x100
	// dynamicChunk is the offset of the test chunk from pcpu_base_addr.
	dynamicChunk = 0x10000
	modulePerCPU = 0x40000
)

// newTestKernel returns a kernel with a static region, one module and one
// area map chunk whose used extent is [dynamicChunk+4, dynamicChunk+16).
func newTestKernel(t *testing.T) (*testsupport.Kernel, *Resolver) {
	t.Helper()
	k := testsupport.NewKernel(testsupport.KernelConfig{
		Bases:      testBases,
		PerCPUSize: staticSize,
	})
	k.AddModule("xfs", modulePerCPU, 0x100)
	k.AddAreaMapChunk(1, testsupport.DefaultPCPUBase+dynamicChunk, 4,
		[]int32{0, 5, 9, 16, 33})
	return k, New(k.Syms, k.Memory())
}

func TestClassify(t *testing.T) {
	_, r := newTestKernel(t)

	tests := map[string]struct {
		addr libpf.Address
		want Kind
	}{
		"static start":    {addr: 0, want: KindStatic},
		"static":          {addr: 0x10, want: KindStatic},
		"static end":      {addr: staticSize, want: KindNone},
		"module":          {addr: modulePerCPU + 0x80, want: KindModule},
		"module end":      {addr: modulePerCPU + 0x100, want: KindNone},
		"dynamic free":    {addr: dynamicChunk, want: KindNone},
		"dynamic used":    {addr: dynamicChunk + 4, want: KindDynamic},
		"dynamic last":    {addr: dynamicChunk + 15, want: KindDynamic},
		"dynamic end":     {addr: dynamicChunk + 16, want: KindNone},
		"kernel address":  {addr: 0xffffffff81000000, want: KindNone},
		"per-CPU address": {addr: testBases[0] + 0x10, want: KindNone},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			kind, err := r.Classify(tc.addr)
			require.NoError(t, err)
			assert.Equal(t, tc.want, kind)

			ok, err := r.IsPerCPUVar(tc.addr)
			require.NoError(t, err)
			assert.Equal(t, tc.want != KindNone, ok)
		})
	}
}

func TestClassifyAddress(t *testing.T) {
	_, r := newTestKernel(t)

	tests := map[string]struct {
		addr libpf.Address
		kind Kind
		cpu  int
	}{
		"static":      {addr: testBases[2] + 0x18, kind: KindStatic, cpu: 2},
		"module":      {addr: testBases[1] + modulePerCPU + 0x10, kind: KindModule, cpu: 1},
		"dynamic":     {addr: testBases[3] + dynamicChunk + 8, kind: KindDynamic, cpu: 3},
		"dynamic gap": {addr: testBases[3] + dynamicChunk + 16, kind: KindNone, cpu: -1},
		"template":    {addr: 0x18, kind: KindNone, cpu: -1},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			kind, cpu, err := r.ClassifyAddress(tc.addr)
			require.NoError(t, err)
			assert.Equal(t, tc.kind, kind)
			assert.Equal(t, tc.cpu, cpu)
		})
	}

	ok, err := r.IsStaticAddress(testBases[0] + staticSize - 1)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = r.IsModuleAddress(testBases[0] + staticSize - 1)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestResolve(t *testing.T) {
	k, r := newTestKernel(t)
	runqueue := k.AddPerCPUVar("runqueue", testsupport.ULong, 0x10)

	addr, err := r.Resolve(runqueue, 3)
	require.NoError(t, err)
	assert.Equal(t, libpf.Address(0x4000_0010), addr)

	addrs, err := r.ResolveAll(runqueue)
	require.NoError(t, err)
	assert.Equal(t, []libpf.Address{0x1000_0010, 0x2000_0010, 0x3000_0010, 0x4000_0010}, addrs)

	addrs, err = r.ResolveN(runqueue, 2)
	require.NoError(t, err)
	assert.Equal(t, []libpf.Address{0x1000_0010, 0x2000_0010}, addrs)
	_, err = r.ResolveN(runqueue, 5)
	assert.ErrorIs(t, err, ErrOutOfRange)

	_, err = r.Resolve(runqueue, 4)
	assert.ErrorIs(t, err, ErrOutOfRange)
	_, err = r.Resolve(runqueue, -1)
	assert.ErrorIs(t, err, ErrOutOfRange)

	addr, err = r.ResolveSymbol("runqueue", 1)
	require.NoError(t, err)
	assert.Equal(t, libpf.Address(0x2000_0010), addr)

	ok, err := r.IsPerCPUSymbol("runqueue")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = r.IsPerCPUSymbol("modules")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestVar(t *testing.T) {
	k, r := newTestKernel(t)
	for cpu := range testBases {
		k.PutUint64(k.PerCPU(0x10, cpu), uint64(100+cpu))
	}
	taskStruct := ktype.Struct("task_struct", 64)
	k.Syms.AddType(taskStruct)

	// A per-CPU object.
	object := k.AddPerCPUVar("counter", testsupport.ULong, 0x10)
	// A per-CPU pointer variable.
	current := k.AddPerCPUVar("current_task", ktype.PointerTo(taskStruct), 0x20)
	// A global pointer holding a dynamic per-CPU template.
	stats := k.AddVar("stats", ktype.PointerTo(testsupport.ULong))
	k.PutPtr(stats, dynamicChunk+8)
	k.PutUint64(k.PerCPU(dynamicChunk+8, 2), 7)
	// A global void pointer holding a per-CPU template.
	opaque := k.AddVar("opaque", ktype.PointerTo(ktype.Void))
	k.PutPtr(opaque, dynamicChunk+4)

	tests := map[string]struct {
		v        ktype.Value
		cpu      int
		wantType *ktype.Type
		wantAddr libpf.Address
		wantVal  uint64
	}{
		"object": {
			v: object, cpu: 1,
			wantType: testsupport.ULong,
			wantAddr: testBases[1] + 0x10,
			wantVal:  101,
		},
		"per-CPU pointer": {
			v: current, cpu: 3,
			wantType: current.Type,
			wantAddr: testBases[3] + 0x20,
		},
		"pointer to per-CPU data": {
			v: k.Var("stats"), cpu: 2,
			wantType: testsupport.ULong,
			wantAddr: testBases[2] + dynamicChunk + 8,
			wantVal:  7,
		},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			v, err := r.Var(tc.v, tc.cpu)
			require.NoError(t, err)
			assert.Equal(t, tc.wantType.String(), v.Type.String())
			addr, ok := v.Address()
			require.True(t, ok)
			assert.Equal(t, tc.wantAddr, addr)
			if tc.wantVal != 0 {
				val, err := v.Uint(k.Memory())
				require.NoError(t, err)
				assert.Equal(t, tc.wantVal, val)
			}
		})
	}

	t.Run("void pointer", func(t *testing.T) {
		v, err := r.Var(k.Var("opaque"), 1)
		require.NoError(t, err)
		assert.True(t, v.Type.IsVoidPointer())
		_, ok := v.Address()
		assert.False(t, ok)
		ptr, err := v.Pointer(k.Memory())
		require.NoError(t, err)
		assert.Equal(t, testBases[1]+dynamicChunk+4, ptr)
	})

	vals, err := r.VarAll(object)
	require.NoError(t, err)
	require.Len(t, vals, len(testBases))
	for cpu, v := range vals {
		val, err := v.Uint(k.Memory())
		require.NoError(t, err)
		assert.Equal(t, uint64(100+cpu), val)
	}
}

func TestNotPerCPU(t *testing.T) {
	k, r := newTestKernel(t)
	plain := k.AddVar("jiffies", testsupport.ULong)
	k.PutUint64(plain, 5)
	ptr := k.AddVar("init_task_ptr", ktype.PointerTo(testsupport.ULong))
	k.PutPtr(ptr, plain)

	before := metrics.Snapshot()[metrics.IDPerCPUResolutionFailures]
	for _, name := range []string{"jiffies", "init_task_ptr"} {
		_, err := r.Resolve(k.Var(name), 0)
		require.ErrorIs(t, err, ErrPerCPUResolution)
		var perCPUErr *PerCPUError
		require.ErrorAs(t, err, &perCPUErr)
		assert.Contains(t, perCPUErr.Var, name)
	}
	after := metrics.Snapshot()[metrics.IDPerCPUResolutionFailures]
	assert.Equal(t, metrics.MetricValue(2), after-before)

	ok, err := r.IsPerCPUValue(k.Var("jiffies"))
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = r.IsPerCPUValue(k.AddPerCPUVar("runqueue", testsupport.ULong, 0x10))
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRelocatedStatic(t *testing.T) {
	const start = libpf.Address(0xffffffff82000000)
	k := testsupport.NewKernel(testsupport.KernelConfig{
		Bases:       testBases,
		PerCPUStart: start,
		PerCPUSize:  0x1000,
	})
	r := New(k.Syms, k.Memory())

	tests := map[string]libpf.Address{
		"linked":     start + 0x30,
		"zero based": 0x30,
	}
	for name, template := range tests {
		t.Run(name, func(t *testing.T) {
			kind, err := r.Classify(template)
			require.NoError(t, err)
			assert.Equal(t, KindStatic, kind)

			v := k.AddPerCPUVar(name, testsupport.ULong, template)
			addr, err := r.Resolve(v, 2)
			require.NoError(t, err)
			assert.Equal(t, testBases[2]+0x30, addr)
		})
	}

	ranges, err := r.Ranges()
	require.NoError(t, err)
	assert.Equal(t, []Region{{0, 0x1000}, {start, 0x1000}}, ranges.Static)
}

func TestZeroBase(t *testing.T) {
	k := testsupport.NewKernel(testsupport.KernelConfig{
		Bases:      []libpf.Address{0x1000_0000, 0},
		PerCPUSize: staticSize,
	})
	r := New(k.Syms, k.Memory())
	v := k.AddPerCPUVar("runqueue", testsupport.ULong, 0x10)

	addrs, err := r.ResolveAll(v)
	require.NoError(t, err)
	assert.Equal(t, []libpf.Address{0x1000_0010, 0}, addrs)
}

func TestHighestCPU(t *testing.T) {
	bases := make([]libpf.Address, 8)
	for i := range bases {
		bases[i] = 0x1000_0000 * libpf.Address(i+1)
	}

	tests := map[string]struct {
		possible []uint
		noMask   bool
		want     int
	}{
		"all possible":   {possible: []uint{0, 1, 2, 3, 4, 5, 6, 7}, want: 7},
		"sparse":         {possible: []uint{0, 1, 5}, want: 5},
		"single":         {possible: []uint{0}, want: 0},
		"empty mask":     {want: 7},
		"no mask symbol": {noMask: true, want: 7},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			k := testsupport.NewKernel(testsupport.KernelConfig{
				Bases:      bases,
				PerCPUSize: staticSize,
			})
			k.SetCPUMask("possible", tc.possible...)
			if tc.noMask {
				delete(k.Syms.Vars, "__cpu_possible_mask")
				delete(k.Syms.Minimal, "__cpu_possible_mask")
			}
			r := New(k.Syms, k.Memory())

			highest, err := r.HighestCPU()
			require.NoError(t, err)
			assert.Equal(t, tc.want, highest)

			nrCPUs, err := r.NrCPUs()
			require.NoError(t, err)
			assert.Equal(t, len(bases), nrCPUs)

			addrs, err := r.ResolveAll(k.AddPerCPUVar("v", testsupport.ULong, 0x8))
			require.NoError(t, err)
			assert.Len(t, addrs, tc.want+1)
		})
	}
}

func TestModuleRefresh(t *testing.T) {
	k, r := newTestKernel(t)

	kind, err := r.Classify(0x80000)
	require.NoError(t, err)
	assert.Equal(t, KindNone, kind)

	k.AddModule("kvm", 0x80000, 0x200)
	kind, err = r.Classify(0x80000)
	require.NoError(t, err)
	assert.Equal(t, KindNone, kind, "module regions are kept until refreshed")

	require.NoError(t, r.RefreshModules())
	kind, err = r.Classify(0x80000)
	require.NoError(t, err)
	assert.Equal(t, KindModule, kind)

	ranges, err := r.Ranges()
	require.NoError(t, err)
	assert.Equal(t, []Region{{modulePerCPU, 0x100}, {0x80000, 0x200}}, ranges.Module)
}

func TestNoModules(t *testing.T) {
	k, _ := newTestKernel(t)
	delete(k.Syms.Vars, "modules")
	delete(k.Syms.Minimal, "modules")
	r := New(k.Syms, k.Memory())

	kind, err := r.Classify(modulePerCPU)
	require.NoError(t, err)
	assert.Equal(t, KindNone, kind)
}

func TestNoDynamicAllocator(t *testing.T) {
	tests := map[string]func(k *testsupport.Kernel){
		"no chunk lists": func(k *testsupport.Kernel) {
			delete(k.Syms.Vars, "pcpu_slot")
			delete(k.Syms.Minimal, "pcpu_slot")
		},
		"no base address": func(k *testsupport.Kernel) {
			delete(k.Syms.Vars, "pcpu_base_addr")
			delete(k.Syms.Minimal, "pcpu_base_addr")
		},
		"no chunk type": func(k *testsupport.Kernel) {
			delete(k.Syms.Types, "struct pcpu_chunk")
		},
	}
	for name, strip := range tests {
		t.Run(name, func(t *testing.T) {
			k, _ := newTestKernel(t)
			k.AddVar("jiffies", testsupport.ULong)
			strip(k)
			r := New(k.Syms, k.Memory())

			kind, err := r.Classify(dynamicChunk + 4)
			require.NoError(t, err)
			assert.Equal(t, KindNone, kind)

			kind, cpu, err := r.ClassifyAddress(testBases[1] + dynamicChunk + 4)
			require.NoError(t, err)
			assert.Equal(t, KindNone, kind)
			assert.Equal(t, -1, cpu)

			_, err = r.Resolve(k.Var("jiffies"), 0)
			require.ErrorIs(t, err, ErrPerCPUResolution)

			ranges, err := r.Ranges()
			require.NoError(t, err)
			assert.Empty(t, ranges.Dynamic)
			assert.NotEmpty(t, ranges.Static)
		})
	}
}

func TestDynamicRetriedWhilePending(t *testing.T) {
	k, r := newTestKernel(t)

	kind, err := r.Classify(modulePerCPU)
	require.NoError(t, err)
	assert.Equal(t, KindModule, kind)

	k.Syms.Pending = true
	_, err = r.Classify(dynamicChunk + 4)
	require.ErrorIs(t, err, symbols.ErrNotYetAvailable)

	k.Syms.Pending = false
	kind, err = r.Classify(dynamicChunk + 4)
	require.NoError(t, err)
	assert.Equal(t, KindDynamic, kind)
}

func TestChunkTypeLists(t *testing.T) {
	k := testsupport.NewKernel(testsupport.KernelConfig{
		Bases:          testBases,
		PerCPUSize:     staticSize,
		BitmapChunks:   true,
		NrSlots:        2,
		ChunkTypes:     2,
		ChunkListsName: "pcpu_chunk_lists",
	})
	// The last list belongs to the second chunk type.
	k.AddBitmapChunk(3, testsupport.DefaultPCPUBase+dynamicChunk, 1)
	r := New(k.Syms, k.Memory())

	ranges, err := r.Ranges()
	require.NoError(t, err)
	assert.Equal(t, []UsedExtent{{dynamicChunk, dynamicChunk + DefaultPageSize}},
		ranges.Dynamic)

	k = testsupport.NewKernel(testsupport.KernelConfig{
		Bases:      testBases,
		PerCPUSize: staticSize,
		ChunkTypes: 9,
	})
	_, err = New(k.Syms, k.Memory()).Classify(dynamicChunk)
	assert.ErrorContains(t, err, "PCPU_NR_CHUNK_TYPES")
}

func TestBitmapChunks(t *testing.T) {
	tests := map[string]struct {
		pageSize uint64
		wantEnd  libpf.Address
	}{
		"default page size": {wantEnd: dynamicChunk + 2*DefaultPageSize},
		"16k pages":         {pageSize: 16384, wantEnd: dynamicChunk + 2*16384},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			k := testsupport.NewKernel(testsupport.KernelConfig{
				Bases:          testBases,
				PerCPUSize:     staticSize,
				BitmapChunks:   true,
				ChunkListsName: "pcpu_chunk_lists",
			})
			k.AddBitmapChunk(0, testsupport.DefaultPCPUBase+dynamicChunk, 2)
			k.AddBitmapChunk(3, testsupport.DefaultPCPUBase+dynamicChunk, 0)
			r := New(k.Syms, k.Memory(), WithPageSize(tc.pageSize))

			ranges, err := r.Ranges()
			require.NoError(t, err)
			assert.Equal(t, []UsedExtent{{dynamicChunk, tc.wantEnd}}, ranges.Dynamic)

			kind, err := r.Classify(tc.wantEnd - 1)
			require.NoError(t, err)
			assert.Equal(t, KindDynamic, kind)
		})
	}
}

func TestAreaMapEncodingFromFirstChunk(t *testing.T) {
	k := testsupport.NewKernel(testsupport.KernelConfig{
		Bases:      testBases,
		PerCPUSize: staticSize,
	})
	k.AddAreaMapChunk(0, testsupport.DefaultPCPUBase+0x10000, 3, []int32{4, -4, 24})
	// Without negative entries this chunk is decoded like the first one.
	k.AddAreaMapChunk(2, testsupport.DefaultPCPUBase+0x20000, 2, []int32{8, 8})
	r := New(k.Syms, k.Memory())

	ranges, err := r.Ranges()
	require.NoError(t, err)
	assert.Equal(t, []UsedExtent{{0x10004, 0x10008}}, ranges.Dynamic)
	assert.Equal(t, mapEncodingMagnitude, r.encoding)
	assert.Equal(t, chunkFormatAreaMap, r.format)
}

func TestAreaMapEncodingAfterFreeChunk(t *testing.T) {
	k := testsupport.NewKernel(testsupport.KernelConfig{
		Bases:      testBases,
		PerCPUSize: staticSize,
	})
	k.AddAreaMapChunk(0, testsupport.DefaultPCPUBase+0x10000, 1, []int32{64})
	k.AddAreaMapChunk(2, testsupport.DefaultPCPUBase+0x20000, 3, []int32{4, -4, 24})
	r := New(k.Syms, k.Memory())

	ranges, err := r.Ranges()
	require.NoError(t, err)
	assert.Equal(t, []UsedExtent{{0x20004, 0x20008}}, ranges.Dynamic)
	assert.Equal(t, mapEncodingMagnitude, r.encoding)
}

func TestAreaMapSentinel(t *testing.T) {
	tests := map[string]struct {
		mapUsed int
		entries []int32
		want    []UsedExtent
		wantErr bool
	}{
		"free tail without sentinel": {
			mapUsed: 4,
			entries: []int32{0, 5, 9, 16},
			want:    []UsedExtent{{0x10004, 0x10010}},
		},
		"used tail with sentinel": {
			mapUsed: 3,
			entries: []int32{0, 5, 9, 33},
			want:    []UsedExtent{{0x10004, 0x10020}},
		},
		"used tail without sentinel": {
			mapUsed: 3,
			entries: []int32{0, 5, 9},
			wantErr: true,
		},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			k := testsupport.NewKernel(testsupport.KernelConfig{
				Bases:      testBases,
				PerCPUSize: staticSize,
			})
			k.AddAreaMapChunk(0, testsupport.DefaultPCPUBase+0x10000, tc.mapUsed, tc.entries)
			r := New(k.Syms, k.Memory())

			ranges, err := r.Ranges()
			if tc.wantErr {
				require.ErrorIs(t, err, testsupport.ErrUnmapped)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, ranges.Dynamic)
		})
	}
}

func TestClassifyAddressZeroBase(t *testing.T) {
	k := testsupport.NewKernel(testsupport.KernelConfig{
		Bases:      []libpf.Address{0x1000_0000, 0},
		PerCPUSize: staticSize,
	})
	k.AddModule("xfs", modulePerCPU, 0x100)
	k.AddAreaMapChunk(1, testsupport.DefaultPCPUBase+dynamicChunk, 4,
		[]int32{0, 5, 9, 16})
	r := New(k.Syms, k.Memory())

	tests := map[string]struct {
		addr libpf.Address
		kind Kind
		cpu  int
	}{
		"static template":  {addr: 0x10, kind: KindNone, cpu: -1},
		"module template":  {addr: modulePerCPU + 0x10, kind: KindNone, cpu: -1},
		"dynamic template": {addr: dynamicChunk + 8, kind: KindNone, cpu: -1},
		"static instance":  {addr: 0x1000_0010, kind: KindStatic, cpu: 0},
		"dynamic instance": {addr: 0x1000_0000 + dynamicChunk + 8, kind: KindDynamic, cpu: 0},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			kind, cpu, err := r.ClassifyAddress(tc.addr)
			require.NoError(t, err)
			assert.Equal(t, tc.kind, kind)
			assert.Equal(t, tc.cpu, cpu)
		})
	}

	ok, err := r.IsStaticAddress(0x10)
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = r.IsModuleAddress(modulePerCPU)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestUnsupportedChunkFormat(t *testing.T) {
	k, _ := newTestKernel(t)
	k.Syms.AddType(ktype.Struct("pcpu_chunk", 24,
		ktype.Member{Name: "list", Type: k.ListHead, Offset: 0}))
	r := New(k.Syms, k.Memory())

	kind, err := r.Classify(0x10)
	require.NoError(t, err)
	assert.Equal(t, KindStatic, kind)

	_, err = r.Classify(dynamicChunk + 4)
	assert.ErrorIs(t, err, ErrUnsupportedChunkFormat)
}

func TestPerCPUCounterSum(t *testing.T) {
	k, r := newTestKernel(t)
	counter := k.AddPerCPUCounter(5, dynamicChunk+4, []int32{2, -1, 3, 0})

	before := metrics.Snapshot()[metrics.IDPerCPUCounterSums]
	sum, err := r.PerCPUCounterSum(counter)
	require.NoError(t, err)
	assert.Equal(t, int64(9), sum)

	ptr, err := counter.AddressOf()
	require.NoError(t, err)
	sum, err = r.PerCPUCounterSum(ptr)
	require.NoError(t, err)
	assert.Equal(t, int64(9), sum)
	after := metrics.Snapshot()[metrics.IDPerCPUCounterSums]
	assert.Equal(t, metrics.MetricValue(2), after-before)

	_, err = r.PerCPUCounterSum(k.Var("modules"))
	assert.ErrorIs(t, err, ErrNotPerCPUCounter)
	_, err = r.PerCPUCounterSum(k.Var("pcpu_base_addr"))
	assert.ErrorIs(t, err, ErrNotPerCPUCounter)
}

func TestPerCPUCounterSkipsMissingCPUs(t *testing.T) {
	k := testsupport.NewKernel(testsupport.KernelConfig{
		Bases:      []libpf.Address{0x1000_0000, 0x2000_0000, 0},
		PerCPUSize: staticSize,
	})
	counter := k.AddPerCPUCounter(-4, 0x40, []int32{10, 20})
	r := New(k.Syms, k.Memory())

	sum, err := r.PerCPUCounterSum(counter)
	require.NoError(t, err)
	assert.Equal(t, int64(26), sum)
}

func TestNotYetAvailable(t *testing.T) {
	k, r := newTestKernel(t)
	v := k.AddPerCPUVar("runqueue", testsupport.ULong, 0x10)
	k.Syms.Pending = true

	_, err := r.Classify(0x10)
	require.ErrorIs(t, err, symbols.ErrNotYetAvailable)
	_, err = r.Resolve(v, 0)
	require.ErrorIs(t, err, symbols.ErrNotYetAvailable)
	assert.False(t, errors.Is(err, ErrPerCPUResolution))

	k.Syms.Pending = false
	addr, err := r.Resolve(v, 0)
	require.NoError(t, err)
	assert.Equal(t, testBases[0]+0x10, addr)
}

func TestRangesJSON(t *testing.T) {
	_, r := newTestKernel(t)
	ranges, err := r.Ranges()
	require.NoError(t, err)

	data, err := json.Marshal(ranges)
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"static": [{"offset": "0x0", "size": 256}],
		"module": [{"offset": "0x40000", "size": 256}],
		"dynamic": [{"start": "0x10004", "end": "0x10010"}]
	}`, string(data))

	data, err = json.Marshal(map[string]Kind{"k": KindDynamic})
	require.NoError(t, err)
	assert.JSONEq(t, `{"k": "dynamic"}`, string(data))
}
