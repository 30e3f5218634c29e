// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package kernel

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.opentelemetry.io/kcrash/ktype"
	"go.opentelemetry.io/kcrash/libpf"
	"go.opentelemetry.io/kcrash/symbols"
	"go.opentelemetry.io/kcrash/testsupport"
)

func newKernel(ncpus int) *testsupport.Kernel {
	bases := make([]libpf.Address, ncpus)
	for i := range bases {
		bases[i] = 0xffff88807fc00000 + libpf.Address(i)*0x40000
	}
	return testsupport.NewKernel(testsupport.KernelConfig{
		Bases:      bases,
		PerCPUSize: 0x2c000,
	})
}

func TestForEachModule(t *testing.T) {
	k := newKernel(2)
	mods := []libpf.Address{
		k.AddModule("xfs", 0xffffe8ffffd00000, 0x100),
		k.AddModule("ext4", 0, 0),
		k.AddModule("kvm", 0xffffe8ffffd01000, 0x2000),
	}

	var got []libpf.Address
	for mod, err := range ForEachModule(k.Syms, k.Memory()) {
		require.NoError(t, err)
		addr, ok := mod.Address()
		require.True(t, ok)
		assert.Equal(t, k.Module, mod.Type)
		got = append(got, addr)
	}
	assert.Equal(t, mods, got)
}

func TestForEachModuleEarlyStop(t *testing.T) {
	k := newKernel(1)
	k.AddModule("xfs", 0xffffe8ffffd00000, 0x100)
	k.AddModule("kvm", 0xffffe8ffffd01000, 0x2000)

	n := 0
	for _, err := range ForEachModule(k.Syms, k.Memory()) {
		require.NoError(t, err)
		n++
		break
	}
	assert.Equal(t, 1, n)
}

func TestListErrors(t *testing.T) {
	tests := map[string]struct {
		corrupt func(k *testsupport.Kernel, head, node libpf.Address)
		wantErr error
	}{
		"loop without head": {
			corrupt: func(k *testsupport.Kernel, _, node libpf.Address) {
				k.PutPtr(node, node)
			},
			wantErr: ErrCorruptList,
		},
		"nil next": {
			corrupt: func(k *testsupport.Kernel, _, node libpf.Address) {
				k.PutPtr(node, 0)
			},
			wantErr: ErrCorruptList,
		},
		"unmapped next": {
			corrupt: func(k *testsupport.Kernel, _, node libpf.Address) {
				k.PutPtr(node, 0x1000)
			},
			wantErr: testsupport.ErrUnmapped,
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			k := newKernel(1)
			mod := k.AddModule("xfs", 0, 0)
			listOffset, ok := k.Module.Member("list")
			require.True(t, ok)
			head := k.Syms.Minimal["modules"]
			tc.corrupt(k, head, mod+libpf.Address(listOffset.Offset))

			var err error
			for _, err = range ForEachModule(k.Syms, k.Memory()) {
				if err != nil {
					break
				}
			}
			require.ErrorIs(t, err, tc.wantErr)
		})
	}
}

func TestListBadMember(t *testing.T) {
	k := newKernel(1)
	head := k.Var("modules")
	for _, err := range ListForEachEntry(k.Memory(), head, k.Module, "missing") {
		require.ErrorIs(t, err, ktype.ErrNoMember)
	}
	for _, err := range ListForEachEntry(k.Memory(), ktype.Scalar(k.ListHead, 0), k.Module, "list") {
		require.ErrorIs(t, err, ktype.ErrNotAddressable)
	}
}

func TestCPUMasks(t *testing.T) {
	k := newKernel(8)
	k.SetCPUMask("online", 0, 2, 5)

	online, err := OnlineCPUs(k.Syms, k.Memory())
	require.NoError(t, err)
	assert.Equal(t, []uint{0, 2, 5}, online)

	possible, err := PossibleCPUs(k.Syms, k.Memory())
	require.NoError(t, err)
	assert.Equal(t, []uint{0, 1, 2, 3, 4, 5, 6, 7}, possible)

	highest, err := HighestOnlineCPU(k.Syms, k.Memory())
	require.NoError(t, err)
	assert.Equal(t, uint(5), highest)

	highest, err = HighestPossibleCPU(k.Syms, k.Memory())
	require.NoError(t, err)
	assert.Equal(t, uint(7), highest)

	k.SetCPUMask("online")
	_, err = HighestOnlineCPU(k.Syms, k.Memory())
	assert.ErrorIs(t, err, ErrNoCPUs)
}

func TestCPUMaskPointerFallback(t *testing.T) {
	k := newKernel(4)
	k.SetCPUMask("possible", 0, 1, 3)
	mask := k.Syms.Minimal["__cpu_possible_mask"]
	delete(k.Syms.Vars, "__cpu_possible_mask")
	delete(k.Syms.Minimal, "__cpu_possible_mask")

	ptr := k.AddVar("cpu_possible_mask", ktype.PointerTo(k.CPUMask))
	k.PutPtr(ptr, mask)

	possible, err := PossibleCPUs(k.Syms, k.Memory())
	require.NoError(t, err)
	assert.Equal(t, []uint{0, 1, 3}, possible)
}

func TestNotYetAvailable(t *testing.T) {
	k := newKernel(2)
	k.Syms.Pending = true

	_, err := PossibleCPUs(k.Syms, k.Memory())
	assert.ErrorIs(t, err, symbols.ErrNotYetAvailable)

	for _, err := range ForEachModule(k.Syms, k.Memory()) {
		assert.ErrorIs(t, err, symbols.ErrNotYetAvailable)
	}
}
