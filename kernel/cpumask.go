// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package kernel // import "go.opentelemetry.io/kcrash/kernel"

import (
	"errors"
	"fmt"
	"slices"

	"go.opentelemetry.io/kcrash/bitmap"
	"go.opentelemetry.io/kcrash/ktype"
	"go.opentelemetry.io/kcrash/symbols"
)

// ErrNoCPUs is returned for CPU masks without any bit set.
var ErrNoCPUs = errors.New("empty CPU mask")

// loadCPUMask reads the named mask. Kernels since 4.5 export the mask itself
// as __cpu_<name>_mask, older ones a pointer called cpu_<name>_mask.
func loadCPUMask(syms symbols.Resolver, mem ktype.Reader, name string) ([]uint64, uint, error) {
	mask, err := syms.ResolveSymbol("__cpu_" + name + "_mask")
	if errors.Is(err, symbols.ErrNoSymbol) {
		var ptr ktype.Value
		if ptr, err = syms.ResolveSymbol("cpu_" + name + "_mask"); err == nil {
			mask, err = ptr.Deref(mem)
		}
	}
	if err != nil {
		return nil, 0, fmt.Errorf("failed to resolve %s CPU mask: %w", name, err)
	}
	bits, err := mask.Field("bits")
	if err != nil {
		return nil, 0, err
	}
	words, err := bitmap.Load(mem, bits, 0)
	if err != nil {
		return nil, 0, err
	}
	return words, uint(bits.Type.Size), nil
}

func cpus(syms symbols.Resolver, mem ktype.Reader, name string) ([]uint, error) {
	words, size, err := loadCPUMask(syms, mem, name)
	if err != nil {
		return nil, err
	}
	return slices.Collect(bitmap.ForEachSetBit(words, size)), nil
}

// OnlineCPUs returns the CPUs that were online, in ascending order.
func OnlineCPUs(syms symbols.Resolver, mem ktype.Reader) ([]uint, error) {
	return cpus(syms, mem, "online")
}

// PossibleCPUs returns the CPUs that could ever be brought online, in
// ascending order.
func PossibleCPUs(syms symbols.Resolver, mem ktype.Reader) ([]uint, error) {
	return cpus(syms, mem, "possible")
}

func highest(syms symbols.Resolver, mem ktype.Reader, name string) (uint, error) {
	words, size, err := loadCPUMask(syms, mem, name)
	if err != nil {
		return 0, err
	}
	last := bitmap.FindLastSetBit(words, size)
	if last == 0 {
		return 0, fmt.Errorf("%s: %w", name, ErrNoCPUs)
	}
	return last - 1, nil
}

// HighestOnlineCPU returns the number of the highest online CPU.
func HighestOnlineCPU(syms symbols.Resolver, mem ktype.Reader) (uint, error) {
	return highest(syms, mem, "online")
}

// HighestPossibleCPU returns the number of the highest possible CPU.
func HighestPossibleCPU(syms symbols.Resolver, mem ktype.Reader) (uint, error) {
	return highest(syms, mem, "possible")
}
