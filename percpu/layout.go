// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package percpu // import "go.opentelemetry.io/kcrash/percpu"

import (
	"errors"
	"fmt"

	log "github.com/sirupsen/logrus"

	"go.opentelemetry.io/kcrash/kernel"
	"go.opentelemetry.io/kcrash/ktype"
	"go.opentelemetry.io/kcrash/libpf"
	"go.opentelemetry.io/kcrash/metrics"
	"go.opentelemetry.io/kcrash/symbols"
)

// Region is a range of per-CPU storage relative to a CPU's base.
type Region struct {
	Offset libpf.Address `json:"offset"`
	Size   uint64        `json:"size"`
}

// Contains reports whether the template address lies in the region.
func (r Region) Contains(addr libpf.Address) bool {
	return addr.Contains(r.Offset, r.Size)
}

// layout is the static per-CPU region together with the per-CPU offset table.
type layout struct {
	perCPUStart libpf.Address
	// static maps region offsets to sizes. The region appears at offset 0
	// and, for kernels whose section does not start at 0, at its link address.
	static map[libpf.Address]uint64
	// bases is __per_cpu_offset: the base address of each CPU's area.
	bases []libpf.Address
	// ncpus is the number of CPUs considered when no CPU is given.
	ncpus int
}

// getLayout returns the layout, building it on first use. A failed build is
// retried on the next call.
func (r *Resolver) getLayout() (*layout, error) {
	if r.layout != nil {
		return r.layout, nil
	}

	start, err := r.syms.ResolveMinimalSymbol("__per_cpu_start")
	if err != nil {
		return nil, err
	}
	end, err := r.syms.ResolveMinimalSymbol("__per_cpu_end")
	if err != nil {
		return nil, err
	}
	size := uint64(end - start)
	l := &layout{
		perCPUStart: start,
		static:      map[libpf.Address]uint64{0: size},
	}
	if start != 0 {
		l.static[start] = size
	}

	offsets, err := r.syms.ResolveSymbol("__per_cpu_offset")
	if err != nil {
		return nil, err
	}
	if offsets.Type.Kind != ktype.KindArray || offsets.Type.Len == 0 {
		return nil, fmt.Errorf("unexpected type %s of __per_cpu_offset", offsets.Type)
	}
	addr, _ := offsets.Address()
	words, err := r.mem.Words(addr, int(offsets.Type.Len))
	if err != nil {
		return nil, fmt.Errorf("failed to read __per_cpu_offset: %w", err)
	}
	l.bases = make([]libpf.Address, len(words))
	for i, w := range words {
		l.bases[i] = libpf.Address(w)
	}

	// The possible mask only narrows the scan, the table bounds it.
	l.ncpus = len(l.bases)
	highest, err := kernel.HighestPossibleCPU(r.syms, r.mem)
	switch {
	case err == nil:
		l.ncpus = min(l.ncpus, int(highest)+1)
	case errors.Is(err, symbols.ErrNotYetAvailable):
		return nil, err
	default:
		log.Debugf("No possible CPU mask, considering all %d CPUs: %v", l.ncpus, err)
	}

	log.Debugf("Static per-CPU area at %s, %d bytes, %d CPUs", start, size, l.ncpus)
	r.layout = l
	return l, nil
}

// getModules returns the module regions, reading them on first use.
func (r *Resolver) getModules() (map[libpf.Address]uint64, error) {
	if r.modules == nil {
		if err := r.RefreshModules(); err != nil {
			return nil, err
		}
	}
	return r.modules, nil
}

// RefreshModules re-reads the per-CPU regions of the loaded modules. It must
// be called explicitly when the module list may have changed.
func (r *Resolver) RefreshModules() error {
	modules := make(map[libpf.Address]uint64)
	for mod, err := range kernel.ForEachModule(r.syms, r.mem) {
		if err != nil {
			if errors.Is(err, symbols.ErrNoSymbol) || errors.Is(err, symbols.ErrNoType) {
				log.Debugf("No module information: %v", err)
				break
			}
			return err
		}
		start, err := fieldUint(r.mem, mod, "percpu")
		if err != nil {
			return err
		}
		if start == 0 {
			continue
		}
		size, err := fieldUint(r.mem, mod, "percpu_size")
		if err != nil {
			return err
		}
		modules[libpf.Address(start)] = size
	}
	metrics.Add(metrics.IDPerCPUModuleRegions, metrics.MetricValue(len(modules)))
	r.modules = modules
	return nil
}

// fieldUint reads an integer or pointer member of v.
func fieldUint(mem ktype.Reader, v ktype.Value, name string) (uint64, error) {
	f, err := v.Field(name)
	if err != nil {
		return 0, err
	}
	return f.Uint(mem)
}

// inRegions reports whether addr is inside any of the regions.
func inRegions(regions map[libpf.Address]uint64, addr libpf.Address) bool {
	for offset, size := range regions {
		if addr.Contains(offset, size) {
			return true
		}
	}
	return false
}

// instanceCPU returns the first CPU whose instance of any region contains
// addr, or -1. CPUs without a base have no instances.
func (l *layout) instanceCPU(regions map[libpf.Address]uint64, addr libpf.Address) int {
	for offset, size := range regions {
		for cpu := range l.ncpus {
			if l.bases[cpu] == 0 {
				continue
			}
			if addr.Contains(l.bases[cpu]+offset, size) {
				return cpu
			}
		}
	}
	return -1
}

// relocatedOffset converts a template address into the offset from a CPU's
// base. Templates inside the static section at its link address are made
// relative to the section start.
func (l *layout) relocatedOffset(addr libpf.Address) libpf.Address {
	if addr.Contains(l.perCPUStart, l.static[l.perCPUStart]) {
		return addr - l.perCPUStart
	}
	return addr
}

func (r *Resolver) isStaticVar(addr libpf.Address) (bool, error) {
	l, err := r.getLayout()
	if err != nil {
		return false, err
	}
	return inRegions(l.static, addr), nil
}

func (r *Resolver) isModuleVar(addr libpf.Address) (bool, error) {
	modules, err := r.getModules()
	if err != nil {
		return false, err
	}
	return inRegions(modules, addr), nil
}

// IsStaticAddress reports whether addr lies in some CPU's instance of the
// static per-CPU region.
func (r *Resolver) IsStaticAddress(addr libpf.Address) (bool, error) {
	l, err := r.getLayout()
	if err != nil {
		return false, err
	}
	return l.instanceCPU(l.static, addr) >= 0, nil
}

// IsModuleAddress reports whether addr lies in some CPU's instance of a
// module per-CPU region.
func (r *Resolver) IsModuleAddress(addr libpf.Address) (bool, error) {
	l, err := r.getLayout()
	if err != nil {
		return false, err
	}
	modules, err := r.getModules()
	if err != nil {
		return false, err
	}
	return l.instanceCPU(modules, addr) >= 0, nil
}

// HighestCPU returns the highest CPU number considered when resolving for
// all CPUs.
func (r *Resolver) HighestCPU() (int, error) {
	l, err := r.getLayout()
	if err != nil {
		return 0, err
	}
	return l.ncpus - 1, nil
}

// NrCPUs returns the length of the per-CPU offset table.
func (r *Resolver) NrCPUs() (int, error) {
	l, err := r.getLayout()
	if err != nil {
		return 0, err
	}
	return len(l.bases), nil
}
