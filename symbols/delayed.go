// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package symbols // import "go.opentelemetry.io/kcrash/symbols"

import (
	"context"
	"fmt"
	"time"

	"github.com/cilium/ebpf/btf"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"go.opentelemetry.io/kcrash/kallsyms"
	"go.opentelemetry.io/kcrash/ktype"
	"go.opentelemetry.io/kcrash/libpf"
)

// LoaderConfig selects the debug information of a kernel.
type LoaderConfig struct {
	// BTFPath is a raw BTF file or an ELF image with a .BTF section. Empty
	// disables type information beyond the built-in layouts.
	BTFPath string
	// SymbolsPath is a /proc/kallsyms copy or a System.map. Empty disables it.
	SymbolsPath string
	// KernelOffset is added to relocatable symbols read from SymbolsPath.
	KernelOffset libpf.Address
	// NrCPUs is the length of arrays indexed by CPU number.
	NrCPUs uint64
	// Extra are additional minimal symbol sources consulted after SymbolsPath,
	// such as the VMCOREINFO of a dump.
	Extra []MinimalSource
}

// Load reads the configured debug information concurrently and returns
// the resulting Table.
func Load(ctx context.Context, cfg LoaderConfig) (*Table, error) {
	var spec *btf.Spec
	var syms *kallsyms.Table

	g, _ := errgroup.WithContext(ctx)
	if cfg.BTFPath != "" {
		g.Go(func() error {
			var err error
			spec, err = LoadBTF(cfg.BTFPath)
			return err
		})
	}
	if cfg.SymbolsPath != "" {
		g.Go(func() error {
			syms = kallsyms.NewTable()
			if err := syms.Load(cfg.SymbolsPath); err != nil {
				return err
			}
			syms.Relocate(cfg.KernelOffset)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	sources := make([]MinimalSource, 0, len(cfg.Extra)+1)
	if syms != nil {
		sources = append(sources, syms)
	}
	sources = append(sources, cfg.Extra...)
	return NewTable(spec, cfg.NrCPUs, sources...)
}

// Delayed is a Resolver whose debug information loads in the background.
// Until loading completes every query fails with ErrNotYetAvailable.
type Delayed struct {
	id   uuid.UUID
	done chan libpf.Void

	// table and err are written once before done is closed.
	table *Table
	err   error
}

var _ Resolver = &Delayed{}

// NewDelayed starts loading the debug information described by cfg.
func NewDelayed(ctx context.Context, cfg LoaderConfig) *Delayed {
	return newDelayed(ctx, func(ctx context.Context) (*Table, error) {
		return Load(ctx, cfg)
	})
}

func newDelayed(ctx context.Context, load func(context.Context) (*Table, error)) *Delayed {
	d := &Delayed{
		id:   uuid.New(),
		done: make(chan libpf.Void),
	}
	go func() {
		start := time.Now()
		d.table, d.err = load(ctx)
		if d.err != nil {
			log.Warnf("Session %s: failed to load debug information: %v", d.id, d.err)
		} else {
			log.Debugf("Session %s: debug information loaded in %v", d.id, time.Since(start))
		}
		close(d.done)
	}()
	return d
}

// ID identifies the loading session in log messages.
func (d *Delayed) ID() uuid.UUID {
	return d.id
}

// Wait blocks until loading completes or ctx is done.
func (d *Delayed) Wait(ctx context.Context) error {
	select {
	case <-d.done:
		return d.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// get returns the loaded table, or ErrNotYetAvailable.
func (d *Delayed) get() (*Table, error) {
	select {
	case <-d.done:
		if d.err != nil {
			return nil, fmt.Errorf("debug information unavailable: %w", d.err)
		}
		return d.table, nil
	default:
		return nil, ErrNotYetAvailable
	}
}

// ResolveType implements Resolver.
func (d *Delayed) ResolveType(name string) (*ktype.Type, error) {
	t, err := d.get()
	if err != nil {
		return nil, err
	}
	return t.ResolveType(name)
}

// ResolveSymbol implements Resolver.
func (d *Delayed) ResolveSymbol(name string) (ktype.Value, error) {
	t, err := d.get()
	if err != nil {
		return ktype.Value{}, err
	}
	return t.ResolveSymbol(name)
}

// ResolveMinimalSymbol implements Resolver.
func (d *Delayed) ResolveMinimalSymbol(name string) (libpf.Address, error) {
	t, err := d.get()
	if err != nil {
		return 0, err
	}
	return t.ResolveMinimalSymbol(name)
}
