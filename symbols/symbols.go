// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package symbols resolves kernel types, typed global variables and minimal
// (ELF or kallsyms) symbols of a crashed kernel.
package symbols // import "go.opentelemetry.io/kcrash/symbols"

import (
	"errors"

	"go.opentelemetry.io/kcrash/ktype"
	"go.opentelemetry.io/kcrash/libpf"
)

var (
	// ErrNotYetAvailable is returned while debug information is still loading.
	// Callers may retry the operation later.
	ErrNotYetAvailable = errors.New("debug information not yet available")
	// ErrNoSymbol is returned for unknown symbols.
	ErrNoSymbol = errors.New("symbol not found")
	// ErrNoType is returned for unknown types.
	ErrNoType = errors.New("type not found")
)

// Resolver provides symbol and type information about the inspected kernel.
type Resolver interface {
	// ResolveType returns the layout of the named type, spelled as in C
	// ("struct pcpu_chunk", "unsigned long").
	ResolveType(name string) (*ktype.Type, error)
	// ResolveSymbol returns the typed global variable called name.
	ResolveSymbol(name string) (ktype.Value, error)
	// ResolveMinimalSymbol returns the address of a symbol that may carry no
	// type information, such as linker generated section markers.
	ResolveMinimalSymbol(name string) (libpf.Address, error)
}

// MinimalSource supplies addresses of untyped symbols. Both kallsyms.Table
// and vmcore.Core implement it.
type MinimalSource interface {
	LookupSymbol(name string) (libpf.Address, error)
}
