// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package testsupport // import "go.opentelemetry.io/kcrash/testsupport"

import (
	"fmt"
	"strings"

	"go.opentelemetry.io/kcrash/ktype"
	"go.opentelemetry.io/kcrash/libpf"
	"go.opentelemetry.io/kcrash/symbols"
)

// Symbols is a symbols.Resolver serving hand registered types and symbols.
type Symbols struct {
	Types   map[string]*ktype.Type
	Vars    map[string]*ktype.Type
	Minimal map[string]libpf.Address
	// Pending makes every query fail with symbols.ErrNotYetAvailable.
	Pending bool
}

var _ symbols.Resolver = &Symbols{}

// NewSymbols returns an empty resolver.
func NewSymbols() *Symbols {
	return &Symbols{
		Types:   make(map[string]*ktype.Type),
		Vars:    make(map[string]*ktype.Type),
		Minimal: make(map[string]libpf.Address),
	}
}

// AddType registers t under its C spelling.
func (s *Symbols) AddType(t *ktype.Type) {
	s.Types[t.String()] = t
}

// AddVar registers a typed global variable at addr.
func (s *Symbols) AddVar(name string, t *ktype.Type, addr libpf.Address) {
	s.Vars[name] = t
	s.Minimal[name] = addr
}

// AddMinimal registers an untyped symbol.
func (s *Symbols) AddMinimal(name string, addr libpf.Address) {
	s.Minimal[name] = addr
}

// ResolveType implements symbols.Resolver.
func (s *Symbols) ResolveType(name string) (*ktype.Type, error) {
	if s.Pending {
		return nil, symbols.ErrNotYetAvailable
	}
	base := strings.TrimRight(name, " *")
	t, ok := s.Types[base]
	if !ok {
		return nil, fmt.Errorf("%s: %w", name, symbols.ErrNoType)
	}
	for range strings.Count(name[len(base):], "*") {
		t = ktype.PointerTo(t)
	}
	return t, nil
}

// ResolveSymbol implements symbols.Resolver.
func (s *Symbols) ResolveSymbol(name string) (ktype.Value, error) {
	if s.Pending {
		return ktype.Value{}, symbols.ErrNotYetAvailable
	}
	t, ok := s.Vars[name]
	if !ok {
		return ktype.Value{}, fmt.Errorf("%s: %w", name, symbols.ErrNoSymbol)
	}
	return ktype.At(t, s.Minimal[name]).Named(name), nil
}

// ResolveMinimalSymbol implements symbols.Resolver.
func (s *Symbols) ResolveMinimalSymbol(name string) (libpf.Address, error) {
	if s.Pending {
		return 0, symbols.ErrNotYetAvailable
	}
	addr, ok := s.Minimal[name]
	if !ok {
		return 0, fmt.Errorf("%s: %w", name, symbols.ErrNoSymbol)
	}
	return addr, nil
}
