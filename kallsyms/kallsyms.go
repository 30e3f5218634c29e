// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package kallsyms provides functionality for reading /proc/kallsyms and
// System.map files and looking up kernel symbol addresses.
package kallsyms // import "go.opentelemetry.io/kcrash/kallsyms"

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"

	log "github.com/sirupsen/logrus"

	"go.opentelemetry.io/kcrash/libpf"
)

// Kernel is the internal name for "module" containing the built-in symbols
const Kernel = "vmlinux"

var ErrSymbolPermissions = errors.New("unable to read kallsyms addresses - check capabilities")

var ErrNoSymbol = errors.New("symbol not found")

// Symbol is one entry of the symbol table.
type Symbol struct {
	Name    string
	Address libpf.Address
	// Type is the nm(1) symbol type character.
	Type byte
	// Module is the owning module, Kernel for built-in symbols.
	Module string
}

// IsAbsolute reports whether the symbol value is not relocated with the
// kernel. Per-CPU symbols of zero based per-CPU areas are absolute.
func (s Symbol) IsAbsolute() bool {
	return s.Type == 'A' || s.Type == 'a'
}

// Table holds the symbols of one kernel. The zero value is empty.
type Table struct {
	// symbols is sorted by address.
	symbols []Symbol
	byName  map[string]Symbol
}

// NewTable creates and returns a new empty symbol table.
func NewTable() *Table {
	return &Table{byName: make(map[string]Symbol)}
}

// Load replaces the table contents with the symbols read from the named
// file, which can be /proc/kallsyms or a System.map.
func (t *Table) Load(name string) error {
	file, err := os.Open(name)
	if err != nil {
		return fmt.Errorf("unable to open symbols: %v", err)
	}
	defer file.Close()

	if err = t.LoadFrom(file); err != nil {
		return fmt.Errorf("failed to parse %s: %w", name, err)
	}
	log.Debugf("Loaded %d symbols from %s", len(t.symbols), name)
	return nil
}

// LoadFrom parses the data from the reader 'r'. The table is updated only if
// the input data is parsed successfully. When a name is defined more than
// once, the first definition wins.
func (t *Table) LoadFrom(r io.Reader) error {
	syms := make([]Symbol, 0, 1024)
	byName := make(map[string]Symbol)
	noAddresses := true

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 3 || len(fields[1]) != 1 {
			return fmt.Errorf("unexpected line in symbol table: '%s'", line)
		}

		address, err := strconv.ParseUint(fields[0], 16, 64)
		if err != nil {
			return fmt.Errorf("failed to parse address value: '%s'", fields[0])
		}
		if address != 0 {
			noAddresses = false
		}

		moduleName := Kernel
		if len(fields) > 3 {
			moduleName = fields[3]
			if len(moduleName) < 2 || moduleName[0] != '[' ||
				moduleName[len(moduleName)-1] != ']' {
				return fmt.Errorf("failed to parse module name: '%s'", moduleName)
			}
			moduleName = moduleName[1 : len(moduleName)-1]
		}

		sym := Symbol{
			Name:    fields[2],
			Address: libpf.Address(address),
			Type:    fields[1][0],
			Module:  moduleName,
		}
		syms = append(syms, sym)
		if _, ok := byName[sym.Name]; !ok {
			byName[sym.Name] = sym
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	if len(syms) > 0 && noAddresses {
		return ErrSymbolPermissions
	}

	sort.SliceStable(syms, func(i, j int) bool {
		return syms[i].Address < syms[j].Address
	})
	t.symbols = syms
	t.byName = byName
	return nil
}

// Relocate adds offset to every symbol that moves with the kernel image.
// It is used to apply the KASLR offset to a System.map.
func (t *Table) Relocate(offset libpf.Address) {
	if offset == 0 {
		return
	}
	for i := range t.symbols {
		if !t.symbols[i].IsAbsolute() {
			t.symbols[i].Address += offset
		}
	}
	for name, sym := range t.byName {
		if !sym.IsAbsolute() {
			sym.Address += offset
			t.byName[name] = sym
		}
	}
	sort.SliceStable(t.symbols, func(i, j int) bool {
		return t.symbols[i].Address < t.symbols[j].Address
	})
}

// Len returns the number of symbols in the table.
func (t *Table) Len() int {
	return len(t.symbols)
}

// Symbol returns the symbol called name.
func (t *Table) Symbol(name string) (Symbol, bool) {
	sym, ok := t.byName[name]
	return sym, ok
}

// LookupSymbol finds the address of the symbol with 'name'.
func (t *Table) LookupSymbol(name string) (libpf.Address, error) {
	if sym, ok := t.byName[name]; ok {
		return sym.Address, nil
	}
	return 0, ErrNoSymbol
}

// LookupSymbolByAddress resolves addr to the closest preceding symbol and the
// offset from it.
func (t *Table) LookupSymbolByAddress(addr libpf.Address) (Symbol, uint64, error) {
	idx := sort.Search(len(t.symbols), func(i int) bool {
		return t.symbols[i].Address > addr
	})
	if idx == 0 {
		return Symbol{}, 0, ErrNoSymbol
	}
	sym := t.symbols[idx-1]
	return sym, uint64(addr - sym.Address), nil
}
