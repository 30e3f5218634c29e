// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package kernel // import "go.opentelemetry.io/kcrash/kernel"

import (
	"iter"

	"go.opentelemetry.io/kcrash/ktype"
	"go.opentelemetry.io/kcrash/symbols"
)

// ForEachModule iterates over the struct module entries of the loaded
// modules list.
func ForEachModule(syms symbols.Resolver, mem ktype.Reader) iter.Seq2[ktype.Value, error] {
	return func(yield func(ktype.Value, error) bool) {
		modules, err := syms.ResolveSymbol("modules")
		if err != nil {
			yield(ktype.Value{}, err)
			return
		}
		modType, err := syms.ResolveType("struct module")
		if err != nil {
			yield(ktype.Value{}, err)
			return
		}
		for mod, err := range ListForEachEntry(mem, modules, modType, "list") {
			if !yield(mod, err) {
				return
			}
		}
	}
}
