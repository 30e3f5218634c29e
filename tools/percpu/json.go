// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"

	"go.opentelemetry.io/kcrash/libpf"
)

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	return enc.Encode(v)
}

// parseAddress parses a hexadecimal address with optional 0x prefix.
func parseAddress(s string) (libpf.Address, error) {
	s = strings.TrimPrefix(strings.ToLower(s), "0x")
	addr, err := strconv.ParseUint(s, 16, 64)
	if err != nil {
		return 0, fmt.Errorf("failed to parse address '%s': %v", s, err)
	}
	return libpf.Address(addr), nil
}
