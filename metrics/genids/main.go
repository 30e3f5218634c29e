// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// genids generates the MetricID constants of ids.go from metrics.json.
package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"go/format"
	"os"
	"slices"
)

type metricDef struct {
	Description string `json:"description"`
	MetricType  string `json:"type"`
	Name        string `json:"name"`
	FieldName   string `json:"field"`
	Unit        string `json:"unit"`
	ID          uint32 `json:"id"`
	Obsolete    bool   `json:"obsolete"`
}

// validate rejects definitions that would produce clashing or unusable
// constants. Entry 0 is the invalid placeholder and has no field.
func validate(defs []metricDef) error {
	seenIDs := make(map[uint32]string, len(defs))
	seenNames := make(map[string]struct{}, len(defs))
	for _, d := range defs {
		if d.Name == "" {
			return fmt.Errorf("metric %d has no name", d.ID)
		}
		if other, ok := seenIDs[d.ID]; ok {
			return fmt.Errorf("metrics %s and %s share ID %d", other, d.Name, d.ID)
		}
		if _, ok := seenNames[d.Name]; ok {
			return fmt.Errorf("metric name %s is used twice", d.Name)
		}
		seenIDs[d.ID] = d.Name
		seenNames[d.Name] = struct{}{}
		if d.ID != 0 && !d.Obsolete && d.MetricType != "counter" {
			return fmt.Errorf("metric %s: unsupported type %q", d.Name, d.MetricType)
		}
	}
	if _, ok := seenIDs[0]; !ok {
		return errors.New("missing the invalid metric with ID 0")
	}
	return nil
}

func generate(defs []metricDef) ([]byte, error) {
	slices.SortFunc(defs, func(a, b metricDef) int {
		return int(a.ID) - int(b.ID)
	})

	var out bytes.Buffer
	out.WriteString("// Code generated from metrics.json. DO NOT EDIT.\n\n" +
		"package metrics\n\n" +
		"// To add a new metric append an entry to metrics.json. ONLY APPEND !\n" +
		"// Then run 'go generate ./metrics'.\n\n" +
		"const (\n")
	for _, d := range defs {
		if d.Obsolete {
			continue
		}
		fmt.Fprintf(&out, "\t// %s\n\tID%s MetricID = %d\n\n", d.Description, d.Name, d.ID)
	}
	fmt.Fprintf(&out, "\t// IDMax is one past the highest ID, keep this as *last entry*\n"+
		"\tIDMax MetricID = %d\n)\n", defs[len(defs)-1].ID+1)
	return format.Source(out.Bytes())
}

func run(input, output string) error {
	data, err := os.ReadFile(input)
	if err != nil {
		return err
	}
	var defs []metricDef
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err = dec.Decode(&defs); err != nil {
		return fmt.Errorf("failed to parse %s: %w", input, err)
	}
	if err = validate(defs); err != nil {
		return err
	}
	src, err := generate(defs)
	if err != nil {
		return err
	}
	return os.WriteFile(output, src, 0o600)
}

func main() {
	if len(os.Args) != 3 {
		fmt.Fprintf(os.Stderr, "Usage: %s <metrics.json> <output.go>\n", os.Args[0])
		os.Exit(1)
	}
	if err := run(os.Args[1], os.Args[2]); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
