// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidate(t *testing.T) {
	invalid := metricDef{Name: "Invalid", MetricType: "counter"}
	tests := map[string]struct {
		defs    []metricDef
		wantErr bool
	}{
		"ok": {defs: []metricDef{invalid,
			{Name: "Resolutions", MetricType: "counter", ID: 1}}},
		"obsolete gauge": {defs: []metricDef{invalid,
			{Name: "Old", MetricType: "gauge", ID: 1, Obsolete: true}}},
		"duplicate id": {defs: []metricDef{invalid,
			{Name: "A", MetricType: "counter", ID: 1},
			{Name: "B", MetricType: "counter", ID: 1}}, wantErr: true},
		"duplicate name": {defs: []metricDef{invalid,
			{Name: "A", MetricType: "counter", ID: 1},
			{Name: "A", MetricType: "counter", ID: 2}}, wantErr: true},
		"gauge": {defs: []metricDef{invalid,
			{Name: "A", MetricType: "gauge", ID: 1}}, wantErr: true},
		"no invalid": {defs: []metricDef{
			{Name: "A", MetricType: "counter", ID: 1}}, wantErr: true},
		"unnamed": {defs: []metricDef{invalid,
			{MetricType: "counter", ID: 1}}, wantErr: true},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			err := validate(tc.defs)
			if tc.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestGenerate(t *testing.T) {
	src, err := generate([]metricDef{
		{Name: "Chunks", Description: "Chunks decoded", MetricType: "counter", ID: 2},
		{Name: "Invalid", Description: "Unset", MetricType: "counter", ID: 0},
		{Name: "Old", Description: "Gone", MetricType: "counter", ID: 1, Obsolete: true},
	})
	require.NoError(t, err)

	out := string(src)
	assert.Contains(t, out, "IDInvalid MetricID = 0")
	assert.Contains(t, out, "IDChunks MetricID = 2")
	assert.Contains(t, out, "IDMax MetricID = 3")
	assert.NotContains(t, out, "IDOld")
}
