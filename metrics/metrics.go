// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package metrics // import "go.opentelemetry.io/kcrash/metrics"

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"sync/atomic"

	log "github.com/sirupsen/logrus"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

var (
	//go:embed metrics.json
	metricsJSON []byte

	// OTel metric instrumentation
	meter    = otel.Meter("go.opentelemetry.io/kcrash")
	counters = map[MetricID]metric.Int64Counter{}

	// totals accumulates the values added since process start.
	totals [IDMax]atomic.Int64
)

func init() {
	for _, md := range GetDefinitions() {
		if md.Obsolete || md.ID == IDInvalid {
			continue
		}
		if md.Type != MetricTypeCounter {
			panic(fmt.Sprintf("Unsupported metric type: %v", md.Type))
		}
		counter, err := meter.Int64Counter(md.Field,
			metric.WithDescription(md.Description),
			metric.WithUnit(md.Unit))
		if err != nil {
			log.Errorf("Creating Int64Counter: %v", err)
			continue
		}
		counters[md.ID] = counter
	}
}

// Add records value for the metric id.
func Add(id MetricID, value MetricValue) {
	if id <= IDInvalid || id >= IDMax {
		log.Errorf("Metric value %d out of range [%d,%d]- needs investigation",
			id, IDInvalid+1, IDMax-1)
		return
	}
	if value == 0 {
		return
	}
	totals[id].Add(int64(value))
	if counter, ok := counters[id]; ok {
		counter.Add(context.Background(), int64(value))
	}
}

// Snapshot returns the totals of all metrics with a non-zero value.
func Snapshot() Summary {
	s := make(Summary)
	for id := range totals {
		if v := totals[id].Load(); v != 0 {
			s[MetricID(id)] = MetricValue(v)
		}
	}
	return s
}

// Named returns the snapshot keyed by metric field names.
func (s Summary) Named() map[string]MetricValue {
	names := make(map[MetricID]string)
	for _, md := range GetDefinitions() {
		names[md.ID] = md.Field
	}
	out := make(map[string]MetricValue, len(s))
	for id, v := range s {
		out[names[id]] = v
	}
	return out
}

// GetDefinitions returns the metric definitions from the embedded metrics.json file.
func GetDefinitions() []MetricDefinition {
	var defs []MetricDefinition

	dec := json.NewDecoder(bytes.NewReader(metricsJSON))
	dec.DisallowUnknownFields()

	err := dec.Decode(&defs)
	if err != nil {
		panic(fmt.Sprintf("extracting definitions from metrics.json: %v", err))
	}
	return defs
}
