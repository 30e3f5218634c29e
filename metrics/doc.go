// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

/*
Package metrics counts the work done while inspecting a crash dump.

Each metric is defined in metrics.json and backed by an OpenTelemetry
Int64Counter created from the global meter provider. Without an installed
provider the counters are no-ops, while the running totals remain available
through Snapshot.

	metrics.Add(metrics.IDPerCPUResolutions, 1)
*/
package metrics
