// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package percpu // import "go.opentelemetry.io/kcrash/percpu"

import (
	"errors"
	"fmt"
)

var (
	// ErrOutOfRange is returned for CPU numbers beyond the per-CPU offset table.
	ErrOutOfRange = errors.New("CPU out of range")
	// ErrUnsupportedChunkFormat is returned when struct pcpu_chunk has neither
	// an area map nor a page count.
	ErrUnsupportedChunkFormat = errors.New("unsupported pcpu_chunk format")
	// ErrPerCPUResolution is matched by every *PerCPUError.
	ErrPerCPUResolution = errors.New("not a per-CPU variable")
	// ErrNotPerCPUCounter is returned when summing something other than a
	// struct percpu_counter.
	ErrNotPerCPUCounter = errors.New("not a percpu_counter")
)

// PerCPUError reports a variable that is neither a per-CPU object, a
// pointer to one, nor a pointer stored per-CPU.
type PerCPUError struct {
	// Var describes the rejected variable.
	Var string
}

func (e *PerCPUError) Error() string {
	return fmt.Sprintf("%s does not correspond to a percpu pointer", e.Var)
}

// Is makes errors.Is(err, ErrPerCPUResolution) hold.
func (e *PerCPUError) Is(target error) bool {
	return target == ErrPerCPUResolution
}
