// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"

	"github.com/peterbourgon/ff/v3/ffcli"

	"go.opentelemetry.io/kcrash/percpu"
	"go.opentelemetry.io/kcrash/symbols"
)

type counterCmd struct {
	opts *globalOptions
}

func newCounterCmd(opts *globalOptions) *ffcli.Command {
	args := &counterCmd{opts: opts}

	return &ffcli.Command{
		Name:       "counter",
		Exec:       args.exec,
		ShortUsage: "counter <symbol>...",
		ShortHelp:  "Sum struct percpu_counter variables over all CPUs",
		FlagSet:    flag.NewFlagSet("counter", flag.ExitOnError),
	}
}

// counterSums maps every named percpu_counter, or pointer to one, to its sum.
func counterSums(syms symbols.Resolver, r *percpu.Resolver,
	names []string) (map[string]int64, error) {
	sums := make(map[string]int64, len(names))
	for _, name := range names {
		v, err := syms.ResolveSymbol(name)
		if err != nil {
			return nil, err
		}
		if sums[name], err = r.PerCPUCounterSum(v); err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
	}
	return sums, nil
}

func (cmd *counterCmd) exec(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return errors.New("please specify at least one symbol")
	}

	s, err := cmd.opts.openSession(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	sums, err := counterSums(s.syms, s.percpu, args)
	if err != nil {
		return err
	}
	return writeJSON(os.Stdout, sums)
}
