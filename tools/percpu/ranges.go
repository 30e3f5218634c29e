// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"flag"
	"os"

	"github.com/peterbourgon/ff/v3/ffcli"
)

type rangesCmd struct {
	opts *globalOptions
}

func newRangesCmd(opts *globalOptions) *ffcli.Command {
	args := &rangesCmd{opts: opts}

	return &ffcli.Command{
		Name:       "ranges",
		Exec:       args.exec,
		ShortUsage: "ranges",
		ShortHelp:  "List the static, module and dynamic per-CPU regions",
		FlagSet:    flag.NewFlagSet("ranges", flag.ExitOnError),
	}
}

func (cmd *rangesCmd) exec(ctx context.Context, _ []string) error {
	s, err := cmd.opts.openSession(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	ranges, err := s.percpu.Ranges()
	if err != nil {
		return err
	}
	return writeJSON(os.Stdout, ranges)
}
