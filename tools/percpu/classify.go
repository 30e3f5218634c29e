// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"flag"
	"os"

	"github.com/peterbourgon/ff/v3/ffcli"

	"go.opentelemetry.io/kcrash/libpf"
	"go.opentelemetry.io/kcrash/percpu"
)

type classifyCmd struct {
	opts *globalOptions

	absolute bool
}

func newClassifyCmd(opts *globalOptions) *ffcli.Command {
	args := &classifyCmd{opts: opts}

	set := flag.NewFlagSet("classify", flag.ExitOnError)
	set.BoolVar(&args.absolute, "absolute", false,
		"Treat addresses as instance addresses and report the owning CPU")

	return &ffcli.Command{
		Name:       "classify",
		Exec:       args.exec,
		ShortUsage: "classify [flags] <address>...",
		ShortHelp:  "Report the per-CPU region of template or instance addresses",
		FlagSet:    set,
	}
}

type classification struct {
	Address libpf.Address `json:"address"`
	Kind    percpu.Kind   `json:"kind"`
	CPU     *int          `json:"cpu,omitempty"`
}

func classify(r *percpu.Resolver, addrs []libpf.Address,
	absolute bool) ([]classification, error) {
	res := make([]classification, 0, len(addrs))
	for _, addr := range addrs {
		c := classification{Address: addr}
		if absolute {
			kind, cpu, err := r.ClassifyAddress(addr)
			if err != nil {
				return nil, err
			}
			c.Kind = kind
			if cpu >= 0 {
				c.CPU = &cpu
			}
		} else {
			var err error
			if c.Kind, err = r.Classify(addr); err != nil {
				return nil, err
			}
		}
		res = append(res, c)
	}
	return res, nil
}

func (cmd *classifyCmd) exec(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return errors.New("please specify at least one address")
	}
	addrs := make([]libpf.Address, 0, len(args))
	for _, arg := range args {
		addr, err := parseAddress(arg)
		if err != nil {
			return err
		}
		addrs = append(addrs, addr)
	}

	s, err := cmd.opts.openSession(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	res, err := classify(s.percpu, addrs, cmd.absolute)
	if err != nil {
		return err
	}
	return writeJSON(os.Stdout, res)
}
