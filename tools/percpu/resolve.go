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
	"go.opentelemetry.io/kcrash/symbols"
)

type resolveCmd struct {
	opts *globalOptions

	cpu int
	all bool
}

func newResolveCmd(opts *globalOptions) *ffcli.Command {
	args := &resolveCmd{opts: opts}

	set := flag.NewFlagSet("resolve", flag.ExitOnError)
	set.IntVar(&args.cpu, "cpu", 0, "CPU whose instance to resolve")
	set.BoolVar(&args.all, "all", false, "Resolve the instances of all CPUs")

	return &ffcli.Command{
		Name:       "resolve",
		Exec:       args.exec,
		ShortUsage: "resolve [flags] <symbol>",
		ShortHelp:  "Resolve the per-CPU instances of a variable",
		FlagSet:    set,
	}
}

type instance struct {
	CPU     int           `json:"cpu"`
	Address libpf.Address `json:"address"`
}

type resolveResult struct {
	Symbol    string      `json:"symbol"`
	Type      string      `json:"type"`
	Kind      percpu.Kind `json:"kind"`
	Instances []instance  `json:"instances"`
}

// resolveSymbol resolves one CPU's instance of the named variable, or every
// CPU's when all is set.
func resolveSymbol(syms symbols.Resolver, r *percpu.Resolver, name string,
	cpu int, all bool) (resolveResult, error) {
	v, err := syms.ResolveSymbol(name)
	if err != nil {
		return resolveResult{}, err
	}

	var addrs []libpf.Address
	first := 0
	if all {
		if addrs, err = r.ResolveAll(v); err != nil {
			return resolveResult{}, err
		}
	} else {
		addr, err := r.Resolve(v, cpu)
		if err != nil {
			return resolveResult{}, err
		}
		addrs = []libpf.Address{addr}
		first = cpu
	}

	res := resolveResult{
		Symbol:    name,
		Type:      v.Type.String(),
		Instances: make([]instance, 0, len(addrs)),
	}
	for i, addr := range addrs {
		res.Instances = append(res.Instances, instance{CPU: first + i, Address: addr})
		if res.Kind == percpu.KindNone && addr != 0 {
			if res.Kind, _, err = r.ClassifyAddress(addr); err != nil {
				return resolveResult{}, err
			}
		}
	}
	return res, nil
}

func (cmd *resolveCmd) exec(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return errors.New("please specify exactly one symbol")
	}

	s, err := cmd.opts.openSession(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	res, err := resolveSymbol(s.syms, s.percpu, args[0], cmd.cpu, cmd.all)
	if err != nil {
		return err
	}
	return writeJSON(os.Stdout, res)
}
