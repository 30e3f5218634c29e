// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"flag"
	"os"

	"github.com/peterbourgon/ff/v3/ffcli"
	log "github.com/sirupsen/logrus"

	"go.opentelemetry.io/kcrash/kernel"
	"go.opentelemetry.io/kcrash/ktype"
	"go.opentelemetry.io/kcrash/percpu"
	"go.opentelemetry.io/kcrash/symbols"
)

type cpusCmd struct {
	opts *globalOptions
}

func newCPUsCmd(opts *globalOptions) *ffcli.Command {
	args := &cpusCmd{opts: opts}

	return &ffcli.Command{
		Name:       "cpus",
		Exec:       args.exec,
		ShortUsage: "cpus",
		ShortHelp:  "Show the online and possible CPUs of the dump",
		FlagSet:    flag.NewFlagSet("cpus", flag.ExitOnError),
	}
}

type cpuInfo struct {
	Online   []uint `json:"online"`
	Possible []uint `json:"possible"`
	// NrCPUs is the number of CPUs whose per-CPU instances are resolved.
	NrCPUs int `json:"nr_cpus"`
}

// collectCPUs reads the CPU masks. Missing masks are logged and left empty.
func collectCPUs(syms symbols.Resolver, mem ktype.Reader, r *percpu.Resolver) (cpuInfo, error) {
	var info cpuInfo
	var err error
	if info.Online, err = kernel.OnlineCPUs(syms, mem); err != nil {
		log.Warnf("Failed to read online CPUs: %v", err)
	}
	if info.Possible, err = kernel.PossibleCPUs(syms, mem); err != nil {
		log.Warnf("Failed to read possible CPUs: %v", err)
	}
	if info.NrCPUs, err = r.NrCPUs(); err != nil {
		return cpuInfo{}, err
	}
	return info, nil
}

func (cmd *cpusCmd) exec(ctx context.Context, _ []string) error {
	s, err := cmd.opts.openSession(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	info, err := collectCPUs(s.syms, s.mem, s.percpu)
	if err != nil {
		return err
	}
	return writeJSON(os.Stdout, info)
}
