// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// percpu provides a tool for inspecting per-CPU variables of kernel crash
// dumps. Dumps are read directly or through a content addressed store that
// can be backed by an S3 bucket.

package main

import (
	"context"
	"errors"
	"flag"
	"os"

	"github.com/peterbourgon/ff/v3"
	"github.com/peterbourgon/ff/v3/ffcli"
	log "github.com/sirupsen/logrus"
)

func main() {
	log.SetReportCaller(false)
	log.SetFormatter(&log.TextFormatter{})

	opts := &globalOptions{}
	set := flag.NewFlagSet("percpu", flag.ExitOnError)
	opts.register(set)

	root := ffcli.Command{
		Name:       "percpu",
		ShortUsage: "percpu [flags] <subcommand> [flags] [args]",
		ShortHelp:  "Tool for resolving per-CPU variables in kernel crash dumps",
		FlagSet:    set,
		Options: []ff.Option{
			ff.WithEnvVarPrefix("PERCPU"),
			ff.WithConfigFileFlag("config"),
			ff.WithConfigFileParser(ff.PlainParser),
			ff.WithAllowMissingConfigFile(true),
		},
		Subcommands: []*ffcli.Command{
			newResolveCmd(opts),
			newCounterCmd(opts),
			newClassifyCmd(opts),
			newRangesCmd(opts),
			newCPUsCmd(opts),
			newStoreCmd(opts),
			newPackCmd(),
		},
		Exec: func(context.Context, []string) error {
			return flag.ErrHelp
		},
	}

	if err := root.ParseAndRun(context.Background(), os.Args[1:]); err != nil {
		if !errors.Is(err, flag.ErrHelp) {
			log.Fatalf("%v", err)
		}
	}
}
