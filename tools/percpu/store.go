// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/peterbourgon/ff/v3/ffcli"
	log "github.com/sirupsen/logrus"

	"go.opentelemetry.io/kcrash/tools/percpu/dumpstore"
)

func newStoreCmd(opts *globalOptions) *ffcli.Command {
	return &ffcli.Command{
		Name:       "store",
		ShortUsage: "store <subcommand> [flags]",
		ShortHelp:  "Manage the crash dump store",
		FlagSet:    flag.NewFlagSet("store", flag.ExitOnError),
		Subcommands: []*ffcli.Command{
			newInsertCmd(opts),
			newFetchCmd(opts),
			newListCmd(opts),
			newCleanCmd(opts),
		},
		Exec: func(context.Context, []string) error {
			return flag.ErrHelp
		},
	}
}

type insertCmd struct {
	opts *globalOptions

	upload bool
}

func newInsertCmd(opts *globalOptions) *ffcli.Command {
	cmd := insertCmd{opts: opts}
	set := flag.NewFlagSet("insert", flag.ExitOnError)
	set.BoolVar(&cmd.upload, "upload", false, "Upload the dumps to the bucket after inserting")
	return &ffcli.Command{
		Name:       "insert",
		ShortUsage: "insert [flags] <path>...",
		ShortHelp:  "Compress crash dumps into the local store",
		FlagSet:    set,
		Exec:       cmd.exec,
	}
}

func (cmd *insertCmd) exec(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return errors.New("please specify at least one dump")
	}
	store, err := cmd.opts.openStore(ctx)
	if err != nil {
		return err
	}

	for _, path := range args {
		id, isNew, err := store.InsertLocally(path)
		if err != nil {
			return fmt.Errorf("failed to insert %s: %w", path, err)
		}
		if isNew {
			log.Infof("Inserted %s as `%s`", path, id)
		} else {
			log.Infof("Dump %s is already present as `%s`", path, id)
		}
		if !cmd.upload {
			continue
		}
		if err = store.Upload(ctx, id); err != nil {
			return fmt.Errorf("failed to upload dump: %w", err)
		}
	}
	return nil
}

type fetchCmd struct {
	opts *globalOptions
}

func newFetchCmd(opts *globalOptions) *ffcli.Command {
	cmd := fetchCmd{opts: opts}
	return &ffcli.Command{
		Name:       "fetch",
		ShortUsage: "fetch <id>...",
		ShortHelp:  "Download dumps into the local store and print their paths",
		FlagSet:    flag.NewFlagSet("fetch", flag.ExitOnError),
		Exec:       cmd.exec,
	}
}

func (cmd *fetchCmd) exec(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return errors.New("please specify at least one dump ID")
	}
	store, err := cmd.opts.openStore(ctx)
	if err != nil {
		return err
	}

	paths := make(map[string]string, len(args))
	for _, arg := range args {
		id, err := dumpstore.IDFromString(arg)
		if err != nil {
			return err
		}
		if paths[arg], err = store.Path(ctx, id); err != nil {
			return fmt.Errorf("failed to fetch `%s`: %w", id, err)
		}
	}
	return writeJSON(os.Stdout, paths)
}

type listCmd struct {
	opts *globalOptions

	remote bool
}

func newListCmd(opts *globalOptions) *ffcli.Command {
	cmd := listCmd{opts: opts}
	set := flag.NewFlagSet("list", flag.ExitOnError)
	set.BoolVar(&cmd.remote, "remote", false, "List the bucket instead of the local store")
	return &ffcli.Command{
		Name:       "list",
		ShortUsage: "list [flags]",
		ShortHelp:  "List the dumps in the store",
		FlagSet:    set,
		Exec:       cmd.exec,
	}
}

type listEntry struct {
	ID           dumpstore.ID `json:"id"`
	LastModified *time.Time   `json:"last_modified,omitempty"`
}

func (cmd *listCmd) exec(ctx context.Context, _ []string) error {
	store, err := cmd.opts.openStore(ctx)
	if err != nil {
		return err
	}

	var entries []listEntry
	if cmd.remote {
		remote, err := store.ListRemote(ctx)
		if err != nil {
			return err
		}
		for id, modified := range remote {
			entries = append(entries, listEntry{ID: id, LastModified: &modified})
		}
	} else {
		local, err := store.ListLocal()
		if err != nil {
			return err
		}
		for id := range local {
			entries = append(entries, listEntry{ID: id})
		}
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].ID.String() < entries[j].ID.String()
	})
	return writeJSON(os.Stdout, entries)
}

type cleanCmd struct {
	opts *globalOptions

	local, remote, temp, dry bool
	minAge                   uint64
}

func newCleanCmd(opts *globalOptions) *ffcli.Command {
	cmd := cleanCmd{opts: opts}
	set := flag.NewFlagSet("clean", flag.ExitOnError)
	set.BoolVar(&cmd.temp, "temp", true, "Delete lingering temporary files in the local store")
	set.BoolVar(&cmd.local, "local", false, "Delete local dumps that are present remotely")
	set.BoolVar(&cmd.remote, "remote", false, "Delete remote dumps older than -min-age")
	set.BoolVar(&cmd.dry, "dry-run", false, "Perform a dry-run (don't actually delete)")
	set.Uint64Var(&cmd.minAge, "min-age", 6*30,
		"Minimum dump age to remove from remote, in days (default: 6 months)")
	return &ffcli.Command{
		Name:       "clean",
		ShortUsage: "clean [flags]",
		ShortHelp:  "Remove temporary files and stale dumps from the store",
		FlagSet:    set,
		Exec:       cmd.exec,
	}
}

func (cmd *cleanCmd) exec(ctx context.Context, _ []string) error {
	store, err := cmd.opts.openStore(ctx)
	if err != nil {
		return err
	}

	for _, task := range []struct {
		enabled bool
		fn      func(context.Context, *dumpstore.Store) error
	}{
		{cmd.temp, cmd.cleanTemp},
		{cmd.local, cmd.cleanLocal},
		{cmd.remote, cmd.cleanRemote},
	} {
		if task.enabled {
			if err := task.fn(ctx, store); err != nil {
				return err
			}
		}
	}
	return nil
}

func (cmd *cleanCmd) cleanTemp(_ context.Context, store *dumpstore.Store) error {
	if cmd.dry {
		return nil
	}
	return store.RemoveLocalTempFiles()
}

func (cmd *cleanCmd) cleanLocal(ctx context.Context, store *dumpstore.Store) error {
	remote, err := store.ListRemote(ctx)
	if err != nil {
		return fmt.Errorf("failed to retrieve remote dump list: %w", err)
	}
	local, err := store.ListLocal()
	if err != nil {
		return err
	}

	for _, id := range local.ToSlice() {
		if _, present := remote[id]; !present {
			continue
		}
		log.Infof("Removing local copy of `%s`", id)
		if cmd.dry {
			continue
		}
		if err = store.RemoveLocal(id); err != nil {
			return fmt.Errorf("failed to delete `%s`: %w", id, err)
		}
	}
	return nil
}

func (cmd *cleanCmd) cleanRemote(ctx context.Context, store *dumpstore.Store) error {
	remote, err := store.ListRemote(ctx)
	if err != nil {
		return fmt.Errorf("failed to retrieve remote dump list: %w", err)
	}

	minAge := time.Duration(cmd.minAge) * 24 * time.Hour
	for id, modified := range remote {
		if time.Since(modified) < minAge {
			continue
		}
		log.Infof("Removing remote dump `%s` (last modified %v)", id, modified)
		if cmd.dry {
			continue
		}
		if err = store.RemoveRemote(ctx, id); err != nil {
			return fmt.Errorf("failed to delete `%s`: %w", id, err)
		}
	}
	return nil
}
