// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	log "github.com/sirupsen/logrus"

	"go.opentelemetry.io/kcrash/libpf"
	"go.opentelemetry.io/kcrash/percpu"
	"go.opentelemetry.io/kcrash/remotememory"
	"go.opentelemetry.io/kcrash/symbols"
	"go.opentelemetry.io/kcrash/tools/percpu/dumpstore"
	"go.opentelemetry.io/kcrash/vmcore"
)

// globalOptions are the flags shared by all subcommands. They can also be
// set from PERCPU_* environment variables or a config file.
type globalOptions struct {
	corePath    string
	dumpID      string
	btfPath     string
	symbolsPath string
	pageSize    uint64
	nrCPUs      uint64
	relocate    bool
	loadTimeout time.Duration
	debugLog    bool

	cacheDir string
	bucket   string
	region   string
	endpoint string
}

func (o *globalOptions) register(set *flag.FlagSet) {
	set.StringVar(&o.corePath, "core", "", "Path of the crash dump (ELF vmcore, zstd or zstpak)")
	set.StringVar(&o.dumpID, "id", "", "ID of a crash dump in the dump store")
	set.StringVar(&o.btfPath, "btf", "", "Path of the kernel BTF (raw or vmlinux ELF)")
	set.StringVar(&o.symbolsPath, "symbols", "", "Path of the kernel System.map or kallsyms copy")
	set.Uint64Var(&o.pageSize, "page-size", 0, "Page size override, read from VMCOREINFO when 0")
	set.Uint64Var(&o.nrCPUs, "nr-cpus", symbols.DefaultNrCPUs, "Length of arrays indexed by CPU")
	set.BoolVar(&o.relocate, "relocate", true, "Apply the KERNELOFFSET of the dump to -symbols")
	set.DurationVar(&o.loadTimeout, "load-timeout", time.Minute, "Timeout for loading debug information")
	set.BoolVar(&o.debugLog, "debug-log", false, "Enable debug logging")
	set.StringVar(&o.cacheDir, "cache-dir", "dumpcache", "Local directory of the dump store")
	set.StringVar(&o.bucket, "bucket", "", "S3 bucket of the dump store, local only when empty")
	set.StringVar(&o.region, "region", "", "S3 region override")
	set.StringVar(&o.endpoint, "endpoint", "", "S3 endpoint override, enables path style access")
	set.String("config", "", "Path of a config file with flag values")
}

// openStore creates the dump store. Without a bucket the store is local only.
func (o *globalOptions) openStore(ctx context.Context) (*dumpstore.Store, error) {
	var client dumpstore.S3API
	if o.bucket != "" {
		cfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, err
		}
		client = s3.NewFromConfig(cfg, func(opts *s3.Options) {
			if o.region != "" {
				opts.Region = o.region
			}
			if o.endpoint != "" {
				opts.BaseEndpoint = aws.String(o.endpoint)
				opts.UsePathStyle = true
			}
		})
	}
	return dumpstore.New(client, o.bucket, o.cacheDir)
}

// dumpPath returns the file to open, fetching it from the store for -id.
func (o *globalOptions) dumpPath(ctx context.Context) (string, error) {
	if (o.corePath == "") == (o.dumpID == "") {
		return "", errors.New("please specify either `-core` or `-id`")
	}
	if o.corePath != "" {
		return o.corePath, nil
	}
	id, err := dumpstore.IDFromString(o.dumpID)
	if err != nil {
		return "", err
	}
	store, err := o.openStore(ctx)
	if err != nil {
		return "", err
	}
	return store.Path(ctx, id)
}

// session holds an opened dump with its debug information.
type session struct {
	core   *vmcore.Core
	syms   symbols.Resolver
	mem    remotememory.RemoteMemory
	percpu *percpu.Resolver
}

func (o *globalOptions) openSession(ctx context.Context) (*session, error) {
	if o.debugLog {
		log.SetLevel(log.DebugLevel)
	}

	path, err := o.dumpPath(ctx)
	if err != nil {
		return nil, err
	}
	core, err := vmcore.Open(path)
	if err != nil {
		return nil, err
	}

	var offset libpf.Address
	if o.relocate {
		offset = core.KernelOffset()
	}
	pageSize := o.pageSize
	if pageSize == 0 {
		if pageSize, err = core.PageSize(); err != nil {
			log.Debugf("Using default page size: %v", err)
			pageSize = percpu.DefaultPageSize
		}
	}

	syms := symbols.NewDelayed(ctx, symbols.LoaderConfig{
		BTFPath:      o.btfPath,
		SymbolsPath:  o.symbolsPath,
		KernelOffset: offset,
		NrCPUs:       o.nrCPUs,
		Extra:        []symbols.MinimalSource{core},
	})
	waitCtx, cancel := context.WithTimeout(ctx, o.loadTimeout)
	defer cancel()
	if err = syms.Wait(waitCtx); err != nil {
		_ = core.Close()
		return nil, fmt.Errorf("failed to load debug information: %w", err)
	}
	log.Debugf("Session %s: opened %s", syms.ID(), path)

	mem := remotememory.RemoteMemory{ReaderAt: core}
	return &session{
		core:   core,
		syms:   syms,
		mem:    mem,
		percpu: percpu.New(syms, mem, percpu.WithPageSize(pageSize)),
	}, nil
}

func (s *session) Close() error {
	return s.core.Close()
}
