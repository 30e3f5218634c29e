// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/peterbourgon/ff/v3/ffcli"

	"go.opentelemetry.io/kcrash/libpf/zstpak"
)

type packCmd struct {
	compress, decompress bool
	in, out              string
	chunkSize            uint64
}

func newPackCmd() *ffcli.Command {
	cmd := packCmd{}
	set := flag.NewFlagSet("pack", flag.ExitOnError)
	set.BoolVar(&cmd.compress, "c", false, "Compress data into zstpak format")
	set.BoolVar(&cmd.decompress, "d", false, "Decompress data from zstpak format")
	set.StringVar(&cmd.in, "i", "", "The input file path")
	set.StringVar(&cmd.out, "o", "", "The output file path")
	set.Uint64Var(&cmd.chunkSize, "chunk-size", zstpak.DefaultChunkSize, "The chunk size to use")
	return &ffcli.Command{
		Name:       "pack",
		ShortUsage: "pack (-c|-d) -i <input> -o <output>",
		ShortHelp:  "Compress or decompress zstpak files",
		FlagSet:    set,
		Exec:       cmd.exec,
	}
}

func (cmd *packCmd) exec(context.Context, []string) error {
	if cmd.compress == cmd.decompress {
		return errors.New("must specify either `-c` or `-d`")
	}
	if cmd.in == "" {
		return errors.New("missing required argument `i`")
	}
	if cmd.out == "" {
		return errors.New("missing required argument `o`")
	}

	outputFile, err := os.Create(cmd.out)
	if err != nil {
		return fmt.Errorf("failed to create output file: %w", err)
	}
	defer outputFile.Close()

	if cmd.compress {
		return compressFile(cmd.in, outputFile, cmd.chunkSize)
	}
	return decompressFile(cmd.in, outputFile)
}

func compressFile(in string, out io.Writer, chunkSize uint64) error {
	inputFile, err := os.Open(in)
	if err != nil {
		return fmt.Errorf("failed to open input file: %w", err)
	}
	defer inputFile.Close()

	if err = zstpak.CompressInto(inputFile, out, chunkSize); err != nil {
		return fmt.Errorf("failed to compress file: %w", err)
	}
	return nil
}

func decompressFile(in string, out io.Writer) error {
	pak, err := zstpak.Open(in)
	if err != nil {
		return fmt.Errorf("failed to open zstpak file: %w", err)
	}
	defer pak.Close()

	size := int64(pak.UncompressedSize())
	if _, err = io.Copy(out, io.NewSectionReader(pak, 0, size)); err != nil {
		return fmt.Errorf("failed to decompress zstpak: %w", err)
	}
	return nil
}
