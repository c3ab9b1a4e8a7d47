// Copyright 2026 The Acquire Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"log/slog"

	"github.com/spf13/pflag"

	"github.com/acquire-foundation/acquire/lib/process"
	"github.com/acquire-foundation/acquire/lib/service"
	"github.com/acquire-foundation/acquire/lib/servicehost"
	"github.com/acquire-foundation/acquire/lib/storage"
	"github.com/acquire-foundation/acquire/lib/version"
)

func main() {
	if err := run(); err != nil {
		process.Fatal(err)
	}
}

func run() error {
	var (
		flags       servicehost.Flags
		inlineLimit int64
	)
	flags.Register(pflag.CommandLine)
	pflag.Int64Var(&inlineLimit, "inline-limit", storage.DefaultInlineLimit, "largest file, in bytes, uploaded inside the request rather than through a PAR")
	pflag.Parse()

	if flags.ShowVersion {
		fmt.Printf("acquire-storage %s\n", version.Info())
		return nil
	}

	logger := service.NewLogger()
	slog.SetDefault(logger)

	ctx, stop := process.SignalContext()
	defer stop()

	proc, err := servicehost.Open(ctx, flags, service.TypeStorage, logger)
	if err != nil {
		return err
	}
	defer proc.Close()

	meta, err := proc.Bucket(ctx, "storage")
	if err != nil {
		return fmt.Errorf("opening storage bucket: %w", err)
	}
	data, err := proc.Bucket(ctx, "storage-data")
	if err != nil {
		return fmt.Errorf("opening storage data bucket: %w", err)
	}

	host, err := servicehost.New(ctx, proc.HostConfig())
	if err != nil {
		return err
	}
	files := storage.New(storage.Config{
		Store:       proc.Store,
		Bucket:      meta,
		Data:        data,
		Verifier:    host.Verifier(),
		InlineLimit: inlineLimit,
		Clock:       proc.Clock,
		Logger:      logger,
	})
	files.Register(host.Dispatcher())

	return proc.Serve(ctx, host)
}
