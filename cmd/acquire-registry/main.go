// Copyright 2026 The Acquire Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"log/slog"

	"github.com/spf13/pflag"

	"github.com/acquire-foundation/acquire/lib/process"
	"github.com/acquire-foundation/acquire/lib/registry"
	"github.com/acquire-foundation/acquire/lib/service"
	"github.com/acquire-foundation/acquire/lib/servicehost"
	"github.com/acquire-foundation/acquire/lib/version"
)

func main() {
	if err := run(); err != nil {
		process.Fatal(err)
	}
}

func run() error {
	var flags servicehost.Flags
	flags.Register(pflag.CommandLine)
	pflag.Parse()

	if flags.ShowVersion {
		fmt.Printf("acquire-registry %s\n", version.Info())
		return nil
	}

	logger := service.NewLogger()
	slog.SetDefault(logger)

	ctx, stop := process.SignalContext()
	defer stop()

	proc, err := servicehost.Open(ctx, flags, service.TypeRegistry, logger)
	if err != nil {
		return err
	}
	defer proc.Close()

	bucket, err := proc.Bucket(ctx, "registry")
	if err != nil {
		return fmt.Errorf("opening registry bucket: %w", err)
	}

	// The registry hands out its own UID, so the host is needed
	// before the Registry that bootstraps it.
	var host *servicehost.Host
	reg := registry.New(registry.Config{
		Bucket: bucket,
		Self:   func() *service.Service { return host.Service() },
		Clock:  proc.Clock,
		Logger: logger,
	})

	cfg := proc.HostConfig()
	cfg.RegistryURL = ""
	cfg.Bootstrap = reg.Bootstrap
	host, err = servicehost.New(ctx, cfg)
	if err != nil {
		return err
	}
	reg.Register(host.Dispatcher())

	return proc.Serve(ctx, host)
}
