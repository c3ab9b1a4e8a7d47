// Copyright 2026 The Acquire Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"log/slog"

	"github.com/spf13/pflag"

	"github.com/acquire-foundation/acquire/lib/config"
	"github.com/acquire-foundation/acquire/lib/identity"
	"github.com/acquire-foundation/acquire/lib/process"
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
		fmt.Printf("acquire-identity %s\n", version.Info())
		return nil
	}

	logger := service.NewLogger()
	slog.SetDefault(logger)

	ctx, stop := process.SignalContext()
	defer stop()

	proc, err := servicehost.Open(ctx, flags, service.TypeIdentity, logger)
	if err != nil {
		return err
	}
	defer proc.Close()

	bucket, err := proc.Bucket(ctx, "identity")
	if err != nil {
		return fmt.Errorf("opening identity bucket: %w", err)
	}

	var host *servicehost.Host
	ids := identity.New(identity.Config{
		Bucket:       bucket,
		Self:         func() *service.Service { return host.Service() },
		LoginURL:     proc.Config.Identity.LoginURL,
		ReplayWindow: config.Duration(proc.Config.Identity.OTPReplayWindow, 0),
		Clock:        proc.Clock,
		Logger:       logger,
	})

	// Sessions are checked locally rather than by calling ourselves.
	cfg := proc.HostConfig()
	cfg.Sessions = ids
	host, err = servicehost.New(ctx, cfg)
	if err != nil {
		return err
	}
	ids.Register(host.Dispatcher())

	return proc.Serve(ctx, host)
}
