// Copyright 2026 The Acquire Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"
	"github.com/spf13/pflag"

	"github.com/acquire-foundation/acquire/lib/compute"
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
		fmt.Printf("acquire-access %s\n", version.Info())
		return nil
	}

	logger := service.NewLogger()
	slog.SetDefault(logger)

	ctx, stop := process.SignalContext()
	defer stop()

	proc, err := servicehost.Open(ctx, flags, service.TypeAccess, logger)
	if err != nil {
		return err
	}
	defer proc.Close()

	price, err := decimal.NewFromString(proc.Config.Compute.JobPrice)
	if err != nil {
		return fmt.Errorf("compute.job_price: %w", err)
	}
	bucket, err := proc.Bucket(ctx, "compute")
	if err != nil {
		return fmt.Errorf("opening compute bucket: %w", err)
	}

	host, err := servicehost.New(ctx, proc.HostConfig())
	if err != nil {
		return err
	}
	bridge := compute.New(compute.Config{
		Store:      proc.Store,
		Bucket:     bucket,
		Self:       host.Service,
		Verifier:   host.Verifier(),
		Accounting: host.Accounting(),
		Pricer:     compute.FixedPrice(price),
		Admin:      host.AssertAdmin,
		Clock:      proc.Clock,
		Logger:     logger,
	})
	bridge.Register(host.Dispatcher())

	return proc.Serve(ctx, host)
}
