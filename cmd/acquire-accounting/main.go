// Copyright 2026 The Acquire Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"
	"github.com/spf13/pflag"

	"github.com/acquire-foundation/acquire/lib/accounting"
	"github.com/acquire-foundation/acquire/lib/ledger"
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
		fmt.Printf("acquire-accounting %s\n", version.Info())
		return nil
	}

	logger := service.NewLogger()
	slog.SetDefault(logger)

	ctx, stop := process.SignalContext()
	defer stop()

	proc, err := servicehost.Open(ctx, flags, service.TypeAccounting, logger)
	if err != nil {
		return err
	}
	defer proc.Close()

	overdraft, err := decimal.NewFromString(proc.Config.Accounting.BankOverdraft)
	if err != nil {
		return fmt.Errorf("accounting.bank_overdraft: %w", err)
	}
	ledgerBucket, err := proc.Bucket(ctx, "ledger")
	if err != nil {
		return fmt.Errorf("opening ledger bucket: %w", err)
	}
	chequeBucket, err := proc.Bucket(ctx, "accounting")
	if err != nil {
		return fmt.Errorf("opening accounting bucket: %w", err)
	}

	host, err := servicehost.New(ctx, proc.HostConfig())
	if err != nil {
		return err
	}
	accounts := accounting.New(accounting.Config{
		Ledger: ledger.New(ledger.Config{
			Bucket: ledgerBucket,
			Clock:  proc.Clock,
			Logger: logger,
		}),
		Bucket:        chequeBucket,
		Self:          host.Service,
		Verifier:      host.Verifier(),
		Recipients:    host.Trust(),
		Services:      host.Trust(),
		AllowDeposits: proc.Config.Accounting.AllowDeposits,
		BankOverdraft: overdraft,
		Clock:         proc.Clock,
		Logger:        logger,
	})
	accounts.Register(host.Dispatcher())

	return proc.Serve(ctx, host)
}
