// Copyright 2026 The Acquire Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"log/slog"

	"github.com/spf13/pflag"

	"github.com/acquire-foundation/acquire/lib/compute"
	"github.com/acquire-foundation/acquire/lib/config"
	"github.com/acquire-foundation/acquire/lib/process"
	"github.com/acquire-foundation/acquire/lib/registry"
	"github.com/acquire-foundation/acquire/lib/secret"
	"github.com/acquire-foundation/acquire/lib/service"
	"github.com/acquire-foundation/acquire/lib/servicehost"
	"github.com/acquire-foundation/acquire/lib/trust"
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
		fmt.Printf("acquire-cluster %s\n", version.Info())
		return nil
	}

	logger := service.NewLogger()
	slog.SetDefault(logger)

	ctx, stop := process.SignalContext()
	defer stop()

	proc, err := servicehost.Open(ctx, flags, service.TypeCompute, logger)
	if err != nil {
		return err
	}
	defer proc.Close()
	settings := proc.Config.Compute

	clusterSecret, err := secret.ReadFromPath(settings.SecretFile)
	if err != nil {
		return fmt.Errorf("reading cluster secret: %w", err)
	}
	defer clusterSecret.Close()

	hostConfig := proc.HostConfig()
	client := hostConfig.Client
	bucket, err := proc.Bucket(ctx, "service")
	if err != nil {
		return err
	}
	registryClient := registry.NewClient(client, proc.Config.Registry.URL, logger)
	trusted := trust.New(trust.Config{
		Bucket:   bucket,
		Resolver: registryClient,
		Clock:    proc.Clock,
		Logger:   logger,
	})
	registryClient.UseTrust(trusted)

	if err := servicehost.PinRegistry(ctx, client, trusted, proc.Config.Registry.URL, proc.Config.Registry.Fingerprint, logger); err != nil {
		return err
	}
	access, err := trusted.GetByURL(ctx, settings.AccessURL)
	if err != nil {
		return fmt.Errorf("resolving access service: %w", err)
	}
	if access.Type != service.TypeAccess {
		return fmt.Errorf("%s is a %s service, not an access service", settings.AccessURL, access.Type)
	}
	logger.Info("polling access service",
		"access_uid", access.UID,
		"access_url", access.CanonicalURL,
		"version", version.Info(),
	)

	daemon := compute.NewDaemon(compute.DaemonConfig{
		Jobs:      compute.NewClient(trusted, client, access.UID, clusterSecret.String()),
		Submitter: compute.LogSubmitter{Logger: logger},
		Interval:  config.Duration(settings.PollInterval, compute.DefaultPollInterval),
		Clock:     proc.Clock,
		Logger:    logger,
	})
	if err := daemon.Run(ctx); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}
