// Copyright 2026 The Acquire Authors
// SPDX-License-Identifier: Apache-2.0

package servicehost

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/pflag"

	"github.com/acquire-foundation/acquire/lib/clock"
	"github.com/acquire-foundation/acquire/lib/config"
	"github.com/acquire-foundation/acquire/lib/objstore"
	"github.com/acquire-foundation/acquire/lib/objstore/memstore"
	"github.com/acquire-foundation/acquire/lib/objstore/redisstore"
	"github.com/acquire-foundation/acquire/lib/objstore/sqlitestore"
	"github.com/acquire-foundation/acquire/lib/secret"
	"github.com/acquire-foundation/acquire/lib/service"
	"github.com/acquire-foundation/acquire/lib/version"
)

// Flags are the flags every service binary accepts.
type Flags struct {
	ConfigPath     string
	PassphraseFile string
	ShowVersion    bool
}

// Register adds the flags to fs.
func (f *Flags) Register(fs *pflag.FlagSet) {
	fs.StringVar(&f.ConfigPath, "config", "", "path to the acquire.yaml config file (default $ACQUIRE_CONFIG)")
	fs.StringVar(&f.PassphraseFile, "passphrase-file", "", `file holding the skeleton key passphrase, or "-" for stdin (default: prompt)`)
	fs.BoolVarP(&f.ShowVersion, "version", "V", false, "print version information and exit")
}

// LoadConfig loads and validates the configuration named by the flags.
func (f *Flags) LoadConfig() (*config.Config, error) {
	var cfg *config.Config
	var err error
	if f.ConfigPath != "" {
		cfg, err = config.LoadFile(f.ConfigPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration:\n%w", err)
	}
	return cfg, nil
}

// Process holds what a service binary opens before it builds its Host.
type Process struct {
	Config *config.Config
	Store  *objstore.Store
	Clock  clock.Clock
	Logger *slog.Logger

	passphrase *secret.Buffer
	closers    []func() error
}

// Open loads the configuration, checks that it is for role, opens the
// object store and, except for the compute role, reads the skeleton
// key passphrase.
func Open(ctx context.Context, flags Flags, role service.Type, logger *slog.Logger) (*Process, error) {
	cfg, err := flags.LoadConfig()
	if err != nil {
		return nil, err
	}
	if cfg.Service.Role != string(role) {
		return nil, fmt.Errorf("config is for a %s service, this binary runs %s", cfg.Service.Role, role)
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	p := &Process{Config: cfg, Clock: clock.Real(), Logger: logger}

	p.Store, err = p.openStore(ctx)
	if err != nil {
		p.Close()
		return nil, err
	}
	if role == service.TypeCompute {
		// The cluster daemon holds no keys of its own.
		return p, nil
	}
	if flags.PassphraseFile != "" {
		p.passphrase, err = secret.ReadFromPath(flags.PassphraseFile)
	} else {
		p.passphrase, err = secret.Prompt("Skeleton key passphrase: ")
	}
	if err != nil {
		p.Close()
		return nil, fmt.Errorf("reading passphrase: %w", err)
	}
	p.closers = append(p.closers, p.passphrase.Close)
	return p, nil
}

func (p *Process) openStore(ctx context.Context) (*objstore.Store, error) {
	settings := p.Config.ObjectStore
	var driver objstore.Driver
	switch settings.Driver {
	case "memory":
		p.Logger.Warn("using the in-memory object store; state is lost on exit")
		driver = memstore.New()
	case "sqlite":
		if err := os.MkdirAll(filepath.Dir(settings.SQLitePath), 0o700); err != nil {
			return nil, err
		}
		sqlite, err := sqlitestore.Open(sqlitestore.Config{Path: settings.SQLitePath, Logger: p.Logger})
		if err != nil {
			return nil, fmt.Errorf("opening %s: %w", settings.SQLitePath, err)
		}
		p.closers = append(p.closers, sqlite.Close)
		driver = sqlite
	case "redis":
		redis, err := redisstore.Open(ctx, redisstore.Config{Addr: settings.RedisAddress, DB: settings.RedisDB})
		if err != nil {
			return nil, err
		}
		p.closers = append(p.closers, redis.Close)
		driver = redis
	default:
		return nil, fmt.Errorf("unknown object store driver %q", settings.Driver)
	}
	return objstore.New(objstore.Config{
		Driver:       driver,
		UniqueSuffix: settings.UniqueSuffix,
		Clock:        p.Clock,
		Logger:       p.Logger,
	})
}

// HostConfig returns a Host configuration filled in from the loaded
// configuration. Roles add Bootstrap or Sessions before calling New.
func (p *Process) HostConfig() Config {
	cfg := p.Config
	return Config{
		Type:                service.Type(cfg.Service.Role),
		CanonicalURL:        cfg.Service.CanonicalURL,
		Store:               p.Store,
		Passphrase:          p.Passphrase(),
		RegistryURL:         cfg.Registry.URL,
		RegistryFingerprint: cfg.Registry.Fingerprint,
		Client: service.NewClient(service.ClientConfig{
			Timeout:   config.Duration(cfg.Peers.CallTimeout, service.DefaultCallTimeout),
			UserAgent: version.Agent("acquire-" + cfg.Service.Role),
			Clock:     p.Clock,
			Logger:    p.Logger,
		}),
		KeyUpdateInterval: config.Duration(cfg.Service.KeyUpdateInterval, service.DefaultKeyUpdateInterval),
		Staleness:         config.Duration(cfg.Authorisation.Staleness, 0),
		Refresh:           config.Duration(cfg.Authorisation.Refresh, 0),
		MaxConcurrent:     cfg.Service.Workers,
		Clock:             p.Clock,
		Logger:            p.Logger,
	}
}

// Passphrase returns the skeleton key passphrase, or "" when none was
// read.
func (p *Process) Passphrase() string {
	if p.passphrase == nil {
		return ""
	}
	return p.passphrase.String()
}

// Bucket opens the named bucket of the store, creating it if needed.
func (p *Process) Bucket(ctx context.Context, name string) (*objstore.Bucket, error) {
	return p.Store.GetBucket(ctx, name, true)
}

// Serve starts host and serves it over HTTP until ctx is done.
func (p *Process) Serve(ctx context.Context, host *Host) error {
	if err := host.Start(ctx); err != nil {
		return err
	}
	server := service.NewHTTPServer(service.HTTPServerConfig{
		Address: p.Config.Service.ListenAddress,
		Handler: service.NewRouter(host.Dispatcher()),
		Logger:  p.Logger,
	})
	svc := host.Service()
	p.Logger.Info("serving", append([]any{
		"service_uid", svc.UID,
		"type", string(svc.Type),
		"url", svc.CanonicalURL,
		"address", p.Config.Service.ListenAddress,
	}, version.LogAttrs()...)...)
	return server.Serve(ctx)
}

// Close releases the store and the passphrase.
func (p *Process) Close() error {
	var errs []error
	for i := len(p.closers) - 1; i >= 0; i-- {
		errs = append(errs, p.closers[i]())
	}
	p.closers = nil
	return errors.Join(errs...)
}
