// Copyright 2026 The Acquire Authors
// SPDX-License-Identifier: Apache-2.0

// Package servicehost runs one Acquire service: it loads or creates
// the service's keys, registers it with the registry, answers the
// admin functions every service shares, rotates keys on schedule, and
// sweeps expired PARs.
//
// A role plugs in by registering its functions on the host's
// Dispatcher and reading the current descriptor through Service.
package servicehost

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/acquire-foundation/acquire/lib/auth"
	"github.com/acquire-foundation/acquire/lib/clock"
	"github.com/acquire-foundation/acquire/lib/envelope"
	"github.com/acquire-foundation/acquire/lib/objstore"
	"github.com/acquire-foundation/acquire/lib/registry"
	"github.com/acquire-foundation/acquire/lib/service"
	"github.com/acquire-foundation/acquire/lib/trust"
)

const (
	// DefaultSweepInterval is how often expired PARs are closed.
	DefaultSweepInterval = time.Minute

	// rotationCheckInterval is how often the host asks whether the
	// key update interval has passed.
	rotationCheckInterval = time.Minute

	// bucketName is the bucket holding the service's own state.
	bucketName = "service"
)

var (
	// ErrAlreadySetup is returned by a second admin/setup.
	ErrAlreadySetup = errors.New("servicehost: service is already set up")

	// ErrNotSetup is returned by admin functions before admin/setup.
	ErrNotSetup = errors.New("servicehost: service has not been set up")

	// ErrWrongService is returned when the stored service does not
	// match the configured role or URL.
	ErrWrongService = errors.New("servicehost: stored service does not match the configuration")

	// ErrNoAccounting is returned when no accounting service has been
	// trusted with admin/trust_accounting_service.
	ErrNoAccounting = errors.New("servicehost: no trusted accounting service")
)

func init() {
	envelope.RegisterError("servicehost", "AlreadySetupError", ErrAlreadySetup)
	envelope.RegisterError("servicehost", "NotSetupError", ErrNotSetup)
	envelope.RegisterError("servicehost", "WrongServiceError", ErrWrongService)
	envelope.RegisterError("servicehost", "NoAccountingError", ErrNoAccounting)
}

// Config configures a Host.
type Config struct {
	Type         service.Type
	CanonicalURL string

	// Store is the object store. Required.
	Store *objstore.Store

	// Passphrase protects the skeleton key. Required.
	Passphrase string

	// RegistryURL locates the registry. Empty for the registry itself,
	// which sets Bootstrap instead.
	RegistryURL string

	// RegistryFingerprint pins the registry's certificate on first
	// contact. Empty means trust on first use.
	RegistryFingerprint string

	// Bootstrap gives a service with no registry its UID.
	Bootstrap func(ctx context.Context, svc *service.Service) error

	// Sessions checks user sessions. Defaults to asking trusted
	// identity services.
	Sessions auth.SessionFetcher

	// Client makes outgoing calls. Defaults to a new client.
	Client *service.Client

	// KeyUpdateInterval applies to a newly created service. Zero
	// keeps service.DefaultKeyUpdateInterval.
	KeyUpdateInterval time.Duration

	// Staleness and Refresh configure the authorisation verifier.
	Staleness time.Duration
	Refresh   time.Duration

	// SweepInterval defaults to DefaultSweepInterval.
	SweepInterval time.Duration

	// MaxConcurrent bounds concurrently running handlers.
	MaxConcurrent int

	Clock  clock.Clock
	Logger *slog.Logger
}

// Host owns a running service.
type Host struct {
	current  atomic.Pointer[service.Service]
	rotateMu sync.Mutex

	store      *objstore.Store
	bucket     *objstore.Bucket
	passphrase string

	registryURL         string
	registryFingerprint string
	registry            *registry.Client
	bootstrap           func(ctx context.Context, svc *service.Service) error

	trust      *trust.Store
	verifier   *auth.Verifier
	dispatcher *service.Dispatcher
	client     *service.Client

	sweepInterval time.Duration
	clock         clock.Clock
	logger        *slog.Logger
}

// New loads the service saved in the store under the passphrase, or
// creates and saves a fresh one, and registers the admin functions.
func New(ctx context.Context, cfg Config) (*Host, error) {
	if cfg.Store == nil {
		return nil, errors.New("servicehost: Store is required")
	}
	if cfg.RegistryURL == "" && cfg.Bootstrap == nil {
		return nil, errors.New("servicehost: RegistryURL or Bootstrap is required")
	}
	h := &Host{
		store:               cfg.Store,
		passphrase:          cfg.Passphrase,
		registryURL:         cfg.RegistryURL,
		registryFingerprint: cfg.RegistryFingerprint,
		bootstrap:           cfg.Bootstrap,
		client:              cfg.Client,
		sweepInterval:       cfg.SweepInterval,
		clock:               cfg.Clock,
		logger:              cfg.Logger,
	}
	if h.clock == nil {
		h.clock = clock.Real()
	}
	if h.logger == nil {
		h.logger = slog.New(slog.DiscardHandler)
	}
	if h.sweepInterval <= 0 {
		h.sweepInterval = DefaultSweepInterval
	}
	if h.client == nil {
		h.client = service.NewClient(service.ClientConfig{Clock: h.clock, Logger: h.logger})
	}

	bucket, err := cfg.Store.GetBucket(ctx, bucketName, true)
	if err != nil {
		return nil, err
	}
	h.bucket = bucket

	svc, err := h.loadOrCreate(ctx, cfg)
	if err != nil {
		return nil, err
	}
	h.current.Store(svc)

	var resolver trust.Resolver
	if h.registryURL != "" {
		h.registry = registry.NewClient(h.client, h.registryURL, h.logger)
		resolver = h.registry
	}
	h.trust = trust.New(trust.Config{Bucket: bucket, Resolver: resolver, Clock: h.clock, Logger: h.logger})
	if h.registry != nil {
		h.registry.UseTrust(h.trust)
	}

	sessions := cfg.Sessions
	if sessions == nil {
		sessions = auth.NewRemoteSessions(h.trust, h.client)
	}
	h.verifier = auth.NewVerifier(auth.VerifierConfig{
		Sessions:  sessions,
		Bucket:    bucket,
		Staleness: cfg.Staleness,
		Refresh:   cfg.Refresh,
		Clock:     h.clock,
		Logger:    h.logger,
	})
	h.dispatcher = service.NewDispatcher(service.DispatcherConfig{
		Service:       h.Service,
		MaxConcurrent: cfg.MaxConcurrent,
		Clock:         h.clock,
		Logger:        h.logger,
	})
	h.registerAdmin()
	return h, nil
}

func (h *Host) loadOrCreate(ctx context.Context, cfg Config) (*service.Service, error) {
	svc, err := service.LoadUnlocked(ctx, h.bucket, h.passphrase)
	if err == nil {
		if svc.Type != cfg.Type || svc.CanonicalURL != cfg.CanonicalURL {
			return nil, fmt.Errorf("%w: stored %s at %s, configured %s at %s",
				ErrWrongService, svc.Type, svc.CanonicalURL, cfg.Type, cfg.CanonicalURL)
		}
		h.logger.Info("loaded service", "service_uid", svc.UID, "url", svc.CanonicalURL)
		return svc, nil
	}
	if !errors.Is(err, objstore.ErrNotFound) {
		return nil, fmt.Errorf("loading service: %w", err)
	}

	svc, err = service.New(cfg.Type, cfg.CanonicalURL, h.clock.Now())
	if err != nil {
		return nil, err
	}
	if cfg.KeyUpdateInterval > 0 {
		if err := svc.SetKeyUpdateInterval(cfg.KeyUpdateInterval); err != nil {
			return nil, err
		}
	}
	if err := svc.SaveUnlocked(ctx, h.bucket, h.passphrase); err != nil {
		return nil, fmt.Errorf("saving new service: %w", err)
	}
	h.logger.Info("created service", "type", string(svc.Type), "url", svc.CanonicalURL)
	return svc, nil
}

// Service returns the current unlocked service. Rotation replaces it,
// so callers should not hold on to the result.
func (h *Host) Service() *service.Service { return h.current.Load() }

// Store returns the object store.
func (h *Host) Store() *objstore.Store { return h.store }

// Bucket returns the bucket holding the service's own state.
func (h *Host) Bucket() *objstore.Bucket { return h.bucket }

// Trust returns the trust store.
func (h *Host) Trust() *trust.Store { return h.trust }

// Verifier returns the authorisation verifier.
func (h *Host) Verifier() *auth.Verifier { return h.verifier }

// Dispatcher returns the dispatcher roles register functions on.
func (h *Host) Dispatcher() *service.Dispatcher { return h.dispatcher }

// Client returns the client for outgoing calls.
func (h *Host) Client() *service.Client { return h.client }

// PARs returns the registry of open PARs. Roles register their PAR
// cleanup functions on it.
func (h *Host) PARs() *objstore.PARRegistry { return h.store.PARs() }

// Start completes registration and starts key rotation and the PAR
// sweeper, which run until ctx is done.
func (h *Host) Start(ctx context.Context) error {
	if h.registry != nil {
		if err := h.pinRegistry(ctx); err != nil {
			return err
		}
	}
	if err := h.register(ctx); err != nil {
		return err
	}
	go h.maintain(ctx)
	return nil
}

func (h *Host) pinRegistry(ctx context.Context) error {
	return PinRegistry(ctx, h.client, h.trust, h.registryURL, h.registryFingerprint, h.logger)
}

// PinRegistry trusts the registry's descriptor, checking it against
// fingerprint or the copy trusted before. An empty fingerprint trusts
// on first use.
func PinRegistry(ctx context.Context, client *service.Client, store *trust.Store, url, fingerprint string, logger *slog.Logger) error {
	descriptor, err := client.FetchDescriptor(ctx, url)
	if err != nil {
		return fmt.Errorf("fetching registry descriptor: %w", err)
	}
	if fingerprint == "" {
		fingerprint = descriptor.PublicCertificate.Fingerprint()
		logger.Warn("no registry fingerprint configured, trusting on first use",
			"registry_url", url, "fingerprint", fingerprint)
	}
	if err := store.Pin(ctx, descriptor, fingerprint); err != nil {
		return fmt.Errorf("pinning registry: %w", err)
	}
	return nil
}

func (h *Host) register(ctx context.Context) error {
	if h.Service().IsTransitioned() {
		return nil
	}
	h.rotateMu.Lock()
	defer h.rotateMu.Unlock()

	next := h.Service().Clone()
	var err error
	if h.registry != nil {
		err = h.registry.Register(ctx, next, false)
	} else {
		err = h.bootstrap(ctx, next)
	}
	if err != nil {
		return err
	}
	if err := next.SaveUnlocked(ctx, h.bucket, h.passphrase); err != nil {
		return fmt.Errorf("saving registered service: %w", err)
	}
	h.current.Store(next)
	h.logger.Info("registered service", "service_uid", next.UID, "url", next.CanonicalURL)
	return nil
}

func (h *Host) maintain(ctx context.Context) {
	rotation := h.clock.NewTicker(rotationCheckInterval)
	defer rotation.Stop()
	sweep := h.clock.NewTicker(h.sweepInterval)
	defer sweep.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-rotation.C:
			if _, err := h.RotateKeys(ctx, false); err != nil {
				h.logger.Error("rotating keys failed", "error", err)
			}
		case <-sweep.C:
			if _, err := h.SweepPARs(ctx); err != nil {
				h.logger.Error("sweeping expired pars failed", "error", err)
			}
		}
	}
}

// RotateKeys rotates the service's keys when the key update interval
// has passed, or always when force is set. The rotated service is
// saved before it is served, then published to the registry. It
// reports whether keys were rotated.
func (h *Host) RotateKeys(ctx context.Context, force bool) (bool, error) {
	h.rotateMu.Lock()
	defer h.rotateMu.Unlock()

	now := h.clock.Now()
	current := h.Service()
	if !force && !current.ShouldRefresh(now) {
		return false, nil
	}
	next := current.Clone()
	if err := next.RotateKeys(now); err != nil {
		return false, err
	}
	if err := next.SaveUnlocked(ctx, h.bucket, h.passphrase); err != nil {
		return false, fmt.Errorf("saving rotated service: %w", err)
	}
	h.current.Store(next)
	h.logger.Info("rotated keys", "service_uid", next.UID, "certificate", next.PublicCertificate.Fingerprint())

	if h.registry != nil && next.IsTransitioned() {
		if err := h.registry.Update(ctx, next); err != nil {
			return true, fmt.Errorf("publishing rotated descriptor: %w", err)
		}
	}
	return true, nil
}

// SweepPARs closes every PAR that has expired and returns how many.
func (h *Host) SweepPARs(ctx context.Context) (int, error) {
	closed, err := h.store.PARs().ExpireBefore(ctx, h.clock.Now())
	if closed > 0 {
		h.logger.Info("closed expired pars", "count", closed)
	}
	return closed, err
}
