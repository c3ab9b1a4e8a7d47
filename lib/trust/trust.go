// Copyright 2026 The Acquire Authors
// SPDX-License-Identifier: Apache-2.0

// Package trust keeps the descriptors of the peers a service talks
// to. Descriptors come from the registry, are verified against the
// copy already held, and are cached until the peer's key update
// interval has passed.
package trust

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/acquire-foundation/acquire/lib/clock"
	"github.com/acquire-foundation/acquire/lib/envelope"
	"github.com/acquire-foundation/acquire/lib/keys"
	"github.com/acquire-foundation/acquire/lib/objstore"
	"github.com/acquire-foundation/acquire/lib/service"
)

var (
	// ErrNotTrusted is returned when a service is unknown and cannot be
	// resolved.
	ErrNotTrusted = errors.New("trust: service is not trusted")

	// ErrNotTransitioned is returned for descriptors that never
	// completed registration.
	ErrNotTransitioned = errors.New("trust: service has not completed registration")

	// ErrAdminRequired is returned by Trust without an administrator's
	// approval.
	ErrAdminRequired = errors.New("trust: trusting a service manually requires an administrator")
)

func init() {
	envelope.RegisterError("trust", "ServiceNotTrustedError", ErrNotTrusted)
	envelope.RegisterError("trust", "NotTransitionedError", ErrNotTransitioned)
	envelope.RegisterError("trust", "AdminRequiredError", ErrAdminRequired)
}

const (
	servicesPrefix = "trust/services/"
	urlsPrefix     = "trust/urls/"
)

// Resolver looks services up, normally through the registry.
type Resolver interface {
	ResolveUID(ctx context.Context, uid string) (*service.Service, error)
	ResolveURL(ctx context.Context, url string) (*service.Service, error)
}

// AdminChecker returns nil when the caller is an administrator.
type AdminChecker func(ctx context.Context) error

// Config configures a Store.
type Config struct {
	// Bucket persists trusted descriptors. Required.
	Bucket *objstore.Bucket

	// Resolver is nil for the registry itself.
	Resolver Resolver

	Clock  clock.Clock
	Logger *slog.Logger
}

// Store caches peer descriptors under "uid:<uid>" and "url:<url>".
type Store struct {
	bucket   *objstore.Bucket
	resolver Resolver
	clock    clock.Clock
	logger   *slog.Logger
	cache    *cache.Cache
}

// New creates a Store.
func New(cfg Config) *Store {
	s := &Store{
		bucket:   cfg.Bucket,
		resolver: cfg.Resolver,
		clock:    cfg.Clock,
		logger:   cfg.Logger,
		cache:    cache.New(service.DefaultKeyUpdateInterval, time.Hour),
	}
	if s.clock == nil {
		s.clock = clock.Real()
	}
	if s.logger == nil {
		s.logger = slog.New(slog.DiscardHandler)
	}
	return s
}

func uidCacheKey(uid string) string { return "uid:" + uid }
func urlCacheKey(url string) string { return "url:" + url }

type entry struct {
	service *service.Service
	fetched time.Time
}

func (s *Store) cached(key string) (*service.Service, bool) {
	value, ok := s.cache.Get(key)
	if !ok {
		return nil, false
	}
	e := value.(entry)
	// go-cache expires on the wall clock; staleness is judged on ours.
	if !s.clock.Now().Before(e.fetched.Add(e.service.KeyUpdateInterval)) {
		return nil, false
	}
	return e.service, true
}

func (s *Store) remember(svc *service.Service) {
	e := entry{service: svc, fetched: s.clock.Now()}
	ttl := svc.KeyUpdateInterval
	if ttl <= 0 {
		ttl = service.DefaultKeyUpdateInterval
	}
	s.cache.Set(uidCacheKey(svc.UID), e, ttl)
	s.cache.Set(urlCacheKey(svc.CanonicalURL), e, ttl)
}

func (s *Store) persisted(ctx context.Context, uid string) (*service.Service, error) {
	data, err := s.bucket.Get(ctx, servicesPrefix+uid)
	if err != nil {
		return nil, err
	}
	return service.UnmarshalService(data)
}

func (s *Store) persist(ctx context.Context, svc *service.Service) error {
	data, err := svc.Marshal()
	if err != nil {
		return err
	}
	if err := s.bucket.Set(ctx, servicesPrefix+svc.UID, data); err != nil {
		return err
	}
	return s.bucket.SetString(ctx, urlsPrefix+objstore.EncodeKey(svc.CanonicalURL), svc.UID)
}

// Get returns the trusted descriptor of the service with uid,
// consulting the resolver when the cached copy is missing or stale.
func (s *Store) Get(ctx context.Context, uid string) (*service.Service, error) {
	if svc, ok := s.cached(uidCacheKey(uid)); ok {
		return svc, nil
	}
	return s.refresh(ctx, uid, "")
}

// GetByURL is Get keyed by canonical URL.
func (s *Store) GetByURL(ctx context.Context, url string) (*service.Service, error) {
	if svc, ok := s.cached(urlCacheKey(url)); ok {
		return svc, nil
	}
	uid, err := s.bucket.GetString(ctx, urlsPrefix+objstore.EncodeKey(url))
	if err != nil && !errors.Is(err, objstore.ErrNotFound) {
		return nil, err
	}
	return s.refresh(ctx, uid, url)
}

// Refresh drops the cached copy and resolves the service again.
func (s *Store) Refresh(ctx context.Context, uid string) (*service.Service, error) {
	s.Evict(uid)
	return s.refresh(ctx, uid, "")
}

// refresh resolves by url when one is given, otherwise by uid, and
// verifies the result against the persisted copy.
func (s *Store) refresh(ctx context.Context, uid, url string) (*service.Service, error) {
	var old *service.Service
	if uid != "" {
		persisted, err := s.persisted(ctx, uid)
		switch {
		case err == nil:
			old = persisted
		case !errors.Is(err, objstore.ErrNotFound):
			return nil, err
		}
	}

	if s.resolver == nil {
		if old == nil {
			return nil, fmt.Errorf("%w: %s%s", ErrNotTrusted, uid, url)
		}
		s.remember(old)
		return old, nil
	}

	var fresh *service.Service
	var err error
	if url != "" {
		fresh, err = s.resolver.ResolveURL(ctx, url)
	} else {
		fresh, err = s.resolver.ResolveUID(ctx, uid)
	}
	if err != nil {
		if old != nil {
			s.logger.Debug("resolving service failed, using persisted copy", "service_uid", uid, "error", err)
			s.remember(old)
			return old, nil
		}
		return nil, fmt.Errorf("%w: %s%s: %w", ErrNotTrusted, uid, url, err)
	}
	if old == nil {
		persisted, err := s.persisted(ctx, fresh.UID)
		switch {
		case err == nil:
			old = persisted
		case !errors.Is(err, objstore.ErrNotFound):
			return nil, err
		}
	}
	if err := s.accept(old, fresh); err != nil {
		return nil, err
	}
	if err := s.persist(ctx, fresh); err != nil {
		return nil, err
	}
	s.remember(fresh)
	return fresh, nil
}

func (s *Store) accept(old, fresh *service.Service) error {
	if !fresh.IsTransitioned() {
		return fmt.Errorf("%w: %s", ErrNotTransitioned, fresh.CanonicalURL)
	}
	if err := fresh.Verify(); err != nil {
		return err
	}
	if old != nil {
		if err := old.VerifySuccessor(fresh); err != nil {
			return err
		}
	}
	return nil
}

// Trust adds svc directly, bypassing the resolver. check must confirm
// the caller is an administrator.
func (s *Store) Trust(ctx context.Context, svc *service.Service, check AdminChecker) error {
	if check == nil {
		return ErrAdminRequired
	}
	if err := check(ctx); err != nil {
		return fmt.Errorf("%w: %w", ErrAdminRequired, err)
	}
	return s.add(ctx, svc.Lock())
}

// Pin trusts svc when its certificate has the given fingerprint, or
// when it succeeds a copy pinned earlier. It bootstraps trust in the
// registry from configuration.
func (s *Store) Pin(ctx context.Context, svc *service.Service, fingerprint string) error {
	old, err := s.persisted(ctx, svc.UID)
	if err != nil && !errors.Is(err, objstore.ErrNotFound) {
		return err
	}
	if old == nil && (fingerprint == "" || svc.PublicCertificate.Fingerprint() != fingerprint) {
		return fmt.Errorf("%w: %s does not match the pinned fingerprint", keys.ErrKeyManipulation, svc)
	}
	return s.add(ctx, svc.Lock())
}

func (s *Store) add(ctx context.Context, svc *service.Service) error {
	old, err := s.persisted(ctx, svc.UID)
	if err != nil && !errors.Is(err, objstore.ErrNotFound) {
		return err
	}
	if err := s.accept(old, svc); err != nil {
		return err
	}
	if err := s.persist(ctx, svc); err != nil {
		return err
	}
	s.remember(svc)
	s.logger.Info("trusted service", "service_uid", svc.UID, "url", svc.CanonicalURL)
	return nil
}

// Untrust forgets uid entirely.
func (s *Store) Untrust(ctx context.Context, uid string) error {
	svc, err := s.persisted(ctx, uid)
	if err == nil {
		s.bucket.Delete(ctx, urlsPrefix+objstore.EncodeKey(svc.CanonicalURL))
	}
	s.Evict(uid)
	return s.bucket.Delete(ctx, servicesPrefix+uid)
}

// Evict drops the cached copy of uid so the next Get resolves it.
func (s *Store) Evict(uid string) {
	if value, ok := s.cache.Get(uidCacheKey(uid)); ok {
		s.cache.Delete(urlCacheKey(value.(entry).service.CanonicalURL))
	}
	s.cache.Delete(uidCacheKey(uid))
}

// Clear drops every cached descriptor.
func (s *Store) Clear() {
	s.cache.Flush()
}

// Caller is the subset of service.Client that Call needs.
type Caller interface {
	Call(ctx context.Context, peer *service.Service, function string, args, result any) error
}

// Call calls function on the service with uid. When the peer no
// longer holds the key the cached descriptor names, the descriptor is
// refreshed and the call made once more.
func (s *Store) Call(ctx context.Context, client Caller, uid, function string, args, result any) error {
	peer, err := s.Get(ctx, uid)
	if err != nil {
		return err
	}
	err = client.Call(ctx, peer, function, args, result)
	if !errors.Is(err, keys.ErrKeyManipulation) {
		return err
	}
	s.logger.Debug("peer keys changed, refreshing", "service_uid", uid, "function", function)
	peer, refreshErr := s.Refresh(ctx, uid)
	if refreshErr != nil {
		return errors.Join(err, refreshErr)
	}
	return client.Call(ctx, peer, function, args, result)
}
