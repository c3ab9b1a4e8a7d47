// Copyright 2026 The Acquire Authors
// SPDX-License-Identifier: Apache-2.0

// Package registry mints service UIDs and publishes service
// descriptors.
//
// Registration is a two-phase handshake. In the first phase a STAGE1
// service proves it holds its certificate by signing a challenge and
// receives a freshly minted UID. In the second it transitions to that
// UID and submits the re-signed descriptor, which the registry stores.
// Later rotations are published with UpdateService and must chain to
// the stored descriptor.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/acquire-foundation/acquire/lib/clock"
	"github.com/acquire-foundation/acquire/lib/envelope"
	"github.com/acquire-foundation/acquire/lib/keys"
	"github.com/acquire-foundation/acquire/lib/objstore"
	"github.com/acquire-foundation/acquire/lib/service"
)

var (
	// ErrServiceNotFound is returned for UIDs and URLs with no
	// registered service.
	ErrServiceNotFound = errors.New("registry: service not found")

	// ErrRegistration is returned when a registration handshake fails.
	ErrRegistration = errors.New("registry: registration failed")

	// ErrURLRegistered is returned when a URL is registered to another
	// certificate and a new UID was not requested.
	ErrURLRegistered = errors.New("registry: url is registered to a different service")

	// ErrRegistryFull is returned once every UID has been minted.
	ErrRegistryFull = errors.New("registry: no service uids left")
)

func init() {
	envelope.RegisterError("registry", "ServiceNotFoundError", ErrServiceNotFound)
	envelope.RegisterError("registry", "RegistryError", ErrRegistration)
	envelope.RegisterError("registry", "URLRegisteredError", ErrURLRegistered)
	envelope.RegisterError("registry", "RegistryFullError", ErrRegistryFull)
}

const (
	counterKey   = "registry/last_service_uid"
	mintedPrefix = "registry/minted/"
	uidPrefix    = "registry/uid/"
	urlPrefix    = "registry/url/"
)

// Config configures a Registry.
type Config struct {
	// Bucket holds the registry's records. Required.
	Bucket *objstore.Bucket

	// Self returns the registry's own unlocked service.
	Self func() *service.Service

	Clock  clock.Clock
	Logger *slog.Logger
}

// Registry is the server side of service registration.
type Registry struct {
	bucket *objstore.Bucket
	self   func() *service.Service
	clock  clock.Clock
	logger *slog.Logger
}

// New creates a Registry.
func New(cfg Config) *Registry {
	if cfg.Bucket == nil || cfg.Self == nil {
		panic("registry: Bucket and Self are required")
	}
	r := &Registry{bucket: cfg.Bucket, self: cfg.Self, clock: cfg.Clock, logger: cfg.Logger}
	if r.clock == nil {
		r.clock = clock.Real()
	}
	if r.logger == nil {
		r.logger = slog.New(slog.DiscardHandler)
	}
	return r
}

// mintedRecord ties a minted UID to the service it was minted for.
type mintedRecord struct {
	URL         string `json:"canonical_url"`
	Fingerprint string `json:"certificate_fingerprint"`
}

// MintUID returns the next unused UID. The first UID minted is
// a0a0a0.
func (r *Registry) MintUID(ctx context.Context) (string, error) {
	var uid string
	err := objstore.WithMutex(ctx, r.bucket, counterKey, objstore.MutexOptions{Clock: r.clock}, func() error {
		var last counter
		err := r.bucket.GetJSON(ctx, counterKey, &last)
		switch {
		case errors.Is(err, objstore.ErrNotFound):
			last = counter{}
		case err != nil:
			return err
		default:
			if err := last.valid(); err != nil {
				return err
			}
			next, ok := last.next()
			if !ok {
				return ErrRegistryFull
			}
			last = next
		}
		if err := r.bucket.SetJSON(ctx, counterKey, last); err != nil {
			return err
		}
		uid = last.String()
		return nil
	})
	return uid, err
}

// Bootstrap gives the registry's own STAGE1 service its UID. A
// service that already has one is left as it is.
func (r *Registry) Bootstrap(ctx context.Context, svc *service.Service) error {
	if svc.IsTransitioned() {
		return nil
	}
	uid, err := r.MintUID(ctx)
	if err != nil {
		return err
	}
	if err := svc.Transition(uid); err != nil {
		return err
	}
	r.logger.Info("registry bootstrapped", "service_uid", uid, "url", svc.CanonicalURL)
	return r.bucket.SetString(ctx, urlPrefix+objstore.EncodeKey(svc.CanonicalURL), uid)
}

// challengeResponse is the bytes the registry signs to answer a
// registration challenge.
func challengeResponse(challenge, uid string) []byte {
	return []byte(challenge + "|" + uid)
}

// RegisterResult is the registry's answer to either phase.
type RegisterResult struct {
	UID string `json:"service_uid"`

	// Response is the registry's signature over "challenge|uid".
	Response []byte `json:"response"`
}

// RegisterService runs one phase of registration for descriptor.
// challengeSignature must be descriptor's certificate signing
// challenge.
func (r *Registry) RegisterService(ctx context.Context, descriptor *service.Service, challenge string, challengeSignature []byte, forceNewUID bool) (RegisterResult, error) {
	if challenge == "" {
		return RegisterResult{}, fmt.Errorf("%w: empty challenge", ErrRegistration)
	}
	if err := descriptor.Verify(); err != nil {
		return RegisterResult{}, fmt.Errorf("%w: %w", ErrRegistration, err)
	}
	if err := descriptor.PublicCertificate.Verify([]byte(challenge), challengeSignature); err != nil {
		return RegisterResult{}, fmt.Errorf("%w: challenge signature: %w", ErrRegistration, err)
	}
	if descriptor.CanonicalURL == r.self().CanonicalURL {
		return RegisterResult{}, fmt.Errorf("%w: %s is the registry's own url", ErrURLRegistered, descriptor.CanonicalURL)
	}

	var uid string
	var err error
	if descriptor.IsTransitioned() {
		uid, err = r.complete(ctx, descriptor)
	} else {
		uid, err = r.mintFor(ctx, descriptor, forceNewUID)
	}
	if err != nil {
		return RegisterResult{}, err
	}
	response, err := r.self().Sign(challengeResponse(challenge, uid))
	if err != nil {
		return RegisterResult{}, err
	}
	return RegisterResult{UID: uid, Response: response}, nil
}

// mintFor is the first phase.
func (r *Registry) mintFor(ctx context.Context, descriptor *service.Service, forceNewUID bool) (string, error) {
	fingerprint := descriptor.PublicCertificate.Fingerprint()
	existing, err := r.GetServiceByURL(ctx, descriptor.CanonicalURL)
	switch {
	case errors.Is(err, ErrServiceNotFound):
	case err != nil:
		return "", err
	case forceNewUID:
		r.logger.Info("minting replacement uid", "url", descriptor.CanonicalURL, "old_uid", existing.UID)
	case existing.PublicCertificate.Fingerprint() == fingerprint:
		return existing.UID, nil
	default:
		return "", fmt.Errorf("%w: %s is registered as %s", ErrURLRegistered, descriptor.CanonicalURL, existing.UID)
	}

	uid, err := r.MintUID(ctx)
	if err != nil {
		return "", err
	}
	record := mintedRecord{URL: descriptor.CanonicalURL, Fingerprint: fingerprint}
	if err := r.bucket.SetJSON(ctx, mintedPrefix+uid, record); err != nil {
		return "", err
	}
	r.logger.Info("minted service uid", "service_uid", uid, "url", descriptor.CanonicalURL)
	return uid, nil
}

// complete is the second phase.
func (r *Registry) complete(ctx context.Context, descriptor *service.Service) (string, error) {
	var record mintedRecord
	if err := r.bucket.GetJSON(ctx, mintedPrefix+descriptor.UID, &record); err != nil {
		if errors.Is(err, objstore.ErrNotFound) {
			return "", fmt.Errorf("%w: uid %s was not minted", ErrRegistration, descriptor.UID)
		}
		return "", err
	}
	if record.URL != descriptor.CanonicalURL || record.Fingerprint != descriptor.PublicCertificate.Fingerprint() {
		return "", fmt.Errorf("%w: uid %s was minted for another service", ErrRegistration, descriptor.UID)
	}
	if err := r.store(ctx, descriptor.Lock()); err != nil {
		return "", err
	}
	r.logger.Info("registered service", "service_uid", descriptor.UID, "url", descriptor.CanonicalURL, "type", descriptor.Type)
	return descriptor.UID, nil
}

func (r *Registry) store(ctx context.Context, descriptor *service.Service) error {
	data, err := descriptor.Marshal()
	if err != nil {
		return err
	}
	if err := r.bucket.Set(ctx, uidPrefix+descriptor.UID, data); err != nil {
		return err
	}
	return r.bucket.SetString(ctx, urlPrefix+objstore.EncodeKey(descriptor.CanonicalURL), descriptor.UID)
}

// GetService returns the locked descriptor registered as uid.
func (r *Registry) GetService(ctx context.Context, uid string) (*service.Service, error) {
	if self := r.self(); self.UID == uid {
		return self.Lock(), nil
	}
	data, err := r.bucket.Get(ctx, uidPrefix+uid)
	if errors.Is(err, objstore.ErrNotFound) {
		return nil, fmt.Errorf("%w: uid %s", ErrServiceNotFound, uid)
	}
	if err != nil {
		return nil, err
	}
	return service.UnmarshalService(data)
}

// GetServiceByURL returns the locked descriptor registered at url.
func (r *Registry) GetServiceByURL(ctx context.Context, url string) (*service.Service, error) {
	if self := r.self(); self.CanonicalURL == url {
		return self.Lock(), nil
	}
	uid, err := r.bucket.GetString(ctx, urlPrefix+objstore.EncodeKey(url))
	if errors.Is(err, objstore.ErrNotFound) {
		return nil, fmt.Errorf("%w: url %s", ErrServiceNotFound, url)
	}
	if err != nil {
		return nil, err
	}
	svc, err := r.GetService(ctx, uid)
	if errors.Is(err, ErrServiceNotFound) {
		// Minted but never completed.
		return nil, fmt.Errorf("%w: url %s", ErrServiceNotFound, url)
	}
	return svc, err
}

// UpdateService replaces a registered descriptor with a rotated one.
// The new descriptor must chain to the stored one.
func (r *Registry) UpdateService(ctx context.Context, descriptor *service.Service) error {
	stored, err := r.GetService(ctx, descriptor.UID)
	if err != nil {
		return err
	}
	if stored.UID == r.self().UID {
		return fmt.Errorf("%w: the registry updates itself", ErrRegistration)
	}
	if err := stored.VerifySuccessor(descriptor); err != nil {
		return err
	}
	if descriptor.LastKeyUpdate.Before(stored.LastKeyUpdate) {
		return fmt.Errorf("%w: %s is older than the registered descriptor", service.ErrRolloverChain, descriptor)
	}
	r.logger.Info("updated service", "service_uid", descriptor.UID, "certificate", descriptor.PublicCertificate.Fingerprint())
	return r.store(ctx, descriptor.Lock())
}

// ResolveUID implements trust.Resolver for the registry's own trust
// store.
func (r *Registry) ResolveUID(ctx context.Context, uid string) (*service.Service, error) {
	return r.GetService(ctx, uid)
}

// ResolveURL implements trust.Resolver.
func (r *Registry) ResolveURL(ctx context.Context, url string) (*service.Service, error) {
	return r.GetServiceByURL(ctx, url)
}

// newChallenge returns a random registration challenge.
func newChallenge() string {
	return keys.RandomHex(32)
}
