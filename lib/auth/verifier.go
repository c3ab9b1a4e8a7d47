// Copyright 2026 The Acquire Authors
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/zeebo/blake3"

	"github.com/acquire-foundation/acquire/lib/clock"
	"github.com/acquire-foundation/acquire/lib/keys"
	"github.com/acquire-foundation/acquire/lib/objstore"
)

const (
	// DefaultStaleness is how long an authorisation stays usable.
	DefaultStaleness = 7200 * time.Second

	// DefaultRefresh is how long a verified session certificate is
	// trusted before the identity service is asked again.
	DefaultRefresh = 3600 * time.Second

	usedPrefix = "authorisations/used/"
)

// Session status values reported by identity services.
const (
	SessionPending    = "pending"
	SessionApproved   = "approved"
	SessionDenied     = "denied"
	SessionSuspicious = "suspicious"
	SessionLoggedOut  = "logged_out"
)

// SessionInfo is what an identity service reports about a login
// session.
type SessionInfo struct {
	SessionUID        string          `json:"session_uid"`
	UserUID           string          `json:"user_uid"`
	Username          string          `json:"username,omitempty"`
	Status            string          `json:"session_status"`
	PublicKey         *keys.PublicKey `json:"public_key,omitempty"`
	PublicCertificate *keys.PublicKey `json:"public_certificate"`
	LoginTime         time.Time       `json:"login_datetime,omitzero"`
	LogoutTime        time.Time       `json:"logout_datetime,omitzero"`
}

// SessionFetcher looks up a login session at the identity service
// identityUID.
type SessionFetcher interface {
	FetchSession(ctx context.Context, identityUID, sessionUID string) (SessionInfo, error)
}

// VerifierConfig configures a Verifier.
type VerifierConfig struct {
	// Sessions is required.
	Sessions SessionFetcher

	// Bucket records used authorisations for AssertOnce. Required
	// for AssertOnce.
	Bucket *objstore.Bucket

	// Staleness defaults to DefaultStaleness; Refresh to
	// DefaultRefresh.
	Staleness time.Duration
	Refresh   time.Duration

	Clock  clock.Clock
	Logger *slog.Logger
}

// Verifier verifies authorisations.
type Verifier struct {
	sessions  SessionFetcher
	bucket    *objstore.Bucket
	staleness time.Duration
	refresh   time.Duration
	clock     clock.Clock
	logger    *slog.Logger

	// certificates caches approved session certificates.
	certificates *cache.Cache

	// nonces is the in-memory half of AssertOnce.
	nonces *cache.Cache
}

type cachedCertificate struct {
	certificate *keys.PublicKey
	userUID     string
	fetched     time.Time
}

// NewVerifier creates a Verifier.
func NewVerifier(cfg VerifierConfig) *Verifier {
	if cfg.Sessions == nil {
		panic("auth: Sessions is required")
	}
	v := &Verifier{
		sessions:  cfg.Sessions,
		bucket:    cfg.Bucket,
		staleness: cfg.Staleness,
		refresh:   cfg.Refresh,
		clock:     cfg.Clock,
		logger:    cfg.Logger,
	}
	if v.staleness <= 0 {
		v.staleness = DefaultStaleness
	}
	if v.refresh <= 0 {
		v.refresh = DefaultRefresh
	}
	if v.clock == nil {
		v.clock = clock.Real()
	}
	if v.logger == nil {
		v.logger = slog.New(slog.DiscardHandler)
	}
	v.certificates = cache.New(v.refresh, 10*time.Minute)
	v.nonces = cache.New(v.staleness, 10*time.Minute)
	return v
}

func certificateKey(identityUID, sessionUID string) string {
	return identityUID + "/" + sessionUID
}

// Verify checks that a was made for resource, is not stale, and was
// signed by an approved session of its user.
func (v *Verifier) Verify(ctx context.Context, a *Authorisation, resource string) error {
	if err := a.validate(); err != nil {
		return err
	}
	if a.ResourceFingerprint != ResourceFingerprint(resource) {
		return ErrResourceMismatch
	}
	now := v.clock.Now()
	if now.Sub(a.AuthTime) > v.staleness {
		return fmt.Errorf("%w: signed at %s", ErrStale, a.AuthTime.Format(time.RFC3339))
	}
	if a.AuthTime.After(now.Add(time.Minute)) {
		return fmt.Errorf("%w: signed in the future", ErrInvalidAuthorisation)
	}

	certificate, err := v.certificate(ctx, a, now)
	if err != nil {
		return err
	}
	if err := a.verifySignature(certificate); err != nil {
		return err
	}
	a.LastValidated = now
	return nil
}

// certificate returns the session certificate, asking the identity
// service unless it was confirmed within the refresh interval.
func (v *Verifier) certificate(ctx context.Context, a *Authorisation, now time.Time) (*keys.PublicKey, error) {
	key := certificateKey(a.IdentityUID, a.SessionUID)
	if value, ok := v.certificates.Get(key); ok {
		cached := value.(cachedCertificate)
		if now.Sub(cached.fetched) < v.refresh && cached.userUID == a.UserUID {
			return cached.certificate, nil
		}
	}

	info, err := v.sessions.FetchSession(ctx, a.IdentityUID, a.SessionUID)
	if err != nil {
		return nil, err
	}
	if info.UserUID != a.UserUID {
		return nil, fmt.Errorf("%w: session belongs to another user", ErrInvalidAuthorisation)
	}
	if info.Status != SessionApproved {
		v.certificates.Delete(key)
		return nil, fmt.Errorf("%w: session %s is %s", ErrSessionNotApproved, a.SessionUID, info.Status)
	}
	if info.PublicCertificate == nil {
		return nil, fmt.Errorf("%w: session has no certificate", ErrInvalidAuthorisation)
	}
	v.certificates.Set(key, cachedCertificate{
		certificate: info.PublicCertificate,
		userUID:     info.UserUID,
		fetched:     now,
	}, cache.DefaultExpiration)
	return info.PublicCertificate, nil
}

// Forget drops the cached certificate of a session so that the next
// verification asks the identity service.
func (v *Verifier) Forget(identityUID, sessionUID string) {
	v.certificates.Delete(certificateKey(identityUID, sessionUID))
}

// Clear drops every cached certificate.
func (v *Verifier) Clear() {
	v.certificates.Flush()
}

// nonce identifies an authorisation by its signature.
func nonce(a *Authorisation) string {
	sum := blake3.Sum256(a.Signature)
	return hex.EncodeToString(sum[:])
}

// AssertOnce verifies a and records it as used. A second AssertOnce
// of the same authorisation fails with ErrAlreadyUsed, across
// restarts and across processes sharing the bucket.
func (v *Verifier) AssertOnce(ctx context.Context, a *Authorisation, resource string) error {
	if v.bucket == nil {
		panic("auth: AssertOnce needs a Bucket")
	}
	if err := v.Verify(ctx, a, resource); err != nil {
		return err
	}
	id := nonce(a)
	if err := v.nonces.Add(id, struct{}{}, cache.DefaultExpiration); err != nil {
		return ErrAlreadyUsed
	}
	record := []byte(objstore.FormatTime(a.AuthTime))
	_, inserted, err := v.bucket.SetIns(ctx, usedPrefix+id, record)
	if err != nil {
		v.nonces.Delete(id)
		return err
	}
	if !inserted {
		return ErrAlreadyUsed
	}
	return nil
}
