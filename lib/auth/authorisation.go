// Copyright 2026 The Acquire Authors
// SPDX-License-Identifier: Apache-2.0

// Package auth creates and verifies authorisations: a user's login
// session key signing one resource at one time. Services verify them
// against the session certificate held by the user's identity service
// and can require that each is used only once.
package auth

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/acquire-foundation/acquire/lib/envelope"
	"github.com/acquire-foundation/acquire/lib/keys"
)

var (
	// ErrPermissionDenied is returned when an authorised user lacks a
	// permission. It deliberately names nothing.
	ErrPermissionDenied = errors.New("permission denied")

	// ErrInvalidAuthorisation is returned for a missing field or a bad
	// signature.
	ErrInvalidAuthorisation = errors.New("auth: invalid authorisation")

	// ErrResourceMismatch is returned when an authorisation was made
	// for a different resource.
	ErrResourceMismatch = errors.New("auth: authorisation is for a different resource")

	// ErrStale is returned for authorisations older than the staleness
	// limit.
	ErrStale = errors.New("auth: authorisation is stale")

	// ErrSessionNotApproved is returned when the signing session is not
	// approved.
	ErrSessionNotApproved = errors.New("auth: login session is not approved")

	// ErrAlreadyUsed is returned by AssertOnce for a repeated
	// authorisation.
	ErrAlreadyUsed = errors.New("auth: authorisation has already been used")
)

func init() {
	envelope.RegisterError("auth", "PermissionError", ErrPermissionDenied)
	envelope.RegisterError("auth", "AuthorisationError", ErrInvalidAuthorisation)
	envelope.RegisterError("auth", "ResourceMismatchError", ErrResourceMismatch)
	envelope.RegisterError("auth", "StaleAuthorisationError", ErrStale)
	envelope.RegisterError("auth", "SessionNotApprovedError", ErrSessionNotApproved)
	envelope.RegisterError("auth", "AlreadyUsedError", ErrAlreadyUsed)
}

// Authorisation is a user's signed approval of one resource.
type Authorisation struct {
	UserUID             string    `json:"user_uid"`
	SessionUID          string    `json:"session_uid"`
	IdentityUID         string    `json:"identity_uid"`
	AuthTime            time.Time `json:"auth_datetime"`
	ResourceFingerprint string    `json:"resource"`
	Signature           []byte    `json:"signature"`

	// LastValidated is when this process last verified the
	// authorisation. It never travels.
	LastValidated time.Time `json:"-"`
}

// ResourceFingerprint returns the fingerprint an authorisation records
// for resource.
func ResourceFingerprint(resource string) string {
	return keys.Fingerprint([]byte(resource))
}

// Create signs resource as the user of a login session.
func Create(sessionKey *keys.PrivateKey, userUID, sessionUID, identityUID, resource string, now time.Time) *Authorisation {
	a := &Authorisation{
		UserUID:             userUID,
		SessionUID:          sessionUID,
		IdentityUID:         identityUID,
		AuthTime:            now.UTC().Truncate(time.Microsecond),
		ResourceFingerprint: ResourceFingerprint(resource),
	}
	a.Signature = sessionKey.Sign(a.message())
	return a
}

func (a *Authorisation) message() []byte {
	return []byte(strings.Join([]string{
		a.UserUID,
		a.SessionUID,
		a.IdentityUID,
		a.ResourceFingerprint,
		a.AuthTime.UTC().Format(time.RFC3339Nano),
	}, "|"))
}

// UserGUID identifies the user across the federation.
func (a *Authorisation) UserGUID() string {
	return a.UserUID + "@" + a.IdentityUID
}

// IsAdmin reports whether the user is in adminList, a list of user
// GUIDs.
func (a *Authorisation) IsAdmin(adminList []string) bool {
	return a != nil && slices.Contains(adminList, a.UserGUID())
}

func (a *Authorisation) validate() error {
	if a == nil || a.UserUID == "" || a.SessionUID == "" || a.IdentityUID == "" || len(a.Signature) == 0 {
		return fmt.Errorf("%w: incomplete", ErrInvalidAuthorisation)
	}
	return nil
}

// verifySignature checks the signature against the session
// certificate.
func (a *Authorisation) verifySignature(certificate *keys.PublicKey) error {
	if err := certificate.Verify(a.message(), a.Signature); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidAuthorisation, err)
	}
	return nil
}
