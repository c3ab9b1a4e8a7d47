// Copyright 2026 The Acquire Authors
// SPDX-License-Identifier: Apache-2.0

package identity

import (
	"errors"

	"github.com/acquire-foundation/acquire/lib/envelope"
)

var (
	// ErrUserExists is returned when registering a taken username.
	ErrUserExists = errors.New("identity: username is already registered")

	// ErrUserNotFound is returned for an unknown username or uid.
	ErrUserNotFound = errors.New("identity: user not found")

	// ErrLogin is returned for every credential failure. It does not
	// say which credential was wrong.
	ErrLogin = errors.New("identity: login failed")

	// ErrRepeatedOTPCode is returned when a one-time code is presented
	// twice inside the replay window.
	ErrRepeatedOTPCode = errors.New("identity: one-time code has already been used")

	// ErrSessionNotFound is returned for an unknown login session.
	ErrSessionNotFound = errors.New("identity: login session not found")

	// ErrSessionState is returned for a transition the session's
	// current status does not allow.
	ErrSessionState = errors.New("identity: login session is in the wrong state")

	// ErrAmbiguousSession is returned when a short uid and username
	// match more than one pending session.
	ErrAmbiguousSession = errors.New("identity: more than one pending session matches")
)

func init() {
	envelope.RegisterError("identity", "UserExistsError", ErrUserExists)
	envelope.RegisterError("identity", "UserNotFoundError", ErrUserNotFound)
	envelope.RegisterError("identity", "LoginError", ErrLogin)
	envelope.RegisterError("identity", "RepeatedOTPCodeError", ErrRepeatedOTPCode)
	envelope.RegisterError("identity", "SessionNotFoundError", ErrSessionNotFound)
	envelope.RegisterError("identity", "SessionStateError", ErrSessionState)
	envelope.RegisterError("identity", "AmbiguousSessionError", ErrAmbiguousSession)
}
