// Copyright 2026 The Acquire Authors
// SPDX-License-Identifier: Apache-2.0

package service

import (
	"errors"

	"github.com/acquire-foundation/acquire/lib/envelope"
)

var (
	// ErrLocked is returned when an operation needs private keys that
	// a locked descriptor does not carry.
	ErrLocked = errors.New("service: descriptor is locked")

	// ErrInvalidDescriptor is returned when a descriptor is malformed
	// or its signatures do not verify.
	ErrInvalidDescriptor = errors.New("service: invalid descriptor")

	// ErrRolloverChain is returned when a descriptor does not follow
	// from the copy already known.
	ErrRolloverChain = errors.New("service: broken key rollover chain")

	// ErrAlreadyTransitioned is returned by Transition on a service
	// that already has a registry UID.
	ErrAlreadyTransitioned = errors.New("service: already transitioned")

	// ErrUnknownFunction is returned for calls to unregistered
	// functions.
	ErrUnknownFunction = errors.New("service: unknown function")
)

func init() {
	envelope.RegisterError("service", "ServiceLockedError", ErrLocked)
	envelope.RegisterError("service", "InvalidDescriptorError", ErrInvalidDescriptor)
	envelope.RegisterError("service", "RolloverChainError", ErrRolloverChain)
	envelope.RegisterError("service", "AlreadyTransitionedError", ErrAlreadyTransitioned)
}
