// Copyright 2026 The Acquire Authors
// SPDX-License-Identifier: Apache-2.0

package envelope

import (
	"errors"
	"fmt"
	"sync"

	"github.com/acquire-foundation/acquire/lib/keys"
)

var (
	// ErrPacking is returned when an envelope cannot be built.
	ErrPacking = errors.New("envelope: packing failed")

	// ErrUnpacking is returned for malformed envelopes and for
	// missing or invalid signatures.
	ErrUnpacking = errors.New("envelope: unpacking failed")

	// ErrRemoteFunctionCall is returned when a remote function fails or
	// cannot be reached. Every *RemoteError unwraps to it.
	ErrRemoteFunctionCall = errors.New("envelope: remote function call failed")
)

// Exception describes a classified error carried in a return value.
type Exception struct {
	Class     string `json:"class"`
	Module    string `json:"module"`
	Error     string `json:"error"`
	Traceback string `json:"traceback,omitempty"`
}

// RemoteError is a failure reported by a remote function. It unwraps
// to ErrRemoteFunctionCall and, when the remote error was classified,
// to the sentinel registered locally for the same module and class.
type RemoteError struct {
	Function string
	Service  string
	Status   int
	Message  string

	// Exception is set for status -2.
	Exception *Exception

	sentinel error
}

func (e *RemoteError) Error() string {
	message := e.Message
	if e.Exception != nil {
		message = e.Exception.Error
	}
	return fmt.Sprintf("error calling %q on %q: %s", e.Function, e.Service, message)
}

func (e *RemoteError) Unwrap() []error {
	if e.sentinel != nil {
		return []error{e.sentinel, ErrRemoteFunctionCall}
	}
	return []error{ErrRemoteFunctionCall}
}

type registration struct {
	module   string
	class    string
	sentinel error
}

var registry struct {
	mu      sync.RWMutex
	entries []registration
	byName  map[string]error
}

// RegisterError makes sentinel transportable: a handler error that
// wraps it is sent as an exception of the given module and class, and
// the caller's RemoteError unwraps to the sentinel registered there
// under the same names. Registering a module and class twice panics.
func RegisterError(module, class string, sentinel error) {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	name := module + "." + class
	if registry.byName == nil {
		registry.byName = make(map[string]error)
	}
	if _, exists := registry.byName[name]; exists {
		panic(fmt.Sprintf("envelope: error %s registered twice", name))
	}
	registry.byName[name] = sentinel
	registry.entries = append(registry.entries, registration{module: module, class: class, sentinel: sentinel})
}

// Classify returns the module and class of the most specific
// registered sentinel err wraps.
func Classify(err error) (module, class string, ok bool) {
	registry.mu.RLock()
	defer registry.mu.RUnlock()
	var best *registration
	for i := range registry.entries {
		entry := &registry.entries[i]
		if !errors.Is(err, entry.sentinel) {
			continue
		}
		// A sentinel that wraps the current best is more specific.
		if best == nil || errors.Is(entry.sentinel, best.sentinel) {
			best = entry
		}
	}
	if best == nil {
		return "", "", false
	}
	return best.module, best.class, true
}

// Lookup returns the sentinel registered for module and class.
func Lookup(module, class string) (error, bool) {
	registry.mu.RLock()
	defer registry.mu.RUnlock()
	sentinel, ok := registry.byName[module+"."+class]
	return sentinel, ok
}

func init() {
	RegisterError("envelope", "PackingError", ErrPacking)
	RegisterError("envelope", "UnpackingError", ErrUnpacking)
	RegisterError("keys", "DecryptionError", keys.ErrDecryption)
	RegisterError("keys", "SignatureVerificationError", keys.ErrSignatureVerification)
	RegisterError("keys", "KeyManipulationError", keys.ErrKeyManipulation)
	RegisterError("keys", "WeakPassphraseError", keys.ErrWeakPassphrase)
	RegisterError("keys", "OTPError", keys.ErrOTP)
}
