// Copyright 2026 The Acquire Authors
// SPDX-License-Identifier: Apache-2.0

package keys

import "errors"

var (
	// ErrDecryption is returned when ciphertext cannot be opened with
	// the supplied key: wrong key, truncated or tampered data.
	ErrDecryption = errors.New("keys: decryption failed")

	// ErrSignatureVerification is returned when a signature does not
	// match the data and public key.
	ErrSignatureVerification = errors.New("keys: signature verification failed")

	// ErrKeyManipulation is returned when a key cannot be parsed or a
	// fingerprint names no known key.
	ErrKeyManipulation = errors.New("keys: key manipulation failed")

	// ErrWeakPassphrase is returned when serializing a private key
	// under a passphrase that is too short.
	ErrWeakPassphrase = errors.New("keys: passphrase too weak")

	// ErrOTP is returned when a one-time code does not verify.
	ErrOTP = errors.New("keys: invalid one-time code")
)
