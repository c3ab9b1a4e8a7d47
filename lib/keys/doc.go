// Copyright 2026 The Acquire Authors
// SPDX-License-Identifier: Apache-2.0

// Package keys holds the cryptographic primitives every Acquire
// service and client shares.
//
// A [PrivateKey] pairs an age X25519 identity (for encryption) with an
// Ed25519 key (for signatures). Services keep two of them: the "key"
// that peers encrypt to and the "certificate" that signs responses and
// descriptors. Serialized private keys are age scrypt ciphertext inside
// a PEM block, so they can sit in an object store bucket.
//
// [SymmetricKey] is XChaCha20-Poly1305 with a versioned blob format,
// keyed either randomly or through HKDF from a shared secret. [OTP] is
// RFC 6238 TOTP. [MultiMD5] and [DerivePassphrase] are the derivations
// used to turn usernames, session ids and passwords into key material.
package keys
