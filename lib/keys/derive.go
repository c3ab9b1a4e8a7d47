// Copyright 2026 The Acquire Authors
// SPDX-License-Identifier: Apache-2.0

package keys

import (
	"crypto/md5"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"

	"github.com/zeebo/blake3"
	"golang.org/x/crypto/argon2"
)

// MultiMD5 returns hex(md5(a)) + hex(md5(b)). Acquire uses it as a
// salt and as a shared secret between parties that both know a and b
// (a username and a session id, a cluster secret and a job uid). It is
// a naming derivation, not a security boundary on its own.
func MultiMD5(a, b string) string {
	first := md5.Sum([]byte(a))
	second := md5.Sum([]byte(b))
	return hex.EncodeToString(first[:]) + hex.EncodeToString(second[:])
}

// DerivePassphrase stretches a password with argon2id into a
// passphrase suitable for PrivateKey.Bytes.
func DerivePassphrase(password, salt string) string {
	key := argon2.IDKey([]byte(password), []byte(salt), 1, 19*1024, 2, 32)
	return base64.RawStdEncoding.EncodeToString(key)
}

// Fingerprint returns the hex BLAKE3 digest of data. Used for resource
// fingerprints and single-use nonce keys.
func Fingerprint(data []byte) string {
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// RandomHex returns n random bytes as hex.
func RandomHex(n int) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		panic("keys: random source failed: " + err.Error())
	}
	return hex.EncodeToString(buf)
}
