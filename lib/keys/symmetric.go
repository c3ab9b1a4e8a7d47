// Copyright 2026 The Acquire Authors
// SPDX-License-Identifier: Apache-2.0

package keys

import (
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"github.com/zeebo/blake3"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// symmetricBlobVersion leads every SymmetricKey ciphertext and is
// authenticated as additional data.
const symmetricBlobVersion byte = 0x01

var hkdfInfoSymmetric = []byte("acquire.symmetric.v1")

// SymmetricKey is an XChaCha20-Poly1305 key. Ciphertext layout:
//
//	[version 1 byte] [nonce 24 bytes] [ciphertext+tag]
type SymmetricKey struct {
	key [chacha20poly1305.KeySize]byte
}

// NewSymmetricKey derives a key from a shared secret string. Both
// sides of a password packaging exchange derive the same key from the
// same secret.
func NewSymmetricKey(secret string) *SymmetricKey {
	seed := blake3.Sum256([]byte(secret))
	reader := hkdf.New(sha256.New, seed[:], nil, hkdfInfoSymmetric)
	k := &SymmetricKey{}
	if _, err := io.ReadFull(reader, k.key[:]); err != nil {
		panic("keys: hkdf read failed: " + err.Error())
	}
	return k
}

// GenerateSymmetricKey returns a random key.
func GenerateSymmetricKey() (*SymmetricKey, error) {
	k := &SymmetricKey{}
	if _, err := rand.Read(k.key[:]); err != nil {
		return nil, fmt.Errorf("keys: generating symmetric key: %w", err)
	}
	return k, nil
}

// Encrypt seals data under the key with a random nonce.
func (k *SymmetricKey) Encrypt(data []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(k.key[:])
	if err != nil {
		return nil, fmt.Errorf("keys: creating aead: %w", err)
	}
	out := make([]byte, 1+chacha20poly1305.NonceSizeX, 1+chacha20poly1305.NonceSizeX+len(data)+aead.Overhead())
	out[0] = symmetricBlobVersion
	if _, err := rand.Read(out[1:]); err != nil {
		return nil, fmt.Errorf("keys: generating nonce: %w", err)
	}
	return aead.Seal(out, out[1:], data, out[:1]), nil
}

// Decrypt opens a blob produced by Encrypt.
func (k *SymmetricKey) Decrypt(blob []byte) ([]byte, error) {
	if len(blob) < 1+chacha20poly1305.NonceSizeX+chacha20poly1305.Overhead {
		return nil, fmt.Errorf("%w: blob too short", ErrDecryption)
	}
	if blob[0] != symmetricBlobVersion {
		return nil, fmt.Errorf("%w: unknown blob version %d", ErrDecryption, blob[0])
	}
	aead, err := chacha20poly1305.NewX(k.key[:])
	if err != nil {
		return nil, fmt.Errorf("keys: creating aead: %w", err)
	}
	nonce := blob[1 : 1+chacha20poly1305.NonceSizeX]
	plaintext, err := aead.Open(nil, nonce, blob[1+chacha20poly1305.NonceSizeX:], blob[:1])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryption, err)
	}
	return plaintext, nil
}
