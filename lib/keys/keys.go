// Copyright 2026 The Acquire Authors
// SPDX-License-Identifier: Apache-2.0

package keys

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"io"
	"strings"

	"filippo.io/age"
	"github.com/zeebo/blake3"

	"github.com/acquire-foundation/acquire/lib/codec"
)

const (
	privateKeyBlock = "ACQUIRE PRIVATE KEY"
	publicKeyBlock  = "ACQUIRE PUBLIC KEY"

	// minimumPassphrase is the shortest passphrase Bytes accepts.
	minimumPassphrase = 6

	// unsafePassphrase protects keys written by UnsafeBytes.
	unsafePassphrase = "acquire-unsafe-test-key"

	// scryptWorkFactor is log2 of the scrypt N parameter used when
	// serializing private keys.
	scryptWorkFactor = 15
)

// PrivateKey is an encryption identity plus a signing key.
type PrivateKey struct {
	identity *age.X25519Identity
	signing  ed25519.PrivateKey
}

// PublicKey is the public half of a PrivateKey.
type PublicKey struct {
	recipient *age.X25519Recipient
	verifying ed25519.PublicKey
}

// keyMaterial is the serialized form of a private key, before it is
// wrapped in age scrypt encryption.
type keyMaterial struct {
	Encrypt string `json:"encrypt"`
	Sign    []byte `json:"sign"`
}

// publicMaterial is the serialized body of a PEM public key.
type publicMaterial struct {
	Encrypt string `json:"encrypt"`
	Verify  []byte `json:"verify"`
}

// Generate creates a new random private key.
func Generate() (*PrivateKey, error) {
	identity, err := age.GenerateX25519Identity()
	if err != nil {
		return nil, fmt.Errorf("keys: generating x25519 identity: %w", err)
	}
	_, signing, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("keys: generating ed25519 key: %w", err)
	}
	return &PrivateKey{identity: identity, signing: signing}, nil
}

// MustGenerate is Generate for tests and process start-up, where a
// failing random source is unrecoverable.
func MustGenerate() *PrivateKey {
	key, err := Generate()
	if err != nil {
		panic(err)
	}
	return key
}

// PublicKey returns the public half.
func (k *PrivateKey) PublicKey() *PublicKey {
	return &PublicKey{
		recipient: k.identity.Recipient(),
		verifying: k.signing.Public().(ed25519.PublicKey),
	}
}

// Fingerprint is the fingerprint of the public half.
func (k *PrivateKey) Fingerprint() string {
	return k.PublicKey().Fingerprint()
}

// Sign returns an Ed25519 signature over data.
func (k *PrivateKey) Sign(data []byte) []byte {
	return ed25519.Sign(k.signing, data)
}

// Encrypt encrypts data to this key's public half.
func (k *PrivateKey) Encrypt(data []byte) ([]byte, error) {
	return k.PublicKey().Encrypt(data)
}

// Decrypt opens ciphertext produced by Encrypt.
func (k *PrivateKey) Decrypt(ciphertext []byte) ([]byte, error) {
	reader, err := age.Decrypt(bytes.NewReader(ciphertext), k.identity)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryption, err)
	}
	plaintext, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryption, err)
	}
	return plaintext, nil
}

// Bytes serializes the key as PEM, encrypted under passphrase.
func (k *PrivateKey) Bytes(passphrase string) ([]byte, error) {
	if len(passphrase) < minimumPassphrase {
		return nil, ErrWeakPassphrase
	}
	recipient, err := age.NewScryptRecipient(passphrase)
	if err != nil {
		return nil, fmt.Errorf("keys: scrypt recipient: %w", err)
	}
	recipient.SetWorkFactor(scryptWorkFactor)

	material, err := codec.Marshal(keyMaterial{Encrypt: k.identity.String(), Sign: k.signing.Seed()})
	if err != nil {
		return nil, fmt.Errorf("keys: encoding key material: %w", err)
	}
	sealed, err := seal(material, recipient)
	if err != nil {
		return nil, err
	}
	return pem.EncodeToMemory(&pem.Block{Type: privateKeyBlock, Bytes: sealed}), nil
}

// UnsafeBytes serializes the key under a fixed, public passphrase.
// ReadPrivateKey with an empty passphrase reads it back. Tests only.
func (k *PrivateKey) UnsafeBytes() []byte {
	data, err := k.Bytes(unsafePassphrase)
	if err != nil {
		panic(err)
	}
	return data
}

// ReadPrivateKey parses PEM produced by Bytes.
func ReadPrivateKey(data []byte, passphrase string) (*PrivateKey, error) {
	if passphrase == "" {
		passphrase = unsafePassphrase
	}
	block, _ := pem.Decode(data)
	if block == nil || block.Type != privateKeyBlock {
		return nil, fmt.Errorf("%w: not an %s block", ErrKeyManipulation, privateKeyBlock)
	}
	identity, err := age.NewScryptIdentity(passphrase)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyManipulation, err)
	}
	reader, err := age.Decrypt(bytes.NewReader(block.Bytes), identity)
	if err != nil {
		return nil, fmt.Errorf("%w: wrong passphrase or corrupt key: %v", ErrDecryption, err)
	}
	material, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryption, err)
	}
	var decoded keyMaterial
	if err := codec.Unmarshal(material, &decoded); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyManipulation, err)
	}
	return fromMaterial(decoded)
}

// SealTo serializes the key encrypted to another key's public half.
// Services store their rotated keys sealed to their skeleton key.
func (k *PrivateKey) SealTo(owner *PublicKey) ([]byte, error) {
	material, err := codec.Marshal(keyMaterial{Encrypt: k.identity.String(), Sign: k.signing.Seed()})
	if err != nil {
		return nil, fmt.Errorf("keys: encoding key material: %w", err)
	}
	return owner.Encrypt(material)
}

// OpenSealed reverses SealTo.
func OpenSealed(sealed []byte, owner *PrivateKey) (*PrivateKey, error) {
	material, err := owner.Decrypt(sealed)
	if err != nil {
		return nil, err
	}
	var decoded keyMaterial
	if err := codec.Unmarshal(material, &decoded); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyManipulation, err)
	}
	return fromMaterial(decoded)
}

func fromMaterial(material keyMaterial) (*PrivateKey, error) {
	x25519, err := age.ParseX25519Identity(material.Encrypt)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyManipulation, err)
	}
	if len(material.Sign) != ed25519.SeedSize {
		return nil, fmt.Errorf("%w: signing seed is %d bytes", ErrKeyManipulation, len(material.Sign))
	}
	return &PrivateKey{identity: x25519, signing: ed25519.NewKeyFromSeed(material.Sign)}, nil
}

// Encrypt encrypts data so that only the matching private key can
// open it.
func (k *PublicKey) Encrypt(data []byte) ([]byte, error) {
	return seal(data, k.recipient)
}

// Verify checks an Ed25519 signature over data.
func (k *PublicKey) Verify(data, signature []byte) error {
	if !ed25519.Verify(k.verifying, data, signature) {
		return ErrSignatureVerification
	}
	return nil
}

// Bytes serializes the public key as PEM.
func (k *PublicKey) Bytes() []byte {
	return pem.EncodeToMemory(&pem.Block{Type: publicKeyBlock, Bytes: k.body()})
}

func (k *PublicKey) body() []byte {
	return codec.MustMarshal(publicMaterial{Encrypt: k.recipient.String(), Verify: k.verifying})
}

// Fingerprint is the first 16 bytes of the BLAKE3 hash of the public
// key, as colon-separated hex.
func (k *PublicKey) Fingerprint() string {
	sum := blake3.Sum256(k.body())
	parts := make([]string, 16)
	for i := range parts {
		parts[i] = hex.EncodeToString(sum[i : i+1])
	}
	return strings.Join(parts, ":")
}

// Equal reports whether two public keys are the same.
func (k *PublicKey) Equal(other *PublicKey) bool {
	if k == nil || other == nil {
		return k == other
	}
	return bytes.Equal(k.body(), other.body())
}

// ReadPublicKey parses PEM produced by PublicKey.Bytes.
func ReadPublicKey(data []byte) (*PublicKey, error) {
	block, _ := pem.Decode(data)
	if block == nil || block.Type != publicKeyBlock {
		return nil, fmt.Errorf("%w: not an %s block", ErrKeyManipulation, publicKeyBlock)
	}
	var material publicMaterial
	if err := codec.Unmarshal(block.Bytes, &material); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyManipulation, err)
	}
	recipient, err := age.ParseX25519Recipient(material.Encrypt)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyManipulation, err)
	}
	if len(material.Verify) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("%w: verifying key is %d bytes", ErrKeyManipulation, len(material.Verify))
	}
	return &PublicKey{recipient: recipient, verifying: ed25519.PublicKey(material.Verify)}, nil
}

// MarshalText encodes the key as PEM so it embeds in JSON documents.
func (k *PublicKey) MarshalText() ([]byte, error) {
	return k.Bytes(), nil
}

// UnmarshalText decodes PEM.
func (k *PublicKey) UnmarshalText(text []byte) error {
	parsed, err := ReadPublicKey(text)
	if err != nil {
		return err
	}
	*k = *parsed
	return nil
}

func seal(data []byte, recipient age.Recipient) ([]byte, error) {
	var buffer bytes.Buffer
	writer, err := age.Encrypt(&buffer, recipient)
	if err != nil {
		return nil, fmt.Errorf("keys: creating age encryptor: %w", err)
	}
	if _, err := writer.Write(data); err != nil {
		return nil, fmt.Errorf("keys: encrypting: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("keys: finalizing encryption: %w", err)
	}
	return buffer.Bytes(), nil
}
