// Copyright 2026 The Acquire Authors
// SPDX-License-Identifier: Apache-2.0

package service

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/acquire-foundation/acquire/lib/codec"
	"github.com/acquire-foundation/acquire/lib/keys"
)

// Type is the role a service plays in the federation.
type Type string

const (
	TypeRegistry   Type = "registry"
	TypeIdentity   Type = "identity"
	TypeAccounting Type = "accounting"
	TypeStorage    Type = "storage"
	TypeAccess     Type = "access"
	TypeCompute    Type = "compute"
)

// Valid reports whether t is a known service type.
func (t Type) Valid() bool {
	switch t {
	case TypeRegistry, TypeIdentity, TypeAccounting, TypeStorage, TypeAccess, TypeCompute:
		return true
	}
	return false
}

// StageOneUID is the placeholder UID of a service that has not yet
// completed registration.
const StageOneUID = "STAGE1"

// DefaultKeyUpdateInterval is how often services rotate their keys.
const DefaultKeyUpdateInterval = 7 * 24 * time.Hour

// Service describes one service of the federation. The exported
// fields are public and travel between services; a Service created by
// New or LoadUnlocked also carries the private keys, which Lock
// strips.
//
// Each service holds two key pairs: the key, which callers encrypt
// requests to, and the certificate, which signs replies and the
// descriptor itself. Rotation keeps the previous pair so that
// requests and replies in flight across a rotation still verify.
type Service struct {
	UID                 string          `json:"uid"`
	CanonicalURL        string          `json:"canonical_url"`
	Type                Type            `json:"service_type"`
	PublicKey           *keys.PublicKey `json:"public_key"`
	PublicCertificate   *keys.PublicKey `json:"public_certificate"`
	PreviousPublicKey   *keys.PublicKey `json:"previous_public_key,omitempty"`
	PreviousCertificate *keys.PublicKey `json:"previous_certificate,omitempty"`
	LastKeyUpdate       time.Time       `json:"last_key_update"`
	KeyUpdateInterval   time.Duration   `json:"key_update_interval"`
	ServiceUserUID      string          `json:"service_user_uid,omitempty"`

	// Validation is the current certificate's signature over the
	// public fields.
	Validation []byte `json:"validation"`

	// RolloverProof is the previous certificate's signature over the
	// same bytes. It links this descriptor to the one before rotation.
	RolloverProof []byte `json:"rollover_proof,omitempty"`

	private *privateState
}

type privateState struct {
	skeletonKey                *keys.PrivateKey
	privateKey                 *keys.PrivateKey
	privateCertificate         *keys.PrivateKey
	previousPrivateKey         *keys.PrivateKey
	previousPrivateCertificate *keys.PrivateKey

	// serviceUserSecrets is encrypted to the skeleton key.
	serviceUserSecrets []byte
}

// New creates an unregistered service with fresh keys.
func New(serviceType Type, canonicalURL string, now time.Time) (*Service, error) {
	if !serviceType.Valid() {
		return nil, fmt.Errorf("%w: unknown service type %q", ErrInvalidDescriptor, serviceType)
	}
	if canonicalURL == "" {
		return nil, fmt.Errorf("%w: canonical url is required", ErrInvalidDescriptor)
	}
	skeleton, err := keys.Generate()
	if err != nil {
		return nil, err
	}
	key, err := keys.Generate()
	if err != nil {
		return nil, err
	}
	certificate, err := keys.Generate()
	if err != nil {
		return nil, err
	}
	s := &Service{
		UID:               StageOneUID,
		CanonicalURL:      canonicalURL,
		Type:              serviceType,
		PublicKey:         key.PublicKey(),
		PublicCertificate: certificate.PublicKey(),
		LastKeyUpdate:     now.UTC(),
		KeyUpdateInterval: DefaultKeyUpdateInterval,
		private: &privateState{
			skeletonKey:        skeleton,
			privateKey:         key,
			privateCertificate: certificate,
		},
	}
	s.sign()
	return s, nil
}

// Lock returns a copy holding only the public fields.
func (s *Service) Lock() *Service {
	locked := *s
	locked.private = nil
	return &locked
}

// Clone returns a copy sharing no mutable state with s.
func (s *Service) Clone() *Service {
	clone := *s
	if s.private != nil {
		private := *s.private
		clone.private = &private
	}
	return &clone
}

// IsLocked reports whether s lacks private keys.
func (s *Service) IsLocked() bool { return s.private == nil }

// IsTransitioned reports whether s has a registry-minted UID.
func (s *Service) IsTransitioned() bool { return s.UID != StageOneUID && s.UID != "" }

// String identifies the service in logs and errors.
func (s *Service) String() string {
	return fmt.Sprintf("%s(%s, %s)", s.Type, s.UID, s.CanonicalURL)
}

type validationPayload struct {
	UID                 string `cbor:"uid"`
	CanonicalURL        string `cbor:"canonical_url"`
	Type                string `cbor:"service_type"`
	PublicKey           []byte `cbor:"public_key"`
	PublicCertificate   []byte `cbor:"public_certificate"`
	PreviousPublicKey   []byte `cbor:"previous_public_key,omitempty"`
	PreviousCertificate []byte `cbor:"previous_certificate,omitempty"`
	LastKeyUpdate       int64  `cbor:"last_key_update"`
	KeyUpdateInterval   int64  `cbor:"key_update_interval"`
	ServiceUserUID      string `cbor:"service_user_uid,omitempty"`
}

func publicBytes(key *keys.PublicKey) []byte {
	if key == nil {
		return nil
	}
	return key.Bytes()
}

// signingBytes is the deterministic encoding of the public fields.
func (s *Service) signingBytes() []byte {
	return codec.MustMarshal(validationPayload{
		UID:                 s.UID,
		CanonicalURL:        s.CanonicalURL,
		Type:                string(s.Type),
		PublicKey:           publicBytes(s.PublicKey),
		PublicCertificate:   publicBytes(s.PublicCertificate),
		PreviousPublicKey:   publicBytes(s.PreviousPublicKey),
		PreviousCertificate: publicBytes(s.PreviousCertificate),
		LastKeyUpdate:       s.LastKeyUpdate.UnixMicro(),
		KeyUpdateInterval:   int64(s.KeyUpdateInterval),
		ServiceUserUID:      s.ServiceUserUID,
	})
}

func (s *Service) sign() {
	data := s.signingBytes()
	s.Validation = s.private.privateCertificate.Sign(data)
	s.RolloverProof = nil
	if s.private.previousPrivateCertificate != nil {
		s.RolloverProof = s.private.previousPrivateCertificate.Sign(data)
	}
}

// Verify checks the validation signature and, after a rotation, the
// rollover proof.
func (s *Service) Verify() error {
	if s.PublicKey == nil || s.PublicCertificate == nil {
		return fmt.Errorf("%w: %s has no keys", ErrInvalidDescriptor, s.UID)
	}
	data := s.signingBytes()
	if err := s.PublicCertificate.Verify(data, s.Validation); err != nil {
		return fmt.Errorf("%w: validation of %s: %v", ErrInvalidDescriptor, s.UID, err)
	}
	if s.PreviousCertificate != nil {
		if err := s.PreviousCertificate.Verify(data, s.RolloverProof); err != nil {
			return fmt.Errorf("%w: rollover proof of %s: %v", ErrInvalidDescriptor, s.UID, err)
		}
	}
	return nil
}

// VerifySuccessor checks that next is a valid later version of s: it
// verifies, keeps the identity, and either holds the same certificate
// or proves it rotated from s's certificate.
func (s *Service) VerifySuccessor(next *Service) error {
	if err := next.Verify(); err != nil {
		return err
	}
	if next.UID != s.UID || next.CanonicalURL != s.CanonicalURL || next.Type != s.Type {
		return fmt.Errorf("%w: %s does not succeed %s", ErrRolloverChain, next, s)
	}
	if next.PublicCertificate.Equal(s.PublicCertificate) {
		return nil
	}
	if next.PreviousCertificate.Equal(s.PublicCertificate) {
		return nil
	}
	return fmt.Errorf("%w: %s rotated from an unknown certificate", ErrRolloverChain, next.UID)
}

// ShouldRefresh reports whether the key update interval has passed.
func (s *Service) ShouldRefresh(now time.Time) bool {
	return !now.Before(s.LastKeyUpdate.Add(s.KeyUpdateInterval))
}

// RotateKeys generates a new key and certificate, keeping the current
// pair as the previous one.
func (s *Service) RotateKeys(now time.Time) error {
	if s.private == nil {
		return ErrLocked
	}
	key, err := keys.Generate()
	if err != nil {
		return err
	}
	certificate, err := keys.Generate()
	if err != nil {
		return err
	}
	s.private.previousPrivateKey = s.private.privateKey
	s.private.previousPrivateCertificate = s.private.privateCertificate
	s.private.privateKey = key
	s.private.privateCertificate = certificate
	s.PreviousPublicKey = s.PublicKey
	s.PreviousCertificate = s.PublicCertificate
	s.PublicKey = key.PublicKey()
	s.PublicCertificate = certificate.PublicKey()
	s.LastKeyUpdate = now.UTC()
	s.sign()
	return nil
}

// RotateKeysIfDue rotates when ShouldRefresh reports true and returns
// whether it did.
func (s *Service) RotateKeysIfDue(now time.Time) (bool, error) {
	if !s.ShouldRefresh(now) {
		return false, nil
	}
	return true, s.RotateKeys(now)
}

// Transition sets the UID minted by the registry. Only a STAGE1
// service can transition.
func (s *Service) Transition(uid string) error {
	if s.private == nil {
		return ErrLocked
	}
	if s.IsTransitioned() {
		return fmt.Errorf("%w: %s", ErrAlreadyTransitioned, s.UID)
	}
	s.UID = uid
	s.sign()
	return nil
}

// SetKeyUpdateInterval changes how often the service rotates and
// re-signs the descriptor.
func (s *Service) SetKeyUpdateInterval(interval time.Duration) error {
	if s.private == nil {
		return ErrLocked
	}
	if interval <= 0 {
		return fmt.Errorf("%w: key update interval must be positive", ErrInvalidDescriptor)
	}
	s.KeyUpdateInterval = interval
	s.sign()
	return nil
}

// SetServiceUser records the account the service acts as, with its
// credentials encrypted to the skeleton key.
func (s *Service) SetServiceUser(userUID string, secrets []byte) error {
	if s.private == nil {
		return ErrLocked
	}
	sealed, err := s.private.skeletonKey.Encrypt(secrets)
	if err != nil {
		return err
	}
	s.ServiceUserUID = userUID
	s.private.serviceUserSecrets = sealed
	s.sign()
	return nil
}

// ServiceUserSecrets returns the secrets stored by SetServiceUser.
func (s *Service) ServiceUserSecrets() ([]byte, error) {
	if s.private == nil {
		return nil, ErrLocked
	}
	if s.private.serviceUserSecrets == nil {
		return nil, nil
	}
	return s.private.skeletonKey.Decrypt(s.private.serviceUserSecrets)
}

// Sign signs data with the current certificate.
func (s *Service) Sign(data []byte) ([]byte, error) {
	if s.private == nil {
		return nil, ErrLocked
	}
	return s.private.privateCertificate.Sign(data), nil
}

// Certificate returns the private certificate whose public half has
// fingerprint: the current or the previous one.
func (s *Service) Certificate(fingerprint string) (*keys.PrivateKey, error) {
	if s.private == nil {
		return nil, ErrLocked
	}
	if s.PublicCertificate.Fingerprint() == fingerprint {
		return s.private.privateCertificate, nil
	}
	if s.PreviousCertificate != nil && s.PreviousCertificate.Fingerprint() == fingerprint {
		return s.private.previousPrivateCertificate, nil
	}
	return nil, fmt.Errorf("%w: %s has no certificate %s", keys.ErrKeyManipulation, s.UID, fingerprint)
}

// DecryptionKey returns the private key whose public half has
// fingerprint: the current or the previous one. It is the KeyFunc
// for envelopes sent to s.
func (s *Service) DecryptionKey(fingerprint string) (*keys.PrivateKey, error) {
	if s.private == nil {
		return nil, ErrLocked
	}
	if s.PublicKey.Fingerprint() == fingerprint {
		return s.private.privateKey, nil
	}
	if s.PreviousPublicKey != nil && s.PreviousPublicKey.Fingerprint() == fingerprint {
		return s.private.previousPrivateKey, nil
	}
	return nil, fmt.Errorf("%w: %s has no key %s", keys.ErrKeyManipulation, s.UID, fingerprint)
}

// Decrypt opens data encrypted to the current or previous key.
func (s *Service) Decrypt(fingerprint string, data []byte) ([]byte, error) {
	key, err := s.DecryptionKey(fingerprint)
	if err != nil {
		return nil, err
	}
	return key.Decrypt(data)
}

// SkeletonKey returns the key that protects the service's private
// state at rest.
func (s *Service) SkeletonKey() (*keys.PrivateKey, error) {
	if s.private == nil {
		return nil, ErrLocked
	}
	return s.private.skeletonKey, nil
}

// Signers returns the certificates replies from s may be signed with.
func (s *Service) Signers() []*keys.PublicKey {
	if s.PreviousCertificate == nil {
		return []*keys.PublicKey{s.PublicCertificate}
	}
	return []*keys.PublicKey{s.PublicCertificate, s.PreviousCertificate}
}

// Marshal encodes the public fields as JSON.
func (s *Service) Marshal() ([]byte, error) {
	return json.Marshal(s.Lock())
}

// UnmarshalService decodes and verifies a descriptor produced by
// Marshal.
func UnmarshalService(data []byte) (*Service, error) {
	var s Service
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDescriptor, err)
	}
	if err := s.Verify(); err != nil {
		return nil, err
	}
	return &s, nil
}
