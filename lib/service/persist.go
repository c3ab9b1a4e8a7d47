// Copyright 2026 The Acquire Authors
// SPDX-License-Identifier: Apache-2.0

package service

import (
	"context"
	"fmt"

	"github.com/acquire-foundation/acquire/lib/codec"
	"github.com/acquire-foundation/acquire/lib/keys"
	"github.com/acquire-foundation/acquire/lib/objstore"
)

// Keys under which a service persists itself in its own bucket.
const (
	skeletonKeyPath = "service/skeleton_key"
	descriptorPath  = "service/descriptor"
	privatePath     = "service/private"
)

// sealedState is the private state, each key sealed to the skeleton
// key, encoded with CBOR and then encrypted to the skeleton key as a
// whole.
type sealedState struct {
	PrivateKey                 []byte `cbor:"private_key"`
	PrivateCertificate         []byte `cbor:"private_certificate"`
	PreviousPrivateKey         []byte `cbor:"previous_private_key,omitempty"`
	PreviousPrivateCertificate []byte `cbor:"previous_private_certificate,omitempty"`
	ServiceUserSecrets         []byte `cbor:"service_user_secrets,omitempty"`
}

func sealKey(key *keys.PrivateKey, skeleton *keys.PublicKey) ([]byte, error) {
	if key == nil {
		return nil, nil
	}
	return key.SealTo(skeleton)
}

func openKey(sealed []byte, skeleton *keys.PrivateKey) (*keys.PrivateKey, error) {
	if sealed == nil {
		return nil, nil
	}
	return keys.OpenSealed(sealed, skeleton)
}

// SaveUnlocked persists s with its private state. The skeleton key is
// stored under passphrase; everything else is encrypted to it.
func (s *Service) SaveUnlocked(ctx context.Context, bucket *objstore.Bucket, passphrase string) error {
	if s.private == nil {
		return ErrLocked
	}
	skeleton := s.private.skeletonKey
	skeletonBytes, err := skeleton.Bytes(passphrase)
	if err != nil {
		return fmt.Errorf("service: serializing skeleton key: %w", err)
	}

	var state sealedState
	for _, field := range []struct {
		key  *keys.PrivateKey
		dest *[]byte
	}{
		{s.private.privateKey, &state.PrivateKey},
		{s.private.privateCertificate, &state.PrivateCertificate},
		{s.private.previousPrivateKey, &state.PreviousPrivateKey},
		{s.private.previousPrivateCertificate, &state.PreviousPrivateCertificate},
	} {
		if *field.dest, err = sealKey(field.key, skeleton.PublicKey()); err != nil {
			return fmt.Errorf("service: sealing private state: %w", err)
		}
	}
	state.ServiceUserSecrets = s.private.serviceUserSecrets
	encoded, err := codec.Marshal(state)
	if err != nil {
		return fmt.Errorf("service: encoding private state: %w", err)
	}
	private, err := skeleton.Encrypt(encoded)
	if err != nil {
		return err
	}
	descriptor, err := s.Marshal()
	if err != nil {
		return err
	}

	if err := bucket.Set(ctx, skeletonKeyPath, skeletonBytes); err != nil {
		return err
	}
	if err := bucket.Set(ctx, privatePath, private); err != nil {
		return err
	}
	return bucket.Set(ctx, descriptorPath, descriptor)
}

// LoadUnlocked reverses SaveUnlocked. It fails with objstore.ErrNotFound
// when nothing was saved and keys.ErrDecryption for a wrong
// passphrase.
func LoadUnlocked(ctx context.Context, bucket *objstore.Bucket, passphrase string) (*Service, error) {
	skeletonBytes, err := bucket.Get(ctx, skeletonKeyPath)
	if err != nil {
		return nil, err
	}
	skeleton, err := keys.ReadPrivateKey(skeletonBytes, passphrase)
	if err != nil {
		return nil, err
	}
	descriptor, err := bucket.Get(ctx, descriptorPath)
	if err != nil {
		return nil, err
	}
	s, err := UnmarshalService(descriptor)
	if err != nil {
		return nil, err
	}
	private, err := bucket.Get(ctx, privatePath)
	if err != nil {
		return nil, err
	}
	encoded, err := skeleton.Decrypt(private)
	if err != nil {
		return nil, err
	}
	var state sealedState
	if err := codec.Unmarshal(encoded, &state); err != nil {
		return nil, fmt.Errorf("%w: decoding private state: %v", keys.ErrKeyManipulation, err)
	}

	s.private = &privateState{skeletonKey: skeleton, serviceUserSecrets: state.ServiceUserSecrets}
	for _, field := range []struct {
		sealed []byte
		dest   **keys.PrivateKey
	}{
		{state.PrivateKey, &s.private.privateKey},
		{state.PrivateCertificate, &s.private.privateCertificate},
		{state.PreviousPrivateKey, &s.private.previousPrivateKey},
		{state.PreviousPrivateCertificate, &s.private.previousPrivateCertificate},
	} {
		if *field.dest, err = openKey(field.sealed, skeleton); err != nil {
			return nil, fmt.Errorf("service: opening private state: %w", err)
		}
	}
	if s.private.privateKey == nil || s.private.privateCertificate == nil ||
		!s.private.privateCertificate.PublicKey().Equal(s.PublicCertificate) {
		return nil, fmt.Errorf("%w: private state does not match descriptor", keys.ErrKeyManipulation)
	}
	return s, nil
}
