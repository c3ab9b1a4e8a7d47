// Copyright 2026 The Acquire Authors
// SPDX-License-Identifier: Apache-2.0

package envelope

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/acquire-foundation/acquire/lib/keys"
)

// Reserved payload fields.
const (
	FieldFunction      = "function"
	FieldResponseKey   = "encryption_public_key"
	FieldSignWith      = "sign_with_service_key"
	FieldSynctime      = "synctime"
	FieldAuthorisation = "authorisation"
)

// maxDepth bounds how many sealed envelopes Unpack opens.
const maxDepth = 2

type sealed struct {
	Encrypted   bool   `json:"encrypted"`
	Fingerprint string `json:"fingerprint"`
	Data        string `json:"data"`
	Synctime    string `json:"synctime"`
	Signature   string `json:"signature,omitempty"`
}

// PackOptions configures Pack. The zero value packs in the clear.
type PackOptions struct {
	// RecipientKey seals the payload to its holder.
	RecipientKey *keys.PublicKey

	// ResponseKey is embedded so that the recipient encrypts its reply
	// to it.
	ResponseKey *keys.PublicKey

	// SignFingerprint asks the recipient to sign its reply with the
	// certificate of this fingerprint. Requires ResponseKey.
	SignFingerprint string

	// SignWith signs the ciphertext. Requires RecipientKey.
	SignWith *keys.PrivateKey

	// Now stamps the synctime. Defaults to time.Now.
	Now time.Time
}

// Pack encodes payload, which must marshal to a JSON object.
func Pack(payload any, opts PackOptions) ([]byte, error) {
	fields, err := toFields(payload)
	if err != nil {
		return nil, err
	}
	now := opts.Now
	if now.IsZero() {
		now = time.Now()
	}
	synctime := now.UTC().Format(time.RFC3339Nano)

	if opts.ResponseKey != nil {
		fields[FieldResponseKey] = mustRaw(base64.StdEncoding.EncodeToString(opts.ResponseKey.Bytes()))
		if opts.SignFingerprint != "" {
			fields[FieldSignWith] = mustRaw(opts.SignFingerprint)
		}
	} else if opts.SignFingerprint != "" {
		return nil, fmt.Errorf("%w: a signed reply needs a response key to encrypt it with", ErrPacking)
	}

	if opts.RecipientKey == nil {
		if opts.SignWith != nil {
			return nil, fmt.Errorf("%w: only encrypted envelopes can be signed", ErrPacking)
		}
		fields[FieldSynctime] = mustRaw(synctime)
		return json.Marshal(fields)
	}

	plaintext, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPacking, err)
	}
	ciphertext, err := opts.RecipientKey.Encrypt(plaintext)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPacking, err)
	}
	envelope := sealed{
		Encrypted:   true,
		Fingerprint: opts.RecipientKey.Fingerprint(),
		Data:        base64.StdEncoding.EncodeToString(ciphertext),
		Synctime:    synctime,
	}
	if opts.SignWith != nil {
		envelope.Signature = base64.StdEncoding.EncodeToString(opts.SignWith.Sign(ciphertext))
	}
	return json.Marshal(envelope)
}

func toFields(payload any) (map[string]json.RawMessage, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPacking, err)
	}
	fields := make(map[string]json.RawMessage)
	if string(data) == "null" {
		return fields, nil
	}
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, fmt.Errorf("%w: payload is not a JSON object", ErrPacking)
	}
	return fields, nil
}

func mustRaw(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}

// KeyFunc returns the private key whose public half has fingerprint.
// It returns an error wrapping keys.ErrKeyManipulation when there is
// none.
type KeyFunc func(fingerprint string) (*keys.PrivateKey, error)

// KeyFor is a KeyFunc serving a single key.
func KeyFor(key *keys.PrivateKey) KeyFunc {
	return func(fingerprint string) (*keys.PrivateKey, error) {
		if key != nil && key.Fingerprint() == fingerprint {
			return key, nil
		}
		return nil, fmt.Errorf("%w: no key with fingerprint %s", keys.ErrKeyManipulation, fingerprint)
	}
}

// UnpackOptions configures Unpack.
type UnpackOptions struct {
	// KeyFunc selects the decryption key. Required for sealed
	// envelopes.
	KeyFunc KeyFunc

	// ExpectedSigners, when set, requires the envelope to be sealed and
	// signed by one of them.
	ExpectedSigners []*keys.PublicKey

	// IsReturnValue turns non-zero statuses into a *RemoteError naming
	// Function and Service.
	IsReturnValue bool
	Function      string
	Service       string
}

// Unpack decodes an envelope into its payload fields.
func Unpack(data []byte, opts UnpackOptions) (map[string]json.RawMessage, error) {
	fields, err := unpack(data, opts, 0)
	if err != nil {
		return nil, err
	}
	if opts.IsReturnValue {
		if err := checkReturnValue(fields, opts); err != nil {
			return nil, err
		}
	}
	return fields, nil
}

func unpack(data []byte, opts UnpackOptions, depth int) (map[string]json.RawMessage, error) {
	if len(data) == 0 {
		return map[string]json.RawMessage{}, nil
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, fmt.Errorf("%w: not a JSON object: %v", ErrUnpacking, err)
	}
	var encrypted bool
	if raw, ok := fields["encrypted"]; ok {
		if err := json.Unmarshal(raw, &encrypted); err != nil {
			return nil, fmt.Errorf("%w: encrypted is not a boolean", ErrUnpacking)
		}
	}
	if !encrypted {
		if len(opts.ExpectedSigners) > 0 && depth == 0 {
			// A peer that could not read the request replies with an
			// unsigned error. It is reported, never trusted as data.
			if opts.IsReturnValue {
				if remote := checkReturnValue(fields, opts); remote != nil {
					return nil, fmt.Errorf("%w: unsigned reply: %w", ErrUnpacking, remote)
				}
			}
			return nil, fmt.Errorf("%w: a signed reply was requested but the reply is not encrypted", ErrUnpacking)
		}
		return fields, nil
	}
	if depth >= maxDepth {
		return nil, fmt.Errorf("%w: envelopes nested too deeply", ErrUnpacking)
	}

	var envelope sealed
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnpacking, err)
	}
	ciphertext, err := base64.StdEncoding.DecodeString(envelope.Data)
	if err != nil {
		return nil, fmt.Errorf("%w: data is not base64: %v", ErrUnpacking, err)
	}
	if len(opts.ExpectedSigners) > 0 && depth == 0 {
		if err := verify(ciphertext, envelope.Signature, opts.ExpectedSigners); err != nil {
			return nil, err
		}
	}
	if opts.KeyFunc == nil {
		return nil, fmt.Errorf("%w: no key to open a sealed envelope", keys.ErrKeyManipulation)
	}
	key, err := opts.KeyFunc(envelope.Fingerprint)
	if err != nil {
		return nil, err
	}
	plaintext, err := key.Decrypt(ciphertext)
	if err != nil {
		return nil, err
	}
	return unpack(plaintext, opts, depth+1)
}

func verify(ciphertext []byte, encodedSignature string, signers []*keys.PublicKey) error {
	if encodedSignature == "" {
		return fmt.Errorf("%w: a signature was requested but none was provided", ErrUnpacking)
	}
	signature, err := base64.StdEncoding.DecodeString(encodedSignature)
	if err != nil {
		return fmt.Errorf("%w: signature is not base64", ErrUnpacking)
	}
	for _, signer := range signers {
		if signer != nil && signer.Verify(ciphertext, signature) == nil {
			return nil
		}
	}
	return fmt.Errorf("%w: signature does not match the expected signer", ErrUnpacking)
}

func checkReturnValue(fields map[string]json.RawMessage, opts UnpackOptions) error {
	if message, ok := fields["error"]; ok && len(fields) == 1 {
		var text string
		json.Unmarshal(message, &text)
		return &RemoteError{Function: opts.Function, Service: opts.Service, Status: -1, Message: text}
	}
	raw, ok := fields["status"]
	if !ok {
		return nil
	}
	var status int
	if err := json.Unmarshal(raw, &status); err != nil {
		return fmt.Errorf("%w: status is not an integer", ErrUnpacking)
	}
	if status == 0 {
		return nil
	}
	remote := &RemoteError{Function: opts.Function, Service: opts.Service, Status: status}
	if message, ok := fields["message"]; ok {
		json.Unmarshal(message, &remote.Message)
	}
	if exception, ok := fields["exception"]; ok {
		var decoded Exception
		if err := json.Unmarshal(exception, &decoded); err == nil {
			remote.Exception = &decoded
			remote.sentinel, _ = Lookup(decoded.Module, decoded.Class)
		}
	}
	return remote
}
