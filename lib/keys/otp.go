// Copyright 2026 The Acquire Authors
// SPDX-License-Identifier: Apache-2.0

package keys

import (
	"fmt"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
)

var totpOptions = totp.ValidateOpts{
	Period:    30,
	Skew:      1,
	Digits:    otp.DigitsSix,
	Algorithm: otp.AlgorithmSHA1,
}

// OTP is a time-based one-time password generator (RFC 6238, 30 second
// step, six digits, one step of clock skew tolerated).
type OTP struct {
	secret string
}

// NewOTP creates an OTP with a random secret. account names the user
// in the provisioning URL.
func NewOTP(account string) (*OTP, error) {
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      "Acquire",
		AccountName: account,
		Period:      totpOptions.Period,
		Digits:      totpOptions.Digits,
		Algorithm:   totpOptions.Algorithm,
	})
	if err != nil {
		return nil, fmt.Errorf("keys: generating otp secret: %w", err)
	}
	return &OTP{secret: key.Secret()}, nil
}

// OTPFromSecret wraps an existing base32 secret.
func OTPFromSecret(secret string) *OTP {
	return &OTP{secret: secret}
}

// Secret returns the base32 secret.
func (o *OTP) Secret() string { return o.secret }

// Generate returns the code valid at t.
func (o *OTP) Generate(t time.Time) (string, error) {
	code, err := totp.GenerateCodeCustom(o.secret, t, totpOptions)
	if err != nil {
		return "", fmt.Errorf("keys: generating otp code: %w", err)
	}
	return code, nil
}

// Verify checks code against t, allowing one step either side.
func (o *OTP) Verify(code string, t time.Time) error {
	valid, err := totp.ValidateCustom(code, o.secret, t, totpOptions)
	if err != nil || !valid {
		return ErrOTP
	}
	return nil
}

// Encrypt returns the secret encrypted to key.
func (o *OTP) Encrypt(key *PublicKey) ([]byte, error) {
	return key.Encrypt([]byte(o.secret))
}

// DecryptOTP reverses OTP.Encrypt.
func DecryptOTP(ciphertext []byte, key *PrivateKey) (*OTP, error) {
	secret, err := key.Decrypt(ciphertext)
	if err != nil {
		return nil, err
	}
	return &OTP{secret: string(secret)}, nil
}
