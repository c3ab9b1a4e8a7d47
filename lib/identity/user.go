// Copyright 2026 The Acquire Authors
// SPDX-License-Identifier: Apache-2.0

package identity

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/acquire-foundation/acquire/lib/keys"
)

// UserStatus is the state of a user account.
type UserStatus string

const (
	UserDisabled   UserStatus = "disabled"
	UserActive     UserStatus = "active"
	UserSuspicious UserStatus = "suspicious"
)

// UserAccount is a registered user.
type UserAccount struct {
	UID               string     `json:"uid"`
	Username          string     `json:"username"`
	SanitisedUsername string     `json:"sanitised_username"`
	Status            UserStatus `json:"status"`
	Created           time.Time  `json:"created"`
}

// GUID identifies the user across the federation.
func (u *UserAccount) GUID(identityUID string) string {
	return u.UID + "@" + identityUID
}

// SanitiseUsername folds case and whitespace so that equivalent
// spellings of a username collide.
func SanitiseUsername(username string) string {
	return strings.ToLower(strings.Join(strings.Fields(username), "_"))
}

// UserCredentials are the secrets that let a user log in: the
// password, the private key it protects, and the primary OTP.
// Credentials are created unlocked and stored locked.
type UserCredentials struct {
	Password   string
	PrivateKey *keys.PrivateKey
	OTP        *keys.OTP
}

// NewCredentials generates a key and OTP secret protected by password.
func NewCredentials(username, password string) (*UserCredentials, error) {
	otp, err := keys.NewOTP(username)
	if err != nil {
		return nil, err
	}
	key, err := keys.Generate()
	if err != nil {
		return nil, err
	}
	return &UserCredentials{Password: password, PrivateKey: key, OTP: otp}, nil
}

// LockedCredentials is the stored form of UserCredentials.
type LockedCredentials struct {
	PrivateKey []byte `json:"privkey"`
	OTPSecret  []byte `json:"otpsecret"`
	Password   []byte `json:"primary_secret"`
}

func credentialPassphrase(password, username, userUID string) string {
	return keys.DerivePassphrase(password, keys.MultiMD5(SanitiseUsername(username), userUID))
}

// Lock serialises the credentials under a passphrase stretched from
// the password and salted with the username and user uid.
func (c *UserCredentials) Lock(username, userUID string) (*LockedCredentials, error) {
	privkey, err := c.PrivateKey.Bytes(credentialPassphrase(c.Password, username, userUID))
	if err != nil {
		return nil, err
	}
	otpSecret, err := c.OTP.Encrypt(c.PrivateKey.PublicKey())
	if err != nil {
		return nil, err
	}
	password, err := c.PrivateKey.Encrypt([]byte(c.Password))
	if err != nil {
		return nil, err
	}
	return &LockedCredentials{PrivateKey: privkey, OTPSecret: otpSecret, Password: password}, nil
}

// Unlock reverses Lock. A wrong password is ErrLogin.
func (l *LockedCredentials) Unlock(username, userUID, password string) (*UserCredentials, error) {
	key, err := keys.ReadPrivateKey(l.PrivateKey, credentialPassphrase(password, username, userUID))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLogin, err)
	}
	otp, err := keys.DecryptOTP(l.OTPSecret, key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLogin, err)
	}
	return &UserCredentials{Password: password, PrivateKey: key, OTP: otp}, nil
}

// PackagedLogin is what a client sends to log in.
type PackagedLogin struct {
	Password  string `json:"password"`
	DeviceUID string `json:"device_uid,omitempty"`
	OTPCode   string `json:"otpcode"`
}

func packageKey(username, shortUID string) *keys.SymmetricKey {
	return keys.NewSymmetricKey(keys.MultiMD5(SanitiseUsername(username), shortUID))
}

// PackagePassword encrypts a login for one session so that the
// password never crosses the wire in the clear.
func PackagePassword(username, shortUID string, login PackagedLogin) ([]byte, error) {
	data, err := json.Marshal(login)
	if err != nil {
		return nil, err
	}
	return packageKey(username, shortUID).Encrypt(data)
}

// UnpackagePassword reverses PackagePassword.
func UnpackagePassword(username, shortUID string, packaged []byte) (PackagedLogin, error) {
	data, err := packageKey(username, shortUID).Decrypt(packaged)
	if err != nil {
		return PackagedLogin{}, fmt.Errorf("%w: %v", ErrLogin, err)
	}
	var login PackagedLogin
	if err := json.Unmarshal(data, &login); err != nil {
		return PackagedLogin{}, fmt.Errorf("%w: %v", ErrLogin, err)
	}
	return login, nil
}
