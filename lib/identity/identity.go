// Copyright 2026 The Acquire Authors
// SPDX-License-Identifier: Apache-2.0

// Package identity implements the identity service: user
// registration, the login handshake that approves a client's session
// key pair, and the session lookups other services use to verify
// authorisations.
package identity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/google/uuid"

	"github.com/acquire-foundation/acquire/lib/auth"
	"github.com/acquire-foundation/acquire/lib/clock"
	"github.com/acquire-foundation/acquire/lib/keys"
	"github.com/acquire-foundation/acquire/lib/objstore"
	"github.com/acquire-foundation/acquire/lib/service"
)

const (
	usersPrefix     = "identity/users/"
	usernamesPrefix = "identity/usernames/"
	whoisPrefix     = "identity/whois/"

	// DefaultReplayWindow is how long a used one-time code is
	// remembered.
	DefaultReplayWindow = 240 * time.Second

	// primaryDevice names the user's primary OTP in replay records.
	primaryDevice = "primary"

	// ResourceLoginDevices is the resource a login_devices
	// authorisation must name.
	ResourceLoginDevices = "login_devices"
)

// Config configures a Service.
type Config struct {
	// Bucket holds users and sessions. Required.
	Bucket *objstore.Bucket

	// Self returns the identity service's own descriptor. Required.
	Self func() *service.Service

	// LoginURL is where users approve sessions. Defaults to the
	// service URL plus "/s".
	LoginURL string

	// ReplayWindow defaults to DefaultReplayWindow.
	ReplayWindow time.Duration

	Clock  clock.Clock
	Logger *slog.Logger
}

// Service is an identity service.
type Service struct {
	bucket       *objstore.Bucket
	self         func() *service.Service
	loginURL     string
	replayWindow time.Duration
	clock        clock.Clock
	logger       *slog.Logger
	sessions     sessions
	verifier     *auth.Verifier
}

// New returns an identity Service. Its authorisation verifier looks
// sessions up locally.
func New(cfg Config) *Service {
	s := &Service{
		bucket:       cfg.Bucket,
		self:         cfg.Self,
		loginURL:     cfg.LoginURL,
		replayWindow: cfg.ReplayWindow,
		clock:        cfg.Clock,
		logger:       cfg.Logger,
		sessions:     sessions{bucket: cfg.Bucket},
	}
	if s.clock == nil {
		s.clock = clock.Real()
	}
	if s.logger == nil {
		s.logger = slog.New(slog.DiscardHandler)
	}
	if s.replayWindow <= 0 {
		s.replayWindow = DefaultReplayWindow
	}
	s.verifier = auth.NewVerifier(auth.VerifierConfig{
		Sessions: s,
		Bucket:   cfg.Bucket,
		Clock:    s.clock,
		Logger:   s.logger,
	})
	return s
}

// Verifier returns the verifier for authorisations issued by this
// service's sessions.
func (s *Service) Verifier() *auth.Verifier { return s.verifier }

func (s *Service) uid() string { return s.self().UID }

func userKey(uid, name string) string {
	return usersPrefix + uid + "/" + name
}

func usernameKey(username string) string {
	return usernamesPrefix + objstore.EncodeKey(SanitiseUsername(username))
}

// RegisterResult is returned by RegisterUser. The OTP secret is shown to
// the user exactly once.
type RegisterResult struct {
	UserUID         string `json:"user_uid"`
	OTPSecret       string `json:"otpsecret"`
	ProvisioningURI string `json:"provisioning_uri"`
}

// RegisterUser creates a user with a fresh key pair and OTP secret.
func (s *Service) RegisterUser(ctx context.Context, username, password string) (*RegisterResult, error) {
	if SanitiseUsername(username) == "" {
		return nil, fmt.Errorf("%w: a username is required", ErrLogin)
	}
	if password == "" {
		return nil, fmt.Errorf("%w: a password is required", ErrLogin)
	}

	uid := uuid.NewString()
	var existing string
	inserted, err := s.bucket.SetInsJSON(ctx, usernameKey(username), uid, &existing)
	if err != nil {
		return nil, err
	}
	if !inserted {
		return nil, fmt.Errorf("%w: %q", ErrUserExists, username)
	}

	credentials, err := NewCredentials(username, password)
	if err != nil {
		return nil, err
	}
	locked, err := credentials.Lock(username, uid)
	if err != nil {
		return nil, err
	}
	now := s.clock.Now().UTC()
	user := &UserAccount{
		UID:               uid,
		Username:          username,
		SanitisedUsername: SanitiseUsername(username),
		Status:            UserActive,
		Created:           now,
	}
	if err := s.bucket.SetJSON(ctx, userKey(uid, "credentials"), locked); err != nil {
		return nil, err
	}
	if err := s.bucket.SetJSON(ctx, userKey(uid, "details"), user); err != nil {
		return nil, err
	}
	if err := s.bucket.SetString(ctx, whoisPrefix+uid, username); err != nil {
		return nil, err
	}
	history := map[string]string{"fingerprint": keys.Fingerprint(locked.PrivateKey)}
	if err := s.bucket.SetJSON(ctx, userKey(uid, "passwords/"+objstore.FormatTime(now)), history); err != nil {
		return nil, err
	}

	s.logger.Info("registered user", "user_uid", uid, "username", user.SanitisedUsername)
	return &RegisterResult{
		UserUID:         uid,
		OTPSecret:       credentials.OTP.Secret(),
		ProvisioningURI: provisioningURI(username, credentials.OTP.Secret()),
	}, nil
}

func provisioningURI(username, secret string) string {
	return (&url.URL{
		Scheme:   "otpauth",
		Host:     "totp",
		Path:     "/Acquire:" + username,
		RawQuery: url.Values{"secret": {secret}, "issuer": {"Acquire"}}.Encode(),
	}).String()
}

func (s *Service) lookupUser(ctx context.Context, username string) (*UserAccount, error) {
	var uid string
	if err := s.bucket.GetJSON(ctx, usernameKey(username), &uid); err != nil {
		if errors.Is(err, objstore.ErrNotFound) {
			return nil, fmt.Errorf("%w: %q", ErrUserNotFound, username)
		}
		return nil, err
	}
	return s.loadUser(ctx, uid)
}

func (s *Service) loadUser(ctx context.Context, uid string) (*UserAccount, error) {
	var user UserAccount
	if err := s.bucket.GetJSON(ctx, userKey(uid, "details"), &user); err != nil {
		if errors.Is(err, objstore.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrUserNotFound, uid)
		}
		return nil, err
	}
	return &user, nil
}

func (s *Service) unlock(ctx context.Context, user *UserAccount, password string) (*UserCredentials, error) {
	var locked LockedCredentials
	if err := s.bucket.GetJSON(ctx, userKey(user.UID, "credentials"), &locked); err != nil {
		return nil, err
	}
	return locked.Unlock(user.Username, user.UID, password)
}

// LoginRequest asks for a new session for a client key pair.
type LoginRequest struct {
	Username          string          `json:"username"`
	PublicKey         *keys.PublicKey `json:"public_key"`
	PublicCertificate *keys.PublicKey `json:"public_certificate"`
	Scope             string          `json:"scope,omitempty"`
	Permissions       []string        `json:"permissions,omitempty"`
	IPAddr            string          `json:"ipaddr,omitempty"`
	Hostname          string          `json:"hostname,omitempty"`
}

// LoginTicket tells the client where the user approves the session.
type LoginTicket struct {
	ShortUID   string `json:"short_uid"`
	SessionUID string `json:"session_uid"`
	LoginURL   string `json:"login_url"`
}

// RequestLogin creates a pending session. The user approves it by
// logging in with the short uid.
func (s *Service) RequestLogin(ctx context.Context, req LoginRequest) (*LoginTicket, error) {
	if SanitiseUsername(req.Username) == "" || req.PublicKey == nil || req.PublicCertificate == nil {
		return nil, fmt.Errorf("%w: username, public key and certificate are required", ErrLogin)
	}
	uid := uuid.NewString()
	session := &LoginSession{
		UID:               uid,
		ShortUID:          uid[:shortUIDLength],
		Username:          req.Username,
		PublicKey:         req.PublicKey,
		PublicCertificate: req.PublicCertificate,
		RequestTime:       s.clock.Now().UTC(),
		IPAddr:            req.IPAddr,
		Hostname:          req.Hostname,
		Scope:             req.Scope,
		Permissions:       req.Permissions,
		Status:            auth.SessionPending,
	}
	if err := s.sessions.save(ctx, session); err != nil {
		return nil, err
	}

	root := s.loginURL
	if root == "" {
		root = s.self().CanonicalURL + "/s"
	}
	s.logger.Info("login requested", "session_uid", uid, "username", SanitiseUsername(req.Username))
	return &LoginTicket{
		ShortUID:   session.ShortUID,
		SessionUID: uid,
		LoginURL:   root + "?id=" + session.ShortUID,
	}, nil
}

// LoginArgs approves a pending session.
type LoginArgs struct {
	ShortUID         string `json:"short_uid"`
	Username         string `json:"username"`
	PackagedPassword []byte `json:"credentials"`
	RememberDevice   bool   `json:"remember_device,omitempty"`
}

// LoginResult reports an approved session. DeviceUID and
// DeviceOTPSecret are set only when a device was remembered.
type LoginResult struct {
	UserUID         string `json:"user_uid"`
	SessionUID      string `json:"session_uid"`
	DeviceUID       string `json:"device_uid,omitempty"`
	DeviceOTPSecret string `json:"otpsecret,omitempty"`
	ProvisioningURI string `json:"provisioning_uri,omitempty"`
}

// deviceRecord is a remembered login device. The OTP secret is
// encrypted to the user's key.
type deviceRecord struct {
	UID       string    `json:"device_uid"`
	OTPSecret []byte    `json:"otpsecret"`
	Created   time.Time `json:"created"`
}

// Login verifies the user's password and one-time code and approves
// the pending session. A code already used inside the replay window
// fails with ErrRepeatedOTPCode and marks the session that used it
// first as suspicious.
func (s *Service) Login(ctx context.Context, args LoginArgs) (*LoginResult, error) {
	candidates, err := s.sessions.pending(ctx, args.ShortUID, args.Username)
	if err != nil {
		return nil, err
	}
	switch len(candidates) {
	case 0:
		return nil, fmt.Errorf("%w: no pending session %s for %q", ErrSessionNotFound, args.ShortUID, args.Username)
	case 1:
	default:
		return nil, fmt.Errorf("%w: %d sessions", ErrAmbiguousSession, len(candidates))
	}
	session := candidates[0]

	user, err := s.lookupUser(ctx, args.Username)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLogin, err)
	}
	if user.Status != UserActive {
		return nil, fmt.Errorf("%w: account is %s", ErrLogin, user.Status)
	}
	login, err := UnpackagePassword(args.Username, session.ShortUID, args.PackagedPassword)
	if err != nil {
		return nil, err
	}
	credentials, err := s.unlock(ctx, user, login.Password)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now().UTC()
	device := primaryDevice
	otp := credentials.OTP
	if login.DeviceUID != "" {
		device = login.DeviceUID
		if otp, err = s.deviceOTP(ctx, user.UID, login.DeviceUID, credentials.PrivateKey); err != nil {
			return nil, err
		}
	}
	if err := otp.Verify(login.OTPCode, now); err != nil {
		s.logger.Warn("login with bad one-time code", "session_uid", session.UID, "user_uid", user.UID)
		return nil, fmt.Errorf("%w: %v", ErrLogin, err)
	}
	if err := s.checkReplay(ctx, user.UID, device, login.OTPCode, session.UID, now); err != nil {
		return nil, err
	}

	err = s.sessions.transition(ctx, session, auth.SessionApproved, func(ls *LoginSession) {
		ls.UserUID = user.UID
		ls.LoginTime = now
	})
	if err != nil {
		return nil, err
	}
	result := &LoginResult{UserUID: user.UID, SessionUID: session.UID}

	if args.RememberDevice {
		deviceUID, secret, err := s.rememberDevice(ctx, user, credentials.PrivateKey, now)
		if err != nil {
			return nil, err
		}
		result.DeviceUID = deviceUID
		result.DeviceOTPSecret = secret
		result.ProvisioningURI = provisioningURI(user.Username, secret)
	}
	s.logger.Info("session approved", "session_uid", session.UID, "user_uid", user.UID, "device", device)
	return result, nil
}

func (s *Service) deviceOTP(ctx context.Context, userUID, deviceUID string, key *keys.PrivateKey) (*keys.OTP, error) {
	var record deviceRecord
	if err := s.bucket.GetJSON(ctx, userKey(userUID, "devices/"+deviceUID), &record); err != nil {
		if errors.Is(err, objstore.ErrNotFound) {
			return nil, fmt.Errorf("%w: unknown device", ErrLogin)
		}
		return nil, err
	}
	otp, err := keys.DecryptOTP(record.OTPSecret, key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLogin, err)
	}
	return otp, nil
}

func (s *Service) rememberDevice(ctx context.Context, user *UserAccount, key *keys.PrivateKey, now time.Time) (string, string, error) {
	otp, err := keys.NewOTP(user.Username)
	if err != nil {
		return "", "", err
	}
	sealed, err := otp.Encrypt(key.PublicKey())
	if err != nil {
		return "", "", err
	}
	record := deviceRecord{UID: uuid.NewString(), OTPSecret: sealed, Created: now}
	if err := s.bucket.SetJSON(ctx, userKey(user.UID, "devices/"+record.UID), record); err != nil {
		return "", "", err
	}
	return record.UID, otp.Secret(), nil
}

// otpUse records a verified one-time code.
type otpUse struct {
	Time       time.Time `json:"datetime"`
	SessionUID string    `json:"session_uid"`
}

// checkReplay records code as used by sessionUID, or fails if it was
// already used inside the replay window.
func (s *Service) checkReplay(ctx context.Context, userUID, device, code, sessionUID string, now time.Time) error {
	key := userKey(userUID, objstore.Join("otpcodes", device, code))
	use := otpUse{Time: now, SessionUID: sessionUID}
	var previous otpUse
	inserted, err := s.bucket.SetInsJSON(ctx, key, use, &previous)
	if err != nil {
		return err
	}
	if inserted {
		return nil
	}
	if now.Sub(previous.Time) >= s.replayWindow {
		return s.bucket.SetJSON(ctx, key, use)
	}

	s.logger.Warn("one-time code replayed",
		"user_uid", userUID,
		"first_session", previous.SessionUID,
		"session_uid", sessionUID,
	)
	if first, err := s.sessions.load(ctx, previous.SessionUID); err == nil {
		if err := s.sessions.transition(ctx, first, auth.SessionSuspicious, nil); err != nil {
			s.logger.Error("marking session suspicious", "session_uid", first.UID, "error", err)
		}
	}
	return ErrRepeatedOTPCode
}

// LogoutMessage is what a client signs to log a session out.
func LogoutMessage(sessionUID string) []byte {
	return []byte("logout|" + sessionUID)
}

// Logout ends an approved session. signature is the session
// certificate's signature over LogoutMessage.
func (s *Service) Logout(ctx context.Context, sessionUID string, signature []byte) error {
	session, err := s.sessions.load(ctx, sessionUID)
	if err != nil {
		return err
	}
	if err := session.PublicCertificate.Verify(LogoutMessage(sessionUID), signature); err != nil {
		return fmt.Errorf("%w: %v", auth.ErrInvalidAuthorisation, err)
	}
	err = s.sessions.transition(ctx, session, auth.SessionLoggedOut, func(ls *LoginSession) {
		ls.LogoutTime = s.clock.Now().UTC()
	})
	if err != nil {
		return err
	}
	s.verifier.Forget(s.uid(), sessionUID)
	s.logger.Info("session logged out", "session_uid", sessionUID)
	return nil
}

// SessionKeys are a session's public keys.
type SessionKeys struct {
	SessionUID        string          `json:"session_uid"`
	PublicKey         *keys.PublicKey `json:"public_key"`
	PublicCertificate *keys.PublicKey `json:"public_certificate"`
}

// GetKeys returns the public keys of a session.
func (s *Service) GetKeys(ctx context.Context, sessionUID string) (*SessionKeys, error) {
	session, err := s.sessions.load(ctx, sessionUID)
	if err != nil {
		return nil, err
	}
	return &SessionKeys{
		SessionUID:        session.UID,
		PublicKey:         session.PublicKey,
		PublicCertificate: session.PublicCertificate,
	}, nil
}

// GetSessionInfo returns the verifiable view of a session.
func (s *Service) GetSessionInfo(ctx context.Context, sessionUID string) (auth.SessionInfo, error) {
	session, err := s.sessions.load(ctx, sessionUID)
	if err != nil {
		return auth.SessionInfo{}, err
	}
	return session.Info(), nil
}

// FetchSession implements auth.SessionFetcher for sessions issued by
// this service.
func (s *Service) FetchSession(ctx context.Context, identityUID, sessionUID string) (auth.SessionInfo, error) {
	if identityUID != s.uid() {
		return auth.SessionInfo{}, fmt.Errorf("%w: session belongs to identity service %s", auth.ErrInvalidAuthorisation, identityUID)
	}
	return s.GetSessionInfo(ctx, sessionUID)
}

// Whois maps between user uids and usernames. Exactly one of userUID
// and username is needed.
type Whois struct {
	UserUID  string `json:"user_uid"`
	Username string `json:"username"`
}

// Whois looks a user up by uid or username.
func (s *Service) Whois(ctx context.Context, userUID, username string) (*Whois, error) {
	if userUID != "" {
		name, err := s.bucket.GetString(ctx, whoisPrefix+userUID)
		if errors.Is(err, objstore.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrUserNotFound, userUID)
		}
		if err != nil {
			return nil, err
		}
		return &Whois{UserUID: userUID, Username: name}, nil
	}
	user, err := s.lookupUser(ctx, username)
	if err != nil {
		return nil, err
	}
	return &Whois{UserUID: user.UID, Username: user.Username}, nil
}

// LoginDevices lists the remembered devices of the authorising user.
func (s *Service) LoginDevices(ctx context.Context, a *auth.Authorisation) ([]string, error) {
	if a == nil {
		return nil, auth.ErrPermissionDenied
	}
	if err := s.verifier.Verify(ctx, a, ResourceLoginDevices); err != nil {
		return nil, err
	}
	names, err := s.bucket.ListNames(ctx, userKey(a.UserUID, "devices/"))
	if err != nil {
		return nil, err
	}
	return names, nil
}

// RecoverOTP returns the primary OTP secret to a user who knows their
// password.
func (s *Service) RecoverOTP(ctx context.Context, username, password string) (string, error) {
	user, err := s.lookupUser(ctx, username)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrLogin, err)
	}
	credentials, err := s.unlock(ctx, user, password)
	if err != nil {
		return "", err
	}
	s.logger.Warn("primary one-time secret recovered", "user_uid", user.UID)
	return credentials.OTP.Secret(), nil
}
