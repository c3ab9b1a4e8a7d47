// Copyright 2026 The Acquire Authors
// SPDX-License-Identifier: Apache-2.0

package identity_test

import (
	"context"
	"slices"
	"testing"
	"time"

	"github.com/acquire-foundation/acquire/lib/auth"
	"github.com/acquire-foundation/acquire/lib/clock"
	"github.com/acquire-foundation/acquire/lib/identity"
	"github.com/acquire-foundation/acquire/lib/keys"
	"github.com/acquire-foundation/acquire/lib/objstore"
	"github.com/acquire-foundation/acquire/lib/objstore/objstoretest"
	"github.com/acquire-foundation/acquire/lib/service"
	"github.com/acquire-foundation/acquire/lib/testutil"
	"github.com/acquire-foundation/acquire/lib/trust"
)

const identityUID = "a0a0a1"

type fixture struct {
	service *identity.Service
	self    *service.Service
	store   *objstore.Store
	clock   *clock.FakeClock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clk := clock.Fake(testutil.Epoch)
	store := objstoretest.NewStore(t, clk)
	bucket := objstoretest.NewBucket(t, store, "identity")
	self, err := service.New(service.TypeIdentity, "https://identity.acquire.test", clk.Now())
	if err != nil {
		t.Fatalf("service.New: %v", err)
	}
	if err := self.Transition(identityUID); err != nil {
		t.Fatalf("Transition: %v", err)
	}
	return &fixture{
		service: identity.New(identity.Config{
			Bucket: bucket,
			Self:   func() *service.Service { return self },
			Clock:  clk,
		}),
		self:  self,
		store: store,
		clock: clk,
	}
}

func (f *fixture) register(t *testing.T, username, password string) *identity.RegisterResult {
	t.Helper()
	result, err := f.service.RegisterUser(context.Background(), username, password)
	if err != nil {
		t.Fatalf("RegisterUser(%s): %v", username, err)
	}
	return result
}

// client is one login attempt: a fresh key pair and pending session.
type client struct {
	key    *keys.PrivateKey
	ticket *identity.LoginTicket
}

func (f *fixture) requestLogin(t *testing.T, username string) *client {
	t.Helper()
	key := keys.MustGenerate()
	ticket, err := f.service.RequestLogin(context.Background(), identity.LoginRequest{
		Username:          username,
		PublicKey:         key.PublicKey(),
		PublicCertificate: key.PublicKey(),
		Hostname:          "laptop",
	})
	if err != nil {
		t.Fatalf("RequestLogin: %v", err)
	}
	return &client{key: key, ticket: ticket}
}

func (f *fixture) login(c *client, username string, packaged identity.PackagedLogin, remember bool) (*identity.LoginResult, error) {
	data, err := identity.PackagePassword(username, c.ticket.ShortUID, packaged)
	if err != nil {
		return nil, err
	}
	return f.service.Login(context.Background(), identity.LoginArgs{
		ShortUID:         c.ticket.ShortUID,
		Username:         username,
		PackagedPassword: data,
		RememberDevice:   remember,
	})
}

func code(t *testing.T, secret string, at time.Time) string {
	t.Helper()
	value, err := keys.OTPFromSecret(secret).Generate(at)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	return value
}

func (f *fixture) status(t *testing.T, sessionUID string) string {
	t.Helper()
	info, err := f.service.GetSessionInfo(context.Background(), sessionUID)
	if err != nil {
		t.Fatalf("GetSessionInfo: %v", err)
	}
	return info.Status
}

func TestLoginApprovesSession(t *testing.T) {
	f := newFixture(t)
	reg := f.register(t, "u", "pw")
	c := f.requestLogin(t, "u")

	if len(c.ticket.ShortUID) != 8 || c.ticket.SessionUID[:8] != c.ticket.ShortUID {
		t.Errorf("short uid %q is not the session uid prefix of %q", c.ticket.ShortUID, c.ticket.SessionUID)
	}
	if want := "https://identity.acquire.test/s?id=" + c.ticket.ShortUID; c.ticket.LoginURL != want {
		t.Errorf("login url = %q, want %q", c.ticket.LoginURL, want)
	}
	if got := f.status(t, c.ticket.SessionUID); got != auth.SessionPending {
		t.Fatalf("status before login = %s", got)
	}

	result, err := f.login(c, "u", identity.PackagedLogin{Password: "pw", OTPCode: code(t, reg.OTPSecret, f.clock.Now())}, false)
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if result.UserUID != reg.UserUID || result.SessionUID != c.ticket.SessionUID {
		t.Errorf("Login = %+v, want user %s session %s", result, reg.UserUID, c.ticket.SessionUID)
	}

	info, err := f.service.FetchSession(context.Background(), identityUID, c.ticket.SessionUID)
	if err != nil {
		t.Fatalf("FetchSession: %v", err)
	}
	if info.Status != auth.SessionApproved || info.UserUID != reg.UserUID || !info.PublicCertificate.Equal(c.key.PublicKey()) {
		t.Errorf("session info = %+v", info)
	}
	if _, err := f.service.FetchSession(context.Background(), "z9z9z9", c.ticket.SessionUID); err == nil {
		t.Error("FetchSession for another identity service succeeded")
	}

	authorisation := auth.Create(c.key, reg.UserUID, c.ticket.SessionUID, identityUID, "anything", f.clock.Now())
	if err := f.service.Verifier().Verify(context.Background(), authorisation, "anything"); err != nil {
		t.Errorf("verifying an authorisation from the approved session: %v", err)
	}
}

// TestSessionInfoOverRPC checks sessions the way other services do,
// through get_session_info.
func TestSessionInfoOverRPC(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	reg := f.register(t, "u", "pw")
	c := f.requestLogin(t, "u")
	if _, err := f.login(c, "u", identity.PackagedLogin{Password: "pw", OTPCode: code(t, reg.OTPSecret, f.clock.Now())}, false); err != nil {
		t.Fatalf("Login: %v", err)
	}

	dispatcher := service.NewDispatcher(service.DispatcherConfig{
		Service: func() *service.Service { return f.self },
		Clock:   f.clock,
	})
	f.service.Register(dispatcher)
	caller := service.NewClient(service.ClientConfig{Clock: f.clock})
	caller.RegisterLoopback(f.self.CanonicalURL, dispatcher)
	peers := trust.New(trust.Config{Bucket: objstoretest.NewBucket(t, f.store, "peers"), Clock: f.clock})
	if err := peers.Pin(ctx, f.self, f.self.PublicCertificate.Fingerprint()); err != nil {
		t.Fatalf("Pin: %v", err)
	}

	info, err := auth.NewRemoteSessions(peers, caller).FetchSession(ctx, identityUID, c.ticket.SessionUID)
	if err != nil {
		t.Fatalf("FetchSession: %v", err)
	}
	if info.Status != auth.SessionApproved || info.UserUID != reg.UserUID {
		t.Errorf("session info = %+v", info)
	}
	if !info.PublicCertificate.Equal(c.key.PublicKey()) {
		t.Error("session certificate did not survive the round trip")
	}
}

func TestOTPReplayMarksFirstSessionSuspicious(t *testing.T) {
	f := newFixture(t)
	reg := f.register(t, "u", "pw")
	otp := code(t, reg.OTPSecret, f.clock.Now())

	first := f.requestLogin(t, "u")
	if _, err := f.login(first, "u", identity.PackagedLogin{Password: "pw", OTPCode: otp}, false); err != nil {
		t.Fatalf("first Login: %v", err)
	}

	f.clock.Advance(20 * time.Second)
	second := f.requestLogin(t, "u")
	_, err := f.login(second, "u", identity.PackagedLogin{Password: "pw", OTPCode: otp}, false)
	testutil.RequireErrorIs(t, err, identity.ErrRepeatedOTPCode)

	if got := f.status(t, first.ticket.SessionUID); got != auth.SessionSuspicious {
		t.Errorf("first session = %s, want suspicious", got)
	}
	if got := f.status(t, second.ticket.SessionUID); got != auth.SessionPending {
		t.Errorf("second session = %s, want pending", got)
	}
}

func TestLoginFailures(t *testing.T) {
	f := newFixture(t)
	reg := f.register(t, "u", "pw")
	good := code(t, reg.OTPSecret, f.clock.Now())
	stale := code(t, reg.OTPSecret, f.clock.Now().Add(-5*time.Minute))

	tests := []struct {
		name     string
		username string
		login    identity.PackagedLogin
	}{
		{"wrong password", "u", identity.PackagedLogin{Password: "nope", OTPCode: good}},
		{"stale code", "u", identity.PackagedLogin{Password: "pw", OTPCode: stale}},
		{"unknown device", "u", identity.PackagedLogin{Password: "pw", OTPCode: good, DeviceUID: "phone"}},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			c := f.requestLogin(t, test.username)
			_, err := f.login(c, test.username, test.login, false)
			testutil.RequireErrorIs(t, err, identity.ErrLogin)
			if got := f.status(t, c.ticket.SessionUID); got != auth.SessionPending {
				t.Errorf("session after failed login = %s", got)
			}
		})
	}

	c := f.requestLogin(t, "someone-else")
	_, err := f.login(c, "u", identity.PackagedLogin{Password: "pw", OTPCode: good}, false)
	testutil.RequireErrorIs(t, err, identity.ErrSessionNotFound)
}

func TestRegisterRejectsDuplicates(t *testing.T) {
	f := newFixture(t)
	f.register(t, "Ada Lovelace", "pw")
	_, err := f.service.RegisterUser(context.Background(), "  ada   lovelace ", "other")
	testutil.RequireErrorIs(t, err, identity.ErrUserExists)
	_, err = f.service.RegisterUser(context.Background(), "", "pw")
	testutil.RequireErrorIs(t, err, identity.ErrLogin)
}

func TestRememberedDevice(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	reg := f.register(t, "u", "pw")

	first := f.requestLogin(t, "u")
	result, err := f.login(first, "u", identity.PackagedLogin{Password: "pw", OTPCode: code(t, reg.OTPSecret, f.clock.Now())}, true)
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if result.DeviceUID == "" || result.DeviceOTPSecret == "" || result.DeviceOTPSecret == reg.OTPSecret {
		t.Fatalf("remembered device = %+v", result)
	}

	second := f.requestLogin(t, "u")
	_, err = f.login(second, "u", identity.PackagedLogin{
		Password:  "pw",
		DeviceUID: result.DeviceUID,
		OTPCode:   code(t, result.DeviceOTPSecret, f.clock.Now()),
	}, false)
	if err != nil {
		t.Fatalf("device Login: %v", err)
	}

	authorisation := auth.Create(second.key, reg.UserUID, second.ticket.SessionUID, identityUID, identity.ResourceLoginDevices, f.clock.Now())
	devices, err := f.service.LoginDevices(ctx, authorisation)
	if err != nil {
		t.Fatalf("LoginDevices: %v", err)
	}
	if !slices.Equal(devices, []string{result.DeviceUID}) {
		t.Errorf("LoginDevices = %v, want [%s]", devices, result.DeviceUID)
	}

	wrongResource := auth.Create(second.key, reg.UserUID, second.ticket.SessionUID, identityUID, "something else", f.clock.Now())
	_, err = f.service.LoginDevices(ctx, wrongResource)
	testutil.RequireErrorIs(t, err, auth.ErrResourceMismatch)
}

func TestLogout(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	reg := f.register(t, "u", "pw")
	c := f.requestLogin(t, "u")
	if _, err := f.login(c, "u", identity.PackagedLogin{Password: "pw", OTPCode: code(t, reg.OTPSecret, f.clock.Now())}, false); err != nil {
		t.Fatalf("Login: %v", err)
	}
	uid := c.ticket.SessionUID

	impostor := keys.MustGenerate()
	err := f.service.Logout(ctx, uid, impostor.Sign(identity.LogoutMessage(uid)))
	testutil.RequireErrorIs(t, err, auth.ErrInvalidAuthorisation)

	if err := f.service.Logout(ctx, uid, c.key.Sign(identity.LogoutMessage(uid))); err != nil {
		t.Fatalf("Logout: %v", err)
	}
	info, err := f.service.GetSessionInfo(ctx, uid)
	if err != nil {
		t.Fatalf("GetSessionInfo: %v", err)
	}
	if info.Status != auth.SessionLoggedOut || info.LogoutTime.IsZero() {
		t.Errorf("after logout: %+v", info)
	}

	err = f.service.Logout(ctx, uid, c.key.Sign(identity.LogoutMessage(uid)))
	testutil.RequireErrorIs(t, err, identity.ErrSessionState)

	authorisation := auth.Create(c.key, reg.UserUID, uid, identityUID, "r", f.clock.Now())
	err = f.service.Verifier().Verify(ctx, authorisation, "r")
	testutil.RequireErrorIs(t, err, auth.ErrSessionNotApproved)
}

func TestWhoisAndRecovery(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	reg := f.register(t, "Grace", "pw")

	byUID, err := f.service.Whois(ctx, reg.UserUID, "")
	if err != nil || byUID.Username != "Grace" {
		t.Fatalf("Whois(uid) = %+v, %v", byUID, err)
	}
	byName, err := f.service.Whois(ctx, "", "grace")
	if err != nil || byName.UserUID != reg.UserUID {
		t.Fatalf("Whois(name) = %+v, %v", byName, err)
	}
	_, err = f.service.Whois(ctx, "", "nobody")
	testutil.RequireErrorIs(t, err, identity.ErrUserNotFound)

	secret, err := f.service.RecoverOTP(ctx, "Grace", "pw")
	if err != nil || secret != reg.OTPSecret {
		t.Fatalf("RecoverOTP = %q, %v; want the registered secret", secret, err)
	}
	_, err = f.service.RecoverOTP(ctx, "Grace", "wrong")
	testutil.RequireErrorIs(t, err, identity.ErrLogin)

	keysOf, err := f.service.GetKeys(ctx, f.requestLogin(t, "Grace").ticket.SessionUID)
	if err != nil || keysOf.PublicCertificate == nil {
		t.Fatalf("GetKeys = %+v, %v", keysOf, err)
	}
}

func TestCredentialsLockRoundTrip(t *testing.T) {
	credentials, err := identity.NewCredentials("u", "secret")
	if err != nil {
		t.Fatalf("NewCredentials: %v", err)
	}
	locked, err := credentials.Lock("u", "uid-1")
	if err != nil {
		t.Fatalf("Lock: %v", err)
	}
	unlocked, err := locked.Unlock("u", "uid-1", "secret")
	if err != nil {
		t.Fatalf("Unlock: %v", err)
	}
	if unlocked.OTP.Secret() != credentials.OTP.Secret() || unlocked.PrivateKey.Fingerprint() != credentials.PrivateKey.Fingerprint() {
		t.Error("unlocked credentials differ from the originals")
	}
	_, err = locked.Unlock("u", "uid-2", "secret")
	testutil.RequireErrorIs(t, err, identity.ErrLogin)
}
