// Copyright 2026 The Acquire Authors
// SPDX-License-Identifier: Apache-2.0

package auth_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/acquire-foundation/acquire/lib/auth"
	"github.com/acquire-foundation/acquire/lib/clock"
	"github.com/acquire-foundation/acquire/lib/keys"
	"github.com/acquire-foundation/acquire/lib/objstore"
	"github.com/acquire-foundation/acquire/lib/objstore/objstoretest"
	"github.com/acquire-foundation/acquire/lib/testutil"
)

const identityUID = "a0a0a1"

type fakeSessions struct {
	mu       sync.Mutex
	sessions map[string]auth.SessionInfo
	fetches  int
}

func (f *fakeSessions) add(info auth.SessionInfo) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sessions == nil {
		f.sessions = make(map[string]auth.SessionInfo)
	}
	f.sessions[info.SessionUID] = info
}

func (f *fakeSessions) setStatus(sessionUID, status string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	info := f.sessions[sessionUID]
	info.Status = status
	f.sessions[sessionUID] = info
}

func (f *fakeSessions) FetchSession(_ context.Context, identity, sessionUID string) (auth.SessionInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetches++
	info, ok := f.sessions[sessionUID]
	if !ok || identity != identityUID {
		return auth.SessionInfo{}, errors.New("no such session")
	}
	return info, nil
}

func (f *fakeSessions) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetches
}

type harness struct {
	verifier *auth.Verifier
	sessions *fakeSessions
	clock    *clock.FakeClock
	key      *keys.PrivateKey
	bucket   *objstore.Bucket
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	fake := clock.Fake(testutil.Epoch)
	store := objstoretest.NewStore(t, fake)
	bucket := objstoretest.NewBucket(t, store, "auth")
	key := keys.MustGenerate()
	sessions := &fakeSessions{}
	sessions.add(auth.SessionInfo{
		SessionUID:        "session-1",
		UserUID:           "user-1",
		Status:            auth.SessionApproved,
		PublicCertificate: key.PublicKey(),
	})
	verifier := auth.NewVerifier(auth.VerifierConfig{Sessions: sessions, Bucket: bucket, Clock: fake})
	return &harness{verifier: verifier, sessions: sessions, clock: fake, key: key, bucket: bucket}
}

func (h *harness) authorise(resource string) *auth.Authorisation {
	return auth.Create(h.key, "user-1", "session-1", identityUID, resource, h.clock.Now())
}

func TestVerify(t *testing.T) {
	h := newHarness(t)
	a := h.authorise("deposit 10")
	if err := h.verifier.Verify(context.Background(), a, "deposit 10"); err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if !a.LastValidated.Equal(h.clock.Now()) {
		t.Fatalf("LastValidated = %v", a.LastValidated)
	}
	if a.UserGUID() != "user-1@"+identityUID {
		t.Fatalf("UserGUID = %s", a.UserGUID())
	}
}

func TestVerifyFailures(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(h *harness, a *auth.Authorisation) string
		want   error
	}{
		{
			name:   "wrong resource",
			mutate: func(*harness, *auth.Authorisation) string { return "withdraw 10" },
			want:   auth.ErrResourceMismatch,
		},
		{
			name: "stale",
			mutate: func(h *harness, _ *auth.Authorisation) string {
				h.clock.Advance(auth.DefaultStaleness + time.Second)
				return "r"
			},
			want: auth.ErrStale,
		},
		{
			name: "session not approved",
			mutate: func(h *harness, _ *auth.Authorisation) string {
				h.sessions.setStatus("session-1", auth.SessionSuspicious)
				return "r"
			},
			want: auth.ErrSessionNotApproved,
		},
		{
			name: "forged signature",
			mutate: func(_ *harness, a *auth.Authorisation) string {
				a.Signature = keys.MustGenerate().Sign([]byte("anything"))
				return "r"
			},
			want: auth.ErrInvalidAuthorisation,
		},
		{
			name: "tampered user",
			mutate: func(h *harness, a *auth.Authorisation) string {
				h.sessions.add(auth.SessionInfo{
					SessionUID:        "session-1",
					UserUID:           "user-2",
					Status:            auth.SessionApproved,
					PublicCertificate: h.key.PublicKey(),
				})
				a.UserUID = "user-2"
				return "r"
			},
			want: auth.ErrInvalidAuthorisation,
		},
		{
			name: "incomplete",
			mutate: func(_ *harness, a *auth.Authorisation) string {
				a.SessionUID = ""
				return "r"
			},
			want: auth.ErrInvalidAuthorisation,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			a := h.authorise("r")
			resource := tt.mutate(h, a)
			err := h.verifier.Verify(context.Background(), a, resource)
			testutil.RequireErrorIs(t, err, tt.want)
		})
	}
}

func TestSessionCertificateIsCached(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	for range 3 {
		if err := h.verifier.Verify(ctx, h.authorise("r"), "r"); err != nil {
			t.Fatalf("Verify: %v", err)
		}
	}
	if n := h.sessions.count(); n != 1 {
		t.Fatalf("fetched %d times, want 1", n)
	}

	h.clock.Advance(auth.DefaultRefresh)
	if err := h.verifier.Verify(ctx, h.authorise("r"), "r"); err != nil {
		t.Fatalf("Verify after refresh interval: %v", err)
	}
	if n := h.sessions.count(); n != 2 {
		t.Fatalf("fetched %d times, want 2", n)
	}

	// A logout is noticed once the cached certificate is forgotten.
	h.sessions.setStatus("session-1", auth.SessionLoggedOut)
	h.verifier.Forget(identityUID, "session-1")
	err := h.verifier.Verify(ctx, h.authorise("r"), "r")
	testutil.RequireErrorIs(t, err, auth.ErrSessionNotApproved)
}

func TestAssertOnce(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	a := h.authorise("transfer")
	if err := h.verifier.AssertOnce(ctx, a, "transfer"); err != nil {
		t.Fatalf("AssertOnce: %v", err)
	}
	testutil.RequireErrorIs(t, h.verifier.AssertOnce(ctx, a, "transfer"), auth.ErrAlreadyUsed)

	// A second verifier sharing the bucket sees the durable record.
	other := auth.NewVerifier(auth.VerifierConfig{Sessions: h.sessions, Bucket: h.bucket, Clock: h.clock})
	testutil.RequireErrorIs(t, other.AssertOnce(ctx, a, "transfer"), auth.ErrAlreadyUsed)

	// A fresh authorisation of the same resource is fine.
	h.clock.Advance(time.Second)
	if err := h.verifier.AssertOnce(ctx, h.authorise("transfer"), "transfer"); err != nil {
		t.Fatalf("AssertOnce of a new authorisation: %v", err)
	}
}

func TestIsAdmin(t *testing.T) {
	h := newHarness(t)
	a := h.authorise("r")
	if !a.IsAdmin([]string{"someone@else", "user-1@" + identityUID}) {
		t.Fatal("listed user is not an admin")
	}
	if a.IsAdmin(nil) {
		t.Fatal("empty admin list granted admin")
	}
	var none *auth.Authorisation
	if none.IsAdmin([]string{"user-1@" + identityUID}) {
		t.Fatal("nil authorisation is an admin")
	}
}
