// Copyright 2026 The Acquire Authors
// SPDX-License-Identifier: Apache-2.0

package registry_test

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/acquire-foundation/acquire/lib/clock"
	"github.com/acquire-foundation/acquire/lib/objstore/objstoretest"
	"github.com/acquire-foundation/acquire/lib/registry"
	"github.com/acquire-foundation/acquire/lib/service"
	"github.com/acquire-foundation/acquire/lib/testutil"
	"github.com/acquire-foundation/acquire/lib/trust"
)

const registryURL = "https://registry.acquire.test"

type fixture struct {
	registry *registry.Registry
	self     *service.Service
	client   *registry.Client
	trust    *trust.Store
	clock    *clock.FakeClock
}

// newFixture serves a bootstrapped registry in process and returns a
// client that trusts it.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	fake := clock.AutoAdvance(testutil.Epoch)
	store := objstoretest.NewStore(t, fake)

	self, err := service.New(service.TypeRegistry, registryURL, fake.Now())
	if err != nil {
		t.Fatalf("service.New: %v", err)
	}
	var current atomic.Pointer[service.Service]
	current.Store(self)
	reg := registry.New(registry.Config{
		Bucket: objstoretest.NewBucket(t, store, "registry"),
		Self:   current.Load,
		Clock:  fake,
	})
	if err := reg.Bootstrap(ctx, self); err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}
	if self.UID != "a0a0a0" {
		t.Fatalf("registry uid = %s, want a0a0a0", self.UID)
	}

	dispatcher := service.NewDispatcher(service.DispatcherConfig{Service: current.Load, Clock: fake})
	reg.Register(dispatcher)
	caller := service.NewClient(service.ClientConfig{Clock: fake})
	caller.RegisterLoopback(registryURL, dispatcher)

	client := registry.NewClient(caller, registryURL, nil)
	trustStore := trust.New(trust.Config{
		Bucket:   objstoretest.NewBucket(t, store, "trust"),
		Resolver: client,
		Clock:    fake,
	})
	client.UseTrust(trustStore)
	if err := trustStore.Pin(ctx, self, self.PublicCertificate.Fingerprint()); err != nil {
		t.Fatalf("Pin: %v", err)
	}
	return &fixture{registry: reg, self: self, client: client, trust: trustStore, clock: fake}
}

func (f *fixture) newService(t *testing.T, url string) *service.Service {
	t.Helper()
	svc, err := service.New(service.TypeStorage, url, f.clock.Now())
	if err != nil {
		t.Fatalf("service.New: %v", err)
	}
	return svc
}

func TestTwoServicesGetUniqueUIDs(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	first := f.newService(t, "https://storage-1.acquire.test")
	second := f.newService(t, "https://storage-2.acquire.test")
	for _, svc := range []*service.Service{first, second} {
		if err := f.client.Register(ctx, svc, false); err != nil {
			t.Fatalf("Register(%s): %v", svc.CanonicalURL, err)
		}
		if !registry.ValidUID(svc.UID) {
			t.Fatalf("uid %q does not match the pattern", svc.UID)
		}
	}
	if first.UID == second.UID {
		t.Fatalf("both services got uid %s", first.UID)
	}

	for _, svc := range []*service.Service{first, second} {
		byUID, err := f.client.ResolveUID(ctx, svc.UID)
		if err != nil {
			t.Fatalf("ResolveUID(%s): %v", svc.UID, err)
		}
		byURL, err := f.client.ResolveURL(ctx, svc.CanonicalURL)
		if err != nil {
			t.Fatalf("ResolveURL(%s): %v", svc.CanonicalURL, err)
		}
		if byUID.UID != byURL.UID || !byUID.PublicCertificate.Equal(svc.PublicCertificate) {
			t.Fatalf("lookups of %s disagree: %v / %v", svc.UID, byUID, byURL)
		}
		trusted, err := f.trust.Get(ctx, svc.UID)
		if err != nil {
			t.Fatalf("trust.Get(%s): %v", svc.UID, err)
		}
		if trusted.CanonicalURL != svc.CanonicalURL {
			t.Fatalf("trust.Get(%s) = %v", svc.UID, trusted)
		}
	}
}

func TestMintSequence(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	want := []string{"a0a0a1", "a0a0a2", "a0a0a3"}
	for _, expected := range want {
		uid, err := f.registry.MintUID(ctx)
		if err != nil {
			t.Fatalf("MintUID: %v", err)
		}
		if uid != expected {
			t.Fatalf("MintUID = %s, want %s", uid, expected)
		}
	}
}

func TestReRegistrationKeepsUID(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	svc := f.newService(t, "https://storage.acquire.test")
	stageOne := svc.Lock()
	if err := f.client.Register(ctx, svc, false); err != nil {
		t.Fatalf("Register: %v", err)
	}

	// The same certificate registering again from STAGE1 gets the
	// same uid.
	challenge := "challenge"
	signature, err := svc.Sign([]byte(challenge))
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	result, err := f.registry.RegisterService(ctx, stageOne, challenge, signature, false)
	if err != nil {
		t.Fatalf("RegisterService: %v", err)
	}
	if result.UID != svc.UID {
		t.Fatalf("re-registration uid = %s, want %s", result.UID, svc.UID)
	}
}

func TestURLClaimedByAnotherCertificate(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	url := "https://storage.acquire.test"
	original := f.newService(t, url)
	if err := f.client.Register(ctx, original, false); err != nil {
		t.Fatalf("Register: %v", err)
	}

	replacement := f.newService(t, url)
	err := f.client.Register(ctx, replacement, false)
	testutil.RequireErrorIs(t, err, registry.ErrURLRegistered)

	replacement = f.newService(t, url)
	if err := f.client.Register(ctx, replacement, true); err != nil {
		t.Fatalf("Register with forceNewUID: %v", err)
	}
	if replacement.UID == original.UID {
		t.Fatal("forced registration reused the old uid")
	}
	got, err := f.registry.GetServiceByURL(ctx, url)
	if err != nil {
		t.Fatalf("GetServiceByURL: %v", err)
	}
	if got.UID != replacement.UID {
		t.Fatalf("url resolves to %s, want %s", got.UID, replacement.UID)
	}
}

func TestBadChallengeSignature(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	svc := f.newService(t, "https://storage.acquire.test")
	other := f.newService(t, "https://other.acquire.test")
	signature, err := other.Sign([]byte("challenge"))
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	_, err = f.registry.RegisterService(ctx, svc.Lock(), "challenge", signature, false)
	testutil.RequireErrorIs(t, err, registry.ErrRegistration)
}

func TestUnmintedUIDIsRejected(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	svc := f.newService(t, "https://storage.acquire.test")
	if err := svc.Transition("q7q7q7"); err != nil {
		t.Fatalf("Transition: %v", err)
	}
	signature, err := svc.Sign([]byte("challenge"))
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	_, err = f.registry.RegisterService(ctx, svc.Lock(), "challenge", signature, false)
	testutil.RequireErrorIs(t, err, registry.ErrRegistration)
}

func TestUpdateServiceAfterRotation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	svc := f.newService(t, "https://storage.acquire.test")
	if err := f.client.Register(ctx, svc, false); err != nil {
		t.Fatalf("Register: %v", err)
	}

	rotated := svc.Clone()
	if err := rotated.RotateKeys(f.clock.Now()); err != nil {
		t.Fatalf("RotateKeys: %v", err)
	}
	if err := f.client.Update(ctx, rotated); err != nil {
		t.Fatalf("Update: %v", err)
	}
	got, err := f.registry.GetService(ctx, svc.UID)
	if err != nil {
		t.Fatalf("GetService: %v", err)
	}
	if !got.PublicCertificate.Equal(rotated.PublicCertificate) {
		t.Fatal("registry still holds the old certificate")
	}

	// Publishing the pre-rotation descriptor again is refused.
	err = f.client.Update(ctx, svc)
	testutil.RequireErrorIs(t, err, service.ErrRolloverChain)
}

func TestUnknownService(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	_, err := f.client.ResolveUID(ctx, "z9z9z9")
	testutil.RequireErrorIs(t, err, registry.ErrServiceNotFound)
	_, err = f.registry.GetServiceByURL(ctx, "https://nowhere.acquire.test")
	testutil.RequireErrorIs(t, err, registry.ErrServiceNotFound)
}
