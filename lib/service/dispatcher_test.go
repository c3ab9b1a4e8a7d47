// Copyright 2026 The Acquire Authors
// SPDX-License-Identifier: Apache-2.0

package service

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/acquire-foundation/acquire/lib/envelope"
	"github.com/acquire-foundation/acquire/lib/keys"
	"github.com/acquire-foundation/acquire/lib/testutil"
)

var errTestDomain = errors.New("service test: domain failure")

func init() {
	envelope.RegisterError("servicetest", "DomainError", errTestDomain)
}

func loopbackPair(t *testing.T) (*Client, *Service, *Dispatcher) {
	t.Helper()
	svc := newTestService(t, TypeAccounting, "https://accounting.example")
	var current atomic.Pointer[Service]
	current.Store(svc)
	d := newEchoDispatcher(t, current.Load)
	client := NewClient(ClientConfig{})
	client.RegisterLoopback(svc.CanonicalURL, d)
	return client, svc, d
}

func TestCallRoundtrip(t *testing.T) {
	client, svc, _ := loopbackPair(t)
	var result echoResult
	if err := client.Call(context.Background(), svc.Lock(), "echo", echoArgs{Message: "hello"}, &result); err != nil {
		t.Fatalf("Call: %v", err)
	}
	if result.Echo != "hello" {
		t.Fatalf("Echo = %q", result.Echo)
	}
}

func TestCallUnknownFunction(t *testing.T) {
	client, svc, _ := loopbackPair(t)
	err := client.Call(context.Background(), svc.Lock(), "missing", nil, nil)
	var remote *envelope.RemoteError
	if !errors.As(err, &remote) || remote.Status != envelope.StatusError {
		t.Fatalf("err = %v, want status -1 RemoteError", err)
	}
}

func TestCallPropagatesClassifiedError(t *testing.T) {
	client, svc, d := loopbackPair(t)
	d.Handle("fail", func(context.Context, *Request) (any, error) {
		return nil, errTestDomain
	})
	err := client.Call(context.Background(), svc.Lock(), "fail", nil, nil)
	if !errors.Is(err, errTestDomain) {
		t.Fatalf("err = %v, want errTestDomain", err)
	}
}

func TestHandlerPanicRecovered(t *testing.T) {
	client, svc, d := loopbackPair(t)
	d.Handle("boom", func(context.Context, *Request) (any, error) {
		panic("kaboom")
	})
	err := client.Call(context.Background(), svc.Lock(), "boom", nil, nil)
	var remote *envelope.RemoteError
	if !errors.As(err, &remote) || remote.Status != envelope.StatusException {
		t.Fatalf("err = %v, want status -2 RemoteError", err)
	}
}

func TestDuplicateHandlerPanics(t *testing.T) {
	_, _, d := loopbackPair(t)
	defer func() {
		if recover() == nil {
			t.Fatal("duplicate Handle did not panic")
		}
	}()
	d.Handle("echo", nil)
}

func TestCallAcrossRotation(t *testing.T) {
	svc := newTestService(t, TypeStorage, "https://storage.example")
	var current atomic.Pointer[Service]
	current.Store(svc)
	d := newEchoDispatcher(t, current.Load)
	client := NewClient(ClientConfig{})
	client.RegisterLoopback(svc.CanonicalURL, d)

	// The caller's cached copy predates the rotation.
	cached := svc.Lock()
	rotated := svc.Clone()
	if err := rotated.RotateKeys(testutil.Epoch.Add(DefaultKeyUpdateInterval)); err != nil {
		t.Fatalf("RotateKeys: %v", err)
	}
	current.Store(rotated)

	var result echoResult
	if err := client.Call(context.Background(), cached, "echo", echoArgs{Message: "still works"}, &result); err != nil {
		t.Fatalf("Call with pre-rotation descriptor: %v", err)
	}
	if err := client.Call(context.Background(), rotated.Lock(), "echo", echoArgs{Message: "new"}, &result); err != nil {
		t.Fatalf("Call with rotated descriptor: %v", err)
	}

	// Two rotations later the cached copy's key is gone.
	again := rotated.Clone()
	again.RotateKeys(testutil.Epoch.Add(2 * DefaultKeyUpdateInterval))
	current.Store(again)
	if err := client.Call(context.Background(), cached, "echo", echoArgs{}, &result); !errors.Is(err, keys.ErrKeyManipulation) {
		t.Fatalf("stale descriptor: err = %v, want ErrKeyManipulation", err)
	}
}

func TestReplyFromImpostorRejected(t *testing.T) {
	client, svc, _ := loopbackPair(t)
	impostor := svc.Lock()
	other := newTestService(t, TypeAccounting, "https://other.example")
	impostor.PublicCertificate = other.PublicCertificate
	err := client.Call(context.Background(), impostor, "echo", echoArgs{Message: "x"}, nil)
	if err == nil {
		t.Fatal("call trusting the wrong certificate succeeded")
	}
}

func TestPlainRequestReturnsDescriptor(t *testing.T) {
	client, svc, _ := loopbackPair(t)
	descriptor, err := client.FetchDescriptor(context.Background(), svc.CanonicalURL)
	if err != nil {
		t.Fatalf("FetchDescriptor: %v", err)
	}
	if descriptor.UID != svc.UID || !descriptor.IsLocked() {
		t.Fatalf("descriptor = %v", descriptor)
	}
}

func TestMalformedRequestFieldsRejected(t *testing.T) {
	_, _, d := loopbackPair(t)
	for _, body := range []string{
		`{"function":"echo","message":"x","sign_with_service_key":7}`,
		`{"function":["echo"],"message":"x"}`,
	} {
		reply := d.Serve(context.Background(), []byte(body))
		_, err := envelope.Unpack(reply, envelope.UnpackOptions{IsReturnValue: true, Function: "echo"})
		testutil.RequireErrorIs(t, err, envelope.ErrUnpacking)
	}
}

func TestDispatcherBoundsConcurrency(t *testing.T) {
	svc := newTestService(t, TypeCompute, "https://compute.example")
	d := NewDispatcher(DispatcherConfig{Service: func() *Service { return svc }, MaxConcurrent: 2})
	var running, peak atomic.Int32
	release := make(chan struct{})
	d.Handle("slow", func(context.Context, *Request) (any, error) {
		n := running.Add(1)
		for {
			old := peak.Load()
			if n <= old || peak.CompareAndSwap(old, n) {
				break
			}
		}
		<-release
		running.Add(-1)
		return nil, nil
	})
	client := NewClient(ClientConfig{})
	client.RegisterLoopback(svc.CanonicalURL, d)

	done := make(chan error, 5)
	for range 5 {
		go func() { done <- client.Call(context.Background(), svc.Lock(), "slow", nil, nil) }()
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	for range 5 {
		if err := testutil.RequireReceive(t, done, 5*time.Second); err != nil {
			t.Fatalf("Call: %v", err)
		}
	}
	if peak.Load() > 2 {
		t.Fatalf("peak concurrency %d, want at most 2", peak.Load())
	}
}
