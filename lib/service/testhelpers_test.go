// Copyright 2026 The Acquire Authors
// SPDX-License-Identifier: Apache-2.0

package service

import (
	"context"
	"testing"

	"github.com/acquire-foundation/acquire/lib/clock"
	"github.com/acquire-foundation/acquire/lib/testutil"
)

func newTestService(t *testing.T, serviceType Type, url string) *Service {
	t.Helper()
	svc, err := New(serviceType, url, testutil.Epoch)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := svc.Transition(testutil.UniqueID("uid")); err != nil {
		t.Fatalf("Transition: %v", err)
	}
	return svc
}

type echoArgs struct {
	Message string `json:"message"`
}

type echoResult struct {
	Echo string `json:"echo"`
}

// newEchoDispatcher serves an "echo" function for svc.
func newEchoDispatcher(t *testing.T, current func() *Service) *Dispatcher {
	t.Helper()
	d := NewDispatcher(DispatcherConfig{Service: current, Clock: clock.Fake(testutil.Epoch)})
	d.Handle("echo", func(_ context.Context, req *Request) (any, error) {
		var args echoArgs
		if err := req.Decode(&args); err != nil {
			return nil, err
		}
		return echoResult{Echo: args.Message}, nil
	})
	return d
}
