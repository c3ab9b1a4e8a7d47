// Copyright 2026 The Acquire Authors
// SPDX-License-Identifier: Apache-2.0

package compute

import "testing"

func TestStateTransitions(t *testing.T) {
	tests := []struct {
		from, to State
		want     bool
	}{
		{StatePending, StateSubmitting, true},
		{StateSubmitting, StateStarting, true},
		{StateStarting, StateRunning, true},
		{StateRunning, StateCompleted, true},
		{StatePending, StateRunning, false},
		{StateRunning, StateStarting, false},
		{StatePending, StateError, true},
		{StateRunning, StateTerminated, true},
		{StateCompleted, StateError, false},
		{StateError, StateTerminated, false},
		{StateTerminated, StatePending, false},
		{StateRunning, State("paused"), false},
	}
	for _, tt := range tests {
		if got := tt.from.CanAdvance(tt.to); got != tt.want {
			t.Errorf("%s -> %s = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestFingerprintCoversEveryField(t *testing.T) {
	base := RunRequest{Resource: "image", Description: "d", Value: []byte(`{"a":1}`)}
	if base.Fingerprint() != base.Fingerprint() {
		t.Fatal("fingerprint is not stable")
	}
	for _, changed := range []RunRequest{
		{Resource: "other", Description: "d", Value: base.Value},
		{Resource: "image", Description: "e", Value: base.Value},
		{Resource: "image", Description: "d", Value: []byte(`{"a":2}`)},
	} {
		if changed.Fingerprint() == base.Fingerprint() {
			t.Errorf("%+v has the same fingerprint as %+v", changed, base)
		}
	}
}
