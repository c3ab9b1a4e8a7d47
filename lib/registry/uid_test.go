// Copyright 2026 The Acquire Authors
// SPDX-License-Identifier: Apache-2.0

package registry

import "testing"

func TestCounterSequence(t *testing.T) {
	tests := []struct {
		from counter
		want string
	}{
		{counter{}, "a0a0a1"},
		{counter{0, 0, 0, 0, 0, 9}, "a0a0b0"},
		{counter{0, 0, 0, 0, 25, 9}, "a0a0A0"},
		{counter{0, 0, 0, 0, 51, 9}, "a0a1a0"},
		{counter{0, 0, 0, 9, 51, 9}, "a0b0a0"},
		{counter{0, 9, 51, 9, 51, 9}, "b0a0a0"},
	}
	for _, tt := range tests {
		next, ok := tt.from.next()
		if !ok {
			t.Fatalf("%v.next() reported exhaustion", tt.from)
		}
		if got := next.String(); got != tt.want {
			t.Errorf("%v.next() = %s, want %s", tt.from, got, tt.want)
		}
		if !ValidUID(next.String()) {
			t.Errorf("%s does not match the uid pattern", next)
		}
	}
}

func TestCounterExhaustion(t *testing.T) {
	last := counter{51, 9, 51, 9, 51, 9}
	if last.String() != "Z9Z9Z9" {
		t.Fatalf("last = %s", last)
	}
	if _, ok := last.next(); ok {
		t.Fatal("next after Z9Z9Z9 succeeded")
	}
}

func TestCorruptCounter(t *testing.T) {
	if err := (counter{52, 0, 0, 0, 0, 0}).valid(); err == nil {
		t.Fatal("out of range counter accepted")
	}
}
