// Copyright 2026 The Acquire Authors
// SPDX-License-Identifier: Apache-2.0

package acl

import (
	"encoding/json"
	"testing"
)

func TestRuleJSON(t *testing.T) {
	rule := Rule{Owner: Inherited, Readable: Allow, Writeable: Deny}
	data, err := json.Marshal(rule)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	want := `{"is_owner":null,"is_readable":true,"is_writeable":false}`
	if string(data) != want {
		t.Fatalf("Marshal = %s, want %s", data, want)
	}
	var decoded Rule
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if decoded != rule {
		t.Fatalf("decoded %v, want %v", decoded, rule)
	}
	if err := json.Unmarshal([]byte(`{"is_owner":"yes"}`), &decoded); err == nil {
		t.Fatal("string permission accepted")
	}
}

func TestRuleResolve(t *testing.T) {
	partial := Rule{Readable: Allow}
	got := partial.Resolve(Writer())
	if got != (Rule{Owner: Deny, Readable: Allow, Writeable: Allow}) {
		t.Fatalf("Resolve = %v", got)
	}
	if !Inherit().Resolve(Owner()).IsOwner() {
		t.Fatal("inherit-all did not take upstream ownership")
	}
	if partial.IsResolved() || !got.IsResolved() {
		t.Fatal("IsResolved wrong")
	}
}

func TestRulesResolve(t *testing.T) {
	reader := Reader()
	partial := Rule{Writeable: Allow}
	rules := func(op Op, def *Rule) Rules {
		return Rules{
			Op:      op,
			Default: def,
			Entries: []Entry{
				{Users: map[string]Rule{"alice@id": Owner(), "bob@id": partial}},
				{Groups: map[string]Rule{"readers@id": reader}},
			},
		}
	}

	tests := []struct {
		name  string
		rules Rules
		ids   Identifiers
		want  Rule
	}{
		{"set user match", rules(OpSet, nil), Identifiers{UserGUID: "alice@id"}, Owner()},
		{"set no match denied", rules(OpSet, nil), Identifiers{UserGUID: "eve@id"}, Denied()},
		{"set no match default", rules(OpSet, &reader), Identifiers{UserGUID: "eve@id"}, Reader()},
		{
			"set partial then group",
			rules(OpSet, nil),
			Identifiers{UserGUID: "bob@id", Groups: []string{"readers@id"}},
			Reader(),
		},
		{
			"set partial alone",
			rules(OpSet, nil),
			Identifiers{UserGUID: "bob@id"},
			Rule{Owner: Deny, Readable: Deny, Writeable: Allow},
		},
		{
			"max",
			rules(OpMax, nil),
			Identifiers{UserGUID: "bob@id", Groups: []string{"readers@id"}},
			Rule{Owner: Deny, Readable: Allow, Writeable: Allow},
		},
		{
			"min",
			rules(OpMin, nil),
			Identifiers{UserGUID: "alice@id", Groups: []string{"readers@id"}},
			Reader(),
		},
		{
			"sub",
			rules(OpSub, nil),
			Identifiers{UserGUID: "alice@id", Groups: []string{"readers@id"}},
			Rule{Owner: Allow, Readable: Deny, Writeable: Allow},
		},
		{
			"upstream fills inherited",
			rules(OpSet, nil),
			Identifiers{UserGUID: "bob@id", Upstream: &reader},
			Writer(),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.rules.Validate(); err != nil {
				t.Fatalf("Validate: %v", err)
			}
			if got := tt.rules.Resolve(tt.ids); got != tt.want {
				t.Fatalf("Resolve = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRulesValidate(t *testing.T) {
	if err := (Rules{Op: "XOR"}).Validate(); err == nil {
		t.Fatal("unknown op accepted")
	}
	owner := Owner()
	bad := Rules{Entries: []Entry{{Users: map[string]Rule{}, Rule: &owner}}}
	if err := bad.Validate(); err == nil {
		t.Fatal("entry with two kinds accepted")
	}
}
