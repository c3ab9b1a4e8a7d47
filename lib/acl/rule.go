// Copyright 2026 The Acquire Authors
// SPDX-License-Identifier: Apache-2.0

// Package acl resolves access control rules for drives, files and
// accounts.
//
// A Rule grants or denies ownership, read and write, each of which may
// instead be inherited from an upstream rule. Rules combines several
// rules for users and groups into the one Rule that applies to a
// caller.
package acl

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Perm is a tri-state permission. The zero value inherits.
type Perm int8

const (
	Inherited Perm = iota
	Deny
	Allow
)

// MarshalJSON encodes Inherited as null.
func (p Perm) MarshalJSON() ([]byte, error) {
	switch p {
	case Allow:
		return []byte("true"), nil
	case Deny:
		return []byte("false"), nil
	}
	return []byte("null"), nil
}

// UnmarshalJSON accepts true, false and null.
func (p *Perm) UnmarshalJSON(data []byte) error {
	var value *bool
	if err := json.Unmarshal(data, &value); err != nil {
		return fmt.Errorf("acl: permission must be true, false or null: %w", err)
	}
	switch {
	case value == nil:
		*p = Inherited
	case *value:
		*p = Allow
	default:
		*p = Deny
	}
	return nil
}

func (p Perm) resolve(upstream Perm) Perm {
	if p == Inherited {
		return upstream
	}
	return p
}

// Rule is the permissions of one user on one resource.
type Rule struct {
	Owner     Perm `json:"is_owner"`
	Readable  Perm `json:"is_readable"`
	Writeable Perm `json:"is_writeable"`
}

// Owner returns the rule of an owner, who may also read and write.
func Owner() Rule { return Rule{Owner: Allow, Readable: Allow, Writeable: Allow} }

// Writer returns the rule of a user who may read and write.
func Writer() Rule { return Rule{Owner: Deny, Readable: Allow, Writeable: Allow} }

// Reader returns the rule of a user who may only read.
func Reader() Rule { return Rule{Owner: Deny, Readable: Allow, Writeable: Deny} }

// Denied returns the rule with no permissions.
func Denied() Rule { return Rule{Owner: Deny, Readable: Deny, Writeable: Deny} }

// Inherit returns the rule that inherits everything.
func Inherit() Rule { return Rule{} }

// IsOwner reports whether ownership is granted.
func (r Rule) IsOwner() bool { return r.Owner == Allow }

// CanRead reports whether reading is granted.
func (r Rule) CanRead() bool { return r.Readable == Allow }

// CanWrite reports whether writing is granted.
func (r Rule) CanWrite() bool { return r.Writeable == Allow }

// IsDenied reports whether nothing is granted.
func (r Rule) IsDenied() bool { return !r.IsOwner() && !r.CanRead() && !r.CanWrite() }

// IsResolved reports whether no permission is inherited.
func (r Rule) IsResolved() bool {
	return r.Owner != Inherited && r.Readable != Inherited && r.Writeable != Inherited
}

// Resolve fills each inherited permission from upstream.
func (r Rule) Resolve(upstream Rule) Rule {
	return Rule{
		Owner:     r.Owner.resolve(upstream.Owner),
		Readable:  r.Readable.resolve(upstream.Readable),
		Writeable: r.Writeable.resolve(upstream.Writeable),
	}
}

// Denying returns r with every inherited permission denied.
func (r Rule) Denying() Rule { return r.Resolve(Denied()) }

func (r Rule) String() string {
	var parts []string
	for _, field := range []struct {
		name string
		perm Perm
	}{{"owner", r.Owner}, {"writeable", r.Writeable}, {"readable", r.Readable}} {
		switch field.perm {
		case Allow:
			parts = append(parts, field.name)
		case Inherited:
			parts = append(parts, "inherits_"+field.name)
		}
	}
	if len(parts) == 0 {
		return "Rule(no permission)"
	}
	return "Rule(" + strings.Join(parts, ", ") + ")"
}
