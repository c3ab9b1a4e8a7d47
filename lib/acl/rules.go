// Copyright 2026 The Acquire Authors
// SPDX-License-Identifier: Apache-2.0

package acl

import "fmt"

// Op selects how Rules combines the entries that match.
type Op string

const (
	// OpSet takes the first fully resolved match. Partially resolved
	// matches become the upstream of later ones.
	OpSet Op = "SET"

	// OpMax grants what any match grants.
	OpMax Op = "MAX"

	// OpMin grants what every match grants.
	OpMin Op = "MIN"

	// OpSub grants what the first match grants and no later match
	// grants.
	OpSub Op = "SUB"
)

// Identifiers describe the caller a rule is resolved for.
type Identifiers struct {
	UserGUID string
	Groups   []string

	// Upstream, if set, supplies inherited permissions.
	Upstream *Rule
}

// Entry is one element of Rules. Exactly one field is set: Users
// matches by user GUID, Groups by group GUID, Rule matches everyone.
type Entry struct {
	Users  map[string]Rule `json:"users,omitempty"`
	Groups map[string]Rule `json:"groups,omitempty"`
	Rule   *Rule           `json:"rule,omitempty"`
}

func (e Entry) match(ids Identifiers) (Rule, bool) {
	switch {
	case e.Users != nil:
		rule, ok := e.Users[ids.UserGUID]
		return rule, ok && ids.UserGUID != ""
	case e.Groups != nil:
		for _, group := range ids.Groups {
			if rule, ok := e.Groups[group]; ok {
				return rule, true
			}
		}
		return Rule{}, false
	case e.Rule != nil:
		return *e.Rule, true
	}
	return Rule{}, false
}

// Rules combines entries into the rule that applies to a caller.
type Rules struct {
	Entries []Entry `json:"entries,omitempty"`
	Default *Rule   `json:"default,omitempty"`

	// Op defaults to OpSet.
	Op Op `json:"op,omitempty"`
}

// ForUsers returns Rules holding one user entry.
func ForUsers(users map[string]Rule) Rules {
	return Rules{Entries: []Entry{{Users: users}}}
}

// ForUser returns Rules granting rule to one user.
func ForUser(userGUID string, rule Rule) Rules {
	return ForUsers(map[string]Rule{userGUID: rule})
}

// Validate reports malformed rules.
func (rs Rules) Validate() error {
	switch rs.Op {
	case "", OpSet, OpMax, OpMin, OpSub:
	default:
		return fmt.Errorf("acl: unknown op %q", rs.Op)
	}
	for i, e := range rs.Entries {
		set := 0
		if e.Users != nil {
			set++
		}
		if e.Groups != nil {
			set++
		}
		if e.Rule != nil {
			set++
		}
		if set != 1 {
			return fmt.Errorf("acl: entry %d must set exactly one of users, groups or rule", i)
		}
	}
	return nil
}

// Resolve returns the fully resolved rule for ids. When nothing
// matches the default applies, and without a default everything is
// denied.
func (rs Rules) Resolve(ids Identifiers) Rule {
	upstream := Denied()
	if ids.Upstream != nil {
		upstream = ids.Upstream.Denying()
	}

	var matches []Rule
	for _, e := range rs.Entries {
		if rule, ok := e.match(ids); ok {
			matches = append(matches, rule)
		}
	}

	switch rs.Op {
	case OpMax, OpMin, OpSub:
		if len(matches) > 0 {
			resolved := make([]Rule, len(matches))
			for i, rule := range matches {
				resolved[i] = rule.Resolve(upstream)
			}
			return combine(rs.Op, resolved)
		}
	default:
		for _, rule := range matches {
			if rule.IsResolved() {
				return rule
			}
			upstream = rule.Resolve(upstream)
		}
		if len(matches) > 0 && rs.Default == nil {
			return upstream
		}
	}

	if rs.Default != nil {
		return rs.Default.Resolve(upstream)
	}
	return Denied()
}

func combine(op Op, rules []Rule) Rule {
	result := rules[0]
	for _, rule := range rules[1:] {
		switch op {
		case OpMax:
			result = Rule{
				Owner:     either(result.Owner, rule.Owner),
				Readable:  either(result.Readable, rule.Readable),
				Writeable: either(result.Writeable, rule.Writeable),
			}
		case OpMin:
			result = Rule{
				Owner:     both(result.Owner, rule.Owner),
				Readable:  both(result.Readable, rule.Readable),
				Writeable: both(result.Writeable, rule.Writeable),
			}
		case OpSub:
			result = Rule{
				Owner:     without(result.Owner, rule.Owner),
				Readable:  without(result.Readable, rule.Readable),
				Writeable: without(result.Writeable, rule.Writeable),
			}
		}
	}
	return result
}

func either(a, b Perm) Perm {
	if a == Allow || b == Allow {
		return Allow
	}
	return Deny
}

func both(a, b Perm) Perm {
	if a == Allow && b == Allow {
		return Allow
	}
	return Deny
}

func without(a, b Perm) Perm {
	if a == Allow && b != Allow {
		return Allow
	}
	return Deny
}
