// Copyright 2026 The Acquire Authors
// SPDX-License-Identifier: Apache-2.0

package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/acquire-foundation/acquire/lib/acl"
	"github.com/acquire-foundation/acquire/lib/auth"
	"github.com/acquire-foundation/acquire/lib/objstore"
)

const (
	groupsPrefix    = "accounting/account_groups/"
	groupACLsPrefix = "accounting/account_group_acls/"

	// DefaultGroup holds accounts created without a group or user.
	DefaultGroup = "default"
)

func groupKey(group, name string) string {
	return groupsPrefix + objstore.EncodeKey(group) + "/" + objstore.EncodeKey(name)
}

func groupACLKey(group, userGUID string) string {
	return groupACLsPrefix + objstore.EncodeKey(group) + "/" + objstore.EncodeKey(userGUID)
}

// groupName applies the default group for userGUID.
func groupName(group, userGUID string) string {
	switch {
	case group != "":
		return group
	case userGUID != "":
		return userGUID
	}
	return DefaultGroup
}

// GroupRule returns the rule userGUID holds on group. Users without an
// entry are denied. An empty userGUID is the service itself and owns
// every group.
func (l *Ledger) GroupRule(ctx context.Context, group, userGUID string) (acl.Rule, error) {
	if userGUID == "" {
		return acl.Owner(), nil
	}
	var rule acl.Rule
	err := l.bucket.GetJSON(ctx, groupACLKey(group, userGUID), &rule)
	if errors.Is(err, objstore.ErrNotFound) {
		return acl.Denied(), nil
	}
	if err != nil {
		return acl.Rule{}, err
	}
	return rule.Denying(), nil
}

// SetGroupRule grants userGUID rule on group. The caller must own the
// group.
func (l *Ledger) SetGroupRule(ctx context.Context, ownerGUID, group, userGUID string, rule acl.Rule) error {
	owner, err := l.GroupRule(ctx, group, ownerGUID)
	if err != nil {
		return err
	}
	if !owner.IsOwner() {
		return auth.ErrPermissionDenied
	}
	return l.bucket.SetJSON(ctx, groupACLKey(group, userGUID), rule)
}

// Permission resolves the rule userGUID holds on account: the
// account's own ACL, falling back to its group's rule.
func (l *Ledger) Permission(ctx context.Context, account *Account, userGUID string) (acl.Rule, error) {
	groupRule, err := l.GroupRule(ctx, account.GroupName, userGUID)
	if err != nil {
		return acl.Rule{}, err
	}
	if account.ACL == nil || userGUID == "" {
		return groupRule, nil
	}
	return account.ACL.Resolve(acl.Identifiers{UserGUID: userGUID, Upstream: &groupRule}), nil
}

// CreateAccountRequest describes a new account.
type CreateAccountRequest struct {
	// UserGUID is the creating user. Empty means the service.
	UserGUID string

	// Group defaults to UserGUID, then DefaultGroup.
	Group string

	Name           string
	Description    string
	OverdraftLimit decimal.Decimal
}

// CreateAccount creates an account in a group, or returns the account
// already holding that name. The first user to create an account in a
// group becomes its owner; later users need write access.
func (l *Ledger) CreateAccount(ctx context.Context, req CreateAccountRequest) (*Account, error) {
	if req.Name == "" {
		return nil, fmt.Errorf("%w: an account name is required", ErrAccount)
	}
	limit, err := Normalise(req.OverdraftLimit)
	if err != nil {
		return nil, err
	}
	if limit.IsNegative() {
		return nil, fmt.Errorf("%w: overdraft limit %s is negative", ErrAccount, limit.StringFixed(Places))
	}
	group := groupName(req.Group, req.UserGUID)

	if req.UserGUID != "" {
		members, err := l.bucket.List(ctx, groupACLsPrefix+objstore.EncodeKey(group)+"/")
		if err != nil {
			return nil, err
		}
		if len(members) == 0 {
			if err := l.bucket.SetJSON(ctx, groupACLKey(group, req.UserGUID), acl.Owner()); err != nil {
				return nil, err
			}
		}
		rule, err := l.GroupRule(ctx, group, req.UserGUID)
		if err != nil {
			return nil, err
		}
		if !rule.CanWrite() {
			return nil, auth.ErrPermissionDenied
		}
	}

	var account *Account
	key := groupKey(group, req.Name)
	err = objstore.WithMutex(ctx, l.bucket, key, objstore.MutexOptions{Clock: l.clock}, func() error {
		existing, err := l.bucket.GetString(ctx, key)
		if err == nil {
			account, err = l.LoadAccount(ctx, existing)
			return err
		}
		if !errors.Is(err, objstore.ErrNotFound) {
			return err
		}

		now := l.clock.Now().UTC()
		account = &Account{
			UID:            uuid.NewString(),
			Name:           req.Name,
			Description:    req.Description,
			GroupName:      group,
			OverdraftLimit: limit,
			Created:        now,
			ledger:         l,
		}
		if err := account.save(ctx); err != nil {
			return err
		}
		hour := truncateHour(now)
		if err := account.writeSnapshot(ctx, hour, Balance{}); err != nil {
			return err
		}
		if err := l.bucket.SetString(ctx, account.lastHourlyKey(), hour.Format(hourLayout)); err != nil {
			return err
		}
		if err := l.bucket.SetString(ctx, key, account.UID); err != nil {
			return err
		}
		l.logger.Info("created account",
			"account", account.UID,
			"name", req.Name,
			"group", group,
		)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return account, nil
}

// ListAccounts returns the account names in a group.
func (l *Ledger) ListAccounts(ctx context.Context, userGUID, group string) ([]string, error) {
	group = groupName(group, userGUID)
	rule, err := l.GroupRule(ctx, group, userGUID)
	if err != nil {
		return nil, err
	}
	if !rule.CanRead() {
		return nil, auth.ErrPermissionDenied
	}
	encoded, err := l.bucket.ListNames(ctx, groupsPrefix+objstore.EncodeKey(group)+"/")
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(encoded))
	for _, segment := range encoded {
		name, err := objstore.DecodeKey(segment)
		if err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, nil
}

// GetAccount returns the named account in a group.
func (l *Ledger) GetAccount(ctx context.Context, userGUID, group, name string) (*Account, error) {
	group = groupName(group, userGUID)
	rule, err := l.GroupRule(ctx, group, userGUID)
	if err != nil {
		return nil, err
	}
	if !rule.CanRead() {
		return nil, auth.ErrPermissionDenied
	}
	uid, err := l.bucket.GetString(ctx, groupKey(group, name))
	if errors.Is(err, objstore.ErrNotFound) {
		return nil, fmt.Errorf("%w: %q in group %q", ErrAccountNotFound, name, group)
	}
	if err != nil {
		return nil, err
	}
	return l.LoadAccount(ctx, uid)
}

// Contains reports whether the account with uid belongs to group.
func (l *Ledger) Contains(ctx context.Context, group, accountUID string) (bool, error) {
	account, err := l.LoadAccount(ctx, accountUID)
	if errors.Is(err, ErrAccountNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if account.GroupName != group {
		return false, nil
	}
	uid, err := l.bucket.GetString(ctx, groupKey(group, account.Name))
	if errors.Is(err, objstore.ErrNotFound) {
		return false, nil
	}
	return uid == accountUID, err
}

// AccountAt loads the account with uid and returns its balance at t.
func (l *Ledger) AccountAt(ctx context.Context, uid string, t time.Time) (*Account, Balance, error) {
	account, err := l.LoadAccount(ctx, uid)
	if err != nil {
		return nil, Balance{}, err
	}
	b, err := account.Balance(ctx, t)
	return account, b, err
}
