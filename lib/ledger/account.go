// Copyright 2026 The Acquire Authors
// SPDX-License-Identifier: Apache-2.0

package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/acquire-foundation/acquire/lib/acl"
	"github.com/acquire-foundation/acquire/lib/objstore"
)

const (
	accountsPrefix = "accounting/accounts/"

	// hourLayout names balance snapshots.
	hourLayout = "2006-01-02T15"
	dayLayout  = "2006-01-02"

	// hourGuard is the tail of every hour in which no line item is
	// issued.
	hourGuard = 2 * time.Second

	maxWriteAttempts = 3
)

// Account is a ledger account. Its balance is never stored directly:
// it is derived from hourly snapshots plus the line items written
// since.
type Account struct {
	UID            string          `json:"uid"`
	Name           string          `json:"name"`
	Description    string          `json:"description,omitempty"`
	GroupName      string          `json:"group_name"`
	OverdraftLimit decimal.Decimal `json:"overdraft_limit"`
	ACL            *acl.Rules      `json:"acl,omitempty"`
	Created        time.Time       `json:"created"`

	ledger *Ledger
}

// Balance is the state of an account at an instant.
type Balance struct {
	Balance    decimal.Decimal `json:"balance"`
	Liability  decimal.Decimal `json:"liability"`
	Receivable decimal.Decimal `json:"receivable"`

	// Spent is the total debited since the start of the day.
	Spent decimal.Decimal `json:"spent_today"`
}

// Available is balance minus liability.
func (b Balance) Available() decimal.Decimal {
	return b.Balance.Sub(b.Liability)
}

// Status summarises an account for display.
type Status struct {
	Balance
	AvailableBalance       decimal.Decimal `json:"available_balance"`
	OverdraftLimit         decimal.Decimal `json:"overdraft_limit"`
	IsBeyondOverdraftLimit bool            `json:"is_beyond_overdraft_limit"`
}

// tally accumulates line items onto a Balance, resetting the daily
// spend when the day changes.
type tally struct {
	Balance
	day string
}

func newTally(b Balance, at time.Time) *tally {
	return &tally{Balance: b, day: at.UTC().Format(dayLayout)}
}

func (t *tally) apply(e entry) {
	if day := e.time.Format(dayLayout); day != t.day {
		t.Spent = decimal.Zero
		t.day = day
	}
	switch e.code {
	case Credit:
		t.Balance.Balance = t.Balance.Balance.Add(e.value)
	case Debit:
		t.Balance.Balance = t.Balance.Balance.Sub(e.value)
		t.Spent = t.Spent.Add(e.value)
	case CurrentLiability:
		t.Liability = t.Liability.Add(e.value)
		t.Spent = t.Spent.Add(e.value)
	case AccountReceivable:
		t.Receivable = t.Receivable.Add(e.value)
	case ReceivedReceipt:
		t.Balance.Balance = t.Balance.Balance.Sub(e.receipted)
		t.Liability = t.Liability.Sub(e.value)
	case SentReceipt:
		t.Balance.Balance = t.Balance.Balance.Add(e.receipted)
		t.Receivable = t.Receivable.Sub(e.value)
	case ReceivedRefund:
		t.Balance.Balance = t.Balance.Balance.Add(e.value)
	case SentRefund:
		t.Balance.Balance = t.Balance.Balance.Sub(e.value)
	}
}

// at returns the balance as seen at instant ts.
func (t *tally) at(ts time.Time) Balance {
	b := t.Balance
	if ts.UTC().Format(dayLayout) != t.day {
		b.Spent = decimal.Zero
	}
	return b
}

func (a *Account) prefix() string { return accountsPrefix + a.UID + "/" }

func (a *Account) infoKey() string { return a.prefix() + "info" }

func (a *Account) lastHourlyKey() string { return a.prefix() + "last_hourly_balance" }

func (a *Account) snapshotKey(hour time.Time) string {
	return a.prefix() + "balance/" + hour.UTC().Format(hourLayout)
}

func (a *Account) mutexOptions() objstore.MutexOptions {
	return objstore.MutexOptions{Clock: a.ledger.clock}
}

func (a *Account) save(ctx context.Context) error {
	return a.ledger.bucket.SetJSON(ctx, a.infoKey(), a)
}

func truncateHour(t time.Time) time.Time { return t.UTC().Truncate(time.Hour) }

// Balance returns the account state at t: the snapshot for the hour
// containing t (or the latest before it) plus every line item written
// from the snapshot's hour up to and including t.
func (a *Account) Balance(ctx context.Context, t time.Time) (Balance, error) {
	t = t.UTC()
	hour := truncateHour(t)

	snapshot, err := a.snapshot(ctx, hour)
	if errors.Is(err, objstore.ErrNotFound) && !hour.After(a.ledger.clock.Now()) {
		if err := a.Reconcile(ctx, a.ledger.clock.Now()); err != nil {
			return Balance{}, err
		}
		snapshot, err = a.snapshot(ctx, hour)
	}
	at := hour
	if errors.Is(err, objstore.ErrNotFound) {
		snapshot, at, err = a.latestSnapshot(ctx, hour)
		if errors.Is(err, objstore.ErrNotFound) {
			return Balance{}, nil
		}
	}
	if err != nil {
		return Balance{}, err
	}

	entries, err := a.entries(ctx, at, t)
	if err != nil {
		return Balance{}, err
	}
	running := newTally(snapshot, at)
	for _, e := range entries {
		running.apply(e)
	}
	return running.at(t), nil
}

// AvailableBalance is balance minus liability plus the overdraft limit.
func (a *Account) AvailableBalance(ctx context.Context) (decimal.Decimal, error) {
	b, err := a.Balance(ctx, a.ledger.clock.Now())
	if err != nil {
		return decimal.Zero, err
	}
	return b.Available().Add(a.OverdraftLimit), nil
}

// IsBeyondOverdraftLimit reports whether the available balance is
// negative.
func (a *Account) IsBeyondOverdraftLimit(ctx context.Context) (bool, error) {
	available, err := a.AvailableBalance(ctx)
	if err != nil {
		return false, err
	}
	return available.IsNegative(), nil
}

// SetOverdraftLimit changes the overdraft limit. A limit that would
// leave the account beyond it is refused.
func (a *Account) SetOverdraftLimit(ctx context.Context, limit decimal.Decimal) error {
	limit, err := Normalise(limit)
	if err != nil {
		return err
	}
	if limit.IsNegative() {
		return fmt.Errorf("%w: overdraft limit %s is negative", ErrAccount, limit.StringFixed(Places))
	}
	return objstore.WithMutex(ctx, a.ledger.bucket, "account/"+a.UID, a.mutexOptions(), func() error {
		b, err := a.Balance(ctx, a.ledger.clock.Now())
		if err != nil {
			return err
		}
		if b.Available().Add(limit).IsNegative() {
			return fmt.Errorf("%w: limit %s would leave %s beyond its overdraft", ErrAccount, limit.StringFixed(Places), a.UID)
		}
		previous := a.OverdraftLimit
		a.OverdraftLimit = limit
		if err := a.save(ctx); err != nil {
			a.OverdraftLimit = previous
			return err
		}
		return nil
	})
}

// BalanceStatus returns the current balance with the derived values.
func (a *Account) BalanceStatus(ctx context.Context) (Status, error) {
	b, err := a.Balance(ctx, a.ledger.clock.Now())
	if err != nil {
		return Status{}, err
	}
	available := b.Available().Add(a.OverdraftLimit)
	return Status{
		Balance:                b,
		AvailableBalance:       available,
		OverdraftLimit:         a.OverdraftLimit,
		IsBeyondOverdraftLimit: available.IsNegative(),
	}, nil
}

func (a *Account) snapshot(ctx context.Context, hour time.Time) (Balance, error) {
	var b Balance
	err := a.ledger.bucket.GetJSON(ctx, a.snapshotKey(hour), &b)
	return b, err
}

// latestSnapshot finds the newest snapshot at or before hour.
func (a *Account) latestSnapshot(ctx context.Context, hour time.Time) (Balance, time.Time, error) {
	names, err := a.ledger.bucket.ListNames(ctx, a.prefix()+"balance/")
	if err != nil {
		return Balance{}, time.Time{}, err
	}
	limit := hour.UTC().Format(hourLayout)
	for i := len(names) - 1; i >= 0; i-- {
		if names[i] > limit {
			continue
		}
		at, err := time.ParseInLocation(hourLayout, names[i], time.UTC)
		if err != nil {
			return Balance{}, time.Time{}, fmt.Errorf("%w: bad snapshot name %q", ErrAccount, names[i])
		}
		b, err := a.snapshot(ctx, at)
		return b, at, err
	}
	return Balance{}, time.Time{}, objstore.ErrNotFound
}

func (a *Account) lastHourly(ctx context.Context) (time.Time, error) {
	value, err := a.ledger.bucket.GetString(ctx, a.lastHourlyKey())
	if err != nil {
		return time.Time{}, err
	}
	at, err := time.ParseInLocation(hourLayout, value, time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: bad last hourly balance %q", ErrAccount, value)
	}
	return at, nil
}

func (a *Account) writeSnapshot(ctx context.Context, hour time.Time, b Balance) error {
	return a.ledger.bucket.SetJSON(ctx, a.snapshotKey(hour), b)
}

// entries returns the line items with from <= time <= to, oldest first.
func (a *Account) entries(ctx context.Context, from, to time.Time) ([]entry, error) {
	from, to = from.UTC(), to.UTC()
	var found []entry
	for day := from.Truncate(24 * time.Hour); !day.After(to); day = day.AddDate(0, 0, 1) {
		keys, err := a.ledger.bucket.List(ctx, a.prefix()+day.Format(dayLayout))
		if err != nil {
			return nil, err
		}
		for _, key := range keys {
			e, err := a.parseEntry(key)
			if err != nil {
				return nil, err
			}
			if e.time.Before(from) || e.time.After(to) {
				continue
			}
			found = append(found, e)
		}
	}
	return found, nil
}

func (a *Account) parseEntry(key string) (entry, error) {
	parts := strings.Split(strings.TrimPrefix(key, a.prefix()), "/")
	if len(parts) != 3 {
		return entry{}, fmt.Errorf("%w: unexpected line item key %q", ErrAccount, key)
	}
	ts, err := objstore.ParseTime(parts[0])
	if err != nil {
		return entry{}, fmt.Errorf("%w: line item %q: %v", ErrAccount, key, err)
	}
	code, value, receipted, err := ParseLineItem(parts[2])
	if err != nil {
		return entry{}, err
	}
	return entry{key: key, time: ts, code: code, value: value, receipted: receipted}, nil
}

// Reconcile writes the hourly snapshots that are due at now: one for
// the start of each hour following activity and one for the start of
// the current hour. Running it twice changes nothing.
func (a *Account) Reconcile(ctx context.Context, now time.Time) error {
	return objstore.WithMutex(ctx, a.ledger.bucket, "account_balance/"+a.UID, a.mutexOptions(), func() error {
		return a.reconcileLocked(ctx, truncateHour(now))
	})
}

func (a *Account) reconcileLocked(ctx context.Context, current time.Time) error {
	last, err := a.lastHourly(ctx)
	if err != nil {
		return err
	}
	if !last.Before(current) {
		return nil
	}
	snapshot, at, err := a.latestSnapshot(ctx, last)
	if err != nil {
		return fmt.Errorf("%w: account %s has no snapshot at or before %s: %v", ErrAccount, a.UID, last.Format(hourLayout), err)
	}
	entries, err := a.entries(ctx, at, current.Add(-time.Nanosecond))
	if err != nil {
		return err
	}

	running := newTally(snapshot, at)
	for i, e := range entries {
		running.apply(e)
		hour := truncateHour(e.time)
		if i+1 < len(entries) && truncateHour(entries[i+1].time).Equal(hour) {
			continue
		}
		next := hour.Add(time.Hour)
		if next.Before(current) {
			if err := a.writeSnapshot(ctx, next, running.at(next)); err != nil {
				return err
			}
		}
	}
	if err := a.writeSnapshot(ctx, current, running.at(current)); err != nil {
		return err
	}
	a.ledger.logger.Debug("reconciled account",
		"account", a.UID,
		"from", last.Format(hourLayout),
		"to", current.Format(hourLayout),
		"items", len(entries),
	)
	return a.ledger.bucket.SetString(ctx, a.lastHourlyKey(), current.Format(hourLayout))
}

// writeItem appends a line item. Items are never issued in the last
// seconds of an hour, and an item that lands in a different hour from
// the one it was stamped with is withdrawn and written again, so that
// every snapshot covers exactly the items stamped before it.
func (a *Account) writeItem(ctx context.Context, code Code, value, receipted decimal.Decimal, item LineItem) (entry, error) {
	segment := EncodeLineItem(code, value, receipted)
	for range maxWriteAttempts {
		ts := a.ledger.safeNow()
		key := a.prefix() + objstore.Join(objstore.FormatTime(ts), uuid.NewString()[:8], segment)
		if err := a.ledger.bucket.SetJSON(ctx, key, item); err != nil {
			return entry{}, err
		}
		if truncateHour(a.ledger.clock.Now()).Equal(truncateHour(ts)) {
			return entry{key: key, time: ts, code: code, value: value, receipted: receipted}, nil
		}
		if err := a.ledger.bucket.Delete(ctx, key); err != nil && !errors.Is(err, objstore.ErrNotFound) {
			return entry{}, err
		}
	}
	return entry{}, fmt.Errorf("%w: could not write %s to %s within an hour", ErrAccount, segment, a.UID)
}

// deleteItem removes a line item and drops the snapshots that counted
// it.
func (a *Account) deleteItem(ctx context.Context, e entry) error {
	if err := a.ledger.bucket.Delete(ctx, e.key); err != nil && !errors.Is(err, objstore.ErrNotFound) {
		return err
	}
	return objstore.WithMutex(ctx, a.ledger.bucket, "account_balance/"+a.UID, a.mutexOptions(), func() error {
		names, err := a.ledger.bucket.ListNames(ctx, a.prefix()+"balance/")
		if err != nil {
			return err
		}
		itemHour := truncateHour(e.time).Format(hourLayout)
		latest := ""
		for _, name := range names {
			if name <= itemHour {
				latest = name
				continue
			}
			if err := a.ledger.bucket.Delete(ctx, a.prefix()+"balance/"+name); err != nil && !errors.Is(err, objstore.ErrNotFound) {
				return err
			}
		}
		if latest == "" {
			return fmt.Errorf("%w: account %s has no snapshot before %s", ErrAccount, a.UID, itemHour)
		}
		return a.ledger.bucket.SetString(ctx, a.lastHourlyKey(), latest)
	})
}
