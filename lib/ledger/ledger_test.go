// Copyright 2026 The Acquire Authors
// SPDX-License-Identifier: Apache-2.0

package ledger_test

import (
	"context"
	"errors"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/acquire-foundation/acquire/lib/acl"
	"github.com/acquire-foundation/acquire/lib/auth"
	"github.com/acquire-foundation/acquire/lib/clock"
	"github.com/acquire-foundation/acquire/lib/keys"
	"github.com/acquire-foundation/acquire/lib/ledger"
	"github.com/acquire-foundation/acquire/lib/objstore/objstoretest"
	"github.com/acquire-foundation/acquire/lib/testutil"
)

type fixture struct {
	ledger *ledger.Ledger
	clock  *clock.FakeClock
}

func newFixture(t *testing.T, start time.Time) *fixture {
	t.Helper()
	clk := clock.AutoAdvance(start)
	store := objstoretest.NewStore(t, clk)
	bucket := objstoretest.NewBucket(t, store, "ledger")
	return &fixture{
		ledger: ledger.New(ledger.Config{Bucket: bucket, Clock: clk}),
		clock:  clk,
	}
}

func (f *fixture) account(t *testing.T, name, overdraft string) *ledger.Account {
	t.Helper()
	account, err := f.ledger.CreateAccount(context.Background(), ledger.CreateAccountRequest{
		Name:           name,
		OverdraftLimit: ledger.MustAmount(overdraft),
	})
	if err != nil {
		t.Fatalf("CreateAccount(%s): %v", name, err)
	}
	return account
}

func (f *fixture) perform(t *testing.T, debit, credit *ledger.Account, value string, provisional bool) *ledger.TransactionRecord {
	t.Helper()
	records, err := f.ledger.Perform(context.Background(), ledger.PerformRequest{
		Transactions: []ledger.Transaction{{Value: ledger.MustAmount(value), Description: "test"}},
		Debit:        debit,
		Credit:       credit,
		Provisional:  provisional,
	})
	if err != nil {
		t.Fatalf("Perform(%s -> %s, %s): %v", debit.Name, credit.Name, value, err)
	}
	if len(records) != 1 {
		t.Fatalf("Perform returned %d records, want 1", len(records))
	}
	return records[0]
}

func balanceOf(t *testing.T, account *ledger.Account, at time.Time) ledger.Balance {
	t.Helper()
	b, err := account.Balance(context.Background(), at)
	if err != nil {
		t.Fatalf("Balance(%s): %v", account.Name, err)
	}
	return b
}

func requireAmount(t *testing.T, label string, got decimal.Decimal, want string) {
	t.Helper()
	if !got.Equal(ledger.MustAmount(want)) {
		t.Fatalf("%s = %s, want %s", label, got.StringFixed(ledger.Places), want)
	}
}

func TestDirectPerform(t *testing.T) {
	f := newFixture(t, testutil.Epoch)
	a := f.account(t, "A", "1500000")
	b := f.account(t, "B", "2500000")

	record := f.perform(t, a, b, "100.0", false)
	if record.State != ledger.StateDirect {
		t.Errorf("state = %s, want direct", record.State)
	}

	now := f.clock.Now()
	requireAmount(t, "A.balance", balanceOf(t, a, now).Balance, "-100.000000")
	requireAmount(t, "B.balance", balanceOf(t, b, now).Balance, "100.000000")
	requireAmount(t, "A.spent", balanceOf(t, a, now).Spent, "100")

	loaded, err := f.ledger.LoadTransaction(context.Background(), record.UID)
	if err != nil {
		t.Fatalf("LoadTransaction: %v", err)
	}
	if loaded.CreditNote.AccountUID != b.UID || loaded.DebitNote.AccountUID != a.UID {
		t.Errorf("loaded notes = %+v / %+v", loaded.DebitNote, loaded.CreditNote)
	}
}

func TestProvisionalReceipt(t *testing.T) {
	f := newFixture(t, testutil.Epoch)
	ctx := context.Background()
	a := f.account(t, "A", "1500000")
	b := f.account(t, "B", "2500000")
	f.perform(t, a, b, "100.0", false)

	record := f.perform(t, a, b, "50.0", true)
	if record.State != ledger.StateProvisional {
		t.Fatalf("state = %s, want provisional", record.State)
	}
	if want := f.clock.Now().Add(ledger.DefaultReceiptWindow); !record.CreditNote.ReceiptBy.Equal(want.UTC()) {
		t.Errorf("receipt_by = %s, want %s", record.CreditNote.ReceiptBy, want)
	}

	now := f.clock.Now()
	balanceA, balanceB := balanceOf(t, a, now), balanceOf(t, b, now)
	requireAmount(t, "A.liability", balanceA.Liability, "50")
	requireAmount(t, "B.receivable", balanceB.Receivable, "50")
	requireAmount(t, "A.balance", balanceA.Balance, "-100")
	requireAmount(t, "B.balance", balanceB.Balance, "100")

	receipted, err := f.ledger.Receipt(ctx, ledger.Receipt{
		CreditNote:     record.CreditNote,
		ReceiptedValue: ledger.MustAmount("45.5"),
	})
	if err != nil {
		t.Fatalf("Receipt: %v", err)
	}
	if receipted.State != ledger.StateReceipted || !receipted.ReceiptedValue.Equal(ledger.MustAmount("45.5")) {
		t.Errorf("receipted record = %s %v", receipted.State, receipted.ReceiptedValue)
	}

	now = f.clock.Now()
	balanceA, balanceB = balanceOf(t, a, now), balanceOf(t, b, now)
	requireAmount(t, "A.balance", balanceA.Balance, "-145.500000")
	requireAmount(t, "B.balance", balanceB.Balance, "145.500000")
	requireAmount(t, "A.liability", balanceA.Liability, "0")
	requireAmount(t, "B.receivable", balanceB.Receivable, "0")
}

func TestInsufficientFunds(t *testing.T) {
	f := newFixture(t, testutil.Epoch)
	a := f.account(t, "A", "10")
	b := f.account(t, "B", "0")

	_, err := f.ledger.Perform(context.Background(), ledger.PerformRequest{
		Transactions: []ledger.Transaction{{Value: ledger.MustAmount("10.000001")}},
		Debit:        a,
		Credit:       b,
	})
	testutil.RequireErrorIs(t, err, ledger.ErrInsufficientFunds)

	requireAmount(t, "A.balance", balanceOf(t, a, f.clock.Now()).Balance, "0")
	requireAmount(t, "B.balance", balanceOf(t, b, f.clock.Now()).Balance, "0")

	f.perform(t, a, b, "10", false)
	beyond, err := a.IsBeyondOverdraftLimit(context.Background())
	if err != nil || beyond {
		t.Errorf("IsBeyondOverdraftLimit = %v, %v; want false at exactly the limit", beyond, err)
	}
}

func TestPerformIsAllOrNothing(t *testing.T) {
	f := newFixture(t, testutil.Epoch)
	a := f.account(t, "A", "10")
	b := f.account(t, "B", "0")

	_, err := f.ledger.Perform(context.Background(), ledger.PerformRequest{
		Transactions: []ledger.Transaction{
			{Value: ledger.MustAmount("4")},
			{Value: ledger.MustAmount("4")},
			{Value: ledger.MustAmount("4")},
		},
		Debit:  a,
		Credit: b,
	})
	testutil.RequireErrorIs(t, err, ledger.ErrInsufficientFunds)

	now := f.clock.Now()
	requireAmount(t, "A.balance", balanceOf(t, a, now).Balance, "0")
	requireAmount(t, "B.balance", balanceOf(t, b, now).Balance, "0")
	requireAmount(t, "A.spent", balanceOf(t, a, now).Spent, "0")
}

func TestPerformValidation(t *testing.T) {
	f := newFixture(t, testutil.Epoch)
	ctx := context.Background()
	a := f.account(t, "A", "100")
	b := f.account(t, "B", "0")

	tests := []struct {
		name string
		req  ledger.PerformRequest
	}{
		{"self transfer", ledger.PerformRequest{Debit: a, Credit: a, Transactions: []ledger.Transaction{{Value: ledger.MustAmount("1")}}}},
		{"no transactions", ledger.PerformRequest{Debit: a, Credit: b}},
		{"zero value", ledger.PerformRequest{Debit: a, Credit: b, Transactions: []ledger.Transaction{{Value: decimal.Zero}}}},
		{"negative value", ledger.PerformRequest{Debit: a, Credit: b, Transactions: []ledger.Transaction{{Value: ledger.MustAmount("-1")}}}},
		{"receipt too soon", ledger.PerformRequest{
			Debit: a, Credit: b, Provisional: true,
			ReceiptBy:    f.clock.Now().Add(30 * time.Minute),
			Transactions: []ledger.Transaction{{Value: ledger.MustAmount("1")}},
		}},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			_, err := f.ledger.Perform(ctx, test.req)
			testutil.RequireErrorIs(t, err, ledger.ErrTransaction)
		})
	}
}

func TestRefundDirect(t *testing.T) {
	f := newFixture(t, testutil.Epoch)
	a := f.account(t, "A", "100")
	b := f.account(t, "B", "0")
	record := f.perform(t, a, b, "30", false)

	refunded, err := f.ledger.Refund(context.Background(), ledger.Refund{CreditNote: record.CreditNote})
	if err != nil {
		t.Fatalf("Refund: %v", err)
	}
	if refunded.State != ledger.StateRefunded {
		t.Errorf("state = %s, want refunded", refunded.State)
	}
	now := f.clock.Now()
	requireAmount(t, "A.balance", balanceOf(t, a, now).Balance, "0")
	requireAmount(t, "B.balance", balanceOf(t, b, now).Balance, "0")
}

func TestRefundProvisional(t *testing.T) {
	f := newFixture(t, testutil.Epoch)
	a := f.account(t, "A", "100")
	b := f.account(t, "B", "0")
	record := f.perform(t, a, b, "30", true)

	if _, err := f.ledger.Refund(context.Background(), ledger.Refund{CreditNote: record.CreditNote}); err != nil {
		t.Fatalf("Refund: %v", err)
	}
	now := f.clock.Now()
	for _, account := range []*ledger.Account{a, b} {
		got := balanceOf(t, account, now)
		requireAmount(t, account.Name+".balance", got.Balance, "0")
		requireAmount(t, account.Name+".liability", got.Liability, "0")
		requireAmount(t, account.Name+".receivable", got.Receivable, "0")
	}
}

func TestProvisionalResolvesOnce(t *testing.T) {
	f := newFixture(t, testutil.Epoch)
	ctx := context.Background()
	a := f.account(t, "A", "100")
	b := f.account(t, "B", "0")

	record := f.perform(t, a, b, "20", true)
	receipt := ledger.Receipt{CreditNote: record.CreditNote, ReceiptedValue: ledger.MustAmount("20")}
	if _, err := f.ledger.Receipt(ctx, receipt); err != nil {
		t.Fatalf("Receipt: %v", err)
	}
	_, err := f.ledger.Receipt(ctx, receipt)
	testutil.RequireErrorIs(t, err, ledger.ErrTransactionState)
	_, err = f.ledger.Refund(ctx, ledger.Refund{CreditNote: record.CreditNote})
	testutil.RequireErrorIs(t, err, ledger.ErrTransactionState)

	refunded := f.perform(t, a, b, "20", true)
	if _, err := f.ledger.Refund(ctx, ledger.Refund{CreditNote: refunded.CreditNote}); err != nil {
		t.Fatalf("Refund: %v", err)
	}
	_, err = f.ledger.Receipt(ctx, ledger.Receipt{CreditNote: refunded.CreditNote, ReceiptedValue: ledger.MustAmount("1")})
	testutil.RequireErrorIs(t, err, ledger.ErrTransactionState)

	now := f.clock.Now()
	requireAmount(t, "A.balance", balanceOf(t, a, now).Balance, "-20")
	requireAmount(t, "B.balance", balanceOf(t, b, now).Balance, "20")
}

func TestReceiptMismatch(t *testing.T) {
	f := newFixture(t, testutil.Epoch)
	ctx := context.Background()
	a := f.account(t, "A", "100")
	b := f.account(t, "B", "0")
	record := f.perform(t, a, b, "20", true)

	_, err := f.ledger.Receipt(ctx, ledger.Receipt{CreditNote: record.CreditNote, ReceiptedValue: ledger.MustAmount("20.000001")})
	testutil.RequireErrorIs(t, err, ledger.ErrUnmatchedReceipt)

	forged := record.CreditNote
	forged.Value = ledger.MustAmount("200")
	_, err = f.ledger.Receipt(ctx, ledger.Receipt{CreditNote: forged, ReceiptedValue: ledger.MustAmount("20")})
	testutil.RequireErrorIs(t, err, ledger.ErrUnmatchedReceipt)

	loaded, err := f.ledger.LoadTransaction(ctx, record.UID)
	if err != nil {
		t.Fatalf("LoadTransaction: %v", err)
	}
	if loaded.State != ledger.StateProvisional {
		t.Errorf("state after failed receipt = %s, want provisional", loaded.State)
	}
}

func TestItemsSkipTheEndOfTheHour(t *testing.T) {
	start := time.Date(2026, 3, 2, 9, 59, 59, 0, time.UTC)
	f := newFixture(t, start)
	a := f.account(t, "A", "100")
	b := f.account(t, "B", "0")

	record := f.perform(t, a, b, "5", false)
	if record.DebitNote.Datetime.Hour() != 10 {
		t.Errorf("debit written at %s, want after 10:00", record.DebitNote.Datetime)
	}
	requireAmount(t, "A.balance", balanceOf(t, a, f.clock.Now()).Balance, "-5")
	requireAmount(t, "A.balance before the hour", balanceOf(t, a, start).Balance, "0")
}

func TestSnapshotEquivalenceAcrossHours(t *testing.T) {
	f := newFixture(t, testutil.Epoch)
	ctx := context.Background()
	a := f.account(t, "A", "100000")
	b := f.account(t, "B", "0")

	type observation struct {
		at time.Time
		a  ledger.Balance
		b  ledger.Balance
	}
	var seen []observation
	for step := range 48 {
		f.perform(t, a, b, "1.25", step%3 == 0)
		f.clock.Advance(25 * time.Minute)
		now := f.clock.Now()
		seen = append(seen, observation{now, balanceOf(t, a, now), balanceOf(t, b, now)})
		// Reads include items written at their own instant, so the
		// next write must land after this observation.
		f.clock.Advance(time.Microsecond)
	}

	if err := a.Reconcile(ctx, f.clock.Now()); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if err := a.Reconcile(ctx, f.clock.Now()); err != nil {
		t.Fatalf("second Reconcile: %v", err)
	}

	for _, want := range seen {
		if got := balanceOf(t, a, want.at); !equalBalance(got, want.a) {
			t.Fatalf("A at %s = %+v, first seen as %+v", want.at, got, want.a)
		}
		if got := balanceOf(t, b, want.at); !equalBalance(got, want.b) {
			t.Fatalf("B at %s = %+v, first seen as %+v", want.at, got, want.b)
		}
	}

	midnight := time.Date(2026, 3, 3, 0, 0, 0, 0, time.UTC)
	if spent := balanceOf(t, a, midnight).Spent; !spent.IsZero() {
		t.Errorf("spent at midnight = %s, want 0", spent)
	}
	requireAmount(t, "A.balance", balanceOf(t, a, f.clock.Now()).Balance, "-40")
	requireAmount(t, "A.liability", balanceOf(t, a, f.clock.Now()).Liability, "20")
}

func equalBalance(x, y ledger.Balance) bool {
	return x.Balance.Equal(y.Balance) &&
		x.Liability.Equal(y.Liability) &&
		x.Receivable.Equal(y.Receivable) &&
		x.Spent.Equal(y.Spent)
}

func TestConservation(t *testing.T) {
	f := newFixture(t, testutil.Epoch)
	ctx := context.Background()
	accounts := []*ledger.Account{
		f.account(t, "A", "1000000"),
		f.account(t, "B", "1000000"),
		f.account(t, "C", "1000000"),
	}
	random := rand.New(rand.NewPCG(1, 2))
	var open []*ledger.TransactionRecord
	var settled []*ledger.TransactionRecord

	for step := range 60 {
		switch op := random.IntN(4); {
		case op <= 1 || len(open)+len(settled) == 0:
			from := random.IntN(len(accounts))
			to := (from + 1 + random.IntN(len(accounts)-1)) % len(accounts)
			value := decimal.New(int64(1+random.IntN(5000)), -2)
			record := f.perform(t, accounts[from], accounts[to], value.String(), op == 1)
			if record.IsProvisional() {
				open = append(open, record)
			} else {
				settled = append(settled, record)
			}
		case op == 2 && len(open) > 0:
			i := random.IntN(len(open))
			record := open[i]
			open = append(open[:i], open[i+1:]...)
			paid := record.Value().Mul(decimal.New(int64(random.IntN(101)), -2)).Round(ledger.Places)
			if _, err := f.ledger.Receipt(ctx, ledger.Receipt{CreditNote: record.CreditNote, ReceiptedValue: paid}); err != nil {
				t.Fatalf("step %d: Receipt: %v", step, err)
			}
		case len(settled) > 0:
			i := random.IntN(len(settled))
			record := settled[i]
			settled = append(settled[:i], settled[i+1:]...)
			if _, err := f.ledger.Refund(ctx, ledger.Refund{CreditNote: record.CreditNote}); err != nil {
				t.Fatalf("step %d: Refund: %v", step, err)
			}
		}
		if random.IntN(3) == 0 {
			f.clock.Advance(time.Duration(random.IntN(90)) * time.Minute)
		}

		now := f.clock.Now()
		var balance, liability, receivable decimal.Decimal
		for _, account := range accounts {
			got := balanceOf(t, account, now)
			balance = balance.Add(got.Balance)
			liability = liability.Add(got.Liability)
			receivable = receivable.Add(got.Receivable)
		}
		if !balance.IsZero() || !liability.Equal(receivable) {
			t.Fatalf("step %d: balance sum %s, liability %s, receivable %s", step, balance, liability, receivable)
		}
	}
}

func TestSetOverdraftLimit(t *testing.T) {
	f := newFixture(t, testutil.Epoch)
	ctx := context.Background()
	a := f.account(t, "A", "100")
	b := f.account(t, "B", "0")
	f.perform(t, a, b, "60", false)

	err := a.SetOverdraftLimit(ctx, ledger.MustAmount("50"))
	testutil.RequireErrorIs(t, err, ledger.ErrAccount)
	if err := a.SetOverdraftLimit(ctx, ledger.MustAmount("60")); err != nil {
		t.Fatalf("SetOverdraftLimit(60): %v", err)
	}

	status, err := a.BalanceStatus(ctx)
	if err != nil {
		t.Fatalf("BalanceStatus: %v", err)
	}
	requireAmount(t, "available", status.AvailableBalance, "0")
	if status.IsBeyondOverdraftLimit {
		t.Error("account at its limit reported beyond it")
	}

	reloaded, err := f.ledger.LoadAccount(ctx, a.UID)
	if err != nil {
		t.Fatalf("LoadAccount: %v", err)
	}
	requireAmount(t, "stored limit", reloaded.OverdraftLimit, "60")
}

func TestAccountGroups(t *testing.T) {
	f := newFixture(t, testutil.Epoch)
	ctx := context.Background()
	const identity = "a0a0a1"
	owner, other := "alice@"+identity, "bob@"+identity

	created, err := f.ledger.CreateAccount(ctx, ledger.CreateAccountRequest{UserGUID: owner, Group: "lab", Name: "main"})
	if err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}
	again, err := f.ledger.CreateAccount(ctx, ledger.CreateAccountRequest{UserGUID: owner, Group: "lab", Name: "main"})
	if err != nil || again.UID != created.UID {
		t.Fatalf("re-creating returned %v, %v; want the existing account", again, err)
	}

	_, err = f.ledger.CreateAccount(ctx, ledger.CreateAccountRequest{UserGUID: other, Group: "lab", Name: "bobs"})
	testutil.RequireErrorIs(t, err, auth.ErrPermissionDenied)
	_, err = f.ledger.ListAccounts(ctx, other, "lab")
	testutil.RequireErrorIs(t, err, auth.ErrPermissionDenied)

	if err := f.ledger.SetGroupRule(ctx, other, "lab", other, acl.Owner()); !errors.Is(err, auth.ErrPermissionDenied) {
		t.Fatalf("non-owner SetGroupRule error = %v", err)
	}
	if err := f.ledger.SetGroupRule(ctx, owner, "lab", other, acl.Writer()); err != nil {
		t.Fatalf("SetGroupRule: %v", err)
	}
	if _, err := f.ledger.CreateAccount(ctx, ledger.CreateAccountRequest{UserGUID: other, Group: "lab", Name: "bobs"}); err != nil {
		t.Fatalf("CreateAccount after grant: %v", err)
	}

	names, err := f.ledger.ListAccounts(ctx, other, "lab")
	if err != nil {
		t.Fatalf("ListAccounts: %v", err)
	}
	if len(names) != 2 {
		t.Fatalf("ListAccounts = %v, want two accounts", names)
	}
	got, err := f.ledger.GetAccount(ctx, owner, "lab", "main")
	if err != nil || got.UID != created.UID {
		t.Fatalf("GetAccount = %v, %v", got, err)
	}
	_, err = f.ledger.GetAccount(ctx, owner, "lab", "missing")
	testutil.RequireErrorIs(t, err, ledger.ErrAccountNotFound)

	if ok, err := f.ledger.Contains(ctx, "lab", created.UID); err != nil || !ok {
		t.Errorf("Contains(lab, main) = %v, %v", ok, err)
	}
	if ok, _ := f.ledger.Contains(ctx, "other", created.UID); ok {
		t.Error("Contains(other, main) = true")
	}

	personal, err := f.ledger.CreateAccount(ctx, ledger.CreateAccountRequest{UserGUID: owner, Name: "main"})
	if err != nil {
		t.Fatalf("CreateAccount in personal group: %v", err)
	}
	if personal.GroupName != owner {
		t.Errorf("default group = %q, want %q", personal.GroupName, owner)
	}
}

func TestPerformChecksWritePermission(t *testing.T) {
	f := newFixture(t, testutil.Epoch)
	ctx := context.Background()
	const identity = "a0a0a1"
	key := keys.MustGenerate()

	alice, err := f.ledger.CreateAccount(ctx, ledger.CreateAccountRequest{UserGUID: "alice@" + identity, Name: "main", OverdraftLimit: ledger.MustAmount("10")})
	if err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}
	shop := f.account(t, "shop", "0")

	request := func(user string) ledger.PerformRequest {
		return ledger.PerformRequest{
			Transactions:  []ledger.Transaction{{Value: ledger.MustAmount("1")}},
			Debit:         alice,
			Credit:        shop,
			Authorisation: auth.Create(key, user, "session", identity, "pay", f.clock.Now()),
			Resource:      "pay",
		}
	}
	_, err = f.ledger.Perform(ctx, request("mallory"))
	testutil.RequireErrorIs(t, err, auth.ErrPermissionDenied)
	if _, err := f.ledger.Perform(ctx, request("alice")); err != nil {
		t.Fatalf("Perform by owner: %v", err)
	}
}
