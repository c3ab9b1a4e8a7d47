// Copyright 2026 The Acquire Authors
// SPDX-License-Identifier: Apache-2.0

package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/acquire-foundation/acquire/lib/auth"
	"github.com/acquire-foundation/acquire/lib/clock"
	"github.com/acquire-foundation/acquire/lib/objstore"
)

const (
	transactionsPrefix = "accounting/transactions/"

	// DefaultReceiptWindow is how long a provisional transaction waits
	// for a receipt when the caller names no deadline.
	DefaultReceiptWindow = 7 * 24 * time.Hour

	// MinimumReceiptWindow is the shortest receipt deadline accepted.
	MinimumReceiptWindow = time.Hour
)

// Config configures a Ledger.
type Config struct {
	// Bucket holds accounts, line items and transaction records.
	Bucket *objstore.Bucket

	Clock  clock.Clock
	Logger *slog.Logger
}

// Ledger performs double-entry transactions between accounts held in
// one bucket.
type Ledger struct {
	bucket *objstore.Bucket
	clock  clock.Clock
	logger *slog.Logger
}

// New returns a Ledger over cfg.Bucket.
func New(cfg Config) *Ledger {
	l := &Ledger{bucket: cfg.Bucket, clock: cfg.Clock, logger: cfg.Logger}
	if l.clock == nil {
		l.clock = clock.Real()
	}
	if l.logger == nil {
		l.logger = slog.New(slog.DiscardHandler)
	}
	return l
}

// Clock returns the ledger's clock.
func (l *Ledger) Clock() clock.Clock { return l.clock }

// safeNow returns the current time, first sleeping into the next hour
// when fewer than hourGuard remain in this one.
func (l *Ledger) safeNow() time.Time {
	now := l.clock.Now().UTC()
	next := truncateHour(now).Add(time.Hour)
	if remaining := next.Sub(now); remaining <= hourGuard {
		l.clock.Sleep(remaining)
		now = l.clock.Now().UTC()
	}
	return now
}

// LoadAccount reads the account with uid.
func (l *Ledger) LoadAccount(ctx context.Context, uid string) (*Account, error) {
	account := &Account{UID: uid, ledger: l}
	if err := l.bucket.GetJSON(ctx, account.infoKey(), account); err != nil {
		if errors.Is(err, objstore.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrAccountNotFound, uid)
		}
		return nil, err
	}
	account.ledger = l
	return account, nil
}

// PerformRequest describes a set of transfers from Debit to Credit.
type PerformRequest struct {
	Transactions []Transaction
	Debit        *Account
	Credit       *Account

	// Authorisation is the debit account holder's authorisation. Nil
	// means the service itself is moving funds and skips the ACL
	// check.
	Authorisation *auth.Authorisation

	// Resource is recorded for the audit trail.
	Resource string

	Provisional bool

	// ReceiptBy defaults to DefaultReceiptWindow from now.
	ReceiptBy time.Time
}

// written is a line item Perform may need to rescind.
type written struct {
	account *Account
	entry   entry
}

// Perform applies every transaction in req or none of them. Each
// debit is checked against the overdraft limit under the debit
// account's mutex. Items already written when a later step fails are
// rescinded; if that fails too the error wraps ErrUnbalancedLedger.
func (l *Ledger) Perform(ctx context.Context, req PerformRequest) ([]*TransactionRecord, error) {
	if req.Debit == nil || req.Credit == nil {
		return nil, fmt.Errorf("%w: debit and credit accounts are required", ErrTransaction)
	}
	if req.Debit.UID == req.Credit.UID {
		return nil, fmt.Errorf("%w: cannot transfer from %s to itself", ErrTransaction, req.Debit.UID)
	}
	if len(req.Transactions) == 0 {
		return nil, fmt.Errorf("%w: no transactions", ErrTransaction)
	}
	transactions := make([]Transaction, len(req.Transactions))
	for i, tx := range req.Transactions {
		value, err := positive(tx.Value)
		if err != nil {
			return nil, err
		}
		transactions[i] = Transaction{Value: value, Description: tx.Description}
	}

	now := l.clock.Now().UTC()
	receiptBy := time.Time{}
	if req.Provisional {
		receiptBy = req.ReceiptBy.UTC()
		if receiptBy.IsZero() {
			receiptBy = now.Add(DefaultReceiptWindow)
		}
		if receiptBy.Before(now.Add(MinimumReceiptWindow)) {
			return nil, fmt.Errorf("%w: receipt_by %s is less than %s away", ErrTransaction, receiptBy.Format(time.RFC3339), MinimumReceiptWindow)
		}
	}

	if req.Authorisation != nil {
		rule, err := l.Permission(ctx, req.Debit, req.Authorisation.UserGUID())
		if err != nil {
			return nil, err
		}
		if !rule.CanWrite() {
			return nil, auth.ErrPermissionDenied
		}
	}

	var items []written
	records := make([]*TransactionRecord, 0, len(transactions))
	for _, tx := range transactions {
		record, err := l.performOne(ctx, req, tx, receiptBy, &items)
		if err == nil {
			err = l.saveRecord(ctx, record)
		}
		if err != nil {
			if rescindErr := l.rescind(ctx, items); rescindErr != nil {
				l.logger.Error("rescinding failed transaction",
					"debit", req.Debit.UID,
					"credit", req.Credit.UID,
					"error", rescindErr,
				)
				return nil, errors.Join(ErrUnbalancedLedger, err, rescindErr)
			}
			for _, done := range records {
				l.bucket.Delete(ctx, transactionsPrefix+done.UID)
			}
			return nil, err
		}
		records = append(records, record)
	}

	l.logger.Info("performed transactions",
		"debit", req.Debit.UID,
		"credit", req.Credit.UID,
		"count", len(records),
		"provisional", req.Provisional,
		"resource", req.Resource,
	)
	return records, nil
}

func (l *Ledger) performOne(ctx context.Context, req PerformRequest, tx Transaction, receiptBy time.Time, items *[]written) (*TransactionRecord, error) {
	uid := uuid.NewString()
	item := LineItem{UID: uid, Authorisation: req.Authorisation}

	debitCode, creditCode := Debit, Credit
	if req.Provisional {
		debitCode, creditCode = CurrentLiability, AccountReceivable
	}

	var debitEntry entry
	err := objstore.WithMutex(ctx, l.bucket, "account/"+req.Debit.UID, req.Debit.mutexOptions(), func() error {
		var err error
		debitEntry, err = req.Debit.writeItem(ctx, debitCode, tx.Value, decimal.Zero, item)
		if err != nil {
			return err
		}
		beyond, err := req.Debit.IsBeyondOverdraftLimit(ctx)
		if err == nil && !beyond {
			return nil
		}
		if rescindErr := req.Debit.deleteItem(ctx, debitEntry); rescindErr != nil {
			*items = append(*items, written{req.Debit, debitEntry})
			return errors.Join(err, rescindErr)
		}
		if err != nil {
			return err
		}
		return fmt.Errorf("%w: %s cannot pay %s", ErrInsufficientFunds, req.Debit.UID, tx.Value.StringFixed(Places))
	})
	if err != nil {
		return nil, err
	}
	*items = append(*items, written{req.Debit, debitEntry})

	creditEntry, err := req.Credit.writeItem(ctx, creditCode, tx.Value, decimal.Zero, item)
	if err != nil {
		return nil, err
	}
	*items = append(*items, written{req.Credit, creditEntry})

	state := StateDirect
	if req.Provisional {
		state = StateProvisional
	}
	return &TransactionRecord{
		UID: uid,
		DebitNote: DebitNote{
			UID:           uid,
			AccountUID:    req.Debit.UID,
			Transaction:   tx,
			Datetime:      debitEntry.time,
			Provisional:   req.Provisional,
			ReceiptBy:     receiptBy,
			Authorisation: req.Authorisation,
		},
		CreditNote: CreditNote{
			UID:             uuid.NewString(),
			TransactionUID:  uid,
			AccountUID:      req.Credit.UID,
			DebitAccountUID: req.Debit.UID,
			Value:           tx.Value,
			Datetime:        creditEntry.time,
			Provisional:     req.Provisional,
			ReceiptBy:       receiptBy,
		},
		State:   state,
		Updated: debitEntry.time,
	}, nil
}

// rescind deletes items newest first.
func (l *Ledger) rescind(ctx context.Context, items []written) error {
	var errs []error
	for i := len(items) - 1; i >= 0; i-- {
		if err := items[i].account.deleteItem(ctx, items[i].entry); err != nil {
			errs = append(errs, fmt.Errorf("rescinding %s: %w", items[i].entry.key, err))
		}
	}
	return errors.Join(errs...)
}

func (l *Ledger) saveRecord(ctx context.Context, record *TransactionRecord) error {
	return l.bucket.SetJSON(ctx, transactionsPrefix+record.UID, record)
}

// LoadTransaction reads the record of the transaction with uid.
func (l *Ledger) LoadTransaction(ctx context.Context, uid string) (*TransactionRecord, error) {
	var record TransactionRecord
	if err := l.bucket.GetJSON(ctx, transactionsPrefix+uid, &record); err != nil {
		if errors.Is(err, objstore.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrTransactionNotFound, uid)
		}
		return nil, err
	}
	return &record, nil
}

// LoadTestAndSet moves the transaction with uid from state from to
// state to under the transaction's mutex. update, when non-nil, runs
// on the record before it is saved.
func (l *Ledger) LoadTestAndSet(ctx context.Context, uid string, from, to State, update func(*TransactionRecord)) (*TransactionRecord, error) {
	var record *TransactionRecord
	err := objstore.WithMutex(ctx, l.bucket, "transaction/"+uid, objstore.MutexOptions{Clock: l.clock}, func() error {
		var err error
		record, err = l.LoadTransaction(ctx, uid)
		if err != nil {
			return err
		}
		if record.State != from {
			return fmt.Errorf("%w: %s is %s, not %s", ErrTransactionState, uid, record.State, from)
		}
		record.State = to
		record.Updated = l.clock.Now().UTC()
		if update != nil {
			update(record)
		}
		return l.saveRecord(ctx, record)
	})
	if err != nil {
		return nil, err
	}
	return record, nil
}

// Receipt settles a provisional transaction.
type Receipt struct {
	CreditNote     CreditNote
	ReceiptedValue decimal.Decimal
	Authorisation  *auth.Authorisation
}

// Receipt settles a provisional transaction for ReceiptedValue, which
// may be less than the provisional value. The difference returns to
// the debtor. A transaction is receipted or refunded at most once.
func (l *Ledger) Receipt(ctx context.Context, r Receipt) (*TransactionRecord, error) {
	receipted, err := Normalise(r.ReceiptedValue)
	if err != nil {
		return nil, err
	}
	note := r.CreditNote
	if receipted.IsNegative() || receipted.GreaterThan(note.Value) {
		return nil, fmt.Errorf("%w: receipt of %s against %s", ErrUnmatchedReceipt, receipted.StringFixed(Places), note.Value.StringFixed(Places))
	}

	record, err := l.LoadTestAndSet(ctx, note.TransactionUID, StateProvisional, StateReceipting, nil)
	if err != nil {
		return nil, err
	}
	if err := l.settle(ctx, record, note, ReceivedReceipt, SentReceipt, receipted, r.Authorisation); err != nil {
		if _, rollbackErr := l.LoadTestAndSet(ctx, record.UID, StateReceipting, StateProvisional, nil); rollbackErr != nil {
			return nil, errors.Join(err, rollbackErr)
		}
		return nil, err
	}
	return l.LoadTestAndSet(ctx, record.UID, StateReceipting, StateReceipted, func(rec *TransactionRecord) {
		rec.ReceiptedValue = &receipted
		rec.Resolution = r.Authorisation
	})
}

// Refund reverses a transaction.
type Refund struct {
	CreditNote    CreditNote
	Authorisation *auth.Authorisation
}

// Refund reverses a direct transaction, or releases a provisional one
// so that its liability and receivable clear.
func (l *Ledger) Refund(ctx context.Context, r Refund) (*TransactionRecord, error) {
	note := r.CreditNote
	current, err := l.LoadTransaction(ctx, note.TransactionUID)
	if err != nil {
		return nil, err
	}
	from := StateDirect
	if current.IsProvisional() {
		from = StateProvisional
	}
	record, err := l.LoadTestAndSet(ctx, note.TransactionUID, from, StateRefunding, nil)
	if err != nil {
		return nil, err
	}

	if from == StateDirect {
		err = l.settle(ctx, record, note, ReceivedRefund, SentRefund, decimal.Zero, r.Authorisation)
	} else {
		err = l.settle(ctx, record, note, ReceivedReceipt, SentReceipt, decimal.Zero, r.Authorisation)
	}
	if err != nil {
		if _, rollbackErr := l.LoadTestAndSet(ctx, record.UID, StateRefunding, from, nil); rollbackErr != nil {
			return nil, errors.Join(err, rollbackErr)
		}
		return nil, err
	}
	return l.LoadTestAndSet(ctx, record.UID, StateRefunding, StateRefunded, func(rec *TransactionRecord) {
		rec.Resolution = r.Authorisation
	})
}

// settle writes the debtor and creditor items that resolve record.
// For receipts value is the provisional value and receipted the amount
// actually paid; refunds of direct transactions move value back.
func (l *Ledger) settle(ctx context.Context, record *TransactionRecord, note CreditNote, debtorCode, creditorCode Code, receipted decimal.Decimal, authorisation *auth.Authorisation) error {
	if note.AccountUID != record.CreditNote.AccountUID ||
		note.DebitAccountUID != record.DebitNote.AccountUID ||
		!note.Value.Equal(record.Value()) {
		return fmt.Errorf("%w: credit note does not match transaction %s", ErrUnmatchedReceipt, record.UID)
	}
	debtor, err := l.LoadAccount(ctx, record.DebitNote.AccountUID)
	if err != nil {
		return err
	}
	creditor, err := l.LoadAccount(ctx, record.CreditNote.AccountUID)
	if err != nil {
		return err
	}

	item := LineItem{UID: record.UID, Authorisation: authorisation}
	value := record.Value()
	var items []written
	debtorEntry, err := debtor.writeItem(ctx, debtorCode, value, receipted, item)
	if err != nil {
		return err
	}
	items = append(items, written{debtor, debtorEntry})
	creditorEntry, err := creditor.writeItem(ctx, creditorCode, value, receipted, item)
	if err != nil {
		if rescindErr := l.rescind(ctx, items); rescindErr != nil {
			return errors.Join(ErrUnbalancedLedger, err, rescindErr)
		}
		return err
	}

	l.logger.Info("settled transaction",
		"transaction", record.UID,
		"debtor", debtor.UID,
		"creditor", creditor.UID,
		"debtor_item", debtorEntry.code,
		"creditor_item", creditorEntry.code,
	)
	return nil
}
