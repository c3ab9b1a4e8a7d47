// Copyright 2026 The Acquire Authors
// SPDX-License-Identifier: Apache-2.0

package ledger

import (
	"errors"
	"fmt"

	"github.com/acquire-foundation/acquire/lib/envelope"
)

var (
	// ErrAccount is the root of account failures: bad amounts,
	// corrupt balance records, invalid limits.
	ErrAccount = errors.New("ledger: account error")

	// ErrAccountNotFound is returned for an unknown account uid or
	// name.
	ErrAccountNotFound = fmt.Errorf("%w: account not found", ErrAccount)

	// ErrTransaction is returned for malformed transactions.
	ErrTransaction = errors.New("ledger: invalid transaction")

	// ErrInsufficientFunds is returned when a debit would take the
	// account beyond its overdraft limit.
	ErrInsufficientFunds = errors.New("ledger: insufficient funds")

	// ErrUnbalancedLedger is returned when a failed transaction could
	// not be rescinded. The ledger needs manual repair.
	ErrUnbalancedLedger = errors.New("ledger: ledger is unbalanced")

	// ErrTransactionState is returned when a receipt or refund finds
	// the transaction in the wrong state.
	ErrTransactionState = errors.New("ledger: transaction is in the wrong state")

	// ErrUnmatchedReceipt is returned when a receipt does not match
	// its credit note.
	ErrUnmatchedReceipt = errors.New("ledger: receipt does not match the transaction")

	// ErrTransactionNotFound is returned for an unknown transaction
	// uid.
	ErrTransactionNotFound = errors.New("ledger: transaction not found")
)

func init() {
	envelope.RegisterError("ledger", "AccountError", ErrAccount)
	envelope.RegisterError("ledger", "AccountNotFoundError", ErrAccountNotFound)
	envelope.RegisterError("ledger", "TransactionError", ErrTransaction)
	envelope.RegisterError("ledger", "InsufficientFundsError", ErrInsufficientFunds)
	envelope.RegisterError("ledger", "UnbalancedLedgerError", ErrUnbalancedLedger)
	envelope.RegisterError("ledger", "TransactionStateError", ErrTransactionState)
	envelope.RegisterError("ledger", "UnmatchedReceiptError", ErrUnmatchedReceipt)
	envelope.RegisterError("ledger", "TransactionNotFoundError", ErrTransactionNotFound)
}
