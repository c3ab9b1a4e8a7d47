// Copyright 2026 The Acquire Authors
// SPDX-License-Identifier: Apache-2.0

package ledger

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/acquire-foundation/acquire/lib/auth"
)

// Transaction is a single transfer of value.
type Transaction struct {
	Value       decimal.Decimal `json:"value"`
	Description string          `json:"description"`
}

// State is the lifecycle position of a transaction.
type State string

const (
	StateDirect      State = "direct"
	StateProvisional State = "provisional"
	StateReceipting  State = "receipting"
	StateReceipted   State = "receipted"
	StateRefunding   State = "refunding"
	StateRefunded    State = "refunded"
)

// DebitNote records the debit half of a transaction. Its UID is the
// transaction uid.
type DebitNote struct {
	UID           string              `json:"uid"`
	AccountUID    string              `json:"account_uid"`
	Transaction   Transaction         `json:"transaction"`
	Datetime      time.Time           `json:"datetime"`
	Provisional   bool                `json:"is_provisional"`
	ReceiptBy     time.Time           `json:"receipt_by,omitzero"`
	Authorisation *auth.Authorisation `json:"authorisation,omitempty"`
}

// Value is the debited amount.
func (d DebitNote) Value() decimal.Decimal { return d.Transaction.Value }

// CreditNote records the credit half of a transaction. It is what the
// receiving party holds and presents to receipt or refund.
type CreditNote struct {
	UID             string          `json:"uid"`
	TransactionUID  string          `json:"debit_note_uid"`
	AccountUID      string          `json:"account_uid"`
	DebitAccountUID string          `json:"debit_account_uid"`
	Value           decimal.Decimal `json:"value"`
	Datetime        time.Time       `json:"datetime"`
	Provisional     bool            `json:"is_provisional"`
	ReceiptBy       time.Time       `json:"receipt_by,omitzero"`
}

// TransactionRecord is stored at accounting/transactions/<uid> and
// carries the state used to resolve provisional transactions exactly
// once.
type TransactionRecord struct {
	UID            string              `json:"uid"`
	DebitNote      DebitNote           `json:"debit_note"`
	CreditNote     CreditNote          `json:"credit_note"`
	State          State               `json:"transaction_state"`
	ReceiptedValue *decimal.Decimal    `json:"receipted_value,omitempty"`
	Resolution     *auth.Authorisation `json:"resolution_authorisation,omitempty"`
	Updated        time.Time           `json:"updated"`
}

// Value is the transaction amount.
func (r *TransactionRecord) Value() decimal.Decimal { return r.DebitNote.Value() }

// IsProvisional reports whether the transaction began provisional.
func (r *TransactionRecord) IsProvisional() bool { return r.DebitNote.Provisional }
