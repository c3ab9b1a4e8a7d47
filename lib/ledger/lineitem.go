// Copyright 2026 The Acquire Authors
// SPDX-License-Identifier: Apache-2.0

package ledger

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/acquire-foundation/acquire/lib/auth"
)

// Code classifies a line item.
type Code string

const (
	// Credit adds value to the balance.
	Credit Code = "CR"
	// Debit removes value from the balance.
	Debit Code = "DR"
	// CurrentLiability records a provisional debit awaiting receipt.
	CurrentLiability Code = "CL"
	// AccountReceivable records a provisional credit awaiting receipt.
	AccountReceivable Code = "AR"
	// ReceivedReceipt settles a liability on the debtor.
	ReceivedReceipt Code = "RR"
	// SentReceipt settles a receivable on the creditor.
	SentReceipt Code = "SR"
	// ReceivedRefund returns value to the debtor.
	ReceivedRefund Code = "RF"
	// SentRefund takes value back from the creditor.
	SentRefund Code = "SF"
)

// Valid reports whether c is a known code.
func (c Code) Valid() bool {
	switch c {
	case Credit, Debit, CurrentLiability, AccountReceivable,
		ReceivedReceipt, SentReceipt, ReceivedRefund, SentRefund:
		return true
	}
	return false
}

// isReceipt reports whether the code carries a receipted value.
func (c Code) isReceipt() bool {
	return c == ReceivedReceipt || c == SentReceipt
}

// amountWidth is the minimum width of an encoded amount.
const amountWidth = 13

func formatAmount(value decimal.Decimal) string {
	s := value.StringFixed(Places)
	if len(s) < amountWidth {
		s = strings.Repeat("0", amountWidth-len(s)) + s
	}
	return s
}

// EncodeLineItem renders the key segment for a line item: the code,
// the value zero-padded to 13 characters with 6 decimals, and for
// receipts "T" plus the receipted value.
func EncodeLineItem(code Code, value, receipted decimal.Decimal) string {
	segment := string(code) + formatAmount(value)
	if code.isReceipt() {
		segment += "T" + formatAmount(receipted)
	}
	return segment
}

// ParseLineItem reverses EncodeLineItem. key may be a full object key;
// only its last segment is read.
func ParseLineItem(key string) (code Code, value, receipted decimal.Decimal, err error) {
	segment := key[strings.LastIndex(key, "/")+1:]
	if len(segment) < 3 {
		return "", decimal.Zero, decimal.Zero, fmt.Errorf("%w: line item %q is too short", ErrAccount, segment)
	}
	code = Code(segment[:2])
	if !code.Valid() {
		return "", decimal.Zero, decimal.Zero, fmt.Errorf("%w: line item %q has unknown code", ErrAccount, segment)
	}
	amounts := segment[2:]
	receiptedText := ""
	if code.isReceipt() {
		var found bool
		amounts, receiptedText, found = strings.Cut(amounts, "T")
		if !found {
			return "", decimal.Zero, decimal.Zero, fmt.Errorf("%w: receipt %q has no receipted value", ErrAccount, segment)
		}
	}
	value, err = ParseAmount(amounts)
	if err != nil {
		return "", decimal.Zero, decimal.Zero, err
	}
	receipted = decimal.Zero
	if receiptedText != "" {
		if receipted, err = ParseAmount(receiptedText); err != nil {
			return "", decimal.Zero, decimal.Zero, err
		}
	}
	return code, value, receipted, nil
}

// LineItem is the object stored under a line item key. UID links the
// item to its transaction record.
type LineItem struct {
	UID           string              `json:"uid"`
	Authorisation *auth.Authorisation `json:"authorisation,omitempty"`
}

// entry is a line item read back from an account listing.
type entry struct {
	key       string
	time      time.Time
	code      Code
	value     decimal.Decimal
	receipted decimal.Decimal
}
