// Copyright 2026 The Acquire Authors
// SPDX-License-Identifier: Apache-2.0

package servicehost

import (
	"context"

	"github.com/acquire-foundation/acquire/lib/accounting"
	"github.com/acquire-foundation/acquire/lib/ledger"
)

// Accounting calls the first trusted accounting service, looked up on
// every call so that admin/trust_accounting_service takes effect
// without a restart.
type Accounting struct {
	host *Host
}

// Accounting returns a caller of the host's trusted accounting
// service.
func (h *Host) Accounting() *Accounting { return &Accounting{host: h} }

func (a *Accounting) client(ctx context.Context) (*accounting.Client, error) {
	uids, err := a.host.AccountingServiceUIDs(ctx)
	if err != nil {
		return nil, err
	}
	if len(uids) == 0 {
		return nil, ErrNoAccounting
	}
	return accounting.NewClient(a.host.trust, a.host.client, uids[0]), nil
}

// CashCheque cashes an endorsed cheque.
func (a *Accounting) CashCheque(ctx context.Context, args accounting.CashArgs) (*accounting.CashResult, error) {
	client, err := a.client(ctx)
	if err != nil {
		return nil, err
	}
	return client.CashCheque(ctx, args)
}

// Receipt settles a provisional transaction.
func (a *Accounting) Receipt(ctx context.Context, args accounting.ReceiptArgs) (*ledger.TransactionRecord, error) {
	client, err := a.client(ctx)
	if err != nil {
		return nil, err
	}
	return client.Receipt(ctx, args)
}

// Refund reverses a transaction.
func (a *Accounting) Refund(ctx context.Context, args accounting.RefundArgs) (*ledger.TransactionRecord, error) {
	client, err := a.client(ctx)
	if err != nil {
		return nil, err
	}
	return client.Refund(ctx, args)
}
