// Copyright 2026 The Acquire Authors
// SPDX-License-Identifier: Apache-2.0

package accounting

import (
	"context"

	"github.com/acquire-foundation/acquire/lib/ledger"
	"github.com/acquire-foundation/acquire/lib/trust"
)

// Client calls an accounting service on behalf of another service.
type Client struct {
	trust  *trust.Store
	caller trust.Caller
	uid    string
}

// NewClient returns a client for the trusted accounting service with
// uid.
func NewClient(store *trust.Store, caller trust.Caller, uid string) *Client {
	return &Client{trust: store, caller: caller, uid: uid}
}

// UID is the accounting service's uid.
func (c *Client) UID() string { return c.uid }

// CashCheque cashes an endorsed cheque.
func (c *Client) CashCheque(ctx context.Context, args CashArgs) (*CashResult, error) {
	var result CashResult
	if err := c.trust.Call(ctx, c.caller, c.uid, FunctionCashCheque, args, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Receipt settles a provisional transaction.
func (c *Client) Receipt(ctx context.Context, args ReceiptArgs) (*ledger.TransactionRecord, error) {
	var reply recordReply
	if err := c.trust.Call(ctx, c.caller, c.uid, FunctionReceipt, args, &reply); err != nil {
		return nil, err
	}
	return reply.TransactionRecord, nil
}

// Refund reverses a transaction.
func (c *Client) Refund(ctx context.Context, args RefundArgs) (*ledger.TransactionRecord, error) {
	var reply recordReply
	if err := c.trust.Call(ctx, c.caller, c.uid, FunctionRefund, args, &reply); err != nil {
		return nil, err
	}
	return reply.TransactionRecord, nil
}
