// Copyright 2026 The Acquire Authors
// SPDX-License-Identifier: Apache-2.0

package accounting

import (
	"context"

	"github.com/acquire-foundation/acquire/lib/auth"
	"github.com/acquire-foundation/acquire/lib/ledger"
	"github.com/acquire-foundation/acquire/lib/service"
)

// RPC function names.
const (
	FunctionCreateAccount  = "create_account"
	FunctionGetAccountUIDs = "get_account_uids"
	FunctionGetInfo        = "get_info"
	FunctionPerform        = "perform"
	FunctionDeposit        = "deposit"
	FunctionCashCheque     = "cash_cheque"
	FunctionReceipt        = "receipt"
	FunctionRefund         = "refund"
)

type accountArgs struct {
	AccountName   string              `json:"account_name"`
	Description   string              `json:"description,omitempty"`
	Authorisation *auth.Authorisation `json:"authorisation"`
}

type depositArgs struct {
	Transaction   ledger.Transaction  `json:"transaction"`
	AccountName   string              `json:"account_name,omitempty"`
	Authorisation *auth.Authorisation `json:"authorisation"`
}

type recordsReply struct {
	TransactionRecords []*ledger.TransactionRecord `json:"transaction_records"`
}

type recordReply struct {
	TransactionRecord *ledger.TransactionRecord `json:"transaction_record"`
}

// Register adds the accounting functions to d.
func (s *Service) Register(d *service.Dispatcher) {
	d.Handle(FunctionCreateAccount, func(ctx context.Context, req *service.Request) (any, error) {
		var args accountArgs
		if err := req.Decode(&args); err != nil {
			return nil, err
		}
		account, err := s.CreateAccount(ctx, args.Authorisation, args.AccountName, args.Description)
		if err != nil {
			return nil, err
		}
		return map[string]string{"account_uid": account.UID}, nil
	})
	d.Handle(FunctionGetAccountUIDs, func(ctx context.Context, req *service.Request) (any, error) {
		var args accountArgs
		if err := req.Decode(&args); err != nil {
			return nil, err
		}
		uids, err := s.GetAccountUIDs(ctx, args.Authorisation, args.AccountName)
		if err != nil {
			return nil, err
		}
		return map[string]map[string]string{"account_uids": uids}, nil
	})
	d.Handle(FunctionGetInfo, func(ctx context.Context, req *service.Request) (any, error) {
		var args accountArgs
		if err := req.Decode(&args); err != nil {
			return nil, err
		}
		return s.GetInfo(ctx, args.Authorisation, args.AccountName)
	})
	d.Handle(FunctionPerform, func(ctx context.Context, req *service.Request) (any, error) {
		var args PerformArgs
		if err := req.Decode(&args); err != nil {
			return nil, err
		}
		records, err := s.Perform(ctx, args)
		if err != nil {
			return nil, err
		}
		return recordsReply{TransactionRecords: records}, nil
	})
	d.Handle(FunctionDeposit, func(ctx context.Context, req *service.Request) (any, error) {
		var args depositArgs
		if err := req.Decode(&args); err != nil {
			return nil, err
		}
		records, err := s.Deposit(ctx, args.Authorisation, args.Transaction, args.AccountName)
		if err != nil {
			return nil, err
		}
		return recordsReply{TransactionRecords: records}, nil
	})
	d.Handle(FunctionCashCheque, func(ctx context.Context, req *service.Request) (any, error) {
		var args CashArgs
		if err := req.Decode(&args); err != nil {
			return nil, err
		}
		return s.CashCheque(ctx, args)
	})
	d.Handle(FunctionReceipt, func(ctx context.Context, req *service.Request) (any, error) {
		var args ReceiptArgs
		if err := req.Decode(&args); err != nil {
			return nil, err
		}
		record, err := s.Receipt(ctx, args)
		if err != nil {
			return nil, err
		}
		return recordReply{TransactionRecord: record}, nil
	})
	d.Handle(FunctionRefund, func(ctx context.Context, req *service.Request) (any, error) {
		var args RefundArgs
		if err := req.Decode(&args); err != nil {
			return nil, err
		}
		record, err := s.Refund(ctx, args)
		if err != nil {
			return nil, err
		}
		return recordReply{TransactionRecord: record}, nil
	})
}
