// Copyright 2026 The Acquire Authors
// SPDX-License-Identifier: Apache-2.0

// Command acquire-accounting runs the accounting service, which holds
// the double-entry ledger and cashes cheques written against it.
//
// Deposits are disabled unless accounting.allow_deposits is set; they
// draw on the service bank account, whose overdraft is
// accounting.bank_overdraft.
package main
