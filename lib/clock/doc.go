// Copyright 2026 The Acquire Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock is the injectable time source for Acquire services.
//
// Lease expiry, hourly balance snapshots, OTP windows, authorisation
// staleness and key rotation all depend on the current time, so no
// package calls time.Now directly. Components hold a Clock field:
//
//	ledger := ledger.New(ledger.Config{Clock: clock.Real(), ...})
//
// Tests build a FakeClock and move it explicitly:
//
//	c := clock.Fake(time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC))
//	c.Advance(time.Hour)
//
// A FakeClock created with AutoAdvance moves itself forward whenever
// code calls Sleep, which lets polling loops (mutex acquisition, the
// end-of-hour guard in the ledger) run to completion in a single
// goroutine without a driver.
package clock
