// Copyright 2026 The Acquire Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil provides small helpers shared by Acquire tests:
// bounded channel waits, unique names for buckets and users, and the
// fixed epoch that fake clocks start from.
package testutil
