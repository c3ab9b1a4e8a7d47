// Copyright 2026 The Acquire Authors
// SPDX-License-Identifier: Apache-2.0

// Package sqlitepool is the SQLite connection pool behind the sqlite
// object store driver.
//
// It wraps zombiezen.com/go/sqlite's sqlitex.Pool and prepares every
// connection identically: WAL journaling so readers never block the
// single writer, synchronous=NORMAL, a five second busy timeout, and
// the caller's schema statements. Callers [Pool.Take] a connection and
// [Pool.Put] it back; a connection is never shared between goroutines.
//
// [Pool.Immediate] runs a function inside BEGIN IMMEDIATE, which is how
// the object store implements its atomic set-if-not-set and take
// operations.
package sqlitepool
