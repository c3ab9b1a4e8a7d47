// Copyright 2026 The Acquire Authors
// SPDX-License-Identifier: Apache-2.0

// Package secret holds operator-supplied secrets outside the Go heap.
//
// A service process is unlocked with a passphrase that protects its
// skeleton key. That passphrase, and the serialized skeleton key while
// it is being decoded, live in a [Buffer]: anonymous mmap memory that
// is mlocked against swap, excluded from core dumps, and zeroed on
// Close.
//
// [ReadFromPath] reads a passphrase from a file or stdin; [Prompt]
// reads one from the controlling terminal without echo.
package secret
