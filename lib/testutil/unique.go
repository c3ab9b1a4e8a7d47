// Copyright 2026 The Acquire Authors
// SPDX-License-Identifier: Apache-2.0

package testutil

import (
	"fmt"
	"sync/atomic"
	"time"
)

var uniqueCounter atomic.Uint64

// UniqueID returns prefix plus a process-wide counter. Use it for
// bucket names, usernames and URLs so parallel tests never collide.
func UniqueID(prefix string) string {
	return fmt.Sprintf("%s-%d", prefix, uniqueCounter.Add(1))
}

// Epoch is the starting time for fake clocks in tests: ten minutes past
// an hour, far from the end-of-hour guard in the ledger.
var Epoch = time.Date(2026, time.March, 2, 9, 10, 0, 0, time.UTC)
