// Copyright 2026 The Acquire Authors
// SPDX-License-Identifier: Apache-2.0

package objstoretest

import (
	"context"
	"testing"

	"github.com/acquire-foundation/acquire/lib/clock"
	"github.com/acquire-foundation/acquire/lib/objstore"
	"github.com/acquire-foundation/acquire/lib/objstore/memstore"
	"github.com/acquire-foundation/acquire/lib/testutil"
)

// NewStore returns a Store over a fresh memory driver. A nil clock
// means an auto-advancing fake starting at testutil.Epoch.
func NewStore(t testing.TB, c clock.Clock) *objstore.Store {
	t.Helper()
	if c == nil {
		c = clock.AutoAdvance(testutil.Epoch)
	}
	store, err := objstore.New(objstore.Config{
		Driver:       memstore.New(),
		UniqueSuffix: "test",
		Clock:        c,
	})
	if err != nil {
		t.Fatalf("objstore.New: %v", err)
	}
	return store
}

// NewBucket creates a bucket with a unique name.
func NewBucket(t testing.TB, store *objstore.Store, prefix string) *objstore.Bucket {
	t.Helper()
	bucket, err := store.CreateBucket(context.Background(), testutil.UniqueID(prefix))
	if err != nil {
		t.Fatalf("CreateBucket: %v", err)
	}
	return bucket
}
