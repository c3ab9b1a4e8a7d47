// Copyright 2026 The Acquire Authors
// SPDX-License-Identifier: Apache-2.0

package objstore_test

import (
	"context"
	"errors"
	"slices"
	"strings"
	"testing"

	"github.com/acquire-foundation/acquire/lib/clock"
	"github.com/acquire-foundation/acquire/lib/objstore"
	"github.com/acquire-foundation/acquire/lib/objstore/memstore"
	"github.com/acquire-foundation/acquire/lib/testutil"
)

func newStore(t *testing.T) (*objstore.Store, *clock.FakeClock) {
	t.Helper()
	fake := clock.AutoAdvance(testutil.Epoch)
	store, err := objstore.New(objstore.Config{
		Driver:       memstore.New(),
		UniqueSuffix: "test",
		Clock:        fake,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return store, fake
}

func newBucket(t *testing.T, store *objstore.Store, name string) *objstore.Bucket {
	t.Helper()
	bucket, err := store.CreateBucket(context.Background(), name)
	if err != nil {
		t.Fatalf("CreateBucket: %v", err)
	}
	return bucket
}

func TestBucketNaming(t *testing.T) {
	store, _ := newStore(t)
	bucket := newBucket(t, store, "My  Bucket!")
	if bucket.Name() != "test-my-bucket" {
		t.Fatalf("Name = %q", bucket.Name())
	}
	if _, err := store.CreateBucket(context.Background(), "my bucket"); !errors.Is(err, objstore.ErrBucketExists) {
		t.Fatalf("duplicate CreateBucket: err = %v", err)
	}
	if _, err := store.GetBucket(context.Background(), "absent", false); !errors.Is(err, objstore.ErrBucketNotFound) {
		t.Fatalf("GetBucket absent: err = %v", err)
	}
}

func TestKeysAreNormalised(t *testing.T) {
	ctx := context.Background()
	store, _ := newStore(t)
	bucket := newBucket(t, store, "b")
	if err := bucket.SetString(ctx, "//a///b", "v"); err != nil {
		t.Fatalf("SetString: %v", err)
	}
	got, err := bucket.GetString(ctx, "a/b")
	if err != nil || got != "v" {
		t.Fatalf("GetString(a/b) = %q, %v", got, err)
	}
}

func TestKeyTooLong(t *testing.T) {
	store, _ := newStore(t)
	bucket := newBucket(t, store, "b")
	long := strings.Repeat("k", objstore.MaxKeyLength+1)
	err := bucket.SetString(context.Background(), long, "v")
	if !errors.Is(err, objstore.ErrKeyTooLong) {
		t.Fatalf("err = %v, want ErrKeyTooLong", err)
	}
	var keyErr *objstore.KeyError
	if !errors.As(err, &keyErr) {
		t.Fatalf("err %T is not a *KeyError", err)
	}
}

func TestDeleteBucketRequiresEmpty(t *testing.T) {
	ctx := context.Background()
	store, _ := newStore(t)
	bucket := newBucket(t, store, "b")
	bucket.SetString(ctx, "k", "v")
	if err := store.DeleteBucket(ctx, bucket, false); !errors.Is(err, objstore.ErrBucketNotEmpty) {
		t.Fatalf("err = %v, want ErrBucketNotEmpty", err)
	}
	if err := store.DeleteBucket(ctx, bucket, true); err != nil {
		t.Fatalf("forced DeleteBucket: %v", err)
	}
}

func TestSetInsKeepsFirstValue(t *testing.T) {
	ctx := context.Background()
	store, _ := newStore(t)
	bucket := newBucket(t, store, "b")

	var stored struct{ Owner string }
	inserted, err := bucket.SetInsJSON(ctx, "names/alice", map[string]string{"Owner": "first"}, &stored)
	if err != nil || !inserted || stored.Owner != "first" {
		t.Fatalf("first SetInsJSON = %v, %+v, %v", inserted, stored, err)
	}
	inserted, err = bucket.SetInsJSON(ctx, "names/alice", map[string]string{"Owner": "second"}, &stored)
	if err != nil || inserted || stored.Owner != "first" {
		t.Fatalf("second SetInsJSON = %v, %+v, %v", inserted, stored, err)
	}
}

func TestListNamesSorted(t *testing.T) {
	ctx := context.Background()
	store, _ := newStore(t)
	bucket := newBucket(t, store, "b")
	for _, name := range []string{"c", "a", "b"} {
		bucket.SetString(ctx, "dir/"+name, name)
	}
	bucket.SetString(ctx, "elsewhere", "x")

	names, err := bucket.ListNames(ctx, "dir/")
	if err != nil {
		t.Fatalf("ListNames: %v", err)
	}
	if want := []string{"a", "b", "c"}; !slices.Equal(names, want) {
		t.Fatalf("ListNames = %v, want %v", names, want)
	}
	all, err := bucket.GetAllStrings(ctx, "dir/")
	if err != nil || len(all) != 3 || all["b"] != "b" {
		t.Fatalf("GetAllStrings = %v, %v", all, err)
	}
	if err := bucket.DeleteAll(ctx, "dir/"); err != nil {
		t.Fatalf("DeleteAll: %v", err)
	}
	remaining, _ := bucket.List(ctx, "")
	if !slices.Equal(remaining, []string{"elsewhere"}) {
		t.Fatalf("after DeleteAll: %v", remaining)
	}
}

func TestChunkedObjects(t *testing.T) {
	ctx := context.Background()
	store, _ := newStore(t)
	bucket := newBucket(t, store, "b")
	for i, part := range []string{"hello ", "chunked ", "world"} {
		if err := bucket.SetChunk(ctx, "blob", i+1, []byte(part)); err != nil {
			t.Fatalf("SetChunk: %v", err)
		}
	}
	got, err := bucket.GetString(ctx, "blob")
	if err != nil || got != "hello chunked world" {
		t.Fatalf("GetString = %q, %v", got, err)
	}

	bucket.SetChunk(ctx, "gappy", 1, []byte("a"))
	bucket.SetChunk(ctx, "gappy", 3, []byte("c"))
	if _, err := bucket.Get(ctx, "gappy"); !errors.Is(err, objstore.ErrChunkedRead) {
		t.Fatalf("gappy read: err = %v, want ErrChunkedRead", err)
	}
}

func TestTakeAndChecksum(t *testing.T) {
	ctx := context.Background()
	store, _ := newStore(t)
	bucket := newBucket(t, store, "b")
	bucket.SetString(ctx, "k", "")
	size, checksum, err := bucket.SizeAndChecksum(ctx, "k")
	if err != nil || size != 0 || checksum != "d41d8cd98f00b204e9800998ecf8427e" {
		t.Fatalf("SizeAndChecksum = %d, %s, %v", size, checksum, err)
	}
	if _, err := bucket.Take(ctx, "k"); err != nil {
		t.Fatalf("Take: %v", err)
	}
	if _, err := bucket.Take(ctx, "k"); !errors.Is(err, objstore.ErrNotFound) {
		t.Fatalf("second Take: err = %v", err)
	}
}
