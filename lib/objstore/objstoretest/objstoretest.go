// Copyright 2026 The Acquire Authors
// SPDX-License-Identifier: Apache-2.0

// Package objstoretest is a conformance suite run against every
// objstore.Driver.
package objstoretest

import (
	"context"
	"errors"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/acquire-foundation/acquire/lib/objstore"
)

// RunDriverTests runs the suite. newDriver returns a fresh, empty
// driver for each subtest.
func RunDriverTests(t *testing.T, newDriver func(t *testing.T) objstore.Driver) {
	t.Run("Buckets", func(t *testing.T) { testBuckets(t, newDriver(t)) })
	t.Run("GetSetDelete", func(t *testing.T) { testGetSetDelete(t, newDriver(t)) })
	t.Run("SetIfAbsent", func(t *testing.T) { testSetIfAbsent(t, newDriver(t)) })
	t.Run("ConcurrentTake", func(t *testing.T) { testConcurrentTake(t, newDriver(t)) })
	t.Run("List", func(t *testing.T) { testList(t, newDriver(t)) })
	t.Run("PARRecords", func(t *testing.T) { testPARRecords(t, newDriver(t)) })
}

func mustCreate(t *testing.T, d objstore.Driver, name string) {
	t.Helper()
	if err := d.CreateBucket(context.Background(), name); err != nil {
		t.Fatalf("CreateBucket(%s): %v", name, err)
	}
}

func testBuckets(t *testing.T, d objstore.Driver) {
	ctx := context.Background()
	mustCreate(t, d, "b1")
	if err := d.CreateBucket(ctx, "b1"); !errors.Is(err, objstore.ErrBucketExists) {
		t.Fatalf("second CreateBucket: err = %v, want ErrBucketExists", err)
	}
	exists, err := d.BucketExists(ctx, "b1")
	if err != nil || !exists {
		t.Fatalf("BucketExists(b1) = %v, %v", exists, err)
	}
	if err := d.Set(ctx, "b1", "k", []byte("v")); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := d.DeleteBucket(ctx, "b1"); err != nil {
		t.Fatalf("DeleteBucket: %v", err)
	}
	exists, _ = d.BucketExists(ctx, "b1")
	if exists {
		t.Fatal("bucket still exists after DeleteBucket")
	}
	mustCreate(t, d, "b1")
	if _, err := d.Get(ctx, "b1", "k"); !errors.Is(err, objstore.ErrNotFound) {
		t.Fatalf("object survived bucket deletion: err = %v", err)
	}
}

func testGetSetDelete(t *testing.T, d objstore.Driver) {
	ctx := context.Background()
	mustCreate(t, d, "b")
	if _, err := d.Get(ctx, "b", "missing"); !errors.Is(err, objstore.ErrNotFound) {
		t.Fatalf("Get missing: err = %v, want ErrNotFound", err)
	}
	if err := d.Set(ctx, "b", "a/b", []byte("one")); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := d.Set(ctx, "b", "a/b", []byte("two")); err != nil {
		t.Fatalf("Set overwrite: %v", err)
	}
	value, err := d.Get(ctx, "b", "a/b")
	if err != nil || string(value) != "two" {
		t.Fatalf("Get = %q, %v; want two", value, err)
	}
	if err := d.Delete(ctx, "b", "a/b"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := d.Delete(ctx, "b", "a/b"); err != nil {
		t.Fatalf("Delete missing: %v", err)
	}
	if _, err := d.Get(ctx, "b", "a/b"); !errors.Is(err, objstore.ErrNotFound) {
		t.Fatalf("Get after Delete: err = %v", err)
	}
}

func testSetIfAbsent(t *testing.T, d objstore.Driver) {
	ctx := context.Background()
	mustCreate(t, d, "b")

	const contenders = 16
	var winners atomic.Int32
	results := make([]string, contenders)
	var wg sync.WaitGroup
	for i := range contenders {
		wg.Add(1)
		go func() {
			defer wg.Done()
			mine := []byte{byte('a' + i)}
			stored, inserted, err := d.SetIfAbsent(ctx, "b", "lock", mine)
			if err != nil {
				t.Errorf("SetIfAbsent: %v", err)
				return
			}
			if inserted {
				winners.Add(1)
			}
			results[i] = string(stored)
		}()
	}
	wg.Wait()
	if winners.Load() != 1 {
		t.Fatalf("%d contenders inserted, want exactly 1", winners.Load())
	}
	for i, result := range results {
		if result != results[0] {
			t.Fatalf("contender %d saw %q, contender 0 saw %q", i, result, results[0])
		}
	}
}

func testConcurrentTake(t *testing.T, d objstore.Driver) {
	ctx := context.Background()
	mustCreate(t, d, "b")
	if err := d.Set(ctx, "b", "nonce", []byte("x")); err != nil {
		t.Fatalf("Set: %v", err)
	}
	var taken atomic.Int32
	var wg sync.WaitGroup
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := d.Take(ctx, "b", "nonce")
			switch {
			case err == nil:
				taken.Add(1)
			case !errors.Is(err, objstore.ErrNotFound):
				t.Errorf("Take: %v", err)
			}
		}()
	}
	wg.Wait()
	if taken.Load() != 1 {
		t.Fatalf("%d callers took the object, want 1", taken.Load())
	}
}

func testList(t *testing.T, d objstore.Driver) {
	ctx := context.Background()
	mustCreate(t, d, "b")
	mustCreate(t, d, "other")
	for _, key := range []string{"accounts/a", "accounts/b", "accountsx", "users/u"} {
		if err := d.Set(ctx, "b", key, []byte(key)); err != nil {
			t.Fatalf("Set(%s): %v", key, err)
		}
	}
	if err := d.Set(ctx, "other", "accounts/z", []byte("z")); err != nil {
		t.Fatalf("Set other: %v", err)
	}

	keys, err := d.List(ctx, "b", "accounts/")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	slices.Sort(keys)
	if want := []string{"accounts/a", "accounts/b"}; !slices.Equal(keys, want) {
		t.Fatalf("List(accounts/) = %v, want %v", keys, want)
	}
	all, err := d.List(ctx, "b", "")
	if err != nil {
		t.Fatalf("List all: %v", err)
	}
	if len(all) != 4 {
		t.Fatalf("List all returned %v", all)
	}
}

func testPARRecords(t *testing.T, d objstore.Driver) {
	ctx := context.Background()
	if _, err := d.GetPAR(ctx, "unknown"); !errors.Is(err, objstore.ErrPARClosed) {
		t.Fatalf("GetPAR unknown: err = %v, want ErrPARClosed", err)
	}
	record := objstore.PARRecord{
		ID:         "par-1",
		Bucket:     "b",
		Key:        "file",
		SecretHash: "hash",
		Readable:   true,
		Expires:    time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC),
	}
	if err := d.PutPAR(ctx, record); err != nil {
		t.Fatalf("PutPAR: %v", err)
	}
	got, err := d.GetPAR(ctx, "par-1")
	if err != nil {
		t.Fatalf("GetPAR: %v", err)
	}
	if got.Key != "file" || !got.Readable || got.Writeable || !got.Expires.Equal(record.Expires) {
		t.Fatalf("GetPAR = %+v", got)
	}
	if err := d.DeletePAR(ctx, "par-1"); err != nil {
		t.Fatalf("DeletePAR: %v", err)
	}
	if _, err := d.GetPAR(ctx, "par-1"); !errors.Is(err, objstore.ErrPARClosed) {
		t.Fatalf("GetPAR after delete: err = %v", err)
	}
}
