// Copyright 2026 The Acquire Authors
// SPDX-License-Identifier: Apache-2.0

package objstore_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/acquire-foundation/acquire/lib/keys"
	"github.com/acquire-foundation/acquire/lib/objstore"
)

func TestPARReadCloseRead(t *testing.T) {
	ctx := context.Background()
	store, _ := newStore(t)
	bucket := newBucket(t, store, "user-files")
	bucket.SetString(ctx, "report.txt", "quarterly")
	holder := keys.MustGenerate()

	par, err := store.CreatePAR(ctx, bucket, holder.PublicKey(), objstore.CreatePAROptions{
		Key:      "report.txt",
		Readable: true,
	})
	if err != nil {
		t.Fatalf("CreatePAR: %v", err)
	}
	data, err := par.Read(ctx, store, holder)
	if err != nil || string(data) != "quarterly" {
		t.Fatalf("Read = %q, %v", data, err)
	}
	if err := par.Write(ctx, store, holder, []byte("x")); !errors.Is(err, objstore.ErrPARDenied) {
		t.Fatalf("Write through read-only PAR: err = %v", err)
	}

	if err := par.Close(ctx, store); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := par.Read(ctx, store, holder); !errors.Is(err, objstore.ErrPARClosed) {
		t.Fatalf("Read after close: err = %v, want ErrPARClosed", err)
	}
	if err := par.Close(ctx, store); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

func TestPARURLIsEncryptedToHolder(t *testing.T) {
	ctx := context.Background()
	store, _ := newStore(t)
	bucket := newBucket(t, store, "b")
	bucket.SetString(ctx, "k", "v")
	holder := keys.MustGenerate()

	par, err := store.CreatePAR(ctx, bucket, holder.PublicKey(), objstore.CreatePAROptions{Key: "k", Readable: true})
	if err != nil {
		t.Fatalf("CreatePAR: %v", err)
	}
	if _, err := par.Read(ctx, store, keys.MustGenerate()); !errors.Is(err, objstore.ErrPAR) {
		t.Fatalf("Read with another key: err = %v", err)
	}
	accessURL, err := par.URL(holder)
	if err != nil {
		t.Fatalf("URL: %v", err)
	}
	if objstore.URLChecksum(accessURL) != par.URLChecksum {
		t.Fatal("checksum does not match decrypted url")
	}
	if err := store.ClosePAR(ctx, par.UID, "wrong"); !errors.Is(err, objstore.ErrPARDenied) {
		t.Fatalf("ClosePAR with wrong checksum: err = %v", err)
	}
}

func TestPARExpires(t *testing.T) {
	ctx := context.Background()
	store, fake := newStore(t)
	bucket := newBucket(t, store, "b")
	bucket.SetString(ctx, "k", "v")
	holder := keys.MustGenerate()

	par, err := store.CreatePAR(ctx, bucket, holder.PublicKey(), objstore.CreatePAROptions{
		Key: "k", Readable: true, Duration: time.Minute,
	})
	if err != nil {
		t.Fatalf("CreatePAR: %v", err)
	}
	fake.Advance(2 * time.Minute)
	if !par.IsExpired(fake.Now()) {
		t.Fatal("IsExpired = false")
	}
	if _, err := par.Read(ctx, store, holder); !errors.Is(err, objstore.ErrPARExpired) {
		t.Fatalf("Read after expiry: err = %v, want ErrPARExpired", err)
	}
}

func TestBucketPAR(t *testing.T) {
	ctx := context.Background()
	store, _ := newStore(t)
	bucket := newBucket(t, store, "uploads")
	holder := keys.MustGenerate()

	if _, err := store.CreatePAR(ctx, bucket, holder.PublicKey(), objstore.CreatePAROptions{Readable: true}); !errors.Is(err, objstore.ErrPAR) {
		t.Fatalf("readable bucket PAR: err = %v, want ErrPAR", err)
	}
	par, err := store.CreatePAR(ctx, bucket, holder.PublicKey(), objstore.CreatePAROptions{Writeable: true})
	if err != nil {
		t.Fatalf("CreatePAR: %v", err)
	}
	if !par.IsBucket() {
		t.Fatal("IsBucket = false")
	}
	accessURL, _ := par.URL(holder)
	if err := store.WritePAR(ctx, accessURL, "chunk/1", []byte("abc")); err != nil {
		t.Fatalf("WritePAR: %v", err)
	}
	names, err := store.ListPAR(ctx, accessURL)
	if err != nil || len(names) != 1 || names[0] != "chunk/1" {
		t.Fatalf("ListPAR = %v, %v", names, err)
	}
	if _, err := store.ReadPAR(ctx, accessURL); !errors.Is(err, objstore.ErrPARDenied) {
		t.Fatalf("ReadPAR on bucket PAR: err = %v", err)
	}
}

func TestPARCleanupRunsOnce(t *testing.T) {
	ctx := context.Background()
	store, fake := newStore(t)
	bucket := newBucket(t, store, "b")
	bucket.SetString(ctx, "k", "v")
	holder := keys.MustGenerate()

	var calls []string
	store.PARs().RegisterFunction("forget", func(_ context.Context, par *objstore.PAR, args json.RawMessage) error {
		var target string
		if err := json.Unmarshal(args, &target); err != nil {
			return err
		}
		calls = append(calls, par.UID+":"+target)
		return nil
	})

	short, err := store.CreatePAR(ctx, bucket, holder.PublicKey(), objstore.CreatePAROptions{
		Key: "k", Readable: true, Duration: time.Minute,
		Cleanup: &objstore.Function{Name: "forget", Args: json.RawMessage(`"download"`)},
	})
	if err != nil {
		t.Fatalf("CreatePAR short: %v", err)
	}
	long, err := store.CreatePAR(ctx, bucket, holder.PublicKey(), objstore.CreatePAROptions{
		Key: "k", Readable: true, Duration: time.Hour,
	})
	if err != nil {
		t.Fatalf("CreatePAR long: %v", err)
	}

	fake.Advance(2 * time.Minute)
	closed, err := store.PARs().ExpireBefore(ctx, fake.Now())
	if err != nil || closed != 1 {
		t.Fatalf("ExpireBefore = %d, %v; want 1", closed, err)
	}
	if err := short.Close(ctx, store); err != nil {
		t.Fatalf("Close after expiry: %v", err)
	}
	if len(calls) != 1 || calls[0] != short.UID+":download" {
		t.Fatalf("cleanup calls = %v", calls)
	}
	if _, err := store.PARs().Lookup(ctx, long.UID); err != nil {
		t.Fatalf("long-lived PAR was closed: %v", err)
	}
	if _, err := store.PARs().Lookup(ctx, short.UID); !errors.Is(err, objstore.ErrPARClosed) {
		t.Fatalf("Lookup expired: err = %v", err)
	}
}
