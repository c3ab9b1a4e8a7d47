// Copyright 2026 The Acquire Authors
// SPDX-License-Identifier: Apache-2.0

package objstore

import (
	"context"
	"time"
)

// Driver is a bucketed key/value backend. Bucket and key arguments are
// already sanitised and normalised by Store. Implementations must be
// safe for concurrent use.
type Driver interface {
	// Name identifies the driver in PAR URLs and logs.
	Name() string

	// CreateBucket fails with ErrBucketExists if name exists.
	CreateBucket(ctx context.Context, name string) error
	BucketExists(ctx context.Context, name string) (bool, error)
	// DeleteBucket removes the bucket and every object in it.
	DeleteBucket(ctx context.Context, name string) error

	// Get fails with ErrNotFound when key has no object.
	Get(ctx context.Context, bucket, key string) ([]byte, error)
	Set(ctx context.Context, bucket, key string, value []byte) error
	// SetIfAbsent stores value only if key has no object, atomically.
	// It returns the value now stored and whether this call stored it.
	SetIfAbsent(ctx context.Context, bucket, key string, value []byte) (stored []byte, inserted bool, err error)
	// Take returns and deletes the object. Concurrent Takes of one key
	// must not both succeed. Fails with ErrNotFound.
	Take(ctx context.Context, bucket, key string) ([]byte, error)
	// Delete is a no-op when key has no object.
	Delete(ctx context.Context, bucket, key string) error
	// List returns every key starting with prefix, in any order.
	List(ctx context.Context, bucket, prefix string) ([]string, error)

	// PutPAR, GetPAR and DeletePAR persist the access records behind
	// pre-authenticated requests. GetPAR fails with ErrPARClosed when
	// id is unknown.
	PutPAR(ctx context.Context, record PARRecord) error
	GetPAR(ctx context.Context, id string) (PARRecord, error)
	DeletePAR(ctx context.Context, id string) error
}

// PARRecord is the driver-side half of a PAR: what it grants and the
// hash of its secret.
type PARRecord struct {
	ID         string    `json:"id"`
	Bucket     string    `json:"bucket"`
	Key        string    `json:"key,omitempty"`
	SecretHash string    `json:"secret_hash"`
	Readable   bool      `json:"readable"`
	Writeable  bool      `json:"writeable"`
	Expires    time.Time `json:"expires"`
}
