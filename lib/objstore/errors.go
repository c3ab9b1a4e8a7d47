// Copyright 2026 The Acquire Authors
// SPDX-License-Identifier: Apache-2.0

package objstore

import (
	"errors"
	"fmt"
)

var (
	// ErrObjectStore is the root of storage failures that have no more
	// specific sentinel.
	ErrObjectStore = errors.New("objstore: operation failed")

	// ErrNotFound is returned when a key has no object.
	ErrNotFound = errors.New("objstore: object not found")

	ErrBucketExists   = errors.New("objstore: bucket already exists")
	ErrBucketNotFound = errors.New("objstore: bucket not found")
	ErrBucketNotEmpty = errors.New("objstore: bucket not empty")

	// ErrKeyTooLong is returned for keys over MaxKeyLength characters.
	ErrKeyTooLong = errors.New("objstore: key too long")

	// ErrChunkedRead is returned when a chunked object has a gap.
	ErrChunkedRead = errors.New("objstore: chunked object is incomplete")

	// ErrMutexTimeout is returned when a mutex cannot be acquired in
	// time, or is released after its lease ran out.
	ErrMutexTimeout = errors.New("objstore: mutex timeout")

	// ErrPAR is the root of pre-authenticated request failures.
	ErrPAR = errors.New("objstore: invalid pre-authenticated request")

	// ErrPARClosed is returned when a PAR has been closed or never
	// existed.
	ErrPARClosed = fmt.Errorf("%w: closed", ErrPAR)

	// ErrPARExpired is returned when a PAR is used after its expiry.
	ErrPARExpired = fmt.Errorf("%w: expired", ErrPAR)

	// ErrPARDenied is returned when a PAR is used for an access it
	// does not grant, or with the wrong secret.
	ErrPARDenied = fmt.Errorf("%w: access denied", ErrPAR)
)

// KeyError records the key an operation failed on.
type KeyError struct {
	Op     string
	Bucket string
	Key    string
	Err    error
}

func (e *KeyError) Error() string {
	return fmt.Sprintf("objstore: %s %s/%s: %v", e.Op, e.Bucket, e.Key, e.Err)
}

func (e *KeyError) Unwrap() error { return e.Err }
