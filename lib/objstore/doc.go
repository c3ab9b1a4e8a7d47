// Copyright 2026 The Acquire Authors
// SPDX-License-Identifier: Apache-2.0

// Package objstore is the storage abstraction every Acquire service
// persists through.
//
// A [Driver] is a bucketed key/value backend: memstore (in process,
// go-cache), sqlitestore (zombiezen sqlite) and redisstore (go-redis).
// [Store] wraps a driver with the behaviour the services rely on
// regardless of backend:
//
//   - bucket names are sanitised and prefixed with a deployment suffix
//   - keys are normalised and limited to 1024 characters
//   - JSON and string helpers, prefix listing, bulk deletion
//   - chunked objects stored as key/1, key/2, ... and read back as one
//   - atomic set-if-not-set and best-effort atomic take
//
// [Mutex] is a lease-based lock built only from get, set and delete, so
// it works on any driver. [PAR] is a pre-authenticated request: a
// time-limited URL that grants read or write access to one object or
// one bucket, whose closing can trigger a named cleanup function
// registered with a [PARRegistry].
package objstore
