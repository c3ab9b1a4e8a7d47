// Copyright 2026 The Acquire Authors
// SPDX-License-Identifier: Apache-2.0

package objstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

const (
	parsByUID    = "registry/pars/uid"
	parsByExpiry = "registry/pars/expire"
)

// Function names a cleanup to run when a PAR closes. Name selects a
// handler registered with PARRegistry.RegisterFunction.
type Function struct {
	Name string          `json:"name"`
	Args json.RawMessage `json:"args,omitempty"`
}

// CleanupFunc is run exactly once when a PAR carrying its Function
// closes.
type CleanupFunc func(ctx context.Context, par *PAR, args json.RawMessage) error

type parRegistration struct {
	PAR         *PAR      `json:"par"`
	URLChecksum string    `json:"url_checksum"`
	Cleanup     *Function `json:"cleanup,omitempty"`
}

// PARRegistry records every open PAR in the service bucket so that it
// can be closed by UID and expired in bulk.
type PARRegistry struct {
	store      *Store
	bucketName string

	mu       sync.RWMutex
	handlers map[string]CleanupFunc
}

func newPARRegistry(store *Store, bucketName string) *PARRegistry {
	return &PARRegistry{
		store:      store,
		bucketName: bucketName,
		handlers:   make(map[string]CleanupFunc),
	}
}

// RegisterFunction binds a cleanup handler to name. Registering a name
// twice panics.
func (r *PARRegistry) RegisterFunction(name string, handler CleanupFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[name]; exists {
		panic(fmt.Sprintf("objstore: duplicate cleanup function %q", name))
	}
	r.handlers[name] = handler
}

func (r *PARRegistry) bucket(ctx context.Context) (*Bucket, error) {
	return r.store.GetBucket(ctx, r.bucketName, true)
}

func uidKey(uid string, expires time.Time) string {
	return parsByUID + "/" + uid + "/" + FormatTime(expires)
}

func expiryKey(uid string, expires time.Time) string {
	return parsByExpiry + "/" + FormatTime(expires) + "/" + uid
}

func (r *PARRegistry) register(ctx context.Context, par *PAR, cleanup *Function) error {
	b, err := r.bucket(ctx)
	if err != nil {
		return err
	}
	registration := parRegistration{PAR: par, URLChecksum: par.URLChecksum, Cleanup: cleanup}
	if err := b.SetJSON(ctx, uidKey(par.UID, par.Expires), registration); err != nil {
		return err
	}
	return b.SetString(ctx, expiryKey(par.UID, par.Expires), par.UID)
}

// Lookup returns the registered PAR with uid.
func (r *PARRegistry) Lookup(ctx context.Context, uid string) (*PAR, error) {
	b, err := r.bucket(ctx)
	if err != nil {
		return nil, err
	}
	registration, _, err := r.find(ctx, b, uid)
	if err != nil {
		return nil, err
	}
	return registration.PAR, nil
}

func (r *PARRegistry) find(ctx context.Context, b *Bucket, uid string) (parRegistration, string, error) {
	keys, err := b.List(ctx, parsByUID+"/"+uid+"/")
	if err != nil {
		return parRegistration{}, "", err
	}
	if len(keys) == 0 {
		return parRegistration{}, "", ErrPARClosed
	}
	var registration parRegistration
	if err := b.GetJSON(ctx, keys[0], &registration); err != nil {
		if errors.Is(err, ErrNotFound) {
			return parRegistration{}, "", ErrPARClosed
		}
		return parRegistration{}, "", err
	}
	return registration, keys[0], nil
}

// Close closes the PAR with uid. urlChecksum must match the checksum
// recorded at creation. The access record is deleted, the registration
// taken, and the cleanup function run. Closing an already closed PAR
// is a no-op.
func (r *PARRegistry) Close(ctx context.Context, uid, urlChecksum string) error {
	b, err := r.bucket(ctx)
	if err != nil {
		return err
	}
	registration, key, err := r.find(ctx, b, uid)
	if errors.Is(err, ErrPARClosed) {
		return nil
	}
	if err != nil {
		return err
	}
	if registration.URLChecksum != urlChecksum {
		return fmt.Errorf("%w: url checksum mismatch", ErrPARDenied)
	}
	return r.close(ctx, b, key)
}

// close takes the registration at key, so concurrent closers run the
// cleanup at most once between them.
func (r *PARRegistry) close(ctx context.Context, b *Bucket, key string) error {
	if err := r.store.deletePAR(ctx, uidFromKey(key)); err != nil {
		return fmt.Errorf("objstore: deleting par record: %w", err)
	}
	var registration parRegistration
	if err := b.TakeJSON(ctx, key, &registration); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return err
	}
	par := registration.PAR
	if err := b.Delete(ctx, expiryKey(par.UID, par.Expires)); err != nil {
		return err
	}
	r.store.logger.Debug("par closed", "par_uid", par.UID, "bucket", par.BucketName)
	if registration.Cleanup == nil {
		return nil
	}
	r.mu.RLock()
	handler, ok := r.handlers[registration.Cleanup.Name]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("objstore: no cleanup function %q for par %s", registration.Cleanup.Name, par.UID)
	}
	return handler(ctx, par, registration.Cleanup.Args)
}

func uidFromKey(key string) string {
	rest := strings.TrimPrefix(key, parsByUID+"/")
	uid, _, _ := strings.Cut(rest, "/")
	return uid
}

// ExpireBefore closes every registered PAR that expires before t and
// returns how many it closed. Every PAR is attempted; failures are
// joined.
func (r *PARRegistry) ExpireBefore(ctx context.Context, t time.Time) (int, error) {
	b, err := r.bucket(ctx)
	if err != nil {
		return 0, err
	}
	names, err := b.ListNames(ctx, parsByExpiry+"/")
	if err != nil {
		return 0, err
	}
	cutoff := FormatTime(t)
	var errs []error
	closed := 0
	for _, name := range names {
		expiry, uid, found := strings.Cut(name, "/")
		if !found {
			continue
		}
		// Fixed-width timestamps sort lexically.
		if expiry >= cutoff {
			break
		}
		expires, err := ParseTime(expiry)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if err := r.close(ctx, b, uidKey(uid, expires)); err != nil {
			errs = append(errs, fmt.Errorf("closing par %s: %w", uid, err))
			continue
		}
		closed++
	}
	return closed, errors.Join(errs...)
}
