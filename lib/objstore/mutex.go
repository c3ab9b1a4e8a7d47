// Copyright 2026 The Acquire Authors
// SPDX-License-Identifier: Apache-2.0

package objstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/acquire-foundation/acquire/lib/clock"
)

const (
	// DefaultMutexTimeout is how long NewMutex waits for the lock.
	DefaultMutexTimeout = 10 * time.Second

	// DefaultMutexLease is how long a holder keeps the lock without
	// renewing it.
	DefaultMutexLease = 10 * time.Second

	// mutexPoll is the interval between acquisition attempts.
	mutexPoll = 250 * time.Millisecond

	lockSeparator = "{}"
)

// MutexOptions configures a Mutex. Zero fields take the defaults.
type MutexOptions struct {
	Timeout   time.Duration
	LeaseTime time.Duration

	// Clock defaults to the bucket's store clock.
	Clock clock.Clock
}

// Mutex is a lease-based lock stored at mutexes/<key> in a bucket.
// The object holds "<secret>{}<lease end>". A holder whose lease has
// passed has lost the lock: another caller may take it, and the
// holder's Unlock reports ErrMutexTimeout.
//
// A Mutex is held by one goroutine at a time. Lock while held renews
// the lease and must be matched by another Unlock.
type Mutex struct {
	bucket  *Bucket
	key     string
	secret  string
	opts    MutexOptions
	clock   clock.Clock
	leaseTo time.Time
	depth   int
}

// NewMutex acquires the lock named key in bucket, waiting up to
// opts.Timeout.
func NewMutex(ctx context.Context, bucket *Bucket, key string, opts MutexOptions) (*Mutex, error) {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultMutexTimeout
	}
	if opts.LeaseTime <= 0 {
		opts.LeaseTime = DefaultMutexLease
	}
	c := opts.Clock
	if c == nil {
		c = bucket.store.clock
	}
	m := &Mutex{
		bucket: bucket,
		key:    "mutexes/" + strings.ReplaceAll(key, " ", "_"),
		secret: uuid.NewString(),
		opts:   opts,
		clock:  c,
	}
	if err := m.Lock(ctx); err != nil {
		return nil, err
	}
	return m, nil
}

// Key returns the object key of the lock.
func (m *Mutex) Key() string { return m.key }

func (m *Mutex) lockString(leaseEnd time.Time) string {
	return m.secret + lockSeparator + FormatTime(leaseEnd)
}

func parseLockString(value string) (secret string, leaseEnd time.Time, ok bool) {
	secret, end, found := strings.Cut(value, lockSeparator)
	if !found {
		return "", time.Time{}, false
	}
	leaseEnd, err := ParseTime(end)
	if err != nil {
		return "", time.Time{}, false
	}
	return secret, leaseEnd, true
}

// Lock acquires the lock, or renews the lease when already held.
func (m *Mutex) Lock(ctx context.Context) error {
	if m.depth > 0 && !m.Expired() {
		leaseEnd := m.clock.Now().Add(m.opts.LeaseTime)
		if err := m.bucket.SetString(ctx, m.key, m.lockString(leaseEnd)); err != nil {
			return err
		}
		m.leaseTo = leaseEnd
		m.depth++
		return nil
	}

	deadline := m.clock.Now().Add(m.opts.Timeout)
	for {
		acquired, err := m.tryAcquire(ctx)
		if err != nil {
			return err
		}
		if acquired {
			m.depth = 1
			return nil
		}
		if ctx.Err() != nil || !m.clock.Now().Before(deadline) {
			return fmt.Errorf("%w: could not acquire %s within %v", ErrMutexTimeout, m.key, m.opts.Timeout)
		}
		m.clock.Sleep(mutexPoll)
	}
}

// tryAcquire makes one attempt. It inserts its own lock string when the
// lock is free, or takes over when the holder's lease has passed, then
// reads back twice to confirm no concurrent writer replaced it.
func (m *Mutex) tryAcquire(ctx context.Context) (bool, error) {
	now := m.clock.Now()
	leaseEnd := now.Add(m.opts.LeaseTime)
	mine := m.lockString(leaseEnd)

	current, err := m.bucket.GetString(ctx, m.key)
	switch {
	case errors.Is(err, ErrNotFound):
		stored, inserted, err := m.bucket.SetIns(ctx, m.key, []byte(mine))
		if err != nil {
			return false, err
		}
		if !inserted && string(stored) != mine {
			return false, nil
		}
	case err != nil:
		return false, err
	default:
		if _, holderEnd, ok := parseLockString(current); ok && holderEnd.After(now) {
			return false, nil
		}
		taken, err := takeOver(ctx, m.bucket, m.key, current, mine)
		if err != nil || !taken {
			return false, err
		}
	}

	for i := 0; i < 2; i++ {
		readBack, err := m.bucket.GetString(ctx, m.key)
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		if readBack != mine {
			return false, nil
		}
	}
	m.leaseTo = leaseEnd
	return true, nil
}

// takeOver replaces the expired lock string at key with mine.
// Contenders for one expired lease race to SetIns a claim named after
// it, and only the claimant that still finds the lease in place writes.
func takeOver(ctx context.Context, bucket *Bucket, key, expired, mine string) (bool, error) {
	sum := sha256.Sum256([]byte(expired))
	claim := key + "/takeover/" + hex.EncodeToString(sum[:])
	if _, inserted, err := bucket.SetIns(ctx, claim, []byte(mine)); err != nil || !inserted {
		return false, err
	}
	// A claim left behind names a lease that no longer exists, so a
	// failed Delete is harmless.
	defer bucket.Delete(ctx, claim)

	current, err := bucket.GetString(ctx, key)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return false, err
	}
	if current != expired {
		return false, nil
	}
	if err := bucket.SetString(ctx, key, mine); err != nil {
		return false, err
	}
	return true, nil
}

// Unlock releases one level of locking. The final Unlock deletes the
// lock object if this Mutex still holds it. Unlocking after the lease
// passed returns ErrMutexTimeout.
func (m *Mutex) Unlock(ctx context.Context) error {
	if m.depth == 0 {
		return nil
	}
	if m.Expired() {
		m.depth = 0
		m.releaseIfHeld(ctx)
		return fmt.Errorf("%w: lease on %s ended at %s", ErrMutexTimeout, m.key, FormatTime(m.leaseTo))
	}
	m.depth--
	if m.depth > 0 {
		return nil
	}
	return m.releaseIfHeld(ctx)
}

// FullyUnlock releases every level of locking.
func (m *Mutex) FullyUnlock(ctx context.Context) error {
	if m.depth == 0 {
		return nil
	}
	m.depth = 0
	return m.releaseIfHeld(ctx)
}

func (m *Mutex) releaseIfHeld(ctx context.Context) error {
	current, err := m.bucket.GetString(ctx, m.key)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if secret, _, ok := parseLockString(current); ok && secret == m.secret {
		return m.bucket.Delete(ctx, m.key)
	}
	return nil
}

// IsLocked reports whether this Mutex holds an unexpired lease.
func (m *Mutex) IsLocked() bool {
	return m.depth > 0 && !m.Expired()
}

// Expired reports whether the lease has passed.
func (m *Mutex) Expired() bool {
	return !m.clock.Now().Before(m.leaseTo)
}

// SecondsRemaining returns the time left on the lease, or zero.
func (m *Mutex) SecondsRemaining() time.Duration {
	remaining := m.leaseTo.Sub(m.clock.Now())
	if remaining < 0 {
		return 0
	}
	return remaining
}

// WithMutex runs fn while holding the named lock and releases it
// afterwards. An expired lease at release is reported unless fn
// already failed.
func WithMutex(ctx context.Context, bucket *Bucket, key string, opts MutexOptions, fn func() error) error {
	mutex, err := NewMutex(ctx, bucket, key, opts)
	if err != nil {
		return err
	}
	fnErr := fn()
	unlockErr := mutex.Unlock(ctx)
	if fnErr != nil {
		return fnErr
	}
	return unlockErr
}
