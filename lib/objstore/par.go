// Copyright 2026 The Acquire Authors
// SPDX-License-Identifier: Apache-2.0

package objstore

import (
	"context"
	"crypto/subtle"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/acquire-foundation/acquire/lib/keys"
)

// DefaultPARDuration is the lifetime of a PAR created without one.
const DefaultPARDuration = time.Hour

// PAR is a pre-authenticated request: a time-limited grant of read
// and/or write access to one object (Key set) or one bucket (Key
// empty). The access URL is only ever stored encrypted to the key the
// PAR was created for.
type PAR struct {
	UID          string    `json:"uid"`
	BucketName   string    `json:"bucket_name"`
	Key          string    `json:"key,omitempty"`
	Created      time.Time `json:"created"`
	Expires      time.Time `json:"expires"`
	Readable     bool      `json:"is_readable"`
	Writeable    bool      `json:"is_writeable"`
	Driver       string    `json:"driver"`
	EncryptedURL []byte    `json:"encrypted_url"`
	URLChecksum  string    `json:"url_checksum"`
}

// IsBucket reports whether the PAR grants access to a whole bucket.
func (p *PAR) IsBucket() bool { return p.Key == "" }

// IsExpired reports whether the PAR has expired at now.
func (p *PAR) IsExpired(now time.Time) bool { return !now.Before(p.Expires) }

// URL decrypts the access URL with the private key the PAR was
// created for.
func (p *PAR) URL(key *keys.PrivateKey) (string, error) {
	plaintext, err := key.Decrypt(p.EncryptedURL)
	if err != nil {
		return "", fmt.Errorf("%w: decrypting url: %v", ErrPAR, err)
	}
	return string(plaintext), nil
}

// Read returns the object the PAR grants access to.
func (p *PAR) Read(ctx context.Context, store *Store, key *keys.PrivateKey) ([]byte, error) {
	accessURL, err := p.URL(key)
	if err != nil {
		return nil, err
	}
	return store.ReadPAR(ctx, accessURL)
}

// Write replaces the object the PAR grants access to.
func (p *PAR) Write(ctx context.Context, store *Store, key *keys.PrivateKey, data []byte) error {
	accessURL, err := p.URL(key)
	if err != nil {
		return err
	}
	return store.WritePAR(ctx, accessURL, "", data)
}

// URLChecksum returns the checksum recorded for an access URL.
func URLChecksum(accessURL string) string {
	return keys.Fingerprint([]byte(accessURL))
}

// CreatePAROptions configures CreatePAR.
type CreatePAROptions struct {
	// Key names the object. Empty means the whole bucket.
	Key       string
	Readable  bool
	Writeable bool

	// Duration defaults to DefaultPARDuration.
	Duration time.Duration

	// Cleanup runs once when the PAR closes.
	Cleanup *Function
}

// CreatePAR grants access to an object or bucket of b. The URL is
// encrypted to encryptKey. Object PARs require the object to exist
// unless they are write-only. Bucket PARs cannot be readable.
func (s *Store) CreatePAR(ctx context.Context, b *Bucket, encryptKey *keys.PublicKey, opts CreatePAROptions) (*PAR, error) {
	if !opts.Readable && !opts.Writeable {
		return nil, fmt.Errorf("%w: must be readable, writeable or both", ErrPAR)
	}
	if encryptKey == nil {
		return nil, fmt.Errorf("%w: an encryption key is required", ErrPAR)
	}
	duration := opts.Duration
	if duration <= 0 {
		duration = DefaultPARDuration
	}

	var key string
	if opts.Key != "" {
		normalised, err := b.key(opts.Key)
		if err != nil {
			return nil, err
		}
		key = normalised
		if opts.Readable {
			if _, err := b.Get(ctx, key); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrPAR, err)
			}
		}
	} else if opts.Readable {
		return nil, fmt.Errorf("%w: a bucket PAR cannot be readable", ErrPAR)
	}

	now := s.clock.Now().UTC()
	uid := uuid.NewString()
	secret := keys.RandomHex(32)
	record := PARRecord{
		ID:         uid,
		Bucket:     b.name,
		Key:        key,
		SecretHash: keys.Fingerprint([]byte(secret)),
		Readable:   opts.Readable,
		Writeable:  opts.Writeable,
		Expires:    now.Add(duration),
	}
	if err := s.driver.PutPAR(ctx, record); err != nil {
		return nil, fmt.Errorf("objstore: storing par: %w", err)
	}

	accessURL := s.parURL(record, secret)
	encrypted, err := encryptKey.Encrypt([]byte(accessURL))
	if err != nil {
		s.driver.DeletePAR(ctx, uid)
		return nil, fmt.Errorf("%w: encrypting url: %v", ErrPAR, err)
	}
	par := &PAR{
		UID:          uid,
		BucketName:   b.name,
		Key:          key,
		Created:      now,
		Expires:      record.Expires,
		Readable:     opts.Readable,
		Writeable:    opts.Writeable,
		Driver:       s.driver.Name(),
		EncryptedURL: encrypted,
		URLChecksum:  URLChecksum(accessURL),
	}
	if err := s.pars.register(ctx, par, opts.Cleanup); err != nil {
		s.driver.DeletePAR(ctx, uid)
		return nil, fmt.Errorf("objstore: registering par: %w", err)
	}
	return par, nil
}

// ClosePAR closes the PAR with uid. See PARRegistry.Close.
func (s *Store) ClosePAR(ctx context.Context, uid, urlChecksum string) error {
	return s.pars.Close(ctx, uid, urlChecksum)
}

// Close closes the PAR.
func (p *PAR) Close(ctx context.Context, store *Store) error {
	return store.ClosePAR(ctx, p.UID, p.URLChecksum)
}

func (s *Store) parURL(record PARRecord, secret string) string {
	query := url.Values{"id": {record.ID}, "secret": {secret}}
	return (&url.URL{
		Scheme:   "par",
		Host:     s.driver.Name(),
		Path:     "/" + record.Bucket + "/" + record.Key,
		RawQuery: query.Encode(),
	}).String()
}

// resolvePAR validates an access URL and returns its record.
func (s *Store) resolvePAR(ctx context.Context, accessURL string) (PARRecord, error) {
	parsed, err := url.Parse(accessURL)
	if err != nil || parsed.Scheme != "par" {
		return PARRecord{}, fmt.Errorf("%w: malformed url", ErrPAR)
	}
	if parsed.Host != s.driver.Name() {
		return PARRecord{}, fmt.Errorf("%w: url is for driver %q", ErrPAR, parsed.Host)
	}
	id := parsed.Query().Get("id")
	secret := parsed.Query().Get("secret")
	record, err := s.driver.GetPAR(ctx, id)
	if err != nil {
		return PARRecord{}, err
	}
	presented := keys.Fingerprint([]byte(secret))
	if subtle.ConstantTimeCompare([]byte(presented), []byte(record.SecretHash)) != 1 {
		return PARRecord{}, ErrPARDenied
	}
	if !s.clock.Now().Before(record.Expires) {
		return PARRecord{}, ErrPARExpired
	}
	return record, nil
}

// ReadPAR returns the object an access URL grants read access to.
func (s *Store) ReadPAR(ctx context.Context, accessURL string) ([]byte, error) {
	record, err := s.resolvePAR(ctx, accessURL)
	if err != nil {
		return nil, err
	}
	if !record.Readable || record.Key == "" {
		return nil, ErrPARDenied
	}
	bucket := &Bucket{store: s, name: record.Bucket}
	return bucket.Get(ctx, record.Key)
}

// WritePAR writes through an access URL. Object PARs ignore key;
// bucket PARs require it and write key inside the bucket.
func (s *Store) WritePAR(ctx context.Context, accessURL, key string, data []byte) error {
	record, err := s.resolvePAR(ctx, accessURL)
	if err != nil {
		return err
	}
	if !record.Writeable {
		return ErrPARDenied
	}
	target := record.Key
	if target == "" {
		target = strings.TrimPrefix(key, "/")
		if target == "" {
			return fmt.Errorf("%w: a bucket PAR write needs a key", ErrPAR)
		}
	}
	bucket := &Bucket{store: s, name: record.Bucket}
	return bucket.Set(ctx, target, data)
}

// ListPAR lists the keys of a bucket PAR's bucket. Writeable bucket
// PARs may list so that uploaders can check what arrived.
func (s *Store) ListPAR(ctx context.Context, accessURL string) ([]string, error) {
	record, err := s.resolvePAR(ctx, accessURL)
	if err != nil {
		return nil, err
	}
	if record.Key != "" {
		return nil, fmt.Errorf("%w: not a bucket PAR", ErrPAR)
	}
	bucket := &Bucket{store: s, name: record.Bucket}
	return bucket.List(ctx, "")
}

// deletePAR removes the driver record so the URL stops working.
func (s *Store) deletePAR(ctx context.Context, uid string) error {
	return s.driver.DeletePAR(ctx, uid)
}

// BucketFor returns a handle on the bucket a PAR refers to.
func (s *Store) BucketFor(p *PAR) *Bucket {
	return &Bucket{store: s, name: p.BucketName}
}
