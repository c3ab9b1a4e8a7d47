// Copyright 2026 The Acquire Authors
// SPDX-License-Identifier: Apache-2.0

package objstore

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"

	"github.com/acquire-foundation/acquire/lib/clock"
)

// Config configures a Store.
type Config struct {
	Driver Driver

	// UniqueSuffix prefixes every bucket name. Required.
	UniqueSuffix string

	// Clock defaults to clock.Real().
	Clock clock.Clock

	// Logger defaults to a discarding logger.
	Logger *slog.Logger

	// RegistryBucket holds the PAR registry. Defaults to "service".
	RegistryBucket string
}

// Store is the driver-independent object store API.
type Store struct {
	driver Driver
	suffix string
	clock  clock.Clock
	logger *slog.Logger
	pars   *PARRegistry
}

// New creates a Store over cfg.Driver.
func New(cfg Config) (*Store, error) {
	if cfg.Driver == nil {
		return nil, fmt.Errorf("objstore: Driver is required")
	}
	suffix := SanitiseBucketName(cfg.UniqueSuffix)
	if suffix == "" {
		return nil, fmt.Errorf("objstore: UniqueSuffix is required")
	}
	s := &Store{driver: cfg.Driver, suffix: suffix, clock: cfg.Clock, logger: cfg.Logger}
	if s.clock == nil {
		s.clock = clock.Real()
	}
	if s.logger == nil {
		s.logger = slog.New(slog.DiscardHandler)
	}
	registryBucket := cfg.RegistryBucket
	if registryBucket == "" {
		registryBucket = "service"
	}
	s.pars = newPARRegistry(s, registryBucket)
	return s, nil
}

// Clock returns the store's time source.
func (s *Store) Clock() clock.Clock { return s.clock }

// PARs returns the registry of open PARs.
func (s *Store) PARs() *PARRegistry { return s.pars }

// DriverName returns the name of the underlying driver.
func (s *Store) DriverName() string { return s.driver.Name() }

// Bucket is a handle on one bucket of a Store.
type Bucket struct {
	store *Store
	name  string
}

// Name returns the full (suffixed, sanitised) bucket name.
func (b *Bucket) Name() string { return b.name }

// Store returns the store the bucket belongs to.
func (b *Bucket) Store() *Store { return b.store }

func (s *Store) bucketName(name string) string {
	return SanitiseBucketName(s.suffix + "-" + name)
}

// CreateBucket creates a new bucket. Fails with ErrBucketExists.
func (s *Store) CreateBucket(ctx context.Context, name string) (*Bucket, error) {
	full := s.bucketName(name)
	if err := s.driver.CreateBucket(ctx, full); err != nil {
		return nil, fmt.Errorf("objstore: creating bucket %s: %w", full, err)
	}
	s.logger.Debug("bucket created", "bucket", full)
	return &Bucket{store: s, name: full}, nil
}

// GetBucket returns an existing bucket, creating it when create is
// set. Fails with ErrBucketNotFound otherwise.
func (s *Store) GetBucket(ctx context.Context, name string, create bool) (*Bucket, error) {
	full := s.bucketName(name)
	exists, err := s.driver.BucketExists(ctx, full)
	if err != nil {
		return nil, fmt.Errorf("objstore: checking bucket %s: %w", full, err)
	}
	if !exists {
		if !create {
			return nil, fmt.Errorf("objstore: bucket %s: %w", full, ErrBucketNotFound)
		}
		if err := s.driver.CreateBucket(ctx, full); err != nil && !errors.Is(err, ErrBucketExists) {
			return nil, fmt.Errorf("objstore: creating bucket %s: %w", full, err)
		}
	}
	return &Bucket{store: s, name: full}, nil
}

// DeleteBucket deletes b. Without force it fails with ErrBucketNotEmpty
// when b holds objects.
func (s *Store) DeleteBucket(ctx context.Context, b *Bucket, force bool) error {
	if !force {
		empty, err := b.IsEmpty(ctx)
		if err != nil {
			return err
		}
		if !empty {
			return fmt.Errorf("objstore: deleting bucket %s: %w", b.name, ErrBucketNotEmpty)
		}
	}
	return s.driver.DeleteBucket(ctx, b.name)
}

func (b *Bucket) key(key string) (string, error) {
	normalised, err := NormaliseKey(key)
	if err != nil {
		return "", &KeyError{Op: "normalise", Bucket: b.name, Key: key[:min(len(key), 64)], Err: err}
	}
	return normalised, nil
}

// IsEmpty reports whether the bucket holds no objects.
func (b *Bucket) IsEmpty(ctx context.Context) (bool, error) {
	keys, err := b.store.driver.List(ctx, b.name, "")
	if err != nil {
		return false, err
	}
	return len(keys) == 0, nil
}

// Get returns the object at key. A key with no object but with chunks
// key/1, key/2, ... returns the chunks concatenated.
func (b *Bucket) Get(ctx context.Context, key string) ([]byte, error) {
	key, err := b.key(key)
	if err != nil {
		return nil, err
	}
	value, err := b.store.driver.Get(ctx, b.name, key)
	if err == nil {
		return value, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, &KeyError{Op: "get", Bucket: b.name, Key: key, Err: err}
	}
	chunked, chunkErr := b.getChunks(ctx, key)
	if chunkErr != nil {
		if errors.Is(chunkErr, ErrNotFound) {
			return nil, &KeyError{Op: "get", Bucket: b.name, Key: key, Err: ErrNotFound}
		}
		return nil, &KeyError{Op: "get", Bucket: b.name, Key: key, Err: chunkErr}
	}
	return chunked, nil
}

func (b *Bucket) getChunks(ctx context.Context, key string) ([]byte, error) {
	names, err := b.store.driver.List(ctx, b.name, key+"/")
	if err != nil {
		return nil, err
	}
	var indices []int
	for _, name := range names {
		index, err := strconv.Atoi(strings.TrimPrefix(name, key+"/"))
		if err == nil && index > 0 {
			indices = append(indices, index)
		}
	}
	if len(indices) == 0 {
		return nil, ErrNotFound
	}
	sort.Ints(indices)
	var data []byte
	for position, index := range indices {
		if index != position+1 {
			return nil, fmt.Errorf("%w: chunk %d missing", ErrChunkedRead, position+1)
		}
		chunk, err := b.store.driver.Get(ctx, b.name, key+"/"+strconv.Itoa(index))
		if err != nil {
			return nil, fmt.Errorf("%w: chunk %d: %v", ErrChunkedRead, index, err)
		}
		data = append(data, chunk...)
	}
	return data, nil
}

// Chunk returns chunk index (1-based) of a chunked object.
func (b *Bucket) Chunk(ctx context.Context, key string, index int) ([]byte, error) {
	return b.Get(ctx, key+"/"+strconv.Itoa(index))
}

// SetChunk stores chunk index (1-based) of a chunked object.
func (b *Bucket) SetChunk(ctx context.Context, key string, index int, data []byte) error {
	if index < 1 {
		return fmt.Errorf("objstore: chunk index %d must be positive", index)
	}
	return b.Set(ctx, key+"/"+strconv.Itoa(index), data)
}

// Set stores value at key.
func (b *Bucket) Set(ctx context.Context, key string, value []byte) error {
	key, err := b.key(key)
	if err != nil {
		return err
	}
	if err := b.store.driver.Set(ctx, b.name, key, value); err != nil {
		return &KeyError{Op: "set", Bucket: b.name, Key: key, Err: err}
	}
	return nil
}

// SetIns stores value at key unless an object is already there. It
// returns the value now stored: value itself when this call inserted
// it, the existing object otherwise.
func (b *Bucket) SetIns(ctx context.Context, key string, value []byte) ([]byte, bool, error) {
	key, err := b.key(key)
	if err != nil {
		return nil, false, err
	}
	stored, inserted, err := b.store.driver.SetIfAbsent(ctx, b.name, key, value)
	if err != nil {
		return nil, false, &KeyError{Op: "set_ins", Bucket: b.name, Key: key, Err: err}
	}
	return stored, inserted, nil
}

// Take returns the object at key and deletes it. At most one of any
// number of concurrent callers receives the value.
func (b *Bucket) Take(ctx context.Context, key string) ([]byte, error) {
	key, err := b.key(key)
	if err != nil {
		return nil, err
	}
	value, err := b.store.driver.Take(ctx, b.name, key)
	if err != nil {
		return nil, &KeyError{Op: "take", Bucket: b.name, Key: key, Err: err}
	}
	return value, nil
}

// Delete removes the object at key. Deleting a missing key is not an
// error.
func (b *Bucket) Delete(ctx context.Context, key string) error {
	key, err := b.key(key)
	if err != nil {
		return err
	}
	if err := b.store.driver.Delete(ctx, b.name, key); err != nil {
		return &KeyError{Op: "delete", Bucket: b.name, Key: key, Err: err}
	}
	return nil
}

// List returns every full key beginning with prefix, sorted.
func (b *Bucket) List(ctx context.Context, prefix string) ([]string, error) {
	if prefix != "" {
		normalised, err := NormaliseKey(prefix)
		if err != nil {
			return nil, err
		}
		prefix = normalised
	}
	keys, err := b.store.driver.List(ctx, b.name, prefix)
	if err != nil {
		return nil, &KeyError{Op: "list", Bucket: b.name, Key: prefix, Err: err}
	}
	sort.Strings(keys)
	return keys, nil
}

// ListNames returns the keys beginning with prefix with the prefix
// removed, sorted.
func (b *Bucket) ListNames(ctx context.Context, prefix string) ([]string, error) {
	keys, err := b.List(ctx, prefix)
	if err != nil {
		return nil, err
	}
	normalised, _ := NormaliseKey(prefix)
	names := make([]string, len(keys))
	for i, key := range keys {
		names[i] = strings.TrimPrefix(key, normalised)
	}
	return names, nil
}

// DeleteAll removes every object whose key begins with prefix.
func (b *Bucket) DeleteAll(ctx context.Context, prefix string) error {
	keys, err := b.List(ctx, prefix)
	if err != nil {
		return err
	}
	for _, key := range keys {
		if err := b.store.driver.Delete(ctx, b.name, key); err != nil {
			return &KeyError{Op: "delete", Bucket: b.name, Key: key, Err: err}
		}
	}
	return nil
}

// GetString returns the object at key as a string.
func (b *Bucket) GetString(ctx context.Context, key string) (string, error) {
	value, err := b.Get(ctx, key)
	if err != nil {
		return "", err
	}
	return string(value), nil
}

// SetString stores s at key.
func (b *Bucket) SetString(ctx context.Context, key, s string) error {
	return b.Set(ctx, key, []byte(s))
}

// GetJSON decodes the JSON object at key into v.
func (b *Bucket) GetJSON(ctx context.Context, key string, v any) error {
	value, err := b.Get(ctx, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(value, v); err != nil {
		return &KeyError{Op: "decode", Bucket: b.name, Key: key, Err: err}
	}
	return nil
}

// SetJSON stores v encoded as JSON at key. encoding/json sorts map
// keys, so equal values produce identical objects.
func (b *Bucket) SetJSON(ctx context.Context, key string, v any) error {
	value, err := json.Marshal(v)
	if err != nil {
		return &KeyError{Op: "encode", Bucket: b.name, Key: key, Err: err}
	}
	return b.Set(ctx, key, value)
}

// SetInsJSON is SetIns for JSON values. The stored value is decoded
// into out (which may be nil).
func (b *Bucket) SetInsJSON(ctx context.Context, key string, v, out any) (bool, error) {
	value, err := json.Marshal(v)
	if err != nil {
		return false, &KeyError{Op: "encode", Bucket: b.name, Key: key, Err: err}
	}
	stored, inserted, err := b.SetIns(ctx, key, value)
	if err != nil {
		return false, err
	}
	if out != nil {
		if err := json.Unmarshal(stored, out); err != nil {
			return inserted, &KeyError{Op: "decode", Bucket: b.name, Key: key, Err: err}
		}
	}
	return inserted, nil
}

// TakeJSON is Take followed by decoding into v.
func (b *Bucket) TakeJSON(ctx context.Context, key string, v any) error {
	value, err := b.Take(ctx, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(value, v); err != nil {
		return &KeyError{Op: "decode", Bucket: b.name, Key: key, Err: err}
	}
	return nil
}

// GetAllStrings returns every object under prefix keyed by its name
// relative to prefix.
func (b *Bucket) GetAllStrings(ctx context.Context, prefix string) (map[string]string, error) {
	names, err := b.ListNames(ctx, prefix)
	if err != nil {
		return nil, err
	}
	normalised, _ := NormaliseKey(prefix)
	values := make(map[string]string, len(names))
	for _, name := range names {
		value, err := b.GetString(ctx, normalised+name)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		values[name] = value
	}
	return values, nil
}

// SizeAndChecksum returns the size and hex MD5 of the object at key.
func (b *Bucket) SizeAndChecksum(ctx context.Context, key string) (int64, string, error) {
	value, err := b.Get(ctx, key)
	if err != nil {
		return 0, "", err
	}
	sum := md5.Sum(value)
	return int64(len(value)), hex.EncodeToString(sum[:]), nil
}

// Exists reports whether key holds an object.
func (b *Bucket) Exists(ctx context.Context, key string) (bool, error) {
	_, err := b.Get(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}
