// Copyright 2026 The Acquire Authors
// SPDX-License-Identifier: Apache-2.0

// Package memstore is an in-process objstore.Driver backed by
// go-cache. It is used by tests and single-process federations.
package memstore

import (
	"bytes"
	"context"
	"strings"
	"sync"

	"github.com/patrickmn/go-cache"

	"github.com/acquire-foundation/acquire/lib/objstore"
)

// Driver holds every bucket in memory. Objects never expire.
type Driver struct {
	buckets *cache.Cache
	pars    *cache.Cache

	// takeMu serialises read-and-delete so that one Take wins.
	takeMu sync.Mutex
}

var _ objstore.Driver = (*Driver)(nil)

// New returns an empty driver.
func New() *Driver {
	return &Driver{
		buckets: cache.New(cache.NoExpiration, 0),
		pars:    cache.New(cache.NoExpiration, 0),
	}
}

// Name implements objstore.Driver.
func (d *Driver) Name() string { return "memory" }

func (d *Driver) bucket(name string) (*cache.Cache, error) {
	value, ok := d.buckets.Get(name)
	if !ok {
		return nil, objstore.ErrBucketNotFound
	}
	return value.(*cache.Cache), nil
}

func (d *Driver) CreateBucket(_ context.Context, name string) error {
	if err := d.buckets.Add(name, cache.New(cache.NoExpiration, 0), cache.NoExpiration); err != nil {
		return objstore.ErrBucketExists
	}
	return nil
}

func (d *Driver) BucketExists(_ context.Context, name string) (bool, error) {
	_, ok := d.buckets.Get(name)
	return ok, nil
}

func (d *Driver) DeleteBucket(_ context.Context, name string) error {
	d.buckets.Delete(name)
	return nil
}

func (d *Driver) Get(_ context.Context, bucket, key string) ([]byte, error) {
	objects, err := d.bucket(bucket)
	if err != nil {
		return nil, err
	}
	value, ok := objects.Get(key)
	if !ok {
		return nil, objstore.ErrNotFound
	}
	return bytes.Clone(value.([]byte)), nil
}

func (d *Driver) Set(_ context.Context, bucket, key string, value []byte) error {
	objects, err := d.bucket(bucket)
	if err != nil {
		return err
	}
	objects.Set(key, bytes.Clone(value), cache.NoExpiration)
	return nil
}

func (d *Driver) SetIfAbsent(_ context.Context, bucket, key string, value []byte) ([]byte, bool, error) {
	objects, err := d.bucket(bucket)
	if err != nil {
		return nil, false, err
	}
	// Loop in case the existing object is taken between Add and Get.
	for {
		if objects.Add(key, bytes.Clone(value), cache.NoExpiration) == nil {
			return bytes.Clone(value), true, nil
		}
		if existing, ok := objects.Get(key); ok {
			return bytes.Clone(existing.([]byte)), false, nil
		}
	}
}

func (d *Driver) Take(_ context.Context, bucket, key string) ([]byte, error) {
	objects, err := d.bucket(bucket)
	if err != nil {
		return nil, err
	}
	d.takeMu.Lock()
	defer d.takeMu.Unlock()
	value, ok := objects.Get(key)
	if !ok {
		return nil, objstore.ErrNotFound
	}
	objects.Delete(key)
	return value.([]byte), nil
}

func (d *Driver) Delete(_ context.Context, bucket, key string) error {
	objects, err := d.bucket(bucket)
	if err != nil {
		return err
	}
	d.takeMu.Lock()
	objects.Delete(key)
	d.takeMu.Unlock()
	return nil
}

func (d *Driver) List(_ context.Context, bucket, prefix string) ([]string, error) {
	objects, err := d.bucket(bucket)
	if err != nil {
		return nil, err
	}
	var keys []string
	for key := range objects.Items() {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	return keys, nil
}

func (d *Driver) PutPAR(_ context.Context, record objstore.PARRecord) error {
	d.pars.Set(record.ID, record, cache.NoExpiration)
	return nil
}

func (d *Driver) GetPAR(_ context.Context, id string) (objstore.PARRecord, error) {
	value, ok := d.pars.Get(id)
	if !ok {
		return objstore.PARRecord{}, objstore.ErrPARClosed
	}
	return value.(objstore.PARRecord), nil
}

func (d *Driver) DeletePAR(_ context.Context, id string) error {
	d.pars.Delete(id)
	return nil
}
