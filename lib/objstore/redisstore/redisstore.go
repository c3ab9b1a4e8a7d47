// Copyright 2026 The Acquire Authors
// SPDX-License-Identifier: Apache-2.0

// Package redisstore is an objstore.Driver backed by Redis.
//
// Objects live at acquire:obj:<bucket>:<key>. Each bucket keeps a
// sorted set of its keys at acquire:idx:<bucket> (all scores zero, so
// ordering is lexical) which serves prefix listing. Bucket names are a
// set at acquire:buckets and PAR records a hash at acquire:pars.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/acquire-foundation/acquire/lib/objstore"
)

const (
	bucketsKey = "acquire:buckets"
	parsKey    = "acquire:pars"
)

// Config configures Open.
type Config struct {
	// Addr is host:port of the Redis server.
	Addr     string
	Password string
	DB       int
}

// Driver stores objects in Redis.
type Driver struct {
	client *redis.Client
}

var _ objstore.Driver = (*Driver)(nil)

// Open connects to Redis and pings it.
func Open(ctx context.Context, cfg Config) (*Driver, error) {
	client := redis.NewClient(&redis.Options{Addr: cfg.Addr, Password: cfg.Password, DB: cfg.DB})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redisstore: connecting to %s: %w", cfg.Addr, err)
	}
	return &Driver{client: client}, nil
}

// NewWithClient wraps an existing client.
func NewWithClient(client *redis.Client) *Driver {
	return &Driver{client: client}
}

// Close closes the client.
func (d *Driver) Close() error { return d.client.Close() }

// Name implements objstore.Driver.
func (d *Driver) Name() string { return "redis" }

func objectKey(bucket, key string) string { return "acquire:obj:" + bucket + ":" + key }
func indexKey(bucket string) string       { return "acquire:idx:" + bucket }

func wrap(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("redisstore: %w", err)
}

func (d *Driver) requireBucket(ctx context.Context, bucket string) error {
	exists, err := d.BucketExists(ctx, bucket)
	if err != nil {
		return err
	}
	if !exists {
		return objstore.ErrBucketNotFound
	}
	return nil
}

func (d *Driver) CreateBucket(ctx context.Context, name string) error {
	added, err := d.client.SAdd(ctx, bucketsKey, name).Result()
	if err != nil {
		return wrap(err)
	}
	if added == 0 {
		return objstore.ErrBucketExists
	}
	return nil
}

func (d *Driver) BucketExists(ctx context.Context, name string) (bool, error) {
	exists, err := d.client.SIsMember(ctx, bucketsKey, name).Result()
	return exists, wrap(err)
}

func (d *Driver) DeleteBucket(ctx context.Context, name string) error {
	keys, err := d.client.ZRange(ctx, indexKey(name), 0, -1).Result()
	if err != nil {
		return wrap(err)
	}
	_, err = d.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, key := range keys {
			pipe.Del(ctx, objectKey(name, key))
		}
		pipe.Del(ctx, indexKey(name))
		pipe.SRem(ctx, bucketsKey, name)
		return nil
	})
	return wrap(err)
}

func (d *Driver) Get(ctx context.Context, bucket, key string) ([]byte, error) {
	value, err := d.client.Get(ctx, objectKey(bucket, key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, objstore.ErrNotFound
	}
	return value, wrap(err)
}

func (d *Driver) Set(ctx context.Context, bucket, key string, value []byte) error {
	if err := d.requireBucket(ctx, bucket); err != nil {
		return err
	}
	_, err := d.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, objectKey(bucket, key), value, 0)
		pipe.ZAdd(ctx, indexKey(bucket), redis.Z{Member: key})
		return nil
	})
	return wrap(err)
}

func (d *Driver) SetIfAbsent(ctx context.Context, bucket, key string, value []byte) ([]byte, bool, error) {
	if err := d.requireBucket(ctx, bucket); err != nil {
		return nil, false, err
	}
	for {
		inserted, err := d.client.SetNX(ctx, objectKey(bucket, key), value, 0).Result()
		if err != nil {
			return nil, false, wrap(err)
		}
		if inserted {
			if err := d.client.ZAdd(ctx, indexKey(bucket), redis.Z{Member: key}).Err(); err != nil {
				return nil, false, wrap(err)
			}
			return value, true, nil
		}
		existing, err := d.Get(ctx, bucket, key)
		if errors.Is(err, objstore.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, false, err
		}
		return existing, false, nil
	}
}

func (d *Driver) Take(ctx context.Context, bucket, key string) ([]byte, error) {
	value, err := d.client.GetDel(ctx, objectKey(bucket, key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, objstore.ErrNotFound
	}
	if err != nil {
		return nil, wrap(err)
	}
	return value, wrap(d.client.ZRem(ctx, indexKey(bucket), key).Err())
}

func (d *Driver) Delete(ctx context.Context, bucket, key string) error {
	_, err := d.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, objectKey(bucket, key))
		pipe.ZRem(ctx, indexKey(bucket), key)
		return nil
	})
	return wrap(err)
}

func (d *Driver) List(ctx context.Context, bucket, prefix string) ([]string, error) {
	bounds := &redis.ZRangeBy{Min: "-", Max: "+"}
	if prefix != "" {
		bounds = &redis.ZRangeBy{Min: "[" + prefix, Max: "[" + prefix + "\xff"}
	}
	keys, err := d.client.ZRangeByLex(ctx, indexKey(bucket), bounds).Result()
	return keys, wrap(err)
}

func (d *Driver) PutPAR(ctx context.Context, record objstore.PARRecord) error {
	encoded, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("redisstore: encoding par: %w", err)
	}
	return wrap(d.client.HSet(ctx, parsKey, record.ID, encoded).Err())
}

func (d *Driver) GetPAR(ctx context.Context, id string) (objstore.PARRecord, error) {
	encoded, err := d.client.HGet(ctx, parsKey, id).Bytes()
	if errors.Is(err, redis.Nil) {
		return objstore.PARRecord{}, objstore.ErrPARClosed
	}
	if err != nil {
		return objstore.PARRecord{}, wrap(err)
	}
	var record objstore.PARRecord
	if err := json.Unmarshal(encoded, &record); err != nil {
		return objstore.PARRecord{}, fmt.Errorf("redisstore: decoding par %s: %w", id, err)
	}
	return record, nil
}

func (d *Driver) DeletePAR(ctx context.Context, id string) error {
	return wrap(d.client.HDel(ctx, parsKey, id).Err())
}
