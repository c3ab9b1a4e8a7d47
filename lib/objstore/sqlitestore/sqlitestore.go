// Copyright 2026 The Acquire Authors
// SPDX-License-Identifier: Apache-2.0

// Package sqlitestore is an objstore.Driver persisted in a SQLite
// database through sqlitepool.
package sqlitestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/acquire-foundation/acquire/lib/objstore"
	"github.com/acquire-foundation/acquire/lib/sqlitepool"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS buckets (
		name TEXT PRIMARY KEY
	) STRICT`,
	`CREATE TABLE IF NOT EXISTS objects (
		bucket TEXT NOT NULL,
		key    TEXT NOT NULL,
		value  BLOB,
		PRIMARY KEY (bucket, key)
	) STRICT, WITHOUT ROWID`,
	`CREATE TABLE IF NOT EXISTS pars (
		id     TEXT PRIMARY KEY,
		record TEXT NOT NULL
	) STRICT`,
}

// Config configures Open.
type Config struct {
	// Path is the database file.
	Path     string
	PoolSize int
	Logger   *slog.Logger
}

// Driver stores buckets, objects and PAR records in three tables.
type Driver struct {
	pool *sqlitepool.Pool
}

var _ objstore.Driver = (*Driver)(nil)

// Open opens (creating if needed) the database at cfg.Path.
func Open(cfg Config) (*Driver, error) {
	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:     cfg.Path,
		PoolSize: cfg.PoolSize,
		Schema:   schema,
		Logger:   cfg.Logger,
	})
	if err != nil {
		return nil, err
	}
	return &Driver{pool: pool}, nil
}

// Close closes the database.
func (d *Driver) Close() error { return d.pool.Close() }

// Name implements objstore.Driver.
func (d *Driver) Name() string { return "sqlite" }

func (d *Driver) exec(ctx context.Context, query string, args []any, result func(*sqlite.Stmt) error) error {
	conn, err := d.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer d.pool.Put(conn)
	return execute(conn, query, args, result)
}

func execute(conn *sqlite.Conn, query string, args []any, result func(*sqlite.Stmt) error) error {
	if err := sqlitex.Execute(conn, query, &sqlitex.ExecOptions{Args: args, ResultFunc: result}); err != nil {
		return fmt.Errorf("sqlitestore: %w", err)
	}
	return nil
}

func columnBytes(stmt *sqlite.Stmt, col int) []byte {
	value := make([]byte, stmt.ColumnLen(col))
	stmt.ColumnBytes(col, value)
	return value
}

func bucketExists(conn *sqlite.Conn, name string) (bool, error) {
	exists := false
	err := execute(conn, `SELECT 1 FROM buckets WHERE name = ?`, []any{name}, func(*sqlite.Stmt) error {
		exists = true
		return nil
	})
	return exists, err
}

func requireBucket(conn *sqlite.Conn, name string) error {
	exists, err := bucketExists(conn, name)
	if err != nil {
		return err
	}
	if !exists {
		return objstore.ErrBucketNotFound
	}
	return nil
}

func (d *Driver) CreateBucket(ctx context.Context, name string) error {
	return d.pool.Immediate(ctx, func(conn *sqlite.Conn) error {
		if err := execute(conn, `INSERT OR IGNORE INTO buckets (name) VALUES (?)`, []any{name}, nil); err != nil {
			return err
		}
		if conn.Changes() == 0 {
			return objstore.ErrBucketExists
		}
		return nil
	})
}

func (d *Driver) BucketExists(ctx context.Context, name string) (bool, error) {
	conn, err := d.pool.Take(ctx)
	if err != nil {
		return false, err
	}
	defer d.pool.Put(conn)
	return bucketExists(conn, name)
}

func (d *Driver) DeleteBucket(ctx context.Context, name string) error {
	return d.pool.Immediate(ctx, func(conn *sqlite.Conn) error {
		if err := execute(conn, `DELETE FROM objects WHERE bucket = ?`, []any{name}, nil); err != nil {
			return err
		}
		return execute(conn, `DELETE FROM buckets WHERE name = ?`, []any{name}, nil)
	})
}

func (d *Driver) Get(ctx context.Context, bucket, key string) ([]byte, error) {
	var value []byte
	found := false
	err := d.exec(ctx, `SELECT value FROM objects WHERE bucket = ? AND key = ?`, []any{bucket, key}, func(stmt *sqlite.Stmt) error {
		value = columnBytes(stmt, 0)
		found = true
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, objstore.ErrNotFound
	}
	return value, nil
}

func (d *Driver) Set(ctx context.Context, bucket, key string, value []byte) error {
	return d.pool.Immediate(ctx, func(conn *sqlite.Conn) error {
		if err := requireBucket(conn, bucket); err != nil {
			return err
		}
		return execute(conn,
			`INSERT INTO objects (bucket, key, value) VALUES (?, ?, ?)
			 ON CONFLICT (bucket, key) DO UPDATE SET value = excluded.value`,
			[]any{bucket, key, value}, nil)
	})
}

func (d *Driver) SetIfAbsent(ctx context.Context, bucket, key string, value []byte) ([]byte, bool, error) {
	var stored []byte
	inserted := false
	err := d.pool.Immediate(ctx, func(conn *sqlite.Conn) error {
		if err := requireBucket(conn, bucket); err != nil {
			return err
		}
		if err := execute(conn, `INSERT OR IGNORE INTO objects (bucket, key, value) VALUES (?, ?, ?)`,
			[]any{bucket, key, value}, nil); err != nil {
			return err
		}
		inserted = conn.Changes() > 0
		return execute(conn, `SELECT value FROM objects WHERE bucket = ? AND key = ?`, []any{bucket, key},
			func(stmt *sqlite.Stmt) error {
				stored = columnBytes(stmt, 0)
				return nil
			})
	})
	if err != nil {
		return nil, false, err
	}
	return stored, inserted, nil
}

func (d *Driver) Take(ctx context.Context, bucket, key string) ([]byte, error) {
	var value []byte
	found := false
	err := d.exec(ctx, `DELETE FROM objects WHERE bucket = ? AND key = ? RETURNING value`, []any{bucket, key},
		func(stmt *sqlite.Stmt) error {
			value = columnBytes(stmt, 0)
			found = true
			return nil
		})
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, objstore.ErrNotFound
	}
	return value, nil
}

func (d *Driver) Delete(ctx context.Context, bucket, key string) error {
	return d.exec(ctx, `DELETE FROM objects WHERE bucket = ? AND key = ?`, []any{bucket, key}, nil)
}

func (d *Driver) List(ctx context.Context, bucket, prefix string) ([]string, error) {
	var keys []string
	// instr with an empty needle is 1, so an empty prefix lists all.
	err := d.exec(ctx, `SELECT key FROM objects WHERE bucket = ? AND instr(key, ?) = 1`, []any{bucket, prefix},
		func(stmt *sqlite.Stmt) error {
			keys = append(keys, stmt.ColumnText(0))
			return nil
		})
	return keys, err
}

func (d *Driver) PutPAR(ctx context.Context, record objstore.PARRecord) error {
	encoded, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("sqlitestore: encoding par: %w", err)
	}
	return d.exec(ctx, `INSERT OR REPLACE INTO pars (id, record) VALUES (?, ?)`, []any{record.ID, string(encoded)}, nil)
}

func (d *Driver) GetPAR(ctx context.Context, id string) (objstore.PARRecord, error) {
	var record objstore.PARRecord
	var decodeErr error
	found := false
	err := d.exec(ctx, `SELECT record FROM pars WHERE id = ?`, []any{id}, func(stmt *sqlite.Stmt) error {
		found = true
		decodeErr = json.Unmarshal([]byte(stmt.ColumnText(0)), &record)
		return nil
	})
	switch {
	case err != nil:
		return objstore.PARRecord{}, err
	case !found:
		return objstore.PARRecord{}, objstore.ErrPARClosed
	case decodeErr != nil:
		return objstore.PARRecord{}, errors.Join(objstore.ErrObjectStore, decodeErr)
	}
	return record, nil
}

func (d *Driver) DeletePAR(ctx context.Context, id string) error {
	return d.exec(ctx, `DELETE FROM pars WHERE id = ?`, []any{id}, nil)
}
