// Copyright 2026 The Acquire Authors
// SPDX-License-Identifier: Apache-2.0

package sqlitepool

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

func openTestPool(t *testing.T) *Pool {
	t.Helper()
	pool, err := Open(Config{
		Path:     filepath.Join(t.TempDir(), "test.db"),
		PoolSize: 2,
		Schema:   []string{"CREATE TABLE IF NOT EXISTS kv (k TEXT PRIMARY KEY, v TEXT)"},
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { pool.Close() })
	return pool
}

func count(t *testing.T, pool *Pool) int {
	t.Helper()
	conn, err := pool.Take(context.Background())
	if err != nil {
		t.Fatalf("Take: %v", err)
	}
	defer pool.Put(conn)
	var n int
	err = sqlitex.Execute(conn, "SELECT count(*) FROM kv", &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			n = stmt.ColumnInt(0)
			return nil
		},
	})
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	return n
}

func TestSchemaAppliedAndWALMode(t *testing.T) {
	pool := openTestPool(t)
	conn, err := pool.Take(context.Background())
	if err != nil {
		t.Fatalf("Take: %v", err)
	}
	var mode string
	err = sqlitex.ExecuteTransient(conn, "PRAGMA journal_mode", &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			mode = stmt.ColumnText(0)
			return nil
		},
	})
	pool.Put(conn)
	if err != nil {
		t.Fatalf("journal_mode: %v", err)
	}
	if mode != "wal" {
		t.Errorf("journal_mode = %q, want wal", mode)
	}
	if count(t, pool) != 0 {
		t.Fatal("new table not empty")
	}
}

func TestImmediateCommitsAndRollsBack(t *testing.T) {
	pool := openTestPool(t)
	ctx := context.Background()

	err := pool.Immediate(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, "INSERT INTO kv (k, v) VALUES (?, ?)", &sqlitex.ExecOptions{Args: []any{"a", "1"}})
	})
	if err != nil {
		t.Fatalf("Immediate: %v", err)
	}

	failure := errors.New("abort")
	err = pool.Immediate(ctx, func(conn *sqlite.Conn) error {
		if err := sqlitex.Execute(conn, "INSERT INTO kv (k, v) VALUES (?, ?)", &sqlitex.ExecOptions{Args: []any{"b", "2"}}); err != nil {
			return err
		}
		return failure
	})
	if !errors.Is(err, failure) {
		t.Fatalf("Immediate error = %v, want %v", err, failure)
	}
	if n := count(t, pool); n != 1 {
		t.Fatalf("rows = %d, want 1 (rolled-back insert visible)", n)
	}
}

func TestEmptyPathRejected(t *testing.T) {
	if _, err := Open(Config{}); err == nil {
		t.Fatal("Open with empty path succeeded")
	}
}

func TestTakeHonoursCancellation(t *testing.T) {
	pool, err := Open(Config{Path: filepath.Join(t.TempDir(), "one.db"), PoolSize: 1})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer pool.Close()

	held, err := pool.Take(context.Background())
	if err != nil {
		t.Fatalf("Take: %v", err)
	}
	defer pool.Put(held)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := pool.Take(ctx); err == nil {
		t.Fatal("Take with cancelled context succeeded while pool exhausted")
	}
}
