// Copyright 2026 The Acquire Authors
// SPDX-License-Identifier: Apache-2.0

package sqlitestore_test

import (
	"path/filepath"
	"testing"

	"github.com/acquire-foundation/acquire/lib/objstore"
	"github.com/acquire-foundation/acquire/lib/objstore/objstoretest"
	"github.com/acquire-foundation/acquire/lib/objstore/sqlitestore"
)

func TestDriver(t *testing.T) {
	objstoretest.RunDriverTests(t, func(t *testing.T) objstore.Driver {
		driver, err := sqlitestore.Open(sqlitestore.Config{Path: filepath.Join(t.TempDir(), "objects.db")})
		if err != nil {
			t.Fatalf("Open: %v", err)
		}
		t.Cleanup(func() { driver.Close() })
		return driver
	})
}
