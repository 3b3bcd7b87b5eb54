// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package badger

import (
	"context"
	"fmt"
	"testing"

	"github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestOpenInMemoryDB verifies in-memory database creation works.
func TestOpenInMemoryDB(t *testing.T) {
	db, err := OpenInMemoryDB()
	require.NoError(t, err)
	defer db.Close()

	// Verify we can write and read
	err = db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte("key"), []byte("value"))
	})
	require.NoError(t, err)

	err = db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte("key"))
		require.NoError(t, err)

		return item.Value(func(val []byte) error {
			assert.Equal(t, []byte("value"), val)
			return nil
		})
	})
	require.NoError(t, err)
}

// TestOpenDB_Persistent verifies data survives close and reopen.
func TestOpenDB_Persistent(t *testing.T) {
	dir := t.TempDir()

	cfg := DefaultConfig()
	cfg.Path = dir
	cfg.GCInterval = 0

	db, err := OpenDB(cfg)
	require.NoError(t, err)

	err = db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte("persistent-key"), []byte("persistent-value"))
	})
	require.NoError(t, err)
	require.NoError(t, db.Close())

	db2, err := OpenDB(cfg)
	require.NoError(t, err)
	defer db2.Close()

	err = db2.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte("persistent-key"))
		require.NoError(t, err)
		return item.Value(func(val []byte) error {
			assert.Equal(t, []byte("persistent-value"), val)
			return nil
		})
	})
	require.NoError(t, err)
}

// TestOpen_RequiresPath verifies persistent mode needs a path.
func TestOpen_RequiresPath(t *testing.T) {
	_, err := Open(Config{InMemory: false})
	assert.Error(t, err)
}

// TestWithTxn_CancelledContext verifies context checks happen before work.
func TestWithTxn_CancelledContext(t *testing.T) {
	db, err := OpenInMemoryDB()
	require.NoError(t, err)
	defer db.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err = db.WithTxn(ctx, func(txn *badger.Txn) error {
		t.Fatal("transaction body should not run")
		return nil
	})
	assert.Error(t, err)
}

// TestScanPrefix verifies ordered iteration over a key prefix.
func TestScanPrefix(t *testing.T) {
	db, err := OpenInMemoryDB()
	require.NoError(t, err)
	defer db.Close()

	ctx := context.Background()
	err = db.WithTxn(ctx, func(txn *badger.Txn) error {
		for i := 0; i < 5; i++ {
			key := fmt.Sprintf("msg/s1/%012d", i)
			if err := txn.Set([]byte(key), []byte(fmt.Sprintf("v%d", i))); err != nil {
				return err
			}
		}
		// A key outside the prefix must not appear in the scan.
		return txn.Set([]byte("sess/u1/s1"), []byte("other"))
	})
	require.NoError(t, err)

	var got []string
	err = db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		return ScanPrefix(txn, []byte("msg/s1/"), func(key, value []byte) error {
			got = append(got, string(value))
			return nil
		})
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"v0", "v1", "v2", "v3", "v4"}, got,
		"scan should yield keys in lexicographic (chronological) order")
}

// TestDeletePrefix verifies bulk deletion under a prefix.
func TestDeletePrefix(t *testing.T) {
	db, err := OpenInMemoryDB()
	require.NoError(t, err)
	defer db.Close()

	ctx := context.Background()
	err = db.WithTxn(ctx, func(txn *badger.Txn) error {
		for i := 0; i < 3; i++ {
			if err := txn.Set([]byte(fmt.Sprintf("msg/s1/%d", i)), []byte("x")); err != nil {
				return err
			}
		}
		return txn.Set([]byte("msg/s2/0"), []byte("keep"))
	})
	require.NoError(t, err)

	var deleted int
	err = db.WithTxn(ctx, func(txn *badger.Txn) error {
		var derr error
		deleted, derr = DeletePrefix(txn, []byte("msg/s1/"))
		return derr
	})
	require.NoError(t, err)
	assert.Equal(t, 3, deleted)

	err = db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		_, err := txn.Get([]byte("msg/s2/0"))
		return err
	})
	assert.NoError(t, err, "keys outside the prefix must survive")
}
