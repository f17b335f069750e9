// Copyright (C) 2025 Bering Quant (oss@beringquant.com)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package badger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestOpenInMemory verifies in-memory database creation works.
func TestOpenInMemory(t *testing.T) {
	db, err := OpenInMemory()
	require.NoError(t, err)
	defer db.Close()

	assert.True(t, db.InMemory())
	assert.Empty(t, db.Path())

	err = db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte("checkpoint:t1:0"), []byte(`{"thread_id":"t1"}`))
	})
	require.NoError(t, err)

	err = db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte("checkpoint:t1:0"))
		require.NoError(t, err)

		return item.Value(func(val []byte) error {
			assert.Equal(t, []byte(`{"thread_id":"t1"}`), val)
			return nil
		})
	})
	require.NoError(t, err)
}

// TestOpenDB_Persistent verifies data survives a close/reopen cycle.
func TestOpenDB_Persistent(t *testing.T) {
	dir := t.TempDir()

	cfg := DefaultConfig()
	cfg.Path = dir
	cfg.GCInterval = 0

	db, err := OpenDB(cfg)
	require.NoError(t, err)
	assert.Equal(t, dir, db.Path())
	assert.False(t, db.InMemory())

	err = db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte("checkpoint:t1:3"), []byte("state"))
	})
	require.NoError(t, err)
	require.NoError(t, db.Close())

	reopened, err := OpenDB(cfg)
	require.NoError(t, err)
	defer reopened.Close()

	err = reopened.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte("checkpoint:t1:3"))
		require.NoError(t, err)
		return item.Value(func(val []byte) error {
			assert.Equal(t, []byte("state"), val)
			return nil
		})
	})
	require.NoError(t, err)
}

// TestOpen_RequiresPath verifies persistent mode rejects an empty path.
func TestOpen_RequiresPath(t *testing.T) {
	_, err := Open(Config{})
	assert.Error(t, err)
}

func TestWithTxn_CommitsOnSuccess(t *testing.T) {
	db, err := OpenInMemory()
	require.NoError(t, err)
	defer db.Close()

	ctx := context.Background()
	err = db.WithTxn(ctx, func(txn *badger.Txn) error {
		return txn.Set([]byte("k"), []byte("v"))
	})
	require.NoError(t, err)

	err = db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		_, err := txn.Get([]byte("k"))
		return err
	})
	assert.NoError(t, err)
}

func TestWithTxn_DiscardsOnError(t *testing.T) {
	db, err := OpenInMemory()
	require.NoError(t, err)
	defer db.Close()

	ctx := context.Background()
	boom := errors.New("boom")
	err = db.WithTxn(ctx, func(txn *badger.Txn) error {
		if err := txn.Set([]byte("k"), []byte("v")); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	err = db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		_, err := txn.Get([]byte("k"))
		return err
	})
	assert.ErrorIs(t, err, badger.ErrKeyNotFound)
}

func TestWithTxn_CancelledContext(t *testing.T) {
	db, err := OpenInMemory()
	require.NoError(t, err)
	defer db.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err = db.WithTxn(ctx, func(txn *badger.Txn) error { return nil })
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNewGCRunner_Validation(t *testing.T) {
	db, err := OpenInMemory()
	require.NoError(t, err)
	defer db.Close()

	_, err = NewGCRunner(nil, time.Minute, 0.5, nil)
	assert.Error(t, err)

	_, err = NewGCRunner(db.DB, 0, 0.5, nil)
	assert.Error(t, err)

	_, err = NewGCRunner(db.DB, time.Minute, 1.5, nil)
	assert.Error(t, err)
}

func TestGCRunner_StopIsIdempotent(t *testing.T) {
	db, err := OpenInMemory()
	require.NoError(t, err)
	defer db.Close()

	runner, err := NewGCRunner(db.DB, 10*time.Millisecond, 0.5, nil)
	require.NoError(t, err)

	runner.Start()
	time.Sleep(25 * time.Millisecond)
	runner.Stop()
	runner.Stop()
}
