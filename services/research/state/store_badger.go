// Copyright (C) 2025 Bering Quant (oss@beringquant.com)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	badgerdb "github.com/dgraph-io/badger/v4"

	"github.com/BeringQuant/BeringFOSS/services/research/datatypes"
	"github.com/BeringQuant/BeringFOSS/services/research/storage/badger"
)

// BadgerStore persists checkpoints in the embedded BadgerDB archive so
// history survives restarts without any external service.
//
// Keys are checkpoint:{threadID}:{stepIndex}, which makes a thread's
// full history one prefix scan.
type BadgerStore struct {
	db *badger.DB
}

// NewBadgerStore wraps an open archive database.
func NewBadgerStore(db *badger.DB) (*BadgerStore, error) {
	if db == nil {
		return nil, errors.New("state: badger db must not be nil")
	}
	return &BadgerStore{db: db}, nil
}

func badgerKey(id string) []byte {
	return []byte(checkpointKeyPrefix + id)
}

// Save writes the state JSON under checkpoint:{id}.
func (s *BadgerStore) Save(ctx context.Context, id string, st *datatypes.ResearchState) error {
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("state: marshal checkpoint %s: %w", id, err)
	}

	err = s.db.WithTxn(ctx, func(txn *badgerdb.Txn) error {
		return txn.Set(badgerKey(id), data)
	})
	if err != nil {
		return fmt.Errorf("state: archive checkpoint %s: %w", id, err)
	}
	return nil
}

// Load reads a checkpoint by ID.
func (s *BadgerStore) Load(ctx context.Context, id string) (*datatypes.ResearchState, error) {
	var st datatypes.ResearchState

	err := s.db.WithReadTxn(ctx, func(txn *badgerdb.Txn) error {
		item, err := txn.Get(badgerKey(id))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &st)
		})
	})
	if errors.Is(err, badgerdb.ErrKeyNotFound) {
		return nil, fmt.Errorf("state: checkpoint %s: %w", id, ErrCheckpointNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("state: load checkpoint %s: %w", id, err)
	}
	return &st, nil
}

// ListThread returns the checkpoint IDs archived for one thread, in
// key order (numeric step order for steps of equal digit length; the
// archive is an audit surface, exact ordering comes from the manager's
// in-memory history).
func (s *BadgerStore) ListThread(ctx context.Context, threadID string) ([]string, error) {
	prefix := badgerKey(threadID + ":")
	var ids []string

	err := s.db.WithReadTxn(ctx, func(txn *badgerdb.Txn) error {
		opts := badgerdb.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = prefix

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			key := it.Item().Key()
			ids = append(ids, string(key[len(checkpointKeyPrefix):]))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("state: list thread %s: %w", threadID, err)
	}
	return ids, nil
}
