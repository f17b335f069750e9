// Copyright (C) 2025 Bering Quant (oss@beringquant.com)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package state

import (
	"context"
	"fmt"
	"time"

	"github.com/BeringQuant/BeringFOSS/services/research/cache"
	"github.com/BeringQuant/BeringFOSS/services/research/datatypes"
)

// checkpointKeyPrefix namespaces checkpoint entries in the shared cache.
const checkpointKeyPrefix = "checkpoint:"

// DefaultCheckpointTTL bounds how long cache-backed checkpoints live.
// A week covers rollback and audit of any realistic session.
const DefaultCheckpointTTL = 7 * 24 * time.Hour

// CacheStore persists checkpoints in the shared TTL cache, for
// deployments where several researchd replicas must see each other's
// checkpoints without a shared filesystem.
type CacheStore struct {
	cache cache.Cache
	ttl   time.Duration
}

// NewCacheStore wraps a cache as a checkpoint store. ttl <= 0 selects
// DefaultCheckpointTTL.
func NewCacheStore(c cache.Cache, ttl time.Duration) *CacheStore {
	if ttl <= 0 {
		ttl = DefaultCheckpointTTL
	}
	return &CacheStore{cache: c, ttl: ttl}
}

// Save stores the state JSON under checkpoint:{id}.
func (s *CacheStore) Save(ctx context.Context, id string, st *datatypes.ResearchState) error {
	if err := s.cache.Set(ctx, checkpointKeyPrefix+id, st, s.ttl); err != nil {
		return fmt.Errorf("state: cache checkpoint %s: %w", id, err)
	}
	return nil
}

// Load reads a checkpoint back, treating a cache miss (absent or
// expired) as ErrCheckpointNotFound.
func (s *CacheStore) Load(ctx context.Context, id string) (*datatypes.ResearchState, error) {
	var st datatypes.ResearchState
	ok, err := cache.GetJSON(ctx, s.cache, checkpointKeyPrefix+id, &st)
	if err != nil {
		return nil, fmt.Errorf("state: load checkpoint %s: %w", id, err)
	}
	if !ok {
		return nil, fmt.Errorf("state: checkpoint %s: %w", id, ErrCheckpointNotFound)
	}
	return &st, nil
}
