// Copyright (C) 2025 Bering Quant (oss@beringquant.com)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// Memory is an in-process Cache backed by a mutex-guarded map.
//
// Description:
//
//	Stores marshaled JSON values with an absolute expiry instant per
//	entry (zero time means never). Expired entries are deleted by the
//	Get that finds them. Suitable for single-process pipelines and
//	tests; use KV when several processes must share cached data.
//
// Thread Safety: safe for concurrent use.
type Memory struct {
	mu    sync.Mutex
	store map[string]memoryEntry

	// now is replaceable in tests to step the clock past expiries.
	now func() time.Time
}

type memoryEntry struct {
	value     json.RawMessage
	expiresAt time.Time
}

// NewMemory creates an empty in-memory cache.
func NewMemory() *Memory {
	return &Memory{
		store: make(map[string]memoryEntry),
		now:   time.Now,
	}
}

// Get returns the value stored under key, or ok=false when the key is
// absent or expired. An expired entry is removed before returning.
func (m *Memory) Get(ctx context.Context, key string) (json.RawMessage, bool, error) {
	start := m.now()

	m.mu.Lock()
	entry, ok := m.store[key]
	if ok && !entry.expiresAt.IsZero() && m.now().After(entry.expiresAt) {
		delete(m.store, key)
		ok = false
		recordEviction(ctx, "memory")
	}
	m.mu.Unlock()

	recordGet(ctx, "memory", ok, m.now().Sub(start))
	if !ok {
		return nil, false, nil
	}
	return entry.value, true, nil
}

// Set stores value under key. ttl == 0 keeps the entry forever.
func (m *Memory) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("cache.memory: marshal %q: %w", key, err)
	}

	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = m.now().Add(ttl)
	}

	m.mu.Lock()
	m.store[key] = memoryEntry{value: data, expiresAt: expiresAt}
	m.mu.Unlock()
	return nil
}

// Len reports the number of live entries, counting expired entries that
// have not yet been evicted.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.store)
}
