// Copyright (C) 2025 Bering Quant (oss@beringquant.com)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package cache provides the JSON value cache used by the research data
// services and the checkpoint store.
//
// Two backends implement the same contract: Memory for single-process
// runs and KV (NATS JetStream key-value) for shared, multi-process
// deployments. Callers hold the Cache interface and never know which is
// active. Expiry is lazy: an expired entry is deleted on the read that
// discovers it, no sweeper goroutine runs.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// DefaultTTL is the cache lifetime for fetched market and financial
// data when the caller does not override it.
const DefaultTTL = 24 * time.Hour

// ErrBackendUnavailable reports that the cache backend could not be
// reached. Get and Set wrap connectivity failures with this sentinel so
// callers can distinguish an unreachable backend from a plain miss.
var ErrBackendUnavailable = errors.New("cache backend unavailable")

// Cache stores JSON documents under string keys with per-entry TTL.
//
// # Description
//
// Get returns the raw JSON for key and whether it was present. A key
// whose TTL has passed behaves exactly as if it were never set. Set
// marshals value to JSON and stores it; ttl == 0 means the entry never
// expires.
//
// # Thread Safety
//
// Implementations are safe for concurrent use.
type Cache interface {
	Get(ctx context.Context, key string) (json.RawMessage, bool, error)
	Set(ctx context.Context, key string, value any, ttl time.Duration) error
}

// GetJSON reads key and unmarshals the hit into out. The bool reports
// whether the key was present; out is untouched on a miss.
func GetJSON(ctx context.Context, c Cache, key string, out any) (bool, error) {
	raw, ok, err := c.Get(ctx, key)
	if err != nil || !ok {
		return false, err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return false, err
	}
	return true, nil
}
