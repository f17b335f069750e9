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
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// KVConfig configures the JetStream key-value cache backend.
type KVConfig struct {
	// Bucket is the JetStream KV bucket name.
	Bucket string

	// Description is stored on the bucket when it is created.
	Description string
}

// DefaultKVConfig returns the standard research cache bucket settings.
func DefaultKVConfig() KVConfig {
	return KVConfig{
		Bucket:      "RESEARCH_CACHE",
		Description: "Shared TTL cache for market data, financials, and checkpoints",
	}
}

// kvBucket is the subset of jetstream.KeyValue the cache uses.
type kvBucket interface {
	Get(ctx context.Context, key string) (jetstream.KeyValueEntry, error)
	Put(ctx context.Context, key string, value []byte) (uint64, error)
	Delete(ctx context.Context, key string, opts ...jetstream.KVDeleteOpt) error
}

// kvEnvelope wraps a stored value with its absolute expiry so TTL
// semantics survive the trip through a backend that has no native
// per-entry TTL. exp is unix seconds; 0 means never expires.
type kvEnvelope struct {
	Value     json.RawMessage `json:"v"`
	ExpiresAt int64           `json:"exp"`
}

// KV is a Cache backed by a NATS JetStream key-value bucket, for
// deployments where several processes share one cache.
//
// Description:
//
//	Values are stored as a small JSON envelope carrying the payload and
//	an absolute expiry. Expiry is enforced on read: a Get that finds an
//	expired envelope deletes the key and reports a miss, identical to
//	the in-memory backend. Colons in cache keys are mapped to dots
//	because the NATS key charset excludes ':'.
//
// Thread Safety: safe for concurrent use.
type KV struct {
	kv  kvBucket
	now func() time.Time
}

// NewKV connects the cache to a JetStream KV bucket, creating the
// bucket if it does not exist.
func NewKV(ctx context.Context, nc *nats.Conn, cfg KVConfig) (*KV, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("cache.kv: bucket name is required")
	}

	js, err := jetstream.New(nc)
	if err != nil {
		return nil, fmt.Errorf("cache.kv: jetstream context: %w", err)
	}

	// CreateOrUpdateKeyValue is idempotent, so concurrent starts of
	// several processes against the same bucket are safe.
	bucket, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      cfg.Bucket,
		Description: cfg.Description,
	})
	if err != nil {
		return nil, fmt.Errorf("cache.kv: create bucket %q: %w: %v", cfg.Bucket, ErrBackendUnavailable, err)
	}

	return &KV{kv: bucket, now: time.Now}, nil
}

// Get returns the value stored under key, or ok=false when the key is
// absent or its envelope has expired.
func (c *KV) Get(ctx context.Context, key string) (json.RawMessage, bool, error) {
	start := c.now()
	entry, err := c.kv.Get(ctx, sanitizeKey(key))
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			recordGet(ctx, "kv", false, c.now().Sub(start))
			return nil, false, nil
		}
		recordError(ctx, "kv", "get")
		return nil, false, fmt.Errorf("cache.kv: get %q: %w: %v", key, ErrBackendUnavailable, err)
	}

	var env kvEnvelope
	if err := json.Unmarshal(entry.Value(), &env); err != nil {
		recordError(ctx, "kv", "get")
		return nil, false, fmt.Errorf("cache.kv: decode %q: %w", key, err)
	}

	if env.ExpiresAt > 0 && c.now().Unix() > env.ExpiresAt {
		// Lazy eviction. Best effort: a failed delete just leaves the
		// entry for the next reader to retire.
		_ = c.kv.Delete(ctx, sanitizeKey(key))
		recordEviction(ctx, "kv")
		recordGet(ctx, "kv", false, c.now().Sub(start))
		return nil, false, nil
	}

	recordGet(ctx, "kv", true, c.now().Sub(start))
	return env.Value, true, nil
}

// Set stores value under key. ttl == 0 keeps the entry until it is
// overwritten or the bucket is purged.
func (c *KV) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("cache.kv: marshal %q: %w", key, err)
	}

	env := kvEnvelope{Value: raw}
	if ttl > 0 {
		env.ExpiresAt = c.now().Add(ttl).Unix()
	}

	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("cache.kv: marshal envelope %q: %w", key, err)
	}

	if _, err := c.kv.Put(ctx, sanitizeKey(key), data); err != nil {
		recordError(ctx, "kv", "set")
		return fmt.Errorf("cache.kv: put %q: %w: %v", key, ErrBackendUnavailable, err)
	}
	return nil
}

// sanitizeKey maps cache keys onto the NATS KV key charset. Cache keys
// use ':' as a namespace separator; NATS uses '.'.
func sanitizeKey(key string) string {
	return strings.ReplaceAll(key, ":", ".")
}
