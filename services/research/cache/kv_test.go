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
	"testing"
	"time"

	"github.com/nats-io/nats.go/jetstream"
)

type fakeEntry struct {
	key   string
	value []byte
}

func (e *fakeEntry) Bucket() string                  { return "RESEARCH_CACHE" }
func (e *fakeEntry) Key() string                     { return e.key }
func (e *fakeEntry) Value() []byte                   { return e.value }
func (e *fakeEntry) Revision() uint64                { return 1 }
func (e *fakeEntry) Created() time.Time              { return time.Time{} }
func (e *fakeEntry) Delta() uint64                   { return 0 }
func (e *fakeEntry) Operation() jetstream.KeyValueOp { return jetstream.KeyValuePut }

// fakeBucket implements kvBucket over a plain map, with an optional
// injected failure.
type fakeBucket struct {
	entries map[string][]byte
	deleted []string
	err     error
}

func newFakeBucket() *fakeBucket {
	return &fakeBucket{entries: make(map[string][]byte)}
}

func (b *fakeBucket) Get(ctx context.Context, key string) (jetstream.KeyValueEntry, error) {
	if b.err != nil {
		return nil, b.err
	}
	data, ok := b.entries[key]
	if !ok {
		return nil, jetstream.ErrKeyNotFound
	}
	return &fakeEntry{key: key, value: data}, nil
}

func (b *fakeBucket) Put(ctx context.Context, key string, value []byte) (uint64, error) {
	if b.err != nil {
		return 0, b.err
	}
	b.entries[key] = value
	return 1, nil
}

func (b *fakeBucket) Delete(ctx context.Context, key string, opts ...jetstream.KVDeleteOpt) error {
	if b.err != nil {
		return b.err
	}
	delete(b.entries, key)
	b.deleted = append(b.deleted, key)
	return nil
}

func newTestKV(bucket kvBucket) *KV {
	return &KV{kv: bucket, now: time.Now}
}

func TestKV_SetGet(t *testing.T) {
	bucket := newFakeBucket()
	c := newTestKV(bucket)
	ctx := context.Background()

	if err := c.Set(ctx, "financials:AAPL:2024Q2", map[string]string{"quarter": "2024Q2"}, time.Hour); err != nil {
		t.Fatalf("Set: %v", err)
	}

	// The stored key must use the NATS-safe charset.
	if _, ok := bucket.entries["financials.AAPL.2024Q2"]; !ok {
		t.Fatalf("sanitized key absent, stored keys: %v", bucket.entries)
	}

	raw, ok, err := c.Get(ctx, "financials:AAPL:2024Q2")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !ok {
		t.Fatal("Get: expected hit")
	}

	var got map[string]string
	if err := json.Unmarshal(raw, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got["quarter"] != "2024Q2" {
		t.Errorf("quarter = %q, want 2024Q2", got["quarter"])
	}
}

func TestKV_MissOnAbsentKey(t *testing.T) {
	c := newTestKV(newFakeBucket())
	_, ok, err := c.Get(context.Background(), "absent")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if ok {
		t.Error("absent key reported a hit")
	}
}

func TestKV_ExpiredEntryEvicted(t *testing.T) {
	bucket := newFakeBucket()
	c := newTestKV(bucket)
	ctx := context.Background()

	current := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return current }

	if err := c.Set(ctx, "k", "v", time.Minute); err != nil {
		t.Fatalf("Set: %v", err)
	}

	current = current.Add(2 * time.Minute)
	_, ok, err := c.Get(ctx, "k")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if ok {
		t.Error("expired entry reported a hit")
	}
	if len(bucket.deleted) != 1 || bucket.deleted[0] != "k" {
		t.Errorf("expired entry not deleted, deletions: %v", bucket.deleted)
	}
}

func TestKV_ZeroTTLNeverExpires(t *testing.T) {
	c := newTestKV(newFakeBucket())
	ctx := context.Background()

	current := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return current }

	if err := c.Set(ctx, "k", "v", 0); err != nil {
		t.Fatalf("Set: %v", err)
	}

	current = current.Add(24 * 365 * time.Hour)
	if _, ok, _ := c.Get(ctx, "k"); !ok {
		t.Error("zero-TTL entry expired")
	}
}

func TestKV_BackendErrorWrapsSentinel(t *testing.T) {
	bucket := newFakeBucket()
	bucket.err = errors.New("nats: connection closed")
	c := newTestKV(bucket)
	ctx := context.Background()

	_, _, err := c.Get(ctx, "k")
	if !errors.Is(err, ErrBackendUnavailable) {
		t.Errorf("Get error = %v, want ErrBackendUnavailable", err)
	}

	err = c.Set(ctx, "k", "v", 0)
	if !errors.Is(err, ErrBackendUnavailable) {
		t.Errorf("Set error = %v, want ErrBackendUnavailable", err)
	}
}

func TestSanitizeKey(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"market_data:AAPL:2024-06-03", "market_data.AAPL.2024-06-03"},
		{"checkpoint:thread:7", "checkpoint.thread.7"},
		{"plain", "plain"},
	}
	for _, tt := range tests {
		if got := sanitizeKey(tt.in); got != tt.want {
			t.Errorf("sanitizeKey(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
