// Copyright (C) 2025 Bering Quant (oss@beringquant.com)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package snapshot

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
)

// floatPrecision is the decimal precision float leaves are rounded to
// before hashing, so hashes survive float formatting drift between
// independently computed inputs.
const floatPrecision = 1e12

// canonicalize serializes v into its canonical byte form: mapping keys
// sorted lexicographically, float leaves rounded to 12 decimal digits,
// compact separators, no incidental whitespace.
//
// The value is first marshaled and re-read as a generic tree, which
// collapses Go struct field order, pointer indirection, and time.Time
// values into plain JSON shapes; encoding/json then emits map keys in
// sorted order natively, so the second marshal is the canonical form.
func canonicalize(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("snapshot: marshal seed: %w", err)
	}

	var tree any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&tree); err != nil {
		return nil, fmt.Errorf("snapshot: reparse seed: %w", err)
	}

	tree = normalize(tree)

	canonical, err := json.Marshal(tree)
	if err != nil {
		return nil, fmt.Errorf("snapshot: marshal canonical form: %w", err)
	}
	return canonical, nil
}

// contentHash returns the SHA-256 hex digest of v's canonical form.
func contentHash(v any) (string, error) {
	canonical, err := canonicalize(v)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// normalize walks the generic JSON tree rounding every float leaf.
// Integral json.Number values pass through untouched so int64 volumes
// never pick up a decimal point.
func normalize(v any) any {
	switch t := v.(type) {
	case map[string]any:
		for k, child := range t {
			t[k] = normalize(child)
		}
		return t
	case []any:
		for i, child := range t {
			t[i] = normalize(child)
		}
		return t
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return i
		}
		f, err := t.Float64()
		if err != nil {
			// Out-of-range literal; keep the source text.
			return t
		}
		return roundFloat(f)
	default:
		return v
	}
}

// roundFloat rounds to 12 decimal digits, normalizing negative zero so
// -0.0 and 0.0 hash identically.
func roundFloat(f float64) float64 {
	r := math.Round(f*floatPrecision) / floatPrecision
	if r == 0 {
		return 0
	}
	return r
}
