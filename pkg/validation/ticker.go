// Copyright (C) 2025 Bering Quant (oss@beringquant.com)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package validation provides input validation utilities for security-critical operations.
//
// This package contains validators for user-provided inputs that are used in
// database queries, cache keys, file paths, or upstream provider URLs. Using
// these validators prevents injection attacks (Flux injection, URL tampering,
// path traversal through cache-key components).
package validation

import (
	"fmt"
	"regexp"
	"strings"
)

// tickerPattern matches valid stock ticker symbols.
// Allows: uppercase letters, digits, dots (BRK.A), hyphens (BF-B)
// Max length: 10 characters (covers most exchanges)
var tickerPattern = regexp.MustCompile(`^[A-Z0-9][A-Z0-9.\-]{0,9}$`)

// ValidateTicker validates a stock ticker symbol before it is spliced
// into a cache key, a provider URL, or a Flux query.
//
// Valid tickers:
//   - 1-10 characters
//   - Uppercase letters A-Z
//   - Digits 0-9
//   - Dots (.) for class shares like BRK.A
//   - Hyphens (-) for class shares like BF-B
//
// Returns an error if the ticker is invalid.
//
// Example:
//
//	if err := validation.ValidateTicker(ticker); err != nil {
//	    return nil, fmt.Errorf("invalid ticker: %w", err)
//	}
//	// Safe to use in a cache key or query
func ValidateTicker(ticker string) error {
	if ticker == "" {
		return fmt.Errorf("ticker cannot be empty")
	}

	if !tickerPattern.MatchString(ticker) {
		return fmt.Errorf("invalid ticker format: %q (must be 1-10 uppercase alphanumeric chars, dots, or hyphens)", ticker)
	}

	return nil
}

// ValidateTickers validates multiple ticker symbols.
// Returns an error listing all invalid tickers if any fail validation.
func ValidateTickers(tickers []string) error {
	var invalid []string
	for _, t := range tickers {
		if err := ValidateTicker(t); err != nil {
			invalid = append(invalid, t)
		}
	}

	if len(invalid) > 0 {
		return fmt.Errorf("invalid tickers: %v", invalid)
	}
	return nil
}

// SanitizeTicker normalizes and validates a ticker symbol.
// Returns the uppercase ticker if valid, or an error if invalid.
//
// Use this when you need both validation and normalization:
//
//	safeTicker, err := validation.SanitizeTicker(userInput)
//	if err != nil {
//	    return err
//	}
//	// safeTicker is uppercase and validated
func SanitizeTicker(ticker string) (string, error) {
	normalized := strings.ToUpper(strings.TrimSpace(ticker))
	if err := ValidateTicker(normalized); err != nil {
		return "", err
	}
	return normalized, nil
}
