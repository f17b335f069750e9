// Copyright (C) 2025 Bering Quant (oss@beringquant.com)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package identity

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestResolve_MatchOrder(t *testing.T) {
	r, err := NewResolver()
	if err != nil {
		t.Fatalf("NewResolver: %v", err)
	}

	tests := []struct {
		query       string
		wantSymbol  string
		wantMatched string
	}{
		{"AAPL", "AAPL", "ticker"},
		{"aapl", "AAPL", "ticker"},
		{" msft ", "MSFT", "ticker"},
		{"BRK.B", "BRK.B", "ticker"},
		{"apple", "AAPL", "alias"},
		{"big blue", "IBM", "alias"},
		{"coke", "KO", "alias"},
		{"Apple Inc.", "AAPL", "company_name"},
		{"Johnson & Johnson", "JNJ", "company_name"},
		{"walt disney company", "DIS", "company_name"},
		{"NVIDIA Corporation", "NVDA", "company_name"},
	}

	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			id, err := r.Resolve(tt.query)
			if err != nil {
				t.Fatalf("Resolve(%q): %v", tt.query, err)
			}
			if id.Symbol != tt.wantSymbol {
				t.Errorf("symbol = %q, want %q", id.Symbol, tt.wantSymbol)
			}
			if id.MatchedOn != tt.wantMatched {
				t.Errorf("matched_on = %q, want %q", id.MatchedOn, tt.wantMatched)
			}
			if id.Query != tt.query {
				t.Errorf("query = %q, want original %q", id.Query, tt.query)
			}
		})
	}
}

func TestResolve_Unresolved(t *testing.T) {
	r, err := NewResolver()
	if err != nil {
		t.Fatalf("NewResolver: %v", err)
	}

	for _, query := range []string{"", "   ", "some unknown startup", "ZZZZZZ"} {
		if _, err := r.Resolve(query); !errors.Is(err, ErrUnresolved) {
			t.Errorf("Resolve(%q) err = %v, want ErrUnresolved", query, err)
		}
	}
}

func TestNormalize(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"Apple Inc.", "apple"},
		{"Procter & Gamble Company", "procter and gamble"},
		{"Coca-Cola Company", "coca cola"},
		{"  NVIDIA   Corporation ", "nvidia"},
		{"Co", "co"}, // a lone suffix word survives
	}
	for _, tt := range tests {
		if got := normalize(tt.in); got != tt.want {
			t.Errorf("normalize(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestNewResolverFromFiles(t *testing.T) {
	dir := t.TempDir()
	csvPath := filepath.Join(dir, "companies.csv")
	aliasPath := filepath.Join(dir, "aliases.json")

	csvDoc := "symbol,market,company_name\nACME,US,Acme Widgets Inc.\n"
	if err := os.WriteFile(csvPath, []byte(csvDoc), 0600); err != nil {
		t.Fatalf("write csv: %v", err)
	}
	if err := os.WriteFile(aliasPath, []byte(`{"widgets": "ACME"}`), 0600); err != nil {
		t.Fatalf("write aliases: %v", err)
	}

	r, err := NewResolverFromFiles(csvPath, aliasPath)
	if err != nil {
		t.Fatalf("NewResolverFromFiles: %v", err)
	}
	if r.Size() != 1 {
		t.Errorf("size = %d, want 1", r.Size())
	}

	id, err := r.Resolve("widgets")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if id.Symbol != "ACME" || id.MatchedOn != "alias" {
		t.Errorf("identity = %+v", id)
	}
}

func TestNewResolverFromFiles_BadAlias(t *testing.T) {
	dir := t.TempDir()
	csvPath := filepath.Join(dir, "companies.csv")
	aliasPath := filepath.Join(dir, "aliases.json")

	if err := os.WriteFile(csvPath, []byte("symbol,market,company_name\nACME,US,Acme Inc.\n"), 0600); err != nil {
		t.Fatalf("write csv: %v", err)
	}
	if err := os.WriteFile(aliasPath, []byte(`{"ghost": "NOPE"}`), 0600); err != nil {
		t.Fatalf("write aliases: %v", err)
	}

	if _, err := NewResolverFromFiles(csvPath, aliasPath); err == nil {
		t.Error("alias to unknown symbol accepted")
	}
}
