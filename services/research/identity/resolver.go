// Copyright (C) 2025 Bering Quant (oss@beringquant.com)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package identity resolves free-text research queries to company
// identities.
//
// Resolution is static: a reference CSV of (symbol, market, company
// name) rows and a JSON alias table, both shipped embedded and both
// replaceable from config. Match order is ticker, alias, then
// normalized company name; the first hit wins and MatchedOn records
// which stage matched.
package identity

import (
	"embed"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"unicode"

	"github.com/BeringQuant/BeringFOSS/pkg/validation"
	"github.com/BeringQuant/BeringFOSS/services/research/datatypes"
)

//go:embed data/companies.csv data/aliases.json
var defaultData embed.FS

// ErrUnresolved is returned when no reference row matches the query.
var ErrUnresolved = errors.New("query did not resolve to a known company")

// referenceRow is one company in the reference table.
type referenceRow struct {
	symbol      string
	market      string
	companyName string
}

// Resolver maps queries to company identities using in-memory tables.
//
// # Thread Safety
//
// Safe for concurrent use after construction; the tables are read-only.
type Resolver struct {
	bySymbol map[string]referenceRow
	byName   map[string]string // normalized company name -> symbol
	aliases  map[string]string // normalized alias -> symbol
}

// NewResolver loads the embedded reference tables.
func NewResolver() (*Resolver, error) {
	companies, err := defaultData.Open("data/companies.csv")
	if err != nil {
		return nil, fmt.Errorf("identity: open embedded companies: %w", err)
	}
	defer companies.Close()

	aliases, err := defaultData.ReadFile("data/aliases.json")
	if err != nil {
		return nil, fmt.Errorf("identity: open embedded aliases: %w", err)
	}

	return build(companies, aliases)
}

// NewResolverFromFiles loads reference tables from disk, for deployments
// that maintain their own company universe. An empty aliasPath skips
// the alias table.
func NewResolverFromFiles(csvPath, aliasPath string) (*Resolver, error) {
	companies, err := os.Open(csvPath)
	if err != nil {
		return nil, fmt.Errorf("identity: open companies %s: %w", csvPath, err)
	}
	defer companies.Close()

	var aliases []byte
	if aliasPath != "" {
		aliases, err = os.ReadFile(aliasPath)
		if err != nil {
			return nil, fmt.Errorf("identity: open aliases %s: %w", aliasPath, err)
		}
	}

	return build(companies, aliases)
}

func build(companies io.Reader, aliasJSON []byte) (*Resolver, error) {
	r := &Resolver{
		bySymbol: make(map[string]referenceRow),
		byName:   make(map[string]string),
		aliases:  make(map[string]string),
	}

	reader := csv.NewReader(companies)
	records, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("identity: parse companies csv: %w", err)
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("identity: companies table is empty")
	}

	for i, rec := range records {
		if i == 0 && strings.EqualFold(rec[0], "symbol") {
			continue
		}
		if len(rec) < 3 {
			return nil, fmt.Errorf("identity: companies row %d has %d columns, want 3", i+1, len(rec))
		}
		row := referenceRow{
			symbol:      strings.ToUpper(strings.TrimSpace(rec[0])),
			market:      strings.TrimSpace(rec[1]),
			companyName: strings.TrimSpace(rec[2]),
		}
		if err := validation.ValidateTicker(row.symbol); err != nil {
			return nil, fmt.Errorf("identity: companies row %d: %w", i+1, err)
		}
		r.bySymbol[row.symbol] = row
		r.byName[normalize(row.companyName)] = row.symbol
	}

	if len(aliasJSON) > 0 {
		raw := make(map[string]string)
		if err := json.Unmarshal(aliasJSON, &raw); err != nil {
			return nil, fmt.Errorf("identity: parse aliases: %w", err)
		}
		for alias, symbol := range raw {
			symbol = strings.ToUpper(symbol)
			if _, ok := r.bySymbol[symbol]; !ok {
				return nil, fmt.Errorf("identity: alias %q points at unknown symbol %s", alias, symbol)
			}
			r.aliases[normalize(alias)] = symbol
		}
	}

	return r, nil
}

// Resolve maps a free-text query to a company identity.
//
// Match order: exact upper-cased ticker, alias table, normalized
// company name. MatchedOn is "ticker", "alias", or "company_name"
// accordingly; Query echoes the original input.
func (r *Resolver) Resolve(query string) (datatypes.CompanyIdentity, error) {
	trimmed := strings.TrimSpace(query)
	if trimmed == "" {
		return datatypes.CompanyIdentity{}, fmt.Errorf("identity: empty query: %w", ErrUnresolved)
	}

	if row, ok := r.bySymbol[strings.ToUpper(trimmed)]; ok {
		return r.identity(row, "ticker", query), nil
	}

	norm := normalize(trimmed)
	if symbol, ok := r.aliases[norm]; ok {
		return r.identity(r.bySymbol[symbol], "alias", query), nil
	}
	if symbol, ok := r.byName[norm]; ok {
		return r.identity(r.bySymbol[symbol], "company_name", query), nil
	}

	return datatypes.CompanyIdentity{}, fmt.Errorf("identity: %q: %w", query, ErrUnresolved)
}

func (r *Resolver) identity(row referenceRow, matchedOn, query string) datatypes.CompanyIdentity {
	return datatypes.CompanyIdentity{
		Symbol:      row.symbol,
		Market:      row.market,
		CompanyName: row.companyName,
		MatchedOn:   matchedOn,
		Query:       query,
	}
}

// Size reports the number of companies in the reference table.
func (r *Resolver) Size() int { return len(r.bySymbol) }

// corporateSuffixes are dropped during normalization so "Apple Inc."
// and "apple" compare equal.
var corporateSuffixes = []string{
	"inc", "incorporated", "corp", "corporation", "company", "co",
	"ltd", "limited", "plc", "holdings", "group",
}

// normalize lower-cases, strips punctuation, collapses whitespace, and
// drops trailing corporate suffixes.
func normalize(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
		case r == '&':
			b.WriteString(" and ")
		default:
			b.WriteRune(' ')
		}
	}

	words := strings.Fields(b.String())
	for len(words) > 1 {
		last := words[len(words)-1]
		if !isSuffix(last) {
			break
		}
		words = words[:len(words)-1]
	}
	return strings.Join(words, " ")
}

func isSuffix(word string) bool {
	for _, s := range corporateSuffixes {
		if word == s {
			return true
		}
	}
	return false
}
