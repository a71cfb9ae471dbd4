// Package transformer holds the in-memory transformations applied to parsed
// source rows: column projection with renaming, value normalization, and the
// left outer join that adds postal codes to address records.
package transformer

import (
	"fmt"
	"strings"

	"sira/internal/address"
	pcsv "sira/internal/parser/csv"
)

// Placeholder is the source value meaning "no value".
const Placeholder = "-"

// SourceColumns are the columns read from each SIRA export, aligned with
// address.Columns.
var SourceColumns = []string{
	"CODICEISTAT",
	"SIGLAPROV",
	"COMUNE",
	"LOCALITA",
	"INDIRIZZO",
	"LONG WGS84",
	"LAT WGS84",
}

// ProjectionError reports a projection column missing from a header row.
type ProjectionError struct {
	File   string
	Column string
}

func (e *ProjectionError) Error() string {
	if e.File == "" {
		return fmt.Sprintf("projection: column %q not found in header", e.Column)
	}
	return fmt.Sprintf("projection: column %q not found in header of %s", e.Column, e.File)
}

// Projection selects Source columns and renames them to Alias, position by
// position.
type Projection struct {
	Source []string
	Alias  []string
}

// AddressProjection maps SIRA export columns onto address columns.
func AddressProjection() Projection {
	return Projection{Source: SourceColumns, Alias: address.Columns}
}

// Indexes locates every Source column in header. file is used only for the
// error message.
func (p Projection) Indexes(header []string, file string) ([]int, error) {
	if len(p.Source) != len(p.Alias) {
		return nil, fmt.Errorf("projection: %d source columns for %d aliases", len(p.Source), len(p.Alias))
	}
	pos := make(map[string]int, len(header))
	for i, h := range header {
		if _, dup := pos[h]; !dup {
			pos[h] = i
		}
	}
	idx := make([]int, len(p.Source))
	for i, col := range p.Source {
		j, ok := pos[col]
		if !ok {
			return nil, &ProjectionError{File: file, Column: col}
		}
		idx[i] = j
	}
	return idx, nil
}

// Apply locates the header row (the first row with more than one field),
// then projects every following row. Each output row is aligned with Alias.
// A row shorter than the header yields empty strings for the missing cells.
func (p Projection) Apply(rows [][]string, file string) ([][]string, error) {
	header, body, ok := pcsv.FindHeader(rows)
	if !ok {
		return nil, &ProjectionError{File: file, Column: p.Source[0]}
	}
	idx, err := p.Indexes(header, file)
	if err != nil {
		return nil, err
	}

	out := make([][]string, 0, len(body))
	for _, row := range body {
		vals := make([]string, len(idx))
		for i, j := range idx {
			if j < len(row) {
				vals[i] = Normalize(row[j])
			}
		}
		out = append(out, vals)
	}
	return out, nil
}

// Normalize maps the placeholder to the empty string and escapes single
// quotes with a backslash. Only quotes are escaped; the result is not safe
// to splice into SQL by itself.
func Normalize(v string) string {
	if v == Placeholder {
		return ""
	}
	return strings.ReplaceAll(v, "'", `\'`)
}

// ProjectAddresses applies AddressProjection and builds address records.
func ProjectAddresses(rows [][]string, file string) ([]address.Record, error) {
	p := AddressProjection()
	projected, err := p.Apply(rows, file)
	if err != nil {
		return nil, err
	}
	out := make([]address.Record, 0, len(projected))
	for _, vals := range projected {
		rec, err := address.FromValues(p.Alias, vals)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", file, err)
		}
		out = append(out, rec)
	}
	return out, nil
}
