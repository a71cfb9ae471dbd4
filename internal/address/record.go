// Package address defines the canonical address record produced by the
// projection stage and consumed by the join, render, and storage stages.
//
// A Record carries a fixed set of named columns instead of a free-form map so
// that every stage agrees on the schema at compile time. The postal code
// (cap) is the only optional column: it is set by the join stage and may be
// absent when the lookup has no entry for the record's ISTAT code.
package address

import (
	"fmt"
	"strings"
)

// Canonical column names, in output order.
const (
	ColCodiceIstat = "codiceistat"
	ColSiglaProv   = "siglaprov"
	ColComune      = "comune"
	ColLocalita    = "localita"
	ColIndirizzo   = "indirizzo"
	ColLong        = "long"
	ColLat         = "lat"
	ColCap         = "cap"
)

// Columns lists the required canonical columns in output order. Cap is not
// included; see ColumnsWithCap.
var Columns = []string{
	ColCodiceIstat,
	ColSiglaProv,
	ColComune,
	ColLocalita,
	ColIndirizzo,
	ColLong,
	ColLat,
}

// ColumnsWithCap returns the canonical columns followed by cap.
func ColumnsWithCap() []string {
	out := make([]string, 0, len(Columns)+1)
	out = append(out, Columns...)
	return append(out, ColCap)
}

// IsColumn reports whether name is a canonical column (cap included).
func IsColumn(name string) bool {
	if name == ColCap {
		return true
	}
	for _, c := range Columns {
		if c == name {
			return true
		}
	}
	return false
}

// Record is one address row in canonical form.
type Record struct {
	CodiceIstat string
	SiglaProv   string
	Comune      string
	Localita    string
	Indirizzo   string
	Long        string
	Lat         string

	// Cap is meaningful only when HasCap is true.
	Cap    string
	HasCap bool
}

// FromValues builds a Record from parallel name/value slices. Every required
// canonical column must be present in names; a cap entry, if present, sets
// the optional postal code. Unknown names are rejected.
func FromValues(names, values []string) (Record, error) {
	if len(names) != len(values) {
		return Record{}, fmt.Errorf("address: %d names for %d values", len(names), len(values))
	}
	var (
		r    Record
		seen = make(map[string]bool, len(names))
	)
	for i, n := range names {
		if err := r.Set(n, values[i]); err != nil {
			return Record{}, err
		}
		seen[n] = true
	}
	var missing []string
	for _, c := range Columns {
		if !seen[c] {
			missing = append(missing, c)
		}
	}
	if len(missing) > 0 {
		return Record{}, fmt.Errorf("address: missing canonical columns: %s", strings.Join(missing, ", "))
	}
	return r, nil
}

// Get returns the value of the named column. ok is false for unknown names
// and for cap when it has not been set.
func (r *Record) Get(name string) (string, bool) {
	switch name {
	case ColCodiceIstat:
		return r.CodiceIstat, true
	case ColSiglaProv:
		return r.SiglaProv, true
	case ColComune:
		return r.Comune, true
	case ColLocalita:
		return r.Localita, true
	case ColIndirizzo:
		return r.Indirizzo, true
	case ColLong:
		return r.Long, true
	case ColLat:
		return r.Lat, true
	case ColCap:
		return r.Cap, r.HasCap
	}
	return "", false
}

// Set assigns the named column.
func (r *Record) Set(name, value string) error {
	switch name {
	case ColCodiceIstat:
		r.CodiceIstat = value
	case ColSiglaProv:
		r.SiglaProv = value
	case ColComune:
		r.Comune = value
	case ColLocalita:
		r.Localita = value
	case ColIndirizzo:
		r.Indirizzo = value
	case ColLong:
		r.Long = value
	case ColLat:
		r.Lat = value
	case ColCap:
		r.Cap = value
		r.HasCap = true
	default:
		return fmt.Errorf("address: unknown column %q", name)
	}
	return nil
}

// Values returns the values for cols in order. Unset or unknown columns
// yield the empty string.
func (r *Record) Values(cols []string) []string {
	out := make([]string, len(cols))
	for i, c := range cols {
		out[i], _ = r.Get(c)
	}
	return out
}

// UnescapeQuotes reverses the backslash-quote escaping applied during
// projection. Sinks that bind values as parameters use it to store the
// original text.
func UnescapeQuotes(s string) string {
	return strings.ReplaceAll(s, `\'`, `'`)
}
