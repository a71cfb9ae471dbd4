package transformer

import (
	"fmt"

	"github.com/rs/zerolog"

	"sira/internal/address"
)

// Columns of the postal code lookup file.
const (
	CapSourceIstat = "Istat"
	CapSourceCAP   = "CAP"
)

// JoinMiss reports a record whose join key had no lookup entry. It is
// informational; the record is kept without the joined field.
type JoinMiss struct {
	Key   string
	Index int // position of the record in the result set
}

func (m JoinMiss) Error() string {
	return fmt.Sprintf("join: no entry for key %q (record %d)", m.Key, m.Index)
}

// Lookup maps a join key to its value.
type Lookup map[string]string

// BuildLookup projects keyColumn and valueColumn out of rows (header found
// with the same rule as the address files) and indexes the values by key.
// When a key repeats, the later row overwrites the earlier one.
func BuildLookup(rows [][]string, keyColumn, valueColumn, file string) (Lookup, error) {
	p := Projection{Source: []string{keyColumn, valueColumn}, Alias: []string{"key", "value"}}
	pairs, err := p.Apply(rows, file)
	if err != nil {
		return nil, err
	}
	lk := make(Lookup, len(pairs))
	for _, kv := range pairs {
		lk[kv[0]] = kv[1]
	}
	return lk, nil
}

// JoinInPlace sets outputField on every record whose recordKey value is in
// lk. Records without a match are left untouched and reported once each,
// both in the returned slice and as a warning on log. The record count never
// changes.
func JoinInPlace(
	records []address.Record,
	lk Lookup,
	recordKey, outputField string,
	log zerolog.Logger,
) ([]JoinMiss, error) {
	if !address.IsColumn(recordKey) {
		return nil, fmt.Errorf("join: unknown record key column %q", recordKey)
	}
	if !address.IsColumn(outputField) {
		return nil, fmt.Errorf("join: unknown output column %q", outputField)
	}

	var misses []JoinMiss
	for i := range records {
		key, _ := records[i].Get(recordKey)
		v, ok := lk[key]
		if !ok {
			miss := JoinMiss{Key: key, Index: i}
			log.Warn().Str(recordKey, key).Int("record", i).Msgf("could not find %s for %s %s", outputField, recordKey, key)
			misses = append(misses, miss)
			continue
		}
		if err := records[i].Set(outputField, v); err != nil {
			return misses, err
		}
	}
	return misses, nil
}
