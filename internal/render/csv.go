package render

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"

	"sira/internal/address"
)

// CSVColumns returns the delimited output header: the canonical columns,
// plus cap when the join stage ran.
func CSVColumns(withCap bool) []string {
	if withCap {
		return address.ColumnsWithCap()
	}
	return append([]string(nil), address.Columns...)
}

// WriteCSV writes a header row of cols followed by one comma-separated row
// per record. Fields are quoted only when needed.
func WriteCSV(w io.Writer, recs []address.Record, cols []string) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(cols); err != nil {
		return fmt.Errorf("write csv header: %w", err)
	}
	for i := range recs {
		if err := cw.Write(recs[i].Values(cols)); err != nil {
			return fmt.Errorf("write csv record %d: %w", i, err)
		}
	}
	cw.Flush()
	return cw.Error()
}

// WriteCSVFile is WriteCSV into a newly created (or truncated) file.
func WriteCSVFile(path string, recs []address.Record, cols []string) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create csv output %s: %w", path, err)
	}
	defer func() {
		if cerr := f.Close(); err == nil && cerr != nil {
			err = fmt.Errorf("close csv output %s: %w", path, cerr)
		}
	}()
	return WriteCSV(f, recs, cols)
}
