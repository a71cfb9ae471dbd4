// Package storage contains the database sink contracts and the backend
// factory. Backends register themselves by kind from their init functions;
// importing sira/internal/storage/all makes every built-in backend
// available.
//
// Sinks bind values as statement parameters (or COPY rows) instead of
// splicing text, so the stored values are exactly the projected values.
package storage

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"

	"sira/internal/address"
)

// Config selects and configures a backend.
type Config struct {
	Kind  string // "sqlite", "postgres"
	DSN   string
	Table string

	// Columns is the ordered list of destination columns.
	Columns []string

	// Append keeps an existing table and its rows. By default the table is
	// dropped and recreated so each load holds exactly one run.
	Append bool
}

// Repository is the contract every backend implements.
type Repository interface {
	// EnsureTable prepares the destination table with one TEXT column per
	// configured column. Unless Config.Append is set an existing table is
	// replaced; with Append it is created only when missing.
	EnsureTable(ctx context.Context) error

	// CopyFrom inserts rows aligned with columns and returns the number of
	// rows written.
	CopyFrom(ctx context.Context, columns []string, rows [][]any) (int64, error)

	Close()
}

// Factory opens a Repository for cfg.
type Factory func(ctx context.Context, cfg Config) (Repository, error)

var (
	mu        sync.RWMutex
	factories = map[string]Factory{}
)

// Register registers (or replaces) the factory for kind.
func Register(kind string, f Factory) {
	mu.Lock()
	defer mu.Unlock()
	factories[kind] = f
}

// Kinds lists the registered backend kinds, sorted.
func Kinds() []string {
	mu.RLock()
	defer mu.RUnlock()
	out := make([]string, 0, len(factories))
	for k := range factories {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// New validates cfg and opens the registered backend for cfg.Kind.
func New(ctx context.Context, cfg Config) (Repository, error) {
	mu.RLock()
	f, ok := factories[cfg.Kind]
	mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("storage: unknown kind %q (registered: %s)", cfg.Kind, strings.Join(Kinds(), ", "))
	}
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("storage: %s: DSN must not be empty", cfg.Kind)
	}
	if err := ValidateIdent(cfg.Table, true); err != nil {
		return nil, err
	}
	if len(cfg.Columns) == 0 {
		return nil, fmt.Errorf("storage: columns must not be empty")
	}
	for _, c := range cfg.Columns {
		if err := ValidateIdent(c, false); err != nil {
			return nil, err
		}
	}
	return f(ctx, cfg)
}

var (
	identRe     = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
	qualifiedRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)?$`)
)

// ValidateIdent accepts plain SQL identifiers; qualified also allows a
// single "schema." prefix.
func ValidateIdent(name string, qualified bool) error {
	re := identRe
	if qualified {
		re = qualifiedRe
	}
	if !re.MatchString(name) {
		return fmt.Errorf("storage: invalid identifier %q", name)
	}
	return nil
}

// RowsFromRecords converts records into rows aligned with cols. Projection
// escaping of single quotes is undone because values are bound as
// parameters. An unset cap is stored as NULL.
func RowsFromRecords(recs []address.Record, cols []string) [][]any {
	rows := make([][]any, len(recs))
	for i := range recs {
		row := make([]any, len(cols))
		for j, c := range cols {
			v, ok := recs[i].Get(c)
			if !ok {
				row[j] = nil
				continue
			}
			row[j] = address.UnescapeQuotes(v)
		}
		rows[i] = row
	}
	return rows
}
