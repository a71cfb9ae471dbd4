package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// CopyFn abstracts a backend's bulk insert capability. Implementations
// insert rows aligned to columns and return the number of rows written.
type CopyFn func(ctx context.Context, columns []string, rows [][]any) (int64, error)

// DefaultBatchSize is the number of rows per CopyFn call.
const DefaultBatchSize = 500

// LoadBatches splits rows into batches of batchSize and calls copyFn for
// each, in order. It returns the total reported by copyFn and stops at the
// first error. A progress line is logged per batch.
func LoadBatches(
	ctx context.Context,
	columns []string,
	rows [][]any,
	batchSize int,
	copyFn CopyFn,
	log zerolog.Logger,
) (int64, error) {
	if batchSize <= 0 {
		return 0, fmt.Errorf("batchSize must be > 0")
	}
	if copyFn == nil {
		return 0, fmt.Errorf("copyFn must not be nil")
	}

	var (
		total   int64
		batches int
		start   = time.Now()
	)
	for lo := 0; lo < len(rows); lo += batchSize {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		hi := lo + batchSize
		if hi > len(rows) {
			hi = len(rows)
		}

		n, err := copyFn(ctx, columns, rows[lo:hi])
		total += n
		if err != nil {
			log.Error().Err(err).Int64("after", n).Int64("total", total).Msg("loader: copy failed")
			return total, err
		}
		batches++
		log.Debug().
			Int("batch", batches).
			Int64("inserted", n).
			Int64("total_inserted", total).
			Dur("elapsed", time.Since(start).Truncate(time.Millisecond)).
			Msg("loader: batch flushed")
	}
	return total, nil
}
