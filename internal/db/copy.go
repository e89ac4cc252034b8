package db

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
)

// copyBatch caps the rows sent in one COPY.
const copyBatch = 5000

// Copy appends rows to table with the COPY protocol, batching large inputs.
// table may be schema-qualified. It returns the number of rows written
// before any error.
func Copy(ctx context.Context, pool Pool, table string, columns []string, rows [][]any) (int64, error) {
	var total int64
	for start := 0; start < len(rows); start += copyBatch {
		end := min(start+copyBatch, len(rows))
		n, err := pool.CopyFrom(ctx, identifier(table), columns, pgx.CopyFromRows(rows[start:end]))
		total += n
		if err != nil {
			return total, eris.Wrapf(err, "db: copy %d rows into %s", end-start, table)
		}
	}
	return total, nil
}
