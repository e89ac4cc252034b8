package db

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
)

// Upsert describes a keyed bulk merge into Table.
type Upsert struct {
	Table   string
	Columns []string
	// Key is the unique constraint rows are matched on.
	Key []string
	// Preserve lists columns written on insert but never overwritten on
	// conflict, such as created_at or operator-owned flags.
	Preserve []string
}

func (u Upsert) validate() error {
	switch {
	case u.Table == "":
		return eris.New("db: upsert: table is required")
	case len(u.Columns) == 0:
		return eris.New("db: upsert: no columns")
	case len(u.Key) == 0:
		return eris.New("db: upsert: no key columns")
	}
	for _, k := range u.Key {
		if !slices.Contains(u.Columns, k) {
			return eris.Errorf("db: upsert: key column %q not in columns", k)
		}
	}
	return nil
}

// updated returns the columns overwritten on conflict.
func (u Upsert) updated() []string {
	var out []string
	for _, c := range u.Columns {
		if !slices.Contains(u.Key, c) && !slices.Contains(u.Preserve, c) {
			out = append(out, c)
		}
	}
	return out
}

func (u Upsert) stagingTable() string {
	return "_stage_" + strings.ReplaceAll(u.Table, ".", "_")
}

// mergeSQL renders the INSERT ... SELECT that moves staged rows into the
// target. With nothing to update, conflicting rows are left alone.
func (u Upsert) mergeSQL() string {
	cols := joinIdents(u.Columns)
	action := "DO NOTHING"
	if upd := u.updated(); len(upd) > 0 {
		sets := make([]string, len(upd))
		for i, c := range upd {
			id := pgx.Identifier{c}.Sanitize()
			sets[i] = id + " = EXCLUDED." + id
		}
		action = "DO UPDATE SET " + strings.Join(sets, ", ")
	}
	return fmt.Sprintf("INSERT INTO %s (%s) SELECT %s FROM %s ON CONFLICT (%s) %s",
		identifier(u.Table).Sanitize(), cols, cols,
		pgx.Identifier{u.stagingTable()}.Sanitize(), joinIdents(u.Key), action)
}

// Run stages rows in a transaction-scoped temp table and merges them into
// the target in one transaction. It returns the rows inserted or updated.
func (u Upsert) Run(ctx context.Context, pool Pool, rows [][]any) (int64, error) {
	if err := u.validate(); err != nil {
		return 0, err
	}
	if len(rows) == 0 {
		return 0, nil
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return 0, eris.Wrapf(err, "db: upsert %s: begin", u.Table)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	stage := pgx.Identifier{u.stagingTable()}
	create := fmt.Sprintf("CREATE TEMP TABLE %s (LIKE %s INCLUDING DEFAULTS) ON COMMIT DROP",
		stage.Sanitize(), identifier(u.Table).Sanitize())
	if _, err := tx.Exec(ctx, create); err != nil {
		return 0, eris.Wrapf(err, "db: upsert %s: create staging table", u.Table)
	}
	if _, err := tx.CopyFrom(ctx, stage, u.Columns, pgx.CopyFromRows(rows)); err != nil {
		return 0, eris.Wrapf(err, "db: upsert %s: stage rows", u.Table)
	}
	tag, err := tx.Exec(ctx, u.mergeSQL())
	if err != nil {
		return 0, eris.Wrapf(err, "db: upsert %s: merge", u.Table)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, eris.Wrapf(err, "db: upsert %s: commit", u.Table)
	}
	return tag.RowsAffected(), nil
}

// identifier splits an optionally schema-qualified table name.
func identifier(table string) pgx.Identifier {
	return pgx.Identifier(strings.SplitN(table, ".", 2))
}

func joinIdents(cols []string) string {
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = pgx.Identifier{c}.Sanitize()
	}
	return strings.Join(quoted, ", ")
}
