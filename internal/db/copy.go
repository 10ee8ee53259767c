package db

import (
	"context"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
)

// CopyFrom bulk-inserts rows with the COPY protocol. Table may be
// schema-qualified ("spatial.iterations").
func CopyFrom(ctx context.Context, pool Pool, table string, columns []string, rows [][]any) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	n, err := pool.CopyFrom(ctx, identifier(table), columns, pgx.CopyFromRows(rows))
	if err != nil {
		return 0, eris.Wrapf(err, "db: COPY INTO %s", table)
	}
	return n, nil
}

// CopyFromSlice streams n rows produced by next without materialising them
// all as [][]any first.
func CopyFromSlice(ctx context.Context, pool Pool, table string, columns []string, n int, next func(i int) ([]any, error)) (int64, error) {
	if n == 0 {
		return 0, nil
	}
	copied, err := pool.CopyFrom(ctx, identifier(table), columns, pgx.CopyFromSlice(n, next))
	if err != nil {
		return 0, eris.Wrapf(err, "db: COPY INTO %s", table)
	}
	return copied, nil
}

func identifier(table string) pgx.Identifier {
	if schema, name, ok := strings.Cut(table, "."); ok {
		return pgx.Identifier{schema, name}
	}
	return pgx.Identifier{table}
}
