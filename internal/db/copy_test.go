package db

import (
	"context"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCopyFrom_EmptyRows(t *testing.T) {
	n, err := CopyFrom(context.TODO(), nil, "iterations", []string{"run_id", "chain"}, nil)
	assert.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestCopyFrom_Success(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectCopyFrom(pgx.Identifier{"iterations"}, []string{"run_id", "chain"}).WillReturnResult(3)

	rows := [][]any{{"r1", 0}, {"r1", 1}, {"r1", 2}}
	n, err := CopyFrom(context.Background(), mock, "iterations", []string{"run_id", "chain"}, rows)
	assert.NoError(t, err)
	assert.Equal(t, int64(3), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCopyFrom_SchemaQualified(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectCopyFrom(pgx.Identifier{"spatial", "iterations"}, []string{"chain"}).WillReturnResult(1)

	n, err := CopyFrom(context.Background(), mock, "spatial.iterations", []string{"chain"}, [][]any{{0}})
	assert.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCopyFrom_Error(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectCopyFrom(pgx.Identifier{"iterations"}, []string{"chain"}).WillReturnError(fmt.Errorf("copy failed"))

	_, err = CopyFrom(context.Background(), mock, "iterations", []string{"chain"}, [][]any{{1}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "COPY INTO iterations")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCopyFromSlice(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectCopyFrom(pgx.Identifier{"chain_summaries"}, []string{"chain", "divergences"}).WillReturnResult(2)

	n, err := CopyFromSlice(context.Background(), mock, "chain_summaries", []string{"chain", "divergences"}, 2,
		func(i int) ([]any, error) { return []any{i, 0}, nil })
	assert.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.NoError(t, mock.ExpectationsWereMet())

	n, err = CopyFromSlice(context.Background(), nil, "chain_summaries", nil, 0, nil)
	assert.NoError(t, err)
	assert.Zero(t, n)
}
