package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/spatial-income/internal/db"
	"github.com/sells-group/spatial-income/internal/diagnostics"
	"github.com/sells-group/spatial-income/internal/nuts"
	"github.com/sells-group/spatial-income/internal/resilience"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}
	pgxCfg.MaxConns = 4
	pgxCfg.MinConns = 1
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	retry := resilience.DefaultRetryConfig()
	retry.OnRetry = resilience.RetryLogger("postgres: ping")
	if err := resilience.Do(ctx, retry, pool.Ping); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// Pool returns the underlying pool.
func (s *PostgresStore) Pool() db.Pool { return s.pool }

const postgresMigration = `
CREATE TABLE IF NOT EXISTS runs (
	id         TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	status     TEXT NOT NULL DEFAULT 'queued',
	output_dir TEXT NOT NULL,
	chains     INTEGER NOT NULL,
	tune       INTEGER NOT NULL,
	draws      INTEGER NOT NULL,
	seed       BIGINT NOT NULL,
	config     JSONB NOT NULL,
	warnings   INTEGER NOT NULL DEFAULT 0,
	error      TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS iterations (
	run_id         TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
	chain          INTEGER NOT NULL,
	iteration      INTEGER NOT NULL,
	warmup         BOOLEAN NOT NULL,
	state          TEXT NOT NULL,
	step_size      DOUBLE PRECISION NOT NULL,
	tree_depth     INTEGER NOT NULL,
	leapfrog_steps INTEGER NOT NULL,
	accept_stat    DOUBLE PRECISION NOT NULL,
	divergent      BOOLEAN NOT NULL,
	energy         DOUBLE PRECISION NOT NULL,
	log_density    DOUBLE PRECISION NOT NULL,
	PRIMARY KEY (run_id, chain, iteration)
);

CREATE TABLE IF NOT EXISTS chain_summaries (
	run_id           TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
	chain            INTEGER NOT NULL,
	draws            INTEGER NOT NULL,
	divergences      INTEGER NOT NULL,
	divergence_rate  DOUBLE PRECISION NOT NULL,
	max_depth_hits   INTEGER NOT NULL,
	mean_accept_stat DOUBLE PRECISION NOT NULL,
	mean_tree_depth  DOUBLE PRECISION NOT NULL,
	step_size        DOUBLE PRECISION NOT NULL,
	ebfmi            DOUBLE PRECISION NOT NULL,
	PRIMARY KEY (run_id, chain)
);

CREATE TABLE IF NOT EXISTS parameter_summaries (
	run_id    TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
	position  INTEGER NOT NULL,
	parameter TEXT NOT NULL,
	mean      DOUBLE PRECISION NOT NULL,
	sd        DOUBLE PRECISION NOT NULL,
	mcse      DOUBLE PRECISION NOT NULL,
	q5        DOUBLE PRECISION NOT NULL,
	q50       DOUBLE PRECISION NOT NULL,
	q95       DOUBLE PRECISION NOT NULL,
	ess_bulk  DOUBLE PRECISION NOT NULL,
	ess_tail  DOUBLE PRECISION NOT NULL,
	rhat      DOUBLE PRECISION NOT NULL,
	PRIMARY KEY (run_id, parameter)
);

CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
CREATE INDEX IF NOT EXISTS idx_runs_created_at ON runs(created_at DESC);
`

var (
	iterationColumns = []string{
		"run_id", "chain", "iteration", "warmup", "state", "step_size", "tree_depth",
		"leapfrog_steps", "accept_stat", "divergent", "energy", "log_density",
	}
	chainSummaryColumns = []string{
		"run_id", "chain", "draws", "divergences", "divergence_rate", "max_depth_hits",
		"mean_accept_stat", "mean_tree_depth", "step_size", "ebfmi",
	}
	parameterSummaryColumns = []string{
		"run_id", "position", "parameter", "mean", "sd", "mcse", "q5", "q50", "q95",
		"ess_bulk", "ess_tail", "rhat",
	}
)

// Migrate creates the schema.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

// Close releases the pool.
func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// CreateRun inserts a queued run.
func (s *PostgresStore) CreateRun(ctx context.Context, spec RunSpec) (*Run, error) {
	id := spec.ID
	if id == "" {
		id = uuid.New().String()
	}
	now := time.Now().UTC()
	cfgJSON, err := spec.configJSON()
	if err != nil {
		return nil, err
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO runs (id, status, output_dir, chains, tune, draws, seed, config, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		id, string(RunStatusQueued), spec.OutputDir, spec.Chains, spec.Tune, spec.Draws,
		int64(spec.Seed), cfgJSON, now, now,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: insert run")
	}

	return &Run{
		ID:        id,
		Status:    RunStatusQueued,
		OutputDir: spec.OutputDir,
		Chains:    spec.Chains,
		Tune:      spec.Tune,
		Draws:     spec.Draws,
		Seed:      spec.Seed,
		Config:    cfgJSON,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

func (s *PostgresStore) execOne(ctx context.Context, op, runID, sql string, args ...any) error {
	tag, err := s.pool.Exec(ctx, sql, args...)
	if err != nil {
		return eris.Wrapf(err, "postgres: %s %s", op, runID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("run not found: %s", runID)
	}
	return nil
}

// UpdateRunStatus moves a run to status.
func (s *PostgresStore) UpdateRunStatus(ctx context.Context, runID string, status RunStatus) error {
	return s.execOne(ctx, "update run status", runID,
		`UPDATE runs SET status = $1, updated_at = $2 WHERE id = $3`,
		string(status), time.Now().UTC(), runID)
}

// FinishRun records the final status and warning count.
func (s *PostgresStore) FinishRun(ctx context.Context, runID string, status RunStatus, warnings int) error {
	return s.execOne(ctx, "finish run", runID,
		`UPDATE runs SET status = $1, warnings = $2, updated_at = $3 WHERE id = $4`,
		string(status), warnings, time.Now().UTC(), runID)
}

// FailRun marks a run failed with the cause's message.
func (s *PostgresStore) FailRun(ctx context.Context, runID string, cause error) error {
	return s.execOne(ctx, "fail run", runID,
		`UPDATE runs SET status = $1, error = $2, updated_at = $3 WHERE id = $4`,
		string(RunStatusFailed), errorText(cause), time.Now().UTC(), runID)
}

// GetRun loads one run.
func (s *PostgresStore) GetRun(ctx context.Context, runID string) (*Run, error) {
	r, err := scanPostgresRun(s.pool.QueryRow(ctx, `SELECT `+runColumns+` FROM runs WHERE id = $1`, runID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(err, "postgres: get run %s: not found", runID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get run %s", runID)
	}
	return r, nil
}

// ListRuns returns runs newest first.
func (s *PostgresStore) ListRuns(ctx context.Context, filter RunFilter) ([]Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs WHERE true`
	args := []any{}
	argIdx := 1

	if filter.Status != "" {
		query += fmt.Sprintf(` AND status = $%d`, argIdx)
		args = append(args, string(filter.Status))
		argIdx++
	}
	if !filter.CreatedAfter.IsZero() {
		query += fmt.Sprintf(` AND created_at >= $%d`, argIdx)
		args = append(args, filter.CreatedAfter.UTC())
		argIdx++
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC, id LIMIT $%d`, argIdx)
	args = append(args, filter.limit())
	argIdx++
	if filter.Offset > 0 {
		query += fmt.Sprintf(` OFFSET $%d`, argIdx)
		args = append(args, filter.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list runs")
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		r, err := scanPostgresRun(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan run")
		}
		runs = append(runs, *r)
	}
	return runs, eris.Wrap(rows.Err(), "postgres: list runs iterate")
}

// SaveIterations bulk-loads iteration statistics with COPY.
func (s *PostgresStore) SaveIterations(ctx context.Context, runID string, stats []nuts.IterationStats) error {
	_, err := db.CopyFromSlice(ctx, s.pool, "iterations", iterationColumns, len(stats), func(i int) ([]any, error) {
		it := stats[i]
		return []any{
			runID, it.Chain, it.Iteration, it.Warmup, it.State.String(), it.StepSize, it.TreeDepth,
			it.LeapfrogSteps, it.AcceptStat, it.Divergent, it.Energy, it.LogDensity,
		}, nil
	})
	return eris.Wrap(err, "postgres: save iterations")
}

// CountIterations returns the number of stored iteration rows for a run.
func (s *PostgresStore) CountIterations(ctx context.Context, runID string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM iterations WHERE run_id = $1`, runID).Scan(&n)
	return n, eris.Wrap(err, "postgres: count iterations")
}

// SaveChainSummaries replaces the chain summaries of a run.
func (s *PostgresStore) SaveChainSummaries(ctx context.Context, runID string, chains []diagnostics.ChainSummary) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM chain_summaries WHERE run_id = $1`, runID); err != nil {
		return eris.Wrap(err, "postgres: clear chain summaries")
	}
	rows := make([][]any, len(chains))
	for i, c := range chains {
		rows[i] = []any{
			runID, c.Chain, c.Draws, c.Divergences, c.DivergenceRate, c.MaxDepthHits,
			c.MeanAcceptStat, c.MeanTreeDepth, c.StepSize, c.EBFMI,
		}
	}
	_, err := db.CopyFrom(ctx, s.pool, "chain_summaries", chainSummaryColumns, rows)
	return eris.Wrap(err, "postgres: save chain summaries")
}

// ListChainSummaries returns a run's chain summaries in chain order.
func (s *PostgresStore) ListChainSummaries(ctx context.Context, runID string) ([]diagnostics.ChainSummary, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT chain, draws, divergences, divergence_rate, max_depth_hits, mean_accept_stat,
		 mean_tree_depth, step_size, ebfmi FROM chain_summaries WHERE run_id = $1 ORDER BY chain`, runID)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list chain summaries")
	}
	defer rows.Close()

	var out []diagnostics.ChainSummary
	for rows.Next() {
		var c diagnostics.ChainSummary
		if err := rows.Scan(&c.Chain, &c.Draws, &c.Divergences, &c.DivergenceRate, &c.MaxDepthHits,
			&c.MeanAcceptStat, &c.MeanTreeDepth, &c.StepSize, &c.EBFMI); err != nil {
			return nil, eris.Wrap(err, "postgres: scan chain summary")
		}
		out = append(out, c)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list chain summaries iterate")
}

// SaveParameterSummaries upserts parameter rows keyed by (run, parameter).
func (s *PostgresStore) SaveParameterSummaries(ctx context.Context, runID string, params []diagnostics.ParameterSummary) error {
	rows := make([][]any, len(params))
	for i, p := range params {
		rows[i] = append([]any{runID, i}, parameterValues(p)...)
	}
	_, err := db.BulkUpsert(ctx, s.pool, db.UpsertConfig{
		Table:        "parameter_summaries",
		Columns:      parameterSummaryColumns,
		ConflictKeys: []string{"run_id", "parameter"},
	}, rows)
	return eris.Wrap(err, "postgres: save parameter summaries")
}

// ListParameterSummaries returns a run's parameter rows in trace column order.
func (s *PostgresStore) ListParameterSummaries(ctx context.Context, runID string) ([]diagnostics.ParameterSummary, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT parameter, mean, sd, mcse, q5, q50, q95, ess_bulk, ess_tail, rhat
		 FROM parameter_summaries WHERE run_id = $1 ORDER BY position`, runID)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list parameter summaries")
	}
	defer rows.Close()

	var out []diagnostics.ParameterSummary
	for rows.Next() {
		var p diagnostics.ParameterSummary
		if err := rows.Scan(&p.Parameter, &p.Mean, &p.SD, &p.MCSE, &p.Q5, &p.Q50, &p.Q95,
			&p.ESSBulk, &p.ESSTail, &p.RHat); err != nil {
			return nil, eris.Wrap(err, "postgres: scan parameter summary")
		}
		out = append(out, p)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list parameter summaries iterate")
}

func scanPostgresRun(row pgx.Row) (*Run, error) {
	var r Run
	var seed int64
	var cfg []byte
	if err := row.Scan(&r.ID, &r.Status, &r.OutputDir, &r.Chains, &r.Tune, &r.Draws, &seed,
		&cfg, &r.Warnings, &r.Error, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return nil, err
	}
	r.Seed = uint64(seed)
	r.Config = cfg
	return &r, nil
}
