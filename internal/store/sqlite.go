package store

import (
	"context"
	"database/sql"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/spatial-income/internal/diagnostics"
	"github.com/sells-group/spatial-income/internal/nuts"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close() //nolint:errcheck
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS runs (
	id         TEXT PRIMARY KEY,
	status     TEXT NOT NULL DEFAULT 'queued',
	output_dir TEXT NOT NULL,
	chains     INTEGER NOT NULL,
	tune       INTEGER NOT NULL,
	draws      INTEGER NOT NULL,
	seed       INTEGER NOT NULL,
	config     TEXT NOT NULL,
	warnings   INTEGER NOT NULL DEFAULT 0,
	error      TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS iterations (
	run_id         TEXT NOT NULL REFERENCES runs(id),
	chain          INTEGER NOT NULL,
	iteration      INTEGER NOT NULL,
	warmup         INTEGER NOT NULL,
	state          TEXT NOT NULL,
	step_size      REAL,
	tree_depth     INTEGER NOT NULL,
	leapfrog_steps INTEGER NOT NULL,
	accept_stat    REAL,
	divergent      INTEGER NOT NULL,
	energy         REAL,
	log_density    REAL,
	PRIMARY KEY (run_id, chain, iteration)
);

CREATE TABLE IF NOT EXISTS chain_summaries (
	run_id           TEXT NOT NULL REFERENCES runs(id),
	chain            INTEGER NOT NULL,
	draws            INTEGER NOT NULL,
	divergences      INTEGER NOT NULL,
	divergence_rate  REAL,
	max_depth_hits   INTEGER NOT NULL,
	mean_accept_stat REAL,
	mean_tree_depth  REAL,
	step_size        REAL,
	ebfmi            REAL,
	PRIMARY KEY (run_id, chain)
);

CREATE TABLE IF NOT EXISTS parameter_summaries (
	run_id    TEXT NOT NULL REFERENCES runs(id),
	position  INTEGER NOT NULL,
	parameter TEXT NOT NULL,
	mean      REAL,
	sd        REAL,
	mcse      REAL,
	q5        REAL,
	q50       REAL,
	q95       REAL,
	ess_bulk  REAL,
	ess_tail  REAL,
	rhat      REAL,
	PRIMARY KEY (run_id, parameter)
);

CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
CREATE INDEX IF NOT EXISTS idx_runs_created_at ON runs(created_at);
`

// Migrate creates the schema.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// CreateRun inserts a queued run.
func (s *SQLiteStore) CreateRun(ctx context.Context, spec RunSpec) (*Run, error) {
	id := spec.ID
	if id == "" {
		id = uuid.New().String()
	}
	now := time.Now().UTC()
	cfgJSON, err := spec.configJSON()
	if err != nil {
		return nil, err
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO runs (id, status, output_dir, chains, tune, draws, seed, config, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, string(RunStatusQueued), spec.OutputDir, spec.Chains, spec.Tune, spec.Draws,
		int64(spec.Seed), string(cfgJSON), now, now,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: insert run")
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

// UpdateRunStatus moves a run to status.
func (s *SQLiteStore) UpdateRunStatus(ctx context.Context, runID string, status RunStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), time.Now().UTC(), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update run status %s", runID)
	}
	return checkRowsAffected(res, "run", runID)
}

// FinishRun records the final status and warning count.
func (s *SQLiteStore) FinishRun(ctx context.Context, runID string, status RunStatus, warnings int) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, warnings = ?, updated_at = ? WHERE id = ?`,
		string(status), warnings, time.Now().UTC(), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: finish run %s", runID)
	}
	return checkRowsAffected(res, "run", runID)
}

// FailRun marks a run failed with the cause's message.
func (s *SQLiteStore) FailRun(ctx context.Context, runID string, cause error) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, error = ?, updated_at = ? WHERE id = ?`,
		string(RunStatusFailed), errorText(cause), time.Now().UTC(), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: fail run %s", runID)
	}
	return checkRowsAffected(res, "run", runID)
}

const runColumns = `id, status, output_dir, chains, tune, draws, seed, config, warnings, error, created_at, updated_at`

// GetRun loads one run.
func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (*Run, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, runID)
	r, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, eris.Errorf("run not found: %s", runID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get run %s", runID)
	}
	return r, nil
}

// ListRuns returns runs newest first.
func (s *SQLiteStore) ListRuns(ctx context.Context, filter RunFilter) ([]Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs WHERE 1=1`
	var args []any

	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if !filter.CreatedAfter.IsZero() {
		query += ` AND created_at >= ?`
		args = append(args, filter.CreatedAfter.UTC())
	}
	query += ` ORDER BY created_at DESC, id LIMIT ?`
	args = append(args, filter.limit())
	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list runs")
	}
	defer rows.Close() //nolint:errcheck

	var runs []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan run")
		}
		runs = append(runs, *r)
	}
	return runs, eris.Wrap(rows.Err(), "sqlite: list runs iterate")
}

// SaveIterations inserts a batch of iteration statistics in one transaction.
func (s *SQLiteStore) SaveIterations(ctx context.Context, runID string, stats []nuts.IterationStats) error {
	if len(stats) == 0 {
		return nil
	}
	return s.inTx(ctx, "save iterations", func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx,
			`INSERT INTO iterations (run_id, chain, iteration, warmup, state, step_size, tree_depth,
			 leapfrog_steps, accept_stat, divergent, energy, log_density)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return err
		}
		defer stmt.Close() //nolint:errcheck
		for _, it := range stats {
			if _, err := stmt.ExecContext(ctx,
				runID, it.Chain, it.Iteration, it.Warmup, it.State.String(), it.StepSize, it.TreeDepth,
				it.LeapfrogSteps, it.AcceptStat, it.Divergent, it.Energy, it.LogDensity,
			); err != nil {
				return eris.Wrapf(err, "chain %d iteration %d", it.Chain, it.Iteration)
			}
		}
		return nil
	})
}

// CountIterations returns the number of stored iteration rows for a run.
func (s *SQLiteStore) CountIterations(ctx context.Context, runID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM iterations WHERE run_id = ?`, runID).Scan(&n)
	return n, eris.Wrap(err, "sqlite: count iterations")
}

// SaveChainSummaries replaces the chain summaries of a run.
func (s *SQLiteStore) SaveChainSummaries(ctx context.Context, runID string, chains []diagnostics.ChainSummary) error {
	return s.inTx(ctx, "save chain summaries", func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM chain_summaries WHERE run_id = ?`, runID); err != nil {
			return err
		}
		for _, c := range chains {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO chain_summaries (run_id, chain, draws, divergences, divergence_rate, max_depth_hits,
				 mean_accept_stat, mean_tree_depth, step_size, ebfmi) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				runID, c.Chain, c.Draws, c.Divergences, c.DivergenceRate, c.MaxDepthHits,
				c.MeanAcceptStat, c.MeanTreeDepth, c.StepSize, c.EBFMI,
			); err != nil {
				return eris.Wrapf(err, "chain %d", c.Chain)
			}
		}
		return nil
	})
}

// ListChainSummaries returns a run's chain summaries in chain order.
func (s *SQLiteStore) ListChainSummaries(ctx context.Context, runID string) ([]diagnostics.ChainSummary, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT chain, draws, divergences, divergence_rate, max_depth_hits, mean_accept_stat,
		 mean_tree_depth, step_size, ebfmi FROM chain_summaries WHERE run_id = ? ORDER BY chain`, runID)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list chain summaries")
	}
	defer rows.Close() //nolint:errcheck

	var out []diagnostics.ChainSummary
	for rows.Next() {
		var c diagnostics.ChainSummary
		var rate, accept, depth, step, bfmi sql.NullFloat64
		if err := rows.Scan(&c.Chain, &c.Draws, &c.Divergences, &rate, &c.MaxDepthHits,
			&accept, &depth, &step, &bfmi); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan chain summary")
		}
		c.DivergenceRate, c.MeanAcceptStat, c.MeanTreeDepth = orNaN(rate), orNaN(accept), orNaN(depth)
		c.StepSize, c.EBFMI = orNaN(step), orNaN(bfmi)
		out = append(out, c)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list chain summaries iterate")
}

// SaveParameterSummaries upserts parameter rows keyed by (run, parameter).
func (s *SQLiteStore) SaveParameterSummaries(ctx context.Context, runID string, params []diagnostics.ParameterSummary) error {
	if len(params) == 0 {
		return nil
	}
	return s.inTx(ctx, "save parameter summaries", func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx,
			`INSERT INTO parameter_summaries (run_id, position, parameter, mean, sd, mcse, q5, q50, q95,
			 ess_bulk, ess_tail, rhat) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT (run_id, parameter) DO UPDATE SET
			 position = excluded.position, mean = excluded.mean, sd = excluded.sd, mcse = excluded.mcse,
			 q5 = excluded.q5, q50 = excluded.q50, q95 = excluded.q95, ess_bulk = excluded.ess_bulk,
			 ess_tail = excluded.ess_tail, rhat = excluded.rhat`)
		if err != nil {
			return err
		}
		defer stmt.Close() //nolint:errcheck
		for i, p := range params {
			if _, err := stmt.ExecContext(ctx, append([]any{runID, i}, parameterValues(p)...)...); err != nil {
				return eris.Wrapf(err, "parameter %s", p.Parameter)
			}
		}
		return nil
	})
}

// ListParameterSummaries returns a run's parameter rows in trace column order.
func (s *SQLiteStore) ListParameterSummaries(ctx context.Context, runID string) ([]diagnostics.ParameterSummary, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT parameter, mean, sd, mcse, q5, q50, q95, ess_bulk, ess_tail, rhat
		 FROM parameter_summaries WHERE run_id = ? ORDER BY position`, runID)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list parameter summaries")
	}
	defer rows.Close() //nolint:errcheck

	var out []diagnostics.ParameterSummary
	for rows.Next() {
		var p diagnostics.ParameterSummary
		vals := make([]sql.NullFloat64, 9)
		dest := []any{&p.Parameter}
		for i := range vals {
			dest = append(dest, &vals[i])
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan parameter summary")
		}
		f := make([]float64, len(vals))
		for i, v := range vals {
			f[i] = orNaN(v)
		}
		setParameterValues(&p, f)
		out = append(out, p)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list parameter summaries iterate")
}

func (s *SQLiteStore) inTx(ctx context.Context, op string, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrapf(err, "sqlite: %s: begin", op)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return eris.Wrapf(err, "sqlite: %s", op)
	}
	return eris.Wrapf(tx.Commit(), "sqlite: %s: commit", op)
}

// helpers

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Errorf("%s not found: %s", entity, id)
	}
	return nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanRun(row scannable) (*Run, error) {
	var r Run
	var seed int64
	var cfg string
	err := row.Scan(&r.ID, &r.Status, &r.OutputDir, &r.Chains, &r.Tune, &r.Draws, &seed,
		&cfg, &r.Warnings, &r.Error, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	r.Seed = uint64(seed)
	r.Config = []byte(cfg)
	return &r, nil
}

// SQLite stores NaN as NULL.
func orNaN(v sql.NullFloat64) float64 {
	if !v.Valid {
		return math.NaN()
	}
	return v.Float64
}

func parameterValues(p diagnostics.ParameterSummary) []any {
	return []any{p.Parameter, p.Mean, p.SD, p.MCSE, p.Q5, p.Q50, p.Q95, p.ESSBulk, p.ESSTail, p.RHat}
}

func setParameterValues(p *diagnostics.ParameterSummary, v []float64) {
	p.Mean, p.SD, p.MCSE = v[0], v[1], v[2]
	p.Q5, p.Q50, p.Q95 = v[3], v[4], v[5]
	p.ESSBulk, p.ESSTail, p.RHat = v[6], v[7], v[8]
}
