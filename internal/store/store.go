// Package store persists run metadata, per-iteration sampler statistics and
// posterior summaries in SQLite or Postgres.
package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/spatial-income/internal/config"
	"github.com/sells-group/spatial-income/internal/diagnostics"
	"github.com/sells-group/spatial-income/internal/nuts"
)

// RunStatus is the lifecycle state of a fit.
type RunStatus string

// Run statuses.
const (
	RunStatusQueued               RunStatus = "queued"
	RunStatusSampling             RunStatus = "sampling"
	RunStatusSummarizing          RunStatus = "summarizing"
	RunStatusComplete             RunStatus = "complete"
	RunStatusCompleteWithWarnings RunStatus = "complete_with_warnings"
	RunStatusFailed               RunStatus = "failed"
)

// Finished reports whether no further transitions are expected.
func (s RunStatus) Finished() bool {
	switch s {
	case RunStatusComplete, RunStatusCompleteWithWarnings, RunStatusFailed:
		return true
	}
	return false
}

// Run is a persisted fit.
type Run struct {
	ID        string          `json:"id"`
	Status    RunStatus       `json:"status"`
	OutputDir string          `json:"output_dir"`
	Chains    int             `json:"chains"`
	Tune      int             `json:"tune"`
	Draws     int             `json:"draws"`
	Seed      uint64          `json:"seed"`
	Config    json.RawMessage `json:"config,omitempty"`
	Warnings  int             `json:"warnings"`
	Error     string          `json:"error,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// RunSpec describes a run about to start. An empty ID is generated.
type RunSpec struct {
	ID        string
	OutputDir string
	Chains    int
	Tune      int
	Draws     int
	Seed      uint64
	Config    any
}

func (s RunSpec) configJSON() ([]byte, error) {
	if s.Config == nil {
		return []byte("{}"), nil
	}
	b, err := json.Marshal(s.Config)
	return b, eris.Wrap(err, "store: marshal config")
}

// RunFilter specifies criteria for listing runs.
type RunFilter struct {
	Status       RunStatus `json:"status,omitempty"`
	CreatedAfter time.Time `json:"created_after,omitempty"`
	Limit        int       `json:"limit,omitempty"`
	Offset       int       `json:"offset,omitempty"`
}

func (f RunFilter) limit() int {
	if f.Limit <= 0 {
		return 100
	}
	return f.Limit
}

// Store defines the persistence interface for fits.
type Store interface {
	// Runs
	CreateRun(ctx context.Context, spec RunSpec) (*Run, error)
	UpdateRunStatus(ctx context.Context, runID string, status RunStatus) error
	FinishRun(ctx context.Context, runID string, status RunStatus, warnings int) error
	FailRun(ctx context.Context, runID string, cause error) error
	GetRun(ctx context.Context, runID string) (*Run, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]Run, error)

	// Sampler statistics
	SaveIterations(ctx context.Context, runID string, stats []nuts.IterationStats) error
	CountIterations(ctx context.Context, runID string) (int, error)

	// Summaries
	SaveChainSummaries(ctx context.Context, runID string, chains []diagnostics.ChainSummary) error
	ListChainSummaries(ctx context.Context, runID string) ([]diagnostics.ChainSummary, error)
	SaveParameterSummaries(ctx context.Context, runID string, params []diagnostics.ParameterSummary) error
	ListParameterSummaries(ctx context.Context, runID string) ([]diagnostics.ParameterSummary, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}

// Open connects to the configured backend and applies migrations.
func Open(ctx context.Context, cfg config.StoreConfig) (Store, error) {
	var (
		st  Store
		err error
	)
	switch cfg.Driver {
	case "sqlite":
		st, err = NewSQLite(cfg.DatabaseURL)
	case "postgres":
		st, err = NewPostgres(ctx, cfg.DatabaseURL)
	default:
		return nil, eris.Errorf("store: unknown driver %q", cfg.Driver)
	}
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, err
	}
	return st, nil
}

func errorText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
