package store

import (
	"context"
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/spatial-income/internal/diagnostics"
	"github.com/sells-group/spatial-income/internal/nuts"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	st, err := NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func testSpec() RunSpec {
	return RunSpec{
		OutputDir: "/tmp/runs/x",
		Chains:    2,
		Tune:      100,
		Draws:     200,
		Seed:      math.MaxUint64 - 1,
		Config:    map[string]any{"sampler": map[string]any{"chains": 2}},
	}
}

func TestSQLite_RunLifecycle(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	run, err := st.CreateRun(ctx, testSpec())
	require.NoError(t, err)
	assert.NotEmpty(t, run.ID)
	assert.Equal(t, RunStatusQueued, run.Status)

	require.NoError(t, st.UpdateRunStatus(ctx, run.ID, RunStatusSampling))
	got, err := st.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, RunStatusSampling, got.Status)
	assert.Equal(t, 2, got.Chains)
	assert.Equal(t, 200, got.Draws)
	assert.Equal(t, uint64(math.MaxUint64-1), got.Seed)
	assert.JSONEq(t, `{"sampler":{"chains":2}}`, string(got.Config))

	require.NoError(t, st.FinishRun(ctx, run.ID, RunStatusCompleteWithWarnings, 3))
	got, err = st.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, RunStatusCompleteWithWarnings, got.Status)
	assert.Equal(t, 3, got.Warnings)
	assert.True(t, got.Status.Finished())
}

func TestSQLite_CreateRunWithID(t *testing.T) {
	st := newTestSQLiteStore(t)
	spec := testSpec()
	spec.ID = "fixed-id"
	run, err := st.CreateRun(context.Background(), spec)
	require.NoError(t, err)
	assert.Equal(t, "fixed-id", run.ID)
}

func TestSQLite_FailRun(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	run, err := st.CreateRun(ctx, testSpec())
	require.NoError(t, err)
	require.NoError(t, st.FailRun(ctx, run.ID, eris.New("chain 1 exploded")))

	got, err := st.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, RunStatusFailed, got.Status)
	assert.Contains(t, got.Error, "chain 1 exploded")
}

func TestSQLite_RunNotFound(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	_, err := st.GetRun(ctx, "missing")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "run not found")

	err = st.UpdateRunStatus(ctx, "missing", RunStatusComplete)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "run not found: missing")
}

func TestSQLite_ListRuns(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 3; i++ {
		run, err := st.CreateRun(ctx, testSpec())
		require.NoError(t, err)
		ids = append(ids, run.ID)
		time.Sleep(5 * time.Millisecond)
	}
	require.NoError(t, st.FinishRun(ctx, ids[1], RunStatusComplete, 0))

	all, err := st.ListRuns(ctx, RunFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, ids[2], all[0].ID)

	done, err := st.ListRuns(ctx, RunFilter{Status: RunStatusComplete})
	require.NoError(t, err)
	require.Len(t, done, 1)
	assert.Equal(t, ids[1], done[0].ID)

	page, err := st.ListRuns(ctx, RunFilter{Limit: 1, Offset: 1})
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, ids[1], page[0].ID)
}

func TestSQLite_Iterations(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	run, err := st.CreateRun(ctx, testSpec())
	require.NoError(t, err)

	stats := []nuts.IterationStats{
		{Chain: 0, Iteration: 0, State: nuts.Tuning, Warmup: true, StepSize: 0.5, TreeDepth: 2, LeapfrogSteps: 3, AcceptStat: 0.9},
		{Chain: 0, Iteration: 1, State: nuts.Diverged, StepSize: 0.5, TreeDepth: 4, LeapfrogSteps: 9, Divergent: true},
		{Chain: 1, Iteration: 0, State: nuts.Sampling, StepSize: 0.4, TreeDepth: 3, LeapfrogSteps: 7, AcceptStat: 0.8},
	}
	require.NoError(t, st.SaveIterations(ctx, run.ID, stats))
	require.NoError(t, st.SaveIterations(ctx, run.ID, nil))

	n, err := st.CountIterations(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	// Duplicate (run, chain, iteration) is rejected.
	assert.Error(t, st.SaveIterations(ctx, run.ID, stats[:1]))
}

func TestSQLite_Summaries(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	run, err := st.CreateRun(ctx, testSpec())
	require.NoError(t, err)

	chains := []diagnostics.ChainSummary{
		{Chain: 0, Draws: 200, Divergences: 2, DivergenceRate: 0.01, MeanAcceptStat: 0.86, StepSize: 0.3, EBFMI: 0.9},
		{Chain: 1, Draws: 200, MeanAcceptStat: 0.84, StepSize: 0.31, EBFMI: 1.1},
	}
	require.NoError(t, st.SaveChainSummaries(ctx, run.ID, chains))
	require.NoError(t, st.SaveChainSummaries(ctx, run.ID, chains))
	gotChains, err := st.ListChainSummaries(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, chains, gotChains)

	params := []diagnostics.ParameterSummary{
		{Parameter: "mu", Mean: 0.5, SD: 0.1, MCSE: 0.002, Q5: 0.33, Q50: 0.5, Q95: 0.66, ESSBulk: 1800, ESSTail: 1500, RHat: 1.001},
		{Parameter: "beta[x1]", Mean: 0.8, SD: 0.05, MCSE: 0.001, Q5: 0.72, Q50: 0.8, Q95: 0.88, ESSBulk: 2100, ESSTail: 1700, RHat: math.NaN()},
	}
	require.NoError(t, st.SaveParameterSummaries(ctx, run.ID, params))

	got, err := st.ListParameterSummaries(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "mu", got[0].Parameter)
	assert.InDelta(t, 1.001, got[0].RHat, 1e-12)
	assert.Equal(t, "beta[x1]", got[1].Parameter)
	assert.True(t, math.IsNaN(got[1].RHat))

	// Recomputed summaries replace the previous rows.
	params[0].Mean = 0.55
	require.NoError(t, st.SaveParameterSummaries(ctx, run.ID, params))
	got, err = st.ListParameterSummaries(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.InDelta(t, 0.55, got[0].Mean, 1e-12)
}
