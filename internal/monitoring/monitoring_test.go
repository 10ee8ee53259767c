package monitoring

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/spatial-income/internal/nuts"
	"github.com/sells-group/spatial-income/internal/store"
)

func TestSamplerMetrics_Observe(t *testing.T) {
	m := NewSamplerMetrics()
	m.Observe(nuts.IterationStats{Chain: 0, Warmup: true, StepSize: 0.5, TreeDepth: 2, LeapfrogSteps: 3})
	m.Observe(nuts.IterationStats{Chain: 0, StepSize: 0.25, TreeDepth: 3, LeapfrogSteps: 7, Divergent: true})
	m.Observe(nuts.IterationStats{Chain: 1, StepSize: 0.3, TreeDepth: 1, LeapfrogSteps: 1})

	families, err := m.Registry().Gather()
	require.NoError(t, err)
	names := map[string]bool{}
	for _, mf := range families {
		names[mf.GetName()] = true
	}
	for _, want := range []string{
		"spatial_sampler_iterations_total",
		"spatial_sampler_divergences_total",
		"spatial_sampler_leapfrog_steps_total",
		"spatial_sampler_step_size",
		"spatial_sampler_tree_depth",
	} {
		assert.True(t, names[want], want)
	}

	path := filepath.Join(t.TempDir(), "sampler.prom")
	require.NoError(t, WriteTextfile(path, m.Registry()))
	b, err := os.ReadFile(path)
	require.NoError(t, err)
	text := string(b)
	assert.Contains(t, text, `spatial_sampler_iterations_total{chain="0",phase="warmup"} 1`)
	assert.Contains(t, text, `spatial_sampler_iterations_total{chain="0",phase="sampling"} 1`)
	assert.Contains(t, text, `spatial_sampler_divergences_total{chain="0"} 1`)
	assert.Contains(t, text, `spatial_sampler_leapfrog_steps_total{chain="0"} 10`)
	assert.Contains(t, text, `spatial_sampler_step_size{chain="1"} 0.3`)
	assert.Contains(t, text, `spatial_sampler_tree_depth_count 3`)
}

func TestWriteTextfile_BadDir(t *testing.T) {
	err := WriteTextfile(filepath.Join(t.TempDir(), "missing", "x.prom"), NewSamplerMetrics().Registry())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "monitoring: write textfile")
}

type fakeLister struct {
	runs []store.Run
	err  error
	seen store.RunFilter
}

func (f *fakeLister) ListRuns(_ context.Context, filter store.RunFilter) ([]store.Run, error) {
	f.seen = filter
	return f.runs, f.err
}

func TestCollector_Collect(t *testing.T) {
	fl := &fakeLister{runs: []store.Run{
		{Status: store.RunStatusComplete},
		{Status: store.RunStatusComplete},
		{Status: store.RunStatusCompleteWithWarnings},
		{Status: store.RunStatusFailed},
		{Status: store.RunStatusSampling},
	}}
	snap, err := NewCollector(fl).Collect(context.Background(), 24)
	require.NoError(t, err)

	assert.Equal(t, 5, snap.Total)
	assert.Equal(t, 2, snap.Complete)
	assert.Equal(t, 1, snap.CompleteWithWarnings)
	assert.Equal(t, 1, snap.Failed)
	assert.Equal(t, 1, snap.InProgress)
	assert.InDelta(t, 0.25, snap.FailRate, 1e-12)
	assert.InDelta(t, 0.25, snap.WarningRate, 1e-12)
	assert.WithinDuration(t, time.Now().Add(-24*time.Hour), fl.seen.CreatedAfter, time.Minute)

	path := filepath.Join(t.TempDir(), "runs.prom")
	require.NoError(t, WriteTextfile(path, snap.Registry()))
	b, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(b), `spatial_runs{status="complete"} 2`)
	assert.Contains(t, string(b), `spatial_runs{status="failed"} 1`)
}

func TestCollector_ListError(t *testing.T) {
	_, err := NewCollector(&fakeLister{err: eris.New("db down")}).Collect(context.Background(), 1)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "monitoring: list runs")
}

func TestCollector_Empty(t *testing.T) {
	snap, err := NewCollector(&fakeLister{}).Collect(context.Background(), 1)
	require.NoError(t, err)
	assert.Zero(t, snap.Total)
	assert.Zero(t, snap.FailRate)
}
