package fit

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/spatial-income/internal/diagnostics"
	"github.com/sells-group/spatial-income/internal/model"
	"github.com/sells-group/spatial-income/internal/monitoring"
	"github.com/sells-group/spatial-income/internal/nuts"
	"github.com/sells-group/spatial-income/internal/report"
	"github.com/sells-group/spatial-income/internal/store"
	"github.com/sells-group/spatial-income/internal/trace"
)

// Result is the outcome of a completed fit.
type Result struct {
	RunID      string
	Dir        string
	Status     store.RunStatus
	Names      []string
	Chains     []nuts.ChainStats
	Report     *diagnostics.Report
	StartedAt  time.Time
	FinishedAt time.Time
}

// constrainedSink maps each unconstrained draw to the recorded quantities and
// appends them to a chain's trace file.
type constrainedSink struct {
	ev  *model.Evaluator
	w   trace.RowWriter
	buf []float64
}

func (s *constrainedSink) Record(d nuts.Draw) error {
	s.ev.Constrain(d.Position, s.buf)
	return s.w.Write(s.buf)
}

// Run samples every chain of m concurrently, writes the trace and reports
// into rc.Dir and records the run in rc.Store when one is attached.
func Run(ctx context.Context, rc *RunContext, m *model.Model) (*Result, error) {
	if rc.Chains < 1 {
		return nil, eris.Errorf("fit: chains must be >= 1, got %d", rc.Chains)
	}
	started := time.Now().UTC()
	log := zap.L().With(zap.String("run_id", rc.RunID))

	if err := os.MkdirAll(rc.Dir, 0o755); err != nil {
		return nil, eris.Wrap(err, "fit: create run directory")
	}

	names := m.Names()
	warmupRows := 0
	if rc.Sampler.SaveWarmup {
		warmupRows = rc.Sampler.Tune
	}
	rowsPerChain := warmupRows + rc.Sampler.Draws
	log.Info("fit: starting",
		zap.String("dir", rc.Dir),
		zap.Int("dimension", m.Dim()),
		zap.Int("recorded", len(names)),
		zap.String("logdet", m.LogDet().Name()),
		zap.Int("chains", rc.Chains),
		zap.Int("tune", rc.Sampler.Tune),
		zap.Int("draws", rc.Sampler.Draws),
		zap.Int64("trace_bytes", trace.PlannedBytes(len(names), rc.Chains, rowsPerChain)),
	)

	planned := trace.Manifest{
		RunID:     rc.RunID,
		Names:     names,
		Chains:    rc.Chains,
		Warmup:    warmupRows,
		Draws:     make([]int, rc.Chains),
		CreatedAt: started,
	}
	for k := range planned.Draws {
		planned.Draws[k] = rc.Sampler.Draws
	}
	if err := trace.WriteManifest(rc.Dir, planned); err != nil {
		return nil, err
	}

	if rc.Store != nil {
		if _, err := rc.Store.CreateRun(ctx, store.RunSpec{
			ID:        rc.RunID,
			OutputDir: rc.Dir,
			Chains:    rc.Chains,
			Tune:      rc.Sampler.Tune,
			Draws:     rc.Sampler.Draws,
			Seed:      rc.Sampler.Seed,
			Config:    rc.Snapshot,
		}); err != nil {
			return nil, err
		}
		if err := rc.Store.UpdateRunStatus(ctx, rc.RunID, store.RunStatusSampling); err != nil {
			return nil, err
		}
	}

	stats, rows, err := sample(ctx, rc, m)
	if err != nil {
		fail(rc, err)
		return nil, err
	}

	res, err := summarize(ctx, rc, m, planned, stats, rows, started)
	if err != nil {
		fail(rc, err)
		return nil, err
	}
	log.Info("fit: complete",
		zap.String("status", string(res.Status)),
		zap.Int("warnings", len(res.Report.Warnings)),
		zap.Duration("elapsed", res.FinishedAt.Sub(started)),
	)
	return res, nil
}

// sample runs the chains and returns their statistics and the rows each
// wrote to its trace file.
func sample(ctx context.Context, rc *RunContext, m *model.Model) ([]nuts.ChainStats, []int, error) {
	shared := append(nuts.Observers(nil), rc.Observers...)
	var recorder *store.StatsRecorder
	if rc.Store != nil {
		recorder = store.NewStatsRecorder(ctx, rc.Store, rc.RunID, store.DefaultBatchSize)
		shared = append(shared, recorder)
	}
	if rc.Metrics != nil {
		shared = append(shared, rc.Metrics)
	}

	stats := make([]nuts.ChainStats, rc.Chains)
	rows := make([]int, rc.Chains)
	total := rc.Sampler.Tune + rc.Sampler.Draws
	cols := m.NumRecorded()

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	for k := 0; k < rc.Chains; k++ {
		g.Go(func() error {
			obs := make(nuts.Observers, len(shared), len(shared)+1)
			copy(obs, shared)
			obs = append(obs, newProgressLogger(k, total, rc.ProgressEvery))

			w, err := trace.Create(rc.Dir, k, cols)
			if err != nil {
				return err
			}
			ev := m.NewEvaluator()
			sink := &constrainedSink{ev: ev, w: w, buf: make([]float64, cols)}

			chain, err := nuts.NewChain(k, ev, rc.Sampler, sink, obs)
			if err != nil {
				_ = w.Close()
				return err
			}
			st, runErr := chain.Run(gctx)
			closeErr := w.Close()
			if runErr != nil {
				return eris.Wrapf(runErr, "fit: chain %d", k)
			}
			if closeErr != nil {
				return closeErr
			}

			mu.Lock()
			stats[k] = st
			rows[k] = w.Rows()
			mu.Unlock()
			return nil
		})
	}
	err := g.Wait()

	if recorder != nil {
		if ferr := recorder.Flush(); ferr != nil {
			zap.L().Warn("fit: flush iteration stats", zap.String("run_id", rc.RunID), zap.Error(ferr))
		}
	}
	if rc.Metrics != nil && rc.MetricsTextfile != "" {
		if werr := monitoring.WriteTextfile(rc.MetricsTextfile, rc.Metrics.Registry()); werr != nil {
			zap.L().Warn("fit: write metrics textfile", zap.Error(werr))
		}
	}
	if err != nil {
		return nil, nil, eris.Wrap(err, "fit: sampling")
	}
	return stats, rows, nil
}

func summarize(ctx context.Context, rc *RunContext, m *model.Model, planned trace.Manifest,
	stats []nuts.ChainStats, rows []int, started time.Time) (*Result, error) {

	final := planned
	for k, n := range rows {
		final.Draws[k] = n - planned.Warmup
	}
	if err := trace.WriteManifest(rc.Dir, final); err != nil {
		return nil, err
	}

	if rc.Store != nil {
		if err := rc.Store.UpdateRunStatus(ctx, rc.RunID, store.RunStatusSummarizing); err != nil {
			return nil, err
		}
	}

	tr, err := trace.Open(rc.Dir)
	if err != nil {
		return nil, err
	}
	rep, err := diagnostics.Summarize(tr, stats, rc.Thresholds, rc.BlockBytes)
	closeErr := tr.Close()
	if err != nil {
		return nil, err
	}
	if closeErr != nil {
		return nil, closeErr
	}

	status := store.RunStatusComplete
	if !rep.Converged() {
		status = store.RunStatusCompleteWithWarnings
	}
	finished := time.Now().UTC()

	if err := report.WriteSummaryCSV(filepath.Join(rc.Dir, report.SummaryFile), rep.Parameters); err != nil {
		return nil, err
	}
	if err := report.WriteManifest(filepath.Join(rc.Dir, report.ManifestFile), report.Manifest{
		RunID:      rc.RunID,
		Status:     string(status),
		StartedAt:  started,
		FinishedAt: finished,
		Dimension:  m.Dim(),
		Recorded:   m.NumRecorded(),
		Areas:      m.Design().NumAreas(),
		LogDet:     m.LogDet().Name(),
		Chains:     stats,
		Health:     rep.Chains,
		Warnings:   rep.Warnings,
		Config:     rc.Snapshot,
	}); err != nil {
		return nil, err
	}

	if rc.Store != nil {
		if err := rc.Store.SaveChainSummaries(ctx, rc.RunID, rep.Chains); err != nil {
			return nil, err
		}
		if err := rc.Store.SaveParameterSummaries(ctx, rc.RunID, rep.Parameters); err != nil {
			return nil, err
		}
		if err := rc.Store.FinishRun(ctx, rc.RunID, status, len(rep.Warnings)); err != nil {
			return nil, err
		}
	}

	return &Result{
		RunID:      rc.RunID,
		Dir:        rc.Dir,
		Status:     status,
		Names:      final.Names,
		Chains:     stats,
		Report:     rep,
		StartedAt:  started,
		FinishedAt: finished,
	}, nil
}

// fail marks the run failed. It uses a fresh context: the run's own context
// is often the reason for the failure.
func fail(rc *RunContext, cause error) {
	if rc.Store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := rc.Store.FailRun(ctx, rc.RunID, cause); err != nil {
		zap.L().Error("fit: record failure", zap.String("run_id", rc.RunID), zap.Error(err))
	}
}
