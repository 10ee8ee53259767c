package monitoring

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rotisserie/eris"

	"github.com/sells-group/spatial-income/internal/store"
)

// RunSnapshot is a point-in-time view of recent fits.
type RunSnapshot struct {
	Total                int       `json:"total"`
	Complete             int       `json:"complete"`
	CompleteWithWarnings int       `json:"complete_with_warnings"`
	Failed               int       `json:"failed"`
	InProgress           int       `json:"in_progress"`
	FailRate             float64   `json:"fail_rate"`
	WarningRate          float64   `json:"warning_rate"`
	LookbackHours        int       `json:"lookback_hours"`
	CollectedAt          time.Time `json:"collected_at"`
}

// RunLister is the store surface the collector needs.
type RunLister interface {
	ListRuns(ctx context.Context, filter store.RunFilter) ([]store.Run, error)
}

// Collector gathers run outcome counts from the store.
type Collector struct {
	runs RunLister
}

// NewCollector creates a run collector.
func NewCollector(runs RunLister) *Collector {
	return &Collector{runs: runs}
}

// Collect counts runs created within the lookback window by status.
func (c *Collector) Collect(ctx context.Context, lookbackHours int) (*RunSnapshot, error) {
	now := time.Now().UTC()
	snap := &RunSnapshot{LookbackHours: lookbackHours, CollectedAt: now}

	runs, err := c.runs.ListRuns(ctx, store.RunFilter{
		CreatedAfter: now.Add(-time.Duration(lookbackHours) * time.Hour),
		Limit:        10000,
	})
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list runs")
	}

	snap.Total = len(runs)
	for _, r := range runs {
		switch r.Status {
		case store.RunStatusComplete:
			snap.Complete++
		case store.RunStatusCompleteWithWarnings:
			snap.CompleteWithWarnings++
		case store.RunStatusFailed:
			snap.Failed++
		default:
			snap.InProgress++
		}
	}

	if finished := snap.Complete + snap.CompleteWithWarnings + snap.Failed; finished > 0 {
		snap.FailRate = float64(snap.Failed) / float64(finished)
		snap.WarningRate = float64(snap.CompleteWithWarnings) / float64(finished)
	}
	return snap, nil
}

// Registry exposes snap as spatial_runs{status} gauges on a fresh registry.
func (s *RunSnapshot) Registry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	runs := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "spatial_runs",
		Help: "Fits within the lookback window by status",
	}, []string{"status"})
	runs.WithLabelValues(string(store.RunStatusComplete)).Set(float64(s.Complete))
	runs.WithLabelValues(string(store.RunStatusCompleteWithWarnings)).Set(float64(s.CompleteWithWarnings))
	runs.WithLabelValues(string(store.RunStatusFailed)).Set(float64(s.Failed))
	runs.WithLabelValues("in_progress").Set(float64(s.InProgress))
	reg.MustRegister(runs)
	return reg
}
