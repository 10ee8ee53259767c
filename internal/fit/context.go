// Package fit runs a complete model fit: it builds the model inputs from
// configuration, samples every chain concurrently into a trace directory,
// summarises the draws and persists the outcome.
package fit

import (
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/sells-group/spatial-income/internal/config"
	"github.com/sells-group/spatial-income/internal/diagnostics"
	"github.com/sells-group/spatial-income/internal/monitoring"
	"github.com/sells-group/spatial-income/internal/nuts"
	"github.com/sells-group/spatial-income/internal/store"
)

// RunContext carries everything one fit needs. It is passed explicitly; no
// run state lives in package variables.
type RunContext struct {
	RunID      string
	Dir        string // trace and report directory for this run
	Chains     int
	Sampler    nuts.Config
	Thresholds diagnostics.Thresholds
	BlockBytes int64

	// ProgressEvery throttles the per-chain progress log. Zero disables it;
	// divergences are logged regardless.
	ProgressEvery time.Duration

	// Optional collaborators.
	Observers       []nuts.Observer
	Store           store.Store
	Metrics         *monitoring.SamplerMetrics
	MetricsTextfile string

	// Snapshot is recorded verbatim in the run manifest and store.
	Snapshot any
}

// NewRunContext derives a run context from configuration with a fresh run ID.
// Store and metrics are left for the caller to attach.
func NewRunContext(cfg *config.Config) *RunContext {
	id := uuid.New().String()
	return &RunContext{
		RunID:           id,
		Dir:             filepath.Join(cfg.Output.Dir, id),
		Chains:          cfg.Sampler.Chains,
		Sampler:         SamplerConfig(cfg.Sampler),
		Thresholds:      Thresholds(cfg.Diagnostics),
		BlockBytes:      cfg.Diagnostics.BlockBytes,
		ProgressEvery:   10 * time.Second,
		MetricsTextfile: cfg.Metrics.Textfile,
		Snapshot:        cfg,
	}
}

// SamplerConfig maps the sampler section onto a chain configuration.
func SamplerConfig(c config.SamplerConfig) nuts.Config {
	return nuts.Config{
		Tune:           c.Tune,
		Draws:          c.Draws,
		Seed:           c.Seed,
		TargetAccept:   c.TargetAccept,
		MaxDepth:       c.MaxDepth,
		MaxEnergyError: c.MaxEnergyError,
		InitRadius:     c.InitRadius,
		StepSize:       c.StepSize,
		SaveWarmup:     c.SaveWarmup,
	}
}

// Thresholds maps the diagnostics section onto warning thresholds.
func Thresholds(c config.DiagnosticsConfig) diagnostics.Thresholds {
	return diagnostics.Thresholds{
		RHat:              c.RhatThreshold,
		MinESSPerChain:    c.MinESSPerChain,
		MaxDivergenceRate: c.MaxDivergenceRate,
		MinEBFMI:          c.MinEBFMI,
	}
}
