// Package nuts implements the No-U-Turn sampler with multinomial trajectory
// sampling, a diagonal Euclidean metric, dual-averaging step size adaptation
// and windowed metric adaptation.
package nuts

import (
	"github.com/rotisserie/eris"
)

// Target is a differentiable log density on an unconstrained space.
type Target interface {
	Dim() int
	// LogDensityGradient returns log p(q) and overwrites grad with its gradient.
	LogDensityGradient(q, grad []float64) float64
}

// State is the chain's position in its lifecycle.
type State int

// Chain states.
const (
	Tuning State = iota
	Sampling
	Diverged
	Complete
)

func (s State) String() string {
	switch s {
	case Tuning:
		return "tuning"
	case Sampling:
		return "sampling"
	case Diverged:
		return "diverged"
	case Complete:
		return "complete"
	default:
		return "unknown"
	}
}

// Config controls one chain.
type Config struct {
	Tune           int
	Draws          int
	Seed           uint64
	TargetAccept   float64
	MaxDepth       int
	MaxEnergyError float64
	InitRadius     float64
	StepSize       float64 // initial step size; 0 searches for one
	SaveWarmup     bool
}

// DefaultConfig mirrors the command-line defaults.
func DefaultConfig() Config {
	return Config{
		Tune:           1000,
		Draws:          2000,
		Seed:           20240501,
		TargetAccept:   0.85,
		MaxDepth:       10,
		MaxEnergyError: 1000,
		InitRadius:     1,
	}
}

func (c Config) validate() error {
	switch {
	case c.Tune < 0 || c.Draws < 1:
		return eris.Errorf("nuts: need tune >= 0 and draws >= 1, got %d/%d", c.Tune, c.Draws)
	case c.TargetAccept <= 0 || c.TargetAccept >= 1:
		return eris.Errorf("nuts: target accept %g outside (0, 1)", c.TargetAccept)
	case c.MaxDepth < 1:
		return eris.Errorf("nuts: max depth %d < 1", c.MaxDepth)
	case c.MaxEnergyError <= 0:
		return eris.Errorf("nuts: max energy error %g <= 0", c.MaxEnergyError)
	case c.StepSize < 0 || c.InitRadius < 0:
		return eris.New("nuts: step size and init radius must be >= 0")
	}
	return nil
}

// IterationStats describes one transition.
type IterationStats struct {
	Chain         int
	Iteration     int // zero-based across warmup and sampling
	State         State
	Warmup        bool
	StepSize      float64
	TreeDepth     int
	LeapfrogSteps int
	AcceptStat    float64
	Divergent     bool
	MaxDepthHit   bool
	Energy        float64
	LogDensity    float64
}

// Observer receives per-iteration diagnostics. Observe is called from the
// chain's goroutine; implementations shared across chains must be safe for
// concurrent use.
type Observer interface {
	Observe(IterationStats)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(IterationStats)

// Observe implements Observer.
func (f ObserverFunc) Observe(s IterationStats) { f(s) }

// Observers fans out to several observers in order.
type Observers []Observer

// Observe implements Observer.
func (o Observers) Observe(s IterationStats) {
	for _, obs := range o {
		if obs != nil {
			obs.Observe(s)
		}
	}
}

// Draw is one retained position. Position is only valid during Record.
type Draw struct {
	Chain      int
	Iteration  int
	Warmup     bool
	Position   []float64
	LogDensity float64
}

// DrawSink receives retained draws in iteration order.
type DrawSink interface {
	Record(Draw) error
}
