package nuts

import (
	"context"
	"math"
	"math/rand/v2"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// ChainStats summarises a finished chain. Counts other than
// WarmupDivergences cover the sampling phase only.
type ChainStats struct {
	Chain             int           `yaml:"chain"`
	Tune              int           `yaml:"tune"`
	Draws             int           `yaml:"draws"`
	Divergences       int           `yaml:"divergences"`
	WarmupDivergences int           `yaml:"warmup_divergences"`
	MaxDepthHits      int           `yaml:"max_depth_hits"`
	MeanAcceptStat    float64       `yaml:"mean_accept_stat"`
	MeanTreeDepth     float64       `yaml:"mean_tree_depth"`
	LeapfrogSteps     int           `yaml:"leapfrog_steps"`
	StepSize          float64       `yaml:"step_size"`
	EBFMI             float64       `yaml:"ebfmi"`
	InverseMetric     []float64     `yaml:"-"`
	Elapsed           time.Duration `yaml:"elapsed"`
}

// DivergenceRate is the fraction of sampling iterations that diverged.
func (s ChainStats) DivergenceRate() float64 {
	if s.Draws == 0 {
		return 0
	}
	return float64(s.Divergences) / float64(s.Draws)
}

// Chain is one sequential NUTS run. It owns its RNG, metric, step size and
// scratch; nothing is shared with other chains except the read-only target
// data behind Target.
type Chain struct {
	id     int
	cfg    Config
	target Target
	rng    *rand.Rand

	invMetric []float64
	stepSize  float64
	state     State

	current point
	probe   point
	traj    *trajectory
	frames  []*frame

	observer Observer
	sink     DrawSink
	log      *zap.Logger
}

// NewChain prepares chain id. The RNG is seeded from (cfg.Seed, id), so a
// given seed and chain index always reproduce the same draws.
func NewChain(id int, target Target, cfg Config, sink DrawSink, observer Observer) (*Chain, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	dim := target.Dim()
	if dim < 1 {
		return nil, eris.Errorf("nuts: target dimension %d < 1", dim)
	}

	c := &Chain{
		id:        id,
		cfg:       cfg,
		target:    target,
		rng:       rand.New(rand.NewPCG(cfg.Seed, uint64(id))),
		invMetric: make([]float64, dim),
		state:     Tuning,
		current:   newPoint(dim),
		probe:     newPoint(dim),
		traj:      newTrajectory(dim),
		frames:    make([]*frame, cfg.MaxDepth),
		observer:  observer,
		sink:      sink,
		log:       zap.L().With(zap.Int("chain", id)),
	}
	for i := range c.invMetric {
		c.invMetric[i] = 1
	}
	for d := 1; d < cfg.MaxDepth; d++ {
		c.frames[d] = newFrame(dim)
	}
	if cfg.Tune == 0 {
		c.state = Sampling
	}
	return c, nil
}

// State returns the chain's current lifecycle state.
func (c *Chain) State() State { return c.state }

// StepSize returns the current step size.
func (c *Chain) StepSize() float64 { return c.stepSize }

// InverseMetric returns a copy of the diagonal inverse metric.
func (c *Chain) InverseMetric() []float64 { return append([]float64(nil), c.invMetric...) }

// Run executes tuning then sampling. Cancelling ctx stops the chain between
// iterations; the partial stats are returned with the context error.
func (c *Chain) Run(ctx context.Context) (ChainStats, error) {
	start := time.Now()
	stats := ChainStats{Chain: c.id, Tune: c.cfg.Tune}

	if err := c.initialize(); err != nil {
		return stats, err
	}

	c.stepSize = c.cfg.StepSize
	if c.stepSize == 0 {
		c.stepSize = 1
		if err := c.searchStepSize(); err != nil {
			return stats, err
		}
	}

	da := newDualAveraging(c.cfg.TargetAccept)
	da.restart(c.stepSize)
	ma := &metricAdapter{win: newWindows(c.cfg.Tune), est: newWelford(len(c.invMetric))}

	c.log.Debug("nuts: chain started",
		zap.Int("dim", len(c.invMetric)),
		zap.Float64("step_size", c.stepSize),
		zap.Int("tune", c.cfg.Tune),
		zap.Int("draws", c.cfg.Draws),
	)

	var (
		sumAccept, sumDepth float64
		energy              energyStats
	)
	total := c.cfg.Tune + c.cfg.Draws
	for it := 0; it < total; it++ {
		if err := ctx.Err(); err != nil {
			stats.Elapsed = time.Since(start)
			return stats, eris.Wrapf(err, "nuts: chain %d stopped at iteration %d", c.id, it)
		}

		warmup := it < c.cfg.Tune
		phase := Sampling
		if warmup {
			phase = Tuning
		}

		eps := c.stepSize
		tr := c.transition()

		c.state = phase
		if tr.divergent {
			c.state = Diverged
		}

		if warmup {
			if tr.divergent {
				stats.WarmupDivergences++
			}
			c.stepSize = da.learn(tr.acceptStat)
			if ma.learn(c.invMetric, c.current.q) {
				if err := c.searchStepSize(); err != nil {
					return stats, err
				}
				da.restart(c.stepSize)
				c.log.Debug("nuts: metric window closed",
					zap.Int("iteration", it),
					zap.Float64("step_size", c.stepSize),
				)
			}
			if it == c.cfg.Tune-1 {
				c.stepSize = da.final()
				c.log.Debug("nuts: tuning finished", zap.Float64("step_size", c.stepSize))
			}
		} else {
			stats.Draws++
			if tr.divergent {
				stats.Divergences++
			}
			if tr.maxDepthHit {
				stats.MaxDepthHits++
			}
			sumAccept += tr.acceptStat
			sumDepth += float64(tr.depth)
			stats.LeapfrogSteps += tr.leapfrogs
			energy.add(tr.energy)
		}

		if c.observer != nil {
			c.observer.Observe(IterationStats{
				Chain:         c.id,
				Iteration:     it,
				State:         c.state,
				Warmup:        warmup,
				StepSize:      eps,
				TreeDepth:     tr.depth,
				LeapfrogSteps: tr.leapfrogs,
				AcceptStat:    tr.acceptStat,
				Divergent:     tr.divergent,
				MaxDepthHit:   tr.maxDepthHit,
				Energy:        tr.energy,
				LogDensity:    c.current.lp,
			})
		}

		if c.sink != nil && (!warmup || c.cfg.SaveWarmup) {
			if err := c.sink.Record(Draw{
				Chain:      c.id,
				Iteration:  it,
				Warmup:     warmup,
				Position:   c.current.q,
				LogDensity: c.current.lp,
			}); err != nil {
				return stats, eris.Wrapf(err, "nuts: chain %d record draw %d", c.id, it)
			}
		}
	}

	c.state = Complete
	if stats.Draws > 0 {
		stats.MeanAcceptStat = sumAccept / float64(stats.Draws)
		stats.MeanTreeDepth = sumDepth / float64(stats.Draws)
	}
	stats.StepSize = c.stepSize
	stats.EBFMI = energy.bfmi()
	stats.InverseMetric = c.InverseMetric()
	stats.Elapsed = time.Since(start)

	c.log.Info("nuts: chain complete",
		zap.Int("draws", stats.Draws),
		zap.Int("divergences", stats.Divergences),
		zap.Int("max_depth_hits", stats.MaxDepthHits),
		zap.Float64("mean_accept_stat", stats.MeanAcceptStat),
		zap.Float64("step_size", stats.StepSize),
		zap.Float64("ebfmi", stats.EBFMI),
		zap.Duration("elapsed", stats.Elapsed),
	)
	return stats, nil
}

const maxInitAttempts = 100

// initialize draws the starting position uniformly from
// [-InitRadius, InitRadius]^d until the density and gradient are finite.
func (c *Chain) initialize() error {
	z := &c.current
	r := c.cfg.InitRadius
	for attempt := 0; attempt < maxInitAttempts; attempt++ {
		for i := range z.q {
			z.q[i] = 0
			if r > 0 {
				z.q[i] = r * (2*c.rng.Float64() - 1)
			}
		}
		z.lp = c.target.LogDensityGradient(z.q, z.g)
		if finite(z.lp) && allFinite(z.g) {
			return nil
		}
		if r == 0 {
			break
		}
	}
	return eris.Errorf("nuts: chain %d found no finite starting point in %d attempts", c.id, maxInitAttempts)
}

// searchStepSize doubles or halves the step size until the acceptance
// probability of a single leapfrog step crosses one half.
func (c *Chain) searchStepSize() error {
	threshold := math.Log(0.5)
	oneStep := func() float64 {
		c.probe.copyFrom(&c.current)
		c.sampleMomentum(&c.probe)
		h0 := c.hamiltonian(&c.probe)
		c.leapfrog(&c.probe, c.stepSize)
		return h0 - c.hamiltonian(&c.probe)
	}

	direction := -1.0
	if oneStep() > threshold {
		direction = 1
	}
	for {
		delta := oneStep()
		if direction == 1 && !(delta > threshold) {
			break
		}
		if direction == -1 && !(delta < threshold) {
			break
		}
		if direction == 1 {
			c.stepSize *= 2
		} else {
			c.stepSize *= 0.5
		}
		if c.stepSize > 1e7 {
			return eris.Errorf("nuts: chain %d step size diverged to %g; the posterior may be improper", c.id, c.stepSize)
		}
		if c.stepSize == 0 {
			return eris.Errorf("nuts: chain %d step size collapsed to zero", c.id)
		}
	}
	return nil
}

// energyStats accumulates what E-BFMI needs without keeping the energies.
type energyStats struct {
	n       int
	last    float64
	sumDiff float64
	mean    float64
	m2      float64
}

func (e *energyStats) add(h float64) {
	if e.n > 0 {
		d := h - e.last
		e.sumDiff += d * d
	}
	e.last = h
	e.n++
	delta := h - e.mean
	e.mean += delta / float64(e.n)
	e.m2 += (h - e.mean) * delta
}

// bfmi is Σ(E_n − E_{n−1})² / Σ(E_n − Ē)², NaN with fewer than two draws.
func (e *energyStats) bfmi() float64 {
	if e.n < 2 || e.m2 == 0 {
		return math.NaN()
	}
	return e.sumDiff / e.m2
}

func finite(v float64) bool { return !math.IsNaN(v) && !math.IsInf(v, 0) }

func allFinite(v []float64) bool {
	for _, x := range v {
		if !finite(x) {
			return false
		}
	}
	return true
}
