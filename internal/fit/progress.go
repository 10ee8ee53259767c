package fit

import (
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/spatial-income/internal/nuts"
)

// progressLogger logs a chain's progress at most once per interval and every
// divergence as it happens. Each chain owns one, so no locking is needed.
type progressLogger struct {
	log     *zap.Logger
	limiter *rate.Limiter
	total   int
	started bool
}

func newProgressLogger(chain, total int, every time.Duration) *progressLogger {
	p := &progressLogger{
		log:   zap.L().With(zap.Int("chain", chain)),
		total: total,
	}
	if every > 0 {
		p.limiter = rate.NewLimiter(rate.Every(every), 1)
	}
	return p
}

func (p *progressLogger) Observe(s nuts.IterationStats) {
	if !p.started {
		p.started = true
		p.log.Info("fit: chain started", zap.Int("iterations", p.total))
	}
	if s.Divergent {
		p.log.Warn("fit: divergent transition",
			zap.Int("iteration", s.Iteration),
			zap.Bool("warmup", s.Warmup),
			zap.Float64("step_size", s.StepSize),
		)
	}
	if p.limiter == nil || !p.limiter.Allow() {
		return
	}
	p.log.Info("fit: progress",
		zap.Int("iteration", s.Iteration+1),
		zap.Int("of", p.total),
		zap.String("phase", phase(s.Warmup)),
		zap.Float64("step_size", s.StepSize),
		zap.Float64("accept_stat", s.AcceptStat),
		zap.Int("tree_depth", s.TreeDepth),
	)
}

func phase(warmup bool) string {
	if warmup {
		return "warmup"
	}
	return "sampling"
}
