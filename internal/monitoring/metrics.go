// Package monitoring exposes sampler progress and run outcomes as
// prometheus metrics on a private registry, exported as a node_exporter
// textfile.
package monitoring

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rotisserie/eris"

	"github.com/sells-group/spatial-income/internal/nuts"
)

// SamplerMetrics is a nuts.Observer that counts iterations, divergences and
// leapfrog steps per chain. Prometheus collectors are safe for concurrent
// use, so one instance serves every chain.
type SamplerMetrics struct {
	reg         *prometheus.Registry
	iterations  *prometheus.CounterVec
	divergences *prometheus.CounterVec
	leapfrogs   *prometheus.CounterVec
	stepSize    *prometheus.GaugeVec
	treeDepth   prometheus.Histogram
}

// NewSamplerMetrics registers the sampler collectors on a fresh registry.
func NewSamplerMetrics() *SamplerMetrics {
	m := &SamplerMetrics{
		reg: prometheus.NewRegistry(),
		iterations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "spatial_sampler_iterations_total",
			Help: "NUTS iterations completed",
		}, []string{"chain", "phase"}),
		divergences: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "spatial_sampler_divergences_total",
			Help: "Divergent transitions",
		}, []string{"chain"}),
		leapfrogs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "spatial_sampler_leapfrog_steps_total",
			Help: "Leapfrog steps (gradient evaluations)",
		}, []string{"chain"}),
		stepSize: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "spatial_sampler_step_size",
			Help: "Current integrator step size",
		}, []string{"chain"}),
		treeDepth: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "spatial_sampler_tree_depth",
			Help:    "Trajectory tree depth",
			Buckets: prometheus.LinearBuckets(1, 1, 12),
		}),
	}
	m.reg.MustRegister(m.iterations, m.divergences, m.leapfrogs, m.stepSize, m.treeDepth)
	return m
}

// Registry returns the private registry.
func (m *SamplerMetrics) Registry() *prometheus.Registry { return m.reg }

// Observe implements nuts.Observer.
func (m *SamplerMetrics) Observe(s nuts.IterationStats) {
	chain := strconv.Itoa(s.Chain)
	phase := "sampling"
	if s.Warmup {
		phase = "warmup"
	}
	m.iterations.WithLabelValues(chain, phase).Inc()
	m.leapfrogs.WithLabelValues(chain).Add(float64(s.LeapfrogSteps))
	m.stepSize.WithLabelValues(chain).Set(s.StepSize)
	m.treeDepth.Observe(float64(s.TreeDepth))
	if s.Divergent {
		m.divergences.WithLabelValues(chain).Inc()
	}
}

// WriteTextfile writes every metric in g to path in the text exposition
// format, atomically.
func WriteTextfile(path string, g prometheus.Gatherer) error {
	if err := prometheus.WriteToTextfile(path, g); err != nil {
		return eris.Wrapf(err, "monitoring: write textfile %s", path)
	}
	return nil
}
