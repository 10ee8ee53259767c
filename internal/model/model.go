package model

import (
	"fmt"
	"math"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/spatial-income/internal/design"
	"github.com/sells-group/spatial-income/internal/errkind"
	"github.com/sells-group/spatial-income/internal/hierarchy"
	"github.com/sells-group/spatial-income/internal/weights"
)

// Priors holds the prior scales and the support of ρ.
type Priors struct {
	InterceptScale float64
	BetaScale      float64
	SigmaScale     float64
	RhoLower       float64
	RhoUpper       float64
}

// DefaultPriors returns weakly informative priors for a standardised response.
func DefaultPriors() Priors {
	return Priors{InterceptScale: 5, BetaScale: 2.5, SigmaScale: 1, RhoLower: 0, RhoUpper: 1}
}

func (p Priors) validate() error {
	if !(p.InterceptScale > 0) || !(p.BetaScale > 0) || !(p.SigmaScale > 0) {
		return eris.New("model: prior scales must be > 0")
	}
	if p.RhoLower < -1 || p.RhoUpper > 1 || !(p.RhoLower < p.RhoUpper) {
		return eris.Errorf("model: rho bounds [%g, %g] must satisfy -1 <= lower < upper <= 1", p.RhoLower, p.RhoUpper)
	}
	return nil
}

// Spec gathers everything needed to build a Model.
type Spec struct {
	Hierarchy     *hierarchy.Hierarchy
	Weights       *weights.Weights
	Design        *design.Matrix
	Priors        Priors
	LogDet        LogDetOptions
	RecordSpatial bool
}

// Model is immutable after New and safe to share across goroutines. Per-chain
// scratch lives in an Evaluator.
type Model struct {
	layout Layout
	priors Priors

	h *hierarchy.Hierarchy
	w *weights.Weights
	x *design.Matrix

	areaSA2   []int
	sa2Parent []int
	sa3Parent []int

	prec   []float64 // CAR diagonal: degree, or 1 for isolates
	logdet LogDet

	names         []string
	recordSpatial bool
}

// New checks that the hierarchy, weights and design agree on the SA1 universe
// and precomputes the log-determinant.
func New(spec Spec) (*Model, error) {
	if spec.Hierarchy == nil || spec.Weights == nil || spec.Design == nil {
		return nil, eris.New("model: hierarchy, weights and design are required")
	}
	if err := spec.Priors.validate(); err != nil {
		return nil, err
	}

	a := spec.Hierarchy.NumAreas()
	if spec.Weights.N() != a {
		return nil, errkind.Data("model: weights cover %d areas, hierarchy has %d", spec.Weights.N(), a)
	}
	if spec.Design.NumAreas() != a {
		return nil, errkind.Data("model: design indexed over %d areas, hierarchy has %d", spec.Design.NumAreas(), a)
	}

	h := spec.Hierarchy
	m := &Model{
		layout: NewLayout(
			spec.Design.P(),
			h.Count(hierarchy.SA4), h.Count(hierarchy.SA3), h.Count(hierarchy.SA2), a,
		),
		priors:        spec.Priors,
		h:             h,
		w:             spec.Weights,
		x:             spec.Design,
		areaSA2:       h.AreaSA2Index(),
		sa2Parent:     h.SA2ParentIndex(),
		sa3Parent:     h.SA3ParentIndex(),
		prec:          make([]float64, a),
		recordSpatial: spec.RecordSpatial,
	}
	for i := range m.prec {
		m.prec[i] = math.Max(spec.Weights.Degree(i), 1)
	}

	ld, err := NewLogDet(spec.Weights, m.prec, spec.LogDet)
	if err != nil {
		return nil, err
	}
	m.logdet = ld
	m.names = m.buildNames()

	zap.L().Info("model: built",
		zap.Int("dim", m.layout.Dim),
		zap.Int("observations", spec.Design.N()),
		zap.Int("predictors", m.layout.P),
		zap.Int("sa4", m.layout.G4),
		zap.Int("sa3", m.layout.G3),
		zap.Int("sa2", m.layout.G2),
		zap.Int("sa1", a),
		zap.Int("neighbour_links", spec.Weights.NNZ()/2),
		zap.Int("isolates", len(spec.Weights.Isolates())),
		zap.String("logdet", ld.Name()),
	)
	return m, nil
}

// Dim returns the length of the unconstrained vector.
func (m *Model) Dim() int { return m.layout.Dim }

// Layout returns the block offsets of θ.
func (m *Model) Layout() Layout { return m.layout }

// Priors returns the prior configuration.
func (m *Model) Priors() Priors { return m.priors }

// LogDet returns the log-determinant strategy in use.
func (m *Model) LogDet() LogDet { return m.logdet }

// Design returns the design matrix the model was built on.
func (m *Model) Design() *design.Matrix { return m.x }

// Names returns the recorded quantity names, matching Evaluator.Constrain.
// Order: mu, beta, the five scales, rho, alpha_sa4, alpha_sa3, alpha_sa2 and,
// when spatial effects are recorded, phi.
func (m *Model) Names() []string { return append([]string(nil), m.names...) }

// NumRecorded returns len(Names()).
func (m *Model) NumRecorded() int { return len(m.names) }

func (m *Model) buildNames() []string {
	l := m.layout
	n := 1 + l.P + 6 + l.G4 + l.G3 + l.G2
	if m.recordSpatial {
		n += l.A
	}
	names := make([]string, 0, n)
	names = append(names, "mu")
	for _, p := range m.x.PredictorNames() {
		names = append(names, fmt.Sprintf("beta[%s]", p))
	}
	names = append(names, "sigma_sa4", "sigma_sa3", "sigma_sa2", "sigma_spatial", "sigma", "rho")
	levels := []struct {
		prefix string
		level  hierarchy.Level
	}{
		{"alpha_sa4", hierarchy.SA4},
		{"alpha_sa3", hierarchy.SA3},
		{"alpha_sa2", hierarchy.SA2},
	}
	if m.recordSpatial {
		levels = append(levels, struct {
			prefix string
			level  hierarchy.Level
		}{"phi", hierarchy.SA1})
	}
	for _, lv := range levels {
		for _, lab := range m.h.Labels(lv.level) {
			names = append(names, fmt.Sprintf("%s[%s]", lv.prefix, lab))
		}
	}
	return names
}

// Rho maps the unconstrained u to ρ = lower + (upper − lower)·logistic(u).
func (m *Model) Rho(u float64) float64 {
	return m.priors.RhoLower + (m.priors.RhoUpper-m.priors.RhoLower)*logistic(u)
}

// RhoUnconstrained is the inverse of Rho.
func (m *Model) RhoUnconstrained(rho float64) float64 {
	s := (rho - m.priors.RhoLower) / (m.priors.RhoUpper - m.priors.RhoLower)
	return math.Log(s) - math.Log1p(-s)
}

func logistic(u float64) float64 {
	if u >= 0 {
		return 1 / (1 + math.Exp(-u))
	}
	e := math.Exp(u)
	return e / (1 + e)
}

// log1pexp computes log(1 + e^x) without overflow.
func log1pexp(x float64) float64 {
	if x > 0 {
		return x + math.Log1p(math.Exp(-x))
	}
	return math.Log1p(math.Exp(x))
}
