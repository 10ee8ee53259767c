// Package design assembles the fixed-effect design matrix: standardised
// predictors, the response, and the observation -> SA1 index used by the model.
package design

import (
	"math"

	"gonum.org/v1/gonum/stat"

	"github.com/sells-group/spatial-income/internal/errkind"
	"github.com/sells-group/spatial-income/internal/hierarchy"
)

// Observation is one cleaned input row keyed by SA1 label.
type Observation struct {
	Area       string
	Response   float64
	Predictors []float64
}

// Options configures standardisation.
type Options struct {
	PredictorNames      []string
	StandardizeResponse bool
}

// Scale records the centring and scaling applied to a column, so that
// estimates can be mapped back: raw = Mean + SD*standardised.
type Scale struct {
	Mean float64 `yaml:"mean" json:"mean"`
	SD   float64 `yaml:"sd" json:"sd"`
}

// Matrix is the immutable N×P design plus response.
type Matrix struct {
	n, p     int
	x        []float64 // row-major
	y        []float64
	area     []int
	names    []string
	xScale   []Scale
	yScale   Scale
	numAreas int
}

// Build maps each observation to its SA1 index and standardises predictors
// (and optionally the response). Unknown areas, non-finite values, ragged rows
// and constant predictors are data errors.
func Build(obs []Observation, h *hierarchy.Hierarchy, opts Options) (*Matrix, error) {
	n := len(obs)
	p := len(opts.PredictorNames)
	if n < 2 {
		return nil, errkind.Data("design: need at least 2 observations, got %d", n)
	}
	if p == 0 {
		return nil, errkind.Data("design: no predictors")
	}

	m := &Matrix{
		n:        n,
		p:        p,
		x:        make([]float64, n*p),
		y:        make([]float64, n),
		area:     make([]int, n),
		names:    append([]string(nil), opts.PredictorNames...),
		xScale:   make([]Scale, p),
		yScale:   Scale{Mean: 0, SD: 1},
		numAreas: h.NumAreas(),
	}

	for i, o := range obs {
		a, ok := h.Index(hierarchy.SA1, o.Area)
		if !ok {
			return nil, errkind.Data("design: observation %d: area %q not in hierarchy", i+1, o.Area)
		}
		m.area[i] = a

		if len(o.Predictors) != p {
			return nil, errkind.Data("design: observation %d: %d predictors, want %d", i+1, len(o.Predictors), p)
		}
		if !finite(o.Response) {
			return nil, errkind.Data("design: observation %d: non-finite response", i+1)
		}
		m.y[i] = o.Response
		for j, v := range o.Predictors {
			if !finite(v) {
				return nil, errkind.Data("design: observation %d: non-finite %s", i+1, m.names[j])
			}
			m.x[i*p+j] = v
		}
	}

	col := make([]float64, n)
	for j := 0; j < p; j++ {
		for i := 0; i < n; i++ {
			col[i] = m.x[i*p+j]
		}
		mean, sd := stat.MeanStdDev(col, nil)
		if !(sd > 0) {
			return nil, errkind.Data("design: predictor %s has zero variance", m.names[j])
		}
		m.xScale[j] = Scale{Mean: mean, SD: sd}
		for i := 0; i < n; i++ {
			m.x[i*p+j] = (m.x[i*p+j] - mean) / sd
		}
	}

	if opts.StandardizeResponse {
		mean, sd := stat.MeanStdDev(m.y, nil)
		if !(sd > 0) {
			return nil, errkind.Data("design: response has zero variance")
		}
		m.yScale = Scale{Mean: mean, SD: sd}
		for i := range m.y {
			m.y[i] = (m.y[i] - mean) / sd
		}
	}

	return m, nil
}

func finite(v float64) bool { return !math.IsNaN(v) && !math.IsInf(v, 0) }

// N returns the number of observations.
func (m *Matrix) N() int { return m.n }

// P returns the number of predictors.
func (m *Matrix) P() int { return m.p }

// NumAreas returns the number of SA1 units in the hierarchy the design was
// built against.
func (m *Matrix) NumAreas() int { return m.numAreas }

// Row returns the standardised predictors of observation i (shared, read-only).
func (m *Matrix) Row(i int) []float64 { return m.x[i*m.p : (i+1)*m.p] }

// Y returns the (possibly standardised) response of observation i.
func (m *Matrix) Y(i int) float64 { return m.y[i] }

// Area returns the SA1 index of observation i.
func (m *Matrix) Area(i int) int { return m.area[i] }

// PredictorNames returns the predictor column names in order.
func (m *Matrix) PredictorNames() []string { return append([]string(nil), m.names...) }

// PredictorScale returns the standardisation applied to predictor j.
func (m *Matrix) PredictorScale(j int) Scale { return m.xScale[j] }

// ResponseScale returns the standardisation applied to the response; the
// identity {0, 1} when the response was left on its raw scale.
func (m *Matrix) ResponseScale() Scale { return m.yScale }
