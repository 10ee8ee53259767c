// Package simulate generates synthetic nested geographies, adjacency and
// income observations from known parameter values.
package simulate

import (
	"fmt"
	"math/rand/v2"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/sells-group/spatial-income/internal/design"
	"github.com/sells-group/spatial-income/internal/hierarchy"
	"github.com/sells-group/spatial-income/internal/weights"
)

// Options sizes the synthetic geography.
type Options struct {
	SA4        int
	SA3PerSA4  int
	SA2PerSA3  int
	SA1PerSA2  int
	ObsPerArea int
	Seed       uint64
	Truth      Truth
	Predictors []string
}

// DefaultOptions gives 2 SA4 → 4 SA3 → 8 SA2 → 16 SA1 with three
// observations per SA1 and two predictors.
func DefaultOptions() Options {
	return Options{
		SA4:        2,
		SA3PerSA4:  2,
		SA2PerSA3:  2,
		SA1PerSA2:  2,
		ObsPerArea: 3,
		Seed:       7,
		Truth:      DefaultTruth(),
		Predictors: []string{"x1", "x2"},
	}
}

// Truth holds the generating parameters. Group and spatial effects are drawn
// during Toy and filled in on the returned copy.
type Truth struct {
	Mu           float64
	Beta         []float64
	SigmaSA4     float64
	SigmaSA3     float64
	SigmaSA2     float64
	SigmaSpatial float64
	Sigma        float64
	Rho          float64

	AlphaSA4 []float64
	AlphaSA3 []float64
	AlphaSA2 []float64
	Phi      []float64
}

// DefaultTruth returns moderate effects on a unit response scale.
func DefaultTruth() Truth {
	return Truth{
		Mu:           0.5,
		Beta:         []float64{0.8, -0.5},
		SigmaSA4:     0.6,
		SigmaSA3:     0.4,
		SigmaSA2:     0.3,
		SigmaSpatial: 0.5,
		Sigma:        0.3,
		Rho:          0.6,
	}
}

// Dataset is a generated problem.
type Dataset struct {
	Memberships  []hierarchy.Membership
	Pairs        []weights.Pair
	Observations []design.Observation
	Predictors   []string
	Truth        Truth
}

// Toy builds the geography, a ring-within-SA3 adjacency with one link between
// consecutive SA3s, standardised predictors and responses drawn from Truth.
func Toy(opts Options) (*Dataset, error) {
	if opts.SA4 < 1 || opts.SA3PerSA4 < 1 || opts.SA2PerSA3 < 1 || opts.SA1PerSA2 < 1 || opts.ObsPerArea < 1 {
		return nil, eris.New("simulate: all group counts must be >= 1")
	}
	truth := opts.Truth
	if len(truth.Beta) != len(opts.Predictors) {
		return nil, eris.Errorf("simulate: %d betas for %d predictors", len(truth.Beta), len(opts.Predictors))
	}

	rng := rand.New(rand.NewPCG(opts.Seed, 0x51a1))
	norm := distuv.Normal{Mu: 0, Sigma: 1, Src: rng}

	d := &Dataset{Predictors: append([]string(nil), opts.Predictors...)}

	// Geography.
	var (
		sa3Members [][]int // SA1 indices per SA3, in order
		area       int
	)
	for q := 0; q < opts.SA4; q++ {
		sa4 := fmt.Sprintf("4%02d", q+1)
		for g := 0; g < opts.SA3PerSA4; g++ {
			g3 := q*opts.SA3PerSA4 + g
			sa3 := fmt.Sprintf("3%03d", g3+1)
			var members []int
			for k := 0; k < opts.SA2PerSA3; k++ {
				k2 := g3*opts.SA2PerSA3 + k
				sa2 := fmt.Sprintf("2%04d", k2+1)
				for a := 0; a < opts.SA1PerSA2; a++ {
					d.Memberships = append(d.Memberships, hierarchy.Membership{
						SA1: fmt.Sprintf("1%05d", area+1),
						SA2: sa2,
						SA3: sa3,
						SA4: sa4,
					})
					members = append(members, area)
					area++
				}
			}
			sa3Members = append(sa3Members, members)
		}
	}
	label := func(a int) string { return d.Memberships[a].SA1 }

	// Adjacency.
	for g, members := range sa3Members {
		n := len(members)
		for i := 0; i+1 < n; i++ {
			d.Pairs = append(d.Pairs, weights.Pair{From: label(members[i]), To: label(members[i+1])})
		}
		if n > 2 {
			d.Pairs = append(d.Pairs, weights.Pair{From: label(members[n-1]), To: label(members[0])})
		}
		if g+1 < len(sa3Members) {
			d.Pairs = append(d.Pairs, weights.Pair{From: label(members[n-1]), To: label(sa3Members[g+1][0])})
		}
	}

	h, err := hierarchy.Encode(d.Memberships)
	if err != nil {
		return nil, err
	}
	w, err := weights.Build(h.Labels(hierarchy.SA1), d.Pairs, weights.Options{Isolates: weights.IndependentIsolates})
	if err != nil {
		return nil, err
	}

	// Group effects, non-centred.
	truth.AlphaSA4 = make([]float64, h.Count(hierarchy.SA4))
	for q := range truth.AlphaSA4 {
		truth.AlphaSA4[q] = truth.SigmaSA4 * norm.Rand()
	}
	truth.AlphaSA3 = make([]float64, h.Count(hierarchy.SA3))
	for g := range truth.AlphaSA3 {
		truth.AlphaSA3[g] = truth.AlphaSA4[h.SA3Parent(g)] + truth.SigmaSA3*norm.Rand()
	}
	truth.AlphaSA2 = make([]float64, h.Count(hierarchy.SA2))
	for k := range truth.AlphaSA2 {
		truth.AlphaSA2[k] = truth.AlphaSA3[h.SA2Parent(k)] + truth.SigmaSA2*norm.Rand()
	}

	psi, err := drawCAR(w, truth.Rho, norm)
	if err != nil {
		return nil, err
	}
	truth.Phi = make([]float64, len(psi))
	for a, v := range psi {
		truth.Phi[a] = truth.SigmaSpatial * v
	}

	// Predictors, standardised here so Truth.Beta is on the model's scale.
	n := h.NumAreas() * opts.ObsPerArea
	p := len(opts.Predictors)
	xs := make([][]float64, p)
	for j := range xs {
		xs[j] = make([]float64, n)
		for i := range xs[j] {
			xs[j][i] = norm.Rand()
		}
		mean, sd := stat.MeanStdDev(xs[j], nil)
		for i := range xs[j] {
			xs[j][i] = (xs[j][i] - mean) / sd
		}
	}

	d.Observations = make([]design.Observation, n)
	for i := 0; i < n; i++ {
		a := i / opts.ObsPerArea
		row := make([]float64, p)
		eta := truth.Mu + truth.AlphaSA2[h.AreaSA2(a)] + truth.Phi[a]
		for j := range row {
			row[j] = xs[j][i]
			eta += truth.Beta[j] * row[j]
		}
		d.Observations[i] = design.Observation{
			Area:       label(a),
			Response:   eta + truth.Sigma*norm.Rand(),
			Predictors: row,
		}
	}
	d.Truth = truth

	zap.L().Debug("simulate: generated toy dataset",
		zap.Int("areas", h.NumAreas()),
		zap.Int("observations", n),
		zap.Int("pairs", len(d.Pairs)),
	)
	return d, nil
}

// drawCAR samples ψ ~ N(0, (D − ρW)⁻¹) with isolates given unit precision.
func drawCAR(w *weights.Weights, rho float64, norm distuv.Normal) ([]float64, error) {
	n := w.N()
	q := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		q.SetSym(i, i, max(w.Degree(i), 1))
		for _, j := range w.Neighbors(i) {
			if j > i {
				q.SetSym(i, j, -rho)
			}
		}
	}

	var chol mat.Cholesky
	if ok := chol.Factorize(q); !ok {
		return nil, eris.Errorf("simulate: CAR precision not positive definite at rho=%g", rho)
	}

	z := mat.NewVecDense(n, nil)
	for i := 0; i < n; i++ {
		z.SetVec(i, norm.Rand())
	}

	// Q = UᵀU, so U ψ = z gives Cov(ψ) = Q⁻¹.
	var u mat.TriDense
	chol.UTo(&u)
	var psi mat.VecDense
	if err := psi.SolveVec(&u, z); err != nil {
		return nil, eris.Wrap(err, "simulate: solve CAR draw")
	}
	return mat.Col(nil, 0, &psi), nil
}

// Encode runs the dataset through the hierarchy, weights and design builders.
func (d *Dataset) Encode(standardizeResponse bool) (*hierarchy.Hierarchy, *weights.Weights, *design.Matrix, error) {
	h, err := hierarchy.Encode(d.Memberships)
	if err != nil {
		return nil, nil, nil, err
	}
	w, err := weights.Build(h.Labels(hierarchy.SA1), d.Pairs, weights.Options{})
	if err != nil {
		return nil, nil, nil, err
	}
	x, err := design.Build(d.Observations, h, design.Options{
		PredictorNames:      d.Predictors,
		StandardizeResponse: standardizeResponse,
	})
	if err != nil {
		return nil, nil, nil, err
	}
	return h, w, x, nil
}
