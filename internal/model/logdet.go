package model

import (
	"math"
	"math/rand/v2"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/sells-group/spatial-income/internal/weights"
)

// LogDet evaluates log|I − ρS| and its derivative in ρ, where
// S = D^{-1/2} W D^{-1/2} is the symmetric normalised adjacency.
type LogDet interface {
	Eval(rho float64) (value, deriv float64)
	Name() string
}

// LogDetOptions selects and tunes the log-determinant strategy.
type LogDetOptions struct {
	Strategy      string // auto, eigen or series
	EigenMaxAreas int
	SeriesTerms   int
	SeriesProbes  int
	SeriesSeed    uint64
}

// normalized is S in CSR form sharing W's structure.
type normalized struct {
	w     *weights.Weights
	scale []float64 // D^{-1/2}
}

func newNormalized(w *weights.Weights, prec []float64) *normalized {
	s := &normalized{w: w, scale: make([]float64, w.N())}
	for i, d := range prec {
		s.scale[i] = 1 / math.Sqrt(d)
	}
	return s
}

// mulVec sets dst = S x using tmp as scratch.
func (s *normalized) mulVec(dst, x, tmp []float64) {
	for i, v := range x {
		tmp[i] = s.scale[i] * v
	}
	s.w.MulVec(dst, tmp)
	for i := range dst {
		dst[i] *= s.scale[i]
	}
}

// NewLogDet precomputes the configured strategy for W with diagonal
// precision prec.
func NewLogDet(w *weights.Weights, prec []float64, opts LogDetOptions) (LogDet, error) {
	strategy := strings.ToLower(opts.Strategy)
	if strategy == "" || strategy == "auto" {
		strategy = "series"
		if w.N() <= opts.EigenMaxAreas {
			strategy = "eigen"
		}
	}

	s := newNormalized(w, prec)
	switch strategy {
	case "eigen":
		return newEigenLogDet(s)
	case "series":
		return newSeriesLogDet(s, opts.SeriesTerms, opts.SeriesProbes, opts.SeriesSeed)
	default:
		return nil, eris.Errorf("model: unknown logdet strategy %q", opts.Strategy)
	}
}

// EigenLogDet is exact: log|I − ρS| = Σ log(1 − ρλ_i).
type EigenLogDet struct {
	values []float64
}

func newEigenLogDet(s *normalized) (*EigenLogDet, error) {
	n := s.w.N()
	dense := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for _, j := range s.w.Neighbors(i) {
			if j > i {
				dense.SetSym(i, j, s.scale[i]*s.scale[j])
			}
		}
	}

	var es mat.EigenSym
	if ok := es.Factorize(dense, false); !ok {
		return nil, eris.New("model: eigen decomposition of normalised adjacency failed")
	}
	values := es.Values(nil)

	zap.L().Debug("model: eigen logdet ready",
		zap.Int("areas", n),
		zap.Float64("lambda_min", floats.Min(values)),
		zap.Float64("lambda_max", floats.Max(values)),
	)
	return &EigenLogDet{values: values}, nil
}

// Name implements LogDet.
func (e *EigenLogDet) Name() string { return "eigen" }

// Eval implements LogDet. Outside the valid ρ range the value is -Inf.
func (e *EigenLogDet) Eval(rho float64) (float64, float64) {
	var v, d float64
	for _, lam := range e.values {
		t := 1 - rho*lam
		if t <= 0 {
			return math.Inf(-1), math.NaN()
		}
		v += math.Log(t)
		d -= lam / t
	}
	return v, d
}

// Eigenvalues returns a copy of the spectrum of S.
func (e *EigenLogDet) Eigenvalues() []float64 {
	return append([]float64(nil), e.values...)
}

// SeriesLogDet approximates log|I − ρS| = −Σ_k ρ^k tr(S^k)/k, truncated at K
// terms. Every connected component contributes an eigenvalue of exactly 1,
// and every bipartite one an eigenvalue of −1; those are taken out of the
// series and added back in closed form. tr(S) = 0 and tr(S²) = Σ S_ij² are
// exact; higher traces are Hutchinson estimates from Rademacher probes
// projected off the known eigenvectors. Terms past K follow a geometric tail
// fitted to the last traces.
type SeriesLogDet struct {
	traces []float64 // traces[k-1] = tr(S^k) without the known eigenvalues
	unit   int       // eigenvalues at 1
	flip   int       // eigenvalues at -1

	tailA, tailB, tailR float64 // tr(S^k) ≈ a r^k + b (−r)^k for k > K
}

// eigvec is a known eigenvector of S supported on one component.
type eigvec struct {
	idx   []int
	val   []float64
	norm2 float64
}

func (e eigvec) project(z []float64) {
	var dot float64
	for j, i := range e.idx {
		dot += z[i] * e.val[j]
	}
	c := dot / e.norm2
	for j, i := range e.idx {
		z[i] -= c * e.val[j]
	}
}

// residual is max |S v − λ v| over the support relative to max |v|.
func (e eigvec) residual(s *normalized, lambda float64) float64 {
	pos := make(map[int]float64, len(e.idx))
	for j, i := range e.idx {
		pos[i] = e.val[j]
	}
	var worst, scale float64
	for j, i := range e.idx {
		var sv float64
		for _, k := range s.w.Neighbors(i) {
			sv += s.scale[i] * s.scale[k] * pos[k]
		}
		worst = math.Max(worst, math.Abs(sv-lambda*e.val[j]))
		scale = math.Max(scale, math.Abs(e.val[j]))
	}
	return worst / scale
}

// knownEigenvectors returns the Perron vector D^{1/2}1 of each non-trivial
// component (eigenvalue 1) and, for bipartite components, its signed
// counterpart (eigenvalue −1). Vectors that fail the residual check are
// left in the series.
func knownEigenvectors(s *normalized) (unit, flip []eigvec) {
	const tol = 1e-9
	side := make([]float64, s.w.N())
	for _, comp := range s.w.Components() {
		if len(comp) < 2 {
			continue
		}
		bipartite := true
		side[comp[0]] = 1
		for _, i := range comp {
			for _, k := range s.w.Neighbors(i) {
				if side[k] == 0 {
					side[k] = -side[i]
				} else if side[k] == side[i] {
					bipartite = false
				}
			}
		}

		u := eigvec{idx: comp, val: make([]float64, len(comp))}
		v := eigvec{idx: comp, val: make([]float64, len(comp))}
		for j, i := range comp {
			u.val[j] = 1 / s.scale[i]
			v.val[j] = side[i] / s.scale[i]
			u.norm2 += u.val[j] * u.val[j]
		}
		v.norm2 = u.norm2

		if u.residual(s, 1) < tol {
			unit = append(unit, u)
		}
		if bipartite && v.residual(s, -1) < tol {
			flip = append(flip, v)
		}
	}
	return unit, flip
}

func newSeriesLogDet(s *normalized, terms, probes int, seed uint64) (*SeriesLogDet, error) {
	if terms < 2 || probes < 1 {
		return nil, eris.Errorf("model: series logdet needs terms >= 2 and probes >= 1, got %d/%d", terms, probes)
	}
	n := s.w.N()
	unit, flip := knownEigenvectors(s)
	known := append(append([]eigvec(nil), unit...), flip...)
	ld := &SeriesLogDet{traces: make([]float64, terms), unit: len(unit), flip: len(flip)}
	traces := ld.traces

	var t2 float64
	for i := 0; i < n; i++ {
		for _, j := range s.w.Neighbors(i) {
			v := s.scale[i] * s.scale[j]
			t2 += v * v
		}
	}
	traces[0] = float64(ld.flip - ld.unit)
	traces[1] = t2 - float64(ld.unit+ld.flip)

	rng := rand.New(rand.NewPCG(seed, 0x9e3779b97f4a7c15))
	probe := make([]float64, n)
	cur := make([]float64, n)
	next := make([]float64, n)
	tmp := make([]float64, n)
	for p := 0; p < probes; p++ {
		for i := range probe {
			probe[i] = 1
			if rng.IntN(2) == 0 {
				probe[i] = -1
			}
		}
		for _, e := range known {
			e.project(probe)
		}
		copy(cur, probe)
		for k := 1; k <= terms; k++ {
			s.mulVec(next, cur, tmp)
			cur, next = next, cur
			if k > 2 {
				traces[k-1] += floats.Dot(probe, cur) / float64(probes)
			}
		}
	}
	ld.fitTail()

	zap.L().Debug("model: series logdet ready",
		zap.Int("areas", n),
		zap.Int("terms", terms),
		zap.Int("probes", probes),
		zap.Int("unit_eigenvalues", ld.unit),
		zap.Int("flip_eigenvalues", ld.flip),
		zap.Float64("tail_ratio", ld.tailR),
	)
	return ld, nil
}

// fitTail matches a r^k + b (−r)^k to the last three traces. The ratio of
// traces two apart gives r², and the last two traces give a and b. The tail
// is left off when the traces are not decaying.
func (s *SeriesLogDet) fitTail() {
	k := len(s.traces)
	if k < 3 {
		return
	}
	last, prev, prev2 := s.traces[k-1], s.traces[k-2], s.traces[k-3]
	if !(last > 0 && prev2 > last) {
		return
	}
	r := math.Sqrt(last / prev2)
	parity := 1.0
	if k%2 == 1 {
		parity = -1
	}
	plus := last / math.Pow(r, float64(k))
	minus := prev / math.Pow(r, float64(k-1))
	s.tailR = r
	s.tailA = (plus + minus) / 2
	s.tailB = parity * (plus - minus) / 2
}

// Name implements LogDet.
func (s *SeriesLogDet) Name() string { return "series" }

// Eval implements LogDet. Outside the valid ρ range the value is -Inf.
func (s *SeriesLogDet) Eval(rho float64) (float64, float64) {
	if (s.unit > 0 && rho >= 1) || (s.flip > 0 && rho <= -1) {
		return math.Inf(-1), math.NaN()
	}
	var v, d float64
	pow := 1.0 // rho^(k-1)
	for k, t := range s.traces {
		kk := float64(k + 1)
		d -= pow * t
		pow *= rho
		v -= pow * t / kk
	}

	if s.unit > 0 {
		v += float64(s.unit) * math.Log1p(-rho)
		d -= float64(s.unit) / (1 - rho)
	}
	if s.flip > 0 {
		v += float64(s.flip) * math.Log1p(rho)
		d += float64(s.flip) / (1 + rho)
	}

	if s.tailR > 0 {
		terms := len(s.traces)
		for _, c := range [2]struct{ coef, slope float64 }{{s.tailA, s.tailR}, {s.tailB, -s.tailR}} {
			x := rho * c.slope
			rest, restDeriv := seriesRemainder(x, terms)
			v -= c.coef * rest
			d -= c.coef * c.slope * restDeriv
		}
	}
	return v, d
}

// seriesRemainder returns Σ_{k>K} x^k/k and its derivative x^K/(1−x), for |x| < 1.
func seriesRemainder(x float64, terms int) (float64, float64) {
	var head float64
	pow := 1.0
	for k := 1; k <= terms; k++ {
		pow *= x
		head += pow / float64(k)
	}
	return -math.Log1p(-x) - head, pow / (1 - x)
}
