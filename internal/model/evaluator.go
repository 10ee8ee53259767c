package model

import (
	"math"

	"gonum.org/v1/gonum/floats"
)

// SpatialParts decomposes the CAR log density
// ½log|D − ρW| − ½ψᵀ(D − ρW)ψ, up to the constant ½log|D|.
type SpatialParts struct {
	Quadratic float64 // −½ ψᵀDψ
	Cross     float64 // ½ ρ ψᵀWψ, the only term coupling neighbours
	LogDet    float64 // ½ log|I − ρS|
}

// Total returns the spatial log density.
func (p SpatialParts) Total() float64 { return p.Quadratic + p.Cross + p.LogDet }

// SpatialTerm evaluates the spatial prior of ψ at ρ. When gradPsi is non-nil
// the ψ-gradient is added into it. The second result is the derivative with
// respect to ρ.
func (m *Model) SpatialTerm(psi []float64, rho float64, gradPsi []float64) (SpatialParts, float64) {
	return m.spatial(psi, rho, make([]float64, len(psi)), gradPsi)
}

func (m *Model) spatial(psi []float64, rho float64, wpsi, gradPsi []float64) (SpatialParts, float64) {
	m.w.MulVec(wpsi, psi)

	var quad, cross float64
	for i, v := range psi {
		quad += m.prec[i] * v * v
		cross += v * wpsi[i]
	}
	ld, dld := m.logdet.Eval(rho)

	if gradPsi != nil {
		for i, v := range psi {
			gradPsi[i] += rho*wpsi[i] - m.prec[i]*v
		}
	}

	parts := SpatialParts{Quadratic: -0.5 * quad, Cross: 0.5 * rho * cross, LogDet: 0.5 * ld}
	return parts, 0.5*cross + 0.5*dld
}

// Evaluator owns the scratch for one chain. It is not safe for concurrent
// use; create one per goroutine with Model.NewEvaluator.
type Evaluator struct {
	m *Model

	areaSum []float64 // residual weight per SA1
	a2      []float64
	a3      []float64
	a4      []float64
	alpha2  []float64
	alpha3  []float64
	alpha4  []float64
	wpsi    []float64
	grad    []float64
}

// NewEvaluator allocates per-chain scratch.
func (m *Model) NewEvaluator() *Evaluator {
	l := m.layout
	return &Evaluator{
		m:       m,
		areaSum: make([]float64, l.A),
		a2:      make([]float64, l.G2),
		a3:      make([]float64, l.G3),
		a4:      make([]float64, l.G4),
		alpha2:  make([]float64, l.G2),
		alpha3:  make([]float64, l.G3),
		alpha4:  make([]float64, l.G4),
		wpsi:    make([]float64, l.A),
		grad:    make([]float64, l.Dim),
	}
}

// Dim returns the length of θ.
func (e *Evaluator) Dim() int { return e.m.layout.Dim }

// Model returns the shared model.
func (e *Evaluator) Model() *Model { return e.m }

// LogDensity returns the log posterior at theta, dropping additive constants.
func (e *Evaluator) LogDensity(theta []float64) float64 {
	return e.LogDensityGradient(theta, e.grad)
}

func (e *Evaluator) groupEffects(theta []float64) (s4, s3, s2 float64) {
	l := e.m.layout
	s4 = math.Exp(theta[l.LogSigma4])
	s3 = math.Exp(theta[l.LogSigma3])
	s2 = math.Exp(theta[l.LogSigma2])

	z4 := theta[l.Z4 : l.Z4+l.G4]
	z3 := theta[l.Z3 : l.Z3+l.G3]
	z2 := theta[l.Z2 : l.Z2+l.G2]
	for q, z := range z4 {
		e.alpha4[q] = s4 * z
	}
	for g, z := range z3 {
		e.alpha3[g] = e.alpha4[e.m.sa3Parent[g]] + s3*z
	}
	for k, z := range z2 {
		e.alpha2[k] = e.alpha3[e.m.sa2Parent[k]] + s2*z
	}
	return s4, s3, s2
}

// LogDensityGradient returns the log posterior at theta and overwrites grad
// with its exact gradient. Calls with equal theta return identical results.
func (e *Evaluator) LogDensityGradient(theta, grad []float64) float64 {
	m := e.m
	l := m.layout
	pr := m.priors
	x := m.x

	for i := range grad {
		grad[i] = 0
	}

	mu := theta[l.Mu]
	beta := theta[l.Beta : l.Beta+l.P]
	psi := theta[l.Psi : l.Psi+l.A]
	gBeta := grad[l.Beta : l.Beta+l.P]
	gPsi := grad[l.Psi : l.Psi+l.A]

	s4, s3, s2 := e.groupEffects(theta)
	sSp := math.Exp(theta[l.LogSigmaSp])
	sigma := math.Exp(theta[l.LogSigma])

	u := theta[l.LogitRho]
	sr := logistic(u)
	span := pr.RhoUpper - pr.RhoLower
	rho := pr.RhoLower + span*sr

	var lp float64

	// Fixed effects.
	vMu := pr.InterceptScale * pr.InterceptScale
	lp -= 0.5 * mu * mu / vMu
	grad[l.Mu] = -mu / vMu
	vBeta := pr.BetaScale * pr.BetaScale
	for j, b := range beta {
		lp -= 0.5 * b * b / vBeta
		gBeta[j] = -b / vBeta
	}

	// Standard normal z blocks.
	for i := l.Z4; i < l.Z2+l.G2; i++ {
		lp -= 0.5 * theta[i] * theta[i]
		grad[i] = -theta[i]
	}

	// Likelihood. areaSum collects r/σ² per SA1 for the upward pass.
	for a := range e.areaSum {
		e.areaSum[a] = 0
	}
	inv := 1 / (sigma * sigma)
	var ss float64
	for i := 0; i < x.N(); i++ {
		row := x.Row(i)
		a := x.Area(i)
		eta := mu + floats.Dot(row, beta) + e.alpha2[m.areaSA2[a]] + sSp*psi[a]
		r := x.Y(i) - eta
		ss += r * r
		w := r * inv
		grad[l.Mu] += w
		floats.AddScaled(gBeta, w, row)
		e.areaSum[a] += w
	}
	n := float64(x.N())
	lp += -n*theta[l.LogSigma] - 0.5*ss*inv
	dLogSigma := -n + ss*inv

	// Hierarchy gradient: push area sums up SA2 -> SA3 -> SA4.
	for k := range e.a2 {
		e.a2[k] = 0
	}
	for g := range e.a3 {
		e.a3[g] = 0
	}
	for q := range e.a4 {
		e.a4[q] = 0
	}
	for a, v := range e.areaSum {
		e.a2[m.areaSA2[a]] += v
	}
	for k, v := range e.a2 {
		e.a3[m.sa2Parent[k]] += v
	}
	for g, v := range e.a3 {
		e.a4[m.sa3Parent[g]] += v
	}

	var d4, d3, d2 float64
	for q, v := range e.a4 {
		grad[l.Z4+q] += s4 * v
		d4 += v * theta[l.Z4+q]
	}
	for g, v := range e.a3 {
		grad[l.Z3+g] += s3 * v
		d3 += v * theta[l.Z3+g]
	}
	for k, v := range e.a2 {
		grad[l.Z2+k] += s2 * v
		d2 += v * theta[l.Z2+k]
	}

	// Spatial prior and the φ = σ_spatial·ψ link.
	parts, dRho := m.spatial(psi, rho, e.wpsi, gPsi)
	lp += parts.Total()
	var dSp float64
	for a, v := range e.areaSum {
		gPsi[a] += sSp * v
		dSp += v * psi[a]
	}

	// HalfNormal scales on the log scale, Jacobian included.
	vSig := pr.SigmaScale * pr.SigmaScale
	for _, sc := range []struct {
		idx   int
		sigma float64
		dlik  float64 // d(log lik)/d(log σ)
	}{
		{l.LogSigma4, s4, s4 * d4},
		{l.LogSigma3, s3, s3 * d3},
		{l.LogSigma2, s2, s2 * d2},
		{l.LogSigmaSp, sSp, sSp * dSp},
		{l.LogSigma, sigma, dLogSigma},
	} {
		lp += -0.5*sc.sigma*sc.sigma/vSig + theta[sc.idx]
		grad[sc.idx] = sc.dlik - sc.sigma*sc.sigma/vSig + 1
	}

	// Uniform ρ through the scaled logistic, Jacobian included.
	lp += math.Log(span) - log1pexp(-u) - log1pexp(u)
	grad[l.LogitRho] = dRho*span*sr*(1-sr) + 1 - 2*sr

	return lp
}

// Constrain writes the recorded quantities for theta into out, in the order
// of Model.Names.
func (e *Evaluator) Constrain(theta, out []float64) {
	m := e.m
	l := m.layout
	pr := m.priors

	s4, s3, s2 := e.groupEffects(theta)
	sSp := math.Exp(theta[l.LogSigmaSp])

	k := 0
	put := func(v float64) {
		out[k] = v
		k++
	}
	put(theta[l.Mu])
	for _, b := range theta[l.Beta : l.Beta+l.P] {
		put(b)
	}
	put(s4)
	put(s3)
	put(s2)
	put(sSp)
	put(math.Exp(theta[l.LogSigma]))
	put(pr.RhoLower + (pr.RhoUpper-pr.RhoLower)*logistic(theta[l.LogitRho]))
	for _, v := range e.alpha4 {
		put(v)
	}
	for _, v := range e.alpha3 {
		put(v)
	}
	for _, v := range e.alpha2 {
		put(v)
	}
	if m.recordSpatial {
		for _, v := range theta[l.Psi : l.Psi+l.A] {
			put(sSp * v)
		}
	}
}
