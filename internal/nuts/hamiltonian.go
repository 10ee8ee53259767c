package nuts

import (
	"math"

	"gonum.org/v1/gonum/floats"
)

// point is a phase-space state: position, momentum, gradient and log density.
type point struct {
	q, p, g []float64
	lp      float64
}

func newPoint(dim int) point {
	return point{q: make([]float64, dim), p: make([]float64, dim), g: make([]float64, dim)}
}

func (z *point) copyFrom(o *point) {
	copy(z.q, o.q)
	copy(z.p, o.p)
	copy(z.g, o.g)
	z.lp = o.lp
}

// hamiltonian is −log p(q) + ½ pᵀ M⁻¹ p. NaN maps to +Inf.
func (c *Chain) hamiltonian(z *point) float64 {
	var k float64
	for i, p := range z.p {
		k += p * p * c.invMetric[i]
	}
	h := -z.lp + 0.5*k
	if math.IsNaN(h) {
		return math.Inf(1)
	}
	return h
}

// sharp writes M⁻¹p into dst.
func (c *Chain) sharp(dst []float64, z *point) {
	floats.MulTo(dst, c.invMetric, z.p)
}

// leapfrog advances z by one step of size eps.
func (c *Chain) leapfrog(z *point, eps float64) {
	floats.AddScaled(z.p, 0.5*eps, z.g)
	for i, p := range z.p {
		z.q[i] += eps * c.invMetric[i] * p
	}
	z.lp = c.target.LogDensityGradient(z.q, z.g)
	floats.AddScaled(z.p, 0.5*eps, z.g)
}

// sampleMomentum draws p ~ N(0, M).
func (c *Chain) sampleMomentum(z *point) {
	for i := range z.p {
		z.p[i] = c.rng.NormFloat64() / math.Sqrt(c.invMetric[i])
	}
}

// noUTurn is the generalised criterion on sharp momenta at both ends of a
// trajectory whose momentum sum is rho.
func noUTurn(sharpMinus, sharpPlus, rho []float64) bool {
	return floats.Dot(sharpPlus, rho) > 0 && floats.Dot(sharpMinus, rho) > 0
}

// noUTurnExt is noUTurn with rho = a + b, without materialising the sum.
func noUTurnExt(sharpMinus, sharpPlus, a, b []float64) bool {
	return floats.Dot(sharpPlus, a)+floats.Dot(sharpPlus, b) > 0 &&
		floats.Dot(sharpMinus, a)+floats.Dot(sharpMinus, b) > 0
}

func logSumExp(a, b float64) float64 {
	if math.IsInf(a, -1) {
		return b
	}
	if math.IsInf(b, -1) {
		return a
	}
	if a > b {
		return a + math.Log1p(math.Exp(b-a))
	}
	return b + math.Log1p(math.Exp(a-b))
}
