// Package diagnostics computes posterior summaries and convergence
// diagnostics: rank-normalised split R-hat, bulk and tail effective sample
// size, Monte Carlo standard error, quantiles and per-chain sampler health.
package diagnostics

import (
	"math"
	"slices"
	"sort"

	"gonum.org/v1/gonum/dsp/fourier"
	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distuv"
)

// minDraws is the fewest draws per chain for which R-hat and ESS are defined.
const minDraws = 4

// splitChains halves every chain, dropping the middle draw of odd-length
// chains.
func splitChains(chains [][]float64) [][]float64 {
	out := make([][]float64, 0, 2*len(chains))
	for _, c := range chains {
		half := len(c) / 2
		out = append(out, c[:half], c[len(c)-half:])
	}
	return out
}

func pooled(chains [][]float64) []float64 {
	n := 0
	for _, c := range chains {
		n += len(c)
	}
	all := make([]float64, 0, n)
	for _, c := range chains {
		all = append(all, c...)
	}
	return all
}

// rankNormalize replaces every draw by the normal score of its pooled rank,
// Φ⁻¹((r − 3/8)/(S + 1/4)), averaging ranks over ties.
func rankNormalize(chains [][]float64) [][]float64 {
	type ref struct {
		v    float64
		c, i int
	}
	var refs []ref
	for c, ch := range chains {
		for i, v := range ch {
			refs = append(refs, ref{v: v, c: c, i: i})
		}
	}
	sort.SliceStable(refs, func(a, b int) bool { return refs[a].v < refs[b].v })

	out := make([][]float64, len(chains))
	for c, ch := range chains {
		out[c] = make([]float64, len(ch))
	}

	s := float64(len(refs))
	for lo := 0; lo < len(refs); {
		hi := lo + 1
		for hi < len(refs) && refs[hi].v == refs[lo].v {
			hi++
		}
		// 1-based average rank of the tie group.
		r := float64(lo+hi+1) / 2
		z := distuv.UnitNormal.Quantile((r - 0.375) / (s + 0.25))
		for _, x := range refs[lo:hi] {
			out[x.c][x.i] = z
		}
		lo = hi
	}
	return out
}

func fold(chains [][]float64) [][]float64 {
	all := pooled(chains)
	slices.Sort(all)
	med := stat.Quantile(0.5, stat.Empirical, all, nil)
	out := make([][]float64, len(chains))
	for c, ch := range chains {
		out[c] = make([]float64, len(ch))
		for i, v := range ch {
			out[c][i] = math.Abs(v - med)
		}
	}
	return out
}

// basicRhat is the potential scale reduction of equal-length chains.
func basicRhat(chains [][]float64) float64 {
	m := float64(len(chains))
	n := float64(len(chains[0]))
	means := make([]float64, len(chains))
	var w float64
	for c, ch := range chains {
		mean, v := stat.MeanVariance(ch, nil)
		means[c] = mean
		w += v
	}
	w /= m
	b := n * stat.Variance(means, nil)
	if w == 0 {
		if b > 0 {
			return math.Inf(1)
		}
		return math.NaN()
	}
	varPlus := (n-1)/n*w + b/n
	return math.Sqrt(varPlus / w)
}

// RHat is the rank-normalised split R-hat: the larger of the bulk and folded
// (tail) statistics. NaN when chains are shorter than four draws.
func RHat(chains [][]float64) float64 {
	if len(chains) == 0 || len(chains[0]) < minDraws {
		return math.NaN()
	}
	split := splitChains(chains)
	bulk := basicRhat(rankNormalize(split))
	tail := basicRhat(rankNormalize(fold(split)))
	return math.Max(bulk, tail)
}

// autocov returns the biased autocovariance of x at lags 0..n-1 computed by
// FFT with zero padding.
func autocov(x []float64, fft *fourier.FFT, padded []float64) []float64 {
	n := len(x)
	mean := stat.Mean(x, nil)
	for i := range padded {
		padded[i] = 0
	}
	var ss float64
	for i, v := range x {
		d := v - mean
		padded[i] = d
		ss += d * d
	}

	coeff := fft.Coefficients(nil, padded)
	for i, c := range coeff {
		coeff[i] = complex(real(c)*real(c)+imag(c)*imag(c), 0)
	}
	seq := fft.Sequence(nil, coeff)

	out := make([]float64, n)
	if seq[0] == 0 {
		return out
	}
	// seq is the unnormalised autocorrelation; scale so lag 0 equals the
	// biased variance.
	scale := (ss / float64(n)) / seq[0]
	for t := range out {
		out[t] = seq[t] * scale
	}
	return out
}

// ess is Geyer's initial monotone sequence estimator over equal-length chains.
func ess(chains [][]float64) float64 {
	m := len(chains)
	if m == 0 {
		return math.NaN()
	}
	n := len(chains[0])
	if n < minDraws {
		return math.NaN()
	}

	size := 1
	for size < 2*n {
		size <<= 1
	}
	fft := fourier.NewFFT(size)
	padded := make([]float64, size)

	acov := make([][]float64, m)
	means := make([]float64, m)
	var meanVar float64
	for c, ch := range chains {
		acov[c] = autocov(ch, fft, padded)
		means[c] = stat.Mean(ch, nil)
		meanVar += acov[c][0]
	}
	nf := float64(n)
	meanVar = meanVar / float64(m) * nf / (nf - 1)
	varPlus := meanVar * (nf - 1) / nf
	if m > 1 {
		varPlus += stat.Variance(means, nil)
	}
	if !(varPlus > 0) {
		return math.NaN()
	}

	meanAcov := func(t int) float64 {
		var s float64
		for c := range acov {
			s += acov[c][t]
		}
		return s / float64(m)
	}

	rho := make([]float64, n)
	rhoEven := 1.0
	rho[0] = rhoEven
	rhoOdd := 1 - (meanVar-meanAcov(1))/varPlus
	rho[1] = rhoOdd

	// Initial positive sequence.
	t := 1
	for t < n-3 && rhoEven+rhoOdd > 0 {
		rhoEven = 1 - (meanVar-meanAcov(t+1))/varPlus
		rhoOdd = 1 - (meanVar-meanAcov(t+2))/varPlus
		if rhoEven+rhoOdd >= 0 {
			rho[t+1] = rhoEven
			rho[t+2] = rhoOdd
		}
		t += 2
	}
	maxT := t - 2
	if rhoEven > 0 {
		rho[maxT+1] = rhoEven
	}

	// Initial monotone sequence.
	for t = 1; t <= maxT-2; t += 2 {
		if rho[t+1]+rho[t+2] > rho[t-1]+rho[t] {
			rho[t+1] = (rho[t-1] + rho[t]) / 2
			rho[t+2] = rho[t+1]
		}
	}

	var sum float64
	for _, r := range rho[:maxT+1] {
		sum += r
	}
	tau := -1 + 2*sum + rho[maxT+1]
	total := float64(m * n)
	tau = math.Max(tau, 1/math.Log10(total))
	return total / tau
}

// ESSBulk is the effective sample size of the rank-normalised split chains.
func ESSBulk(chains [][]float64) float64 {
	if len(chains) == 0 || len(chains[0]) < minDraws {
		return math.NaN()
	}
	return ess(rankNormalize(splitChains(chains)))
}

// ESSTail is the smaller effective sample size of the 5% and 95% quantile
// indicators over split chains.
func ESSTail(chains [][]float64) float64 {
	if len(chains) == 0 || len(chains[0]) < minDraws {
		return math.NaN()
	}
	all := pooled(chains)
	slices.Sort(all)
	split := splitChains(chains)

	tail := math.Inf(1)
	for _, p := range []float64{0.05, 0.95} {
		q := stat.Quantile(p, stat.Empirical, all, nil)
		ind := make([][]float64, len(split))
		for c, ch := range split {
			ind[c] = make([]float64, len(ch))
			for i, v := range ch {
				if v <= q {
					ind[c][i] = 1
				}
			}
		}
		tail = math.Min(tail, ess(ind))
	}
	return tail
}

// ESSMean is the effective sample size of the raw split chains, used for the
// standard error of the mean.
func ESSMean(chains [][]float64) float64 {
	if len(chains) == 0 || len(chains[0]) < minDraws {
		return math.NaN()
	}
	return ess(splitChains(chains))
}
