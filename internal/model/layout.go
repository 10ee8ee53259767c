// Package model defines the hierarchical spatial income model: the parameter
// layout, priors, the proper CAR spatial prior and the log posterior with its
// analytic gradient.
//
// All sampling happens on an unconstrained vector θ. Group effects use the
// non-centred form α = parent + σ·z, the spatial effect is φ = σ_spatial·ψ,
// scales are sampled on the log scale and ρ through a scaled logistic.
package model

import (
	"fmt"

	"github.com/sells-group/spatial-income/internal/hierarchy"
)

// Layout gives the offset of every block in the unconstrained vector.
type Layout struct {
	P, G4, G3, G2, A int

	Mu         int
	Beta       int
	Z4         int
	Z3         int
	Z2         int
	Psi        int
	LogSigma4  int
	LogSigma3  int
	LogSigma2  int
	LogSigmaSp int
	LogSigma   int
	LogitRho   int

	Dim int
}

// NewLayout packs the blocks in the order
// mu, beta, z_sa4, z_sa3, z_sa2, psi, log scales, logit_rho.
func NewLayout(p, g4, g3, g2, a int) Layout {
	l := Layout{P: p, G4: g4, G3: g3, G2: g2, A: a}
	off := 0
	next := func(n int) int {
		o := off
		off += n
		return o
	}
	l.Mu = next(1)
	l.Beta = next(p)
	l.Z4 = next(g4)
	l.Z3 = next(g3)
	l.Z2 = next(g2)
	l.Psi = next(a)
	l.LogSigma4 = next(1)
	l.LogSigma3 = next(1)
	l.LogSigma2 = next(1)
	l.LogSigmaSp = next(1)
	l.LogSigma = next(1)
	l.LogitRho = next(1)
	l.Dim = off
	return l
}

// UnconstrainedNames labels every coordinate of θ.
func (l Layout) UnconstrainedNames(h *hierarchy.Hierarchy, predictors []string) []string {
	names := make([]string, 0, l.Dim)
	names = append(names, "mu")
	for _, p := range predictors {
		names = append(names, fmt.Sprintf("beta[%s]", p))
	}
	for _, lv := range []struct {
		prefix string
		level  hierarchy.Level
	}{{"z_sa4", hierarchy.SA4}, {"z_sa3", hierarchy.SA3}, {"z_sa2", hierarchy.SA2}, {"psi", hierarchy.SA1}} {
		for _, lab := range h.Labels(lv.level) {
			names = append(names, fmt.Sprintf("%s[%s]", lv.prefix, lab))
		}
	}
	return append(names,
		"log_sigma_sa4", "log_sigma_sa3", "log_sigma_sa2",
		"log_sigma_spatial", "log_sigma", "logit_rho",
	)
}
