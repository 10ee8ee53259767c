package nuts

import (
	"math"
)

// frame holds the scratch of one buildTree recursion level. Only one call per
// depth is live at a time, so frames are allocated once per chain.
type frame struct {
	pInitEnd, sharpInitEnd, rhoInit    []float64
	pFinalBeg, sharpFinalBeg, rhoFinal []float64
	proposeFinal                       point
}

func newFrame(dim int) *frame {
	return &frame{
		pInitEnd:      make([]float64, dim),
		sharpInitEnd:  make([]float64, dim),
		rhoInit:       make([]float64, dim),
		pFinalBeg:     make([]float64, dim),
		sharpFinalBeg: make([]float64, dim),
		rhoFinal:      make([]float64, dim),
		proposeFinal:  newPoint(dim),
	}
}

// trajectory holds the per-transition state.
type trajectory struct {
	z, zFwd, zBck, zSample, zPropose point

	pFwdFwd, sharpFwdFwd []float64
	pFwdBck, sharpFwdBck []float64
	pBckFwd, sharpBckFwd []float64
	pBckBck, sharpBckBck []float64

	rho, rhoFwd, rhoBck []float64

	h0            float64
	leapfrogs     int
	sumMetroProb  float64
	divergent     bool
	logSumWeightS float64
}

func newTrajectory(dim int) *trajectory {
	mk := func() []float64 { return make([]float64, dim) }
	return &trajectory{
		z: newPoint(dim), zFwd: newPoint(dim), zBck: newPoint(dim),
		zSample: newPoint(dim), zPropose: newPoint(dim),
		pFwdFwd: mk(), sharpFwdFwd: mk(),
		pFwdBck: mk(), sharpFwdBck: mk(),
		pBckFwd: mk(), sharpBckFwd: mk(),
		pBckBck: mk(), sharpBckBck: mk(),
		rho: mk(), rhoFwd: mk(), rhoBck: mk(),
	}
}

type transition struct {
	depth       int
	leapfrogs   int
	acceptStat  float64
	divergent   bool
	maxDepthHit bool
	energy      float64
}

func zero(v []float64) {
	for i := range v {
		v[i] = 0
	}
}

// transition performs one NUTS iteration from c.current and leaves the
// selected point in c.current.
func (c *Chain) transition() transition {
	t := c.traj
	cur := &c.current

	c.sampleMomentum(cur)
	t.z.copyFrom(cur)
	t.zFwd.copyFrom(cur)
	t.zBck.copyFrom(cur)
	t.zSample.copyFrom(cur)
	t.zPropose.copyFrom(cur)

	c.sharp(t.sharpFwdFwd, cur)
	copy(t.sharpFwdBck, t.sharpFwdFwd)
	copy(t.sharpBckFwd, t.sharpFwdFwd)
	copy(t.sharpBckBck, t.sharpFwdFwd)
	copy(t.pFwdFwd, cur.p)
	copy(t.pFwdBck, cur.p)
	copy(t.pBckFwd, cur.p)
	copy(t.pBckBck, cur.p)
	copy(t.rho, cur.p)

	logSumWeight := 0.0
	t.h0 = c.hamiltonian(cur)
	t.leapfrogs = 0
	t.sumMetroProb = 0
	t.divergent = false

	depth := 0
	for depth < c.cfg.MaxDepth {
		zero(t.rhoFwd)
		zero(t.rhoBck)
		logSumWeightSub := math.Inf(-1)

		var valid bool
		if c.rng.Float64() > 0.5 {
			// Extend forward from the forward end.
			t.z.copyFrom(&t.zFwd)
			copy(t.rhoBck, t.rho)
			copy(t.pBckFwd, t.pFwdBck)
			copy(t.sharpBckFwd, t.sharpFwdBck)

			valid = c.buildTree(depth, &t.zPropose,
				t.sharpFwdBck, t.sharpFwdFwd, t.rhoFwd, t.pFwdBck, t.pFwdFwd,
				1, &logSumWeightSub)
			t.zFwd.copyFrom(&t.z)
		} else {
			// Extend backward from the backward end.
			t.z.copyFrom(&t.zBck)
			copy(t.rhoFwd, t.rho)
			copy(t.pFwdBck, t.pBckFwd)
			copy(t.sharpFwdBck, t.sharpBckFwd)

			valid = c.buildTree(depth, &t.zPropose,
				t.sharpBckFwd, t.sharpBckBck, t.rhoBck, t.pBckFwd, t.pBckBck,
				-1, &logSumWeightSub)
			t.zBck.copyFrom(&t.z)
		}

		if !valid {
			break
		}
		depth++

		// Progressive multinomial sampling biased toward the new subtree.
		if logSumWeightSub > logSumWeight {
			t.zSample.copyFrom(&t.zPropose)
		} else if c.rng.Float64() < math.Exp(logSumWeightSub-logSumWeight) {
			t.zSample.copyFrom(&t.zPropose)
		}
		logSumWeight = logSumExp(logSumWeight, logSumWeightSub)

		for i := range t.rho {
			t.rho[i] = t.rhoBck[i] + t.rhoFwd[i]
		}

		persist := noUTurn(t.sharpBckBck, t.sharpFwdFwd, t.rho)
		persist = persist && noUTurnExt(t.sharpBckBck, t.sharpFwdBck, t.rhoBck, t.pFwdBck)
		persist = persist && noUTurnExt(t.sharpBckFwd, t.sharpFwdFwd, t.rhoFwd, t.pBckFwd)
		if !persist {
			break
		}
	}

	cur.copyFrom(&t.zSample)
	accept := 0.0
	if t.leapfrogs > 0 {
		accept = t.sumMetroProb / float64(t.leapfrogs)
	}
	return transition{
		depth:       depth,
		leapfrogs:   t.leapfrogs,
		acceptStat:  accept,
		divergent:   t.divergent,
		maxDepthHit: depth >= c.cfg.MaxDepth,
		energy:      c.hamiltonian(cur),
	}
}

// buildTree extends the trajectory held in c.traj.z by 2^depth leapfrog steps
// in direction sign. It returns false when the subtree diverged or made a
// U-turn.
func (c *Chain) buildTree(depth int, propose *point,
	sharpBeg, sharpEnd, rho, pBeg, pEnd []float64,
	sign float64, logSumWeight *float64,
) bool {
	t := c.traj

	if depth == 0 {
		c.leapfrog(&t.z, sign*c.stepSize)
		t.leapfrogs++

		h := c.hamiltonian(&t.z)
		if h-t.h0 > c.cfg.MaxEnergyError {
			t.divergent = true
		}

		*logSumWeight = logSumExp(*logSumWeight, t.h0-h)
		if t.h0-h > 0 {
			t.sumMetroProb++
		} else {
			t.sumMetroProb += math.Exp(t.h0 - h)
		}

		propose.copyFrom(&t.z)
		c.sharp(sharpBeg, &t.z)
		copy(sharpEnd, sharpBeg)
		for i, p := range t.z.p {
			rho[i] += p
		}
		copy(pBeg, t.z.p)
		copy(pEnd, t.z.p)
		return !t.divergent
	}

	f := c.frames[depth]

	// Initial subtree.
	logSumWeightInit := math.Inf(-1)
	zero(f.rhoInit)
	if !c.buildTree(depth-1, propose, sharpBeg, f.sharpInitEnd, f.rhoInit, pBeg, f.pInitEnd, sign, &logSumWeightInit) {
		return false
	}

	// Final subtree.
	f.proposeFinal.copyFrom(&t.z)
	logSumWeightFinal := math.Inf(-1)
	zero(f.rhoFinal)
	if !c.buildTree(depth-1, &f.proposeFinal, f.sharpFinalBeg, sharpEnd, f.rhoFinal, f.pFinalBeg, pEnd, sign, &logSumWeightFinal) {
		return false
	}

	// Multinomial choice between the two halves.
	logSumWeightSub := logSumExp(logSumWeightInit, logSumWeightFinal)
	*logSumWeight = logSumExp(*logSumWeight, logSumWeightSub)
	if logSumWeightFinal > logSumWeightSub {
		propose.copyFrom(&f.proposeFinal)
	} else if c.rng.Float64() < math.Exp(logSumWeightFinal-logSumWeightSub) {
		propose.copyFrom(&f.proposeFinal)
	}

	// rho of the merged subtree; f.rhoInit is reused to hold it after the
	// extension checks below have read the halves.
	persist := noUTurnExt(sharpBeg, f.sharpFinalBeg, f.rhoInit, f.pFinalBeg)
	persist = persist && noUTurnExt(f.sharpInitEnd, sharpEnd, f.rhoFinal, f.pInitEnd)

	for i := range rho {
		sub := f.rhoInit[i] + f.rhoFinal[i]
		rho[i] += sub
		f.rhoInit[i] = sub
	}
	persist = persist && noUTurn(sharpBeg, sharpEnd, f.rhoInit)
	return persist
}
