package diagnostics

import (
	"fmt"
	"math"
	"slices"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"gonum.org/v1/gonum/stat"

	"github.com/sells-group/spatial-income/internal/nuts"
	"github.com/sells-group/spatial-income/internal/trace"
)

// ParameterSummary is one row of the posterior summary table.
type ParameterSummary struct {
	Parameter string  `csv:"parameter" yaml:"parameter"`
	Mean      float64 `csv:"mean" yaml:"mean"`
	SD        float64 `csv:"sd" yaml:"sd"`
	MCSE      float64 `csv:"mcse" yaml:"mcse"`
	Q5        float64 `csv:"q5" yaml:"q5"`
	Q50       float64 `csv:"q50" yaml:"q50"`
	Q95       float64 `csv:"q95" yaml:"q95"`
	ESSBulk   float64 `csv:"ess_bulk" yaml:"ess_bulk"`
	ESSTail   float64 `csv:"ess_tail" yaml:"ess_tail"`
	RHat      float64 `csv:"rhat" yaml:"rhat"`
}

// ChainSummary reports sampler health for one chain.
type ChainSummary struct {
	Chain          int     `yaml:"chain"`
	Draws          int     `yaml:"draws"`
	Divergences    int     `yaml:"divergences"`
	DivergenceRate float64 `yaml:"divergence_rate"`
	MaxDepthHits   int     `yaml:"max_depth_hits"`
	MeanAcceptStat float64 `yaml:"mean_accept_stat"`
	MeanTreeDepth  float64 `yaml:"mean_tree_depth"`
	StepSize       float64 `yaml:"step_size"`
	EBFMI          float64 `yaml:"ebfmi"`
}

// WarningKind classifies a convergence warning.
type WarningKind string

// Warning kinds.
const (
	WarnRHat        WarningKind = "rhat"
	WarnESSBulk     WarningKind = "ess_bulk"
	WarnESSTail     WarningKind = "ess_tail"
	WarnDivergences WarningKind = "divergences"
	WarnEBFMI       WarningKind = "ebfmi"
)

// Warning is a convergence annotation. It never aborts a run.
type Warning struct {
	Kind      WarningKind `yaml:"kind"`
	Parameter string      `yaml:"parameter,omitempty"`
	Chain     int         `yaml:"chain"`
	Value     float64     `yaml:"value"`
	Threshold float64     `yaml:"threshold"`
}

func (w Warning) String() string {
	if w.Parameter != "" {
		return fmt.Sprintf("%s %s = %.4g (threshold %.4g)", w.Parameter, w.Kind, w.Value, w.Threshold)
	}
	return fmt.Sprintf("chain %d %s = %.4g (threshold %.4g)", w.Chain, w.Kind, w.Value, w.Threshold)
}

// Thresholds configure the warnings.
type Thresholds struct {
	RHat              float64
	MinESSPerChain    float64
	MaxDivergenceRate float64
	MinEBFMI          float64
}

// DefaultThresholds are the conventional cut-offs.
func DefaultThresholds() Thresholds {
	return Thresholds{RHat: 1.01, MinESSPerChain: 100, MaxDivergenceRate: 0.01, MinEBFMI: 0.3}
}

// Report is the outcome of Summarize.
type Report struct {
	Parameters []ParameterSummary `yaml:"-"`
	Chains     []ChainSummary     `yaml:"chains"`
	Warnings   []Warning          `yaml:"warnings"`
}

// Converged reports whether no warning was raised.
func (r *Report) Converged() bool { return len(r.Warnings) == 0 }

// Count returns the number of warnings of kind k.
func (r *Report) Count(k WarningKind) int {
	n := 0
	for _, w := range r.Warnings {
		if w.Kind == k {
			n++
		}
	}
	return n
}

// SummarizeParameter computes the summary of one parameter from its
// per-chain draws.
func SummarizeParameter(name string, chains [][]float64) ParameterSummary {
	all := pooled(chains)
	mean, sd := stat.MeanStdDev(all, nil)
	slices.Sort(all)

	s := ParameterSummary{
		Parameter: name,
		Mean:      mean,
		SD:        sd,
		Q5:        stat.Quantile(0.05, stat.Empirical, all, nil),
		Q50:       stat.Quantile(0.5, stat.Empirical, all, nil),
		Q95:       stat.Quantile(0.95, stat.Empirical, all, nil),
		ESSBulk:   ESSBulk(chains),
		ESSTail:   ESSTail(chains),
		RHat:      RHat(chains),
	}
	s.MCSE = sd / math.Sqrt(ESSMean(chains))
	return s
}

// Summarize reads src in column blocks of at most blockBytes and produces the
// parameter table, per-chain summaries and warnings.
func Summarize(src trace.Source, chains []nuts.ChainStats, th Thresholds, blockBytes int64) (*Report, error) {
	names := src.Names()
	draws := src.Draws()
	nChains := src.Chains()
	if nChains == 0 || draws == 0 {
		return nil, eris.New("diagnostics: trace has no draws")
	}

	perCol := int64(8 * nChains * draws)
	width := int(max(1, blockBytes/perCol))

	rep := &Report{Parameters: make([]ParameterSummary, 0, len(names))}
	for lo := 0; lo < len(names); lo += width {
		hi := min(lo+width, len(names))
		block, err := src.Block(lo, hi)
		if err != nil {
			return nil, eris.Wrapf(err, "diagnostics: read columns [%d, %d)", lo, hi)
		}
		for j, perChain := range block {
			rep.Parameters = append(rep.Parameters, SummarizeParameter(names[lo+j], perChain))
		}
	}

	// With enough draws a NaN statistic means the chains never moved.
	strict := draws >= minDraws
	minESS := th.MinESSPerChain * float64(nChains)
	for _, p := range rep.Parameters {
		if p.RHat > th.RHat || strict && math.IsNaN(p.RHat) {
			rep.Warnings = append(rep.Warnings, Warning{Kind: WarnRHat, Parameter: p.Parameter, Value: p.RHat, Threshold: th.RHat})
		}
		if p.ESSBulk < minESS || strict && math.IsNaN(p.ESSBulk) {
			rep.Warnings = append(rep.Warnings, Warning{Kind: WarnESSBulk, Parameter: p.Parameter, Value: p.ESSBulk, Threshold: minESS})
		}
		if p.ESSTail < minESS || strict && math.IsNaN(p.ESSTail) {
			rep.Warnings = append(rep.Warnings, Warning{Kind: WarnESSTail, Parameter: p.Parameter, Value: p.ESSTail, Threshold: minESS})
		}
	}

	for _, cs := range chains {
		sum := ChainSummary{
			Chain:          cs.Chain,
			Draws:          cs.Draws,
			Divergences:    cs.Divergences,
			DivergenceRate: cs.DivergenceRate(),
			MaxDepthHits:   cs.MaxDepthHits,
			MeanAcceptStat: cs.MeanAcceptStat,
			MeanTreeDepth:  cs.MeanTreeDepth,
			StepSize:       cs.StepSize,
			EBFMI:          cs.EBFMI,
		}
		rep.Chains = append(rep.Chains, sum)
		if sum.DivergenceRate > th.MaxDivergenceRate {
			rep.Warnings = append(rep.Warnings, Warning{Kind: WarnDivergences, Chain: cs.Chain, Value: sum.DivergenceRate, Threshold: th.MaxDivergenceRate})
		}
		if sum.EBFMI < th.MinEBFMI {
			rep.Warnings = append(rep.Warnings, Warning{Kind: WarnEBFMI, Chain: cs.Chain, Value: sum.EBFMI, Threshold: th.MinEBFMI})
		}
	}

	if len(rep.Warnings) > 0 {
		zap.L().Warn("diagnostics: convergence warnings",
			zap.Int("total", len(rep.Warnings)),
			zap.Int("rhat", rep.Count(WarnRHat)),
			zap.Int("ess_bulk", rep.Count(WarnESSBulk)),
			zap.Int("ess_tail", rep.Count(WarnESSTail)),
			zap.Int("divergences", rep.Count(WarnDivergences)),
			zap.Int("ebfmi", rep.Count(WarnEBFMI)),
		)
	}
	return rep, nil
}
