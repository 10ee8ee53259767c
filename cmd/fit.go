package main

import (
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/sells-group/spatial-income/internal/config"
	"github.com/sells-group/spatial-income/internal/fit"
	"github.com/sells-group/spatial-income/internal/monitoring"
)

var (
	fitChains  int
	fitTune    int
	fitDraws   int
	fitSeed    uint64
	fitNoStore bool
)

var fitCmd = &cobra.Command{
	Use:   "fit",
	Short: "Fit the model and write the trace, summary and run manifest",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		applyFitFlags(cmd, cfg)
		if err := cfg.Validate("fit"); err != nil {
			return err
		}

		in, err := fit.LoadInputs(ctx, cfg)
		if err != nil {
			return eris.Wrap(err, "fit: load inputs")
		}
		m, err := fit.BuildModel(cfg, in)
		if err != nil {
			return eris.Wrap(err, "fit: build model")
		}

		rc := fit.NewRunContext(cfg)
		if !fitNoStore {
			st, err := initStore(ctx)
			if err != nil {
				return err
			}
			defer st.Close() //nolint:errcheck
			rc.Store = st
		}
		if cfg.Metrics.Textfile != "" {
			rc.Metrics = monitoring.NewSamplerMetrics()
		}

		res, err := fit.Run(ctx, rc, m)
		if err != nil {
			return eris.Wrap(err, "fit")
		}
		zap.L().Info("fit: results written", zap.String("dir", res.Dir))

		formatFitResult(os.Stdout, res)
		return nil
	},
}

// applyFitFlags overrides configuration with flags the user set explicitly.
func applyFitFlags(cmd *cobra.Command, c *config.Config) {
	f := cmd.Flags()
	if f.Changed("chains") {
		c.Sampler.Chains = fitChains
	}
	if f.Changed("tune") {
		c.Sampler.Tune = fitTune
	}
	if f.Changed("draws") {
		c.Sampler.Draws = fitDraws
	}
	if f.Changed("seed") {
		c.Sampler.Seed = fitSeed
	}
}

// formatFitResult prints the run outcome, the non-area parameters and any
// convergence warnings.
func formatFitResult(out io.Writer, res *fit.Result) {
	p := message.NewPrinter(language.English)
	draws := 0
	divergences := 0
	for _, c := range res.Chains {
		draws += c.Draws
		divergences += c.Divergences
	}
	_, _ = p.Fprintf(out, "Run %s: %s\n", res.RunID, res.Status)
	_, _ = p.Fprintf(out, "Chains: %d  Draws: %d  Divergences: %d  Elapsed: %s\n",
		len(res.Chains), draws, divergences, res.FinishedAt.Sub(res.StartedAt).Round(time.Millisecond))
	_, _ = p.Fprintf(out, "Output: %s\n\n", res.Dir)

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = p.Fprintln(w, "PARAMETER\tMEAN\tSD\tQ5\tQ95\tESS_BULK\tRHAT")
	for _, s := range res.Report.Parameters {
		if isAreaEffect(s.Parameter) {
			continue
		}
		_, _ = p.Fprintf(w, "%s\t%.3f\t%.3f\t%.3f\t%.3f\t%.0f\t%.3f\n",
			s.Parameter, s.Mean, s.SD, s.Q5, s.Q95, s.ESSBulk, s.RHat)
	}
	_ = w.Flush()

	if len(res.Report.Warnings) == 0 {
		return
	}
	_, _ = p.Fprintf(out, "\n%d convergence warnings:\n", len(res.Report.Warnings))
	for _, warn := range res.Report.Warnings {
		_, _ = p.Fprintf(out, "  %s\n", warn.String())
	}
}

// isAreaEffect reports whether name is a per-group or per-area effect.
func isAreaEffect(name string) bool {
	return strings.HasPrefix(name, "alpha_") || strings.HasPrefix(name, "phi[")
}

func init() {
	fitCmd.Flags().IntVar(&fitChains, "chains", 0, "override sampler.chains")
	fitCmd.Flags().IntVar(&fitTune, "tune", 0, "override sampler.tune")
	fitCmd.Flags().IntVar(&fitDraws, "draws", 0, "override sampler.draws")
	fitCmd.Flags().Uint64Var(&fitSeed, "seed", 0, "override sampler.seed")
	fitCmd.Flags().BoolVar(&fitNoStore, "no-store", false, "skip recording the run in the store")
	rootCmd.AddCommand(fitCmd)
}
