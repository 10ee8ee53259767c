package main

import (
	"os"
	"path/filepath"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/spatial-income/internal/diagnostics"
	"github.com/sells-group/spatial-income/internal/fit"
	"github.com/sells-group/spatial-income/internal/nuts"
	"github.com/sells-group/spatial-income/internal/report"
	"github.com/sells-group/spatial-income/internal/store"
	"github.com/sells-group/spatial-income/internal/trace"
)

var summarizeSave bool

var summarizeCmd = &cobra.Command{
	Use:   "summarize <run-dir>",
	Short: "Recompute diagnostics for an existing trace",
	Long: "Reads the trace in run-dir with the current diagnostics thresholds, rewrites summary.csv " +
		"and prints the parameter table. --save also updates the stored run.",
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		dir := args[0]
		if err := cfg.Validate("summarize"); err != nil {
			return err
		}

		res, err := resummarize(dir)
		if err != nil {
			return err
		}

		if summarizeSave {
			st, err := initStore(ctx)
			if err != nil {
				return err
			}
			defer st.Close() //nolint:errcheck
			if err := st.SaveChainSummaries(ctx, res.RunID, res.Report.Chains); err != nil {
				return err
			}
			if err := st.SaveParameterSummaries(ctx, res.RunID, res.Report.Parameters); err != nil {
				return err
			}
			if err := st.FinishRun(ctx, res.RunID, res.Status, len(res.Report.Warnings)); err != nil {
				return err
			}
		}

		formatFitResult(os.Stdout, res)
		return nil
	},
}

// resummarize rebuilds the report for the trace in dir. Chain statistics come
// from the run manifest when one exists.
func resummarize(dir string) (*fit.Result, error) {
	tr, err := trace.Open(dir)
	if err != nil {
		return nil, err
	}
	defer tr.Close() //nolint:errcheck

	var chains []nuts.ChainStats
	res := &fit.Result{RunID: tr.Manifest().RunID, Dir: dir, Names: tr.Names()}
	rm, err := report.ReadManifest(filepath.Join(dir, report.ManifestFile))
	if err != nil {
		zap.L().Warn("summarize: run manifest unavailable, chain diagnostics skipped", zap.Error(err))
	} else {
		chains = rm.Chains
		res.StartedAt, res.FinishedAt = rm.StartedAt, rm.FinishedAt
	}
	res.Chains = chains

	rep, err := diagnostics.Summarize(tr, chains, fit.Thresholds(cfg.Diagnostics), cfg.Diagnostics.BlockBytes)
	if err != nil {
		return nil, eris.Wrap(err, "summarize")
	}
	res.Report = rep
	res.Status = store.RunStatusComplete
	if !rep.Converged() {
		res.Status = store.RunStatusCompleteWithWarnings
	}

	if err := report.WriteSummaryCSV(filepath.Join(dir, report.SummaryFile), rep.Parameters); err != nil {
		return nil, err
	}
	return res, nil
}

func init() {
	summarizeCmd.Flags().BoolVar(&summarizeSave, "save", false, "update the stored run with the new summaries")
	rootCmd.AddCommand(summarizeCmd)
}
