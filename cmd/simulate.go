package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/spatial-income/internal/config"
	"github.com/sells-group/spatial-income/internal/dataset"
	"github.com/sells-group/spatial-income/internal/simulate"
)

// File names written by the simulate command.
const (
	simObservations = "observations.csv"
	simHierarchy    = "hierarchy.csv"
	simAdjacency    = "adjacency.csv"
	simTruth        = "truth.yaml"
	simConfig       = "config.yaml"
)

var (
	simOut  string
	simOpts = simulate.DefaultOptions()
	simRho  float64
)

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Write a synthetic dataset drawn from known parameters",
	Long: "Generates a nested hierarchy, adjacency and observations from known parameters. " +
		"The output directory also gets a config.yaml so `spatial-income fit` can run there directly.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		if err := cfg.Validate("simulate"); err != nil {
			return err
		}
		opts := simOpts
		if cmd.Flags().Changed("rho") {
			opts.Truth.Rho = simRho
		}
		d, err := simulate.Toy(opts)
		if err != nil {
			return err
		}
		if err := writeSimulated(simOut, d); err != nil {
			return err
		}
		return printSimulated(os.Stdout, simOut, d)
	},
}

// simulatedConfig is the config.yaml written alongside simulated data.
type simulatedConfig struct {
	Data    config.DataConfig    `yaml:"data"`
	Weights config.WeightsConfig `yaml:"weights"`
}

// writeSimulated writes the dataset tables, its truth and a matching config.
func writeSimulated(dir string, d *simulate.Dataset) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return eris.Wrap(err, "simulate: create output directory")
	}

	columns := config.ColumnsConfig{Area: "sa1_code", Response: "income", Predictors: d.Predictors}
	schema := dataset.Schema{Area: columns.Area, Response: columns.Response, Predictors: columns.Predictors}
	if err := dataset.WriteObservations(filepath.Join(dir, simObservations), schema, d.Observations); err != nil {
		return err
	}
	if err := dataset.WriteHierarchy(filepath.Join(dir, simHierarchy), d.Memberships); err != nil {
		return err
	}
	if err := dataset.WriteAdjacency(filepath.Join(dir, simAdjacency), d.Pairs); err != nil {
		return err
	}

	if err := writeYAML(filepath.Join(dir, simTruth), d.Truth); err != nil {
		return err
	}
	return writeYAML(filepath.Join(dir, simConfig), simulatedConfig{
		Data: config.DataConfig{
			Observations:        simObservations,
			Format:              "csv",
			Hierarchy:           simHierarchy,
			Adjacency:           simAdjacency,
			Columns:             columns,
			StandardizeResponse: false,
		},
		Weights: config.WeightsConfig{Source: "adjacency", Contiguity: "queen", Isolates: "reject", ProxyLevel: "sa2"},
	})
}

func writeYAML(path string, v any) error {
	b, err := yaml.Marshal(v)
	if err != nil {
		return eris.Wrapf(err, "simulate: marshal %s", filepath.Base(path))
	}
	return eris.Wrapf(os.WriteFile(path, b, 0o644), "simulate: write %s", filepath.Base(path))
}

func printSimulated(out io.Writer, dir string, d *simulate.Dataset) error {
	_, err := fmt.Fprintf(out, "Wrote %s: %d areas, %d links, %d observations\n",
		dir, len(d.Memberships), len(d.Pairs), len(d.Observations))
	return eris.Wrap(err, "simulate: print")
}

func init() {
	f := simulateCmd.Flags()
	f.StringVar(&simOut, "out", "simulated", "output directory")
	f.Uint64Var(&simOpts.Seed, "seed", simOpts.Seed, "generator seed")
	f.IntVar(&simOpts.SA4, "sa4", simOpts.SA4, "number of SA4 regions")
	f.IntVar(&simOpts.SA3PerSA4, "sa3-per-sa4", simOpts.SA3PerSA4, "SA3 regions per SA4")
	f.IntVar(&simOpts.SA2PerSA3, "sa2-per-sa3", simOpts.SA2PerSA3, "SA2 regions per SA3")
	f.IntVar(&simOpts.SA1PerSA2, "sa1-per-sa2", simOpts.SA1PerSA2, "SA1 areas per SA2")
	f.IntVar(&simOpts.ObsPerArea, "obs-per-area", simOpts.ObsPerArea, "observations per SA1")
	f.Float64Var(&simRho, "rho", simOpts.Truth.Rho, "true spatial dependence")
	rootCmd.AddCommand(simulateCmd)
}
