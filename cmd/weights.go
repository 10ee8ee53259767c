package main

import (
	"io"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/sells-group/spatial-income/internal/dataset"
	"github.com/sells-group/spatial-income/internal/fit"
	"github.com/sells-group/spatial-income/internal/hierarchy"
	"github.com/sells-group/spatial-income/internal/weights"
)

var weightsOut string

var weightsCmd = &cobra.Command{
	Use:   "weights",
	Short: "Build and validate the SA1 spatial weights",
	Long: "Builds W from the configured source (adjacency list, shapefile contiguity or hierarchy proxy), " +
		"checks it and prints its size, connectivity and isolates. --out writes the resolved adjacency list.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		if err := cfg.Validate("weights"); err != nil {
			return err
		}
		rows, err := dataset.LoadHierarchy(cfg.Data.Hierarchy)
		if err != nil {
			return err
		}
		h, err := hierarchy.Encode(rows)
		if err != nil {
			return err
		}
		w, err := fit.BuildWeights(cfg, h)
		if err != nil {
			return err
		}
		if err := w.Validate(); err != nil {
			return err
		}

		labels := h.Labels(hierarchy.SA1)
		if weightsOut != "" {
			if err := dataset.WriteAdjacency(weightsOut, edgeList(w, labels)); err != nil {
				return err
			}
		}
		formatWeights(os.Stdout, describeWeights(w, labels))
		return nil
	},
}

// weightsSummary is what the weights command reports.
type weightsSummary struct {
	Areas      int
	Links      int
	Components int
	Largest    int
	Isolates   []string
}

func describeWeights(w *weights.Weights, labels []string) weightsSummary {
	s := weightsSummary{Areas: w.N(), Links: w.NNZ() / 2}
	comps := w.Components()
	s.Components = len(comps)
	for _, c := range comps {
		s.Largest = max(s.Largest, len(c))
	}
	for _, i := range w.Isolates() {
		s.Isolates = append(s.Isolates, labels[i])
	}
	return s
}

// edgeList returns each undirected link once, from the lower index.
func edgeList(w *weights.Weights, labels []string) []weights.Pair {
	pairs := make([]weights.Pair, 0, w.NNZ()/2)
	for i := 0; i < w.N(); i++ {
		for _, j := range w.Neighbors(i) {
			if j > i {
				pairs = append(pairs, weights.Pair{From: labels[i], To: labels[j]})
			}
		}
	}
	return pairs
}

func formatWeights(out io.Writer, s weightsSummary) {
	p := message.NewPrinter(language.English)
	_, _ = p.Fprintf(out, "Areas:       %d\n", s.Areas)
	_, _ = p.Fprintf(out, "Links:       %d\n", s.Links)
	_, _ = p.Fprintf(out, "Components:  %d (largest %d)\n", s.Components, s.Largest)
	_, _ = p.Fprintf(out, "Isolates:    %d\n", len(s.Isolates))
	for _, l := range s.Isolates {
		_, _ = p.Fprintf(out, "  %s\n", l)
	}
}

func init() {
	weightsCmd.Flags().StringVar(&weightsOut, "out", "", "write the resolved adjacency list to this CSV")
	rootCmd.AddCommand(weightsCmd)
}
