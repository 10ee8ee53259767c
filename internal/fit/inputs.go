package fit

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/spatial-income/internal/config"
	"github.com/sells-group/spatial-income/internal/contiguity"
	"github.com/sells-group/spatial-income/internal/dataset"
	"github.com/sells-group/spatial-income/internal/design"
	"github.com/sells-group/spatial-income/internal/hierarchy"
	"github.com/sells-group/spatial-income/internal/model"
	"github.com/sells-group/spatial-income/internal/weights"
)

// Inputs are the validated, encoded model inputs.
type Inputs struct {
	Hierarchy *hierarchy.Hierarchy
	Weights   *weights.Weights
	Design    *design.Matrix
}

// LoadInputs reads the geography, adjacency and observations named in cfg.
// Every schema or consistency problem surfaces here as a data error, before
// any sampling work.
func LoadInputs(ctx context.Context, cfg *config.Config) (*Inputs, error) {
	rows, err := dataset.LoadHierarchy(cfg.Data.Hierarchy)
	if err != nil {
		return nil, err
	}
	h, err := hierarchy.Encode(rows)
	if err != nil {
		return nil, err
	}

	w, err := BuildWeights(cfg, h)
	if err != nil {
		return nil, err
	}

	obs, err := dataset.LoadObservations(ctx, dataset.ObservationSource{
		Path:   cfg.Data.Observations,
		Format: dataset.Format(cfg.Data.Format),
		Sheet:  cfg.Data.Sheet,
	}, dataset.Schema{
		Area:       cfg.Data.Columns.Area,
		Response:   cfg.Data.Columns.Response,
		Predictors: cfg.Data.Columns.Predictors,
	})
	if err != nil {
		return nil, err
	}

	x, err := design.Build(obs, h, design.Options{
		PredictorNames:      cfg.Data.Columns.Predictors,
		StandardizeResponse: cfg.Data.StandardizeResponse,
	})
	if err != nil {
		return nil, err
	}

	zap.L().Info("fit: inputs loaded",
		zap.Int("sa1", h.NumAreas()),
		zap.Int("sa2", h.Count(hierarchy.SA2)),
		zap.Int("sa3", h.Count(hierarchy.SA3)),
		zap.Int("sa4", h.Count(hierarchy.SA4)),
		zap.Int("observations", x.N()),
		zap.Int("predictors", x.P()),
	)
	return &Inputs{Hierarchy: h, Weights: w, Design: x}, nil
}

// BuildWeights derives W over the hierarchy's SA1 units from the configured
// source: an adjacency list, polygon contiguity or the hierarchy proxy.
func BuildWeights(cfg *config.Config, h *hierarchy.Hierarchy) (*weights.Weights, error) {
	policy, err := weights.ParseIsolatePolicy(cfg.Weights.Isolates)
	if err != nil {
		return nil, err
	}
	opts := weights.Options{Isolates: policy}
	areas := h.Labels(hierarchy.SA1)

	switch cfg.Weights.Source {
	case "adjacency":
		pairs, err := dataset.LoadAdjacency(cfg.Data.Adjacency)
		if err != nil {
			return nil, err
		}
		return weights.Build(areas, pairs, opts)

	case "shapefile":
		mode, err := contiguity.ParseMode(cfg.Weights.Contiguity)
		if err != nil {
			return nil, err
		}
		_, pairs, err := contiguity.FromShapefile(cfg.Data.Shapefile, cfg.Data.ShapeIDField, mode)
		if err != nil {
			return nil, err
		}
		return weights.Build(areas, restrictPairs(pairs, h), opts)

	case "hierarchy":
		level, ok := hierarchy.ParseLevel(cfg.Weights.ProxyLevel)
		if !ok {
			return nil, eris.Errorf("fit: unknown proxy level %q", cfg.Weights.ProxyLevel)
		}
		return weights.FromHierarchy(h, level, opts)
	}
	return nil, eris.Errorf("fit: unknown weights source %q", cfg.Weights.Source)
}

// restrictPairs keeps pairs whose both ends are modelled SA1 units. Boundary
// files usually cover more than the study region.
func restrictPairs(pairs []weights.Pair, h *hierarchy.Hierarchy) []weights.Pair {
	out := pairs[:0:0]
	for _, p := range pairs {
		_, okFrom := h.Index(hierarchy.SA1, p.From)
		_, okTo := h.Index(hierarchy.SA1, p.To)
		if okFrom && okTo {
			out = append(out, p)
		}
	}
	if dropped := len(pairs) - len(out); dropped > 0 {
		zap.L().Info("fit: contiguity pairs outside the hierarchy dropped", zap.Int("dropped", dropped))
	}
	return out
}

// BuildModel assembles the model from inputs and the model section of cfg.
func BuildModel(cfg *config.Config, in *Inputs) (*model.Model, error) {
	return model.New(model.Spec{
		Hierarchy: in.Hierarchy,
		Weights:   in.Weights,
		Design:    in.Design,
		Priors: model.Priors{
			InterceptScale: cfg.Model.InterceptScale,
			BetaScale:      cfg.Model.BetaScale,
			SigmaScale:     cfg.Model.SigmaScale,
			RhoLower:       cfg.Model.RhoLower,
			RhoUpper:       cfg.Model.RhoUpper,
		},
		LogDet: model.LogDetOptions{
			Strategy:      cfg.Model.LogDet,
			EigenMaxAreas: cfg.Model.EigenMaxAreas,
			SeriesTerms:   cfg.Model.SeriesTerms,
			SeriesProbes:  cfg.Model.SeriesProbes,
			SeriesSeed:    cfg.Model.SeriesSeed,
		},
		RecordSpatial: cfg.Output.RecordSpatial,
	})
}
