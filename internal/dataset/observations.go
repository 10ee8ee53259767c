package dataset

import (
	"context"
	"encoding/csv"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/spatial-income/internal/design"
	"github.com/sells-group/spatial-income/internal/errkind"
)

// Format is the observation file format.
type Format string

// Supported observation formats.
const (
	FormatCSV  Format = "csv"
	FormatXLSX Format = "xlsx"
)

// ObservationSource locates an observation table.
type ObservationSource struct {
	Path   string
	Format Format
	Sheet  string // xlsx only; empty selects the first sheet
}

// LoadObservations reads the observation table, resolving the schema against
// its header once and parsing each row by position. Blank rows are skipped.
// Empty, unparsable or non-finite numeric cells are data errors naming the
// row and column.
func LoadObservations(ctx context.Context, src ObservationSource, schema Schema) ([]design.Observation, error) {
	var (
		rows <-chan []string
		errs <-chan error
	)
	switch src.Format {
	case FormatCSV, "":
		f, err := os.Open(src.Path)
		if err != nil {
			return nil, eris.Wrapf(err, "dataset: open %s", src.Path)
		}
		defer f.Close() //nolint:errcheck
		rows, errs = streamCSV(ctx, f)
	case FormatXLSX:
		rows, errs = streamXLSX(ctx, src.Path, src.Sheet)
	default:
		return nil, eris.Errorf("dataset: unsupported format %q", src.Format)
	}

	obs, err := collectObservations(rows, schema)
	// Drain so the producer goroutine can exit.
	for range rows {
	}
	if streamErr := <-errs; streamErr != nil {
		return nil, streamErr
	}
	if err != nil {
		return nil, err
	}
	if len(obs) == 0 {
		return nil, errkind.Data("dataset: %s has no observation rows", src.Path)
	}

	zap.L().Info("dataset: loaded observations",
		zap.String("path", src.Path),
		zap.Int("rows", len(obs)),
		zap.Int("predictors", len(schema.Predictors)),
	)
	return obs, nil
}

func collectObservations(rows <-chan []string, schema Schema) ([]design.Observation, error) {
	var (
		res    Resolved
		header = true
		line   int
		obs    []design.Observation
	)
	for rec := range rows {
		line++
		if header {
			r, err := schema.Resolve(rec)
			if err != nil {
				return nil, err
			}
			res = r
			header = false
			continue
		}
		if blank(rec) {
			continue
		}

		o, err := parseObservation(rec, res, schema, line)
		if err != nil {
			return nil, err
		}
		obs = append(obs, o)
	}
	if header {
		return nil, errkind.Data("dataset: observation table is empty")
	}
	return obs, nil
}

func parseObservation(rec []string, res Resolved, schema Schema, line int) (design.Observation, error) {
	cell := func(i int) string {
		if i < len(rec) {
			return rec[i]
		}
		return ""
	}

	area := NormalizeLabel(cell(res.Area))
	if area == "" {
		return design.Observation{}, errkind.Data("dataset: row %d: empty %s", line, schema.Area)
	}

	y, err := parseNumber(cell(res.Response))
	if err != nil {
		return design.Observation{}, errkind.Data("dataset: row %d: %s: %v", line, schema.Response, err)
	}

	x := make([]float64, len(res.Predictors))
	for j, col := range res.Predictors {
		if x[j], err = parseNumber(cell(col)); err != nil {
			return design.Observation{}, errkind.Data("dataset: row %d: %s: %v", line, schema.Predictors[j], err)
		}
	}

	return design.Observation{Area: area, Response: y, Predictors: x}, nil
}

func parseNumber(s string) (float64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, eris.New("missing value")
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, eris.Errorf("not a number: %q", s)
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, eris.Errorf("non-finite value: %q", s)
	}
	return v, nil
}

func blank(rec []string) bool {
	for _, c := range rec {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}

// WriteObservations writes observations as a CSV with the schema's column
// names, readable by LoadObservations.
func WriteObservations(path string, schema Schema, obs []design.Observation) error {
	f, err := os.Create(path)
	if err != nil {
		return eris.Wrapf(err, "dataset: create %s", path)
	}

	w := csv.NewWriter(f)
	header := append([]string{schema.Area, schema.Response}, schema.Predictors...)
	if err := w.Write(header); err != nil {
		f.Close() //nolint:errcheck
		return eris.Wrap(err, "dataset: write header")
	}

	rec := make([]string, len(header))
	for _, o := range obs {
		rec[0] = o.Area
		rec[1] = strconv.FormatFloat(o.Response, 'g', -1, 64)
		for j, v := range o.Predictors {
			rec[2+j] = strconv.FormatFloat(v, 'g', -1, 64)
		}
		if err := w.Write(rec); err != nil {
			f.Close() //nolint:errcheck
			return eris.Wrap(err, "dataset: write row")
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		f.Close() //nolint:errcheck
		return eris.Wrap(err, "dataset: flush")
	}
	return eris.Wrap(f.Close(), "dataset: close")
}
