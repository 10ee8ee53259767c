// Package contiguity derives SA1 neighbour pairs from polygon boundaries.
package contiguity

import (
	"strings"

	"github.com/jonas-p/go-shp"
	"github.com/rotisserie/eris"
	"github.com/twpayne/go-geom"
	"go.uber.org/zap"

	"github.com/sells-group/spatial-income/internal/dataset"
	"github.com/sells-group/spatial-income/internal/errkind"
)

// Area is one labelled polygon read from a boundary file.
type Area struct {
	Label    string
	Geometry *geom.MultiPolygon
}

// ReadShapefile reads every polygon record of shpPath, labelling it with the
// attribute named idField (matched case-insensitively). Records without a
// polygon are skipped; a blank or repeated label is a data error.
func ReadShapefile(shpPath, idField string) ([]Area, error) {
	reader, err := shp.Open(shpPath)
	if err != nil {
		return nil, eris.Wrapf(err, "contiguity: open shapefile %s", shpPath)
	}
	defer func() { _ = reader.Close() }()

	idIdx := -1
	for i, f := range reader.Fields() {
		name := strings.TrimRight(f.String(), "\x00")
		if strings.EqualFold(name, idField) {
			idIdx = i
			break
		}
	}
	if idIdx < 0 {
		return nil, errkind.Data("contiguity: field %q not in %s", idField, shpPath)
	}

	var (
		areas   []Area
		seen    = make(map[string]struct{})
		skipped int
	)
	for reader.Next() {
		n, shape := reader.Shape()

		label := dataset.NormalizeLabel(strings.TrimRight(reader.Attribute(idIdx), "\x00"))
		if label == "" {
			return nil, errkind.Data("contiguity: record %d has empty %s", n, idField)
		}
		if _, dup := seen[label]; dup {
			return nil, errkind.Data("contiguity: label %q appears twice", label)
		}

		poly, ok := shape.(*shp.Polygon)
		if !ok {
			skipped++
			continue
		}
		mp := PolygonToMultiPolygon(poly)
		if mp == nil {
			skipped++
			continue
		}

		seen[label] = struct{}{}
		areas = append(areas, Area{Label: label, Geometry: mp})
	}

	if skipped > 0 {
		zap.L().Warn("contiguity: skipped records without usable polygons",
			zap.String("path", shpPath),
			zap.Int("skipped", skipped),
		)
	}
	if len(areas) == 0 {
		return nil, errkind.Data("contiguity: %s has no polygons", shpPath)
	}
	return areas, nil
}

// PolygonToMultiPolygon converts a shapefile polygon into one go-geom polygon
// per ring. Ring orientation is not interpreted; contiguity only needs the
// vertex sequences. Returns nil when no ring is usable.
func PolygonToMultiPolygon(p *shp.Polygon) *geom.MultiPolygon {
	if p == nil || p.NumParts == 0 || len(p.Points) == 0 {
		return nil
	}

	mp := geom.NewMultiPolygon(geom.XY)
	for i := int32(0); i < p.NumParts; i++ {
		start := p.Parts[i]
		end := int32(len(p.Points))
		if i+1 < p.NumParts {
			end = p.Parts[i+1]
		}
		if end-start < 3 {
			continue
		}

		flat := make([]float64, 0, 2*(end-start))
		for j := start; j < end; j++ {
			flat = append(flat, p.Points[j].X, p.Points[j].Y)
		}

		poly := geom.NewPolygon(geom.XY)
		if err := poly.Push(geom.NewLinearRingFlat(geom.XY, flat)); err != nil {
			zap.L().Debug("contiguity: skipping malformed ring", zap.Int32("part", i), zap.Error(err))
			continue
		}
		if err := mp.Push(poly); err != nil {
			zap.L().Debug("contiguity: skipping malformed part", zap.Int32("part", i), zap.Error(err))
			continue
		}
	}

	if mp.NumPolygons() == 0 {
		return nil
	}
	return mp
}
