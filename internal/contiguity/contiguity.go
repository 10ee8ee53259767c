package contiguity

import (
	"math"
	"slices"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/twpayne/go-geom"
	"go.uber.org/zap"

	"github.com/sells-group/spatial-income/internal/weights"
)

// Mode selects the contiguity rule.
type Mode int

const (
	// Queen links areas sharing at least one boundary vertex.
	Queen Mode = iota
	// Rook links areas sharing at least one boundary edge.
	Rook
)

func (m Mode) String() string {
	if m == Rook {
		return "rook"
	}
	return "queen"
}

// ParseMode converts "queen" or "rook".
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "queen":
		return Queen, nil
	case "rook":
		return Rook, nil
	}
	return 0, eris.Errorf("contiguity: unknown mode %q", s)
}

// DefaultTolerance is the coordinate quantum used to match vertices.
const DefaultTolerance = 1e-8

type vertexKey [2]int64

type edgeKey [2]vertexKey

// Pairs returns every unordered neighbour pair under mode. Vertices are matched
// after snapping to a grid of size tolerance, so coincident boundaries digitised
// with tiny differences still join. Pairs are ordered by area position.
func Pairs(areas []Area, mode Mode, tolerance float64) []weights.Pair {
	if tolerance <= 0 {
		tolerance = DefaultTolerance
	}
	snap := func(c geom.Coord) vertexKey {
		return vertexKey{int64(math.Round(c.X() / tolerance)), int64(math.Round(c.Y() / tolerance))}
	}

	vertexOwners := make(map[vertexKey][]int)
	edgeOwners := make(map[edgeKey][]int)
	add := func(owners []int, a int) []int {
		if n := len(owners); n > 0 && owners[n-1] == a {
			return owners
		}
		return append(owners, a)
	}

	extent := geom.NewBounds(geom.XY)
	for a, area := range areas {
		extent.Extend(area.Geometry)
		for p := 0; p < area.Geometry.NumPolygons(); p++ {
			poly := area.Geometry.Polygon(p)
			for r := 0; r < poly.NumLinearRings(); r++ {
				ring := poly.LinearRing(r)
				n := ring.NumCoords()
				for i := 0; i < n; i++ {
					v := snap(ring.Coord(i))
					if mode == Queen {
						vertexOwners[v] = add(vertexOwners[v], a)
						continue
					}
					w := snap(ring.Coord((i + 1) % n))
					if v == w {
						continue
					}
					if w[0] < v[0] || (w[0] == v[0] && w[1] < v[1]) {
						v, w = w, v
					}
					e := edgeKey{v, w}
					edgeOwners[e] = add(edgeOwners[e], a)
				}
			}
		}
	}

	linked := make(map[[2]int]struct{})
	collect := func(owners []int) {
		if len(owners) < 2 {
			return
		}
		for i := 0; i < len(owners); i++ {
			for j := i + 1; j < len(owners); j++ {
				a, b := owners[i], owners[j]
				if a == b {
					continue
				}
				if a > b {
					a, b = b, a
				}
				linked[[2]int{a, b}] = struct{}{}
			}
		}
	}
	for _, owners := range vertexOwners {
		collect(owners)
	}
	for _, owners := range edgeOwners {
		collect(owners)
	}

	keys := make([][2]int, 0, len(linked))
	for k := range linked {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, func(x, y [2]int) int {
		if x[0] != y[0] {
			return x[0] - y[0]
		}
		return x[1] - y[1]
	})

	pairs := make([]weights.Pair, len(keys))
	for i, k := range keys {
		pairs[i] = weights.Pair{From: areas[k[0]].Label, To: areas[k[1]].Label}
	}

	zap.L().Info("contiguity: derived neighbour pairs",
		zap.Stringer("mode", mode),
		zap.Int("areas", len(areas)),
		zap.Int("pairs", len(pairs)),
		zap.Float64s("extent", []float64{extent.Min(0), extent.Min(1), extent.Max(0), extent.Max(1)}),
	)
	return pairs
}

// FromShapefile reads shpPath and returns the area labels in file order plus
// the neighbour pairs under mode.
func FromShapefile(shpPath, idField string, mode Mode) ([]string, []weights.Pair, error) {
	areas, err := ReadShapefile(shpPath, idField)
	if err != nil {
		return nil, nil, err
	}
	labels := make([]string, len(areas))
	for i, a := range areas {
		labels[i] = a.Label
	}
	return labels, Pairs(areas, mode, DefaultTolerance), nil
}
