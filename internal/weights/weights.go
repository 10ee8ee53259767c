// Package weights builds the sparse symmetric contiguity matrix W over SA1
// areal units.
//
// W is binary: W[i][j] = 1 iff areas i and j are neighbours. It is stored in
// compressed sparse row form with sorted, de-duplicated column indices, has a
// zero diagonal, and is symmetric by construction. Row sums (degrees) feed the
// normalisation of the CAR prior.
package weights

import (
	"slices"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/spatial-income/internal/errkind"
	"github.com/sells-group/spatial-income/internal/hierarchy"
)

// Sentinel errors returned by Validate.
var (
	ErrAsymmetric = eris.New("weights: matrix is not symmetric")
	ErrSelfLoop   = eris.New("weights: non-zero diagonal")
	ErrUnsorted   = eris.New("weights: row indices not strictly increasing")
)

// Pair is one adjacency relation between two SA1 labels. Direction is
// irrelevant; the builder symmetrises.
type Pair struct {
	From string `csv:"from"`
	To   string `csv:"to"`
}

// IsolatePolicy decides what happens to units with no neighbours.
type IsolatePolicy int

const (
	// RejectIsolates fails the build with a data error.
	RejectIsolates IsolatePolicy = iota
	// IndependentIsolates keeps isolates with degree zero; the model gives
	// them an independent prior instead of a spatial one.
	IndependentIsolates
)

// ParseIsolatePolicy converts "reject" or "independent".
func ParseIsolatePolicy(s string) (IsolatePolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "reject", "":
		return RejectIsolates, nil
	case "independent":
		return IndependentIsolates, nil
	}
	return 0, eris.Errorf("weights: unknown isolate policy %q", s)
}

// Options configures a build.
type Options struct {
	Isolates IsolatePolicy
}

// Weights is an immutable binary CSR adjacency matrix.
type Weights struct {
	n        int
	rowPtr   []int
	colIdx   []int
	isolates []int
}

// Build constructs W over the ordered area labels from label pairs. Unknown
// labels are a data error; self pairs are dropped and duplicates collapse.
func Build(areas []string, pairs []Pair, opts Options) (*Weights, error) {
	index := make(map[string]int, len(areas))
	for i, a := range areas {
		index[a] = i
	}

	edges := make([][2]int, 0, len(pairs))
	for i, p := range pairs {
		from, ok := index[strings.TrimSpace(p.From)]
		if !ok {
			return nil, errkind.Data("weights: pair %d: unknown area %q", i+1, p.From)
		}
		to, ok := index[strings.TrimSpace(p.To)]
		if !ok {
			return nil, errkind.Data("weights: pair %d: unknown area %q", i+1, p.To)
		}
		edges = append(edges, [2]int{from, to})
	}

	return FromEdges(len(areas), edges, areas, opts)
}

// FromEdges constructs W over n units from index pairs. Labels are optional and
// only used in error messages.
func FromEdges(n int, edges [][2]int, labels []string, opts Options) (*Weights, error) {
	if n <= 0 {
		return nil, errkind.Data("weights: no areas")
	}

	rows := make([][]int, n)
	var selfLoops int
	for _, e := range edges {
		i, j := e[0], e[1]
		if i < 0 || i >= n || j < 0 || j >= n {
			return nil, eris.Errorf("weights: edge (%d, %d) out of range for %d areas", i, j, n)
		}
		if i == j {
			selfLoops++
			continue
		}
		rows[i] = append(rows[i], j)
		rows[j] = append(rows[j], i)
	}

	w := &Weights{n: n, rowPtr: make([]int, n+1)}
	for i, r := range rows {
		slices.Sort(r)
		r = slices.Compact(r)
		w.colIdx = append(w.colIdx, r...)
		w.rowPtr[i+1] = len(w.colIdx)
		if len(r) == 0 {
			w.isolates = append(w.isolates, i)
		}
	}

	if selfLoops > 0 {
		zap.L().Debug("weights: dropped self pairs", zap.Int("count", selfLoops))
	}

	if len(w.isolates) > 0 && opts.Isolates == RejectIsolates {
		return nil, errkind.Data("weights: %d area(s) have no neighbours (first: %s)",
			len(w.isolates), describe(w.isolates, labels, 5))
	}

	zap.L().Info("weights: built",
		zap.Int("areas", w.n),
		zap.Int("nnz", w.NNZ()),
		zap.Int("isolates", len(w.isolates)),
	)

	return w, nil
}

// FromHierarchy builds the proxy adjacency in which SA1 units sharing the same
// ancestor at level are mutually adjacent. Each group contributes a clique, so
// the cost is quadratic in group size.
func FromHierarchy(h *hierarchy.Hierarchy, level hierarchy.Level, opts Options) (*Weights, error) {
	if level == hierarchy.SA1 {
		return nil, eris.New("weights: proxy level must be coarser than sa1")
	}

	groups := make([][]int, h.Count(level))
	for a := 0; a < h.NumAreas(); a++ {
		g := h.Ancestor(a, level)
		groups[g] = append(groups[g], a)
	}

	var edges [][2]int
	for _, members := range groups {
		for x := 0; x < len(members); x++ {
			for y := x + 1; y < len(members); y++ {
				edges = append(edges, [2]int{members[x], members[y]})
			}
		}
	}

	return FromEdges(h.NumAreas(), edges, h.Labels(hierarchy.SA1), opts)
}

func describe(idx []int, labels []string, limit int) string {
	var parts []string
	for k, i := range idx {
		if k == limit {
			break
		}
		if i < len(labels) {
			parts = append(parts, labels[i])
		} else {
			parts = append(parts, "#"+strconv.Itoa(i))
		}
	}
	return strings.Join(parts, ", ")
}

// N returns the number of areas.
func (w *Weights) N() int { return w.n }

// NNZ returns the number of stored (directed) non-zero entries.
func (w *Weights) NNZ() int { return len(w.colIdx) }

// Neighbors returns the sorted neighbour indices of area i. The slice is
// shared and must not be modified.
func (w *Weights) Neighbors(i int) []int { return w.colIdx[w.rowPtr[i]:w.rowPtr[i+1]] }

// Degree returns the row sum of area i.
func (w *Weights) Degree(i int) float64 { return float64(w.rowPtr[i+1] - w.rowPtr[i]) }

// Degrees returns all row sums.
func (w *Weights) Degrees() []float64 {
	d := make([]float64, w.n)
	for i := range d {
		d[i] = w.Degree(i)
	}
	return d
}

// Isolates returns the indices of areas with no neighbours.
func (w *Weights) Isolates() []int { return slices.Clone(w.isolates) }

// At returns W[i][j].
func (w *Weights) At(i, j int) float64 {
	if _, found := slices.BinarySearch(w.Neighbors(i), j); found {
		return 1
	}
	return 0
}

// MulVec computes dst = W x in O(nnz).
func (w *Weights) MulVec(dst, x []float64) {
	for i := 0; i < w.n; i++ {
		var s float64
		for _, j := range w.colIdx[w.rowPtr[i]:w.rowPtr[i+1]] {
			s += x[j]
		}
		dst[i] = s
	}
}

// Quad returns xᵀ W x.
func (w *Weights) Quad(x []float64) float64 {
	var s float64
	for i := 0; i < w.n; i++ {
		var r float64
		for _, j := range w.colIdx[w.rowPtr[i]:w.rowPtr[i+1]] {
			r += x[j]
		}
		s += x[i] * r
	}
	return s
}

// Validate checks the structural invariants: sorted rows, zero diagonal and
// symmetry.
func (w *Weights) Validate() error {
	for i := 0; i < w.n; i++ {
		nb := w.Neighbors(i)
		for k, j := range nb {
			if k > 0 && nb[k-1] >= j {
				return eris.Wrapf(ErrUnsorted, "row %d", i)
			}
			if j == i {
				return eris.Wrapf(ErrSelfLoop, "row %d", i)
			}
			if _, found := slices.BinarySearch(w.Neighbors(j), i); !found {
				return eris.Wrapf(ErrAsymmetric, "entry (%d, %d)", i, j)
			}
		}
	}
	return nil
}

// Components returns the connected components of the adjacency graph, each a
// list of area indices in BFS order. Isolates form singleton components.
func (w *Weights) Components() [][]int {
	seen := make([]bool, w.n)
	var comps [][]int
	for s := 0; s < w.n; s++ {
		if seen[s] {
			continue
		}
		queue := []int{s}
		seen[s] = true
		for qi := 0; qi < len(queue); qi++ {
			for _, v := range w.Neighbors(queue[qi]) {
				if !seen[v] {
					seen[v] = true
					queue = append(queue, v)
				}
			}
		}
		comps = append(comps, queue)
	}
	return comps
}
