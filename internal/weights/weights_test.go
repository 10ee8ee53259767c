package weights

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/spatial-income/internal/errkind"
	"github.com/sells-group/spatial-income/internal/hierarchy"
)

func TestBuild_SymmetrisesAndDedupes(t *testing.T) {
	areas := []string{"a", "b", "c", "d"}
	pairs := []Pair{
		{From: "a", To: "b"},
		{From: "b", To: "a"},
		{From: "b", To: "c"},
		{From: "c", To: "d"},
		{From: "d", To: "d"},
	}
	w, err := Build(areas, pairs, Options{})
	require.NoError(t, err)
	require.NoError(t, w.Validate())

	assert.Equal(t, 4, w.N())
	assert.Equal(t, 6, w.NNZ())
	assert.Equal(t, []int{0, 2}, w.Neighbors(1))
	assert.Equal(t, []float64{1, 2, 2, 1}, w.Degrees())
	assert.Equal(t, 0.0, w.At(3, 3))
	assert.Equal(t, 1.0, w.At(2, 1))
	assert.Empty(t, w.Isolates())
}

func TestBuild_UnknownLabel(t *testing.T) {
	_, err := Build([]string{"a", "b"}, []Pair{{From: "a", To: "z"}}, Options{})
	require.Error(t, err)
	assert.True(t, errkind.IsData(err))
	assert.Contains(t, err.Error(), `unknown area "z"`)
}

func TestBuild_RejectsIsolates(t *testing.T) {
	_, err := Build([]string{"a", "b", "c"}, []Pair{{From: "a", To: "b"}}, Options{Isolates: RejectIsolates})
	require.Error(t, err)
	assert.True(t, errkind.IsData(err))
	assert.Contains(t, err.Error(), "1 area(s) have no neighbours (first: c)")
}

func TestBuild_IndependentIsolates(t *testing.T) {
	w, err := Build([]string{"a", "b", "c"}, []Pair{{From: "a", To: "b"}}, Options{Isolates: IndependentIsolates})
	require.NoError(t, err)
	assert.Equal(t, []int{2}, w.Isolates())
	assert.Equal(t, 0.0, w.Degree(2))
	// Never adjacent-to-all.
	assert.Empty(t, w.Neighbors(2))
}

func TestMulVecAndQuad(t *testing.T) {
	w, err := FromEdges(3, [][2]int{{0, 1}, {1, 2}}, nil, Options{})
	require.NoError(t, err)

	x := []float64{1, 2, 3}
	dst := make([]float64, 3)
	w.MulVec(dst, x)
	assert.Equal(t, []float64{2, 4, 2}, dst)
	// xᵀWx = 2*(1*2 + 2*3)
	assert.InDelta(t, 16.0, w.Quad(x), 1e-12)
}

func TestComponents(t *testing.T) {
	w, err := FromEdges(5, [][2]int{{0, 1}, {1, 2}, {3, 4}}, nil, Options{})
	require.NoError(t, err)
	comps := w.Components()
	require.Len(t, comps, 2)
	assert.ElementsMatch(t, []int{0, 1, 2}, comps[0])
	assert.ElementsMatch(t, []int{3, 4}, comps[1])
}

func TestFromHierarchy(t *testing.T) {
	h, err := hierarchy.Encode([]hierarchy.Membership{
		{SA1: "a1", SA2: "A", SA3: "X", SA4: "Q"},
		{SA1: "a2", SA2: "A", SA3: "X", SA4: "Q"},
		{SA1: "a3", SA2: "A", SA3: "X", SA4: "Q"},
		{SA1: "b1", SA2: "B", SA3: "X", SA4: "Q"},
		{SA1: "b2", SA2: "B", SA3: "X", SA4: "Q"},
	})
	require.NoError(t, err)

	w, err := FromHierarchy(h, hierarchy.SA2, Options{})
	require.NoError(t, err)
	require.NoError(t, w.Validate())
	assert.Equal(t, []int{1, 2}, w.Neighbors(0))
	assert.Equal(t, []int{4}, w.Neighbors(3))
	assert.Len(t, w.Components(), 2)

	_, err = FromHierarchy(h, hierarchy.SA1, Options{})
	assert.Error(t, err)
}

func TestFromHierarchy_SingletonGroupIsIsolate(t *testing.T) {
	h, err := hierarchy.Encode([]hierarchy.Membership{
		{SA1: "a1", SA2: "A", SA3: "X", SA4: "Q"},
		{SA1: "a2", SA2: "A", SA3: "X", SA4: "Q"},
		{SA1: "b1", SA2: "B", SA3: "X", SA4: "Q"},
	})
	require.NoError(t, err)

	_, err = FromHierarchy(h, hierarchy.SA2, Options{})
	assert.True(t, errkind.IsData(err))
}

func TestParseIsolatePolicy(t *testing.T) {
	p, err := ParseIsolatePolicy("Independent")
	require.NoError(t, err)
	assert.Equal(t, IndependentIsolates, p)

	_, err = ParseIsolatePolicy("adjacent-to-all")
	assert.Error(t, err)
}

func TestValidate_DetectsCorruption(t *testing.T) {
	w := &Weights{n: 2, rowPtr: []int{0, 1, 1}, colIdx: []int{1}}
	assert.True(t, eris.Is(w.Validate(), ErrAsymmetric))

	w = &Weights{n: 1, rowPtr: []int{0, 1}, colIdx: []int{0}}
	assert.True(t, eris.Is(w.Validate(), ErrSelfLoop))
}

func TestProperty_SymmetricZeroDiagonal(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("W is symmetric with zero diagonal for any adjacency input", prop.ForAll(
		func(n int, raw []int) bool {
			edges := make([][2]int, 0, len(raw))
			for _, r := range raw {
				edges = append(edges, [2]int{r % n, (r / 64) % n})
			}
			w, err := FromEdges(n, edges, nil, Options{Isolates: IndependentIsolates})
			if err != nil {
				return false
			}
			if w.Validate() != nil {
				return false
			}
			for i := 0; i < n; i++ {
				if w.At(i, i) != 0 {
					return false
				}
				for j := 0; j < n; j++ {
					if w.At(i, j) != w.At(j, i) || w.At(i, j) < 0 {
						return false
					}
				}
			}
			return true
		},
		gen.IntRange(1, 40),
		gen.SliceOf(gen.IntRange(0, 64*64-1)),
	))

	properties.Property("Quad agrees with MulVec", prop.ForAll(
		func(raw []int, xs []float64) bool {
			const n = 12
			edges := make([][2]int, 0, len(raw))
			for _, r := range raw {
				edges = append(edges, [2]int{r % n, (r / n) % n})
			}
			w, err := FromEdges(n, edges, nil, Options{Isolates: IndependentIsolates})
			if err != nil {
				return false
			}
			x := make([]float64, n)
			copy(x, xs)
			wx := make([]float64, n)
			w.MulVec(wx, x)
			var want float64
			for i := range x {
				want += x[i] * wx[i]
			}
			got := w.Quad(x)
			return got-want < 1e-9 && want-got < 1e-9
		},
		gen.SliceOf(gen.IntRange(0, 143)),
		gen.SliceOfN(12, gen.Float64Range(-10, 10)),
	))

	properties.TestingRun(t)
}
