package design

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/stat"

	"github.com/sells-group/spatial-income/internal/errkind"
	"github.com/sells-group/spatial-income/internal/hierarchy"
)

func testHierarchy(t *testing.T) *hierarchy.Hierarchy {
	t.Helper()
	h, err := hierarchy.Encode([]hierarchy.Membership{
		{SA1: "a", SA2: "A", SA3: "X", SA4: "Q"},
		{SA1: "b", SA2: "A", SA3: "X", SA4: "Q"},
		{SA1: "c", SA2: "B", SA3: "X", SA4: "Q"},
	})
	require.NoError(t, err)
	return h
}

func TestBuild_Standardises(t *testing.T) {
	h := testHierarchy(t)
	obs := []Observation{
		{Area: "a", Response: 1000, Predictors: []float64{30, 0.1}},
		{Area: "b", Response: 1500, Predictors: []float64{40, 0.3}},
		{Area: "c", Response: 2000, Predictors: []float64{50, 0.5}},
		{Area: "c", Response: 2500, Predictors: []float64{60, 0.2}},
	}
	m, err := Build(obs, h, Options{PredictorNames: []string{"age", "tertiary"}, StandardizeResponse: true})
	require.NoError(t, err)

	assert.Equal(t, 4, m.N())
	assert.Equal(t, 2, m.P())
	assert.Equal(t, 3, m.NumAreas())
	assert.Equal(t, 2, m.Area(3))

	col := []float64{m.Row(0)[0], m.Row(1)[0], m.Row(2)[0], m.Row(3)[0]}
	mean, sd := stat.MeanStdDev(col, nil)
	assert.InDelta(t, 0, mean, 1e-12)
	assert.InDelta(t, 1, sd, 1e-12)
	assert.InDelta(t, 45, m.PredictorScale(0).Mean, 1e-12)

	ys := m.ResponseScale()
	assert.InDelta(t, 1750, ys.Mean, 1e-9)
	assert.InDelta(t, 2500, ys.Mean+ys.SD*m.Y(3), 1e-9)
}

func TestBuild_RawResponse(t *testing.T) {
	h := testHierarchy(t)
	obs := []Observation{
		{Area: "a", Response: 3, Predictors: []float64{1}},
		{Area: "b", Response: 4, Predictors: []float64{2}},
	}
	m, err := Build(obs, h, Options{PredictorNames: []string{"x"}})
	require.NoError(t, err)
	assert.Equal(t, Scale{Mean: 0, SD: 1}, m.ResponseScale())
	assert.Equal(t, 4.0, m.Y(1))
}

func TestBuild_DataErrors(t *testing.T) {
	h := testHierarchy(t)
	tests := []struct {
		name string
		obs  []Observation
		want string
	}{
		{"unknown area", []Observation{
			{Area: "a", Response: 1, Predictors: []float64{1}},
			{Area: "zz", Response: 1, Predictors: []float64{2}},
		}, `area "zz" not in hierarchy`},
		{"ragged", []Observation{
			{Area: "a", Response: 1, Predictors: []float64{1}},
			{Area: "b", Response: 1, Predictors: []float64{2, 3}},
		}, "2 predictors, want 1"},
		{"missing predictor", []Observation{
			{Area: "a", Response: 1, Predictors: []float64{1}},
			{Area: "b", Response: 1, Predictors: []float64{math.NaN()}},
		}, "non-finite x"},
		{"constant predictor", []Observation{
			{Area: "a", Response: 1, Predictors: []float64{7}},
			{Area: "b", Response: 2, Predictors: []float64{7}},
		}, "zero variance"},
		{"too few", []Observation{
			{Area: "a", Response: 1, Predictors: []float64{7}},
		}, "at least 2 observations"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Build(tt.obs, h, Options{PredictorNames: []string{"x"}})
			require.Error(t, err)
			assert.True(t, errkind.IsData(err))
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}
