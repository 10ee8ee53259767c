package dataset

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tealeg/xlsx/v2"

	"github.com/sells-group/spatial-income/internal/design"
	"github.com/sells-group/spatial-income/internal/errkind"
	"github.com/sells-group/spatial-income/internal/hierarchy"
	"github.com/sells-group/spatial-income/internal/weights"
)

var testSchema = Schema{Area: "sa1_code", Response: "median_income", Predictors: []string{"age", "tertiary"}}

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestResolve(t *testing.T) {
	res, err := testSchema.Resolve([]string{"\ufeffSA1_CODE", "tertiary", "median_income", "age"})
	require.NoError(t, err)
	assert.Equal(t, 0, res.Area)
	assert.Equal(t, 2, res.Response)
	assert.Equal(t, []int{3, 1}, res.Predictors)

	_, err = testSchema.Resolve([]string{"sa1_code", "median_income", "age"})
	require.Error(t, err)
	assert.True(t, errkind.IsData(err))
	assert.Contains(t, err.Error(), `column "tertiary" not found`)

	_, err = testSchema.Resolve([]string{"sa1_code", "age", "Age"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate column")
}

func TestNormalizeLabel(t *testing.T) {
	// "e" + combining acute composes to a single rune under NFC.
	assert.Equal(t, "caf\u00e9", NormalizeLabel("  cafe\u0301 "))
	assert.Equal(t, "10101", NormalizeLabel("\ufeff10101"))
}

func TestLoadObservationsCSV(t *testing.T) {
	path := writeFile(t, "obs.csv", `sa1_code,median_income,age,tertiary,ignored
 101 ,52000,38.5,0.31,x

102,61000,41,0.42,y
`)
	obs, err := LoadObservations(context.Background(), ObservationSource{Path: path, Format: FormatCSV}, testSchema)
	require.NoError(t, err)
	require.Len(t, obs, 2)
	assert.Equal(t, design.Observation{Area: "101", Response: 52000, Predictors: []float64{38.5, 0.31}}, obs[0])
	assert.Equal(t, "102", obs[1].Area)
}

func TestLoadObservationsCSV_BadCell(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"missing value", "sa1_code,median_income,age,tertiary\n101,52000,,0.3\n", "row 2: age: missing value"},
		{"not a number", "sa1_code,median_income,age,tertiary\n101,lots,40,0.3\n", "row 2: median_income: not a number"},
		{"non-finite", "sa1_code,median_income,age,tertiary\n101,1,40,NaN\n", "non-finite"},
		{"empty area", "sa1_code,median_income,age,tertiary\n,1,40,0.3\n", "empty sa1_code"},
		{"header only", "sa1_code,median_income,age,tertiary\n", "no observation rows"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeFile(t, "obs.csv", tt.body)
			_, err := LoadObservations(context.Background(), ObservationSource{Path: path}, testSchema)
			require.Error(t, err)
			assert.True(t, errkind.IsData(err))
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoadObservationsXLSX(t *testing.T) {
	f := xlsx.NewFile()
	sheet, err := f.AddSheet("income")
	require.NoError(t, err)
	for _, rec := range [][]string{
		{"sa1_code", "median_income", "age", "tertiary"},
		{"201", "48000", "35", "0.2"},
		{"202", "50500", "37", "0.25"},
	} {
		row := sheet.AddRow()
		for _, v := range rec {
			row.AddCell().SetString(v)
		}
	}
	path := filepath.Join(t.TempDir(), "obs.xlsx")
	require.NoError(t, f.Save(path))

	obs, err := LoadObservations(context.Background(), ObservationSource{Path: path, Format: FormatXLSX, Sheet: "income"}, testSchema)
	require.NoError(t, err)
	require.Len(t, obs, 2)
	assert.Equal(t, "202", obs[1].Area)
	assert.InDelta(t, 0.25, obs[1].Predictors[1], 1e-12)

	_, err = LoadObservations(context.Background(), ObservationSource{Path: path, Format: FormatXLSX, Sheet: "missing"}, testSchema)
	assert.Error(t, err)
}

func TestLoadObservations_Cancelled(t *testing.T) {
	path := writeFile(t, "obs.csv", "sa1_code,median_income,age,tertiary\n101,1,2,3\n")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := LoadObservations(ctx, ObservationSource{Path: path}, testSchema)
	assert.Error(t, err)
}

func TestWriteObservationsRoundTrip(t *testing.T) {
	in := []design.Observation{
		{Area: "a", Response: 1.5, Predictors: []float64{0.1, -2}},
		{Area: "b", Response: 2.25, Predictors: []float64{1e-9, 3}},
	}
	path := filepath.Join(t.TempDir(), "obs.csv")
	require.NoError(t, WriteObservations(path, testSchema, in))

	out, err := LoadObservations(context.Background(), ObservationSource{Path: path}, testSchema)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestLoadHierarchy(t *testing.T) {
	path := writeFile(t, "h.csv", "\ufeffSA1,SA2,SA3,SA4\n 1 ,A,X,Q\n2,A,X,Q\n")
	rows, err := LoadHierarchy(path)
	require.NoError(t, err)
	assert.Equal(t, []hierarchy.Membership{
		{SA1: "1", SA2: "A", SA3: "X", SA4: "Q"},
		{SA1: "2", SA2: "A", SA3: "X", SA4: "Q"},
	}, rows)

	path = writeFile(t, "h.csv", "sa1,sa2,sa4\n1,A,Q\n")
	_, err = LoadHierarchy(path)
	require.Error(t, err)
	assert.True(t, errkind.IsData(err))
	assert.Contains(t, err.Error(), `column "sa3"`)
}

func TestAdjacencyRoundTrip(t *testing.T) {
	pairs := []weights.Pair{{From: "1", To: "2"}, {From: "2", To: "3"}}
	path := filepath.Join(t.TempDir(), "adj.csv")
	require.NoError(t, WriteAdjacency(path, pairs))

	got, err := LoadAdjacency(path)
	require.NoError(t, err)
	assert.Equal(t, pairs, got)

	empty := writeFile(t, "empty.csv", "")
	_, err = LoadAdjacency(empty)
	require.Error(t, err)
	assert.True(t, errkind.IsData(err))
}

func TestHierarchyRoundTrip(t *testing.T) {
	rows := []hierarchy.Membership{{SA1: "1", SA2: "A", SA3: "X", SA4: "Q"}}
	path := filepath.Join(t.TempDir(), "h.csv")
	require.NoError(t, WriteHierarchy(path, rows))
	got, err := LoadHierarchy(path)
	require.NoError(t, err)
	assert.Equal(t, rows, got)
}
