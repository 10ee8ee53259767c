package dataset

import (
	"encoding/csv"
	"io"
	"os"
	"slices"

	"github.com/jszwec/csvutil"
	"github.com/rotisserie/eris"

	"github.com/sells-group/spatial-income/internal/errkind"
	"github.com/sells-group/spatial-income/internal/hierarchy"
	"github.com/sells-group/spatial-income/internal/weights"
)

// LoadHierarchy decodes a geography table with columns sa1, sa2, sa3, sa4.
func LoadHierarchy(path string) ([]hierarchy.Membership, error) {
	return decodeFile[hierarchy.Membership](path)
}

// LoadAdjacency decodes an SA1 neighbour list with columns from, to.
func LoadAdjacency(path string) ([]weights.Pair, error) {
	return decodeFile[weights.Pair](path)
}

func decodeFile[T any](path string) ([]T, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, eris.Wrapf(err, "dataset: open %s", path)
	}
	defer f.Close() //nolint:errcheck
	return decode[T](f, path)
}

// decode reads a headed CSV into T using csvutil. Header names are normalised
// and lower-cased before matching T's csv tags; every tagged column must be
// present. Cell values are normalised as labels.
func decode[T any](r io.Reader, name string) ([]T, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if err == io.EOF {
		return nil, errkind.Data("dataset: %s is empty", name)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "dataset: read header of %s", name)
	}
	for i := range header {
		header[i] = columnKey(header[i])
	}

	var zero T
	want, err := csvutil.Header(zero, "csv")
	if err != nil {
		return nil, eris.Wrap(err, "dataset: derive header")
	}
	for _, col := range want {
		if !slices.Contains(header, col) {
			return nil, errkind.Data("dataset: %s: column %q not found in header", name, col)
		}
	}

	dec, err := csvutil.NewDecoder(cr, header...)
	if err != nil {
		return nil, eris.Wrapf(err, "dataset: decoder for %s", name)
	}
	dec.Map = func(field, _ string, _ any) string { return NormalizeLabel(field) }

	var out []T
	for line := 2; ; line++ {
		var v T
		if err := dec.Decode(&v); err == io.EOF {
			break
		} else if err != nil {
			return nil, errkind.Data("dataset: %s line %d: %v", name, line, err)
		}
		out = append(out, v)
	}
	return out, nil
}

// WriteHierarchy writes a geography table readable by LoadHierarchy.
func WriteHierarchy(path string, rows []hierarchy.Membership) error {
	return encodeFile(path, rows)
}

// WriteAdjacency writes a neighbour list readable by LoadAdjacency.
func WriteAdjacency(path string, pairs []weights.Pair) error {
	return encodeFile(path, pairs)
}

func encodeFile[T any](path string, rows []T) error {
	b, err := csvutil.Marshal(rows)
	if err != nil {
		return eris.Wrapf(err, "dataset: encode %s", path)
	}
	if err := os.WriteFile(path, b, 0o644); err != nil {
		return eris.Wrapf(err, "dataset: write %s", path)
	}
	return nil
}
