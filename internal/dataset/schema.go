// Package dataset loads the model inputs: the observation table (CSV or XLSX),
// the SA1 geography table and the SA1 adjacency list.
package dataset

import (
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/sells-group/spatial-income/internal/errkind"
)

// Schema names the observation columns the model needs.
type Schema struct {
	Area       string
	Response   string
	Predictors []string
}

// Resolved holds header positions for a Schema. It is computed once from the
// header and then used to read every row by index.
type Resolved struct {
	Area       int
	Response   int
	Predictors []int
	Width      int
}

// Resolve locates every schema column in header. A missing or duplicated
// column is a data error.
func (s Schema) Resolve(header []string) (Resolved, error) {
	pos := make(map[string]int, len(header))
	for i, h := range header {
		key := columnKey(h)
		if _, dup := pos[key]; dup {
			return Resolved{}, errkind.Data("dataset: duplicate column %q", h)
		}
		pos[key] = i
	}

	lookup := func(name string) (int, error) {
		i, ok := pos[columnKey(name)]
		if !ok {
			return 0, errkind.Data("dataset: column %q not found in header", name)
		}
		return i, nil
	}

	var (
		r   Resolved
		err error
	)
	r.Width = len(header)
	if r.Area, err = lookup(s.Area); err != nil {
		return Resolved{}, err
	}
	if r.Response, err = lookup(s.Response); err != nil {
		return Resolved{}, err
	}
	if len(s.Predictors) == 0 {
		return Resolved{}, errkind.Data("dataset: no predictor columns configured")
	}
	r.Predictors = make([]int, len(s.Predictors))
	for j, name := range s.Predictors {
		if r.Predictors[j], err = lookup(name); err != nil {
			return Resolved{}, err
		}
	}
	return r, nil
}

func columnKey(s string) string {
	return strings.ToLower(NormalizeLabel(s))
}

// NormalizeLabel trims whitespace and a leading byte-order mark and applies
// Unicode NFC so that labels from different sources compare equal.
func NormalizeLabel(s string) string {
	s = strings.TrimPrefix(s, "\ufeff")
	return norm.NFC.String(strings.TrimSpace(s))
}
