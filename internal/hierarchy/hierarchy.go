// Package hierarchy encodes the nested SA1 ⊂ SA2 ⊂ SA3 ⊂ SA4 statistical
// geography into contiguous zero-based index arrays.
//
// Indices are assigned in first-seen order when the hierarchy is encoded and
// never renumbered afterwards, so every downstream array (design rows, spatial
// weights, parameter layout) can address groups by plain integer offsets.
package hierarchy

import (
	"strings"

	"github.com/sells-group/spatial-income/internal/errkind"
)

// Level identifies a geography level.
type Level int

// Geography levels, finest to coarsest.
const (
	SA1 Level = iota
	SA2
	SA3
	SA4
)

func (l Level) String() string {
	switch l {
	case SA1:
		return "sa1"
	case SA2:
		return "sa2"
	case SA3:
		return "sa3"
	case SA4:
		return "sa4"
	default:
		return "unknown"
	}
}

// ParseLevel converts "sa1".."sa4" (case-insensitive) to a Level.
func ParseLevel(s string) (Level, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "sa1":
		return SA1, true
	case "sa2":
		return SA2, true
	case "sa3":
		return SA3, true
	case "sa4":
		return SA4, true
	}
	return 0, false
}

// Membership is one row of the geography table: an SA1 and its ancestors.
type Membership struct {
	SA1 string `csv:"sa1"`
	SA2 string `csv:"sa2"`
	SA3 string `csv:"sa3"`
	SA4 string `csv:"sa4"`
}

// Hierarchy is the encoded, immutable geography.
type Hierarchy struct {
	labels [4][]string
	index  [4]map[string]int

	areaSA2   []int // SA1 -> SA2
	sa2Parent []int // SA2 -> SA3
	sa3Parent []int // SA3 -> SA4
}

// Encode assigns contiguous indices to every label and checks strict nesting.
// A missing label or a unit claiming two different parents is a data error.
func Encode(rows []Membership) (*Hierarchy, error) {
	if len(rows) == 0 {
		return nil, errkind.Data("hierarchy: no membership rows")
	}

	h := &Hierarchy{}
	for l := range h.index {
		h.index[l] = make(map[string]int)
	}

	for i, r := range rows {
		labels := [4]string{
			strings.TrimSpace(r.SA1),
			strings.TrimSpace(r.SA2),
			strings.TrimSpace(r.SA3),
			strings.TrimSpace(r.SA4),
		}
		for l, lab := range labels {
			if lab == "" {
				return nil, errkind.Data("hierarchy: row %d: missing %s label", i+1, Level(l))
			}
		}

		q := h.intern(SA4, labels[SA4])
		m, newSA3 := h.internNew(SA3, labels[SA3])
		if newSA3 {
			h.sa3Parent = append(h.sa3Parent, q)
		} else if h.sa3Parent[m] != q {
			return nil, errkind.Data("hierarchy: row %d: sa3 %q has two parents (%q, %q)",
				i+1, labels[SA3], h.labels[SA4][h.sa3Parent[m]], labels[SA4])
		}

		k, newSA2 := h.internNew(SA2, labels[SA2])
		if newSA2 {
			h.sa2Parent = append(h.sa2Parent, m)
		} else if h.sa2Parent[k] != m {
			return nil, errkind.Data("hierarchy: row %d: sa2 %q has two parents (%q, %q)",
				i+1, labels[SA2], h.labels[SA3][h.sa2Parent[k]], labels[SA3])
		}

		a, newSA1 := h.internNew(SA1, labels[SA1])
		if newSA1 {
			h.areaSA2 = append(h.areaSA2, k)
		} else if h.areaSA2[a] != k {
			return nil, errkind.Data("hierarchy: row %d: sa1 %q has two parents (%q, %q)",
				i+1, labels[SA1], h.labels[SA2][h.areaSA2[a]], labels[SA2])
		}
	}

	return h, nil
}

func (h *Hierarchy) intern(l Level, label string) int {
	idx, _ := h.internNew(l, label)
	return idx
}

func (h *Hierarchy) internNew(l Level, label string) (int, bool) {
	if idx, ok := h.index[l][label]; ok {
		return idx, false
	}
	idx := len(h.labels[l])
	h.labels[l] = append(h.labels[l], label)
	h.index[l][label] = idx
	return idx, true
}

// NumAreas returns the number of SA1 units.
func (h *Hierarchy) NumAreas() int { return len(h.labels[SA1]) }

// Count returns the number of groups at a level.
func (h *Hierarchy) Count(l Level) int { return len(h.labels[l]) }

// Label returns the label of group i at level l.
func (h *Hierarchy) Label(l Level, i int) string { return h.labels[l][i] }

// Labels returns a copy of the labels at level l in index order.
func (h *Hierarchy) Labels(l Level) []string {
	out := make([]string, len(h.labels[l]))
	copy(out, h.labels[l])
	return out
}

// Index looks up the index of a label at level l.
func (h *Hierarchy) Index(l Level, label string) (int, bool) {
	idx, ok := h.index[l][label]
	return idx, ok
}

// AreaSA2 returns the SA2 index of SA1 area a.
func (h *Hierarchy) AreaSA2(a int) int { return h.areaSA2[a] }

// SA2Parent returns the SA3 index of SA2 k.
func (h *Hierarchy) SA2Parent(k int) int { return h.sa2Parent[k] }

// SA3Parent returns the SA4 index of SA3 m.
func (h *Hierarchy) SA3Parent(m int) int { return h.sa3Parent[m] }

// Ancestor returns the index of area a's ancestor at level l.
func (h *Hierarchy) Ancestor(a int, l Level) int {
	switch l {
	case SA1:
		return a
	case SA2:
		return h.areaSA2[a]
	case SA3:
		return h.sa2Parent[h.areaSA2[a]]
	default:
		return h.sa3Parent[h.sa2Parent[h.areaSA2[a]]]
	}
}

// AreaSA2Index returns the SA1 -> SA2 lookup array. The slice is shared and
// must not be modified.
func (h *Hierarchy) AreaSA2Index() []int { return h.areaSA2 }

// SA2ParentIndex returns the SA2 -> SA3 lookup array (shared, read-only).
func (h *Hierarchy) SA2ParentIndex() []int { return h.sa2Parent }

// SA3ParentIndex returns the SA3 -> SA4 lookup array (shared, read-only).
func (h *Hierarchy) SA3ParentIndex() []int { return h.sa3Parent }
