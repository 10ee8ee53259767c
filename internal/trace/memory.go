package trace

import (
	"slices"

	"github.com/rotisserie/eris"
)

// Memory is an in-memory trace for tests and small runs. Each chain must be
// written by a single goroutine; different chains may write concurrently.
type Memory struct {
	names  []string
	warmup int
	rows   [][][]float64 // [chain][row][col]
}

// NewMemory allocates a trace with the given columns. The first warmup rows of
// every chain are excluded from Block.
func NewMemory(names []string, chains, warmup int) *Memory {
	return &Memory{names: slices.Clone(names), warmup: warmup, rows: make([][][]float64, chains)}
}

type memoryWriter struct {
	m     *Memory
	chain int
}

// Writer returns the RowWriter for chain k.
func (m *Memory) Writer(k int) RowWriter { return &memoryWriter{m: m, chain: k} }

func (w *memoryWriter) Write(row []float64) error {
	if len(row) != len(w.m.names) {
		return eris.Errorf("trace: row has %d values, want %d", len(row), len(w.m.names))
	}
	w.m.rows[w.chain] = append(w.m.rows[w.chain], slices.Clone(row))
	return nil
}

func (w *memoryWriter) Close() error { return nil }

// Names implements Source.
func (m *Memory) Names() []string { return slices.Clone(m.names) }

// Chains implements Source.
func (m *Memory) Chains() int { return len(m.rows) }

// Draws implements Source.
func (m *Memory) Draws() int {
	n := -1
	for _, rows := range m.rows {
		if d := len(rows) - m.warmup; n < 0 || d < n {
			n = d
		}
	}
	return max(n, 0)
}

// Rows returns chain k's retained rows, warmup included. Callers must not
// modify them.
func (m *Memory) Rows(k int) [][]float64 { return m.rows[k] }

// Block implements Source.
func (m *Memory) Block(lo, hi int) ([][][]float64, error) {
	if lo < 0 || hi > len(m.names) || lo >= hi {
		return nil, eris.Errorf("trace: bad column range [%d, %d)", lo, hi)
	}
	draws := m.Draws()
	out := newBlock(hi-lo, len(m.rows), draws)
	for k, rows := range m.rows {
		for d := 0; d < draws; d++ {
			row := rows[m.warmup+d]
			for j := lo; j < hi; j++ {
				out[j-lo][k][d] = row[j]
			}
		}
	}
	return out, nil
}
