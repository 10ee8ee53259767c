// Package trace stores posterior draws. Each chain streams rows of float64
// values to its own little-endian binary file; a YAML manifest names the
// columns. Readers load column blocks so memory stays proportional to the
// block, not the trace.
package trace

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

// ManifestFile is the manifest's name inside a trace directory.
const ManifestFile = "trace.yaml"

const manifestVersion = 1

// RowWriter appends draws for one chain.
type RowWriter interface {
	Write(row []float64) error
	Close() error
}

// Source is read access to a finished trace, sampling draws only.
type Source interface {
	Names() []string
	Chains() int
	Draws() int
	// Block returns values[col-lo][chain][draw] for columns [lo, hi).
	Block(lo, hi int) ([][][]float64, error)
}

// Manifest describes a trace directory.
type Manifest struct {
	Version    int       `yaml:"version"`
	RunID      string    `yaml:"run_id"`
	Names      []string  `yaml:"names"`
	Chains     int       `yaml:"chains"`
	Warmup     int       `yaml:"warmup_rows"`
	Draws      []int     `yaml:"draws"`
	ChainFiles []string  `yaml:"chain_files"`
	CreatedAt  time.Time `yaml:"created_at"`
}

// ChainFile is the file name for chain k.
func ChainFile(k int) string { return fmt.Sprintf("chain-%d.bin", k) }

// PlannedBytes is the on-disk size of a trace with the given shape.
func PlannedBytes(cols, chains, rowsPerChain int) int64 {
	return int64(cols) * int64(chains) * int64(rowsPerChain) * 8
}

// WriteManifest writes m to dir/trace.yaml.
func WriteManifest(dir string, m Manifest) error {
	m.Version = manifestVersion
	if len(m.ChainFiles) == 0 {
		for k := 0; k < m.Chains; k++ {
			m.ChainFiles = append(m.ChainFiles, ChainFile(k))
		}
	}
	b, err := yaml.Marshal(m)
	if err != nil {
		return eris.Wrap(err, "trace: marshal manifest")
	}
	if err := os.WriteFile(filepath.Join(dir, ManifestFile), b, 0o644); err != nil {
		return eris.Wrap(err, "trace: write manifest")
	}
	return nil
}

// ReadManifest loads dir/trace.yaml.
func ReadManifest(dir string) (Manifest, error) {
	var m Manifest
	b, err := os.ReadFile(filepath.Join(dir, ManifestFile))
	if err != nil {
		return m, eris.Wrap(err, "trace: read manifest")
	}
	if err := yaml.Unmarshal(b, &m); err != nil {
		return m, eris.Wrap(err, "trace: parse manifest")
	}
	if m.Version != manifestVersion {
		return m, eris.Errorf("trace: unsupported manifest version %d", m.Version)
	}
	if m.Chains != len(m.ChainFiles) || m.Chains != len(m.Draws) {
		return m, eris.Errorf("trace: manifest lists %d chains, %d files, %d draw counts", m.Chains, len(m.ChainFiles), len(m.Draws))
	}
	return m, nil
}

// Writer streams one chain's rows to disk.
type Writer struct {
	f    *os.File
	bw   *bufio.Writer
	buf  []byte
	cols int
	rows int
}

// Create opens dir/chain-<k>.bin for writing rows of cols values.
func Create(dir string, chain, cols int) (*Writer, error) {
	f, err := os.Create(filepath.Join(dir, ChainFile(chain)))
	if err != nil {
		return nil, eris.Wrapf(err, "trace: create chain %d file", chain)
	}
	return &Writer{
		f:    f,
		bw:   bufio.NewWriterSize(f, 1<<20),
		buf:  make([]byte, 8*cols),
		cols: cols,
	}, nil
}

// Write appends one row.
func (w *Writer) Write(row []float64) error {
	if len(row) != w.cols {
		return eris.Errorf("trace: row has %d values, want %d", len(row), w.cols)
	}
	for i, v := range row {
		binary.LittleEndian.PutUint64(w.buf[8*i:], math.Float64bits(v))
	}
	if _, err := w.bw.Write(w.buf); err != nil {
		return eris.Wrap(err, "trace: write row")
	}
	w.rows++
	return nil
}

// Rows returns the number of rows written.
func (w *Writer) Rows() int { return w.rows }

// Close flushes and closes the file.
func (w *Writer) Close() error {
	if err := w.bw.Flush(); err != nil {
		_ = w.f.Close()
		return eris.Wrap(err, "trace: flush")
	}
	return eris.Wrap(w.f.Close(), "trace: close")
}
