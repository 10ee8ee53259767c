package trace

import (
	"encoding/binary"
	"math"
	"os"
	"path/filepath"
	"slices"

	"github.com/rotisserie/eris"
)

// Reader reads column blocks from a trace directory with positioned reads.
type Reader struct {
	m     Manifest
	files []*os.File
	draws int
}

// Open reads the manifest in dir and opens every chain file.
func Open(dir string) (*Reader, error) {
	m, err := ReadManifest(dir)
	if err != nil {
		return nil, err
	}

	r := &Reader{m: m, draws: -1}
	rowBytes := int64(8 * len(m.Names))
	for k, name := range m.ChainFiles {
		f, err := os.Open(filepath.Join(dir, name))
		if err != nil {
			r.Close() //nolint:errcheck
			return nil, eris.Wrapf(err, "trace: open chain %d", k)
		}
		r.files = append(r.files, f)

		info, err := f.Stat()
		if err != nil {
			r.Close() //nolint:errcheck
			return nil, eris.Wrapf(err, "trace: stat chain %d", k)
		}
		want := int64(m.Warmup+m.Draws[k]) * rowBytes
		if info.Size() < want {
			r.Close() //nolint:errcheck
			return nil, eris.Errorf("trace: chain %d file holds %d bytes, manifest needs %d", k, info.Size(), want)
		}
		if r.draws < 0 || m.Draws[k] < r.draws {
			r.draws = m.Draws[k]
		}
	}
	if r.draws < 0 {
		r.draws = 0
	}
	return r, nil
}

// Manifest returns the trace manifest.
func (r *Reader) Manifest() Manifest { return r.m }

// Names implements Source.
func (r *Reader) Names() []string { return slices.Clone(r.m.Names) }

// Chains implements Source.
func (r *Reader) Chains() int { return r.m.Chains }

// Draws implements Source. Chains of unequal length are truncated to the
// shortest.
func (r *Reader) Draws() int { return r.draws }

// Block implements Source. Warmup rows are skipped.
func (r *Reader) Block(lo, hi int) ([][][]float64, error) {
	if lo < 0 || hi > len(r.m.Names) || lo >= hi {
		return nil, eris.Errorf("trace: bad column range [%d, %d)", lo, hi)
	}

	width := hi - lo
	out := newBlock(width, r.m.Chains, r.draws)
	rowBytes := int64(8 * len(r.m.Names))
	buf := make([]byte, 8*width)

	for k, f := range r.files {
		for d := 0; d < r.draws; d++ {
			off := int64(r.m.Warmup+d)*rowBytes + int64(8*lo)
			if _, err := f.ReadAt(buf, off); err != nil {
				return nil, eris.Wrapf(err, "trace: read chain %d draw %d", k, d)
			}
			for j := 0; j < width; j++ {
				out[j][k][d] = math.Float64frombits(binary.LittleEndian.Uint64(buf[8*j:]))
			}
		}
	}
	return out, nil
}

// Close closes all chain files.
func (r *Reader) Close() error {
	var first error
	for _, f := range r.files {
		if err := f.Close(); err != nil && first == nil {
			first = eris.Wrap(err, "trace: close")
		}
	}
	return first
}

func newBlock(width, chains, draws int) [][][]float64 {
	flat := make([]float64, width*chains*draws)
	out := make([][][]float64, width)
	for j := range out {
		out[j] = make([][]float64, chains)
		for k := range out[j] {
			off := (j*chains + k) * draws
			out[j][k] = flat[off : off+draws : off+draws]
		}
	}
	return out
}
