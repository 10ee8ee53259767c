// Package report writes the human-facing outputs of a fit: the parameter
// summary table and the run manifest.
package report

import (
	"os"
	"strings"
	"time"

	"github.com/jszwec/csvutil"
	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/spatial-income/internal/diagnostics"
	"github.com/sells-group/spatial-income/internal/nuts"
)

// File names inside a run directory.
const (
	SummaryFile  = "summary.csv"
	ManifestFile = "run.yaml"
)

// WriteSummaryCSV writes one row per parameter.
func WriteSummaryCSV(path string, rows []diagnostics.ParameterSummary) error {
	if len(rows) == 0 {
		h, err := csvutil.Header(diagnostics.ParameterSummary{}, "csv")
		if err != nil {
			return eris.Wrap(err, "report: summary header")
		}
		return eris.Wrap(os.WriteFile(path, []byte(strings.Join(h, ",")+"\n"), 0o644), "report: write summary")
	}
	b, err := csvutil.Marshal(rows)
	if err != nil {
		return eris.Wrap(err, "report: marshal summary")
	}
	return eris.Wrap(os.WriteFile(path, b, 0o644), "report: write summary")
}

// ReadSummaryCSV loads a summary written by WriteSummaryCSV.
func ReadSummaryCSV(path string) ([]diagnostics.ParameterSummary, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrap(err, "report: read summary")
	}
	var rows []diagnostics.ParameterSummary
	if err := csvutil.Unmarshal(b, &rows); err != nil {
		return nil, eris.Wrap(err, "report: parse summary")
	}
	return rows, nil
}

// Manifest records how a run was produced and how it went.
type Manifest struct {
	RunID      string                     `yaml:"run_id"`
	Status     string                     `yaml:"status"`
	StartedAt  time.Time                  `yaml:"started_at"`
	FinishedAt time.Time                  `yaml:"finished_at"`
	Elapsed    string                     `yaml:"elapsed"`
	Dimension  int                        `yaml:"dimension"`
	Recorded   int                        `yaml:"recorded_parameters"`
	Areas      int                        `yaml:"areas"`
	LogDet     string                     `yaml:"logdet"`
	Chains     []nuts.ChainStats          `yaml:"chains"`
	Health     []diagnostics.ChainSummary `yaml:"chain_health"`
	Warnings   []diagnostics.Warning      `yaml:"warnings"`
	Config     any                        `yaml:"config,omitempty"`
}

// WriteManifest writes m as YAML.
func WriteManifest(path string, m Manifest) error {
	if m.Elapsed == "" && !m.FinishedAt.IsZero() {
		m.Elapsed = m.FinishedAt.Sub(m.StartedAt).Round(time.Millisecond).String()
	}
	b, err := yaml.Marshal(m)
	if err != nil {
		return eris.Wrap(err, "report: marshal manifest")
	}
	return eris.Wrap(os.WriteFile(path, b, 0o644), "report: write manifest")
}

// ReadManifest loads a manifest. Config is decoded as a generic map.
func ReadManifest(path string) (Manifest, error) {
	var m Manifest
	b, err := os.ReadFile(path)
	if err != nil {
		return m, eris.Wrap(err, "report: read manifest")
	}
	if err := yaml.Unmarshal(b, &m); err != nil {
		return m, eris.Wrap(err, "report: parse manifest")
	}
	return m, nil
}
