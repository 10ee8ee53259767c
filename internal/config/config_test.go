package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestLoadDefaults(t *testing.T) {
	// Change to temp dir so no config.yaml is found
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) })

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "csv", cfg.Data.Format)
	assert.Equal(t, "sa1_code", cfg.Data.Columns.Area)
	assert.Equal(t, "median_income", cfg.Data.Columns.Response)
	assert.Equal(t, []string{"median_age", "pct_tertiary", "pct_employed"}, cfg.Data.Columns.Predictors)
	assert.True(t, cfg.Data.StandardizeResponse)
	assert.Equal(t, "adjacency", cfg.Weights.Source)
	assert.Equal(t, "queen", cfg.Weights.Contiguity)
	assert.Equal(t, "reject", cfg.Weights.Isolates)
	assert.InDelta(t, 2.5, cfg.Model.BetaScale, 1e-9)
	assert.InDelta(t, 0.0, cfg.Model.RhoLower, 1e-9)
	assert.InDelta(t, 1.0, cfg.Model.RhoUpper, 1e-9)
	assert.Equal(t, "auto", cfg.Model.LogDet)
	assert.Equal(t, 2000, cfg.Model.EigenMaxAreas)
	assert.Equal(t, 2, cfg.Sampler.Chains)
	assert.Equal(t, 1000, cfg.Sampler.Tune)
	assert.Equal(t, 2000, cfg.Sampler.Draws)
	assert.Equal(t, uint64(20240501), cfg.Sampler.Seed)
	assert.InDelta(t, 0.85, cfg.Sampler.TargetAccept, 1e-9)
	assert.Equal(t, 10, cfg.Sampler.MaxDepth)
	assert.InDelta(t, 1000.0, cfg.Sampler.MaxEnergyError, 1e-9)
	assert.True(t, cfg.Output.RecordSpatial)
	assert.InDelta(t, 1.01, cfg.Diagnostics.RhatThreshold, 1e-9)
	assert.Equal(t, int64(64<<20), cfg.Diagnostics.BlockBytes)
	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestLoadFromYAML(t *testing.T) {
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) })

	yaml := `
data:
  observations: obs.csv
  columns:
    predictors: [a, b]
sampler:
  chains: 4
  draws: 500
log:
  level: debug
  format: console
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "obs.csv", cfg.Data.Observations)
	assert.Equal(t, []string{"a", "b"}, cfg.Data.Columns.Predictors)
	assert.Equal(t, 4, cfg.Sampler.Chains)
	assert.Equal(t, 500, cfg.Sampler.Draws)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "console", cfg.Log.Format)
	// Defaults still apply for unset values
	assert.Equal(t, 1000, cfg.Sampler.Tune)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) })

	yaml := `
store:
  driver: sqlite
log:
  level: debug
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644))

	t.Setenv("SPATIAL_STORE_DRIVER", "postgres")
	t.Setenv("SPATIAL_LOG_LEVEL", "warn")

	cfg, err := Load()
	require.NoError(t, err)

	// Env overrides file
	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestLoadEnvOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) })

	t.Setenv("SPATIAL_SAMPLER_CHAINS", "3")
	t.Setenv("SPATIAL_SAMPLER_TARGET_ACCEPT", "0.9")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.Sampler.Chains)
	assert.InDelta(t, 0.9, cfg.Sampler.TargetAccept, 1e-9)
}

func TestInitLoggerConsole(t *testing.T) {
	err := InitLogger(LogConfig{Level: "debug", Format: "console"})
	require.NoError(t, err)
	assert.NotNil(t, zap.L())
}

func TestInitLoggerJSON(t *testing.T) {
	err := InitLogger(LogConfig{Level: "info", Format: "json"})
	require.NoError(t, err)
	assert.NotNil(t, zap.L())
}

func TestInitLoggerInvalidLevel(t *testing.T) {
	err := InitLogger(LogConfig{Level: "invalid", Format: "json"})
	assert.Error(t, err)
}

// validDefaults returns a Config with all defaults populated for validation tests.
func validDefaults() *Config {
	cfg := &Config{}
	cfg.Data.Observations = "obs.csv"
	cfg.Data.Hierarchy = "hierarchy.csv"
	cfg.Data.Adjacency = "adjacency.csv"
	cfg.Data.Format = "csv"
	cfg.Data.Columns = ColumnsConfig{Area: "sa1_code", Response: "income", Predictors: []string{"age"}}
	cfg.Weights = WeightsConfig{Source: "adjacency", Contiguity: "queen", Isolates: "reject", ProxyLevel: "sa2"}
	cfg.Model = ModelConfig{
		InterceptScale: 5, BetaScale: 2.5, SigmaScale: 1,
		RhoLower: 0, RhoUpper: 1, LogDet: "auto",
		EigenMaxAreas: 2000, SeriesTerms: 60, SeriesProbes: 32,
	}
	cfg.Sampler = SamplerConfig{
		Chains: 2, Tune: 1000, Draws: 2000, TargetAccept: 0.85,
		MaxDepth: 10, MaxEnergyError: 1000, InitRadius: 1,
	}
	cfg.Diagnostics = DiagnosticsConfig{
		RhatThreshold: 1.01, MinESSPerChain: 100, MaxDivergenceRate: 0.01,
		MinEBFMI: 0.3, BlockBytes: 64 << 20,
	}
	cfg.Store = StoreConfig{Driver: "sqlite", DatabaseURL: "test.db"}
	return cfg
}

func TestValidateFit_AllPresent(t *testing.T) {
	cfg := validDefaults()
	assert.NoError(t, cfg.Validate("fit"))
}

func TestValidateFit_MissingFields(t *testing.T) {
	cfg := validDefaults()
	cfg.Data.Observations = ""
	cfg.Data.Adjacency = ""
	cfg.Data.Columns.Predictors = nil

	err := cfg.Validate("fit")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "data.observations is required")
	assert.Contains(t, err.Error(), "data.adjacency is required")
	assert.Contains(t, err.Error(), "data.columns.predictors")
}

func TestValidateWeights_HierarchyProxyNeedsNoAdjacency(t *testing.T) {
	cfg := validDefaults()
	cfg.Weights.Source = "hierarchy"
	cfg.Data.Adjacency = ""
	assert.NoError(t, cfg.Validate("weights"))
}

func TestValidateWeights_BadPolicy(t *testing.T) {
	cfg := validDefaults()
	cfg.Weights.Isolates = "everyone"
	err := cfg.Validate("weights")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "weights.isolates")
}

func TestValidateRhoBounds(t *testing.T) {
	tests := []struct {
		name         string
		lower, upper float64
		wantErr      bool
	}{
		{"default", 0, 1, false},
		{"full range", -1, 1, false},
		{"below -1", -1.5, 1, true},
		{"above 1", 0, 1.2, true},
		{"reversed", 0.5, 0.2, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validDefaults()
			cfg.Model.RhoLower = tt.lower
			cfg.Model.RhoUpper = tt.upper
			err := cfg.Validate("simulate")
			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), "rho_lower")
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidateSamplerBounds(t *testing.T) {
	cfg := validDefaults()

	cfg.Sampler.Chains = 0
	err := cfg.Validate("fit")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sampler.chains must be between 1 and 64")

	cfg.Sampler.Chains = 2
	cfg.Sampler.TargetAccept = 1
	err = cfg.Validate("fit")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sampler.target_accept")

	cfg.Sampler.TargetAccept = 0.8
	cfg.Sampler.MaxDepth = 0
	err = cfg.Validate("fit")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sampler.max_depth")
}

func TestValidateStoreDriver(t *testing.T) {
	cfg := validDefaults()
	cfg.Store.Driver = "mysql"
	err := cfg.Validate("runs")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store.driver")
}

func TestValidateUnknownMode(t *testing.T) {
	cfg := validDefaults()
	err := cfg.Validate("unknown")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "unknown mode")
}
