package config

import (
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Data        DataConfig        `yaml:"data" mapstructure:"data"`
	Weights     WeightsConfig     `yaml:"weights" mapstructure:"weights"`
	Model       ModelConfig       `yaml:"model" mapstructure:"model"`
	Sampler     SamplerConfig     `yaml:"sampler" mapstructure:"sampler"`
	Output      OutputConfig      `yaml:"output" mapstructure:"output"`
	Diagnostics DiagnosticsConfig `yaml:"diagnostics" mapstructure:"diagnostics"`
	Store       StoreConfig       `yaml:"store" mapstructure:"store"`
	Metrics     MetricsConfig     `yaml:"metrics" mapstructure:"metrics"`
	Log         LogConfig         `yaml:"log" mapstructure:"log"`
}

// DataConfig locates the input tables.
type DataConfig struct {
	Observations        string        `yaml:"observations" mapstructure:"observations"`
	Format              string        `yaml:"format" mapstructure:"format"`
	Sheet               string        `yaml:"sheet" mapstructure:"sheet"`
	Hierarchy           string        `yaml:"hierarchy" mapstructure:"hierarchy"`
	Adjacency           string        `yaml:"adjacency" mapstructure:"adjacency"`
	Shapefile           string        `yaml:"shapefile" mapstructure:"shapefile"`
	ShapeIDField        string        `yaml:"shape_id_field" mapstructure:"shape_id_field"`
	Columns             ColumnsConfig `yaml:"columns" mapstructure:"columns"`
	StandardizeResponse bool          `yaml:"standardize_response" mapstructure:"standardize_response"`
}

// ColumnsConfig names the observation columns. Names are resolved to
// positions once, when the header is read.
type ColumnsConfig struct {
	Area       string   `yaml:"area" mapstructure:"area"`
	Response   string   `yaml:"response" mapstructure:"response"`
	Predictors []string `yaml:"predictors" mapstructure:"predictors"`
}

// WeightsConfig configures how the SA1 adjacency is derived.
type WeightsConfig struct {
	Source     string `yaml:"source" mapstructure:"source"`
	Contiguity string `yaml:"contiguity" mapstructure:"contiguity"`
	Isolates   string `yaml:"isolates" mapstructure:"isolates"`
	ProxyLevel string `yaml:"proxy_level" mapstructure:"proxy_level"`
}

// ModelConfig holds prior scales and the log-determinant strategy.
type ModelConfig struct {
	InterceptScale float64 `yaml:"intercept_scale" mapstructure:"intercept_scale"`
	BetaScale      float64 `yaml:"beta_scale" mapstructure:"beta_scale"`
	SigmaScale     float64 `yaml:"sigma_scale" mapstructure:"sigma_scale"`
	RhoLower       float64 `yaml:"rho_lower" mapstructure:"rho_lower"`
	RhoUpper       float64 `yaml:"rho_upper" mapstructure:"rho_upper"`
	LogDet         string  `yaml:"logdet" mapstructure:"logdet"`
	EigenMaxAreas  int     `yaml:"eigen_max_areas" mapstructure:"eigen_max_areas"`
	SeriesTerms    int     `yaml:"series_terms" mapstructure:"series_terms"`
	SeriesProbes   int     `yaml:"series_probes" mapstructure:"series_probes"`
	SeriesSeed     uint64  `yaml:"series_seed" mapstructure:"series_seed"`
}

// SamplerConfig configures NUTS.
type SamplerConfig struct {
	Chains         int     `yaml:"chains" mapstructure:"chains"`
	Tune           int     `yaml:"tune" mapstructure:"tune"`
	Draws          int     `yaml:"draws" mapstructure:"draws"`
	Seed           uint64  `yaml:"seed" mapstructure:"seed"`
	TargetAccept   float64 `yaml:"target_accept" mapstructure:"target_accept"`
	MaxDepth       int     `yaml:"max_depth" mapstructure:"max_depth"`
	MaxEnergyError float64 `yaml:"max_energy_error" mapstructure:"max_energy_error"`
	InitRadius     float64 `yaml:"init_radius" mapstructure:"init_radius"`
	StepSize       float64 `yaml:"step_size" mapstructure:"step_size"`
	SaveWarmup     bool    `yaml:"save_warmup" mapstructure:"save_warmup"`
}

// OutputConfig configures where traces and reports are written.
type OutputConfig struct {
	Dir           string `yaml:"dir" mapstructure:"dir"`
	RecordSpatial bool   `yaml:"record_spatial" mapstructure:"record_spatial"`
}

// DiagnosticsConfig holds convergence thresholds.
type DiagnosticsConfig struct {
	RhatThreshold     float64 `yaml:"rhat_threshold" mapstructure:"rhat_threshold"`
	MinESSPerChain    float64 `yaml:"min_ess_per_chain" mapstructure:"min_ess_per_chain"`
	MaxDivergenceRate float64 `yaml:"max_divergence_rate" mapstructure:"max_divergence_rate"`
	MinEBFMI          float64 `yaml:"min_ebfmi" mapstructure:"min_ebfmi"`
	BlockBytes        int64   `yaml:"block_bytes" mapstructure:"block_bytes"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
}

// MetricsConfig configures the prometheus textfile export.
type MetricsConfig struct {
	Textfile string `yaml:"textfile" mapstructure:"textfile"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("SPATIAL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("data.format", "csv")
	v.SetDefault("data.shape_id_field", "SA1_CODE21")
	v.SetDefault("data.columns.area", "sa1_code")
	v.SetDefault("data.columns.response", "median_income")
	v.SetDefault("data.columns.predictors", []string{"median_age", "pct_tertiary", "pct_employed"})
	v.SetDefault("data.standardize_response", true)
	v.SetDefault("weights.source", "adjacency")
	v.SetDefault("weights.contiguity", "queen")
	v.SetDefault("weights.isolates", "reject")
	v.SetDefault("weights.proxy_level", "sa2")
	v.SetDefault("model.intercept_scale", 5.0)
	v.SetDefault("model.beta_scale", 2.5)
	v.SetDefault("model.sigma_scale", 1.0)
	v.SetDefault("model.rho_lower", 0.0)
	v.SetDefault("model.rho_upper", 1.0)
	v.SetDefault("model.logdet", "auto")
	v.SetDefault("model.eigen_max_areas", 2000)
	v.SetDefault("model.series_terms", 60)
	v.SetDefault("model.series_probes", 32)
	v.SetDefault("model.series_seed", 1)
	v.SetDefault("sampler.chains", 2)
	v.SetDefault("sampler.tune", 1000)
	v.SetDefault("sampler.draws", 2000)
	v.SetDefault("sampler.seed", 20240501)
	v.SetDefault("sampler.target_accept", 0.85)
	v.SetDefault("sampler.max_depth", 10)
	v.SetDefault("sampler.max_energy_error", 1000.0)
	v.SetDefault("sampler.init_radius", 1.0)
	v.SetDefault("sampler.step_size", 0.0)
	v.SetDefault("sampler.save_warmup", false)
	v.SetDefault("output.dir", "./runs")
	v.SetDefault("output.record_spatial", true)
	v.SetDefault("diagnostics.rhat_threshold", 1.01)
	v.SetDefault("diagnostics.min_ess_per_chain", 100.0)
	v.SetDefault("diagnostics.max_divergence_rate", 0.01)
	v.SetDefault("diagnostics.min_ebfmi", 0.3)
	v.SetDefault("diagnostics.block_bytes", 64<<20)
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "spatial-income.db")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate checks the settings a command depends on. Mode is one of
// "fit", "weights", "simulate", "summarize" or "runs".
func (c *Config) Validate(mode string) error {
	var errs []string

	switch mode {
	case "fit":
		errs = append(errs, c.validateData()...)
		errs = append(errs, c.validateWeights()...)
		errs = append(errs, c.validateModel()...)
		errs = append(errs, c.validateSampler()...)
		errs = append(errs, c.validateDiagnostics()...)
		errs = append(errs, c.validateStore()...)
	case "weights":
		if c.Data.Hierarchy == "" {
			errs = append(errs, "data.hierarchy is required")
		}
		errs = append(errs, c.validateWeights()...)
	case "simulate":
		errs = append(errs, c.validateModel()...)
	case "summarize":
		errs = append(errs, c.validateDiagnostics()...)
	case "runs":
		errs = append(errs, c.validateStore()...)
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if len(errs) > 0 {
		return eris.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return nil
}

func (c *Config) validateData() []string {
	var errs []string
	if c.Data.Observations == "" {
		errs = append(errs, "data.observations is required")
	}
	if c.Data.Hierarchy == "" {
		errs = append(errs, "data.hierarchy is required")
	}
	if c.Data.Format != "csv" && c.Data.Format != "xlsx" {
		errs = append(errs, fmt.Sprintf("data.format must be csv or xlsx, got %q", c.Data.Format))
	}
	if c.Data.Columns.Area == "" || c.Data.Columns.Response == "" {
		errs = append(errs, "data.columns.area and data.columns.response are required")
	}
	if len(c.Data.Columns.Predictors) == 0 {
		errs = append(errs, "data.columns.predictors must list at least one column")
	}
	return errs
}

func (c *Config) validateWeights() []string {
	var errs []string
	switch c.Weights.Source {
	case "adjacency":
		if c.Data.Adjacency == "" {
			errs = append(errs, "data.adjacency is required when weights.source=adjacency")
		}
	case "shapefile":
		if c.Data.Shapefile == "" {
			errs = append(errs, "data.shapefile is required when weights.source=shapefile")
		}
	case "hierarchy":
	default:
		errs = append(errs, fmt.Sprintf("weights.source must be adjacency, shapefile or hierarchy, got %q", c.Weights.Source))
	}
	if c.Weights.Contiguity != "queen" && c.Weights.Contiguity != "rook" {
		errs = append(errs, fmt.Sprintf("weights.contiguity must be queen or rook, got %q", c.Weights.Contiguity))
	}
	if c.Weights.Isolates != "reject" && c.Weights.Isolates != "independent" {
		errs = append(errs, fmt.Sprintf("weights.isolates must be reject or independent, got %q", c.Weights.Isolates))
	}
	switch c.Weights.ProxyLevel {
	case "sa2", "sa3", "sa4":
	default:
		errs = append(errs, fmt.Sprintf("weights.proxy_level must be sa2, sa3 or sa4, got %q", c.Weights.ProxyLevel))
	}
	return errs
}

func (c *Config) validateModel() []string {
	var errs []string
	if c.Model.InterceptScale <= 0 || c.Model.BetaScale <= 0 || c.Model.SigmaScale <= 0 {
		errs = append(errs, "model prior scales must be > 0")
	}
	if c.Model.RhoLower < -1 || c.Model.RhoUpper > 1 || c.Model.RhoLower >= c.Model.RhoUpper {
		errs = append(errs, "model.rho_lower and model.rho_upper must satisfy -1 <= lower < upper <= 1")
	}
	switch c.Model.LogDet {
	case "auto", "eigen", "series":
	default:
		errs = append(errs, fmt.Sprintf("model.logdet must be auto, eigen or series, got %q", c.Model.LogDet))
	}
	if c.Model.SeriesTerms < 2 || c.Model.SeriesProbes < 1 {
		errs = append(errs, "model.series_terms must be >= 2 and model.series_probes >= 1")
	}
	return errs
}

func (c *Config) validateSampler() []string {
	var errs []string
	if c.Sampler.Chains < 1 || c.Sampler.Chains > 64 {
		errs = append(errs, "sampler.chains must be between 1 and 64")
	}
	if c.Sampler.Tune < 0 || c.Sampler.Draws < 1 {
		errs = append(errs, "sampler.tune must be >= 0 and sampler.draws >= 1")
	}
	if c.Sampler.TargetAccept <= 0 || c.Sampler.TargetAccept >= 1 {
		errs = append(errs, "sampler.target_accept must be in (0, 1)")
	}
	if c.Sampler.MaxDepth < 1 || c.Sampler.MaxDepth > 20 {
		errs = append(errs, "sampler.max_depth must be between 1 and 20")
	}
	if c.Sampler.MaxEnergyError <= 0 {
		errs = append(errs, "sampler.max_energy_error must be > 0")
	}
	if c.Sampler.StepSize < 0 {
		errs = append(errs, "sampler.step_size must be >= 0")
	}
	return errs
}

func (c *Config) validateDiagnostics() []string {
	var errs []string
	if c.Diagnostics.RhatThreshold <= 1 {
		errs = append(errs, "diagnostics.rhat_threshold must be > 1")
	}
	if c.Diagnostics.MaxDivergenceRate < 0 || c.Diagnostics.MaxDivergenceRate > 1 {
		errs = append(errs, "diagnostics.max_divergence_rate must be in [0, 1]")
	}
	if c.Diagnostics.BlockBytes < 1<<20 {
		errs = append(errs, "diagnostics.block_bytes must be at least 1 MiB")
	}
	return errs
}

func (c *Config) validateStore() []string {
	var errs []string
	switch c.Store.Driver {
	case "sqlite", "postgres":
	default:
		errs = append(errs, fmt.Sprintf("store.driver must be sqlite or postgres, got %q", c.Store.Driver))
	}
	if c.Store.DatabaseURL == "" {
		errs = append(errs, "store.database_url is required")
	}
	return errs
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
