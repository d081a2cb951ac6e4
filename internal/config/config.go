// Package config loads application configuration from config.yaml and
// ATLAS_-prefixed environment variables, with sane defaults for every knob.
package config

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store     StoreConfig     `yaml:"store" mapstructure:"store"`
	Schema    SchemaConfig    `yaml:"schema" mapstructure:"schema"`
	Hierarchy HierarchyConfig `yaml:"hierarchy" mapstructure:"hierarchy"`
	Build     BuildConfig     `yaml:"build" mapstructure:"build"`
	Score     ScoreConfig     `yaml:"score" mapstructure:"score"`
	Server    ServerConfig    `yaml:"server" mapstructure:"server"`
	Log       LogConfig       `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the SQLite warehouse file.
type StoreConfig struct {
	Path string `yaml:"path" mapstructure:"path"`
}

// SchemaConfig names the statistical dimensions and how they behave.
type SchemaConfig struct {
	ReferenceDimension string            `yaml:"reference_dimension" mapstructure:"reference_dimension"`
	IncomeDimension    string            `yaml:"income_dimension" mapstructure:"income_dimension"`
	HoursDimension     string            `yaml:"hours_dimension" mapstructure:"hours_dimension"`
	CategoricalDims    []string          `yaml:"categorical_dimensions" mapstructure:"categorical_dimensions"`
	Extracts           map[string]string `yaml:"extracts" mapstructure:"extracts"` // dimension -> source file
}

// HierarchyConfig describes the geographic level chain, finest first, and the
// crosswalk source file for each hop.
type HierarchyConfig struct {
	Levels     []string          `yaml:"levels" mapstructure:"levels"`
	Crosswalks map[string]string `yaml:"crosswalks" mapstructure:"crosswalks"` // "from:to" -> file
	Boundaries string            `yaml:"boundaries" mapstructure:"boundaries"` // shapefile path
	CodeField  string            `yaml:"code_field" mapstructure:"code_field"`
}

// BuildConfig tunes the warehouse build pipeline.
type BuildConfig struct {
	CrosswalkTolerance  float64 `yaml:"crosswalk_tolerance" mapstructure:"crosswalk_tolerance"`
	OpenEndedMultiplier float64 `yaml:"open_ended_multiplier" mapstructure:"open_ended_multiplier"`
}

// ScoreConfig tunes the site-selection engine.
type ScoreConfig struct {
	RadiusKM      float64 `yaml:"radius_km" mapstructure:"radius_km"`
	TopN          int     `yaml:"top_n" mapstructure:"top_n"`
	GridSpacingKM float64 `yaml:"grid_spacing_km" mapstructure:"grid_spacing_km"`
	DensityWeight float64 `yaml:"density_weight" mapstructure:"density_weight"`
	TargetWeight  float64 `yaml:"target_weight" mapstructure:"target_weight"`
	GapWeight     float64 `yaml:"gap_weight" mapstructure:"gap_weight"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
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
	v.SetEnvPrefix("ATLAS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.path", "atlas.db")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("schema.reference_dimension", "age")
	v.SetDefault("schema.income_dimension", "income")
	v.SetDefault("schema.hours_dimension", "hours")
	v.SetDefault("hierarchy.levels", []string{"sa1", "postcode", "suburb"})
	v.SetDefault("hierarchy.code_field", "SA1_CODE21")
	v.SetDefault("build.crosswalk_tolerance", 0.05)
	v.SetDefault("build.open_ended_multiplier", 1.25)
	v.SetDefault("score.radius_km", 5)
	v.SetDefault("score.top_n", 10)
	v.SetDefault("score.grid_spacing_km", 2)
	v.SetDefault("score.density_weight", 0.4)
	v.SetDefault("score.target_weight", 0.4)
	v.SetDefault("score.gap_weight", 0.2)

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

// Validate checks the invariants the pipeline relies on.
func (c *Config) Validate() error {
	if c.Store.Path == "" {
		return eris.New("config: store.path is required")
	}
	if len(c.Hierarchy.Levels) == 0 {
		return eris.New("config: hierarchy.levels must name at least one level")
	}
	seen := make(map[string]bool, len(c.Hierarchy.Levels))
	for _, l := range c.Hierarchy.Levels {
		if l == "" {
			return eris.New("config: hierarchy.levels contains an empty level")
		}
		if seen[l] {
			return eris.Errorf("config: duplicate level %q", l)
		}
		seen[l] = true
	}
	if c.Build.CrosswalkTolerance < 0 {
		return eris.New("config: build.crosswalk_tolerance must be non-negative")
	}
	if c.Build.OpenEndedMultiplier <= 0 {
		return eris.New("config: build.open_ended_multiplier must be positive")
	}
	if c.Score.RadiusKM <= 0 {
		return eris.New("config: score.radius_km must be positive")
	}
	if c.Score.DensityWeight < 0 || c.Score.TargetWeight < 0 || c.Score.GapWeight < 0 {
		return eris.New("config: score weights must be non-negative")
	}
	return nil
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
