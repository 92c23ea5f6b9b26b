package sqlflow

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/joho/godotenv"
)

// ErrConfigValidation is returned when a profile fails validation.
var ErrConfigValidation = errors.New("profile validation failed")

// Config is the parsed profile (§6 "Profile"): engine mode, connector
// defaults, variable defaults, and resilience overrides. Parsing the
// profile file itself is out of the core's scope; LoadConfig exists so
// the CLI adapter and executor tests share one loader.
type Config struct {
	Dialect        string                        `yaml:"dialect"`
	EngineDSN      string                        `yaml:"engine_dsn"`
	VariableDefaults map[string]string           `yaml:"variables"`
	Connectors     map[string]ConnectorConfig     `yaml:"connectors"`
	Resilience     map[string]ResilienceOverride  `yaml:"resilience"`
	Execution      ExecutionConfig                `yaml:"execution"`
	Watermark      WatermarkConfig                `yaml:"watermark"`
}

// ConnectorConfig is the profile-level configuration for one named
// connector instance (§3 "Connector configuration").
type ConnectorConfig struct {
	Type            string         `yaml:"type"`
	Params          map[string]any `yaml:"params"`
	ResilienceTier  string         `yaml:"resilience_tier"`
}

// ResilienceOverride carries the "simple override" tier (§4.6): three
// knobs mapped onto the full policy by the resilience package. A zero
// value for any field means "use the smart default".
type ResilienceOverride struct {
	RetryAttempts        int `yaml:"retry_attempts"`
	TimeoutSeconds       int `yaml:"timeout_seconds"`
	RateLimitPerMinute   int `yaml:"rate_limit_per_minute"`
}

// ExecutionConfig holds the transform/load bulk-path and fail-fast
// policy knobs (§4.3 performance policy, §5 shared-resource policy).
type ExecutionConfig struct {
	BulkThreshold   int  `yaml:"bulk_threshold"`
	BatchSize       int  `yaml:"batch_size"`
	FailFast        bool `yaml:"fail_fast"`
	SubstitutionMode string `yaml:"substitution_strategy"` // fail|warn|ignore
}

// WatermarkConfig configures the watermark store's cache (§4.5).
type WatermarkConfig struct {
	DSN       string `yaml:"dsn"`
	CacheSize int    `yaml:"cache_size"`
}

// LoadConfig loads a profile from the given YAML file, falling back to
// defaults when the file does not exist, mirroring the teacher's
// config loader shape (load .env, strict-parse YAML, validate, apply
// defaults, expand environment variables).
func LoadConfig(path string) (*Config, error) {
	if err := loadEnvFiles(); err != nil {
		return nil, fmt.Errorf("failed to load environment files: %w", err)
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		cfg := defaultConfig()
		expandConfigEnvVars(cfg)

		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read profile file: %w", err)
	}

	var cfg Config

	if err := yaml.UnmarshalWithOptions(data, &cfg, yaml.Strict()); err != nil {
		return nil, fmt.Errorf("failed to parse profile file: %w", err)
	}

	if err := validateConfig(&cfg); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfigValidation, err)
	}

	applyDefaults(&cfg)
	expandConfigEnvVars(&cfg)

	return &cfg, nil
}

func validateConfig(cfg *Config) error {
	switch cfg.Dialect {
	case "", "postgres", "mysql", "sqlite":
	default:
		return fmt.Errorf("invalid dialect %q: must be one of postgres, mysql, sqlite", cfg.Dialect)
	}

	for name, c := range cfg.Connectors {
		if c.Type == "" {
			return fmt.Errorf("connector %q: type is required", name)
		}
	}

	for name, r := range cfg.Resilience {
		if r.RetryAttempts < 0 {
			return fmt.Errorf("resilience %q: retry_attempts must be non-negative", name)
		}

		if r.RateLimitPerMinute < 0 {
			return fmt.Errorf("resilience %q: rate_limit_per_minute must be non-negative", name)
		}
	}

	switch cfg.Execution.SubstitutionMode {
	case "", "fail", "warn", "ignore":
	default:
		return fmt.Errorf("invalid execution.substitution_strategy %q", cfg.Execution.SubstitutionMode)
	}

	return nil
}

func defaultConfig() *Config {
	return &Config{
		Dialect:          "sqlite",
		VariableDefaults: map[string]string{},
		Connectors:       map[string]ConnectorConfig{},
		Resilience:       map[string]ResilienceOverride{},
		Execution: ExecutionConfig{
			BulkThreshold:    10000,
			BatchSize:        1000,
			FailFast:         true,
			SubstitutionMode: "fail",
		},
		Watermark: WatermarkConfig{
			DSN:       "file:sqlflow_watermarks.db?mode=memory&cache=shared",
			CacheSize: 1024,
		},
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Dialect == "" {
		cfg.Dialect = "sqlite"
	}

	if cfg.Connectors == nil {
		cfg.Connectors = map[string]ConnectorConfig{}
	}

	if cfg.Resilience == nil {
		cfg.Resilience = map[string]ResilienceOverride{}
	}

	if cfg.Execution.BulkThreshold <= 0 {
		cfg.Execution.BulkThreshold = 10000
	}

	if cfg.Execution.BatchSize <= 0 {
		cfg.Execution.BatchSize = 1000
	}

	if cfg.Execution.SubstitutionMode == "" {
		cfg.Execution.SubstitutionMode = "fail"
	}

	if cfg.Watermark.CacheSize <= 0 {
		cfg.Watermark.CacheSize = 1024
	}
}

func loadEnvFiles() error {
	if fileExists(".env") {
		if err := godotenv.Load(".env"); err != nil {
			return fmt.Errorf("failed to load .env file: %w", err)
		}
	}

	return nil
}

var envPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

func expandEnvVars(s string) string {
	return envPattern.ReplaceAllStringFunc(s, func(match string) string {
		name := match[2 : len(match)-1]
		return os.Getenv(name)
	})
}

// expandConfigEnvVars expands ${VAR} environment references in
// connector params and the engine DSN. This is distinct from the
// pipeline variable-substitution engine: it resolves profile secrets
// from the process environment, not pipeline variables from the
// layered variable context.
func expandConfigEnvVars(cfg *Config) {
	cfg.EngineDSN = expandEnvVars(cfg.EngineDSN)
	cfg.Watermark.DSN = expandEnvVars(cfg.Watermark.DSN)

	for name, c := range cfg.Connectors {
		for k, v := range c.Params {
			if s, ok := v.(string); ok {
				c.Params[k] = expandEnvVars(s)
			}
		}

		cfg.Connectors[name] = c
	}
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return !os.IsNotExist(err)
}
