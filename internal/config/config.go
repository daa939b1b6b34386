package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

type Config struct {
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	DBSchema    string `mapstructure:"DB_SCHEMA"`
	DBMaxConns  int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32  `mapstructure:"DB_MIN_CONNS"`
	RedisURL    string `mapstructure:"REDIS_URL"`
	CachePrefix string `mapstructure:"CACHE_PREFIX"`
	LogFormat   string `mapstructure:"LOG_FORMAT"`
	LogLevel    string `mapstructure:"LOG_LEVEL"`
	OpsPort     string `mapstructure:"OPS_PORT"`

	// Cache TTLs, in seconds.
	CacheTTLEpisode  int `mapstructure:"CACHE_TTL_EPISODE"`
	CacheTTLPatterns int `mapstructure:"CACHE_TTL_PATTERNS"`
	CacheTTLMatch    int `mapstructure:"CACHE_TTL_MATCH"`
	CacheTTLRisk     int `mapstructure:"CACHE_TTL_RISK"`

	LinkToleranceDays int           `mapstructure:"LINK_TOLERANCE_DAYS"`
	DetectDaysBack    int           `mapstructure:"DETECT_DAYS_BACK"`
	DetectBatchSize   int           `mapstructure:"DETECT_BATCH_SIZE"`
	DetectInterval    time.Duration `mapstructure:"DETECT_INTERVAL"`

	NotifyWebhookURL    string `mapstructure:"NOTIFY_WEBHOOK_URL"`
	NotifyWebhookSecret string `mapstructure:"NOTIFY_WEBHOOK_SECRET"`

	RiskWeightsFile string      `mapstructure:"RISK_WEIGHTS_FILE"`
	RiskWeights     RiskWeights `mapstructure:"-"`
}

// RiskWeights are the blend factors for the five risk components.
type RiskWeights struct {
	Payer         float64 `yaml:"payer"`
	Coding        float64 `yaml:"coding"`
	Documentation float64 `yaml:"documentation"`
	Historical    float64 `yaml:"historical"`
	Pattern       float64 `yaml:"pattern"`
}

// DefaultRiskWeights returns the standard 20/25/20/15/20 blend.
func DefaultRiskWeights() RiskWeights {
	return RiskWeights{Payer: 0.20, Coding: 0.25, Documentation: 0.20, Historical: 0.15, Pattern: 0.20}
}

var envKeys = []string{
	"DATABASE_URL", "DB_SCHEMA", "DB_MAX_CONNS", "DB_MIN_CONNS",
	"REDIS_URL", "CACHE_PREFIX", "LOG_FORMAT", "LOG_LEVEL", "OPS_PORT",
	"CACHE_TTL_EPISODE", "CACHE_TTL_PATTERNS", "CACHE_TTL_MATCH", "CACHE_TTL_RISK",
	"LINK_TOLERANCE_DAYS", "DETECT_DAYS_BACK", "DETECT_BATCH_SIZE", "DETECT_INTERVAL",
	"NOTIFY_WEBHOOK_URL", "NOTIFY_WEBHOOK_SECRET", "RISK_WEIGHTS_FILE",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("DB_SCHEMA", "claimrisk")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("CACHE_PREFIX", "claimrisk")
	v.SetDefault("LOG_FORMAT", "json")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("OPS_PORT", "8090")
	v.SetDefault("CACHE_TTL_EPISODE", 3600)
	v.SetDefault("CACHE_TTL_PATTERNS", 21600)
	v.SetDefault("CACHE_TTL_MATCH", 1800)
	v.SetDefault("CACHE_TTL_RISK", 3600)
	v.SetDefault("LINK_TOLERANCE_DAYS", 30)
	v.SetDefault("DETECT_DAYS_BACK", 90)
	v.SetDefault("DETECT_BATCH_SIZE", 50)
	v.SetDefault("DETECT_INTERVAL", "6h")

	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range envKeys {
		_ = v.BindEnv(k)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	cfg.RiskWeights = DefaultRiskWeights()
	if cfg.RiskWeightsFile != "" {
		w, err := LoadWeightsFile(cfg.RiskWeightsFile)
		if err != nil {
			return nil, err
		}
		cfg.RiskWeights = w
	}

	return cfg, nil
}

// LoadWeightsFile reads risk weights from YAML. Keys absent from the file
// keep their default value.
func LoadWeightsFile(path string) (RiskWeights, error) {
	w := DefaultRiskWeights()
	data, err := os.ReadFile(path)
	if err != nil {
		return w, fmt.Errorf("read weights file: %w", err)
	}
	if err := yaml.Unmarshal(data, &w); err != nil {
		return w, fmt.Errorf("parse weights file: %w", err)
	}
	return w, nil
}

func (c *Config) TTL(seconds int) time.Duration {
	return time.Duration(seconds) * time.Second
}

// Validate rejects settings the pipeline cannot run with. Unbalanced risk
// weights are not an error; callers warn about them at startup.
func (c *Config) Validate() error {
	if c.DBMaxConns < 1 {
		return fmt.Errorf("DB_MAX_CONNS must be at least 1, got %d", c.DBMaxConns)
	}
	if c.DBMinConns < 0 || c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("DB_MIN_CONNS must be between 0 and DB_MAX_CONNS, got %d", c.DBMinConns)
	}
	if c.LinkToleranceDays < 0 {
		return fmt.Errorf("LINK_TOLERANCE_DAYS must not be negative, got %d", c.LinkToleranceDays)
	}
	if c.DetectDaysBack < 1 {
		return fmt.Errorf("DETECT_DAYS_BACK must be at least 1, got %d", c.DetectDaysBack)
	}
	if c.DetectBatchSize < 1 {
		return fmt.Errorf("DETECT_BATCH_SIZE must be at least 1, got %d", c.DetectBatchSize)
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		return fmt.Errorf("LOG_FORMAT must be \"text\" or \"json\", got %q", c.LogFormat)
	}
	for name, w := range map[string]float64{
		"payer": c.RiskWeights.Payer, "coding": c.RiskWeights.Coding,
		"documentation": c.RiskWeights.Documentation, "historical": c.RiskWeights.Historical,
		"pattern": c.RiskWeights.Pattern,
	} {
		if w < 0 {
			return fmt.Errorf("risk weight %s must not be negative, got %v", name, w)
		}
	}
	return nil
}
