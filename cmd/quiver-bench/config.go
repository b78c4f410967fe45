package main

import (
	"errors"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config validation errors
var (
	ErrInvalidMetricsAddr = errors.New("metrics_addr cannot be empty")
	ErrInvalidWorkload    = errors.New("workload must be 'attribute' or 'dictionary'")
	ErrInvalidStoreKind   = errors.New("store must be 'dense', 'direct' or 'streamed'")
	ErrInvalidDictKind    = errors.New("dictionary must be 'btree' or 'hash'")
	ErrInvalidNumDocs     = errors.New("num_docs must be positive")
	ErrInvalidDims        = errors.New("dims must be positive")
	ErrInvalidReaders     = errors.New("readers must be non-negative")
	ErrInvalidDuration    = errors.New("duration must be positive")
	ErrInvalidLogFormat   = errors.New("log_format must be 'json' or 'console'")
	ErrInvalidLogLevel    = errors.New("log_level must be debug, info, warn, or error")
)

// Config holds the benchmark parameters, loaded from QUIVER_* environment
// variables with an optional .env file.
type Config struct {
	MetricsAddr    string        `envconfig:"METRICS_ADDR" default:"0.0.0.0:9090"`
	Workload       string        `envconfig:"WORKLOAD" default:"attribute"`
	Store          string        `envconfig:"STORE" default:"dense"`
	Dictionary     string        `envconfig:"DICTIONARY" default:"btree"`
	NumDocs        int           `envconfig:"NUM_DOCS" default:"100000"`
	Dims           int           `envconfig:"DIMS" default:"128"`
	Readers        int           `envconfig:"READERS" default:"4"`
	Duration       time.Duration `envconfig:"DURATION" default:"30s"`
	CommitInterval int           `envconfig:"COMMIT_INTERVAL" default:"1000"`
	LogFormat      string        `envconfig:"LOG_FORMAT" default:"console"`
	LogLevel       string        `envconfig:"LOG_LEVEL" default:"info"`
}

// LoadConfig reads .env if present, then the environment.
func LoadConfig() (*Config, error) {
	_ = godotenv.Load()
	var cfg Config
	if err := envconfig.Process("QUIVER", &cfg); err != nil {
		return nil, err
	}
	if err := ValidateConfig(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ValidateConfig validates the configuration and returns an error if invalid
func ValidateConfig(cfg *Config) error {
	if cfg.MetricsAddr == "" {
		return ErrInvalidMetricsAddr
	}
	if cfg.Workload != "attribute" && cfg.Workload != "dictionary" {
		return ErrInvalidWorkload
	}
	if cfg.Store != "dense" && cfg.Store != "direct" && cfg.Store != "streamed" {
		return ErrInvalidStoreKind
	}
	if cfg.Dictionary != "btree" && cfg.Dictionary != "hash" {
		return ErrInvalidDictKind
	}
	if cfg.NumDocs <= 0 {
		return ErrInvalidNumDocs
	}
	if cfg.Dims <= 0 {
		return ErrInvalidDims
	}
	if cfg.Readers < 0 {
		return ErrInvalidReaders
	}
	if cfg.Duration <= 0 {
		return ErrInvalidDuration
	}
	if cfg.LogFormat != "json" && cfg.LogFormat != "console" {
		return ErrInvalidLogFormat
	}
	if cfg.LogLevel != "debug" && cfg.LogLevel != "info" && cfg.LogLevel != "warn" && cfg.LogLevel != "error" {
		return ErrInvalidLogLevel
	}
	return nil
}
