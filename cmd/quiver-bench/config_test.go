package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func validConfig() *Config {
	return &Config{
		MetricsAddr:    "0.0.0.0:9090",
		Workload:       "attribute",
		Store:          "dense",
		Dictionary:     "btree",
		NumDocs:        1000,
		Dims:           8,
		Readers:        2,
		Duration:       time.Second,
		CommitInterval: 100,
		LogFormat:      "json",
		LogLevel:       "info",
	}
}

func TestValidateConfig_Valid(t *testing.T) {
	assert.NoError(t, ValidateConfig(validConfig()))
}

func TestValidateConfig_Errors(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		want   error
	}{
		{"empty metrics addr", func(c *Config) { c.MetricsAddr = "" }, ErrInvalidMetricsAddr},
		{"bad workload", func(c *Config) { c.Workload = "graph" }, ErrInvalidWorkload},
		{"bad store kind", func(c *Config) { c.Store = "rocks" }, ErrInvalidStoreKind},
		{"bad dictionary kind", func(c *Config) { c.Dictionary = "trie" }, ErrInvalidDictKind},
		{"zero docs", func(c *Config) { c.NumDocs = 0 }, ErrInvalidNumDocs},
		{"negative dims", func(c *Config) { c.Dims = -1 }, ErrInvalidDims},
		{"negative readers", func(c *Config) { c.Readers = -1 }, ErrInvalidReaders},
		{"zero duration", func(c *Config) { c.Duration = 0 }, ErrInvalidDuration},
		{"bad log format", func(c *Config) { c.LogFormat = "xml" }, ErrInvalidLogFormat},
		{"bad log level", func(c *Config) { c.LogLevel = "trace" }, ErrInvalidLogLevel},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig()
			tc.mutate(cfg)
			assert.ErrorIs(t, ValidateConfig(cfg), tc.want)
		})
	}
}
