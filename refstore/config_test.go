package refstore

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIsValid(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
	}{
		{"negative max entries", func(c *Config) { c.MaxEntries = -1 }},
		{"negative max bytes", func(c *Config) { c.MaxBytes = -1 }},
		{"unknown policy", func(c *Config) { c.EvictionPolicy = "random" }},
		{"zero threshold", func(c *Config) { c.MemoryThresholdBytes = 0 }},
		{"unknown backend", func(c *Config) { c.DiskBackend = "s3" }},
		{"zero disk timeout", func(c *Config) { c.DiskTimeout = 0 }},
		{"negative default ttl", func(c *Config) { c.DefaultTTL = -1 }},
		{"low above high", func(c *Config) { c.MemoryLowWatermark = 90 }},
		{"high above 100", func(c *Config) { c.MemoryHighWatermark = 120 }},
		{"zero batch", func(c *Config) { c.MaxEvictionBatch = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(&cfg)
			require.Error(t, cfg.Validate())
		})
	}
}

func TestWithDefaultsFillsZeroFields(t *testing.T) {
	cfg := Config{MaxEntries: 10}.withDefaults()
	require.NoError(t, cfg.Validate())
	require.Equal(t, 10, cfg.MaxEntries)
	require.Equal(t, DefaultConfig().EvictionPolicy, cfg.EvictionPolicy)
	require.NotNil(t, cfg.Logger)
}
