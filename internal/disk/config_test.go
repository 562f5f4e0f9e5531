package disk

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xlgjjff/torrentcore/internal/ambient/clock"
)

func TestDefaultConfigValidates(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
}

func TestConfigValidateRejectsBadFields(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero threads", func(c *Config) { c.NumThreads = 0 }},
		{"zero cache size", func(c *Config) { c.CacheSizeBlocks = 0 }},
		{"low watermark above size", func(c *Config) { c.CacheLowWatermarkBlocks = c.CacheSizeBlocks + 1 }},
		{"zero write cache line", func(c *Config) { c.WriteCacheLineBlocks = 0 }},
		{"zero file pool", func(c *Config) { c.FilePoolSize = 0 }},
		{"zero job queue", func(c *Config) { c.JobQueueCapacity = 0 }},
		{"nil clock", func(c *Config) { c.Clock = nil }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestConfigOptions(t *testing.T) {
	cfg := DefaultConfig()
	mock := clock.NewMock()
	for _, opt := range []ConfigOption{
		WithNumThreads(8),
		WithCacheSizeBlocks(2048),
		WithWriteCacheLineBlocks(2),
		WithContiguousHashedBlocksForStripe(3),
		WithAllowPartialDiskWrites(false),
		WithFilePoolSize(10),
		WithClock(mock),
	} {
		opt(cfg)
	}
	assert.Equal(t, 8, cfg.NumThreads)
	assert.Equal(t, 2048, cfg.CacheSizeBlocks)
	assert.Equal(t, 2, cfg.WriteCacheLineBlocks)
	assert.Equal(t, 3, cfg.ContiguousHashedBlocksForStripe)
	assert.False(t, cfg.AllowPartialDiskWrites)
	assert.Equal(t, 10, cfg.FilePoolSize)
	assert.Equal(t, clock.Clock(mock), cfg.Clock)
}
