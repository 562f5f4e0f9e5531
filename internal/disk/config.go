package disk

import (
	"errors"
	"time"

	"github.com/xlgjjff/torrentcore/internal/ambient/clock"
)

// BlockSize is the fixed unit of piece I/O.
const BlockSize = 16 * 1024

// Config configures a disk Engine. Built with the same functional
// options + DefaultConfig + Validate pattern as dht.Config.
type Config struct {
	// NumThreads is the number of generic worker goroutines. Every 4th
	// thread (by index, 1-based) is a hasher thread.
	NumThreads int

	// CacheSizeBlocks bounds the number of resident block buffers.
	CacheSizeBlocks int

	// CacheLowWatermarkBlocks is the target after do_trim_cache runs.
	CacheLowWatermarkBlocks int

	// WriteCacheLineBlocks is the coalescing unit for flush_range.
	WriteCacheLineBlocks int

	// ContiguousHashedBlocksForStripe is the stripe width in blocks used
	// by flush_hashed; when it spans more than one piece, the aligned
	// group of pieces is flushed together.
	ContiguousHashedBlocksForStripe int

	// AllowPartialDiskWrites gates the stripe-flush fast path: when true,
	// flush_hashed writes each piece on its own.
	AllowPartialDiskWrites bool

	// CacheExpiry is how long a write piece may sit dirty before the
	// expiry-flush pass picks it up.
	CacheExpiry time.Duration

	// ExpiryFlushInterval is how often thread 0 runs the expired-write
	// flush pass.
	ExpiryFlushInterval time.Duration

	// StatsFlipInterval is how often thread 0 flips stats counters.
	StatsFlipInterval time.Duration

	// FilePoolSize bounds the number of open file handles.
	FilePoolSize int

	// JobQueueCapacity bounds the generic job queue.
	JobQueueCapacity int

	// HashQueueCapacity bounds the hasher sub-queue.
	HashQueueCapacity int

	// AlertQueueCapacity bounds the host-facing alert queue.
	AlertQueueCapacity int

	// Clock is the injectable wall-clock.
	Clock clock.Clock
}

// DefaultConfig returns sane defaults.
func DefaultConfig() *Config {
	return &Config{
		NumThreads:                      4,
		CacheSizeBlocks:                 4096,
		CacheLowWatermarkBlocks:         3072,
		WriteCacheLineBlocks:            4,
		ContiguousHashedBlocksForStripe: 0,
		AllowPartialDiskWrites:          true,
		CacheExpiry:                     60 * time.Second,
		ExpiryFlushInterval:             5 * time.Second,
		StatsFlipInterval:               1 * time.Second,
		FilePoolSize:                    40,
		JobQueueCapacity:                4096,
		HashQueueCapacity:               1024,
		AlertQueueCapacity:              1000,
		Clock:                           clock.New(),
	}
}

// Validate checks the config for obviously unusable values.
func (c *Config) Validate() error {
	if c.NumThreads <= 0 {
		return errors.New("disk: NumThreads must be positive")
	}
	if c.CacheSizeBlocks <= 0 {
		return errors.New("disk: CacheSizeBlocks must be positive")
	}
	if c.CacheLowWatermarkBlocks <= 0 || c.CacheLowWatermarkBlocks > c.CacheSizeBlocks {
		return errors.New("disk: CacheLowWatermarkBlocks must be in (0, CacheSizeBlocks]")
	}
	if c.WriteCacheLineBlocks <= 0 {
		return errors.New("disk: WriteCacheLineBlocks must be positive")
	}
	if c.FilePoolSize <= 0 {
		return errors.New("disk: FilePoolSize must be positive")
	}
	if c.JobQueueCapacity <= 0 {
		return errors.New("disk: JobQueueCapacity must be positive")
	}
	if c.Clock == nil {
		return errors.New("disk: Clock must not be nil")
	}
	return nil
}

// ConfigOption mutates a Config.
type ConfigOption func(*Config)

func WithNumThreads(n int) ConfigOption {
	return func(c *Config) { c.NumThreads = n }
}

func WithCacheSizeBlocks(n int) ConfigOption {
	return func(c *Config) { c.CacheSizeBlocks = n }
}

func WithWriteCacheLineBlocks(n int) ConfigOption {
	return func(c *Config) { c.WriteCacheLineBlocks = n }
}

func WithContiguousHashedBlocksForStripe(n int) ConfigOption {
	return func(c *Config) { c.ContiguousHashedBlocksForStripe = n }
}

func WithAllowPartialDiskWrites(allow bool) ConfigOption {
	return func(c *Config) { c.AllowPartialDiskWrites = allow }
}

func WithFilePoolSize(n int) ConfigOption {
	return func(c *Config) { c.FilePoolSize = n }
}

func WithClock(cl clock.Clock) ConfigOption {
	return func(c *Config) { c.Clock = cl }
}
