package dht

import (
	"errors"
	"time"

	"github.com/xlgjjff/torrentcore/internal/ambient/clock"
)

// Config configures a Node. Built with the same functional-options +
// DefaultConfig + Validate pattern as internal/disk.Config.
type Config struct {
	// BucketSize is k, the maximum active entries per bucket.
	BucketSize int

	// Alpha is the traversal concurrency parameter.
	Alpha int

	// CandidateSetSize is validated but not read by the traversal, which
	// keeps only the BucketSize closest candidates after each merge.
	CandidateSetSize int

	// QueryTimeout is the per-transaction RPC timeout.
	QueryTimeout time.Duration

	// SelfRefreshInterval drives the bootstrap-against-random-target
	// self-refresh.
	SelfRefreshInterval time.Duration

	// TickInterval drives the periodic stale-bucket check, which marks
	// the least recently refreshed stale bucket as refreshed without
	// sending any ping probe.
	TickInterval time.Duration

	// PurgeInterval drives expired peer/item cleanup.
	PurgeInterval time.Duration

	// PeerEntryTTLFactor: a peer entry expires when
	// added + PeerEntryTTLFactor*announce_interval < now.
	PeerEntryTTLFactor float64

	// AnnounceInterval is the nominal peer re-announce period used by
	// the TTL factor above.
	AnnounceInterval time.Duration

	// ImmutableItemTTL is how long an unrefreshed immutable/mutable
	// item survives.
	ImmutableItemTTL time.Duration

	// MaxTorrents bounds distinct info-hashes tracked by PeerStore.
	MaxTorrents int

	// MaxDHTItems bounds the item count of the immutable store and, as a
	// separate limit, of the mutable store.
	MaxDHTItems int

	// MaxPeersReply bounds peers returned in one get_peers reply.
	MaxPeersReply int

	// WriteTokenRotation is how often new_write_key rotates the two
	// rolling secrets.
	WriteTokenRotation time.Duration

	Clock clock.Clock
}

// DefaultConfig returns sane defaults for a Node.
func DefaultConfig() *Config {
	return &Config{
		BucketSize:          8,
		Alpha:               3,
		CandidateSetSize:    100,
		QueryTimeout:        1500 * time.Millisecond,
		SelfRefreshInterval: 10 * time.Minute,
		TickInterval:        1 * time.Second,
		PurgeInterval:       2 * time.Minute,
		PeerEntryTTLFactor:  1.5,
		AnnounceInterval:    30 * time.Minute,
		ImmutableItemTTL:    60 * time.Minute,
		MaxTorrents:         10000,
		MaxDHTItems:         10000,
		MaxPeersReply:       100,
		WriteTokenRotation:  5 * time.Minute,
		Clock:               clock.New(),
	}
}

// Validate checks the config for obviously unusable values.
func (c *Config) Validate() error {
	if c.BucketSize <= 0 {
		return errors.New("dht: BucketSize must be positive")
	}
	if c.Alpha <= 0 {
		return errors.New("dht: Alpha must be positive")
	}
	if c.CandidateSetSize <= 0 {
		return errors.New("dht: CandidateSetSize must be positive")
	}
	if c.QueryTimeout <= 0 {
		return errors.New("dht: QueryTimeout must be positive")
	}
	if c.MaxTorrents <= 0 {
		return errors.New("dht: MaxTorrents must be positive")
	}
	if c.MaxDHTItems <= 0 {
		return errors.New("dht: MaxDHTItems must be positive")
	}
	if c.Clock == nil {
		return errors.New("dht: Clock must not be nil")
	}
	return nil
}

// ConfigOption mutates a Config.
type ConfigOption func(*Config)

func WithBucketSize(k int) ConfigOption {
	return func(c *Config) { c.BucketSize = k }
}

func WithAlpha(alpha int) ConfigOption {
	return func(c *Config) { c.Alpha = alpha }
}

func WithQueryTimeout(d time.Duration) ConfigOption {
	return func(c *Config) { c.QueryTimeout = d }
}

func WithMaxTorrents(n int) ConfigOption {
	return func(c *Config) { c.MaxTorrents = n }
}

func WithMaxDHTItems(n int) ConfigOption {
	return func(c *Config) { c.MaxDHTItems = n }
}

func WithClock(cl clock.Clock) ConfigOption {
	return func(c *Config) { c.Clock = cl }
}
