package dht

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xlgjjff/torrentcore/internal/ambient/clock"
)

func TestPeerStoreAnnounceAndGetPeers(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Clock = clock.NewMock()
	store := NewPeerStore(cfg)

	var ih NodeID
	ih[0] = 0x01

	store.Announce(ih, "1.2.3.4:6881", false)
	store.Announce(ih, "5.6.7.8:6882", true)

	peers := store.GetPeers(ih, 10)
	assert.Len(t, peers, 2)
}

func TestPeerStoreGetPeersRespectsMax(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Clock = clock.NewMock()
	store := NewPeerStore(cfg)
	var ih NodeID

	for i := 0; i < 5; i++ {
		store.Announce(ih, Endpoint(fmt.Sprintf("10.0.0.%d:1000", i)), false)
	}
	assert.Len(t, store.GetPeers(ih, 3), 3)
}

func TestPeerStorePurgeExpiresOldEntries(t *testing.T) {
	mock := clock.NewMock()
	cfg := DefaultConfig()
	cfg.Clock = mock
	cfg.AnnounceInterval = time.Minute
	cfg.PeerEntryTTLFactor = 1.0
	store := NewPeerStore(cfg)

	var ih NodeID
	store.Announce(ih, "1.1.1.1:1", false)

	mock.Add(2 * time.Minute)
	store.Purge()

	assert.Empty(t, store.GetPeers(ih, 10))
	assert.Equal(t, 0, store.TorrentCount())
}

func TestPeerStoreEvictsOldestTorrentAtCapacity(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Clock = clock.NewMock()
	cfg.MaxTorrents = 2
	store := NewPeerStore(cfg)

	var a, b, c NodeID
	a[0], b[0], c[0] = 1, 2, 3
	store.Announce(a, "1.1.1.1:1", false)
	store.Announce(b, "2.2.2.2:2", false)
	store.Announce(c, "3.3.3.3:3", false)

	assert.Equal(t, 2, store.TorrentCount())
}

func TestBloomFilterEstimateCount(t *testing.T) {
	var bf bloomFilter
	for i := 0; i < 20; i++ {
		bf.add(fmt.Sprintf("10.0.0.%d", i))
	}
	est := bf.estimateCount()
	require.Greater(t, est, 0)
	// The BEP-33 estimator is approximate; just sanity-bound it within
	// an order of magnitude of the true cardinality.
	assert.Less(t, est, 100)
}
