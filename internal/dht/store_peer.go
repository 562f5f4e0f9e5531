package dht

import (
	"math"
	"net"
	"sync"
	"time"

	"github.com/spaolacci/murmur3"
	"github.com/xlgjjff/torrentcore/internal/ambient/clock"
)

// bep33Estimate applies the reference scrape-filter cardinality
// estimator: -(w/c)*ln(1 - set/w), clamped to zero for an empty filter.
func bep33Estimate(set, w, c int) int {
	if set == 0 {
		return 0
	}
	if set >= w {
		set = w - 1
	}
	est := -(float64(w) / float64(c)) * math.Log(1-float64(set)/float64(w))
	return int(est + 0.5)
}

// splitHostForBloom extracts the bare host from an "ip:port" endpoint,
// falling back to the raw string if it doesn't parse (best-effort:
// feeding the filter is never allowed to fail a call site).
func splitHostForBloom(ep Endpoint) (string, string, error) {
	host, port, err := net.SplitHostPort(string(ep))
	if err != nil {
		return string(ep), "", err
	}
	return host, port, nil
}

const (
	bloomFilterBytes = 256 // BEP-33: two 256-byte (2048-bit) filters per torrent
	bloomFilterBits  = bloomFilterBytes * 8
)

type peerEntry struct {
	endpoint Endpoint
	addedAt  time.Time
	seed     bool
}

// bloomFilter is a fixed-size BEP-33 scrape filter seeded by murmur3
// double hashing, matching the BEP's reference h1/h2 index-derivation
// scheme (two independent hash values combined to derive up to k bit
// indices, here k=2 as BEP-33 specifies for BFpe/BFsd).
type bloomFilter [bloomFilterBytes]byte

func (bf *bloomFilter) add(ip string) {
	h1, h2 := murmur3.Sum128([]byte(ip))
	for i := uint64(0); i < 2; i++ {
		idx := (h1 + i*h2) % bloomFilterBits
		bf[idx/8] |= 1 << (idx % 8)
	}
}

// estimateCount applies BEP-33's -(w/c)*ln(1-count/w) estimator, where
// w is the bit width and c is the number of hash functions.
func (bf *bloomFilter) estimateCount() int {
	set := 0
	for _, b := range bf {
		for b != 0 {
			set += int(b & 1)
			b >>= 1
		}
	}
	return bep33Estimate(set, bloomFilterBits, 2)
}

// torrentPeers holds every peer announced for one info-hash, plus the
// two scrape filters BEP-33 wants populated alongside them.
type torrentPeers struct {
	peers    map[Endpoint]*peerEntry
	seeders  bloomFilter
	leechers bloomFilter
	touched  time.Time
}

// PeerStore is the get_peers/announce_peer backing map: a TTL'd map
// guarded by a mutex with expiry-driven cleanup, generalized to a
// two-level info-hash -> endpoint map with a capacity-pressure eviction
// comparator layered on top of the plain per-entry TTL.
type PeerStore struct {
	mu    sync.Mutex
	clock clock.Clock
	ttl   time.Duration
	max   int
	byIH  map[NodeID]*torrentPeers
}

func NewPeerStore(cfg *Config) *PeerStore {
	return &PeerStore{
		clock: cfg.Clock,
		ttl:   time.Duration(float64(cfg.AnnounceInterval) * cfg.PeerEntryTTLFactor),
		max:   cfg.MaxTorrents,
		byIH:  make(map[NodeID]*torrentPeers),
	}
}

// Announce records ep as a peer for infoHash, optionally marking it a
// seed (BEP-33) or leech, and folds its IP into the relevant filter.
func (s *PeerStore) Announce(infoHash NodeID, ep Endpoint, seed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tp, ok := s.byIH[infoHash]
	if !ok {
		if len(s.byIH) >= s.max {
			s.evictOldestLocked()
		}
		tp = &torrentPeers{peers: make(map[Endpoint]*peerEntry)}
		s.byIH[infoHash] = tp
	}
	tp.touched = s.clock.Now()
	tp.peers[ep] = &peerEntry{endpoint: ep, addedAt: tp.touched, seed: seed}

	host, _, _ := splitHostForBloom(ep)
	if seed {
		tp.seeders.add(host)
	} else {
		tp.leechers.add(host)
	}
}

func (s *PeerStore) evictOldestLocked() {
	var oldestIH NodeID
	var oldestT time.Time
	first := true
	for ih, tp := range s.byIH {
		if first || tp.touched.Before(oldestT) {
			oldestIH, oldestT, first = ih, tp.touched, false
		}
	}
	if !first {
		delete(s.byIH, oldestIH)
	}
}

// GetPeers returns up to max live endpoints for infoHash.
func (s *PeerStore) GetPeers(infoHash NodeID, max int) []Endpoint {
	s.mu.Lock()
	defer s.mu.Unlock()

	tp, ok := s.byIH[infoHash]
	if !ok {
		return nil
	}
	now := s.clock.Now()
	out := make([]Endpoint, 0, max)
	for ep, entry := range tp.peers {
		if now.Sub(entry.addedAt) > s.ttl {
			continue
		}
		out = append(out, ep)
		if len(out) >= max {
			break
		}
	}
	return out
}

// Scrape returns BEP-33's complete/incomplete estimate for infoHash:
// (seeders, leechers) counts derived from the bloom filters. No
// downloaded count is kept.
func (s *PeerStore) Scrape(infoHash NodeID) (complete, incomplete int, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tp, exists := s.byIH[infoHash]
	if !exists {
		return 0, 0, false
	}
	return tp.seeders.estimateCount(), tp.leechers.estimateCount(), true
}

// Purge drops expired peer entries and empty torrents.
func (s *PeerStore) Purge() {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()
	for ih, tp := range s.byIH {
		for ep, e := range tp.peers {
			if now.Sub(e.addedAt) > s.ttl {
				delete(tp.peers, ep)
			}
		}
		if len(tp.peers) == 0 {
			delete(s.byIH, ih)
		}
	}
}

func (s *PeerStore) TorrentCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byIH)
}
