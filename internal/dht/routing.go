package dht

import (
	"sort"
	"sync"
	"time"
)

const maxPrefixLen = 160 // bit-width of a NodeID

// NodeFlags are per-entry status bits.
type NodeFlags uint8

const (
	FlagQuestionable NodeFlags = 1 << iota
	FlagNoSeed
)

// NodeEntry is one routing-table record.
type NodeEntry struct {
	ID       NodeID
	Endpoint string
	RTT      time.Duration
	FailCount int
	LastSeen time.Time
	Flags    NodeFlags
}

// HeardAboutOutcome reports what heard_about did with a candidate.
type HeardAboutOutcome int

const (
	Added HeardAboutOutcome = iota
	Updated
	BucketFull // caller should ping ReplacementCandidate and retry on failure
	IsSelf
)

// bucket covers the half-open common-prefix-length range [lo, hi).
// Only the bucket whose range reaches maxPrefixLen contains the local
// ID's own prefix and is therefore split-eligible.
type bucket struct {
	lo, hi      int
	nodes       []*NodeEntry // most-recently-seen first
	replacement []*NodeEntry
	lastRefresh time.Time
}

func newBucket(lo, hi int) *bucket {
	return &bucket{lo: lo, hi: hi, lastRefresh: time.Time{}}
}

func (b *bucket) containsOwn() bool { return b.hi == maxPrefixLen }

func (b *bucket) find(id NodeID) (int, *NodeEntry) {
	for i, n := range b.nodes {
		if n.ID == id {
			return i, n
		}
	}
	return -1, nil
}

func (b *bucket) touch(i int) {
	n := b.nodes[i]
	b.nodes = append(b.nodes[:i], b.nodes[i+1:]...)
	b.nodes = append([]*NodeEntry{n}, b.nodes...)
}

func (b *bucket) oldest() *NodeEntry {
	if len(b.nodes) == 0 {
		return nil
	}
	return b.nodes[len(b.nodes)-1]
}

func (b *bucket) addReplacement(n *NodeEntry) {
	for i, existing := range b.replacement {
		if existing.ID == n.ID {
			b.replacement = append(b.replacement[:i], b.replacement[i+1:]...)
			break
		}
	}
	b.replacement = append([]*NodeEntry{n}, b.replacement...)
}

// RoutingTable is a k-bucket table keyed by XOR distance from localID.
// Slice-of-pointers buckets with MRU-front ordering, an
// Add/Remove/Get/Update method quartet, RWMutex guard. Buckets split
// dynamically but only within the range covering the local ID's own
// prefix; every other bucket stays fixed once it covers a disjoint
// address range.
type RoutingTable struct {
	mu      sync.RWMutex
	localID NodeID
	k       int
	buckets []*bucket
}

// NewRoutingTable creates a table with a single bucket spanning the
// entire ID space, owned by localID.
func NewRoutingTable(localID NodeID, k int) *RoutingTable {
	return &RoutingTable{
		localID: localID,
		k:       k,
		buckets: []*bucket{newBucket(0, maxPrefixLen)},
	}
}

func (rt *RoutingTable) bucketFor(id NodeID) int {
	cpl := CommonPrefixLen(rt.localID, id)
	for i, b := range rt.buckets {
		if cpl >= b.lo && cpl < b.hi {
			return i
		}
	}
	return len(rt.buckets) - 1 // the rightmost bucket covers [lo, maxPrefixLen]
}

// split divides buckets[idx] (which must containOwn()) into two
// buckets at its midpoint, redistributing its current entries.
func (rt *RoutingTable) split(idx int) {
	b := rt.buckets[idx]
	mid := b.lo + (b.hi-b.lo)/2
	if mid == b.lo {
		return // already at single-bit granularity
	}
	lower := newBucket(b.lo, mid)
	upper := newBucket(mid, b.hi)

	for _, n := range b.nodes {
		cpl := CommonPrefixLen(rt.localID, n.ID)
		if cpl < mid {
			lower.nodes = append(lower.nodes, n)
		} else {
			upper.nodes = append(upper.nodes, n)
		}
	}
	for _, n := range b.replacement {
		cpl := CommonPrefixLen(rt.localID, n.ID)
		if cpl < mid {
			lower.addReplacement(n)
		} else {
			upper.addReplacement(n)
		}
	}

	rt.buckets[idx] = lower
	rt.buckets = append(rt.buckets, nil)
	copy(rt.buckets[idx+2:], rt.buckets[idx+1:])
	rt.buckets[idx+1] = upper
}

// HeardAbout inserts or refreshes a candidate entry. If
// the owning bucket is full and not split-eligible (or already at
// maximum depth), it returns BucketFull with the bucket's
// least-recently-seen entry as the ping/replace candidate.
func (rt *RoutingTable) HeardAbout(id NodeID, endpoint string) (HeardAboutOutcome, *NodeEntry) {
	if id == rt.localID {
		return IsSelf, nil
	}

	rt.mu.Lock()
	defer rt.mu.Unlock()

	idx := rt.bucketFor(id)
	b := rt.buckets[idx]

	if i, existing := b.find(id); existing != nil {
		existing.Endpoint = endpoint
		existing.LastSeen = rt.now()
		existing.FailCount = 0
		b.touch(i)
		return Updated, existing
	}

	entry := &NodeEntry{ID: id, Endpoint: endpoint, LastSeen: rt.now()}

	if len(b.nodes) < rt.k {
		b.nodes = append([]*NodeEntry{entry}, b.nodes...)
		return Added, entry
	}

	if b.containsOwn() && b.hi-b.lo > 1 {
		rt.split(idx)
		rt.mu.Unlock()
		outcome, e := rt.HeardAbout(id, endpoint)
		rt.mu.Lock()
		return outcome, e
	}

	b.addReplacement(entry)
	return BucketFull, b.oldest()
}

func (rt *RoutingTable) now() time.Time {
	return time.Now()
}

// ReplaceFailed drops a stale entry (ping failure) and promotes its
// bucket's best replacement candidate, if any.
func (rt *RoutingTable) ReplaceFailed(id NodeID) {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	idx := rt.bucketFor(id)
	b := rt.buckets[idx]
	if i, _ := b.find(id); i >= 0 {
		b.nodes = append(b.nodes[:i], b.nodes[i+1:]...)
		if len(b.replacement) > 0 {
			promoted := b.replacement[0]
			b.replacement = b.replacement[1:]
			b.nodes = append(b.nodes, promoted)
		}
	}
}

// Get returns the entry for id, if tracked.
func (rt *RoutingTable) Get(id NodeID) *NodeEntry {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	b := rt.buckets[rt.bucketFor(id)]
	_, n := b.find(id)
	return n
}

// Remove drops id from its bucket (and replacement cache).
func (rt *RoutingTable) Remove(id NodeID) bool {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	b := rt.buckets[rt.bucketFor(id)]
	if i, _ := b.find(id); i >= 0 {
		b.nodes = append(b.nodes[:i], b.nodes[i+1:]...)
		return true
	}
	for i, n := range b.replacement {
		if n.ID == id {
			b.replacement = append(b.replacement[:i], b.replacement[i+1:]...)
			return true
		}
	}
	return false
}

// FindNode returns the count closest entries to target by XOR
// distance, scanning every bucket: collect-then-sort rather than a
// 2-bucket-window optimization, acceptable since routing tables stay
// small, tens to low hundreds of entries.
func (rt *RoutingTable) FindNode(target NodeID, count int) []*NodeEntry {
	rt.mu.RLock()
	defer rt.mu.RUnlock()

	var all []*NodeEntry
	for _, b := range rt.buckets {
		all = append(all, b.nodes...)
	}
	sort.Slice(all, func(i, j int) bool {
		return CompareDistance(all[i].ID, all[j].ID, target) < 0
	})
	if len(all) > count {
		all = all[:count]
	}
	return all
}

// Size reports the total number of active entries across all buckets.
func (rt *RoutingTable) Size() int {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	n := 0
	for _, b := range rt.buckets {
		n += len(b.nodes)
	}
	return n
}

// StaleBucketRange returns the [lo, hi) prefix-range of one bucket that
// has not been refreshed within staleAfter, or ok=false if none
// qualify.
func (rt *RoutingTable) StaleBucketRange(staleAfter time.Duration) (lo, hi int, ok bool) {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	now := rt.now()
	for _, b := range rt.buckets {
		if now.Sub(b.lastRefresh) > staleAfter {
			return b.lo, b.hi, true
		}
	}
	return 0, 0, false
}

// MarkRefreshed records that the bucket covering [lo, hi) was just probed.
func (rt *RoutingTable) MarkRefreshed(lo, hi int) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	for _, b := range rt.buckets {
		if b.lo == lo && b.hi == hi {
			b.lastRefresh = rt.now()
			return
		}
	}
}

// RandomIDInRange returns a NodeID whose common-prefix-length with
// localID falls inside [lo, hi), suitable as a bucket-refresh probe
// target. Reuses localID's bits up to lo, flips the bit at position
// lo, keeps localID's remaining bits within that byte, and fills every
// following byte from entropy supplied by fillRandom.
func (rt *RoutingTable) RandomIDInRange(lo, hi int, fillRandom func([]byte)) NodeID {
	var id NodeID
	copy(id[:], rt.localID[:])
	if lo < maxPrefixLen {
		byteIdx := lo / 8
		bitIdx := uint(7 - lo%8)
		id[byteIdx] ^= 1 << bitIdx
		tail := make([]byte, len(id)-byteIdx-1)
		fillRandom(tail)
		copy(id[byteIdx+1:], tail)
	}
	return id
}
