package dht

import (
	"crypto/ed25519"
	"crypto/sha1"
	"fmt"
	"sync"
	"time"

	"github.com/xlgjjff/torrentcore/internal/ambient/clock"
)

// immutableItem is a get/put(BEP-44, no k/seq) record keyed by
// sha1(v).
type immutableItem struct {
	value   []byte
	storedAt time.Time
}

// mutableItem is a get/put(BEP-44, signed) record keyed by
// sha1(k || salt).
type mutableItem struct {
	value    []byte
	seq      int64
	sig      [64]byte
	k        [32]byte
	salt     []byte
	storedAt time.Time
}

// ImmutableStore holds content-addressed, unsigned BEP-44 items.
type ImmutableStore struct {
	mu    sync.Mutex
	clock clock.Clock
	ttl   time.Duration
	max   int
	items map[NodeID]*immutableItem
}

func NewImmutableStore(cfg *Config) *ImmutableStore {
	return &ImmutableStore{
		clock: cfg.Clock,
		ttl:   cfg.ImmutableItemTTL,
		max:   cfg.MaxDHTItems,
		items: make(map[NodeID]*immutableItem),
	}
}

// TargetForImmutable returns the storage key for v: sha1(v).
func TargetForImmutable(v []byte) NodeID {
	sum := sha1.Sum(v)
	return NodeID(sum)
}

// Put stores v under its content hash. Values over 1000 bytes are
// rejected with ErrValueTooBig.
func (s *ImmutableStore) Put(v []byte) (NodeID, error) {
	if len(v) > 1000 {
		return NodeID{}, ErrValueTooBig
	}
	target := TargetForImmutable(v)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.items[target]; !ok && len(s.items) >= s.max {
		s.evictOldestLocked()
	}
	s.items[target] = &immutableItem{value: v, storedAt: s.clock.Now()}
	return target, nil
}

func (s *ImmutableStore) Get(target NodeID) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.items[target]
	if !ok {
		return nil, false
	}
	return item.value, true
}

func (s *ImmutableStore) evictOldestLocked() {
	var oldest NodeID
	var oldestT time.Time
	first := true
	for id, item := range s.items {
		if first || item.storedAt.Before(oldestT) {
			oldest, oldestT, first = id, item.storedAt, false
		}
	}
	if !first {
		delete(s.items, oldest)
	}
}

// Purge drops items whose last refresh exceeds ttl.
func (s *ImmutableStore) Purge() {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()
	for id, item := range s.items {
		if now.Sub(item.storedAt) > s.ttl {
			delete(s.items, id)
		}
	}
}

// MutableStore holds Ed25519-signed BEP-44 items, keyed by
// sha1(k || salt) and protected against replay/rollback via seq + cas.
type MutableStore struct {
	mu    sync.Mutex
	clock clock.Clock
	ttl   time.Duration
	max   int
	items map[NodeID]*mutableItem
}

func NewMutableStore(cfg *Config) *MutableStore {
	return &MutableStore{
		clock: cfg.Clock,
		ttl:   cfg.ImmutableItemTTL,
		max:   cfg.MaxDHTItems,
		items: make(map[NodeID]*mutableItem),
	}
}

// TargetForMutable returns the storage key for (k, salt): sha1(k || salt).
func TargetForMutable(k [32]byte, salt []byte) NodeID {
	h := sha1.New()
	h.Write(k[:])
	h.Write(salt)
	var out NodeID
	copy(out[:], h.Sum(nil))
	return out
}

// mutablePutSignedData builds the buffer BEP-44 signs: the bencoded
// "salt" (when present), "seq" and "v" key/value pairs in that lexical
// order, without the enclosing dict markers.
func mutablePutSignedData(salt []byte, seq int64, v []byte) []byte {
	var b []byte
	if len(salt) > 0 {
		b = fmt.Appendf(b, "4:salt%d:", len(salt))
		b = append(b, salt...)
	}
	b = fmt.Appendf(b, "3:seqi%de1:v%d:", seq, len(v))
	return append(b, v...)
}

// Put verifies the Ed25519 signature and CAS/seq ordering, then
// stores the item. A seq lower than what's
// already stored, or a mismatched cas, is rejected with the
// corresponding KRPC error code.
func (s *MutableStore) Put(k [32]byte, salt []byte, seq int64, v, sig []byte, cas *int64) (NodeID, error) {
	if len(salt) > 64 {
		return NodeID{}, ErrSaltTooBig
	}
	if len(v) > 1000 {
		return NodeID{}, ErrValueTooBig
	}
	if len(sig) != ed25519.SignatureSize {
		return NodeID{}, NewKRPCError(KRPCBadSignature, "signature wrong size")
	}
	signed := mutablePutSignedData(salt, seq, v)
	if !ed25519.Verify(k[:], signed, sig) {
		return NodeID{}, NewKRPCError(KRPCBadSignature, "signature verification failed")
	}

	target := TargetForMutable(k, salt)
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.items[target]
	if ok {
		if cas != nil && *cas != existing.seq {
			return NodeID{}, NewKRPCError(KRPCCasMismatch, "cas mismatch")
		}
		if seq < existing.seq {
			return NodeID{}, NewKRPCError(KRPCSequenceTooLow, "sequence number less than current")
		}
	} else if len(s.items) >= s.max {
		s.evictOldestLocked()
	}

	item := &mutableItem{value: v, seq: seq, k: k, salt: salt, storedAt: s.clock.Now()}
	copy(item.sig[:], sig)
	s.items[target] = item
	return target, nil
}

func (s *MutableStore) Get(target NodeID) (value []byte, seq int64, sig [64]byte, k [32]byte, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, exists := s.items[target]
	if !exists {
		return nil, 0, [64]byte{}, [32]byte{}, false
	}
	return item.value, item.seq, item.sig, item.k, true
}

func (s *MutableStore) evictOldestLocked() {
	var oldest NodeID
	var oldestT time.Time
	first := true
	for id, item := range s.items {
		if first || item.storedAt.Before(oldestT) {
			oldest, oldestT, first = id, item.storedAt, false
		}
	}
	if !first {
		delete(s.items, oldest)
	}
}

func (s *MutableStore) Purge() {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()
	for id, item := range s.items {
		if now.Sub(item.storedAt) > s.ttl {
			delete(s.items, id)
		}
	}
}
