package dht

import (
	"crypto/sha1"
	"sync"
	"time"

	"github.com/xlgjjff/torrentcore/internal/ambient/clock"
)

// tokenServer issues and validates the write-tokens announce_peer and
// put must echo back. Tokens are
// sha1(requester_ip || secret || target)[:4], where target is the
// info_hash for get_peers/announce_peer or the BEP-44 target for
// get/put; binding the target into the MAC means a token minted for
// one key can't be replayed against another from the same IP. Two
// secrets are kept so a token minted just before a rotation still
// validates afterward.
type tokenServer struct {
	mu          sync.Mutex
	clock       clock.Clock
	rotation    time.Duration
	current     [8]byte
	previous    [8]byte
	lastRotated time.Time
	fillRandom  func([]byte)
}

func newTokenServer(cfg *Config, fillRandom func([]byte)) *tokenServer {
	t := &tokenServer{
		clock:      cfg.Clock,
		rotation:   cfg.WriteTokenRotation,
		fillRandom: fillRandom,
	}
	fillRandom(t.current[:])
	fillRandom(t.previous[:])
	t.lastRotated = cfg.Clock.Now()
	return t
}

func (t *tokenServer) maybeRotate() {
	now := t.clock.Now()
	if now.Sub(t.lastRotated) < t.rotation {
		return
	}
	t.previous = t.current
	t.fillRandom(t.current[:])
	t.lastRotated = now
}

// Issue returns the current write-token for a requester's source IP,
// bound to target (the info_hash or BEP-44 target this token will be
// redeemed against).
func (t *tokenServer) Issue(remoteIP string, target []byte) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.maybeRotate()
	return t.seal(t.current, remoteIP, target)
}

// Validate reports whether token was minted (under either the current
// or previous secret) for remoteIP against target.
func (t *tokenServer) Validate(token, remoteIP string, target []byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.maybeRotate()
	return token == t.seal(t.current, remoteIP, target) || token == t.seal(t.previous, remoteIP, target)
}

func (t *tokenServer) seal(secret [8]byte, remoteIP string, target []byte) string {
	h := sha1.New()
	h.Write([]byte(remoteIP))
	h.Write(secret[:])
	h.Write(target)
	sum := h.Sum(nil)
	return string(sum[:4])
}
