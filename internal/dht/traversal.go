package dht

import (
	"context"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/xlgjjff/torrentcore/internal/ambient/log"
)

var traversalLogger = log.Named("dht/traversal")

// candidateState tracks one node's progress through a traversal round
// as a single enum instead of two parallel pending/queried maps.
type candidateState int

const (
	csInitial candidateState = iota
	csAlive
	csQueried
	csFailed
)

type candidate struct {
	id       NodeID
	endpoint Endpoint
	state    candidateState
	token    string // get_peers/get reply token, needed to announce/put later
}

// Kind selects which wire query a traversal round sends and how it
// folds replies back into the candidate set.
type Kind int

const (
	KindBootstrap Kind = iota
	KindFindNode
	KindGetPeers
	KindObfuscatedGetPeers
	KindGetItem
	KindRefresh
)

// TraversalResult is what a completed traversal hands back to its caller.
type TraversalResult struct {
	ClosestNodes []*NodeEntry
	Peers        []Endpoint
	// AnnounceTargets pairs a node that returned a token with the
	// token itself, for a subsequent announce_peer/put fan-out.
	AnnounceTargets []AnnounceTarget
	Value          []byte
	Seq            int64
	HaveValue      bool
}

type AnnounceTarget struct {
	Endpoint Endpoint
	Token    string
}

// TraversalAlgorithm runs an alpha-parallel iterative lookup toward
// target: a mutex-guarded candidate set sorted by distance, a batch of
// in-flight queries bounded by alpha, and a channel-based completion
// signal instead of busy-waiting on a condition. The Kind-tagged
// dispatch above covers find_node/get_peers/get variants
// from a single shared loop.
type TraversalAlgorithm struct {
	node   *Node
	target NodeID
	kind   Kind
	alpha  int
	k      int

	mu         sync.Mutex
	candidates []*candidate
	byID       map[NodeID]*candidate

	result TraversalResult
}

func NewTraversalAlgorithm(node *Node, target NodeID, kind Kind) *TraversalAlgorithm {
	return &TraversalAlgorithm{
		node:   node,
		target: target,
		kind:   kind,
		alpha:  node.cfg.Alpha,
		k:      node.cfg.BucketSize,
		byID:   make(map[NodeID]*candidate),
	}
}

// Run seeds the candidate set from the routing table and iterates
// alpha-parallel rounds until no unqueried candidate remains closer
// than the current k closest, or ctx is canceled.
func (t *TraversalAlgorithm) Run(ctx context.Context) (TraversalResult, error) {
	t.seedFromRoutingTable()

	for {
		batch := t.nextBatch()
		if len(batch) == 0 {
			break
		}
		if err := t.runRound(ctx, batch); err != nil {
			return t.result, err
		}
		if ctx.Err() != nil {
			return t.result, ctx.Err()
		}
	}

	t.finalize()
	return t.result, nil
}

func (t *TraversalAlgorithm) seedFromRoutingTable() {
	seeds := t.node.rt.FindNode(t.target, t.k)
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, n := range seeds {
		t.addCandidateLocked(n.ID, Endpoint(n.Endpoint))
	}
}

func (t *TraversalAlgorithm) addCandidateLocked(id NodeID, ep Endpoint) {
	if id == t.node.id {
		return
	}
	if _, ok := t.byID[id]; ok {
		return
	}
	c := &candidate{id: id, endpoint: ep, state: csInitial}
	t.byID[id] = c
	t.candidates = append(t.candidates, c)
}

// nextBatch returns up to alpha un-queried candidates among the
// closest k, sorted by distance to target.
func (t *TraversalAlgorithm) nextBatch() []*candidate {
	t.mu.Lock()
	defer t.mu.Unlock()

	sort.Slice(t.candidates, func(i, j int) bool {
		return CompareDistance(t.candidates[i].id, t.candidates[j].id, t.target) < 0
	})
	if len(t.candidates) > t.k {
		// Drop candidates beyond the k closest that were never queried;
		// they cannot improve the result.
		kept := t.candidates[:t.k]
		for _, dropped := range t.candidates[t.k:] {
			if dropped.state == csInitial {
				delete(t.byID, dropped.id)
			} else {
				kept = append(kept, dropped)
			}
		}
		t.candidates = kept
	}

	var batch []*candidate
	for _, c := range t.candidates {
		if c.state != csInitial {
			continue
		}
		c.state = csAlive
		batch = append(batch, c)
		if len(batch) >= t.alpha {
			break
		}
	}
	return batch
}

func (t *TraversalAlgorithm) runRound(ctx context.Context, batch []*candidate) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, c := range batch {
		c := c
		g.Go(func() error {
			t.queryOne(ctx, c)
			return nil
		})
	}
	return g.Wait()
}

func (t *TraversalAlgorithm) queryOne(ctx context.Context, c *candidate) {
	done := make(chan struct{})
	args := t.buildArgs()

	obs := Observer{
		Reply: func(msg *Message) {
			t.handleReply(c, msg)
			close(done)
		},
		Timeout: func() {
			t.markFailed(c)
			close(done)
		},
		Unreachable: func() {
			t.markFailed(c)
			close(done)
		},
	}

	if err := t.node.rpc.Query(c.endpoint, t.queryName(), args, obs); err != nil {
		t.markFailed(c)
		return
	}

	select {
	case <-done:
	case <-ctx.Done():
	}
}

func (t *TraversalAlgorithm) queryName() string {
	switch t.kind {
	case KindBootstrap, KindFindNode, KindRefresh:
		return "find_node"
	case KindGetPeers, KindObfuscatedGetPeers:
		return "get_peers"
	case KindGetItem:
		return "get"
	default:
		return "find_node"
	}
}

func (t *TraversalAlgorithm) buildArgs() *QueryArgs {
	a := &QueryArgs{ID: string(t.node.id[:])}
	switch t.kind {
	case KindBootstrap, KindFindNode, KindRefresh:
		a.Target = string(t.target[:])
	case KindGetPeers:
		a.InfoHash = string(t.target[:])
	case KindObfuscatedGetPeers:
		// Prefix obfuscation: every hop sees the info-hash with its last
		// byte inverted, so a passive observer of the lookup path cannot
		// immediately tell which torrent is being resolved. No hop is
		// sent the real info-hash.
		obfuscated := t.target
		obfuscated[19] ^= 0xff
		a.InfoHash = string(obfuscated[:])
	case KindGetItem:
		a.Target = string(t.target[:])
	}
	return a
}

func (t *TraversalAlgorithm) handleReply(c *candidate, msg *Message) {
	t.mu.Lock()
	c.state = csQueried
	t.mu.Unlock()

	if msg.R == nil {
		return
	}
	if msg.R.Token != "" {
		c.token = msg.R.Token
	}

	var senderID NodeID
	if len(msg.R.ID) == 20 {
		copy(senderID[:], msg.R.ID)
		t.node.rt.HeardAbout(senderID, string(c.endpoint))
	}

	if msg.R.Nodes != "" {
		t.mu.Lock()
		for _, n := range decodeCompactNodes(msg.R.Nodes) {
			t.addCandidateLocked(n.ID, Endpoint(n.Endpoint))
		}
		t.mu.Unlock()
	}

	if len(msg.R.Values) > 0 {
		t.mu.Lock()
		for _, v := range msg.R.Values {
			if ep, err := decodeCompactPeer(v); err == nil {
				t.result.Peers = append(t.result.Peers, ep)
			}
		}
		t.mu.Unlock()
	}

	if t.kind == KindGetItem && msg.R.V != nil {
		t.mu.Lock()
		if !t.result.HaveValue || (msg.R.Seq != nil && *msg.R.Seq > t.result.Seq) {
			t.result.Value = msg.R.V
			if msg.R.Seq != nil {
				t.result.Seq = *msg.R.Seq
			}
			t.result.HaveValue = true
		}
		t.mu.Unlock()
	}

	// A token is owed an announce_peer/put regardless of whether this
	// particular reply carried values — it marks c as one of the k
	// closest nodes willing to accept a later store.
	if c.token != "" && (t.kind == KindGetPeers || t.kind == KindObfuscatedGetPeers || t.kind == KindGetItem) {
		t.mu.Lock()
		t.result.AnnounceTargets = append(t.result.AnnounceTargets, AnnounceTarget{Endpoint: c.endpoint, Token: c.token})
		t.mu.Unlock()
	}
}

func (t *TraversalAlgorithm) markFailed(c *candidate) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c.state = csFailed
	traversalLogger.Debug("candidate failed", "endpoint", string(c.endpoint))
}

func (t *TraversalAlgorithm) finalize() {
	t.mu.Lock()
	defer t.mu.Unlock()
	sort.Slice(t.candidates, func(i, j int) bool {
		return CompareDistance(t.candidates[i].id, t.candidates[j].id, t.target) < 0
	})
	for _, c := range t.candidates {
		if c.state == csQueried {
			t.result.ClosestNodes = append(t.result.ClosestNodes, &NodeEntry{ID: c.id, Endpoint: string(c.endpoint)})
		}
	}
}
