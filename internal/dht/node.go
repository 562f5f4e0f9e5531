package dht

import (
	"context"
	"net"
	"strconv"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/xlgjjff/torrentcore/internal/ambient/clock"
	"github.com/xlgjjff/torrentcore/internal/ambient/log"
)

var nodeLogger = log.Named("dht/node")

// Node is the single object a caller holds onto: routing table,
// transaction manager, storage backends, and the maintenance loops
// that keep them fresh.
type Node struct {
	id         NodeID
	cfg        *Config
	clock      clock.Clock
	socket     Socket
	fillRandom func([]byte)

	rt     *RoutingTable
	rpc    *RPCManager
	peers  *PeerStore
	immut  *ImmutableStore
	mut    *MutableStore
	tokens *tokenServer

	quit chan struct{}
	wg   sync.WaitGroup
	once sync.Once
}

// NewNode wires every DHT collaborator. fillRandom supplies entropy
// for write-token secrets and bucket-refresh probe targets; production
// callers pass crypto/rand.Read, tests pass a deterministic source.
func NewNode(id NodeID, cfg *Config, socket Socket, fillRandom func([]byte)) *Node {
	n := &Node{
		id:         id,
		cfg:        cfg,
		clock:      cfg.Clock,
		socket:     socket,
		fillRandom: fillRandom,
		rt:         NewRoutingTable(id, cfg.BucketSize),
		rpc:        NewRPCManager(socket, cfg, "TC"+uuid.NewString()[:2]),
		peers:      NewPeerStore(cfg),
		immut:      NewImmutableStore(cfg),
		mut:        NewMutableStore(cfg),
		tokens:     newTokenServer(cfg, fillRandom),
		quit:       make(chan struct{}),
	}
	nodeLogger.Info("node created", "id", id.String())
	return n
}

func (n *Node) ID() NodeID                  { return n.id }
func (n *Node) RoutingTable() *RoutingTable { return n.rt }
func (n *Node) Peers() *PeerStore           { return n.peers }
func (n *Node) Immutable() *ImmutableStore  { return n.immut }
func (n *Node) Mutable() *MutableStore      { return n.mut }

// Ping sends a ping query and, on a successful reply, records ep in
// the routing table under the responder's advertised id. Used to
// prime the table with known-good seed addresses before a Bootstrap
// traversal takes over.
func (n *Node) Ping(ep Endpoint) error {
	done := make(chan error, 1)
	obs := Observer{
		Reply: func(msg *Message) {
			if msg.R != nil && len(msg.R.ID) == 20 {
				var id NodeID
				copy(id[:], msg.R.ID)
				n.rt.HeardAbout(id, string(ep))
			}
			done <- nil
		},
		Timeout:     func() { done <- ErrTimeout },
		Unreachable: func() { done <- ErrUnreachable },
	}
	if err := n.rpc.Query(ep, "ping", &QueryArgs{ID: string(n.id[:])}, obs); err != nil {
		return err
	}
	return <-done
}

// Bootstrap runs a find_node traversal against the node's own id, the
// standard way to populate a freshly seeded routing table.
func (n *Node) Bootstrap(ctx context.Context) (TraversalResult, error) {
	return NewTraversalAlgorithm(n, n.id, KindBootstrap).Run(ctx)
}

// FindClosest runs a plain find_node traversal toward target.
func (n *Node) FindClosest(ctx context.Context, target NodeID) (TraversalResult, error) {
	return NewTraversalAlgorithm(n, target, KindFindNode).Run(ctx)
}

// GetPeers runs an iterative get_peers traversal for infoHash.
func (n *Node) GetPeers(ctx context.Context, infoHash NodeID, obfuscate bool) (TraversalResult, error) {
	kind := KindGetPeers
	if obfuscate {
		kind = KindObfuscatedGetPeers
	}
	return NewTraversalAlgorithm(n, infoHash, kind).Run(ctx)
}

// GetItem runs an iterative BEP-44 get traversal for target.
func (n *Node) GetItem(ctx context.Context, target NodeID) (TraversalResult, error) {
	return NewTraversalAlgorithm(n, target, KindGetItem).Run(ctx)
}

// AnnouncePeer sends announce_peer to every endpoint in targets,
// using each one's own token. Send failures, timeouts and unreachable
// peers are ignored and do not stop the fan-out; the result is always nil.
func (n *Node) AnnouncePeer(ctx context.Context, infoHash NodeID, port int, targets []AnnounceTarget) error {
	g, _ := errgroup.WithContext(ctx)
	for _, tgt := range targets {
		tgt := tgt
		g.Go(func() error {
			done := make(chan struct{})
			obs := Observer{
				Reply:       func(*Message) { close(done) },
				Timeout:     func() { close(done) },
				Unreachable: func() { close(done) },
			}
			args := &QueryArgs{ID: string(n.id[:]), InfoHash: string(infoHash[:]), Port: port, Token: tgt.Token}
			if err := n.rpc.Query(tgt.Endpoint, "announce_peer", args, obs); err != nil {
				return nil
			}
			<-done
			return nil
		})
	}
	return g.Wait()
}

// Start launches the tick/self-refresh/purge maintenance loop: one
// goroutine selecting over three tickers.
func (n *Node) Start() {
	n.wg.Add(1)
	go n.maintenanceLoop()
}

func (n *Node) Stop() {
	n.once.Do(func() { close(n.quit) })
	n.wg.Wait()
	n.rpc.Close()
}

func (n *Node) maintenanceLoop() {
	defer n.wg.Done()
	tick := n.clock.Ticker(n.cfg.TickInterval)
	refresh := n.clock.Ticker(n.cfg.SelfRefreshInterval)
	purge := n.clock.Ticker(n.cfg.PurgeInterval)
	defer tick.Stop()
	defer refresh.Stop()
	defer purge.Stop()

	for {
		select {
		case <-n.quit:
			return
		case <-tick.C:
			n.pingStaleBucket()
		case <-refresh.C:
			n.refreshStaleBuckets()
		case <-purge.C:
			n.peers.Purge()
			n.immut.Purge()
			n.mut.Purge()
		}
	}
}

// pingStaleBucket marks the least recently refreshed stale bucket as
// refreshed. It sends no query to that bucket's entries.
func (n *Node) pingStaleBucket() {
	lo, hi, ok := n.rt.StaleBucketRange(n.cfg.SelfRefreshInterval)
	if !ok {
		return
	}
	n.rt.MarkRefreshed(lo, hi)
}

func (n *Node) refreshStaleBuckets() {
	lo, hi, ok := n.rt.StaleBucketRange(n.cfg.SelfRefreshInterval)
	if !ok {
		return
	}
	target := n.rt.RandomIDInRange(lo, hi, n.fillRandom)
	n.rt.MarkRefreshed(lo, hi)
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go func() {
			select {
			case <-n.quit:
				cancel()
			case <-ctx.Done():
			}
		}()
		NewTraversalAlgorithm(n, target, KindRefresh).Run(ctx)
	}()
}

// HandlePacket decodes one inbound datagram and routes it: replies
// resolve an outstanding transaction, queries get answered inline.
func (n *Node) HandlePacket(from Endpoint, raw []byte) {
	msg, err := DecodeMessage(raw)
	if err != nil {
		nodeLogger.Debug("dropped malformed packet", "from", string(from), "err", err)
		return
	}
	switch msg.Y {
	case "r", "e":
		n.rpc.HandleIncoming(from, msg)
	case "q":
		n.handleQuery(from, msg)
	}
}

func (n *Node) handleQuery(from Endpoint, msg *Message) {
	if msg.A == nil {
		n.rpc.ReplyError(from, msg.T, KRPCProtocol, "missing a")
		return
	}
	var senderID NodeID
	copy(senderID[:], msg.A.ID)
	if len(msg.A.ID) == 20 {
		n.rt.HeardAbout(senderID, string(from))
	}

	switch msg.Q {
	case "ping":
		n.replyPing(from, msg)
	case "find_node":
		n.replyFindNode(from, msg)
	case "get_peers":
		n.replyGetPeers(from, msg)
	case "announce_peer":
		n.replyAnnouncePeer(from, msg)
	case "get":
		n.replyGet(from, msg)
	case "put":
		n.replyPut(from, msg)
	default:
		n.rpc.ReplyError(from, msg.T, KRPCServer, "unknown method "+msg.Q)
	}
}

func (n *Node) replyPing(from Endpoint, msg *Message) {
	n.rpc.Reply(from, msg.T, &ReplyArgs{ID: string(n.id[:])})
}

func (n *Node) replyFindNode(from Endpoint, msg *Message) {
	var target NodeID
	copy(target[:], msg.A.Target)
	closest := n.rt.FindNode(target, n.cfg.BucketSize)
	n.rpc.Reply(from, msg.T, &ReplyArgs{
		ID:    string(n.id[:]),
		Nodes: encodeCompactNodes(closest),
	})
}

func (n *Node) replyGetPeers(from Endpoint, msg *Message) {
	var infoHash NodeID
	copy(infoHash[:], msg.A.InfoHash)

	host, _, _ := net.SplitHostPort(string(from))
	reply := &ReplyArgs{
		ID:    string(n.id[:]),
		Token: n.tokens.Issue(host, infoHash[:]),
	}
	if peers := n.peers.GetPeers(infoHash, n.cfg.MaxPeersReply); len(peers) > 0 {
		values := make([]string, 0, len(peers))
		for _, ep := range peers {
			if s, err := encodeCompactPeer(ep); err == nil {
				values = append(values, s)
			}
		}
		reply.Values = values
	} else {
		reply.Nodes = encodeCompactNodes(n.rt.FindNode(infoHash, n.cfg.BucketSize))
	}
	n.rpc.Reply(from, msg.T, reply)
}

func (n *Node) replyAnnouncePeer(from Endpoint, msg *Message) {
	host, sourcePort, _ := net.SplitHostPort(string(from))
	var infoHash NodeID
	copy(infoHash[:], msg.A.InfoHash)
	if !n.tokens.Validate(msg.A.Token, host, infoHash[:]) {
		n.rpc.ReplyError(from, msg.T, KRPCProtocol, "bad token")
		return
	}

	// implied_port (BEP-5): trust the UDP source port instead of the
	// query's declared "port" when the announcer is behind a NAT that
	// rewrites its advertised listen port.
	portStr := sourcePort
	if msg.A.ImpliedPort == 0 {
		portStr = strconv.Itoa(msg.A.Port)
	}
	ep := Endpoint(net.JoinHostPort(host, portStr))
	n.peers.Announce(infoHash, ep, msg.A.Seed != 0)
	n.rpc.Reply(from, msg.T, &ReplyArgs{ID: string(n.id[:])})
}

func (n *Node) replyGet(from Endpoint, msg *Message) {
	var target NodeID
	copy(target[:], msg.A.Target)

	host, _, _ := net.SplitHostPort(string(from))
	reply := &ReplyArgs{ID: string(n.id[:]), Token: n.tokens.Issue(host, target[:])}

	if v, ok := n.immut.Get(target); ok {
		reply.V = v
		n.rpc.Reply(from, msg.T, reply)
		return
	}
	if v, seq, sig, k, ok := n.mut.Get(target); ok {
		reply.V = v
		s := seq
		reply.Seq = &s
		reply.Sig = sig[:]
		reply.K = k[:]
		n.rpc.Reply(from, msg.T, reply)
		return
	}
	reply.Nodes = encodeCompactNodes(n.rt.FindNode(target, n.cfg.BucketSize))
	n.rpc.Reply(from, msg.T, reply)
}

func (n *Node) replyPut(from Endpoint, msg *Message) {
	host, _, _ := net.SplitHostPort(string(from))
	var target NodeID
	if len(msg.A.K) == 0 {
		target = TargetForImmutable(msg.A.V)
	} else {
		var k [32]byte
		copy(k[:], msg.A.K)
		target = TargetForMutable(k, msg.A.Salt)
	}
	if !n.tokens.Validate(msg.A.Token, host, target[:]) {
		n.rpc.ReplyError(from, msg.T, KRPCProtocol, "bad token")
		return
	}

	if len(msg.A.K) == 0 {
		if _, err := n.immut.Put(msg.A.V); err != nil {
			n.replyStoreError(from, msg.T, err)
			return
		}
		n.rpc.Reply(from, msg.T, &ReplyArgs{ID: string(n.id[:])})
		return
	}

	var k [32]byte
	copy(k[:], msg.A.K)
	seq := int64(0)
	if msg.A.Seq != nil {
		seq = *msg.A.Seq
	}
	if _, err := n.mut.Put(k, msg.A.Salt, seq, msg.A.V, msg.A.Sig, msg.A.Cas); err != nil {
		n.replyStoreError(from, msg.T, err)
		return
	}
	n.rpc.Reply(from, msg.T, &ReplyArgs{ID: string(n.id[:])})
}

func (n *Node) replyStoreError(from Endpoint, t string, err error) {
	if kerr, ok := err.(*KRPCError); ok {
		n.rpc.ReplyError(from, t, kerr.Code, kerr.Message)
		return
	}
	n.rpc.ReplyError(from, t, KRPCServer, err.Error())
}
