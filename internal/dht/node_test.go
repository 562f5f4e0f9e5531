package dht

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xlgjjff/torrentcore/internal/ambient/clock"
)

// memoryNetwork routes WriteTo calls directly to the recipient Node's
// HandlePacket, skipping real UDP so traversal/query-dispatch wiring
// can be exercised without a live socket.
type memoryNetwork struct {
	mu    sync.Mutex
	nodes map[Endpoint]*Node
}

func newMemoryNetwork() *memoryNetwork {
	return &memoryNetwork{nodes: make(map[Endpoint]*Node)}
}

func (net *memoryNetwork) register(ep Endpoint, n *Node) {
	net.mu.Lock()
	defer net.mu.Unlock()
	net.nodes[ep] = n
}

type memorySocket struct {
	net   *memoryNetwork
	local Endpoint
}

func (s *memorySocket) WriteTo(b []byte, ep Endpoint) error {
	s.net.mu.Lock()
	target, ok := s.net.nodes[ep]
	s.net.mu.Unlock()
	if !ok {
		return ErrUnreachable
	}
	go target.HandlePacket(s.local, b)
	return nil
}

func (s *memorySocket) LocalEndpoint() Endpoint { return s.local }

func incrementalFill() func([]byte) {
	var n byte
	return func(b []byte) {
		for i := range b {
			b[i] = n
			n++
		}
	}
}

func newTestNode(t *testing.T, net *memoryNetwork, ep Endpoint, idByte byte) *Node {
	t.Helper()
	var id NodeID
	id[0] = idByte
	cfg := DefaultConfig()
	cfg.Clock = clock.New()
	cfg.QueryTimeout = 2 * time.Second
	sock := &memorySocket{net: net, local: ep}
	node := NewNode(id, cfg, sock, incrementalFill())
	net.register(ep, node)
	return node
}

func TestNodePingOverMemoryNetwork(t *testing.T) {
	net := newMemoryNetwork()
	a := newTestNode(t, net, "a:1", 0x10)
	b := newTestNode(t, net, "b:1", 0x20)

	err := a.Ping("b:1")
	require.NoError(t, err)

	var bID NodeID
	bID[0] = 0x20
	entry := a.rt.Get(bID)
	require.NotNil(t, entry)
	assert.Equal(t, Endpoint(entry.Endpoint), Endpoint("b:1"))
	_ = b
}

func TestNodeFindNodeTraversal(t *testing.T) {
	net := newMemoryNetwork()
	a := newTestNode(t, net, "10.0.0.1:1", 0x10)
	b := newTestNode(t, net, "10.0.0.2:1", 0x20)
	c := newTestNode(t, net, "10.0.0.3:1", 0x30)
	_ = c

	// a only knows about b; b knows about c.
	require.NoError(t, a.Ping("10.0.0.2:1"))
	require.NoError(t, b.Ping("10.0.0.3:1"))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var target NodeID
	target[0] = 0x30
	result, err := a.FindClosest(ctx, target)
	require.NoError(t, err)

	found := false
	for _, n := range result.ClosestNodes {
		if n.ID == target {
			found = true
		}
	}
	assert.True(t, found, "traversal starting from a should discover c via b")
}

func TestNodeGetPeersAndAnnounce(t *testing.T) {
	net := newMemoryNetwork()
	a := newTestNode(t, net, "a:1", 0x10)
	b := newTestNode(t, net, "b:1", 0x20)
	require.NoError(t, a.Ping("b:1"))

	var infoHash NodeID
	infoHash[0] = 0xaa
	b.peers.Announce(infoHash, "7.7.7.7:7000", false)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	result, err := a.GetPeers(ctx, infoHash, false)
	require.NoError(t, err)
	require.Len(t, result.Peers, 1)
	assert.Equal(t, Endpoint("7.7.7.7:7000"), result.Peers[0])
}

func TestNodeImmutablePutGetOverWire(t *testing.T) {
	net := newMemoryNetwork()
	a := newTestNode(t, net, "a:1", 0x10)
	b := newTestNode(t, net, "b:1", 0x20)
	require.NoError(t, a.Ping("b:1"))

	v := []byte("hello")
	target, err := b.immut.Put(v)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	result, err := a.GetItem(ctx, target)
	require.NoError(t, err)
	assert.True(t, result.HaveValue)
	assert.Equal(t, v, result.Value)
}
