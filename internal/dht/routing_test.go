package dht

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func randomID(r *rand.Rand) NodeID {
	var id NodeID
	r.Read(id[:])
	return id
}

func TestRoutingTableAddAndGet(t *testing.T) {
	r := rand.New(rand.NewSource(1))
	local := randomID(r)
	rt := NewRoutingTable(local, 8)

	remote := randomID(r)
	outcome, entry := rt.HeardAbout(remote, "10.0.0.1:6881")
	require.Equal(t, Added, outcome)
	require.NotNil(t, entry)

	got := rt.Get(remote)
	require.NotNil(t, got)
	assert.Equal(t, "10.0.0.1:6881", got.Endpoint)
}

func TestRoutingTableHeardAboutSelfIsRejected(t *testing.T) {
	local := idFromByte(0x42)
	rt := NewRoutingTable(local, 8)
	outcome, entry := rt.HeardAbout(local, "1.2.3.4:1")
	assert.Equal(t, IsSelf, outcome)
	assert.Nil(t, entry)
	assert.Equal(t, 0, rt.Size())
}

func TestRoutingTableUpdateRefreshesExisting(t *testing.T) {
	r := rand.New(rand.NewSource(2))
	local := randomID(r)
	rt := NewRoutingTable(local, 8)
	remote := randomID(r)

	rt.HeardAbout(remote, "1.1.1.1:1")
	outcome, entry := rt.HeardAbout(remote, "2.2.2.2:2")
	assert.Equal(t, Updated, outcome)
	assert.Equal(t, "2.2.2.2:2", entry.Endpoint)
	assert.Equal(t, 1, rt.Size())
}

// TestRoutingTableSplitsUnderLoad floods the table with enough random
// nodes that the own-prefix bucket must split at least once, and
// checks the table never admits more than k entries into any single
// bucket (BucketFull is a legitimate, expected outcome once a bucket
// fills and is not eligible to split further).
func TestRoutingTableSplitsUnderLoad(t *testing.T) {
	r := rand.New(rand.NewSource(3))
	local := randomID(r)
	const k = 4
	rt := NewRoutingTable(local, k)

	admitted := 0
	for i := 0; i < 500; i++ {
		outcome, _ := rt.HeardAbout(randomID(r), "1.1.1.1:1")
		if outcome == Added {
			admitted++
		}
	}

	assert.Greater(t, len(rt.buckets), 1, "expected at least one split under load")
	assert.Equal(t, admitted, rt.Size())
	for _, b := range rt.buckets {
		assert.LessOrEqual(t, len(b.nodes), k)
	}
}

func TestRoutingTableFindNodeOrdersByDistance(t *testing.T) {
	local := idFromByte(0x00)
	rt := NewRoutingTable(local, 20)

	a := idFromByte(0x01)
	b := idFromByte(0x02)
	c := idFromByte(0xf0)
	rt.HeardAbout(a, "a:1")
	rt.HeardAbout(b, "b:1")
	rt.HeardAbout(c, "c:1")

	closest := rt.FindNode(local, 2)
	require.Len(t, closest, 2)
	assert.Equal(t, a, closest[0].ID)
	assert.Equal(t, b, closest[1].ID)
}

func TestRoutingTableRemove(t *testing.T) {
	local := idFromByte(0x00)
	rt := NewRoutingTable(local, 8)
	remote := idFromByte(0x01)
	rt.HeardAbout(remote, "1.1.1.1:1")

	assert.True(t, rt.Remove(remote))
	assert.Nil(t, rt.Get(remote))
	assert.False(t, rt.Remove(remote))
}

func TestRoutingTableStaleBucketRange(t *testing.T) {
	local := idFromByte(0x00)
	rt := NewRoutingTable(local, 8)

	lo, hi, ok := rt.StaleBucketRange(0)
	require.True(t, ok)
	assert.Equal(t, 0, lo)
	assert.Equal(t, maxPrefixLen, hi)

	rt.MarkRefreshed(lo, hi)
	_, _, ok = rt.StaleBucketRange(time.Hour)
	assert.False(t, ok)
}

func TestRoutingTableRandomIDInRange(t *testing.T) {
	local := idFromByte(0x00)
	rt := NewRoutingTable(local, 8)

	id := rt.RandomIDInRange(4, maxPrefixLen, func(b []byte) {
		for i := range b {
			b[i] = 0xff
		}
	})
	assert.Equal(t, 4, CommonPrefixLen(local, id))
}
