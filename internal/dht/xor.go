package dht

import (
	"errors"

	"github.com/mr-tron/base58"
)

// NodeID is a 160-bit opaque Kademlia identifier.
type NodeID [20]byte

// ErrInvalidNodeID is returned by ParseNodeID for malformed input.
var ErrInvalidNodeID = errors.New("dht: invalid node id")

// String returns the Base58 encoding of id, used for log lines and
// bootstrap-node references instead of raw hex.
func (id NodeID) String() string {
	return base58.Encode(id[:])
}

// ShortString returns the first 8 characters of id's Base58 form, for
// compact log identifiers.
func (id NodeID) ShortString() string {
	s := id.String()
	if len(s) > 8 {
		return s[:8]
	}
	return s
}

// ParseNodeID decodes a Base58-encoded node id, as produced by String.
func ParseNodeID(s string) (NodeID, error) {
	var id NodeID
	b, err := base58.Decode(s)
	if err != nil || len(b) != len(id) {
		return NodeID{}, ErrInvalidNodeID
	}
	copy(id[:], b)
	return id, nil
}

// XORDistance returns the bytewise XOR distance between a and b.
func XORDistance(a, b NodeID) [20]byte {
	var d [20]byte
	for i := range d {
		d[i] = a[i] ^ b[i]
	}
	return d
}

// CompareDistance reports whether a or b is closer to target:
// -1 if dist(a, target) < dist(b, target), 0 if equal, 1 otherwise.
func CompareDistance(a, b, target NodeID) int {
	da := XORDistance(a, target)
	db := XORDistance(b, target)
	for i := range da {
		if da[i] < db[i] {
			return -1
		}
		if da[i] > db[i] {
			return 1
		}
	}
	return 0
}

// CommonPrefixLen returns the number of leading bits a and b share.
func CommonPrefixLen(a, b NodeID) int {
	d := XORDistance(a, b)
	zeroBits := 0
	for _, byt := range d {
		if byt == 0 {
			zeroBits += 8
			continue
		}
		for mask := byte(0x80); mask > 0; mask >>= 1 {
			if byt&mask != 0 {
				return zeroBits
			}
			zeroBits++
		}
		return zeroBits
	}
	return zeroBits
}

// BucketIndex returns which of local's 160 buckets remote falls into:
// the common-prefix length of local and remote, clamped to 159 so an
// identical id lands in the last bucket.
func BucketIndex(local, remote NodeID) int {
	cpl := CommonPrefixLen(local, remote)
	const maxBuckets = 160
	if cpl >= maxBuckets {
		return maxBuckets - 1
	}
	return cpl
}

// Less reports whether a sorts before b under natural byte ordering,
// used to break ties when two nodes are equidistant.
func (a NodeID) Less(b NodeID) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}
