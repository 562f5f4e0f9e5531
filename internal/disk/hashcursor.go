package disk

import "crypto/sha1" //nolint:gosec // BitTorrent piece hash is SHA-1 by protocol

// HashCursor carries partial incremental SHA-1 state on a dirty piece
// so hashing can proceed concurrently with further writes.
type HashCursor struct {
	h      hashState
	Offset int64 // multiple of BlockSize, except possibly the last block
}

// hashState is the narrow slice of hash.Hash this package needs,
// isolated so tests can substitute a fake without pulling in crypto/sha1.
type hashState interface {
	Write(p []byte) (int, error)
	Sum(b []byte) []byte
}

// NewHashCursor returns a fresh cursor at offset 0.
func NewHashCursor() *HashCursor {
	return &HashCursor{h: sha1.New()}
}

// Update feeds the next contiguous run of bytes into the cursor. The
// caller is responsible for ensuring buf begins exactly at Offset.
func (hc *HashCursor) Update(buf []byte) {
	hc.h.Write(buf)
	hc.Offset += int64(len(buf))
}

// Finalize returns the 20-byte SHA-1 digest. The cursor must not be
// reused afterwards.
func (hc *HashCursor) Finalize() [20]byte {
	var out [20]byte
	copy(out[:], hc.h.Sum(nil))
	return out
}
