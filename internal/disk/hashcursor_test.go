package disk

import (
	"crypto/sha1"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHashCursorMatchesOneShotSHA1(t *testing.T) {
	data := []byte("the quick brown fox jumps over the lazy dog")

	hc := NewHashCursor()
	hc.Update(data[:10])
	hc.Update(data[10:])
	got := hc.Finalize()

	want := sha1.Sum(data)
	assert.Equal(t, want, got)
}

func TestHashCursorTracksOffset(t *testing.T) {
	hc := NewHashCursor()
	hc.Update(make([]byte, BlockSize))
	assert.EqualValues(t, BlockSize, hc.Offset)
	hc.Update(make([]byte, 100))
	assert.EqualValues(t, BlockSize+100, hc.Offset)
}
