package dht

import (
	"crypto/ed25519"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xlgjjff/torrentcore/internal/ambient/clock"
)

func TestImmutableStorePutGet(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Clock = clock.NewMock()
	store := NewImmutableStore(cfg)

	v := []byte("hello world")
	target, err := store.Put(v)
	require.NoError(t, err)
	assert.Equal(t, TargetForImmutable(v), target)

	got, ok := store.Get(target)
	require.True(t, ok)
	assert.Equal(t, v, got)
}

func TestImmutableStoreRejectsOversizedValue(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Clock = clock.NewMock()
	store := NewImmutableStore(cfg)

	_, err := store.Put(make([]byte, 1001))
	assert.ErrorIs(t, err, ErrValueTooBig)
}

func signMutablePut(t *testing.T, pub ed25519.PublicKey, priv ed25519.PrivateKey, salt []byte, seq int64, v []byte) []byte {
	t.Helper()
	return ed25519.Sign(priv, mutablePutSignedData(salt, seq, v))
}

func TestMutableStorePutGetAndSeqMonotonicity(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Clock = clock.NewMock()
	store := NewMutableStore(cfg)

	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	var k [32]byte
	copy(k[:], pub)

	v1 := []byte("v1")
	sig1 := signMutablePut(t, pub, priv, nil, 1, v1)
	target, err := store.Put(k, nil, 1, v1, sig1, nil)
	require.NoError(t, err)

	gotV, gotSeq, _, gotK, ok := store.Get(target)
	require.True(t, ok)
	assert.Equal(t, v1, gotV)
	assert.Equal(t, int64(1), gotSeq)
	assert.Equal(t, k, gotK)

	v0 := []byte("stale")
	sig0 := signMutablePut(t, pub, priv, nil, 0, v0)
	_, err = store.Put(k, nil, 0, v0, sig0, nil)
	var kerr *KRPCError
	require.ErrorAs(t, err, &kerr)
	assert.Equal(t, KRPCSequenceTooLow, kerr.Code)
}

func TestMutableStoreRejectsBadSignature(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Clock = clock.NewMock()
	store := NewMutableStore(cfg)

	pub, _, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	var k [32]byte
	copy(k[:], pub)

	badSig := make([]byte, ed25519.SignatureSize)
	_, err = store.Put(k, nil, 1, []byte("v"), badSig, nil)
	var kerr *KRPCError
	require.ErrorAs(t, err, &kerr)
	assert.Equal(t, KRPCBadSignature, kerr.Code)
}

func TestMutableStoreCasMismatch(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Clock = clock.NewMock()
	store := NewMutableStore(cfg)

	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	var k [32]byte
	copy(k[:], pub)

	v1 := []byte("v1")
	sig1 := signMutablePut(t, pub, priv, nil, 1, v1)
	_, err = store.Put(k, nil, 1, v1, sig1, nil)
	require.NoError(t, err)

	v2 := []byte("v2")
	sig2 := signMutablePut(t, pub, priv, nil, 2, v2)
	wrongCas := int64(99)
	_, err = store.Put(k, nil, 2, v2, sig2, &wrongCas)
	var kerr *KRPCError
	require.ErrorAs(t, err, &kerr)
	assert.Equal(t, KRPCCasMismatch, kerr.Code)
}
