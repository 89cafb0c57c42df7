package storage

import (
	"bytes"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeBytesRoundTrip(t *testing.T) {
	for _, key := range [][]byte{
		{},
		[]byte("a"),
		[]byte("12345678"),
		[]byte("123456789"),
		{0x00, 0xFF, 0x00},
		bytes.Repeat([]byte{0xAB}, 100),
	} {
		enc := EncodeBytes(key)
		dec, rest, err := DecodeBytes(enc)
		require.NoError(t, err)
		assert.Empty(t, rest)
		assert.Equal(t, key, dec)
	}
}

// Appending a timestamp to an encoded key must not disturb the order of the
// user keys themselves.
func TestEncodedOrderSurvivesSuffix(t *testing.T) {
	keys := [][]byte{
		[]byte("a"),
		[]byte("ab"),
		[]byte("abcdefgh"),
		[]byte("abcdefghi"),
		[]byte("b"),
		{0x00},
		{0x00, 0x00},
		{0xFF},
	}
	type pair struct{ user, stored []byte }
	pairs := make([]pair, 0, len(keys)*2)
	for _, k := range keys {
		pairs = append(pairs,
			pair{k, DefaultKey(k, 1)},
			pair{k, DefaultKey(k, 1<<40)},
		)
	}
	sort.Slice(pairs, func(i, j int) bool {
		return bytes.Compare(pairs[i].stored, pairs[j].stored) < 0
	})
	for i := 1; i < len(pairs); i++ {
		assert.LessOrEqual(t, bytes.Compare(pairs[i-1].user, pairs[i].user), 0,
			"stored order diverged from user order at %d", i)
	}
}

func TestWriteKeyNewestFirst(t *testing.T) {
	key := []byte("k")
	newer := WriteKey(key, 100)
	older := WriteKey(key, 50)
	assert.Equal(t, -1, bytes.Compare(newer, older))

	user, ts, err := DecodeDataKey(newer)
	require.NoError(t, err)
	assert.Equal(t, key, user)
	assert.Equal(t, uint64(100), ts)
}

func TestDefaultKeyDecode(t *testing.T) {
	user, ts, err := DecodeDataKey(DefaultKey([]byte("hello"), 42))
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), user)
	assert.Equal(t, uint64(42), ts)

	lk, err := DecodeUnversionedKey(LockKey([]byte("hello")))
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), lk)
}

func TestRaftKeys(t *testing.T) {
	k := RaftLogKey(7, 12345)
	assert.True(t, bytes.HasPrefix(k, RaftLogPrefix(7)))
	idx, err := RaftLogIndex(k)
	require.NoError(t, err)
	assert.Equal(t, uint64(12345), idx)

	// Log keys sort by index so a range scan replays in order.
	assert.Equal(t, -1, bytes.Compare(RaftLogKey(7, 255), RaftLogKey(7, 256)))

	id, err := ShardMetaID(ShardMetaKey(99))
	require.NoError(t, err)
	assert.Equal(t, uint64(99), id)
	assert.True(t, bytes.Compare(ShardMetaMinKey(), ShardMetaKey(0)) <= 0)
	assert.Equal(t, -1, bytes.Compare(ShardMetaKey(^uint64(0)), ShardMetaMaxKey()))
}

func TestCFRange(t *testing.T) {
	low, high := CFRange(WriteCF, []byte("b"), []byte("d"))
	assert.Equal(t, -1, bytes.Compare(low, WriteKey([]byte("b"), 1<<62)))
	assert.Equal(t, -1, bytes.Compare(WriteKey([]byte("c"), 1), high))

	// Unbounded end still excludes the next column family.
	low, high = CFRange(LockCF, nil, nil)
	assert.True(t, bytes.Compare(low, LockKey([]byte{0xFF, 0xFF})) < 0)
	assert.Equal(t, -1, bytes.Compare(LockKey(bytes.Repeat([]byte{0xFF}, 32)), high))
}

func TestValidSplitKey(t *testing.T) {
	assert.True(t, ValidSplitKey([]byte("a"), []byte("z"), []byte("m")))
	assert.False(t, ValidSplitKey([]byte("a"), []byte("z"), []byte("a")))
	assert.False(t, ValidSplitKey([]byte("a"), []byte("z"), []byte("z")))
	assert.True(t, ValidSplitKey(nil, nil, []byte("m")))
	assert.False(t, ValidSplitKey(nil, nil, nil))
}
