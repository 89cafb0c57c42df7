package storage

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestEngine(t *testing.T) *LevelEngine {
	t.Helper()
	e, err := OpenLevelEngine(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })
	return e
}

func TestLevelEngineBasic(t *testing.T) {
	e := openTestEngine(t)

	require.NoError(t, e.Put([]byte("k1"), []byte("v1")))
	val, err := e.Get([]byte("k1"))
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), val)

	val, err = e.Get([]byte("missing"))
	require.NoError(t, err)
	assert.Nil(t, val)

	require.NoError(t, e.Delete([]byte("k1")))
	val, err = e.Get([]byte("k1"))
	require.NoError(t, err)
	assert.Nil(t, val)
}

func TestLevelEngineBatchAtomic(t *testing.T) {
	e := openTestEngine(t)
	require.NoError(t, e.Put([]byte("old"), []byte("x")))

	b := e.Batch()
	b.Put([]byte("a"), []byte("1"))
	b.Put([]byte("b"), []byte("2"))
	b.Delete([]byte("old"))
	assert.Equal(t, 3, b.Len())
	require.NoError(t, b.ExecuteSync())

	val, _ := e.Get([]byte("a"))
	assert.Equal(t, []byte("1"), val)
	val, _ = e.Get([]byte("old"))
	assert.Nil(t, val)
}

func TestLevelEngineScan(t *testing.T) {
	e := openTestEngine(t)
	for i := 0; i < 10; i++ {
		require.NoError(t, e.Put([]byte(fmt.Sprintf("k%02d", i)), []byte{byte(i)}))
	}

	var got []string
	it := e.Scan([]byte("k03"), []byte("k07"))
	for ; it.Valid(); it.Next() {
		got = append(got, string(it.Key()))
	}
	require.NoError(t, it.Error())
	it.Close()
	assert.Equal(t, []string{"k03", "k04", "k05", "k06"}, got)

	// Empty end scans to the last key.
	n := 0
	it = e.Scan([]byte("k05"), nil)
	for ; it.Valid(); it.Next() {
		n++
	}
	it.Close()
	assert.Equal(t, 5, n)
}

func TestLevelEngineSnapshotIsolation(t *testing.T) {
	e := openTestEngine(t)
	require.NoError(t, e.Put([]byte("k"), []byte("before")))

	snap, err := e.Snapshot()
	require.NoError(t, err)
	defer snap.Release()

	require.NoError(t, e.Put([]byte("k"), []byte("after")))
	require.NoError(t, e.Put([]byte("new"), []byte("x")))

	val, err := snap.Get([]byte("k"))
	require.NoError(t, err)
	assert.Equal(t, []byte("before"), val)

	val, err = snap.Get([]byte("new"))
	require.NoError(t, err)
	assert.Nil(t, val)
}

func TestLevelEngineReopen(t *testing.T) {
	dir := t.TempDir()
	e, err := OpenLevelEngine(dir)
	require.NoError(t, err)
	require.NoError(t, e.Put([]byte("persist"), []byte("yes")))
	require.NoError(t, e.Sync())
	require.NoError(t, e.Close())

	e, err = OpenLevelEngine(dir)
	require.NoError(t, err)
	defer e.Close()
	val, err := e.Get([]byte("persist"))
	require.NoError(t, err)
	assert.Equal(t, []byte("yes"), val)
}
