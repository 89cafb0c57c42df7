package mvcc

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stormgbs/tikv/internal/storage"
	"github.com/stormgbs/tikv/pkg/common"
)

func testEngine(t *testing.T) storage.Engine {
	t.Helper()
	e, err := storage.OpenLevelEngine(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })
	return e
}

func newTestTxn(t *testing.T, e storage.Engine, startTS uint64) *Txn {
	return NewTxn(e, e.Batch(), startTS)
}

func flush(t *testing.T, txn *Txn) {
	t.Helper()
	require.NoError(t, txn.batch.Execute())
}

// mustCommitTxn runs the full prewrite+commit cycle of a single-key txn.
func mustCommitTxn(t *testing.T, e storage.Engine, key, val []byte, startTS, commitTS uint64) {
	t.Helper()
	txn := newTestTxn(t, e, startTS)
	op := common.MutPut
	if val == nil {
		op = common.MutDelete
	}
	require.Nil(t, Prewrite(txn, common.Mutation{Op: op, Key: key, Value: val}, key))
	flush(t, txn)

	txn = newTestTxn(t, e, startTS)
	require.Nil(t, Commit(txn, key, commitTS))
	flush(t, txn)
}

func TestPrewriteCommitGet(t *testing.T) {
	e := testEngine(t)
	mustCommitTxn(t, e, []byte("k"), []byte("v1"), 10, 11)

	// Readers before the commit timestamp see nothing.
	val, lock, err := Get(e, []byte("k"), 10)
	require.NoError(t, err)
	assert.Nil(t, lock)
	assert.Nil(t, val)

	val, lock, err = Get(e, []byte("k"), 11)
	require.NoError(t, err)
	assert.Nil(t, lock)
	assert.Equal(t, []byte("v1"), val)
}

func TestReadSkipsNewerVersions(t *testing.T) {
	e := testEngine(t)
	mustCommitTxn(t, e, []byte("k"), []byte("old"), 10, 11)
	mustCommitTxn(t, e, []byte("k"), []byte("new"), 20, 21)

	val, _, err := Get(e, []byte("k"), 15)
	require.NoError(t, err)
	assert.Equal(t, []byte("old"), val)

	val, _, err = Get(e, []byte("k"), 25)
	require.NoError(t, err)
	assert.Equal(t, []byte("new"), val)
}

func TestDeleteHidesValue(t *testing.T) {
	e := testEngine(t)
	mustCommitTxn(t, e, []byte("k"), []byte("v"), 10, 11)
	mustCommitTxn(t, e, []byte("k"), nil, 20, 21)

	val, _, err := Get(e, []byte("k"), 30)
	require.NoError(t, err)
	assert.Nil(t, val)

	val, _, err = Get(e, []byte("k"), 15)
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), val)
}

func TestGetBlockedByLock(t *testing.T) {
	e := testEngine(t)
	txn := newTestTxn(t, e, 10)
	require.Nil(t, Prewrite(txn, common.Mutation{Op: common.MutPut, Key: []byte("k"), Value: []byte("v")}, []byte("k")))
	flush(t, txn)

	// A reader above the lock's start_ts must wait for the outcome.
	_, lock, err := Get(e, []byte("k"), 15)
	require.NoError(t, err)
	require.NotNil(t, lock)
	assert.Equal(t, uint64(10), lock.StartTS)
	assert.Equal(t, []byte("k"), lock.Primary)

	// A reader below it cannot be affected either way.
	_, lock, err = Get(e, []byte("k"), 9)
	require.NoError(t, err)
	assert.Nil(t, lock)
}

func TestPrewriteConflicts(t *testing.T) {
	e := testEngine(t)
	mustCommitTxn(t, e, []byte("k"), []byte("v"), 10, 20)

	// A transaction that started before the commit must not overwrite it.
	txn := newTestTxn(t, e, 15)
	ke := Prewrite(txn, common.Mutation{Op: common.MutPut, Key: []byte("k"), Value: []byte("x")}, []byte("k"))
	require.NotNil(t, ke)
	require.NotNil(t, ke.Conflict)
	assert.Equal(t, common.ErrWriteConflict, ke.Err())
	assert.Equal(t, uint64(20), ke.Conflict.ConflictTS)

	// A later transaction is fine.
	txn = newTestTxn(t, e, 25)
	assert.Nil(t, Prewrite(txn, common.Mutation{Op: common.MutPut, Key: []byte("k"), Value: []byte("x")}, []byte("k")))
}

func TestPrewriteBlockedByForeignLock(t *testing.T) {
	e := testEngine(t)
	txn := newTestTxn(t, e, 10)
	require.Nil(t, Prewrite(txn, common.Mutation{Op: common.MutPut, Key: []byte("k"), Value: []byte("a")}, []byte("k")))
	flush(t, txn)

	other := newTestTxn(t, e, 12)
	ke := Prewrite(other, common.Mutation{Op: common.MutPut, Key: []byte("k"), Value: []byte("b")}, []byte("k"))
	require.NotNil(t, ke)
	assert.Equal(t, common.ErrKeyIsLocked, ke.Err())

	// Re-prewrite by the lock owner is idempotent.
	again := newTestTxn(t, e, 10)
	assert.Nil(t, Prewrite(again, common.Mutation{Op: common.MutPut, Key: []byte("k"), Value: []byte("a")}, []byte("k")))
}

func TestCommitIdempotentAndAbortAfterRollback(t *testing.T) {
	e := testEngine(t)
	mustCommitTxn(t, e, []byte("k"), []byte("v"), 10, 11)

	// Re-commit after the lock is gone succeeds silently.
	txn := newTestTxn(t, e, 10)
	assert.Nil(t, Commit(txn, []byte("k"), 11))

	// Rollback then commit must fail.
	txn = newTestTxn(t, e, 20)
	require.Nil(t, Prewrite(txn, common.Mutation{Op: common.MutPut, Key: []byte("j"), Value: []byte("x")}, []byte("j")))
	flush(t, txn)
	txn = newTestTxn(t, e, 20)
	require.Nil(t, Rollback(txn, []byte("j")))
	flush(t, txn)
	txn = newTestTxn(t, e, 20)
	ke := Commit(txn, []byte("j"), 21)
	require.NotNil(t, ke)
	assert.Contains(t, ke.Error(), "rolled back")
}

func TestCommitTimestampMustExceedStart(t *testing.T) {
	e := testEngine(t)
	txn := newTestTxn(t, e, 10)
	require.Nil(t, Prewrite(txn, common.Mutation{Op: common.MutPut, Key: []byte("k"), Value: []byte("v")}, []byte("k")))
	flush(t, txn)

	// Committing into the transaction's own snapshot is a conflict, and so
	// is a commit timestamp below it.
	txn = newTestTxn(t, e, 10)
	ke := Commit(txn, []byte("k"), 10)
	require.NotNil(t, ke)
	assert.Equal(t, common.ErrWriteConflict, ke.Err())

	txn = newTestTxn(t, e, 20)
	require.Nil(t, Prewrite(txn, common.Mutation{Op: common.MutPut, Key: []byte("j"), Value: []byte("x")}, []byte("j")))
	flush(t, txn)
	txn = newTestTxn(t, e, 20)
	ke = Commit(txn, []byte("j"), 5)
	require.NotNil(t, ke)
	assert.Equal(t, common.ErrWriteConflict, ke.Err())

	// The lock survives a rejected commit and a proper timestamp still lands.
	val, lock, err := Get(e, []byte("k"), 10)
	require.NoError(t, err)
	require.NotNil(t, lock)
	assert.Nil(t, val)

	txn = newTestTxn(t, e, 10)
	require.Nil(t, Commit(txn, []byte("k"), 11))
	flush(t, txn)
	val, lock, err = Get(e, []byte("k"), 11)
	require.NoError(t, err)
	assert.Nil(t, lock)
	assert.Equal(t, []byte("v"), val)
}

func TestRollbackMarkerBlocksLatePrewrite(t *testing.T) {
	e := testEngine(t)

	// Rollback arrives before the (delayed) prewrite.
	txn := newTestTxn(t, e, 10)
	require.Nil(t, Rollback(txn, []byte("k")))
	flush(t, txn)

	txn = newTestTxn(t, e, 10)
	ke := Prewrite(txn, common.Mutation{Op: common.MutPut, Key: []byte("k"), Value: []byte("late")}, []byte("k"))
	require.NotNil(t, ke)
	assert.Equal(t, common.ErrWriteConflict, ke.Err())
}

func TestResolveLockCommitsSecondaries(t *testing.T) {
	e := testEngine(t)
	txn := newTestTxn(t, e, 10)
	for _, k := range []string{"a", "b", "c"} {
		require.Nil(t, Prewrite(txn, common.Mutation{Op: common.MutPut, Key: []byte(k), Value: []byte("v-" + k)}, []byte("a")))
	}
	flush(t, txn)

	txn = newTestTxn(t, e, 10)
	require.Nil(t, ResolveLock(txn, nil, nil, 11))
	flush(t, txn)

	for _, k := range []string{"a", "b", "c"} {
		val, lock, err := Get(e, []byte(k), 12)
		require.NoError(t, err)
		assert.Nil(t, lock)
		assert.Equal(t, []byte("v-"+k), val)
	}
}

func TestResolveLockRollsBack(t *testing.T) {
	e := testEngine(t)
	txn := newTestTxn(t, e, 10)
	require.Nil(t, Prewrite(txn, common.Mutation{Op: common.MutPut, Key: []byte("a"), Value: []byte("v")}, []byte("a")))
	flush(t, txn)

	txn = newTestTxn(t, e, 10)
	require.Nil(t, ResolveLock(txn, nil, nil, 0))
	flush(t, txn)

	val, lock, err := Get(e, []byte("a"), 20)
	require.NoError(t, err)
	assert.Nil(t, lock)
	assert.Nil(t, val)
}

func TestScanVisibility(t *testing.T) {
	e := testEngine(t)
	for i := 0; i < 5; i++ {
		k := []byte(fmt.Sprintf("k%d", i))
		mustCommitTxn(t, e, k, []byte(fmt.Sprintf("v%d", i)), uint64(10+i), uint64(20+i))
	}
	// k2 deleted later; k9 written too late to be visible.
	mustCommitTxn(t, e, []byte("k2"), nil, 30, 31)
	mustCommitTxn(t, e, []byte("k9"), []byte("late"), 90, 91)

	pairs, lock, err := Scan(e, []byte("k"), nil, 50, 100)
	require.NoError(t, err)
	assert.Nil(t, lock)
	var keys []string
	for _, p := range pairs {
		keys = append(keys, string(p.Key))
	}
	assert.Equal(t, []string{"k0", "k1", "k3", "k4"}, keys)

	// At ts 25 the delete has not happened yet.
	pairs, _, err = Scan(e, []byte("k"), nil, 25, 100)
	require.NoError(t, err)
	assert.Len(t, pairs, 5)

	// Limit cuts the scan short.
	pairs, _, err = Scan(e, []byte("k"), nil, 50, 2)
	require.NoError(t, err)
	assert.Len(t, pairs, 2)
}

func TestScanStopsAtLock(t *testing.T) {
	e := testEngine(t)
	mustCommitTxn(t, e, []byte("a"), []byte("1"), 10, 11)
	mustCommitTxn(t, e, []byte("c"), []byte("3"), 10, 12)

	txn := newTestTxn(t, e, 20)
	require.Nil(t, Prewrite(txn, common.Mutation{Op: common.MutPut, Key: []byte("c"), Value: []byte("x")}, []byte("c")))
	flush(t, txn)

	pairs, lock, err := Scan(e, []byte("a"), nil, 30, 100)
	require.NoError(t, err)
	require.NotNil(t, lock)
	assert.Equal(t, []byte("c"), lock.Key)
	assert.Len(t, pairs, 1)
	assert.Equal(t, []byte("a"), pairs[0].Key)
}

func TestGCKeepsNewestVisible(t *testing.T) {
	e := testEngine(t)
	mustCommitTxn(t, e, []byte("k"), []byte("v1"), 10, 11)
	mustCommitTxn(t, e, []byte("k"), []byte("v2"), 20, 21)
	mustCommitTxn(t, e, []byte("k"), []byte("v3"), 30, 31)

	b := e.Batch()
	removed := GC(e, b, nil, nil, 25)
	require.NoError(t, b.Execute())
	assert.Equal(t, 1, removed)

	// v2 is the version a reader at the safe point still needs.
	val, _, err := Get(e, []byte("k"), 25)
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), val)
	val, _, err = Get(e, []byte("k"), 40)
	require.NoError(t, err)
	assert.Equal(t, []byte("v3"), val)

	// The pre-GC version is gone.
	val, _, err = Get(e, []byte("k"), 15)
	require.NoError(t, err)
	assert.Nil(t, val)
}

func TestGCDropsDeletedKeys(t *testing.T) {
	e := testEngine(t)
	mustCommitTxn(t, e, []byte("k"), []byte("v"), 10, 11)
	mustCommitTxn(t, e, []byte("k"), nil, 20, 21)

	b := e.Batch()
	GC(e, b, nil, nil, 50)
	require.NoError(t, b.Execute())

	// Both the delete record and the older put are gone entirely.
	it := e.Scan([]byte{'z'}, []byte{'z' + 1})
	defer it.Close()
	assert.False(t, it.Valid())
}

func TestLockRecordRoundTrip(t *testing.T) {
	in := Lock{Primary: []byte("primary-key"), StartTS: 42, Kind: common.LockDelete}
	out, err := ParseLock(in.Encode())
	require.NoError(t, err)
	assert.Equal(t, in, out)

	w := Write{StartTS: 7, Kind: WriteDelete}
	got, err := ParseWrite(w.Encode())
	require.NoError(t, err)
	assert.Equal(t, w, got)
}
