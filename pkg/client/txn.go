package client

import (
	"github.com/stormgbs/tikv/pkg/common"
)

// Txn buffers writes locally and commits them with two-phase commit: lock
// everything at startTS with the first written key as primary, then commit
// the primary's shard and fan out to the rest. Reads inside the transaction
// see the snapshot at startTS plus the local buffer.
type Txn struct {
	ck      *Clerk
	startTS uint64
	muts    []common.Mutation
	written map[string]int
}

func (ck *Clerk) Begin() *Txn {
	return &Txn{
		ck:      ck,
		startTS: ck.TS(),
		written: map[string]int{},
	}
}

func (t *Txn) StartTS() uint64 { return t.startTS }

func (t *Txn) Put(key, val []byte) {
	t.stage(common.Mutation{Op: common.MutPut, Key: key, Value: val})
}

func (t *Txn) Delete(key []byte) {
	t.stage(common.Mutation{Op: common.MutDelete, Key: key})
}

// Lock records the key in the transaction's write set without changing it.
func (t *Txn) Lock(key []byte) {
	t.stage(common.Mutation{Op: common.MutLock, Key: key})
}

func (t *Txn) stage(mut common.Mutation) {
	if i, ok := t.written[string(mut.Key)]; ok {
		t.muts[i] = mut
		return
	}
	t.written[string(mut.Key)] = len(t.muts)
	t.muts = append(t.muts, mut)
}

func (t *Txn) Get(key []byte) ([]byte, bool, *common.LockInfo, common.Err) {
	if i, ok := t.written[string(key)]; ok {
		mut := t.muts[i]
		if mut.Op == common.MutPut {
			return mut.Value, true, nil, common.OK
		}
		if mut.Op == common.MutDelete {
			return nil, false, nil, common.OK
		}
	}
	return t.ck.Get(key, t.startTS)
}

// Commit runs 2PC. On a foreign lock the transaction rolls itself back and
// surfaces ErrKeyIsLocked with the lock, leaving retry policy to the
// caller.
func (t *Txn) Commit() (*common.LockInfo, common.Err) {
	if len(t.muts) == 0 {
		return nil, common.OK
	}
	primary := t.muts[0].Key

	if lock, err := t.ck.Prewrite(t.muts, primary, t.startTS); err != common.OK {
		t.rollback()
		return lock, err
	}

	commitTS := t.ck.TS()

	// The primary commits first: once it lands the transaction is decided,
	// and the remaining shards can always be rolled forward.
	if err := t.ck.Commit([][]byte{primary}, t.startTS, commitTS); err != common.OK {
		t.rollback()
		return nil, err
	}
	var rest [][]byte
	for _, mut := range t.muts[1:] {
		rest = append(rest, mut.Key)
	}
	if len(rest) > 0 {
		if err := t.ck.Commit(rest, t.startTS, commitTS); err != common.OK {
			// Primary already committed; the secondaries are recoverable via
			// ResolveLock, so the transaction still counts as committed.
			for _, key := range rest {
				t.ck.ResolveLock(key, t.startTS, commitTS)
			}
		}
	}
	return nil, common.OK
}

func (t *Txn) rollback() {
	keys := make([][]byte, 0, len(t.muts))
	for _, mut := range t.muts {
		keys = append(keys, mut.Key)
	}
	t.ck.Rollback(keys, t.startTS)
}
