package mvcc

import (
	"bytes"

	"github.com/stormgbs/tikv/internal/storage"
	"github.com/stormgbs/tikv/pkg/common"
)

// Prewrite stages one mutation. A newer committed write is a conflict; a
// foreign lock of any age blocks; re-prewriting our own key is idempotent.
func Prewrite(txn *Txn, mut common.Mutation, primary []byte) *KeyError {
	w, commitTS, err := txn.MostRecentWrite(mut.Key)
	if err != nil {
		panic(err)
	}
	if w != nil && commitTS >= txn.StartTS {
		return &KeyError{Conflict: &Conflict{
			StartTS:    txn.StartTS,
			ConflictTS: commitTS,
			Key:        mut.Key,
			Primary:    primary,
		}}
	}
	lock, err := txn.GetLock(mut.Key)
	if err != nil {
		panic(err)
	}
	if lock != nil {
		if lock.StartTS == txn.StartTS {
			return nil
		}
		info := lock.Info(mut.Key)
		return &KeyError{Locked: &info}
	}

	kind := common.LockPut
	switch mut.Op {
	case common.MutPut:
		txn.PutValue(mut.Key, mut.Value)
	case common.MutDelete:
		kind = common.LockDelete
		txn.DeleteValue(mut.Key)
	case common.MutLock:
		kind = common.LockOnly
	}
	txn.PutLock(mut.Key, &Lock{Primary: primary, StartTS: txn.StartTS, Kind: kind})
	return nil
}

// Commit publishes one prewritten key at commitTS, which must be above the
// transaction's start timestamp. Commit of an already-committed key is
// idempotent; commit after rollback aborts.
func Commit(txn *Txn, key []byte, commitTS uint64) *KeyError {
	if commitTS <= txn.StartTS {
		// A write record at or below start_ts would be visible inside the
		// transaction's own snapshot and collide with the rollback slot.
		return &KeyError{Conflict: &Conflict{
			StartTS:    txn.StartTS,
			ConflictTS: commitTS,
			Key:        key,
		}}
	}
	lock, err := txn.GetLock(key)
	if err != nil {
		panic(err)
	}
	if lock == nil || lock.StartTS != txn.StartTS {
		// Our lock is gone: either we already committed, or someone rolled
		// us back.
		w, _, err := txn.CurrentWrite(key)
		if err != nil {
			panic(err)
		}
		if w == nil {
			return &KeyError{Abort: "lock not found, commit undone"}
		}
		if w.Kind == WriteRollback {
			return &KeyError{Abort: "transaction already rolled back"}
		}
		return nil
	}
	txn.PutWrite(key, commitTS, &Write{StartTS: txn.StartTS, Kind: lockWriteKind(lock.Kind)})
	txn.DeleteLock(key)
	return nil
}

func lockWriteKind(k common.LockKind) WriteKind {
	switch k {
	case common.LockDelete:
		return WriteDelete
	case common.LockOnly:
		return WriteLock
	}
	return WritePut
}

// Rollback undoes a prewrite and leaves a rollback marker at start_ts so a
// late-arriving prewrite of the same transaction cannot resurrect the key.
func Rollback(txn *Txn, key []byte) *KeyError {
	lock, err := txn.GetLock(key)
	if err != nil {
		panic(err)
	}
	if lock != nil && lock.StartTS == txn.StartTS {
		txn.DeleteValue(key)
		txn.DeleteLock(key)
		txn.PutWrite(key, txn.StartTS, &Write{StartTS: txn.StartTS, Kind: WriteRollback})
		return nil
	}
	w, _, err := txn.CurrentWrite(key)
	if err != nil {
		panic(err)
	}
	if w != nil {
		if w.Kind == WriteRollback {
			return nil
		}
		return &KeyError{Abort: "transaction already committed"}
	}
	txn.PutWrite(key, txn.StartTS, &Write{StartTS: txn.StartTS, Kind: WriteRollback})
	return nil
}

// ResolveLock finishes every lock held by the transaction inside the shard
// range [start, end): forward to commitTS when it committed, backward
// otherwise.
func ResolveLock(txn *Txn, start, end []byte, commitTS uint64) *KeyError {
	var keys [][]byte
	low, high := storage.CFRange(storage.LockCF, start, end)
	it := txn.reader.Scan(low, high)
	for ; it.Valid(); it.Next() {
		l, err := ParseLock(it.Value())
		if err != nil {
			it.Close()
			panic(err)
		}
		if l.StartTS != txn.StartTS {
			continue
		}
		key, err := storage.DecodeUnversionedKey(it.Key())
		if err != nil {
			it.Close()
			panic(err)
		}
		keys = append(keys, key)
	}
	it.Close()

	for _, key := range keys {
		var ke *KeyError
		if commitTS > 0 {
			ke = Commit(txn, key, commitTS)
		} else {
			ke = Rollback(txn, key)
		}
		if ke != nil {
			return ke
		}
	}
	return nil
}

// Get reads key at ts. A blocking foreign lock is surfaced for the caller to
// resolve instead of a value.
func Get(reader Reader, key []byte, ts uint64) ([]byte, *common.LockInfo, error) {
	val, err := reader.Get(storage.LockKey(key))
	if err != nil {
		return nil, nil, err
	}
	if val != nil {
		l, err := ParseLock(val)
		if err != nil {
			return nil, nil, err
		}
		if l.IsBlocking(ts) {
			info := l.Info(key)
			return nil, &info, nil
		}
	}
	v, err := getValue(reader, key, ts)
	return v, nil, err
}

// Scan returns up to limit visible pairs in [start, end) at ts. It stops
// early at the first blocking lock and reports it alongside what was
// collected so far.
func Scan(reader Reader, start, end []byte, ts uint64, limit int) ([]common.KVPair, *common.LockInfo, error) {
	low, high := storage.CFRange(storage.WriteCF, start, end)
	it := reader.Scan(low, high)
	defer it.Close()

	var pairs []common.KVPair
	var currKey []byte
	done := false
	for ; it.Valid() && len(pairs) < limit; it.Next() {
		user, commitTS, err := storage.DecodeDataKey(it.Key())
		if err != nil {
			return nil, nil, err
		}
		if currKey != nil && bytes.Equal(user, currKey) && done {
			continue
		}
		if currKey == nil || !bytes.Equal(user, currKey) {
			currKey = append([]byte(nil), user...)
			done = false

			lv, err := reader.Get(storage.LockKey(user))
			if err != nil {
				return nil, nil, err
			}
			if lv != nil {
				l, err := ParseLock(lv)
				if err != nil {
					return nil, nil, err
				}
				if l.IsBlocking(ts) {
					info := l.Info(user)
					return pairs, &info, nil
				}
			}
		}
		if commitTS > ts {
			continue
		}
		w, err := ParseWrite(it.Value())
		if err != nil {
			return nil, nil, err
		}
		// First visible record decides this key, whatever it says.
		done = true
		if w.Kind == WritePut {
			v, err := reader.Get(storage.DefaultKey(user, w.StartTS))
			if err != nil {
				return nil, nil, err
			}
			pairs = append(pairs, common.KVPair{Key: currKey, Value: v})
		} else if w.Kind != WriteDelete {
			// Rollback/lock records decide nothing; older versions may
			// still be visible.
			done = false
		}
	}
	return pairs, nil, it.Error()
}

// GC drops versions superseded as of safePoint: everything older than the
// newest write at or below it, plus stale rollback and delete records. Lock
// records above the safe point are untouched.
func GC(reader Reader, batch storage.Batch, start, end []byte, safePoint uint64) (removed int) {
	low, high := storage.CFRange(storage.WriteCF, start, end)
	it := reader.Scan(low, high)
	defer it.Close()

	var currKey []byte
	barrierSeen := false
	for ; it.Valid(); it.Next() {
		user, commitTS, err := storage.DecodeDataKey(it.Key())
		if err != nil {
			continue
		}
		if currKey == nil || !bytes.Equal(user, currKey) {
			currKey = append([]byte(nil), user...)
			barrierSeen = false
		}
		if commitTS > safePoint {
			continue
		}
		w, err := ParseWrite(it.Value())
		if err != nil {
			continue
		}
		if !barrierSeen {
			// Newest record at or below the safe point: a Put survives as
			// the key's current version, anything else is dead weight.
			barrierSeen = true
			if w.Kind == WritePut {
				continue
			}
		}
		batch.Delete(storage.WriteKey(user, commitTS))
		if w.Kind == WritePut || w.Kind == WriteDelete {
			batch.Delete(storage.DefaultKey(user, w.StartTS))
		}
		removed++
	}
	return removed
}
