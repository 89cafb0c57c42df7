package mvcc

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/stormgbs/tikv/internal/storage"
	"github.com/stormgbs/tikv/pkg/common"
)

// Multi-version concurrency control in the percolator style: provisional
// writes live in the lock and default column families keyed by start_ts,
// commit publishes a write record keyed by commit_ts, and readers walk write
// records newest-first to find the version visible at their snapshot.

type WriteKind byte

const (
	WritePut WriteKind = iota
	WriteDelete
	WriteLock
	WriteRollback
)

// Write is a commit (or rollback) record: the transaction that started at
// StartTS finished with this outcome at the commit_ts the record is keyed by.
type Write struct {
	StartTS uint64
	Kind    WriteKind
}

func (w Write) Encode() []byte {
	buf := make([]byte, 9)
	binary.BigEndian.PutUint64(buf, w.StartTS)
	buf[8] = byte(w.Kind)
	return buf
}

var ErrBadRecord = errors.New("malformed mvcc record")

func ParseWrite(data []byte) (Write, error) {
	if len(data) != 9 {
		return Write{}, ErrBadRecord
	}
	return Write{
		StartTS: binary.BigEndian.Uint64(data),
		Kind:    WriteKind(data[8]),
	}, nil
}

// Lock is a provisional write marker. Its presence blocks any reader or
// writer whose timestamp it is visible to until the owning transaction
// commits or rolls back.
type Lock struct {
	Primary []byte
	StartTS uint64
	Kind    common.LockKind
}

func (l Lock) Encode() []byte {
	buf := make([]byte, 0, 8+1+binary.MaxVarintLen64+len(l.Primary))
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], l.StartTS)
	buf = append(buf, ts[:]...)
	buf = append(buf, byte(l.Kind))
	var n [binary.MaxVarintLen64]byte
	buf = append(buf, n[:binary.PutUvarint(n[:], uint64(len(l.Primary)))]...)
	return append(buf, l.Primary...)
}

func ParseLock(data []byte) (Lock, error) {
	if len(data) < 10 {
		return Lock{}, ErrBadRecord
	}
	l := Lock{
		StartTS: binary.BigEndian.Uint64(data),
		Kind:    common.LockKind(data[8]),
	}
	plen, n := binary.Uvarint(data[9:])
	if n <= 0 || len(data[9+n:]) != int(plen) {
		return Lock{}, ErrBadRecord
	}
	l.Primary = append([]byte(nil), data[9+n:]...)
	return l, nil
}

func (l Lock) Info(key []byte) common.LockInfo {
	return common.LockInfo{
		Key:     append([]byte(nil), key...),
		Primary: l.Primary,
		StartTS: l.StartTS,
		Kind:    l.Kind,
	}
}

// IsBlocking reports whether the lock stalls a reader at ts. A LockOnly lock
// carries no data change and never blocks reads.
func (l Lock) IsBlocking(ts uint64) bool {
	return l.Kind != common.LockOnly && l.StartTS <= ts
}

// Reader is the read half shared by storage.Engine and storage.Snapshot.
type Reader interface {
	Get(key []byte) ([]byte, error)
	Scan(start, end []byte) storage.Iterator
}

// KeyError is a per-key transactional failure: exactly one field is set.
type KeyError struct {
	Locked   *common.LockInfo
	Conflict *Conflict
	Abort    string
}

type Conflict struct {
	StartTS    uint64
	ConflictTS uint64
	Key        []byte
	Primary    []byte
}

func (e *KeyError) Error() string {
	switch {
	case e.Locked != nil:
		return fmt.Sprintf("key %q is locked by txn %d", e.Locked.Key, e.Locked.StartTS)
	case e.Conflict != nil:
		return fmt.Sprintf("write conflict on %q: txn %d vs commit at %d",
			e.Conflict.Key, e.Conflict.StartTS, e.Conflict.ConflictTS)
	}
	return e.Abort
}

func (e *KeyError) Err() common.Err {
	switch {
	case e.Locked != nil:
		return common.ErrKeyIsLocked
	case e.Conflict != nil:
		return common.ErrWriteConflict
	}
	return common.ErrFailed
}

// Txn stages the mutations of one command into a storage batch. Nothing is
// visible until the batch executes, which the apply pipeline does atomically
// together with the apply state.
type Txn struct {
	reader  Reader
	batch   storage.Batch
	StartTS uint64
}

func NewTxn(reader Reader, batch storage.Batch, startTS uint64) *Txn {
	return &Txn{reader: reader, batch: batch, StartTS: startTS}
}

func (t *Txn) GetLock(key []byte) (*Lock, error) {
	val, err := t.reader.Get(storage.LockKey(key))
	if err != nil || val == nil {
		return nil, err
	}
	l, err := ParseLock(val)
	if err != nil {
		return nil, err
	}
	return &l, nil
}

func (t *Txn) PutLock(key []byte, l *Lock) {
	t.batch.Put(storage.LockKey(key), l.Encode())
}

func (t *Txn) DeleteLock(key []byte) {
	t.batch.Delete(storage.LockKey(key))
}

func (t *Txn) PutValue(key, value []byte) {
	t.batch.Put(storage.DefaultKey(key, t.StartTS), value)
}

func (t *Txn) DeleteValue(key []byte) {
	t.batch.Delete(storage.DefaultKey(key, t.StartTS))
}

func (t *Txn) PutWrite(key []byte, commitTS uint64, w *Write) {
	t.batch.Put(storage.WriteKey(key, commitTS), w.Encode())
}

func (t *Txn) DeleteWrite(key []byte, commitTS uint64) {
	t.batch.Delete(storage.WriteKey(key, commitTS))
}

// MostRecentWrite returns the newest write record of the key regardless of
// timestamp, or nil.
func (t *Txn) MostRecentWrite(key []byte) (*Write, uint64, error) {
	low, high := storage.CFRange(storage.WriteCF, key, nil)
	it := t.reader.Scan(low, high)
	defer it.Close()
	if !it.Valid() {
		return nil, 0, it.Error()
	}
	user, ts, err := storage.DecodeDataKey(it.Key())
	if err != nil {
		return nil, 0, err
	}
	if string(user) != string(key) {
		return nil, 0, nil
	}
	w, err := ParseWrite(it.Value())
	if err != nil {
		return nil, 0, err
	}
	return &w, ts, nil
}

// CurrentWrite finds the write record (commit or rollback) left by the
// transaction that started at t.StartTS, if any.
func (t *Txn) CurrentWrite(key []byte) (*Write, uint64, error) {
	low, high := storage.CFRange(storage.WriteCF, key, nil)
	it := t.reader.Scan(low, high)
	defer it.Close()
	for ; it.Valid(); it.Next() {
		user, commitTS, err := storage.DecodeDataKey(it.Key())
		if err != nil {
			return nil, 0, err
		}
		if string(user) != string(key) {
			break
		}
		w, err := ParseWrite(it.Value())
		if err != nil {
			return nil, 0, err
		}
		if w.StartTS == t.StartTS {
			return &w, commitTS, nil
		}
		if commitTS < t.StartTS {
			// Records are newest-first; nothing older can be ours.
			break
		}
	}
	return nil, 0, it.Error()
}

// GetValue reads the version visible at t.StartTS, ignoring locks.
func (t *Txn) GetValue(key []byte) ([]byte, error) {
	return getValue(t.reader, key, t.StartTS)
}

func getValue(reader Reader, key []byte, ts uint64) ([]byte, error) {
	low, high := storage.CFRange(storage.WriteCF, key, nil)
	it := reader.Scan(low, high)
	defer it.Close()
	for ; it.Valid(); it.Next() {
		user, commitTS, err := storage.DecodeDataKey(it.Key())
		if err != nil {
			return nil, err
		}
		if string(user) != string(key) {
			break
		}
		if commitTS > ts {
			continue
		}
		w, err := ParseWrite(it.Value())
		if err != nil {
			return nil, err
		}
		switch w.Kind {
		case WritePut:
			return reader.Get(storage.DefaultKey(key, w.StartTS))
		case WriteDelete:
			return nil, nil
		default:
			// Rollback and lock records carry no data; keep walking.
			continue
		}
	}
	return nil, it.Error()
}
