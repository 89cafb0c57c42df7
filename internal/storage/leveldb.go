package storage

import (
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/iterator"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/stormgbs/tikv/pkg/common/utils"
)

// LevelEngine backs Engine with a single goleveldb database. Writes go
// through the OS cache (NoSync); durability points call Sync or ExecuteSync
// explicitly.
type LevelEngine struct {
	db   *leveldb.DB
	path string
}

var syncOpt = &opt.WriteOptions{Sync: true}

func OpenLevelEngine(path string) (*LevelEngine, error) {
	if err := utils.CheckAndMkdir(path); err != nil {
		return nil, err
	}
	options := opt.Options{
		WriteBuffer: 4096 * 1024,
		NoSync:      true,
	}
	db, err := leveldb.OpenFile(path, &options)
	if err != nil {
		return nil, err
	}
	return &LevelEngine{db: db, path: path}, nil
}

func (e *LevelEngine) Get(key []byte) ([]byte, error) {
	val, err := e.db.Get(key, nil)
	if err == leveldb.ErrNotFound {
		return nil, nil
	}
	return val, err
}

func (e *LevelEngine) Put(key, val []byte) error {
	return e.db.Put(key, val, nil)
}

func (e *LevelEngine) Delete(key []byte) error {
	return e.db.Delete(key, nil)
}

func (e *LevelEngine) Scan(start, end []byte) Iterator {
	return &levelIter{it: e.db.NewIterator(scanRange(start, end), nil)}
}

func (e *LevelEngine) Batch() Batch {
	return &levelBatch{b: new(leveldb.Batch), db: e.db}
}

func (e *LevelEngine) Snapshot() (Snapshot, error) {
	snap, err := e.db.GetSnapshot()
	if err != nil {
		return nil, err
	}
	return &levelSnapshot{snap: snap}, nil
}

func (e *LevelEngine) SizeOf(ranges []Range) (int64, error) {
	rs := make([]util.Range, len(ranges))
	for i, r := range ranges {
		rs[i] = util.Range{Start: r.Start, Limit: r.End}
	}
	sizes, err := e.db.SizeOf(rs)
	if err != nil {
		return 0, err
	}
	res := int64(0)
	for _, size := range sizes {
		res += size
	}
	return res, nil
}

// Sync flushes by issuing one synchronous write of a marker key.
func (e *LevelEngine) Sync() error {
	return e.db.Put([]byte{0x01, 0x01}, nil, syncOpt)
}

func (e *LevelEngine) Close() error {
	return e.db.Close()
}

func (e *LevelEngine) Destroy() error {
	return utils.DeleteDir(e.path)
}

func (e *LevelEngine) FileSize() int64 {
	size, err := utils.SizeOfDir(e.path)
	if err != nil {
		return 0
	}
	return size
}

func scanRange(start, end []byte) *util.Range {
	r := &util.Range{Start: start}
	if len(end) != 0 {
		r.Limit = end
	}
	return r
}

type levelBatch struct {
	db *leveldb.DB
	b  *leveldb.Batch
}

func (batch *levelBatch) Put(key, val []byte) {
	batch.b.Put(key, val)
}

func (batch *levelBatch) Delete(key []byte) {
	batch.b.Delete(key)
}

func (batch *levelBatch) Len() int {
	return batch.b.Len()
}

func (batch *levelBatch) Execute() error {
	return batch.db.Write(batch.b, nil)
}

func (batch *levelBatch) ExecuteSync() error {
	return batch.db.Write(batch.b, syncOpt)
}

type levelSnapshot struct {
	snap *leveldb.Snapshot
}

func (s *levelSnapshot) Get(key []byte) ([]byte, error) {
	val, err := s.snap.Get(key, nil)
	if err == leveldb.ErrNotFound {
		return nil, nil
	}
	return val, err
}

func (s *levelSnapshot) Scan(start, end []byte) Iterator {
	return &levelIter{it: s.snap.NewIterator(scanRange(start, end), nil)}
}

func (s *levelSnapshot) Release() {
	s.snap.Release()
}

type levelIter struct {
	it      iterator.Iterator
	started bool
}

func (i *levelIter) Valid() bool {
	if !i.started {
		i.started = true
		return i.it.First()
	}
	return i.it.Valid()
}

func (i *levelIter) Next() {
	i.it.Next()
}

func (i *levelIter) Key() []byte {
	return i.it.Key()
}

func (i *levelIter) Value() []byte {
	return i.it.Value()
}

func (i *levelIter) Error() error {
	return i.it.Error()
}

func (i *levelIter) Close() {
	i.it.Release()
}
