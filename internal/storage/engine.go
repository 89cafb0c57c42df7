package storage

// Engine is the node-wide key/value store. One engine instance holds every
// shard hosted by the process; shards are kept apart by key prefixes (see
// keys.go), never by separate databases. Get returns (nil, nil) for an
// absent key.
type Engine interface {
	Get(key []byte) ([]byte, error)
	Put(key, val []byte) error
	Delete(key []byte) error

	// Scan iterates [start, end) in ascending key order. An empty end means
	// no upper bound.
	Scan(start, end []byte) Iterator

	// Batch returns an empty write batch bound to this engine. Execute
	// applies it atomically.
	Batch() Batch

	// Snapshot pins a consistent read-only view.
	Snapshot() (Snapshot, error)

	// SizeOf estimates the on-disk size of the given ranges.
	SizeOf(ranges []Range) (int64, error)

	// Sync forces everything written so far to stable storage.
	Sync() error

	Close() error
}

type Batch interface {
	Put(key, val []byte)
	Delete(key []byte)
	Len() int
	Execute() error
	// ExecuteSync is Execute plus fsync before returning.
	ExecuteSync() error
}

type Snapshot interface {
	Get(key []byte) ([]byte, error)
	Scan(start, end []byte) Iterator
	Release()
}

// Iterator walks keys in ascending order. Key and Value are only valid until
// the next call to Next; callers that retain them must copy.
type Iterator interface {
	Valid() bool
	Next()
	Key() []byte
	Value() []byte
	Error() error
	Close()
}

type Range struct {
	Start []byte
	End   []byte
}

// ListShards scans the descriptor namespace and returns every shard id
// bootstrapped on the engine. Merge-state records share the namespace and
// are skipped.
func ListShards(engine Engine) ([]uint64, error) {
	var ids []uint64
	it := engine.Scan(ShardMetaMinKey(), ShardMetaMaxKey())
	defer it.Close()
	for ; it.Valid(); it.Next() {
		id, err := ShardMetaID(it.Key())
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	if err := it.Error(); err != nil {
		return nil, err
	}
	return ids, nil
}
