package raft

import (
	"errors"
	"sync"
)

var (
	// ErrCompacted is returned when the requested entries are no longer kept
	// in the log because a snapshot superseded them.
	ErrCompacted = errors.New("requested index is unavailable due to compaction")
	// ErrUnavailable is returned for indexes past the end of the log.
	ErrUnavailable = errors.New("requested entry at index is unavailable")
	// ErrSnapshotTemporarilyUnavailable lets the storage refuse to produce a
	// snapshot right now; the leader will retry.
	ErrSnapshotTemporarilyUnavailable = errors.New("snapshot is temporarily unavailable")
)

// Storage is the stable log a raft group reads from. Writes flow the other
// way: the caller persists Ready.Entries and Ready.HardState itself before
// calling Advance, so Storage needs no mutating methods here.
type Storage interface {
	InitialState() (HardState, ConfState, error)
	// Entries returns the range [lo, hi).
	Entries(lo, hi uint64) ([]Entry, error)
	Term(i uint64) (uint64, error)
	FirstIndex() (uint64, error)
	LastIndex() (uint64, error)
	// Snapshot returns the metadata of the most recent snapshot, against
	// which Term/Entries of compacted indexes resolve.
	Snapshot() (SnapshotMeta, error)
}

// MemoryStorage keeps the log in a slice; ents[0] is a dummy holding the
// term/index of the last compacted entry.
type MemoryStorage struct {
	sync.Mutex
	hardState HardState
	snapshot  SnapshotMeta
	ents      []Entry
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{ents: make([]Entry, 1)}
}

func (ms *MemoryStorage) InitialState() (HardState, ConfState, error) {
	ms.Lock()
	defer ms.Unlock()
	return ms.hardState, ms.snapshot.ConfState, nil
}

func (ms *MemoryStorage) SetHardState(hs HardState) {
	ms.Lock()
	defer ms.Unlock()
	ms.hardState = hs
}

func (ms *MemoryStorage) Entries(lo, hi uint64) ([]Entry, error) {
	ms.Lock()
	defer ms.Unlock()
	offset := ms.ents[0].Index
	if lo <= offset {
		return nil, ErrCompacted
	}
	if hi > ms.lastIndex()+1 {
		return nil, ErrUnavailable
	}
	if len(ms.ents) == 1 {
		return nil, ErrUnavailable
	}
	ents := ms.ents[lo-offset : hi-offset]
	return append([]Entry(nil), ents...), nil
}

func (ms *MemoryStorage) Term(i uint64) (uint64, error) {
	ms.Lock()
	defer ms.Unlock()
	offset := ms.ents[0].Index
	if i < offset {
		return 0, ErrCompacted
	}
	if int(i-offset) >= len(ms.ents) {
		return 0, ErrUnavailable
	}
	return ms.ents[i-offset].Term, nil
}

func (ms *MemoryStorage) FirstIndex() (uint64, error) {
	ms.Lock()
	defer ms.Unlock()
	return ms.ents[0].Index + 1, nil
}

func (ms *MemoryStorage) LastIndex() (uint64, error) {
	ms.Lock()
	defer ms.Unlock()
	return ms.lastIndex(), nil
}

func (ms *MemoryStorage) lastIndex() uint64 {
	return ms.ents[0].Index + uint64(len(ms.ents)) - 1
}

func (ms *MemoryStorage) Snapshot() (SnapshotMeta, error) {
	ms.Lock()
	defer ms.Unlock()
	return ms.snapshot, nil
}

// Append adds entries, truncating any conflicting suffix already stored.
func (ms *MemoryStorage) Append(entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}
	ms.Lock()
	defer ms.Unlock()

	first := ms.ents[0].Index + 1
	last := entries[0].Index + uint64(len(entries)) - 1
	if last < first {
		return nil
	}
	if first > entries[0].Index {
		entries = entries[first-entries[0].Index:]
	}
	offset := entries[0].Index - ms.ents[0].Index
	switch {
	case uint64(len(ms.ents)) > offset:
		ms.ents = append([]Entry(nil), ms.ents[:offset]...)
		ms.ents = append(ms.ents, entries...)
	case uint64(len(ms.ents)) == offset:
		ms.ents = append(ms.ents, entries...)
	default:
		return ErrUnavailable
	}
	return nil
}

// ApplySnapshot resets the log to start after the snapshot.
func (ms *MemoryStorage) ApplySnapshot(snap SnapshotMeta) error {
	ms.Lock()
	defer ms.Unlock()
	if snap.Index <= ms.snapshot.Index {
		return ErrCompacted
	}
	ms.snapshot = snap
	ms.ents = []Entry{{Index: snap.Index, Term: snap.Term}}
	return nil
}

// Compact drops entries up to and including compactIndex.
func (ms *MemoryStorage) Compact(compactIndex uint64) error {
	ms.Lock()
	defer ms.Unlock()
	offset := ms.ents[0].Index
	if compactIndex <= offset {
		return ErrCompacted
	}
	if compactIndex > ms.lastIndex() {
		return ErrUnavailable
	}
	i := compactIndex - offset
	ents := make([]Entry, 1, uint64(len(ms.ents))-i)
	ents[0] = Entry{Index: ms.ents[i].Index, Term: ms.ents[i].Term}
	ents = append(ents, ms.ents[i+1:]...)
	ms.ents = ents
	return nil
}

// CreateSnapshot records snapshot metadata at index i without compacting.
func (ms *MemoryStorage) CreateSnapshot(i uint64, cs ConfState, name string) (SnapshotMeta, error) {
	ms.Lock()
	defer ms.Unlock()
	if i <= ms.snapshot.Index {
		return SnapshotMeta{}, ErrCompacted
	}
	offset := ms.ents[0].Index
	if i > ms.lastIndex() {
		return SnapshotMeta{}, ErrUnavailable
	}
	ms.snapshot = SnapshotMeta{Index: i, Term: ms.ents[i-offset].Term, ConfState: cs, Name: name}
	return ms.snapshot, nil
}
