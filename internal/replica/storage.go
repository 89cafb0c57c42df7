package replica

import (
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/stormgbs/tikv/internal/raft"
	"github.com/stormgbs/tikv/internal/snapshot"
	"github.com/stormgbs/tikv/internal/storage"
	"github.com/stormgbs/tikv/pkg/common"
	"github.com/stormgbs/tikv/pkg/common/utils"
)

type snapGenState int

const (
	snapNone snapGenState = iota
	snapGenerating
	snapReady
)

// PeerStorage backs one shard's raft group with the node-wide engine: log
// entries, hard state and apply state live under the shard's local-key
// namespace, user data under the data namespace shared by every shard.
type PeerStorage struct {
	engine storage.Engine
	snaps  *snapshot.Manager

	shardID uint64

	mu    sync.RWMutex
	local RaftLocalState
	apply ApplyState
	shard *common.ShardMeta
	merge *MergeState

	snapState snapGenState
	snapTask  bool
	snapMeta  raft.SnapshotMeta

	logger *logrus.Logger
}

// BootstrapShard writes the initial on-disk state of a brand new shard: its
// descriptor plus log/apply state anchored at the init index. Idempotent per
// shard id.
//
// An uninitialized peer (placeholder descriptor, epoch zero) instead gets a
// fully empty log, behind the leader's truncation point. The leader then has
// no way to append to it and must send a snapshot, which is the only path
// that installs the real descriptor.
func BootstrapShard(engine storage.Engine, meta *common.ShardMeta) error {
	batch := engine.Batch()
	batch.Put(storage.ShardMetaKey(meta.ID), utils.MsgpEncode(meta))
	var local RaftLocalState
	var apply ApplyState
	if meta.Epoch.Ver > 0 {
		local = RaftLocalState{LastIndex: InitLogIndex, LastTerm: InitLogTerm}
		apply = ApplyState{
			AppliedIndex:   InitLogIndex,
			AppliedTerm:    InitLogTerm,
			TruncatedIndex: InitLogIndex,
			TruncatedTerm:  InitLogTerm,
		}
	}
	batch.Put(storage.HardStateKey(meta.ID), utils.MsgpEncode(&local))
	batch.Put(storage.ApplyStateKey(meta.ID), utils.MsgpEncode(&apply))
	return batch.ExecuteSync()
}

// OpenPeerStorage loads the persisted state of a bootstrapped shard.
func OpenPeerStorage(engine storage.Engine, snaps *snapshot.Manager, shardID uint64, logger *logrus.Logger) (*PeerStorage, error) {
	ps := &PeerStorage{
		engine:  engine,
		snaps:   snaps,
		shardID: shardID,
		logger:  logger,
	}
	val, err := engine.Get(storage.ShardMetaKey(shardID))
	if err != nil {
		return nil, err
	}
	if val == nil {
		return nil, common.ErrShardNotFound.AsError()
	}
	ps.shard = &common.ShardMeta{}
	utils.MsgpDecode(val, ps.shard)

	if val, err = engine.Get(storage.HardStateKey(shardID)); err != nil {
		return nil, err
	}
	if val != nil {
		utils.MsgpDecode(val, &ps.local)
	}
	if val, err = engine.Get(storage.ApplyStateKey(shardID)); err != nil {
		return nil, err
	}
	if val != nil {
		utils.MsgpDecode(val, &ps.apply)
	}
	if val, err = engine.Get(storage.MergeStateKey(shardID)); err != nil {
		return nil, err
	}
	if val != nil {
		ps.merge = &MergeState{}
		utils.MsgpDecode(val, ps.merge)
	}
	return ps, nil
}

func (ps *PeerStorage) ShardMeta() *common.ShardMeta {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	return ps.shard.Clone()
}

func (ps *PeerStorage) SetShardMeta(meta *common.ShardMeta) {
	ps.mu.Lock()
	ps.shard = meta.Clone()
	ps.mu.Unlock()
}

func (ps *PeerStorage) ApplyState() ApplyState {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	return ps.apply
}

func (ps *PeerStorage) SetApplyState(st ApplyState) {
	ps.mu.Lock()
	ps.apply = st
	ps.mu.Unlock()
}

func (ps *PeerStorage) MergeState() *MergeState {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	return ps.merge
}

func (ps *PeerStorage) SetMergeState(ms *MergeState) {
	ps.mu.Lock()
	ps.merge = ms
	ps.mu.Unlock()
}

// raft.Storage

func (ps *PeerStorage) InitialState() (raft.HardState, raft.ConfState, error) {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	return ps.local.Hard, confStateFromShard(ps.shard), nil
}

func (ps *PeerStorage) Entries(lo, hi uint64) ([]raft.Entry, error) {
	ps.mu.RLock()
	truncated := ps.apply.TruncatedIndex
	last := ps.local.LastIndex
	ps.mu.RUnlock()

	if lo <= truncated {
		return nil, raft.ErrCompacted
	}
	if hi > last+1 {
		return nil, raft.ErrUnavailable
	}
	ents := make([]raft.Entry, 0, hi-lo)
	it := ps.engine.Scan(storage.RaftLogKey(ps.shardID, lo), storage.RaftLogKey(ps.shardID, hi))
	defer it.Close()
	next := lo
	for ; it.Valid(); it.Next() {
		var e raft.Entry
		utils.MsgpDecode(it.Value(), &e)
		if e.Index != next {
			// A hole means the tail was truncated by a concurrent compaction.
			return nil, raft.ErrUnavailable
		}
		ents = append(ents, e)
		next++
	}
	if err := it.Error(); err != nil {
		return nil, err
	}
	if next != hi {
		return nil, raft.ErrUnavailable
	}
	return ents, nil
}

func (ps *PeerStorage) Term(i uint64) (uint64, error) {
	ps.mu.RLock()
	truncated, truncatedTerm := ps.apply.TruncatedIndex, ps.apply.TruncatedTerm
	last, lastTerm := ps.local.LastIndex, ps.local.LastTerm
	ps.mu.RUnlock()

	if i < truncated {
		return 0, raft.ErrCompacted
	}
	if i == truncated {
		return truncatedTerm, nil
	}
	if i > last {
		return 0, raft.ErrUnavailable
	}
	if i == last {
		return lastTerm, nil
	}
	val, err := ps.engine.Get(storage.RaftLogKey(ps.shardID, i))
	if err != nil {
		return 0, err
	}
	if val == nil {
		return 0, raft.ErrUnavailable
	}
	var e raft.Entry
	utils.MsgpDecode(val, &e)
	return e.Term, nil
}

func (ps *PeerStorage) FirstIndex() (uint64, error) {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	return ps.apply.TruncatedIndex + 1, nil
}

func (ps *PeerStorage) LastIndex() (uint64, error) {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	return ps.local.LastIndex, nil
}

// Snapshot never blocks the raft worker: the first call kicks off async
// generation on the snapshot pool and reports temporarily-unavailable until
// the image lands.
func (ps *PeerStorage) Snapshot() (raft.SnapshotMeta, error) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	switch ps.snapState {
	case snapReady:
		meta := ps.snapMeta
		ps.snapState = snapNone
		if meta.Index < ps.apply.TruncatedIndex {
			// Generated image predates a later compaction; start over.
			break
		}
		return meta, nil
	case snapGenerating:
		return raft.SnapshotMeta{}, raft.ErrSnapshotTemporarilyUnavailable
	}
	ps.snapState = snapGenerating
	ps.snapTask = true
	return raft.SnapshotMeta{}, raft.ErrSnapshotTemporarilyUnavailable
}

// TakeSnapshotTask is polled by the router after each scheduling round; true
// means a generation task must be submitted to the snapshot pool.
func (ps *PeerStorage) TakeSnapshotTask() bool {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	if ps.snapTask {
		ps.snapTask = false
		return true
	}
	return false
}

// GenerateSnapshot builds the shard's image from a consistent engine view.
// Runs on the snapshot pool.
func (ps *PeerStorage) GenerateSnapshot() error {
	ps.mu.RLock()
	meta := raft.SnapshotMeta{
		Index:     ps.apply.AppliedIndex,
		Term:      ps.apply.AppliedTerm,
		ConfState: confStateFromShard(ps.shard),
	}
	shard := ps.shard.Clone()
	ps.mu.RUnlock()

	view, err := ps.engine.Snapshot()
	if err != nil {
		ps.failSnapshot()
		return err
	}
	defer view.Release()
	name, err := ps.snaps.Build(shard, meta, view)
	if err != nil {
		ps.failSnapshot()
		return err
	}
	meta.Name = name

	ps.mu.Lock()
	ps.snapState = snapReady
	ps.snapMeta = meta
	ps.mu.Unlock()
	return nil
}

func (ps *PeerStorage) failSnapshot() {
	ps.mu.Lock()
	ps.snapState = snapNone
	ps.mu.Unlock()
}

// SaveReady persists new log entries and the hard state with one fsynced
// batch; this must complete before any message from the same Ready is sent.
func (ps *PeerStorage) SaveReady(rd *raft.Ready) error {
	if len(rd.Entries) == 0 && rd.HardState.IsEmpty() {
		return nil
	}
	ps.mu.Lock()
	defer ps.mu.Unlock()

	batch := ps.engine.Batch()
	if len(rd.Entries) > 0 {
		for i := range rd.Entries {
			e := rd.Entries[i]
			batch.Put(storage.RaftLogKey(ps.shardID, e.Index), utils.MsgpEncode(&e))
		}
		newLast := rd.Entries[len(rd.Entries)-1]
		// A divergent tail from a deposed leader is overwritten above and any
		// leftover beyond it removed.
		for i := newLast.Index + 1; i <= ps.local.LastIndex; i++ {
			batch.Delete(storage.RaftLogKey(ps.shardID, i))
		}
		ps.local.LastIndex = newLast.Index
		ps.local.LastTerm = newLast.Term
	}
	if !rd.HardState.IsEmpty() {
		ps.local.Hard = rd.HardState
	}
	batch.Put(storage.HardStateKey(ps.shardID), utils.MsgpEncode(&ps.local))
	return batch.ExecuteSync()
}

// RestoreSnapshot replaces the shard's data with a received image: the old
// data ranges are cleared, the image ingested, and log/apply state reset to
// the image's position.
func (ps *PeerStorage) RestoreSnapshot(meta raft.SnapshotMeta) error {
	manifest, err := ps.snaps.Manifest(meta.Name)
	if err != nil {
		return err
	}

	// An uninitialized peer (created on first contact, epoch zero) has a
	// placeholder descriptor with no range of its own; there is nothing of
	// its to clear.
	old := ps.ShardMeta()
	if old.Epoch.Ver > 0 {
		if err := clearDataRanges(ps.engine, old); err != nil {
			return err
		}
	}
	if err := ps.snaps.Apply(meta.Name, ps.engine); err != nil {
		return err
	}

	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.shard = manifest.Shard.Clone()
	ps.apply = ApplyState{
		AppliedIndex:   meta.Index,
		AppliedTerm:    meta.Term,
		TruncatedIndex: meta.Index,
		TruncatedTerm:  meta.Term,
	}

	batch := ps.engine.Batch()
	for i := ps.apply.TruncatedIndex; i <= ps.local.LastIndex; i++ {
		batch.Delete(storage.RaftLogKey(ps.shardID, i))
	}
	ps.local.LastIndex = meta.Index
	ps.local.LastTerm = meta.Term
	batch.Put(storage.HardStateKey(ps.shardID), utils.MsgpEncode(&ps.local))
	batch.Put(storage.ApplyStateKey(ps.shardID), utils.MsgpEncode(&ps.apply))
	batch.Put(storage.ShardMetaKey(ps.shardID), utils.MsgpEncode(ps.shard))
	if err := batch.ExecuteSync(); err != nil {
		return err
	}
	ps.snaps.Delete(meta.Name)
	ps.logger.Infof("shard %d restored snapshot %s at index %d", ps.shardID, meta.Name, meta.Index)
	return nil
}

// CompactTo drops log entries at and below index. Called from the apply
// pipeline when a compact-log command executes.
func (ps *PeerStorage) CompactTo(index, term uint64) error {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	if index <= ps.apply.TruncatedIndex {
		return nil
	}
	batch := ps.engine.Batch()
	for i := ps.apply.TruncatedIndex + 1; i <= index; i++ {
		batch.Delete(storage.RaftLogKey(ps.shardID, i))
	}
	ps.apply.TruncatedIndex = index
	ps.apply.TruncatedTerm = term
	batch.Put(storage.ApplyStateKey(ps.shardID), utils.MsgpEncode(&ps.apply))
	return batch.Execute()
}

// ApproximateSize estimates the shard's on-disk data footprint.
func (ps *PeerStorage) ApproximateSize() int64 {
	meta := ps.ShardMeta()
	var ranges []storage.Range
	for _, cf := range []byte{storage.DefaultCF, storage.WriteCF, storage.LockCF, storage.RawCF} {
		ranges = append(ranges, storage.DataRange(cf, meta.StartKey, meta.EndKey))
	}
	size, err := ps.engine.SizeOf(ranges)
	if err != nil {
		return 0
	}
	return size
}

func clearDataRanges(engine storage.Engine, meta *common.ShardMeta) error {
	for _, cf := range []byte{storage.DefaultCF, storage.WriteCF, storage.LockCF, storage.RawCF} {
		low, high := storage.CFRange(cf, meta.StartKey, meta.EndKey)
		batch := engine.Batch()
		it := engine.Scan(low, high)
		for ; it.Valid(); it.Next() {
			batch.Delete(append([]byte(nil), it.Key()...))
			if batch.Len() >= 4096 {
				if err := batch.Execute(); err != nil {
					it.Close()
					return err
				}
				batch = engine.Batch()
			}
		}
		err := it.Error()
		it.Close()
		if err != nil {
			return err
		}
		if batch.Len() > 0 {
			if err := batch.Execute(); err != nil {
				return err
			}
		}
	}
	return nil
}

// DestroyShardState removes every local key of a shard after the router has
// stopped its peer. Data keys are left to the owner of the range (the merge
// target, or nobody after a remove-peer).
func DestroyShardState(engine storage.Engine, shardID uint64, clearData bool) error {
	val, err := engine.Get(storage.ShardMetaKey(shardID))
	if err != nil {
		return err
	}
	var meta common.ShardMeta
	if val != nil {
		utils.MsgpDecode(val, &meta)
	}

	batch := engine.Batch()
	it := engine.Scan(storage.RaftLogPrefix(shardID), storage.HardStateKey(shardID))
	for ; it.Valid(); it.Next() {
		batch.Delete(append([]byte(nil), it.Key()...))
	}
	err = it.Error()
	it.Close()
	if err != nil {
		return err
	}
	batch.Delete(storage.HardStateKey(shardID))
	batch.Delete(storage.ApplyStateKey(shardID))
	batch.Delete(storage.ShardMetaKey(shardID))
	batch.Delete(storage.MergeStateKey(shardID))
	if err := batch.ExecuteSync(); err != nil {
		return err
	}
	if clearData && val != nil {
		return clearDataRanges(engine, &meta)
	}
	return nil
}
