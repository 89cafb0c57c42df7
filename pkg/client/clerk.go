package client

import (
	"bytes"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/stormgbs/tikv/internal/netw"
	"github.com/stormgbs/tikv/pkg/common"
)

const (
	maxTries      = 30
	retryInterval = 50 * time.Millisecond
)

// routedArgs is any request addressed to a shard at an epoch.
type routedArgs interface {
	SetRoute(shardID uint64, epoch common.Epoch)
}

// routedReply is any reply carrying the shared routing fields.
type routedReply interface {
	Base() *common.BaseReply
}

// Clerk routes requests by key against a local cache of shard descriptors.
// The cache is repaired from reply hints: a NotLeader reply names the
// leader, a StaleEpoch reply carries the current descriptor, and anything
// the cache cannot answer is re-discovered by probing the nodes.
type Clerk struct {
	mu      sync.RWMutex
	nodes   map[uint64]string
	ends    map[uint64]*netw.ClientEnd
	shards  []*common.ShardMeta
	leaders map[uint64]uint64

	rr     uint32
	lastTS uint64
}

func MakeClerk(nodes []common.NodeInfo) *Clerk {
	ck := &Clerk{
		nodes:   map[uint64]string{},
		ends:    map[uint64]*netw.ClientEnd{},
		leaders: map[uint64]uint64{},
	}
	for _, n := range nodes {
		ck.nodes[n.ID] = n.Addr
	}
	return ck
}

// TS returns a strictly increasing timestamp. Good enough for a single
// client; a shared timestamp oracle is the collaborator's job.
func (ck *Clerk) TS() uint64 {
	for {
		last := atomic.LoadUint64(&ck.lastTS)
		now := uint64(time.Now().UnixNano())
		if now <= last {
			now = last + 1
		}
		if atomic.CompareAndSwapUint64(&ck.lastTS, last, now) {
			return now
		}
	}
}

func (ck *Clerk) end(nodeID uint64) *netw.ClientEnd {
	ck.mu.RLock()
	if end, ok := ck.ends[nodeID]; ok {
		ck.mu.RUnlock()
		return end
	}
	addr, ok := ck.nodes[nodeID]
	ck.mu.RUnlock()
	if !ok {
		return nil
	}
	ck.mu.Lock()
	defer ck.mu.Unlock()
	if end, ok := ck.ends[nodeID]; ok {
		return end
	}
	end := netw.MakeRPCEnd(fmt.Sprintf("Node-%d", nodeID), addr)
	ck.ends[nodeID] = end
	return end
}

func (ck *Clerk) locate(key []byte) (*common.ShardMeta, bool) {
	ck.mu.RLock()
	defer ck.mu.RUnlock()
	i := sort.Search(len(ck.shards), func(i int) bool {
		return bytes.Compare(ck.shards[i].StartKey, key) > 0
	})
	if i == 0 {
		return nil, false
	}
	m := ck.shards[i-1]
	if !m.Contains(key) {
		return nil, false
	}
	return m, true
}

// discover probes every known node for the shard covering key.
func (ck *Clerk) discover(key []byte) (*common.ShardMeta, bool) {
	ck.mu.RLock()
	ids := make([]uint64, 0, len(ck.nodes))
	for id := range ck.nodes {
		ids = append(ids, id)
	}
	ck.mu.RUnlock()
	for _, id := range ids {
		end := ck.end(id)
		if end == nil {
			continue
		}
		args := common.WhichShardArgs{Key: key}
		var reply common.WhichShardReply
		if ok := end.Call(netw.ApiWhichShard, &args, &reply); !ok || reply.Err != common.OK {
			continue
		}
		ck.updateShard(&reply.Shard)
		if reply.Leader.NodeID != 0 {
			ck.setLeader(reply.Shard.ID, reply.Leader.NodeID)
		}
		return reply.Shard.Clone(), true
	}
	return nil, false
}

// updateShard installs a descriptor, evicting anything it overlaps or an
// older version of the same shard.
func (ck *Clerk) updateShard(m *common.ShardMeta) {
	ck.mu.Lock()
	defer ck.mu.Unlock()
	kept := ck.shards[:0]
	for _, s := range ck.shards {
		if s.ID == m.ID || overlaps(s, m) {
			continue
		}
		kept = append(kept, s)
	}
	ck.shards = append(kept, m.Clone())
	sort.Slice(ck.shards, func(i, j int) bool {
		return bytes.Compare(ck.shards[i].StartKey, ck.shards[j].StartKey) < 0
	})
}

func overlaps(a, b *common.ShardMeta) bool {
	if len(a.EndKey) != 0 && bytes.Compare(a.EndKey, b.StartKey) <= 0 {
		return false
	}
	if len(b.EndKey) != 0 && bytes.Compare(b.EndKey, a.StartKey) <= 0 {
		return false
	}
	return true
}

func (ck *Clerk) dropShard(id uint64) {
	ck.mu.Lock()
	defer ck.mu.Unlock()
	kept := ck.shards[:0]
	for _, s := range ck.shards {
		if s.ID != id {
			kept = append(kept, s)
		}
	}
	ck.shards = kept
	delete(ck.leaders, id)
}

func (ck *Clerk) setLeader(shardID, nodeID uint64) {
	ck.mu.Lock()
	ck.leaders[shardID] = nodeID
	ck.mu.Unlock()
}

func (ck *Clerk) invalidateLeader(shardID uint64) {
	ck.mu.Lock()
	delete(ck.leaders, shardID)
	ck.mu.Unlock()
}

// pickNode is the leader if known, otherwise a rotating guess over the
// shard's peers.
func (ck *Clerk) pickNode(m *common.ShardMeta) uint64 {
	ck.mu.RLock()
	if id, ok := ck.leaders[m.ID]; ok {
		ck.mu.RUnlock()
		return id
	}
	ck.mu.RUnlock()
	if len(m.Peers) == 0 {
		return 0
	}
	i := atomic.AddUint32(&ck.rr, 1)
	return m.Peers[int(i)%len(m.Peers)].NodeID
}

// callShard drives one shard-addressed request to a definitive answer,
// repairing the routing cache along the way. Errors the caller must handle
// (locks, conflicts, IO) are returned as-is.
func (ck *Clerk) callShard(key []byte, api string, args routedArgs, reply routedReply) common.Err {
	for try := 0; try < maxTries; try++ {
		meta, ok := ck.locate(key)
		if !ok {
			if meta, ok = ck.discover(key); !ok {
				time.Sleep(retryInterval)
				continue
			}
		}
		args.SetRoute(meta.ID, meta.Epoch)
		nodeID := ck.pickNode(meta)
		end := ck.end(nodeID)
		if end == nil {
			ck.invalidateLeader(meta.ID)
			time.Sleep(retryInterval)
			continue
		}
		if !end.Call(api, args, reply) {
			ck.invalidateLeader(meta.ID)
			time.Sleep(retryInterval)
			continue
		}
		base := reply.Base()
		switch base.Err {
		case common.ErrNotLeader:
			if base.Leader.NodeID != 0 {
				ck.setLeader(meta.ID, base.Leader.NodeID)
			} else {
				ck.invalidateLeader(meta.ID)
				time.Sleep(retryInterval)
			}
		case common.ErrStaleEpoch:
			if base.Current.ID != 0 {
				ck.updateShard(&base.Current)
			} else {
				ck.dropShard(meta.ID)
			}
		case common.ErrShardNotFound, common.ErrNodeClosed, common.ErrFailed:
			ck.dropShard(meta.ID)
			time.Sleep(retryInterval)
		case common.ErrServerBusy, common.ErrProposalDropped:
			time.Sleep(retryInterval)
		default:
			return base.Err
		}
	}
	return common.ErrFailed
}

/* Point API */

func (ck *Clerk) Get(key []byte, ts uint64) ([]byte, bool, *common.LockInfo, common.Err) {
	args := common.GetArgs{Key: key, Version: ts}
	var reply common.GetReply
	err := ck.callShard(key, netw.ApiGet, &args, &reply)
	if err == common.ErrKeyIsLocked {
		return nil, false, &reply.Lock, err
	}
	if err != common.OK {
		return nil, false, nil, err
	}
	return reply.Value, !reply.NotFound, nil, common.OK
}

// Scan walks [start, end) across shard boundaries, shard by shard, up to
// limit pairs.
func (ck *Clerk) Scan(start, end []byte, ts uint64, limit int) ([]common.KVPair, *common.LockInfo, common.Err) {
	if limit <= 0 {
		limit = 4096
	}
	var pairs []common.KVPair
	cursor := start
	for len(pairs) < limit {
		args := common.ScanArgs{Start: cursor, End: end, Limit: limit - len(pairs), Version: ts}
		var reply common.ScanReply
		err := ck.callShard(cursor, netw.ApiScan, &args, &reply)
		if err == common.ErrKeyIsLocked {
			return pairs, &reply.Lock, err
		}
		if err != common.OK {
			return pairs, nil, err
		}
		pairs = append(pairs, reply.Pairs...)
		meta, ok := ck.locate(cursor)
		if !ok || len(meta.EndKey) == 0 {
			break
		}
		if len(end) != 0 && bytes.Compare(meta.EndKey, end) >= 0 {
			break
		}
		cursor = meta.EndKey
	}
	return pairs, nil, common.OK
}

/* Raw API */

func (ck *Clerk) RawGet(key []byte) ([]byte, bool, common.Err) {
	args := common.RawGetArgs{Key: key}
	var reply common.RawGetReply
	err := ck.callShard(key, netw.ApiRawGet, &args, &reply)
	if err != common.OK {
		return nil, false, err
	}
	return reply.Value, !reply.NotFound, common.OK
}

func (ck *Clerk) RawPut(key, val []byte) common.Err {
	args := common.RawPutArgs{Key: key, Value: val}
	var reply common.RawReply
	return ck.callShard(key, netw.ApiRawPut, &args, &reply)
}

func (ck *Clerk) RawDelete(key []byte) common.Err {
	args := common.RawDeleteArgs{Key: key}
	var reply common.RawReply
	return ck.callShard(key, netw.ApiRawDelete, &args, &reply)
}

/* Transactional API */

// Prewrite locks and stages mutations, grouped by owning shard. Primary
// must be one of the mutated keys.
func (ck *Clerk) Prewrite(muts []common.Mutation, primary []byte, startTS uint64) (*common.LockInfo, common.Err) {
	for _, group := range ck.groupMutations(muts) {
		args := common.PrewriteArgs{Mutations: group, Primary: primary, StartVersion: startTS}
		var reply common.PrewriteReply
		err := ck.callShard(group[0].Key, netw.ApiPrewrite, &args, &reply)
		if err == common.ErrKeyIsLocked {
			return &reply.Lock, err
		}
		if err != common.OK {
			return nil, err
		}
	}
	return nil, common.OK
}

// Commit makes a prewritten transaction visible. Keys must include the
// primary first; the transaction is durable once the primary's shard
// commits.
func (ck *Clerk) Commit(keys [][]byte, startTS, commitTS uint64) common.Err {
	for _, group := range ck.groupKeys(keys) {
		args := common.CommitArgs{Keys: group, StartVersion: startTS, CommitVersion: commitTS}
		var reply common.CommitReply
		if err := ck.callShard(group[0], netw.ApiCommit, &args, &reply); err != common.OK {
			return err
		}
	}
	return common.OK
}

func (ck *Clerk) Rollback(keys [][]byte, startTS uint64) common.Err {
	for _, group := range ck.groupKeys(keys) {
		args := common.RollbackArgs{Keys: group, StartVersion: startTS}
		var reply common.RollbackReply
		if err := ck.callShard(group[0], netw.ApiRollback, &args, &reply); err != common.OK {
			return err
		}
	}
	return common.OK
}

// ResolveLock clears every lock of transaction startTS on the shard owning
// key: forward to commitTS when nonzero, back otherwise.
func (ck *Clerk) ResolveLock(key []byte, startTS, commitTS uint64) common.Err {
	args := common.ResolveLockArgs{StartVersion: startTS, CommitVersion: commitTS}
	var reply common.ResolveLockReply
	return ck.callShard(key, netw.ApiResolveLock, &args, &reply)
}

// groupMutations buckets mutations by the shard currently owning each key.
// Grouping is best effort; a boundary moving between grouping and sending
// just surfaces as StaleEpoch and retries.
func (ck *Clerk) groupMutations(muts []common.Mutation) [][]common.Mutation {
	var groups [][]common.Mutation
	index := map[uint64]int{}
	for _, mut := range muts {
		id := ck.shardIDFor(mut.Key)
		gi, ok := index[id]
		if !ok {
			gi = len(groups)
			index[id] = gi
			groups = append(groups, nil)
		}
		groups[gi] = append(groups[gi], mut)
	}
	return groups
}

func (ck *Clerk) groupKeys(keys [][]byte) [][][]byte {
	var groups [][][]byte
	index := map[uint64]int{}
	for _, key := range keys {
		id := ck.shardIDFor(key)
		gi, ok := index[id]
		if !ok {
			gi = len(groups)
			index[id] = gi
			groups = append(groups, nil)
		}
		groups[gi] = append(groups[gi], key)
	}
	return groups
}

func (ck *Clerk) shardIDFor(key []byte) uint64 {
	if m, ok := ck.locate(key); ok {
		return m.ID
	}
	if m, ok := ck.discover(key); ok {
		return m.ID
	}
	return 0
}
