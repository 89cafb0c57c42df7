package node

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	gometrics "github.com/rcrowley/go-metrics"

	"github.com/stormgbs/tikv/internal/mvcc"
	"github.com/stormgbs/tikv/internal/netw"
	"github.com/stormgbs/tikv/internal/raft"
	"github.com/stormgbs/tikv/internal/replica"
	"github.com/stormgbs/tikv/internal/storage"
	"github.com/stormgbs/tikv/pkg/common"
	"github.com/stormgbs/tikv/pkg/common/utils"
)

func (n *Node) StartRPCServer() error {
	name := fmt.Sprintf("Node-%d", n.Id)
	rpcServ := netw.MakeRpcxServer(name, n.Addr())
	if err := rpcServ.Register(name, n); err != nil {
		return err
	}
	n.rpcServ = rpcServ
	go func() {
		if err := rpcServ.Start(); err != nil {
			n.logger.Errorf("%v", err)
		}
	}()

	return nil
}

func timeRPC(api string, start time.Time) {
	gometrics.GetOrRegisterTimer("rpc."+api, nil).UpdateSince(start)
}

// fillHints completes a reply so the client can fix its routing cache:
// the last known leader on ErrNotLeader, our descriptor on ErrStaleEpoch.
func (n *Node) fillHints(shardID uint64, reply *common.BaseReply) {
	reply.NodeID = n.Id
	switch reply.Err {
	case common.ErrNotLeader:
		reply.Leader = n.rt.LeaderHint(shardID)
	case common.ErrStaleEpoch:
		if meta, ok := n.rt.ShardMeta(shardID); ok {
			reply.Current = *meta
		}
	}
}

// readIndex establishes a linearizable read point: ask the leader for a
// grant, wait until the shard applied up to it, then recheck the epoch in
// case a split or merge landed while waiting.
func (n *Node) readIndex(shardID uint64, epoch common.Epoch) common.Err {
	c, err := n.rt.Read(shardID, epoch)
	if err != common.OK {
		return err
	}
	grant := <-c
	if grant.Err != common.OK {
		return grant.Err
	}
	if !n.rt.WaitApplied(shardID, grant.Index) {
		return common.ErrNodeClosed
	}
	meta, ok := n.rt.ShardMeta(shardID)
	if !ok {
		return common.ErrShardNotFound
	}
	if epoch.OlderThan(meta.Epoch) {
		return common.ErrStaleEpoch
	}
	return common.OK
}

// propose replicates one command and waits for its apply result.
func (n *Node) propose(shardID uint64, epoch common.Epoch, cmdType uint8, body []byte) (*replica.ExecResult, common.Err) {
	c, err := n.rt.Propose(shardID, epoch, cmdType, body)
	if err != common.OK {
		return nil, err
	}
	res := <-c
	return res, res.Err
}

func (n *Node) finishWrite(shardID uint64, res *replica.ExecResult, err common.Err, reply *common.BaseReply) {
	reply.Err = err
	n.fillHints(shardID, reply)
	if res != nil && err == common.ErrStaleEpoch {
		reply.Current = res.Shard
	}
}

/* Transactional API */

func (n *Node) Get(ctx context.Context, args *common.GetArgs, reply *common.GetReply) error {
	defer timeRPC("get", time.Now())
	if n.Killed() {
		return errors.New(string(common.ErrNodeClosed))
	}
	if reply.Err = n.readIndex(args.ShardID, args.Epoch); reply.Err != common.OK {
		n.fillHints(args.ShardID, &reply.BaseReply)
		return nil
	}
	val, lock, err := mvcc.Get(n.engine, args.Key, args.Version)
	switch {
	case err != nil:
		reply.Err = common.ErrStorageIO
	case lock != nil:
		reply.Err = common.ErrKeyIsLocked
		reply.Lock = *lock
	case val == nil:
		reply.Err = common.OK
		reply.NotFound = true
	default:
		reply.Err = common.OK
		reply.Value = val
	}
	n.fillHints(args.ShardID, &reply.BaseReply)
	return nil
}

func (n *Node) Scan(ctx context.Context, args *common.ScanArgs, reply *common.ScanReply) error {
	defer timeRPC("scan", time.Now())
	if n.Killed() {
		return errors.New(string(common.ErrNodeClosed))
	}
	if reply.Err = n.readIndex(args.ShardID, args.Epoch); reply.Err != common.OK {
		n.fillHints(args.ShardID, &reply.BaseReply)
		return nil
	}
	meta, ok := n.rt.ShardMeta(args.ShardID)
	if !ok {
		reply.Err = common.ErrShardNotFound
		n.fillHints(args.ShardID, &reply.BaseReply)
		return nil
	}
	// Clamp to the shard so a scan never leaks keys another shard owns now.
	start, end := args.Start, args.End
	if bytes.Compare(start, meta.StartKey) < 0 {
		start = meta.StartKey
	}
	if len(meta.EndKey) != 0 && (len(end) == 0 || bytes.Compare(end, meta.EndKey) > 0) {
		end = meta.EndKey
	}
	limit := args.Limit
	if limit <= 0 {
		limit = 4096
	}
	pairs, lock, err := mvcc.Scan(n.engine, start, end, args.Version, limit)
	switch {
	case err != nil:
		reply.Err = common.ErrStorageIO
	case lock != nil:
		reply.Err = common.ErrKeyIsLocked
		reply.Lock = *lock
	default:
		reply.Err = common.OK
		reply.Pairs = pairs
	}
	n.fillHints(args.ShardID, &reply.BaseReply)
	return nil
}

func (n *Node) Prewrite(ctx context.Context, args *common.PrewriteArgs, reply *common.PrewriteReply) error {
	defer timeRPC("prewrite", time.Now())
	if n.Killed() {
		return errors.New(string(common.ErrNodeClosed))
	}
	res, err := n.propose(args.ShardID, args.Epoch, common.CmdTypePrewrite, utils.MsgpEncode(args))
	n.finishWrite(args.ShardID, res, err, &reply.BaseReply)
	if res != nil && res.Lock != nil {
		reply.Lock = *res.Lock
	}
	return nil
}

func (n *Node) Commit(ctx context.Context, args *common.CommitArgs, reply *common.CommitReply) error {
	defer timeRPC("commit", time.Now())
	if n.Killed() {
		return errors.New(string(common.ErrNodeClosed))
	}
	res, err := n.propose(args.ShardID, args.Epoch, common.CmdTypeCommit, utils.MsgpEncode(args))
	n.finishWrite(args.ShardID, res, err, &reply.BaseReply)
	return nil
}

func (n *Node) Rollback(ctx context.Context, args *common.RollbackArgs, reply *common.RollbackReply) error {
	defer timeRPC("rollback", time.Now())
	if n.Killed() {
		return errors.New(string(common.ErrNodeClosed))
	}
	res, err := n.propose(args.ShardID, args.Epoch, common.CmdTypeRollback, utils.MsgpEncode(args))
	n.finishWrite(args.ShardID, res, err, &reply.BaseReply)
	return nil
}

func (n *Node) ResolveLock(ctx context.Context, args *common.ResolveLockArgs, reply *common.ResolveLockReply) error {
	defer timeRPC("resolve_lock", time.Now())
	if n.Killed() {
		return errors.New(string(common.ErrNodeClosed))
	}
	res, err := n.propose(args.ShardID, args.Epoch, common.CmdTypeResolveLock, utils.MsgpEncode(args))
	n.finishWrite(args.ShardID, res, err, &reply.BaseReply)
	return nil
}

/* Raw API */

func (n *Node) RawGet(ctx context.Context, args *common.RawGetArgs, reply *common.RawGetReply) error {
	defer timeRPC("raw_get", time.Now())
	if n.Killed() {
		return errors.New(string(common.ErrNodeClosed))
	}
	if reply.Err = n.readIndex(args.ShardID, args.Epoch); reply.Err != common.OK {
		n.fillHints(args.ShardID, &reply.BaseReply)
		return nil
	}
	val, err := n.engine.Get(storage.RawKey(args.Key))
	switch {
	case err != nil:
		reply.Err = common.ErrStorageIO
	case val == nil:
		reply.Err = common.OK
		reply.NotFound = true
	default:
		reply.Err = common.OK
		reply.Value = val
	}
	n.fillHints(args.ShardID, &reply.BaseReply)
	return nil
}

func (n *Node) RawPut(ctx context.Context, args *common.RawPutArgs, reply *common.RawReply) error {
	defer timeRPC("raw_put", time.Now())
	if n.Killed() {
		return errors.New(string(common.ErrNodeClosed))
	}
	res, err := n.propose(args.ShardID, args.Epoch, common.CmdTypeRawPut, utils.MsgpEncode(args))
	n.finishWrite(args.ShardID, res, err, &reply.BaseReply)
	return nil
}

func (n *Node) RawDelete(ctx context.Context, args *common.RawDeleteArgs, reply *common.RawReply) error {
	defer timeRPC("raw_delete", time.Now())
	if n.Killed() {
		return errors.New(string(common.ErrNodeClosed))
	}
	res, err := n.propose(args.ShardID, args.Epoch, common.CmdTypeRawDelete, utils.MsgpEncode(args))
	n.finishWrite(args.ShardID, res, err, &reply.BaseReply)
	return nil
}

// WhichShard answers with the hosted shard covering a key, if any. Clients
// probe nodes with it to seed and repair their routing caches.
func (n *Node) WhichShard(ctx context.Context, args *common.WhichShardArgs, reply *common.WhichShardReply) error {
	if n.Killed() {
		return errors.New(string(common.ErrNodeClosed))
	}
	reply.NodeID = n.Id
	shardID, ok := n.rt.ShardForKey(args.Key)
	if !ok {
		reply.Err = common.ErrShardNotFound
		return nil
	}
	meta, ok := n.rt.ShardMeta(shardID)
	if !ok {
		reply.Err = common.ErrShardNotFound
		return nil
	}
	reply.Err = common.OK
	reply.Shard = *meta
	reply.Leader = n.rt.LeaderHint(shardID)
	return nil
}

/* Peer-to-peer API */

func (n *Node) RaftMessage(ctx context.Context, args *netw.RaftMessageArgs, reply *netw.RaftMessageReply) error {
	if n.Killed() {
		return errors.New(string(common.ErrNodeClosed))
	}
	reply.Err = n.rt.DeliverRaftMessage(args)
	return nil
}

func (n *Node) SnapshotChunk(ctx context.Context, args *netw.SnapshotChunkArgs, reply *netw.SnapshotChunkReply) error {
	if n.Killed() {
		return errors.New(string(common.ErrNodeClosed))
	}
	reply.Err = n.rt.ReceiveSnapshotChunk(args)
	return nil
}

/* Placement command plumbing */

func (n *Node) proposeConfChange(shardID uint64, t raft.ConfChangeType, peer common.PeerMeta) common.Err {
	meta, ok := n.rt.ShardMeta(shardID)
	if !ok {
		return common.ErrShardNotFound
	}
	if t == raft.ConfAddNode && peer.Role == common.RoleLearner {
		t = raft.ConfAddLearner
	}
	cc := raft.ConfChange{
		Changes: []raft.ConfChangeSingle{{Type: t, NodeID: peer.ID}},
		Context: utils.MsgpEncode(&replica.ConfChangeContext{Epoch: meta.Epoch, Peer: peer}),
	}
	c, err := n.rt.ProposeConfChange(shardID, cc)
	if err != common.OK {
		return err
	}
	res := <-c
	return res.Err
}

func (n *Node) proposeSplit(cmd common.PlacementCommand) common.Err {
	meta, ok := n.rt.ShardMeta(cmd.ShardID)
	if !ok {
		return common.ErrShardNotFound
	}
	body := utils.MsgpEncode(&replica.SplitCmd{
		Epoch:      meta.Epoch,
		SplitKey:   cmd.SplitKey,
		NewShardID: cmd.NewShardID,
		NewPeerIDs: cmd.NewPeerIDs,
	})
	_, err := n.propose(cmd.ShardID, meta.Epoch, common.CmdTypeSplit, body)
	return err
}

// proposeMerge drives the two-step merge: fence the source shard, then have
// the adjacent target absorb the fenced range. A failed absorption lifts the
// fence so the source keeps serving.
func (n *Node) proposeMerge(cmd common.PlacementCommand) common.Err {
	srcMeta, ok := n.rt.ShardMeta(cmd.ShardID)
	if !ok {
		return common.ErrShardNotFound
	}
	tgtMeta, ok := n.rt.ShardMeta(cmd.NewShardID)
	if !ok {
		return common.ErrShardNotFound
	}
	if !srcMeta.AdjacentTo(tgtMeta) && !tgtMeta.AdjacentTo(srcMeta) {
		return common.ErrFailed
	}

	fence := utils.MsgpEncode(&replica.PrepareMergeCmd{Epoch: srcMeta.Epoch, TargetID: cmd.NewShardID})
	res, err := n.propose(cmd.ShardID, srcMeta.Epoch, common.CmdTypePrepareMerge, fence)
	if err != common.OK {
		return err
	}
	// res.Shard is the source descriptor as of the fence; the target needs it
	// to verify adjacency and compute the merged epoch.
	source := res.Shard

	body := utils.MsgpEncode(&replica.CommitMergeCmd{Epoch: tgtMeta.Epoch, Source: source})
	if _, err := n.propose(cmd.NewShardID, tgtMeta.Epoch, common.CmdTypeCommitMerge, body); err != common.OK {
		rb := utils.MsgpEncode(&replica.RollbackMergeCmd{Epoch: source.Epoch})
		if _, rberr := n.propose(cmd.ShardID, source.Epoch, common.CmdTypeRollbackMerge, rb); rberr != common.OK {
			n.logger.Errorf("merge rollback on shard %d: %s", cmd.ShardID, rberr)
		}
		return err
	}
	return common.OK
}

func (n *Node) createNodeEnd(nodeId uint64) {
	info := n.nodeInfos[nodeId]
	n.nodeEnds[nodeId] = netw.MakeRPCEnd(fmt.Sprintf("Node-%d", nodeId), info.Addr)
}

func (n *Node) getOrCreateNodeEnd(nodeId uint64) *netw.ClientEnd {
	n.mu.RLock()
	if end, ok := n.nodeEnds[nodeId]; ok {
		n.mu.RUnlock()
		return end
	}
	n.mu.RUnlock()

	n.mu.Lock()
	defer n.mu.Unlock()
	if end, ok := n.nodeEnds[nodeId]; ok {
		return end
	}
	info, ok := n.nodeInfos[nodeId]
	if !ok {
		return nil
	}
	end := netw.MakeRPCEnd(fmt.Sprintf("Node-%d", nodeId), info.Addr)
	n.nodeEnds[nodeId] = end
	return end
}
