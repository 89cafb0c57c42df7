package common

import (
	"github.com/Allen1211/msgp/msgp"
)

// Hand-maintained tuple codecs for every type that crosses the wire or is
// embedded in a replicated command. Tuple layout (array header + fields in
// declaration order) keeps the encoding compact and the codecs mechanical;
// any field added to a struct must be added to both methods here.

func (z Epoch) EncodeMsg(en *msgp.Writer) (err error) {
	if err = en.WriteArrayHeader(2); err != nil {
		return
	}
	if err = en.WriteUint64(z.ConfVer); err != nil {
		return
	}
	return en.WriteUint64(z.Ver)
}

func (z *Epoch) DecodeMsg(dc *msgp.Reader) (err error) {
	if _, err = dc.ReadArrayHeader(); err != nil {
		return
	}
	if z.ConfVer, err = dc.ReadUint64(); err != nil {
		return
	}
	z.Ver, err = dc.ReadUint64()
	return
}

func (z PeerMeta) EncodeMsg(en *msgp.Writer) (err error) {
	if err = en.WriteArrayHeader(3); err != nil {
		return
	}
	if err = en.WriteUint64(z.ID); err != nil {
		return
	}
	if err = en.WriteUint64(z.NodeID); err != nil {
		return
	}
	return en.WriteInt(int(z.Role))
}

func (z *PeerMeta) DecodeMsg(dc *msgp.Reader) (err error) {
	if _, err = dc.ReadArrayHeader(); err != nil {
		return
	}
	if z.ID, err = dc.ReadUint64(); err != nil {
		return
	}
	if z.NodeID, err = dc.ReadUint64(); err != nil {
		return
	}
	var role int
	if role, err = dc.ReadInt(); err != nil {
		return
	}
	z.Role = PeerRole(role)
	return
}

func (z *ShardMeta) EncodeMsg(en *msgp.Writer) (err error) {
	if err = en.WriteArrayHeader(5); err != nil {
		return
	}
	if err = en.WriteUint64(z.ID); err != nil {
		return
	}
	if err = en.WriteBytes(z.StartKey); err != nil {
		return
	}
	if err = en.WriteBytes(z.EndKey); err != nil {
		return
	}
	if err = z.Epoch.EncodeMsg(en); err != nil {
		return
	}
	if err = en.WriteArrayHeader(uint32(len(z.Peers))); err != nil {
		return
	}
	for i := range z.Peers {
		if err = z.Peers[i].EncodeMsg(en); err != nil {
			return
		}
	}
	return
}

func (z *ShardMeta) DecodeMsg(dc *msgp.Reader) (err error) {
	if _, err = dc.ReadArrayHeader(); err != nil {
		return
	}
	if z.ID, err = dc.ReadUint64(); err != nil {
		return
	}
	if z.StartKey, err = dc.ReadBytes(nil); err != nil {
		return
	}
	if z.EndKey, err = dc.ReadBytes(nil); err != nil {
		return
	}
	if err = z.Epoch.DecodeMsg(dc); err != nil {
		return
	}
	var n uint32
	if n, err = dc.ReadArrayHeader(); err != nil {
		return
	}
	z.Peers = make([]PeerMeta, n)
	for i := range z.Peers {
		if err = z.Peers[i].DecodeMsg(dc); err != nil {
			return
		}
	}
	return
}

func (z *KVPair) EncodeMsg(en *msgp.Writer) (err error) {
	if err = en.WriteArrayHeader(2); err != nil {
		return
	}
	if err = en.WriteBytes(z.Key); err != nil {
		return
	}
	return en.WriteBytes(z.Value)
}

func (z *KVPair) DecodeMsg(dc *msgp.Reader) (err error) {
	if _, err = dc.ReadArrayHeader(); err != nil {
		return
	}
	if z.Key, err = dc.ReadBytes(nil); err != nil {
		return
	}
	z.Value, err = dc.ReadBytes(nil)
	return
}

func (z *LockInfo) EncodeMsg(en *msgp.Writer) (err error) {
	if err = en.WriteArrayHeader(4); err != nil {
		return
	}
	if err = en.WriteBytes(z.Key); err != nil {
		return
	}
	if err = en.WriteBytes(z.Primary); err != nil {
		return
	}
	if err = en.WriteUint64(z.StartTS); err != nil {
		return
	}
	return en.WriteInt(int(z.Kind))
}

func (z *LockInfo) DecodeMsg(dc *msgp.Reader) (err error) {
	if _, err = dc.ReadArrayHeader(); err != nil {
		return
	}
	if z.Key, err = dc.ReadBytes(nil); err != nil {
		return
	}
	if z.Primary, err = dc.ReadBytes(nil); err != nil {
		return
	}
	if z.StartTS, err = dc.ReadUint64(); err != nil {
		return
	}
	var kind int
	if kind, err = dc.ReadInt(); err != nil {
		return
	}
	z.Kind = LockKind(kind)
	return
}

func (z *Mutation) EncodeMsg(en *msgp.Writer) (err error) {
	if err = en.WriteArrayHeader(3); err != nil {
		return
	}
	if err = en.WriteInt(int(z.Op)); err != nil {
		return
	}
	if err = en.WriteBytes(z.Key); err != nil {
		return
	}
	return en.WriteBytes(z.Value)
}

func (z *Mutation) DecodeMsg(dc *msgp.Reader) (err error) {
	if _, err = dc.ReadArrayHeader(); err != nil {
		return
	}
	var op int
	if op, err = dc.ReadInt(); err != nil {
		return
	}
	z.Op = MutationOp(op)
	if z.Key, err = dc.ReadBytes(nil); err != nil {
		return
	}
	z.Value, err = dc.ReadBytes(nil)
	return
}

func (z *NodeInfo) EncodeMsg(en *msgp.Writer) (err error) {
	if err = en.WriteArrayHeader(2); err != nil {
		return
	}
	if err = en.WriteUint64(z.ID); err != nil {
		return
	}
	return en.WriteString(z.Addr)
}

func (z *NodeInfo) DecodeMsg(dc *msgp.Reader) (err error) {
	if _, err = dc.ReadArrayHeader(); err != nil {
		return
	}
	if z.ID, err = dc.ReadUint64(); err != nil {
		return
	}
	z.Addr, err = dc.ReadString()
	return
}

func (z *BaseArgs) EncodeMsg(en *msgp.Writer) (err error) {
	if err = en.WriteArrayHeader(2); err != nil {
		return
	}
	if err = en.WriteUint64(z.ShardID); err != nil {
		return
	}
	return z.Epoch.EncodeMsg(en)
}

func (z *BaseArgs) DecodeMsg(dc *msgp.Reader) (err error) {
	if _, err = dc.ReadArrayHeader(); err != nil {
		return
	}
	if z.ShardID, err = dc.ReadUint64(); err != nil {
		return
	}
	return z.Epoch.DecodeMsg(dc)
}

func (z *BaseReply) EncodeMsg(en *msgp.Writer) (err error) {
	if err = en.WriteArrayHeader(4); err != nil {
		return
	}
	if err = en.WriteString(string(z.Err)); err != nil {
		return
	}
	if err = en.WriteUint64(z.NodeID); err != nil {
		return
	}
	if err = z.Leader.EncodeMsg(en); err != nil {
		return
	}
	return z.Current.EncodeMsg(en)
}

func (z *BaseReply) DecodeMsg(dc *msgp.Reader) (err error) {
	if _, err = dc.ReadArrayHeader(); err != nil {
		return
	}
	var e string
	if e, err = dc.ReadString(); err != nil {
		return
	}
	z.Err = Err(e)
	if z.NodeID, err = dc.ReadUint64(); err != nil {
		return
	}
	if err = z.Leader.DecodeMsg(dc); err != nil {
		return
	}
	return z.Current.DecodeMsg(dc)
}

func (z *GetArgs) EncodeMsg(en *msgp.Writer) (err error) {
	if err = en.WriteArrayHeader(3); err != nil {
		return
	}
	if err = z.BaseArgs.EncodeMsg(en); err != nil {
		return
	}
	if err = en.WriteBytes(z.Key); err != nil {
		return
	}
	return en.WriteUint64(z.Version)
}

func (z *GetArgs) DecodeMsg(dc *msgp.Reader) (err error) {
	if _, err = dc.ReadArrayHeader(); err != nil {
		return
	}
	if err = z.BaseArgs.DecodeMsg(dc); err != nil {
		return
	}
	if z.Key, err = dc.ReadBytes(nil); err != nil {
		return
	}
	z.Version, err = dc.ReadUint64()
	return
}

func (z *GetReply) EncodeMsg(en *msgp.Writer) (err error) {
	if err = en.WriteArrayHeader(4); err != nil {
		return
	}
	if err = z.BaseReply.EncodeMsg(en); err != nil {
		return
	}
	if err = en.WriteBytes(z.Value); err != nil {
		return
	}
	if err = en.WriteBool(z.NotFound); err != nil {
		return
	}
	return z.Lock.EncodeMsg(en)
}

func (z *GetReply) DecodeMsg(dc *msgp.Reader) (err error) {
	if _, err = dc.ReadArrayHeader(); err != nil {
		return
	}
	if err = z.BaseReply.DecodeMsg(dc); err != nil {
		return
	}
	if z.Value, err = dc.ReadBytes(nil); err != nil {
		return
	}
	if z.NotFound, err = dc.ReadBool(); err != nil {
		return
	}
	return z.Lock.DecodeMsg(dc)
}

func (z *ScanArgs) EncodeMsg(en *msgp.Writer) (err error) {
	if err = en.WriteArrayHeader(5); err != nil {
		return
	}
	if err = z.BaseArgs.EncodeMsg(en); err != nil {
		return
	}
	if err = en.WriteBytes(z.Start); err != nil {
		return
	}
	if err = en.WriteBytes(z.End); err != nil {
		return
	}
	if err = en.WriteInt(z.Limit); err != nil {
		return
	}
	return en.WriteUint64(z.Version)
}

func (z *ScanArgs) DecodeMsg(dc *msgp.Reader) (err error) {
	if _, err = dc.ReadArrayHeader(); err != nil {
		return
	}
	if err = z.BaseArgs.DecodeMsg(dc); err != nil {
		return
	}
	if z.Start, err = dc.ReadBytes(nil); err != nil {
		return
	}
	if z.End, err = dc.ReadBytes(nil); err != nil {
		return
	}
	if z.Limit, err = dc.ReadInt(); err != nil {
		return
	}
	z.Version, err = dc.ReadUint64()
	return
}

func (z *ScanReply) EncodeMsg(en *msgp.Writer) (err error) {
	if err = en.WriteArrayHeader(3); err != nil {
		return
	}
	if err = z.BaseReply.EncodeMsg(en); err != nil {
		return
	}
	if err = en.WriteArrayHeader(uint32(len(z.Pairs))); err != nil {
		return
	}
	for i := range z.Pairs {
		if err = z.Pairs[i].EncodeMsg(en); err != nil {
			return
		}
	}
	return z.Lock.EncodeMsg(en)
}

func (z *ScanReply) DecodeMsg(dc *msgp.Reader) (err error) {
	if _, err = dc.ReadArrayHeader(); err != nil {
		return
	}
	if err = z.BaseReply.DecodeMsg(dc); err != nil {
		return
	}
	var n uint32
	if n, err = dc.ReadArrayHeader(); err != nil {
		return
	}
	z.Pairs = make([]KVPair, n)
	for i := range z.Pairs {
		if err = z.Pairs[i].DecodeMsg(dc); err != nil {
			return
		}
	}
	return z.Lock.DecodeMsg(dc)
}

func (z *PrewriteArgs) EncodeMsg(en *msgp.Writer) (err error) {
	if err = en.WriteArrayHeader(4); err != nil {
		return
	}
	if err = z.BaseArgs.EncodeMsg(en); err != nil {
		return
	}
	if err = en.WriteArrayHeader(uint32(len(z.Mutations))); err != nil {
		return
	}
	for i := range z.Mutations {
		if err = z.Mutations[i].EncodeMsg(en); err != nil {
			return
		}
	}
	if err = en.WriteBytes(z.Primary); err != nil {
		return
	}
	return en.WriteUint64(z.StartVersion)
}

func (z *PrewriteArgs) DecodeMsg(dc *msgp.Reader) (err error) {
	if _, err = dc.ReadArrayHeader(); err != nil {
		return
	}
	if err = z.BaseArgs.DecodeMsg(dc); err != nil {
		return
	}
	var n uint32
	if n, err = dc.ReadArrayHeader(); err != nil {
		return
	}
	z.Mutations = make([]Mutation, n)
	for i := range z.Mutations {
		if err = z.Mutations[i].DecodeMsg(dc); err != nil {
			return
		}
	}
	if z.Primary, err = dc.ReadBytes(nil); err != nil {
		return
	}
	z.StartVersion, err = dc.ReadUint64()
	return
}

func (z *PrewriteReply) EncodeMsg(en *msgp.Writer) (err error) {
	if err = en.WriteArrayHeader(2); err != nil {
		return
	}
	if err = z.BaseReply.EncodeMsg(en); err != nil {
		return
	}
	return z.Lock.EncodeMsg(en)
}

func (z *PrewriteReply) DecodeMsg(dc *msgp.Reader) (err error) {
	if _, err = dc.ReadArrayHeader(); err != nil {
		return
	}
	if err = z.BaseReply.DecodeMsg(dc); err != nil {
		return
	}
	return z.Lock.DecodeMsg(dc)
}

func writeKeys(en *msgp.Writer, keys [][]byte) (err error) {
	if err = en.WriteArrayHeader(uint32(len(keys))); err != nil {
		return
	}
	for _, k := range keys {
		if err = en.WriteBytes(k); err != nil {
			return
		}
	}
	return
}

func readKeys(dc *msgp.Reader) (keys [][]byte, err error) {
	var n uint32
	if n, err = dc.ReadArrayHeader(); err != nil {
		return
	}
	keys = make([][]byte, n)
	for i := range keys {
		if keys[i], err = dc.ReadBytes(nil); err != nil {
			return
		}
	}
	return
}

func (z *CommitArgs) EncodeMsg(en *msgp.Writer) (err error) {
	if err = en.WriteArrayHeader(4); err != nil {
		return
	}
	if err = z.BaseArgs.EncodeMsg(en); err != nil {
		return
	}
	if err = writeKeys(en, z.Keys); err != nil {
		return
	}
	if err = en.WriteUint64(z.StartVersion); err != nil {
		return
	}
	return en.WriteUint64(z.CommitVersion)
}

func (z *CommitArgs) DecodeMsg(dc *msgp.Reader) (err error) {
	if _, err = dc.ReadArrayHeader(); err != nil {
		return
	}
	if err = z.BaseArgs.DecodeMsg(dc); err != nil {
		return
	}
	if z.Keys, err = readKeys(dc); err != nil {
		return
	}
	if z.StartVersion, err = dc.ReadUint64(); err != nil {
		return
	}
	z.CommitVersion, err = dc.ReadUint64()
	return
}

func (z *CommitReply) EncodeMsg(en *msgp.Writer) (err error) {
	return z.BaseReply.EncodeMsg(en)
}

func (z *CommitReply) DecodeMsg(dc *msgp.Reader) (err error) {
	return z.BaseReply.DecodeMsg(dc)
}

func (z *RollbackArgs) EncodeMsg(en *msgp.Writer) (err error) {
	if err = en.WriteArrayHeader(3); err != nil {
		return
	}
	if err = z.BaseArgs.EncodeMsg(en); err != nil {
		return
	}
	if err = writeKeys(en, z.Keys); err != nil {
		return
	}
	return en.WriteUint64(z.StartVersion)
}

func (z *RollbackArgs) DecodeMsg(dc *msgp.Reader) (err error) {
	if _, err = dc.ReadArrayHeader(); err != nil {
		return
	}
	if err = z.BaseArgs.DecodeMsg(dc); err != nil {
		return
	}
	if z.Keys, err = readKeys(dc); err != nil {
		return
	}
	z.StartVersion, err = dc.ReadUint64()
	return
}

func (z *RollbackReply) EncodeMsg(en *msgp.Writer) (err error) {
	return z.BaseReply.EncodeMsg(en)
}

func (z *RollbackReply) DecodeMsg(dc *msgp.Reader) (err error) {
	return z.BaseReply.DecodeMsg(dc)
}

func (z *ResolveLockArgs) EncodeMsg(en *msgp.Writer) (err error) {
	if err = en.WriteArrayHeader(3); err != nil {
		return
	}
	if err = z.BaseArgs.EncodeMsg(en); err != nil {
		return
	}
	if err = en.WriteUint64(z.StartVersion); err != nil {
		return
	}
	return en.WriteUint64(z.CommitVersion)
}

func (z *ResolveLockArgs) DecodeMsg(dc *msgp.Reader) (err error) {
	if _, err = dc.ReadArrayHeader(); err != nil {
		return
	}
	if err = z.BaseArgs.DecodeMsg(dc); err != nil {
		return
	}
	if z.StartVersion, err = dc.ReadUint64(); err != nil {
		return
	}
	z.CommitVersion, err = dc.ReadUint64()
	return
}

func (z *ResolveLockReply) EncodeMsg(en *msgp.Writer) (err error) {
	return z.BaseReply.EncodeMsg(en)
}

func (z *ResolveLockReply) DecodeMsg(dc *msgp.Reader) (err error) {
	return z.BaseReply.DecodeMsg(dc)
}

func (z *RawGetArgs) EncodeMsg(en *msgp.Writer) (err error) {
	if err = en.WriteArrayHeader(2); err != nil {
		return
	}
	if err = z.BaseArgs.EncodeMsg(en); err != nil {
		return
	}
	return en.WriteBytes(z.Key)
}

func (z *RawGetArgs) DecodeMsg(dc *msgp.Reader) (err error) {
	if _, err = dc.ReadArrayHeader(); err != nil {
		return
	}
	if err = z.BaseArgs.DecodeMsg(dc); err != nil {
		return
	}
	z.Key, err = dc.ReadBytes(nil)
	return
}

func (z *RawGetReply) EncodeMsg(en *msgp.Writer) (err error) {
	if err = en.WriteArrayHeader(3); err != nil {
		return
	}
	if err = z.BaseReply.EncodeMsg(en); err != nil {
		return
	}
	if err = en.WriteBytes(z.Value); err != nil {
		return
	}
	return en.WriteBool(z.NotFound)
}

func (z *RawGetReply) DecodeMsg(dc *msgp.Reader) (err error) {
	if _, err = dc.ReadArrayHeader(); err != nil {
		return
	}
	if err = z.BaseReply.DecodeMsg(dc); err != nil {
		return
	}
	if z.Value, err = dc.ReadBytes(nil); err != nil {
		return
	}
	z.NotFound, err = dc.ReadBool()
	return
}

func (z *RawPutArgs) EncodeMsg(en *msgp.Writer) (err error) {
	if err = en.WriteArrayHeader(3); err != nil {
		return
	}
	if err = z.BaseArgs.EncodeMsg(en); err != nil {
		return
	}
	if err = en.WriteBytes(z.Key); err != nil {
		return
	}
	return en.WriteBytes(z.Value)
}

func (z *RawPutArgs) DecodeMsg(dc *msgp.Reader) (err error) {
	if _, err = dc.ReadArrayHeader(); err != nil {
		return
	}
	if err = z.BaseArgs.DecodeMsg(dc); err != nil {
		return
	}
	if z.Key, err = dc.ReadBytes(nil); err != nil {
		return
	}
	z.Value, err = dc.ReadBytes(nil)
	return
}

func (z *RawDeleteArgs) EncodeMsg(en *msgp.Writer) (err error) {
	if err = en.WriteArrayHeader(2); err != nil {
		return
	}
	if err = z.BaseArgs.EncodeMsg(en); err != nil {
		return
	}
	return en.WriteBytes(z.Key)
}

func (z *RawDeleteArgs) DecodeMsg(dc *msgp.Reader) (err error) {
	if _, err = dc.ReadArrayHeader(); err != nil {
		return
	}
	if err = z.BaseArgs.DecodeMsg(dc); err != nil {
		return
	}
	z.Key, err = dc.ReadBytes(nil)
	return
}

func (z *RawReply) EncodeMsg(en *msgp.Writer) (err error) {
	return z.BaseReply.EncodeMsg(en)
}

func (z *RawReply) DecodeMsg(dc *msgp.Reader) (err error) {
	return z.BaseReply.DecodeMsg(dc)
}

func (z *ShardHeartbeat) EncodeMsg(en *msgp.Writer) (err error) {
	if err = en.WriteArrayHeader(6); err != nil {
		return
	}
	if err = z.Meta.EncodeMsg(en); err != nil {
		return
	}
	if err = en.WriteUint64(z.PeerID); err != nil {
		return
	}
	if err = en.WriteBool(z.IsLeader); err != nil {
		return
	}
	if err = en.WriteUint64(z.AppliedIndex); err != nil {
		return
	}
	if err = en.WriteInt64(z.ApproximateSize); err != nil {
		return
	}
	return en.WriteBool(z.Unhealthy)
}

func (z *ShardHeartbeat) DecodeMsg(dc *msgp.Reader) (err error) {
	if _, err = dc.ReadArrayHeader(); err != nil {
		return
	}
	if err = z.Meta.DecodeMsg(dc); err != nil {
		return
	}
	if z.PeerID, err = dc.ReadUint64(); err != nil {
		return
	}
	if z.IsLeader, err = dc.ReadBool(); err != nil {
		return
	}
	if z.AppliedIndex, err = dc.ReadUint64(); err != nil {
		return
	}
	if z.ApproximateSize, err = dc.ReadInt64(); err != nil {
		return
	}
	z.Unhealthy, err = dc.ReadBool()
	return
}

func (z *NodeHeartbeatArgs) EncodeMsg(en *msgp.Writer) (err error) {
	if err = en.WriteArrayHeader(4); err != nil {
		return
	}
	if err = en.WriteUint64(z.NodeID); err != nil {
		return
	}
	if err = en.WriteString(z.Addr); err != nil {
		return
	}
	if err = en.WriteInt64(z.Capacity); err != nil {
		return
	}
	if err = en.WriteArrayHeader(uint32(len(z.Shards))); err != nil {
		return
	}
	for i := range z.Shards {
		if err = z.Shards[i].EncodeMsg(en); err != nil {
			return
		}
	}
	return
}

func (z *NodeHeartbeatArgs) DecodeMsg(dc *msgp.Reader) (err error) {
	if _, err = dc.ReadArrayHeader(); err != nil {
		return
	}
	if z.NodeID, err = dc.ReadUint64(); err != nil {
		return
	}
	if z.Addr, err = dc.ReadString(); err != nil {
		return
	}
	if z.Capacity, err = dc.ReadInt64(); err != nil {
		return
	}
	var n uint32
	if n, err = dc.ReadArrayHeader(); err != nil {
		return
	}
	z.Shards = make([]ShardHeartbeat, n)
	for i := range z.Shards {
		if err = z.Shards[i].DecodeMsg(dc); err != nil {
			return
		}
	}
	return
}

func (z *PlacementCommand) EncodeMsg(en *msgp.Writer) (err error) {
	if err = en.WriteArrayHeader(6); err != nil {
		return
	}
	if err = en.WriteInt(int(z.Kind)); err != nil {
		return
	}
	if err = en.WriteUint64(z.ShardID); err != nil {
		return
	}
	if err = z.Peer.EncodeMsg(en); err != nil {
		return
	}
	if err = en.WriteBytes(z.SplitKey); err != nil {
		return
	}
	if err = en.WriteUint64(z.NewShardID); err != nil {
		return
	}
	if err = en.WriteArrayHeader(uint32(len(z.NewPeerIDs))); err != nil {
		return
	}
	for _, id := range z.NewPeerIDs {
		if err = en.WriteUint64(id); err != nil {
			return
		}
	}
	return
}

func (z *PlacementCommand) DecodeMsg(dc *msgp.Reader) (err error) {
	if _, err = dc.ReadArrayHeader(); err != nil {
		return
	}
	var kind int
	if kind, err = dc.ReadInt(); err != nil {
		return
	}
	z.Kind = PlacementCmdKind(kind)
	if z.ShardID, err = dc.ReadUint64(); err != nil {
		return
	}
	if err = z.Peer.DecodeMsg(dc); err != nil {
		return
	}
	if z.SplitKey, err = dc.ReadBytes(nil); err != nil {
		return
	}
	if z.NewShardID, err = dc.ReadUint64(); err != nil {
		return
	}
	var n uint32
	if n, err = dc.ReadArrayHeader(); err != nil {
		return
	}
	z.NewPeerIDs = make([]uint64, n)
	for i := range z.NewPeerIDs {
		if z.NewPeerIDs[i], err = dc.ReadUint64(); err != nil {
			return
		}
	}
	return
}

func (z *NodeHeartbeatReply) EncodeMsg(en *msgp.Writer) (err error) {
	if err = en.WriteArrayHeader(4); err != nil {
		return
	}
	if err = en.WriteString(string(z.Err)); err != nil {
		return
	}
	if err = en.WriteArrayHeader(uint32(len(z.Commands))); err != nil {
		return
	}
	for i := range z.Commands {
		if err = z.Commands[i].EncodeMsg(en); err != nil {
			return
		}
	}
	if err = en.WriteUint64(z.SafePoint); err != nil {
		return
	}
	if err = en.WriteArrayHeader(uint32(len(z.Nodes))); err != nil {
		return
	}
	for i := range z.Nodes {
		if err = z.Nodes[i].EncodeMsg(en); err != nil {
			return
		}
	}
	return
}

func (z *NodeHeartbeatReply) DecodeMsg(dc *msgp.Reader) (err error) {
	if _, err = dc.ReadArrayHeader(); err != nil {
		return
	}
	var e string
	if e, err = dc.ReadString(); err != nil {
		return
	}
	z.Err = Err(e)
	var n uint32
	if n, err = dc.ReadArrayHeader(); err != nil {
		return
	}
	z.Commands = make([]PlacementCommand, n)
	for i := range z.Commands {
		if err = z.Commands[i].DecodeMsg(dc); err != nil {
			return
		}
	}
	if z.SafePoint, err = dc.ReadUint64(); err != nil {
		return
	}
	if n, err = dc.ReadArrayHeader(); err != nil {
		return
	}
	z.Nodes = make([]NodeInfo, n)
	for i := range z.Nodes {
		if err = z.Nodes[i].DecodeMsg(dc); err != nil {
			return
		}
	}
	return
}

func (z *WhichShardArgs) EncodeMsg(en *msgp.Writer) (err error) {
	if err = en.WriteArrayHeader(1); err != nil {
		return
	}
	return en.WriteBytes(z.Key)
}

func (z *WhichShardArgs) DecodeMsg(dc *msgp.Reader) (err error) {
	if _, err = dc.ReadArrayHeader(); err != nil {
		return
	}
	z.Key, err = dc.ReadBytes(nil)
	return
}

func (z *WhichShardReply) EncodeMsg(en *msgp.Writer) (err error) {
	if err = en.WriteArrayHeader(4); err != nil {
		return
	}
	if err = en.WriteString(string(z.Err)); err != nil {
		return
	}
	if err = en.WriteUint64(z.NodeID); err != nil {
		return
	}
	if err = z.Shard.EncodeMsg(en); err != nil {
		return
	}
	return z.Leader.EncodeMsg(en)
}

func (z *WhichShardReply) DecodeMsg(dc *msgp.Reader) (err error) {
	if _, err = dc.ReadArrayHeader(); err != nil {
		return
	}
	var e string
	if e, err = dc.ReadString(); err != nil {
		return
	}
	z.Err = Err(e)
	if z.NodeID, err = dc.ReadUint64(); err != nil {
		return
	}
	if err = z.Shard.DecodeMsg(dc); err != nil {
		return
	}
	return z.Leader.DecodeMsg(dc)
}
