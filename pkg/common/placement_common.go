package common

//
// Wire types of the placement collaborator. The core only reports status and
// obeys commands; it never decides global placement itself.
//

//go:generate msgp

type ShardHeartbeat struct {
	Meta            ShardMeta
	PeerID          uint64
	IsLeader        bool
	AppliedIndex    uint64
	ApproximateSize int64
	Unhealthy       bool
}

type NodeHeartbeatArgs struct {
	NodeID   uint64
	Addr     string
	Capacity int64
	Shards   []ShardHeartbeat
}

type PlacementCmdKind int

const (
	CmdTransferLeader PlacementCmdKind = iota
	CmdAddPeer
	CmdRemovePeer
	CmdSplit
	CmdMerge
)

func (k PlacementCmdKind) String() string {
	switch k {
	case CmdTransferLeader:
		return "TransferLeader"
	case CmdAddPeer:
		return "AddPeer"
	case CmdRemovePeer:
		return "RemovePeer"
	case CmdSplit:
		return "Split"
	case CmdMerge:
		return "Merge"
	}
	return ""
}

// PlacementCommand is one directive for a hosted shard. For AddPeer and
// TransferLeader, Peer names the target; for Split, SplitKey and NewShardID
// (plus one fresh peer id per replica) seed the new right-hand shard. For
// Merge, ShardID names the source to fence and NewShardID the adjacent
// shard that absorbs its range.
type PlacementCommand struct {
	Kind       PlacementCmdKind
	ShardID    uint64
	Peer       PeerMeta
	SplitKey   []byte
	NewShardID uint64
	NewPeerIDs []uint64
}

type NodeHeartbeatReply struct {
	Err       Err
	Commands  []PlacementCommand
	SafePoint uint64
	Nodes     []NodeInfo
}
