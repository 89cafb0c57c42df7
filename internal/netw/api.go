package netw

import (
	"github.com/Allen1211/msgp/msgp"

	"github.com/stormgbs/tikv/internal/raft"
	"github.com/stormgbs/tikv/pkg/common"
)

//go:generate msgp

const (
	// Peer-to-peer.
	ApiRaftMessage   = "RaftMessage"
	ApiSnapshotChunk = "SnapshotChunk"

	// Client-facing.
	ApiGet         = "Get"
	ApiScan        = "Scan"
	ApiPrewrite    = "Prewrite"
	ApiCommit      = "Commit"
	ApiRollback    = "Rollback"
	ApiResolveLock = "ResolveLock"
	ApiRawGet      = "RawGet"
	ApiRawPut      = "RawPut"
	ApiRawDelete   = "RawDelete"
	ApiWhichShard  = "WhichShard"

	// Placement service.
	ApiNodeHeartbeat = "NodeHeartbeat"
)

// RaftMessageArgs is the envelope around one raft message on the wire. The
// shard id routes it, the epoch lets a receiver drop messages from a peer
// whose view of the shard is stale, and FromPeer lets the receiver create
// the target peer on first contact.
type RaftMessageArgs struct {
	ShardID  uint64
	FromPeer common.PeerMeta
	ToPeer   common.PeerMeta
	Epoch    common.Epoch
	Message  raft.Message
}

type RaftMessageReply struct {
	Err common.Err
}

// SnapshotChunkArgs streams one piece of a snapshot image out of band from
// the raft log. Last marks the final chunk; the receiver verifies the whole
// image's checksum before handing it to the peer.
type SnapshotChunkArgs struct {
	ShardID uint64
	ToPeer  common.PeerMeta
	Name    string
	Offset  uint64
	Data    []byte
	Last    bool
	Crc     uint32
	Meta    raft.SnapshotMeta
	Shard   common.ShardMeta
}

type SnapshotChunkReply struct {
	Err common.Err
}

func (z *RaftMessageArgs) EncodeMsg(en *msgp.Writer) (err error) {
	if err = en.WriteArrayHeader(5); err != nil {
		return
	}
	if err = en.WriteUint64(z.ShardID); err != nil {
		return
	}
	if err = z.FromPeer.EncodeMsg(en); err != nil {
		return
	}
	if err = z.ToPeer.EncodeMsg(en); err != nil {
		return
	}
	if err = z.Epoch.EncodeMsg(en); err != nil {
		return
	}
	return z.Message.EncodeMsg(en)
}

func (z *RaftMessageArgs) DecodeMsg(dc *msgp.Reader) (err error) {
	if _, err = dc.ReadArrayHeader(); err != nil {
		return
	}
	if z.ShardID, err = dc.ReadUint64(); err != nil {
		return
	}
	if err = z.FromPeer.DecodeMsg(dc); err != nil {
		return
	}
	if err = z.ToPeer.DecodeMsg(dc); err != nil {
		return
	}
	if err = z.Epoch.DecodeMsg(dc); err != nil {
		return
	}
	return z.Message.DecodeMsg(dc)
}

func (z *RaftMessageReply) EncodeMsg(en *msgp.Writer) (err error) {
	if err = en.WriteArrayHeader(1); err != nil {
		return
	}
	return en.WriteString(string(z.Err))
}

func (z *RaftMessageReply) DecodeMsg(dc *msgp.Reader) (err error) {
	if _, err = dc.ReadArrayHeader(); err != nil {
		return
	}
	var e string
	if e, err = dc.ReadString(); err != nil {
		return
	}
	z.Err = common.Err(e)
	return
}

func (z *SnapshotChunkArgs) EncodeMsg(en *msgp.Writer) (err error) {
	if err = en.WriteArrayHeader(9); err != nil {
		return
	}
	if err = en.WriteUint64(z.ShardID); err != nil {
		return
	}
	if err = z.ToPeer.EncodeMsg(en); err != nil {
		return
	}
	if err = en.WriteString(z.Name); err != nil {
		return
	}
	if err = en.WriteUint64(z.Offset); err != nil {
		return
	}
	if err = en.WriteBytes(z.Data); err != nil {
		return
	}
	if err = en.WriteBool(z.Last); err != nil {
		return
	}
	if err = en.WriteUint32(z.Crc); err != nil {
		return
	}
	if err = z.Meta.EncodeMsg(en); err != nil {
		return
	}
	return z.Shard.EncodeMsg(en)
}

func (z *SnapshotChunkArgs) DecodeMsg(dc *msgp.Reader) (err error) {
	if _, err = dc.ReadArrayHeader(); err != nil {
		return
	}
	if z.ShardID, err = dc.ReadUint64(); err != nil {
		return
	}
	if err = z.ToPeer.DecodeMsg(dc); err != nil {
		return
	}
	if z.Name, err = dc.ReadString(); err != nil {
		return
	}
	if z.Offset, err = dc.ReadUint64(); err != nil {
		return
	}
	if z.Data, err = dc.ReadBytes(nil); err != nil {
		return
	}
	if z.Last, err = dc.ReadBool(); err != nil {
		return
	}
	if z.Crc, err = dc.ReadUint32(); err != nil {
		return
	}
	if err = z.Meta.DecodeMsg(dc); err != nil {
		return
	}
	return z.Shard.DecodeMsg(dc)
}

func (z *SnapshotChunkReply) EncodeMsg(en *msgp.Writer) (err error) {
	if err = en.WriteArrayHeader(1); err != nil {
		return
	}
	return en.WriteString(string(z.Err))
}

func (z *SnapshotChunkReply) DecodeMsg(dc *msgp.Reader) (err error) {
	if _, err = dc.ReadArrayHeader(); err != nil {
		return
	}
	var e string
	if e, err = dc.ReadString(); err != nil {
		return
	}
	z.Err = common.Err(e)
	return
}
