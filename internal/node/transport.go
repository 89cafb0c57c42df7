package node

import (
	"fmt"

	"github.com/stormgbs/tikv/internal/netw"
	"github.com/stormgbs/tikv/pkg/common"
)

// nodeTransport carries raft traffic between nodes over the same rpcx ends
// the heartbeat loop maintains. Raft messages are fire and forget; snapshot
// images stream chunk by chunk and every chunk must be acknowledged.
type nodeTransport struct {
	n *Node
}

func (t *nodeTransport) Send(args *netw.RaftMessageArgs) {
	end := t.n.getOrCreateNodeEnd(args.ToPeer.NodeID)
	if end == nil {
		t.n.logger.Debugf("no address for node %d yet, dropping raft message", args.ToPeer.NodeID)
		return
	}
	var reply netw.RaftMessageReply
	end.Call(netw.ApiRaftMessage, args, &reply)
}

func (t *nodeTransport) SendSnapshot(to common.PeerMeta, shardID uint64, name string) error {
	end := t.n.getOrCreateNodeEnd(to.NodeID)
	if end == nil {
		return fmt.Errorf("no address for node %d", to.NodeID)
	}
	man, err := t.n.snaps.Manifest(name)
	if err != nil {
		return err
	}
	var offset uint64
	for {
		data, last, crc, err := t.n.snaps.ReadChunk(name, offset)
		if err != nil {
			return err
		}
		args := &netw.SnapshotChunkArgs{
			ShardID: shardID,
			ToPeer:  to,
			Name:    name,
			Offset:  offset,
			Data:    data,
			Last:    last,
			Crc:     crc,
			Meta:    man.Raft,
			Shard:   man.Shard,
		}
		var reply netw.SnapshotChunkReply
		if ok := end.Call(netw.ApiSnapshotChunk, args, &reply); !ok {
			return fmt.Errorf("snapshot chunk %s@%d to node %d failed", name, offset, to.NodeID)
		}
		if reply.Err != common.OK {
			return fmt.Errorf("snapshot chunk %s@%d rejected: %s", name, offset, reply.Err)
		}
		if last {
			return nil
		}
		offset += uint64(len(data))
	}
}
