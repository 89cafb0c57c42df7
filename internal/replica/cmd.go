package replica

import (
	"github.com/Allen1211/msgp/msgp"

	"github.com/stormgbs/tikv/internal/raft"
	"github.com/stormgbs/tikv/pkg/common"
)

// Write commands reuse the client wire types as their replicated bodies (the
// embedded BaseArgs carries the epoch the proposer saw, rechecked at apply).
// The admin commands below exist only inside the log.

// SplitCmd halves the shard at SplitKey: the parent keeps [start, split), the
// new shard NewShardID takes [split, end) with NewPeerIDs placed on the same
// nodes as the parent's peers, in order.
type SplitCmd struct {
	Epoch      common.Epoch
	SplitKey   []byte
	NewShardID uint64
	NewPeerIDs []uint64
}

// PrepareMergeCmd fences the source shard: nothing but the merge pair may be
// proposed after it applies.
type PrepareMergeCmd struct {
	Epoch    common.Epoch
	TargetID uint64
}

// CommitMergeCmd applies on the target and absorbs the fenced source's range.
// Source is the descriptor as of the fence, so the target can verify
// adjacency and compute the merged epoch.
type CommitMergeCmd struct {
	Epoch  common.Epoch
	Source common.ShardMeta
}

type RollbackMergeCmd struct {
	Epoch common.Epoch
}

type CompactLogCmd struct {
	Index uint64
	Term  uint64
}

// ConfChangeContext rides inside raft.ConfChange.Context so apply can place
// the affected peer on the right node and recheck the epoch.
type ConfChangeContext struct {
	Epoch common.Epoch
	Peer  common.PeerMeta
}

// ExecResult is the outcome of one applied entry: the reply for a waiting
// proposer plus any side effect the router must act on.
type ExecResult struct {
	Index uint64
	Term  uint64
	Err   common.Err
	Lock  *common.LockInfo
	Shard common.ShardMeta

	// Router-side effects.
	SplitNew   *common.ShardMeta
	ConfChange *raft.ConfChange
	MergedFrom uint64
	Destroyed  bool
}

func (z *SplitCmd) EncodeMsg(en *msgp.Writer) (err error) {
	if err = en.WriteArrayHeader(4); err != nil {
		return
	}
	if err = z.Epoch.EncodeMsg(en); err != nil {
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

func (z *SplitCmd) DecodeMsg(dc *msgp.Reader) (err error) {
	if _, err = dc.ReadArrayHeader(); err != nil {
		return
	}
	if err = z.Epoch.DecodeMsg(dc); err != nil {
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
	if n > 0 {
		z.NewPeerIDs = make([]uint64, n)
		for i := range z.NewPeerIDs {
			if z.NewPeerIDs[i], err = dc.ReadUint64(); err != nil {
				return
			}
		}
	}
	return
}

func (z *PrepareMergeCmd) EncodeMsg(en *msgp.Writer) (err error) {
	if err = en.WriteArrayHeader(2); err != nil {
		return
	}
	if err = z.Epoch.EncodeMsg(en); err != nil {
		return
	}
	return en.WriteUint64(z.TargetID)
}

func (z *PrepareMergeCmd) DecodeMsg(dc *msgp.Reader) (err error) {
	if _, err = dc.ReadArrayHeader(); err != nil {
		return
	}
	if err = z.Epoch.DecodeMsg(dc); err != nil {
		return
	}
	z.TargetID, err = dc.ReadUint64()
	return
}

func (z *CommitMergeCmd) EncodeMsg(en *msgp.Writer) (err error) {
	if err = en.WriteArrayHeader(2); err != nil {
		return
	}
	if err = z.Epoch.EncodeMsg(en); err != nil {
		return
	}
	return z.Source.EncodeMsg(en)
}

func (z *CommitMergeCmd) DecodeMsg(dc *msgp.Reader) (err error) {
	if _, err = dc.ReadArrayHeader(); err != nil {
		return
	}
	if err = z.Epoch.DecodeMsg(dc); err != nil {
		return
	}
	return z.Source.DecodeMsg(dc)
}

func (z *RollbackMergeCmd) EncodeMsg(en *msgp.Writer) (err error) {
	if err = en.WriteArrayHeader(1); err != nil {
		return
	}
	return z.Epoch.EncodeMsg(en)
}

func (z *RollbackMergeCmd) DecodeMsg(dc *msgp.Reader) (err error) {
	if _, err = dc.ReadArrayHeader(); err != nil {
		return
	}
	return z.Epoch.DecodeMsg(dc)
}

func (z *CompactLogCmd) EncodeMsg(en *msgp.Writer) (err error) {
	if err = en.WriteArrayHeader(2); err != nil {
		return
	}
	if err = en.WriteUint64(z.Index); err != nil {
		return
	}
	return en.WriteUint64(z.Term)
}

func (z *CompactLogCmd) DecodeMsg(dc *msgp.Reader) (err error) {
	if _, err = dc.ReadArrayHeader(); err != nil {
		return
	}
	if z.Index, err = dc.ReadUint64(); err != nil {
		return
	}
	z.Term, err = dc.ReadUint64()
	return
}

func (z *ConfChangeContext) EncodeMsg(en *msgp.Writer) (err error) {
	if err = en.WriteArrayHeader(2); err != nil {
		return
	}
	if err = z.Epoch.EncodeMsg(en); err != nil {
		return
	}
	return z.Peer.EncodeMsg(en)
}

func (z *ConfChangeContext) DecodeMsg(dc *msgp.Reader) (err error) {
	if _, err = dc.ReadArrayHeader(); err != nil {
		return
	}
	if err = z.Epoch.DecodeMsg(dc); err != nil {
		return
	}
	return z.Peer.DecodeMsg(dc)
}
