package replica

import (
	"github.com/Allen1211/msgp/msgp"

	"github.com/stormgbs/tikv/internal/raft"
	"github.com/stormgbs/tikv/pkg/common"
)

// A fresh shard starts its log right after this index, whether it came from
// node bootstrap or a split. Index and term 1 stand in for the synthetic
// snapshot the initial configuration is anchored to.
const (
	InitLogIndex uint64 = 1
	InitLogTerm  uint64 = 1
)

// RaftLocalState is persisted with every log append: the raft HardState plus
// the stable log's tail position.
type RaftLocalState struct {
	Hard      raft.HardState
	LastIndex uint64
	LastTerm  uint64
}

func (z *RaftLocalState) EncodeMsg(en *msgp.Writer) (err error) {
	if err = en.WriteArrayHeader(3); err != nil {
		return
	}
	if err = z.Hard.EncodeMsg(en); err != nil {
		return
	}
	if err = en.WriteUint64(z.LastIndex); err != nil {
		return
	}
	return en.WriteUint64(z.LastTerm)
}

func (z *RaftLocalState) DecodeMsg(dc *msgp.Reader) (err error) {
	if _, err = dc.ReadArrayHeader(); err != nil {
		return
	}
	if err = z.Hard.DecodeMsg(dc); err != nil {
		return
	}
	if z.LastIndex, err = dc.ReadUint64(); err != nil {
		return
	}
	z.LastTerm, err = dc.ReadUint64()
	return
}

// ApplyState is persisted atomically with the effects of every applied batch,
// so a restart resumes exactly where the state machine stopped. Truncated
// marks the compaction point the log starts after.
type ApplyState struct {
	AppliedIndex   uint64
	AppliedTerm    uint64
	TruncatedIndex uint64
	TruncatedTerm  uint64
}

func (z *ApplyState) EncodeMsg(en *msgp.Writer) (err error) {
	if err = en.WriteArrayHeader(4); err != nil {
		return
	}
	if err = en.WriteUint64(z.AppliedIndex); err != nil {
		return
	}
	if err = en.WriteUint64(z.AppliedTerm); err != nil {
		return
	}
	if err = en.WriteUint64(z.TruncatedIndex); err != nil {
		return
	}
	return en.WriteUint64(z.TruncatedTerm)
}

func (z *ApplyState) DecodeMsg(dc *msgp.Reader) (err error) {
	if _, err = dc.ReadArrayHeader(); err != nil {
		return
	}
	if z.AppliedIndex, err = dc.ReadUint64(); err != nil {
		return
	}
	if z.AppliedTerm, err = dc.ReadUint64(); err != nil {
		return
	}
	if z.TruncatedIndex, err = dc.ReadUint64(); err != nil {
		return
	}
	z.TruncatedTerm, err = dc.ReadUint64()
	return
}

// MergeState fences a shard while a merge is in flight.
type MergeState struct {
	TargetID uint64
	Commit   uint64
}

func (z *MergeState) EncodeMsg(en *msgp.Writer) (err error) {
	if err = en.WriteArrayHeader(2); err != nil {
		return
	}
	if err = en.WriteUint64(z.TargetID); err != nil {
		return
	}
	return en.WriteUint64(z.Commit)
}

func (z *MergeState) DecodeMsg(dc *msgp.Reader) (err error) {
	if _, err = dc.ReadArrayHeader(); err != nil {
		return
	}
	if z.TargetID, err = dc.ReadUint64(); err != nil {
		return
	}
	z.Commit, err = dc.ReadUint64()
	return
}

// confStateFromShard rebuilds the raft voting configuration from the peer
// roles recorded in the descriptor.
func confStateFromShard(meta *common.ShardMeta) raft.ConfState {
	var cs raft.ConfState
	for _, p := range meta.Peers {
		switch p.Role {
		case common.RoleVoter:
			cs.Voters = append(cs.Voters, p.ID)
			if inJoint(meta) {
				cs.VotersOutgoing = append(cs.VotersOutgoing, p.ID)
			}
		case common.RoleIncomingVoter:
			cs.Voters = append(cs.Voters, p.ID)
		case common.RoleOutgoingVoter:
			cs.VotersOutgoing = append(cs.VotersOutgoing, p.ID)
		case common.RoleLearner:
			cs.Learners = append(cs.Learners, p.ID)
		}
	}
	return cs
}

func inJoint(meta *common.ShardMeta) bool {
	for _, p := range meta.Peers {
		if p.Role == common.RoleIncomingVoter || p.Role == common.RoleOutgoingVoter {
			return true
		}
	}
	return false
}
