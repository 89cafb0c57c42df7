package raft

import (
	"fmt"

	"github.com/Allen1211/msgp/msgp"
)

type MsgType int

const (
	// Local messages, never sent over the wire.
	MsgHup MsgType = iota
	MsgBeat
	MsgProp

	// Peer-to-peer messages.
	MsgApp
	MsgAppResp
	MsgVote
	MsgVoteResp
	MsgPreVote
	MsgPreVoteResp
	MsgSnap
	MsgHeartbeat
	MsgHeartbeatResp
	MsgTransferLeader
	MsgTimeoutNow
	MsgReadIndex
	MsgReadIndexResp
)

var msgTypeNames = map[MsgType]string{
	MsgHup: "MsgHup", MsgBeat: "MsgBeat", MsgProp: "MsgProp",
	MsgApp: "MsgApp", MsgAppResp: "MsgAppResp",
	MsgVote: "MsgVote", MsgVoteResp: "MsgVoteResp",
	MsgPreVote: "MsgPreVote", MsgPreVoteResp: "MsgPreVoteResp",
	MsgSnap: "MsgSnap", MsgHeartbeat: "MsgHeartbeat", MsgHeartbeatResp: "MsgHeartbeatResp",
	MsgTransferLeader: "MsgTransferLeader", MsgTimeoutNow: "MsgTimeoutNow",
	MsgReadIndex: "MsgReadIndex", MsgReadIndexResp: "MsgReadIndexResp",
}

func (t MsgType) String() string {
	if s, ok := msgTypeNames[t]; ok {
		return s
	}
	return fmt.Sprintf("MsgType(%d)", int(t))
}

// IsLocal reports whether the message type only travels inside one peer.
func (t MsgType) IsLocal() bool {
	return t == MsgHup || t == MsgBeat || t == MsgProp
}

func (t MsgType) isVoteRequest() bool {
	return t == MsgVote || t == MsgPreVote
}

type EntryType int

const (
	EntryNormal EntryType = iota
	EntryConfChange
)

type Entry struct {
	Term  uint64
	Index uint64
	Type  EntryType
	Data  []byte
}

// HardState is what must hit stable storage before a peer acts on a Ready:
// losing any of the three can elect two leaders for one term or un-commit an
// acknowledged entry.
type HardState struct {
	Term   uint64
	Vote   uint64
	Commit uint64
}

func (hs HardState) IsEmpty() bool {
	return hs.Term == 0 && hs.Vote == 0 && hs.Commit == 0
}

func (hs HardState) Equal(other HardState) bool {
	return hs == other
}

// ConfState is the voting configuration as of some log index. A non-empty
// VotersOutgoing means the group is in a joint configuration and decisions
// need a majority of both sets.
type ConfState struct {
	Voters         []uint64
	VotersOutgoing []uint64
	Learners       []uint64
}

func (cs ConfState) InJoint() bool {
	return len(cs.VotersOutgoing) > 0
}

// SnapshotMeta describes the state machine image a snapshot replaces the log
// with. Name identifies the image in the snapshot manager; raft itself never
// carries the bulk data.
type SnapshotMeta struct {
	Index     uint64
	Term      uint64
	ConfState ConfState
	Name      string
}

func (m SnapshotMeta) IsEmpty() bool {
	return m.Index == 0
}

type Message struct {
	Type    MsgType
	From    uint64
	To      uint64
	Term    uint64
	LogTerm uint64
	Index   uint64
	Entries []Entry
	Commit  uint64
	// Reject plus the conflict hints drive fast log backtracking: HintIndex
	// and HintTerm are the follower's first index of the conflicting term,
	// and that term (HintTerm 0 when the follower's log is simply short).
	Reject    bool
	HintIndex uint64
	HintTerm  uint64
	Snapshot  SnapshotMeta
	// Context distinguishes transfer-forced campaigns from ordinary ones.
	Context []byte
}

// ConfChangeType is one membership delta inside a ConfChange.
type ConfChangeType int

const (
	ConfAddNode ConfChangeType = iota
	ConfAddLearner
	ConfRemoveNode
)

type ConfChangeSingle struct {
	Type   ConfChangeType
	NodeID uint64
}

// ConfChange is a batch of membership deltas. More than one delta, or any
// delta applied to a group where it changes a voter, enters a joint
// configuration; an empty Changes list asks the group to leave one.
type ConfChange struct {
	Changes []ConfChangeSingle
	Context []byte
}

func (cc *ConfChange) LeaveJoint() bool {
	return len(cc.Changes) == 0
}

func (z *Entry) EncodeMsg(en *msgp.Writer) (err error) {
	if err = en.WriteArrayHeader(4); err != nil {
		return
	}
	if err = en.WriteUint64(z.Term); err != nil {
		return
	}
	if err = en.WriteUint64(z.Index); err != nil {
		return
	}
	if err = en.WriteInt(int(z.Type)); err != nil {
		return
	}
	return en.WriteBytes(z.Data)
}

func (z *Entry) DecodeMsg(dc *msgp.Reader) (err error) {
	if _, err = dc.ReadArrayHeader(); err != nil {
		return
	}
	if z.Term, err = dc.ReadUint64(); err != nil {
		return
	}
	if z.Index, err = dc.ReadUint64(); err != nil {
		return
	}
	var tp int
	if tp, err = dc.ReadInt(); err != nil {
		return
	}
	z.Type = EntryType(tp)
	z.Data, err = dc.ReadBytes(nil)
	return
}

func (z *HardState) EncodeMsg(en *msgp.Writer) (err error) {
	if err = en.WriteArrayHeader(3); err != nil {
		return
	}
	if err = en.WriteUint64(z.Term); err != nil {
		return
	}
	if err = en.WriteUint64(z.Vote); err != nil {
		return
	}
	return en.WriteUint64(z.Commit)
}

func (z *HardState) DecodeMsg(dc *msgp.Reader) (err error) {
	if _, err = dc.ReadArrayHeader(); err != nil {
		return
	}
	if z.Term, err = dc.ReadUint64(); err != nil {
		return
	}
	if z.Vote, err = dc.ReadUint64(); err != nil {
		return
	}
	z.Commit, err = dc.ReadUint64()
	return
}

func writeUint64s(en *msgp.Writer, ids []uint64) (err error) {
	if err = en.WriteArrayHeader(uint32(len(ids))); err != nil {
		return
	}
	for _, id := range ids {
		if err = en.WriteUint64(id); err != nil {
			return
		}
	}
	return
}

func readUint64s(dc *msgp.Reader) (ids []uint64, err error) {
	var n uint32
	if n, err = dc.ReadArrayHeader(); err != nil {
		return
	}
	if n == 0 {
		return nil, nil
	}
	ids = make([]uint64, n)
	for i := range ids {
		if ids[i], err = dc.ReadUint64(); err != nil {
			return
		}
	}
	return
}

func (z *ConfState) EncodeMsg(en *msgp.Writer) (err error) {
	if err = en.WriteArrayHeader(3); err != nil {
		return
	}
	if err = writeUint64s(en, z.Voters); err != nil {
		return
	}
	if err = writeUint64s(en, z.VotersOutgoing); err != nil {
		return
	}
	return writeUint64s(en, z.Learners)
}

func (z *ConfState) DecodeMsg(dc *msgp.Reader) (err error) {
	if _, err = dc.ReadArrayHeader(); err != nil {
		return
	}
	if z.Voters, err = readUint64s(dc); err != nil {
		return
	}
	if z.VotersOutgoing, err = readUint64s(dc); err != nil {
		return
	}
	z.Learners, err = readUint64s(dc)
	return
}

func (z *SnapshotMeta) EncodeMsg(en *msgp.Writer) (err error) {
	if err = en.WriteArrayHeader(4); err != nil {
		return
	}
	if err = en.WriteUint64(z.Index); err != nil {
		return
	}
	if err = en.WriteUint64(z.Term); err != nil {
		return
	}
	if err = z.ConfState.EncodeMsg(en); err != nil {
		return
	}
	return en.WriteString(z.Name)
}

func (z *SnapshotMeta) DecodeMsg(dc *msgp.Reader) (err error) {
	if _, err = dc.ReadArrayHeader(); err != nil {
		return
	}
	if z.Index, err = dc.ReadUint64(); err != nil {
		return
	}
	if z.Term, err = dc.ReadUint64(); err != nil {
		return
	}
	if err = z.ConfState.DecodeMsg(dc); err != nil {
		return
	}
	z.Name, err = dc.ReadString()
	return
}

func (z *Message) EncodeMsg(en *msgp.Writer) (err error) {
	if err = en.WriteArrayHeader(13); err != nil {
		return
	}
	if err = en.WriteInt(int(z.Type)); err != nil {
		return
	}
	if err = en.WriteUint64(z.From); err != nil {
		return
	}
	if err = en.WriteUint64(z.To); err != nil {
		return
	}
	if err = en.WriteUint64(z.Term); err != nil {
		return
	}
	if err = en.WriteUint64(z.LogTerm); err != nil {
		return
	}
	if err = en.WriteUint64(z.Index); err != nil {
		return
	}
	if err = en.WriteArrayHeader(uint32(len(z.Entries))); err != nil {
		return
	}
	for i := range z.Entries {
		if err = z.Entries[i].EncodeMsg(en); err != nil {
			return
		}
	}
	if err = en.WriteUint64(z.Commit); err != nil {
		return
	}
	if err = en.WriteBool(z.Reject); err != nil {
		return
	}
	if err = en.WriteUint64(z.HintIndex); err != nil {
		return
	}
	if err = en.WriteUint64(z.HintTerm); err != nil {
		return
	}
	if err = z.Snapshot.EncodeMsg(en); err != nil {
		return
	}
	return en.WriteBytes(z.Context)
}

func (z *Message) DecodeMsg(dc *msgp.Reader) (err error) {
	if _, err = dc.ReadArrayHeader(); err != nil {
		return
	}
	var tp int
	if tp, err = dc.ReadInt(); err != nil {
		return
	}
	z.Type = MsgType(tp)
	if z.From, err = dc.ReadUint64(); err != nil {
		return
	}
	if z.To, err = dc.ReadUint64(); err != nil {
		return
	}
	if z.Term, err = dc.ReadUint64(); err != nil {
		return
	}
	if z.LogTerm, err = dc.ReadUint64(); err != nil {
		return
	}
	if z.Index, err = dc.ReadUint64(); err != nil {
		return
	}
	var n uint32
	if n, err = dc.ReadArrayHeader(); err != nil {
		return
	}
	z.Entries = make([]Entry, n)
	for i := range z.Entries {
		if err = z.Entries[i].DecodeMsg(dc); err != nil {
			return
		}
	}
	if z.Commit, err = dc.ReadUint64(); err != nil {
		return
	}
	if z.Reject, err = dc.ReadBool(); err != nil {
		return
	}
	if z.HintIndex, err = dc.ReadUint64(); err != nil {
		return
	}
	if z.HintTerm, err = dc.ReadUint64(); err != nil {
		return
	}
	if err = z.Snapshot.DecodeMsg(dc); err != nil {
		return
	}
	z.Context, err = dc.ReadBytes(nil)
	return
}

func (z *ConfChangeSingle) EncodeMsg(en *msgp.Writer) (err error) {
	if err = en.WriteArrayHeader(2); err != nil {
		return
	}
	if err = en.WriteInt(int(z.Type)); err != nil {
		return
	}
	return en.WriteUint64(z.NodeID)
}

func (z *ConfChangeSingle) DecodeMsg(dc *msgp.Reader) (err error) {
	if _, err = dc.ReadArrayHeader(); err != nil {
		return
	}
	var tp int
	if tp, err = dc.ReadInt(); err != nil {
		return
	}
	z.Type = ConfChangeType(tp)
	z.NodeID, err = dc.ReadUint64()
	return
}

func (z *ConfChange) EncodeMsg(en *msgp.Writer) (err error) {
	if err = en.WriteArrayHeader(2); err != nil {
		return
	}
	if err = en.WriteArrayHeader(uint32(len(z.Changes))); err != nil {
		return
	}
	for i := range z.Changes {
		if err = z.Changes[i].EncodeMsg(en); err != nil {
			return
		}
	}
	return en.WriteBytes(z.Context)
}

func (z *ConfChange) DecodeMsg(dc *msgp.Reader) (err error) {
	if _, err = dc.ReadArrayHeader(); err != nil {
		return
	}
	var n uint32
	if n, err = dc.ReadArrayHeader(); err != nil {
		return
	}
	z.Changes = make([]ConfChangeSingle, n)
	for i := range z.Changes {
		if err = z.Changes[i].DecodeMsg(dc); err != nil {
			return
		}
	}
	z.Context, err = dc.ReadBytes(nil)
	return
}
