package raft

import (
	"github.com/stormgbs/tikv/pkg/common/utils"
)

// SoftState is volatile leadership info; losing it costs an election, not
// correctness.
type SoftState struct {
	Lead      uint64
	RaftState StateType
}

// Ready bundles everything the owner must act on after stepping the group:
// persist HardState and Entries (and the Snapshot, if any) BEFORE sending
// Messages, execute CommittedEntries in order, then call Advance.
type Ready struct {
	*SoftState
	HardState

	Entries          []Entry
	Snapshot         SnapshotMeta
	CommittedEntries []Entry
	Messages         []Message
	ReadStates       []ReadState
}

func (rd *Ready) ContainsUpdates() bool {
	return rd.SoftState != nil || !rd.HardState.IsEmpty() ||
		!rd.Snapshot.IsEmpty() || len(rd.Entries) > 0 ||
		len(rd.CommittedEntries) > 0 || len(rd.Messages) > 0 ||
		len(rd.ReadStates) > 0
}

// RawNode drives one consensus group without any internal goroutines. The
// caller serializes all method calls (the router's per-shard scheduling does
// this) and owns persistence and transport.
type RawNode struct {
	raft       *raft
	prevSoftSt SoftState
	prevHardSt HardState
}

func NewRawNode(config *Config) (*RawNode, error) {
	r := newRaft(config)
	rn := &RawNode{raft: r}
	rn.prevSoftSt = r.softState()
	rn.prevHardSt = r.hardState()
	return rn, nil
}

func (rn *RawNode) Tick() {
	rn.raft.tick()
}

// Campaign forces an election.
func (rn *RawNode) Campaign() error {
	return rn.raft.Step(Message{Type: MsgHup})
}

func (rn *RawNode) Propose(data []byte) error {
	return rn.raft.Step(Message{
		Type: MsgProp,
		From: rn.raft.id,
		Entries: []Entry{
			{Data: data},
		},
	})
}

func (rn *RawNode) ProposeConfChange(cc ConfChange) error {
	return rn.raft.Step(Message{
		Type: MsgProp,
		From: rn.raft.id,
		Entries: []Entry{
			{Type: EntryConfChange, Data: utils.MsgpEncode(&cc)},
		},
	})
}

// ApplyConfChange is called by the state machine when it executes a conf
// change entry; the returned ConfState must be persisted with the apply
// state.
func (rn *RawNode) ApplyConfChange(cc ConfChange) ConfState {
	return rn.raft.applyConfChange(cc)
}

// Step feeds a message received from a peer.
func (rn *RawNode) Step(m Message) error {
	if m.Type.IsLocal() {
		return ErrStepLocalMsg
	}
	if rn.raft.trk.Progress[m.From] == nil && m.Type != MsgHeartbeat && !m.Type.isVoteRequest() &&
		m.Type != MsgApp && m.Type != MsgSnap && m.Type != MsgTimeoutNow {
		return ErrStepPeerNotFound
	}
	return rn.raft.Step(m)
}

func (rn *RawNode) TransferLeader(transferee uint64) {
	_ = rn.raft.Step(Message{Type: MsgTransferLeader, From: transferee})
}

// ReadIndex requests a linearizable read point identified by rctx; the grant
// comes back in Ready.ReadStates once a quorum confirms leadership.
func (rn *RawNode) ReadIndex(rctx []byte) {
	_ = rn.raft.Step(Message{Type: MsgReadIndex, Entries: []Entry{{Data: rctx}}})
}

// LastIndex is the raft log's last index including unstable entries.
func (rn *RawNode) LastIndex() uint64 {
	return rn.raft.raftLog.lastIndex()
}

func (rn *RawNode) Term() uint64 {
	return rn.raft.Term
}

func (rn *RawNode) Lead() uint64 {
	return rn.raft.lead
}

func (rn *RawNode) IsLeader() bool {
	return rn.raft.state == StateLeader
}

func (rn *RawNode) HasReady() bool {
	r := rn.raft
	if st := r.softState(); st != rn.prevSoftSt {
		return true
	}
	if hs := r.hardState(); !hs.Equal(rn.prevHardSt) {
		return true
	}
	if r.raftLog.unstableSnapshot != nil {
		return true
	}
	if len(r.msgs) > 0 || len(r.raftLog.unstableEntries()) > 0 || r.raftLog.hasNextCommittedEnts() {
		return true
	}
	if len(r.readStates) > 0 {
		return true
	}
	return false
}

func (rn *RawNode) Ready() Ready {
	r := rn.raft
	rd := Ready{
		Entries:          r.raftLog.unstableEntries(),
		CommittedEntries: r.raftLog.nextCommittedEnts(),
		Messages:         r.msgs,
	}
	if st := r.softState(); st != rn.prevSoftSt {
		rd.SoftState = &st
		rn.prevSoftSt = st
	}
	if hs := r.hardState(); !hs.Equal(rn.prevHardSt) {
		rd.HardState = hs
	}
	if r.raftLog.unstableSnapshot != nil {
		rd.Snapshot = *r.raftLog.unstableSnapshot
	}
	if len(r.readStates) > 0 {
		rd.ReadStates = r.readStates
		r.readStates = nil
	}
	r.msgs = nil
	return rd
}

// Advance acknowledges that the given Ready was fully persisted and applied.
func (rn *RawNode) Advance(rd Ready) {
	r := rn.raft
	if !rd.HardState.IsEmpty() {
		rn.prevHardSt = rd.HardState
	}
	if len(rd.Entries) > 0 {
		last := rd.Entries[len(rd.Entries)-1]
		r.raftLog.stableTo(last.Index)
	}
	if !rd.Snapshot.IsEmpty() {
		r.raftLog.stableSnapTo(rd.Snapshot.Index)
	}
	if len(rd.CommittedEntries) > 0 {
		last := rd.CommittedEntries[len(rd.CommittedEntries)-1]
		r.raftLog.appliedTo(last.Index)
	}
}

// Status is a read-only view for heartbeats and admin surfaces.
type Status struct {
	ID        uint64
	Term      uint64
	Lead      uint64
	RaftState StateType
	Applied   uint64
	Commit    uint64
	ConfState ConfState
	Progress  map[uint64]Progress
}

func (rn *RawNode) Status() Status {
	r := rn.raft
	s := Status{
		ID:        r.id,
		Term:      r.Term,
		Lead:      r.lead,
		RaftState: r.state,
		Applied:   r.raftLog.applied,
		Commit:    r.raftLog.committed,
		ConfState: r.trk.ConfState(),
	}
	if r.state == StateLeader {
		s.Progress = map[uint64]Progress{}
		for id, pr := range r.trk.Progress {
			s.Progress[id] = *pr
		}
	}
	return s
}

// ReportSnapshotStatus tells the leader that the out-of-band snapshot
// transfer to a follower finished or failed.
func (rn *RawNode) ReportSnapshotStatus(id uint64, rejected bool) {
	r := rn.raft
	if r.state != StateLeader {
		return
	}
	pr := r.trk.Progress[id]
	if pr == nil || pr.State != StateSnapshot {
		return
	}
	if rejected {
		pr.PendingSnapshot = 0
		pr.BecomeProbe()
		r.logger.Infof("raft %d snapshot failed, resumed sending replication messages to %d [%s]", r.id, id, pr)
	} else {
		pr.BecomeProbe()
		r.logger.Infof("raft %d snapshot succeeded, resumed sending replication messages to %d [%s]", r.id, id, pr)
	}
	pr.MsgAppPaused = true
}

// ReportUnreachable marks a peer as unreachable so optimistic replication
// backs off to probing.
func (rn *RawNode) ReportUnreachable(id uint64) {
	r := rn.raft
	if r.state != StateLeader {
		return
	}
	pr := r.trk.Progress[id]
	if pr == nil {
		return
	}
	if pr.State == StateReplicate {
		pr.BecomeProbe()
	}
	r.logger.Debugf("raft %d failed to send message to %d because it is unreachable [%s]", r.id, id, pr)
}
