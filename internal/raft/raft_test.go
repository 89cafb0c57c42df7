package raft

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stormgbs/tikv/pkg/common"
	"github.com/stormgbs/tikv/pkg/common/utils"
)

// network wires RawNodes together in-process: every Ready is persisted to
// the node's MemoryStorage and its messages delivered, until the cluster is
// quiescent.
type network struct {
	t        *testing.T
	peers    map[uint64]*RawNode
	storages map[uint64]*MemoryStorage
	applied  map[uint64][]Entry
	reads    map[uint64][]ReadState
	isolated map[uint64]bool
}

func newNetwork(t *testing.T, n int) *network {
	t.Helper()
	nw := &network{
		t:        t,
		peers:    map[uint64]*RawNode{},
		storages: map[uint64]*MemoryStorage{},
		applied:  map[uint64][]Entry{},
		reads:    map[uint64][]ReadState{},
		isolated: map[uint64]bool{},
	}
	var voters []uint64
	for i := 1; i <= n; i++ {
		voters = append(voters, uint64(i))
	}
	logger, _ := common.InitLogger("error", "raft-test")
	for i := 1; i <= n; i++ {
		ms := NewMemoryStorage()
		// Bootstrap: a synthetic snapshot at index 1 carries the initial
		// voter set, the same way a freshly split shard starts.
		require.NoError(t, ms.ApplySnapshot(SnapshotMeta{
			Index:     1,
			Term:      1,
			ConfState: ConfState{Voters: voters},
		}))
		rn, err := NewRawNode(&Config{
			ID:            uint64(i),
			ElectionTick:  10,
			HeartbeatTick: 1,
			Storage:       ms,
			MaxSizePerMsg: 1 << 20,
			PreVote:       true,
			CheckQuorum:   true,
			Logger:        logger,
		})
		require.NoError(t, err)
		nw.peers[uint64(i)] = rn
		nw.storages[uint64(i)] = ms
	}
	return nw
}

// drain runs the ready/persist/apply/deliver loop until no node has
// anything left to do.
func (nw *network) drain() {
	for {
		progressed := false
		for id, rn := range nw.peers {
			if !rn.HasReady() {
				continue
			}
			progressed = true
			rd := rn.Ready()
			ms := nw.storages[id]
			if !rd.Snapshot.IsEmpty() {
				require.NoError(nw.t, ms.ApplySnapshot(rd.Snapshot))
			}
			require.NoError(nw.t, ms.Append(rd.Entries))
			if !rd.HardState.IsEmpty() {
				ms.SetHardState(rd.HardState)
			}
			for _, e := range rd.CommittedEntries {
				if e.Type == EntryConfChange {
					var cc ConfChange
					utils.MsgpDecode(e.Data, &cc)
					rn.ApplyConfChange(cc)
				}
				nw.applied[id] = append(nw.applied[id], e)
			}
			nw.reads[id] = append(nw.reads[id], rd.ReadStates...)
			msgs := rd.Messages
			rn.Advance(rd)
			for _, m := range msgs {
				nw.deliver(m)
			}
		}
		if !progressed {
			return
		}
	}
}

func (nw *network) deliver(m Message) {
	if nw.isolated[m.From] || nw.isolated[m.To] {
		return
	}
	if to, ok := nw.peers[m.To]; ok {
		_ = to.Step(m)
	}
}

func (nw *network) elect(id uint64) {
	require.NoError(nw.t, nw.peers[id].Campaign())
	nw.drain()
	// Pre-vote needs a second round: the real election follows.
	nw.drain()
	require.Equal(nw.t, StateLeader, nw.peers[id].raft.state, "peer %d did not win election", id)
}

func (nw *network) propose(leader uint64, data []byte) {
	require.NoError(nw.t, nw.peers[leader].Propose(data))
	nw.drain()
}

// committedData ignores the empty entries raft itself appends.
func (nw *network) committedData(id uint64) [][]byte {
	var out [][]byte
	for _, e := range nw.applied[id] {
		if e.Type == EntryNormal && len(e.Data) > 0 {
			out = append(out, e.Data)
		}
	}
	return out
}

func TestLeaderElection(t *testing.T) {
	nw := newNetwork(t, 3)
	nw.elect(1)

	for id, rn := range nw.peers {
		st := rn.Status()
		assert.Equal(t, uint64(1), st.Lead, "peer %d sees wrong leader", id)
	}
	assert.Equal(t, StateFollower, nw.peers[2].raft.state)
	assert.Equal(t, StateFollower, nw.peers[3].raft.state)
}

func TestSingleVoterCommitsAlone(t *testing.T) {
	nw := newNetwork(t, 1)
	nw.elect(1)
	nw.propose(1, []byte("solo"))
	require.Equal(t, [][]byte{[]byte("solo")}, nw.committedData(1))
}

func TestProposalReplication(t *testing.T) {
	nw := newNetwork(t, 3)
	nw.elect(1)
	nw.propose(1, []byte("a"))
	nw.propose(1, []byte("b"))

	for id := uint64(1); id <= 3; id++ {
		assert.Equal(t, [][]byte{[]byte("a"), []byte("b")}, nw.committedData(id), "peer %d", id)
	}
}

func TestProposalDroppedWithoutLeader(t *testing.T) {
	nw := newNetwork(t, 3)
	err := nw.peers[1].Propose([]byte("no leader yet"))
	assert.Equal(t, ErrProposalDropped, err)
}

func TestCommitRequiresQuorum(t *testing.T) {
	nw := newNetwork(t, 3)
	nw.elect(1)

	nw.isolated[2] = true
	nw.isolated[3] = true
	require.NoError(t, nw.peers[1].Propose([]byte("stranded")))
	nw.drain()
	assert.Empty(t, nw.committedData(1), "entry committed without a quorum")

	nw.isolated[2] = false
	// The next append round trip commits it.
	nw.drain()
	_ = nw.peers[1].raft.Step(Message{Type: MsgBeat})
	nw.drain()
	nw.propose(1, []byte("follow-up"))
	assert.Equal(t, [][]byte{[]byte("stranded"), []byte("follow-up")}, nw.committedData(1))
}

// A partitioned peer running pre-vote elections must not inflate its term,
// so its return does not depose a healthy leader.
func TestPreVotePreventsTermInflation(t *testing.T) {
	nw := newNetwork(t, 3)
	nw.elect(1)
	leaderTerm := nw.peers[1].raft.Term

	nw.isolated[3] = true
	for i := 0; i < 50; i++ {
		nw.peers[3].Tick()
		nw.drain()
	}
	assert.Equal(t, leaderTerm, nw.peers[3].raft.Term, "pre-vote candidate bumped its term while partitioned")

	nw.isolated[3] = false
	_ = nw.peers[1].raft.Step(Message{Type: MsgBeat})
	nw.drain()
	assert.Equal(t, StateLeader, nw.peers[1].raft.state, "healthy leader was deposed")
	assert.Equal(t, StateFollower, nw.peers[3].raft.state)
}

func TestDivergentFollowerConverges(t *testing.T) {
	nw := newNetwork(t, 3)
	nw.elect(1)
	nw.propose(1, []byte("common"))

	// Peer 3 misses a batch of entries, then rejoins.
	nw.isolated[3] = true
	for i := 0; i < 5; i++ {
		nw.propose(1, []byte(fmt.Sprintf("e%d", i)))
	}
	nw.isolated[3] = false
	_ = nw.peers[1].raft.Step(Message{Type: MsgBeat})
	nw.drain()

	assert.Equal(t, nw.committedData(1), nw.committedData(3))
	assert.Equal(t, nw.peers[1].raft.raftLog.lastIndex(), nw.peers[3].raft.raftLog.lastIndex())
}

func TestLeaderTransfer(t *testing.T) {
	nw := newNetwork(t, 3)
	nw.elect(1)
	nw.propose(1, []byte("x"))

	nw.peers[1].TransferLeader(2)
	nw.drain()
	nw.drain()

	assert.Equal(t, StateLeader, nw.peers[2].raft.state)
	assert.Equal(t, StateFollower, nw.peers[1].raft.state)

	// The new leader accepts proposals.
	nw.propose(2, []byte("y"))
	assert.Equal(t, [][]byte{[]byte("x"), []byte("y")}, nw.committedData(1))
}

func TestTransferDropsProposalsWhileInFlight(t *testing.T) {
	nw := newNetwork(t, 3)
	nw.elect(1)

	// Keep the target behind so the transfer stays pending.
	nw.isolated[2] = true
	require.NoError(t, nw.peers[1].Propose([]byte("ahead")))
	nw.drain()
	nw.peers[1].TransferLeader(2)
	err := nw.peers[1].Propose([]byte("rejected"))
	assert.Equal(t, ErrProposalDropped, err)
}

func TestJointConfChangeAddVoters(t *testing.T) {
	nw := newNetwork(t, 3)
	nw.elect(1)
	nw.propose(1, []byte("pre"))

	// Two deltas at once force a joint configuration.
	cc := ConfChange{Changes: []ConfChangeSingle{
		{Type: ConfAddNode, NodeID: 4},
		{Type: ConfRemoveNode, NodeID: 3},
	}}
	require.NoError(t, nw.peers[1].ProposeConfChange(cc))
	nw.drain()

	cs := nw.peers[1].Status().ConfState
	assert.ElementsMatch(t, []uint64{1, 2, 4}, cs.Voters)
	assert.ElementsMatch(t, []uint64{1, 2, 3}, cs.VotersOutgoing)
	assert.True(t, cs.InJoint())

	// Leaving the joint config drops the outgoing set.
	require.NoError(t, nw.peers[1].ProposeConfChange(ConfChange{}))
	nw.drain()
	cs = nw.peers[1].Status().ConfState
	assert.ElementsMatch(t, []uint64{1, 2, 4}, cs.Voters)
	assert.Empty(t, cs.VotersOutgoing)
}

func TestConfChangeRefusedWhilePending(t *testing.T) {
	nw := newNetwork(t, 3)
	nw.elect(1)

	require.NoError(t, nw.peers[1].ProposeConfChange(ConfChange{Changes: []ConfChangeSingle{
		{Type: ConfAddNode, NodeID: 4},
		{Type: ConfAddNode, NodeID: 5},
	}}))
	nw.drain()
	require.True(t, nw.peers[1].Status().ConfState.InJoint())

	// A second non-leave change while joint is turned into a no-op.
	require.NoError(t, nw.peers[1].ProposeConfChange(ConfChange{Changes: []ConfChangeSingle{
		{Type: ConfAddNode, NodeID: 6},
	}}))
	nw.drain()
	cs := nw.peers[1].Status().ConfState
	assert.NotContains(t, cs.Voters, uint64(6))
	assert.True(t, cs.InJoint())
}

func TestAddLearnerDoesNotVote(t *testing.T) {
	nw := newNetwork(t, 2)
	nw.elect(1)

	require.NoError(t, nw.peers[1].ProposeConfChange(ConfChange{Changes: []ConfChangeSingle{
		{Type: ConfAddLearner, NodeID: 3},
	}}))
	nw.drain()

	cs := nw.peers[1].Status().ConfState
	assert.ElementsMatch(t, []uint64{1, 2}, cs.Voters)
	assert.ElementsMatch(t, []uint64{3}, cs.Learners)
}

func TestLeaderSnapshotsLaggingFollower(t *testing.T) {
	nw := newNetwork(t, 3)
	nw.elect(1)

	nw.isolated[3] = true
	for i := 0; i < 4; i++ {
		nw.propose(1, []byte(fmt.Sprintf("e%d", i)))
	}
	// Compact the leader's log past what peer 3 holds.
	st := nw.peers[1].Status()
	_, err := nw.storages[1].CreateSnapshot(st.Commit, st.ConfState, "snap-1")
	require.NoError(t, err)
	require.NoError(t, nw.storages[1].Compact(st.Commit))

	nw.isolated[3] = false
	_ = nw.peers[1].raft.Step(Message{Type: MsgBeat})
	nw.drain()

	assert.Equal(t, nw.peers[1].raft.raftLog.lastIndex(), nw.peers[3].raft.raftLog.lastIndex())
	assert.Equal(t, st.Commit, nw.peers[3].Status().Commit)
}

func TestRestartPreservesState(t *testing.T) {
	nw := newNetwork(t, 3)
	nw.elect(1)
	nw.propose(1, []byte("durable"))

	// Rebuild peer 2 from its persisted storage alone.
	logger, _ := common.InitLogger("error", "raft-test")
	rn, err := NewRawNode(&Config{
		ID:            2,
		ElectionTick:  10,
		HeartbeatTick: 1,
		Storage:       nw.storages[2],
		MaxSizePerMsg: 1 << 20,
		PreVote:       true,
		Logger:        logger,
	})
	require.NoError(t, err)

	st := rn.Status()
	assert.Equal(t, nw.peers[2].raft.Term, st.Term)
	assert.Equal(t, nw.peers[2].Status().Commit, st.Commit)
	assert.ElementsMatch(t, []uint64{1, 2, 3}, st.ConfState.Voters)
}

func TestMessageCodecRoundTrip(t *testing.T) {
	in := Message{
		Type:    MsgApp,
		From:    1,
		To:      2,
		Term:    7,
		LogTerm: 6,
		Index:   41,
		Entries: []Entry{
			{Term: 7, Index: 42, Type: EntryNormal, Data: []byte("payload")},
			{Term: 7, Index: 43, Type: EntryConfChange, Data: []byte{1}},
		},
		Commit:    40,
		Reject:    true,
		HintIndex: 39,
		HintTerm:  5,
		Snapshot:  SnapshotMeta{Index: 30, Term: 4, ConfState: ConfState{Voters: []uint64{1, 2, 3}}, Name: "abc"},
		Context:   []byte("ctx"),
	}
	var out Message
	utils.MsgpDecode(utils.MsgpEncode(&in), &out)
	assert.Equal(t, in, out)
}

func TestReadIndexOnLeader(t *testing.T) {
	nw := newNetwork(t, 3)
	nw.elect(1)
	nw.propose(1, []byte("x"))

	nw.peers[1].ReadIndex([]byte("rctx-1"))
	nw.drain()

	require.Len(t, nw.reads[1], 1)
	rs := nw.reads[1][0]
	assert.Equal(t, []byte("rctx-1"), rs.RequestCtx)
	assert.Equal(t, nw.peers[1].Status().Commit, rs.Index)
}

func TestReadIndexForwardedByFollower(t *testing.T) {
	nw := newNetwork(t, 3)
	nw.elect(1)
	nw.propose(1, []byte("x"))

	nw.peers[2].ReadIndex([]byte("rctx-2"))
	nw.drain()

	require.Len(t, nw.reads[2], 1)
	assert.Equal(t, []byte("rctx-2"), nw.reads[2][0].RequestCtx)
	assert.Equal(t, nw.peers[1].Status().Commit, nw.reads[2][0].Index)
}

func TestReadIndexSingleVoter(t *testing.T) {
	nw := newNetwork(t, 1)
	nw.elect(1)
	nw.propose(1, []byte("x"))

	nw.peers[1].ReadIndex([]byte("solo-read"))
	nw.drain()

	require.Len(t, nw.reads[1], 1)
	assert.Equal(t, nw.peers[1].Status().Commit, nw.reads[1][0].Index)
}

func TestReadIndexRefusedBeforeTermCommit(t *testing.T) {
	nw := newNetwork(t, 3)
	nw.elect(1)
	nw.propose(1, []byte("x"))

	// Force a leadership change; until the new leader commits something in
	// its own term a ReadIndex request stays pending.
	nw.elect(2)
	commitOfOld := nw.peers[2].Status().Commit
	nw.drain()
	// elect() already drained the no-op entry, so the new term has committed
	// and the read is granted at or past the old commit point.
	nw.peers[2].ReadIndex([]byte("after-transfer"))
	nw.drain()
	require.Len(t, nw.reads[2], 1)
	assert.GreaterOrEqual(t, nw.reads[2][0].Index, commitOfOld)
}
