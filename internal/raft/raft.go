package raft

import (
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/stormgbs/tikv/pkg/common"
	"github.com/stormgbs/tikv/pkg/common/utils"
)

type StateType int

const (
	StateFollower StateType = iota
	StatePreCandidate
	StateCandidate
	StateLeader
)

func (s StateType) String() string {
	switch s {
	case StateFollower:
		return "Follower"
	case StatePreCandidate:
		return "PreCandidate"
	case StateCandidate:
		return "Candidate"
	case StateLeader:
		return "Leader"
	}
	return fmt.Sprintf("StateType(%d)", int(s))
}

const None uint64 = 0

var (
	ErrProposalDropped = errors.New("raft proposal dropped")
	ErrStepLocalMsg    = errors.New("raft: cannot step raft local message")
	ErrStepPeerNotFound = errors.New("raft: cannot step as peer not found")
)

var campaignTransferCtx = []byte("transfer")

type Config struct {
	ID uint64

	// Tick counts; election timeout is randomized per term within
	// [ElectionTick, 2*ElectionTick).
	ElectionTick  int
	HeartbeatTick int

	Storage Storage
	// Applied is the index the state machine had already executed before the
	// restart; committed entries at or below it are not re-emitted.
	Applied uint64

	MaxSizePerMsg uint64

	PreVote     bool
	CheckQuorum bool

	Logger *logrus.Logger
}

func (c *Config) validate() error {
	if c.ID == None {
		return errors.New("cannot use none as id")
	}
	if c.HeartbeatTick <= 0 {
		return errors.New("heartbeat tick must be greater than 0")
	}
	if c.ElectionTick <= c.HeartbeatTick {
		return errors.New("election tick must be greater than heartbeat tick")
	}
	if c.Storage == nil {
		return errors.New("storage cannot be nil")
	}
	if c.Logger == nil {
		c.Logger, _ = common.InitLogger("info", "Raft")
	}
	return nil
}

type raft struct {
	id uint64

	Term uint64
	Vote uint64

	raftLog *raftLog
	trk     tracker

	state StateType
	lead  uint64

	// leadTransferee is the target of an ongoing leadership transfer.
	leadTransferee uint64

	// pendingConfIndex blocks a second conf change from being proposed while
	// one is in the log but not applied.
	pendingConfIndex uint64

	msgs []Message

	readOnly   *readOnly
	readStates []ReadState

	electionElapsed  int
	heartbeatElapsed int

	electionTimeout           int
	heartbeatTimeout          int
	randomizedElectionTimeout int

	preVote     bool
	checkQuorum bool

	maxMsgSize uint64

	tick func()
	step func(r *raft, m Message) error

	logger *logrus.Logger
}

func newRaft(c *Config) *raft {
	if err := c.validate(); err != nil {
		panic(err.Error())
	}
	hs, cs, err := c.Storage.InitialState()
	if err != nil {
		panic(err)
	}
	r := &raft{
		id:               c.ID,
		raftLog:          newRaftLog(c.Storage, c.Logger),
		trk:              makeTracker(),
		maxMsgSize:       c.MaxSizePerMsg,
		electionTimeout:  c.ElectionTick,
		heartbeatTimeout: c.HeartbeatTick,
		preVote:          c.PreVote,
		checkQuorum:      c.CheckQuorum,
		readOnly:         newReadOnly(),
		logger:           c.Logger,
	}
	r.trk.SetConfState(cs, r.raftLog.lastIndex())
	if !hs.IsEmpty() {
		r.loadState(hs)
	}
	if c.Applied > 0 {
		r.raftLog.appliedTo(c.Applied)
	}
	r.becomeFollower(r.Term, None)

	r.logger.Infof("raft %d newRaft [peers: %v, term: %d, commit: %d, applied: %d, lastindex: %d]",
		r.id, r.trk.VoterIDs(), r.Term, r.raftLog.committed, r.raftLog.applied, r.raftLog.lastIndex())
	return r
}

func (r *raft) loadState(hs HardState) {
	if hs.Commit < r.raftLog.committed || hs.Commit > r.raftLog.lastIndex() {
		panic(fmt.Sprintf("raft %d hardstate commit %d out of range [%d, %d]",
			r.id, hs.Commit, r.raftLog.committed, r.raftLog.lastIndex()))
	}
	r.raftLog.committed = hs.Commit
	r.Term = hs.Term
	r.Vote = hs.Vote
}

func (r *raft) hardState() HardState {
	return HardState{Term: r.Term, Vote: r.Vote, Commit: r.raftLog.committed}
}

func (r *raft) softState() SoftState {
	return SoftState{Lead: r.lead, RaftState: r.state}
}

// promotable reports whether this peer may campaign: it must be a voter and
// must not be waiting on an unapplied snapshot.
func (r *raft) promotable() bool {
	pr := r.trk.Progress[r.id]
	return pr != nil && !pr.IsLearner && r.raftLog.unstableSnapshot == nil
}

func (r *raft) send(m Message) {
	m.From = r.id
	if m.Type.isVoteRequest() || m.Type == MsgVoteResp || m.Type == MsgPreVoteResp {
		// Vote requests carry their campaign term, which for a pre-vote is
		// one ahead of r.Term; responses echo the term they answer.
		if m.Term == 0 {
			panic(fmt.Sprintf("term should be set when sending %s", m.Type))
		}
	} else {
		if m.Term != 0 {
			panic(fmt.Sprintf("term should not be set when sending %s (was %d)", m.Type, m.Term))
		}
		if m.Type != MsgProp {
			m.Term = r.Term
		}
	}
	r.msgs = append(r.msgs, m)
}

// maybeSendAppend sends entries (or a snapshot when the follower fell behind
// the compacted log) to the given peer.
func (r *raft) maybeSendAppend(to uint64, sendIfEmpty bool) bool {
	pr := r.trk.Progress[to]
	if pr.IsPaused() {
		return false
	}
	term, errt := r.raftLog.term(pr.Next - 1)
	ents, erre := r.raftLog.entries(pr.Next, r.maxMsgSize)
	if len(ents) == 0 && !sendIfEmpty {
		return false
	}

	if errt != nil || erre != nil {
		// The follower's position was compacted away; snapshot instead.
		if !pr.RecentActive {
			r.logger.Debugf("raft %d ignore sending snapshot to %s since it is not recently active", r.id, describe(to))
			return false
		}
		snap, err := r.raftLog.storage.Snapshot()
		if err != nil {
			if err == ErrSnapshotTemporarilyUnavailable {
				r.logger.Debugf("raft %d failed to send snapshot to %d because snapshot is temporarily unavailable", r.id, to)
				return false
			}
			panic(err)
		}
		if snap.IsEmpty() {
			panic("need non-empty snapshot")
		}
		r.send(Message{To: to, Type: MsgSnap, Snapshot: snap})
		pr.BecomeSnapshot(snap.Index)
		r.logger.Infof("raft %d [firstindex: %d, commit: %d] sent snapshot[index: %d, term: %d] to %d [%s]",
			r.id, r.raftLog.firstIndex(), r.raftLog.committed, snap.Index, snap.Term, to, pr)
		return true
	}

	r.send(Message{
		To:      to,
		Type:    MsgApp,
		Index:   pr.Next - 1,
		LogTerm: term,
		Entries: ents,
		Commit:  r.raftLog.committed,
	})
	if n := len(ents); n != 0 {
		switch pr.State {
		case StateReplicate:
			pr.Next = ents[n-1].Index + 1
		case StateProbe:
			pr.MsgAppPaused = true
		}
	}
	return true
}

func (r *raft) sendHeartbeat(to uint64, ctx []byte) {
	// Commit is capped at what the follower is known to have so commitTo
	// never runs past its log.
	commit := min(r.trk.Progress[to].Match, r.raftLog.committed)
	r.send(Message{To: to, Type: MsgHeartbeat, Commit: commit, Context: ctx})
}

func (r *raft) bcastAppend() {
	for _, id := range r.trk.PeerIDs() {
		if id == r.id {
			continue
		}
		r.maybeSendAppend(id, true)
	}
}

func (r *raft) bcastHeartbeat() {
	r.bcastHeartbeatWithCtx(r.readOnly.lastPendingRequestCtx())
}

func (r *raft) bcastHeartbeatWithCtx(ctx []byte) {
	for _, id := range r.trk.PeerIDs() {
		if id == r.id {
			continue
		}
		r.sendHeartbeat(id, ctx)
	}
}

// maybeCommit advances the commit index to the highest majority-acknowledged
// index of the current term.
func (r *raft) maybeCommit() bool {
	mci := r.trk.Committed()
	if mci > r.raftLog.committed && r.raftLog.matchTerm(mci, r.Term) {
		r.raftLog.commitTo(mci)
		return true
	}
	return false
}

func (r *raft) reset(term uint64) {
	if r.Term != term {
		r.Term = term
		r.Vote = None
	}
	r.lead = None
	r.electionElapsed = 0
	r.heartbeatElapsed = 0
	r.resetRandomizedElectionTimeout()
	r.abortLeaderTransfer()

	r.trk.ResetVotes()
	last := r.raftLog.lastIndex()
	for id, pr := range r.trk.Progress {
		pr.Match = 0
		pr.Next = last + 1
		pr.ResetState(StateProbe)
		if id == r.id {
			pr.Match = last
		}
	}
	r.pendingConfIndex = 0
}

func (r *raft) appendEntry(es ...Entry) {
	li := r.raftLog.lastIndex()
	for i := range es {
		es[i].Term = r.Term
		es[i].Index = li + 1 + uint64(i)
	}
	li = r.raftLog.append(es...)
	r.trk.Progress[r.id].MaybeUpdate(li)
	// A single-voter group commits on its own ack.
	r.maybeCommit()
}

func (r *raft) tickElection() {
	r.electionElapsed++
	if r.promotable() && r.pastElectionTimeout() {
		r.electionElapsed = 0
		r.Step(Message{From: r.id, Type: MsgHup})
	}
}

func (r *raft) tickHeartbeat() {
	r.heartbeatElapsed++
	r.electionElapsed++

	if r.electionElapsed >= r.electionTimeout {
		r.electionElapsed = 0
		if r.state == StateLeader && r.checkQuorum {
			if pr := r.trk.Progress[r.id]; pr != nil {
				pr.RecentActive = true
			}
			if !r.trk.QuorumActive() {
				r.logger.Warnf("raft %d stepped down to follower since quorum is not active", r.id)
				r.becomeFollower(r.Term, None)
			} else {
				for id, pr := range r.trk.Progress {
					if id != r.id {
						pr.RecentActive = false
					}
				}
			}
		}
		// A transfer that did not finish within an election timeout is
		// abandoned so proposals resume.
		if r.state == StateLeader && r.leadTransferee != None {
			r.abortLeaderTransfer()
		}
	}

	if r.state != StateLeader {
		return
	}
	if r.heartbeatElapsed >= r.heartbeatTimeout {
		r.heartbeatElapsed = 0
		r.Step(Message{From: r.id, Type: MsgBeat})
	}
}

func (r *raft) becomeFollower(term uint64, lead uint64) {
	r.step = stepFollower
	r.reset(term)
	r.tick = r.tickElection
	r.lead = lead
	r.state = StateFollower
	r.logger.Infof("raft %d became follower at term %d", r.id, r.Term)
}

func (r *raft) becomePreCandidate() {
	if r.state == StateLeader {
		panic("invalid transition [leader -> pre-candidate]")
	}
	// Pre-vote probes with Term+1 but changes neither term nor vote.
	r.step = stepCandidate
	r.trk.ResetVotes()
	r.tick = r.tickElection
	r.lead = None
	r.state = StatePreCandidate
	r.logger.Infof("raft %d became pre-candidate at term %d", r.id, r.Term)
}

func (r *raft) becomeCandidate() {
	if r.state == StateLeader {
		panic("invalid transition [leader -> candidate]")
	}
	r.step = stepCandidate
	r.reset(r.Term + 1)
	r.tick = r.tickElection
	r.Vote = r.id
	r.state = StateCandidate
	r.logger.Infof("raft %d became candidate at term %d", r.id, r.Term)
}

func (r *raft) becomeLeader() {
	if r.state == StateFollower {
		panic("invalid transition [follower -> leader]")
	}
	r.step = stepLeader
	r.reset(r.Term)
	r.tick = r.tickHeartbeat
	r.lead = r.id
	r.state = StateLeader
	r.trk.Progress[r.id].BecomeReplicate()

	// No conf change may be proposed until everything inherited from prior
	// terms is applied.
	r.pendingConfIndex = r.raftLog.lastIndex()

	// The no-op entry commits the previous term's tail.
	r.appendEntry(Entry{Data: nil})
	r.logger.Infof("raft %d became leader at term %d", r.id, r.Term)
}

type campaignType int

const (
	campaignPreElection campaignType = iota
	campaignElection
	campaignTransfer
)

func (r *raft) hup(t campaignType) {
	if r.state == StateLeader {
		r.logger.Debugf("raft %d ignoring MsgHup because already leader", r.id)
		return
	}
	if !r.promotable() {
		r.logger.Warnf("raft %d is unpromotable and can not campaign", r.id)
		return
	}
	r.campaign(t)
}

func (r *raft) campaign(t campaignType) {
	var term uint64
	var voteMsg MsgType
	if t == campaignPreElection {
		r.becomePreCandidate()
		voteMsg = MsgPreVote
		term = r.Term + 1
	} else {
		r.becomeCandidate()
		voteMsg = MsgVote
		term = r.Term
	}
	// Self vote; a single-voter group wins immediately.
	if res := r.poll(r.id, voteRespType(voteMsg), true); res == VoteWon {
		if t == campaignPreElection {
			r.campaign(campaignElection)
		} else {
			r.becomeLeader()
		}
		return
	}

	var ctx []byte
	if t == campaignTransfer {
		ctx = campaignTransferCtx
	}
	for _, id := range r.trk.VoterIDs() {
		if id == r.id {
			continue
		}
		r.logger.Infof("raft %d [logterm: %d, index: %d] sent %s request to %d at term %d",
			r.id, r.raftLog.lastTerm(), r.raftLog.lastIndex(), voteMsg, id, r.Term)
		r.send(Message{
			To:      id,
			Term:    term,
			Type:    voteMsg,
			Index:   r.raftLog.lastIndex(),
			LogTerm: r.raftLog.lastTerm(),
			Context: ctx,
		})
	}
}

func voteRespType(req MsgType) MsgType {
	if req == MsgVote {
		return MsgVoteResp
	}
	return MsgPreVoteResp
}

func (r *raft) poll(id uint64, t MsgType, v bool) VoteResult {
	if v {
		r.logger.Infof("raft %d received %s from %d at term %d", r.id, t, id, r.Term)
	} else {
		r.logger.Infof("raft %d received %s rejection from %d at term %d", r.id, t, id, r.Term)
	}
	r.trk.RecordVote(id, v)
	return r.trk.TallyVotes()
}

func (r *raft) Step(m Message) error {
	switch {
	case m.Term == 0:
		// local message
	case m.Term > r.Term:
		if m.Type.isVoteRequest() {
			force := string(m.Context) == string(campaignTransferCtx)
			inLease := r.checkQuorum && r.lead != None && r.electionElapsed < r.electionTimeout
			if !force && inLease {
				// A live leader exists as far as this peer knows; the vote
				// request is ignored rather than disturbing it.
				r.logger.Infof("raft %d [logterm: %d, index: %d, vote: %d] ignored %s from %d [logterm: %d, index: %d] at term %d: lease is not expired",
					r.id, r.raftLog.lastTerm(), r.raftLog.lastIndex(), r.Vote, m.Type, m.From, m.LogTerm, m.Index, r.Term)
				return nil
			}
		}
		switch {
		case m.Type == MsgPreVote:
			// Never bump the term for a pre-vote.
		case m.Type == MsgPreVoteResp && !m.Reject:
			// Granted pre-votes come back at the future term; the real
			// election bumps the term.
		default:
			r.logger.Infof("raft %d [term: %d] received a %s message with higher term from %d [term: %d]",
				r.id, r.Term, m.Type, m.From, m.Term)
			if m.Type == MsgApp || m.Type == MsgHeartbeat || m.Type == MsgSnap {
				r.becomeFollower(m.Term, m.From)
			} else {
				r.becomeFollower(m.Term, None)
			}
		}
	case m.Term < r.Term:
		if (r.checkQuorum || r.preVote) && (m.Type == MsgHeartbeat || m.Type == MsgApp) {
			// A removed or partitioned old leader; answering at our term
			// makes it step down without disrupting anything.
			r.send(Message{To: m.From, Type: MsgAppResp})
		} else if m.Type == MsgPreVote {
			r.logger.Infof("raft %d [logterm: %d, index: %d, vote: %d] rejected %s from %d [logterm: %d, index: %d] at term %d",
				r.id, r.raftLog.lastTerm(), r.raftLog.lastIndex(), r.Vote, m.Type, m.From, m.LogTerm, m.Index, r.Term)
			r.send(Message{To: m.From, Term: r.Term, Type: MsgPreVoteResp, Reject: true})
		} else {
			r.logger.Infof("raft %d [term: %d] ignored a %s message with lower term from %d [term: %d]",
				r.id, r.Term, m.Type, m.From, m.Term)
		}
		return nil
	}

	switch m.Type {
	case MsgHup:
		if r.preVote {
			r.hup(campaignPreElection)
		} else {
			r.hup(campaignElection)
		}

	case MsgVote, MsgPreVote:
		canVote := r.Vote == m.From ||
			(r.Vote == None && r.lead == None) ||
			(m.Type == MsgPreVote && m.Term > r.Term)
		if canVote && r.raftLog.isUpToDate(m.Index, m.LogTerm) {
			r.logger.Infof("raft %d [logterm: %d, index: %d, vote: %d] cast %s for %d [logterm: %d, index: %d] at term %d",
				r.id, r.raftLog.lastTerm(), r.raftLog.lastIndex(), r.Vote, m.Type, m.From, m.LogTerm, m.Index, r.Term)
			r.send(Message{To: m.From, Term: m.Term, Type: voteRespType(m.Type)})
			if m.Type == MsgVote {
				r.electionElapsed = 0
				r.Vote = m.From
			}
		} else {
			r.logger.Infof("raft %d [logterm: %d, index: %d, vote: %d] rejected %s from %d [logterm: %d, index: %d] at term %d",
				r.id, r.raftLog.lastTerm(), r.raftLog.lastIndex(), r.Vote, m.Type, m.From, m.LogTerm, m.Index, r.Term)
			r.send(Message{To: m.From, Term: r.Term, Type: voteRespType(m.Type), Reject: true})
		}

	default:
		return r.step(r, m)
	}
	return nil
}

func stepLeader(r *raft, m Message) error {
	switch m.Type {
	case MsgBeat:
		r.bcastHeartbeat()
		return nil
	case MsgProp:
		if len(m.Entries) == 0 {
			panic(fmt.Sprintf("raft %d stepped empty MsgProp", r.id))
		}
		if r.trk.Progress[r.id] == nil {
			// This peer was removed from the configuration.
			return ErrProposalDropped
		}
		if r.leadTransferee != None {
			r.logger.Debugf("raft %d [term %d] transfer leadership to %d is in progress; dropping proposal",
				r.id, r.Term, r.leadTransferee)
			return ErrProposalDropped
		}
		for i := range m.Entries {
			e := &m.Entries[i]
			if e.Type != EntryConfChange {
				continue
			}
			var cc ConfChange
			utils.MsgpDecode(e.Data, &cc)
			alreadyPending := r.pendingConfIndex > r.raftLog.applied
			alreadyJoint := r.trk.Voters.IsJoint()
			wantsLeave := cc.LeaveJoint()

			var refused string
			if alreadyPending {
				refused = fmt.Sprintf("possible unapplied conf change at index %d (applied to %d)", r.pendingConfIndex, r.raftLog.applied)
			} else if alreadyJoint && !wantsLeave {
				refused = "must transition out of joint config first"
			} else if !alreadyJoint && wantsLeave {
				refused = "not in joint state; refusing empty conf change"
			}
			if refused != "" {
				r.logger.Infof("raft %d ignoring conf change %v at config %v: %s", r.id, cc, r.trk.ConfState(), refused)
				m.Entries[i] = Entry{Type: EntryNormal}
			} else {
				r.pendingConfIndex = r.raftLog.lastIndex() + uint64(i) + 1
			}
		}
		r.appendEntry(m.Entries...)
		r.bcastAppend()
		return nil
	case MsgReadIndex:
		// Leadership is only trustworthy once something from this term has
		// committed; before that the commit index may belong to a stale view.
		if r.raftLog.zeroTermOnErr(r.raftLog.term(r.raftLog.committed)) != r.Term {
			return nil
		}
		r.readOnly.addRequest(r.raftLog.committed, m)
		r.readOnly.recvAck(r.id, m.Entries[0].Data)
		if r.readQuorumAcked(m.Entries[0].Data) {
			r.advanceReads(m.Entries[0].Data)
		} else {
			r.bcastHeartbeatWithCtx(m.Entries[0].Data)
		}
		return nil
	case MsgTransferLeader:
		// Forwarded by a follower or issued locally.
		leadTransferee := m.From
		if pr := r.trk.Progress[leadTransferee]; pr == nil || pr.IsLearner {
			r.logger.Debugf("raft %d ignored transferring leadership to missing or learner peer %d", r.id, leadTransferee)
			return nil
		}
		if r.leadTransferee == leadTransferee {
			return nil
		}
		r.abortLeaderTransfer()
		if leadTransferee == r.id {
			return nil
		}
		r.logger.Infof("raft %d [term %d] starts to transfer leadership to %d", r.id, r.Term, leadTransferee)
		r.electionElapsed = 0
		r.leadTransferee = leadTransferee
		if r.trk.Progress[leadTransferee].Match == r.raftLog.lastIndex() {
			r.sendTimeoutNow(leadTransferee)
		} else {
			r.maybeSendAppend(leadTransferee, false)
		}
		return nil
	}

	pr := r.trk.Progress[m.From]
	if pr == nil {
		r.logger.Debugf("raft %d no progress available for %d", r.id, m.From)
		return nil
	}
	switch m.Type {
	case MsgAppResp:
		pr.RecentActive = true
		if m.Reject {
			r.logger.Debugf("raft %d received MsgAppResp(rejected, hint: (index %d, term %d)) from %d for index %d",
				r.id, m.HintIndex, m.HintTerm, m.From, m.Index)
			nextProbeIdx := m.HintIndex
			if m.HintTerm > 0 {
				// Skip every index whose term is above the follower's
				// conflicting term; the follower cannot hold those either.
				nextProbeIdx = r.findConflictByTerm(m.HintIndex, m.HintTerm)
			}
			if pr.MaybeDecrTo(m.Index, nextProbeIdx) {
				if pr.State == StateReplicate {
					pr.BecomeProbe()
				}
				r.maybeSendAppend(m.From, true)
			}
		} else {
			if pr.MaybeUpdate(m.Index) {
				switch {
				case pr.State == StateProbe:
					pr.BecomeReplicate()
				case pr.State == StateSnapshot && pr.Match >= pr.PendingSnapshot:
					r.logger.Infof("raft %d recovered snapshot progress of %d [%s]", r.id, m.From, pr)
					pr.BecomeProbe()
					pr.BecomeReplicate()
				}
				if r.maybeCommit() {
					r.bcastAppend()
				} else {
					r.maybeSendAppend(m.From, false)
				}
				// The transfer target caught up; hand over now.
				if m.From == r.leadTransferee && pr.Match == r.raftLog.lastIndex() {
					r.logger.Infof("raft %d sent MsgTimeoutNow to %d after it caught up", r.id, m.From)
					r.sendTimeoutNow(m.From)
				}
			}
		}
	case MsgHeartbeatResp:
		pr.RecentActive = true
		pr.MsgAppPaused = false
		if pr.Match < r.raftLog.lastIndex() || pr.State == StateProbe {
			// An empty append probes the follower's position; its rejection
			// hint restarts replication after lost messages.
			r.maybeSendAppend(m.From, true)
		}
		if len(m.Context) == 0 {
			return nil
		}
		if r.readOnly.recvAck(m.From, m.Context) == nil {
			return nil
		}
		if r.readQuorumAcked(m.Context) {
			r.advanceReads(m.Context)
		}
	}
	return nil
}

func (r *raft) readQuorumAcked(ctx []byte) bool {
	rs, ok := r.readOnly.pendingReadIndex[string(ctx)]
	if !ok {
		return false
	}
	return r.trk.Voters.VoteResult(rs.acks) == VoteWon
}

func (r *raft) advanceReads(ctx []byte) {
	for _, rs := range r.readOnly.advance(ctx) {
		if resp := r.responseToReadIndexReq(rs.req, rs.index); resp.To != None {
			r.send(resp)
		}
	}
}

// responseToReadIndexReq answers a granted ReadIndex: locally originated
// requests land in readStates, forwarded ones travel back to the follower.
func (r *raft) responseToReadIndexReq(req Message, readIndex uint64) Message {
	if req.From == None || req.From == r.id {
		r.readStates = append(r.readStates, ReadState{Index: readIndex, RequestCtx: req.Entries[0].Data})
		return Message{}
	}
	return Message{Type: MsgReadIndexResp, To: req.From, Index: readIndex, Entries: req.Entries}
}

// findConflictByTerm walks the leader's log downward from index to the last
// entry whose term is <= term.
func (r *raft) findConflictByTerm(index, term uint64) uint64 {
	for ; index > 0; index-- {
		t, err := r.raftLog.term(index)
		if err != nil || t <= term {
			break
		}
	}
	return index
}

func stepCandidate(r *raft, m Message) error {
	var myVoteRespType MsgType
	if r.state == StatePreCandidate {
		myVoteRespType = MsgPreVoteResp
	} else {
		myVoteRespType = MsgVoteResp
	}
	switch m.Type {
	case MsgProp:
		r.logger.Infof("raft %d no leader at term %d; dropping proposal", r.id, r.Term)
		return ErrProposalDropped
	case MsgApp:
		r.becomeFollower(m.Term, m.From)
		r.handleAppendEntries(m)
	case MsgHeartbeat:
		r.becomeFollower(m.Term, m.From)
		r.handleHeartbeat(m)
	case MsgSnap:
		r.becomeFollower(m.Term, m.From)
		r.handleSnapshot(m)
	case myVoteRespType:
		res := r.poll(m.From, m.Type, !m.Reject)
		switch res {
		case VoteWon:
			if r.state == StatePreCandidate {
				r.campaign(campaignElection)
			} else {
				r.becomeLeader()
				r.bcastAppend()
			}
		case VoteLost:
			r.becomeFollower(r.Term, None)
		}
	case MsgTimeoutNow:
		r.logger.Debugf("raft %d [term %d] ignored MsgTimeoutNow from %d", r.id, r.Term, m.From)
	}
	return nil
}

func stepFollower(r *raft, m Message) error {
	switch m.Type {
	case MsgProp:
		if r.lead == None {
			r.logger.Infof("raft %d no leader at term %d; dropping proposal", r.id, r.Term)
			return ErrProposalDropped
		}
		m.To = r.lead
		r.send(m)
	case MsgApp:
		r.electionElapsed = 0
		r.lead = m.From
		r.handleAppendEntries(m)
	case MsgHeartbeat:
		r.electionElapsed = 0
		r.lead = m.From
		r.handleHeartbeat(m)
	case MsgSnap:
		r.electionElapsed = 0
		r.lead = m.From
		r.handleSnapshot(m)
	case MsgTransferLeader:
		if r.lead == None {
			r.logger.Infof("raft %d no leader at term %d; dropping leader transfer msg", r.id, r.Term)
			return nil
		}
		m.To = r.lead
		r.send(m)
	case MsgTimeoutNow:
		r.logger.Infof("raft %d [term %d] received MsgTimeoutNow from %d and starts an election to get leadership",
			r.id, r.Term, m.From)
		// Skip pre-vote: the current leader told us to take over.
		r.hup(campaignTransfer)
	case MsgReadIndex:
		if r.lead == None {
			r.logger.Infof("raft %d no leader at term %d; dropping index reading msg", r.id, r.Term)
			return nil
		}
		m.To = r.lead
		r.send(m)
	case MsgReadIndexResp:
		if len(m.Entries) != 1 {
			r.logger.Errorf("raft %d invalid format of MsgReadIndexResp from %d, entries count: %d",
				r.id, m.From, len(m.Entries))
			return nil
		}
		r.readStates = append(r.readStates, ReadState{Index: m.Index, RequestCtx: m.Entries[0].Data})
	}
	return nil
}

func (r *raft) handleAppendEntries(m Message) {
	if m.Index < r.raftLog.committed {
		r.send(Message{To: m.From, Type: MsgAppResp, Index: r.raftLog.committed})
		return
	}
	if mlastIndex, ok := r.raftLog.maybeAppend(m.Index, m.LogTerm, m.Commit, m.Entries); ok {
		r.send(Message{To: m.From, Type: MsgAppResp, Index: mlastIndex})
		return
	}
	r.logger.Debugf("raft %d [logterm: %d, index: %d] rejected MsgApp [logterm: %d, index: %d] from %d",
		r.id, r.raftLog.zeroTermOnErr(r.raftLog.term(m.Index)), m.Index, m.LogTerm, m.Index, m.From)
	hintIndex, hintTerm := r.raftLog.findConflictHint(m.Index)
	r.send(Message{
		To:        m.From,
		Type:      MsgAppResp,
		Index:     m.Index,
		Reject:    true,
		HintIndex: hintIndex,
		HintTerm:  hintTerm,
	})
}

func (r *raft) handleHeartbeat(m Message) {
	r.raftLog.commitTo(m.Commit)
	r.send(Message{To: m.From, Type: MsgHeartbeatResp, Context: m.Context})
}

func (r *raft) handleSnapshot(m Message) {
	index, term := m.Snapshot.Index, m.Snapshot.Term
	if r.restore(m.Snapshot) {
		r.logger.Infof("raft %d [commit: %d] restored snapshot [index: %d, term: %d]",
			r.id, r.raftLog.committed, index, term)
		r.send(Message{To: m.From, Type: MsgAppResp, Index: r.raftLog.lastIndex()})
	} else {
		r.logger.Infof("raft %d [commit: %d] ignored snapshot [index: %d, term: %d]",
			r.id, r.raftLog.committed, index, term)
		r.send(Message{To: m.From, Type: MsgAppResp, Index: r.raftLog.committed})
	}
}

func (r *raft) restore(s SnapshotMeta) bool {
	if s.Index <= r.raftLog.committed {
		return false
	}
	if r.state != StateFollower {
		r.logger.Warnf("raft %d attempted to restore snapshot as leader; should never happen", r.id)
		r.becomeFollower(r.Term+1, None)
		return false
	}
	if r.raftLog.matchTerm(s.Index, s.Term) {
		// Already have the entry; just fast-forward commit.
		r.raftLog.commitTo(s.Index)
		return false
	}
	r.raftLog.restore(s)
	r.trk.SetConfState(s.ConfState, r.raftLog.lastIndex())
	return true
}

// applyConfChange mutates the configuration once the conf change entry is
// executed by the state machine. A batch of more than one delta enters a
// joint configuration; an empty batch leaves it.
func (r *raft) applyConfChange(cc ConfChange) ConfState {
	switch {
	case cc.LeaveJoint():
		if !r.trk.Voters.IsJoint() {
			r.logger.Warnf("raft %d can not leave a non-joint config", r.id)
			break
		}
		cs := r.trk.ConfState()
		cs.VotersOutgoing = nil
		r.trk.SetConfState(cs, r.raftLog.lastIndex())
	case len(cc.Changes) == 1:
		cs := r.applyChanges(r.trk.ConfState(), cc.Changes)
		r.trk.SetConfState(cs, r.raftLog.lastIndex())
	default:
		// Enter joint: the old voter set becomes the outgoing config.
		cs := r.trk.ConfState()
		cs.VotersOutgoing = append([]uint64(nil), cs.Voters...)
		cs = r.applyChanges(cs, cc.Changes)
		r.trk.SetConfState(cs, r.raftLog.lastIndex())
	}

	cs := r.trk.ConfState()
	pr := r.trk.Progress[r.id]
	if r.state == StateLeader && (pr == nil || pr.IsLearner) {
		// The leader removed (or demoted) itself; it keeps serving until the
		// next election but proposes nothing new.
		r.logger.Infof("raft %d was removed from configuration while leader", r.id)
	}
	if r.state == StateLeader {
		if r.maybeCommit() {
			r.bcastAppend()
		}
		if r.leadTransferee != None && r.trk.Progress[r.leadTransferee] == nil {
			r.abortLeaderTransfer()
		}
	}
	r.logger.Infof("raft %d switched to configuration voters=%v outgoing=%v learners=%v",
		r.id, cs.Voters, cs.VotersOutgoing, cs.Learners)
	return cs
}

func (r *raft) applyChanges(cs ConfState, changes []ConfChangeSingle) ConfState {
	voters := map[uint64]struct{}{}
	learners := map[uint64]struct{}{}
	for _, id := range cs.Voters {
		voters[id] = struct{}{}
	}
	for _, id := range cs.Learners {
		learners[id] = struct{}{}
	}
	for _, ch := range changes {
		switch ch.Type {
		case ConfAddNode:
			delete(learners, ch.NodeID)
			voters[ch.NodeID] = struct{}{}
		case ConfAddLearner:
			delete(voters, ch.NodeID)
			learners[ch.NodeID] = struct{}{}
		case ConfRemoveNode:
			delete(voters, ch.NodeID)
			delete(learners, ch.NodeID)
		}
	}
	out := ConfState{VotersOutgoing: cs.VotersOutgoing}
	for id := range voters {
		out.Voters = append(out.Voters, id)
	}
	for id := range learners {
		out.Learners = append(out.Learners, id)
	}
	return out
}

func (r *raft) pastElectionTimeout() bool {
	return r.electionElapsed >= r.randomizedElectionTimeout
}

func (r *raft) resetRandomizedElectionTimeout() {
	r.randomizedElectionTimeout = r.electionTimeout + common.RandIntn(r.electionTimeout)
}

func (r *raft) sendTimeoutNow(to uint64) {
	r.send(Message{To: to, Type: MsgTimeoutNow})
}

func (r *raft) abortLeaderTransfer() {
	r.leadTransferee = None
}

func describe(id uint64) string {
	return fmt.Sprintf("peer %d", id)
}
