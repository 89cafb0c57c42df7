package replica

import (
	"encoding/binary"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/stormgbs/tikv/internal/raft"
	"github.com/stormgbs/tikv/internal/snapshot"
	"github.com/stormgbs/tikv/internal/storage"
	"github.com/stormgbs/tikv/pkg/common"
	"github.com/stormgbs/tikv/pkg/common/utils"
)

// Proposal is one client command waiting for its log entry to apply. The
// channel is buffered; a dropped proposal gets ErrProposalDropped.
type Proposal struct {
	index uint64
	term  uint64
	C     chan *ExecResult
}

// ReadGrant is a granted linearizable read point: wait for the shard to
// apply up to Index, then read the engine directly.
type ReadGrant struct {
	Index uint64
	Err   common.Err
}

// Peer is one shard replica. It owns a RawNode and its storage; the router
// serializes all raft-side calls onto one worker, the apply pipeline calls
// only Apply and NotifyApplied.
type Peer struct {
	ShardID uint64
	Meta    common.PeerMeta

	rn *raft.RawNode
	ps *PeerStorage

	mu           sync.Mutex
	appliedCond  *sync.Cond
	appliedIndex uint64
	proposals    map[uint64]*Proposal
	pendingReads map[string]chan ReadGrant
	readSeq      uint64
	restored     bool
	stopped      bool

	unhealthy int32

	engine storage.Engine
	logger *logrus.Logger
}

func NewPeer(shardID uint64, meta common.PeerMeta, engine storage.Engine, snaps *snapshot.Manager,
	electionTicks, heartbeatTicks int, logger *logrus.Logger) (*Peer, error) {

	ps, err := OpenPeerStorage(engine, snaps, shardID, logger)
	if err != nil {
		return nil, err
	}
	applied := ps.ApplyState().AppliedIndex
	rn, err := raft.NewRawNode(&raft.Config{
		ID:            meta.ID,
		ElectionTick:  electionTicks,
		HeartbeatTick: heartbeatTicks,
		Storage:       ps,
		Applied:       applied,
		MaxSizePerMsg: 1 << 20,
		PreVote:       true,
		CheckQuorum:   true,
		Logger:        logger,
	})
	if err != nil {
		return nil, err
	}
	p := &Peer{
		ShardID:      shardID,
		Meta:         meta,
		rn:           rn,
		ps:           ps,
		appliedIndex: applied,
		proposals:    map[uint64]*Proposal{},
		pendingReads: map[string]chan ReadGrant{},
		engine:       engine,
		logger:       logger,
	}
	p.appliedCond = sync.NewCond(&p.mu)
	return p, nil
}

func (p *Peer) Storage() *PeerStorage        { return p.ps }
func (p *Peer) ShardMeta() *common.ShardMeta { return p.ps.ShardMeta() }
func (p *Peer) IsLeader() bool               { return p.rn.IsLeader() }
func (p *Peer) LeaderID() uint64             { return p.rn.Lead() }
func (p *Peer) Term() uint64                 { return p.rn.Term() }

func (p *Peer) AppliedIndex() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.appliedIndex
}

func (p *Peer) Tick() {
	p.rn.Tick()
}

func (p *Peer) Campaign() error {
	return p.rn.Campaign()
}

func (p *Peer) Step(m raft.Message) error {
	return p.rn.Step(m)
}

func (p *Peer) TransferLeader(to uint64) {
	p.rn.TransferLeader(to)
}

// Propose replicates one command and registers the caller for its result.
// Runs on the raft worker.
func (p *Peer) Propose(cmdType uint8, body []byte, pr *Proposal) common.Err {
	if !p.rn.IsLeader() {
		return common.ErrNotLeader
	}
	if ms := p.ps.MergeState(); ms != nil && cmdType != common.CmdTypeRollbackMerge {
		// Fenced for a merge in flight; the range will move.
		return common.ErrProposalDropped
	}
	if err := p.rn.Propose(utils.EncodeCmdWrap(cmdType, body)); err != nil {
		return common.ErrProposalDropped
	}
	pr.index = p.rn.LastIndex()
	pr.term = p.rn.Term()
	p.mu.Lock()
	p.proposals[pr.index] = pr
	p.mu.Unlock()
	return common.OK
}

// ProposeConfChange replicates a membership change carrying the placed peer
// in its context.
func (p *Peer) ProposeConfChange(cc raft.ConfChange, pr *Proposal) common.Err {
	if !p.rn.IsLeader() {
		return common.ErrNotLeader
	}
	if p.ps.MergeState() != nil {
		return common.ErrProposalDropped
	}
	if err := p.rn.ProposeConfChange(cc); err != nil {
		return common.ErrProposalDropped
	}
	pr.index = p.rn.LastIndex()
	pr.term = p.rn.Term()
	p.mu.Lock()
	p.proposals[pr.index] = pr
	p.mu.Unlock()
	return common.OK
}

// RequestRead asks for a linearizable read point. The grant arrives on the
// returned channel once a heartbeat round confirms leadership.
func (p *Peer) RequestRead() (chan ReadGrant, common.Err) {
	if !p.rn.IsLeader() {
		return nil, common.ErrNotLeader
	}
	p.mu.Lock()
	p.readSeq++
	ctx := make([]byte, 8)
	binary.BigEndian.PutUint64(ctx, p.readSeq)
	c := make(chan ReadGrant, 1)
	p.pendingReads[string(ctx)] = c
	p.mu.Unlock()
	p.rn.ReadIndex(ctx)
	return c, common.OK
}

// HandleReady persists and dispatches everything pending on the raft state
// machine, returning the committed entries for the apply pipeline. send
// delivers messages after persistence.
func (p *Peer) HandleReady(send func([]raft.Message)) ([]raft.Entry, error) {
	if !p.rn.HasReady() {
		return nil, nil
	}
	rd := p.rn.Ready()

	if !rd.Snapshot.IsEmpty() {
		if err := p.ps.RestoreSnapshot(rd.Snapshot); err != nil {
			p.ReportStorageError()
			return nil, err
		}
		p.mu.Lock()
		p.appliedIndex = rd.Snapshot.Index
		p.restored = true
		p.appliedCond.Broadcast()
		p.mu.Unlock()
	}
	if err := p.ps.SaveReady(&rd); err != nil {
		p.ReportStorageError()
		return nil, err
	}
	if len(rd.Messages) > 0 {
		send(rd.Messages)
	}
	for _, rs := range rd.ReadStates {
		p.mu.Lock()
		if c, ok := p.pendingReads[string(rs.RequestCtx)]; ok {
			delete(p.pendingReads, string(rs.RequestCtx))
			c <- ReadGrant{Index: rs.Index, Err: common.OK}
		}
		p.mu.Unlock()
	}
	committed := rd.CommittedEntries
	p.rn.Advance(rd)
	return committed, nil
}

// TakeRestored reports (once) that a snapshot replaced the shard's state,
// so the router can refresh its range index.
func (p *Peer) TakeRestored() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.restored {
		p.restored = false
		return true
	}
	return false
}

// OnConfChangeApplied runs on the raft worker after the apply pipeline
// executed a conf change entry.
func (p *Peer) OnConfChangeApplied(cc raft.ConfChange) {
	p.rn.ApplyConfChange(cc)
}

func (p *Peer) ReportSnapshotStatus(to uint64, rejected bool) {
	p.rn.ReportSnapshotStatus(to, rejected)
}

func (p *Peer) ReportUnreachable(id uint64) {
	p.rn.ReportUnreachable(id)
}

// NotifyApplied is called by the apply worker after a batch executed,
// resolving waiting proposals and read waiters.
func (p *Peer) NotifyApplied(appliedIndex uint64, results []*ExecResult) {
	p.mu.Lock()
	if appliedIndex > p.appliedIndex {
		p.appliedIndex = appliedIndex
	}
	p.appliedCond.Broadcast()
	for _, res := range results {
		pr, ok := p.proposals[res.Index]
		if !ok {
			continue
		}
		delete(p.proposals, res.Index)
		if pr.term != res.Term {
			// A different leader's entry landed at this index.
			pr.C <- &ExecResult{Index: res.Index, Term: res.Term, Err: common.ErrProposalDropped}
			continue
		}
		pr.C <- res
	}
	p.mu.Unlock()
}

// WaitApplied blocks until the shard applied up to target (for granted
// reads). Returns false when the peer stopped first.
func (p *Peer) WaitApplied(target uint64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for p.appliedIndex < target && !p.stopped {
		p.appliedCond.Wait()
	}
	return !p.stopped
}

// Stop fails every waiter; the router drains mailboxes before calling it.
func (p *Peer) Stop() {
	p.mu.Lock()
	p.stopped = true
	p.appliedCond.Broadcast()
	for idx, pr := range p.proposals {
		delete(p.proposals, idx)
		pr.C <- &ExecResult{Index: idx, Err: common.ErrNodeClosed}
	}
	for ctx, c := range p.pendingReads {
		delete(p.pendingReads, ctx)
		c <- ReadGrant{Err: common.ErrNodeClosed}
	}
	p.mu.Unlock()
	p.logger.Infof("peer %d of shard %d stopped", p.Meta.ID, p.ShardID)
}

func (p *Peer) Stopped() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stopped
}

// ReportStorageError marks the replica unhealthy so the next heartbeat
// surfaces the engine failure instead of masking it. The flag is sticky;
// placement decides whether to move the replica.
func (p *Peer) ReportStorageError() {
	atomic.StoreInt32(&p.unhealthy, 1)
}

// Heartbeat summarizes the shard for the placement collaborator.
func (p *Peer) Heartbeat() common.ShardHeartbeat {
	return common.ShardHeartbeat{
		Meta:            *p.ps.ShardMeta(),
		PeerID:          p.Meta.ID,
		IsLeader:        p.rn.IsLeader(),
		AppliedIndex:    p.AppliedIndex(),
		ApproximateSize: p.ps.ApproximateSize(),
		Unhealthy:       atomic.LoadInt32(&p.unhealthy) == 1,
	}
}
