package router

import (
	"bytes"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/stormgbs/tikv/internal/netw"
	"github.com/stormgbs/tikv/internal/raft"
	"github.com/stormgbs/tikv/internal/replica"
	"github.com/stormgbs/tikv/internal/snapshot"
	"github.com/stormgbs/tikv/internal/storage"
	"github.com/stormgbs/tikv/pkg/common"
)

// Transport delivers raft traffic to other nodes. Send is best effort; the
// raft protocol tolerates loss. SendSnapshot streams every chunk of the
// named image, in order, and fails if the receiver rejects any of them.
type Transport interface {
	Send(args *netw.RaftMessageArgs)
	SendSnapshot(to common.PeerMeta, shardID uint64, name string) error
}

type Config struct {
	RaftWorkers  int
	ApplyWorkers int
	SnapWorkers  int

	MailboxCap    int
	ApplyQueueCap int

	ElectionTicks  int
	HeartbeatTicks int
	TickInterval   time.Duration
}

func DefaultConfig() Config {
	return Config{
		RaftWorkers:    4,
		ApplyWorkers:   4,
		SnapWorkers:    2,
		MailboxCap:     256,
		ApplyQueueCap:  64,
		ElectionTicks:  10,
		HeartbeatTicks: 2,
		TickInterval:   100 * time.Millisecond,
	}
}

type shardState struct {
	id       uint64
	peer     *replica.Peer
	mailbox  *mailbox
	applyCh  chan []raft.Entry
	applying int32
}

// Router hosts every shard replica of one node: it demultiplexes inbound
// raft messages and client proposals by shard id, drives each shard's raft
// state machine on a bounded worker pool (one consensus step per shard at a
// time), runs the apply pipeline on a second pool, and keeps snapshot
// generation and streaming off both.
type Router struct {
	nodeID uint64
	engine storage.Engine
	snaps  *snapshot.Manager
	trans  Transport
	conf   Config
	logger *logrus.Logger

	mu     sync.RWMutex
	shards map[uint64]*shardState
	// byStart indexes hosted shards by start key for key routing.
	byStart []*common.ShardMeta

	raftPool  *workerPool
	applyPool *workerPool
	snapPool  *workerPool

	stopc   chan struct{}
	stopped int32
}

func New(nodeID uint64, engine storage.Engine, snaps *snapshot.Manager, trans Transport,
	conf Config, logger *logrus.Logger) *Router {
	return &Router{
		nodeID: nodeID,
		engine: engine,
		snaps:  snaps,
		trans:  trans,
		conf:   conf,
		logger: logger,
		shards: map[uint64]*shardState{},
		stopc:  make(chan struct{}),
	}
}

// Start opens a peer for every shard already bootstrapped on the engine and
// launches the worker pools and the tick driver.
func (r *Router) Start() error {
	// One raft job and one apply job per shard at most; the backlog just
	// needs headroom over the hosted shard count.
	r.raftPool = newWorkerPool(r.conf.RaftWorkers, 4096)
	r.applyPool = newWorkerPool(r.conf.ApplyWorkers, 4096)
	r.snapPool = newWorkerPool(r.conf.SnapWorkers, 1024)

	ids, err := storage.ListShards(r.engine)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if err := r.AddPeer(id); err != nil {
			return err
		}
	}
	go r.tickLoop()
	return nil
}

func (r *Router) Stop() {
	if !atomic.CompareAndSwapInt32(&r.stopped, 0, 1) {
		return
	}
	close(r.stopc)
	r.mu.Lock()
	states := make([]*shardState, 0, len(r.shards))
	for _, s := range r.shards {
		states = append(states, s)
	}
	r.mu.Unlock()
	for _, s := range states {
		s.peer.Stop()
	}
	r.raftPool.close()
	r.applyPool.close()
	r.snapPool.close()
}

// AddPeer opens the hosted replica of an already-bootstrapped shard.
func (r *Router) AddPeer(shardID uint64) error {
	ps, err := replica.OpenPeerStorage(r.engine, r.snaps, shardID, r.logger)
	if err != nil {
		return err
	}
	meta := ps.ShardMeta()
	pm, ok := meta.PeerOnNode(r.nodeID)
	if !ok {
		return common.ErrShardNotFound.AsError()
	}
	p, err := replica.NewPeer(shardID, pm, r.engine, r.snaps,
		r.conf.ElectionTicks, r.conf.HeartbeatTicks, r.logger)
	if err != nil {
		return err
	}
	r.register(p)
	return nil
}

// BootstrapShard writes a brand new shard's initial state and opens its
// peer. Used at cluster bootstrap and when a snapshot arrives for a shard
// this node never hosted.
func (r *Router) BootstrapShard(meta *common.ShardMeta) error {
	if err := replica.BootstrapShard(r.engine, meta); err != nil {
		return err
	}
	return r.AddPeer(meta.ID)
}

func (r *Router) register(p *replica.Peer) {
	s := &shardState{
		id:      p.ShardID,
		peer:    p,
		mailbox: newMailbox(r.conf.MailboxCap),
		applyCh: make(chan []raft.Entry, r.conf.ApplyQueueCap),
	}
	r.mu.Lock()
	r.shards[p.ShardID] = s
	r.reindex()
	r.mu.Unlock()
	hostedShards.Inc()
	r.logger.Infof("hosting shard %d as %s", p.ShardID, p.Meta)
}

// RemoveShard stops the shard's peer, fails its waiters and deletes its
// local raft state. Data keys are cleared only when this node no longer
// owns the range (remove-peer, not merge).
func (r *Router) RemoveShard(shardID uint64, clearData bool) {
	r.mu.Lock()
	s, ok := r.shards[shardID]
	if ok {
		delete(r.shards, shardID)
		r.reindex()
	}
	r.mu.Unlock()
	if !ok {
		return
	}
	s.peer.Stop()
	if err := replica.DestroyShardState(r.engine, shardID, clearData); err != nil {
		r.logger.Errorf("destroy shard %d: %v", shardID, err)
	}
	hostedShards.Dec()
	r.logger.Infof("shard %d removed from node %d", shardID, r.nodeID)
}

func (r *Router) reindex() {
	r.byStart = r.byStart[:0]
	for _, s := range r.shards {
		m := s.peer.ShardMeta()
		// Uninitialized peers own no range yet.
		if m.Epoch.Ver == 0 {
			continue
		}
		r.byStart = append(r.byStart, m)
	}
	sort.Slice(r.byStart, func(i, j int) bool {
		return bytes.Compare(r.byStart[i].StartKey, r.byStart[j].StartKey) < 0
	})
}

func (r *Router) get(shardID uint64) (*shardState, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.shards[shardID]
	return s, ok
}

func (r *Router) Peer(shardID uint64) (*replica.Peer, bool) {
	s, ok := r.get(shardID)
	if !ok {
		return nil, false
	}
	return s.peer, true
}

func (r *Router) ShardMeta(shardID uint64) (*common.ShardMeta, bool) {
	s, ok := r.get(shardID)
	if !ok {
		return nil, false
	}
	return s.peer.ShardMeta(), true
}

// ShardForKey resolves a key to the hosting shard, if any. The index is
// rebuilt on every membership change, so lookups are a binary search.
func (r *Router) ShardForKey(key []byte) (uint64, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	i := sort.Search(len(r.byStart), func(i int) bool {
		return bytes.Compare(r.byStart[i].StartKey, key) > 0
	})
	if i == 0 {
		return 0, false
	}
	m := r.byStart[i-1]
	if !m.Contains(key) {
		return 0, false
	}
	return m.ID, true
}

// LeaderHint is this node's last known leader of a shard, zero when unknown.
func (r *Router) LeaderHint(shardID uint64) common.PeerMeta {
	s, ok := r.get(shardID)
	if !ok {
		return common.PeerMeta{}
	}
	lead := s.peer.LeaderID()
	if lead == 0 {
		return common.PeerMeta{}
	}
	pm, _ := s.peer.ShardMeta().GetPeer(lead)
	return pm
}

func (r *Router) Heartbeats() []common.ShardHeartbeat {
	r.mu.RLock()
	states := make([]*shardState, 0, len(r.shards))
	for _, s := range r.shards {
		states = append(states, s)
	}
	r.mu.RUnlock()
	hbs := make([]common.ShardHeartbeat, 0, len(states))
	for _, s := range states {
		hbs = append(hbs, s.peer.Heartbeat())
	}
	return hbs
}

// Propose routes one replicated command to a hosted shard. The result
// arrives on the returned channel once the entry applies; immediate errors
// (unknown shard, stale epoch, full mailbox) are returned directly.
func (r *Router) Propose(shardID uint64, epoch common.Epoch, cmdType uint8, body []byte) (<-chan *replica.ExecResult, common.Err) {
	s, ok := r.get(shardID)
	if !ok {
		return nil, common.ErrShardNotFound
	}
	if epoch.OlderThan(s.peer.ShardMeta().Epoch) {
		return nil, common.ErrStaleEpoch
	}
	pr := &replica.Proposal{C: make(chan *replica.ExecResult, 1)}
	if !r.enqueue(s, peerMsg{kind: msgPropose, cmdType: cmdType, body: body, pr: pr}, false) {
		busyRejections.Inc()
		return nil, common.ErrServerBusy
	}
	proposalsTotal.Inc()
	return pr.C, common.OK
}

// ProposeConfChange routes a membership change the same way.
func (r *Router) ProposeConfChange(shardID uint64, cc raft.ConfChange) (<-chan *replica.ExecResult, common.Err) {
	s, ok := r.get(shardID)
	if !ok {
		return nil, common.ErrShardNotFound
	}
	pr := &replica.Proposal{C: make(chan *replica.ExecResult, 1)}
	if !r.enqueue(s, peerMsg{kind: msgConfChange, cc: cc, pr: pr}, false) {
		busyRejections.Inc()
		return nil, common.ErrServerBusy
	}
	return pr.C, common.OK
}

// Read requests a linearizable read point on a hosted shard. The caller
// waits for the grant, then for the applied index, then reads the engine.
func (r *Router) Read(shardID uint64, epoch common.Epoch) (<-chan replica.ReadGrant, common.Err) {
	s, ok := r.get(shardID)
	if !ok {
		return nil, common.ErrShardNotFound
	}
	if epoch.OlderThan(s.peer.ShardMeta().Epoch) {
		return nil, common.ErrStaleEpoch
	}
	c := make(chan replica.ReadGrant, 1)
	if !r.enqueue(s, peerMsg{kind: msgRead, readC: c}, false) {
		busyRejections.Inc()
		return nil, common.ErrServerBusy
	}
	return c, common.OK
}

func (r *Router) WaitApplied(shardID, index uint64) bool {
	s, ok := r.get(shardID)
	if !ok {
		return false
	}
	return s.peer.WaitApplied(index)
}

func (r *Router) TransferLeader(shardID, to uint64) common.Err {
	s, ok := r.get(shardID)
	if !ok {
		return common.ErrShardNotFound
	}
	r.enqueue(s, peerMsg{kind: msgTransferLeader, to: to}, true)
	return common.OK
}

// Campaign forces an election on a hosted shard (bootstrap, tests).
func (r *Router) Campaign(shardID uint64) common.Err {
	s, ok := r.get(shardID)
	if !ok {
		return common.ErrShardNotFound
	}
	r.enqueue(s, peerMsg{kind: msgCampaign}, true)
	return common.OK
}

// DeliverRaftMessage is the inbound side of the peer transport. A message
// for a shard this node never hosted creates an uninitialized peer, so the
// peer can answer the leader's heartbeats and receive a snapshot; a MsgSnap
// whose image has not fully arrived yet is dropped and the sender retries.
func (r *Router) DeliverRaftMessage(args *netw.RaftMessageArgs) common.Err {
	s, ok := r.get(args.ShardID)
	if !ok {
		if args.ToPeer.NodeID != r.nodeID {
			return common.ErrShardNotFound
		}
		if err := r.createUninitializedPeer(args.ShardID, args.ToPeer); err != nil {
			r.logger.Errorf("create shard %d on first contact: %v", args.ShardID, err)
			return common.ErrFailed
		}
		s, ok = r.get(args.ShardID)
		if !ok {
			return common.ErrShardNotFound
		}
	}
	if args.Epoch.OlderThan(s.peer.ShardMeta().Epoch) {
		return common.ErrStaleEpoch
	}
	if args.Message.Type == raft.MsgSnap && !r.snaps.Exists(args.Message.Snapshot.Name) {
		return common.OK
	}
	if !r.enqueue(s, peerMsg{kind: msgRaft, m: args.Message}, false) {
		busyRejections.Inc()
		return common.ErrServerBusy
	}
	raftMessagesIn.Inc()
	return common.OK
}

func (r *Router) ReceiveSnapshotChunk(args *netw.SnapshotChunkArgs) common.Err {
	err := r.snaps.ReceiveChunk(&snapshot.Chunk{
		Name:   args.Name,
		Offset: args.Offset,
		Data:   args.Data,
		Last:   args.Last,
		Meta:   args.Meta,
		Shard:  args.Shard,
	})
	if err != nil {
		r.logger.Errorf("receive snapshot chunk %s@%d: %v", args.Name, args.Offset, err)
		return common.ErrSnapshotCorrupt
	}
	return common.OK
}

// createUninitializedPeer bootstraps a placeholder for a shard this node is
// joining: epoch zero, no range, the local peer as a lone learner so it can
// never campaign. The snapshot that follows replaces the descriptor with
// the real one.
func (r *Router) createUninitializedPeer(shardID uint64, toPeer common.PeerMeta) error {
	meta := &common.ShardMeta{
		ID:    shardID,
		Peers: []common.PeerMeta{{ID: toPeer.ID, NodeID: r.nodeID, Role: common.RoleLearner}},
	}
	return r.BootstrapShard(meta)
}

func (r *Router) enqueue(s *shardState, m peerMsg, force bool) bool {
	ok, schedule := s.mailbox.push(m, force)
	if !ok {
		return false
	}
	if schedule {
		r.raftPool.submit(func() { r.runShard(s) })
	}
	return true
}

// runShard is one scheduling round: drain the mailbox, step the raft state
// machine, hand committed entries to the apply pipeline, kick pending
// snapshot generation. Exactly one round runs per shard at a time.
func (r *Router) runShard(s *shardState) {
	for {
		for _, pm := range s.mailbox.drain() {
			r.handlePeerMsg(s, pm)
		}
		if s.peer.Stopped() {
			s.mailbox.unschedule()
			return
		}
		ents, err := s.peer.HandleReady(func(msgs []raft.Message) {
			r.sendMessages(s, msgs)
		})
		if err != nil {
			r.logger.Errorf("shard %d: handle ready: %v", s.id, err)
		}
		if len(ents) > 0 {
			// Committed entries are never dropped; a full apply queue stalls
			// this shard's raft worker, which is the intended backpressure.
			s.applyCh <- ents
			if atomic.CompareAndSwapInt32(&s.applying, 0, 1) {
				r.applyPool.submit(func() { r.runApply(s) })
			}
		}
		if s.peer.TakeRestored() {
			r.mu.Lock()
			r.reindex()
			r.mu.Unlock()
		}
		if s.peer.Storage().TakeSnapshotTask() {
			r.snapPool.submit(func() {
				if err := s.peer.Storage().GenerateSnapshot(); err != nil {
					r.logger.Errorf("shard %d: generate snapshot: %v", s.id, err)
					s.peer.ReportStorageError()
				}
			})
		}
		if !s.mailbox.unschedule() {
			return
		}
	}
}

func (r *Router) handlePeerMsg(s *shardState, pm peerMsg) {
	switch pm.kind {
	case msgTick:
		s.peer.Tick()
	case msgRaft:
		if err := s.peer.Step(pm.m); err != nil {
			r.logger.Debugf("shard %d: step: %v", s.id, err)
		}
	case msgPropose:
		if err := s.peer.Propose(pm.cmdType, pm.body, pm.pr); err != common.OK {
			pm.pr.C <- &replica.ExecResult{Err: err}
		}
	case msgConfChange:
		if err := s.peer.ProposeConfChange(pm.cc, pm.pr); err != common.OK {
			pm.pr.C <- &replica.ExecResult{Err: err}
		}
	case msgConfApplied:
		s.peer.OnConfChangeApplied(pm.cc)
	case msgRead:
		c, err := s.peer.RequestRead()
		if err != common.OK {
			pm.readC <- replica.ReadGrant{Err: err}
			return
		}
		go func() { pm.readC <- <-c }()
	case msgTransferLeader:
		s.peer.TransferLeader(pm.to)
	case msgCampaign:
		if err := s.peer.Campaign(); err != nil {
			r.logger.Debugf("shard %d: campaign: %v", s.id, err)
		}
	case msgSnapStatus:
		s.peer.ReportSnapshotStatus(pm.to, pm.rejected)
	case msgUnreachable:
		s.peer.ReportUnreachable(pm.to)
	}
}

func (r *Router) runApply(s *shardState) {
	for {
		select {
		case ents := <-s.applyCh:
			results := s.peer.Apply(ents)
			r.handleResults(s, results)
		default:
			atomic.StoreInt32(&s.applying, 0)
			// Entries may have landed between the last receive and the flag
			// clear; reclaim the flag if so.
			if len(s.applyCh) == 0 || !atomic.CompareAndSwapInt32(&s.applying, 0, 1) {
				return
			}
		}
	}
}

// handleResults acts on the side effects of applied entries: new shards
// from splits, peer teardown from merges and conf changes, and routing the
// raft-level conf change back to the raft worker.
func (r *Router) handleResults(s *shardState, results []*replica.ExecResult) {
	for _, res := range results {
		if res.ConfChange != nil {
			r.enqueue(s, peerMsg{kind: msgConfApplied, cc: *res.ConfChange}, true)
		}
		if res.SplitNew != nil {
			r.onSplit(s, res.SplitNew)
		}
		if res.MergedFrom != 0 {
			id := res.MergedFrom
			// Descriptors moved, data stays: the target owns the range now.
			go r.RemoveShard(id, false)
		}
		if res.Destroyed {
			id := s.id
			go r.RemoveShard(id, true)
		}
	}
}

func (r *Router) onSplit(parent *shardState, right *common.ShardMeta) {
	if _, ok := r.get(right.ID); ok {
		return
	}
	if _, hosted := right.PeerOnNode(r.nodeID); !hosted {
		return
	}
	// The split command already bootstrapped the new shard's state in the
	// parent's apply batch; only the peer needs opening.
	if err := r.AddPeer(right.ID); err != nil {
		r.logger.Errorf("open split shard %d: %v", right.ID, err)
		return
	}
	if parent.peer.IsLeader() {
		r.Campaign(right.ID)
	}
	r.logger.Infof("shard %d split off shard %d at %q", parent.id, right.ID, right.StartKey)
}

// sendMessages runs on a raft worker after the Ready was persisted. Regular
// messages go straight out; a MsgSnap first streams the image off-worker,
// then delivers the raft message, then reports the outcome back.
func (r *Router) sendMessages(s *shardState, msgs []raft.Message) {
	meta := s.peer.ShardMeta()
	for i := range msgs {
		m := msgs[i]
		from, _ := meta.GetPeer(m.From)
		to, ok := meta.GetPeer(m.To)
		if !ok {
			continue
		}
		args := &netw.RaftMessageArgs{
			ShardID:  s.id,
			FromPeer: from,
			ToPeer:   to,
			Epoch:    meta.Epoch,
			Message:  m,
		}
		if m.Type == raft.MsgSnap {
			r.snapPool.submit(func() { r.sendSnapshot(s, args) })
			continue
		}
		r.trans.Send(args)
	}
}

func (r *Router) sendSnapshot(s *shardState, args *netw.RaftMessageArgs) {
	name := args.Message.Snapshot.Name
	if err := r.trans.SendSnapshot(args.ToPeer, s.id, name); err != nil {
		r.logger.Warnf("shard %d: stream snapshot %s to %s: %v", s.id, name, args.ToPeer, err)
		r.enqueue(s, peerMsg{kind: msgSnapStatus, to: args.Message.To, rejected: true}, true)
		return
	}
	r.trans.Send(args)
	snapshotsSent.Inc()
	r.enqueue(s, peerMsg{kind: msgSnapStatus, to: args.Message.To, rejected: false}, true)
}

func (r *Router) tickLoop() {
	ticker := time.NewTicker(r.conf.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.stopc:
			return
		case <-ticker.C:
			r.mu.RLock()
			states := make([]*shardState, 0, len(r.shards))
			for _, s := range r.shards {
				states = append(states, s)
			}
			r.mu.RUnlock()
			for _, s := range states {
				// A full mailbox may drop a tick; the next one lands.
				r.enqueue(s, peerMsg{kind: msgTick}, false)
			}
		}
	}
}
