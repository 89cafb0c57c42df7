package replica

import (
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stormgbs/tikv/internal/mvcc"
	"github.com/stormgbs/tikv/internal/raft"
	"github.com/stormgbs/tikv/internal/storage"
	"github.com/stormgbs/tikv/pkg/common"
	"github.com/stormgbs/tikv/pkg/common/utils"
)

// newTestPeer bootstraps a single-voter shard and elects its only peer, so
// every proposal commits on the next ready round.
func newTestPeer(t *testing.T, engine *storage.LevelEngine, meta *common.ShardMeta) *Peer {
	t.Helper()
	require.NoError(t, BootstrapShard(engine, meta))
	logger, err := common.InitLogger("info", "replica-test")
	require.NoError(t, err)
	p, err := NewPeer(meta.ID, meta.Peers[0], engine, testSnaps(t), 10, 1, logger)
	require.NoError(t, err)
	require.NoError(t, p.Campaign())
	pump(t, p)
	require.True(t, p.IsLeader())
	return p
}

// pump drains ready rounds and applies committed entries until the peer
// quiesces, dropping outbound messages (single-voter groups need none).
func pump(t *testing.T, p *Peer) {
	t.Helper()
	for i := 0; i < 100; i++ {
		ents, err := p.HandleReady(func([]raft.Message) {})
		require.NoError(t, err)
		if len(ents) == 0 {
			return
		}
		p.Apply(ents)
	}
	t.Fatal("peer did not quiesce")
}

func propose(t *testing.T, p *Peer, cmdType uint8, body []byte) *ExecResult {
	t.Helper()
	pr := &Proposal{C: make(chan *ExecResult, 1)}
	require.Equal(t, common.OK, p.Propose(cmdType, body, pr))
	pump(t, p)
	select {
	case res := <-pr.C:
		return res
	default:
		t.Fatal("proposal not resolved")
		return nil
	}
}

func TestProposeRawPut(t *testing.T) {
	engine := testEngine(t)
	p := newTestPeer(t, engine, testShardMeta(1, "", ""))

	args := common.RawPutArgs{
		BaseArgs: common.BaseArgs{ShardID: 1, Epoch: common.Epoch{ConfVer: 1, Ver: 1}},
		Key:      []byte("k"),
		Value:    []byte("v"),
	}
	res := propose(t, p, common.CmdTypeRawPut, utils.MsgpEncode(&args))
	assert.Equal(t, common.OK, res.Err)

	val, err := engine.Get(storage.RawKey([]byte("k")))
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), val)
}

func TestStaleEpochRejectedAtApply(t *testing.T) {
	engine := testEngine(t)
	meta := testShardMeta(1, "", "")
	meta.Epoch = common.Epoch{ConfVer: 2, Ver: 3}
	p := newTestPeer(t, engine, meta)

	args := common.RawPutArgs{
		BaseArgs: common.BaseArgs{ShardID: 1, Epoch: common.Epoch{ConfVer: 2, Ver: 2}},
		Key:      []byte("k"),
		Value:    []byte("v"),
	}
	res := propose(t, p, common.CmdTypeRawPut, utils.MsgpEncode(&args))
	assert.Equal(t, common.ErrStaleEpoch, res.Err)
	assert.Equal(t, meta.Epoch, res.Shard.Epoch)

	val, err := engine.Get(storage.RawKey([]byte("k")))
	require.NoError(t, err)
	assert.Nil(t, val)
}

func TestTxnCommitFlow(t *testing.T) {
	engine := testEngine(t)
	p := newTestPeer(t, engine, testShardMeta(1, "", ""))
	epoch := common.Epoch{ConfVer: 1, Ver: 1}

	pw := common.PrewriteArgs{
		BaseArgs: common.BaseArgs{ShardID: 1, Epoch: epoch},
		Mutations: []common.Mutation{
			{Op: common.MutPut, Key: []byte("k1"), Value: []byte("v1")},
			{Op: common.MutPut, Key: []byte("k2"), Value: []byte("v2")},
		},
		Primary:      []byte("k1"),
		StartVersion: 10,
	}
	res := propose(t, p, common.CmdTypePrewrite, utils.MsgpEncode(&pw))
	require.Equal(t, common.OK, res.Err)

	// A reader at a later ts runs into the lock.
	_, lock, err := mvcc.Get(engine, []byte("k1"), 20)
	require.NoError(t, err)
	require.NotNil(t, lock)
	assert.Equal(t, uint64(10), lock.StartTS)

	cm := common.CommitArgs{
		BaseArgs:      common.BaseArgs{ShardID: 1, Epoch: epoch},
		Keys:          [][]byte{[]byte("k1"), []byte("k2")},
		StartVersion:  10,
		CommitVersion: 15,
	}
	res = propose(t, p, common.CmdTypeCommit, utils.MsgpEncode(&cm))
	require.Equal(t, common.OK, res.Err)

	val, lock, err := mvcc.Get(engine, []byte("k2"), 20)
	require.NoError(t, err)
	assert.Nil(t, lock)
	assert.Equal(t, []byte("v2"), val)

	// Before the commit ts nothing is visible.
	val, _, err = mvcc.Get(engine, []byte("k2"), 12)
	require.NoError(t, err)
	assert.Nil(t, val)
}

func TestTxnRollback(t *testing.T) {
	engine := testEngine(t)
	p := newTestPeer(t, engine, testShardMeta(1, "", ""))
	epoch := common.Epoch{ConfVer: 1, Ver: 1}

	pw := common.PrewriteArgs{
		BaseArgs:     common.BaseArgs{ShardID: 1, Epoch: epoch},
		Mutations:    []common.Mutation{{Op: common.MutPut, Key: []byte("k"), Value: []byte("v")}},
		Primary:      []byte("k"),
		StartVersion: 10,
	}
	res := propose(t, p, common.CmdTypePrewrite, utils.MsgpEncode(&pw))
	require.Equal(t, common.OK, res.Err)

	rb := common.RollbackArgs{
		BaseArgs:     common.BaseArgs{ShardID: 1, Epoch: epoch},
		Keys:         [][]byte{[]byte("k")},
		StartVersion: 10,
	}
	res = propose(t, p, common.CmdTypeRollback, utils.MsgpEncode(&rb))
	require.Equal(t, common.OK, res.Err)

	val, lock, err := mvcc.Get(engine, []byte("k"), 20)
	require.NoError(t, err)
	assert.Nil(t, lock)
	assert.Nil(t, val)

	// The tombstone blocks a late prewrite of the same transaction.
	res = propose(t, p, common.CmdTypePrewrite, utils.MsgpEncode(&pw))
	assert.NotEqual(t, common.OK, res.Err)
}

func TestSplitCreatesNewShard(t *testing.T) {
	engine := testEngine(t)
	p := newTestPeer(t, engine, testShardMeta(1, "", ""))

	cmd := SplitCmd{
		Epoch:      common.Epoch{ConfVer: 1, Ver: 1},
		SplitKey:   []byte("m"),
		NewShardID: 2,
		NewPeerIDs: []uint64{201},
	}
	res := propose(t, p, common.CmdTypeSplit, utils.MsgpEncode(&cmd))
	require.Equal(t, common.OK, res.Err)
	require.NotNil(t, res.SplitNew)

	parent := p.ShardMeta()
	assert.Equal(t, []byte("m"), parent.EndKey)
	assert.Equal(t, uint64(2), parent.Epoch.Ver)

	right := res.SplitNew
	assert.Equal(t, uint64(2), right.ID)
	assert.Equal(t, []byte("m"), right.StartKey)
	assert.Empty(t, right.EndKey)
	assert.Equal(t, uint64(2), right.Epoch.Ver)
	require.Len(t, right.Peers, 1)
	assert.Equal(t, uint64(201), right.Peers[0].ID)
	assert.Equal(t, uint64(1), right.Peers[0].NodeID)

	// The new shard is ready to open.
	logger, err := common.InitLogger("info", "replica-test")
	require.NoError(t, err)
	ps, err := OpenPeerStorage(engine, testSnaps(t), 2, logger)
	require.NoError(t, err)
	assert.Equal(t, []byte("m"), ps.ShardMeta().StartKey)
}

func TestSplitBadKeyRejected(t *testing.T) {
	engine := testEngine(t)
	p := newTestPeer(t, engine, testShardMeta(1, "a", "m"))

	cmd := SplitCmd{
		Epoch:      common.Epoch{ConfVer: 1, Ver: 1},
		SplitKey:   []byte("z"),
		NewShardID: 2,
		NewPeerIDs: []uint64{201},
	}
	res := propose(t, p, common.CmdTypeSplit, utils.MsgpEncode(&cmd))
	assert.Equal(t, common.ErrFailed, res.Err)
}

func TestMergeAbsorbsSourceRange(t *testing.T) {
	engine := testEngine(t)
	src := newTestPeer(t, engine, testShardMeta(1, "a", "m"))
	tgt := newTestPeer(t, engine, testShardMeta(2, "m", ""))

	srcMeta := src.ShardMeta()
	fence := PrepareMergeCmd{Epoch: srcMeta.Epoch, TargetID: 2}
	res := propose(t, src, common.CmdTypePrepareMerge, utils.MsgpEncode(&fence))
	require.Equal(t, common.OK, res.Err)
	require.NotNil(t, src.Storage().MergeState())

	// The fence rejects everything but the merge pair.
	put := common.RawPutArgs{
		BaseArgs: common.BaseArgs{ShardID: 1, Epoch: src.ShardMeta().Epoch},
		Key:      []byte("b"), Value: []byte("v"),
	}
	pr := &Proposal{C: make(chan *ExecResult, 1)}
	assert.Equal(t, common.ErrProposalDropped, src.Propose(common.CmdTypeRawPut, utils.MsgpEncode(&put), pr))

	commit := CommitMergeCmd{Epoch: tgt.ShardMeta().Epoch, Source: *src.ShardMeta()}
	res = propose(t, tgt, common.CmdTypeCommitMerge, utils.MsgpEncode(&commit))
	require.Equal(t, common.OK, res.Err)
	assert.Equal(t, uint64(1), res.MergedFrom)

	merged := tgt.ShardMeta()
	assert.Equal(t, []byte("a"), merged.StartKey)
	assert.Empty(t, merged.EndKey)
	assert.Greater(t, merged.Epoch.Ver, src.ShardMeta().Epoch.Ver)
}

func TestRollbackMergeLiftsFence(t *testing.T) {
	engine := testEngine(t)
	src := newTestPeer(t, engine, testShardMeta(1, "a", "m"))

	fence := PrepareMergeCmd{Epoch: src.ShardMeta().Epoch, TargetID: 2}
	res := propose(t, src, common.CmdTypePrepareMerge, utils.MsgpEncode(&fence))
	require.Equal(t, common.OK, res.Err)

	rb := RollbackMergeCmd{Epoch: src.ShardMeta().Epoch}
	res = propose(t, src, common.CmdTypeRollbackMerge, utils.MsgpEncode(&rb))
	require.Equal(t, common.OK, res.Err)
	assert.Nil(t, src.Storage().MergeState())

	put := common.RawPutArgs{
		BaseArgs: common.BaseArgs{ShardID: 1, Epoch: src.ShardMeta().Epoch},
		Key:      []byte("b"), Value: []byte("v"),
	}
	res = propose(t, src, common.CmdTypeRawPut, utils.MsgpEncode(&put))
	assert.Equal(t, common.OK, res.Err)
}

func TestConfChangeAddAndRemove(t *testing.T) {
	engine := testEngine(t)
	p := newTestPeer(t, engine, testShardMeta(1, "", ""))

	ctx := ConfChangeContext{
		Epoch: p.ShardMeta().Epoch,
		Peer:  common.PeerMeta{ID: 102, NodeID: 2, Role: common.RoleVoter},
	}
	cc := raft.ConfChange{
		Changes: []raft.ConfChangeSingle{{Type: raft.ConfAddNode, NodeID: 102}},
		Context: utils.MsgpEncode(&ctx),
	}
	pr := &Proposal{C: make(chan *ExecResult, 1)}
	require.Equal(t, common.OK, p.ProposeConfChange(cc, pr))
	pump(t, p)

	res := <-pr.C
	require.Equal(t, common.OK, res.Err)
	require.NotNil(t, res.ConfChange)
	p.OnConfChangeApplied(*res.ConfChange)

	meta := p.ShardMeta()
	assert.Equal(t, uint64(2), meta.Epoch.ConfVer)
	pm, ok := meta.GetPeer(102)
	require.True(t, ok)
	assert.Equal(t, uint64(2), pm.NodeID)
	assert.Equal(t, common.RoleVoter, pm.Role)
}

func TestConfChangeStaleEpochRejected(t *testing.T) {
	engine := testEngine(t)
	meta := testShardMeta(1, "", "")
	meta.Epoch = common.Epoch{ConfVer: 1, Ver: 3}
	p := newTestPeer(t, engine, meta)

	// The context carries the epoch of a descriptor a split has replaced.
	ctx := ConfChangeContext{
		Epoch: common.Epoch{ConfVer: 1, Ver: 2},
		Peer:  common.PeerMeta{ID: 102, NodeID: 2, Role: common.RoleVoter},
	}
	cc := raft.ConfChange{
		Changes: []raft.ConfChangeSingle{{Type: raft.ConfAddNode, NodeID: 102}},
		Context: utils.MsgpEncode(&ctx),
	}
	pr := &Proposal{C: make(chan *ExecResult, 1)}
	require.Equal(t, common.OK, p.ProposeConfChange(cc, pr))
	pump(t, p)

	res := <-pr.C
	assert.Equal(t, common.ErrStaleEpoch, res.Err)
	assert.Nil(t, res.ConfChange)

	cur := p.ShardMeta()
	assert.Equal(t, uint64(1), cur.Epoch.ConfVer)
	_, ok := cur.GetPeer(102)
	assert.False(t, ok)
}

func TestCompactLogCommand(t *testing.T) {
	engine := testEngine(t)
	p := newTestPeer(t, engine, testShardMeta(1, "", ""))
	epoch := common.Epoch{ConfVer: 1, Ver: 1}

	for i := 0; i < 5; i++ {
		args := common.RawPutArgs{
			BaseArgs: common.BaseArgs{ShardID: 1, Epoch: epoch},
			Key:      []byte{byte('a' + i)},
			Value:    []byte("v"),
		}
		res := propose(t, p, common.CmdTypeRawPut, utils.MsgpEncode(&args))
		require.Equal(t, common.OK, res.Err)
	}

	st := p.Storage().ApplyState()
	cmd := CompactLogCmd{Index: st.AppliedIndex, Term: st.AppliedTerm}
	res := propose(t, p, common.CmdTypeCompactLog, utils.MsgpEncode(&cmd))
	require.Equal(t, common.OK, res.Err)

	first, _ := p.Storage().FirstIndex()
	assert.Greater(t, first, st.AppliedIndex)
}

func TestReadIndexGrant(t *testing.T) {
	engine := testEngine(t)
	p := newTestPeer(t, engine, testShardMeta(1, "", ""))

	c, errc := p.RequestRead()
	require.Equal(t, common.OK, errc)
	pump(t, p)

	select {
	case grant := <-c:
		require.Equal(t, common.OK, grant.Err)
		assert.True(t, p.WaitApplied(grant.Index))
	default:
		t.Fatal("read grant not delivered")
	}
}

func TestStopFailsWaiters(t *testing.T) {
	engine := testEngine(t)
	p := newTestPeer(t, engine, testShardMeta(1, "", ""))

	pr := &Proposal{C: make(chan *ExecResult, 1)}
	args := common.RawPutArgs{
		BaseArgs: common.BaseArgs{ShardID: 1, Epoch: common.Epoch{ConfVer: 1, Ver: 1}},
		Key:      []byte("k"), Value: []byte("v"),
	}
	require.Equal(t, common.OK, p.Propose(common.CmdTypeRawPut, utils.MsgpEncode(&args), pr))

	p.Stop()
	res := <-pr.C
	assert.Equal(t, common.ErrNodeClosed, res.Err)
}

func TestRestartResumesAppliedIndex(t *testing.T) {
	engine := testEngine(t)
	meta := testShardMeta(1, "", "")
	p := newTestPeer(t, engine, meta)

	args := common.RawPutArgs{
		BaseArgs: common.BaseArgs{ShardID: 1, Epoch: common.Epoch{ConfVer: 1, Ver: 1}},
		Key:      []byte("k"), Value: []byte("v"),
	}
	res := propose(t, p, common.CmdTypeRawPut, utils.MsgpEncode(&args))
	require.Equal(t, common.OK, res.Err)
	applied := p.AppliedIndex()
	p.Stop()

	logger, err := common.InitLogger("info", "replica-test")
	require.NoError(t, err)
	p2, err := NewPeer(1, meta.Peers[0], engine, testSnaps(t), 10, 1, logger)
	require.NoError(t, err)
	assert.Equal(t, applied, p2.AppliedIndex())

	val, err := engine.Get(storage.RawKey([]byte("k")))
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), val)
}

// flakyEngine fails synced batch writes on demand, leaving reads and plain
// batches alone so the apply path is unaffected.
type flakyEngine struct {
	storage.Engine
	fail int32
}

func (e *flakyEngine) Batch() storage.Batch {
	return &flakyBatch{Batch: e.Engine.Batch(), fail: &e.fail}
}

type flakyBatch struct {
	storage.Batch
	fail *int32
}

func (b *flakyBatch) ExecuteSync() error {
	if atomic.LoadInt32(b.fail) == 1 {
		return errors.New("injected disk failure")
	}
	return b.Batch.ExecuteSync()
}

func TestStorageFailureSurfacesInHeartbeat(t *testing.T) {
	engine := testEngine(t)
	meta := testShardMeta(1, "", "")
	require.NoError(t, BootstrapShard(engine, meta))
	flaky := &flakyEngine{Engine: engine}

	logger, err := common.InitLogger("info", "replica-test")
	require.NoError(t, err)
	p, err := NewPeer(meta.ID, meta.Peers[0], flaky, testSnaps(t), 10, 1, logger)
	require.NoError(t, err)
	require.NoError(t, p.Campaign())
	pump(t, p)
	require.True(t, p.IsLeader())
	assert.False(t, p.Heartbeat().Unhealthy)

	atomic.StoreInt32(&flaky.fail, 1)
	args := common.RawPutArgs{
		BaseArgs: common.BaseArgs{ShardID: 1, Epoch: common.Epoch{ConfVer: 1, Ver: 1}},
		Key:      []byte("k"), Value: []byte("v"),
	}
	pr := &Proposal{C: make(chan *ExecResult, 1)}
	require.Equal(t, common.OK, p.Propose(common.CmdTypeRawPut, utils.MsgpEncode(&args), pr))
	_, err = p.HandleReady(func([]raft.Message) {})
	require.Error(t, err)
	assert.True(t, p.Heartbeat().Unhealthy)
}
