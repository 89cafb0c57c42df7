package router

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stormgbs/tikv/internal/netw"
	"github.com/stormgbs/tikv/internal/raft"
	"github.com/stormgbs/tikv/internal/replica"
	"github.com/stormgbs/tikv/internal/snapshot"
	"github.com/stormgbs/tikv/internal/storage"
	"github.com/stormgbs/tikv/pkg/common"
	"github.com/stormgbs/tikv/pkg/common/utils"
)

// cluster wires routers together with an in-process transport: Send calls
// straight into the target router, SendSnapshot replays chunks from the
// sender's snapshot dir into the receiver's.
type cluster struct {
	t       *testing.T
	routers map[uint64]*Router
	engines map[uint64]*storage.LevelEngine
	snaps   map[uint64]*snapshot.Manager
}

type clusterTransport struct {
	c      *cluster
	nodeID uint64
}

func (tt *clusterTransport) Send(args *netw.RaftMessageArgs) {
	if r, ok := tt.c.routers[args.ToPeer.NodeID]; ok {
		r.DeliverRaftMessage(args)
	}
}

func (tt *clusterTransport) SendSnapshot(to common.PeerMeta, shardID uint64, name string) error {
	src := tt.c.snaps[tt.nodeID]
	dst, ok := tt.c.routers[to.NodeID]
	if !ok {
		return errors.New("target node down")
	}
	manifest, err := src.Manifest(name)
	if err != nil {
		return err
	}
	var offset uint64
	for {
		data, last, crc, err := src.ReadChunk(name, offset)
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
			Meta:    manifest.Raft,
			Shard:   manifest.Shard,
		}
		if e := dst.ReceiveSnapshotChunk(args); e != common.OK {
			return e.AsError()
		}
		offset += uint64(len(data))
		if last {
			return nil
		}
	}
}

func testConfig() Config {
	conf := DefaultConfig()
	conf.TickInterval = 5 * time.Millisecond
	conf.RaftWorkers = 2
	conf.ApplyWorkers = 2
	conf.SnapWorkers = 1
	return conf
}

func newCluster(t *testing.T, nodeIDs []uint64, conf Config) *cluster {
	t.Helper()
	c := &cluster{
		t:       t,
		routers: map[uint64]*Router{},
		engines: map[uint64]*storage.LevelEngine{},
		snaps:   map[uint64]*snapshot.Manager{},
	}
	logger, err := common.InitLogger("warn", "router-test")
	require.NoError(t, err)
	for _, id := range nodeIDs {
		engine, err := storage.OpenLevelEngine(t.TempDir())
		require.NoError(t, err)
		snaps, err := snapshot.NewManager(t.TempDir(), logger)
		require.NoError(t, err)
		c.engines[id] = engine
		c.snaps[id] = snaps
		c.routers[id] = New(id, engine, snaps, &clusterTransport{c: c, nodeID: id}, conf, logger)
	}
	t.Cleanup(func() {
		for _, r := range c.routers {
			r.Stop()
		}
		for _, e := range c.engines {
			e.Close()
		}
	})
	return c
}

// start bootstraps meta on every hosting node and launches the routers.
func (c *cluster) start(metas ...*common.ShardMeta) {
	for _, meta := range metas {
		for _, pm := range meta.Peers {
			require.NoError(c.t, replica.BootstrapShard(c.engines[pm.NodeID], meta))
		}
	}
	for _, r := range c.routers {
		require.NoError(c.t, r.Start())
	}
}

func (c *cluster) waitLeader(shardID uint64) *Router {
	c.t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		for _, r := range c.routers {
			if p, ok := r.Peer(shardID); ok && p.IsLeader() {
				return r
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	c.t.Fatalf("no leader elected for shard %d", shardID)
	return nil
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func threeNodeMeta() *common.ShardMeta {
	return &common.ShardMeta{
		ID:    1,
		Epoch: common.Epoch{ConfVer: 1, Ver: 1},
		Peers: []common.PeerMeta{
			{ID: 101, NodeID: 1, Role: common.RoleVoter},
			{ID: 102, NodeID: 2, Role: common.RoleVoter},
			{ID: 103, NodeID: 3, Role: common.RoleVoter},
		},
	}
}

func singleNodeMeta() *common.ShardMeta {
	return &common.ShardMeta{
		ID:    1,
		Epoch: common.Epoch{ConfVer: 1, Ver: 1},
		Peers: []common.PeerMeta{{ID: 101, NodeID: 1, Role: common.RoleVoter}},
	}
}

func rawPutBody(epoch common.Epoch, key, val string) []byte {
	args := common.RawPutArgs{
		BaseArgs: common.BaseArgs{ShardID: 1, Epoch: epoch},
		Key:      []byte(key),
		Value:    []byte(val),
	}
	return utils.MsgpEncode(&args)
}

func TestProposeUnknownShard(t *testing.T) {
	c := newCluster(t, []uint64{1}, testConfig())
	c.start()
	_, err := c.routers[1].Propose(7, common.Epoch{}, common.CmdTypeRawPut, nil)
	assert.Equal(t, common.ErrShardNotFound, err)
}

func TestStaleEpochRejectedBeforeQueueing(t *testing.T) {
	c := newCluster(t, []uint64{1}, testConfig())
	meta := singleNodeMeta()
	meta.Epoch = common.Epoch{ConfVer: 2, Ver: 3}
	c.start(meta)
	_, err := c.routers[1].Propose(1, common.Epoch{ConfVer: 2, Ver: 2}, common.CmdTypeRawPut, nil)
	assert.Equal(t, common.ErrStaleEpoch, err)
}

func TestFullMailboxRejectsWithBusy(t *testing.T) {
	conf := testConfig()
	conf.MailboxCap = 0
	c := newCluster(t, []uint64{1}, conf)
	c.start(singleNodeMeta())
	_, err := c.routers[1].Propose(1, common.Epoch{ConfVer: 1, Ver: 1}, common.CmdTypeRawPut,
		rawPutBody(common.Epoch{ConfVer: 1, Ver: 1}, "k", "v"))
	assert.Equal(t, common.ErrServerBusy, err)
}

func TestSingleNodePutAndLinearizableRead(t *testing.T) {
	c := newCluster(t, []uint64{1}, testConfig())
	c.start(singleNodeMeta())
	r := c.routers[1]
	r.Campaign(1)
	c.waitLeader(1)

	epoch := common.Epoch{ConfVer: 1, Ver: 1}
	ch, err := r.Propose(1, epoch, common.CmdTypeRawPut, rawPutBody(epoch, "k", "v"))
	require.Equal(t, common.OK, err)
	res := <-ch
	require.Equal(t, common.OK, res.Err)

	readc, err := r.Read(1, epoch)
	require.Equal(t, common.OK, err)
	grant := <-readc
	require.Equal(t, common.OK, grant.Err)
	require.True(t, r.WaitApplied(1, grant.Index))

	val, gerr := c.engines[1].Get(storage.RawKey([]byte("k")))
	require.NoError(t, gerr)
	assert.Equal(t, []byte("v"), val)
}

func TestShardForKeyRouting(t *testing.T) {
	c := newCluster(t, []uint64{1}, testConfig())
	left := &common.ShardMeta{
		ID: 1, StartKey: nil, EndKey: []byte("m"),
		Epoch: common.Epoch{ConfVer: 1, Ver: 1},
		Peers: []common.PeerMeta{{ID: 101, NodeID: 1, Role: common.RoleVoter}},
	}
	right := &common.ShardMeta{
		ID: 2, StartKey: []byte("m"), EndKey: nil,
		Epoch: common.Epoch{ConfVer: 1, Ver: 1},
		Peers: []common.PeerMeta{{ID: 201, NodeID: 1, Role: common.RoleVoter}},
	}
	c.start(left, right)
	r := c.routers[1]

	id, ok := r.ShardForKey([]byte("a"))
	require.True(t, ok)
	assert.Equal(t, uint64(1), id)
	id, ok = r.ShardForKey([]byte("m"))
	require.True(t, ok)
	assert.Equal(t, uint64(2), id)
	id, ok = r.ShardForKey([]byte("zzz"))
	require.True(t, ok)
	assert.Equal(t, uint64(2), id)
}

func TestThreeNodeReplication(t *testing.T) {
	c := newCluster(t, []uint64{1, 2, 3}, testConfig())
	c.start(threeNodeMeta())
	c.routers[1].Campaign(1)
	leader := c.waitLeader(1)

	epoch := common.Epoch{ConfVer: 1, Ver: 1}
	ch, err := leader.Propose(1, epoch, common.CmdTypeRawPut, rawPutBody(epoch, "m", "1"))
	require.Equal(t, common.OK, err)
	res := <-ch
	require.Equal(t, common.OK, res.Err)

	for id, engine := range c.engines {
		e := engine
		waitFor(t, 5*time.Second, func() bool {
			val, _ := e.Get(storage.RawKey([]byte("m")))
			return string(val) == "1"
		}, fmt.Sprintf("value did not replicate to node %d", id))
	}
}

func TestFollowerRejectsProposalWithNotLeader(t *testing.T) {
	c := newCluster(t, []uint64{1, 2, 3}, testConfig())
	c.start(threeNodeMeta())
	c.routers[1].Campaign(1)
	leader := c.waitLeader(1)

	var follower *Router
	for _, r := range c.routers {
		if r != leader {
			follower = r
			break
		}
	}
	epoch := common.Epoch{ConfVer: 1, Ver: 1}
	ch, err := follower.Propose(1, epoch, common.CmdTypeRawPut, rawPutBody(epoch, "k", "v"))
	require.Equal(t, common.OK, err)
	res := <-ch
	assert.Equal(t, common.ErrNotLeader, res.Err)
}

func TestTransferLeaderAndServeAfter(t *testing.T) {
	c := newCluster(t, []uint64{1, 2, 3}, testConfig())
	c.start(threeNodeMeta())
	c.routers[1].Campaign(1)
	leader := c.waitLeader(1)

	epoch := common.Epoch{ConfVer: 1, Ver: 1}
	ch, err := leader.Propose(1, epoch, common.CmdTypeRawPut, rawPutBody(epoch, "m", "1"))
	require.Equal(t, common.OK, err)
	require.Equal(t, common.OK, (<-ch).Err)

	p, _ := leader.Peer(1)
	oldID := p.Meta.ID
	var target uint64
	for _, pm := range threeNodeMeta().Peers {
		if pm.ID != oldID {
			target = pm.ID
			break
		}
	}
	leader.TransferLeader(1, target)

	waitFor(t, 5*time.Second, func() bool {
		for _, r := range c.routers {
			if pp, ok := r.Peer(1); ok && pp.IsLeader() && pp.Meta.ID != oldID {
				return true
			}
		}
		return false
	}, "leadership did not move")

	newLeader := c.waitLeader(1)
	ch, err = newLeader.Propose(1, epoch, common.CmdTypeRawPut, rawPutBody(epoch, "k2", "2"))
	require.Equal(t, common.OK, err)
	assert.Equal(t, common.OK, (<-ch).Err)
}

func TestSplitCreatesRoutableShard(t *testing.T) {
	c := newCluster(t, []uint64{1}, testConfig())
	c.start(singleNodeMeta())
	r := c.routers[1]
	r.Campaign(1)
	c.waitLeader(1)

	cmd := replica.SplitCmd{
		Epoch:      common.Epoch{ConfVer: 1, Ver: 1},
		SplitKey:   []byte("m"),
		NewShardID: 2,
		NewPeerIDs: []uint64{201},
	}
	ch, err := r.Propose(1, common.Epoch{ConfVer: 1, Ver: 1}, common.CmdTypeSplit, utils.MsgpEncode(&cmd))
	require.Equal(t, common.OK, err)
	res := <-ch
	require.Equal(t, common.OK, res.Err)

	waitFor(t, 5*time.Second, func() bool {
		_, ok := r.Peer(2)
		return ok
	}, "split shard never hosted")

	id, ok := r.ShardForKey([]byte("a"))
	require.True(t, ok)
	assert.Equal(t, uint64(1), id)
	id, ok = r.ShardForKey([]byte("x"))
	require.True(t, ok)
	assert.Equal(t, uint64(2), id)

	// The parent leader campaigns the new shard; it serves writes.
	waitFor(t, 5*time.Second, func() bool {
		p, ok := r.Peer(2)
		return ok && p.IsLeader()
	}, "split shard has no leader")
}

func TestRemoveShard(t *testing.T) {
	c := newCluster(t, []uint64{1}, testConfig())
	c.start(singleNodeMeta())
	r := c.routers[1]
	r.Campaign(1)
	c.waitLeader(1)

	r.RemoveShard(1, true)
	_, ok := r.Peer(1)
	assert.False(t, ok)
	_, err := r.Propose(1, common.Epoch{ConfVer: 1, Ver: 1}, common.CmdTypeRawPut, nil)
	assert.Equal(t, common.ErrShardNotFound, err)

	val, gerr := c.engines[1].Get(storage.ShardMetaKey(1))
	require.NoError(t, gerr)
	assert.Nil(t, val)
}

// A node joining a shard whose log was compacted past the join point has to
// catch up by snapshot: the image streams out of band, the placeholder peer
// created on first contact restores it, and replication resumes.
func TestSnapshotCatchUpOnNewNode(t *testing.T) {
	c := newCluster(t, []uint64{1, 2}, testConfig())
	c.start(singleNodeMeta())
	r1 := c.routers[1]
	r1.Campaign(1)
	c.waitLeader(1)

	epoch := common.Epoch{ConfVer: 1, Ver: 1}
	for _, k := range []string{"a", "b", "c"} {
		ch, err := r1.Propose(1, epoch, common.CmdTypeRawPut, rawPutBody(epoch, k, "v-"+k))
		require.Equal(t, common.OK, err)
		require.Equal(t, common.OK, (<-ch).Err)
	}

	p, _ := r1.Peer(1)
	st := p.Storage().ApplyState()
	compact := replica.CompactLogCmd{Index: st.AppliedIndex, Term: st.AppliedTerm}
	ch, err := r1.Propose(1, epoch, common.CmdTypeCompactLog, utils.MsgpEncode(&compact))
	require.Equal(t, common.OK, err)
	require.Equal(t, common.OK, (<-ch).Err)

	ctx := replica.ConfChangeContext{
		Epoch: epoch,
		Peer:  common.PeerMeta{ID: 102, NodeID: 2, Role: common.RoleVoter},
	}
	cc := raft.ConfChange{
		Changes: []raft.ConfChangeSingle{{Type: raft.ConfAddNode, NodeID: 102}},
		Context: utils.MsgpEncode(&ctx),
	}
	cch, err := r1.ProposeConfChange(1, cc)
	require.Equal(t, common.OK, err)
	require.Equal(t, common.OK, (<-cch).Err)

	// The new peer can only catch up by snapshot.
	waitFor(t, 10*time.Second, func() bool {
		val, _ := c.engines[2].Get(storage.RawKey([]byte("b")))
		return string(val) == "v-b"
	}, "snapshot catch-up did not reach node 2")

	// And replication continues past the snapshot.
	ch, err = r1.Propose(1, epoch, common.CmdTypeRawPut, rawPutBody(epoch, "d", "v-d"))
	require.Equal(t, common.OK, err)
	require.Equal(t, common.OK, (<-ch).Err)
	waitFor(t, 5*time.Second, func() bool {
		val, _ := c.engines[2].Get(storage.RawKey([]byte("d")))
		return string(val) == "v-d"
	}, "post-snapshot replication stalled")
}
