package node

import (
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	graphite "github.com/cyberdelia/go-metrics-graphite"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	gometrics "github.com/rcrowley/go-metrics"
	"github.com/sirupsen/logrus"

	"github.com/stormgbs/tikv/internal/mvcc"
	"github.com/stormgbs/tikv/internal/netw"
	"github.com/stormgbs/tikv/internal/node/etc"
	"github.com/stormgbs/tikv/internal/placement"
	"github.com/stormgbs/tikv/internal/raft"
	"github.com/stormgbs/tikv/internal/router"
	"github.com/stormgbs/tikv/internal/snapshot"
	"github.com/stormgbs/tikv/internal/storage"
	"github.com/stormgbs/tikv/pkg/common"
)

// Node is one storage process: a shared engine, a snapshot manager and a
// router hosting every local shard replica, plus the RPC surface and the
// placement heartbeat loop.
type Node struct {
	logger  *logrus.Logger
	mu      sync.RWMutex
	rpcServ *netw.RpcxServer
	conf    etc.NodeConf

	Id   uint64
	Host string
	Port int

	pck    *placement.Clerk
	engine *storage.LevelEngine
	snaps  *snapshot.Manager
	rt     *router.Router

	nodeInfos map[uint64]common.NodeInfo
	nodeEnds  map[uint64]*netw.ClientEnd

	safePoint uint64

	KilledC chan int
	killed  int32
}

func (n *Node) Addr() string {
	return fmt.Sprintf("%s:%d", n.Host, n.Port)
}

func MakeNode(conf etc.NodeConf, placementEnds []*netw.ClientEnd, logLevel string) *Node {
	node := &Node{
		Id:   conf.NodeId,
		Host: conf.Host,
		Port: conf.Port,

		conf: conf,
		pck:  placement.MakeClerk(placementEnds),

		nodeInfos: map[uint64]common.NodeInfo{},
		nodeEnds:  map[uint64]*netw.ClientEnd{},

		KilledC: make(chan int, 10),
	}
	node.logger, _ = common.InitLogger(logLevel, fmt.Sprintf("Node%d", node.Id))

	engine, err := storage.OpenLevelEngine(fmt.Sprintf("%s/node-%d/db", conf.DBPath, node.Id))
	if err != nil {
		node.logger.Fatalf("cannot open leveldb at %s: %v", conf.DBPath, err)
	}
	node.engine = engine

	snaps, err := snapshot.NewManager(fmt.Sprintf("%s/node-%d/snap", conf.DBPath, node.Id), node.logger)
	if err != nil {
		node.logger.Fatalf("cannot open snapshot dir: %v", err)
	}
	node.snaps = snaps

	node.rt = router.New(node.Id, engine, snaps, &nodeTransport{n: node}, node.routerConfig(), node.logger)
	if err := node.rt.Start(); err != nil {
		node.logger.Fatalf("cannot start shard router: %v", err)
	}

	if conf.Bootstrap {
		node.bootstrap()
	}

	go node.daemon("heartbeater", node.heartbeat, 100*time.Millisecond)
	go node.daemon("gc", node.gc, 10*time.Second)

	node.serveMetrics()

	return node
}

func (n *Node) routerConfig() router.Config {
	rc := router.DefaultConfig()
	if n.conf.Raft.ElectionTicks > 0 {
		rc.ElectionTicks = n.conf.Raft.ElectionTicks
	}
	if n.conf.Raft.HeartbeatTicks > 0 {
		rc.HeartbeatTicks = n.conf.Raft.HeartbeatTicks
	}
	if n.conf.Raft.TickIntervalMs > 0 {
		rc.TickInterval = time.Duration(n.conf.Raft.TickIntervalMs) * time.Millisecond
	}
	if n.conf.Raft.RaftWorkers > 0 {
		rc.RaftWorkers = n.conf.Raft.RaftWorkers
	}
	if n.conf.Raft.ApplyWorkers > 0 {
		rc.ApplyWorkers = n.conf.Raft.ApplyWorkers
	}
	if n.conf.Raft.SnapshotWorkers > 0 {
		rc.SnapWorkers = n.conf.Raft.SnapshotWorkers
	}
	return rc
}

// bootstrap seeds the first shard of a fresh cluster: the whole keyspace,
// one voter, hosted here. Further shards come from placement-driven splits.
func (n *Node) bootstrap() {
	ids, err := storage.ListShards(n.engine)
	if err != nil {
		n.logger.Fatalf("bootstrap: %v", err)
	}
	if len(ids) > 0 {
		return
	}
	meta := &common.ShardMeta{
		ID:    1,
		Epoch: common.Epoch{ConfVer: 1, Ver: 1},
		Peers: []common.PeerMeta{{ID: n.Id, NodeID: n.Id, Role: common.RoleVoter}},
	}
	if err := n.rt.BootstrapShard(meta); err != nil {
		n.logger.Fatalf("bootstrap shard 1: %v", err)
	}
	n.rt.Campaign(1)
	n.logger.Infof("bootstrapped shard 1 over the whole keyspace")
}

func (n *Node) serveMetrics() {
	port := n.conf.Serv.MetricsPort
	if port == 0 {
		port = 9090 + int(n.Id)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	go func() {
		err := http.ListenAndServe(fmt.Sprintf("0.0.0.0:%d", port), mux)
		n.logger.Errorf("%v", err)
	}()

	if n.conf.Serv.GraphiteAddr != "" {
		addr, err := net.ResolveTCPAddr("tcp", n.conf.Serv.GraphiteAddr)
		if err != nil {
			n.logger.Errorf("bad graphite addr %s: %v", n.conf.Serv.GraphiteAddr, err)
			return
		}
		prefix := n.conf.Serv.GraphitePrefix
		if prefix == "" {
			prefix = "tikv"
		}
		go graphite.Graphite(gometrics.DefaultRegistry, 30*time.Second, fmt.Sprintf("%s.node%d", prefix, n.Id), addr)
	}
}

func (n *Node) Kill() {
	atomic.StoreInt32(&n.killed, 1)
	for i := 0; i < cap(n.KilledC); i++ {
		select {
		case n.KilledC <- 1:
		default:
		}
	}
	n.rt.Stop()
	if n.rpcServ != nil {
		n.rpcServ.Stop()
	}
	n.engine.Close()
	n.logger.Warnf("node %d was killed", n.Id)
}

func (n *Node) Killed() bool {
	return atomic.LoadInt32(&n.killed) == 1
}

func (n *Node) daemon(name string, f func(), tick time.Duration) {
	ticker := time.Tick(tick)
	for {
		select {
		case <-n.KilledC:
			n.logger.Warnf("daemon goroutine %s was killed", name)
			return
		case <-ticker:
			f()
		}
	}
}

// heartbeat reports every hosted shard to the placement collaborator and
// executes whatever commands come back. The node never initiates membership
// or boundary changes on its own.
func (n *Node) heartbeat() {
	args := common.NodeHeartbeatArgs{
		NodeID:   n.Id,
		Addr:     n.Addr(),
		Capacity: n.engine.FileSize(),
		Shards:   n.rt.Heartbeats(),
	}
	reply, ok := n.pck.Heartbeat(args, 2*len(n.conf.Placement)+1)
	if !ok {
		n.logger.Debugf("placement heartbeat got no answer")
		return
	}

	if sp := atomic.LoadUint64(&n.safePoint); reply.SafePoint > sp {
		atomic.StoreUint64(&n.safePoint, reply.SafePoint)
	}

	n.mu.Lock()
	for _, info := range reply.Nodes {
		if local, ok := n.nodeInfos[info.ID]; !ok {
			n.nodeInfos[info.ID] = info
			n.createNodeEnd(info.ID)
			n.logger.Infof("found new node: %v", info)
		} else if local.Addr != info.Addr {
			n.nodeInfos[info.ID] = info
			n.createNodeEnd(info.ID)
			n.logger.Infof("node %d addr changed to %s", info.ID, info.Addr)
		}
	}
	n.mu.Unlock()

	for _, cmd := range reply.Commands {
		go n.execPlacementCommand(cmd)
	}
}

// execPlacementCommand runs one directive to completion. Failures are only
// logged; the collaborator re-issues commands it still wants on a later
// heartbeat.
func (n *Node) execPlacementCommand(cmd common.PlacementCommand) {
	n.logger.Infof("placement command %s on shard %d", cmd.Kind, cmd.ShardID)
	var err common.Err
	switch cmd.Kind {
	case common.CmdTransferLeader:
		err = n.rt.TransferLeader(cmd.ShardID, cmd.Peer.ID)
	case common.CmdAddPeer:
		err = n.proposeConfChange(cmd.ShardID, raft.ConfAddNode, cmd.Peer)
	case common.CmdRemovePeer:
		err = n.proposeConfChange(cmd.ShardID, raft.ConfRemoveNode, cmd.Peer)
	case common.CmdSplit:
		err = n.proposeSplit(cmd)
	case common.CmdMerge:
		err = n.proposeMerge(cmd)
	default:
		n.logger.Errorf("unknown placement command kind %d", cmd.Kind)
		return
	}
	if err != common.OK {
		n.logger.Warnf("placement command %s on shard %d: %s", cmd.Kind, cmd.ShardID, err)
	}
}

// gc drops committed versions below the safe point, shard by shard. This is
// local housekeeping over the data column families, not a replicated
// command; every replica converges to the same visible state regardless.
func (n *Node) gc() {
	sp := atomic.LoadUint64(&n.safePoint)
	if sp == 0 {
		return
	}
	for _, hb := range n.rt.Heartbeats() {
		meta := hb.Meta
		if meta.Epoch.Ver == 0 {
			continue
		}
		batch := n.engine.Batch()
		removed := mvcc.GC(n.engine, batch, meta.StartKey, meta.EndKey, sp)
		if batch.Len() == 0 {
			continue
		}
		if err := batch.Execute(); err != nil {
			n.logger.Errorf("gc shard %d: %v", meta.ID, err)
			continue
		}
		n.logger.Debugf("gc shard %d: dropped %d versions below %d", meta.ID, removed, sp)
	}
}
