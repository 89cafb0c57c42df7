package router

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	proposalsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tikv_router_proposals_total",
		Help: "Proposals accepted into shard mailboxes.",
	})
	busyRejections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tikv_router_busy_rejections_total",
		Help: "Proposals and messages rejected because a mailbox was full.",
	})
	raftMessagesIn = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tikv_router_raft_messages_in_total",
		Help: "Inbound raft messages delivered to shards.",
	})
	hostedShards = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tikv_router_hosted_shards",
		Help: "Shards with a live peer on this node.",
	})
	snapshotsSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tikv_router_snapshots_sent_total",
		Help: "Snapshot images streamed to followers.",
	})
)
