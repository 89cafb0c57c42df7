package etc

import (
	"encoding/json"
	"io/ioutil"
	"runtime"

	log "github.com/sirupsen/logrus"
)

type NodeConf struct {
	NodeId    uint64   `json:"node_id"`
	Host      string   `json:"host"`
	Port      int      `json:"port"`
	Placement []string `json:"placement"`
	DBPath    string   `json:"db_dir"`

	// Bootstrap makes an empty node create the first shard covering the
	// whole keyspace, with itself as the only voter. Exactly one node of a
	// fresh cluster should carry it.
	Bootstrap bool `json:"bootstrap"`

	Raft RaftConf
	Serv ServConf
}

type RaftConf struct {
	ElectionTicks   int `json:"election_ticks"`
	HeartbeatTicks  int `json:"heartbeat_ticks"`
	TickIntervalMs  int `json:"tick_interval_ms"`
	RaftWorkers     int `json:"raft_workers"`
	ApplyWorkers    int `json:"apply_workers"`
	SnapshotWorkers int `json:"snapshot_workers"`
}

type ServConf struct {
	LogLevel       string `json:"log_level"`
	MetricsPort    int    `json:"metrics_port"`
	GraphiteAddr   string `json:"graphite_addr"`
	GraphitePrefix string `json:"graphite_prefix"`
}

func MakeDefaultConfig() NodeConf {
	var dbPath string
	if runtime.GOOS == "linux" {
		dbPath = "/data/tikvnode"
	} else {
		dbPath = "./data/tikvnode"
	}
	return NodeConf{
		Host:   "127.0.0.1",
		Port:   8800,
		DBPath: dbPath,
		Raft: RaftConf{
			ElectionTicks:   10,
			HeartbeatTicks:  2,
			TickIntervalMs:  100,
			RaftWorkers:     4,
			ApplyWorkers:    4,
			SnapshotWorkers: 2,
		},
		Serv: ServConf{
			LogLevel:       "info",
			GraphitePrefix: "tikv",
		},
	}
}

func ParseNodeConf(confPath string) NodeConf {
	confBytes, err := ioutil.ReadFile(confPath)
	if err != nil {
		log.Fatalf("failed to open config file: %v", err)
	}
	conf := MakeDefaultConfig()
	if err := json.Unmarshal(confBytes, &conf); err != nil {
		log.Fatalf("failed to parse config file: %v", err)
	}
	return conf
}
