package main

import (
	"flag"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/stormgbs/tikv/internal/netw"
	"github.com/stormgbs/tikv/internal/node"
	"github.com/stormgbs/tikv/internal/node/etc"
)

func main() {
	conf := makeConfig()

	server := startServer(conf)

	<-server.KilledC
}

func makeConfig() etc.NodeConf {
	var confPath string
	flag.StringVar(&confPath, "c", "", "config file path")
	flag.Parse()

	if confPath == "" {
		log.Fatalf("no config file path provided")
	}

	return etc.ParseNodeConf(confPath)
}

func startServer(conf etc.NodeConf) *node.Node {
	placementEnds := make([]*netw.ClientEnd, len(conf.Placement))
	for i, addr := range conf.Placement {
		placementEnds[i] = netw.MakeRPCEnd(fmt.Sprintf("Placement-%d", i), addr)
	}

	n := node.MakeNode(conf, placementEnds, conf.Serv.LogLevel)
	if err := n.StartRPCServer(); err != nil {
		log.Fatalf("start node rpc server: %v", err)
	}
	return n
}
