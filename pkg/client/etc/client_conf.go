package etc

import (
	"encoding/json"
	"io/ioutil"

	log "github.com/sirupsen/logrus"
)

type ClientConf struct {
	Nodes    []NodeEntry `json:"nodes"`
	LogLevel string      `json:"log_level"`
}

type NodeEntry struct {
	ID   uint64 `json:"id"`
	Addr string `json:"addr"`
}

func ParseClientConf(confPath string) ClientConf {
	confBytes, err := ioutil.ReadFile(confPath)
	if err != nil {
		log.Fatalf("failed to open config file: %v", err)
	}
	conf := ClientConf{LogLevel: "info"}
	if err := json.Unmarshal(confBytes, &conf); err != nil {
		log.Fatalf("failed to parse config file: %v", err)
	}
	return conf
}
