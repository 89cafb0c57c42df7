package main

import (
	"bufio"
	"flag"
	"fmt"
	"os"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/stormgbs/tikv/pkg/client"
	"github.com/stormgbs/tikv/pkg/client/etc"
	"github.com/stormgbs/tikv/pkg/common"
)

func main() {
	var confPath string
	flag.StringVar(&confPath, "c", "", "config file path")
	flag.Parse()

	if confPath == "" {
		log.Fatalf("no config file path provided")
	}
	conf := etc.ParseClientConf(confPath)

	nodes := make([]common.NodeInfo, len(conf.Nodes))
	for i, n := range conf.Nodes {
		nodes[i] = common.NodeInfo{ID: n.ID, Addr: n.Addr}
	}
	ck := client.MakeClerk(nodes)

	in := bufio.NewScanner(os.Stdin)
	fmt.Println("commands: get <k> | put <k> <v> | del <k> | scan <start> <end> | quit")
	for {
		fmt.Print("> ")
		if !in.Scan() {
			return
		}
		fields := strings.Fields(in.Text())
		if len(fields) == 0 {
			continue
		}
		switch fields[0] {
		case "quit":
			return
		case "get":
			if len(fields) != 2 {
				fmt.Println("usage: get <k>")
				continue
			}
			val, found, lock, err := ck.Get([]byte(fields[1]), ck.TS())
			switch {
			case err != common.OK:
				fmt.Printf("error: %s (lock=%v)\n", err, lock)
			case !found:
				fmt.Println("(not found)")
			default:
				fmt.Printf("%s\n", val)
			}
		case "put":
			if len(fields) != 3 {
				fmt.Println("usage: put <k> <v>")
				continue
			}
			txn := ck.Begin()
			txn.Put([]byte(fields[1]), []byte(fields[2]))
			if lock, err := txn.Commit(); err != common.OK {
				fmt.Printf("error: %s (lock=%v)\n", err, lock)
			}
		case "del":
			if len(fields) != 2 {
				fmt.Println("usage: del <k>")
				continue
			}
			txn := ck.Begin()
			txn.Delete([]byte(fields[1]))
			if lock, err := txn.Commit(); err != common.OK {
				fmt.Printf("error: %s (lock=%v)\n", err, lock)
			}
		case "scan":
			if len(fields) != 3 {
				fmt.Println("usage: scan <start> <end>")
				continue
			}
			pairs, lock, err := ck.Scan([]byte(fields[1]), []byte(fields[2]), ck.TS(), 100)
			if err != common.OK {
				fmt.Printf("error: %s (lock=%v)\n", err, lock)
				continue
			}
			for _, p := range pairs {
				fmt.Printf("%s => %s\n", p.Key, p.Value)
			}
		default:
			fmt.Println("unknown command")
		}
	}
}
