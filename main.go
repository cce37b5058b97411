package main

import (
	"fmt"

	"github.com/dagmesh/certdag/config"
	"github.com/dagmesh/certdag/primary"
	"github.com/dagmesh/certdag/store"
)

var conf *config.Config
var err error

func init() {
	conf, err = config.LoadConfig("", "config")
	if err != nil {
		panic(err)
	}
}

func main() {
	st, err := store.NewBadgerStore(conf.StorePath, nil)
	if err != nil {
		panic(err)
	}
	defer st.Close()

	node, err := primary.NewNode(conf, st)
	if err != nil {
		panic(err)
	}
	if err = node.StartP2PListen(); err != nil {
		panic(err)
	}
	if err = node.EstablishP2PConns(); err != nil {
		panic(err)
	}
	fmt.Println("node starts the certified-DAG primary!")
	node.Run(conf)
}
