/*
Package main in the directory config_gen implements a tool to read
configuration from a template and generate a customized configuration
file for each node, including its generated ED25519 and threshold key
material.
*/
package main

import (
	"encoding/hex"
	"os"
	"strconv"
	"strings"

	"github.com/dagmesh/certdag/sign"
	"github.com/spf13/viper"
)

func main() {
	viperRead := viper.New()

	// for environment variables
	viperRead.SetEnvPrefix("")
	viperRead.AutomaticEnv()
	replacer := strings.NewReplacer(".", "_")
	viperRead.SetEnvKeyReplacer(replacer)
	viperRead.SetConfigName("config_template")
	viperRead.AddConfigPath("./")
	if err := viperRead.ReadInConfig(); err != nil {
		panic(err)
	}

	// deal with the cluster as a string map
	clusterMapInterface := viperRead.GetStringMap("cluster_ips")
	nodeNumber := len(clusterMapInterface)
	clusterMapString := make(map[string]string, nodeNumber)
	for name, addr := range clusterMapInterface {
		addrAsString, ok := addr.(string)
		if !ok {
			panic("cluster_ips in the config file cannot be decoded correctly")
		}
		if len(name) <= 4 || !strings.HasPrefix(name, "node") {
			panic("node names must follow the nodeN convention")
		}
		if _, err := strconv.Atoi(name[4:]); err != nil {
			panic("node names must follow the nodeN convention")
		}
		clusterMapString[name] = addrAsString
	}

	p2pPortMapInterface := viperRead.GetStringMap("peers_p2p_port")
	if nodeNumber != len(p2pPortMapInterface) {
		panic("the number of p2p ports does not match the number of IPs")
	}
	p2pPortMap := make(map[string]int, nodeNumber)
	for name, port := range p2pPortMapInterface {
		portAsInt, ok := port.(int)
		if !ok {
			panic("peers_p2p_port in the config file cannot be decoded correctly")
		}
		p2pPortMap[name] = portAsInt
	}

	stakeMapInterface := viperRead.GetStringMap("cluster_stake")
	stakeMap := make(map[string]int, nodeNumber)
	for name := range clusterMapString {
		stakeMap[name] = 1
		if stakeAsInterface, ok := stakeMapInterface[name]; ok {
			if stakeAsInt, ok := stakeAsInterface.(int); ok {
				stakeMap[name] = stakeAsInt
			}
		}
	}

	// create the ED25519 keys
	privKeyMap := make(map[string][]byte, nodeNumber)
	pubKeyMap := make(map[string]string, nodeNumber)
	for name := range clusterMapString {
		privKey, pubKey := sign.GenED25519Keys()
		privKeyMap[name] = privKey
		pubKeyMap[name] = hex.EncodeToString(pubKey)
	}

	// create the threshold keys, one share per node by its index
	quorum := 2*nodeNumber/3 + 1
	shares, pubPoly := sign.GenTSKeys(quorum, nodeNumber)
	tsPubKeyAsBytes, err := sign.EncodeTSPublicKey(pubPoly)
	if err != nil {
		panic(err)
	}

	headerSize := viperRead.GetInt("header_size")
	maxHeaderDelay := viperRead.GetInt("max_header_delay")
	gcDepth := viperRead.GetInt("gc_depth")
	logLevel := viperRead.GetInt("log_level")
	maxPool := viperRead.GetInt("max_pool")
	storePath := viperRead.GetString("store_path")

	for name := range clusterMapString {
		index, _ := strconv.Atoi(name[4:])
		tsShareAsBytes, err := sign.EncodeTSPartialKey(shares[index])
		if err != nil {
			panic(err)
		}

		viperWrite := viper.New()
		viperWrite.SetConfigFile("config_" + name + ".yaml")
		viperWrite.Set("name", name)
		viperWrite.Set("max_pool", maxPool)
		viperWrite.Set("store_path", storePath+"/"+name)
		viperWrite.Set("header_size", headerSize)
		viperWrite.Set("max_header_delay", maxHeaderDelay)
		viperWrite.Set("gc_depth", gcDepth)
		viperWrite.Set("log_level", logLevel)
		viperWrite.Set("privkeyed", hex.EncodeToString(privKeyMap[name]))
		viperWrite.Set("tspubkey", hex.EncodeToString(tsPubKeyAsBytes))
		viperWrite.Set("tsshare", hex.EncodeToString(tsShareAsBytes))
		viperWrite.Set("cluster_ips", clusterMapString)
		viperWrite.Set("peers_p2p_port", p2pPortMap)
		viperWrite.Set("cluster_stake", stakeMap)
		viperWrite.Set("cluster_pubkeyed", pubKeyMap)

		if err = viperWrite.WriteConfig(); err != nil {
			panic(err)
		}
	}

	os.Exit(0)
}
