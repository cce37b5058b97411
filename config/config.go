/*
Package config implements the type to pass the arguments to the node
and implements a function to load the parameters from a configuration file.
*/
package config

import (
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"strconv"
	"strings"

	"github.com/dagmesh/certdag/sign"
	"github.com/spf13/viper"
	"go.dedis.ch/kyber/v3/share"
)

// Config defines a type to describe the configuration.
type Config struct {
	Name           string
	MaxPool        int
	StorePath      string
	HeaderSize     int    // payload bytes that trigger a header
	MaxHeaderDelay int    // maximum inter-header delay, milliseconds
	GCDepth        uint64 // trailing rounds of bookkeeping kept
	ClusterAddr    map[string]string // map from name to address
	ClusterPort    map[string]int    // map from name to p2p port
	ClusterStake   map[string]int    // map from name to stake weight
	PublicKeyMap   map[string]ed25519.PublicKey
	PrivateKey     ed25519.PrivateKey
	TsPublicKey    *share.PubPoly
	TsPrivateKey   *share.PriShare
	LogLevel       int
}

// New creates a new variable of type Config for test
func New(name string, maxPool int, clusterAddr map[string]string, clusterPort map[string]int,
	clusterStake map[string]int, publicKeyMap map[string]ed25519.PublicKey,
	privateKey ed25519.PrivateKey, tsPublicKey *share.PubPoly, tsPrivateKey *share.PriShare,
	logLevel, headerSize, maxHeaderDelay int, gcDepth uint64) *Config {
	return &Config{
		Name:           name,
		MaxPool:        maxPool,
		ClusterAddr:    clusterAddr,
		ClusterPort:    clusterPort,
		ClusterStake:   clusterStake,
		PublicKeyMap:   publicKeyMap,
		PrivateKey:     privateKey,
		TsPublicKey:    tsPublicKey,
		TsPrivateKey:   tsPrivateKey,
		LogLevel:       logLevel,
		HeaderSize:     headerSize,
		MaxHeaderDelay: maxHeaderDelay,
		GCDepth:        gcDepth,
	}
}

// LoadConfig loads configuration files by package viper.
func LoadConfig(configPrefix, configName string) (*Config, error) {
	viperConfig := viper.New()

	// for environment variables
	viperConfig.SetEnvPrefix(configPrefix)
	viperConfig.AutomaticEnv()
	replacer := strings.NewReplacer(".", "_")
	viperConfig.SetEnvKeyReplacer(replacer)
	viperConfig.SetConfigName(configName)
	viperConfig.AddConfigPath("./")
	err := viperConfig.ReadInConfig()
	if err != nil {
		return nil, err
	}

	privKeyEDAsString := viperConfig.GetString("privkeyed")
	privKeyED, err := hex.DecodeString(privKeyEDAsString)
	if err != nil {
		return nil, err
	}

	tsPubKeyAsString := viperConfig.GetString("tspubkey")
	tsPubKeyAsBytes, err := hex.DecodeString(tsPubKeyAsString)
	if err != nil {
		return nil, err
	}
	tsPubKey, err := sign.DecodeTSPublicKey(tsPubKeyAsBytes)
	if err != nil {
		return nil, err
	}

	tsShareAsString := viperConfig.GetString("tsshare")
	tsShareAsBytes, err := hex.DecodeString(tsShareAsString)
	if err != nil {
		return nil, err
	}
	tsShareKey, err := sign.DecodeTSPartialKey(tsShareAsBytes)
	if err != nil {
		return nil, err
	}

	conf := &Config{
		Name:           viperConfig.GetString("name"),
		MaxPool:        viperConfig.GetInt("max_pool"),
		StorePath:      viperConfig.GetString("store_path"),
		HeaderSize:     viperConfig.GetInt("header_size"),
		MaxHeaderDelay: viperConfig.GetInt("max_header_delay"),
		GCDepth:        viperConfig.GetUint64("gc_depth"),
		PrivateKey:     privKeyED,
		TsPublicKey:    tsPubKey,
		TsPrivateKey:   tsShareKey,
		LogLevel:       viperConfig.GetInt("log_level"),
	}

	peersP2PPortMapString := viperConfig.GetStringMap("peers_p2p_port")
	peersIPsMapString := viperConfig.GetStringMap("cluster_ips")
	peersStakeMapString := viperConfig.GetStringMap("cluster_stake")
	pubKeyMapString := viperConfig.GetStringMap("cluster_pubkeyed")
	pubKeyMap := make(map[string]ed25519.PublicKey, len(pubKeyMapString))
	clusterAddr := make(map[string]string, len(pubKeyMapString))
	clusterPort := make(map[string]int, len(pubKeyMapString))
	clusterStake := make(map[string]int, len(pubKeyMapString))
	for name, pkAsInterface := range pubKeyMapString {
		clusterPort[name] = peersP2PPortMapString[name].(int)
		clusterAddr[name] = peersIPsMapString[name].(string)
		if stakeAsInterface, ok := peersStakeMapString[name]; ok {
			clusterStake[name] = stakeAsInterface.(int)
		} else {
			clusterStake[name] = 1
		}
		if pkAsString, ok := pkAsInterface.(string); ok {
			pubKey, err := hex.DecodeString(pkAsString)
			if err != nil {
				return nil, err
			}
			pubKeyMap[name] = pubKey
		} else {
			return nil, errors.New("public key in the config file cannot be decoded correctly")
		}
		if len(name) <= 4 || !strings.HasPrefix(name, "node") {
			return nil, errors.New("node names must follow the nodeN convention")
		}
		if _, err = strconv.Atoi(name[4:]); err != nil {
			return nil, errors.New("node names must follow the nodeN convention")
		}
	}

	conf.PublicKeyMap = pubKeyMap
	conf.ClusterPort = clusterPort
	conf.ClusterAddr = clusterAddr
	conf.ClusterStake = clusterStake
	return conf, nil
}
