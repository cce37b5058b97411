package primary

import (
	"errors"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/dagmesh/certdag/committee"
	"github.com/dagmesh/certdag/config"
	"github.com/dagmesh/certdag/conn"
	"github.com/dagmesh/certdag/network"
	"github.com/dagmesh/certdag/sign"
	"github.com/dagmesh/certdag/store"
	"github.com/hashicorp/go-hclog"
)

// Node assembles the primary: transport, store, synchronizer, proposer
// and core, with the channels between them. The worker tier, the waiter
// and the consensus layer remain external and attach through the
// channels the node exposes.
type Node struct {
	name      string
	committee *committee.Committee
	store     store.Store
	trans     *conn.NetworkTransport

	core      *Core
	proposer  *Proposer
	synchro   *Synchronizer
	clusterP  map[string]int // name to p2p port
	maxPool   int
	logger    hclog.Logger

	msgCh            chan interface{}
	waiterReqCh      chan WaiterMessage
	headerLoopbackCh chan *Header
	certLoopbackCh   chan *Certificate
	proposerCoreCh   chan *Header
	workerCh         chan []BatchRef
	roundCh          chan RoundUpdate
	consensusCh      chan *Certificate

	consensusRound uint64
}

// NewNode builds a node from its configuration and an opened store.
func NewNode(conf *config.Config, st store.Store) (*Node, error) {
	logger := hclog.New(&hclog.LoggerOptions{
		Name:   "certdag-" + conf.Name,
		Output: hclog.DefaultOutput,
		Level:  hclog.Level(conf.LogLevel),
	})

	comm, err := buildCommittee(conf)
	if err != nil {
		return nil, err
	}

	n := &Node{
		name:             conf.Name,
		committee:        comm,
		store:            st,
		clusterP:         conf.ClusterPort,
		maxPool:          conf.MaxPool,
		logger:           logger,
		msgCh:            make(chan interface{}, 1),
		waiterReqCh:      make(chan WaiterMessage, 16),
		headerLoopbackCh: make(chan *Header, 16),
		certLoopbackCh:   make(chan *Certificate, 16),
		proposerCoreCh:   make(chan *Header, 1),
		workerCh:         make(chan []BatchRef, 16),
		roundCh:          make(chan RoundUpdate, 1),
		consensusCh:      make(chan *Certificate, 1024),
	}

	n.synchro = NewSynchronizer(conf.Name, st, n.waiterReqCh, logger.Named("synchronizer"))
	n.proposer = NewProposer(conf.Name, conf.PrivateKey, conf.HeaderSize,
		time.Duration(conf.MaxHeaderDelay)*time.Millisecond, n.roundCh, n.workerCh,
		n.proposerCoreCh, logger.Named("proposer"))
	return n, nil
}

func buildCommittee(conf *config.Config) (*committee.Committee, error) {
	authorities := make([]*committee.Authority, 0, len(conf.PublicKeyMap))
	for name, pubKey := range conf.PublicKeyMap {
		// Share indices follow the "nodeN" naming convention.
		if len(name) <= 4 || !strings.HasPrefix(name, "node") {
			return nil, errors.New("cannot derive the share index from name " + name)
		}
		index, err := strconv.Atoi(name[4:])
		if err != nil {
			return nil, errors.New("cannot derive the share index from name " + name)
		}
		stake := conf.ClusterStake[name]
		if stake == 0 {
			stake = 1
		}
		authorities = append(authorities, &committee.Authority{
			Name:       name,
			Stake:      stake,
			Addr:       conf.ClusterAddr[name],
			Port:       conf.ClusterPort[name],
			PubKeyED:   pubKey,
			ShareIndex: index,
		})
	}
	return committee.New(authorities, conf.TsPublicKey)
}

// StartP2PListen starts the node's transport listener.
func (n *Node) StartP2PListen() error {
	var err error
	n.trans, err = conn.NewTCPTransport(":"+strconv.Itoa(n.clusterP[n.name]),
		30*time.Second, nil, n.maxPool, ReflectedTypesMap)
	return err
}

// EstablishP2PConns dials every peer once so the connection pool is
// warm before the first broadcast.
func (n *Node) EstablishP2PConns() error {
	if n.trans == nil {
		return errors.New("networkTransport has not been created")
	}
	for _, addr := range n.committee.Others(n.name) {
		connect, err := n.trans.GetConn(addr)
		if err != nil {
			return err
		}
		if err = n.trans.ReturnConn(connect); err != nil {
			return err
		}
		n.logger.Debug("connection has been established", "sender", n.name, "receiver", addr)
	}
	return nil
}

// Run wires the core to the transport and starts all loops. It blocks
// in the inbound message loop.
func (n *Node) Run(conf *config.Config) {
	sender := network.NewReliableSender(n.trans, n.logger.Named("sender"))
	n.core = NewCore(&CoreConfig{
		Name:           n.name,
		Committee:      n.committee,
		Store:          n.store,
		Synchronizer:   n.synchro,
		PrivateKey:     conf.PrivateKey,
		TsPrivateKey:   conf.TsPrivateKey,
		ConsensusRound: &n.consensusRound,
		GCDepth:        conf.GCDepth,
		MsgCh:          n.msgCh,
		HeaderWaiterCh: n.headerLoopbackCh,
		CertWaiterCh:   n.certLoopbackCh,
		ProposerCh:     n.proposerCoreCh,
		ConsensusCh:    n.consensusCh,
		Sender:         sender,
		Logger:         n.logger.Named("core"),
	})

	go n.core.Run()
	go n.proposer.Run()
	n.handleMsgLoop()
}

// handleMsgLoop authenticates inbound transport messages and routes
// them into the core's dispatch loop. Certificates carry their own
// aggregate signature and are authenticated by the verification pool
// instead.
func (n *Node) handleMsgLoop() {
	msgCh := n.trans.MsgChan()
	for {
		msgWithSig, ok := <-msgCh
		if !ok {
			return
		}
		switch msgAsserted := msgWithSig.Msg.(type) {
		case Header:
			if !n.verifySigED25519(msgAsserted.Author, msgWithSig.Msg, msgWithSig.Sig) {
				n.logger.Error("fail to verify the header's signature", "round", msgAsserted.Round,
					"author", msgAsserted.Author)
				continue
			}
			n.msgCh <- &msgAsserted
		case Vote:
			if !n.verifySigED25519(msgAsserted.Author, msgWithSig.Msg, msgWithSig.Sig) {
				n.logger.Error("fail to verify the vote's signature", "round", msgAsserted.Round,
					"author", msgAsserted.Author, "origin", msgAsserted.Origin)
				continue
			}
			n.msgCh <- &msgAsserted
		case Certificate:
			n.msgCh <- &msgAsserted
		default:
			n.logger.Error("message of an unknown type is received")
		}
	}
}

func (n *Node) verifySigED25519(peer string, data interface{}, sig []byte) bool {
	pubKey, err := n.committee.PublicKeyED(peer)
	if err != nil {
		n.logger.Error("node is unknown", "node", peer)
		return false
	}
	dataAsBytes, err := encode(data)
	if err != nil {
		n.logger.Error("fail to encode the data", "error", err)
		return false
	}
	ok, err := sign.VerifySignEd25519(pubKey, dataAsBytes, sig)
	if err != nil {
		n.logger.Error("fail to verify the ED25519 signature", "error", err)
		return false
	}
	return ok
}

// ConsensusChan returns the channel of certified headers for the
// downstream ordering layer.
func (n *Node) ConsensusChan() <-chan *Certificate {
	return n.consensusCh
}

// WorkerDigestChan returns the channel the worker tier feeds batch
// digests into.
func (n *Node) WorkerDigestChan() chan<- []BatchRef {
	return n.workerCh
}

// WaiterRequests returns the channel of missing-payload requests for
// the external waiter.
func (n *Node) WaiterRequests() <-chan WaiterMessage {
	return n.waiterReqCh
}

// ResubmitHeader re-delivers a header whose missing payload arrived.
func (n *Node) ResubmitHeader(header *Header) {
	n.headerLoopbackCh <- header
}

// ResubmitCertificate re-delivers a certificate whose missing ancestors
// arrived.
func (n *Node) ResubmitCertificate(certificate *Certificate) {
	n.certLoopbackCh <- certificate
}

// AdvanceRound feeds the proposer the parents of its next header.
func (n *Node) AdvanceRound(parents [][]byte, round uint64) {
	n.roundCh <- RoundUpdate{Parents: parents, Round: round}
}

// SetConsensusRound records the round the consensus layer reached,
// moving the garbage-collection window.
func (n *Node) SetConsensusRound(round uint64) {
	atomic.StoreUint64(&n.consensusRound, round)
}

// Close shuts down the loops and the transport.
func (n *Node) Close() error {
	if n.core != nil {
		n.core.Stop()
	}
	n.proposer.Stop()
	if n.trans != nil {
		return n.trans.Close()
	}
	return nil
}
