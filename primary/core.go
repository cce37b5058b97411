package primary

import (
	"crypto/ed25519"
	"errors"
	"sync/atomic"

	"github.com/dagmesh/certdag/committee"
	"github.com/dagmesh/certdag/network"
	"github.com/dagmesh/certdag/sign"
	"github.com/dagmesh/certdag/store"
	"github.com/hashicorp/go-hclog"
	"go.dedis.ch/kyber/v3/share"
)

// verifyPoolSize bounds the workers verifying peer certificates, the
// only work that runs outside the dispatch loop.
const verifyPoolSize = 4

// MessageSender delivers signed messages to other primaries.
// network.ReliableSender is the production implementation.
type MessageSender interface {
	Send(target string, tag uint8, msg interface{}, sig []byte) *network.CancelHandler
	Broadcast(targets []string, tag uint8, msg interface{}, sig []byte) []*network.CancelHandler
}

// verifiedCertificate is a certificate whose aggregate signature the
// background pool already checked, re-injected into the dispatch loop.
type verifiedCertificate struct {
	cert *Certificate
}

// Core is the header/vote/certificate state machine. A single dispatch
// loop owns all mutable state: peer messages, waiter loopbacks and the
// proposer's headers are multiplexed over one select, and every chain
// of same-authority follow-up events (own header, own vote, own
// certificate) is drained from an internal queue before the next
// message is dequeued.
type Core struct {
	name         string
	committee    *committee.Committee
	store        store.Store
	synchronizer *Synchronizer
	privateKey   ed25519.PrivateKey
	tsPrivateKey *share.PriShare

	// consensusRound is advanced by the downstream consensus layer and
	// read here for garbage collection only.
	consensusRound *uint64
	gcDepth        uint64
	gcRound        uint64

	msgCh          chan interface{}
	headerWaiterCh <-chan *Header
	certWaiterCh   <-chan *Certificate
	proposerCh     <-chan *Header
	consensusCh    chan<- *Certificate

	lastVoted         map[uint64]map[string]bool
	processingHeaders map[string]*Header
	aggregators       map[string]*VotesAggregator
	cancelHandlers    map[uint64][]*network.CancelHandler

	sender       MessageSender
	verifyTaskCh chan *Certificate

	// pending holds the synthetic events a processed message produced;
	// it is drained before the loop yields back to the select.
	pending []interface{}

	quitCh chan struct{}
	logger hclog.Logger
}

// CoreConfig bundles the collaborators of a Core.
type CoreConfig struct {
	Name           string
	Committee      *committee.Committee
	Store          store.Store
	Synchronizer   *Synchronizer
	PrivateKey     ed25519.PrivateKey
	TsPrivateKey   *share.PriShare
	ConsensusRound *uint64
	GCDepth        uint64
	MsgCh          chan interface{}
	HeaderWaiterCh <-chan *Header
	CertWaiterCh   <-chan *Certificate
	ProposerCh     <-chan *Header
	ConsensusCh    chan<- *Certificate
	Sender         MessageSender
	Logger         hclog.Logger
}

// NewCore creates a core. Run starts its dispatch loop.
func NewCore(conf *CoreConfig) *Core {
	return &Core{
		name:              conf.Name,
		committee:         conf.Committee,
		store:             conf.Store,
		synchronizer:      conf.Synchronizer,
		privateKey:        conf.PrivateKey,
		tsPrivateKey:      conf.TsPrivateKey,
		consensusRound:    conf.ConsensusRound,
		gcDepth:           conf.GCDepth,
		msgCh:             conf.MsgCh,
		headerWaiterCh:    conf.HeaderWaiterCh,
		certWaiterCh:      conf.CertWaiterCh,
		proposerCh:        conf.ProposerCh,
		consensusCh:       conf.ConsensusCh,
		lastVoted:         make(map[uint64]map[string]bool),
		processingHeaders: make(map[string]*Header),
		aggregators:       make(map[string]*VotesAggregator),
		cancelHandlers:    make(map[uint64][]*network.CancelHandler),
		sender:            conf.Sender,
		verifyTaskCh:      make(chan *Certificate, 2*verifyPoolSize),
		quitCh:            make(chan struct{}),
		logger:            conf.Logger,
	}
}

// Run is the dispatch loop. It terminates only via Stop; a storage
// failure panics, durability being foundational to everything above it.
func (c *Core) Run() {
	for i := 0; i < verifyPoolSize; i++ {
		go c.verifyLoop()
	}

	for {
		select {
		case <-c.quitCh:
			return
		case msg := <-c.msgCh:
			c.dispatch(msg)
		case header := <-c.headerWaiterCh:
			// Loopback headers whose missing payload arrived.
			c.dispatch(loopbackHeader{header})
		case cert := <-c.certWaiterCh:
			// Loopback certificates whose missing ancestors arrived.
			c.dispatch(verifiedCertificate{cert})
		case header := <-c.proposerCh:
			c.dispatch(ownHeader{header})
		}
		c.cleanup()
	}
}

// Stop terminates the dispatch loop and the verification pool.
func (c *Core) Stop() {
	close(c.quitCh)
}

type ownHeader struct{ header *Header }
type loopbackHeader struct{ header *Header }

// dispatch runs one inbound event to completion, draining every
// synthetic follow-up event it spawned.
func (c *Core) dispatch(ev interface{}) {
	c.handleResult(c.handleEvent(ev))
	for len(c.pending) > 0 {
		next := c.pending[0]
		c.pending = c.pending[1:]
		c.handleResult(c.handleEvent(next))
	}
}

func (c *Core) handleEvent(ev interface{}) error {
	switch msg := ev.(type) {
	case *Header:
		if err := c.sanitizeHeader(msg); err != nil {
			return err
		}
		return c.processHeader(msg)
	case *Vote:
		if err := c.sanitizeVote(msg); err != nil {
			return err
		}
		return c.processVote(msg)
	case *Certificate:
		return c.sanitizeCertificate(msg)
	case verifiedCertificate:
		return c.processCertificate(msg.cert)
	case ownHeader:
		return c.processOwnHeader(msg.header)
	case loopbackHeader:
		return c.processHeader(msg.header)
	default:
		c.logger.Warn("unexpected core event", "event", ev)
		return nil
	}
}

// processOwnHeader registers a header we just created, broadcasts it
// and then processes it like any other header.
func (c *Core) processOwnHeader(header *Header) error {
	key := digestKey(header.ID)
	if _, ok := c.processingHeaders[key]; !ok {
		c.processingHeaders[key] = header
		c.aggregators[key] = NewVotesAggregator()
	}

	encoded, err := encode(*header)
	if err != nil {
		return err
	}
	sig := sign.SignEd25519(c.privateKey, encoded)
	handlers := c.sender.Broadcast(c.committee.Others(c.name), HeaderTag, *header, sig)
	c.cancelHandlers[header.Round] = append(c.cancelHandlers[header.Round], handlers...)

	return c.processHeader(header)
}

// processHeader persists the header and votes for it, at most once per
// author and round. The vote is short-circuited into the pending queue
// when we authored the header ourselves, unicast to the author
// otherwise.
func (c *Core) processHeader(header *Header) error {
	missing, err := c.synchronizer.MissingPayload(header)
	if err != nil {
		return err
	}
	if missing {
		c.logger.Debug("header processing suspended, payload missing",
			"id", digestKey(header.ID), "round", header.Round)
		return nil
	}

	encoded, err := encode(*header)
	if err != nil {
		return err
	}
	if err := c.store.Write(header.ID, encoded); err != nil {
		return &StoreError{Err: err}
	}

	if c.lastVoted[header.Round] == nil {
		c.lastVoted[header.Round] = make(map[string]bool)
	}
	if c.lastVoted[header.Round][header.Author] {
		// Already voted for this author in this round.
		return nil
	}
	c.lastVoted[header.Round][header.Author] = true

	vote := &Vote{
		ID:         header.ID,
		Round:      header.Round,
		Origin:     header.Author,
		Author:     c.name,
		PartialSig: sign.SignTSPartial(c.tsPrivateKey, header.ID),
	}

	if vote.Origin == c.name {
		c.pending = append(c.pending, vote)
		return nil
	}

	addr, err := c.committee.Address(header.Author)
	if err != nil {
		return err
	}
	encodedVote, err := encode(*vote)
	if err != nil {
		return err
	}
	sig := sign.SignEd25519(c.privateKey, encodedVote)
	handler := c.sender.Send(addr, VoteTag, *vote, sig)
	c.cancelHandlers[header.Round] = append(c.cancelHandlers[header.Round], handler)
	return nil
}

// processVote feeds the vote to the aggregator of its header. Votes for
// untracked headers are no-ops: the header is either certified already
// or not yet seen. A fresh certificate is broadcast, the in-flight pair
// evicted, and the certificate queued for persistence and forwarding.
func (c *Core) processVote(vote *Vote) error {
	key := digestKey(vote.ID)
	header, ok := c.processingHeaders[key]
	if !ok {
		return nil
	}
	aggregator := c.aggregators[key]

	certificate, err := aggregator.Append(vote, c.committee, header)
	if err != nil {
		return err
	}
	if certificate == nil {
		return nil
	}
	c.logger.Debug("assembled certificate", "id", digestKey(certificate.ID),
		"round", certificate.Round, "bitmap", certificate.SignerBitmap)

	encoded, err := encode(*certificate)
	if err != nil {
		return err
	}
	sig := sign.SignEd25519(c.privateKey, encoded)
	handlers := c.sender.Broadcast(c.committee.Others(c.name), CertTag, *certificate, sig)
	c.cancelHandlers[certificate.Round] = append(c.cancelHandlers[certificate.Round], handlers...)

	delete(c.processingHeaders, key)
	delete(c.aggregators, key)

	c.pending = append(c.pending, verifiedCertificate{certificate})
	return nil
}

// processCertificate persists the certificate and forwards it to the
// consensus layer. The store write is idempotent under duplicate
// delivery; forwarding never blocks the dispatch loop.
func (c *Core) processCertificate(certificate *Certificate) error {
	digest, err := certificate.Digest()
	if err != nil {
		return err
	}
	encoded, err := encode(*certificate)
	if err != nil {
		return err
	}
	if err := c.store.Write(digest, encoded); err != nil {
		return &StoreError{Err: err}
	}

	select {
	case c.consensusCh <- certificate:
	default:
		// The certificate is durably stored, a slow sink only loses the
		// notification.
		c.logger.Warn("failed to deliver certificate to consensus",
			"id", digestKey(certificate.ID), "round", certificate.Round)
	}
	return nil
}

func (c *Core) sanitizeHeader(header *Header) error {
	if header.Round < c.gcRound {
		return &HeaderTooOldError{ID: header.ID, Round: header.Round, GCRound: c.gcRound}
	}

	id, err := header.computeID()
	if err != nil {
		return err
	}
	if digestKey(id) != digestKey(header.ID) {
		return ErrInvalidSignature
	}
	pubKey, err := c.committee.PublicKeyED(header.Author)
	if err != nil {
		return err
	}
	ok, err := sign.VerifySignEd25519(pubKey, header.ID, header.Signature)
	if err != nil || !ok {
		return ErrInvalidSignature
	}
	return nil
}

func (c *Core) sanitizeVote(vote *Vote) error {
	if vote.Round < c.gcRound {
		return &VoteTooOldError{ID: vote.ID, Round: vote.Round, GCRound: c.gcRound}
	}

	if header, ok := c.processingHeaders[digestKey(vote.ID)]; ok {
		if digestKey(vote.ID) != digestKey(header.ID) || vote.Origin != header.Author ||
			vote.Round != header.Round {
			return &UnexpectedVoteError{ID: vote.ID}
		}
	}
	return nil
}

// sanitizeCertificate gc-checks a peer-asserted certificate and hands
// it to the verification pool. Aggregate verification is expensive and
// must not block the dispatch loop; the pool re-injects the certificate
// as a verified event once it passed. The enqueue must not block
// either: the workers feed their results back through the very channel
// this loop drains, so waiting on a pool slot here can deadlock the
// whole cycle under a certificate flood.
func (c *Core) sanitizeCertificate(certificate *Certificate) error {
	if certificate.Round < c.gcRound {
		digest, _ := certificate.Digest()
		return &CertificateTooOldError{ID: digest, Round: certificate.Round, GCRound: c.gcRound}
	}

	select {
	case c.verifyTaskCh <- certificate:
	default:
		// Dropping is safe: missing certificates are re-requested
		// through the waiter like any other missing data.
		c.logger.Warn("verification pool saturated, dropping certificate",
			"id", digestKey(certificate.ID), "round", certificate.Round)
	}
	return nil
}

// verifyLoop is one worker of the verification pool. It never touches
// core state: a certificate that verifies goes back through the
// dispatch loop, one that does not is dropped here.
func (c *Core) verifyLoop() {
	for {
		select {
		case <-c.quitCh:
			return
		case certificate := <-c.verifyTaskCh:
			if err := sign.VerifyTS(c.committee.TSPublicKey(), certificate.ID,
				certificate.AggSig); err != nil {
				c.logger.Warn("dropping certificate with invalid aggregate signature",
					"id", digestKey(certificate.ID), "round", certificate.Round)
				continue
			}
			select {
			case c.msgCh <- verifiedCertificate{certificate}:
			case <-c.quitCh:
				return
			}
		}
	}
}

// handleResult applies the error policy: storage failures kill the
// node, stale-round rejections are routine, everything else is logged
// and the message dropped.
func (c *Core) handleResult(err error) {
	if err == nil {
		return
	}
	var storeErr *StoreError
	if errors.As(err, &storeErr) {
		c.logger.Error("storage failure, killing node", "error", err)
		panic(err)
	}

	var headerTooOld *HeaderTooOldError
	var voteTooOld *VoteTooOldError
	var certTooOld *CertificateTooOldError
	if errors.As(err, &headerTooOld) || errors.As(err, &voteTooOld) ||
		errors.As(err, &certTooOld) {
		c.logger.Debug("dropped stale message", "error", err)
		return
	}
	c.logger.Warn("dropped message", "error", err)
}

// cleanup advances the garbage-collection floor and prunes all
// per-round bookkeeping below it. Pending sends for pruned rounds are
// cancelled along with their handlers.
func (c *Core) cleanup() {
	round := atomic.LoadUint64(c.consensusRound)
	if round <= c.gcDepth {
		return
	}
	gcRound := round - c.gcDepth
	if gcRound <= c.gcRound {
		return
	}

	for r := range c.lastVoted {
		if r < gcRound {
			delete(c.lastVoted, r)
		}
	}
	for key, header := range c.processingHeaders {
		if header.Round < gcRound {
			delete(c.processingHeaders, key)
			delete(c.aggregators, key)
		}
	}
	for r, handlers := range c.cancelHandlers {
		if r < gcRound {
			for _, handler := range handlers {
				handler.Cancel()
			}
			delete(c.cancelHandlers, r)
		}
	}
	c.gcRound = gcRound
}
