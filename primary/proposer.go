package primary

import (
	"crypto/ed25519"
	"time"

	"github.com/hashicorp/go-hclog"
)

// RoundUpdate carries the parents to include in the next header along
// with their round number. The round feed is driven from outside the
// proposer.
type RoundUpdate struct {
	Parents [][]byte
	Round   uint64
}

// Proposer accumulates batch digests from the workers and mints the
// next header for this authority once either enough payload piled up or
// the inter-header timer fired with a non-empty buffer.
type Proposer struct {
	name           string
	privateKey     ed25519.PrivateKey
	headerSize     int
	maxHeaderDelay time.Duration

	roundCh  <-chan RoundUpdate
	workerCh <-chan []BatchRef
	coreCh   chan<- *Header
	quitCh   chan struct{}

	round       uint64
	parents     [][]byte
	payload     []BatchRef
	payloadSize int

	logger hclog.Logger
}

// NewProposer creates a proposer starting at round 1.
func NewProposer(name string, privKey ed25519.PrivateKey, headerSize int,
	maxHeaderDelay time.Duration, roundCh <-chan RoundUpdate,
	workerCh <-chan []BatchRef, coreCh chan<- *Header, logger hclog.Logger) *Proposer {
	return &Proposer{
		name:           name,
		privateKey:     privKey,
		headerSize:     headerSize,
		maxHeaderDelay: maxHeaderDelay,
		roundCh:        roundCh,
		workerCh:       workerCh,
		coreCh:         coreCh,
		quitCh:         make(chan struct{}),
		round:          1,
		logger:         logger,
	}
}

func (p *Proposer) makeHeader() error {
	payload := p.payload
	p.payload = nil
	p.payloadSize = 0

	header, err := NewHeader(p.name, p.round, payload, p.parents, p.privateKey)
	if err != nil {
		return err
	}
	p.logger.Debug("created header", "id", digestKey(header.ID), "round", header.Round,
		"batches", len(header.Payload))

	// The core is the only consumer; losing it is fatal to the proposer.
	select {
	case p.coreCh <- header:
	case <-p.quitCh:
	}
	return nil
}

// Run is the proposer's main loop. A header goes out as soon as the
// accumulated payload reaches the size threshold, or on timer expiry if
// the buffer holds anything at all. Empty headers are never proposed on
// a bare timer.
func (p *Proposer) Run() {
	timer := time.NewTimer(p.maxHeaderDelay)
	defer timer.Stop()
	timerExpired := false

	for {
		enoughDigests := p.payloadSize >= p.headerSize
		if enoughDigests || (timerExpired && p.payloadSize > 0) {
			if err := p.makeHeader(); err != nil {
				p.logger.Error("failed to create header", "error", err)
				return
			}
			if !timerExpired {
				if !timer.Stop() {
					<-timer.C
				}
			}
			timer.Reset(p.maxHeaderDelay)
			timerExpired = false
		}

		select {
		case refs := <-p.workerCh:
			for _, ref := range refs {
				p.payloadSize += len(ref.Digest) + 4
			}
			p.payload = append(p.payload, refs...)
		case update := <-p.roundCh:
			p.round = update.Round
			p.parents = update.Parents
		case <-timer.C:
			timerExpired = true
		case <-p.quitCh:
			return
		}
	}
}

// Stop terminates the proposer loop.
func (p *Proposer) Stop() {
	close(p.quitCh)
}
