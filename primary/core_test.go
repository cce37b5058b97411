package primary

import (
	"crypto/ed25519"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/dagmesh/certdag/committee"
	"github.com/dagmesh/certdag/network"
	"github.com/dagmesh/certdag/store"
	"github.com/hashicorp/go-hclog"
	"go.dedis.ch/kyber/v3/share"
)

type sentMsg struct {
	target string
	tag    uint8
	msg    interface{}
}

// fakeSender records outbound messages instead of hitting the network.
type fakeSender struct {
	lock sync.Mutex
	sent []sentMsg
}

func (s *fakeSender) Send(target string, tag uint8, msg interface{}, sig []byte) *network.CancelHandler {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.sent = append(s.sent, sentMsg{target: target, tag: tag, msg: msg})
	return network.NewCancelHandler()
}

func (s *fakeSender) Broadcast(targets []string, tag uint8, msg interface{}, sig []byte) []*network.CancelHandler {
	handlers := make([]*network.CancelHandler, 0, len(targets))
	for _, target := range targets {
		handlers = append(handlers, s.Send(target, tag, msg, sig))
	}
	return handlers
}

func (s *fakeSender) byTag(tag uint8) []sentMsg {
	s.lock.Lock()
	defer s.lock.Unlock()
	var out []sentMsg
	for _, m := range s.sent {
		if m.tag == tag {
			out = append(out, m)
		}
	}
	return out
}

type coreFixture struct {
	core        *Core
	comm        *committee.Committee
	store       *store.InmemStore
	sender      *fakeSender
	shares      []*share.PriShare
	privKeys    []ed25519.PrivateKey
	consensusCh chan *Certificate
	msgCh       chan interface{}
}

// newCoreFixture builds a core for node0 of a 4-node committee, backed
// by fakes.
func newCoreFixture(t *testing.T) *coreFixture {
	return newCoreFixtureSized(t, 16)
}

// newCoreFixtureSized is newCoreFixture with an explicit inbound
// channel capacity. The production node wires a capacity of one.
func newCoreFixtureSized(t *testing.T, msgCap int) *coreFixture {
	t.Helper()
	comm, shares, privKeys := testCommittee(t, 4, 3)
	st := store.NewInmemStore()
	sender := &fakeSender{}
	waiterCh := make(chan WaiterMessage, 16)
	consensusCh := make(chan *Certificate, 16)
	msgCh := make(chan interface{}, msgCap)
	var consensusRound uint64

	logger := hclog.NewNullLogger()
	core := NewCore(&CoreConfig{
		Name:           "node0",
		Committee:      comm,
		Store:          st,
		Synchronizer:   NewSynchronizer("node0", st, waiterCh, logger),
		PrivateKey:     privKeys[0],
		TsPrivateKey:   shares[0],
		ConsensusRound: &consensusRound,
		GCDepth:        50,
		MsgCh:          msgCh,
		HeaderWaiterCh: make(chan *Header),
		CertWaiterCh:   make(chan *Certificate),
		ProposerCh:     make(chan *Header),
		ConsensusCh:    consensusCh,
		Sender:         sender,
		Logger:         logger,
	})
	return &coreFixture{
		core:        core,
		comm:        comm,
		store:       st,
		sender:      sender,
		shares:      shares,
		privKeys:    privKeys,
		consensusCh: consensusCh,
		msgCh:       msgCh,
	}
}

func TestCoreOwnHeaderPipeline(t *testing.T) {
	f := newCoreFixture(t)
	header := testHeader(t, "node0", 1, f.privKeys[0])

	// Our own header: registered, broadcast, stored and voted for.
	f.core.dispatch(ownHeader{header})

	if got := len(f.sender.byTag(HeaderTag)); got != 3 {
		t.Fatalf("header broadcast to %d peers, want 3", got)
	}
	stored, err := f.store.Read(header.ID)
	if err != nil || stored == nil {
		t.Fatalf("header not persisted: %v", err)
	}
	var persisted Header
	if err := decode(stored, &persisted); err != nil {
		t.Fatal(err)
	}
	if digestKey(persisted.ID) != digestKey(header.ID) {
		t.Fatal("persisted header does not round-trip")
	}
	if _, ok := f.core.processingHeaders[digestKey(header.ID)]; !ok {
		t.Fatal("header not tracked in-flight")
	}

	// Peer votes complete the quorum (3 of 4 stake units).
	f.core.dispatch(voteFor(header, "node1", f.shares[1]))
	f.core.dispatch(voteFor(header, "node2", f.shares[2]))

	if got := len(f.sender.byTag(CertTag)); got != 3 {
		t.Fatalf("certificate broadcast to %d peers, want 3", got)
	}
	select {
	case cert := <-f.consensusCh:
		if digestKey(cert.ID) != digestKey(header.ID) {
			t.Fatal("forwarded certificate is for the wrong header")
		}
		digest, _ := cert.Digest()
		if ok, _ := f.store.Has(digest); !ok {
			t.Fatal("certificate not persisted")
		}
	default:
		t.Fatal("certificate not forwarded to consensus")
	}

	// The in-flight pair is evicted once certified.
	if _, ok := f.core.processingHeaders[digestKey(header.ID)]; ok {
		t.Fatal("certified header still tracked")
	}
	if _, ok := f.core.aggregators[digestKey(header.ID)]; ok {
		t.Fatal("certified header's aggregator still tracked")
	}
}

func TestCoreHeaderTooOld(t *testing.T) {
	f := newCoreFixture(t)
	f.core.gcRound = 6

	header := testHeader(t, "node1", 5, f.privKeys[1])
	err := f.core.handleEvent(header)

	var tooOld *HeaderTooOldError
	if !errors.As(err, &tooOld) {
		t.Fatalf("got %v, want HeaderTooOldError", err)
	}
	if ok, _ := f.store.Has(header.ID); ok {
		t.Fatal("stale header written to the store")
	}
}

func TestCoreVoteTooOld(t *testing.T) {
	f := newCoreFixture(t)
	f.core.gcRound = 6

	header := testHeader(t, "node0", 5, f.privKeys[0])
	err := f.core.handleEvent(voteFor(header, "node1", f.shares[1]))

	var tooOld *VoteTooOldError
	if !errors.As(err, &tooOld) {
		t.Fatalf("got %v, want VoteTooOldError", err)
	}
}

func TestCoreCertificateTooOld(t *testing.T) {
	f := newCoreFixture(t)
	f.core.gcRound = 6

	cert := &Certificate{ID: []byte("some-header"), Round: 5, Origin: "node1"}
	err := f.core.handleEvent(cert)

	var tooOld *CertificateTooOldError
	if !errors.As(err, &tooOld) {
		t.Fatalf("got %v, want CertificateTooOldError", err)
	}
}

func TestCoreRejectsForgedHeader(t *testing.T) {
	f := newCoreFixture(t)

	// node1's header signed with node2's key.
	header := testHeader(t, "node1", 1, f.privKeys[2])
	if err := f.core.handleEvent(header); err != ErrInvalidSignature {
		t.Fatalf("got %v, want ErrInvalidSignature", err)
	}
	if ok, _ := f.store.Has(header.ID); ok {
		t.Fatal("forged header written to the store")
	}
}

func TestCoreUnexpectedVote(t *testing.T) {
	f := newCoreFixture(t)
	header := testHeader(t, "node0", 1, f.privKeys[0])
	f.core.dispatch(ownHeader{header})

	vote := voteFor(header, "node1", f.shares[1])
	vote.Round = header.Round + 1
	err := f.core.handleEvent(vote)

	var unexpected *UnexpectedVoteError
	if !errors.As(err, &unexpected) {
		t.Fatalf("got %v, want UnexpectedVoteError", err)
	}
}

func TestCoreVoteForUntrackedHeaderIsNoOp(t *testing.T) {
	f := newCoreFixture(t)
	header := testHeader(t, "node1", 1, f.privKeys[1])

	if err := f.core.handleEvent(voteFor(header, "node2", f.shares[2])); err != nil {
		t.Fatalf("vote for an untracked header returned %v, want nil", err)
	}
	if got := len(f.sender.sent); got != 0 {
		t.Fatalf("no-op vote triggered %d sends", got)
	}
}

func TestCorePeerHeaderVoteUnicast(t *testing.T) {
	f := newCoreFixture(t)
	header := testHeader(t, "node1", 1, f.privKeys[1])

	if err := f.core.handleEvent(header); err != nil {
		t.Fatal(err)
	}
	votes := f.sender.byTag(VoteTag)
	if len(votes) != 1 {
		t.Fatalf("%d vote sends, want a single unicast", len(votes))
	}
	addr, _ := f.comm.Address("node1")
	if votes[0].target != addr {
		t.Fatalf("vote sent to %s, want the header author at %s", votes[0].target, addr)
	}
	vote := votes[0].msg.(Vote)
	if vote.Author != "node0" || vote.Origin != "node1" {
		t.Fatal("vote fields do not name voter and header author")
	}

	// Redelivery of the same header must not produce a second vote.
	if err := f.core.handleEvent(header); err != nil {
		t.Fatal(err)
	}
	if got := len(f.sender.byTag(VoteTag)); got != 1 {
		t.Fatalf("%d vote sends after redelivery, want still 1", got)
	}
}

func TestCoreDuplicateCertificateIsIdempotent(t *testing.T) {
	f := newCoreFixture(t)
	header := testHeader(t, "node0", 1, f.privKeys[0])
	f.core.dispatch(ownHeader{header})
	f.core.dispatch(voteFor(header, "node1", f.shares[1]))
	f.core.dispatch(voteFor(header, "node2", f.shares[2]))
	cert := <-f.consensusCh

	// The same certificate delivered again: persisted at the same key,
	// forwarded again, no error.
	if err := f.core.handleEvent(verifiedCertificate{cert}); err != nil {
		t.Fatal(err)
	}
	select {
	case again := <-f.consensusCh:
		if digestKey(again.ID) != digestKey(cert.ID) {
			t.Fatal("re-forwarded certificate differs")
		}
	default:
		t.Fatal("duplicate certificate not forwarded")
	}
}

func TestCoreVerificationPool(t *testing.T) {
	f := newCoreFixture(t)
	go f.core.Run()
	defer f.core.Stop()

	// Assemble a genuine certificate out of band.
	header := testHeader(t, "node1", 1, f.privKeys[1])
	aggregator := NewVotesAggregator()
	var cert *Certificate
	for i := 1; i < 4; i++ {
		var err error
		cert, err = aggregator.Append(voteFor(header, f.comm.Names()[i], f.shares[i]), f.comm, header)
		if err != nil {
			t.Fatal(err)
		}
	}
	if cert == nil {
		t.Fatal("no certificate assembled")
	}

	// A forged certificate must never reach consensus.
	forged := &Certificate{ID: header.ID, Round: header.Round, Origin: header.Author,
		SignerBitmap: cert.SignerBitmap, AggSig: []byte("junk")}
	f.msgCh <- forged

	// The genuine one is verified in the pool and re-injected.
	f.msgCh <- cert

	select {
	case forwarded := <-f.consensusCh:
		if digestKey(forwarded.ID) != digestKey(cert.ID) {
			t.Fatal("forwarded certificate is for the wrong header")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("verified certificate never reached consensus")
	}
	select {
	case <-f.consensusCh:
		t.Fatal("forged certificate reached consensus")
	case <-time.After(100 * time.Millisecond):
	}
}

// TestCoreCertificateFloodKeepsDispatching saturates the verification
// pool far past every buffer, using the node's production inbound
// capacity of one. The dispatch loop must keep voting on headers
// throughout, and certificates must keep flowing to consensus.
func TestCoreCertificateFloodKeepsDispatching(t *testing.T) {
	f := newCoreFixtureSized(t, 1)
	go f.core.Run()
	defer f.core.Stop()

	// Assemble a genuine certificate out of band.
	header := testHeader(t, "node1", 1, f.privKeys[1])
	aggregator := NewVotesAggregator()
	var cert *Certificate
	for i := 1; i < 4; i++ {
		var err error
		cert, err = aggregator.Append(voteFor(header, f.comm.Names()[i], f.shares[i]), f.comm, header)
		if err != nil {
			t.Fatal(err)
		}
	}
	if cert == nil {
		t.Fatal("no certificate assembled")
	}

	// Redeliver it well past the pool and channel capacities, as a peer
	// relaying history would.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 100; i++ {
			f.msgCh <- cert
		}
	}()

	// A header delivered mid-flood must still be voted on.
	other := testHeader(t, "node2", 1, f.privKeys[2])
	f.msgCh <- other
	deadline := time.Now().Add(5 * time.Second)
	for len(f.sender.byTag(VoteTag)) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("no vote while the verification pool was saturated")
		}
		time.Sleep(10 * time.Millisecond)
	}

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("dispatch loop wedged under a certificate flood")
	}
	if len(f.consensusCh) == 0 {
		t.Fatal("no certificate of the flood reached consensus")
	}
}

func TestCoreGarbageCollection(t *testing.T) {
	f := newCoreFixture(t)

	header := testHeader(t, "node1", 2, f.privKeys[1])
	if err := f.core.handleEvent(header); err != nil {
		t.Fatal(err)
	}
	if len(f.core.lastVoted) == 0 || len(f.core.cancelHandlers) == 0 {
		t.Fatal("no per-round bookkeeping to collect")
	}

	// Consensus reached round 60 with depth 50: floor moves to 10.
	*f.core.consensusRound = 60
	f.core.cleanup()

	if f.core.gcRound != 10 {
		t.Fatalf("gc round is %d, want 10", f.core.gcRound)
	}
	if len(f.core.lastVoted) != 0 || len(f.core.cancelHandlers) != 0 {
		t.Fatal("bookkeeping below the gc floor survived cleanup")
	}
}
