package primary

import (
	"crypto/ed25519"
	"reflect"
)

// BatchRef references one transaction batch assembled by a worker.
// The worker id is part of the reference so that payload availability
// is always checked against the worker that actually holds the batch.
type BatchRef struct {
	Digest   []byte
	WorkerID uint32
}

// Header is a round-scoped proposal bundling batch references and the
// certificates of the previous round. It is immutable once created; its
// identity is the hash of its content.
type Header struct {
	Author    string
	Round     uint64
	Payload   []BatchRef
	Parents   [][]byte // certificate digests of round-1
	ID        []byte
	Signature []byte
}

// Vote is a promise to certify a specific header. The partial signature
// is a threshold-signature share over the header id.
type Vote struct {
	ID         []byte // header id
	Round      uint64
	Origin     string // header author
	Author     string // voter
	PartialSig []byte
}

// Certificate proves that a header received quorum votes. The bitmap
// has one bit set per contributing authority, at the authority's
// threshold key share index.
type Certificate struct {
	ID           []byte // header id
	Round        uint64
	Origin       string
	SignerBitmap uint64
	AggSig       []byte
}

// NewHeader builds a header, fills in its content hash and signs the
// hash with the author's ED25519 key.
func NewHeader(author string, round uint64, payload []BatchRef, parents [][]byte,
	privKey ed25519.PrivateKey) (*Header, error) {
	header := &Header{
		Author:  author,
		Round:   round,
		Payload: payload,
		Parents: parents,
	}
	id, err := header.computeID()
	if err != nil {
		return nil, err
	}
	header.ID = id
	header.Signature = ed25519.Sign(privKey, id)
	return header, nil
}

// computeID hashes the header content with the id and signature zeroed.
func (h *Header) computeID() ([]byte, error) {
	unsigned := Header{
		Author:  h.Author,
		Round:   h.Round,
		Payload: h.Payload,
		Parents: h.Parents,
	}
	encoded, err := encode(unsigned)
	if err != nil {
		return nil, err
	}
	return genMsgHashSum(encoded)
}

// Digest content-addresses the certified header. Bitmap and aggregate
// signature are excluded: certificates for the same header assembled
// from different quorums are equivalent and share one store key.
func (c *Certificate) Digest() ([]byte, error) {
	encoded, err := encode(struct {
		ID     []byte
		Round  uint64
		Origin string
	}{c.ID, c.Round, c.Origin})
	if err != nil {
		return nil, err
	}
	return genMsgHashSum(encoded)
}

// Message tags used on the wire.
const (
	HeaderTag uint8 = iota
	VoteTag
	CertTag
)

var (
	header Header
	vote   Vote
	cert   Certificate
)

// ReflectedTypesMap registers the concrete type decoded for each tag.
var ReflectedTypesMap = map[uint8]reflect.Type{
	HeaderTag: reflect.TypeOf(header),
	VoteTag:   reflect.TypeOf(vote),
	CertTag:   reflect.TypeOf(cert),
}
