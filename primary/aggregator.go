package primary

import (
	"github.com/dagmesh/certdag/committee"
	"github.com/dagmesh/certdag/sign"
)

// VotesAggregator accumulates the threshold-signature shares voting for
// one header and assembles a certificate exactly once, when the
// stake-weighted quorum is reached.
type VotesAggregator struct {
	weight int
	shares [][]byte
	used   map[string]bool
	bitmap uint64
	qcSent bool
}

// NewVotesAggregator creates an empty aggregator.
func NewVotesAggregator() *VotesAggregator {
	return &VotesAggregator{
		used: make(map[string]bool),
	}
}

// Append adds one vote. It returns a certificate on the vote that first
// brings the accumulated stake to the committee's validity threshold,
// and nil afterwards. A second vote from the same authority fails with
// AuthorityReuseError and leaves the aggregator untouched.
func (a *VotesAggregator) Append(vote *Vote, comm *committee.Committee,
	header *Header) (*Certificate, error) {
	if a.used[vote.Author] {
		return nil, &AuthorityReuseError{Author: vote.Author}
	}

	if a.qcSent {
		// The certificate is out already; only record the voter.
		a.used[vote.Author] = true
		a.weight += comm.Stake(vote.Author)
		return nil, nil
	}

	// Verify the share once, before it is aggregated. Past quorum no
	// verification work is done at all.
	if err := sign.VerifyTSPartial(comm.TSPublicKey(), vote.ID, vote.PartialSig); err != nil {
		return nil, ErrInvalidSignature
	}
	index, err := comm.ShareIndex(vote.Author)
	if err != nil {
		return nil, err
	}

	a.used[vote.Author] = true
	a.shares = append(a.shares, vote.PartialSig)
	a.bitmap |= 1 << uint(index)
	a.weight += comm.Stake(vote.Author)

	if a.weight >= comm.ValidityThreshold() {
		a.weight = 0 // quorum can only be reached once
		a.qcSent = true

		aggSig, err := sign.AssembleIntactTSPartial(a.shares, comm.TSPublicKey(),
			header.ID, len(a.shares), comm.Size())
		if err != nil {
			return nil, err
		}
		return &Certificate{
			ID:           header.ID,
			Round:        header.Round,
			Origin:       header.Author,
			SignerBitmap: a.bitmap,
			AggSig:       aggSig,
		}, nil
	}

	return nil, nil
}
