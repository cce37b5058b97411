package primary

import (
	"encoding/hex"
	"errors"
	"fmt"
)

// ErrInvalidSignature rejects a message whose embedded signature does
// not verify. Such messages are dropped without further reporting.
var ErrInvalidSignature = errors.New("invalid message signature")

// HeaderTooOldError rejects a header whose round fell below the
// garbage-collection floor.
type HeaderTooOldError struct {
	ID      []byte
	Round   uint64
	GCRound uint64
}

func (e *HeaderTooOldError) Error() string {
	return fmt.Sprintf("header %s at round %d is below gc round %d",
		hex.EncodeToString(e.ID), e.Round, e.GCRound)
}

// VoteTooOldError rejects a vote whose round fell below the
// garbage-collection floor.
type VoteTooOldError struct {
	ID      []byte
	Round   uint64
	GCRound uint64
}

func (e *VoteTooOldError) Error() string {
	return fmt.Sprintf("vote for %s at round %d is below gc round %d",
		hex.EncodeToString(e.ID), e.Round, e.GCRound)
}

// CertificateTooOldError rejects a certificate whose round fell below
// the garbage-collection floor.
type CertificateTooOldError struct {
	ID      []byte
	Round   uint64
	GCRound uint64
}

func (e *CertificateTooOldError) Error() string {
	return fmt.Sprintf("certificate for %s at round %d is below gc round %d",
		hex.EncodeToString(e.ID), e.Round, e.GCRound)
}

// AuthorityReuseError rejects a second vote from the same authority on
// the same header.
type AuthorityReuseError struct {
	Author string
}

func (e *AuthorityReuseError) Error() string {
	return fmt.Sprintf("authority %s already voted for this header", e.Author)
}

// UnexpectedVoteError rejects a vote whose fields do not match the
// tracked header it claims to be for.
type UnexpectedVoteError struct {
	ID []byte
}

func (e *UnexpectedVoteError) Error() string {
	return fmt.Sprintf("vote does not match the tracked header %s", hex.EncodeToString(e.ID))
}

// StoreError wraps a persistence failure. It is fatal: the node cannot
// continue without durable history.
type StoreError struct {
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("storage failure: %v", e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}
