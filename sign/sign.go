/*
Package sign wraps the two signature schemes used by the node:
ED25519 for per-message authentication and BLS threshold signatures
(via kyber's tbls) for the quorum certificates.
*/
package sign

import (
	"crypto/ed25519"
	"errors"

	"go.dedis.ch/kyber/v3"
	"go.dedis.ch/kyber/v3/pairing/bn256"
	"go.dedis.ch/kyber/v3/share"
	"go.dedis.ch/kyber/v3/sign/bls"
	"go.dedis.ch/kyber/v3/sign/tbls"
)

var suite = bn256.NewSuite()

// GenED25519Keys generates a fresh ED25519 key pair.
func GenED25519Keys() (ed25519.PrivateKey, ed25519.PublicKey) {
	pubKey, privKey, err := ed25519.GenerateKey(nil)
	if err != nil {
		panic(err)
	}
	return privKey, pubKey
}

// SignEd25519 signs the data with the ED25519 private key.
func SignEd25519(privKey ed25519.PrivateKey, data []byte) []byte {
	return ed25519.Sign(privKey, data)
}

// VerifySignEd25519 verifies an ED25519 signature.
func VerifySignEd25519(pubKey ed25519.PublicKey, data []byte, sig []byte) (bool, error) {
	if len(pubKey) != ed25519.PublicKeySize {
		return false, errors.New("invalid ED25519 public key size")
	}
	return ed25519.Verify(pubKey, data, sig), nil
}

// GenTSKeys generates n private key shares and the public polynomial
// of a t-of-n threshold signature scheme.
func GenTSKeys(t, n int) ([]*share.PriShare, *share.PubPoly) {
	secret := suite.G1().Scalar().Pick(suite.RandomStream())
	priPoly := share.NewPriPoly(suite.G2(), t, secret, suite.RandomStream())
	pubPoly := priPoly.Commit(suite.G2().Point().Base())
	shares := priPoly.Shares(n)
	return shares, pubPoly
}

// SignTSPartial creates a partial threshold signature over the data.
func SignTSPartial(priKey *share.PriShare, data []byte) []byte {
	sig, err := tbls.Sign(suite, priKey, data)
	if err != nil {
		panic(err)
	}
	return sig
}

// VerifyTSPartial checks one partial signature against the public polynomial.
func VerifyTSPartial(pubKey *share.PubPoly, data, partialSig []byte) error {
	return tbls.Verify(suite, pubKey, data, partialSig)
}

// AssembleIntactTSPartial recovers the intact threshold signature from
// at least t partial signatures.
func AssembleIntactTSPartial(partialSigs [][]byte, pubKey *share.PubPoly, data []byte, t, n int) ([]byte, error) {
	return tbls.Recover(suite, pubKey, data, partialSigs, t, n)
}

// VerifyTS checks an intact threshold signature against the public polynomial.
func VerifyTS(pubKey *share.PubPoly, data, sig []byte) error {
	return bls.Verify(suite, pubKey.Commit(), data, sig)
}

// EncodeTSPublicKey serializes the threshold public polynomial.
func EncodeTSPublicKey(pubKey *share.PubPoly) ([]byte, error) {
	_, commits := pubKey.Info()
	var encoded []byte
	for _, commit := range commits {
		data, err := commit.MarshalBinary()
		if err != nil {
			return nil, err
		}
		encoded = append(encoded, data...)
	}
	return encoded, nil
}

// DecodeTSPublicKey deserializes the threshold public polynomial.
func DecodeTSPublicKey(data []byte) (*share.PubPoly, error) {
	pointLen := suite.G2().Point().MarshalSize()
	if len(data) == 0 || len(data)%pointLen != 0 {
		return nil, errors.New("invalid threshold public key encoding")
	}
	var commits []kyber.Point
	for off := 0; off < len(data); off += pointLen {
		point := suite.G2().Point()
		if err := point.UnmarshalBinary(data[off : off+pointLen]); err != nil {
			return nil, err
		}
		commits = append(commits, point)
	}
	return share.NewPubPoly(suite.G2(), suite.G2().Point().Base(), commits), nil
}

// EncodeTSPartialKey serializes a private key share. The two-byte prefix
// carries the share index.
func EncodeTSPartialKey(priKey *share.PriShare) ([]byte, error) {
	scalar, err := priKey.V.MarshalBinary()
	if err != nil {
		return nil, err
	}
	encoded := []byte{byte(priKey.I >> 8), byte(priKey.I)}
	return append(encoded, scalar...), nil
}

// DecodeTSPartialKey deserializes a private key share.
func DecodeTSPartialKey(data []byte) (*share.PriShare, error) {
	if len(data) < 3 {
		return nil, errors.New("invalid threshold key share encoding")
	}
	scalar := suite.G2().Scalar()
	if err := scalar.UnmarshalBinary(data[2:]); err != nil {
		return nil, err
	}
	index := int(data[0])<<8 | int(data[1])
	return &share.PriShare{I: index, V: scalar}, nil
}
