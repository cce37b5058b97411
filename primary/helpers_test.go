package primary

import (
	"crypto/ed25519"

	"github.com/dagmesh/certdag/sign"
)

func testKeys() (ed25519.PrivateKey, ed25519.PublicKey) {
	return sign.GenED25519Keys()
}
