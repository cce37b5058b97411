/*
Package committee implements the static per-epoch validator set.
A committee maps every authority to its stake, its network address and
its position in the threshold-signature key share ordering. It is built
once at start-up and never mutated, so it is safe to share across
goroutines without synchronization.
*/
package committee

import (
	"crypto/ed25519"
	"errors"
	"sort"
	"strconv"

	"go.dedis.ch/kyber/v3/share"
)

// Authority describes one committee member.
type Authority struct {
	Name       string
	Stake      int
	Addr       string // ip
	Port       int    // p2p port
	PubKeyED   ed25519.PublicKey
	ShareIndex int // index of the authority's threshold key share
}

// Committee is the immutable validator set of one epoch.
type Committee struct {
	authorities map[string]*Authority
	names       []string // sorted by share index
	totalStake  int
	threshold   int
	tsPubKey    *share.PubPoly
}

var ErrUnknownAuthority = errors.New("authority is not in the committee")

// New builds a committee from the given authorities with the default
// validity threshold of strictly more than two thirds of the total
// stake. Share indices must be distinct and below 64; they define the
// signer bitmap positions.
func New(authorities []*Authority, tsPubKey *share.PubPoly) (*Committee, error) {
	return NewWithThreshold(authorities, tsPubKey, 0)
}

// NewWithThreshold builds a committee with an explicit validity
// threshold. A threshold of zero selects the default.
func NewWithThreshold(authorities []*Authority, tsPubKey *share.PubPoly, threshold int) (*Committee, error) {
	byName := make(map[string]*Authority, len(authorities))
	total := 0
	seen := make(map[int]bool, len(authorities))
	for _, auth := range authorities {
		if _, ok := byName[auth.Name]; ok {
			return nil, errors.New("duplicate authority name: " + auth.Name)
		}
		if seen[auth.ShareIndex] {
			return nil, errors.New("duplicate share index for authority " + auth.Name)
		}
		// Share indices are positions in a 64-bit signer bitmap.
		if auth.ShareIndex < 0 || auth.ShareIndex >= 64 {
			return nil, errors.New("share index out of bitmap range for authority " + auth.Name)
		}
		seen[auth.ShareIndex] = true
		byName[auth.Name] = auth
		total += auth.Stake
	}
	names := make([]string, 0, len(authorities))
	for name := range byName {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		return byName[names[i]].ShareIndex < byName[names[j]].ShareIndex
	})
	if threshold <= 0 {
		threshold = 2*total/3 + 1
	}
	return &Committee{
		authorities: byName,
		names:       names,
		totalStake:  total,
		threshold:   threshold,
		tsPubKey:    tsPubKey,
	}, nil
}

// Size returns the number of authorities.
func (c *Committee) Size() int {
	return len(c.authorities)
}

// TotalStake returns the total stake of all authorities.
func (c *Committee) TotalStake() int {
	return c.totalStake
}

// ValidityThreshold returns the minimum aggregate stake a certificate
// needs, by default strictly more than two thirds of the total.
func (c *Committee) ValidityThreshold() int {
	return c.threshold
}

// Stake returns the stake of the named authority, zero if unknown.
func (c *Committee) Stake(name string) int {
	if auth, ok := c.authorities[name]; ok {
		return auth.Stake
	}
	return 0
}

// ShareIndex returns the bitmap position of the named authority.
func (c *Committee) ShareIndex(name string) (int, error) {
	auth, ok := c.authorities[name]
	if !ok {
		return 0, ErrUnknownAuthority
	}
	return auth.ShareIndex, nil
}

// PublicKeyED returns the ED25519 public key of the named authority.
func (c *Committee) PublicKeyED(name string) (ed25519.PublicKey, error) {
	auth, ok := c.authorities[name]
	if !ok {
		return nil, ErrUnknownAuthority
	}
	return auth.PubKeyED, nil
}

// Address returns the "ip:port" p2p address of the named authority.
func (c *Committee) Address(name string) (string, error) {
	auth, ok := c.authorities[name]
	if !ok {
		return "", ErrUnknownAuthority
	}
	return joinHostPort(auth.Addr, auth.Port), nil
}

// Others returns the p2p addresses of every authority except the named one.
func (c *Committee) Others(name string) []string {
	addrs := make([]string, 0, len(c.names)-1)
	for _, n := range c.names {
		if n == name {
			continue
		}
		auth := c.authorities[n]
		addrs = append(addrs, joinHostPort(auth.Addr, auth.Port))
	}
	return addrs
}

// Names returns the authority names ordered by share index.
func (c *Committee) Names() []string {
	names := make([]string, len(c.names))
	copy(names, c.names)
	return names
}

// TSPublicKey returns the threshold-signature public polynomial.
func (c *Committee) TSPublicKey() *share.PubPoly {
	return c.tsPubKey
}

func joinHostPort(host string, port int) string {
	return host + ":" + strconv.Itoa(port)
}
