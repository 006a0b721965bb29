package auth

import (
	"crypto/subtle"
	"errors"
	"strings"

	"golang.org/x/crypto/sha3"
)

// ErrUnauthorized is returned when a connection presents no credential or
// one that is not recognized.
var ErrUnauthorized = errors.New("unauthorized")

// Gate admits or rejects connections by the credential they present when
// connecting. Static credentials are held only as SHA3-256 digests.
//
// A gate with no credentials and no JWT validator is open: every
// connection is admitted.
type Gate struct {
	digests [][32]byte
	jwt     TokenValidator
}

// GateOption configures a Gate.
type GateOption func(*Gate)

// WithJWT additionally admits any credential that validates as a JWT.
func WithJWT(v TokenValidator) GateOption {
	return func(g *Gate) { g.jwt = v }
}

// NewGate builds a gate for the given static credentials. Blank entries are
// ignored.
func NewGate(credentials []string, opts ...GateOption) *Gate {
	g := &Gate{}
	seen := make(map[[32]byte]struct{}, len(credentials))
	for _, c := range credentials {
		c = strings.TrimSpace(c)
		if c == "" {
			continue
		}
		d := sha3.Sum256([]byte(c))
		if _, dup := seen[d]; dup {
			continue
		}
		seen[d] = struct{}{}
		g.digests = append(g.digests, d)
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Open reports whether the gate admits every connection.
func (g *Gate) Open() bool {
	return g == nil || (len(g.digests) == 0 && g.jwt == nil)
}

// Admit returns nil if a connection presenting credential may proceed, and
// ErrUnauthorized otherwise.
func (g *Gate) Admit(credential string) error {
	if g.Open() {
		return nil
	}
	if credential == "" {
		return ErrUnauthorized
	}

	d := sha3.Sum256([]byte(credential))
	match := 0
	for i := range g.digests {
		match |= subtle.ConstantTimeCompare(d[:], g.digests[i][:])
	}
	if match == 1 {
		return nil
	}

	if g.jwt != nil {
		if _, err := g.jwt.Validate(credential); err == nil {
			return nil
		}
	}
	return ErrUnauthorized
}
