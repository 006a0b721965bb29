// Package auth decides which connections the relay admits. A connection
// presents one credential when it connects: either a static shared secret
// or a JWT signed with the relay's HS256 key.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidToken wraps every JWT validation failure.
var ErrInvalidToken = errors.New("invalid token")

// Claims are the claims carried by a relay JWT.
type Claims struct {
	jwt.RegisteredClaims
	Email  string   `json:"email,omitempty"`
	Scopes []string `json:"scopes,omitempty"`
}

// TokenValidator checks a token and returns its claims.
type TokenValidator interface {
	Validate(token string) (*Claims, error)
}

// HS256 validates and issues tokens signed with a shared secret.
type HS256 struct {
	secret   []byte
	issuer   string
	audience string
	parser   *jwt.Parser
}

// HS256Option configures an HS256 validator.
type HS256Option func(*HS256)

// WithIssuer requires tokens to carry iss. Issued tokens carry it too.
func WithIssuer(iss string) HS256Option {
	return func(v *HS256) { v.issuer = iss }
}

// WithAudience requires tokens to name aud in their audience. Issued tokens
// carry it too.
func WithAudience(aud string) HS256Option {
	return func(v *HS256) { v.audience = aud }
}

// NewHS256 returns a validator for tokens signed with secret.
func NewHS256(secret []byte, opts ...HS256Option) *HS256 {
	v := &HS256{secret: secret}
	for _, opt := range opts {
		opt(v)
	}
	popts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuedAt(),
	}
	if v.issuer != "" {
		popts = append(popts, jwt.WithIssuer(v.issuer))
	}
	if v.audience != "" {
		popts = append(popts, jwt.WithAudience(v.audience))
	}
	v.parser = jwt.NewParser(popts...)
	return v
}

// Validate parses token and checks its signature and validity window, plus
// issuer and audience when configured.
func (v *HS256) Validate(token string) (*Claims, error) {
	if token == "" {
		return nil, fmt.Errorf("%w: empty", ErrInvalidToken)
	}
	claims := &Claims{}
	if _, err := v.parser.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	}); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	return claims, nil
}

// TokenParams describes a token to issue. A zero TTL issues a token that
// never expires.
type TokenParams struct {
	Subject string
	Email   string
	Scopes  []string
	TTL     time.Duration
}

// Issue signs a token for p. The validator's issuer and audience, if set,
// are included.
func (v *HS256) Issue(p TokenParams) (string, error) {
	now := time.Now().UTC()
	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   p.Subject,
			Issuer:    v.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
		Email:  p.Email,
		Scopes: p.Scopes,
	}
	if p.TTL > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(p.TTL))
	}
	if v.audience != "" {
		claims.Audience = jwt.ClaimStrings{v.audience}
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}
