// Package auth verifies the bearer tokens that identify wallet callers.
// A token's subject is the caller's wallet address; the optional role claim
// grants administrative access.
package auth

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/golang-jwt/jwt/v5"
)

// RoleAdmin is the role claim value that grants moderation rights.
const RoleAdmin = "admin"

// ErrInvalidToken wraps every verification failure.
var ErrInvalidToken = errors.New("invalid token")

// Claims is the verified identity of a caller.
type Claims struct {
	Wallet    string    // Token subject, a 0x-prefixed address
	Role      string    // Optional role claim
	ExpiresAt time.Time // Token expiry
}

// IsAdmin reports whether the caller holds the admin role.
func (c Claims) IsAdmin() bool { return c.Role == RoleAdmin }

type tokenClaims struct {
	Role string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// Verifier checks a raw bearer token.
type Verifier interface {
	Verify(ctx context.Context, token string) (*Claims, error)
}

// Authenticator verifies signed tokens against a key source, issuer and audience.
type Authenticator struct {
	keys     KeySource
	issuer   string
	audience string
	now      func() time.Time
}

// NewAuthenticator creates an Authenticator.
func NewAuthenticator(keys KeySource, issuer, audience string) *Authenticator {
	return &Authenticator{keys: keys, issuer: issuer, audience: audience, now: time.Now}
}

// Verify parses and validates tokenString. Expiry is required.
func (a *Authenticator) Verify(ctx context.Context, tokenString string) (*Claims, error) {
	var claims tokenClaims
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{"EdDSA", "ES256"}),
		jwt.WithIssuer(a.issuer),
		jwt.WithAudience(a.audience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(a.now),
	)
	_, err := parser.ParseWithClaims(tokenString, &claims, func(token *jwt.Token) (interface{}, error) {
		kid, ok := token.Header["kid"].(string)
		if !ok || kid == "" {
			return nil, fmt.Errorf("missing or invalid kid in JWT header")
		}
		return a.keys.Key(ctx, kid)
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	if !common.IsHexAddress(claims.Subject) || !strings.HasPrefix(claims.Subject, "0x") {
		return nil, fmt.Errorf("%w: subject is not a wallet address", ErrInvalidToken)
	}

	out := &Claims{Wallet: claims.Subject, Role: claims.Role}
	if claims.ExpiresAt != nil {
		out.ExpiresAt = claims.ExpiresAt.Time
	}
	return out, nil
}

// Signer issues Ed25519 tokens. It backs the dev token command and tests.
type Signer struct {
	kid      string
	key      ed25519.PrivateKey
	issuer   string
	audience string
	now      func() time.Time
}

// NewSigner creates a Signer for key under kid.
func NewSigner(kid string, key ed25519.PrivateKey, issuer, audience string) *Signer {
	return &Signer{kid: kid, key: key, issuer: issuer, audience: audience, now: time.Now}
}

// Keys returns a KeySource that verifies this signer's tokens.
func (s *Signer) Keys() StaticKeys {
	return StaticKeys{s.kid: s.key.Public()}
}

// JWKS publishes the signer's public key in the form JWKSClient consumes.
func (s *Signer) JWKS() JWKS {
	pub := s.key.Public().(ed25519.PublicKey)
	return JWKS{Keys: []JWK{{
		Kty: "OKP",
		Kid: s.kid,
		Use: "sig",
		Alg: "EdDSA",
		Crv: "Ed25519",
		X:   base64.RawURLEncoding.EncodeToString(pub),
	}}}
}

// Sign issues a token for wallet valid for ttl.
func (s *Signer) Sign(wallet, role string, ttl time.Duration) (string, error) {
	now := s.now()
	claims := tokenClaims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   wallet,
			Audience:  jwt.ClaimStrings{s.audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	token.Header["kid"] = s.kid
	return token.SignedString(s.key)
}
