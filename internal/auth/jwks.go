package auth

import (
	"context"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// jwksTTL is how long a fetched key set is trusted before refetching.
const jwksTTL = 5 * time.Minute

// JWKS represents a JSON Web Key Set
type JWKS struct {
	Keys []JWK `json:"keys"`
}

// JWK represents a JSON Web Key
type JWK struct {
	Kty string `json:"kty"` // Key type (OKP or EC)
	Kid string `json:"kid"` // Key ID
	Use string `json:"use"` // Public key use
	Alg string `json:"alg"` // Algorithm (EdDSA or ES256)
	Crv string `json:"crv"` // Curve (Ed25519 or P-256)
	X   string `json:"x"`   // X coordinate
	Y   string `json:"y"`   // Y coordinate, EC keys only
}

// PublicKey decodes the key into a type jwt/v5 verifies with.
func (k JWK) PublicKey() (any, error) {
	x, err := base64.RawURLEncoding.DecodeString(k.X)
	if err != nil {
		return nil, fmt.Errorf("failed to decode x: %w", err)
	}
	switch {
	case k.Kty == "OKP" && k.Crv == "Ed25519":
		if len(x) != ed25519.PublicKeySize {
			return nil, fmt.Errorf("ed25519 key has %d bytes", len(x))
		}
		return ed25519.PublicKey(x), nil
	case k.Kty == "EC" && k.Crv == "P-256":
		y, err := base64.RawURLEncoding.DecodeString(k.Y)
		if err != nil {
			return nil, fmt.Errorf("failed to decode y: %w", err)
		}
		pub := &ecdsa.PublicKey{Curve: elliptic.P256(), X: new(big.Int).SetBytes(x), Y: new(big.Int).SetBytes(y)}
		if !pub.Curve.IsOnCurve(pub.X, pub.Y) {
			return nil, fmt.Errorf("ec point is not on P-256")
		}
		return pub, nil
	default:
		return nil, fmt.Errorf("unsupported key type %s/%s", k.Kty, k.Crv)
	}
}

// KeySource resolves the verification key for a token's kid.
type KeySource interface {
	Key(ctx context.Context, kid string) (any, error)
}

// StaticKeys is a fixed KeySource, used in dev and tests.
type StaticKeys map[string]any

// Key implements KeySource.
func (s StaticKeys) Key(_ context.Context, kid string) (any, error) {
	if k, ok := s[kid]; ok {
		return k, nil
	}
	return nil, fmt.Errorf("key with kid %s not found", kid)
}

// JWKSClient handles JWKS discovery and caching
type JWKSClient struct {
	jwksURL    string
	httpClient *http.Client
	now        func() time.Time
	group      singleflight.Group

	mu        sync.RWMutex
	jwks      *JWKS
	expiresAt time.Time
}

// NewJWKSClient creates a new JWKS client
func NewJWKSClient(jwksURL string) *JWKSClient {
	return &JWKSClient{
		jwksURL: jwksURL,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		now: time.Now,
	}
}

// fetchJWKS fetches the JWKS from the issuer
func (c *JWKSClient) fetchJWKS(ctx context.Context) (*JWKS, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.jwksURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch JWKS: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("JWKS fetch failed with status %d", resp.StatusCode)
	}

	var jwks JWKS
	if err := json.NewDecoder(resp.Body).Decode(&jwks); err != nil {
		return nil, fmt.Errorf("failed to decode JWKS: %w", err)
	}

	return &jwks, nil
}

// getJWKS returns the cached set, or fetches it once for all concurrent callers.
func (c *JWKSClient) getJWKS(ctx context.Context, refresh bool) (*JWKS, error) {
	if !refresh {
		c.mu.RLock()
		jwks, expiresAt := c.jwks, c.expiresAt
		c.mu.RUnlock()
		if jwks != nil && c.now().Before(expiresAt) {
			return jwks, nil
		}
	}

	v, err, _ := c.group.Do("jwks", func() (any, error) {
		jwks, err := c.fetchJWKS(ctx)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.jwks = jwks
		c.expiresAt = c.now().Add(jwksTTL)
		c.mu.Unlock()
		return jwks, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*JWKS), nil
}

// Key implements KeySource. An unknown kid forces one refetch to pick up rotated keys.
func (c *JWKSClient) Key(ctx context.Context, kid string) (any, error) {
	for _, refresh := range []bool{false, true} {
		jwks, err := c.getJWKS(ctx, refresh)
		if err != nil {
			return nil, err
		}
		for _, key := range jwks.Keys {
			if key.Kid == kid {
				return key.PublicKey()
			}
		}
	}
	return nil, fmt.Errorf("key with kid %s not found", kid)
}
