package auth

import (
	"context"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const wallet = "0x1111111111111111111111111111111111111111"

func newSigner(t *testing.T, kid string) (*Signer, ed25519.PublicKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	return NewSigner(kid, priv, "issuer", "missions"), pub
}

func TestVerify_RoundTrip(t *testing.T) {
	signer, _ := newSigner(t, "k1")
	a := NewAuthenticator(signer.Keys(), "issuer", "missions")

	token, err := signer.Sign(wallet, RoleAdmin, time.Hour)
	require.NoError(t, err)

	claims, err := a.Verify(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, wallet, claims.Wallet)
	assert.True(t, claims.IsAdmin())
	assert.False(t, claims.ExpiresAt.IsZero())
}

func TestVerify_Rejects(t *testing.T) {
	signer, _ := newSigner(t, "k1")
	other, _ := newSigner(t, "k2")

	expired := NewSigner("k1", signer.key, "issuer", "missions")
	expired.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }

	tests := []struct {
		name  string
		token func() (string, error)
		auth  *Authenticator
	}{
		{"expired", func() (string, error) { return expired.Sign(wallet, "", time.Hour) }, NewAuthenticator(signer.Keys(), "issuer", "missions")},
		{"wrong audience", func() (string, error) { return signer.Sign(wallet, "", time.Hour) }, NewAuthenticator(signer.Keys(), "issuer", "other")},
		{"wrong issuer", func() (string, error) { return signer.Sign(wallet, "", time.Hour) }, NewAuthenticator(signer.Keys(), "someone", "missions")},
		{"unknown kid", func() (string, error) { return other.Sign(wallet, "", time.Hour) }, NewAuthenticator(signer.Keys(), "issuer", "missions")},
		{"subject not a wallet", func() (string, error) { return signer.Sign("did:plc:alice", "", time.Hour) }, NewAuthenticator(signer.Keys(), "issuer", "missions")},
		{"garbage", func() (string, error) { return "not.a.jwt", nil }, NewAuthenticator(signer.Keys(), "issuer", "missions")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			token, err := tt.token()
			require.NoError(t, err)
			_, err = tt.auth.Verify(context.Background(), token)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidToken))
		})
	}
}

func TestJWKSClient_CachesAndRefetchesOnUnknownKid(t *testing.T) {
	first, firstPub := newSigner(t, "k1")
	second, secondPub := newSigner(t, "k2")

	var fetches atomic.Int32
	var rotated atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fetches.Add(1)
		keys := []JWK{okp("k1", firstPub)}
		if rotated.Load() {
			keys = append(keys, okp("k2", secondPub))
		}
		_ = json.NewEncoder(w).Encode(JWKS{Keys: keys})
	}))
	defer srv.Close()

	a := NewAuthenticator(NewJWKSClient(srv.URL), "issuer", "missions")

	for i := 0; i < 3; i++ {
		token, err := first.Sign(wallet, "", time.Hour)
		require.NoError(t, err)
		_, err = a.Verify(context.Background(), token)
		require.NoError(t, err)
	}
	assert.Equal(t, int32(1), fetches.Load())

	rotated.Store(true)
	token, err := second.Sign(wallet, "", time.Hour)
	require.NoError(t, err)
	_, err = a.Verify(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, int32(2), fetches.Load())
}

func TestSigner_JWKSServesVerification(t *testing.T) {
	signer, _ := newSigner(t, "dev")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(signer.JWKS())
	}))
	defer srv.Close()

	token, err := signer.Sign(wallet, "", time.Minute)
	require.NoError(t, err)
	claims, err := NewAuthenticator(NewJWKSClient(srv.URL), "issuer", "missions").Verify(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, wallet, claims.Wallet)
}

func TestJWKSClient_FetchFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := NewJWKSClient(srv.URL).Key(context.Background(), "k1")
	assert.Error(t, err)
}

func TestJWK_PublicKey(t *testing.T) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	ec := JWK{
		Kty: "EC",
		Crv: "P-256",
		X:   base64.RawURLEncoding.EncodeToString(priv.X.FillBytes(make([]byte, 32))),
		Y:   base64.RawURLEncoding.EncodeToString(priv.Y.FillBytes(make([]byte, 32))),
	}
	key, err := ec.PublicKey()
	require.NoError(t, err)
	pub, ok := key.(*ecdsa.PublicKey)
	require.True(t, ok)
	assert.Equal(t, 0, pub.X.Cmp(priv.X))

	_, err = JWK{Kty: "RSA", X: "AA"}.PublicKey()
	assert.Error(t, err)
	_, err = JWK{Kty: "OKP", Crv: "Ed25519", X: "AA"}.PublicKey()
	assert.Error(t, err)
}

func okp(kid string, pub ed25519.PublicKey) JWK {
	return JWK{Kty: "OKP", Crv: "Ed25519", Alg: "EdDSA", Use: "sig", Kid: kid, X: base64.RawURLEncoding.EncodeToString(pub)}
}
