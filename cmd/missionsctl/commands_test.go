package main

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/RegistryAccord/registryaccord-missions-go/internal/auth"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const seed = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

func run(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestTierCommand(t *testing.T) {
	out, err := run(t, "", "tier", "--tokens", "150")
	require.NoError(t, err)

	var got struct {
		Tier      string `json:"tier"`
		Threshold string `json:"threshold"`
		Balance   string `json:"balance"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	assert.Equal(t, "basic", got.Tier)
	assert.Equal(t, "100", got.Threshold)
	assert.Equal(t, "150", got.Balance)

	out, err = run(t, "", "tier", "0")
	require.NoError(t, err)
	assert.Contains(t, out, `"tier": "none"`)

	_, err = run(t, "", "tier", "-5")
	assert.Error(t, err)
	_, err = run(t, "", "tier", "--tokens", "lots")
	assert.Error(t, err)
}

func TestPricesCommand(t *testing.T) {
	out, err := run(t, "", "prices")
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.NotEmpty(t, lines)
	assert.True(t, strings.HasPrefix(lines[0], "batch_operation_overage"), "sorted by action")
	assert.Contains(t, out, "nft_mint")
}

func TestModerateCommand(t *testing.T) {
	in := `{"submission":{"id":"s1","context":"call me at 555-123-4567","participantConsent":true},
"criteria":{"transcriptionRequired":true}}`
	out, err := run(t, in, "moderate", "-")
	require.NoError(t, err)

	var result struct {
		Passed     bool `json:"passed"`
		Violations []struct {
			Category string `json:"category"`
		} `json:"violations"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &result))
	assert.False(t, result.Passed)
	assert.NotEmpty(t, result.Violations)

	_, err = run(t, "not json", "moderate", "-")
	assert.Error(t, err)
}

func TestTokenCommand(t *testing.T) {
	const wallet = "0x1111111111111111111111111111111111111111"
	flags := []string{"--key", seed, "--issuer", "iss", "--audience", "aud"}

	token, err := run(t, "", append([]string{"token", wallet, "--role", "admin"}, flags...)...)
	require.NoError(t, err)
	jwksOut, err := run(t, "", append([]string{"token", wallet, "--jwks"}, flags...)...)
	require.NoError(t, err)

	var set auth.JWKS
	require.NoError(t, json.Unmarshal([]byte(jwksOut), &set))
	require.Len(t, set.Keys, 1)
	pub, err := set.Keys[0].PublicKey()
	require.NoError(t, err)

	claims, err := auth.NewAuthenticator(auth.StaticKeys{"dev": pub}, "iss", "aud").
		Verify(context.Background(), strings.TrimSpace(token))
	require.NoError(t, err)
	assert.Equal(t, wallet, claims.Wallet)
	assert.True(t, claims.IsAdmin())

	_, err = run(t, "", "token", "not-a-wallet")
	assert.Error(t, err)
	_, err = run(t, "", "token", wallet, "--key", "abcd")
	assert.Error(t, err)
}
