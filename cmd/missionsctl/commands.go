package main

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/RegistryAccord/registryaccord-missions-go/internal/auth"
	"github.com/RegistryAccord/registryaccord-missions-go/internal/model"
	"github.com/RegistryAccord/registryaccord-missions-go/internal/moderation"
	"github.com/RegistryAccord/registryaccord-missions-go/internal/tier"
	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
)

// whole renders a smallest-unit amount in whole tokens.
func whole(amount *big.Int) string {
	if amount == nil {
		return "0"
	}
	return decimal.NewFromBigInt(amount, -tier.Decimals).String()
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func tierCommand() *cobra.Command {
	var tokens bool
	cmd := &cobra.Command{
		Use:   "tier <balance>",
		Short: "Show the tier a balance maps to",
		Long:  "Show the tier a balance maps to. The balance is in the smallest unit unless --tokens is set.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			balance, err := parseAmount(args[0], tokens)
			if err != nil {
				return err
			}
			t := tier.ForBalance(balance)
			slog.Debug("resolved tier", "balance", balance.String(), "tier", t.Name)
			return writeJSON(cmd.OutOrStdout(), struct {
				Tier      string      `json:"tier"`
				Threshold string      `json:"threshold"`
				Balance   string      `json:"balance"`
				Features  []string    `json:"features"`
				Quotas    tier.Quotas `json:"quotas"`
			}{t.Name, whole(t.Threshold), whole(balance), t.Features, t.Quotas})
		},
	}
	cmd.Flags().BoolVar(&tokens, "tokens", false, "interpret the balance in whole tokens")
	return cmd
}

// parseAmount accepts either a smallest-unit integer or, with tokens set, a
// decimal number of whole tokens.
func parseAmount(s string, tokens bool) (*big.Int, error) {
	if !tokens {
		return tier.ParseBalance(s)
	}
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("balance %q is not a number", s)
	}
	if d.IsNegative() {
		return nil, fmt.Errorf("balance %q is negative", s)
	}
	return d.Shift(tier.Decimals).BigInt(), nil
}

func pricesCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "prices",
		Short: "List burn action prices in whole tokens",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			prices := tier.Default.Prices()
			actions := make([]string, 0, len(prices))
			for a := range prices {
				actions = append(actions, string(a))
			}
			sort.Strings(actions)
			w := cmd.OutOrStdout()
			for _, a := range actions {
				fmt.Fprintf(w, "%-26s %s\n", a, whole(prices[tier.Action(a)]))
			}
			return nil
		},
	}
}

type moderateInput struct {
	Submission model.Submission       `json:"submission"`
	Criteria   *model.QualityCriteria `json:"criteria,omitempty"`
}

func moderateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "moderate <file.json|->",
		Short: "Dry-run the moderation pipeline on a submission",
		Long: `Dry-run the moderation pipeline on a submission.
The input is {"submission": {...}, "criteria": {...}}; criteria is optional.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var r io.Reader = cmd.InOrStdin()
			if args[0] != "-" {
				f, err := os.Open(args[0])
				if err != nil {
					return err
				}
				defer f.Close()
				r = f
			}
			var in moderateInput
			if err := json.NewDecoder(r).Decode(&in); err != nil {
				return fmt.Errorf("decode submission: %w", err)
			}
			result := moderation.Default.EvaluateQuality(in.Submission, in.Criteria)
			return writeJSON(cmd.OutOrStdout(), result)
		},
	}
}

func tokenCommand() *cobra.Command {
	var (
		keyHex   string
		kid      string
		issuer   string
		audience string
		role     string
		ttl      time.Duration
		jwks     bool
	)
	cmd := &cobra.Command{
		Use:   "token <wallet>",
		Short: "Mint a development bearer token",
		Long: `Mint a development bearer token signed with an Ed25519 key.
Without --key a fresh key is generated and its seed printed to stderr so
the matching key set can be served with --jwks.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !common.IsHexAddress(args[0]) {
				return fmt.Errorf("%q is not a wallet address", args[0])
			}
			key, err := signingKey(cmd.ErrOrStderr(), keyHex)
			if err != nil {
				return err
			}
			signer := auth.NewSigner(kid, key, issuer, audience)
			if jwks {
				return writeJSON(cmd.OutOrStdout(), signer.JWKS())
			}
			token, err := signer.Sign(args[0], role, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&keyHex, "key", os.Getenv("MISSIONS_DEV_SIGNING_KEY"), "hex Ed25519 seed")
	cmd.Flags().StringVar(&kid, "kid", "dev", "key id")
	cmd.Flags().StringVar(&issuer, "issuer", os.Getenv("MISSIONS_JWT_ISSUER"), "token issuer")
	cmd.Flags().StringVar(&audience, "audience", os.Getenv("MISSIONS_JWT_AUDIENCE"), "token audience")
	cmd.Flags().StringVar(&role, "role", "", "role claim, e.g. admin")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "token lifetime")
	cmd.Flags().BoolVar(&jwks, "jwks", false, "print the key set instead of a token")
	return cmd
}

func signingKey(stderr io.Writer, seedHex string) (ed25519.PrivateKey, error) {
	if seedHex == "" {
		_, priv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, err
		}
		fmt.Fprintf(stderr, "generated signing key seed: %s\n", hex.EncodeToString(priv.Seed()))
		return priv, nil
	}
	seed, err := hex.DecodeString(strings.TrimPrefix(seedHex, "0x"))
	if err != nil || len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("signing key must be %d hex-encoded bytes", ed25519.SeedSize)
	}
	return ed25519.NewKeyFromSeed(seed), nil
}
