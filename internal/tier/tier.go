// Package tier maps token balances to access tiers.
// Tiers gate features and quotas; burn actions are priced here as well so the
// price table and the tier thresholds are denominated in the same unit.
package tier

import (
	"fmt"
	"math/big"
	"slices"
	"strings"
)

// Level identifies a tier. Levels are totally ordered.
type Level int

const (
	LevelNone Level = iota
	LevelBasic
	LevelPremium
	LevelManaged
)

// String returns the tier name.
func (l Level) String() string {
	switch l {
	case LevelNone:
		return "none"
	case LevelBasic:
		return "basic"
	case LevelPremium:
		return "premium"
	case LevelManaged:
		return "managed"
	default:
		return fmt.Sprintf("level(%d)", int(l))
	}
}

// ParseLevel converts a tier name to a Level.
func ParseLevel(name string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "none":
		return LevelNone, nil
	case "basic":
		return LevelBasic, nil
	case "premium":
		return LevelPremium, nil
	case "managed":
		return LevelManaged, nil
	default:
		return LevelNone, fmt.Errorf("unknown tier %q", name)
	}
}

// Feature names gated by tier.
const (
	FeatureBrowseMissions  = "browse_missions"
	FeatureSubmitResponses = "submit_responses"
	FeatureCreateMissions  = "create_missions"
	FeatureVoiceGeneration = "voice_generation"
	FeatureVideoExport     = "video_export"
	FeatureNFTMint         = "nft_mint"
	FeaturePriorityReview  = "priority_review"
	FeatureWhiteLabel      = "white_label_export"
	FeatureBatchOperations = "batch_operations"
	FeatureAnalytics       = "analytics"
)

// Quotas holds per-tier quota values. -1 means unlimited.
type Quotas struct {
	FreeSavesPerWeek      int `json:"freeSavesPerWeek"`
	ActiveMissions        int `json:"activeMissions"`
	DailyVoiceGenerations int `json:"dailyVoiceGenerations"`
}

// Tier is a level with its threshold, features and quotas.
type Tier struct {
	Level     Level    `json:"-"`
	Name      string   `json:"name"`
	Threshold *big.Int `json:"threshold"`
	Features  []string `json:"features"`
	Quotas    Quotas   `json:"quotas"`
}

// HasFeature reports whether the tier grants feature.
func (t Tier) HasFeature(feature string) bool {
	return slices.Contains(t.Features, feature)
}

// IsUnlimited checks if a quota is unlimited.
func IsUnlimited(quota int) bool {
	return quota < 0
}

// Decimals is the token's decimal precision.
const Decimals = 18

var unit = new(big.Int).Exp(big.NewInt(10), big.NewInt(Decimals), nil)

// Tokens converts whole tokens to the smallest unit.
func Tokens(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), unit)
}

// ParseBalance parses a base-10 non-negative integer in the smallest unit.
// It is the boundary check; everything past it assumes a valid balance.
func ParseBalance(s string) (*big.Int, error) {
	b, ok := new(big.Int).SetString(strings.TrimSpace(s), 10)
	if !ok {
		return nil, fmt.Errorf("balance %q is not an integer", s)
	}
	if b.Sign() < 0 {
		return nil, fmt.Errorf("balance %q is negative", s)
	}
	return b, nil
}

// Table is an ascending tier table plus the burn price list.
type Table struct {
	tiers  []Tier
	prices map[Action]*big.Int
}

// NewTable validates and builds a table. Thresholds must be strictly
// ascending and the first tier must start at zero so every balance maps.
func NewTable(tiers []Tier, prices map[Action]*big.Int) (*Table, error) {
	if len(tiers) == 0 {
		return nil, fmt.Errorf("tier table is empty")
	}
	if tiers[0].Threshold == nil || tiers[0].Threshold.Sign() != 0 {
		return nil, fmt.Errorf("lowest tier %q must start at zero", tiers[0].Name)
	}
	for i := 1; i < len(tiers); i++ {
		if tiers[i].Threshold == nil || tiers[i].Threshold.Cmp(tiers[i-1].Threshold) <= 0 {
			return nil, fmt.Errorf("tier %q threshold must exceed tier %q", tiers[i].Name, tiers[i-1].Name)
		}
		if tiers[i].Level <= tiers[i-1].Level {
			return nil, fmt.Errorf("tier %q level must exceed tier %q", tiers[i].Name, tiers[i-1].Name)
		}
	}
	for action, cost := range prices {
		if cost == nil || cost.Sign() < 0 {
			return nil, fmt.Errorf("price for %s must be non-negative", action)
		}
	}
	return &Table{tiers: tiers, prices: prices}, nil
}

// ForBalance returns the highest tier whose threshold does not exceed balance.
func (t *Table) ForBalance(balance *big.Int) Tier {
	selected := t.tiers[0]
	for _, candidate := range t.tiers[1:] {
		if balance.Cmp(candidate.Threshold) < 0 {
			break
		}
		selected = candidate
	}
	return selected
}

// Get returns the tier for level.
func (t *Table) Get(level Level) (Tier, bool) {
	for _, candidate := range t.tiers {
		if candidate.Level == level {
			return candidate, true
		}
	}
	return Tier{}, false
}

// MeetsMinimum reports whether balance reaches level's threshold.
// Unknown levels are never met.
func (t *Table) MeetsMinimum(balance *big.Int, level Level) bool {
	target, ok := t.Get(level)
	if !ok {
		return false
	}
	return balance.Cmp(target.Threshold) >= 0
}

// CanAccessFeature reports whether level grants feature.
func (t *Table) CanAccessFeature(level Level, feature string) bool {
	target, ok := t.Get(level)
	if !ok {
		return false
	}
	return target.HasFeature(feature)
}

// BurnActionCost returns the fixed cost of action; false signals an unknown action.
func (t *Table) BurnActionCost(action Action) (*big.Int, bool) {
	cost, ok := t.prices[action]
	if !ok {
		return nil, false
	}
	return new(big.Int).Set(cost), true
}

// Tiers returns a copy of the tier list in ascending order.
func (t *Table) Tiers() []Tier {
	return slices.Clone(t.tiers)
}

// Prices returns a copy of the price table.
func (t *Table) Prices() map[Action]*big.Int {
	out := make(map[Action]*big.Int, len(t.prices))
	for action, cost := range t.prices {
		out[action] = new(big.Int).Set(cost)
	}
	return out
}
