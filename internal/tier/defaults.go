package tier

import "math/big"

// Action is a paid feature invocation.
type Action string

const (
	ActionVideoExport           Action = "video_export"
	ActionNFTMint               Action = "nft_mint"
	ActionWhiteLabelExport      Action = "white_label_export"
	ActionBatchOperationOverage Action = "batch_operation_overage"
)

// Default tiers, thresholds in whole tokens.
var (
	None = Tier{
		Level:     LevelNone,
		Name:      "none",
		Threshold: big.NewInt(0),
		Features:  []string{FeatureBrowseMissions, FeatureSubmitResponses},
		Quotas: Quotas{
			FreeSavesPerWeek:      3,
			ActiveMissions:        0,
			DailyVoiceGenerations: 0,
		},
	}

	Basic = Tier{
		Level:     LevelBasic,
		Name:      "basic",
		Threshold: Tokens(100),
		Features: []string{
			FeatureBrowseMissions,
			FeatureSubmitResponses,
			FeatureCreateMissions,
			FeatureVoiceGeneration,
		},
		Quotas: Quotas{
			FreeSavesPerWeek:      10,
			ActiveMissions:        3,
			DailyVoiceGenerations: 10,
		},
	}

	Premium = Tier{
		Level:     LevelPremium,
		Name:      "premium",
		Threshold: Tokens(1_000),
		Features: []string{
			FeatureBrowseMissions,
			FeatureSubmitResponses,
			FeatureCreateMissions,
			FeatureVoiceGeneration,
			FeatureVideoExport,
			FeatureNFTMint,
			FeaturePriorityReview,
			FeatureAnalytics,
		},
		Quotas: Quotas{
			FreeSavesPerWeek:      50,
			ActiveMissions:        20,
			DailyVoiceGenerations: 100,
		},
	}

	Managed = Tier{
		Level:     LevelManaged,
		Name:      "managed",
		Threshold: Tokens(10_000),
		Features: []string{
			FeatureBrowseMissions,
			FeatureSubmitResponses,
			FeatureCreateMissions,
			FeatureVoiceGeneration,
			FeatureVideoExport,
			FeatureNFTMint,
			FeaturePriorityReview,
			FeatureAnalytics,
			FeatureWhiteLabel,
			FeatureBatchOperations,
		},
		Quotas: Quotas{
			FreeSavesPerWeek:      -1,
			ActiveMissions:        -1,
			DailyVoiceGenerations: 1_000,
		},
	}

	// DefaultPrices is the fixed burn price list.
	DefaultPrices = map[Action]*big.Int{
		ActionVideoExport:           Tokens(50),
		ActionNFTMint:               Tokens(100),
		ActionWhiteLabelExport:      Tokens(500),
		ActionBatchOperationOverage: Tokens(10),
	}
)

// Default is the production table.
var Default = mustTable([]Tier{None, Basic, Premium, Managed}, DefaultPrices)

func mustTable(tiers []Tier, prices map[Action]*big.Int) *Table {
	t, err := NewTable(tiers, prices)
	if err != nil {
		panic(err)
	}
	return t
}

// ForBalance derives the tier of balance from the default table.
func ForBalance(balance *big.Int) Tier { return Default.ForBalance(balance) }

// MeetsMinimum checks balance against level in the default table.
func MeetsMinimum(balance *big.Int, level Level) bool { return Default.MeetsMinimum(balance, level) }

// CanAccessFeature checks level's features in the default table.
func CanAccessFeature(level Level, feature string) bool {
	return Default.CanAccessFeature(level, feature)
}

// BurnActionCost looks up action in the default price list.
func BurnActionCost(action Action) (*big.Int, bool) { return Default.BurnActionCost(action) }
