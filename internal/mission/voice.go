package mission

import (
	"context"
	stderrors "errors"
	"math/big"
	"strings"
	"unicode/utf8"

	errordefs "github.com/RegistryAccord/registryaccord-missions-go/internal/errors"
	"github.com/RegistryAccord/registryaccord-missions-go/internal/ratelimit"
	"github.com/RegistryAccord/registryaccord-missions-go/internal/tier"
	"github.com/RegistryAccord/registryaccord-missions-go/internal/voice"
	"github.com/ethereum/go-ethereum/common"
)

// MaxVoiceText bounds one synthesis request.
const MaxVoiceText = 5000

const (
	voiceLimiterName      = "voice"
	dailyVoiceLimiterName = "voice_daily"
	weeklySaveLimiterName = "saves_weekly"
)

// VoiceRequest is the body of a direct voice generation call.
type VoiceRequest struct {
	Text    string `json:"text"`
	VoiceID string `json:"voiceId,omitempty"`
}

// TierInfo is a wallet's current tier.
type TierInfo struct {
	Address string    `json:"address"`
	Balance string    `json:"balance"` // Smallest token unit
	Tier    tier.Tier `json:"tier"`
}

// checkVoiceQuota counts one voice request for caller.
func (m *Manager) checkVoiceQuota(ctx context.Context, caller string) error {
	if m.limiter == nil {
		return nil
	}
	res := m.limiter.Check(ctx, strings.ToLower(caller))
	m.metrics.ObserveRateLimit(voiceLimiterName, res.Allowed)
	if !res.Allowed {
		return errordefs.RateLimited(res.ResetAt)
	}
	return nil
}

// checkTierQuota counts one use of a per-tier allowance for caller.
// Unlimited quotas skip the counter.
func (m *Manager) checkTierQuota(ctx context.Context, l *ratelimit.Limiter, name, caller string, quota int) error {
	if l == nil || tier.IsUnlimited(quota) {
		return nil
	}
	res := l.CheckLimit(ctx, strings.ToLower(caller), quota)
	m.metrics.ObserveRateLimit(name, res.Allowed)
	if !res.Allowed {
		return errordefs.RateLimited(res.ResetAt)
	}
	return nil
}

// callerTier resolves caller's tier from the primary token.
func (m *Manager) callerTier(ctx context.Context, caller string) (tier.Tier, *big.Int, error) {
	balance, err := m.balanceOf(ctx, m.balances, caller)
	if err != nil {
		return tier.Tier{}, nil, err
	}
	return m.tiers.ForBalance(balance), balance, nil
}

// synthesize calls the provider within the configured timeout and maps its
// failures. Timeouts are retryable.
func (m *Manager) synthesize(ctx context.Context, req voice.Request) (voice.Result, error) {
	if m.voice == nil {
		return voice.Result{}, errordefs.Unavailable("voice provider", voice.ErrNotConfigured)
	}
	ctx, cancel := context.WithTimeout(ctx, m.voiceTimeout)
	defer cancel()

	res, err := m.voice.Synthesize(ctx, req)
	if err != nil {
		if stderrors.Is(err, voice.ErrRejected) {
			return voice.Result{}, errordefs.Validation("text", "rejected by the voice provider")
		}
		return voice.Result{}, errordefs.Unavailable("voice provider", err)
	}
	return res, nil
}

// GenerateVoice synthesizes text for caller. The caller's tier must include
// voice generation, and each call counts against the tier's daily allowance
// and the shared voice quota.
func (m *Manager) GenerateVoice(ctx context.Context, caller string, req VoiceRequest) (voice.Result, error) {
	text := strings.TrimSpace(req.Text)
	if text == "" {
		return voice.Result{}, errordefs.Validation("text", "is required")
	}
	if utf8.RuneCountInString(text) > MaxVoiceText {
		return voice.Result{}, errordefs.Validation("text", "is too long")
	}

	current, balance, err := m.callerTier(ctx, caller)
	if err != nil {
		return voice.Result{}, err
	}
	if !current.HasFeature(tier.FeatureVoiceGeneration) {
		required := m.policy.PrimaryMin
		if basic, ok := m.tiers.Get(tier.LevelBasic); ok {
			required = basic.Threshold
		}
		return voice.Result{}, errordefs.Eligibility("primary token", required, balance)
	}

	if err := m.checkTierQuota(ctx, m.dailyVoice, dailyVoiceLimiterName, caller, current.Quotas.DailyVoiceGenerations); err != nil {
		return voice.Result{}, err
	}
	if err := m.checkVoiceQuota(ctx, caller); err != nil {
		return voice.Result{}, err
	}
	return m.synthesize(ctx, voice.Request{Text: text, VoiceID: strings.TrimSpace(req.VoiceID)})
}

// TierFor derives address's tier from its primary token balance.
func (m *Manager) TierFor(ctx context.Context, address string) (*TierInfo, error) {
	if !common.IsHexAddress(address) {
		return nil, errordefs.Validation("address", "not a valid wallet address")
	}
	balance, err := m.balanceOf(ctx, m.balances, address)
	if err != nil {
		return nil, err
	}
	return &TierInfo{
		Address: address,
		Balance: balance.String(),
		Tier:    m.tiers.ForBalance(balance),
	}, nil
}
