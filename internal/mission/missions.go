package mission

import (
	"context"
	stderrors "errors"
	"time"
	"unicode/utf8"

	errordefs "github.com/RegistryAccord/registryaccord-missions-go/internal/errors"
	"github.com/RegistryAccord/registryaccord-missions-go/internal/event"
	"github.com/RegistryAccord/registryaccord-missions-go/internal/model"
	"github.com/RegistryAccord/registryaccord-missions-go/internal/storage"
	"github.com/RegistryAccord/registryaccord-missions-go/internal/tier"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Mission field limits.
const (
	MinTargetDuration = 30  // seconds
	MaxTargetDuration = 600 // seconds
	MinExpirationDays = 1
	MaxExpirationDays = 90
	MaxTitleLength    = 200
	MaxTextLength     = 5000
	MaxTags           = 20
	DefaultLanguage   = "en"

	MaxTranscriptionLength = 20000

	DefaultListLimit = 20
	MaxListLimit     = 100
)

var baseRewards = map[model.Difficulty]decimal.Decimal{
	model.DifficultyEasy:   decimal.NewFromInt(10),
	model.DifficultyMedium: decimal.NewFromInt(25),
	model.DifficultyHard:   decimal.NewFromInt(50),
}

// BaseReward returns the default reward for d, or zero for an unknown difficulty.
func BaseReward(d model.Difficulty) decimal.Decimal {
	return baseRewards[d]
}

// CreateMission checks the creator's eligibility, validates req and stores
// the new mission.
func (m *Manager) CreateMission(ctx context.Context, creator string, req model.CreateMissionRequest) (*model.Mission, error) {
	if creator == "" {
		return nil, errordefs.Validation("creatorAddress", "is required")
	}

	creatorTier, err := m.checkEligibility(ctx, creator)
	if err != nil {
		return nil, err
	}

	now := m.now().UTC()
	mission, err := buildMission(req, creator, now)
	if err != nil {
		return nil, err
	}

	quota := m.activeQuota(creatorTier)
	start := time.Now()
	err = m.store.CreateMission(ctx, *mission, quota)
	m.metrics.ObserveStorage("create_mission", start, err)
	if stderrors.Is(err, storage.ErrQuotaExceeded) {
		return nil, errordefs.NewWithDetails(errordefs.MSN_CONFLICT, "active mission quota reached",
			map[string]any{"tier": creatorTier.Name, "quota": quota})
	}
	if err != nil {
		return nil, storeErr("mission", err)
	}

	m.publish(ctx, event.TypeMissionCreated, func() error {
		return m.events.PublishMissionCreated(ctx, *mission)
	})
	return mission, nil
}

// checkEligibility enforces the creator policy and returns the creator's tier
// on the primary token.
func (m *Manager) checkEligibility(ctx context.Context, creator string) (tier.Tier, error) {
	primary, err := m.balanceOf(ctx, m.balances, creator)
	if err != nil {
		return tier.Tier{}, err
	}
	if primary.Cmp(m.policy.PrimaryMin) < 0 {
		return tier.Tier{}, errordefs.Eligibility("primary token", m.policy.PrimaryMin, primary)
	}

	if m.policy.Mode == ModeDual {
		secondary, err := m.balanceOf(ctx, m.secondary, creator)
		if err != nil {
			return tier.Tier{}, err
		}
		if secondary.Cmp(m.policy.SecondaryMin) < 0 {
			return tier.Tier{}, errordefs.Eligibility("secondary token", m.policy.SecondaryMin, secondary)
		}
	}
	return m.tiers.ForBalance(primary), nil
}

// activeQuota is how many missions a creator of tier t may have active at
// once. An eligible creator below the basic tier gets the basic quota.
func (m *Manager) activeQuota(t tier.Tier) int {
	quota := t.Quotas.ActiveMissions
	if t.Level < tier.LevelBasic {
		if basic, ok := m.tiers.Get(tier.LevelBasic); ok {
			quota = basic.Quotas.ActiveMissions
		}
	}
	if tier.IsUnlimited(quota) {
		return -1
	}
	return quota
}

// buildMission validates req in field order and returns the mission to store.
// The first failing field is reported.
func buildMission(req model.CreateMissionRequest, creator string, now time.Time) (*model.Mission, error) {
	title := sanitizeText(req.Title)
	if title == "" {
		return nil, errordefs.Validation("title", "is required")
	}
	if utf8.RuneCountInString(title) > MaxTitleLength {
		return nil, errordefs.Validation("title", "is too long")
	}
	description := sanitizeText(req.Description)
	if description == "" {
		return nil, errordefs.Validation("description", "is required")
	}
	if utf8.RuneCountInString(description) > MaxTextLength {
		return nil, errordefs.Validation("description", "is too long")
	}
	if !req.Difficulty.Valid() {
		return nil, errordefs.Validation("difficulty", "must be easy, medium or hard")
	}
	if req.TargetDuration < MinTargetDuration || req.TargetDuration > MaxTargetDuration {
		return nil, errordefs.Validation("targetDuration", "must be between 30 and 600 seconds")
	}
	if req.ExpirationDays < MinExpirationDays || req.ExpirationDays > MaxExpirationDays {
		return nil, errordefs.Validation("expirationDays", "must be between 1 and 90")
	}

	rewardModel := req.RewardModel
	if rewardModel == "" {
		rewardModel = model.RewardFlatRate
	}
	if !rewardModel.Valid() {
		return nil, errordefs.Validation("rewardModel", "must be pool, flat_rate or performance")
	}

	reward := BaseReward(req.Difficulty)
	if req.BaseReward != "" {
		override, err := parseAmount(req.BaseReward)
		if err != nil {
			return nil, errordefs.Validation("baseReward", err.Error())
		}
		reward = override
	}
	budget, err := optionalAmount(req.BudgetAllocation)
	if err != nil {
		return nil, errordefs.Validation("budgetAllocation", err.Error())
	}
	stake, err := optionalAmount(req.CreatorStake)
	if err != nil {
		return nil, errordefs.Validation("creatorStake", err.Error())
	}

	if req.MaxParticipants != nil && *req.MaxParticipants <= 0 {
		return nil, errordefs.Validation("maxParticipants", "must be positive")
	}
	if c := req.QualityCriteria; c != nil && c.AudioMinScore != nil && (*c.AudioMinScore < 0 || *c.AudioMinScore > 100) {
		return nil, errordefs.Validation("qualityCriteria.audioMinScore", "must be between 0 and 100")
	}
	if len(req.Tags) > MaxTags {
		return nil, errordefs.Validation("tags", "too many tags")
	}

	language := sanitizeText(req.Language)
	if language == "" {
		language = DefaultLanguage
	}
	autoExpire := true
	if req.AutoExpire != nil {
		autoExpire = *req.AutoExpire
	}

	mission := &model.Mission{
		ID:               uuid.NewString(),
		Title:            title,
		Description:      description,
		Difficulty:       req.Difficulty,
		Language:         language,
		Topic:            sanitizeText(req.Topic),
		Tags:             sanitizeAll(req.Tags),
		TargetDuration:   req.TargetDuration,
		BaseReward:       reward.String(),
		RewardModel:      rewardModel,
		BudgetAllocation: budget,
		CreatorStake:     stake,
		LocationBased:    req.LocationBased,
		CreatorAddress:   creator,
		CreatedAt:        now,
		ExpiresAt:        now.Add(time.Duration(req.ExpirationDays) * 24 * time.Hour),
		AutoExpire:       autoExpire,
		IsActive:         true,
	}
	if mission.Tags == nil {
		mission.Tags = []string{}
	}
	if req.QualityCriteria != nil {
		criteria := *req.QualityCriteria
		mission.QualityCriteria = &criteria
	}
	if req.MaxParticipants != nil {
		max := *req.MaxParticipants
		mission.MaxParticipants = &max
	}
	return mission, nil
}

type amountError string

func (e amountError) Error() string { return string(e) }

func parseAmount(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, amountError("must be a decimal number")
	}
	if d.IsNegative() {
		return decimal.Zero, amountError("must not be negative")
	}
	return d, nil
}

func optionalAmount(s string) (string, error) {
	if s == "" {
		return "", nil
	}
	d, err := parseAmount(s)
	if err != nil {
		return "", err
	}
	return d.String(), nil
}

// GetMission returns a mission with its active state computed at the current time.
func (m *Manager) GetMission(ctx context.Context, id string) (*model.Mission, error) {
	start := time.Now()
	mission, err := m.store.GetMission(ctx, id)
	m.metrics.ObserveStorage("get_mission", start, err)
	if err != nil {
		return nil, storeErr("mission", err)
	}
	mission.IsActive = mission.ActiveAt(m.now())
	return mission, nil
}

// GetActiveMissions lists missions that are active now, newest first.
func (m *Manager) GetActiveMissions(ctx context.Context, filter model.MissionFilter) (*model.MissionPage, error) {
	if filter.Offset < 0 {
		return nil, errordefs.Validation("offset", "must not be negative")
	}
	if filter.Limit < 0 {
		return nil, errordefs.Validation("limit", "must not be negative")
	}
	if filter.Limit == 0 {
		filter.Limit = DefaultListLimit
	}
	if filter.Limit > MaxListLimit {
		filter.Limit = MaxListLimit
	}
	if filter.Difficulty != "" && !filter.Difficulty.Valid() {
		return nil, errordefs.Validation("difficulty", "must be easy, medium or hard")
	}
	filter.ActiveAt = m.now()

	start := time.Now()
	missions, total, err := m.store.ListMissions(ctx, filter)
	m.metrics.ObserveStorage("list_missions", start, err)
	if err != nil {
		return nil, storeErr("mission", err)
	}
	if missions == nil {
		missions = []model.Mission{}
	}
	return &model.MissionPage{
		Missions: missions,
		Total:    total,
		Offset:   filter.Offset,
		Limit:    filter.Limit,
		HasMore:  filter.Offset+filter.Limit < total,
	}, nil
}

// AcceptMission records userID taking on the mission. Each participant may
// accept a mission once, and never beyond its participant cap.
func (m *Manager) AcceptMission(ctx context.Context, missionID, userID string) (*model.Mission, error) {
	if userID == "" {
		return nil, errordefs.Validation("userId", "is required")
	}
	mission, err := m.GetMission(ctx, missionID)
	if err != nil {
		return nil, err
	}
	if !mission.IsActive {
		return nil, errordefs.Conflict("mission is not active")
	}

	acceptance := model.Acceptance{MissionID: missionID, UserID: userID, AcceptedAt: m.now().UTC()}
	start := time.Now()
	updated, err := m.store.AcceptMission(ctx, acceptance)
	m.metrics.ObserveStorage("accept_mission", start, err)
	if err != nil {
		if stderrors.Is(err, storage.ErrConflict) {
			return nil, errordefs.Conflict("mission already accepted")
		}
		return nil, storeErr("mission", err)
	}
	updated.IsActive = updated.ActiveAt(m.now())

	m.publish(ctx, event.TypeMissionAccepted, func() error {
		return m.events.PublishMissionAccepted(ctx, acceptance, *updated)
	})
	return updated, nil
}

// GetAcceptance returns userID's acceptance of a mission.
func (m *Manager) GetAcceptance(ctx context.Context, missionID, userID string) (*model.Acceptance, error) {
	if _, err := m.GetMission(ctx, missionID); err != nil {
		return nil, err
	}
	start := time.Now()
	a, err := m.store.GetAcceptance(ctx, missionID, userID)
	m.metrics.ObserveStorage("get_acceptance", start, err)
	if err != nil {
		return nil, storeErr("acceptance", err)
	}
	return a, nil
}

// DeactivateMission clears the stored active flag. Only the creator may do so;
// deactivating an inactive mission returns it unchanged.
func (m *Manager) DeactivateMission(ctx context.Context, caller, id string) (*model.Mission, error) {
	mission, err := m.GetMission(ctx, id)
	if err != nil {
		return nil, err
	}
	if !sameAddress(mission.CreatorAddress, caller) {
		return nil, errordefs.New(errordefs.MSN_AUTHZ, "only the creator may deactivate a mission")
	}
	if !mission.IsActive {
		return mission, nil
	}

	start := time.Now()
	err = m.store.SetMissionActive(ctx, id, false)
	m.metrics.ObserveStorage("set_mission_active", start, err)
	if err != nil {
		return nil, storeErr("mission", err)
	}
	mission.IsActive = false

	m.publish(ctx, event.TypeMissionDeactivated, func() error {
		return m.events.PublishMissionDeactivated(ctx, *mission)
	})
	return mission, nil
}
