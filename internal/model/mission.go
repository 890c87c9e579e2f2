// internal/model/mission.go
// Package model defines the data structures used throughout the missions service.
// These structures represent the core domain objects: missions, acceptances,
// submissions, moderation results and burn records.
package model

import (
	"time"
)

// Difficulty grades a mission and selects its default reward.
type Difficulty string

const (
	DifficultyEasy   Difficulty = "easy"
	DifficultyMedium Difficulty = "medium"
	DifficultyHard   Difficulty = "hard"
)

// Valid reports whether d is a known difficulty.
func (d Difficulty) Valid() bool {
	switch d {
	case DifficultyEasy, DifficultyMedium, DifficultyHard:
		return true
	}
	return false
}

// RewardModel describes how a mission's reward is distributed.
type RewardModel string

const (
	RewardPool        RewardModel = "pool"
	RewardFlatRate    RewardModel = "flat_rate"
	RewardPerformance RewardModel = "performance"
)

// Valid reports whether r is a known reward model.
func (r RewardModel) Valid() bool {
	switch r {
	case RewardPool, RewardFlatRate, RewardPerformance:
		return true
	}
	return false
}

// QualityCriteria are the creator's acceptance thresholds for responses.
type QualityCriteria struct {
	TranscriptionRequired bool `json:"transcriptionRequired"`   // Responses must carry a transcription
	AudioMinScore         *int `json:"audioMinScore,omitempty"` // Minimum audio score, 0..100
}

// Mission represents a creator-defined recording task.
// This corresponds to the missions table in storage.
type Mission struct {
	ID                  string           `json:"id" db:"id"`                                        // Unique mission identifier
	Title               string           `json:"title" db:"title"`                                  // Short title
	Description         string           `json:"description" db:"description"`                      // What to record
	Difficulty          Difficulty       `json:"difficulty" db:"difficulty"`                        // easy, medium or hard
	Language            string           `json:"language" db:"language"`                            // Expected spoken language
	Topic               string           `json:"topic" db:"topic"`                                  // Free-form topic
	Tags                []string         `json:"tags" db:"tags"`                                    // Ordered tags
	TargetDuration      int              `json:"targetDuration" db:"target_duration"`               // Seconds
	BaseReward          string           `json:"baseReward" db:"base_reward"`                       // Decimal string
	RewardModel         RewardModel      `json:"rewardModel" db:"reward_model"`                     // Distribution model
	BudgetAllocation    string           `json:"budgetAllocation,omitempty" db:"budget_allocation"` // Decimal string
	CreatorStake        string           `json:"creatorStake,omitempty" db:"creator_stake"`         // Decimal string
	QualityCriteria     *QualityCriteria `json:"qualityCriteria,omitempty" db:"quality_criteria"`   // Optional thresholds
	LocationBased       bool             `json:"locationBased" db:"location_based"`                 // Requires on-site recording
	MaxParticipants     *int             `json:"maxParticipants,omitempty" db:"max_participants"`   // Optional cap
	CurrentParticipants int              `json:"currentParticipants" db:"current_participants"`     // Accepted so far
	CreatorAddress      string           `json:"creatorAddress" db:"creator_address"`               // Creator wallet
	CreatedAt           time.Time        `json:"createdAt" db:"created_at"`                         // Creation time
	ExpiresAt           time.Time        `json:"expiresAt" db:"expires_at"`                         // Expiration time
	AutoExpire          bool             `json:"autoExpire" db:"auto_expire"`                       // Expires without manual action
	IsActive            bool             `json:"isActive" db:"is_active"`                           // Stored flag; see ActiveAt
}

// ActiveAt is the authoritative active state: the stored flag AND not yet expired.
func (m Mission) ActiveAt(now time.Time) bool {
	return m.IsActive && m.ExpiresAt.After(now)
}

// ExpiredAt reports whether the mission's expiry has passed.
func (m Mission) ExpiredAt(now time.Time) bool {
	return m.ExpiresAt.Before(now)
}

// Full reports whether the participant cap is reached.
func (m Mission) Full() bool {
	return m.MaxParticipants != nil && m.CurrentParticipants >= *m.MaxParticipants
}

// Acceptance records a participant taking on a mission.
// This corresponds to the acceptances table in storage.
type Acceptance struct {
	MissionID  string    `json:"missionId" db:"mission_id"`   // Accepted mission
	UserID     string    `json:"userId" db:"user_id"`         // Participant wallet
	AcceptedAt time.Time `json:"acceptedAt" db:"accepted_at"` // When accepted
}

// CreateMissionRequest represents the request body for creating a mission.
type CreateMissionRequest struct {
	Title            string           `json:"title"`
	Description      string           `json:"description"`
	Difficulty       Difficulty       `json:"difficulty"`
	Language         string           `json:"language"`
	Topic            string           `json:"topic"`
	Tags             []string         `json:"tags,omitempty"`
	TargetDuration   int              `json:"targetDuration"`
	ExpirationDays   int              `json:"expirationDays"`
	BaseReward       string           `json:"baseReward,omitempty"`       // Overrides the difficulty table
	RewardModel      RewardModel      `json:"rewardModel,omitempty"`      // Defaults to flat_rate
	BudgetAllocation string           `json:"budgetAllocation,omitempty"` // Decimal string
	CreatorStake     string           `json:"creatorStake,omitempty"`     // Decimal string
	QualityCriteria  *QualityCriteria `json:"qualityCriteria,omitempty"`
	LocationBased    bool             `json:"locationBased,omitempty"`
	MaxParticipants  *int             `json:"maxParticipants,omitempty"`
	AutoExpire       *bool            `json:"autoExpire,omitempty"` // Defaults to true
}

// MissionFilter selects active missions.
type MissionFilter struct {
	Difficulty Difficulty `json:"difficulty,omitempty"` // Exact difficulty
	Language   string     `json:"language,omitempty"`   // Exact language, case-insensitive
	Search     string     `json:"search,omitempty"`     // Substring of topic or any tag, case-insensitive
	Creator    string     `json:"creator,omitempty"`    // Creator wallet
	ActiveAt   time.Time  `json:"-"`                    // Reference time for the computed active state
	Offset     int        `json:"offset"`
	Limit      int        `json:"limit"`
}

// MissionPage is one page of active missions.
type MissionPage struct {
	Missions []Mission `json:"missions"`
	Total    int       `json:"total"`
	Offset   int       `json:"offset"`
	Limit    int       `json:"limit"`
	HasMore  bool      `json:"hasMore"`
}
