// internal/model/burn.go
package model

import (
	"math/big"
	"time"
)

// BurnStatus tracks a burn from recording to on-chain settlement.
type BurnStatus string

const (
	BurnPending    BurnStatus = "pending"    // Recorded, not yet accepted by the dispatcher
	BurnDispatched BurnStatus = "dispatched" // Accepted by the dispatcher, not yet settled on chain
	BurnSettled    BurnStatus = "settled"    // Reflected in the on-chain balance
	BurnFailed     BurnStatus = "failed"     // Dispatch gave up; nothing was spent
)

// Outstanding reports whether the burn's cost is spent but not yet visible in
// the on-chain balance.
func (s BurnStatus) Outstanding() bool {
	return s == BurnPending || s == BurnDispatched
}

// CanTransition reports whether a burn may move from s to next.
func (s BurnStatus) CanTransition(next BurnStatus) bool {
	switch s {
	case BurnPending:
		return next == BurnDispatched || next == BurnSettled || next == BurnFailed
	case BurnDispatched:
		return next == BurnSettled || next == BurnFailed
	}
	return false
}

// BurnRecord is an append-only entry for a paid feature action.
// This corresponds to the burn_records table in storage.
type BurnRecord struct {
	ID          string            `json:"id" db:"id"`                    // UUID
	ActionType  string            `json:"actionType" db:"action_type"`   // video_export, nft_mint, ...
	UserAddress string            `json:"userAddress" db:"user_address"` // Paying wallet
	RecordingID string            `json:"recordingId" db:"recording_id"` // Target recording
	Cost        *big.Int          `json:"cost" db:"cost"`                // Smallest token unit
	Status      BurnStatus        `json:"status" db:"status"`            // Settlement progress
	CreatedAt   time.Time         `json:"createdAt" db:"created_at"`     // When recorded
	Metadata    map[string]string `json:"metadata,omitempty" db:"metadata"`
}

// BurnRequest represents the request body for initiating a burn action.
type BurnRequest struct {
	ActionType  string            `json:"actionType"`
	RecordingID string            `json:"recordingId"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}
