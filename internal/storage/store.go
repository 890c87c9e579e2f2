// internal/storage/store.go
// Package storage provides implementations of the Store interface
// for both in-memory and PostgreSQL storage backends.
package storage

import (
	"context"
	"errors"
	"math/big"
	"time"

	"github.com/RegistryAccord/registryaccord-missions-go/internal/model"
)

// Standard errors returned by the storage layer
var (
	ErrNotFound       = errors.New("not found")                 // Returned when a record is not found
	ErrConflict       = errors.New("conflict")                  // Returned when a record already exists
	ErrMissionFull    = errors.New("mission full")              // Returned when maxParticipants is reached
	ErrStatusConflict = errors.New("invalid status transition") // Returned when a compare-and-set loses
	ErrQuotaExceeded  = errors.New("active mission quota")      // Returned when a creator has too many active missions
	ErrInsufficient   = errors.New("insufficient balance")      // Returned when outstanding burns leave too little balance
)

// Store interface defines the storage operations required by the missions service.
// This interface is implemented by both in-memory and PostgreSQL storage backends.
type Store interface {
	// Mission operations
	// CreateMission stores a new mission. Unless maxActive is negative, it
	// returns ErrQuotaExceeded when the creator already has maxActive missions
	// active at mission.CreatedAt. The count and the insert are atomic per creator.
	CreateMission(ctx context.Context, mission model.Mission, maxActive int) error
	GetMission(ctx context.Context, id string) (*model.Mission, error)                          // Get a mission by ID
	ListMissions(ctx context.Context, filter model.MissionFilter) ([]model.Mission, int, error) // Active missions page and total
	SetMissionActive(ctx context.Context, id string, active bool) error                         // Change the stored active flag

	// AcceptMission records the acceptance and increments the participant count
	// atomically. Returns ErrConflict for a repeated (mission, user) pair and
	// ErrMissionFull when the cap is reached. The updated mission is returned.
	AcceptMission(ctx context.Context, acceptance model.Acceptance) (*model.Mission, error)
	GetAcceptance(ctx context.Context, missionID, userID string) (*model.Acceptance, error)

	// Submission operations
	CreateSubmission(ctx context.Context, sub model.Submission) error                  // Create a new submission
	GetSubmission(ctx context.Context, id string) (*model.Submission, error)           // Get a submission by ID
	ListSubmissions(ctx context.Context, missionID string) ([]model.Submission, error) // Submissions of one mission, oldest first
	SetModeration(ctx context.Context, id string, result model.ModerationResult) error // Record the pipeline verdict

	// TransitionSubmission moves a submission to status if the transition is
	// allowed from its current status. Returns ErrStatusConflict otherwise.
	TransitionSubmission(ctx context.Context, id string, status model.SubmissionStatus, reason string, at time.Time) (*model.Submission, error)

	// Burn ledger operations
	// CreateBurnRecord appends record if balance, less the user's outstanding
	// burns, covers record.Cost. Returns ErrInsufficient otherwise. The check
	// and the append are atomic per user.
	CreateBurnRecord(ctx context.Context, record model.BurnRecord, balance *big.Int) error
	ListBurnRecords(ctx context.Context, userAddress string) ([]model.BurnRecord, error) // A user's records, newest first
	OutstandingBurns(ctx context.Context, userAddress string) (*big.Int, error)          // Sum of pending and dispatched costs

	// SetBurnStatus advances a burn record. Settled and failed are final;
	// any other move returns ErrStatusConflict.
	SetBurnStatus(ctx context.Context, id string, status model.BurnStatus) (*model.BurnRecord, error)

	// Idempotency operations
	StoreIdempotentResponse(ctx context.Context, keyHash, requestHash string, responseBody []byte, statusCode int, expiresAt time.Time) error
	GetIdempotentResponse(ctx context.Context, keyHash, requestHash string) ([]byte, int, error)

	Ping(ctx context.Context) error // Health check
	Close()                         // Release resources
}

// IdempotentResponse represents a cached idempotent response
type IdempotentResponse struct {
	RequestHash  string    // Hash of the request payload for conflict detection
	ResponseBody []byte    // Cached response body
	StatusCode   int       // HTTP status code
	ExpiresAt    time.Time // When the entry expires
}
