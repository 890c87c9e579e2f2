// internal/storage/memory.go
package storage

import (
	"context"
	"math/big"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/RegistryAccord/registryaccord-missions-go/internal/model"
)

// memory implements the Store interface using in-memory storage.
// It's intended for development and testing purposes.
type memory struct {
	mu          sync.RWMutex                   // Protects concurrent access to maps
	missions    map[string]*model.Mission      // Map of ID to mission
	acceptances map[string]*model.Acceptance   // Map of missionID|userID to acceptance
	submissions map[string]*model.Submission   // Map of ID to submission
	byMission   map[string][]string            // Map of mission ID to submission IDs in insertion order
	burns       []model.BurnRecord             // Append-only burn ledger
	idempotency map[string]*IdempotentResponse // Map of key hash to idempotent responses
}

// NewMemory creates a new in-memory storage implementation.
// Returns a Store interface that can be used for testing or development.
func NewMemory() Store {
	return &memory{
		missions:    make(map[string]*model.Mission),
		acceptances: make(map[string]*model.Acceptance),
		submissions: make(map[string]*model.Submission),
		byMission:   make(map[string][]string),
		idempotency: make(map[string]*IdempotentResponse),
	}
}

func acceptanceKey(missionID, userID string) string {
	return missionID + "|" + strings.ToLower(userID)
}

// copyMission detaches a mission from the map so callers cannot mutate shared state.
func copyMission(m *model.Mission) *model.Mission {
	c := *m
	c.Tags = append([]string(nil), m.Tags...)
	if m.QualityCriteria != nil {
		qc := *m.QualityCriteria
		c.QualityCriteria = &qc
	}
	if m.MaxParticipants != nil {
		max := *m.MaxParticipants
		c.MaxParticipants = &max
	}
	return &c
}

func copySubmission(s *model.Submission) *model.Submission {
	c := *s
	if s.Moderation != nil {
		mod := *s.Moderation
		mod.Violations = append([]model.Violation(nil), s.Moderation.Violations...)
		c.Moderation = &mod
	}
	return &c
}

func (m *memory) CreateMission(ctx context.Context, mission model.Mission, maxActive int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.missions[mission.ID]; exists {
		return ErrConflict
	}
	if maxActive >= 0 {
		active := 0
		for _, existing := range m.missions {
			if strings.EqualFold(existing.CreatorAddress, mission.CreatorAddress) && existing.ActiveAt(mission.CreatedAt) {
				active++
			}
		}
		if active >= maxActive {
			return ErrQuotaExceeded
		}
	}
	m.missions[mission.ID] = copyMission(&mission)
	return nil
}

func (m *memory) GetMission(ctx context.Context, id string) (*model.Mission, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	mission, exists := m.missions[id]
	if !exists {
		return nil, ErrNotFound
	}
	return copyMission(mission), nil
}

// matchesFilter applies the active-state and field filters of f to mission.
func matchesFilter(mission *model.Mission, f model.MissionFilter) bool {
	if !mission.ActiveAt(f.ActiveAt) {
		return false
	}
	if f.Difficulty != "" && mission.Difficulty != f.Difficulty {
		return false
	}
	if f.Language != "" && !strings.EqualFold(mission.Language, f.Language) {
		return false
	}
	if f.Creator != "" && !strings.EqualFold(mission.CreatorAddress, f.Creator) {
		return false
	}
	if f.Search != "" {
		needle := strings.ToLower(f.Search)
		if strings.Contains(strings.ToLower(mission.Topic), needle) {
			return true
		}
		for _, tag := range mission.Tags {
			if strings.Contains(strings.ToLower(tag), needle) {
				return true
			}
		}
		return false
	}
	return true
}

func (m *memory) ListMissions(ctx context.Context, filter model.MissionFilter) ([]model.Mission, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	filtered := make([]*model.Mission, 0)
	for _, mission := range m.missions {
		if matchesFilter(mission, filter) {
			filtered = append(filtered, mission)
		}
	}
	// Sort by createdAt descending, then by ID ascending for stable ordering
	sort.Slice(filtered, func(i, j int) bool {
		if filtered[i].CreatedAt.Equal(filtered[j].CreatedAt) {
			return filtered[i].ID < filtered[j].ID
		}
		return filtered[i].CreatedAt.After(filtered[j].CreatedAt)
	})

	total := len(filtered)
	start := filter.Offset
	if start > total {
		start = total
	}
	end := total
	if filter.Limit > 0 && start+filter.Limit < total {
		end = start + filter.Limit
	}

	page := make([]model.Mission, 0, end-start)
	for _, mission := range filtered[start:end] {
		page = append(page, *copyMission(mission))
	}
	return page, total, nil
}

func (m *memory) SetMissionActive(ctx context.Context, id string, active bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	mission, exists := m.missions[id]
	if !exists {
		return ErrNotFound
	}
	mission.IsActive = active
	return nil
}

// AcceptMission holds the write lock across the duplicate check, capacity check
// and increment, so concurrent accepts of one mission are serialized.
func (m *memory) AcceptMission(ctx context.Context, acceptance model.Acceptance) (*model.Mission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	mission, exists := m.missions[acceptance.MissionID]
	if !exists {
		return nil, ErrNotFound
	}
	key := acceptanceKey(acceptance.MissionID, acceptance.UserID)
	if _, dup := m.acceptances[key]; dup {
		return nil, ErrConflict
	}
	if mission.Full() {
		return nil, ErrMissionFull
	}

	mission.CurrentParticipants++
	a := acceptance
	m.acceptances[key] = &a
	return copyMission(mission), nil
}

func (m *memory) GetAcceptance(ctx context.Context, missionID, userID string) (*model.Acceptance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	a, exists := m.acceptances[acceptanceKey(missionID, userID)]
	if !exists {
		return nil, ErrNotFound
	}
	c := *a
	return &c, nil
}

func (m *memory) CreateSubmission(ctx context.Context, sub model.Submission) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.missions[sub.MissionID]; !exists {
		return ErrNotFound
	}
	if _, exists := m.submissions[sub.ID]; exists {
		return ErrConflict
	}
	m.submissions[sub.ID] = copySubmission(&sub)
	m.byMission[sub.MissionID] = append(m.byMission[sub.MissionID], sub.ID)
	return nil
}

func (m *memory) GetSubmission(ctx context.Context, id string) (*model.Submission, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sub, exists := m.submissions[id]
	if !exists {
		return nil, ErrNotFound
	}
	return copySubmission(sub), nil
}

func (m *memory) ListSubmissions(ctx context.Context, missionID string) ([]model.Submission, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := m.byMission[missionID]
	subs := make([]model.Submission, 0, len(ids))
	for _, id := range ids {
		subs = append(subs, *copySubmission(m.submissions[id]))
	}
	// ULIDs sort by time
	sort.Slice(subs, func(i, j int) bool { return subs[i].ID < subs[j].ID })
	return subs, nil
}

func (m *memory) SetModeration(ctx context.Context, id string, result model.ModerationResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	sub, exists := m.submissions[id]
	if !exists {
		return ErrNotFound
	}
	r := result
	r.Violations = append([]model.Violation(nil), result.Violations...)
	sub.Moderation = &r
	return nil
}

func (m *memory) TransitionSubmission(ctx context.Context, id string, status model.SubmissionStatus, reason string, at time.Time) (*model.Submission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sub, exists := m.submissions[id]
	if !exists {
		return nil, ErrNotFound
	}
	if !sub.Status.CanTransition(status) {
		return nil, ErrStatusConflict
	}
	changed := at
	sub.Status = status
	sub.StatusReason = reason
	sub.StatusChangedAt = &changed
	return copySubmission(sub), nil
}

func (m *memory) CreateBurnRecord(ctx context.Context, record model.BurnRecord, balance *big.Int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.burns {
		if existing.ID == record.ID {
			return ErrConflict
		}
	}
	available := new(big.Int).Sub(balance, m.outstanding(record.UserAddress))
	if available.Cmp(record.Cost) < 0 {
		return ErrInsufficient
	}
	r := record
	r.Cost = new(big.Int).Set(record.Cost)
	if r.Status == "" {
		r.Status = model.BurnPending
	}
	r.Metadata = copyMetadata(record.Metadata)
	m.burns = append(m.burns, r)
	return nil
}

// outstanding sums user's pending and dispatched costs. Callers hold mu.
func (m *memory) outstanding(user string) *big.Int {
	sum := new(big.Int)
	for _, r := range m.burns {
		if strings.EqualFold(r.UserAddress, user) && r.Status.Outstanding() {
			sum.Add(sum, r.Cost)
		}
	}
	return sum
}

func (m *memory) OutstandingBurns(ctx context.Context, userAddress string) (*big.Int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.outstanding(userAddress), nil
}

func (m *memory) SetBurnStatus(ctx context.Context, id string, status model.BurnStatus) (*model.BurnRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i := range m.burns {
		r := &m.burns[i]
		if r.ID != id {
			continue
		}
		if !r.Status.CanTransition(status) {
			return nil, ErrStatusConflict
		}
		r.Status = status
		c := *r
		c.Cost = new(big.Int).Set(r.Cost)
		c.Metadata = copyMetadata(r.Metadata)
		return &c, nil
	}
	return nil, ErrNotFound
}

func (m *memory) ListBurnRecords(ctx context.Context, userAddress string) ([]model.BurnRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	records := make([]model.BurnRecord, 0)
	for i := len(m.burns) - 1; i >= 0; i-- {
		r := m.burns[i]
		if strings.EqualFold(r.UserAddress, userAddress) {
			r.Cost = new(big.Int).Set(r.Cost)
			r.Metadata = copyMetadata(r.Metadata)
			records = append(records, r)
		}
	}
	return records, nil
}

func copyMetadata(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// StoreIdempotentResponse stores an idempotent response in memory
func (m *memory) StoreIdempotentResponse(ctx context.Context, keyHash, requestHash string, responseBody []byte, statusCode int, expiresAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.idempotency[keyHash]; ok && existing.RequestHash != requestHash && time.Now().UTC().Before(existing.ExpiresAt) {
		return ErrConflict
	}

	responseCopy := make([]byte, len(responseBody))
	copy(responseCopy, responseBody)

	m.idempotency[keyHash] = &IdempotentResponse{
		RequestHash:  requestHash,
		ResponseBody: responseCopy,
		StatusCode:   statusCode,
		ExpiresAt:    expiresAt,
	}
	return nil
}

// GetIdempotentResponse retrieves a cached idempotent response from memory.
// A key reused with a different payload returns ErrConflict.
func (m *memory) GetIdempotentResponse(ctx context.Context, keyHash, requestHash string) ([]byte, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	response, exists := m.idempotency[keyHash]
	if !exists {
		return nil, 0, ErrNotFound
	}

	// Check if the response has expired
	if time.Now().UTC().After(response.ExpiresAt) {
		delete(m.idempotency, keyHash)
		return nil, 0, ErrNotFound
	}
	if response.RequestHash != requestHash {
		return nil, 0, ErrConflict
	}

	responseCopy := make([]byte, len(response.ResponseBody))
	copy(responseCopy, response.ResponseBody)

	return responseCopy, response.StatusCode, nil
}

func (m *memory) Ping(ctx context.Context) error { return nil }

func (m *memory) Close() {}
