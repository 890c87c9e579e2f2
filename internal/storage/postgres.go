// internal/storage/postgres.go
// PostgreSQL implementation of the Store interface.
// This implementation is intended for production use with persistent data storage.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/RegistryAccord/registryaccord-missions-go/internal/model"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// postgres provides persistent storage for missions, acceptances, submissions and burn records.
type postgres struct {
	db *pgxpool.Pool // Connection pool to PostgreSQL database
}

// NewPostgres creates a new PostgreSQL storage implementation.
// It establishes a connection pool to the database and initializes the schema.
// Parameters:
//   - dsn: Database connection string in PostgreSQL format
//
// Returns:
//   - Store: Implementation of the storage interface
//   - error: Any error that occurred during initialization
func NewPostgres(dsn string) (Store, error) {
	// Parse the database connection string
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("invalid database DSN: %w", err)
	}

	// Connection pool settings
	config.MaxConns = 20
	config.MinConns = 2
	config.MaxConnLifetime = time.Hour
	config.MaxConnIdleTime = time.Minute * 30
	config.HealthCheckPeriod = time.Minute

	// Establish connection with timeout
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &postgres{db: pool}, nil
}

// initSchema creates all required tables and indexes if they don't already exist.
func initSchema(ctx context.Context, db *pgxpool.Pool) error {
	schema := `
		-- Missions posted by creators
		CREATE TABLE IF NOT EXISTS missions (
		    id TEXT PRIMARY KEY,                     -- UUID
		    title TEXT NOT NULL,
		    description TEXT NOT NULL,
		    difficulty TEXT NOT NULL,
		    language TEXT NOT NULL,
		    topic TEXT NOT NULL DEFAULT '',
		    tags TEXT[] NOT NULL DEFAULT '{}',
		    target_duration INTEGER NOT NULL,        -- Seconds
		    base_reward NUMERIC NOT NULL,
		    reward_model TEXT NOT NULL,
		    budget_allocation NUMERIC,
		    creator_stake NUMERIC,
		    quality_criteria JSONB,
		    location_based BOOLEAN NOT NULL DEFAULT FALSE,
		    max_participants INTEGER CHECK (max_participants > 0),
		    current_participants INTEGER NOT NULL DEFAULT 0,
		    creator_address TEXT NOT NULL,
		    created_at TIMESTAMP WITH TIME ZONE NOT NULL,
		    expires_at TIMESTAMP WITH TIME ZONE NOT NULL,
		    auto_expire BOOLEAN NOT NULL DEFAULT TRUE,
		    is_active BOOLEAN NOT NULL DEFAULT TRUE,
		    CHECK (expires_at > created_at),
		    CHECK (max_participants IS NULL OR current_participants <= max_participants)
		);

		CREATE INDEX IF NOT EXISTS idx_missions_active_created ON missions(created_at DESC, id) WHERE is_active;
		CREATE INDEX IF NOT EXISTS idx_missions_creator ON missions(lower(creator_address));

		-- One acceptance per participant per mission
		CREATE TABLE IF NOT EXISTS acceptances (
		    mission_id TEXT NOT NULL REFERENCES missions(id),
		    user_id TEXT NOT NULL,                   -- Lowercased wallet
		    accepted_at TIMESTAMP WITH TIME ZONE NOT NULL,
		    PRIMARY KEY (mission_id, user_id)
		);

		-- Participant responses
		CREATE TABLE IF NOT EXISTS submissions (
		    id TEXT PRIMARY KEY,                     -- ULID
		    submitted_at TIMESTAMP WITH TIME ZONE NOT NULL,
		    mission_id TEXT NOT NULL REFERENCES missions(id),
		    user_id TEXT NOT NULL,
		    recording_id TEXT NOT NULL,
		    content_hash TEXT NOT NULL DEFAULT '',
		    location JSONB NOT NULL,
		    context TEXT NOT NULL,
		    participant_consent BOOLEAN NOT NULL,
		    consent_proof TEXT NOT NULL DEFAULT '',
		    is_anonymized BOOLEAN NOT NULL DEFAULT FALSE,
		    voice_obfuscated BOOLEAN NOT NULL DEFAULT FALSE,
		    obfuscated_audio_url TEXT NOT NULL DEFAULT '',
		    transcription TEXT NOT NULL DEFAULT '',
		    quality_score INTEGER,
		    audio JSONB,
		    status TEXT NOT NULL,
		    status_reason TEXT NOT NULL DEFAULT '',
		    status_changed_at TIMESTAMP WITH TIME ZONE,
		    moderation JSONB
		);

		CREATE INDEX IF NOT EXISTS idx_submissions_mission ON submissions(mission_id, id);

		-- Append-only burn ledger
		CREATE TABLE IF NOT EXISTS burn_records (
		    id TEXT PRIMARY KEY,                     -- UUID
		    action_type TEXT NOT NULL,
		    user_address TEXT NOT NULL,
		    recording_id TEXT NOT NULL,
		    cost NUMERIC(78, 0) NOT NULL,            -- Smallest token unit, uint256 range
		    created_at TIMESTAMP WITH TIME ZONE NOT NULL,
		    metadata JSONB NOT NULL DEFAULT '{}'
		);

		ALTER TABLE burn_records ADD COLUMN IF NOT EXISTS status TEXT NOT NULL DEFAULT 'pending';

		CREATE INDEX IF NOT EXISTS idx_burn_records_user ON burn_records(lower(user_address), created_at DESC);
		CREATE INDEX IF NOT EXISTS idx_burn_records_outstanding ON burn_records(lower(user_address))
		    WHERE status IN ('pending', 'dispatched');

		-- Idempotency table for storing idempotency keys
		CREATE TABLE IF NOT EXISTS idempotency (
		    key_hash TEXT,                           -- Hash of the idempotency key
		    request_hash TEXT NOT NULL,              -- Hash of the request payload for conflict detection
		    response_body BYTEA NOT NULL,            -- Cached response body
		    response_status INTEGER NOT NULL,        -- HTTP status code
		    created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
		    expires_at TIMESTAMP WITH TIME ZONE NOT NULL,
		    PRIMARY KEY (key_hash, request_hash)
		);

		CREATE INDEX IF NOT EXISTS idx_idempotency_expires_at ON idempotency(expires_at);

		-- Operation log table (append-only) for audit trail
		CREATE TABLE IF NOT EXISTS op_log (
		    seq BIGSERIAL PRIMARY KEY,               -- Sequential operation ID
		    type TEXT NOT NULL,                      -- Operation type
		    ref TEXT NOT NULL,                       -- Affected mission, submission or burn record
		    actor TEXT NOT NULL,                     -- Wallet or "system"
		    payload JSONB NOT NULL,                  -- Operation details
		    occurred_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
		);

		CREATE INDEX IF NOT EXISTS idx_op_log_ref ON op_log(ref);
		CREATE INDEX IF NOT EXISTS idx_op_log_type ON op_log(type);
	`

	_, err := db.Exec(ctx, schema)
	return err
}

// Close closes the database connection pool
func (p *postgres) Close() {
	p.db.Close()
}

// Ping checks database connectivity
func (p *postgres) Ping(ctx context.Context) error {
	return p.db.Ping(ctx)
}

// execer is satisfied by both the pool and a transaction.
type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// appendOp writes one audit entry.
func appendOp(ctx context.Context, db execer, opType, ref, actor string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal op payload: %w", err)
	}
	_, err = db.Exec(ctx, `INSERT INTO op_log (type, ref, actor, payload) VALUES ($1, $2, $3, $4)`, opType, ref, actor, body)
	if err != nil {
		return fmt.Errorf("failed to append op log: %w", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// nullableNumeric maps an empty decimal string to NULL.
func nullableNumeric(s string) any {
	if s == "" {
		return nil
	}
	return s
}

const missionColumns = `id, title, description, difficulty, language, topic, tags, target_duration,
	base_reward::text, reward_model, COALESCE(budget_allocation::text, ''), COALESCE(creator_stake::text, ''),
	quality_criteria, location_based, max_participants, current_participants, creator_address,
	created_at, expires_at, auto_expire, is_active`

// scanMission reads one row selected with missionColumns.
func scanMission(row pgx.Row) (*model.Mission, error) {
	var m model.Mission
	var criteria []byte
	var maxParticipants *int32
	var targetDuration, current int32

	err := row.Scan(
		&m.ID, &m.Title, &m.Description, &m.Difficulty, &m.Language, &m.Topic, &m.Tags, &targetDuration,
		&m.BaseReward, &m.RewardModel, &m.BudgetAllocation, &m.CreatorStake,
		&criteria, &m.LocationBased, &maxParticipants, &current, &m.CreatorAddress,
		&m.CreatedAt, &m.ExpiresAt, &m.AutoExpire, &m.IsActive,
	)
	if err != nil {
		return nil, err
	}
	m.TargetDuration = int(targetDuration)
	m.CurrentParticipants = int(current)
	if maxParticipants != nil {
		v := int(*maxParticipants)
		m.MaxParticipants = &v
	}
	if len(criteria) > 0 {
		var qc model.QualityCriteria
		if err := json.Unmarshal(criteria, &qc); err != nil {
			return nil, fmt.Errorf("failed to unmarshal quality criteria: %w", err)
		}
		m.QualityCriteria = &qc
	}
	if m.Tags == nil {
		m.Tags = []string{}
	}
	return &m, nil
}

// CreateMission creates a new mission in the database. The quota count runs
// under a transaction-scoped advisory lock on the creator.
func (p *postgres) CreateMission(ctx context.Context, m model.Mission, maxActive int) error {
	var criteria []byte
	if m.QualityCriteria != nil {
		var err error
		if criteria, err = json.Marshal(m.QualityCriteria); err != nil {
			return fmt.Errorf("failed to marshal quality criteria: %w", err)
		}
	}
	tags := m.Tags
	if tags == nil {
		tags = []string{}
	}

	tx, err := p.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if maxActive >= 0 {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext('missions:' || lower($1)))`, m.CreatorAddress); err != nil {
			return fmt.Errorf("failed to lock creator: %w", err)
		}
		var active int
		err := tx.QueryRow(ctx, `SELECT count(*) FROM missions
		                         WHERE lower(creator_address) = lower($1) AND is_active AND expires_at > $2`,
			m.CreatorAddress, m.CreatedAt).Scan(&active)
		if err != nil {
			return fmt.Errorf("failed to count active missions: %w", err)
		}
		if active >= maxActive {
			return ErrQuotaExceeded
		}
	}

	query := `INSERT INTO missions (id, title, description, difficulty, language, topic, tags, target_duration,
	          base_reward, reward_model, budget_allocation, creator_stake, quality_criteria, location_based,
	          max_participants, current_participants, creator_address, created_at, expires_at, auto_expire, is_active)
	          VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9::numeric, $10, $11::numeric, $12::numeric, $13, $14, $15, $16, $17, $18, $19, $20, $21)`

	_, err = tx.Exec(ctx, query,
		m.ID, m.Title, m.Description, string(m.Difficulty), m.Language, m.Topic, tags, m.TargetDuration,
		m.BaseReward, string(m.RewardModel), nullableNumeric(m.BudgetAllocation), nullableNumeric(m.CreatorStake),
		criteria, m.LocationBased, m.MaxParticipants, m.CurrentParticipants, m.CreatorAddress,
		m.CreatedAt, m.ExpiresAt, m.AutoExpire, m.IsActive)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("failed to create mission: %w", err)
	}

	if err := appendOp(ctx, tx, "mission.create", m.ID, m.CreatorAddress, map[string]any{"difficulty": m.Difficulty, "baseReward": m.BaseReward}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// GetMission retrieves a mission by ID
func (p *postgres) GetMission(ctx context.Context, id string) (*model.Mission, error) {
	m, err := scanMission(p.db.QueryRow(ctx, `SELECT `+missionColumns+` FROM missions WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get mission: %w", err)
	}
	return m, nil
}

// escapeLike escapes LIKE metacharacters in a user-supplied search string.
func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}

// ListMissions lists computed-active missions with filtering and offset pagination.
func (p *postgres) ListMissions(ctx context.Context, filter model.MissionFilter) ([]model.Mission, int, error) {
	where := ` WHERE is_active AND expires_at > $1`
	args := []any{filter.ActiveAt}
	argIndex := 2

	if filter.Difficulty != "" {
		where += fmt.Sprintf(" AND difficulty = $%d", argIndex)
		args = append(args, string(filter.Difficulty))
		argIndex++
	}
	if filter.Language != "" {
		where += fmt.Sprintf(" AND lower(language) = lower($%d)", argIndex)
		args = append(args, filter.Language)
		argIndex++
	}
	if filter.Creator != "" {
		where += fmt.Sprintf(" AND lower(creator_address) = lower($%d)", argIndex)
		args = append(args, filter.Creator)
		argIndex++
	}
	if filter.Search != "" {
		where += fmt.Sprintf(" AND (topic ILIKE $%d OR EXISTS (SELECT 1 FROM unnest(tags) AS t WHERE t ILIKE $%d))", argIndex, argIndex)
		args = append(args, "%"+escapeLike(filter.Search)+"%")
		argIndex++
	}

	var total int
	if err := p.db.QueryRow(ctx, `SELECT COUNT(*) FROM missions`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count missions: %w", err)
	}

	query := `SELECT ` + missionColumns + ` FROM missions` + where + ` ORDER BY created_at DESC, id ASC`
	query += fmt.Sprintf(" OFFSET $%d", argIndex)
	args = append(args, filter.Offset)
	argIndex++
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIndex)
		args = append(args, filter.Limit)
	}

	rows, err := p.db.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list missions: %w", err)
	}
	defer rows.Close()

	missions := make([]model.Mission, 0)
	for rows.Next() {
		m, err := scanMission(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to scan mission: %w", err)
		}
		missions = append(missions, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("error iterating missions: %w", err)
	}
	return missions, total, nil
}

// SetMissionActive changes the stored active flag
func (p *postgres) SetMissionActive(ctx context.Context, id string, active bool) error {
	result, err := p.db.Exec(ctx, `UPDATE missions SET is_active = $1 WHERE id = $2`, active, id)
	if err != nil {
		return fmt.Errorf("failed to update mission: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return appendOp(ctx, p.db, "mission.active", id, "system", map[string]bool{"active": active})
}

// AcceptMission inserts the acceptance and increments the participant count in
// one transaction. The conditional UPDATE makes the capacity check and the
// increment a single statement, so concurrent accepts cannot overshoot.
func (p *postgres) AcceptMission(ctx context.Context, a model.Acceptance) (*model.Mission, error) {
	tx, err := p.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	user := strings.ToLower(a.UserID)
	tag, err := tx.Exec(ctx, `INSERT INTO acceptances (mission_id, user_id, accepted_at) VALUES ($1, $2, $3)
	                          ON CONFLICT (mission_id, user_id) DO NOTHING`, a.MissionID, user, a.AcceptedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23503" {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to record acceptance: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return nil, ErrConflict
	}

	m, err := scanMission(tx.QueryRow(ctx, `UPDATE missions SET current_participants = current_participants + 1
	                                         WHERE id = $1 AND (max_participants IS NULL OR current_participants < max_participants)
	                                         RETURNING `+missionColumns, a.MissionID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrMissionFull
		}
		return nil, fmt.Errorf("failed to increment participants: %w", err)
	}

	if err := appendOp(ctx, tx, "mission.accept", a.MissionID, user, map[string]int{"currentParticipants": m.CurrentParticipants}); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit acceptance: %w", err)
	}
	return m, nil
}

// GetAcceptance retrieves one participant's acceptance of a mission
func (p *postgres) GetAcceptance(ctx context.Context, missionID, userID string) (*model.Acceptance, error) {
	var a model.Acceptance
	err := p.db.QueryRow(ctx, `SELECT mission_id, user_id, accepted_at FROM acceptances WHERE mission_id = $1 AND user_id = $2`,
		missionID, strings.ToLower(userID)).Scan(&a.MissionID, &a.UserID, &a.AcceptedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get acceptance: %w", err)
	}
	return &a, nil
}

const submissionColumns = `id, submitted_at, mission_id, user_id, recording_id, content_hash, location, context,
	participant_consent, consent_proof, is_anonymized, voice_obfuscated, obfuscated_audio_url, transcription, quality_score, audio,
	status, status_reason, status_changed_at, moderation`

func scanSubmission(row pgx.Row) (*model.Submission, error) {
	var s model.Submission
	var location, audio, moderation []byte
	var quality *int32

	err := row.Scan(
		&s.ID, &s.SubmittedAt, &s.MissionID, &s.UserID, &s.RecordingID, &s.ContentHash, &location, &s.Context,
		&s.ParticipantConsent, &s.ConsentProof, &s.IsAnonymized, &s.VoiceObfuscated, &s.ObfuscatedAudioURL, &s.Transcription, &quality, &audio,
		&s.Status, &s.StatusReason, &s.StatusChangedAt, &moderation,
	)
	if err != nil {
		return nil, err
	}
	if quality != nil {
		v := int(*quality)
		s.QualityScore = &v
	}
	if err := json.Unmarshal(location, &s.Location); err != nil {
		return nil, fmt.Errorf("failed to unmarshal location: %w", err)
	}
	if len(audio) > 0 {
		var meta model.AudioMetadata
		if err := json.Unmarshal(audio, &meta); err != nil {
			return nil, fmt.Errorf("failed to unmarshal audio metadata: %w", err)
		}
		s.Audio = &meta
	}
	if len(moderation) > 0 {
		var res model.ModerationResult
		if err := json.Unmarshal(moderation, &res); err != nil {
			return nil, fmt.Errorf("failed to unmarshal moderation result: %w", err)
		}
		s.Moderation = &res
	}
	return &s, nil
}

// CreateSubmission creates a new submission in the database
func (p *postgres) CreateSubmission(ctx context.Context, s model.Submission) error {
	location, err := json.Marshal(s.Location)
	if err != nil {
		return fmt.Errorf("failed to marshal location: %w", err)
	}
	var audio []byte
	if s.Audio != nil {
		if audio, err = json.Marshal(s.Audio); err != nil {
			return fmt.Errorf("failed to marshal audio metadata: %w", err)
		}
	}

	query := `INSERT INTO submissions (id, submitted_at, mission_id, user_id, recording_id, content_hash, location, context,
	          participant_consent, consent_proof, is_anonymized, voice_obfuscated, obfuscated_audio_url, transcription, quality_score, audio, status)
	          VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`

	_, err = p.db.Exec(ctx, query,
		s.ID, s.SubmittedAt, s.MissionID, s.UserID, s.RecordingID, s.ContentHash, location, s.Context,
		s.ParticipantConsent, s.ConsentProof, s.IsAnonymized, s.VoiceObfuscated, s.ObfuscatedAudioURL, s.Transcription, s.QualityScore, audio,
		string(s.Status))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			switch pgErr.Code {
			case "23505":
				return ErrConflict
			case "23503":
				return ErrNotFound
			}
		}
		return fmt.Errorf("failed to create submission: %w", err)
	}
	return nil
}

// GetSubmission retrieves a submission by ID
func (p *postgres) GetSubmission(ctx context.Context, id string) (*model.Submission, error) {
	s, err := scanSubmission(p.db.QueryRow(ctx, `SELECT `+submissionColumns+` FROM submissions WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get submission: %w", err)
	}
	return s, nil
}

// ListSubmissions lists a mission's submissions, oldest first
func (p *postgres) ListSubmissions(ctx context.Context, missionID string) ([]model.Submission, error) {
	rows, err := p.db.Query(ctx, `SELECT `+submissionColumns+` FROM submissions WHERE mission_id = $1 ORDER BY id ASC`, missionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list submissions: %w", err)
	}
	defer rows.Close()

	subs := make([]model.Submission, 0)
	for rows.Next() {
		s, err := scanSubmission(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan submission: %w", err)
		}
		subs = append(subs, *s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating submissions: %w", err)
	}
	return subs, nil
}

// SetModeration records the moderation verdict
func (p *postgres) SetModeration(ctx context.Context, id string, result model.ModerationResult) error {
	body, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal moderation result: %w", err)
	}
	tag, err := p.db.Exec(ctx, `UPDATE submissions SET moderation = $1 WHERE id = $2`, body, id)
	if err != nil {
		return fmt.Errorf("failed to store moderation result: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// allowedFrom lists the statuses a submission may leave to reach status.
func allowedFrom(status model.SubmissionStatus) []string {
	var from []string
	for _, s := range []model.SubmissionStatus{model.StatusApproved, model.StatusFlagged, model.StatusRemoved} {
		if s.CanTransition(status) {
			from = append(from, string(s))
		}
	}
	return from
}

// TransitionSubmission performs a compare-and-set on the status column.
func (p *postgres) TransitionSubmission(ctx context.Context, id string, status model.SubmissionStatus, reason string, at time.Time) (*model.Submission, error) {
	tx, err := p.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	s, err := scanSubmission(tx.QueryRow(ctx, `UPDATE submissions SET status = $1, status_reason = $2, status_changed_at = $3
	                                           WHERE id = $4 AND status = ANY($5)
	                                           RETURNING `+submissionColumns,
		string(status), reason, at, id, allowedFrom(status)))
	if err != nil {
		if !errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("failed to update submission status: %w", err)
		}
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM submissions WHERE id = $1)`, id).Scan(&exists); err != nil {
			return nil, fmt.Errorf("failed to check submission: %w", err)
		}
		if !exists {
			return nil, ErrNotFound
		}
		return nil, ErrStatusConflict
	}

	if err := appendOp(ctx, tx, "submission.status", id, "system", map[string]string{"status": string(status), "reason": reason}); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit status change: %w", err)
	}
	return s, nil
}

const burnColumns = `id, action_type, user_address, recording_id, cost::text, status, created_at, metadata`

func scanBurn(row pgx.Row) (*model.BurnRecord, error) {
	var r model.BurnRecord
	var cost, status string
	var metadata []byte
	if err := row.Scan(&r.ID, &r.ActionType, &r.UserAddress, &r.RecordingID, &cost, &status, &r.CreatedAt, &metadata); err != nil {
		return nil, err
	}
	value, ok := new(big.Int).SetString(cost, 10)
	if !ok {
		return nil, fmt.Errorf("invalid stored cost %q", cost)
	}
	r.Cost = value
	r.Status = model.BurnStatus(status)
	if err := json.Unmarshal(metadata, &r.Metadata); err != nil {
		return nil, fmt.Errorf("failed to unmarshal burn metadata: %w", err)
	}
	return &r, nil
}

type queryRower interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func outstandingBurns(ctx context.Context, db queryRower, userAddress string) (*big.Int, error) {
	var sum string
	err := db.QueryRow(ctx, `SELECT COALESCE(SUM(cost), 0)::text FROM burn_records
	                         WHERE lower(user_address) = lower($1) AND status IN ('pending', 'dispatched')`, userAddress).Scan(&sum)
	if err != nil {
		return nil, fmt.Errorf("failed to sum outstanding burns: %w", err)
	}
	value, ok := new(big.Int).SetString(sum, 10)
	if !ok {
		return nil, fmt.Errorf("invalid outstanding sum %q", sum)
	}
	return value, nil
}

// CreateBurnRecord appends a burn record to the ledger. The affordability
// check runs under a transaction-scoped advisory lock on the user.
func (p *postgres) CreateBurnRecord(ctx context.Context, r model.BurnRecord, balance *big.Int) error {
	metadata := r.Metadata
	if metadata == nil {
		metadata = map[string]string{}
	}
	body, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal burn metadata: %w", err)
	}
	status := r.Status
	if status == "" {
		status = model.BurnPending
	}

	tx, err := p.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext('burns:' || lower($1)))`, r.UserAddress); err != nil {
		return fmt.Errorf("failed to lock user: %w", err)
	}
	outstanding, err := outstandingBurns(ctx, tx, r.UserAddress)
	if err != nil {
		return err
	}
	if new(big.Int).Sub(balance, outstanding).Cmp(r.Cost) < 0 {
		return ErrInsufficient
	}

	_, err = tx.Exec(ctx, `INSERT INTO burn_records (id, action_type, user_address, recording_id, cost, status, created_at, metadata)
	                       VALUES ($1, $2, $3, $4, $5::numeric, $6, $7, $8)`,
		r.ID, r.ActionType, r.UserAddress, r.RecordingID, r.Cost.String(), string(status), r.CreatedAt, body)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("failed to create burn record: %w", err)
	}
	if err := appendOp(ctx, tx, "burn.record", r.ID, r.UserAddress, map[string]string{"actionType": r.ActionType, "cost": r.Cost.String()}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// OutstandingBurns sums a user's pending and dispatched burn costs
func (p *postgres) OutstandingBurns(ctx context.Context, userAddress string) (*big.Int, error) {
	return outstandingBurns(ctx, p.db, userAddress)
}

func burnAllowedFrom(status model.BurnStatus) []string {
	var from []string
	for _, s := range []model.BurnStatus{model.BurnPending, model.BurnDispatched, model.BurnSettled, model.BurnFailed} {
		if s.CanTransition(status) {
			from = append(from, string(s))
		}
	}
	return from
}

// SetBurnStatus performs a compare-and-set on the burn status column
func (p *postgres) SetBurnStatus(ctx context.Context, id string, status model.BurnStatus) (*model.BurnRecord, error) {
	tx, err := p.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	r, err := scanBurn(tx.QueryRow(ctx, `UPDATE burn_records SET status = $1
	                                     WHERE id = $2 AND status = ANY($3)
	                                     RETURNING `+burnColumns,
		string(status), id, burnAllowedFrom(status)))
	if err != nil {
		if !errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("failed to update burn status: %w", err)
		}
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM burn_records WHERE id = $1)`, id).Scan(&exists); err != nil {
			return nil, fmt.Errorf("failed to check burn record: %w", err)
		}
		if !exists {
			return nil, ErrNotFound
		}
		return nil, ErrStatusConflict
	}

	if err := appendOp(ctx, tx, "burn.status", id, "system", map[string]string{"status": string(status)}); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit burn status: %w", err)
	}
	return r, nil
}

// ListBurnRecords lists a user's burn records, newest first
func (p *postgres) ListBurnRecords(ctx context.Context, userAddress string) ([]model.BurnRecord, error) {
	rows, err := p.db.Query(ctx, `SELECT `+burnColumns+`
	                              FROM burn_records WHERE lower(user_address) = lower($1) ORDER BY created_at DESC, id ASC`, userAddress)
	if err != nil {
		return nil, fmt.Errorf("failed to list burn records: %w", err)
	}
	defer rows.Close()

	records := make([]model.BurnRecord, 0)
	for rows.Next() {
		r, err := scanBurn(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan burn record: %w", err)
		}
		records = append(records, *r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating burn records: %w", err)
	}
	return records, nil
}

// StoreIdempotentResponse stores an idempotent response in the database
func (p *postgres) StoreIdempotentResponse(ctx context.Context, keyHash, requestHash string, responseBody []byte, statusCode int, expiresAt time.Time) error {
	// A live entry with the same key but a different payload is a conflict
	var existingRequestHash string
	err := p.db.QueryRow(ctx, `SELECT request_hash FROM idempotency WHERE key_hash = $1 AND request_hash != $2 AND expires_at > NOW() LIMIT 1`,
		keyHash, requestHash).Scan(&existingRequestHash)
	if err == nil {
		return ErrConflict
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("failed to check for idempotency conflicts: %w", err)
	}

	query := `INSERT INTO idempotency (key_hash, request_hash, response_body, response_status, created_at, expires_at)
	          VALUES ($1, $2, $3, $4, $5, $6)
	          ON CONFLICT (key_hash, request_hash) DO UPDATE
	          SET response_body = $3, response_status = $4, created_at = $5, expires_at = $6`

	_, err = p.db.Exec(ctx, query, keyHash, requestHash, responseBody, statusCode, time.Now().UTC(), expiresAt)
	if err != nil {
		return fmt.Errorf("failed to store idempotent response: %w", err)
	}
	return nil
}

// GetIdempotentResponse retrieves a cached idempotent response from the database
func (p *postgres) GetIdempotentResponse(ctx context.Context, keyHash, requestHash string) ([]byte, int, error) {
	query := `SELECT request_hash, response_body, response_status FROM idempotency
	          WHERE key_hash = $1 AND expires_at > $2 ORDER BY created_at DESC LIMIT 1`

	var storedHash string
	var responseBody []byte
	var statusCode int

	err := p.db.QueryRow(ctx, query, keyHash, time.Now().UTC()).Scan(&storedHash, &responseBody, &statusCode)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, 0, ErrNotFound
		}
		return nil, 0, fmt.Errorf("failed to get idempotent response: %w", err)
	}
	if storedHash != requestHash {
		return nil, 0, ErrConflict
	}
	return responseBody, statusCode, nil
}
