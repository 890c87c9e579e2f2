package mission

import (
	"context"
	"crypto/rand"
	"strings"
	"time"
	"unicode/utf8"

	errordefs "github.com/RegistryAccord/registryaccord-missions-go/internal/errors"
	"github.com/RegistryAccord/registryaccord-missions-go/internal/event"
	"github.com/RegistryAccord/registryaccord-missions-go/internal/model"
	"github.com/RegistryAccord/registryaccord-missions-go/internal/voice"
	"github.com/oklog/ulid/v2"
)

// SubmitMissionResponse stores a participant's response as approved and queues
// it for moderation. Requests that ask for voice synthesis count against the
// shared voice quota before anything else is checked.
func (m *Manager) SubmitMissionResponse(ctx context.Context, caller string, req model.SubmitResponseRequest) (*model.Submission, error) {
	if req.SynthesizeVoice {
		if err := m.checkVoiceQuota(ctx, caller); err != nil {
			return nil, err
		}
	}

	userID := strings.TrimSpace(req.UserID)
	if userID == "" {
		userID = caller
	}
	if !sameAddress(userID, caller) {
		return nil, errordefs.New(errordefs.MSN_ADDRESS_MISMATCH, "userId does not match the authenticated wallet")
	}

	mission, err := m.GetMission(ctx, req.MissionID)
	if err != nil {
		return nil, err
	}
	if !mission.IsActive {
		return nil, errordefs.Conflict("mission is not active")
	}

	sub, err := buildSubmission(req, caller)
	if err != nil {
		return nil, err
	}
	if err := m.checkSaveQuota(ctx, caller); err != nil {
		return nil, err
	}

	if req.SynthesizeVoice {
		text := sub.Transcription
		if text == "" {
			text = strings.TrimSpace(req.Context)
		}
		res, err := m.synthesize(ctx, voice.Request{Text: text, Obfuscate: true})
		if err != nil {
			return nil, err
		}
		sub.VoiceObfuscated = true
		sub.ObfuscatedAudioURL = res.AudioURL
	}

	id, err := ulid.New(ulid.Timestamp(m.now()), rand.Reader)
	if err != nil {
		return nil, errordefs.Internal("failed to generate submission id", err)
	}
	sub.ID = id.String()
	sub.SubmittedAt = m.now().UTC()
	sub.Status = model.StatusApproved

	start := time.Now()
	err = m.store.CreateSubmission(ctx, *sub)
	m.metrics.ObserveStorage("create_submission", start, err)
	if err != nil {
		return nil, storeErr("submission", err)
	}

	m.publish(ctx, event.TypeSubmissionCreated, func() error {
		return m.events.PublishSubmissionCreated(ctx, *sub)
	})
	m.enqueueModeration(ctx, sub.ID)
	return sub, nil
}

// checkSaveQuota counts the submission against the caller's weekly saves.
func (m *Manager) checkSaveQuota(ctx context.Context, caller string) error {
	if m.weeklySaves == nil {
		return nil
	}
	current, _, err := m.callerTier(ctx, caller)
	if err != nil {
		return err
	}
	return m.checkTierQuota(ctx, m.weeklySaves, weeklySaveLimiterName, caller, current.Quotas.FreeSavesPerWeek)
}

// buildSubmission validates the required fields in order and sanitizes text.
func buildSubmission(req model.SubmitResponseRequest, caller string) (*model.Submission, error) {
	if req.Location == nil || strings.TrimSpace(req.Location.City) == "" {
		return nil, errordefs.Validation("location.city", "is required")
	}
	if strings.TrimSpace(req.Location.Country) == "" {
		return nil, errordefs.Validation("location.country", "is required")
	}
	if lat := req.Location.Latitude; lat != nil && (*lat < -90 || *lat > 90) {
		return nil, errordefs.Validation("location.lat", "must be between -90 and 90")
	}
	if lng := req.Location.Longitude; lng != nil && (*lng < -180 || *lng > 180) {
		return nil, errordefs.Validation("location.lng", "must be between -180 and 180")
	}
	description := sanitizeText(req.Context)
	if description == "" {
		return nil, errordefs.Validation("context", "is required")
	}
	if utf8.RuneCountInString(description) > MaxTextLength {
		return nil, errordefs.Validation("context", "is too long")
	}
	transcription := strings.TrimSpace(req.Transcription)
	if utf8.RuneCountInString(transcription) > MaxTranscriptionLength {
		return nil, errordefs.Validation("transcription", "is too long")
	}
	if strings.TrimSpace(req.RecordingID) == "" {
		return nil, errordefs.Validation("recordingId", "is required")
	}
	if req.ParticipantConsent == nil {
		return nil, errordefs.Validation("participantConsent", "is required")
	}
	if q := req.QualityScore; q != nil && (*q < 0 || *q > 100) {
		return nil, errordefs.Validation("qualityScore", "must be between 0 and 100")
	}
	if a := req.Audio; a != nil && (a.DurationSeconds < 0 || a.BitrateKbps < 0 || a.SampleRateHz < 0) {
		return nil, errordefs.Validation("audio", "values must not be negative")
	}

	sub := &model.Submission{
		MissionID:   req.MissionID,
		UserID:      caller,
		RecordingID: strings.TrimSpace(req.RecordingID),
		ContentHash: strings.TrimSpace(req.ContentHash),
		Location: model.Location{
			City:      sanitizeText(req.Location.City),
			Country:   sanitizeText(req.Location.Country),
			Latitude:  req.Location.Latitude,
			Longitude: req.Location.Longitude,
		},
		Context:            description,
		ParticipantConsent: *req.ParticipantConsent,
		ConsentProof:       strings.TrimSpace(req.ConsentProof),
		IsAnonymized:       req.IsAnonymized,
		VoiceObfuscated:    req.VoiceObfuscated,
		Transcription:      transcription, // stored and moderated verbatim
		QualityScore:       req.QualityScore,
	}
	if req.Audio != nil {
		audio := *req.Audio
		sub.Audio = &audio
	}
	return sub, nil
}

// GetSubmission returns one submission.
func (m *Manager) GetSubmission(ctx context.Context, id string) (*model.Submission, error) {
	start := time.Now()
	sub, err := m.store.GetSubmission(ctx, id)
	m.metrics.ObserveStorage("get_submission", start, err)
	if err != nil {
		return nil, storeErr("submission", err)
	}
	return sub, nil
}

// ListSubmissions returns a mission's submissions, oldest first.
func (m *Manager) ListSubmissions(ctx context.Context, missionID string) ([]model.Submission, error) {
	if _, err := m.GetMission(ctx, missionID); err != nil {
		return nil, err
	}
	start := time.Now()
	subs, err := m.store.ListSubmissions(ctx, missionID)
	m.metrics.ObserveStorage("list_submissions", start, err)
	if err != nil {
		return nil, storeErr("submission", err)
	}
	if subs == nil {
		subs = []model.Submission{}
	}
	return subs, nil
}

// FlagSubmission marks an approved submission for review.
func (m *Manager) FlagSubmission(ctx context.Context, id, reason string) (*model.Submission, error) {
	return m.transition(ctx, id, model.StatusFlagged, reason)
}

// RemoveSubmission takes a submission down. Removal is final.
func (m *Manager) RemoveSubmission(ctx context.Context, id, reason string) (*model.Submission, error) {
	return m.transition(ctx, id, model.StatusRemoved, reason)
}

func (m *Manager) transition(ctx context.Context, id string, status model.SubmissionStatus, reason string) (*model.Submission, error) {
	reason = sanitizeText(reason)
	if reason == "" {
		return nil, errordefs.Validation("reason", "is required")
	}

	start := time.Now()
	sub, err := m.store.TransitionSubmission(ctx, id, status, reason, m.now().UTC())
	m.metrics.ObserveStorage("transition_submission", start, err)
	if err != nil {
		return nil, storeErr("submission", err)
	}

	m.publish(ctx, event.TypeSubmissionStatus, func() error {
		return m.events.PublishSubmissionStatusChanged(ctx, *sub)
	})
	return sub, nil
}
