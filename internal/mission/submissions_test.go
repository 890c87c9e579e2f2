package mission

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	errordefs "github.com/RegistryAccord/registryaccord-missions-go/internal/errors"
	"github.com/RegistryAccord/registryaccord-missions-go/internal/event"
	"github.com/RegistryAccord/registryaccord-missions-go/internal/model"
	"github.com/RegistryAccord/registryaccord-missions-go/internal/ratelimit"
	"github.com/RegistryAccord/registryaccord-missions-go/internal/tier"
	"github.com/RegistryAccord/registryaccord-missions-go/internal/voice"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestSubmitMissionResponse(t *testing.T) {
	h := newHarness(t)
	m := h.createMission(t, validMission())

	req := validResponse(m.ID)
	req.Context = "<em>Fish</em> stalls"
	sub, err := h.mgr.SubmitMissionResponse(context.Background(), participant, req)
	require.NoError(t, err)

	assert.Len(t, sub.ID, 26)
	assert.Equal(t, model.StatusApproved, sub.Status)
	assert.Equal(t, "Fish stalls", sub.Context)
	assert.Equal(t, participant, sub.UserID)
	assert.Equal(t, h.clock.Now(), sub.SubmittedAt)
	assert.False(t, sub.VoiceObfuscated)
	assert.Contains(t, h.events.Types(), event.TypeSubmissionCreated)

	stored, err := h.mgr.GetSubmission(context.Background(), sub.ID)
	require.NoError(t, err)
	assert.Equal(t, sub.RecordingID, stored.RecordingID)
}

func TestSubmitMissionResponse_DefaultsUserToCaller(t *testing.T) {
	h := newHarness(t)
	m := h.createMission(t, validMission())

	req := validResponse(m.ID)
	req.UserID = ""
	sub, err := h.mgr.SubmitMissionResponse(context.Background(), participant, req)
	require.NoError(t, err)
	assert.Equal(t, participant, sub.UserID)

	req.UserID = strings.ToLower(participant)
	_, err = h.mgr.SubmitMissionResponse(context.Background(), participant, req)
	assert.NoError(t, err)
}

func TestSubmitMissionResponse_AddressMismatch(t *testing.T) {
	h := newHarness(t)
	m := h.createMission(t, validMission())

	_, err := h.mgr.SubmitMissionResponse(context.Background(), creator, validResponse(m.ID))
	requireCode(t, err, errordefs.MSN_ADDRESS_MISMATCH)
}

func TestSubmitMissionResponse_ExpiredRegardlessOfStoredFlag(t *testing.T) {
	h := newHarness(t)
	m := h.createMission(t, validMission())
	h.clock.Advance(7*24*time.Hour + time.Millisecond)

	stored, err := h.store.GetMission(context.Background(), m.ID)
	require.NoError(t, err)
	require.True(t, stored.IsActive)

	_, err = h.mgr.SubmitMissionResponse(context.Background(), participant, validResponse(m.ID))
	requireCode(t, err, errordefs.MSN_CONFLICT)
}

func TestSubmitMissionResponse_UnknownMission(t *testing.T) {
	h := newHarness(t)
	_, err := h.mgr.SubmitMissionResponse(context.Background(), participant, validResponse("missing"))
	requireCode(t, err, errordefs.MSN_NOT_FOUND)
}

func TestSubmitMissionResponse_RequiredFields(t *testing.T) {
	h := newHarness(t)
	m := h.createMission(t, validMission())
	badScore := 120

	cases := []struct {
		name   string
		mutate func(*model.SubmitResponseRequest)
		field  string
	}{
		{"no location", func(r *model.SubmitResponseRequest) { r.Location = nil }, "location.city"},
		{"city", func(r *model.SubmitResponseRequest) { r.Location = &model.Location{Country: "PT"} }, "location.city"},
		{"country", func(r *model.SubmitResponseRequest) { r.Location = &model.Location{City: "Porto"} }, "location.country"},
		{"context", func(r *model.SubmitResponseRequest) { r.Context = "<b></b>" }, "context"},
		{"recording", func(r *model.SubmitResponseRequest) { r.RecordingID = " " }, "recordingId"},
		{"consent", func(r *model.SubmitResponseRequest) { r.ParticipantConsent = nil }, "participantConsent"},
		{"score", func(r *model.SubmitResponseRequest) { r.QualityScore = &badScore }, "qualityScore"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := validResponse(m.ID)
			tc.mutate(&req)
			_, err := h.mgr.SubmitMissionResponse(context.Background(), participant, req)
			e := requireCode(t, err, errordefs.MSN_VALIDATION)
			assert.Equal(t, tc.field, e.Field)
		})
	}
}

func TestSubmitMissionResponse_FalseConsentIsAccepted(t *testing.T) {
	h := newHarness(t)
	m := h.createMission(t, validMission())

	req := validResponse(m.ID)
	req.ParticipantConsent = consent(false)
	sub, err := h.mgr.SubmitMissionResponse(context.Background(), participant, req)
	require.NoError(t, err)
	assert.False(t, sub.ParticipantConsent)
}

func TestSubmitMissionResponse_VoiceSynthesis(t *testing.T) {
	h := newLimitedHarness(t, 1)
	m := h.createMission(t, validMission())

	req := validResponse(m.ID)
	req.SynthesizeVoice = true
	sub, err := h.mgr.SubmitMissionResponse(context.Background(), participant, req)
	require.NoError(t, err)
	assert.True(t, sub.VoiceObfuscated)
	assert.Equal(t, "https://voice.test/out.mp3", sub.ObfuscatedAudioURL)
	require.Len(t, h.synth.calls, 1)
	assert.True(t, h.synth.calls[0].Obfuscate)
	assert.Equal(t, "good morning fresh fish today", h.synth.calls[0].Text)

	// the quota is checked before anything else, even for a bad payload
	req.UserID = creator
	_, err = h.mgr.SubmitMissionResponse(context.Background(), participant, req)
	e := requireCode(t, err, errordefs.MSN_RATE_LIMIT)
	assert.Equal(t, h.clock.Now().Add(time.Hour), e.ResetAt)
	assert.True(t, e.Retryable)

	// plain submissions are not limited
	_, err = h.mgr.SubmitMissionResponse(context.Background(), participant, validResponse(m.ID))
	assert.NoError(t, err)
}

func TestSubmitMissionResponse_VoiceProviderFailure(t *testing.T) {
	h := newHarness(t)
	m := h.createMission(t, validMission())
	h.synth.err = voice.ErrTimeout

	req := validResponse(m.ID)
	req.SynthesizeVoice = true
	_, err := h.mgr.SubmitMissionResponse(context.Background(), participant, req)
	e := requireCode(t, err, errordefs.MSN_UNAVAILABLE)
	assert.True(t, e.Retryable)

	subs, err := h.mgr.ListSubmissions(context.Background(), m.ID)
	require.NoError(t, err)
	assert.Empty(t, subs)
}

func submit(t *testing.T, h *harness, missionID string, mutate func(*model.SubmitResponseRequest)) *model.Submission {
	t.Helper()
	req := validResponse(missionID)
	if mutate != nil {
		mutate(&req)
	}
	sub, err := h.mgr.SubmitMissionResponse(context.Background(), participant, req)
	require.NoError(t, err)
	return sub
}

func TestModerate_Outcomes(t *testing.T) {
	h := newHarness(t)
	m := h.createMission(t, validMission())

	cases := []struct {
		name       string
		mutate     func(*model.SubmitResponseRequest)
		suggestion model.Suggestion
		status     model.SubmissionStatus
	}{
		{"clean", nil, model.SuggestApprove, model.StatusApproved},
		{"email", func(r *model.SubmitResponseRequest) {
			r.Transcription = "write to me at someone@example.com"
		}, model.SuggestReject, model.StatusRemoved},
		{"email in angle brackets", func(r *model.SubmitResponseRequest) {
			r.Transcription = "contact <jane.doe@example.com> after the show"
		}, model.SuggestReject, model.StatusRemoved},
		{"no consent", func(r *model.SubmitResponseRequest) {
			r.ParticipantConsent = consent(false)
		}, model.SuggestReview, model.StatusFlagged},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			sub := submit(t, h, m.ID, tc.mutate)
			result, err := h.mgr.Moderate(context.Background(), sub.ID)
			require.NoError(t, err)
			assert.Equal(t, tc.suggestion, result.Suggestion)

			got, err := h.mgr.GetSubmission(context.Background(), sub.ID)
			require.NoError(t, err)
			assert.Equal(t, tc.status, got.Status)
			require.NotNil(t, got.Moderation)
			assert.Equal(t, tc.suggestion, got.Moderation.Suggestion)
		})
	}
}

func TestSubmitMissionResponse_KeepsTranscriptionVerbatim(t *testing.T) {
	h := newHarness(t)
	m := h.createMission(t, validMission())

	sub := submit(t, h, m.ID, func(r *model.SubmitResponseRequest) {
		r.Transcription = "  ask for <jane.doe@example.com>  "
	})
	assert.Equal(t, "ask for <jane.doe@example.com>", sub.Transcription)

	result, err := h.mgr.Moderate(context.Background(), sub.ID)
	require.NoError(t, err)
	assert.Equal(t, model.SuggestReject, result.Suggestion)
}

func TestModerate_UsesMissionCriteria(t *testing.T) {
	h := newHarness(t)
	req := validMission()
	min := 90
	req.QualityCriteria = &model.QualityCriteria{AudioMinScore: &min}
	m := h.createMission(t, req)

	low := 40
	sub := submit(t, h, m.ID, func(r *model.SubmitResponseRequest) { r.QualityScore = &low })
	result, err := h.mgr.Moderate(context.Background(), sub.ID)
	require.NoError(t, err)
	assert.False(t, result.Passed)
	assert.Equal(t, model.SuggestReview, result.Suggestion)
}

func TestModerate_KeepsAdministratorDecision(t *testing.T) {
	h := newHarness(t)
	m := h.createMission(t, validMission())
	sub := submit(t, h, m.ID, func(r *model.SubmitResponseRequest) { r.ParticipantConsent = consent(false) })

	_, err := h.mgr.RemoveSubmission(context.Background(), sub.ID, "duplicate upload")
	require.NoError(t, err)

	_, err = h.mgr.Moderate(context.Background(), sub.ID)
	require.NoError(t, err)
	got, err := h.mgr.GetSubmission(context.Background(), sub.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusRemoved, got.Status)
	assert.Equal(t, "duplicate upload", got.StatusReason)
}

func TestFlagAndRemove(t *testing.T) {
	h := newHarness(t)
	m := h.createMission(t, validMission())
	sub := submit(t, h, m.ID, nil)

	_, err := h.mgr.FlagSubmission(context.Background(), sub.ID, "")
	requireCode(t, err, errordefs.MSN_VALIDATION)

	flagged, err := h.mgr.FlagSubmission(context.Background(), sub.ID, "background music")
	require.NoError(t, err)
	assert.Equal(t, model.StatusFlagged, flagged.Status)
	require.NotNil(t, flagged.StatusChangedAt)

	_, err = h.mgr.FlagSubmission(context.Background(), sub.ID, "again")
	requireCode(t, err, errordefs.MSN_CONFLICT)

	removed, err := h.mgr.RemoveSubmission(context.Background(), sub.ID, "confirmed")
	require.NoError(t, err)
	assert.Equal(t, model.StatusRemoved, removed.Status)

	_, err = h.mgr.RemoveSubmission(context.Background(), sub.ID, "twice")
	requireCode(t, err, errordefs.MSN_CONFLICT)
	_, err = h.mgr.FlagSubmission(context.Background(), "missing", "why")
	requireCode(t, err, errordefs.MSN_NOT_FOUND)

	assert.Contains(t, h.events.Types(), event.TypeSubmissionStatus)
}

func TestListSubmissions(t *testing.T) {
	h := newHarness(t)
	m := h.createMission(t, validMission())
	first := submit(t, h, m.ID, nil)
	h.clock.Advance(time.Second)
	second := submit(t, h, m.ID, nil)

	subs, err := h.mgr.ListSubmissions(context.Background(), m.ID)
	require.NoError(t, err)
	require.Len(t, subs, 2)
	assert.Equal(t, first.ID, subs[0].ID)
	assert.Equal(t, second.ID, subs[1].ID)

	_, err = h.mgr.ListSubmissions(context.Background(), "missing")
	requireCode(t, err, errordefs.MSN_NOT_FOUND)
}

func TestModerationWorkers_ProcessQueue(t *testing.T) {
	defer goleak.VerifyNone(t)

	h := newHarness(t)
	h.mgr.Start()
	m := h.createMission(t, validMission())
	sub := submit(t, h, m.ID, func(r *model.SubmitResponseRequest) {
		r.Transcription = "my number is 123-45-6789"
	})

	require.Eventually(t, func() bool {
		got, err := h.store.GetSubmission(context.Background(), sub.ID)
		return err == nil && got.Status == model.StatusRemoved
	}, 2*time.Second, 10*time.Millisecond)

	h.mgr.Close()
	assert.Contains(t, h.events.Types(), event.TypeSubmissionModerated)
}

func TestEnqueueModeration_FullQueueDoesNotBlock(t *testing.T) {
	h := newHarness(t, func(cfg *Config) { cfg.QueueSize = 1 })
	m := h.createMission(t, validMission())

	submit(t, h, m.ID, nil)
	done := make(chan error, 1)
	go func() {
		_, err := h.mgr.SubmitMissionResponse(context.Background(), participant, validResponse(m.ID))
		done <- err
	}()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("submission blocked on a full moderation queue")
	}
}

func TestGenerateVoice(t *testing.T) {
	h := newLimitedHarness(t, 2)
	h.balances.Set(participant, tier.Tokens(100))

	res, err := h.mgr.GenerateVoice(context.Background(), participant, VoiceRequest{Text: "  Hello there  "})
	require.NoError(t, err)
	assert.Equal(t, "https://voice.test/out.mp3", res.AudioURL)
	assert.Equal(t, "Hello there", h.synth.calls[0].Text)
	assert.False(t, h.synth.calls[0].Obfuscate)

	_, err = h.mgr.GenerateVoice(context.Background(), participant, VoiceRequest{Text: ""})
	requireCode(t, err, errordefs.MSN_VALIDATION)

	h.synth.err = errors.New("connection reset")
	_, err = h.mgr.GenerateVoice(context.Background(), participant, VoiceRequest{Text: "again"})
	requireCode(t, err, errordefs.MSN_UNAVAILABLE)

	_, err = h.mgr.GenerateVoice(context.Background(), participant, VoiceRequest{Text: "third"})
	requireCode(t, err, errordefs.MSN_RATE_LIMIT)
}

func TestGenerateVoice_DailyTierAllowance(t *testing.T) {
	h := newHarness(t, func(cfg *Config) {
		l := ratelimit.New(0, 24*time.Hour, ratelimit.WithClock(cfg.Clock))
		t.Cleanup(func() { _ = l.Close() })
		cfg.DailyVoiceLimiter = l
	})
	basic, _ := tier.Default.Get(tier.LevelBasic)
	h.balances.Set(participant, basic.Threshold)

	for i := 0; i < basic.Quotas.DailyVoiceGenerations; i++ {
		_, err := h.mgr.GenerateVoice(context.Background(), participant, VoiceRequest{Text: "hello"})
		require.NoError(t, err, "generation %d", i+1)
	}
	_, err := h.mgr.GenerateVoice(context.Background(), participant, VoiceRequest{Text: "hello"})
	e := requireCode(t, err, errordefs.MSN_RATE_LIMIT)
	assert.Equal(t, h.clock.Now().Add(24*time.Hour), e.ResetAt)
	assert.Len(t, h.synth.calls, basic.Quotas.DailyVoiceGenerations)

	// a premium holder gets the larger allowance
	h.balances.Set(participant, tier.Tokens(1_000))
	_, err = h.mgr.GenerateVoice(context.Background(), participant, VoiceRequest{Text: "hello"})
	assert.NoError(t, err)

	h.clock.Advance(24*time.Hour + time.Second)
	h.balances.Set(participant, basic.Threshold)
	_, err = h.mgr.GenerateVoice(context.Background(), participant, VoiceRequest{Text: "hello"})
	assert.NoError(t, err)
}

func TestSubmitMissionResponse_WeeklySaves(t *testing.T) {
	h := newHarness(t, func(cfg *Config) {
		l := ratelimit.New(0, 7*24*time.Hour, ratelimit.WithClock(cfg.Clock))
		t.Cleanup(func() { _ = l.Close() })
		cfg.WeeklySaveLimiter = l
	})
	m := h.createMission(t, validMission())
	none, _ := tier.Default.Get(tier.LevelNone)

	for i := 0; i < none.Quotas.FreeSavesPerWeek; i++ {
		submit(t, h, m.ID, nil)
	}
	_, err := h.mgr.SubmitMissionResponse(context.Background(), participant, validResponse(m.ID))
	requireCode(t, err, errordefs.MSN_RATE_LIMIT)

	// invalid payloads never use up a save
	bad := validResponse(m.ID)
	bad.Context = ""
	_, err = h.mgr.SubmitMissionResponse(context.Background(), participant, bad)
	requireCode(t, err, errordefs.MSN_VALIDATION)

	subs, err := h.mgr.ListSubmissions(context.Background(), m.ID)
	require.NoError(t, err)
	assert.Len(t, subs, none.Quotas.FreeSavesPerWeek)
}

func TestGenerateVoice_RequiresTierFeature(t *testing.T) {
	h := newHarness(t)
	h.balances.Set(participant, tier.Tokens(10))

	_, err := h.mgr.GenerateVoice(context.Background(), participant, VoiceRequest{Text: "hi"})
	requireCode(t, err, errordefs.MSN_ELIGIBILITY)
	assert.Empty(t, h.synth.calls)
}

func TestGenerateVoice_ProviderErrors(t *testing.T) {
	h := newHarness(t)
	h.balances.Set(participant, tier.Tokens(100))

	h.synth.err = voice.ErrRejected
	_, err := h.mgr.GenerateVoice(context.Background(), participant, VoiceRequest{Text: "hi"})
	requireCode(t, err, errordefs.MSN_VALIDATION)

	h.mgr.voice = nil
	_, err = h.mgr.GenerateVoice(context.Background(), participant, VoiceRequest{Text: "hi"})
	requireCode(t, err, errordefs.MSN_UNAVAILABLE)
}
