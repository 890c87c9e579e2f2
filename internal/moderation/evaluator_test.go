package moderation_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/RegistryAccord/registryaccord-missions-go/internal/model"
	"github.com/RegistryAccord/registryaccord-missions-go/internal/moderation"
)

func intPtr(v int) *int { return &v }

func cleanSubmission() model.Submission {
	return model.Submission{
		Transcription:      "The market opens at dawn and the fishermen bring in the morning catch.",
		ParticipantConsent: true,
		QualityScore:       intPtr(80),
	}
}

func categories(vs []model.Violation) []model.ViolationCategory {
	out := make([]model.ViolationCategory, 0, len(vs))
	for _, v := range vs {
		out = append(out, v.Category)
	}
	return out
}

func TestEvaluateQuality_CleanSubmissionApproves(t *testing.T) {
	res := moderation.NewRuleEvaluator().EvaluateQuality(cleanSubmission(), nil)

	assert.True(t, res.Passed)
	assert.False(t, res.HasViolations)
	assert.Empty(t, res.Violations)
	assert.Equal(t, model.SuggestApprove, res.Suggestion)
	assert.True(t, res.IsTranscribed)
	assert.Equal(t, 80, res.AudioQualityScore)
	assert.InDelta(t, 0.9, res.Confidence, 1e-9)
}

func TestEvaluateQuality_EmailIsRejected(t *testing.T) {
	sub := cleanSubmission()
	sub.Transcription = "You can reach me at Jane.Doe@example.com any time."

	res := moderation.NewRuleEvaluator().EvaluateQuality(sub, nil)

	assert.False(t, res.Passed)
	assert.True(t, res.HasViolations)
	assert.Contains(t, categories(res.Violations), model.ViolationPII)
	assert.Equal(t, model.SuggestReject, res.Suggestion)
}

func TestEvaluateQuality_MissingConsentNeedsReview(t *testing.T) {
	sub := cleanSubmission()
	sub.ParticipantConsent = false

	res := moderation.NewRuleEvaluator().EvaluateQuality(sub, nil)

	assert.False(t, res.Passed)
	assert.Equal(t, []model.ViolationCategory{model.ViolationConsent}, categories(res.Violations))
	assert.Equal(t, model.SuggestReview, res.Suggestion)
}

func TestEvaluateQuality_HarmlessSpeechApproves(t *testing.T) {
	sub := cleanSubmission()
	sub.Transcription = "My skill allows me to bake bread. We went to a Las Vegas theater show."
	res := moderation.NewRuleEvaluator().EvaluateQuality(sub, nil)

	assert.Equal(t, model.SuggestApprove, res.Suggestion)
	assert.Empty(t, res.Violations)
}

func TestEvaluateQuality_SevereWinsOverMinor(t *testing.T) {
	sub := cleanSubmission()
	sub.ParticipantConsent = false
	sub.Transcription = "this is bullshit"

	res := moderation.NewRuleEvaluator().EvaluateQuality(sub, nil)
	assert.Equal(t, model.SuggestReject, res.Suggestion)
}

func TestDetectViolations(t *testing.T) {
	e := moderation.NewRuleEvaluator()

	tests := []struct {
		name string
		text string
		want []model.ViolationCategory
	}{
		{"profanity case-insensitive", "What the FUCK happened", []model.ViolationCategory{model.ViolationProfanity}},
		{"profanity needs whole word", "the shitake mushrooms were grown in Scunthorpe", nil},
		{"hate speech phrase across whitespace", "they said ethnic\n  cleansing was the plan", []model.ViolationCategory{model.ViolationHateSpeech}},
		{"phrase inside a word", "My skill allows me to bake bread", nil},
		{"phrase across a word boundary", "We went to a Las Vegas theater show", nil},
		{"phrase prefix of a longer word", "a white powerful engine", nil},
		{"phrase on word boundaries", "someone yelled kill all of them", []model.ViolationCategory{model.ViolationHateSpeech}},
		{"ssn", "my number is 123-45-6789", []model.ViolationCategory{model.ViolationPII}},
		{"card", "card 4111 1111 1111 1111 expires soon", []model.ViolationCategory{model.ViolationPII}},
		{"card without separators", "4111111111111111", []model.ViolationCategory{model.ViolationPII}},
		{"phone is not an ssn", "call 555-1234", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			det := e.DetectViolations(model.Submission{Transcription: tt.text, ParticipantConsent: true})
			if tt.want == nil {
				assert.Empty(t, det.Violations)
				return
			}
			assert.Equal(t, tt.want, categories(det.Violations))
		})
	}
}

func TestDetectViolations_Confidence(t *testing.T) {
	e := moderation.NewRuleEvaluator()

	noText := e.DetectViolations(model.Submission{ParticipantConsent: true})
	assert.InDelta(t, 0.4, noText.Confidence, 1e-9)
	assert.Empty(t, noText.Violations)

	textOnly := e.DetectViolations(model.Submission{Transcription: "hello", ParticipantConsent: true})
	assert.InDelta(t, 0.75, textOnly.Confidence, 1e-9)

	all := e.DetectViolations(model.Submission{Transcription: "hello", QualityScore: intPtr(10), ParticipantConsent: true})
	assert.InDelta(t, 0.9, all.Confidence, 1e-9)
	assert.LessOrEqual(t, all.Confidence, 0.95)
}

func TestEvaluateQuality_Criteria(t *testing.T) {
	e := moderation.NewRuleEvaluator()

	t.Run("transcription required", func(t *testing.T) {
		sub := cleanSubmission()
		sub.Transcription = ""
		res := e.EvaluateQuality(sub, &model.QualityCriteria{TranscriptionRequired: true})
		assert.False(t, res.Passed)
		assert.False(t, res.IsTranscribed)
		assert.Equal(t, []model.ViolationCategory{model.ViolationTranscription}, categories(res.Violations))
		assert.Equal(t, model.SuggestReview, res.Suggestion)
	})

	t.Run("audio below minimum", func(t *testing.T) {
		sub := cleanSubmission()
		sub.QualityScore = intPtr(40)
		res := e.EvaluateQuality(sub, &model.QualityCriteria{AudioMinScore: intPtr(60)})
		assert.False(t, res.Passed)
		assert.Equal(t, []model.ViolationCategory{model.ViolationAudioQuality}, categories(res.Violations))
	})

	t.Run("audio at minimum passes", func(t *testing.T) {
		sub := cleanSubmission()
		sub.QualityScore = intPtr(60)
		res := e.EvaluateQuality(sub, &model.QualityCriteria{AudioMinScore: intPtr(60)})
		assert.True(t, res.Passed)
	})

	t.Run("metadata score used without quality score", func(t *testing.T) {
		sub := cleanSubmission()
		sub.QualityScore = nil
		sub.Audio = &model.AudioMetadata{DurationSeconds: 45, BitrateKbps: 192, SampleRateHz: 48000, Format: "wav"}
		res := e.EvaluateQuality(sub, &model.QualityCriteria{AudioMinScore: intPtr(90)})
		assert.Equal(t, 100, res.AudioQualityScore)
		assert.True(t, res.Passed)
	})
}

func TestWithProfanity_ExtendsDefaults(t *testing.T) {
	e := moderation.NewRuleEvaluator(moderation.WithProfanity("frak"))
	det := e.DetectViolations(model.Submission{Transcription: "Frak this", ParticipantConsent: true})
	require.Len(t, det.Violations, 1)
	assert.Equal(t, model.ViolationProfanity, det.Violations[0].Category)
}
