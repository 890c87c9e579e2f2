// Package moderation scores submissions and classifies them as approve,
// reject or review. Evaluation is pure: no network calls, no clock.
package moderation

import (
	"fmt"
	"math"
	"strings"

	"github.com/RegistryAccord/registryaccord-missions-go/internal/model"
)

// Confidence contributions.
const (
	baseConfidence          = 0.4
	transcriptionConfidence = 0.35
	qualityScoreConfidence  = 0.15
	maxConfidence           = 0.95
)

// Detection is the outcome of the violation scan alone.
type Detection struct {
	Violations []model.Violation `json:"violations"`
	Confidence float64           `json:"confidence"`
}

// Evaluator is the moderation contract. Alternative implementations, such as a
// model-backed classifier, plug in behind it.
type Evaluator interface {
	EvaluateQuality(sub model.Submission, criteria *model.QualityCriteria) model.ModerationResult
	DetectViolations(sub model.Submission) Detection
}

// RuleEvaluator is the keyword and regex implementation of Evaluator.
type RuleEvaluator struct {
	profanity  keywordSet
	hateSpeech keywordSet
	pii        []piiPattern
}

// Option configures a RuleEvaluator.
type Option func(*ruleConfig)

type ruleConfig struct {
	profanity  []string
	hateSpeech []string
}

// WithProfanity adds terms to the profanity set.
func WithProfanity(terms ...string) Option {
	return func(c *ruleConfig) { c.profanity = append(c.profanity, terms...) }
}

// WithHateSpeech adds terms to the hate-speech set.
func WithHateSpeech(terms ...string) Option {
	return func(c *ruleConfig) { c.hateSpeech = append(c.hateSpeech, terms...) }
}

// NewRuleEvaluator builds an evaluator over the default rule sets plus any
// extra terms.
func NewRuleEvaluator(opts ...Option) *RuleEvaluator {
	cfg := &ruleConfig{
		profanity:  append([]string(nil), defaultProfanity...),
		hateSpeech: append([]string(nil), defaultHateSpeech...),
	}
	for _, opt := range opts {
		opt(cfg)
	}
	return &RuleEvaluator{
		profanity:  newKeywordSet(cfg.profanity),
		hateSpeech: newKeywordSet(cfg.hateSpeech),
		pii:        defaultPII,
	}
}

// DetectViolations scans the transcription and consent flag.
func (e *RuleEvaluator) DetectViolations(sub model.Submission) Detection {
	var violations []model.Violation
	confidence := baseConfidence

	if text := strings.TrimSpace(sub.Transcription); text != "" {
		confidence += transcriptionConfidence
		tokens := tokenize(text)

		for _, term := range e.profanity.match(tokens) {
			violations = append(violations, model.Violation{
				Category: model.ViolationProfanity,
				Severity: model.SeverityMajor,
				Detail:   fmt.Sprintf("profanity detected: %q", term),
			})
		}
		for _, term := range e.hateSpeech.match(tokens) {
			violations = append(violations, model.Violation{
				Category: model.ViolationHateSpeech,
				Severity: model.SeverityMajor,
				Detail:   fmt.Sprintf("hate speech detected: %q", term),
			})
		}
		for _, p := range e.pii {
			if p.re.MatchString(text) {
				violations = append(violations, model.Violation{
					Category: model.ViolationPII,
					Severity: model.SeverityMajor,
					Detail:   "personal data detected: " + p.name,
				})
			}
		}
	}

	if sub.QualityScore != nil {
		confidence += qualityScoreConfidence
	}

	if !sub.ParticipantConsent {
		violations = append(violations, model.Violation{
			Category: model.ViolationConsent,
			Severity: model.SeverityMinor,
			Detail:   "participant consent missing",
		})
	}

	return Detection{Violations: violations, Confidence: math.Min(confidence, maxConfidence)}
}

// EvaluateQuality runs the violation scan, applies the mission's criteria and
// derives the suggestion.
func (e *RuleEvaluator) EvaluateQuality(sub model.Submission, criteria *model.QualityCriteria) model.ModerationResult {
	det := e.DetectViolations(sub)
	violations := det.Violations
	audioScore := AudioScore(sub)
	audioMet := true
	transcribed := strings.TrimSpace(sub.Transcription) != ""

	if criteria != nil {
		if criteria.TranscriptionRequired && !transcribed {
			violations = append(violations, model.Violation{
				Category: model.ViolationTranscription,
				Severity: model.SeverityMinor,
				Detail:   "transcription required",
			})
		}
		if criteria.AudioMinScore != nil && *criteria.AudioMinScore > audioScore {
			audioMet = false
			violations = append(violations, model.Violation{
				Category: model.ViolationAudioQuality,
				Severity: model.SeverityMinor,
				Detail:   fmt.Sprintf("audio score %d below minimum %d", audioScore, *criteria.AudioMinScore),
			})
		}
	}

	if violations == nil {
		violations = []model.Violation{}
	}
	return model.ModerationResult{
		Passed:            len(violations) == 0 && audioMet,
		AudioQualityScore: audioScore,
		HasViolations:     len(violations) > 0,
		Violations:        violations,
		IsTranscribed:     transcribed,
		Confidence:        det.Confidence,
		Suggestion:        suggest(violations),
	}
}

func suggest(violations []model.Violation) model.Suggestion {
	if len(violations) == 0 {
		return model.SuggestApprove
	}
	for _, v := range violations {
		if v.Category.Severe() {
			return model.SuggestReject
		}
	}
	return model.SuggestReview
}

// Default is the evaluator built from the default rule sets.
var Default Evaluator = NewRuleEvaluator()
