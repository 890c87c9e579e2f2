// internal/model/moderation.go
package model

// ViolationCategory names the rule family that produced a violation.
type ViolationCategory string

const (
	ViolationProfanity     ViolationCategory = "profanity"
	ViolationHateSpeech    ViolationCategory = "hate_speech"
	ViolationPII           ViolationCategory = "pii"
	ViolationConsent       ViolationCategory = "consent"
	ViolationTranscription ViolationCategory = "transcription"
	ViolationAudioQuality  ViolationCategory = "audio_quality"
)

// Severe reports whether a violation of this category forces rejection.
func (c ViolationCategory) Severe() bool {
	switch c {
	case ViolationProfanity, ViolationHateSpeech, ViolationPII:
		return true
	}
	return false
}

// Severity grades a violation.
type Severity string

const (
	SeverityMajor Severity = "major"
	SeverityMinor Severity = "minor"
)

// Violation is one moderation finding.
type Violation struct {
	Category ViolationCategory `json:"category"`
	Severity Severity          `json:"severity"`
	Detail   string            `json:"detail"`
}

// Suggestion is the pipeline's recommended outcome.
type Suggestion string

const (
	SuggestApprove Suggestion = "approve"
	SuggestReject  Suggestion = "reject"
	SuggestReview  Suggestion = "review"
)

// ModerationResult is the verdict for one submission.
type ModerationResult struct {
	Passed            bool        `json:"passed"`
	AudioQualityScore int         `json:"audioQualityScore"`
	HasViolations     bool        `json:"hasViolations"`
	Violations        []Violation `json:"violations"`
	IsTranscribed     bool        `json:"isTranscribed"`
	Confidence        float64     `json:"confidence"`
	Suggestion        Suggestion  `json:"suggestion"`
}
