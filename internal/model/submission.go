// internal/model/submission.go
package model

import (
	"time"
)

// SubmissionStatus is the moderation state of a submission.
type SubmissionStatus string

const (
	StatusApproved SubmissionStatus = "approved"
	StatusFlagged  SubmissionStatus = "flagged"
	StatusRemoved  SubmissionStatus = "removed"
)

// CanTransition reports whether a submission may move from s to next.
// Status never returns to approved.
func (s SubmissionStatus) CanTransition(next SubmissionStatus) bool {
	switch s {
	case StatusApproved:
		return next == StatusFlagged || next == StatusRemoved
	case StatusFlagged:
		return next == StatusRemoved
	}
	return false
}

// Location is where a response was recorded.
type Location struct {
	City      string   `json:"city"`
	Country   string   `json:"country"`
	Latitude  *float64 `json:"lat,omitempty"`
	Longitude *float64 `json:"lng,omitempty"`
}

// AudioMetadata describes the uploaded recording.
type AudioMetadata struct {
	DurationSeconds float64 `json:"durationSeconds"`
	BitrateKbps     int     `json:"bitrate"`
	SampleRateHz    int     `json:"sampleRate"`
	Format          string  `json:"format"`
}

// Submission is a participant's recorded response to a mission.
// This corresponds to the submissions table in storage.
type Submission struct {
	ID                 string            `json:"id" db:"id"`                                             // ULID, time-ordered
	SubmittedAt        time.Time         `json:"submittedAt" db:"submitted_at"`                          // Immutable
	MissionID          string            `json:"missionId" db:"mission_id"`                              // Parent mission
	UserID             string            `json:"userId" db:"user_id"`                                    // Participant wallet
	RecordingID        string            `json:"recordingId" db:"recording_id"`                          // Stored recording reference
	ContentHash        string            `json:"contentHash,omitempty" db:"content_hash"`                // Optional content hash
	Location           Location          `json:"location" db:"location"`                                 // Where it was recorded
	Context            string            `json:"context" db:"context"`                                   // Participant's description
	ParticipantConsent bool              `json:"participantConsent" db:"participant_consent"`            // Consent to publish
	ConsentProof       string            `json:"consentProof,omitempty" db:"consent_proof"`              // Optional proof reference
	IsAnonymized       bool              `json:"isAnonymized" db:"is_anonymized"`                        // Identity removed
	VoiceObfuscated    bool              `json:"voiceObfuscated" db:"voice_obfuscated"`                  // Voice altered
	ObfuscatedAudioURL string            `json:"obfuscatedAudioUrl,omitempty" db:"obfuscated_audio_url"` // Provider output when synthesized
	Transcription      string            `json:"transcription,omitempty" db:"transcription"`             // Optional text
	QualityScore       *int              `json:"qualityScore,omitempty" db:"quality_score"`              // Optional 0..100
	Audio              *AudioMetadata    `json:"audio,omitempty" db:"audio"`                             // Optional metadata
	Status             SubmissionStatus  `json:"status" db:"status"`                                     // approved, flagged or removed
	StatusReason       string            `json:"statusReason,omitempty" db:"status_reason"`              // Why it was flagged or removed
	StatusChangedAt    *time.Time        `json:"statusChangedAt,omitempty" db:"status_changed_at"`
	Moderation         *ModerationResult `json:"moderation,omitempty" db:"moderation"` // Recorded by the async pipeline
}

// SubmitResponseRequest represents the request body for submitting a response.
// Pointer fields distinguish "absent" from the zero value.
type SubmitResponseRequest struct {
	MissionID          string         `json:"missionId"`
	UserID             string         `json:"userId"`
	RecordingID        string         `json:"recordingId"`
	ContentHash        string         `json:"contentHash,omitempty"`
	Location           *Location      `json:"location"`
	Context            string         `json:"context"`
	ParticipantConsent *bool          `json:"participantConsent"`
	ConsentProof       string         `json:"consentProof,omitempty"`
	IsAnonymized       bool           `json:"isAnonymized,omitempty"`
	VoiceObfuscated    bool           `json:"voiceObfuscated,omitempty"`
	Transcription      string         `json:"transcription,omitempty"`
	QualityScore       *int           `json:"qualityScore,omitempty"`
	Audio              *AudioMetadata `json:"audio,omitempty"`
	// SynthesizeVoice asks the service to generate obfuscated audio with the
	// voice provider. Such submissions count against the voice quota.
	SynthesizeVoice bool `json:"synthesizeVoice,omitempty"`
}

// StatusChangeRequest is the body of flag/remove calls.
type StatusChangeRequest struct {
	Reason string `json:"reason"`
}
