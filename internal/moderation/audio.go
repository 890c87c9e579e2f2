package moderation

import (
	"math"
	"strings"

	"github.com/RegistryAccord/registryaccord-missions-go/internal/model"
)

// Containers the pipeline recognises.
var knownFormats = map[string]struct{}{
	"mp3": {}, "wav": {}, "m4a": {}, "aac": {}, "ogg": {}, "webm": {}, "flac": {},
}

// AnalyzeAudioQuality scores recording metadata on a 0..100 scale.
func AnalyzeAudioQuality(meta model.AudioMetadata) int {
	score := 50

	switch {
	case meta.BitrateKbps >= 128:
		score += 20
	case meta.BitrateKbps >= 64:
		score += 10
	}

	switch {
	case meta.SampleRateHz >= 44100:
		score += 15
	case meta.SampleRateHz >= 22050:
		score += 8
	}

	switch {
	case meta.DurationSeconds >= 30:
		score += 10
	case meta.DurationSeconds < 10:
		score -= 15
	}

	format := strings.ToLower(strings.TrimPrefix(strings.TrimSpace(meta.Format), "."))
	if _, ok := knownFormats[format]; ok {
		score += 5
	}

	return clamp(score, 0, 100)
}

// AudioScore is the submission's quality score when present, else the metadata
// score, else 0.
func AudioScore(sub model.Submission) int {
	if sub.QualityScore != nil {
		return *sub.QualityScore
	}
	if sub.Audio != nil {
		return AnalyzeAudioQuality(*sub.Audio)
	}
	return 0
}

// TranscriptionCheck compares a transcription's length with what the recording
// duration predicts.
type TranscriptionCheck struct {
	Valid             bool    `json:"valid"`
	ExpectedWords     int     `json:"expectedWords"`
	ActualWords       int     `json:"actualWords"`
	Deviation         float64 `json:"deviation"`
	EstimatedAccuracy float64 `json:"estimatedAccuracy"`
}

// wordsPerMinute is the assumed speaking rate.
const wordsPerMinute = 130

// ValidateTranscription checks a transcription against the recording duration.
// A non-positive duration yields an invalid check with deviation 1.
func ValidateTranscription(text string, durationSeconds float64) TranscriptionCheck {
	actual := len(strings.Fields(text))
	expected := durationSeconds / 60 * wordsPerMinute

	deviation := 1.0
	if expected > 0 {
		deviation = math.Abs(float64(actual)-expected) / expected
	}

	return TranscriptionCheck{
		Valid:             expected > 0 && deviation < 0.5,
		ExpectedWords:     int(math.Round(expected)),
		ActualWords:       actual,
		Deviation:         deviation,
		EstimatedAccuracy: math.Min(0.99, math.Max(0.7, 1-deviation)),
	}
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
