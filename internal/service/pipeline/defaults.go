package pipeline

import "time"

// Defaults holds every value the orchestrator fills in when a request or a
// backend leaves it unspecified.
type Defaults struct {
	Voice            string
	Language         string
	Speed            float64
	Confidence       float64
	ArtifactTTL      time.Duration
	BackendTimeout   time.Duration
	VoiceUserID      string
	DetectedLanguage string
}

// DefaultDefaults returns the stock defaults.
func DefaultDefaults() Defaults {
	return Defaults{
		Voice:            "default",
		Language:         "en",
		Speed:            1.0,
		Confidence:       0.95,
		ArtifactTTL:      300 * time.Second,
		BackendTimeout:   30 * time.Second,
		VoiceUserID:      "voice_user",
		DetectedLanguage: "auto-detected",
	}
}

// withFallbacks replaces zero fields with the stock defaults.
func (d Defaults) withFallbacks() Defaults {
	base := DefaultDefaults()
	if d.Voice == "" {
		d.Voice = base.Voice
	}
	if d.Language == "" {
		d.Language = base.Language
	}
	if d.Speed <= 0 {
		d.Speed = base.Speed
	}
	if d.Confidence <= 0 || d.Confidence > 1 {
		d.Confidence = base.Confidence
	}
	if d.ArtifactTTL <= 0 {
		d.ArtifactTTL = base.ArtifactTTL
	}
	if d.BackendTimeout <= 0 {
		d.BackendTimeout = base.BackendTimeout
	}
	if d.VoiceUserID == "" {
		d.VoiceUserID = base.VoiceUserID
	}
	if d.DetectedLanguage == "" {
		d.DetectedLanguage = base.DetectedLanguage
	}
	return d
}
