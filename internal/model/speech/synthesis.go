package speech

import (
	"errors"
	"strings"
	"time"
)

var (
	// ErrInvalidInput marks synthesis requests a backend refuses to process.
	ErrInvalidInput = errors.New("invalid synthesis input")
	// ErrInvalidAudio marks audio that is empty or cannot be decoded.
	ErrInvalidAudio = errors.New("invalid audio")
)

// SynthesisRequest 语音合成请求
type SynthesisRequest struct {
	Text     string  `json:"text"`
	Voice    string  `json:"voice,omitempty"`
	Language string  `json:"language,omitempty"`
	Speed    float64 `json:"speed,omitempty"`
}

// Validate reports whether the request can be dispatched to a backend.
// Defaults must already be applied.
func (r SynthesisRequest) Validate() error {
	if strings.TrimSpace(r.Text) == "" {
		return errors.Join(ErrInvalidInput, errors.New("text is required"))
	}
	if r.Speed <= 0 {
		return errors.Join(ErrInvalidInput, errors.New("speed must be greater than zero"))
	}
	return nil
}

// AudioArtifact is a generated audio file with a bounded lifetime.
type AudioArtifact struct {
	ID        string        `json:"id"`
	Path      string        `json:"-"`
	Format    string        `json:"format"`
	Size      int64         `json:"size"`
	CreatedAt time.Time     `json:"createdAt"`
	TTL       time.Duration `json:"-"`
}

// ExpiresAt returns the moment the artifact stops being readable.
func (a AudioArtifact) ExpiresAt() time.Time {
	return a.CreatedAt.Add(a.TTL)
}

// ContentType returns the MIME type used when serving the artifact.
func (a AudioArtifact) ContentType() string {
	switch a.Format {
	case "mp3":
		return "audio/mpeg"
	case "":
		return "application/octet-stream"
	default:
		return "audio/" + a.Format
	}
}
