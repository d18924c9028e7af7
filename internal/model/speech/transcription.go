package speech

// TranscriptionResult is the outcome of one transcription call.
type TranscriptionResult struct {
	Text             string  `json:"text"`
	Confidence       float64 `json:"confidence"`
	ProcessingTimeMs int64   `json:"processing_time"`
	Language         string  `json:"language"`
}

// ClampConfidence forces a backend-reported confidence into [0,1].
func ClampConfidence(v float64) float64 {
	switch {
	case v != v: // NaN
		return 0
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
