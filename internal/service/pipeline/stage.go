package pipeline

import "log"

// Stage is a step of the voice conversation flow.
type Stage int

const (
	StageReceived Stage = iota
	StageTranscribing
	StageTranscribed
	StageConversing
	StageConversed
	StageSynthesizing
	StageSynthesized
	StageResponding
	StageCompleted
	StageFailed
)

var stageNames = [...]string{
	StageReceived:     "received",
	StageTranscribing: "transcribing",
	StageTranscribed:  "transcribed",
	StageConversing:   "conversing",
	StageConversed:    "conversed",
	StageSynthesizing: "synthesizing",
	StageSynthesized:  "synthesized",
	StageResponding:   "responding",
	StageCompleted:    "completed",
	StageFailed:       "failed",
}

func (s Stage) String() string {
	if s < 0 || int(s) >= len(stageNames) {
		return "unknown"
	}
	return stageNames[s]
}

// Terminal reports whether no further transitions follow s.
func (s Stage) Terminal() bool {
	return s == StageCompleted || s == StageFailed
}

// StageObserver is notified of every transition of a voice conversation.
type StageObserver func(requestID string, from, to Stage)

// flow tracks the stage of one voice conversation request.
type flow struct {
	requestID string
	stage     Stage
	observer  StageObserver
}

func newFlow(requestID string, observer StageObserver) *flow {
	return &flow{requestID: requestID, stage: StageReceived, observer: observer}
}

func (f *flow) advance(to Stage) {
	if f.stage.Terminal() {
		return
	}
	from := f.stage
	f.stage = to
	log.Printf("[pipeline] request=%s stage %s -> %s", f.requestID, from, to)
	if f.observer != nil {
		f.observer(f.requestID, from, to)
	}
}

func (f *flow) fail(err error) error {
	log.Printf("[pipeline] request=%s failed during %s: %v", f.requestID, f.stage, err)
	f.advance(StageFailed)
	return err
}
