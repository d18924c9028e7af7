package pipeline

import (
	"context"
	"errors"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/zhouzirui/voice-genai/backend/internal/errs"
	analyticsmodel "github.com/zhouzirui/voice-genai/backend/internal/model/analytics"
	"github.com/zhouzirui/voice-genai/backend/internal/model/backend"
	"github.com/zhouzirui/voice-genai/backend/internal/model/conversation"
	"github.com/zhouzirui/voice-genai/backend/internal/model/speech"
	convstore "github.com/zhouzirui/voice-genai/backend/internal/service/conversation"
	"github.com/zhouzirui/voice-genai/backend/internal/service/task"
)

// Service names recorded in usage analytics.
const (
	ServiceSpeechToText      = "speech-to-text"
	ServiceTextToSpeech      = "text-to-speech"
	ServiceVoiceConversation = "voice-conversation"
)

// AnonymousUserID is used for conversation requests without a user id.
const AnonymousUserID = "anonymous"

const (
	stageTranscription = "transcription"
	stageConversation  = "conversation"
	stageSynthesis     = "synthesis"
)

// Options wires an Orchestrator.
type Options struct {
	Speech       SpeechBackend
	Conversation ConversationBackend
	Contexts     ContextStore
	Tasks        TaskQueue
	// ArtifactURL maps an artifact id to the path clients fetch it from.
	ArtifactURL func(id string) string
	Defaults    Defaults
	Observer    StageObserver
	Now         func() time.Time
}

// Orchestrator sequences backend calls for every API operation and enqueues
// the background work each one leaves behind.
type Orchestrator struct {
	speech       SpeechBackend
	conversation ConversationBackend
	contexts     ContextStore
	tasks        TaskQueue
	artifactURL  func(string) string
	defaults     Defaults
	observer     StageObserver
	now          func() time.Time
}

// New creates an orchestrator. Missing backends surface as BackendUnavailable
// at call time.
func New(opts Options) *Orchestrator {
	o := &Orchestrator{
		speech:       opts.Speech,
		conversation: opts.Conversation,
		contexts:     opts.Contexts,
		tasks:        opts.Tasks,
		artifactURL:  opts.ArtifactURL,
		defaults:     opts.Defaults.withFallbacks(),
		observer:     opts.Observer,
		now:          opts.Now,
	}
	if o.contexts == nil {
		o.contexts = convstore.NewStore()
	}
	if o.artifactURL == nil {
		o.artifactURL = func(id string) string { return "/static/audio/" + id }
	}
	if o.now == nil {
		o.now = time.Now
	}
	return o
}

// Defaults returns the effective defaults.
func (o *Orchestrator) Defaults() Defaults { return o.defaults }

// TranscribeRequest is one uploaded audio file.
type TranscribeRequest struct {
	Audio       []byte
	ContentType string
	Filename    string
	RequestID   string
}

// Transcribe converts uploaded audio to text.
func (o *Orchestrator) Transcribe(ctx context.Context, req TranscribeRequest) (*speech.TranscriptionResult, error) {
	if err := validateAudio(req); err != nil {
		return nil, err
	}
	result, err := o.transcribe(ctx, req)
	if err != nil {
		return nil, err
	}
	o.logUsage(ServiceSpeechToText, req.Filename, result.Confidence, result.ProcessingTimeMs, req.RequestID)
	return result, nil
}

// SynthesizeRequest asks for spoken audio. Zero fields take defaults.
type SynthesizeRequest struct {
	Text      string
	Voice     string
	Language  string
	Speed     float64
	RequestID string
}

// Synthesize produces a temporary audio artifact for the text.
func (o *Orchestrator) Synthesize(ctx context.Context, req SynthesizeRequest) (*speech.AudioArtifact, error) {
	start := o.now()
	artifact, err := o.synthesize(ctx, req)
	if err != nil {
		return nil, err
	}
	o.scheduleCleanup(artifact)
	o.logUsage(ServiceTextToSpeech, artifact.ID, o.defaults.Confidence, o.now().Sub(start).Milliseconds(), req.RequestID)
	return artifact, nil
}

// ConverseRequest is one conversation turn.
type ConverseRequest struct {
	Message        string
	UserID         string
	ConversationID string
	// Metadata is merged into the stored context before the turn runs.
	Metadata  map[string]any
	RequestID string
}

// ConverseResult is the reply to one turn.
type ConverseResult struct {
	Response         string
	Context          *conversation.Context
	ConversationID   string
	Confidence       float64
	ProcessingTimeMs int64
}

// Converse runs one turn against the stored context of the conversation.
func (o *Orchestrator) Converse(ctx context.Context, req ConverseRequest) (*ConverseResult, error) {
	message := strings.TrimSpace(req.Message)
	if message == "" {
		return nil, errs.InvalidInput("message is required")
	}
	userID := strings.TrimSpace(req.UserID)
	if userID == "" {
		userID = AnonymousUserID
	}
	conversationID := strings.TrimSpace(req.ConversationID)
	if conversationID == "" {
		conversationID = convstore.NewConversationID()
	}

	result, err := o.converse(ctx, message, userID, conversationID, req.Metadata)
	if err != nil {
		return nil, err
	}
	o.schedule(task.KindLogConversation, analyticsmodel.ConversationRecord{
		UserID:         userID,
		ConversationID: result.ConversationID,
		Input:          message,
		Response:       result.Response,
		CreatedAt:      o.now().UTC(),
	}, time.Time{})
	return result, nil
}

// StageTimings reports how long each backend stage took.
type StageTimings struct {
	TranscriptionMs int64 `json:"transcription"`
	AIProcessingMs  int64 `json:"ai_processing"`
	SynthesisMs     int64 `json:"synthesis"`
}

// VoiceResult is the assembled answer to a spoken message.
type VoiceResult struct {
	Transcription  string
	AIResponse     string
	AudioURL       string
	ConversationID string
	Artifact       *speech.AudioArtifact
	Timings        StageTimings
}

// VoiceConversation transcribes the audio, converses on the text in a fresh
// conversation and synthesizes the reply. Any stage failure ends the request
// and no background work is scheduled.
func (o *Orchestrator) VoiceConversation(ctx context.Context, req TranscribeRequest) (*VoiceResult, error) {
	requestID := req.RequestID
	if requestID == "" {
		requestID = uuid.NewString()
	}
	f := newFlow(requestID, o.observer)

	if err := validateAudio(req); err != nil {
		return nil, f.fail(err)
	}

	f.advance(StageTranscribing)
	transcript, err := o.transcribe(ctx, req)
	if err != nil {
		return nil, f.fail(err)
	}
	f.advance(StageTranscribed)
	if strings.TrimSpace(transcript.Text) == "" {
		return nil, f.fail(errs.InvalidInput("no speech detected"))
	}

	f.advance(StageConversing)
	reply, err := o.converse(ctx, transcript.Text, o.defaults.VoiceUserID, convstore.NewConversationID(), nil)
	if err != nil {
		return nil, f.fail(err)
	}
	f.advance(StageConversed)

	f.advance(StageSynthesizing)
	synthStart := o.now()
	artifact, err := o.synthesize(ctx, SynthesizeRequest{Text: reply.Response})
	if err != nil {
		return nil, f.fail(err)
	}
	synthMs := o.now().Sub(synthStart).Milliseconds()
	f.advance(StageSynthesized)

	f.advance(StageResponding)
	result := &VoiceResult{
		Transcription:  transcript.Text,
		AIResponse:     reply.Response,
		AudioURL:       o.artifactURL(artifact.ID),
		ConversationID: reply.ConversationID,
		Artifact:       artifact,
		Timings: StageTimings{
			TranscriptionMs: transcript.ProcessingTimeMs,
			AIProcessingMs:  reply.ProcessingTimeMs,
			SynthesisMs:     synthMs,
		},
	}
	o.scheduleCleanup(artifact)
	o.logUsage(ServiceVoiceConversation, req.Filename, transcript.Confidence,
		transcript.ProcessingTimeMs+reply.ProcessingTimeMs+synthMs, requestID)
	f.advance(StageCompleted)
	return result, nil
}

// Models lists what the backends offer.
type Models struct {
	SpeechModels []string `json:"speech_models"`
	AIModels     []string `json:"ai_models"`
	Voices       []string `json:"voices"`
}

// ListModels collects models and voices from both backends.
func (o *Orchestrator) ListModels(ctx context.Context) Models {
	models := Models{SpeechModels: []string{}, AIModels: []string{}, Voices: []string{}}
	if o.speech != nil {
		models.SpeechModels = append(models.SpeechModels, o.speech.ListModels(ctx)...)
		models.Voices = append(models.Voices, o.speech.ListVoices(ctx)...)
	}
	if o.conversation != nil {
		models.AIModels = append(models.AIModels, o.conversation.ListModels(ctx)...)
	}
	return models
}

// BackendHealth is the health of both backends.
type BackendHealth struct {
	Speech       backend.Health
	Conversation backend.Health
}

// Health asks each backend for its status.
func (o *Orchestrator) Health(ctx context.Context) BackendHealth {
	health := BackendHealth{
		Speech:       backend.Unhealthy("speech backend not configured"),
		Conversation: backend.Unhealthy("conversation backend not configured"),
	}
	if o.speech != nil {
		health.Speech = o.speech.HealthCheck(ctx)
	}
	if o.conversation != nil {
		health.Conversation = o.conversation.HealthCheck(ctx)
	}
	return health
}

func validateAudio(req TranscribeRequest) error {
	contentType := strings.ToLower(strings.TrimSpace(req.ContentType))
	if !strings.HasPrefix(contentType, "audio/") {
		return errs.InvalidInput("file must be an audio file")
	}
	if len(req.Audio) == 0 {
		return errs.InvalidInput("audio file is empty")
	}
	return nil
}

func (o *Orchestrator) transcribe(ctx context.Context, req TranscribeRequest) (*speech.TranscriptionResult, error) {
	if o.speech == nil {
		return nil, errs.Unavailable(stageTranscription, errors.New("no speech backend"))
	}
	callCtx, cancel := context.WithTimeout(ctx, o.defaults.BackendTimeout)
	defer cancel()

	result, err := o.speech.Transcribe(callCtx, req.Audio, req.ContentType)
	if err != nil {
		return nil, classify(stageTranscription, err)
	}
	if result == nil {
		return nil, errs.Upstream(stageTranscription, errors.New("backend returned no result"))
	}
	out := *result
	out.Confidence = speech.ClampConfidence(out.Confidence)
	if strings.TrimSpace(out.Language) == "" {
		out.Language = o.defaults.DetectedLanguage
	}
	return &out, nil
}

func (o *Orchestrator) converse(ctx context.Context, message, userID, conversationID string, metadata map[string]any) (*ConverseResult, error) {
	if o.conversation == nil {
		return nil, errs.Unavailable(stageConversation, errors.New("no conversation backend"))
	}

	var reply *conversation.Reply
	stored, err := o.contexts.Update(ctx, conversationID, userID, func(current *conversation.Context) (*conversation.Context, error) {
		for k, v := range metadata {
			current.Metadata[k] = v
		}
		callCtx, cancel := context.WithTimeout(ctx, o.defaults.BackendTimeout)
		defer cancel()

		r, err := o.conversation.Converse(callCtx, conversation.Exchange{
			Message:        message,
			Context:        current,
			UserID:         userID,
			ConversationID: conversationID,
		})
		if err != nil {
			return nil, err
		}
		if r == nil {
			return nil, errors.New("backend returned no reply")
		}
		reply = r
		return r.Context, nil
	})
	if err != nil {
		return nil, classify(stageConversation, err)
	}

	confidence := o.defaults.Confidence
	if reply.Confidence != nil {
		confidence = speech.ClampConfidence(*reply.Confidence)
	}
	return &ConverseResult{
		Response:         reply.Text,
		Context:          stored,
		ConversationID:   conversationID,
		Confidence:       confidence,
		ProcessingTimeMs: reply.ProcessingTimeMs,
	}, nil
}

func (o *Orchestrator) synthesize(ctx context.Context, req SynthesizeRequest) (*speech.AudioArtifact, error) {
	synth := speech.SynthesisRequest{
		Text:     strings.TrimSpace(req.Text),
		Voice:    req.Voice,
		Language: req.Language,
		Speed:    req.Speed,
	}
	if synth.Voice == "" {
		synth.Voice = o.defaults.Voice
	}
	if synth.Language == "" {
		synth.Language = o.defaults.Language
	}
	if synth.Speed == 0 {
		synth.Speed = o.defaults.Speed
	}
	if err := synth.Validate(); err != nil {
		return nil, classify(stageSynthesis, err)
	}
	if o.speech == nil {
		return nil, errs.Unavailable(stageSynthesis, errors.New("no speech backend"))
	}

	callCtx, cancel := context.WithTimeout(ctx, o.defaults.BackendTimeout)
	defer cancel()

	artifact, err := o.speech.Synthesize(callCtx, synth)
	if err != nil {
		return nil, classify(stageSynthesis, err)
	}
	if artifact == nil || artifact.ID == "" {
		return nil, errs.Upstream(stageSynthesis, errors.New("backend returned no artifact"))
	}
	return artifact, nil
}

func (o *Orchestrator) scheduleCleanup(artifact *speech.AudioArtifact) {
	o.schedule(task.KindCleanupArtifact, CleanupPayload{ArtifactID: artifact.ID}, o.now().Add(o.defaults.ArtifactTTL))
}

// AdoptArtifacts schedules cleanup for artifacts recovered from disk after a
// restart. Each one is removed at its own ExpiresAt.
func (o *Orchestrator) AdoptArtifacts(artifacts []speech.AudioArtifact) {
	for _, artifact := range artifacts {
		o.schedule(task.KindCleanupArtifact, CleanupPayload{ArtifactID: artifact.ID}, artifact.ExpiresAt())
	}
}

func (o *Orchestrator) logUsage(service, filename string, confidence float64, processingMs int64, requestID string) {
	o.schedule(task.KindLogAnalytics, analyticsmodel.UsageRecord{
		Service:          service,
		Filename:         filename,
		Confidence:       speech.ClampConfidence(confidence),
		ProcessingTimeMs: processingMs,
		RequestID:        requestID,
		CreatedAt:        o.now().UTC(),
	}, time.Time{})
}

func (o *Orchestrator) schedule(kind task.Kind, payload any, notBefore time.Time) {
	if o.tasks == nil {
		log.Printf("[pipeline] no task queue, dropping %s task", kind)
		return
	}
	o.tasks.Schedule(task.Task{
		ID:        uuid.NewString(),
		Kind:      kind,
		Payload:   payload,
		NotBefore: notBefore,
	})
}

// classify maps a backend failure onto the error taxonomy.
func classify(stage string, err error) error {
	switch {
	case errors.Is(err, errs.ErrInvalidInput), errors.Is(err, errs.ErrUpstream):
		return err
	case errors.Is(err, errs.ErrBackendUnavailable):
		return errs.Unavailable(stage, err)
	case errors.Is(err, speech.ErrInvalidAudio):
		return &errs.Error{Kind: errs.ErrInvalidInput, Stage: stage, Message: "invalid audio", Err: err}
	case errors.Is(err, speech.ErrInvalidInput):
		return &errs.Error{Kind: errs.ErrInvalidInput, Stage: stage, Message: "invalid synthesis request", Err: err}
	default:
		return errs.Upstream(stage, err)
	}
}
