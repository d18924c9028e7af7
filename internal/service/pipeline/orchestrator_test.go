package pipeline

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/voice-genai/backend/internal/errs"
	analyticsmodel "github.com/zhouzirui/voice-genai/backend/internal/model/analytics"
	"github.com/zhouzirui/voice-genai/backend/internal/model/speech"
	"github.com/zhouzirui/voice-genai/backend/internal/service/artifact"
	convstore "github.com/zhouzirui/voice-genai/backend/internal/service/conversation"
	"github.com/zhouzirui/voice-genai/backend/internal/service/task"
)

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type harness struct {
	orch     *Orchestrator
	speech   *fakeSpeech
	convo    *fakeConversation
	queue    *recordingQueue
	store    *artifact.Store
	contexts *convstore.Store
	stages   *stageRecorder
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	store := newArtifactStore(t)
	h := &harness{
		speech: &fakeSpeech{
			store:      store,
			transcript: speech.TranscriptionResult{Text: "what time is it", Confidence: 0.8, ProcessingTimeMs: 12},
		},
		convo:    &fakeConversation{},
		queue:    &recordingQueue{},
		store:    store,
		contexts: convstore.NewStore(),
		stages:   &stageRecorder{},
	}
	h.orch = New(Options{
		Speech:       h.speech,
		Conversation: h.convo,
		Contexts:     h.contexts,
		Tasks:        h.queue,
		ArtifactURL:  store.URL,
		Observer:     h.stages.observe,
		Now:          func() time.Time { return fixedNow },
	})
	return h
}

func wavUpload() TranscribeRequest {
	return TranscribeRequest{Audio: []byte("RIFF....WAVE"), ContentType: "audio/wav", Filename: "hello.wav"}
}

func TestVoiceConversationSchedulesCleanupAndAnalytics(t *testing.T) {
	h := newHarness(t)

	result, err := h.orch.VoiceConversation(context.Background(), wavUpload())
	require.NoError(t, err)

	assert.Equal(t, "what time is it", result.Transcription)
	assert.Equal(t, "echo: what time is it", result.AIResponse)
	assert.Equal(t, "/static/audio/"+result.Artifact.ID, result.AudioURL)
	assert.Equal(t, int64(12), result.Timings.TranscriptionMs)
	assert.Equal(t, int64(7), result.Timings.AIProcessingMs)

	cleanups := h.queue.byKind(task.KindCleanupArtifact)
	require.Len(t, cleanups, 1)
	assert.Equal(t, CleanupPayload{ArtifactID: result.Artifact.ID}, cleanups[0].Payload)
	assert.False(t, cleanups[0].NotBefore.Before(fixedNow.Add(300*time.Second)))

	usage := h.queue.byKind(task.KindLogAnalytics)
	require.Len(t, usage, 1)
	record := usage[0].Payload.(analyticsmodel.UsageRecord)
	assert.Equal(t, ServiceVoiceConversation, record.Service)
	assert.Equal(t, "hello.wav", record.Filename)
	assert.Equal(t, 2, h.queue.len())

	stored, err := h.contexts.Get(context.Background(), result.ConversationID)
	require.NoError(t, err)
	assert.Equal(t, "voice_user", stored.UserID)
	assert.Len(t, stored.History, 2)

	assert.Equal(t, []Stage{
		StageTranscribing, StageTranscribed,
		StageConversing, StageConversed,
		StageSynthesizing, StageSynthesized,
		StageResponding, StageCompleted,
	}, h.stages.seen())
}

func TestVoiceConversationSynthesizesWithDefaults(t *testing.T) {
	h := newHarness(t)

	_, err := h.orch.VoiceConversation(context.Background(), wavUpload())
	require.NoError(t, err)

	assert.Equal(t, speech.SynthesisRequest{
		Text:     "echo: what time is it",
		Voice:    "default",
		Language: "en",
		Speed:    1.0,
	}, h.speech.lastReq)
}

func TestVoiceConversationTranscribeFailureStopsPipeline(t *testing.T) {
	h := newHarness(t)
	h.speech.transcribeErr = errors.New("asr exploded")

	_, err := h.orch.VoiceConversation(context.Background(), wavUpload())
	require.Error(t, err)
	assert.ErrorIs(t, err, errs.ErrUpstream)
	assert.Equal(t, http.StatusInternalServerError, errs.StatusCode(err))

	assert.Zero(t, h.convo.calls.Load())
	assert.Zero(t, h.speech.synthCalls.Load())
	assert.Zero(t, h.queue.len())
	assert.Equal(t, []Stage{StageTranscribing, StageFailed}, h.stages.seen())
}

func TestVoiceConversationSilentAudioIsRejected(t *testing.T) {
	h := newHarness(t)
	h.speech.transcript = speech.TranscriptionResult{Text: "   ", Confidence: 0.1}

	_, err := h.orch.VoiceConversation(context.Background(), wavUpload())
	require.Error(t, err)
	assert.ErrorIs(t, err, errs.ErrInvalidInput)
	assert.Equal(t, http.StatusBadRequest, errs.StatusCode(err))
	assert.Equal(t, "no speech detected", errs.PublicMessage(err, "voice conversation failed"))

	assert.Zero(t, h.convo.calls.Load())
	assert.Zero(t, h.speech.synthCalls.Load())
	assert.Zero(t, h.queue.len())
	assert.Equal(t, []Stage{StageTranscribing, StageTranscribed, StageFailed}, h.stages.seen())
}

func TestVoiceConversationConverseAndSynthesisFailures(t *testing.T) {
	t.Run("converse", func(t *testing.T) {
		h := newHarness(t)
		h.convo.err = errors.New("llm down")

		_, err := h.orch.VoiceConversation(context.Background(), wavUpload())
		assert.ErrorIs(t, err, errs.ErrUpstream)
		assert.Zero(t, h.speech.synthCalls.Load())
		assert.Zero(t, h.queue.len())
	})

	t.Run("synthesis", func(t *testing.T) {
		h := newHarness(t)
		h.speech.synthErr = errors.New("tts down")

		_, err := h.orch.VoiceConversation(context.Background(), wavUpload())
		assert.ErrorIs(t, err, errs.ErrUpstream)
		assert.Zero(t, h.queue.len())
		stages := h.stages.seen()
		assert.Equal(t, StageFailed, stages[len(stages)-1])
	})
}

func TestVoiceConversationRejectsNonAudioUpload(t *testing.T) {
	h := newHarness(t)
	req := wavUpload()
	req.ContentType = "text/plain"

	_, err := h.orch.VoiceConversation(context.Background(), req)
	require.Error(t, err)
	assert.ErrorIs(t, err, errs.ErrInvalidInput)
	assert.Equal(t, http.StatusBadRequest, errs.StatusCode(err))
	assert.Zero(t, h.speech.transcribeCalls.Load())
	assert.Zero(t, h.convo.calls.Load())
	assert.Equal(t, []Stage{StageFailed}, h.stages.seen())
}

func TestUnavailableBackends(t *testing.T) {
	orch := New(Options{Tasks: &recordingQueue{}})

	_, err := orch.Transcribe(context.Background(), wavUpload())
	assert.ErrorIs(t, err, errs.ErrBackendUnavailable)

	_, err = orch.Converse(context.Background(), ConverseRequest{Message: "hi"})
	assert.ErrorIs(t, err, errs.ErrBackendUnavailable)

	_, err = orch.Synthesize(context.Background(), SynthesizeRequest{Text: "hi"})
	assert.ErrorIs(t, err, errs.ErrBackendUnavailable)

	h := newHarness(t)
	h.speech.transcribeErr = fmt.Errorf("%w: not initialized", errs.ErrBackendUnavailable)
	_, err = h.orch.Transcribe(context.Background(), wavUpload())
	assert.ErrorIs(t, err, errs.ErrBackendUnavailable)
	assert.NotErrorIs(t, err, errs.ErrUpstream)
	assert.Equal(t, "service unavailable", errs.PublicMessage(err, ""))
}

func TestTranscribeNormalizesResult(t *testing.T) {
	h := newHarness(t)
	h.speech.transcript = speech.TranscriptionResult{Text: "hi", Confidence: 1.7}

	result, err := h.orch.Transcribe(context.Background(), wavUpload())
	require.NoError(t, err)
	assert.Equal(t, 1.0, result.Confidence)
	assert.Equal(t, "auto-detected", result.Language)

	h.speech.transcript = speech.TranscriptionResult{Text: "hi", Confidence: -3, Language: "en-US"}
	result, err = h.orch.Transcribe(context.Background(), wavUpload())
	require.NoError(t, err)
	assert.Equal(t, 0.0, result.Confidence)
	assert.Equal(t, "en-US", result.Language)

	usage := h.queue.byKind(task.KindLogAnalytics)
	require.Len(t, usage, 2)
	assert.Equal(t, ServiceSpeechToText, usage[0].Payload.(analyticsmodel.UsageRecord).Service)
	assert.Empty(t, h.queue.byKind(task.KindCleanupArtifact))
}

func TestTranscribeInvalidAudioFromBackend(t *testing.T) {
	h := newHarness(t)
	h.speech.transcribeErr = fmt.Errorf("%w: cannot decode", speech.ErrInvalidAudio)

	_, err := h.orch.Transcribe(context.Background(), wavUpload())
	assert.ErrorIs(t, err, errs.ErrInvalidInput)
	assert.Equal(t, "invalid audio", errs.PublicMessage(err, ""))
	assert.Zero(t, h.queue.len())
}

func TestSynthesizeHelloWithDefaults(t *testing.T) {
	h := newHarness(t)

	art, err := h.orch.Synthesize(context.Background(), SynthesizeRequest{Text: "Hello"})
	require.NoError(t, err)

	assert.Equal(t, "default", h.speech.lastReq.Voice)
	assert.Equal(t, "en", h.speech.lastReq.Language)
	assert.Equal(t, 1.0, h.speech.lastReq.Speed)
	assert.True(t, strings.HasPrefix(h.store.URL(art.ID), "/static/audio/"))

	data, _, err := h.store.ReadAll(art.ID)
	require.NoError(t, err)
	assert.Equal(t, "audio:Hello", string(data))

	cleanups := h.queue.byKind(task.KindCleanupArtifact)
	require.Len(t, cleanups, 1)
	assert.Equal(t, fixedNow.Add(300*time.Second), cleanups[0].NotBefore)
	assert.Len(t, h.queue.byKind(task.KindLogAnalytics), 1)
}

func TestSynthesizeRejectsBadInput(t *testing.T) {
	h := newHarness(t)

	_, err := h.orch.Synthesize(context.Background(), SynthesizeRequest{Text: "   "})
	assert.ErrorIs(t, err, errs.ErrInvalidInput)

	_, err = h.orch.Synthesize(context.Background(), SynthesizeRequest{Text: "hi", Speed: -1})
	assert.ErrorIs(t, err, errs.ErrInvalidInput)

	assert.Zero(t, h.speech.synthCalls.Load())
	assert.Zero(t, h.queue.len())
}

func TestConverseKeepsConversationID(t *testing.T) {
	h := newHarness(t)

	first, err := h.orch.Converse(context.Background(), ConverseRequest{Message: "hello", UserID: "u1"})
	require.NoError(t, err)
	require.NotEmpty(t, first.ConversationID)
	assert.Equal(t, 0.95, first.Confidence)

	second, err := h.orch.Converse(context.Background(), ConverseRequest{
		Message:        "again",
		UserID:         "u1",
		ConversationID: first.ConversationID,
	})
	require.NoError(t, err)
	assert.Equal(t, first.ConversationID, second.ConversationID)
	assert.Len(t, second.Context.History, 4)
	assert.Equal(t, "u1", second.Context.UserID)

	logs := h.queue.byKind(task.KindLogConversation)
	require.Len(t, logs, 2)
	record := logs[1].Payload.(analyticsmodel.ConversationRecord)
	assert.Equal(t, "again", record.Input)
	assert.Equal(t, "echo: again", record.Response)
}

func TestConverseConfidenceAndMetadata(t *testing.T) {
	h := newHarness(t)
	high := 4.2
	h.convo.confidence = &high

	result, err := h.orch.Converse(context.Background(), ConverseRequest{
		Message:  "hi",
		Metadata: map[string]any{"channel": "web"},
	})
	require.NoError(t, err)
	assert.Equal(t, 1.0, result.Confidence)
	assert.Equal(t, "web", result.Context.Metadata["channel"])
	assert.Equal(t, AnonymousUserID, result.Context.UserID)

	_, err = h.orch.Converse(context.Background(), ConverseRequest{Message: " "})
	assert.ErrorIs(t, err, errs.ErrInvalidInput)
}

func TestConverseConcurrentTurnsAreAllKept(t *testing.T) {
	h := newHarness(t)
	h.convo.delay = time.Millisecond
	const turns = 20

	var wg sync.WaitGroup
	for i := 0; i < turns; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := h.orch.Converse(context.Background(), ConverseRequest{
				Message:        fmt.Sprintf("turn %d", i),
				UserID:         "u1",
				ConversationID: "shared",
			})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	stored, err := h.contexts.Get(context.Background(), "shared")
	require.NoError(t, err)
	assert.Len(t, stored.History, turns*2)
}

func TestConverseBackendTimeout(t *testing.T) {
	h := newHarness(t)
	h.convo.block = true
	h.orch.defaults.BackendTimeout = 20 * time.Millisecond

	_, err := h.orch.Converse(context.Background(), ConverseRequest{Message: "hi", ConversationID: "slow"})
	require.Error(t, err)
	assert.ErrorIs(t, err, errs.ErrUpstream)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Zero(t, h.queue.len())

	_, err = h.contexts.Get(context.Background(), "slow")
	assert.ErrorIs(t, err, convstore.ErrConversationNotFound)
}

func TestListModelsAndHealth(t *testing.T) {
	h := newHarness(t)

	models := h.orch.ListModels(context.Background())
	assert.Equal(t, []string{"fake-asr", "fake-tts"}, models.SpeechModels)
	assert.Equal(t, []string{"fake-llm"}, models.AIModels)
	assert.Equal(t, []string{"default"}, models.Voices)

	health := h.orch.Health(context.Background())
	assert.True(t, health.Speech.OK)
	assert.True(t, health.Conversation.OK)

	empty := New(Options{})
	assert.False(t, empty.Health(context.Background()).Speech.OK)
	assert.Empty(t, empty.ListModels(context.Background()).AIModels)
}

func TestStageString(t *testing.T) {
	assert.Equal(t, "transcribing", StageTranscribing.String())
	assert.Equal(t, "failed", StageFailed.String())
	assert.Equal(t, "unknown", Stage(42).String())
	assert.True(t, StageCompleted.Terminal())
	assert.False(t, StageResponding.Terminal())
}
