package pipeline

import (
	"context"

	"github.com/zhouzirui/voice-genai/backend/internal/model/backend"
	"github.com/zhouzirui/voice-genai/backend/internal/model/conversation"
	"github.com/zhouzirui/voice-genai/backend/internal/model/speech"
	"github.com/zhouzirui/voice-genai/backend/internal/service/task"
)

// SpeechBackend converts audio to text and text to stored audio.
type SpeechBackend interface {
	Transcribe(ctx context.Context, audio []byte, contentType string) (*speech.TranscriptionResult, error)
	Synthesize(ctx context.Context, req speech.SynthesisRequest) (*speech.AudioArtifact, error)
	ListModels(ctx context.Context) []string
	ListVoices(ctx context.Context) []string
	HealthCheck(ctx context.Context) backend.Health
}

// ConversationBackend produces one reply per exchange.
type ConversationBackend interface {
	Converse(ctx context.Context, ex conversation.Exchange) (*conversation.Reply, error)
	ListModels(ctx context.Context) []string
	HealthCheck(ctx context.Context) backend.Health
}

// ContextStore serializes updates per conversation id.
type ContextStore interface {
	Update(ctx context.Context, id, userID string, fn func(current *conversation.Context) (*conversation.Context, error)) (*conversation.Context, error)
}

// TaskQueue accepts deferred work without blocking.
type TaskQueue interface {
	Schedule(t task.Task) *task.Ticket
}
