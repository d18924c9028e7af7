package pipeline

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/voice-genai/backend/internal/model/backend"
	"github.com/zhouzirui/voice-genai/backend/internal/model/conversation"
	"github.com/zhouzirui/voice-genai/backend/internal/model/speech"
	"github.com/zhouzirui/voice-genai/backend/internal/service/artifact"
	"github.com/zhouzirui/voice-genai/backend/internal/service/task"
)

type fakeSpeech struct {
	store *artifact.Store

	transcript    speech.TranscriptionResult
	transcribeErr error
	synthErr      error

	transcribeCalls atomic.Int32
	synthCalls      atomic.Int32

	mu       sync.Mutex
	lastReq  speech.SynthesisRequest
	lastType string
}

func (f *fakeSpeech) Transcribe(_ context.Context, _ []byte, contentType string) (*speech.TranscriptionResult, error) {
	f.transcribeCalls.Add(1)
	f.mu.Lock()
	f.lastType = contentType
	f.mu.Unlock()
	if f.transcribeErr != nil {
		return nil, f.transcribeErr
	}
	result := f.transcript
	return &result, nil
}

func (f *fakeSpeech) Synthesize(ctx context.Context, req speech.SynthesisRequest) (*speech.AudioArtifact, error) {
	f.synthCalls.Add(1)
	f.mu.Lock()
	f.lastReq = req
	f.mu.Unlock()
	if f.synthErr != nil {
		return nil, f.synthErr
	}
	return f.store.Create(ctx, []byte("audio:"+req.Text), "mp3")
}

func (f *fakeSpeech) ListModels(context.Context) []string { return []string{"fake-asr", "fake-tts"} }
func (f *fakeSpeech) ListVoices(context.Context) []string { return []string{"default"} }
func (f *fakeSpeech) HealthCheck(context.Context) backend.Health {
	return backend.Healthy("fake speech")
}

type fakeConversation struct {
	err        error
	confidence *float64
	delay      time.Duration
	block      bool

	calls atomic.Int32
}

func (f *fakeConversation) Converse(ctx context.Context, ex conversation.Exchange) (*conversation.Reply, error) {
	f.calls.Add(1)
	if f.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if f.err != nil {
		return nil, f.err
	}
	next := ex.Context.Clone()
	reply := "echo: " + ex.Message
	next.Append(
		conversation.Turn{Role: conversation.RoleUser, Content: ex.Message},
		conversation.Turn{Role: conversation.RoleAssistant, Content: reply},
	)
	return &conversation.Reply{
		Text:             reply,
		Context:          next,
		ConversationID:   ex.ConversationID,
		Confidence:       f.confidence,
		ProcessingTimeMs: 7,
	}, nil
}

func (f *fakeConversation) ListModels(context.Context) []string { return []string{"fake-llm"} }
func (f *fakeConversation) HealthCheck(context.Context) backend.Health {
	return backend.Healthy("fake conversation")
}

// recordingQueue keeps scheduled tasks without running them.
type recordingQueue struct {
	mu    sync.Mutex
	tasks []task.Task
}

func (q *recordingQueue) Schedule(t task.Task) *task.Ticket {
	q.mu.Lock()
	q.tasks = append(q.tasks, t)
	q.mu.Unlock()
	return &task.Ticket{TaskID: t.ID}
}

func (q *recordingQueue) byKind(kind task.Kind) []task.Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []task.Task
	for _, t := range q.tasks {
		if t.Kind == kind {
			out = append(out, t)
		}
	}
	return out
}

func (q *recordingQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}

// ticketQueue forwards to a real scheduler and keeps the tickets.
type ticketQueue struct {
	*task.Scheduler

	mu      sync.Mutex
	tickets map[task.Kind][]*task.Ticket
}

func (q *ticketQueue) Schedule(t task.Task) *task.Ticket {
	ticket := q.Scheduler.Schedule(t)
	q.mu.Lock()
	if q.tickets == nil {
		q.tickets = make(map[task.Kind][]*task.Ticket)
	}
	q.tickets[t.Kind] = append(q.tickets[t.Kind], ticket)
	q.mu.Unlock()
	return ticket
}

func (q *ticketQueue) ticketsFor(kind task.Kind) []*task.Ticket {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]*task.Ticket(nil), q.tickets[kind]...)
}

func newArtifactStore(t *testing.T) *artifact.Store {
	t.Helper()
	store, err := artifact.NewStore(artifact.Options{Dir: t.TempDir()})
	require.NoError(t, err)
	return store
}

type stageRecorder struct {
	mu     sync.Mutex
	stages []Stage
}

func (r *stageRecorder) observe(_ string, _, to Stage) {
	r.mu.Lock()
	r.stages = append(r.stages, to)
	r.mu.Unlock()
}

func (r *stageRecorder) seen() []Stage {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Stage(nil), r.stages...)
}
