package ai

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/schema"

	"github.com/zhouzirui/voice-genai/backend/internal/config"
	"github.com/zhouzirui/voice-genai/backend/internal/errs"
	"github.com/zhouzirui/voice-genai/backend/internal/model/backend"
	"github.com/zhouzirui/voice-genai/backend/internal/model/conversation"
)

const (
	DefaultHistoryLimit = 10
	DefaultSystemPrompt = "You are a helpful voice assistant. Answer in short, natural sentences that sound good when read aloud."
)

var (
	// ErrNotInitialized is returned by Converse before Initialize succeeded.
	ErrNotInitialized = fmt.Errorf("%w: conversation engine is not initialized", errs.ErrBackendUnavailable)
	ErrEmptyResponse  = errors.New("model returned an empty response")
	ErrEmptyMessage   = errors.New("message is required")
)

// ModelFactory builds the chat model the chain runs on.
type ModelFactory func(ctx context.Context) (model.BaseChatModel, error)

// Options tunes prompt construction.
type Options struct {
	ModelName    string
	SystemPrompt string
	HistoryLimit int
}

// Service answers conversation turns through an eino chain:
// prompt template (system + history + query) -> chat model.
type Service struct {
	factory ModelFactory
	opts    Options

	mu    sync.RWMutex
	chain compose.Runnable[map[string]any, *schema.Message]
}

// NewService creates a service backed by the Ark chat model described by cfg.
func NewService(cfg config.AIConfig) *Service {
	return NewServiceWithModel(func(ctx context.Context) (model.BaseChatModel, error) {
		return cfg.NewChatModel(ctx)
	}, Options{
		ModelName:    cfg.Model,
		SystemPrompt: cfg.SystemPrompt,
		HistoryLimit: cfg.HistoryLimit,
	})
}

// NewServiceWithModel creates a service with a custom model factory.
func NewServiceWithModel(factory ModelFactory, opts Options) *Service {
	if strings.TrimSpace(opts.SystemPrompt) == "" {
		opts.SystemPrompt = DefaultSystemPrompt
	}
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = DefaultHistoryLimit
	}
	return &Service{factory: factory, opts: opts}
}

// Initialize creates the chat model and compiles the chain.
func (s *Service) Initialize(ctx context.Context) error {
	chatModel, err := s.factory(ctx)
	if err != nil {
		return fmt.Errorf("%w: failed to create chat model: %v", errs.ErrBackendUnavailable, err)
	}

	promptTemplate := prompt.FromMessages(
		schema.FString,
		schema.SystemMessage("{system}"),
		schema.MessagesPlaceholder("history", true),
		schema.UserMessage("{query}"),
	)

	chain := compose.NewChain[map[string]any, *schema.Message]()
	chain.AppendChatTemplate(promptTemplate)
	chain.AppendChatModel(chatModel)

	runnable, err := chain.Compile(ctx)
	if err != nil {
		return fmt.Errorf("failed to compile chat chain: %w", err)
	}

	s.mu.Lock()
	s.chain = runnable
	s.mu.Unlock()

	log.Printf("[ai] conversation engine ready (model=%s)", s.opts.ModelName)
	return nil
}

// Cleanup releases the compiled chain.
func (s *Service) Cleanup(context.Context) error {
	s.mu.Lock()
	s.chain = nil
	s.mu.Unlock()
	return nil
}

func (s *Service) runnable() compose.Runnable[map[string]any, *schema.Message] {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.chain
}

// Converse generates a reply and returns the context extended by this turn.
func (s *Service) Converse(ctx context.Context, ex conversation.Exchange) (*conversation.Reply, error) {
	chain := s.runnable()
	if chain == nil {
		return nil, ErrNotInitialized
	}
	message := strings.TrimSpace(ex.Message)
	if message == "" {
		return nil, ErrEmptyMessage
	}

	current := ex.Context
	if current == nil {
		current = conversation.New(ex.ConversationID, ex.UserID)
	}

	start := time.Now()
	response, err := chain.Invoke(ctx, map[string]any{
		"system":  s.opts.SystemPrompt,
		"history": s.buildHistoryMessages(current.History),
		"query":   message,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to run AI chain: %w", err)
	}
	text := strings.TrimSpace(response.Content)
	if text == "" {
		return nil, ErrEmptyResponse
	}

	next := current.Clone()
	next.Append(
		conversation.Turn{Role: conversation.RoleUser, Content: message},
		conversation.Turn{Role: conversation.RoleAssistant, Content: text},
	)

	log.Printf("[ai] generated response for conversation=%s, user=%s, length=%d", ex.ConversationID, ex.UserID, len(text))
	return &conversation.Reply{
		Text:             text,
		Context:          next,
		ConversationID:   ex.ConversationID,
		ProcessingTimeMs: time.Since(start).Milliseconds(),
	}, nil
}

// buildHistoryMessages keeps the most recent turns within the history limit.
func (s *Service) buildHistoryMessages(turns []conversation.Turn) []*schema.Message {
	if len(turns) == 0 {
		return nil
	}

	startIdx := 0
	if len(turns) > s.opts.HistoryLimit {
		startIdx = len(turns) - s.opts.HistoryLimit
	}

	history := make([]*schema.Message, 0, len(turns)-startIdx)
	for _, turn := range turns[startIdx:] {
		switch turn.Role {
		case conversation.RoleUser:
			history = append(history, schema.UserMessage(turn.Content))
		case conversation.RoleAssistant:
			history = append(history, schema.AssistantMessage(turn.Content, nil))
		}
	}
	return history
}

// ListModels returns the configured model name.
func (s *Service) ListModels(context.Context) []string {
	if s.opts.ModelName == "" {
		return []string{}
	}
	return []string{s.opts.ModelName}
}

// HealthCheck reports whether the chain is ready.
func (s *Service) HealthCheck(context.Context) backend.Health {
	if s.runnable() == nil {
		return backend.Unhealthy("not initialized")
	}
	return backend.Healthy("model=" + s.opts.ModelName)
}
