package pipeline

import (
	"context"
	"fmt"
	"log"

	analyticsmodel "github.com/zhouzirui/voice-genai/backend/internal/model/analytics"
	"github.com/zhouzirui/voice-genai/backend/internal/service/analytics"
	"github.com/zhouzirui/voice-genai/backend/internal/service/task"
)

// CleanupPayload identifies the artifact a cleanup task removes.
type CleanupPayload struct {
	ArtifactID string
}

// ArtifactDeleter removes stored audio. Deleting a missing artifact succeeds.
type ArtifactDeleter interface {
	Delete(ctx context.Context, id string) error
}

// HandlerRegistry is the part of the scheduler that accepts handlers.
type HandlerRegistry interface {
	Handle(kind task.Kind, h task.Handler)
}

// RegisterTaskHandlers installs the handlers for every task kind the
// orchestrator schedules.
func RegisterTaskHandlers(registry HandlerRegistry, artifacts ArtifactDeleter, sink analytics.Sink) {
	registry.Handle(task.KindCleanupArtifact, cleanupHandler(artifacts))
	registry.Handle(task.KindLogAnalytics, usageHandler(sink))
	registry.Handle(task.KindLogConversation, conversationHandler(sink))
}

func cleanupHandler(artifacts ArtifactDeleter) task.Handler {
	return func(ctx context.Context, t task.Task) error {
		payload, ok := t.Payload.(CleanupPayload)
		if !ok {
			return fmt.Errorf("unexpected payload %T for %s", t.Payload, t.Kind)
		}
		if err := artifacts.Delete(ctx, payload.ArtifactID); err != nil {
			return fmt.Errorf("delete artifact %s: %w", payload.ArtifactID, err)
		}
		log.Printf("[pipeline] cleaned up artifact %s", payload.ArtifactID)
		return nil
	}
}

func usageHandler(sink analytics.Sink) task.Handler {
	return func(ctx context.Context, t task.Task) error {
		record, ok := t.Payload.(analyticsmodel.UsageRecord)
		if !ok {
			return fmt.Errorf("unexpected payload %T for %s", t.Payload, t.Kind)
		}
		if err := sink.SaveUsage(ctx, record); err != nil {
			return fmt.Errorf("save usage record: %w", err)
		}
		return nil
	}
}

func conversationHandler(sink analytics.Sink) task.Handler {
	return func(ctx context.Context, t task.Task) error {
		record, ok := t.Payload.(analyticsmodel.ConversationRecord)
		if !ok {
			return fmt.Errorf("unexpected payload %T for %s", t.Payload, t.Kind)
		}
		if err := sink.SaveConversation(ctx, record); err != nil {
			return fmt.Errorf("save conversation record: %w", err)
		}
		return nil
	}
}
