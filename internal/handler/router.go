package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/zhouzirui/voice-genai/backend/internal/handler/conversation"
	"github.com/zhouzirui/voice-genai/backend/internal/handler/speech"
	"github.com/zhouzirui/voice-genai/backend/internal/handler/system"
	"github.com/zhouzirui/voice-genai/backend/internal/service/analytics"
	"github.com/zhouzirui/voice-genai/backend/internal/service/artifact"
	convstore "github.com/zhouzirui/voice-genai/backend/internal/service/conversation"
	"github.com/zhouzirui/voice-genai/backend/internal/service/pipeline"
)

// NewRouter wires HTTP routes to core services.
func NewRouter(orch *pipeline.Orchestrator, contexts *convstore.Store, artifacts *artifact.Store, sink analytics.Sink) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	speechHandler := speech.New(orch, artifacts)
	conversationHandler := conversation.New(orch, contexts)
	systemHandler := system.New(orch, sink)

	systemHandler.RegisterRoutes(r)
	speechHandler.RegisterStatic(r, artifacts.URLPrefix())

	r.Route("/api/v1", func(api chi.Router) {
		speechHandler.RegisterRoutes(api)
		conversationHandler.RegisterRoutes(api)
		systemHandler.RegisterAPIRoutes(api)
	})

	return r
}
