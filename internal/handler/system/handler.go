package system

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"

	analyticsmodel "github.com/zhouzirui/voice-genai/backend/internal/model/analytics"
	"github.com/zhouzirui/voice-genai/backend/internal/model/backend"
	"github.com/zhouzirui/voice-genai/backend/internal/service/pipeline"
	"github.com/zhouzirui/voice-genai/backend/pkg/utils"
)

// Version is reported by the root endpoint.
const Version = "1.0.0"

// Pipeline exposes backend inventory and health.
type Pipeline interface {
	ListModels(ctx context.Context) pipeline.Models
	Health(ctx context.Context) pipeline.BackendHealth
}

// Analytics reads persisted usage statistics.
type Analytics interface {
	Stats(ctx context.Context) (analyticsmodel.Stats, error)
	Ping(ctx context.Context) error
}

// Stats describes the host the service runs on.
type Stats struct {
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryPercent float64 `json:"memory_percent"`
	DiskPercent   float64 `json:"disk_percent"`
}

// Handler serves service info, health, models and stats.
type Handler struct {
	pipeline   Pipeline
	analytics  Analytics
	sampleHost func(ctx context.Context) Stats
	now        func() time.Time
}

// New creates the handler. Host stats come from gopsutil.
func New(p Pipeline, analytics Analytics) *Handler {
	return &Handler{pipeline: p, analytics: analytics, sampleHost: hostStats, now: time.Now}
}

// RegisterRoutes mounts the root and health endpoints on r.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/", h.handleRoot)
	r.Get("/health", h.handleHealth)
}

// RegisterAPIRoutes mounts the versioned endpoints.
func (h *Handler) RegisterAPIRoutes(r chi.Router) {
	r.Get("/models", h.handleModels)
	r.Get("/stats", h.handleStats)
}

func (h *Handler) handleRoot(w http.ResponseWriter, _ *http.Request) {
	utils.RespondJSON(w, http.StatusOK, map[string]string{
		"message": "Welcome to Voice-GenAI API",
		"version": Version,
		"status":  "active",
	})
}

type healthResponse struct {
	Status    string                    `json:"status"`
	Timestamp string                    `json:"timestamp"`
	Services  map[string]backend.Health `json:"services"`
	System    Stats                     `json:"system"`
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	backends := h.pipeline.Health(ctx)

	analyticsHealth := backend.Healthy("analytics sink reachable")
	if err := h.analytics.Ping(ctx); err != nil {
		analyticsHealth = backend.Unhealthy(err.Error())
	}

	services := map[string]backend.Health{
		"speech_processor":    backends.Speech,
		"conversation_engine": backends.Conversation,
		"analytics":           analyticsHealth,
	}
	status := "healthy"
	for _, s := range services {
		if !s.OK {
			status = "degraded"
			break
		}
	}

	utils.RespondJSON(w, http.StatusOK, healthResponse{
		Status:    status,
		Timestamp: h.now().UTC().Format(time.RFC3339),
		Services:  services,
		System:    h.sampleHost(ctx),
	})
}

func (h *Handler) handleModels(w http.ResponseWriter, r *http.Request) {
	utils.RespondJSON(w, http.StatusOK, h.pipeline.ListModels(r.Context()))
}

func (h *Handler) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.analytics.Stats(r.Context())
	if err != nil {
		log.Printf("[analytics] failed to fetch statistics: %v", err)
		utils.RespondError(w, http.StatusInternalServerError, "failed to fetch statistics")
		return
	}
	utils.RespondJSON(w, http.StatusOK, stats)
}

// hostStats samples CPU, memory and disk usage. Failed samples report zero.
func hostStats(ctx context.Context) Stats {
	var stats Stats
	if percentages, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(percentages) > 0 {
		stats.CPUPercent = percentages[0]
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		stats.MemoryPercent = vm.UsedPercent
	}
	if usage, err := disk.UsageWithContext(ctx, "/"); err == nil {
		stats.DiskPercent = usage.UsedPercent
	}
	return stats
}
