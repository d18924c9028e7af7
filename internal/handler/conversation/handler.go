package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/zhouzirui/voice-genai/backend/internal/model/conversation"
	"github.com/zhouzirui/voice-genai/backend/internal/service/pipeline"
	convstore "github.com/zhouzirui/voice-genai/backend/internal/service/conversation"
	"github.com/zhouzirui/voice-genai/backend/pkg/utils"
)

// Pipeline 执行一轮对话
type Pipeline interface {
	Converse(ctx context.Context, req pipeline.ConverseRequest) (*pipeline.ConverseResult, error)
}

// Store 读取和删除会话上下文
type Store interface {
	Get(ctx context.Context, id string) (*conversation.Context, error)
	Delete(ctx context.Context, id string)
}

// Handler 对话服务的HTTP处理器
type Handler struct {
	pipeline Pipeline
	store    Store
}

// New 创建对话处理器
func New(p Pipeline, store Store) *Handler {
	return &Handler{pipeline: p, store: store}
}

// RegisterRoutes 注册对话相关的路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/conversation", h.handleConverse)
	r.Get("/conversation/{conversationID}", h.handleGet)
	r.Delete("/conversation/{conversationID}", h.handleDelete)
}

type converseBody struct {
	Message        string         `json:"message"`
	Context        map[string]any `json:"context"`
	UserID         string         `json:"user_id"`
	ConversationID string         `json:"conversation_id"`
}

type converseResponse struct {
	Response       string                `json:"response"`
	Context        *conversation.Context `json:"context"`
	ConversationID string                `json:"conversation_id"`
	Confidence     float64               `json:"confidence"`
	ProcessingTime int64                 `json:"processing_time"`
}

// handleConverse 处理一轮对话
func (h *Handler) handleConverse(w http.ResponseWriter, r *http.Request) {
	var payload converseBody
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	result, err := h.pipeline.Converse(r.Context(), pipeline.ConverseRequest{
		Message:        payload.Message,
		UserID:         payload.UserID,
		ConversationID: payload.ConversationID,
		Metadata:       payload.Context,
		RequestID:      middleware.GetReqID(r.Context()),
	})
	if err != nil {
		utils.RespondFailure(w, "conversation", err, "conversation failed")
		return
	}

	utils.RespondJSON(w, http.StatusOK, converseResponse{
		Response:       result.Response,
		Context:        result.Context,
		ConversationID: result.ConversationID,
		Confidence:     result.Confidence,
		ProcessingTime: result.ProcessingTimeMs,
	})
}

// handleGet 返回已保存的会话上下文
func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "conversationID")
	stored, err := h.store.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, convstore.ErrConversationNotFound) {
			utils.RespondError(w, http.StatusNotFound, "conversation not found")
			return
		}
		utils.RespondFailure(w, "conversation", err, "failed to load conversation")
		return
	}
	utils.RespondJSON(w, http.StatusOK, stored)
}

// handleDelete 删除会话上下文，重复删除同样成功
func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	h.store.Delete(r.Context(), chi.URLParam(r, "conversationID"))
	w.WriteHeader(http.StatusNoContent)
}
