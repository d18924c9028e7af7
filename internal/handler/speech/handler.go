package speech

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"mime/multipart"
	"net/http"
	"os"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	speechmodel "github.com/zhouzirui/voice-genai/backend/internal/model/speech"
	"github.com/zhouzirui/voice-genai/backend/internal/service/artifact"
	"github.com/zhouzirui/voice-genai/backend/internal/service/pipeline"
	speechsvc "github.com/zhouzirui/voice-genai/backend/internal/service/speech"
	"github.com/zhouzirui/voice-genai/backend/pkg/utils"
)

const maxUploadBytes = 32 << 20 // 32MB

// Pipeline 抽象语音相关的编排操作，便于测试与替换实现
type Pipeline interface {
	Transcribe(ctx context.Context, req pipeline.TranscribeRequest) (*speechmodel.TranscriptionResult, error)
	Synthesize(ctx context.Context, req pipeline.SynthesizeRequest) (*speechmodel.AudioArtifact, error)
	VoiceConversation(ctx context.Context, req pipeline.TranscribeRequest) (*pipeline.VoiceResult, error)
}

// Artifacts 读取已生成的音频文件
type Artifacts interface {
	Open(id string) (*os.File, speechmodel.AudioArtifact, error)
	ReadAll(id string) ([]byte, speechmodel.AudioArtifact, error)
}

// Handler 语音服务的HTTP处理器
type Handler struct {
	pipeline  Pipeline
	artifacts Artifacts
}

// New 创建语音处理器
func New(p Pipeline, artifacts Artifacts) *Handler {
	return &Handler{pipeline: p, artifacts: artifacts}
}

// RegisterRoutes 注册语音相关的路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/speech-to-text", h.handleSpeechToText)
	r.Post("/text-to-speech", h.handleTextToSpeech)
	r.Post("/voice-conversation", h.handleVoiceConversation)
}

// RegisterStatic 在 prefix 下提供生成的音频文件
func (h *Handler) RegisterStatic(r chi.Router, prefix string) {
	r.Get(strings.TrimRight(prefix, "/")+"/{artifactID}", h.handleArtifact)
}

// handleSpeechToText 处理语音转文本请求
func (h *Handler) handleSpeechToText(w http.ResponseWriter, r *http.Request) {
	upload, ok := h.readUpload(w, r)
	if !ok {
		return
	}
	log.Printf("[speech] speech-to-text request: %s", upload.Filename)

	result, err := h.pipeline.Transcribe(r.Context(), upload)
	if err != nil {
		utils.RespondFailure(w, "speech", err, "speech recognition failed")
		return
	}
	utils.RespondJSON(w, http.StatusOK, result)
}

type synthesizeBody struct {
	Text     string  `json:"text"`
	Voice    string  `json:"voice"`
	Language string  `json:"language"`
	Speed    float64 `json:"speed"`
}

// handleTextToSpeech 处理文本转语音请求，返回音频附件
func (h *Handler) handleTextToSpeech(w http.ResponseWriter, r *http.Request) {
	var body synthesizeBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(body.Text) == "" {
		utils.RespondError(w, http.StatusBadRequest, "text is required")
		return
	}

	art, err := h.pipeline.Synthesize(r.Context(), pipeline.SynthesizeRequest{
		Text:      body.Text,
		Voice:     body.Voice,
		Language:  body.Language,
		Speed:     body.Speed,
		RequestID: middleware.GetReqID(r.Context()),
	})
	if err != nil {
		utils.RespondFailure(w, "speech", err, "speech synthesis failed")
		return
	}

	data, stored, err := h.artifacts.ReadAll(art.ID)
	if err != nil {
		log.Printf("[speech] read artifact %s: %v", art.ID, err)
		utils.RespondError(w, http.StatusInternalServerError, "speech synthesis failed")
		return
	}
	utils.RespondAudio(w, stored.ContentType(), "speech."+stored.Format, data)
}

type voiceConversationResponse struct {
	Transcription  string                `json:"transcription"`
	AIResponse     string                `json:"ai_response"`
	AudioURL       string                `json:"audio_url"`
	ConversationID string                `json:"conversation_id"`
	ProcessingTime pipeline.StageTimings `json:"processing_time"`
}

// handleVoiceConversation 语音输入，转写、对话、合成后返回音频地址
func (h *Handler) handleVoiceConversation(w http.ResponseWriter, r *http.Request) {
	upload, ok := h.readUpload(w, r)
	if !ok {
		return
	}
	log.Printf("[speech] voice-conversation request: %s", upload.Filename)

	result, err := h.pipeline.VoiceConversation(r.Context(), upload)
	if err != nil {
		utils.RespondFailure(w, "speech", err, "voice conversation failed")
		return
	}
	utils.RespondJSON(w, http.StatusOK, voiceConversationResponse{
		Transcription:  result.Transcription,
		AIResponse:     result.AIResponse,
		AudioURL:       result.AudioURL,
		ConversationID: result.ConversationID,
		ProcessingTime: result.Timings,
	})
}

// handleArtifact 返回仍在有效期内的音频文件
func (h *Handler) handleArtifact(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "artifactID")
	file, art, err := h.artifacts.Open(id)
	if err != nil {
		if errors.Is(err, artifact.ErrNotFound) {
			utils.RespondError(w, http.StatusNotFound, "audio not found")
			return
		}
		log.Printf("[speech] open artifact %s: %v", id, err)
		utils.RespondError(w, http.StatusInternalServerError, "failed to read audio")
		return
	}
	defer file.Close()

	w.Header().Set("Content-Type", art.ContentType())
	http.ServeContent(w, r, art.ID+"."+art.Format, art.CreatedAt, file)
}

// readUpload 解析 multipart 中的音频文件，字段名为 audio_file 或 audio
func (h *Handler) readUpload(w http.ResponseWriter, r *http.Request) (pipeline.TranscribeRequest, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "failed to parse multipart form")
		return pipeline.TranscribeRequest{}, false
	}
	if r.MultipartForm != nil {
		defer r.MultipartForm.RemoveAll()
	}

	file, header, err := r.FormFile("audio_file")
	if errors.Is(err, http.ErrMissingFile) {
		file, header, err = r.FormFile("audio")
	}
	if err != nil {
		utils.RespondError(w, http.StatusBadRequest, "audio file is required")
		return pipeline.TranscribeRequest{}, false
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		utils.RespondError(w, http.StatusBadRequest, "failed to read audio file")
		return pipeline.TranscribeRequest{}, false
	}

	return pipeline.TranscribeRequest{
		Audio:       data,
		ContentType: uploadContentType(header),
		Filename:    header.Filename,
		RequestID:   middleware.GetReqID(r.Context()),
	}, true
}

// uploadContentType 优先使用分片声明的类型，缺省时按扩展名推断
func uploadContentType(header *multipart.FileHeader) string {
	contentType := strings.TrimSpace(header.Header.Get("Content-Type"))
	if contentType == "" || contentType == "application/octet-stream" {
		if guessed := speechsvc.ContentTypeFromFilename(header.Filename); guessed != "" {
			return guessed
		}
	}
	return contentType
}
