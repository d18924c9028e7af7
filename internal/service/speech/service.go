package speech

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/zhouzirui/voice-genai/backend/internal/errs"
	"github.com/zhouzirui/voice-genai/backend/internal/model/backend"
	"github.com/zhouzirui/voice-genai/backend/internal/model/speech"
)

// ErrNotInitialized is returned by calls made before Initialize or after Cleanup.
var ErrNotInitialized = fmt.Errorf("%w: speech service is not initialized", errs.ErrBackendUnavailable)

type transcriber interface {
	Transcribe(ctx context.Context, audio []byte, format string) (*speech.TranscriptionResult, error)
}

// ArtifactWriter persists synthesized audio.
type ArtifactWriter interface {
	Create(ctx context.Context, data []byte, format string) (*speech.AudioArtifact, error)
}

// Service 语音服务：火山引擎 TTS，ASR 可选火山引擎或 Google Cloud Speech。
type Service struct {
	config    *speech.SpeechConfig
	artifacts ArtifactWriter
	registry  *connRegistry
	volcASR   *volcengineASR
	tts       *volcengineTTS

	mu     sync.RWMutex
	asr    transcriber
	google *googleTranscriber
	ready  bool
}

// NewService 创建语音服务实例；调用 Initialize 后才可使用。
func NewService(config *speech.SpeechConfig, artifacts ArtifactWriter) *Service {
	if config == nil {
		config = &speech.SpeechConfig{}
	}
	timeout := time.Duration(config.Timeout) * time.Second

	registry := newConnRegistry()
	dialer := newUpstreamDialer(registry, timeout)

	return &Service{
		config:    config,
		artifacts: artifacts,
		registry:  registry,
		volcASR:   newVolcengineASR(config, dialer),
		tts:       newVolcengineTTS(config, dialer),
	}
}

// Initialize 校验凭据并准备识别后端。
func (s *Service) Initialize(ctx context.Context) error {
	if s.artifacts == nil {
		return fmt.Errorf("%w: artifact store is not configured", errs.ErrBackendUnavailable)
	}
	if _, _, err := resolveCredentials(s.config); err != nil {
		return err
	}

	var asr transcriber = s.volcASR
	var google *googleTranscriber
	if s.config.UsesGoogleASR() {
		g, err := newGoogleTranscriber(ctx, s.config)
		if err != nil {
			return fmt.Errorf("%w: %v", errs.ErrBackendUnavailable, err)
		}
		asr, google = g, g
	}

	s.mu.Lock()
	s.asr = asr
	s.google = google
	s.ready = true
	s.mu.Unlock()
	s.registry.reopen()

	log.Printf("[speech] initialized (asr=%s, voice=%s)", s.asrProvider(), s.config.TTSVoice)
	return nil
}

// Cleanup 关闭所有上游连接；部分初始化后调用也是安全的。
func (s *Service) Cleanup(context.Context) error {
	s.mu.Lock()
	s.ready = false
	google := s.google
	s.google = nil
	s.asr = nil
	s.mu.Unlock()

	closed := s.registry.closeAll()
	if closed > 0 {
		log.Printf("[speech] closed %d in-flight connections", closed)
	}
	if google != nil {
		if err := google.Close(); err != nil {
			return fmt.Errorf("close google speech client: %w", err)
		}
	}
	return nil
}

func (s *Service) transcriber() (transcriber, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.asr, s.ready
}

func (s *Service) isReady() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ready
}

// Transcribe 语音转文字
func (s *Service) Transcribe(ctx context.Context, audio []byte, contentType string) (*speech.TranscriptionResult, error) {
	asr, ready := s.transcriber()
	if !ready || asr == nil {
		return nil, ErrNotInitialized
	}
	if len(audio) == 0 {
		return nil, fmt.Errorf("%w: audio is empty", speech.ErrInvalidAudio)
	}

	start := time.Now()
	result, err := asr.Transcribe(ctx, audio, FormatFromContentType(contentType))
	if err != nil {
		return nil, err
	}
	result.Confidence = speech.ClampConfidence(result.Confidence)
	result.ProcessingTimeMs = time.Since(start).Milliseconds()
	return result, nil
}

// Synthesize 文字转语音，并把音频写入产物存储。
func (s *Service) Synthesize(ctx context.Context, req speech.SynthesisRequest) (*speech.AudioArtifact, error) {
	if !s.isReady() {
		return nil, ErrNotInitialized
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}

	audio, format, err := s.tts.Synthesize(ctx, req)
	if err != nil {
		return nil, err
	}

	artifact, err := s.artifacts.Create(ctx, audio, format)
	if err != nil {
		return nil, fmt.Errorf("store synthesized audio: %w", err)
	}
	return artifact, nil
}

func (s *Service) asrProvider() string {
	if s.config.UsesGoogleASR() {
		return "google"
	}
	return "volcengine"
}

// ListModels 返回当前使用的识别与合成模型。
func (s *Service) ListModels(context.Context) []string {
	asrModel := strings.TrimSpace(s.config.ASRModel)
	if asrModel == "" {
		asrModel = s.volcASR.modelName()
		if s.config.UsesGoogleASR() {
			asrModel = "default"
		}
	}
	return []string{
		s.asrProvider() + "-asr:" + asrModel,
		"volcengine-tts:" + s.tts.encoding(),
	}
}

// ListVoices 返回可用音色。
func (s *Service) ListVoices(context.Context) []string {
	return voiceNames(s.config.TTSVoice)
}

// HealthCheck 报告服务是否可用。
func (s *Service) HealthCheck(context.Context) backend.Health {
	if !s.isReady() {
		return backend.Unhealthy("not initialized")
	}
	return backend.Healthy(fmt.Sprintf("asr=%s tts=volcengine active_connections=%d", s.asrProvider(), s.registry.len()))
}
