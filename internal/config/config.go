package config

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cloudwego/eino-ext/components/model/ark"
	"github.com/cloudwego/eino/components/model"

	speechmodel "github.com/zhouzirui/voice-genai/backend/internal/model/speech"
)

// Config 聚合整个服务的配置项。
type Config struct {
	Server   ServerConfig
	AI       AIConfig
	Speech   SpeechConfig
	Pipeline PipelineConfig
	Storage  StorageConfig
	Tasks    TaskConfig
	Redis    RedisConfig
	NATS     NATSConfig
}

// Load 从环境变量加载配置；设置 CONFIG_FILE 时先读取 TOML 文件作为默认值。
func Load() (*Config, error) {
	src, err := newSource()
	if err != nil {
		return nil, err
	}
	return load(src)
}

func load(src *source) (*Config, error) {
	server, err := loadServerConfig(src)
	if err != nil {
		return nil, err
	}
	ai, err := loadAIConfig(src)
	if err != nil {
		return nil, err
	}
	speech, err := loadSpeechConfig(src)
	if err != nil {
		return nil, err
	}
	pipeline, err := loadPipelineConfig(src)
	if err != nil {
		return nil, err
	}
	storage, err := loadStorageConfig(src)
	if err != nil {
		return nil, err
	}
	tasks, err := loadTaskConfig(src)
	if err != nil {
		return nil, err
	}
	redis, err := loadRedisConfig(src)
	if err != nil {
		return nil, err
	}

	return &Config{
		Server:   server,
		AI:       ai,
		Speech:   speech,
		Pipeline: pipeline,
		Storage:  storage,
		Tasks:    tasks,
		Redis:    redis,
		NATS:     loadNATSConfig(src),
	}, nil
}

// ServerConfig 描述 HTTP 服务配置。
type ServerConfig struct {
	Addr            string
	ShutdownTimeout time.Duration
}

// loadServerConfig 解析服务器监听地址。
func loadServerConfig(src *source) (ServerConfig, error) {
	shutdown, err := src.duration("SERVER_SHUTDOWN_TIMEOUT", 10*time.Second)
	if err != nil {
		return ServerConfig{}, err
	}

	port := src.getOrDefault("PORT", "8000")
	if strings.Contains(port, ":") {
		// 允许用户直接传入 ":8000" 或 "127.0.0.1:8000"。
		return ServerConfig{Addr: port, ShutdownTimeout: shutdown}, nil
	}
	if strings.Contains(port, " ") {
		return ServerConfig{}, fmt.Errorf("invalid PORT value: %q", port)
	}
	return ServerConfig{Addr: ":" + port, ShutdownTimeout: shutdown}, nil
}

// AIConfig 描述大模型相关配置。
type AIConfig struct {
	APIKey       string
	AccessKey    string
	SecretKey    string
	Model        string
	BaseURL      string
	Region       string
	Temperature  *float64
	TopP         *float64
	MaxTokens    *int
	SystemPrompt string
	HistoryLimit int
}

// Enabled 表示是否提供了必需的密钥。
func (c AIConfig) Enabled() bool {
	return c.Model != "" && (c.APIKey != "" || (c.AccessKey != "" && c.SecretKey != ""))
}

// NewChatModel 使用配置创建一个模型实例。
func (c AIConfig) NewChatModel(ctx context.Context) (model.BaseChatModel, error) {
	if !c.Enabled() {
		return nil, fmt.Errorf("Ark credentials or model missing: provide ARK_API_KEY + ARK_MODEL or an AK/SK pair")
	}

	var temperature *float32
	if c.Temperature != nil {
		val := float32(*c.Temperature)
		temperature = &val
	}

	var topP *float32
	if c.TopP != nil {
		val := float32(*c.TopP)
		topP = &val
	}

	cfg := &ark.ChatModelConfig{
		BaseURL:     c.BaseURL,
		Region:      c.Region,
		APIKey:      c.APIKey,
		AccessKey:   c.AccessKey,
		SecretKey:   c.SecretKey,
		Model:       c.Model,
		MaxTokens:   c.MaxTokens,
		Temperature: temperature,
		TopP:        topP,
	}

	return ark.NewChatModel(ctx, cfg)
}

func loadAIConfig(src *source) (AIConfig, error) {
	temperature, err := src.optionalFloat("ARK_TEMPERATURE")
	if err != nil {
		return AIConfig{}, err
	}
	topP, err := src.optionalFloat("ARK_TOP_P")
	if err != nil {
		return AIConfig{}, err
	}
	maxTokens, err := src.optionalInt("ARK_MAX_TOKENS")
	if err != nil {
		return AIConfig{}, err
	}
	historyLimit, err := src.intOrDefault("AI_HISTORY_LIMIT", 10)
	if err != nil {
		return AIConfig{}, err
	}
	if historyLimit < 1 {
		historyLimit = 1
	}

	modelName := src.getOrDefault("ARK_MODEL", "")
	if modelName == "" {
		// 兼容旧的 Model 变量名
		modelName = src.getOrDefault("Model", "")
	}

	return AIConfig{
		APIKey:       src.getOrDefault("ARK_API_KEY", ""),
		AccessKey:    src.getOrDefault("ARK_ACCESS_KEY", ""),
		SecretKey:    src.getOrDefault("ARK_SECRET_KEY", ""),
		Model:        modelName,
		BaseURL:      src.getOrDefault("ARK_BASE_URL", "https://ark.cn-beijing.volces.com/api/v3"),
		Region:       src.getOrDefault("ARK_REGION", "cn-beijing"),
		Temperature:  temperature,
		TopP:         topP,
		MaxTokens:    maxTokens,
		SystemPrompt: src.getOrDefault("AI_SYSTEM_PROMPT", ""),
		HistoryLimit: historyLimit,
	}, nil
}

// SpeechConfig 描述语音服务相关配置
type SpeechConfig struct {
	AppID                 string
	AccessToken           string
	APIKey                string
	Region                string
	ConcurrentMode        bool
	ASRProvider           string
	ASRModel              string
	ASRLanguage           string
	GoogleCredentialsFile string
	TTSVoice              string
	TTSSpeed              float32
	TTSVolume             float32
	TTSLanguage           string
	TTSFormat             string
	Timeout               int
	Enabled               bool
}

// Model 转换为语音服务使用的配置结构。
func (c SpeechConfig) Model() *speechmodel.SpeechConfig {
	return &speechmodel.SpeechConfig{
		AppID:                 c.AppID,
		AccessToken:           c.AccessToken,
		APIKey:                c.APIKey,
		Region:                c.Region,
		ConcurrentMode:        c.ConcurrentMode,
		ASRProvider:           c.ASRProvider,
		ASRModel:              c.ASRModel,
		ASRLanguage:           c.ASRLanguage,
		GoogleCredentialsFile: c.GoogleCredentialsFile,
		TTSVoice:              c.TTSVoice,
		TTSSpeed:              c.TTSSpeed,
		TTSVolume:             c.TTSVolume,
		TTSLanguage:           c.TTSLanguage,
		TTSFormat:             c.TTSFormat,
		Timeout:               c.Timeout,
	}
}

func loadSpeechConfig(src *source) (SpeechConfig, error) {
	timeoutSeconds, err := src.intOrDefault("SPEECH_TIMEOUT", 30)
	if err != nil {
		return SpeechConfig{}, err
	}

	ttsSpeed := float32(1.0)
	if speed, err := src.optionalFloat32("SPEECH_TTS_SPEED"); err != nil {
		return SpeechConfig{}, err
	} else if speed != nil {
		ttsSpeed = *speed
	}

	ttsVolume := float32(1.0)
	if volume, err := src.optionalFloat32("SPEECH_TTS_VOLUME"); err != nil {
		return SpeechConfig{}, err
	} else if volume != nil {
		ttsVolume = *volume
	}

	concurrent, err := src.boolOrDefault("SPEECH_ASR_CONCURRENT", false)
	if err != nil {
		return SpeechConfig{}, err
	}

	provider := strings.ToLower(src.getOrDefault("SPEECH_ASR_PROVIDER", "volcengine"))
	if provider != "volcengine" && provider != "google" {
		return SpeechConfig{}, fmt.Errorf("invalid SPEECH_ASR_PROVIDER value %q: want volcengine or google", provider)
	}

	appID := src.getOrDefault("SPEECH_APP_ID", "")
	apiKey := src.getOrDefault("SPEECH_API_KEY", "")
	accessToken := src.getOrDefault("SPEECH_ACCESS_TOKEN", apiKey)

	return SpeechConfig{
		AppID:                 appID,
		AccessToken:           accessToken,
		APIKey:                apiKey,
		Region:                src.getOrDefault("SPEECH_REGION", "cn-beijing"),
		ConcurrentMode:        concurrent,
		ASRProvider:           provider,
		ASRModel:              src.getOrDefault("SPEECH_ASR_MODEL", ""),
		ASRLanguage:           src.getOrDefault("SPEECH_ASR_LANGUAGE", "en-US"),
		GoogleCredentialsFile: src.getOrDefault("GOOGLE_APPLICATION_CREDENTIALS", ""),
		TTSVoice:              src.getOrDefault("SPEECH_TTS_VOICE", "en_female_amy_jupiter_bigtts"),
		TTSSpeed:              ttsSpeed,
		TTSVolume:             ttsVolume,
		TTSLanguage:           src.getOrDefault("SPEECH_TTS_LANGUAGE", "en"),
		TTSFormat:             src.getOrDefault("SPEECH_TTS_FORMAT", "mp3"),
		Timeout:               timeoutSeconds,
		Enabled:               appID != "" && accessToken != "",
	}, nil
}

// PipelineConfig 描述请求编排的默认值。
type PipelineConfig struct {
	DefaultVoice      string
	DefaultLanguage   string
	DefaultSpeed      float64
	DefaultConfidence float64
	BackendTimeout    time.Duration
	VoiceUserID       string
}

func loadPipelineConfig(src *source) (PipelineConfig, error) {
	speed, err := src.floatOrDefault("PIPELINE_DEFAULT_SPEED", 1.0)
	if err != nil {
		return PipelineConfig{}, err
	}
	if speed <= 0 {
		return PipelineConfig{}, fmt.Errorf("invalid PIPELINE_DEFAULT_SPEED value %v: must be positive", speed)
	}
	confidence, err := src.floatOrDefault("PIPELINE_DEFAULT_CONFIDENCE", 0.95)
	if err != nil {
		return PipelineConfig{}, err
	}
	if confidence < 0 || confidence > 1 {
		return PipelineConfig{}, fmt.Errorf("invalid PIPELINE_DEFAULT_CONFIDENCE value %v: must be within [0,1]", confidence)
	}
	timeout, err := src.duration("PIPELINE_BACKEND_TIMEOUT", 30*time.Second)
	if err != nil {
		return PipelineConfig{}, err
	}

	return PipelineConfig{
		DefaultVoice:      src.getOrDefault("PIPELINE_DEFAULT_VOICE", "default"),
		DefaultLanguage:   src.getOrDefault("PIPELINE_DEFAULT_LANGUAGE", "en"),
		DefaultSpeed:      speed,
		DefaultConfidence: confidence,
		BackendTimeout:    timeout,
		VoiceUserID:       src.getOrDefault("PIPELINE_VOICE_USER_ID", "voice_user"),
	}, nil
}

// StorageConfig 描述合成音频的落盘位置与有效期。
type StorageConfig struct {
	AudioDir    string
	URLPrefix   string
	ArtifactTTL time.Duration
}

func loadStorageConfig(src *source) (StorageConfig, error) {
	ttl, err := src.duration("STORAGE_ARTIFACT_TTL", 300*time.Second)
	if err != nil {
		return StorageConfig{}, err
	}
	return StorageConfig{
		AudioDir:    src.getOrDefault("STORAGE_AUDIO_DIR", "static/audio"),
		URLPrefix:   src.getOrDefault("STORAGE_URL_PREFIX", "/static/audio"),
		ArtifactTTL: ttl,
	}, nil
}

// TaskConfig 描述后台任务调度器。
type TaskConfig struct {
	Workers     int
	TaskTimeout time.Duration
}

func loadTaskConfig(src *source) (TaskConfig, error) {
	workers, err := src.intOrDefault("TASK_WORKERS", 4)
	if err != nil {
		return TaskConfig{}, err
	}
	timeout, err := src.duration("TASK_TIMEOUT", 30*time.Second)
	if err != nil {
		return TaskConfig{}, err
	}
	return TaskConfig{Workers: workers, TaskTimeout: timeout}, nil
}

// RedisConfig 描述分析数据的 Redis 存储；未设置地址时使用内存存储。
type RedisConfig struct {
	Addr        string
	Password    string
	DB          int
	KeyPrefix   string
	RecentLimit int
}

// Enabled 表示是否配置了 Redis。
func (c RedisConfig) Enabled() bool { return c.Addr != "" }

func loadRedisConfig(src *source) (RedisConfig, error) {
	db, err := src.intOrDefault("REDIS_DB", 0)
	if err != nil {
		return RedisConfig{}, err
	}
	limit, err := src.intOrDefault("ANALYTICS_RECENT_LIMIT", 100)
	if err != nil {
		return RedisConfig{}, err
	}
	return RedisConfig{
		Addr:        src.getOrDefault("REDIS_ADDR", ""),
		Password:    src.getOrDefault("REDIS_PASSWORD", ""),
		DB:          db,
		KeyPrefix:   src.getOrDefault("REDIS_KEY_PREFIX", "voice-genai:analytics"),
		RecentLimit: limit,
	}, nil
}

// NATSConfig 描述分析事件的发布目标；未设置 URL 时不发布。
type NATSConfig struct {
	URL           string
	SubjectPrefix string
}

// Enabled 表示是否配置了 NATS。
func (c NATSConfig) Enabled() bool { return c.URL != "" }

func loadNATSConfig(src *source) NATSConfig {
	return NATSConfig{
		URL:           src.getOrDefault("NATS_URL", ""),
		SubjectPrefix: src.getOrDefault("NATS_SUBJECT_PREFIX", "voice.analytics"),
	}
}
