package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/zhouzirui/voice-genai/backend/internal/config"
	speechmodel "github.com/zhouzirui/voice-genai/backend/internal/model/speech"
	"github.com/zhouzirui/voice-genai/backend/internal/service/artifact"
	"github.com/zhouzirui/voice-genai/backend/internal/service/speech"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	if err := godotenv.Load(); err != nil {
		log.Printf("[WARN] 无法加载 .env，改用系统环境变量: %v", err)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("配置加载失败: %v", err)
	}

	if !cfg.Speech.Enabled {
		log.Fatal("语音服务未启用，请先在环境变量中配置 SPEECH_APP_ID 与 SPEECH_ACCESS_TOKEN")
	}

	mode := flag.String("mode", "", "测试模式: asr 或 tts")
	audioPath := flag.String("audio", "", "ASR 输入音频文件路径")
	contentType := flag.String("type", "", "ASR 输入音频的 MIME 类型，默认按扩展名推断")
	text := flag.String("text", "", "TTS 输入文本")
	outputPath := flag.String("out", "", "TTS 输出音频文件路径 (默认根据格式自动生成)")
	language := flag.String("lang", "", "语言代码，默认使用配置中的语言")
	voice := flag.String("voice", "", "TTS 声音 ID，默认使用配置中的 TTSVoice")
	speed := flag.Float64("speed", 1.0, "TTS 语速")
	timeout := flag.Duration("timeout", 45*time.Second, "请求超时时间")

	flag.Parse()

	if *mode != "asr" && *mode != "tts" {
		flag.Usage()
		log.Fatal("请通过 -mode=asr 或 -mode=tts 指定测试模式")
	}

	scratch, err := os.MkdirTemp("", "speechtester-*")
	if err != nil {
		log.Fatalf("创建临时目录失败: %v", err)
	}
	defer os.RemoveAll(scratch)

	artifacts, err := artifact.NewStore(artifact.Options{Dir: scratch})
	if err != nil {
		log.Fatalf("初始化音频存储失败: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	svc := speech.NewService(cfg.Speech.Model(), artifacts)
	if err := svc.Initialize(ctx); err != nil {
		log.Fatalf("语音服务初始化失败: %v", err)
	}
	defer func() {
		if err := svc.Cleanup(context.Background()); err != nil {
			log.Printf("[WARN] 语音服务清理失败: %v", err)
		}
	}()

	switch *mode {
	case "asr":
		runASR(ctx, svc, *audioPath, *contentType)
	case "tts":
		runTTS(ctx, svc, artifacts, cfg, *text, *voice, *language, *speed, *outputPath)
	}
}

func runASR(ctx context.Context, svc *speech.Service, audioPath, contentType string) {
	if audioPath == "" {
		log.Fatal("ASR 模式需要通过 -audio 指定音频文件路径")
	}

	audio, err := os.ReadFile(audioPath)
	if err != nil {
		log.Fatalf("读取音频文件失败: %v", err)
	}

	if contentType == "" {
		contentType = speech.ContentTypeFromFilename(audioPath)
		if contentType == "" {
			contentType = "audio/wav"
		}
	}

	log.Printf("开始进行 ASR 测试: file=%s type=%s size=%d", audioPath, contentType, len(audio))

	result, err := svc.Transcribe(ctx, audio, contentType)
	if err != nil {
		log.Fatalf("ASR 调用失败: %v", err)
	}

	log.Printf("ASR 识别成功: text=%q confidence=%.2f language=%s duration=%dms", result.Text, result.Confidence, result.Language, result.ProcessingTimeMs)
}

func runTTS(ctx context.Context, svc *speech.Service, artifacts *artifact.Store, cfg *config.Config, text, voice, language string, speed float64, outputPath string) {
	if strings.TrimSpace(text) == "" {
		log.Fatal("TTS 模式需要通过 -text 提供待合成文本")
	}

	if voice == "" {
		voice = cfg.Speech.TTSVoice
	}

	if language == "" {
		language = cfg.Speech.TTSLanguage
	}

	req := speechmodel.SynthesisRequest{
		Text:     text,
		Voice:    voice,
		Language: language,
		Speed:    speed,
	}

	log.Printf("开始进行 TTS 测试: voice=%s language=%s speed=%.2f", voice, language, speed)

	start := time.Now()
	art, err := svc.Synthesize(ctx, req)
	if err != nil {
		log.Fatalf("TTS 调用失败: %v", err)
	}

	data, _, err := artifacts.ReadAll(art.ID)
	if err != nil {
		log.Fatalf("读取合成音频失败: %v", err)
	}

	if outputPath == "" {
		outputPath = fmt.Sprintf("tts-output-%d.%s", time.Now().Unix(), art.Format)
	}

	if err := os.WriteFile(outputPath, data, 0o644); err != nil {
		log.Fatalf("写入音频文件失败: %v", err)
	}

	log.Printf("TTS 合成成功: 输出文件 %s, 大小=%d, 耗时=%dms", outputPath, len(data), time.Since(start).Milliseconds())
}
