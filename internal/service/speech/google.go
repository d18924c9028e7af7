package speech

import (
	"context"
	"fmt"
	"strings"

	gspeech "cloud.google.com/go/speech/apiv1"
	"cloud.google.com/go/speech/apiv1/speechpb"
	"github.com/googleapis/gax-go/v2"
	"google.golang.org/api/option"

	speechmodel "github.com/zhouzirui/voice-genai/backend/internal/model/speech"
)

// recognizer is the slice of the Cloud Speech client the transcriber needs.
type recognizer interface {
	Recognize(ctx context.Context, req *speechpb.RecognizeRequest, opts ...gax.CallOption) (*speechpb.RecognizeResponse, error)
	Close() error
}

// googleTranscriber 使用 Google Cloud Speech 同步识别接口。
type googleTranscriber struct {
	client   recognizer
	language string
	model    string
}

// newGoogleTranscriber 创建 Cloud Speech 客户端；未指定凭据文件时使用 ADC。
func newGoogleTranscriber(ctx context.Context, cfg *speechmodel.SpeechConfig) (*googleTranscriber, error) {
	var opts []option.ClientOption
	if path := strings.TrimSpace(cfg.GoogleCredentialsFile); path != "" {
		opts = append(opts, option.WithCredentialsFile(path))
	}

	client, err := gspeech.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create speech client: %w", err)
	}

	language := strings.TrimSpace(cfg.ASRLanguage)
	if language == "" {
		language = "en-US"
	}
	return &googleTranscriber{client: client, language: language, model: strings.TrimSpace(cfg.ASRModel)}, nil
}

func (g *googleTranscriber) Transcribe(ctx context.Context, audio []byte, format string) (*speechmodel.TranscriptionResult, error) {
	config := &speechpb.RecognitionConfig{
		Encoding:                   googleEncoding(format),
		LanguageCode:               g.language,
		EnableAutomaticPunctuation: true,
	}
	if g.model != "" && g.model != "bigmodel" {
		config.Model = g.model
	}

	resp, err := g.client.Recognize(ctx, &speechpb.RecognizeRequest{
		Config: config,
		Audio: &speechpb.RecognitionAudio{
			AudioSource: &speechpb.RecognitionAudio_Content{Content: audio},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("google recognize: %w", err)
	}

	var (
		parts      []string
		confidence float64
		scored     int
		language   string
	)
	for _, result := range resp.GetResults() {
		alts := result.GetAlternatives()
		if len(alts) == 0 {
			continue
		}
		best := alts[0]
		if t := strings.TrimSpace(best.GetTranscript()); t != "" {
			parts = append(parts, t)
		}
		if c := best.GetConfidence(); c > 0 {
			confidence += float64(c)
			scored++
		}
		if language == "" {
			language = result.GetLanguageCode()
		}
	}

	text := strings.Join(parts, " ")
	switch {
	case scored > 0:
		confidence /= float64(scored)
	case text != "":
		confidence = asrReportedConfidence
	}

	return &speechmodel.TranscriptionResult{
		Text:       text,
		Confidence: speechmodel.ClampConfidence(confidence),
		Language:   language,
	}, nil
}

func (g *googleTranscriber) Close() error {
	if g == nil || g.client == nil {
		return nil
	}
	return g.client.Close()
}

func googleEncoding(format string) speechpb.RecognitionConfig_AudioEncoding {
	switch format {
	case "wav", "pcm":
		return speechpb.RecognitionConfig_LINEAR16
	case "flac":
		return speechpb.RecognitionConfig_FLAC
	case "ogg", "opus":
		return speechpb.RecognitionConfig_OGG_OPUS
	case "webm":
		return speechpb.RecognitionConfig_WEBM_OPUS
	case "mp3":
		return speechpb.RecognitionConfig_MP3
	default:
		return speechpb.RecognitionConfig_ENCODING_UNSPECIFIED
	}
}
