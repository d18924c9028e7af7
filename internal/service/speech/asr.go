package speech

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	speechmodel "github.com/zhouzirui/voice-genai/backend/internal/model/speech"
)

const (
	asrNoStreamURL        = "wss://openspeech.bytedance.com/api/v3/sauc/bigmodel_nostream"
	asrResourceDuration   = "volc.bigasr.sauc.duration"
	asrResourceConcurrent = "volc.bigasr.sauc.concurrent"

	// 16kHz, 16bit, mono, 200ms
	asrChunkSize     = 6400
	asrChunkInterval = 200 * time.Millisecond

	asrSuccessCode = 20000000
	// 火山 ASR 不返回置信度，非空结果统一给出该值
	asrReportedConfidence = 0.95
)

// volcengineASR 火山引擎大模型语音识别（非流式输出）客户端
type volcengineASR struct {
	cfg           *speechmodel.SpeechConfig
	dialer        *upstreamDialer
	url           string
	chunkInterval time.Duration
}

func newVolcengineASR(cfg *speechmodel.SpeechConfig, dialer *upstreamDialer) *volcengineASR {
	return &volcengineASR{
		cfg:           cfg,
		dialer:        dialer,
		url:           asrNoStreamURL,
		chunkInterval: asrChunkInterval,
	}
}

type asrRequest struct {
	User struct {
		UID string `json:"uid,omitempty"`
	} `json:"user"`
	Audio struct {
		Language string `json:"language,omitempty"`
		Format   string `json:"format"`
		Codec    string `json:"codec,omitempty"`
		Rate     int    `json:"rate,omitempty"`
		Bits     int    `json:"bits,omitempty"`
		Channel  int    `json:"channel,omitempty"`
	} `json:"audio"`
	Request struct {
		ModelName      string `json:"model_name"`
		EnableITN      bool   `json:"enable_itn,omitempty"`
		EnablePunc     bool   `json:"enable_punc,omitempty"`
		ShowUtterances bool   `json:"show_utterances,omitempty"`
		ResultType     string `json:"result_type,omitempty"`
		EndWindowSize  int    `json:"end_window_size,omitempty"`
	} `json:"request"`
}

type asrUtterance struct {
	Text      string `json:"text"`
	StartTime int64  `json:"start_time"`
	EndTime   int64  `json:"end_time"`
	Definite  bool   `json:"definite"`
}

type asrResponse struct {
	Code     int    `json:"code"`
	Message  string `json:"message"`
	Sequence int    `json:"sequence"`
	Result   struct {
		Text       string         `json:"text"`
		Utterances []asrUtterance `json:"utterances,omitempty"`
	} `json:"result"`
	AudioInfo struct {
		Duration int64 `json:"duration"`
	} `json:"audio_info"`
}

func (c *volcengineASR) modelName() string {
	if m := strings.TrimSpace(c.cfg.ASRModel); m != "" {
		return m
	}
	return "bigmodel"
}

func (c *volcengineASR) resourceID() string {
	if c.cfg.ConcurrentMode {
		return asrResourceConcurrent
	}
	return asrResourceDuration
}

// Transcribe 发送完整音频并等待最终识别结果。
func (c *volcengineASR) Transcribe(ctx context.Context, audio []byte, format string) (*speechmodel.TranscriptionResult, error) {
	appID, token, err := resolveCredentials(c.cfg)
	if err != nil {
		return nil, err
	}

	conn, err := c.dialer.dial(ctx, c.url, appID, token, c.resourceID(), "")
	if err != nil {
		return nil, fmt.Errorf("connect ASR: %w", err)
	}
	defer conn.Release()
	if conn.LogID != "" {
		log.Printf("[ASR] connected with logid: %s", conn.LogID)
	}

	body, err := json.Marshal(c.buildRequest(conn.ConnectID, format))
	if err != nil {
		return nil, fmt.Errorf("marshal ASR request: %w", err)
	}
	req, err := newRequestFrame(body, compressionGzip)
	if err != nil {
		return nil, fmt.Errorf("build ASR request: %w", err)
	}
	if err := writeFrame(conn.Conn, req); err != nil {
		return nil, fmt.Errorf("send ASR request: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	// 任一方出错时关闭连接，解除另一方的阻塞读写
	stop := context.AfterFunc(gctx, conn.Release)
	defer stop()

	var result *speechmodel.TranscriptionResult
	g.Go(func() error {
		return c.streamAudio(gctx, conn.Conn, audio)
	})
	g.Go(func() error {
		r, err := c.readResult(conn.Conn, conn.ConnectID)
		if err != nil {
			return err
		}
		result = r
		return nil
	})

	if err := g.Wait(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, err
	}
	return result, nil
}

func (c *volcengineASR) buildRequest(uid, format string) *asrRequest {
	req := &asrRequest{}
	req.User.UID = uid

	req.Audio.Format = format
	if req.Audio.Format == "" {
		req.Audio.Format = "wav"
	}
	req.Audio.Language = strings.TrimSpace(c.cfg.ASRLanguage)
	req.Audio.Codec = "raw"
	if req.Audio.Format == "ogg" {
		req.Audio.Codec = "opus"
	}
	req.Audio.Rate = 16000
	req.Audio.Bits = 16
	req.Audio.Channel = 1

	req.Request.ModelName = c.modelName()
	req.Request.EnableITN = true
	req.Request.EnablePunc = true
	req.Request.ShowUtterances = true
	req.Request.ResultType = "full"
	req.Request.EndWindowSize = 800
	return req
}

// streamAudio 分包发送音频，序号从 2 开始（请求帧占用 1）。
func (c *volcengineASR) streamAudio(ctx context.Context, conn *websocket.Conn, audio []byte) error {
	if len(audio) == 0 {
		return fmt.Errorf("%w: no audio data to send", speechmodel.ErrInvalidAudio)
	}

	sequence := int32(2)
	for offset := 0; offset < len(audio); offset += asrChunkSize {
		end := min(offset+asrChunkSize, len(audio))
		last := end >= len(audio)

		f, err := newAudioFrame(audio[offset:end], sequence, last, compressionGzip)
		if err != nil {
			return fmt.Errorf("build audio frame: %w", err)
		}
		if err := writeFrame(conn, f); err != nil {
			return fmt.Errorf("send audio chunk %d: %w", sequence, err)
		}
		sequence++

		if last {
			break
		}
		if c.chunkInterval > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(c.chunkInterval):
			}
		}
	}
	return nil
}

func (c *volcengineASR) readResult(conn *websocket.Conn, connectID string) (*speechmodel.TranscriptionResult, error) {
	var text string

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return nil, fmt.Errorf("read ASR response: %w", err)
		}
		f, err := parseFrame(data)
		if err != nil {
			return nil, fmt.Errorf("ASR: %w", err)
		}

		switch f.kind {
		case frameError:
			body, _ := f.body()
			return nil, fmt.Errorf("ASR error %d: %s", f.errorCode, string(body))

		case frameFullServerResponse:
			body, err := f.body()
			if err != nil {
				return nil, fmt.Errorf("decompress ASR payload: %w", err)
			}

			var resp asrResponse
			if len(body) > 0 {
				if err := json.Unmarshal(body, &resp); err != nil {
					log.Printf("[ASR] failed to unmarshal response: %v", err)
					continue
				}
			}
			if resp.Code != 0 && resp.Code != asrSuccessCode {
				return nil, fmt.Errorf("ASR API error %d: %s", resp.Code, resp.Message)
			}

			candidate := resp.Result.Text
			if candidate == "" {
				candidate = joinUtterances(resp.Result.Utterances)
			}
			if candidate != "" {
				text = candidate
			}

			if f.isLast() || resp.Sequence < 0 {
				if text == "" {
					log.Printf("[ASR] empty transcript for connection %s", connectID)
				}
				return &speechmodel.TranscriptionResult{
					Text:       strings.TrimSpace(text),
					Confidence: estimateASRConfidence(text),
				}, nil
			}
		}
	}
}

func joinUtterances(utterances []asrUtterance) string {
	parts := make([]string, 0, len(utterances))
	for _, u := range utterances {
		if t := strings.TrimSpace(u.Text); t != "" {
			parts = append(parts, t)
		}
	}
	return strings.Join(parts, " ")
}

func estimateASRConfidence(text string) float64 {
	if strings.TrimSpace(text) == "" {
		return 0
	}
	return asrReportedConfidence
}

func writeFrame(conn *websocket.Conn, f *frame) error {
	data, err := f.MarshalBinary()
	if err != nil {
		return err
	}
	return conn.WriteMessage(websocket.BinaryMessage, data)
}
