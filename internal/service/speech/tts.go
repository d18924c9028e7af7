package speech

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"strings"

	speechmodel "github.com/zhouzirui/voice-genai/backend/internal/model/speech"
)

const (
	ttsStreamURL = "wss://openspeech.bytedance.com/api/v3/tts/unidirectional/stream"

	ttsResourceDefault = "volc.service_type.10029"
	ttsResourceMega    = "volc.megatts.default"
	ttsResourceSeed    = "seed-tts-2.0"

	ttsSampleRate = 24000
	// 3000 为合成成功，0 为中间帧
	ttsSuccessCode = 3000
)

// voiceAliases 对外暴露的音色别名；"default" 映射到配置中的音色。
var voiceAliases = map[string]string{
	"en_default":   "en_female_amy_jupiter_bigtts",
	"en_female":    "en_female_amy_jupiter_bigtts",
	"en_male":      "en_male_glen_emo_v2_mars_bigtts",
	"zh_default":   "zh_female_vv_uranus_bigtts",
	"zh_female":    "zh_female_vv_uranus_bigtts",
	"zh_male":      "zh_male_M392_conversation_wvae_bigtts",
	"narrator":     "zh_male_M392_conversation_wvae_bigtts",
	"conversation": "zh_female_vv_venus_bigtts",
}

var seedVoiceHints = []string{
	"bigtts", "seed", "megatts", "uranus", "venus", "jupiter",
	"saturn", "neptune", "mercury", "pluto", "mars",
}

// volcengineTTS 火山引擎单向流式语音合成客户端
type volcengineTTS struct {
	cfg    *speechmodel.SpeechConfig
	dialer *upstreamDialer
	url    string
}

func newVolcengineTTS(cfg *speechmodel.SpeechConfig, dialer *upstreamDialer) *volcengineTTS {
	return &volcengineTTS{cfg: cfg, dialer: dialer, url: ttsStreamURL}
}

type ttsRequest struct {
	User struct {
		UID string `json:"uid"`
	} `json:"user"`
	ReqParams struct {
		Speaker     string         `json:"speaker"`
		Text        string         `json:"text"`
		AudioParams ttsAudioParams `json:"audio_params"`
		Additions   string         `json:"additions,omitempty"`
		Language    string         `json:"language,omitempty"`
	} `json:"req_params"`
}

type ttsAudioParams struct {
	Format          string  `json:"format"`
	SampleRate      int     `json:"sample_rate"`
	EnableTimestamp bool    `json:"enable_timestamp"`
	SpeedRatio      float32 `json:"speed_ratio,omitempty"`
	VolumeRatio     float32 `json:"volume_ratio,omitempty"`
}

type ttsResponse struct {
	ReqID    string `json:"reqid"`
	Code     int    `json:"code"`
	Message  string `json:"message"`
	Sequence int    `json:"sequence"`
	Data     string `json:"data"`
}

// encoding 返回合成输出格式；上游不支持 wav 输出，统一回落到 mp3。
func (c *volcengineTTS) encoding() string {
	format := strings.ToLower(strings.TrimSpace(c.cfg.TTSFormat))
	if format == "" || format == "wav" {
		return "mp3"
	}
	return format
}

// Synthesize 依次尝试候选音色与资源 ID，直到成功或遇到非资源不匹配错误。
func (c *volcengineTTS) Synthesize(ctx context.Context, req speechmodel.SynthesisRequest) ([]byte, string, error) {
	appKey, accessKey, err := resolveCredentials(c.cfg)
	if err != nil {
		return nil, "", err
	}

	encoding := c.encoding()
	speakers := resolveSpeakerCandidates(req.Voice, c.cfg.TTSVoice)
	if len(speakers) == 0 {
		return nil, "", fmt.Errorf("%w: no voice configured", speechmodel.ErrInvalidInput)
	}

	var lastMismatch error
	for speakerIdx, speaker := range speakers {
		for resourceIdx, resourceID := range resolveResourceCandidates(speaker) {
			audio, attemptErr := c.synthesizeWith(ctx, req, appKey, accessKey, speaker, resourceID, encoding)
			if attemptErr == nil {
				if resourceIdx > 0 || speakerIdx > 0 {
					log.Printf("[TTS] voice %s succeeded with fallback resource %s", speaker, resourceID)
				}
				return audio, encoding, nil
			}
			if !isResourceMismatchError(attemptErr) {
				return nil, "", attemptErr
			}
			log.Printf("[TTS] voice %s resource %s mismatch: %v", speaker, resourceID, attemptErr)
			lastMismatch = attemptErr
		}
	}

	return nil, "", fmt.Errorf("TTS synthesis failed for voice candidates %v: %w", speakers, lastMismatch)
}

func (c *volcengineTTS) synthesizeWith(ctx context.Context, req speechmodel.SynthesisRequest, appKey, accessKey, speaker, resourceID, encoding string) ([]byte, error) {
	conn, err := c.dialer.dial(ctx, c.url, appKey, accessKey, resourceID, "")
	if err != nil {
		return nil, fmt.Errorf("connect TTS: %w", err)
	}
	defer conn.Release()
	if conn.LogID != "" {
		log.Printf("[TTS] connected with logid: %s", conn.LogID)
	}

	body, err := json.Marshal(c.buildRequest(conn.ConnectID, req, speaker, encoding))
	if err != nil {
		return nil, fmt.Errorf("marshal TTS request: %w", err)
	}
	f, err := newRequestFrame(body, compressionNone)
	if err != nil {
		return nil, fmt.Errorf("build TTS request: %w", err)
	}
	if err := writeFrame(conn.Conn, f); err != nil {
		return nil, fmt.Errorf("send TTS request: %w", err)
	}

	audio, err := c.collectAudio(conn)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, err
	}
	return audio, nil
}

func (c *volcengineTTS) collectAudio(conn *upstreamConn) ([]byte, error) {
	var audio bytes.Buffer

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return nil, fmt.Errorf("read TTS response: %w", err)
		}
		f, err := parseFrame(data)
		if err != nil {
			return nil, fmt.Errorf("TTS: %w", err)
		}

		switch f.kind {
		case frameError:
			body, _ := f.body()
			return nil, fmt.Errorf("TTS error %d: %s", f.errorCode, string(body))

		case frameAudioOnlyResponse:
			chunk, err := f.body()
			if err != nil {
				return nil, fmt.Errorf("decompress audio chunk: %w", err)
			}
			audio.Write(chunk)

		case frameFullServerResponse:
			body, err := f.body()
			if err != nil {
				return nil, fmt.Errorf("decompress TTS payload: %w", err)
			}

			var resp ttsResponse
			if len(body) > 0 {
				if err := json.Unmarshal(body, &resp); err != nil {
					log.Printf("[TTS] failed to unmarshal response payload: %v", err)
				} else {
					if resp.Code != 0 && resp.Code != ttsSuccessCode {
						return nil, fmt.Errorf("TTS API error %d: %s", resp.Code, resp.Message)
					}
					if resp.Data != "" {
						chunk, err := base64.StdEncoding.DecodeString(resp.Data)
						if err != nil {
							return nil, fmt.Errorf("decode base64 audio chunk: %w", err)
						}
						audio.Write(chunk)
					}
				}
			}

			if f.hasEvent() && f.event == eventSessionFailed {
				return nil, fmt.Errorf("TTS session failed: %s", string(body))
			}
			finished := (f.hasEvent() && f.event == eventSessionFinished) || f.isLast() || resp.Sequence < 0
			if finished {
				if audio.Len() == 0 {
					return nil, fmt.Errorf("TTS audio is empty")
				}
				return audio.Bytes(), nil
			}

		default:
			log.Printf("[TTS] unexpected frame type: %d", f.kind)
		}
	}
}

func (c *volcengineTTS) buildRequest(uid string, req speechmodel.SynthesisRequest, speaker, encoding string) *ttsRequest {
	out := &ttsRequest{}
	out.User.UID = uid
	out.ReqParams.Speaker = speaker
	out.ReqParams.Text = req.Text

	out.ReqParams.AudioParams.Format = encoding
	out.ReqParams.AudioParams.SampleRate = ttsSampleRate
	out.ReqParams.AudioParams.EnableTimestamp = true

	speed := float32(req.Speed)
	if speed <= 0 {
		speed = c.cfg.TTSSpeed
	}
	if speed > 0 && speed != 1.0 {
		out.ReqParams.AudioParams.SpeedRatio = speed
	}
	if v := c.cfg.TTSVolume; v > 0 && v != 1.0 {
		out.ReqParams.AudioParams.VolumeRatio = v
	}

	out.ReqParams.Language = ttsLanguage(req.Language, c.cfg.TTSLanguage)
	out.ReqParams.Additions = `{"disable_markdown_filter":false}`
	return out
}

// ttsLanguage 将 "en"/"zh" 这类短码转换为上游接受的语言标识。
func ttsLanguage(requested, fallback string) string {
	lang := strings.TrimSpace(requested)
	if lang == "" {
		lang = strings.TrimSpace(fallback)
	}
	switch strings.ToLower(lang) {
	case "en", "en-us", "en_us":
		return "en"
	case "zh", "zh-cn", "zh_cn", "cn":
		return "zh-cn"
	default:
		return lang
	}
}

func resolveResourceCandidates(voice string) []string {
	voice = strings.TrimSpace(voice)
	if voice == "" {
		return []string{ttsResourceDefault, ttsResourceSeed}
	}
	if strings.HasPrefix(voice, "S_") {
		return []string{ttsResourceMega}
	}

	normalized := strings.ToLower(voice)
	for _, hint := range seedVoiceHints {
		if strings.Contains(normalized, hint) {
			return []string{ttsResourceSeed, ttsResourceDefault}
		}
	}
	return []string{ttsResourceDefault, ttsResourceSeed}
}

// resolveSpeakerCandidates 返回去重后的候选音色：请求音色优先，配置音色兜底。
func resolveSpeakerCandidates(requested, fallback string) []string {
	fallback = strings.TrimSpace(fallback)
	var candidates []string

	add := func(s string) {
		s = strings.TrimSpace(s)
		if s == "" {
			return
		}
		if strings.EqualFold(s, "default") {
			s = fallback
		} else if mapped, ok := voiceAliases[strings.ToLower(s)]; ok {
			s = mapped
		}
		if s == "" {
			return
		}
		for _, existing := range candidates {
			if strings.EqualFold(existing, s) {
				return
			}
		}
		candidates = append(candidates, s)
	}

	add(requested)
	add(fallback)
	return candidates
}

func isResourceMismatchError(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "resource ID is mismatched with speaker related resource")
}

// voiceNames 返回可用的音色别名与配置音色，按字母序。
func voiceNames(configured string) []string {
	names := make([]string, 0, len(voiceAliases)+2)
	names = append(names, "default")
	for alias := range voiceAliases {
		names = append(names, alias)
	}
	sort.Strings(names[1:])
	if c := strings.TrimSpace(configured); c != "" {
		names = append(names, c)
	}
	return names
}
