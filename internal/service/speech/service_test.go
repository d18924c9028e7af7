package speech

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/gorilla/websocket"

	"github.com/zhouzirui/voice-genai/backend/internal/errs"
	"github.com/zhouzirui/voice-genai/backend/internal/model/speech"
)

type memoryArtifacts struct {
	mu    sync.Mutex
	saved map[string][]byte
}

func (m *memoryArtifacts) Create(_ context.Context, data []byte, format string) (*speech.AudioArtifact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saved == nil {
		m.saved = make(map[string][]byte)
	}
	id := "artifact-" + format
	m.saved[id] = append([]byte(nil), data...)
	return &speech.AudioArtifact{ID: id, Format: format, Size: int64(len(data))}, nil
}

// fakeUpstream answers each websocket connection with handle.
func fakeUpstream(t *testing.T, handle func(t *testing.T, r *http.Request, conn *websocket.Conn)) string {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()
		handle(t, r, conn)
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func readClientFrame(t *testing.T, conn *websocket.Conn) *frame {
	t.Helper()
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Errorf("server read: %v", err)
		return nil
	}
	f, err := parseFrame(data)
	if err != nil {
		t.Errorf("server parse: %v", err)
		return nil
	}
	return f
}

func sendServerJSON(t *testing.T, conn *websocket.Conn, flags frameFlags, sequence int32, event frameEvent, v any) {
	t.Helper()
	body, _ := json.Marshal(v)
	payload, _ := compress(body, compressionGzip)
	f := &frame{
		kind:          frameFullServerResponse,
		flags:         flags,
		serialization: serializationJSON,
		compression:   compressionGzip,
		sequence:      sequence,
		event:         event,
		payload:       payload,
	}
	data, _ := f.MarshalBinary()
	if err := conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
		t.Errorf("server write: %v", err)
	}
}

func testConfig() *speech.SpeechConfig {
	return &speech.SpeechConfig{
		AppID:       "app",
		AccessToken: "token",
		ASRLanguage: "en-US",
		TTSVoice:    "en_female_amy_jupiter_bigtts",
		TTSFormat:   "mp3",
		Timeout:     5,
	}
}

func newTestService(t *testing.T, cfg *speech.SpeechConfig, asrURL, ttsURL string) (*Service, *memoryArtifacts) {
	t.Helper()
	artifacts := &memoryArtifacts{}
	svc := NewService(cfg, artifacts)
	svc.volcASR.url = asrURL
	svc.volcASR.chunkInterval = 0
	svc.tts.url = ttsURL
	if err := svc.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize err: %v", err)
	}
	t.Cleanup(func() { _ = svc.Cleanup(context.Background()) })
	return svc, artifacts
}

func TestInitializeWithoutCredentials(t *testing.T) {
	svc := NewService(&speech.SpeechConfig{}, &memoryArtifacts{})

	err := svc.Initialize(context.Background())
	if !errors.Is(err, errs.ErrBackendUnavailable) {
		t.Fatalf("expected ErrBackendUnavailable, got %v", err)
	}
	if svc.HealthCheck(context.Background()).OK {
		t.Fatal("health should fail before initialization")
	}
	if err := svc.Cleanup(context.Background()); err != nil {
		t.Fatalf("Cleanup after failed Initialize: %v", err)
	}
}

func TestCallsBeforeInitializeAreUnavailable(t *testing.T) {
	svc := NewService(testConfig(), &memoryArtifacts{})

	if _, err := svc.Transcribe(context.Background(), []byte("x"), "audio/wav"); !errors.Is(err, errs.ErrBackendUnavailable) {
		t.Fatalf("Transcribe: expected ErrBackendUnavailable, got %v", err)
	}
	if _, err := svc.Synthesize(context.Background(), speech.SynthesisRequest{Text: "hi", Speed: 1}); !errors.Is(err, errs.ErrBackendUnavailable) {
		t.Fatalf("Synthesize: expected ErrBackendUnavailable, got %v", err)
	}
}

func TestTranscribeOverWebsocket(t *testing.T) {
	audio := make([]byte, asrChunkSize*2+100)

	asrURL := fakeUpstream(t, func(t *testing.T, r *http.Request, conn *websocket.Conn) {
		if got := r.Header.Get("X-Api-Resource-Id"); got != asrResourceDuration {
			t.Errorf("unexpected resource id %q", got)
		}
		req := readClientFrame(t, conn)
		if req == nil || req.kind != frameFullClientRequest {
			t.Errorf("expected full client request, got %+v", req)
			return
		}
		body, _ := req.body()
		var parsed asrRequest
		if err := json.Unmarshal(body, &parsed); err != nil || parsed.Audio.Format != "wav" {
			t.Errorf("unexpected request body %s (%v)", body, err)
		}

		received := 0
		for {
			f := readClientFrame(t, conn)
			if f == nil {
				return
			}
			chunk, _ := f.body()
			received += len(chunk)
			if f.isLast() {
				break
			}
		}
		if received != len(audio) {
			t.Errorf("server received %d bytes, want %d", received, len(audio))
		}

		sendServerJSON(t, conn, flagPositiveSequence, 1, 0, map[string]any{"result": map[string]any{"text": "hel"}})
		sendServerJSON(t, conn, flagNegativeSequence, -2, 0, map[string]any{"result": map[string]any{"text": "hello world"}})
	})

	svc, _ := newTestService(t, testConfig(), asrURL, "")

	result, err := svc.Transcribe(context.Background(), audio, "audio/wav")
	if err != nil {
		t.Fatalf("Transcribe err: %v", err)
	}
	if result.Text != "hello world" {
		t.Fatalf("unexpected text %q", result.Text)
	}
	if result.Confidence != asrReportedConfidence {
		t.Fatalf("unexpected confidence %v", result.Confidence)
	}
	if svc.registry.len() != 0 {
		t.Fatalf("connection should be released, %d still tracked", svc.registry.len())
	}
}

func TestTranscribeEmptyAudio(t *testing.T) {
	svc, _ := newTestService(t, testConfig(), "ws://127.0.0.1:1", "")

	_, err := svc.Transcribe(context.Background(), nil, "audio/wav")
	if !errors.Is(err, speech.ErrInvalidAudio) {
		t.Fatalf("expected ErrInvalidAudio, got %v", err)
	}
}

func TestTranscribeServerError(t *testing.T) {
	asrURL := fakeUpstream(t, func(t *testing.T, _ *http.Request, conn *websocket.Conn) {
		readClientFrame(t, conn)
		sendServerJSON(t, conn, flagNoSequence, 0, 0, map[string]any{"code": 45000002, "message": "empty audio"})
	})

	svc, _ := newTestService(t, testConfig(), asrURL, "")
	_, err := svc.Transcribe(context.Background(), []byte("pcm"), "audio/wav")
	if err == nil || !strings.Contains(err.Error(), "45000002") {
		t.Fatalf("expected upstream API error, got %v", err)
	}
}

func TestSynthesizeFallsBackOnResourceMismatch(t *testing.T) {
	var mu sync.Mutex
	var resources []string

	ttsURL := fakeUpstream(t, func(t *testing.T, r *http.Request, conn *websocket.Conn) {
		resource := r.Header.Get("X-Api-Resource-Id")
		mu.Lock()
		resources = append(resources, resource)
		mu.Unlock()

		req := readClientFrame(t, conn)
		if req == nil {
			return
		}
		var parsed ttsRequest
		body, _ := req.body()
		_ = json.Unmarshal(body, &parsed)
		if parsed.ReqParams.Text != "Hello" {
			t.Errorf("unexpected text %q", parsed.ReqParams.Text)
		}

		if resource == ttsResourceSeed {
			errFrame := &frame{kind: frameError, errorCode: 45000000, payload: []byte(`{"error":"resource ID is mismatched with speaker related resource"}`)}
			data, _ := errFrame.MarshalBinary()
			_ = conn.WriteMessage(websocket.BinaryMessage, data)
			return
		}

		audio := &frame{kind: frameAudioOnlyResponse, flags: flagPositiveSequence, sequence: 1, payload: []byte("ID3")}
		data, _ := audio.MarshalBinary()
		_ = conn.WriteMessage(websocket.BinaryMessage, data)
		sendServerJSON(t, conn, flagWithEvent, 0, eventSessionFinished, map[string]any{
			"code": ttsSuccessCode,
			"data": base64.StdEncoding.EncodeToString([]byte("audio")),
		})
	})

	svc, artifacts := newTestService(t, testConfig(), "", ttsURL)

	artifact, err := svc.Synthesize(context.Background(), speech.SynthesisRequest{Text: "Hello", Voice: "default", Language: "en", Speed: 1})
	if err != nil {
		t.Fatalf("Synthesize err: %v", err)
	}
	if artifact.Format != "mp3" {
		t.Fatalf("unexpected format %q", artifact.Format)
	}
	if got := string(artifacts.saved[artifact.ID]); got != "ID3audio" {
		t.Fatalf("unexpected audio %q", got)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(resources) != 2 || resources[0] != ttsResourceSeed || resources[1] != ttsResourceDefault {
		t.Fatalf("unexpected resource attempts %v", resources)
	}
}

func TestSynthesizeRejectsInvalidRequest(t *testing.T) {
	svc, _ := newTestService(t, testConfig(), "", "ws://127.0.0.1:1")

	_, err := svc.Synthesize(context.Background(), speech.SynthesisRequest{Text: "  ", Speed: 1})
	if !errors.Is(err, speech.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestCleanupClosesTrackedConnections(t *testing.T) {
	registry := newConnRegistry()
	ready := make(chan struct{})
	url := fakeUpstream(t, func(t *testing.T, _ *http.Request, conn *websocket.Conn) {
		<-ready
	})

	dialer := newUpstreamDialer(registry, 0)
	conn, err := dialer.dial(context.Background(), url, "app", "token", "res", "conn-1")
	if err != nil {
		t.Fatalf("dial err: %v", err)
	}
	if registry.len() != 1 {
		t.Fatalf("expected 1 tracked connection, got %d", registry.len())
	}

	if n := registry.closeAll(); n != 1 {
		t.Fatalf("closeAll closed %d, want 1", n)
	}
	close(ready)
	conn.Release()

	if _, err := dialer.dial(context.Background(), url, "app", "token", "res", "conn-2"); err == nil {
		t.Fatal("dial after closeAll should fail")
	}
}

func TestListings(t *testing.T) {
	svc := NewService(testConfig(), &memoryArtifacts{})

	models := svc.ListModels(context.Background())
	if len(models) != 2 || models[0] != "volcengine-asr:bigmodel" || models[1] != "volcengine-tts:mp3" {
		t.Fatalf("unexpected models %v", models)
	}

	voices := svc.ListVoices(context.Background())
	if voices[0] != "default" || voices[len(voices)-1] != "en_female_amy_jupiter_bigtts" {
		t.Fatalf("unexpected voices %v", voices)
	}
}
