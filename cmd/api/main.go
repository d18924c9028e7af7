package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"

	"github.com/zhouzirui/voice-genai/backend/internal/config"
	"github.com/zhouzirui/voice-genai/backend/internal/handler"
	"github.com/zhouzirui/voice-genai/backend/internal/service/ai"
	"github.com/zhouzirui/voice-genai/backend/internal/service/analytics"
	"github.com/zhouzirui/voice-genai/backend/internal/service/artifact"
	"github.com/zhouzirui/voice-genai/backend/internal/service/conversation"
	"github.com/zhouzirui/voice-genai/backend/internal/service/pipeline"
	"github.com/zhouzirui/voice-genai/backend/internal/service/speech"
	"github.com/zhouzirui/voice-genai/backend/internal/service/task"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Load .env file
	if err := godotenv.Load(); err != nil {
		log.Printf("warning: failed to load .env file: %v", err)
		log.Println("continuing with system environment variables only")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	artifacts, err := artifact.NewStore(artifact.Options{
		Dir:       cfg.Storage.AudioDir,
		URLPrefix: cfg.Storage.URLPrefix,
		TTL:       cfg.Storage.ArtifactTTL,
	})
	if err != nil {
		log.Fatalf("failed to prepare audio storage: %v", err)
	}
	// Files from a previous run are indexed again and expired once the
	// scheduler is up.
	removed, recovered, err := artifacts.Recover(time.Now())
	if err != nil {
		log.Printf("warning: startup sweep failed: %v", err)
	}
	if removed > 0 {
		log.Printf("startup sweep removed %d expired audio files", removed)
	}

	sink, closeSink := openAnalytics(ctx, cfg)
	defer closeSink()

	scheduler := task.NewScheduler(task.Options{
		Workers:     cfg.Tasks.Workers,
		TaskTimeout: cfg.Tasks.TaskTimeout,
	})
	pipeline.RegisterTaskHandlers(scheduler, artifacts, sink)
	scheduler.Start()

	// Initialize AI service. A service that failed to initialize still gets
	// cleaned up on shutdown but never serves requests.
	var aiService *ai.Service
	aiReady := false
	if cfg.AI.Enabled() {
		aiService = ai.NewService(cfg.AI)
		if err := aiService.Initialize(ctx); err != nil {
			log.Printf("warning: failed to initialize AI service: %v", err)
			log.Println("continuing without AI functionality - 请检查 Ark 模型相关环境变量")
		} else {
			aiReady = true
			log.Println("AI service initialized successfully")
		}
	} else {
		log.Println("Ark 凭证未配置，跳过 AI 功能初始化")
	}

	// Initialize Speech service
	var speechService *speech.Service
	speechReady := false
	if cfg.Speech.Enabled {
		speechService = speech.NewService(cfg.Speech.Model(), artifacts)
		if err := speechService.Initialize(ctx); err != nil {
			log.Printf("warning: failed to initialize speech service: %v", err)
		} else {
			speechReady = true
			log.Println("Speech service initialized successfully")
		}
	} else {
		log.Println("语音服务凭证未配置，跳过语音功能初始化")
	}

	contexts := conversation.NewStore()
	opts := pipeline.Options{
		Contexts:    contexts,
		Tasks:       scheduler,
		ArtifactURL: artifacts.URL,
		Defaults: pipeline.Defaults{
			Voice:          cfg.Pipeline.DefaultVoice,
			Language:       cfg.Pipeline.DefaultLanguage,
			Speed:          cfg.Pipeline.DefaultSpeed,
			Confidence:     cfg.Pipeline.DefaultConfidence,
			ArtifactTTL:    cfg.Storage.ArtifactTTL,
			BackendTimeout: cfg.Pipeline.BackendTimeout,
			VoiceUserID:    cfg.Pipeline.VoiceUserID,
		},
	}
	// Typed nil pointers must not end up inside the interfaces.
	if speechReady {
		opts.Speech = speechService
	}
	if aiReady {
		opts.Conversation = aiService
	}
	orchestrator := pipeline.New(opts)
	orchestrator.AdoptArtifacts(recovered)

	router := handler.NewRouter(orchestrator, contexts, artifacts, sink)

	startServer(ctx, cfg.Server, router)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := scheduler.Stop(shutdownCtx); err != nil {
		log.Printf("warning: task scheduler did not stop cleanly: %v", err)
	}
	if speechService != nil {
		if err := speechService.Cleanup(shutdownCtx); err != nil {
			log.Printf("warning: speech service cleanup failed: %v", err)
		}
	}
	if aiService != nil {
		if err := aiService.Cleanup(shutdownCtx); err != nil {
			log.Printf("warning: AI service cleanup failed: %v", err)
		}
	}
}

// openAnalytics picks Redis when configured and falls back to memory. A
// configured NATS server receives every record as well.
func openAnalytics(ctx context.Context, cfg *config.Config) (analytics.Sink, func()) {
	var sink analytics.Sink = analytics.NewMemorySink(cfg.Redis.RecentLimit)
	var closers []func()

	if cfg.Redis.Enabled() {
		client, err := analytics.DialRedis(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			log.Printf("warning: %v, analytics kept in memory", err)
		} else {
			sink = analytics.NewRedisSink(client, analytics.RedisOptions{
				KeyPrefix:   cfg.Redis.KeyPrefix,
				RecentLimit: cfg.Redis.RecentLimit,
			})
			closers = append(closers, func() { closeRedis(client) })
			log.Printf("analytics stored in redis at %s", cfg.Redis.Addr)
		}
	}

	if cfg.NATS.Enabled() {
		conn, err := nats.Connect(cfg.NATS.URL, nats.Name("voice-genai-backend"))
		if err != nil {
			log.Printf("warning: failed to connect to nats: %v", err)
		} else {
			sink = analytics.NewPublisher(sink, conn, cfg.NATS.SubjectPrefix)
			closers = append(closers, func() {
				if err := conn.Drain(); err != nil {
					log.Printf("warning: nats drain failed: %v", err)
				}
			})
			log.Printf("analytics events published to %s", cfg.NATS.URL)
		}
	}

	return sink, func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
}

func closeRedis(client *redis.Client) {
	if err := client.Close(); err != nil {
		log.Printf("warning: redis close failed: %v", err)
	}
}

func startServer(ctx context.Context, serverCfg config.ServerConfig, router http.Handler) {
	addr := serverCfg.Addr
	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	log.Printf("Voice GenAI backend listening on %s", addr)
	if err := runServer(ctx, srv, serverCfg.ShutdownTimeout); err != nil {
		log.Fatalf("server error: %v", err)
	}
}

func runServer(ctx context.Context, srv *http.Server, shutdownTimeout time.Duration) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		err := <-errCh
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
