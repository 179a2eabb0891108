package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/openvoicelab/sttgate/internal/config"
	"github.com/openvoicelab/sttgate/internal/gateway"
	"github.com/openvoicelab/sttgate/internal/observability"
	"github.com/openvoicelab/sttgate/internal/provider"
	"github.com/openvoicelab/sttgate/internal/provider/openaibatch"
	"github.com/openvoicelab/sttgate/internal/provider/openairt"
	"github.com/openvoicelab/sttgate/internal/session"
	"github.com/openvoicelab/sttgate/internal/store"
	"github.com/openvoicelab/sttgate/internal/voice"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	ctx := context.Background()
	st, err := store.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("store init failed: %v", err)
	}
	defer st.Close()

	registry := provider.NewRegistry()
	registry.Register(provider.NewMockAdapter("mock"))
	registry.Register(openairt.New(openairt.Config{
		APIKey:  cfg.OpenAIAPIKey,
		BaseURL: cfg.OpenAIRealtimeURL,
		Model:   cfg.OpenAIStreamingModel,
	}))
	registry.Register(openaibatch.New(openaibatch.Config{
		APIKey:        cfg.OpenAIAPIKey,
		Model:         cfg.OpenAIBatchModel,
		FallbackModel: cfg.OpenAIBatchModelFallback,
	}))
	health := provider.NewHealthCache(registry, cfg.ProviderHealthRefresh)

	sessions := session.NewManager(cfg.SessionInactivityTimeout)
	sessions.SetExpireHook(func(_ *session.Session) {
		metrics.SessionEvents.WithLabelValues("expired").Inc()
		metrics.ActiveSessions.Set(float64(sessions.ActiveCount()))
	})

	orchestrator := buildVoice(cfg, registry, metrics)

	srv, err := gateway.NewServer(gateway.Deps{
		Config:   cfg,
		Registry: registry,
		Health:   health,
		Sessions: sessions,
		Store:    st,
		Metrics:  metrics,
		Latency:  observability.NewLatencyWindow(cfg.LatencyWindowSize),
		Voice:    orchestrator,
		Logger:   log.Default(),
	})
	if err != nil {
		log.Fatalf("server init failed: %v", err)
	}

	httpServer := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: srv.Router(),
	}

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()
	sessions.StartJanitor(runCtx, 5*time.Second)

	go func() {
		log.Printf("gateway listening on %s", cfg.BindAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen error: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Printf("shutdown signal received")

	runCancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
		_ = httpServer.Close()
	}

	log.Printf("shutdown complete")
}

// buildVoice assembles the voice pipeline from whatever backends are
// configured, degrading to mocks so the endpoint always answers.
func buildVoice(cfg config.Config, registry *provider.Registry, metrics *observability.Metrics) *voice.Orchestrator {
	var stt provider.Adapter
	if strings.TrimSpace(cfg.OpenAIAPIKey) != "" {
		stt, _ = registry.Get("openai-realtime")
		log.Printf("voice stt: openai-realtime")
	}
	if stt == nil {
		stt, _ = registry.Get("mock")
		log.Printf("voice stt: mock (no OPENAI_API_KEY)")
	}

	var llm voice.DialogueModel
	if cfg.VoiceLLMURL != "" {
		llm = voice.NewHTTPDialogue(cfg.VoiceLLMURL, cfg.VoiceLLMModel, cfg.OpenAIAPIKey)
		log.Printf("voice llm: %s (%s)", cfg.VoiceLLMURL, cfg.VoiceLLMModel)
	} else {
		llm = voice.NewMockDialogue()
		log.Printf("voice llm: mock (no VOICE_LLM_URL)")
	}

	var tts voice.TTSProvider
	if strings.TrimSpace(cfg.OpenAIAPIKey) != "" {
		tts = voice.NewHTTPTTS(cfg.VoiceTTSURL, cfg.VoiceTTSModel, cfg.OpenAIAPIKey)
		log.Printf("voice tts: %s (%s)", cfg.VoiceTTSURL, cfg.VoiceTTSModel)
	} else {
		tts = voice.NewMockTTS()
		log.Printf("voice tts: mock (no OPENAI_API_KEY)")
	}

	return voice.NewOrchestrator(stt, llm, tts, metrics, log.Default())
}
