package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nlpodyssey/openai-agents-go/agents"
	"github.com/openai/openai-go/v2/packages/param"

	"github.com/voicedesk/receptionist/internal/bridge"
	"github.com/voicedesk/receptionist/internal/engine"
	"github.com/voicedesk/receptionist/internal/fallback"
	"github.com/voicedesk/receptionist/internal/orchestrator"
	"github.com/voicedesk/receptionist/internal/pipeline"
	"github.com/voicedesk/receptionist/internal/prompts"
	"github.com/voicedesk/receptionist/internal/reliability"
	"github.com/voicedesk/receptionist/internal/session"
	"github.com/voicedesk/receptionist/internal/streaming"
	"github.com/voicedesk/receptionist/internal/ws"
)

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})))

	cfg := loadConfig()

	var store *session.Store
	if cfg.dbURL != "" {
		var err error
		store, err = session.OpenStore(cfg.dbURL)
		if err != nil {
			slog.Warn("session store unavailable, continuing without persistence", "error", err)
		} else {
			defer store.Close()
		}
	}

	breakers := reliability.NewRegistry(reliability.BreakerConfig{
		FailureThreshold: cfg.breakerFailures,
		SuccessThreshold: cfg.breakerSuccesses,
		OpenTimeout:      cfg.breakerOpenTimeout,
		Window:           cfg.breakerWindow,
		SlowCall:         cfg.breakerSlowCall,
	})

	limiter := reliability.NewLimiter(reliability.LimitConfig{
		PerMinute:   cfg.ratePerMinute,
		PerHour:     cfg.ratePerHour,
		Burst:       cfg.rateBurst,
		BurstWindow: cfg.rateBurstWindow,
	})

	// The health prober opens and immediately closes a backend connection.
	dialer := streaming.NewWebSocketDialer(cfg.streamingURL, cfg.streamingAPIKey, cfg.connectTimeout)
	prober := func(ctx context.Context) error {
		conn, err := dialer(ctx)
		if err != nil {
			return err
		}
		return conn.Close()
	}
	systemCost := reliability.NewCostWindow(time.Hour)
	health := fallback.NewHealth(systemCost, prober, cfg.probeTTL)

	decider := fallback.NewEngine(fallback.Config{
		MaxSessionTime:      cfg.maxSessionTime,
		SessionCostLimitUSD: cfg.sessionCostLimit,
		SystemCostLimitUSD:  cfg.systemCostLimit,
		MaxAvgLatency:       cfg.maxAvgLatency,
		MaxAvgProcessing:    cfg.maxAvgProcessing,
	}, health)

	eng := engine.NewHTTPEngine(cfg.engineURL, pipeline.NewPooledHTTPClient(cfg.sttPoolSize, cfg.turnTimeout))

	var extractor bridge.InfoExtractor
	if cfg.llmAPIKey != "" {
		params := agents.OpenAIProviderParams{APIKey: param.NewOpt(cfg.llmAPIKey)}
		if cfg.llmBaseURL != "" {
			params.BaseURL = param.NewOpt(cfg.llmBaseURL)
		}
		extractor = bridge.NewAgentExtractor(agents.NewOpenAIProvider(params), cfg.extractorModel)
		slog.Info("consistency repair extractor enabled", "model", cfg.extractorModel)
	}

	br := bridge.New(bridge.Config{
		Engine:      eng,
		Breakers:    breakers,
		Extractor:   extractor,
		CallTimeout: cfg.callTimeout,
		MaxAttempts: cfg.maxAttempts,
		BackoffBase: cfg.backoffBase,
	})

	// STT backends
	sttBackends := map[string]pipeline.Transcriber{
		"whisper": pipeline.NewWhisperClient(cfg.whisperURL, cfg.sttPoolSize),
	}
	if cfg.speechURL != "" {
		sttBackends["openai"] = pipeline.NewOpenAITranscribeClient(cfg.speechURL, cfg.sttPoolSize)
	}
	sttRouter := pipeline.NewSTTRouter(sttBackends, cfg.sttEngine)

	// TTS backends
	ttsHTTP := pipeline.NewPooledHTTPClient(cfg.ttsPoolSize, 30*time.Second)
	ttsBackends := map[string]pipeline.Synthesizer{
		"piper": pipeline.NewPiperSynthesizer(cfg.piperURL, cfg.ttsVoice, ttsHTTP),
	}
	if cfg.speechURL != "" {
		ttsBackends["openai"] = pipeline.NewOpenAISynthesizer(cfg.speechURL, "tts-1", cfg.ttsVoice, ttsHTTP)
	}
	ttsRouter := pipeline.NewTTSRouter(ttsBackends, cfg.ttsEngine)

	instructions := prompts.ForSession(cfg.instructions)

	streamingFactory := func(ctx context.Context, sessionID string) (orchestrator.Backend, error) {
		a := streaming.NewAdapter(sessionID, streaming.Config{
			Dial:            dialer,
			Voice:           cfg.streamingVoice,
			Instructions:    instructions,
			SampleRate:      cfg.inputSampleRate,
			ConnectTimeout:  cfg.connectTimeout,
			ResponseTimeout: cfg.responseTimeout,
			CollectTimeout:  cfg.collectTimeout,
			MaxRetries:      cfg.streamingMaxRetries,
			BackoffBase:     cfg.backoffBase,
			CostPerAudioSec: cfg.costPerAudioSec,
			CostPerResponse: cfg.costPerResponse,
			Bridge:          br,
		})
		if err := a.Connect(ctx); err != nil {
			return nil, err
		}
		return a, nil
	}

	pipelineFactory := func(ctx context.Context, sessionID string) (orchestrator.Backend, error) {
		return pipeline.NewAdapter(sessionID, pipeline.Config{
			STT:             sttRouter,
			STTEngine:       cfg.sttEngine,
			TTS:             ttsRouter,
			TTSEngine:       cfg.ttsEngine,
			TTSVoice:        cfg.ttsVoice,
			Engine:          eng,
			Breakers:        breakers,
			InputSampleRate: cfg.inputSampleRate,
			TurnTimeout:     cfg.turnTimeout,
			CostPerExchange: cfg.costPerExchange,
			CostPerTTSChar:  cfg.costPerTTSChar,
		}), nil
	}

	events := session.NewEventLog(cfg.eventLogMaxAge)

	orch := orchestrator.New(orchestrator.Config{
		StreamingEnabled:    cfg.streamingEnabled && cfg.streamingURL != "",
		SystemCostLimitUSD:  cfg.systemCostLimit,
		SessionCostLimitUSD: cfg.sessionCostLimit,
		NewStreaming:        streamingFactory,
		NewPipeline:         pipelineFactory,
		Decider:             decider,
		Health:              health,
		Bridge:              br,
		Events:              events,
		Store:               store,
		Limiter:             limiter,
		MaxSessionTime:      cfg.maxSessionTime,
		IdleTimeout:         cfg.idleTimeout,
		ReapInterval:        cfg.reapInterval,
		Apology:             cfg.apology,
	})

	reaperCtx, stopReaper := context.WithCancel(context.Background())
	defer stopReaper()
	go orch.RunReaper(reaperCtx)

	handler := ws.NewHandler(ws.HandlerConfig{
		Orchestrator:     orch,
		MaxConcurrent:    cfg.maxConcurrentCalls,
		MaxChunkBytes:    cfg.maxChunkBytes,
		TargetSampleRate: cfg.inputSampleRate,
	})

	mux := http.NewServeMux()
	registerRoutes(mux, deps{
		orch:      orch,
		health:    health,
		breakers:  breakers,
		events:    events,
		store:     store,
		wsHandler: handler,
	})

	addr := ":" + cfg.port
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigCh
		slog.Info("shutting down", "signal", sig)
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		stopReaper()
		for _, snap := range orch.Sessions() {
			if _, err := orch.EndSession(ctx, snap.ID); err != nil {
				slog.Warn("end session on shutdown", "session_id", snap.ID, "error", err)
			}
		}

		srv.Shutdown(ctx)
	}()

	slog.Info("gateway starting", "addr", addr,
		"streaming_enabled", cfg.streamingEnabled && cfg.streamingURL != "",
		"max_concurrent", cfg.maxConcurrentCalls)

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}

	slog.Info("gateway stopped")
}
