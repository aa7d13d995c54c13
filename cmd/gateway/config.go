package main

import (
	"time"

	"github.com/voicedesk/receptionist/internal/env"
	"github.com/voicedesk/receptionist/internal/prompts"
)

// config collects every externally tunable limit. Nothing here is a
// hard-coded constant at the call sites.
type config struct {
	port  string
	dbURL string

	// streaming backend
	streamingEnabled    bool
	streamingURL        string
	streamingAPIKey     string
	streamingVoice      string
	instructions        string
	connectTimeout      time.Duration
	responseTimeout     time.Duration
	collectTimeout      time.Duration
	streamingMaxRetries int
	backoffBase         time.Duration
	costPerAudioSec     float64
	costPerResponse     float64

	// pipeline backend
	whisperURL      string
	sttEngine       string
	sttPoolSize     int
	piperURL        string
	speechURL       string
	ttsEngine       string
	ttsVoice        string
	ttsPoolSize     int
	turnTimeout     time.Duration
	costPerExchange float64
	costPerTTSChar  float64

	// conversation engine
	engineURL string

	// extraction agent for consistency repair
	llmAPIKey      string
	llmBaseURL     string
	extractorModel string

	// function-call bridge
	callTimeout time.Duration
	maxAttempts int

	// session limits
	inputSampleRate  int
	maxSessionTime   time.Duration
	idleTimeout      time.Duration
	reapInterval     time.Duration
	sessionCostLimit float64
	systemCostLimit  float64
	maxAvgLatency    time.Duration
	maxAvgProcessing time.Duration
	probeTTL         time.Duration
	apology          string

	// circuit breaker
	breakerFailures    int
	breakerSuccesses   int
	breakerOpenTimeout time.Duration
	breakerWindow      time.Duration
	breakerSlowCall    time.Duration

	// caller throttling
	ratePerMinute   int
	ratePerHour     int
	rateBurst       int
	rateBurstWindow time.Duration

	// transport
	maxConcurrentCalls int
	maxChunkBytes      int
	eventLogMaxAge     time.Duration
}

func loadConfig() config {
	return config{
		port:  env.Str("GATEWAY_PORT", "8000"),
		dbURL: env.Str("DATABASE_URL", ""),

		streamingEnabled:    env.Bool("STREAMING_ENABLED", true),
		streamingURL:        env.Str("STREAMING_URL", ""),
		streamingAPIKey:     env.Str("STREAMING_API_KEY", ""),
		streamingVoice:      env.Str("STREAMING_VOICE", "alloy"),
		instructions:        env.Str("SESSION_INSTRUCTIONS", prompts.DefaultInstructions),
		connectTimeout:      env.Duration("STREAMING_CONNECT_TIMEOUT", 10*time.Second),
		responseTimeout:     env.Duration("STREAMING_RESPONSE_TIMEOUT", 15*time.Second),
		collectTimeout:      env.Duration("STREAMING_COLLECT_TIMEOUT", 45*time.Second),
		streamingMaxRetries: env.Int("STREAMING_MAX_RETRIES", 2),
		backoffBase:         env.Duration("RETRY_BACKOFF_BASE", time.Second),
		costPerAudioSec:     env.Float("COST_PER_AUDIO_SECOND_USD", 0.0006),
		costPerResponse:     env.Float("COST_PER_RESPONSE_USD", 0.002),

		whisperURL:      env.Str("WHISPER_URL", "http://localhost:8080"),
		sttEngine:       env.Str("STT_ENGINE", "whisper"),
		sttPoolSize:     env.Int("STT_POOL_SIZE", 50),
		piperURL:        env.Str("PIPER_URL", "http://localhost:5100"),
		speechURL:       env.Str("SPEECH_URL", ""),
		ttsEngine:       env.Str("TTS_ENGINE", "piper"),
		ttsVoice:        env.Str("TTS_VOICE", "en_US-lessac-medium"),
		ttsPoolSize:     env.Int("TTS_POOL_SIZE", 50),
		turnTimeout:     env.Duration("ENGINE_TURN_TIMEOUT", 30*time.Second),
		costPerExchange: env.Float("COST_PER_PIPELINE_EXCHANGE_USD", 0.0002),
		costPerTTSChar:  env.Float("COST_PER_TTS_CHAR_USD", 0.000004),

		engineURL: env.Str("ENGINE_URL", "http://localhost:9000"),

		llmAPIKey:      env.Str("OPENAI_API_KEY", ""),
		llmBaseURL:     env.Str("OPENAI_BASE_URL", ""),
		extractorModel: env.Str("EXTRACTOR_MODEL", "gpt-4o-mini"),

		callTimeout: env.Duration("FUNCTION_CALL_TIMEOUT", 30*time.Second),
		maxAttempts: env.Int("FUNCTION_CALL_MAX_ATTEMPTS", 3),

		inputSampleRate:  env.Int("INPUT_SAMPLE_RATE", 24000),
		maxSessionTime:   env.Duration("MAX_SESSION_TIME", 30*time.Minute),
		idleTimeout:      env.Duration("SESSION_IDLE_TIMEOUT", 5*time.Minute),
		reapInterval:     env.Duration("SESSION_REAP_INTERVAL", 30*time.Second),
		sessionCostLimit: env.Float("SESSION_COST_LIMIT_USD", 5.0),
		systemCostLimit:  env.Float("SYSTEM_HOURLY_COST_LIMIT_USD", 100.0),
		maxAvgLatency:    env.Duration("MAX_AVG_LATENCY", 3*time.Second),
		maxAvgProcessing: env.Duration("MAX_AVG_PROCESSING", 8*time.Second),
		probeTTL:         env.Duration("HEALTH_PROBE_TTL", 30*time.Second),
		apology:          env.Str("APOLOGY_TEXT", prompts.DefaultApology),

		breakerFailures:    env.Int("BREAKER_FAILURE_THRESHOLD", 5),
		breakerSuccesses:   env.Int("BREAKER_SUCCESS_THRESHOLD", 2),
		breakerOpenTimeout: env.Duration("BREAKER_OPEN_TIMEOUT", 30*time.Second),
		breakerWindow:      env.Duration("BREAKER_WINDOW", time.Minute),
		breakerSlowCall:    env.Duration("BREAKER_SLOW_CALL", 10*time.Second),

		ratePerMinute:   env.Int("RATE_LIMIT_PER_MINUTE", 10),
		ratePerHour:     env.Int("RATE_LIMIT_PER_HOUR", 120),
		rateBurst:       env.Int("RATE_LIMIT_BURST", 5),
		rateBurstWindow: env.Duration("RATE_LIMIT_BURST_WINDOW", 10*time.Second),

		maxConcurrentCalls: env.Int("MAX_CONCURRENT_CALLS", 100),
		maxChunkBytes:      env.Int("MAX_AUDIO_CHUNK_BYTES", 1<<20),
		eventLogMaxAge:     env.Duration("FALLBACK_EVENT_MAX_AGE", 24*time.Hour),
	}
}
