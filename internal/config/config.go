package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the STT gateway.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string

	AllowAnyOrigin bool
	AllowedOrigins []string

	OpenAIAPIKey             string
	OpenAIRealtimeURL        string
	OpenAIStreamingModel     string
	OpenAIBatchModel         string
	OpenAIBatchModelFallback string

	ResamplerBinary string

	// MaxPcmQueueBytes bounds audio buffered while an adapter warms up;
	// staying over it past OverflowGrace kills the session.
	MaxPcmQueueBytes int
	OverflowGrace    time.Duration

	KeepaliveInterval time.Duration
	MaxMissedPongs    int

	SessionInactivityTimeout time.Duration
	ProviderHealthRefresh    time.Duration
	LatencyWindowSize        int

	VoiceSystemPrompt    string
	VoiceHistoryMaxTurns int
	VoiceLLMURL          string
	VoiceLLMModel        string
	VoiceTTSURL          string
	VoiceTTSModel        string
	VoiceTTSVoice        string

	MeetingOpenWindow   time.Duration
	MeetingCooldown     time.Duration
	EchoSuppressWindow  time.Duration
	EchoSimilarity      float64
	MeetingIntroEnabled bool

	DatabaseURL string
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:                 envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace:         envOrDefault("APP_METRICS_NAMESPACE", "sttgate"),
		OpenAIAPIKey:             stringsTrimSpace("OPENAI_API_KEY"),
		OpenAIRealtimeURL:        envOrDefault("OPENAI_REALTIME_URL", "wss://api.openai.com/v1/realtime"),
		OpenAIStreamingModel:     envOrDefault("OPENAI_STREAMING_MODEL", "gpt-4o-transcribe"),
		OpenAIBatchModel:         envOrDefault("OPENAI_BATCH_MODEL", "gpt-4o-transcribe"),
		OpenAIBatchModelFallback: envOrDefault("OPENAI_BATCH_MODEL_FALLBACK", "whisper-1"),
		ResamplerBinary:          envOrDefault("APP_RESAMPLER_BINARY", "ffmpeg"),
		MaxPcmQueueBytes:         5 << 20,
		OverflowGrace:            500 * time.Millisecond,
		KeepaliveInterval:        30 * time.Second,
		MaxMissedPongs:           2,
		SessionInactivityTimeout: 2 * time.Minute,
		ProviderHealthRefresh:    5 * time.Second,
		LatencyWindowSize:        256,
		VoiceSystemPrompt:        envOrDefault("VOICE_SYSTEM_PROMPT", "You are a concise voice assistant. Answer briefly; the reply is spoken aloud."),
		VoiceHistoryMaxTurns:     12,
		VoiceLLMURL:              stringsTrimSpace("VOICE_LLM_URL"),
		VoiceLLMModel:            envOrDefault("VOICE_LLM_MODEL", "gpt-4o-mini"),
		VoiceTTSURL:              envOrDefault("VOICE_TTS_URL", "https://api.openai.com/v1/audio/speech"),
		VoiceTTSModel:            envOrDefault("VOICE_TTS_MODEL", "gpt-4o-mini-tts"),
		VoiceTTSVoice:            envOrDefault("VOICE_TTS_VOICE", "alloy"),
		MeetingOpenWindow:        6 * time.Second,
		MeetingCooldown:          1500 * time.Millisecond,
		EchoSuppressWindow:       3 * time.Second,
		EchoSimilarity:           0.8,
		MeetingIntroEnabled:      false,
		DatabaseURL:              stringsTrimSpace("DATABASE_URL"),
		ShutdownTimeout:          15 * time.Second,
	}

	if origins := stringsTrimSpace("ALLOWED_ORIGINS"); origins != "" {
		for _, o := range strings.Split(origins, ",") {
			if o = trimSpace(o); o != "" {
				cfg.AllowedOrigins = append(cfg.AllowedOrigins, o)
			}
		}
	}

	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.SessionInactivityTimeout, err = durationFromEnv("APP_SESSION_INACTIVITY_TIMEOUT", cfg.SessionInactivityTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.KeepaliveInterval, err = durationFromEnv("APP_KEEPALIVE_INTERVAL", cfg.KeepaliveInterval)
	if err != nil {
		return Config{}, err
	}
	cfg.OverflowGrace, err = durationFromEnv("APP_OVERFLOW_GRACE", cfg.OverflowGrace)
	if err != nil {
		return Config{}, err
	}
	cfg.ProviderHealthRefresh, err = durationFromEnv("PROVIDER_HEALTH_REFRESH", cfg.ProviderHealthRefresh)
	if err != nil {
		return Config{}, err
	}
	cfg.MeetingOpenWindow, err = durationFromEnv("MEETING_OPEN_WINDOW", cfg.MeetingOpenWindow)
	if err != nil {
		return Config{}, err
	}
	cfg.MeetingCooldown, err = durationFromEnv("MEETING_COOLDOWN", cfg.MeetingCooldown)
	if err != nil {
		return Config{}, err
	}
	cfg.EchoSuppressWindow, err = durationFromEnv("MEETING_ECHO_SUPPRESS", cfg.EchoSuppressWindow)
	if err != nil {
		return Config{}, err
	}
	cfg.MaxPcmQueueBytes, err = intFromEnv("APP_MAX_PCM_QUEUE_BYTES", cfg.MaxPcmQueueBytes)
	if err != nil {
		return Config{}, err
	}
	cfg.MaxMissedPongs, err = intFromEnv("APP_MAX_MISSED_PONGS", cfg.MaxMissedPongs)
	if err != nil {
		return Config{}, err
	}
	cfg.LatencyWindowSize, err = intFromEnv("APP_LATENCY_WINDOW_SIZE", cfg.LatencyWindowSize)
	if err != nil {
		return Config{}, err
	}
	cfg.VoiceHistoryMaxTurns, err = intFromEnv("VOICE_HISTORY_MAX_TURNS", cfg.VoiceHistoryMaxTurns)
	if err != nil {
		return Config{}, err
	}
	cfg.EchoSimilarity, err = floatFromEnv("MEETING_ECHO_SIMILARITY", cfg.EchoSimilarity)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}
	cfg.MeetingIntroEnabled, err = boolFromEnv("MEETING_INTRO_ENABLED", cfg.MeetingIntroEnabled)
	if err != nil {
		return Config{}, err
	}

	if cfg.SessionInactivityTimeout < 5*time.Second {
		return Config{}, fmt.Errorf("APP_SESSION_INACTIVITY_TIMEOUT must be at least 5s")
	}
	if cfg.MaxPcmQueueBytes <= 0 {
		return Config{}, fmt.Errorf("APP_MAX_PCM_QUEUE_BYTES must be positive")
	}
	if cfg.MaxMissedPongs <= 0 {
		return Config{}, fmt.Errorf("APP_MAX_MISSED_PONGS must be positive")
	}
	if cfg.VoiceHistoryMaxTurns <= 0 {
		return Config{}, fmt.Errorf("VOICE_HISTORY_MAX_TURNS must be positive")
	}
	if cfg.EchoSimilarity < 0 || cfg.EchoSimilarity > 1 {
		return Config{}, fmt.Errorf("MEETING_ECHO_SIMILARITY must be within [0,1]")
	}

	return cfg, nil
}

// OriginAllowed reports whether a websocket upgrade from origin should
// be accepted. An empty allow-list accepts same-host browsers only,
// which the upgrader handles; entries match exactly.
func (c Config) OriginAllowed(origin string) bool {
	if c.AllowAnyOrigin {
		return true
	}
	for _, allowed := range c.AllowedOrigins {
		if strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

func envOrDefault(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return trimSpace(os.Getenv(key))
}

func trimSpace(v string) string {
	return strings.TrimSpace(v)
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func floatFromEnv(key string, fallback float64) (float64, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return f, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringsTrimSpace(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
