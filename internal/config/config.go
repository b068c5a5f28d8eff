package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the voice journaling service.
type Config struct {
	BindAddr                 string
	ShutdownTimeout          time.Duration
	SessionInactivityTimeout time.Duration
	FirstAudioSLO            time.Duration
	MetricsNamespace         string

	AllowAnyOrigin bool

	GeminiAPIKey    string
	GeminiWSBaseURL string
	GeminiModel     string
	GeminiVoice     string

	SummarizerURL string
	DatabaseURL   string

	SpeechThreshold  float64
	SilenceThreshold float64
	SpeechDebounce   time.Duration
	SilenceDebounce  time.Duration
	EchoCooldown     time.Duration

	GreetingDelay       time.Duration
	LightSilenceTimeout time.Duration
	DeepSilenceTimeout  time.Duration
	TurnFinalizeDelay   time.Duration
	ReminderEveryTurns  int
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:         envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace: envOrDefault("APP_METRICS_NAMESPACE", "koelog"),
		AllowAnyOrigin:   false,
		GeminiAPIKey:     trimmedEnv("GEMINI_API_KEY"),
		GeminiWSBaseURL:  envOrDefault("GEMINI_WS_BASE_URL", "wss://generativelanguage.googleapis.com"),
		GeminiModel:      envOrDefault("GEMINI_MODEL", "models/gemini-2.0-flash-exp"),
		// Default to a soft voice suited to an evening journaling call.
		GeminiVoice:   envOrDefault("GEMINI_VOICE", "Aoede"),
		SummarizerURL: trimmedEnv("SUMMARIZER_URL"),
		DatabaseURL:   trimmedEnv("DATABASE_URL"),

		SpeechThreshold:  0.08,
		SilenceThreshold: 0.02,
		SpeechDebounce:   300 * time.Millisecond,
		SilenceDebounce:  500 * time.Millisecond,
		EchoCooldown:     1500 * time.Millisecond,

		GreetingDelay:       time.Second,
		LightSilenceTimeout: 15 * time.Second,
		DeepSilenceTimeout:  30 * time.Second,
		TurnFinalizeDelay:   600 * time.Millisecond,
		ReminderEveryTurns:  5,

		ShutdownTimeout:          15 * time.Second,
		SessionInactivityTimeout: 2 * time.Minute,
		FirstAudioSLO:            700 * time.Millisecond,
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
	cfg.FirstAudioSLO, err = durationFromEnv("APP_FIRST_AUDIO_SLO", cfg.FirstAudioSLO)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}

	cfg.SpeechThreshold, err = floatFromEnv("VAD_SPEECH_THRESHOLD", cfg.SpeechThreshold)
	if err != nil {
		return Config{}, err
	}
	cfg.SilenceThreshold, err = floatFromEnv("VAD_SILENCE_THRESHOLD", cfg.SilenceThreshold)
	if err != nil {
		return Config{}, err
	}
	cfg.SpeechDebounce, err = durationFromEnv("VAD_SPEECH_DEBOUNCE", cfg.SpeechDebounce)
	if err != nil {
		return Config{}, err
	}
	cfg.SilenceDebounce, err = durationFromEnv("VAD_SILENCE_DEBOUNCE", cfg.SilenceDebounce)
	if err != nil {
		return Config{}, err
	}
	cfg.EchoCooldown, err = durationFromEnv("AUDIO_ECHO_COOLDOWN", cfg.EchoCooldown)
	if err != nil {
		return Config{}, err
	}

	cfg.GreetingDelay, err = durationFromEnv("CALL_GREETING_DELAY", cfg.GreetingDelay)
	if err != nil {
		return Config{}, err
	}
	cfg.LightSilenceTimeout, err = durationFromEnv("CALL_LIGHT_SILENCE_TIMEOUT", cfg.LightSilenceTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.DeepSilenceTimeout, err = durationFromEnv("CALL_DEEP_SILENCE_TIMEOUT", cfg.DeepSilenceTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.TurnFinalizeDelay, err = durationFromEnv("CALL_TURN_FINALIZE_DELAY", cfg.TurnFinalizeDelay)
	if err != nil {
		return Config{}, err
	}
	cfg.ReminderEveryTurns, err = intFromEnv("CALL_REMINDER_EVERY_TURNS", cfg.ReminderEveryTurns)
	if err != nil {
		return Config{}, err
	}

	if cfg.SessionInactivityTimeout < 5*time.Second {
		return Config{}, fmt.Errorf("APP_SESSION_INACTIVITY_TIMEOUT must be at least 5s")
	}
	if cfg.SpeechThreshold <= cfg.SilenceThreshold {
		return Config{}, fmt.Errorf("VAD_SPEECH_THRESHOLD must be greater than VAD_SILENCE_THRESHOLD")
	}
	if cfg.LightSilenceTimeout >= cfg.DeepSilenceTimeout {
		return Config{}, fmt.Errorf("CALL_LIGHT_SILENCE_TIMEOUT must be below CALL_DEEP_SILENCE_TIMEOUT")
	}
	if cfg.ReminderEveryTurns < 0 {
		return Config{}, fmt.Errorf("CALL_REMINDER_EVERY_TURNS must be >= 0")
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func trimmedEnv(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := trimmedEnv(key)
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
	v := trimmedEnv(key)
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
	v := trimmedEnv(key)
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
	v := strings.ToLower(trimmedEnv(key))
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
