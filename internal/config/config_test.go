package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("APP_BIND_ADDR", ":9090")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.BindAddr != ":9090" {
		t.Fatalf("BindAddr = %q, want :9090", cfg.BindAddr)
	}
	if cfg.MetricsNamespace != "koelog" {
		t.Fatalf("MetricsNamespace = %q, want koelog", cfg.MetricsNamespace)
	}
	if cfg.GeminiVoice != "Aoede" {
		t.Fatalf("GeminiVoice = %q, want Aoede", cfg.GeminiVoice)
	}
	if cfg.SpeechThreshold != 0.08 || cfg.SilenceThreshold != 0.02 {
		t.Fatalf("thresholds = %v/%v, want 0.08/0.02", cfg.SpeechThreshold, cfg.SilenceThreshold)
	}
	if cfg.LightSilenceTimeout != 15*time.Second || cfg.DeepSilenceTimeout != 30*time.Second {
		t.Fatalf("silence timeouts = %v/%v", cfg.LightSilenceTimeout, cfg.DeepSilenceTimeout)
	}
}

func TestLoadOverrides(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("VAD_SPEECH_THRESHOLD", "0.12")
	t.Setenv("CALL_LIGHT_SILENCE_TIMEOUT", "10s")
	t.Setenv("CALL_DEEP_SILENCE_TIMEOUT", "25s")
	t.Setenv("GEMINI_VOICE", "Kore")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.SpeechThreshold != 0.12 {
		t.Fatalf("SpeechThreshold = %v, want 0.12", cfg.SpeechThreshold)
	}
	if cfg.LightSilenceTimeout != 10*time.Second || cfg.DeepSilenceTimeout != 25*time.Second {
		t.Fatalf("silence timeouts = %v/%v", cfg.LightSilenceTimeout, cfg.DeepSilenceTimeout)
	}
	if cfg.GeminiVoice != "Kore" {
		t.Fatalf("GeminiVoice = %q, want Kore", cfg.GeminiVoice)
	}
}

func TestLoadRejectsInvertedThresholds(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("VAD_SPEECH_THRESHOLD", "0.01")
	t.Setenv("VAD_SILENCE_THRESHOLD", "0.05")

	if _, err := Load(); err == nil {
		t.Fatalf("expected error for speech threshold below silence threshold")
	}
}

func TestLoadRejectsInvertedSilenceTimeouts(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("CALL_LIGHT_SILENCE_TIMEOUT", "30s")
	t.Setenv("CALL_DEEP_SILENCE_TIMEOUT", "15s")

	if _, err := Load(); err == nil {
		t.Fatalf("expected error for light timeout above deep timeout")
	}
}

func setCoreEnvEmpty(t *testing.T) {
	t.Helper()
	keys := []string{
		"APP_BIND_ADDR",
		"APP_SHUTDOWN_TIMEOUT",
		"APP_SESSION_INACTIVITY_TIMEOUT",
		"APP_FIRST_AUDIO_SLO",
		"APP_METRICS_NAMESPACE",
		"APP_ALLOW_ANY_ORIGIN",
		"GEMINI_API_KEY",
		"GEMINI_WS_BASE_URL",
		"GEMINI_MODEL",
		"GEMINI_VOICE",
		"SUMMARIZER_URL",
		"DATABASE_URL",
		"VAD_SPEECH_THRESHOLD",
		"VAD_SILENCE_THRESHOLD",
		"VAD_SPEECH_DEBOUNCE",
		"VAD_SILENCE_DEBOUNCE",
		"AUDIO_ECHO_COOLDOWN",
		"CALL_GREETING_DELAY",
		"CALL_LIGHT_SILENCE_TIMEOUT",
		"CALL_DEEP_SILENCE_TIMEOUT",
		"CALL_TURN_FINALIZE_DELAY",
		"CALL_REMINDER_EVERY_TURNS",
	}
	for _, key := range keys {
		t.Setenv(key, "")
	}
}
