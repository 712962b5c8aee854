// Package config loads runtime settings from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the synthesis service.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string

	// Storage locations.
	VoiceCacheDir string
	VoiceDBFile   string
	OutputDir     string

	// Optional remote model server. Empty runs the embedded mock backend.
	ModelServerURL string

	// Optional task archive.
	DatabaseURL string

	// ffmpeg binary for mp3/flac conversion. Empty disables non-wav formats.
	FFmpegPath string

	// Synthesis limits.
	MaxTextLength  int
	MinClipSeconds float64
	MaxClipSeconds float64
	MaxUploadBytes int64

	// Task lifecycle.
	TaskRetention   time.Duration
	SweepInterval   time.Duration
	CallbackTimeout time.Duration
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:         envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace: envOrDefault("APP_METRICS_NAMESPACE", "voiceforge"),
		VoiceCacheDir:    envOrDefault("VOICE_CACHE_DIR", "data/voices"),
		VoiceDBFile:      envOrDefault("VOICE_DB_FILE", "data/voices.json"),
		OutputDir:        envOrDefault("OUTPUT_DIR", "data/outputs"),
		ModelServerURL:   trimEnv("MODEL_SERVER_URL"),
		DatabaseURL:      trimEnv("DATABASE_URL"),
		FFmpegPath:       envOrDefault("FFMPEG_PATH", "ffmpeg"),
		MaxTextLength:    2000,
		MinClipSeconds:   0.5,
		MaxClipSeconds:   30,
		MaxUploadBytes:   50 << 20,
		ShutdownTimeout:  15 * time.Second,
		TaskRetention:    24 * time.Hour,
		SweepInterval:    time.Hour,
		CallbackTimeout:  10 * time.Second,
	}

	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.TaskRetention, err = durationFromEnv("TASK_RETENTION", cfg.TaskRetention)
	if err != nil {
		return Config{}, err
	}
	cfg.SweepInterval, err = durationFromEnv("TASK_SWEEP_INTERVAL", cfg.SweepInterval)
	if err != nil {
		return Config{}, err
	}
	cfg.CallbackTimeout, err = durationFromEnv("CALLBACK_TIMEOUT", cfg.CallbackTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.MaxTextLength, err = intFromEnv("MAX_TEXT_LENGTH", cfg.MaxTextLength)
	if err != nil {
		return Config{}, err
	}
	cfg.MinClipSeconds, err = floatFromEnv("MIN_CLIP_SECONDS", cfg.MinClipSeconds)
	if err != nil {
		return Config{}, err
	}
	cfg.MaxClipSeconds, err = floatFromEnv("MAX_CLIP_SECONDS", cfg.MaxClipSeconds)
	if err != nil {
		return Config{}, err
	}
	maxUpload, err := intFromEnv("MAX_UPLOAD_BYTES", int(cfg.MaxUploadBytes))
	if err != nil {
		return Config{}, err
	}
	cfg.MaxUploadBytes = int64(maxUpload)

	if cfg.MaxTextLength <= 0 {
		return Config{}, fmt.Errorf("MAX_TEXT_LENGTH must be positive")
	}
	if cfg.MinClipSeconds <= 0 || cfg.MaxClipSeconds <= cfg.MinClipSeconds {
		return Config{}, fmt.Errorf("clip duration limits must satisfy 0 < min < max")
	}
	if cfg.MaxUploadBytes <= 0 {
		return Config{}, fmt.Errorf("MAX_UPLOAD_BYTES must be positive")
	}
	if cfg.TaskRetention < time.Minute {
		return Config{}, fmt.Errorf("TASK_RETENTION must be at least 1m")
	}
	if cfg.SweepInterval < time.Second {
		return Config{}, fmt.Errorf("TASK_SWEEP_INTERVAL must be at least 1s")
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

func trimEnv(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := trimEnv(key)
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
	v := trimEnv(key)
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
	v := trimEnv(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return f, nil
}
