// Package config loads and validates environment-sourced configuration.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go-simpler.org/env"
)

type Config struct {
	AppEnv string `env:"APP_ENV" default:"development"`
	Port   string `env:"PORT" default:"4000"`

	SpeechAPIKey      string `env:"SPEECH_API_KEY"`
	SpeechAPIURL      string `env:"SPEECH_API_URL" default:"https://api.assemblyai.com"`
	SpeechRealtimeURL string `env:"SPEECH_REALTIME_URL" default:"wss://api.assemblyai.com/v2/realtime/ws"`

	TranslationEndpoint string `env:"TRANSLATION_ENDPOINT"`
	TranslationRegion   string `env:"TRANSLATION_REGION"`
	TranslationKey      string `env:"TRANSLATION_KEY"`

	// AllowedOrigins is a comma-separated list of origin prefixes permitted to
	// open websocket connections.
	AllowedOrigins string `env:"ALLOWED_ORIGINS"`

	MaxStreamers     int           `env:"MAX_STREAMERS" default:"25"`
	MaxStreams       int           `env:"MAX_STREAMS" default:"100"`
	MaxStreamingTime time.Duration `env:"MAX_STREAMING_TIME" default:"10m"`

	SampleRate         int `env:"SAMPLE_RATE" default:"16000"`
	SilenceThresholdMs int `env:"SILENCE_THRESHOLD_MS" default:"700"`

	MaxWebSocketConnections int64 `env:"MAX_WEBSOCKET_CONNECTIONS" default:"10000"`

	LogLevel  string `env:"LOG_LEVEL" default:"info"`
	LogFormat string `env:"LOG_FORMAT" default:"text"`
}

func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	var cfg Config
	if err := env.Load(&cfg, nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func validate(cfg *Config) error {
	required := map[string]string{
		"SPEECH_API_KEY":       cfg.SpeechAPIKey,
		"TRANSLATION_ENDPOINT": cfg.TranslationEndpoint,
		"TRANSLATION_REGION":   cfg.TranslationRegion,
		"TRANSLATION_KEY":      cfg.TranslationKey,
		"ALLOWED_ORIGINS":      cfg.AllowedOrigins,
	}

	var missing []string
	for name, value := range required {
		if value == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return fmt.Errorf("missing required environment variables: %s", strings.Join(missing, ", "))
	}

	if cfg.MaxStreamers <= 0 {
		return errors.New("MAX_STREAMERS must be positive")
	}
	if cfg.MaxStreams <= 0 {
		return errors.New("MAX_STREAMS must be positive")
	}
	if cfg.MaxStreamingTime <= 0 {
		return errors.New("MAX_STREAMING_TIME must be positive")
	}
	if cfg.SampleRate <= 0 {
		return errors.New("SAMPLE_RATE must be positive")
	}

	return nil
}

// OriginPrefixes splits AllowedOrigins into trimmed, non-empty prefixes.
func (c *Config) OriginPrefixes() []string {
	var prefixes []string
	for _, part := range strings.Split(c.AllowedOrigins, ",") {
		if p := strings.TrimSpace(part); p != "" {
			prefixes = append(prefixes, p)
		}
	}
	return prefixes
}
