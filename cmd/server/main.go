package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/pscheid92/babelcast/internal/hub"
	"github.com/pscheid92/babelcast/internal/platform/config"
	"github.com/pscheid92/babelcast/internal/platform/logging"
	"github.com/pscheid92/babelcast/internal/registry"
	"github.com/pscheid92/babelcast/internal/server"
	"github.com/pscheid92/babelcast/internal/speech"
	"github.com/pscheid92/babelcast/internal/translate"
)

func setupConfig() *config.Config {
	cfg, err := config.Load()
	if err != nil {
		// Use log before slog is initialized
		log.Fatalf("Failed to load config: %v", err)
	}
	return cfg
}

func runGracefulShutdown(srv *server.Server, h *hub.Hub) <-chan struct{} {
	done := make(chan struct{})
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		slog.Info("Shutdown signal received, cleaning up...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("Server shutdown error", "error", err)
		}

		h.Stop()

		close(done)
	}()

	return done
}

func main() {
	clock := clockwork.NewRealClock()

	cfg := setupConfig()

	logging.InitLogger(cfg.LogLevel, cfg.LogFormat)
	slog.Info("Application starting", "env", cfg.AppEnv, "port", cfg.Port)

	translator := translate.NewClient(cfg.TranslationEndpoint, cfg.TranslationRegion, cfg.TranslationKey)
	engine := speech.NewEngine(cfg.SpeechRealtimeURL, cfg.SpeechAPIKey, cfg.SampleRate, cfg.SilenceThresholdMs)
	batch := speech.NewBatchClient(cfg.SpeechAPIURL, cfg.SpeechAPIKey)

	h := hub.New(registry.New(), translator, engine, clock, hub.Limits{
		MaxStreamers:     cfg.MaxStreamers,
		MaxStreams:       cfg.MaxStreams,
		MaxStreamingTime: cfg.MaxStreamingTime,
	})

	srv := server.NewServer(cfg, h, batch, clock)

	done := runGracefulShutdown(srv, h)

	if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("Server error", "error", err)
		os.Exit(1)
	}

	<-done
	slog.Info("Shutdown complete")
}
