// Package server exposes the HTTP surface: the websocket endpoint feeding the
// hub, the batch transcription upload, and the observability endpoints.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/pscheid92/babelcast/internal/hub"
	"github.com/pscheid92/babelcast/internal/platform/config"
)

const (
	// transcribe uploads are expensive; mirror a 6-per-3-minutes budget per IP
	transcribeWindow   = 3 * time.Minute
	transcribeRequests = 6
)

type Server struct {
	echo      *echo.Echo
	config    *config.Config
	hub       *hub.Hub
	limits    *ConnectionLimits
	clock     clockwork.Clock
	batch     Transcriber
	startTime time.Time
}

func NewServer(cfg *config.Config, h *hub.Hub, batch Transcriber, clock clockwork.Clock) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Logger())
	e.Use(middleware.Recover())

	srv := &Server{
		echo:      e,
		config:    cfg,
		hub:       h,
		limits:    NewConnectionLimits(cfg.MaxWebSocketConnections, clock),
		clock:     clock,
		batch:     batch,
		startTime: clock.Now(),
	}

	srv.registerRoutes()
	return srv
}

func (s *Server) registerRoutes() {
	// Observability endpoints
	s.echo.GET("/health/live", s.handleLiveness)
	s.echo.GET("/health/ready", s.handleReadiness)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	// Broadcast relay
	s.echo.GET("/ws", s.handleWebSocket)

	// Batch transcription (rate limited per IP)
	s.echo.POST("/transcribe", s.handleTranscribe, transcribeRateLimiter())
}

// transcribeRateLimiter budgets uploads per client IP. Exceeding it answers
// 429 with a RATE_EXCEEDED body.
func transcribeRateLimiter() echo.MiddlewareFunc {
	store := middleware.NewRateLimiterMemoryStoreWithConfig(middleware.RateLimiterMemoryStoreConfig{
		Rate:      rate.Limit(float64(transcribeRequests) / transcribeWindow.Seconds()),
		Burst:     transcribeRequests,
		ExpiresIn: transcribeWindow,
	})
	return middleware.RateLimiterWithConfig(middleware.RateLimiterConfig{
		Store: store,
		DenyHandler: func(c echo.Context, identifier string, err error) error {
			return c.JSON(http.StatusTooManyRequests, map[string]string{"message": "RATE_EXCEEDED"})
		},
	})
}

// allowedOrigin reports whether the Origin header matches one of the
// configured prefixes. Requests without an Origin header are allowed; those
// come from non-browser clients.
func (s *Server) allowedOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, prefix := range s.config.OriginPrefixes() {
		if strings.HasPrefix(origin, prefix) {
			return true
		}
	}
	return false
}

func (s *Server) handleLiveness(c echo.Context) error {
	uptime := s.clock.Since(s.startTime).Seconds()
	return c.JSON(http.StatusOK, map[string]any{
		"status": "ok",
		"uptime": uptime,
	})
}

func (s *Server) handleReadiness(c echo.Context) error {
	stats := s.hub.Stats()
	return c.JSON(http.StatusOK, map[string]any{
		"status":      "ready",
		"broadcasts":  stats.Broadcasts,
		"clients":     stats.ConnectedClients,
		"connections": s.limits.Current(),
	})
}

func (s *Server) Start() error {
	slog.Info("Starting server", "port", s.config.Port)
	return s.echo.Start(fmt.Sprintf(":%s", s.config.Port))
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}
