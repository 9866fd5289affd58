package server

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/pscheid92/babelcast/internal/metrics"
)

const (
	readBufferSize = 4096
	maxMessageSize = 1 << 20 // audio chunks arrive base64-inflated
)

func (s *Server) upgrader() websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  readBufferSize,
		WriteBufferSize: readBufferSize,
		CheckOrigin:     s.allowedOrigin,
	}
}

func (s *Server) handleWebSocket(c echo.Context) error {
	if !s.allowedOrigin(c.Request()) {
		return c.String(http.StatusForbidden, "Origin not allowed")
	}

	ip := c.RealIP()
	ok, reason := s.limits.Acquire(ip)
	if !ok {
		metrics.ConnectionsRejectedTotal.WithLabelValues(string(reason)).Inc()
		slog.Warn("Rejecting connection", "ip", ip, "reason", reason)
		return c.String(http.StatusServiceUnavailable, "Too many connections")
	}
	defer s.limits.Release(ip)

	upgrader := s.upgrader()
	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return fmt.Errorf("failed to upgrade WebSocket: %w", err)
	}
	conn.SetReadLimit(maxMessageSize)

	clientID := uuid.NewString()
	writer := newClientWriter(conn, s.clock)
	s.hub.Connect(clientID, writer)

	slog.Debug("Client connected", "client_id", clientID, "ip", ip)

	// Read pump. Blocks until the connection closes.
	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		writer.updateReadDeadline()

		switch messageType {
		case websocket.TextMessage:
			s.hub.HandleText(clientID, data)
		case websocket.BinaryMessage:
			s.hub.HandleBinary(clientID, data)
		}
	}

	s.hub.Disconnect(clientID)
	writer.stop()

	slog.Debug("Client disconnected", "client_id", clientID)
	return nil
}
