package server

import (
	"context"
	"io"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"
)

// Transcriber runs a whole recording through the batch speech API.
type Transcriber interface {
	Transcribe(ctx context.Context, audio io.Reader) (string, error)
}

// handleTranscribe accepts a multipart recording under the "file" field and
// answers with the speaker-labeled transcript as plain text.
func (s *Server) handleTranscribe(c echo.Context) error {
	fileHeader, err := c.FormFile("file")
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "No file uploaded"})
	}

	file, err := fileHeader.Open()
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "No file uploaded"})
	}
	defer file.Close()

	slog.Info("Transcribing upload", "filename", fileHeader.Filename, "size", fileHeader.Size)

	transcript, err := s.batch.Transcribe(c.Request().Context(), file)
	if err != nil {
		slog.Error("Batch transcription failed", "filename", fileHeader.Filename, "error", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Transcription failed"})
	}

	return c.String(http.StatusOK, transcript)
}
