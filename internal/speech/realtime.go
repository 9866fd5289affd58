package speech

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/segmentio/encoding/json"
	"golang.org/x/sync/singleflight"

	"github.com/pscheid92/babelcast/internal/metrics"
)

const (
	dialTimeout     = 10 * time.Second
	writeDeadline   = 5 * time.Second
	eventBufferSize = 64
)

// Engine dials realtime speech streams. A singleflight group keyed by
// broadcast code collapses concurrent dials: audio chunks arriving while the
// first connection is still being established share its outcome instead of
// opening duplicate engine sessions.
type Engine struct {
	realtimeURL        string
	apiKey             string
	sampleRate         int
	silenceThresholdMs int
	group              singleflight.Group
}

var _ Dialer = (*Engine)(nil)

func NewEngine(realtimeURL, apiKey string, sampleRate, silenceThresholdMs int) *Engine {
	return &Engine{
		realtimeURL:        realtimeURL,
		apiKey:             apiKey,
		sampleRate:         sampleRate,
		silenceThresholdMs: silenceThresholdMs,
	}
}

// OpenStream establishes a realtime connection for the given broadcast code.
func (e *Engine) OpenStream(ctx context.Context, code string) (Stream, error) {
	v, err, _ := e.group.Do(code, func() (any, error) {
		return e.dial(ctx)
	})
	if err != nil {
		metrics.SpeechStreamFailuresTotal.Inc()
		return nil, err
	}
	return v.(Stream), nil
}

func (e *Engine) dial(ctx context.Context) (Stream, error) {
	u, err := url.Parse(e.realtimeURL)
	if err != nil {
		return nil, fmt.Errorf("invalid realtime URL: %w", err)
	}
	q := u.Query()
	q.Set("sample_rate", strconv.Itoa(e.sampleRate))
	u.RawQuery = q.Encode()

	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	header := http.Header{"Authorization": []string{e.apiKey}}
	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, u.String(), header)
	if err != nil {
		return nil, fmt.Errorf("dialing speech engine: %w", err)
	}

	s := &realtimeStream{
		conn:   conn,
		events: make(chan Event, eventBufferSize),
	}

	if err := s.writeJSON(map[string]int{"end_utterance_silence_threshold": e.silenceThresholdMs}); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("configuring silence threshold: %w", err)
	}

	go s.readPump()
	return s, nil
}

type realtimeStream struct {
	conn      *websocket.Conn
	events    chan Event
	writeMu   sync.Mutex
	closeOnce sync.Once
}

// engineMessage is the engine's JSON frame. message_type is one of
// SessionBegins, PartialTranscript, FinalTranscript, SessionTerminated;
// error frames carry only the error field.
type engineMessage struct {
	MessageType string `json:"message_type"`
	SessionID   string `json:"session_id"`
	Text        string `json:"text"`
	Error       string `json:"error"`
}

func (s *realtimeStream) readPump() {
	defer close(s.events)

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			code, reason := websocket.CloseAbnormalClosure, ""
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				code, reason = closeErr.Code, closeErr.Text
			}
			s.events <- Event{Kind: EventClosed, Code: code, Reason: reason}
			return
		}

		var msg engineMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			slog.Warn("Speech engine sent undecodable frame", "error", err)
			continue
		}

		switch {
		case msg.Error != "":
			s.events <- Event{Kind: EventError, Err: fmt.Errorf("speech engine: %s", msg.Error)}
		case msg.MessageType == "SessionBegins":
			s.events <- Event{Kind: EventOpened, SessionID: msg.SessionID}
		case msg.MessageType == "PartialTranscript" || msg.MessageType == "FinalTranscript":
			s.events <- Event{Kind: EventTranscript, Text: msg.Text, IsFinal: msg.MessageType == "FinalTranscript"}
		case msg.MessageType == "SessionTerminated":
			s.events <- Event{Kind: EventClosed, Code: websocket.CloseNormalClosure, Reason: "session terminated"}
			return
		default:
			slog.Debug("Ignoring speech engine message", "message_type", msg.MessageType)
		}
	}
}

func (s *realtimeStream) SendAudio(chunk []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
	if err := s.conn.WriteMessage(websocket.BinaryMessage, chunk); err != nil {
		return fmt.Errorf("sending audio chunk: %w", err)
	}
	return nil
}

func (s *realtimeStream) Events() <-chan Event {
	return s.events
}

func (s *realtimeStream) Close() error {
	s.closeOnce.Do(func() {
		// best effort terminate so the engine flushes the final transcript
		_ = s.writeJSON(map[string]bool{"terminate_session": true})
		_ = s.conn.Close()
	})
	return nil
}

func (s *realtimeStream) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
	return s.conn.WriteMessage(websocket.TextMessage, data)
}
