// Package broadcast implements one live broadcast session: streamer
// membership, translation fan-out, audio fan-out, transcript deduplication,
// and the speech-engine connection lifecycle.
//
// A Session is not safe for concurrent use. All mutation happens on the hub's
// event loop; asynchronous work (speech dial, translation calls, the deadline
// timer) reports back by posting events through Deps.Post, which the hub
// routes onto that same loop. Fan-out therefore always sees current
// membership, never a stale snapshot.
package broadcast

import (
	"context"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/pscheid92/babelcast/internal/domain"
	apperrors "github.com/pscheid92/babelcast/internal/errors"
	"github.com/pscheid92/babelcast/internal/metrics"
	"github.com/pscheid92/babelcast/internal/platform/correlation"
	"github.com/pscheid92/babelcast/internal/protocol"
	"github.com/pscheid92/babelcast/internal/speech"
	"github.com/pscheid92/babelcast/internal/translate"
)

// Event is an asynchronous result addressed to a session. The hub routes
// events back onto its loop and dispatches them by Code.
type Event interface{ SessionCode() string }

// DialDone reports the outcome of a speech-engine dial.
type DialDone struct {
	Code   string
	Stream speech.Stream
	Err    error
}

func (e DialDone) SessionCode() string { return e.Code }

// SpeechEvent wraps one event from the live speech stream.
type SpeechEvent struct {
	Code string
	Ev   speech.Event
}

func (e SpeechEvent) SessionCode() string { return e.Code }

// TranslationDone carries the demultiplexed translations for one transcript.
type TranslationDone struct {
	Code         string
	Seq          uint64
	Text         string
	IsFinal      bool
	Translations map[domain.Language]string
}

func (e TranslationDone) SessionCode() string { return e.Code }

// DeadlineExceeded fires when a session outlives the maximum streaming time.
type DeadlineExceeded struct {
	Code string
}

func (e DeadlineExceeded) SessionCode() string { return e.Code }

// Deps bundles the collaborators a session needs.
type Deps struct {
	Translator       translate.Translator
	Speech           speech.Dialer
	Clock            clockwork.Clock
	MaxStreamers     int
	MaxStreamingTime time.Duration
	// Post re-enters an asynchronous result onto the owning event loop.
	Post func(Event)
}

type speechState int

const (
	speechDisconnected speechState = iota
	speechConnecting
	speechConnected
)

// Streamer is one subscribing membership within a session.
type Streamer struct {
	ClientID        string
	Language        domain.Language
	Sender          domain.Sender
	AudioSubscribed bool
}

// Session owns one broadcaster's live broadcast.
type Session struct {
	code          string
	broadcasterID string
	broadcaster   domain.Sender
	sourceLang    domain.Language
	deps          Deps

	streamers           []*Streamer
	lastTranscribedText string

	speechState   speechState
	stream        speech.Stream
	deadlineTimer clockwork.Timer

	// seq numbers transcripts as they are accepted; deliveredSeq tracks the
	// newest fan-out already sent, so late translation responses are dropped
	// instead of overwriting fresher text.
	seq          uint64
	deliveredSeq uint64

	closed bool
}

func NewSession(code, broadcasterID string, broadcaster domain.Sender, deps Deps) *Session {
	slog.Info("Broadcast created", "code", code, "broadcaster_id", broadcasterID)
	return &Session{
		code:          code,
		broadcasterID: broadcasterID,
		broadcaster:   broadcaster,
		sourceLang:    domain.SourceLanguage,
		deps:          deps,
	}
}

func (s *Session) Code() string          { return s.code }
func (s *Session) BroadcasterID() string { return s.broadcasterID }

// State returns the aggregate sent with membership updates.
func (s *Session) State() domain.BroadcastState {
	var langs domain.LanguageSet
	for _, st := range s.streamers {
		langs.Add(st.Language)
	}
	return domain.BroadcastState{
		StreamerCount: len(s.streamers),
		Languages:     langs.Slice(),
	}
}

func (s *Session) findStreamer(clientID string) *Streamer {
	for _, st := range s.streamers {
		if st.ClientID == clientID {
			return st
		}
	}
	return nil
}

// Join adds (or idempotently updates) a streamer membership. At capacity the
// joiner is rejected and membership is untouched; nobody else is notified.
func (s *Session) Join(clientID string, lang domain.Language, sender domain.Sender) error {
	if existing := s.findStreamer(clientID); existing != nil {
		// re-join upserts instead of duplicating membership
		existing.Language = lang
		existing.Sender = sender
	} else {
		if len(s.streamers) >= s.deps.MaxStreamers {
			slog.Warn("Rejecting streamer: max streamers reached", "code", s.code, "client_id", clientID, "max", s.deps.MaxStreamers)
			return apperrors.Capacity(protocol.ErrMaxStreamersReached)
		}
		s.streamers = append(s.streamers, &Streamer{ClientID: clientID, Language: lang, Sender: sender})
	}

	slog.Info("Streamer joined", "code", s.code, "client_id", clientID, "language", lang)
	metrics.BroadcastStreamers.WithLabelValues(s.code).Set(float64(len(s.streamers)))

	state := s.State()
	s.sendTo(sender, protocol.Joined(state))
	s.sendStateUpdate(protocol.KindStreamerJoined, state)
	return nil
}

// JoinAudio subscribes an existing member to the raw audio feed.
func (s *Session) JoinAudio(clientID string) {
	st := s.findStreamer(clientID)
	if st == nil {
		slog.Debug("JoinAudio for unknown streamer", "code", s.code, "client_id", clientID)
		return
	}
	st.AudioSubscribed = true
	slog.Info("Streamer joined audio", "code", s.code, "client_id", clientID)
}

// LeaveAudio unsubscribes an existing member from the raw audio feed.
func (s *Session) LeaveAudio(clientID string) {
	st := s.findStreamer(clientID)
	if st == nil {
		slog.Debug("LeaveAudio for unknown streamer", "code", s.code, "client_id", clientID)
		return
	}
	st.AudioSubscribed = false
	slog.Info("Streamer left audio", "code", s.code, "client_id", clientID)
}

// Leave removes a member. Absent members are a no-op: nobody is notified.
func (s *Session) Leave(clientID string) {
	for i, st := range s.streamers {
		if st.ClientID != clientID {
			continue
		}
		s.streamers = append(s.streamers[:i], s.streamers[i+1:]...)
		slog.Info("Streamer left", "code", s.code, "client_id", clientID)
		metrics.BroadcastStreamers.WithLabelValues(s.code).Set(float64(len(s.streamers)))
		s.sendStateUpdate(protocol.KindStreamerLeft, s.State())
		return
	}
}

// PublishAudio forwards one raw audio chunk: lazily connects the speech
// engine, feeds it, and fans the chunk out verbatim to audio subscribers.
func (s *Session) PublishAudio(chunk []byte) {
	if s.closed {
		return
	}

	switch s.speechState {
	case speechDisconnected:
		s.speechState = speechConnecting
		code := s.code
		dialer, post := s.deps.Speech, s.deps.Post
		go func() {
			stream, err := dialer.OpenStream(context.Background(), code)
			post(DialDone{Code: code, Stream: stream, Err: err})
		}()
	case speechConnected:
		if err := s.stream.SendAudio(chunk); err != nil {
			slog.Error("Forwarding audio to speech engine failed", "code", s.code, "error", err)
			// next chunk re-attempts the connection
			s.dropStream()
		}
	case speechConnecting:
		// dial in flight; the chunk still reaches audio subscribers below
	}

	for _, st := range s.streamers {
		if !st.AudioSubscribed {
			continue
		}
		if !st.Sender.SendBinary(chunk) {
			metrics.BroadcastSlowClientsEvicted.Inc()
			slog.Warn("Dropping audio frame for slow streamer", "code", s.code, "client_id", st.ClientID)
		}
	}
}

// HandleDialResult resolves the connecting state.
func (s *Session) HandleDialResult(stream speech.Stream, err error) {
	if err != nil {
		slog.Error("Speech engine connection failed", "code", s.code, "error", err)
		s.speechState = speechDisconnected
		return
	}
	if s.closed {
		_ = stream.Close()
		return
	}

	s.speechState = speechConnected
	s.stream = stream

	code, post := s.code, s.deps.Post
	go func() {
		for ev := range stream.Events() {
			post(SpeechEvent{Code: code, Ev: ev})
		}
	}()
}

// HandleSpeechOpened arms the streaming-time deadline once the engine has
// accepted the stream.
func (s *Session) HandleSpeechOpened(engineSessionID string) {
	slog.Info("Speech session opened", "code", s.code, "engine_session_id", engineSessionID)
	if s.deadlineTimer != nil || s.closed {
		return
	}
	code, post := s.code, s.deps.Post
	s.deadlineTimer = s.deps.Clock.AfterFunc(s.deps.MaxStreamingTime, func() {
		post(DeadlineExceeded{Code: code})
	})
}

// HandleSpeechClosed records that the engine hung up; the next audio chunk
// re-attempts the connection.
func (s *Session) HandleSpeechClosed(code int, reason string) {
	slog.Info("Speech session closed", "code", s.code, "close_code", code, "reason", reason)
	s.dropStream()
}

func (s *Session) dropStream() {
	if s.stream != nil {
		_ = s.stream.Close()
		s.stream = nil
	}
	s.speechState = speechDisconnected
}

// HandleTranscript dedups transcript events and kicks off the translation
// fan-out for fresh text.
func (s *Session) HandleTranscript(text string, isFinal bool) {
	if s.closed || text == "" || text == s.lastTranscribedText {
		return
	}
	s.lastTranscribedText = text

	s.seq++
	seq := s.seq

	var langs domain.LanguageSet
	for _, st := range s.streamers {
		langs.Add(st.Language)
	}
	targets := langs.Slice()

	code, translator, post := s.code, s.deps.Translator, s.deps.Post
	sourceLang := s.sourceLang
	go func() {
		ctx := correlation.WithID(context.Background(), correlation.NewID())
		translations := translator.Translate(ctx, sourceLang, text, targets)
		post(TranslationDone{Code: code, Seq: seq, Text: text, IsFinal: isFinal, Translations: translations})
	}()
}

// HandleTranslations delivers one transcript to everyone. Responses that
// arrive after a newer transcript has been delivered are dropped.
func (s *Session) HandleTranslations(seq uint64, text string, isFinal bool, translations map[domain.Language]string) {
	if s.closed {
		return
	}
	if seq <= s.deliveredSeq {
		metrics.BroadcastStaleTranslationsDropped.Inc()
		slog.Debug("Dropping stale translation response", "code", s.code, "seq", seq, "delivered_seq", s.deliveredSeq)
		return
	}
	s.deliveredSeq = seq

	// the broadcaster always sees the source text as its own translation
	s.sendTo(s.broadcaster, protocol.Transcript(text, &text, isFinal))

	// membership is read now, not when the transcript fired
	for _, st := range s.streamers {
		var translation *string
		if tr, ok := translations[st.Language]; ok {
			translation = &tr
		}
		s.sendTo(st.Sender, protocol.Transcript(text, translation, isFinal))
	}
}

// Close notifies everyone, disconnects the speech engine, and clears
// membership. Calling it again is a no-op.
func (s *Session) Close(reason string) {
	if s.closed {
		return
	}
	s.closed = true
	slog.Info("Broadcast closed", "code", s.code, "reason", reason)

	if s.deadlineTimer != nil {
		s.deadlineTimer.Stop()
		s.deadlineTimer = nil
	}

	notice := protocol.Closed(reason)
	s.sendTo(s.broadcaster, notice)
	for _, st := range s.streamers {
		s.sendTo(st.Sender, notice)
	}

	s.dropStream()
	s.streamers = nil
	metrics.BroadcastStreamers.DeleteLabelValues(s.code)
}

// Closed reports whether the session has been closed.
func (s *Session) Closed() bool { return s.closed }

func (s *Session) sendStateUpdate(kind protocol.Kind, state domain.BroadcastState) {
	update := protocol.StateUpdate(kind, state)
	s.sendTo(s.broadcaster, update)
	for _, st := range s.streamers {
		s.sendTo(st.Sender, update)
	}
}

// sendTo absorbs per-member delivery failure so one broken subscriber cannot
// block delivery to the rest.
func (s *Session) sendTo(sender domain.Sender, frame []byte) {
	if sender == nil {
		return
	}
	if !sender.Send(frame) {
		metrics.BroadcastSlowClientsEvicted.Inc()
		slog.Warn("Dropping frame for slow client", "code", s.code)
	}
}
