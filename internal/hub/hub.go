// Package hub routes client connections and control messages to broadcast
// sessions. The Hub is an actor: one goroutine owns the session and ownership
// maps, and everything else talks to it through a command channel, so session
// state never needs a lock.
package hub

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/pscheid92/babelcast/internal/broadcast"
	"github.com/pscheid92/babelcast/internal/domain"
	apperrors "github.com/pscheid92/babelcast/internal/errors"
	"github.com/pscheid92/babelcast/internal/metrics"
	"github.com/pscheid92/babelcast/internal/protocol"
	"github.com/pscheid92/babelcast/internal/registry"
	"github.com/pscheid92/babelcast/internal/speech"
	"github.com/pscheid92/babelcast/internal/translate"
)

const (
	commandTimeout = 5 * time.Second
	stopTimeout    = 10 * time.Second
)

// hubCmd is the command interface for the Hub actor.
type hubCmd interface{ isHubCmd() }

type baseHubCmd struct{}

func (baseHubCmd) isHubCmd() {}

type connectCmd struct {
	baseHubCmd
	clientID string
	sender   domain.Sender
}

type disconnectCmd struct {
	baseHubCmd
	clientID string
}

type textCmd struct {
	baseHubCmd
	clientID string
	frame    []byte
}

type binaryCmd struct {
	baseHubCmd
	clientID string
	chunk    []byte
}

type sessionEventCmd struct {
	baseHubCmd
	event broadcast.Event
}

type statsCmd struct {
	baseHubCmd
	replyChannel chan Stats
}

type stopCmd struct {
	baseHubCmd
}

// Stats is a point-in-time snapshot for tests and diagnostics.
type Stats struct {
	Broadcasts       int
	ConnectedClients int
}

// Limits bounds what the hub will accept.
type Limits struct {
	MaxStreamers     int
	MaxStreams       int
	MaxStreamingTime time.Duration
}

// Hub owns all live broadcast sessions.
type Hub struct {
	cmdCh    chan hubCmd
	clock    clockwork.Clock
	registry *registry.Registry

	translator translate.Translator
	speech     speech.Dialer
	limits     Limits

	sessions map[string]*broadcast.Session // broadcast code -> session
	owners   map[string]string             // broadcaster client id -> broadcast code

	done chan struct{}
}

// New creates a hub and starts its actor goroutine.
func New(reg *registry.Registry, translator translate.Translator, dialer speech.Dialer, clock clockwork.Clock, limits Limits) *Hub {
	h := &Hub{
		cmdCh:      make(chan hubCmd, 256),
		clock:      clock,
		registry:   reg,
		translator: translator,
		speech:     dialer,
		limits:     limits,
		sessions:   make(map[string]*broadcast.Session),
		owners:     make(map[string]string),
		done:       make(chan struct{}),
	}
	go h.run()
	return h
}

// Connect registers a client connection with the hub.
func (h *Hub) Connect(clientID string, sender domain.Sender) {
	h.cmdCh <- connectCmd{clientID: clientID, sender: sender}
}

// Disconnect cleans up everything a client owned or was a member of.
func (h *Hub) Disconnect(clientID string) {
	h.cmdCh <- disconnectCmd{clientID: clientID}
}

// HandleText routes one control frame from a client.
func (h *Hub) HandleText(clientID string, frame []byte) {
	h.cmdCh <- textCmd{clientID: clientID, frame: frame}
}

// HandleBinary routes one raw audio frame from a broadcaster.
func (h *Hub) HandleBinary(clientID string, chunk []byte) {
	h.cmdCh <- binaryCmd{clientID: clientID, chunk: chunk}
}

// Stats returns a snapshot of hub state. Returns the zero value if the
// command times out.
func (h *Hub) Stats() Stats {
	replyCh := make(chan Stats, 1)
	h.cmdCh <- statsCmd{replyChannel: replyCh}

	timer := h.clock.NewTimer(commandTimeout)
	defer timer.Stop()

	select {
	case stats := <-replyCh:
		return stats
	case <-timer.Chan():
		slog.Warn("Stats timed out", "timeout", commandTimeout)
		return Stats{}
	}
}

// Stop closes every session with a SERVER_SHUTDOWN notice and stops the
// actor. Blocks until the goroutine has exited or the timeout is reached.
func (h *Hub) Stop() {
	h.cmdCh <- stopCmd{}

	timeout := h.clock.NewTimer(stopTimeout)
	defer timeout.Stop()

	select {
	case <-h.done:
		slog.Info("Hub stopped gracefully")
	case <-timeout.Chan():
		slog.Warn("Hub stop timeout exceeded, forcing exit", "timeout", stopTimeout)
		close(h.done)
	}
}

func (h *Hub) run() {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Hub panic recovered", "panic", r)
			h.closeAllSessions(protocol.ReasonServerShutdown)
		}
	}()
	defer close(h.done)

	for cmd := range h.cmdCh {
		switch c := cmd.(type) {
		case connectCmd:
			h.handleConnect(c)
		case disconnectCmd:
			h.handleDisconnect(c)
		case textCmd:
			h.handleText(c)
		case binaryCmd:
			h.handleBinary(c)
		case sessionEventCmd:
			h.handleSessionEvent(c.event)
		case statsCmd:
			c.replyChannel <- Stats{Broadcasts: len(h.sessions), ConnectedClients: h.registry.Len()}
		case stopCmd:
			h.closeAllSessions(protocol.ReasonServerShutdown)
			h.closeAllConnections(protocol.ReasonServerShutdown)
			return
		default:
			slog.Warn("Hub received unknown command type", "command_type", fmt.Sprintf("%T", cmd))
		}
	}
}

// post re-enters an asynchronous session result onto the actor loop. Only
// called from goroutines spawned by sessions, never from the loop itself.
func (h *Hub) post(ev broadcast.Event) {
	select {
	case h.cmdCh <- sessionEventCmd{event: ev}:
	case <-h.done:
	}
}

func (h *Hub) handleConnect(c connectCmd) {
	h.registry.Register(c.clientID, c.sender)
	metrics.HubConnectedClients.Set(float64(h.registry.Len()))
	slog.Debug("Client connected", "client_id", c.clientID)
}

func (h *Hub) handleDisconnect(c disconnectCmd) {
	// broadcaster gone: the whole session goes with it
	if code, ok := h.owners[c.clientID]; ok {
		h.closeAndRemove(code, "")
	}

	// streamer gone: drop the membership wherever it exists
	for _, session := range h.sessions {
		session.Leave(c.clientID)
	}

	h.registry.Unregister(c.clientID)
	metrics.HubConnectedClients.Set(float64(h.registry.Len()))
	slog.Debug("Client disconnected", "client_id", c.clientID)
}

func (h *Hub) handleText(c textCmd) {
	msg, err := protocol.ParseInbound(c.frame)
	if err != nil {
		metrics.HubMalformedMessagesTotal.Inc()
		slog.Warn("Ignoring malformed control message", "client_id", c.clientID, "error", err)
		return
	}

	switch msg.Type {
	case protocol.KindCreate:
		h.handleCreate(c.clientID)
	case protocol.KindJoin:
		h.handleJoin(c.clientID, msg.Code, msg.Language)
	case protocol.KindLeave:
		h.handleLeave(c.clientID, msg.Code)
	case protocol.KindPub:
		h.handlePublish(c.clientID, msg.Code, msg.Data)
	case protocol.KindJoinAudio:
		h.handleAudioToggle(c.clientID, msg.Code, true)
	case protocol.KindLeaveAudio:
		h.handleAudioToggle(c.clientID, msg.Code, false)
	}
}

func (h *Hub) handleCreate(clientID string) {
	// re-sent CREATE acks the existing broadcast instead of making another
	if code, ok := h.owners[clientID]; ok {
		h.sendTo(clientID, protocol.Created(code))
		return
	}

	if len(h.sessions) >= h.limits.MaxStreams {
		metrics.HubRejectionsTotal.WithLabelValues(protocol.ErrMaxStreamsReached).Inc()
		slog.Warn("Rejecting broadcast: max streams reached", "client_id", clientID, "max", h.limits.MaxStreams)
		h.sendTo(clientID, protocol.Error(protocol.ErrMaxStreamsReached))
		return
	}

	sender, ok := h.registry.Lookup(clientID)
	if !ok {
		slog.Warn("CREATE from unregistered client", "client_id", clientID)
		return
	}

	code := generateCode()
	for h.sessions[code] != nil {
		code = generateCode()
	}

	session := broadcast.NewSession(code, clientID, sender, broadcast.Deps{
		Translator:       h.translator,
		Speech:           h.speech,
		Clock:            h.clock,
		MaxStreamers:     h.limits.MaxStreamers,
		MaxStreamingTime: h.limits.MaxStreamingTime,
		Post:             h.post,
	})
	h.sessions[code] = session
	h.owners[clientID] = code
	metrics.HubActiveBroadcasts.Set(float64(len(h.sessions)))

	h.sendTo(clientID, protocol.Created(code))
}

func (h *Hub) handleJoin(clientID, code string, lang domain.Language) {
	session, ok := h.sessions[code]
	if !ok {
		metrics.HubRejectionsTotal.WithLabelValues(protocol.ErrBroadcastNotFound).Inc()
		h.sendTo(clientID, protocol.Error(protocol.ErrBroadcastNotFound))
		return
	}
	if session.BroadcasterID() == clientID {
		metrics.HubRejectionsTotal.WithLabelValues(protocol.ErrBroadcasterCannotJoin).Inc()
		h.sendTo(clientID, protocol.Error(protocol.ErrBroadcasterCannotJoin))
		return
	}
	if !domain.IsSupportedLanguage(lang) {
		metrics.HubRejectionsTotal.WithLabelValues(protocol.ErrUnsupportedLanguage).Inc()
		slog.Warn("Rejecting join: unsupported language", "client_id", clientID, "language", lang)
		h.sendTo(clientID, protocol.Error(protocol.ErrUnsupportedLanguage))
		return
	}

	sender, ok := h.registry.Lookup(clientID)
	if !ok {
		slog.Warn("JOIN from unregistered client", "client_id", clientID)
		return
	}

	if err := session.Join(clientID, lang, sender); err != nil {
		wireCode := apperrors.WireCode(err)
		metrics.HubRejectionsTotal.WithLabelValues(wireCode).Inc()
		h.sendTo(clientID, protocol.Error(wireCode))
	}
}

func (h *Hub) handleLeave(clientID, code string) {
	// a broadcaster's LEAVE ends the broadcast for everyone
	if owned, ok := h.owners[clientID]; ok {
		h.closeAndRemove(owned, "")
		return
	}
	if session, ok := h.sessions[code]; ok {
		session.Leave(clientID)
	}
}

func (h *Hub) handlePublish(clientID, code string, data []byte) {
	session := h.sessionForPublish(clientID, code)
	if session == nil {
		slog.Debug("PUB for unknown broadcast", "client_id", clientID, "code", code)
		return
	}
	if len(data) == 0 {
		return
	}
	session.PublishAudio(data)
}

func (h *Hub) handleAudioToggle(clientID, code string, subscribe bool) {
	session, ok := h.sessions[code]
	if !ok {
		metrics.HubRejectionsTotal.WithLabelValues(protocol.ErrBroadcastNotFound).Inc()
		h.sendTo(clientID, protocol.Error(protocol.ErrBroadcastNotFound))
		return
	}
	if subscribe {
		session.JoinAudio(clientID)
	} else {
		session.LeaveAudio(clientID)
	}
}

func (h *Hub) handleBinary(c binaryCmd) {
	session := h.sessionForPublish(c.clientID, "")
	if session == nil {
		slog.Debug("Binary frame from client without a broadcast", "client_id", c.clientID)
		return
	}
	session.PublishAudio(c.chunk)
}

// sessionForPublish resolves the session a client may publish audio into:
// its own broadcast, or an explicitly addressed one it owns.
func (h *Hub) sessionForPublish(clientID, code string) *broadcast.Session {
	owned, ok := h.owners[clientID]
	if !ok {
		return nil
	}
	if code != "" && code != owned {
		return nil
	}
	return h.sessions[owned]
}

func (h *Hub) handleSessionEvent(ev broadcast.Event) {
	session, ok := h.sessions[ev.SessionCode()]
	if !ok {
		// session already gone; release a late stream instead of leaking it
		if dial, isDial := ev.(broadcast.DialDone); isDial && dial.Stream != nil {
			_ = dial.Stream.Close()
		}
		return
	}

	switch e := ev.(type) {
	case broadcast.DialDone:
		session.HandleDialResult(e.Stream, e.Err)
	case broadcast.SpeechEvent:
		h.handleSpeechEvent(session, e.Ev)
	case broadcast.TranslationDone:
		session.HandleTranslations(e.Seq, e.Text, e.IsFinal, e.Translations)
	case broadcast.DeadlineExceeded:
		metrics.BroadcastDeadlineClosuresTotal.Inc()
		h.closeAndRemove(e.Code, protocol.ReasonStreamingTimeExceeded)
	}
}

func (h *Hub) handleSpeechEvent(session *broadcast.Session, ev speech.Event) {
	switch ev.Kind {
	case speech.EventOpened:
		session.HandleSpeechOpened(ev.SessionID)
	case speech.EventTranscript:
		session.HandleTranscript(ev.Text, ev.IsFinal)
	case speech.EventError:
		metrics.SpeechStreamFailuresTotal.Inc()
		slog.Error("Speech engine error", "code", session.Code(), "error", ev.Err)
	case speech.EventClosed:
		session.HandleSpeechClosed(ev.Code, ev.Reason)
	}
}

func (h *Hub) closeAndRemove(code, reason string) {
	session, ok := h.sessions[code]
	if !ok {
		return
	}
	session.Close(reason)
	delete(h.sessions, code)
	delete(h.owners, session.BroadcasterID())
	metrics.HubActiveBroadcasts.Set(float64(len(h.sessions)))
}

func (h *Hub) closeAllSessions(reason string) {
	for code := range h.sessions {
		h.closeAndRemove(code, reason)
	}
}

// closeAllConnections writes a close frame to every remaining connection so
// clients see why the server went away instead of an abrupt EOF. Queued
// closure notices may still be dropped; delivery is best-effort.
func (h *Hub) closeAllConnections(reason string) {
	for id, sender := range h.registry.Snapshot() {
		sender.CloseGraceful(reason)
		h.registry.Unregister(id)
	}
	metrics.HubConnectedClients.Set(float64(h.registry.Len()))
}

func (h *Hub) sendTo(clientID string, frame []byte) {
	sender, ok := h.registry.Lookup(clientID)
	if !ok {
		return
	}
	if !sender.Send(frame) {
		slog.Warn("Dropping frame for slow client", "client_id", clientID)
	}
}
