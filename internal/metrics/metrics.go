package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Hub metrics
var (
	// HubActiveBroadcasts tracks the number of live broadcast sessions.
	HubActiveBroadcasts = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "hub_active_broadcasts",
			Help: "Number of active broadcast sessions",
		},
	)

	// HubConnectedClients tracks currently connected websocket clients.
	HubConnectedClients = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "hub_connected_clients",
			Help: "Number of connected WebSocket clients",
		},
	)

	// HubRejectionsTotal tracks rejected control messages by wire code.
	HubRejectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hub_rejections_total",
			Help: "Control messages rejected by the hub, by error code",
		},
		[]string{"code"},
	)

	// HubMalformedMessagesTotal tracks inbound frames that failed to parse.
	HubMalformedMessagesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "hub_malformed_messages_total",
			Help: "Inbound control frames that failed to parse",
		},
	)
)

// Broadcast session metrics
var (
	// BroadcastStreamers tracks streamer membership per broadcast.
	BroadcastStreamers = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "broadcast_streamers",
			Help: "Current streamer count per broadcast",
		},
		[]string{"code"},
	)

	// BroadcastSlowClientsEvicted tracks subscribers dropped for not keeping up.
	BroadcastSlowClientsEvicted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "broadcast_slow_clients_evicted_total",
			Help: "Subscribers whose frames were dropped because their send buffer was full",
		},
	)

	// BroadcastStaleTranslationsDropped tracks out-of-order translation
	// responses discarded by the sequence guard.
	BroadcastStaleTranslationsDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "broadcast_stale_translations_dropped_total",
			Help: "Translation responses dropped because a newer transcript was already delivered",
		},
	)

	// BroadcastDeadlineClosuresTotal tracks sessions closed by the streaming-time limit.
	BroadcastDeadlineClosuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "broadcast_deadline_closures_total",
			Help: "Broadcasts force-closed after exceeding the maximum streaming time",
		},
	)
)

// Transport metrics
var (
	// WebSocketMessageSendDuration tracks per-frame write latency.
	WebSocketMessageSendDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "websocket_message_send_duration_seconds",
			Help:    "WebSocket message send duration in seconds",
			Buckets: []float64{.001, .005, .01, .05, .1, .5, 1},
		},
	)

	// WebSocketPingFailures tracks keepalive pings that failed to send.
	WebSocketPingFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "websocket_ping_failures_total",
			Help: "Keepalive pings that failed, closing the connection",
		},
	)

	// ConnectionsRejectedTotal tracks connections refused before upgrade.
	ConnectionsRejectedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "connections_rejected_total",
			Help: "WebSocket connections rejected before upgrade, by reason",
		},
		[]string{"reason"},
	)
)

// Collaborator metrics
var (
	// TranslationRequestDuration tracks translation call latency in seconds.
	TranslationRequestDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "translation_request_duration_seconds",
			Help:    "Translation request duration in seconds",
			Buckets: []float64{.025, .05, .1, .25, .5, 1, 2.5, 5},
		},
	)

	// TranslationFailuresTotal tracks swallowed translation failures by reason.
	TranslationFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "translation_failures_total",
			Help: "Translation calls that returned no translations, by reason",
		},
		[]string{"reason"},
	)

	// SpeechStreamFailuresTotal tracks realtime speech connection failures.
	SpeechStreamFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "speech_stream_failures_total",
			Help: "Realtime speech stream dial or protocol failures",
		},
	)

	// SpeechBatchRequestsTotal tracks batch transcription requests by status.
	SpeechBatchRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "speech_batch_requests_total",
			Help: "Batch transcription requests by final status",
		},
		[]string{"status"},
	)
)
