// Package protocol defines the JSON control-channel envelope exchanged with
// clients. Raw binary frames carry audio and never pass through this package.
//
// Encoding uses segmentio/encoding/json: every transcript fan-out marshals one
// message per recipient, which makes this the hottest serialization path in
// the process.
package protocol

import (
	"fmt"

	"github.com/segmentio/encoding/json"

	"github.com/pscheid92/babelcast/internal/domain"
)

// Kind tags a control message.
type Kind string

const (
	KindCreate         Kind = "CREATE"
	KindCreated        Kind = "CREATED"
	KindJoin           Kind = "JOIN"
	KindJoined         Kind = "JOINED"
	KindLeave          Kind = "LEAVE"
	KindPub            Kind = "PUB"
	KindJoinAudio      Kind = "JOIN_AUDIO"
	KindLeaveAudio     Kind = "LEAVE_AUDIO"
	KindStreamerJoined Kind = "STREAMER_JOINED"
	KindStreamerLeft   Kind = "STREAMER_LEFT"
	KindClosed         Kind = "BROADCAST_CLOSED"
	KindError          Kind = "ERROR"
)

// Error codes carried in ERROR messages.
const (
	ErrMaxStreamersReached   = "MAX_STREAMERS_REACHED"
	ErrMaxStreamsReached     = "MAX_STREAMS_REACHED"
	ErrBroadcastNotFound     = "BROADCAST_NOT_FOUND"
	ErrUnsupportedLanguage   = "UNSUPPORTED_LANGUAGE"
	ErrBroadcasterCannotJoin = "BROADCASTER_CANNOT_JOIN"
)

// Close reasons carried in BROADCAST_CLOSED messages.
const (
	ReasonStreamingTimeExceeded = "MAX_STREAMING_TIME_EXCEEDED"
	ReasonServerShutdown        = "SERVER_SHUTDOWN"
)

// Inbound is the decoded form of a client control message. Fields beyond Type
// are populated depending on the kind.
type Inbound struct {
	Type     Kind            `json:"type"`
	Code     string          `json:"code,omitempty"`
	Language domain.Language `json:"language,omitempty"`
	// Data carries base64-encoded audio for PUB messages.
	Data []byte `json:"data,omitempty"`
}

// inboundKinds is the closed set of kinds clients may send.
var inboundKinds = map[Kind]struct{}{
	KindCreate:     {},
	KindJoin:       {},
	KindLeave:      {},
	KindPub:        {},
	KindJoinAudio:  {},
	KindLeaveAudio: {},
}

// ParseInbound decodes a control frame. Unknown or server-only kinds are
// rejected so a confused client cannot drive the hub with output messages.
func ParseInbound(data []byte) (Inbound, error) {
	var msg Inbound
	if err := json.Unmarshal(data, &msg); err != nil {
		return Inbound{}, fmt.Errorf("malformed control message: %w", err)
	}
	if _, ok := inboundKinds[msg.Type]; !ok {
		return Inbound{}, fmt.Errorf("unknown message kind %q", msg.Type)
	}
	return msg, nil
}

type outbound struct {
	Type    Kind                   `json:"type"`
	Code    string                 `json:"code,omitempty"`
	Message string                 `json:"message,omitempty"`
	Reason  string                 `json:"reason,omitempty"`
	State   *domain.BroadcastState `json:"state,omitempty"`
	Data    *TranscriptPayload     `json:"data,omitempty"`
}

// TranscriptPayload is the per-recipient body of an outbound PUB message.
// Translation is omitted when no translation is available for the recipient's
// language.
type TranscriptPayload struct {
	Original    string  `json:"original"`
	Translation *string `json:"translation,omitempty"`
	IsFinal     bool    `json:"isFinal"`
}

func marshal(msg outbound) []byte {
	data, err := json.Marshal(msg)
	if err != nil {
		// outbound only contains marshalable fields; this cannot fire
		panic(fmt.Sprintf("protocol: marshal outbound: %v", err))
	}
	return data
}

// Created acknowledges a CREATE with the broadcast code.
func Created(code string) []byte {
	return marshal(outbound{Type: KindCreated, Code: code})
}

// Joined acknowledges a successful JOIN with the aggregate state.
func Joined(state domain.BroadcastState) []byte {
	return marshal(outbound{Type: KindJoined, State: &state})
}

// StateUpdate builds a STREAMER_JOINED or STREAMER_LEFT update.
func StateUpdate(kind Kind, state domain.BroadcastState) []byte {
	return marshal(outbound{Type: kind, State: &state})
}

// Error builds an ERROR message with the given code.
func Error(message string) []byte {
	return marshal(outbound{Type: KindError, Message: message})
}

// Closed builds a BROADCAST_CLOSED notice. reason may be empty.
func Closed(reason string) []byte {
	return marshal(outbound{Type: KindClosed, Reason: reason})
}

// Transcript builds the PUB message delivered on transcript fan-out.
// translation is nil when the recipient's language had no translation.
func Transcript(original string, translation *string, isFinal bool) []byte {
	return marshal(outbound{
		Type: KindPub,
		Data: &TranscriptPayload{Original: original, Translation: translation, IsFinal: isFinal},
	})
}
