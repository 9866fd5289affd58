// Package speech wraps the external speech-to-text engine: a realtime
// websocket stream feeding live transcripts into broadcast sessions, and a
// batch API behind the file-upload transcription endpoint.
package speech

import "context"

// EventKind discriminates the events a realtime stream emits.
type EventKind int

const (
	// EventOpened reports the engine accepted the stream.
	EventOpened EventKind = iota
	// EventTranscript carries a partial or final transcript.
	EventTranscript
	// EventError carries a non-fatal engine error; the stream stays usable.
	EventError
	// EventClosed is the final event before the channel closes.
	EventClosed
)

// Event is one message from the realtime engine. Fields beyond Kind are
// populated depending on the kind.
type Event struct {
	Kind      EventKind
	SessionID string
	Text      string
	IsFinal   bool
	Err       error
	Code      int
	Reason    string
}

// Stream is one live speech-to-text connection. The engine treats transcript
// delivery as best-effort; duplicates are possible and the session dedups
// exact text repeats.
type Stream interface {
	// SendAudio forwards a raw audio chunk to the engine.
	SendAudio(chunk []byte) error
	// Events returns the event channel. It is closed after EventClosed.
	Events() <-chan Event
	// Close terminates the stream. Safe to call more than once.
	Close() error
}

// Dialer opens realtime streams. Concurrent opens for the same broadcast code
// are collapsed into a single dial.
type Dialer interface {
	OpenStream(ctx context.Context, code string) (Stream, error)
}
