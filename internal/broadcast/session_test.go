package broadcast

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/segmentio/encoding/json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pscheid92/babelcast/internal/domain"
	apperrors "github.com/pscheid92/babelcast/internal/errors"
	"github.com/pscheid92/babelcast/internal/speech"
)

type fakeSender struct {
	frames      [][]byte
	binary      [][]byte
	closeReason *string
	reject      bool
}

func (f *fakeSender) Send(data []byte) bool {
	if f.reject {
		return false
	}
	f.frames = append(f.frames, data)
	return true
}

func (f *fakeSender) SendBinary(data []byte) bool {
	if f.reject {
		return false
	}
	f.binary = append(f.binary, data)
	return true
}

func (f *fakeSender) CloseGraceful(reason string) { f.closeReason = &reason }

type sentFrame struct {
	Type    string                 `json:"type"`
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Reason  string                 `json:"reason"`
	State   *domain.BroadcastState `json:"state"`
	Data    *struct {
		Original    string  `json:"original"`
		Translation *string `json:"translation"`
		IsFinal     bool    `json:"isFinal"`
	} `json:"data"`
}

func decodeFrames(t *testing.T, raw [][]byte) []sentFrame {
	t.Helper()
	frames := make([]sentFrame, len(raw))
	for i, data := range raw {
		require.NoError(t, json.Unmarshal(data, &frames[i]))
	}
	return frames
}

func lastFrame(t *testing.T, s *fakeSender) sentFrame {
	t.Helper()
	require.NotEmpty(t, s.frames)
	frames := decodeFrames(t, s.frames)
	return frames[len(frames)-1]
}

type fakeTranslator struct {
	mu      sync.Mutex
	calls   []translateCall
	results map[domain.Language]string
}

type translateCall struct {
	text    string
	targets []domain.Language
}

func (f *fakeTranslator) Translate(_ context.Context, _ domain.Language, text string, targets []domain.Language) map[domain.Language]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, translateCall{text: text, targets: targets})
	out := make(map[domain.Language]string, len(targets))
	for _, lang := range targets {
		if tr, ok := f.results[lang]; ok {
			out[lang] = tr
		}
	}
	return out
}

func (f *fakeTranslator) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fakeStream struct {
	mu     sync.Mutex
	chunks [][]byte
	closed bool
	fail   bool
	events chan speech.Event
}

func newFakeStream() *fakeStream {
	return &fakeStream{events: make(chan speech.Event, 8)}
}

func (f *fakeStream) SendAudio(chunk []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return assert.AnError
	}
	f.chunks = append(f.chunks, chunk)
	return nil
}

func (f *fakeStream) Events() <-chan speech.Event { return f.events }

func (f *fakeStream) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.events)
	}
	return nil
}

func (f *fakeStream) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

type fakeDialer struct {
	mu     sync.Mutex
	dials  int
	stream *fakeStream
	err    error
}

func (f *fakeDialer) OpenStream(context.Context, string) (speech.Stream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dials++
	if f.err != nil {
		return nil, f.err
	}
	return f.stream, nil
}

type sessionFixture struct {
	session     *Session
	broadcaster *fakeSender
	translator  *fakeTranslator
	dialer      *fakeDialer
	clock       *clockwork.FakeClock
	events      chan Event
}

func newSessionFixture(t *testing.T, maxStreamers int) *sessionFixture {
	t.Helper()
	f := &sessionFixture{
		broadcaster: &fakeSender{},
		translator:  &fakeTranslator{results: map[domain.Language]string{}},
		dialer:      &fakeDialer{stream: newFakeStream()},
		clock:       clockwork.NewFakeClock(),
		events:      make(chan Event, 16),
	}
	deps := Deps{
		Translator:       f.translator,
		Speech:           f.dialer,
		Clock:            f.clock,
		MaxStreamers:     maxStreamers,
		MaxStreamingTime: 10 * time.Minute,
		Post:             func(ev Event) { f.events <- ev },
	}
	f.session = NewSession("abcd-efgh-ijkl", "broadcaster-1", f.broadcaster, deps)
	return f
}

func (f *sessionFixture) waitEvent(t *testing.T) Event {
	t.Helper()
	select {
	case ev := <-f.events:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for session event")
		return nil
	}
}

func (f *sessionFixture) connectSpeech(t *testing.T) {
	t.Helper()
	f.session.PublishAudio([]byte{0x01})
	ev := f.waitEvent(t)
	dial, ok := ev.(DialDone)
	require.True(t, ok, "expected DialDone, got %T", ev)
	require.NoError(t, dial.Err)
	f.session.HandleDialResult(dial.Stream, dial.Err)
}

func TestSessionJoinNotifiesEveryone(t *testing.T) {
	f := newSessionFixture(t, 25)

	alice := &fakeSender{}
	require.NoError(t, f.session.Join("alice", "es", alice))

	frames := decodeFrames(t, alice.frames)
	require.Len(t, frames, 2)
	assert.Equal(t, "JOINED", frames[0].Type)
	require.NotNil(t, frames[0].State)
	assert.Equal(t, 1, frames[0].State.StreamerCount)
	assert.Equal(t, []domain.Language{"es"}, frames[0].State.Languages)
	assert.Equal(t, "STREAMER_JOINED", frames[1].Type)

	update := lastFrame(t, f.broadcaster)
	assert.Equal(t, "STREAMER_JOINED", update.Type)
	require.NotNil(t, update.State)
	assert.Equal(t, 1, update.State.StreamerCount)

	bob := &fakeSender{}
	require.NoError(t, f.session.Join("bob", "fr", bob))

	update = lastFrame(t, alice)
	assert.Equal(t, "STREAMER_JOINED", update.Type)
	assert.Equal(t, 2, update.State.StreamerCount)
	assert.Equal(t, []domain.Language{"es", "fr"}, update.State.Languages)
}

func TestSessionJoinAggregatesDistinctLanguages(t *testing.T) {
	f := newSessionFixture(t, 25)

	require.NoError(t, f.session.Join("alice", "es", &fakeSender{}))
	require.NoError(t, f.session.Join("bob", "es", &fakeSender{}))
	require.NoError(t, f.session.Join("carol", "sw", &fakeSender{}))

	state := f.session.State()
	assert.Equal(t, 3, state.StreamerCount)
	assert.Equal(t, []domain.Language{"es", "sw"}, state.Languages)
}

func TestSessionJoinRejectsAtCapacity(t *testing.T) {
	f := newSessionFixture(t, 2)

	require.NoError(t, f.session.Join("alice", "es", &fakeSender{}))
	require.NoError(t, f.session.Join("bob", "fr", &fakeSender{}))
	broadcasterFrames := len(f.broadcaster.frames)

	carol := &fakeSender{}
	err := f.session.Join("carol", "tl", carol)
	require.Error(t, err)
	assert.Equal(t, "MAX_STREAMERS_REACHED", apperrors.WireCode(err))

	assert.Equal(t, 2, f.session.State().StreamerCount)
	assert.Empty(t, carol.frames, "rejected joiner must not receive JOINED")
	assert.Len(t, f.broadcaster.frames, broadcasterFrames, "rejected join must not notify members")
}

func TestSessionJoinUpsertsExistingStreamer(t *testing.T) {
	f := newSessionFixture(t, 25)

	alice := &fakeSender{}
	require.NoError(t, f.session.Join("alice", "es", alice))
	require.NoError(t, f.session.Join("alice", "fr", alice))

	state := f.session.State()
	assert.Equal(t, 1, state.StreamerCount)
	assert.Equal(t, []domain.Language{"fr"}, state.Languages)
}

func TestSessionLeave(t *testing.T) {
	f := newSessionFixture(t, 25)

	alice := &fakeSender{}
	bob := &fakeSender{}
	require.NoError(t, f.session.Join("alice", "es", alice))
	require.NoError(t, f.session.Join("bob", "fr", bob))

	f.session.Leave("alice")

	assert.Equal(t, 1, f.session.State().StreamerCount)
	update := lastFrame(t, bob)
	assert.Equal(t, "STREAMER_LEFT", update.Type)
	assert.Equal(t, 1, update.State.StreamerCount)
	assert.Equal(t, []domain.Language{"fr"}, update.State.Languages)

	// leaving twice must not notify anyone again
	bobFrames := len(bob.frames)
	f.session.Leave("alice")
	assert.Len(t, bob.frames, bobFrames)
}

func TestSessionPublishAudioConnectsSpeechEngineOnce(t *testing.T) {
	f := newSessionFixture(t, 25)

	f.connectSpeech(t)
	f.session.PublishAudio([]byte{0x02})
	f.session.PublishAudio([]byte{0x03})

	f.dialer.mu.Lock()
	dials := f.dialer.dials
	f.dialer.mu.Unlock()
	assert.Equal(t, 1, dials)

	f.dialer.stream.mu.Lock()
	defer f.dialer.stream.mu.Unlock()
	assert.Equal(t, [][]byte{{0x02}, {0x03}}, f.dialer.stream.chunks)
}

func TestSessionPublishAudioFansOutToAudioSubscribersOnly(t *testing.T) {
	f := newSessionFixture(t, 25)

	alice := &fakeSender{}
	bob := &fakeSender{}
	require.NoError(t, f.session.Join("alice", "es", alice))
	require.NoError(t, f.session.Join("bob", "fr", bob))
	f.session.JoinAudio("alice")

	f.connectSpeech(t)
	f.session.PublishAudio([]byte{0xAA})

	assert.Equal(t, [][]byte{{0x01}, {0xAA}}, alice.binary)
	assert.Empty(t, bob.binary)

	f.session.LeaveAudio("alice")
	f.session.PublishAudio([]byte{0xBB})
	assert.Len(t, alice.binary, 2)
}

func TestSessionPublishAudioRetriesAfterDialFailure(t *testing.T) {
	f := newSessionFixture(t, 25)
	f.dialer.err = assert.AnError

	f.session.PublishAudio([]byte{0x01})
	dial := f.waitEvent(t).(DialDone)
	require.Error(t, dial.Err)
	f.session.HandleDialResult(dial.Stream, dial.Err)

	// connection failure must not wedge the session
	f.dialer.err = nil
	f.session.PublishAudio([]byte{0x02})
	dial = f.waitEvent(t).(DialDone)
	require.NoError(t, dial.Err)
	f.session.HandleDialResult(dial.Stream, dial.Err)

	f.session.PublishAudio([]byte{0x03})
	f.dialer.stream.mu.Lock()
	defer f.dialer.stream.mu.Unlock()
	assert.Equal(t, [][]byte{{0x03}}, f.dialer.stream.chunks)
}

func TestSessionTranscriptFanOut(t *testing.T) {
	f := newSessionFixture(t, 25)
	f.translator.results = map[domain.Language]string{"es": "hola", "fr": "bonjour"}

	alice := &fakeSender{}
	bob := &fakeSender{}
	require.NoError(t, f.session.Join("alice", "es", alice))
	require.NoError(t, f.session.Join("bob", "fr", bob))

	f.session.HandleTranscript("hello", true)
	done := f.waitEvent(t).(TranslationDone)
	assert.Equal(t, "hello", done.Text)
	f.session.HandleTranslations(done.Seq, done.Text, done.IsFinal, done.Translations)

	pub := lastFrame(t, alice)
	assert.Equal(t, "PUB", pub.Type)
	require.NotNil(t, pub.Data)
	assert.Equal(t, "hello", pub.Data.Original)
	require.NotNil(t, pub.Data.Translation)
	assert.Equal(t, "hola", *pub.Data.Translation)
	assert.True(t, pub.Data.IsFinal)

	pub = lastFrame(t, bob)
	require.NotNil(t, pub.Data.Translation)
	assert.Equal(t, "bonjour", *pub.Data.Translation)

	// the broadcaster sees the source text echoed back
	pub = lastFrame(t, f.broadcaster)
	assert.Equal(t, "PUB", pub.Type)
	require.NotNil(t, pub.Data.Translation)
	assert.Equal(t, "hello", *pub.Data.Translation)
}

func TestSessionTranscriptReachesBroadcasterWithoutStreamers(t *testing.T) {
	f := newSessionFixture(t, 25)

	f.session.HandleTranscript("talking to myself", false)
	done := f.waitEvent(t).(TranslationDone)
	assert.Empty(t, done.Translations)
	f.session.HandleTranslations(done.Seq, done.Text, done.IsFinal, done.Translations)

	pub := lastFrame(t, f.broadcaster)
	assert.Equal(t, "PUB", pub.Type)
	assert.Equal(t, "talking to myself", pub.Data.Original)
	assert.False(t, pub.Data.IsFinal)
}

func TestSessionTranscriptMissingTranslationOmitted(t *testing.T) {
	f := newSessionFixture(t, 25)
	// translator returns nothing, as after a provider outage

	alice := &fakeSender{}
	require.NoError(t, f.session.Join("alice", "es", alice))

	f.session.HandleTranscript("hello", true)
	done := f.waitEvent(t).(TranslationDone)
	f.session.HandleTranslations(done.Seq, done.Text, done.IsFinal, done.Translations)

	pub := lastFrame(t, alice)
	assert.Equal(t, "hello", pub.Data.Original)
	assert.Nil(t, pub.Data.Translation)
}

func TestSessionTranscriptDedupsRepeats(t *testing.T) {
	f := newSessionFixture(t, 25)

	f.session.HandleTranscript("hello", false)
	f.waitEvent(t)
	f.session.HandleTranscript("hello", false)
	f.session.HandleTranscript("", false)
	f.session.HandleTranscript("hello world", false)
	f.waitEvent(t)

	assert.Equal(t, 2, f.translator.callCount())
}

func TestSessionDropsStaleTranslations(t *testing.T) {
	f := newSessionFixture(t, 25)
	f.translator.results = map[domain.Language]string{"es": "uno"}

	alice := &fakeSender{}
	require.NoError(t, f.session.Join("alice", "es", alice))

	f.session.HandleTranscript("one", false)
	first := f.waitEvent(t).(TranslationDone)
	f.session.HandleTranscript("one two", false)
	second := f.waitEvent(t).(TranslationDone)

	// the newer transcript's translation resolves first
	f.session.HandleTranslations(second.Seq, second.Text, second.IsFinal, second.Translations)
	framesAfterSecond := len(alice.frames)
	f.session.HandleTranslations(first.Seq, first.Text, first.IsFinal, first.Translations)

	assert.Len(t, alice.frames, framesAfterSecond, "stale translation must be dropped")
	pub := lastFrame(t, alice)
	assert.Equal(t, "one two", pub.Data.Original)
}

func TestSessionDeadlineFiresAfterMaxStreamingTime(t *testing.T) {
	f := newSessionFixture(t, 25)

	f.connectSpeech(t)
	f.session.HandleSpeechOpened("engine-session-1")

	f.clock.Advance(10*time.Minute - time.Second)
	select {
	case ev := <-f.events:
		t.Fatalf("deadline fired early: %#v", ev)
	case <-time.After(50 * time.Millisecond):
	}

	f.clock.Advance(2 * time.Second)
	ev := f.waitEvent(t)
	deadline, ok := ev.(DeadlineExceeded)
	require.True(t, ok, "expected DeadlineExceeded, got %T", ev)
	assert.Equal(t, "abcd-efgh-ijkl", deadline.Code)
}

func TestSessionDeadlineArmsOnlyOnce(t *testing.T) {
	f := newSessionFixture(t, 25)

	f.connectSpeech(t)
	f.session.HandleSpeechOpened("engine-session-1")
	f.session.HandleSpeechOpened("engine-session-1")

	f.clock.Advance(11 * time.Minute)
	f.waitEvent(t)
	select {
	case ev := <-f.events:
		t.Fatalf("deadline fired twice: %#v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSessionCloseNotifiesAndStopsDeadline(t *testing.T) {
	f := newSessionFixture(t, 25)

	alice := &fakeSender{}
	require.NoError(t, f.session.Join("alice", "es", alice))
	f.connectSpeech(t)
	f.session.HandleSpeechOpened("engine-session-1")

	f.session.Close("MAX_STREAMING_TIME_EXCEEDED")

	notice := lastFrame(t, alice)
	assert.Equal(t, "BROADCAST_CLOSED", notice.Type)
	assert.Equal(t, "MAX_STREAMING_TIME_EXCEEDED", notice.Reason)
	notice = lastFrame(t, f.broadcaster)
	assert.Equal(t, "BROADCAST_CLOSED", notice.Type)

	assert.True(t, f.session.Closed())
	assert.True(t, f.dialer.stream.isClosed())

	// stopped deadline must not fire after close
	f.clock.Advance(time.Hour)
	select {
	case ev := <-f.events:
		t.Fatalf("unexpected event after close: %#v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSessionCloseIsIdempotent(t *testing.T) {
	f := newSessionFixture(t, 25)

	alice := &fakeSender{}
	require.NoError(t, f.session.Join("alice", "es", alice))

	f.session.Close("")
	frames := len(alice.frames)
	f.session.Close("")
	assert.Len(t, alice.frames, frames)
}

func TestSessionIgnoresWorkAfterClose(t *testing.T) {
	f := newSessionFixture(t, 25)
	f.session.Close("")

	f.session.PublishAudio([]byte{0x01})
	f.session.HandleTranscript("hello", true)
	f.session.HandleTranslations(1, "hello", true, nil)

	f.dialer.mu.Lock()
	dials := f.dialer.dials
	f.dialer.mu.Unlock()
	assert.Zero(t, dials)
	assert.Len(t, f.broadcaster.frames, 1, "only the BROADCAST_CLOSED notice")
}

func TestSessionReconnectsAfterSendError(t *testing.T) {
	f := newSessionFixture(t, 25)
	f.connectSpeech(t)

	f.dialer.stream.mu.Lock()
	f.dialer.stream.fail = true
	f.dialer.stream.mu.Unlock()
	f.session.PublishAudio([]byte{0x02})

	// the failed send tears the stream down and the next chunk redials
	f.dialer.stream.mu.Lock()
	f.dialer.stream.fail = false
	f.dialer.stream.mu.Unlock()
	f.session.PublishAudio([]byte{0x03})
	dial := f.waitEvent(t).(DialDone)
	require.NoError(t, dial.Err)

	f.dialer.mu.Lock()
	defer f.dialer.mu.Unlock()
	assert.Equal(t, 2, f.dialer.dials)
}

func TestSessionClosesLateDialAfterClose(t *testing.T) {
	f := newSessionFixture(t, 25)

	f.session.PublishAudio([]byte{0x01})
	dial := f.waitEvent(t).(DialDone)
	require.NoError(t, dial.Err)

	f.session.Close("")
	f.session.HandleDialResult(dial.Stream, dial.Err)

	assert.True(t, f.dialer.stream.isClosed())
}
