package server

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"

	"github.com/pscheid92/babelcast/internal/metrics"
)

const (
	writeDeadline     = 5 * time.Second
	pingInterval      = 30 * time.Second
	pongDeadline      = 60 * time.Second
	messageBufferSize = 64
)

type outFrame struct {
	data   []byte
	binary bool
}

// clientWriter serializes all writes to one websocket connection. Send and
// SendBinary never block: a client that cannot drain its buffer loses frames
// instead of stalling the fan-out.
type clientWriter struct {
	connection  *websocket.Conn
	clock       clockwork.Clock
	sendChannel chan outFrame
	doneChannel chan struct{}
	stopOnce    sync.Once
	wg          sync.WaitGroup
}

func newClientWriter(connection *websocket.Conn, clock clockwork.Clock) *clientWriter {
	cw := &clientWriter{
		connection:  connection,
		clock:       clock,
		sendChannel: make(chan outFrame, messageBufferSize),
		doneChannel: make(chan struct{}),
	}
	cw.configurePongHandler()
	cw.wg.Add(1)
	go cw.run()
	return cw
}

func (cw *clientWriter) run() {
	ticker := cw.clock.NewTicker(pingInterval)
	defer ticker.Stop()
	defer cw.wg.Done()

	for {
		select {
		case frame, ok := <-cw.sendChannel:
			if !ok {
				return
			}
			messageType := websocket.TextMessage
			if frame.binary {
				messageType = websocket.BinaryMessage
			}
			start := cw.clock.Now()
			cw.updateWriteDeadline()
			if err := cw.connection.WriteMessage(messageType, frame.data); err != nil {
				return
			}
			metrics.WebSocketMessageSendDuration.Observe(cw.clock.Since(start).Seconds())
		case <-ticker.Chan():
			cw.updateWriteDeadline()
			if err := cw.connection.WriteMessage(websocket.PingMessage, nil); err != nil {
				metrics.WebSocketPingFailures.Inc()
				return
			}
		case <-cw.doneChannel:
			return
		}
	}
}

// Send queues a control frame. Returns false if the client's buffer is full.
func (cw *clientWriter) Send(data []byte) bool {
	return cw.enqueue(outFrame{data: data})
}

// SendBinary queues an audio frame. Returns false if the client's buffer is full.
func (cw *clientWriter) SendBinary(data []byte) bool {
	return cw.enqueue(outFrame{data: data, binary: true})
}

func (cw *clientWriter) enqueue(frame outFrame) bool {
	select {
	case <-cw.doneChannel:
		return false
	default:
	}
	select {
	case cw.sendChannel <- frame:
		return true
	default:
		return false
	}
}

func (cw *clientWriter) stop() {
	cw.stopOnce.Do(func() {
		close(cw.doneChannel)
		_ = cw.connection.Close()
	})
	cw.wg.Wait()
}

// CloseGraceful sends a websocket close frame with reason before closing.
func (cw *clientWriter) CloseGraceful(reason string) {
	cw.stopOnce.Do(func() {
		// Stop the run goroutine first so the close frame is the only writer.
		close(cw.doneChannel)
		cw.wg.Wait()

		closeMsg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason)
		cw.updateWriteDeadline()
		_ = cw.connection.WriteMessage(websocket.CloseMessage, closeMsg)
		_ = cw.connection.Close()
	})
}

func (cw *clientWriter) configurePongHandler() {
	cw.updateReadDeadline()
	cw.connection.SetPongHandler(func(string) error {
		cw.updateReadDeadline()
		return nil
	})
}

func (cw *clientWriter) updateWriteDeadline() {
	_ = cw.connection.SetWriteDeadline(cw.clock.Now().Add(writeDeadline))
}

func (cw *clientWriter) updateReadDeadline() {
	_ = cw.connection.SetReadDeadline(cw.clock.Now().Add(pongDeadline))
}
