package server

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type receivedMessage struct {
	messageType int
	data        []byte
}

// wsPipe upgrades one connection server-side and hands back both ends.
func wsPipe(t *testing.T) (server *websocket.Conn, client *websocket.Conn) {
	t.Helper()
	upgrader := websocket.Upgrader{}
	connCh := make(chan *websocket.Conn, 1)

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		connCh <- conn
	}))
	t.Cleanup(ts.Close)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http")
	clientConn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { clientConn.Close() })

	select {
	case serverConn := <-connCh:
		t.Cleanup(func() { serverConn.Close() })
		return serverConn, clientConn
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for server side of the pipe")
		return nil, nil
	}
}

func readMessages(client *websocket.Conn, out chan<- receivedMessage) {
	for {
		messageType, data, err := client.ReadMessage()
		if err != nil {
			close(out)
			return
		}
		out <- receivedMessage{messageType: messageType, data: data}
	}
}

func TestClientWriterDeliversTextAndBinary(t *testing.T) {
	serverConn, clientConn := wsPipe(t)
	received := make(chan receivedMessage, 8)
	go readMessages(clientConn, received)

	cw := newClientWriter(serverConn, clockwork.NewRealClock())
	defer cw.stop()

	assert.True(t, cw.Send([]byte(`{"type":"CREATED"}`)))
	assert.True(t, cw.SendBinary([]byte{0x01, 0x02}))

	msg := <-received
	assert.Equal(t, websocket.TextMessage, msg.messageType)
	assert.JSONEq(t, `{"type":"CREATED"}`, string(msg.data))

	msg = <-received
	assert.Equal(t, websocket.BinaryMessage, msg.messageType)
	assert.Equal(t, []byte{0x01, 0x02}, msg.data)
}

func TestClientWriterSendAfterStopReturnsFalse(t *testing.T) {
	serverConn, _ := wsPipe(t)

	cw := newClientWriter(serverConn, clockwork.NewRealClock())
	cw.stop()

	assert.False(t, cw.Send([]byte("late")))
	assert.False(t, cw.SendBinary([]byte{0x01}))
}

func TestClientWriterCloseGracefulSendsCloseFrame(t *testing.T) {
	serverConn, clientConn := wsPipe(t)

	var mu sync.Mutex
	var closeReason string
	clientConn.SetCloseHandler(func(code int, text string) error {
		mu.Lock()
		closeReason = text
		mu.Unlock()
		return nil
	})

	cw := newClientWriter(serverConn, clockwork.NewRealClock())
	cw.CloseGraceful("SERVER_SHUTDOWN")

	// the close handler fires during ReadMessage
	require.NoError(t, clientConn.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		if _, _, err := clientConn.ReadMessage(); err != nil {
			break
		}
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "SERVER_SHUTDOWN", closeReason)
}

func TestClientWriterStopIsIdempotent(t *testing.T) {
	serverConn, _ := wsPipe(t)

	cw := newClientWriter(serverConn, clockwork.NewRealClock())
	cw.stop()
	cw.stop()
	cw.CloseGraceful("ignored")
}
