package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/adwski/callsig/model"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// wsTestServer accepts signaling connections and exposes what it received.
type wsTestServer struct {
	t        *testing.T
	srv      *httptest.Server
	upgrader websocket.Upgrader

	mu    sync.Mutex
	conns []*websocket.Conn
	ids   []string
	recv  chan model.Message
}

func newWSTestServer(t *testing.T) *wsTestServer {
	t.Helper()
	ws := &wsTestServer{
		t:    t,
		recv: make(chan model.Message, 10),
	}
	ws.srv = httptest.NewServer(http.HandlerFunc(ws.handle))
	t.Cleanup(ws.srv.Close)
	return ws
}

func (ws *wsTestServer) url() string {
	return "ws" + strings.TrimPrefix(ws.srv.URL, "http")
}

func (ws *wsTestServer) handle(w http.ResponseWriter, r *http.Request) {
	clientID := strings.TrimPrefix(r.URL.Path, "/signal/")
	conn, err := ws.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	ws.mu.Lock()
	ws.conns = append(ws.conns, conn)
	ws.ids = append(ws.ids, clientID)
	ws.mu.Unlock()

	go func() {
		for {
			_, b, rErr := conn.ReadMessage()
			if rErr != nil {
				return
			}
			var msg model.Message
			if json.Unmarshal(b, &msg) == nil {
				ws.recv <- msg
			}
		}
	}()
}

// lastConn waits out the gap between the client handshake completing and the
// server handler registering the connection.
func (ws *wsTestServer) lastConn() *websocket.Conn {
	require.Eventually(ws.t, func() bool {
		ws.mu.Lock()
		defer ws.mu.Unlock()
		return len(ws.conns) > 0
	}, time.Second, 5*time.Millisecond)
	ws.mu.Lock()
	defer ws.mu.Unlock()
	return ws.conns[len(ws.conns)-1]
}

func (ws *wsTestServer) clientIDs() []string {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	out := make([]string, len(ws.ids))
	copy(out, ws.ids)
	return out
}

func newTestChannel(t *testing.T, url string) *Channel {
	t.Helper()
	logger := zerolog.Nop()
	ch := NewChannel(Config{
		Logger:            &logger,
		URL:               url,
		ReconnectAttempts: 5,
		ReconnectBase:     10 * time.Millisecond,
		ReconnectMax:      50 * time.Millisecond,
	})
	t.Cleanup(ch.Close)
	return ch
}

func TestChannelConnect(t *testing.T) {
	ws := newWSTestServer(t)
	ch := newTestChannel(t, ws.url())

	require.NoError(t, ch.Connect(context.Background()))
	assert.True(t, ch.Connected())
	assert.Equal(t, uint64(1), ch.Epoch())

	// client id is a fresh uuid passed in the dial path
	_, err := uuid.Parse(ch.ID())
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		ids := ws.clientIDs()
		return len(ids) == 1 && ids[0] == ch.ID()
	}, time.Second, 10*time.Millisecond)
}

func TestChannelConnectFailure(t *testing.T) {
	ch := newTestChannel(t, "ws://127.0.0.1:1")
	require.Error(t, ch.Connect(context.Background()))
	assert.False(t, ch.Connected())
}

func TestChannelEmit(t *testing.T) {
	ws := newWSTestServer(t)
	ch := newTestChannel(t, ws.url())
	require.NoError(t, ch.Connect(context.Background()))

	require.NoError(t, ch.Emit(model.EventJoinRoom, "room1"))

	select {
	case msg := <-ws.recv:
		assert.Equal(t, model.EventJoinRoom, msg.Event)
		assert.Equal(t, json.RawMessage(`"room1"`), msg.Payload)
	case <-time.After(time.Second):
		t.Fatal("server never received the message")
	}
}

func TestChannelDispatch(t *testing.T) {
	ws := newWSTestServer(t)
	ch := newTestChannel(t, ws.url())

	got := make(chan model.Message, 1)
	off := ch.On(model.EventOtherUser, func(msg model.Message) {
		got <- msg
	})
	require.NoError(t, ch.Connect(context.Background()))

	out, err := model.NewMessage(model.EventOtherUser, "peer1")
	require.NoError(t, err)
	b, err := json.Marshal(&out)
	require.NoError(t, err)
	require.NoError(t, ws.lastConn().WriteMessage(websocket.TextMessage, b))

	select {
	case msg := <-got:
		assert.Equal(t, model.EventOtherUser, msg.Event)
		assert.Equal(t, json.RawMessage(`"peer1"`), msg.Payload)
	case <-time.After(time.Second):
		t.Fatal("subscriber never fired")
	}

	// unsubscribed handlers stay silent
	off()
	require.NoError(t, ws.lastConn().WriteMessage(websocket.TextMessage, b))
	select {
	case <-got:
		t.Fatal("handler fired after unsubscribe")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestChannelClose(t *testing.T) {
	ws := newWSTestServer(t)
	ch := newTestChannel(t, ws.url())
	require.NoError(t, ch.Connect(context.Background()))

	ch.Close()
	assert.False(t, ch.Connected())
	require.ErrorIs(t, ch.Emit(model.EventPing, nil), ErrClosed)
}

func TestChannelEmitMarshalError(t *testing.T) {
	ws := newWSTestServer(t)
	ch := newTestChannel(t, ws.url())
	require.NoError(t, ch.Connect(context.Background()))

	require.Error(t, ch.Emit(model.EventJoinRoom, func() {}))
	select {
	case msg := <-ws.recv:
		t.Fatalf("unexpected message sent: %+v", msg)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestChannelEmitWhileDisconnected(t *testing.T) {
	ws := newWSTestServer(t)
	ch := newTestChannel(t, ws.url())
	require.ErrorIs(t, ch.Emit(model.EventPing, nil), ErrNotConnected)
}

func TestChannelReconnect(t *testing.T) {
	ws := newWSTestServer(t)
	ch := newTestChannel(t, ws.url())

	type state struct {
		connected bool
		epoch     uint64
	}
	states := make(chan state, 10)
	ch.OnStateChange(func(connected bool, epoch uint64) {
		states <- state{connected: connected, epoch: epoch}
	})

	require.NoError(t, ch.Connect(context.Background()))
	firstID := ch.ID()

	select {
	case s := <-states:
		assert.Equal(t, state{connected: true, epoch: 1}, s)
	case <-time.After(time.Second):
		t.Fatal("no connect notification")
	}

	// server drops the connection; the channel dials back in with a fresh
	// identity and a bumped epoch
	require.NoError(t, ws.lastConn().Close())

	select {
	case s := <-states:
		assert.Equal(t, state{connected: false, epoch: 1}, s)
	case <-time.After(time.Second):
		t.Fatal("no disconnect notification")
	}
	select {
	case s := <-states:
		assert.Equal(t, state{connected: true, epoch: 2}, s)
	case <-time.After(2 * time.Second):
		t.Fatal("no reconnect notification")
	}

	assert.True(t, ch.Connected())
	assert.NotEqual(t, firstID, ch.ID())
	assert.Len(t, ws.clientIDs(), 2)
}

// Messages emitted right after a reconnect must reach the server even when a
// loop serving the previous connection is still winding down.
func TestChannelEmitAfterReconnect(t *testing.T) {
	ws := newWSTestServer(t)
	ch := newTestChannel(t, ws.url())

	connects := make(chan uint64, 20)
	ch.OnStateChange(func(connected bool, epoch uint64) {
		if connected {
			connects <- epoch
		}
	})

	require.NoError(t, ch.Connect(context.Background()))
	select {
	case <-connects:
	case <-time.After(time.Second):
		t.Fatal("no connect notification")
	}

	for round := 1; round <= 10; round++ {
		require.NoError(t, ws.lastConn().Close())
		select {
		case epoch := <-connects:
			assert.Equal(t, uint64(round+1), epoch)
		case <-time.After(2 * time.Second):
			t.Fatalf("round %d: never reconnected", round)
		}

		require.NoError(t, ch.Emit(model.EventJoinRoom, "room1"))
		select {
		case msg := <-ws.recv:
			assert.Equal(t, model.EventJoinRoom, msg.Event)
		case <-time.After(time.Second):
			t.Fatalf("round %d: message lost after reconnect", round)
		}
	}
}
