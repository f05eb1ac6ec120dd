// Package transport implements the client side of the signaling channel:
// a persistent websocket connection carrying named events, reconnecting with
// bounded backoff. Each (re)connection gets a fresh client id and bumps the
// channel epoch, so consumers can detect that in-flight negotiations became
// stale.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand/v2"
	"net/url"
	"sync"
	"time"

	"github.com/adwski/callsig/model"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	defaultHandshakeTimeout   = 3 * time.Second
	defaultWriteDeadline      = 5 * time.Second
	defaultCloseWriteDeadline = 2 * time.Second
	defaultPongWait           = 7 * time.Second
	defaultMaxMessageSize     = 9000

	defaultReconnectAttempts = 5
	defaultReconnectBase     = time.Second
	defaultReconnectMax      = 5 * time.Second

	defaultEmitTimeout = time.Second
)

var (
	ErrNotConnected = errors.New("channel is not connected")
	ErrClosed       = errors.New("channel is closed")
)

type (
	Config struct {
		Logger *zerolog.Logger
		// URL of the signaling endpoint, e.g. ws://host:8888.
		// The per-connection client id is appended as /signal/{id}.
		URL string

		ReconnectAttempts int
		ReconnectBase     time.Duration
		ReconnectMax      time.Duration
	}

	subscriber struct {
		id int
		fn func(model.Message)
	}

	Channel struct {
		logger zerolog.Logger
		cfg    Config

		mu        sync.RWMutex
		conn      *websocket.Conn
		done      chan struct{}
		id        string
		epoch     uint64
		connected bool
		closed    bool
		subs      map[string][]subscriber
		stateFns  map[int]func(connected bool, epoch uint64)
		nextSub   int

		out chan model.Message
	}
)

func NewChannel(cfg Config) *Channel {
	if cfg.ReconnectAttempts == 0 {
		cfg.ReconnectAttempts = defaultReconnectAttempts
	}
	if cfg.ReconnectBase == 0 {
		cfg.ReconnectBase = defaultReconnectBase
	}
	if cfg.ReconnectMax == 0 {
		cfg.ReconnectMax = defaultReconnectMax
	}
	return &Channel{
		logger:   cfg.Logger.With().Str("component", "transport").Logger(),
		cfg:      cfg,
		subs:     make(map[string][]subscriber),
		stateFns: make(map[int]func(bool, uint64)),
		out:      make(chan model.Message),
	}
}

// ID returns the client id of the current connection.
// Not stable across reconnects.
func (ch *Channel) ID() string {
	ch.mu.RLock()
	defer ch.mu.RUnlock()
	return ch.id
}

func (ch *Channel) Connected() bool {
	ch.mu.RLock()
	defer ch.mu.RUnlock()
	return ch.connected
}

// Epoch increments every time a connection is established.
func (ch *Channel) Epoch() uint64 {
	ch.mu.RLock()
	defer ch.mu.RUnlock()
	return ch.epoch
}

// Connect dials the signaling endpoint and starts the send/receive loops.
// It returns after the first connection is established (or fails); subsequent
// connection drops are retried in the background with bounded backoff.
func (ch *Channel) Connect(ctx context.Context) error {
	conn, id, err := ch.dial(ctx)
	if err != nil {
		return err
	}
	done := ch.attach(conn, id)
	go ch.sendLoop(ctx, conn, done)
	go ch.recvLoop(ctx, conn)
	return nil
}

func (ch *Channel) dial(ctx context.Context) (*websocket.Conn, string, error) {
	id := uuid.NewString()
	u, err := url.JoinPath(ch.cfg.URL, "signal", id)
	if err != nil {
		return nil, "", err
	}
	dialer := &websocket.Dialer{HandshakeTimeout: defaultHandshakeTimeout}
	conn, resp, err := dialer.DialContext(ctx, u, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, "", err
	}
	return conn, id, nil
}

// attach binds the connection and returns its done channel; closing it (in
// detach) releases the loops serving this connection.
func (ch *Channel) attach(conn *websocket.Conn, id string) <-chan struct{} {
	ch.mu.Lock()
	ch.conn = conn
	ch.done = make(chan struct{})
	done := ch.done
	ch.id = id
	ch.epoch++
	ch.connected = true
	epoch := ch.epoch
	fns := ch.stateChangeFns()
	ch.mu.Unlock()

	ch.logger.Info().Str("clientID", id).Uint64("epoch", epoch).Msg("connected")
	for _, fn := range fns {
		fn(true, epoch)
	}
	return done
}

func (ch *Channel) detach() {
	ch.mu.Lock()
	ch.conn = nil
	if ch.done != nil {
		close(ch.done)
		ch.done = nil
	}
	ch.connected = false
	epoch := ch.epoch
	fns := ch.stateChangeFns()
	ch.mu.Unlock()

	ch.logger.Warn().Uint64("epoch", epoch).Msg("disconnected")
	for _, fn := range fns {
		fn(false, epoch)
	}
}

func (ch *Channel) stateChangeFns() []func(bool, uint64) {
	fns := make([]func(bool, uint64), 0, len(ch.stateFns))
	for _, fn := range ch.stateFns {
		fns = append(fns, fn)
	}
	return fns
}

// Close tears the connection down for good; no reconnect is attempted.
func (ch *Channel) Close() {
	ch.mu.Lock()
	if ch.closed {
		ch.mu.Unlock()
		return
	}
	ch.closed = true
	conn := ch.conn
	ch.conn = nil
	ch.connected = false
	ch.mu.Unlock()

	if conn != nil {
		closeConn(conn, &ch.logger)
	}
}

// Emit sends one named event. Returns ErrNotConnected while the channel is
// down (including mid-reconnect) so callers can surface it immediately.
func (ch *Channel) Emit(event string, payload any) error {
	ch.mu.RLock()
	connected, closed := ch.connected, ch.closed
	ch.mu.RUnlock()
	if closed {
		return ErrClosed
	}
	if !connected {
		return ErrNotConnected
	}

	msg, err := model.NewMessage(event, payload)
	if err != nil {
		return err
	}

	tm := time.NewTimer(defaultEmitTimeout)
	defer tm.Stop()
	select {
	case ch.out <- msg:
		return nil
	case <-tm.C:
		return ErrNotConnected
	}
}

// On subscribes to a named event. The returned func removes the subscription.
// Handlers run serially on the receive loop.
func (ch *Channel) On(event string, fn func(model.Message)) func() {
	ch.mu.Lock()
	ch.nextSub++
	id := ch.nextSub
	ch.subs[event] = append(ch.subs[event], subscriber{id: id, fn: fn})
	ch.mu.Unlock()

	return func() {
		ch.mu.Lock()
		defer ch.mu.Unlock()
		subs := ch.subs[event]
		for i, s := range subs {
			if s.id == id {
				ch.subs[event] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
	}
}

// OnStateChange subscribes to connect/disconnect transitions.
func (ch *Channel) OnStateChange(fn func(connected bool, epoch uint64)) func() {
	ch.mu.Lock()
	ch.nextSub++
	id := ch.nextSub
	ch.stateFns[id] = fn
	ch.mu.Unlock()

	return func() {
		ch.mu.Lock()
		delete(ch.stateFns, id)
		ch.mu.Unlock()
	}
}

func (ch *Channel) dispatch(msg model.Message) {
	ch.mu.RLock()
	subs := make([]subscriber, len(ch.subs[msg.Event]))
	copy(subs, ch.subs[msg.Event])
	ch.mu.RUnlock()

	if len(subs) == 0 {
		ch.logger.Trace().Str("event", msg.Event).Msg("event without subscribers")
		return
	}
	for _, s := range subs {
		s.fn(msg)
	}
}

func (ch *Channel) sendLoop(ctx context.Context, conn *websocket.Conn, done <-chan struct{}) {
SendLoop:
	for {
		select {
		case <-ctx.Done():
			break SendLoop
		case <-done:
			break SendLoop
		case msg := <-ch.out:
			// This loop may have lost the race against a reconnect and
			// consumed a message meant for the new connection: hand the
			// message back instead of dropping it.
			ch.mu.RLock()
			cur := ch.conn
			ch.mu.RUnlock()
			if cur != conn {
				ch.requeue(ctx, msg)
				break SendLoop
			}

			b, err := json.Marshal(&msg)
			if err != nil {
				ch.logger.Error().Err(err).Msg("failed to marshall outgoing message")
				continue
			}
			if err = conn.SetWriteDeadline(time.Now().Add(defaultWriteDeadline)); err != nil {
				ch.logger.Error().Err(err).Msg("failed to set websocket write deadline")
				break SendLoop
			}
			if err = conn.WriteMessage(websocket.TextMessage, b); err != nil {
				ch.logger.Error().Err(err).Msg("failed to write outgoing message")
				break SendLoop
			}
		}
	}
}

// requeue pushes a message consumed by a stale loop back onto the outgoing
// queue, where the loop owning the live connection picks it up.
func (ch *Channel) requeue(ctx context.Context, msg model.Message) {
	tm := time.NewTimer(defaultEmitTimeout)
	defer tm.Stop()
	select {
	case ch.out <- msg:
	case <-ctx.Done():
	case <-tm.C:
		ch.logger.Warn().Str("event", msg.Event).Msg("no live connection, message dropped")
	}
}

func (ch *Channel) recvLoop(ctx context.Context, conn *websocket.Conn) {
	conn.SetReadLimit(defaultMaxMessageSize)
	readDeadlineFunc := func() error {
		return conn.SetReadDeadline(time.Now().Add(defaultPongWait))
	}
	conn.SetPingHandler(func(appData string) error {
		ch.logger.Trace().Msg("got ping")
		_ = conn.WriteControl(websocket.PongMessage, []byte(appData),
			time.Now().Add(defaultWriteDeadline))
		return readDeadlineFunc()
	})
	if err := readDeadlineFunc(); err != nil {
		ch.logger.Error().Err(err).Msg("failed to set websocket read deadline")
	}

RecvLoop:
	for {
		select {
		case <-ctx.Done():
			break RecvLoop
		default:
			_, b, err := conn.ReadMessage()
			if err != nil {
				if websocket.IsCloseError(err,
					websocket.CloseNormalClosure,
					websocket.CloseGoingAway) {
					ch.logger.Warn().Err(err).Msg("connection closed by server")
				} else {
					ch.logger.Error().Err(err).Msg("unexpected error during receive")
				}
				break RecvLoop
			}

			var msg model.Message
			if err = json.Unmarshal(b, &msg); err != nil {
				ch.logger.Error().Err(err).Msg("failed to unmarshall incoming message")
				continue
			}
			ch.dispatch(msg)
		}
	}

	closeConn(conn, &ch.logger)
	ch.detach()

	if ctx.Err() == nil && !ch.isClosed() {
		ch.reconnect(ctx)
	}
}

func (ch *Channel) isClosed() bool {
	ch.mu.RLock()
	defer ch.mu.RUnlock()
	return ch.closed
}

// reconnect retries with exponential backoff plus jitter until it succeeds
// or attempts run out. A successful reconnect is a fresh signaling context:
// new client id, new epoch, no room membership.
func (ch *Channel) reconnect(ctx context.Context) {
	delay := ch.cfg.ReconnectBase
	for attempt := 1; attempt <= ch.cfg.ReconnectAttempts; attempt++ {
		jitter := time.Duration(rand.Int64N(int64(delay)/2 + 1))
		tm := time.NewTimer(delay + jitter)
		select {
		case <-ctx.Done():
			tm.Stop()
			return
		case <-tm.C:
		}

		if ch.isClosed() {
			return
		}

		conn, id, err := ch.dial(ctx)
		if err != nil {
			ch.logger.Warn().Err(err).Int("attempt", attempt).Msg("reconnect failed")
			delay *= 2
			if delay > ch.cfg.ReconnectMax {
				delay = ch.cfg.ReconnectMax
			}
			continue
		}

		done := ch.attach(conn, id)
		go ch.sendLoop(ctx, conn, done)
		go ch.recvLoop(ctx, conn)
		return
	}
	ch.logger.Error().
		Int("attempts", ch.cfg.ReconnectAttempts).
		Msg("reconnect attempts exhausted")
}

func closeConn(conn *websocket.Conn, logger *zerolog.Logger) {
	err := conn.SetWriteDeadline(time.Now().Add(defaultCloseWriteDeadline))
	if err == nil {
		_ = conn.WriteMessage(websocket.CloseMessage, []byte{})
	}
	if err = conn.Close(); err != nil {
		logger.Debug().Err(err).Msg("failed to close websocket connection")
	}
}
