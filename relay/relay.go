// Package relay forwards signaling messages between connected clients.
// Each websocket session is attached as a pair of channels (a wire); inbound
// messages are handed to the protocol handler, outbound ones are routed to
// the destination endpoint's wire.
package relay

import (
	"context"
	"sync"
	"time"

	"github.com/adwski/callsig/model"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

const (
	defaultFwdTimeout = time.Second
)

type (
	// Handler interprets one inbound signaling message. src is the endpoint
	// id assigned by the websocket session, not client-provided.
	Handler interface {
		HandleSignal(ctx context.Context, src string, msg model.Message)
	}

	Relay struct {
		logger    zerolog.Logger
		handler   Handler
		mx        *sync.RWMutex
		endpoints map[string]model.Wire

		forwarded prometheus.Counter
		dropped   prometheus.Counter
	}
)

func NewRelay(logger *zerolog.Logger, reg prometheus.Registerer) *Relay {
	rl := &Relay{
		logger:    logger.With().Str("component", "relay").Logger(),
		mx:        &sync.RWMutex{},
		endpoints: make(map[string]model.Wire),
		forwarded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "callsig_relay_messages_forwarded_total",
			Help: "Signaling messages delivered to an endpoint.",
		}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "callsig_relay_messages_dropped_total",
			Help: "Signaling messages with no reachable destination.",
		}),
	}
	if reg != nil {
		reg.MustRegister(rl.forwarded, rl.dropped)
	}
	return rl
}

// SetHandler wires the protocol brain. Must be called before Connect.
func (rl *Relay) SetHandler(h Handler) {
	rl.handler = h
}

func (rl *Relay) Connect(ctx context.Context, endpoint string, wire model.Wire) error {
	rl.mx.Lock()
	rl.endpoints[endpoint] = wire
	rl.mx.Unlock()

	rl.logger.Debug().Str("endpoint", endpoint).Msg("endpoint connected")
	go rl.consume(ctx, endpoint, wire.RX)
	return nil
}

func (rl *Relay) Disconnect(endpoint string) error {
	rl.mx.Lock()
	delete(rl.endpoints, endpoint)
	rl.mx.Unlock()

	rl.logger.Debug().Str("endpoint", endpoint).Msg("endpoint disconnected")
	return nil
}

func (rl *Relay) consume(ctx context.Context, endpoint string, rx <-chan model.Message) {
ConsumeLoop:
	for {
		select {
		case <-ctx.Done():
			break ConsumeLoop
		case msg, ok := <-rx:
			if !ok {
				break ConsumeLoop
			}
			if msg.SRC != endpoint {
				// The websocket layer stamps SRC; anything else is a bug.
				rl.logger.Error().
					Str("endpoint", endpoint).
					Str("src", msg.SRC).
					Msg("message src mismatch, dropped")
				continue
			}
			rl.handler.HandleSignal(ctx, endpoint, msg)
		}
	}
}

// Send delivers msg to the endpoint named by msg.DST. Returns false when the
// destination is unknown or its wire is dead.
func (rl *Relay) Send(ctx context.Context, msg model.Message) bool {
	rl.mx.RLock()
	wire, ok := rl.endpoints[msg.DST]
	rl.mx.RUnlock()

	logger := rl.logger.With().
		Str("event", msg.Event).
		Str("dst", msg.DST).Logger()

	if !ok {
		logger.Debug().Msg("cannot forward, dst not found")
		rl.dropped.Inc()
		return false
	}

	tm := time.NewTimer(defaultFwdTimeout)
	defer tm.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-tm.C:
		logger.Error().Msg("dead endpoint")
		rl.dropped.Inc()
		return false
	case wire.TX <- msg:
		logger.Debug().Msg("message forwarded")
		rl.forwarded.Inc()
		return true
	}
}
