// Package peer drives the offer/answer exchange for a single two-party call.
// The Engine owns at most one Link at a time; the concrete negotiation
// machinery is injected through the Negotiator interface so nothing here
// depends on ambient globals.
package peer

import (
	"encoding/json"
	"errors"
	"sync"

	"github.com/adwski/callsig/media"
	"github.com/adwski/callsig/model"
	"github.com/rs/zerolog"
)

var (
	ErrNegotiationFailed = errors.New("peer negotiation failed")
)

type (
	// Events are the callbacks a Peer fires as negotiation progresses.
	// OnSignal delivers the locally produced negotiation blob (one per side
	// with vanilla ICE). OnStream fires once remote media arrives.
	Events struct {
		OnSignal  func(blob json.RawMessage)
		OnStream  func(remote media.Stream)
		OnConnect func()
		OnClose   func()
		OnError   func(err error)
	}

	// Peer is one live peer connection.
	Peer interface {
		// Signal feeds an inbound negotiation blob (the answer, for an
		// initiator) into the connection.
		Signal(blob json.RawMessage) error
		Close() error
	}

	// Negotiator constructs peers. Implementations: pion.Negotiator for real
	// connections, test doubles elsewhere.
	Negotiator interface {
		NewInitiator(local media.Stream, ev Events) (Peer, error)
		NewResponder(local media.Stream, offer json.RawMessage, ev Events) (Peer, error)
	}

	// Sender is the slice of the transport channel the engine needs.
	Sender interface {
		ID() string
		Emit(event string, payload any) error
	}

	Role string

	link struct {
		peer     Peer
		role     Role
		remoteID string
		phase    model.LinkPhase
		remote   media.Stream
	}

	Config struct {
		Logger     *zerolog.Logger
		Negotiator Negotiator
		Sender     Sender

		// OnConnected fires when media starts flowing; the remote stream
		// handle is non-nil by then unless the far side sends nothing.
		OnConnected func(remote media.Stream)
		// OnClosed fires when the link dies on its own (remote close or
		// negotiation error). It does not fire for a local Close.
		OnClosed func(err error)
	}

	Engine struct {
		logger zerolog.Logger
		neg    Negotiator
		sender Sender

		onConnected func(remote media.Stream)
		onClosed    func(err error)

		mu  sync.Mutex
		cur *link
		gen int // distinguishes callbacks of a torn-down link from the live one
	}
)

const (
	RoleInitiator Role = "initiator"
	RoleResponder Role = "responder"
)

func NewEngine(cfg Config) *Engine {
	return &Engine{
		logger:      cfg.Logger.With().Str("component", "peer-engine").Logger(),
		neg:         cfg.Negotiator,
		sender:      cfg.Sender,
		onConnected: cfg.OnConnected,
		onClosed:    cfg.OnClosed,
	}
}

// Active reports whether a link currently exists in any phase.
func (e *Engine) Active() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cur != nil
}

// Phase returns the current link phase, or PhaseClosed with no link.
func (e *Engine) Phase() model.LinkPhase {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cur == nil {
		return model.PhaseClosed
	}
	return e.cur.phase
}

// RemoteStream returns the remote media handle, nil until received.
func (e *Engine) RemoteStream() media.Stream {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cur == nil {
		return nil
	}
	return e.cur.remote
}

// StartInitiator constructs an outbound link towards remoteID. The produced
// negotiation blob is forwarded as an "offer" envelope addressed to remoteID.
// A duplicate start while a link exists is a no-op: the call is already in
// progress from this client's perspective. First accepted offer wins; there
// is no glare arbitration.
func (e *Engine) StartInitiator(remoteID string, local media.Stream) error {
	return e.start(RoleInitiator, remoteID, local, nil)
}

// StartResponder constructs a link answering an inbound offer from callerID.
// The produced blob goes back as an "answer" envelope addressed to callerID.
func (e *Engine) StartResponder(callerID string, offer json.RawMessage, local media.Stream) error {
	return e.start(RoleResponder, callerID, local, offer)
}

func (e *Engine) start(role Role, remoteID string, local media.Stream, offer json.RawMessage) error {
	e.mu.Lock()
	if e.cur != nil {
		e.mu.Unlock()
		e.logger.Debug().
			Str("role", string(role)).
			Str("remoteID", remoteID).
			Msg("link already exists, ignoring")
		return nil
	}
	e.gen++
	gen := e.gen
	l := &link{role: role, remoteID: remoteID, phase: model.PhaseConnecting}
	e.cur = l
	e.mu.Unlock()

	ev := e.events(gen, role, remoteID)

	var (
		p   Peer
		err error
	)
	if role == RoleInitiator {
		p, err = e.neg.NewInitiator(local, ev)
	} else {
		p, err = e.neg.NewResponder(local, offer, ev)
	}
	if err != nil {
		e.mu.Lock()
		if e.cur == l {
			e.cur = nil
		}
		e.mu.Unlock()
		return errors.Join(ErrNegotiationFailed, err)
	}

	e.mu.Lock()
	if e.cur == l {
		l.peer = p
		e.mu.Unlock()
	} else {
		// Torn down while constructing (user ended the call mid-flight).
		e.mu.Unlock()
		_ = p.Close()
		return nil
	}

	e.logger.Debug().
		Str("role", string(role)).
		Str("remoteID", remoteID).
		Msg("link constructed")
	return nil
}

func (e *Engine) events(gen int, role Role, remoteID string) Events {
	eventName := model.EventOffer
	if role == RoleResponder {
		eventName = model.EventAnswer
	}
	return Events{
		OnSignal: func(blob json.RawMessage) {
			if !e.live(gen) {
				return
			}
			env := model.Envelope{
				Target: remoteID,
				Caller: e.sender.ID(),
				Signal: blob,
			}
			if err := e.sender.Emit(eventName, env); err != nil {
				e.logger.Error().Err(err).Str("event", eventName).Msg("failed to emit envelope")
				e.fail(gen, err)
			}
		},
		OnStream: func(remote media.Stream) {
			e.mu.Lock()
			if e.cur != nil && e.gen == gen {
				e.cur.remote = remote
			}
			e.mu.Unlock()
		},
		OnConnect: func() {
			e.mu.Lock()
			if e.cur == nil || e.gen != gen {
				e.mu.Unlock()
				return
			}
			e.cur.phase = model.PhaseConnected
			remote := e.cur.remote
			cb := e.onConnected
			e.mu.Unlock()

			e.logger.Info().Str("remoteID", remoteID).Msg("link connected")
			if cb != nil {
				cb(remote)
			}
		},
		OnClose: func() {
			e.teardown(gen, nil)
		},
		OnError: func(err error) {
			e.logger.Error().Err(err).Str("remoteID", remoteID).Msg("negotiation error")
			e.fail(gen, errors.Join(ErrNegotiationFailed, err))
		},
	}
}

func (e *Engine) live(gen int) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cur != nil && e.gen == gen
}

func (e *Engine) fail(gen int, err error) {
	e.teardown(gen, err)
}

// teardown releases the link in reaction to a peer event and notifies the
// owner. No retry happens here: re-initiating is a user action.
func (e *Engine) teardown(gen int, err error) {
	e.mu.Lock()
	if e.cur == nil || e.gen != gen {
		e.mu.Unlock()
		return
	}
	l := e.cur
	e.cur = nil
	cb := e.onClosed
	e.mu.Unlock()

	e.release(l)
	if cb != nil {
		cb(err)
	}
}

// HandleAnswer feeds an inbound answer blob into the initiator link.
// Ignored when no link exists or the link is not an initiator.
func (e *Engine) HandleAnswer(blob json.RawMessage) {
	e.mu.Lock()
	if e.cur == nil || e.cur.role != RoleInitiator || e.cur.peer == nil {
		e.mu.Unlock()
		e.logger.Debug().Msg("answer without matching initiator link, ignoring")
		return
	}
	p := e.cur.peer
	gen := e.gen
	e.mu.Unlock()

	if err := p.Signal(blob); err != nil {
		e.logger.Error().Err(err).Msg("failed to apply answer")
		e.fail(gen, errors.Join(ErrNegotiationFailed, err))
	}
}

// Close releases the current link, if any. Idempotent, never fires OnClosed.
func (e *Engine) Close() {
	e.mu.Lock()
	l := e.cur
	e.cur = nil
	e.gen++ // orphan in-flight callbacks
	e.mu.Unlock()

	if l != nil {
		e.release(l)
	}
}

func (e *Engine) release(l *link) {
	if l.remote != nil {
		l.remote.Close()
	}
	if l.peer != nil {
		if err := l.peer.Close(); err != nil {
			e.logger.Debug().Err(err).Msg("peer close error")
		}
	}
	l.phase = model.PhaseClosed
	e.logger.Debug().Str("remoteID", l.remoteID).Msg("link released")
}
