// Package call exposes the user-facing call operations and the observable
// session state, combining session transitions with peer negotiation and
// media acquisition. It never touches a render layer: everything observable
// flows through Store snapshots, stream handles and the Notifier.
package call

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/adwski/callsig/media"
	"github.com/adwski/callsig/model"
	"github.com/adwski/callsig/peer"
	"github.com/rs/zerolog"
)

const defaultConnectTimeout = 30 * time.Second

// Channel is the slice of the transport layer the orchestrator consumes.
type Channel interface {
	ID() string
	Connected() bool
	Epoch() uint64
	Emit(event string, payload any) error
	On(event string, fn func(model.Message)) func()
	OnStateChange(fn func(connected bool, epoch uint64)) func()
}

type (
	Config struct {
		Logger     *zerolog.Logger
		Channel    Channel
		Negotiator peer.Negotiator
		Media      media.Acquirer
		Store      *Store
		Notifier   Notifier
		Self       model.User

		// ConnectTimeout bounds how long a call may stay in the connecting
		// phase before it is torn down.
		ConnectTimeout time.Duration
	}

	Orchestrator struct {
		logger   zerolog.Logger
		channel  Channel
		engine   *peer.Engine
		media    media.Acquirer
		store    *Store
		notifier Notifier
		self     model.User
		timeout  time.Duration

		mu           sync.Mutex
		local        media.Stream
		room         string
		pending      *model.Envelope
		callEpoch    uint64
		connectTimer *time.Timer

		offs []func()
	}
)

func NewOrchestrator(cfg Config) *Orchestrator {
	o := &Orchestrator{
		logger:   cfg.Logger.With().Str("component", "call").Logger(),
		channel:  cfg.Channel,
		media:    cfg.Media,
		store:    cfg.Store,
		notifier: cfg.Notifier,
		self:     cfg.Self,
		timeout:  cfg.ConnectTimeout,
	}
	if o.timeout == 0 {
		o.timeout = defaultConnectTimeout
	}
	if o.notifier == nil {
		o.notifier = NopNotifier{}
	}
	o.engine = peer.NewEngine(peer.Config{
		Logger:      cfg.Logger,
		Negotiator:  cfg.Negotiator,
		Sender:      cfg.Channel,
		OnConnected: o.handleLinkConnected,
		OnClosed:    o.handleLinkClosed,
	})

	o.offs = []func(){
		o.channel.On(model.EventOtherUser, o.handleOtherUser),
		o.channel.On(model.EventOffer, o.handleOffer),
		o.channel.On(model.EventAnswer, o.handleAnswer),
		o.channel.On(model.EventPeerDisconnected, o.handlePeerDisconnected),
		o.channel.On(model.EventRoomFull, o.handleRoomFull),
		o.channel.OnStateChange(o.handleChannelState),
	}
	return o
}

// Close unsubscribes from the channel and ends any call in progress.
func (o *Orchestrator) Close() {
	for _, off := range o.offs {
		off()
	}
	o.EndCall()
}

// Engine exposes the negotiation engine for state inspection (phase, remote
// stream handle). Mutation stays inside the orchestrator.
func (o *Orchestrator) Engine() *peer.Engine {
	return o.engine
}

// LocalStream returns the local media handle for rendering, nil when idle.
func (o *Orchestrator) LocalStream() media.Stream {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.local
}

// StartCall acquires local media, marks the session active and joins the
// signaling room. The peer link is constructed later, when the room reports
// a peer present. Room id defaults to a deterministic combination of the two
// participant ids.
func (o *Orchestrator) StartCall(ctx context.Context, kind model.CallKind, target model.User, roomID string) error {
	if !o.channel.Connected() {
		return ErrTransportUnavailable
	}
	if o.inProgress() {
		return ErrCallInProgress
	}

	stream, err := o.media.Acquire(ctx, kind)
	if err != nil {
		// Session untouched: the call was never marked active.
		return err
	}

	room := roomID
	if room == "" {
		room = fmt.Sprintf("call-%s-%s", o.self.ID, target.ID)
	}

	o.mu.Lock()
	if o.local != nil || o.pending != nil {
		o.mu.Unlock()
		stream.Close()
		return ErrCallInProgress
	}
	o.local = stream
	o.room = room
	o.callEpoch = o.channel.Epoch()
	o.armConnectTimer()
	o.mu.Unlock()

	o.store.Replace(model.Session{
		Active:       true,
		Kind:         kind,
		Participants: []model.User{o.self, target},
	})

	o.logger.Info().
		Str("kind", string(kind)).
		Str("targetID", target.ID).
		Str("room", room).
		Msg("starting call")

	if err = o.channel.Emit(model.EventJoinRoom, room); err != nil {
		o.teardown(false)
		return ErrTransportUnavailable
	}
	return nil
}

// AnswerCall accepts the pending inbound offer: acquires local media and
// constructs the responder link.
func (o *Orchestrator) AnswerCall(ctx context.Context) error {
	o.mu.Lock()
	if o.pending == nil {
		o.mu.Unlock()
		return ErrNoPendingCall
	}
	kind := o.store.Get().Kind
	o.mu.Unlock()

	stream, err := o.media.Acquire(ctx, kind)
	if err != nil {
		return err
	}

	o.mu.Lock()
	if o.pending == nil {
		// Declined or withdrawn while devices were being acquired.
		o.mu.Unlock()
		stream.Close()
		return ErrNoPendingCall
	}
	env := *o.pending
	o.pending = nil
	o.local = stream
	o.callEpoch = o.channel.Epoch()
	o.armConnectTimer()
	o.mu.Unlock()

	sess := o.store.Get()
	o.store.Replace(model.Session{
		Active:       true,
		Kind:         sess.Kind,
		Participants: sess.Participants,
	})

	o.logger.Info().Str("callerID", env.Caller).Msg("answering call")

	if err = o.engine.StartResponder(env.Caller, env.Signal, stream); err != nil {
		o.notifier.Notify("Call failed", "could not establish the connection")
		o.teardown(false)
		return err
	}
	return nil
}

// DeclineCall dismisses a pending inbound offer. No device is ever acquired
// and no peer link is constructed.
func (o *Orchestrator) DeclineCall() {
	o.mu.Lock()
	had := o.pending != nil
	o.pending = nil
	o.mu.Unlock()

	if had {
		o.logger.Info().Msg("call declined")
		o.store.Reset()
	}
}

// EndCall tears down whatever call exists at this moment, including one that
// never reached the connected phase. No-op when idle.
func (o *Orchestrator) EndCall() {
	if !o.inProgress() {
		return
	}
	o.logger.Info().Msg("ending call")
	o.teardown(true)
}

// Start implements Provider.
func (o *Orchestrator) Start(ctx context.Context, kind model.CallKind, target model.User, roomID string) error {
	return o.StartCall(ctx, kind, target, roomID)
}

// End implements Provider.
func (o *Orchestrator) End() {
	o.EndCall()
}

// ToggleAudio flips the enabled flag on local audio tracks. No-op without a
// local stream; never renegotiates.
func (o *Orchestrator) ToggleAudio() {
	o.toggleTracks(media.TrackAudio)
}

// ToggleVideo flips the enabled flag on local video tracks.
func (o *Orchestrator) ToggleVideo() {
	o.toggleTracks(media.TrackVideo)
}

func (o *Orchestrator) toggleTracks(kind media.TrackKind) {
	o.mu.Lock()
	local := o.local
	o.mu.Unlock()
	if local == nil {
		return
	}
	tracks := local.AudioTracks()
	if kind == media.TrackVideo {
		tracks = local.VideoTracks()
	}
	for _, t := range tracks {
		t.SetEnabled(!t.Enabled())
		o.logger.Debug().
			Str("kind", string(kind)).
			Bool("enabled", t.Enabled()).
			Msg("track toggled")
	}
}

// StartScreenShare reports the feature gap instead of replacing tracks.
func (o *Orchestrator) StartScreenShare() error {
	o.notifier.Notify("Screen sharing", "not yet available")
	return ErrScreenShareUnavailable
}

func (o *Orchestrator) inProgress() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.local != nil || o.pending != nil || o.store.Get().Active
}

// handleOtherUser: a peer already sits in the joined room, so this side
// initiates negotiation towards it.
func (o *Orchestrator) handleOtherUser(msg model.Message) {
	var otherID string
	if err := json.Unmarshal(msg.Payload, &otherID); err != nil || otherID == "" {
		o.logger.Error().Err(err).Msg("malformed other-user payload")
		return
	}

	o.mu.Lock()
	local := o.local
	outgoing := o.room != ""
	o.mu.Unlock()
	if !outgoing || local == nil {
		o.logger.Debug().Str("otherID", otherID).Msg("peer present without outgoing call, ignoring")
		return
	}

	if err := o.engine.StartInitiator(otherID, local); err != nil {
		o.notifier.Notify("Call failed", "could not establish the connection")
		o.teardown(true)
	}
}

// handleOffer records an inbound invitation. The envelope stays opaque, so
// the invitation cannot carry the caller's kind; incoming sessions default
// to video and the answer simply carries both tracks.
func (o *Orchestrator) handleOffer(msg model.Message) {
	var env model.Envelope
	if err := json.Unmarshal(msg.Payload, &env); err != nil {
		o.logger.Error().Err(err).Msg("malformed offer envelope")
		return
	}

	if o.engine.Active() {
		o.logger.Debug().Str("callerID", env.Caller).Msg("duplicate offer while negotiating, ignoring")
		return
	}

	o.mu.Lock()
	if o.local != nil || o.pending != nil {
		o.mu.Unlock()
		o.logger.Debug().Str("callerID", env.Caller).Msg("offer during another call, ignoring")
		return
	}
	o.pending = &env
	o.mu.Unlock()

	o.logger.Info().Str("callerID", env.Caller).Msg("incoming call")
	o.store.Replace(model.Session{
		Active:       true,
		Incoming:     true,
		Kind:         model.CallVideo,
		Participants: []model.User{o.self, {ID: env.Caller}},
		PendingOffer: env.Signal,
	})
}

func (o *Orchestrator) handleAnswer(msg model.Message) {
	var env model.Envelope
	if err := json.Unmarshal(msg.Payload, &env); err != nil {
		o.logger.Error().Err(err).Msg("malformed answer envelope")
		return
	}
	o.engine.HandleAnswer(env.Signal)
}

// handlePeerDisconnected is the normal termination path for a remote leave.
func (o *Orchestrator) handlePeerDisconnected(model.Message) {
	if !o.inProgress() {
		return
	}
	o.logger.Info().Msg("peer left the call")
	o.notifier.Notify("Call ended", "the other participant left")
	o.teardown(true)
}

func (o *Orchestrator) handleRoomFull(model.Message) {
	o.logger.Warn().Msg("signaling room is full")
	o.notifier.Notify("Room full", "this room is busy, try again later")
	if o.inProgress() && !o.engine.Active() {
		o.teardown(true)
	}
}

// handleChannelState tears down a link negotiated under a previous
// connection: the old client id no longer routes, so the negotiation context
// is stale and cannot be resumed.
func (o *Orchestrator) handleChannelState(connected bool, epoch uint64) {
	if !connected {
		return
	}
	o.mu.Lock()
	stale := o.callEpoch != 0 && epoch != o.callEpoch
	o.mu.Unlock()
	if stale && o.inProgress() {
		o.logger.Warn().Uint64("epoch", epoch).Msg("reconnected mid-call, dropping stale negotiation")
		o.notifier.Notify("Call ended", "connection was reset")
		o.teardown(false)
	}
}

// handleLinkConnected: media is flowing; stamp the session start time.
func (o *Orchestrator) handleLinkConnected(media.Stream) {
	o.mu.Lock()
	if o.connectTimer != nil {
		o.connectTimer.Stop()
		o.connectTimer = nil
	}
	o.mu.Unlock()

	sess := o.store.Get()
	if !sess.Active {
		return
	}
	sess.StartTime = time.Now()
	o.store.Replace(sess)
}

// handleLinkClosed reacts to a link dying on its own. Local EndCall never
// routes through here.
func (o *Orchestrator) handleLinkClosed(err error) {
	if err != nil {
		o.logger.Error().Err(err).Msg("call link failed")
		o.notifier.Notify("Call failed", "the connection was lost")
	} else {
		o.logger.Info().Msg("call link closed")
		o.notifier.Notify("Call ended", "the connection was closed")
	}
	o.teardown(true)
}

func (o *Orchestrator) armConnectTimer() {
	if o.connectTimer != nil {
		o.connectTimer.Stop()
	}
	o.connectTimer = time.AfterFunc(o.timeout, func() {
		if o.engine.Phase() == model.PhaseConnected || !o.inProgress() {
			return
		}
		o.logger.Warn().Dur("timeout", o.timeout).Msg("call connect timeout")
		o.notifier.Notify("Call failed", "no answer")
		o.teardown(true)
	})
}

// teardown releases everything a call may hold: the peer link, local media
// tracks, room membership, the pending offer and the session snapshot.
// Safe to run multiple times.
func (o *Orchestrator) teardown(leaveRoom bool) {
	o.mu.Lock()
	if o.connectTimer != nil {
		o.connectTimer.Stop()
		o.connectTimer = nil
	}
	local := o.local
	room := o.room
	o.local = nil
	o.room = ""
	o.pending = nil
	o.callEpoch = 0
	o.mu.Unlock()

	o.engine.Close()
	if local != nil {
		local.Close()
	}
	if leaveRoom && room != "" && o.channel.Connected() {
		if err := o.channel.Emit(model.EventLeaveRoom, room); err != nil {
			o.logger.Debug().Err(err).Msg("failed to leave room")
		}
	}
	o.store.Reset()
}
