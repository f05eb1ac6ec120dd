package call

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/adwski/callsig/media"
	"github.com/adwski/callsig/model"
	"github.com/adwski/callsig/peer"
	"github.com/davecgh/go-spew/spew"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type emitted struct {
	event   string
	payload any
}

type fakeChannel struct {
	mu        sync.Mutex
	id        string
	connected bool
	epoch     uint64
	emits     []emitted
	emitErr   error
	handlers  map[string][]func(model.Message)
	stateFns  []func(bool, uint64)
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{
		id:        "client-1",
		connected: true,
		epoch:     1,
		handlers:  make(map[string][]func(model.Message)),
	}
}

func (ch *fakeChannel) ID() string { return ch.id }

func (ch *fakeChannel) Connected() bool {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.connected
}

func (ch *fakeChannel) Epoch() uint64 {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.epoch
}

func (ch *fakeChannel) Emit(event string, payload any) error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.emitErr != nil {
		return ch.emitErr
	}
	ch.emits = append(ch.emits, emitted{event: event, payload: payload})
	return nil
}

func (ch *fakeChannel) On(event string, fn func(model.Message)) func() {
	ch.handlers[event] = append(ch.handlers[event], fn)
	return func() {}
}

func (ch *fakeChannel) OnStateChange(fn func(bool, uint64)) func() {
	ch.stateFns = append(ch.stateFns, fn)
	return func() {}
}

func (ch *fakeChannel) fire(event string, payload any) {
	b, err := json.Marshal(payload)
	if err != nil {
		panic(err)
	}
	msg := model.Message{Event: event, Payload: b}
	for _, fn := range ch.handlers[event] {
		fn(msg)
	}
}

func (ch *fakeChannel) setState(connected bool, epoch uint64) {
	ch.mu.Lock()
	ch.connected = connected
	ch.epoch = epoch
	fns := ch.stateFns
	ch.mu.Unlock()
	for _, fn := range fns {
		fn(connected, epoch)
	}
}

func (ch *fakeChannel) emitted() []emitted {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	out := make([]emitted, len(ch.emits))
	copy(out, ch.emits)
	return out
}

type fakePeer struct {
	mu       sync.Mutex
	signaled []json.RawMessage
	closed   bool
}

func (p *fakePeer) Signal(blob json.RawMessage) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.signaled = append(p.signaled, blob)
	return nil
}

func (p *fakePeer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

type fakeNegotiator struct {
	peers  []*fakePeer
	events []peer.Events
	offers []json.RawMessage
	err    error
}

func (n *fakeNegotiator) NewInitiator(_ media.Stream, ev peer.Events) (peer.Peer, error) {
	if n.err != nil {
		return nil, n.err
	}
	p := &fakePeer{}
	n.peers = append(n.peers, p)
	n.events = append(n.events, ev)
	return p, nil
}

func (n *fakeNegotiator) NewResponder(_ media.Stream, offer json.RawMessage, ev peer.Events) (peer.Peer, error) {
	if n.err != nil {
		return nil, n.err
	}
	p := &fakePeer{}
	n.peers = append(n.peers, p)
	n.events = append(n.events, ev)
	n.offers = append(n.offers, offer)
	return p, nil
}

type fakeTrack struct {
	kind    media.TrackKind
	enabled bool
	stopped bool
}

func (t *fakeTrack) Kind() media.TrackKind    { return t.kind }
func (t *fakeTrack) Enabled() bool            { return t.enabled }
func (t *fakeTrack) SetEnabled(v bool)        { t.enabled = v }
func (t *fakeTrack) Stop()                    { t.stopped = true }
func (t *fakeTrack) Local() webrtc.TrackLocal { return nil }

type fakeAcquirer struct {
	err     error
	calls   int
	streams []*media.TrackSet
	tracks  [][]*fakeTrack
}

func (a *fakeAcquirer) Acquire(_ context.Context, kind model.CallKind) (media.Stream, error) {
	a.calls++
	if a.err != nil {
		return nil, a.err
	}
	tracks := []*fakeTrack{{kind: media.TrackAudio, enabled: true}}
	if kind == model.CallVideo {
		tracks = append(tracks, &fakeTrack{kind: media.TrackVideo, enabled: true})
	}
	ts := media.NewTrackSet()
	for _, tr := range tracks {
		ts.Add(tr)
	}
	a.streams = append(a.streams, ts)
	a.tracks = append(a.tracks, tracks)
	return ts, nil
}

type recNotifier struct {
	mu     sync.Mutex
	titles []string
}

func (n *recNotifier) Notify(title, _ string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.titles = append(n.titles, title)
}

func (n *recNotifier) got() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, len(n.titles))
	copy(out, n.titles)
	return out
}

type fixture struct {
	orc   *Orchestrator
	ch    *fakeChannel
	neg   *fakeNegotiator
	acq   *fakeAcquirer
	store *Store
	notes *recNotifier
	self  model.User
}

func newFixture(t *testing.T, timeout time.Duration) *fixture {
	t.Helper()
	logger := zerolog.Nop()
	f := &fixture{
		ch:    newFakeChannel(),
		neg:   &fakeNegotiator{},
		acq:   &fakeAcquirer{},
		store: NewStore(),
		notes: &recNotifier{},
		self:  model.User{ID: "self", Name: "Self", Online: true},
	}
	f.orc = NewOrchestrator(Config{
		Logger:         &logger,
		Channel:        f.ch,
		Negotiator:     f.neg,
		Media:          f.acq,
		Store:          f.store,
		Notifier:       f.notes,
		Self:           f.self,
		ConnectTimeout: timeout,
	})
	return f
}

// placeCall drives an outgoing call up to the point where the remote peer is
// present in the room and the initiator link exists.
func (f *fixture) placeCall(t *testing.T) {
	t.Helper()
	require.NoError(t, f.orc.StartCall(context.Background(), model.CallVideo, model.User{ID: "peer1"}, ""))
	f.ch.fire(model.EventOtherUser, "peer1")
	require.Len(t, f.neg.peers, 1)
}

func TestStartCall(t *testing.T) {
	f := newFixture(t, 0)

	require.NoError(t, f.orc.StartCall(context.Background(),
		model.CallVideo, model.User{ID: "peer1"}, ""))

	sess := f.store.Get()
	require.True(t, sess.Active, spew.Sdump(sess))
	assert.Equal(t, model.CallVideo, sess.Kind)
	require.Len(t, sess.Participants, 2)
	assert.Equal(t, f.self, sess.Participants[0])
	assert.Equal(t, "peer1", sess.Participants[1].ID)
	assert.False(t, sess.Started())
	assert.False(t, sess.Incoming)

	emits := f.ch.emitted()
	require.Len(t, emits, 1)
	assert.Equal(t, model.EventJoinRoom, emits[0].event)
	assert.Equal(t, "call-self-peer1", emits[0].payload)

	// nobody in the room yet: no link
	assert.Empty(t, f.neg.peers)

	// the peer shows up and this side initiates
	f.ch.fire(model.EventOtherUser, "peer1")
	require.Len(t, f.neg.peers, 1)

	blob := json.RawMessage(`"offer-blob"`)
	f.neg.events[0].OnSignal(blob)
	emits = f.ch.emitted()
	require.Len(t, emits, 2)
	assert.Equal(t, model.EventOffer, emits[1].event)
	env := emits[1].payload.(model.Envelope)
	assert.Equal(t, "peer1", env.Target)
	assert.Equal(t, "client-1", env.Caller)
	assert.Equal(t, blob, env.Signal)

	// media flows: the session start time is stamped
	f.neg.events[0].OnConnect()
	assert.True(t, f.store.Get().Started())
}

func TestStartCallExplicitRoom(t *testing.T) {
	f := newFixture(t, 0)

	require.NoError(t, f.orc.StartCall(context.Background(),
		model.CallVoice, model.User{ID: "peer1"}, "room-42"))
	emits := f.ch.emitted()
	require.Len(t, emits, 1)
	assert.Equal(t, "room-42", emits[0].payload)
	assert.Equal(t, model.CallVoice, f.store.Get().Kind)
}

func TestStartCallTransportDown(t *testing.T) {
	f := newFixture(t, 0)
	f.ch.setState(false, 1)

	err := f.orc.StartCall(context.Background(), model.CallVideo, model.User{ID: "peer1"}, "")
	require.ErrorIs(t, err, ErrTransportUnavailable)
	assert.Zero(t, f.acq.calls)
	assert.False(t, f.store.Get().Active)
}

func TestStartCallAlreadyInProgress(t *testing.T) {
	f := newFixture(t, 0)
	f.placeCall(t)

	err := f.orc.StartCall(context.Background(), model.CallVideo, model.User{ID: "peer2"}, "")
	require.ErrorIs(t, err, ErrCallInProgress)
	assert.Equal(t, 1, f.acq.calls)
}

func TestStartCallMediaFailure(t *testing.T) {
	f := newFixture(t, 0)
	f.acq.err = media.ErrDeviceUnavailable

	err := f.orc.StartCall(context.Background(), model.CallVideo, model.User{ID: "peer1"}, "")
	require.ErrorIs(t, err, media.ErrDeviceUnavailable)

	// session never became active and no room was joined
	assert.False(t, f.store.Get().Active)
	assert.Empty(t, f.ch.emitted())
}

func TestStartCallEmitFailure(t *testing.T) {
	f := newFixture(t, 0)
	f.ch.emitErr = errors.New("broken pipe")

	err := f.orc.StartCall(context.Background(), model.CallVideo, model.User{ID: "peer1"}, "")
	require.ErrorIs(t, err, ErrTransportUnavailable)
	assert.False(t, f.store.Get().Active)
	require.Len(t, f.acq.tracks, 1)
	for _, tr := range f.acq.tracks[0] {
		assert.True(t, tr.stopped)
	}
}

func incomingOffer(f *fixture) json.RawMessage {
	blob := json.RawMessage(`"offer-blob"`)
	f.ch.fire(model.EventOffer, model.Envelope{
		Target: f.ch.id,
		Caller: "peer1",
		Signal: blob,
	})
	return blob
}

func TestIncomingOfferAndAnswer(t *testing.T) {
	f := newFixture(t, 0)
	blob := incomingOffer(f)

	sess := f.store.Get()
	require.True(t, sess.Active, spew.Sdump(sess))
	assert.True(t, sess.Incoming)
	assert.Equal(t, model.CallVideo, sess.Kind)
	require.Len(t, sess.Participants, 2)
	assert.Equal(t, "peer1", sess.Participants[1].ID)
	assert.Equal(t, blob, sess.PendingOffer)

	require.NoError(t, f.orc.AnswerCall(context.Background()))
	require.Len(t, f.neg.offers, 1)
	assert.Equal(t, blob, f.neg.offers[0])

	sess = f.store.Get()
	assert.True(t, sess.Active)
	assert.False(t, sess.Incoming)

	answer := json.RawMessage(`"answer-blob"`)
	f.neg.events[0].OnSignal(answer)
	emits := f.ch.emitted()
	require.Len(t, emits, 1)
	assert.Equal(t, model.EventAnswer, emits[0].event)
	env := emits[0].payload.(model.Envelope)
	assert.Equal(t, "peer1", env.Target)
	assert.Equal(t, answer, env.Signal)
}

func TestAnswerCallNoPending(t *testing.T) {
	f := newFixture(t, 0)
	require.ErrorIs(t, f.orc.AnswerCall(context.Background()), ErrNoPendingCall)
	assert.Zero(t, f.acq.calls)
}

func TestDeclineCall(t *testing.T) {
	f := newFixture(t, 0)
	incomingOffer(f)

	f.orc.DeclineCall()

	// declining never touches capture devices
	assert.Zero(t, f.acq.calls)
	assert.False(t, f.store.Get().Active)
	require.ErrorIs(t, f.orc.AnswerCall(context.Background()), ErrNoPendingCall)

	// declining again is a no-op
	f.orc.DeclineCall()
}

func TestOfferIgnoredDuringCall(t *testing.T) {
	f := newFixture(t, 0)
	f.placeCall(t)

	incomingOffer(f)
	require.ErrorIs(t, f.orc.AnswerCall(context.Background()), ErrNoPendingCall)
	// the original call is untouched
	assert.False(t, f.store.Get().Incoming)
}

func TestAnswerEventReachesInitiator(t *testing.T) {
	f := newFixture(t, 0)
	f.placeCall(t)

	blob := json.RawMessage(`"answer-blob"`)
	f.ch.fire(model.EventAnswer, model.Envelope{
		Target: f.ch.id,
		Caller: "peer1",
		Signal: blob,
	})
	require.Len(t, f.neg.peers[0].signaled, 1)
	assert.Equal(t, blob, f.neg.peers[0].signaled[0])
}

func TestEndCall(t *testing.T) {
	f := newFixture(t, 0)
	f.placeCall(t)

	f.orc.EndCall()

	sess := f.store.Get()
	assert.False(t, sess.Active, spew.Sdump(sess))
	assert.True(t, f.neg.peers[0].closed)
	for _, tr := range f.acq.tracks[0] {
		assert.True(t, tr.stopped)
	}

	emits := f.ch.emitted()
	require.Len(t, emits, 2)
	assert.Equal(t, model.EventLeaveRoom, emits[1].event)
	assert.Equal(t, "call-self-peer1", emits[1].payload)

	// ending again does nothing
	f.orc.EndCall()
	assert.Len(t, f.ch.emitted(), 2)
}

func TestPeerDisconnected(t *testing.T) {
	f := newFixture(t, 0)
	f.placeCall(t)

	f.ch.fire(model.EventPeerDisconnected, nil)

	assert.False(t, f.store.Get().Active)
	assert.Contains(t, f.notes.got(), "Call ended")
	assert.True(t, f.neg.peers[0].closed)

	// idle: the event is ignored
	f.ch.fire(model.EventPeerDisconnected, nil)
	assert.Len(t, f.notes.got(), 1)
}

func TestRoomFull(t *testing.T) {
	f := newFixture(t, 0)
	require.NoError(t, f.orc.StartCall(context.Background(),
		model.CallVideo, model.User{ID: "peer1"}, ""))

	f.ch.fire(model.EventRoomFull, nil)

	assert.Contains(t, f.notes.got(), "Room full")
	assert.False(t, f.store.Get().Active)
}

func TestLinkFailureNotifies(t *testing.T) {
	f := newFixture(t, 0)
	f.placeCall(t)

	f.neg.events[0].OnError(errors.New("ice failed"))

	assert.False(t, f.store.Get().Active)
	assert.Contains(t, f.notes.got(), "Call failed")
}

func TestToggleTracks(t *testing.T) {
	f := newFixture(t, 0)

	// no local stream: nothing to flip, nothing to crash
	f.orc.ToggleAudio()
	f.orc.ToggleVideo()

	f.placeCall(t)
	audio, video := f.acq.tracks[0][0], f.acq.tracks[0][1]

	f.orc.ToggleAudio()
	assert.False(t, audio.enabled)
	assert.True(t, video.enabled)

	f.orc.ToggleVideo()
	assert.False(t, video.enabled)

	f.orc.ToggleAudio()
	assert.True(t, audio.enabled)
}

func TestReconnectDropsStaleNegotiation(t *testing.T) {
	f := newFixture(t, 0)
	f.placeCall(t)

	// reconnect under a new identity: the peer cannot reach us anymore
	f.ch.setState(false, 1)
	f.ch.setState(true, 2)

	assert.False(t, f.store.Get().Active)
	assert.True(t, f.neg.peers[0].closed)
	assert.Contains(t, f.notes.got(), "Call ended")

	// no leave-room for a membership that died with the old connection
	for _, e := range f.ch.emitted() {
		assert.NotEqual(t, model.EventLeaveRoom, e.event)
	}
}

func TestConnectTimeout(t *testing.T) {
	f := newFixture(t, 20*time.Millisecond)
	f.placeCall(t)

	require.Eventually(t, func() bool {
		return !f.store.Get().Active
	}, time.Second, 5*time.Millisecond)
	assert.Contains(t, f.notes.got(), "Call failed")
}

func TestConnectTimeoutDisarmedOnConnect(t *testing.T) {
	f := newFixture(t, 20*time.Millisecond)
	f.placeCall(t)
	f.neg.events[0].OnConnect()

	time.Sleep(60 * time.Millisecond)
	sess := f.store.Get()
	assert.True(t, sess.Active, spew.Sdump(sess))
	assert.True(t, sess.Started())
}

func TestStartScreenShare(t *testing.T) {
	f := newFixture(t, 0)
	require.ErrorIs(t, f.orc.StartScreenShare(), ErrScreenShareUnavailable)
	assert.Contains(t, f.notes.got(), "Screen sharing")
}

func TestProviderInterface(t *testing.T) {
	f := newFixture(t, 0)
	var p Provider = f.orc

	require.NoError(t, p.Start(context.Background(), model.CallVideo, model.User{ID: "peer1"}, ""))
	p.End()
	assert.False(t, f.store.Get().Active)
}
