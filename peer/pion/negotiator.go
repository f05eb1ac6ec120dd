// Package pion implements the negotiation contract on pion/webrtc.
// ICE runs without trickle: each side gathers all candidates first and
// exchanges exactly one blob, so signaling needs a single round trip.
package pion

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/adwski/callsig/media"
	"github.com/adwski/callsig/peer"
	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

const defaultGatherTimeout = 10 * time.Second

var (
	ErrGatherTimeout = errors.New("ICE candidate gathering timed out")

	defaultSTUNServers = []string{"stun:stun.l.google.com:19302"}
)

type (
	Config struct {
		Logger      *zerolog.Logger
		STUNServers []string

		// MediaEngineSetup registers codecs matching the local capture
		// pipeline. Nil means pion's default codec set.
		MediaEngineSetup func(*webrtc.MediaEngine) error
	}

	Negotiator struct {
		logger zerolog.Logger
		api    *webrtc.API
		pcCfg  webrtc.Configuration
	}
)

func New(cfg Config) (*Negotiator, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if cfg.MediaEngineSetup != nil {
		if err := cfg.MediaEngineSetup(mediaEngine); err != nil {
			return nil, err
		}
	} else if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, err
	}

	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, registry); err != nil {
		return nil, err
	}

	stun := cfg.STUNServers
	if len(stun) == 0 {
		stun = defaultSTUNServers
	}

	return &Negotiator{
		logger: cfg.Logger.With().Str("component", "pion-negotiator").Logger(),
		api: webrtc.NewAPI(
			webrtc.WithMediaEngine(mediaEngine),
			webrtc.WithInterceptorRegistry(registry),
		),
		pcCfg: webrtc.Configuration{
			ICEServers: []webrtc.ICEServer{{URLs: stun}},
		},
	}, nil
}

func (n *Negotiator) NewInitiator(local media.Stream, ev peer.Events) (peer.Peer, error) {
	p, err := n.newPeer(local, ev)
	if err != nil {
		return nil, err
	}

	// Offer production is asynchronous: gathering all candidates can take
	// seconds and must not block the caller.
	go func() {
		offer, cErr := p.pc.CreateOffer(nil)
		if cErr != nil {
			ev.OnError(cErr)
			return
		}
		blob, cErr := p.localBlob(offer)
		if cErr != nil {
			ev.OnError(cErr)
			return
		}
		ev.OnSignal(blob)
	}()
	return p, nil
}

func (n *Negotiator) NewResponder(local media.Stream, offer json.RawMessage, ev peer.Events) (peer.Peer, error) {
	p, err := n.newPeer(local, ev)
	if err != nil {
		return nil, err
	}

	desc, err := decodeBlob(offer)
	if err != nil {
		_ = p.Close()
		return nil, err
	}
	if err = p.pc.SetRemoteDescription(*desc); err != nil {
		_ = p.Close()
		return nil, err
	}

	go func() {
		answer, cErr := p.pc.CreateAnswer(nil)
		if cErr != nil {
			ev.OnError(cErr)
			return
		}
		blob, cErr := p.localBlob(answer)
		if cErr != nil {
			ev.OnError(cErr)
			return
		}
		ev.OnSignal(blob)
	}()
	return p, nil
}

func (n *Negotiator) newPeer(local media.Stream, ev peer.Events) (*pionPeer, error) {
	pc, err := n.api.NewPeerConnection(n.pcCfg)
	if err != nil {
		return nil, err
	}

	p := &pionPeer{
		logger: n.logger,
		pc:     pc,
		remote: media.NewTrackSet(),
	}

	if err = p.addLocalTracks(local); err != nil {
		_ = pc.Close()
		return nil, err
	}

	pc.OnTrack(func(tr *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		n.logger.Debug().
			Str("kind", tr.Kind().String()).
			Str("codec", tr.Codec().MimeType).
			Msg("remote track")
		p.remote.Add(newRemoteTrack(tr))
		p.announceOnce.Do(func() {
			if ev.OnStream != nil {
				ev.OnStream(p.remote)
			}
		})
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		n.logger.Debug().Str("state", state.String()).Msg("connection state")
		switch state {
		case webrtc.PeerConnectionStateConnected:
			if ev.OnConnect != nil {
				ev.OnConnect()
			}
		case webrtc.PeerConnectionStateFailed:
			if ev.OnError != nil {
				ev.OnError(errors.New("peer connection failed"))
			}
		case webrtc.PeerConnectionStateDisconnected, webrtc.PeerConnectionStateClosed:
			if ev.OnClose != nil {
				ev.OnClose()
			}
		default:
		}
	})

	return p, nil
}

type pionPeer struct {
	logger       zerolog.Logger
	pc           *webrtc.PeerConnection
	remote       *media.TrackSet
	announceOnce sync.Once
}

// addLocalTracks attaches sendable local tracks. With no local media the
// peer still offers valid m-lines through recvonly transceivers.
func (p *pionPeer) addLocalTracks(local media.Stream) error {
	var added int
	if local != nil {
		for _, t := range local.Tracks() {
			lt := t.Local()
			if lt == nil {
				continue
			}
			if _, err := p.pc.AddTrack(lt); err != nil {
				return err
			}
			added++
		}
	}
	if added > 0 {
		return nil
	}
	for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeVideo, webrtc.RTPCodecTypeAudio} {
		_, err := p.pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// localBlob applies desc, waits for full candidate gathering and encodes the
// final local description.
func (p *pionPeer) localBlob(desc webrtc.SessionDescription) (json.RawMessage, error) {
	gathered := webrtc.GatheringCompletePromise(p.pc)
	if err := p.pc.SetLocalDescription(desc); err != nil {
		return nil, err
	}
	select {
	case <-gathered:
	case <-time.After(defaultGatherTimeout):
		return nil, ErrGatherTimeout
	}
	return encodeBlob(p.pc.LocalDescription())
}

// Signal applies the inbound blob; for an initiator that is the answer.
func (p *pionPeer) Signal(blob json.RawMessage) error {
	desc, err := decodeBlob(blob)
	if err != nil {
		return err
	}
	return p.pc.SetRemoteDescription(*desc)
}

func (p *pionPeer) Close() error {
	return p.pc.Close()
}

type remoteTrack struct {
	tr *webrtc.TrackRemote
}

func newRemoteTrack(tr *webrtc.TrackRemote) *remoteTrack {
	return &remoteTrack{tr: tr}
}

func (t *remoteTrack) Kind() media.TrackKind {
	if t.tr.Kind() == webrtc.RTPCodecTypeVideo {
		return media.TrackVideo
	}
	return media.TrackAudio
}

// Remote tracks are read-only handles: enable toggles and stops apply to
// local media only.
func (t *remoteTrack) Enabled() bool { return true }

func (t *remoteTrack) SetEnabled(bool) {}

func (t *remoteTrack) Stop() {}

func (t *remoteTrack) Local() webrtc.TrackLocal { return nil }
