//go:build linux && cgo

package media

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/adwski/callsig/model"
	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

const (
	defaultVideoBitRate = 1_500_000
	defaultMaxWidth     = 640
	defaultMaxHeight    = 480
)

// Capture acquires camera/microphone via pion/mediadevices (V4L2 + malgo).
type Capture struct {
	logger   zerolog.Logger
	selector *mediadevices.CodecSelector
}

func NewCapture(logger *zerolog.Logger) (*Capture, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, err
	}
	vpxParams.BitRate = defaultVideoBitRate

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, err
	}

	return &Capture{
		logger: logger.With().Str("component", "capture").Logger(),
		selector: mediadevices.NewCodecSelector(
			mediadevices.WithVideoEncoders(&vpxParams),
			mediadevices.WithAudioEncoders(&opusParams),
		),
	}, nil
}

// MediaEngineSetup returns a setup func that registers the capture codecs
// (VP8+Opus) with a negotiation media engine, so sent tracks match what the
// peer connection offers.
func (c *Capture) MediaEngineSetup() func(*webrtc.MediaEngine) error {
	return func(me *webrtc.MediaEngine) error {
		c.selector.Populate(me)
		return nil
	}
}

func (c *Capture) Acquire(_ context.Context, kind model.CallKind) (Stream, error) {
	constraints := mediadevices.MediaStreamConstraints{Codec: c.selector}
	constraints.Audio = func(_ *mediadevices.MediaTrackConstraints) {}
	if kind == model.CallVideo {
		constraints.Video = func(mc *mediadevices.MediaTrackConstraints) {
			// Raw formats only: MJPEG camera nodes can hand the VP8 encoder
			// malformed frames, which breaks SDP negotiation downstream.
			mc.FrameFormat = prop.FrameFormatOneOf{
				frame.FormatYUYV,
				frame.FormatI420,
				frame.FormatI444,
				frame.FormatRGBA,
			}
			mc.Width = prop.IntRanged{Max: defaultMaxWidth}
			mc.Height = prop.IntRanged{Max: defaultMaxHeight}
		}
	}

	stream, err := mediadevices.GetUserMedia(constraints)
	if err != nil {
		c.logger.Error().Err(err).Str("kind", string(kind)).Msg("media capture failed")
		return nil, errors.Join(ErrDeviceUnavailable, err)
	}

	set := NewTrackSet()
	for _, track := range stream.GetTracks() {
		set.Add(newCaptureTrack(track, &c.logger))
	}
	c.logger.Debug().
		Str("kind", string(kind)).
		Int("tracks", len(set.Tracks())).
		Msg("local media captured")
	return set, nil
}

type captureTrack struct {
	track   mediadevices.Track
	kind    TrackKind
	enabled atomic.Bool
}

func newCaptureTrack(t mediadevices.Track, logger *zerolog.Logger) *captureTrack {
	ct := &captureTrack{track: t, kind: TrackAudio}
	if t.Kind() == webrtc.RTPCodecTypeVideo {
		ct.kind = TrackVideo
	}
	ct.enabled.Store(true)
	t.OnEnded(func(err error) {
		if err != nil {
			logger.Warn().Err(err).Str("kind", string(ct.kind)).Msg("local track ended")
		}
	})
	return ct
}

func (t *captureTrack) Kind() TrackKind { return t.kind }

func (t *captureTrack) Enabled() bool { return t.enabled.Load() }

// SetEnabled only flips the mute flag; frames keep flowing so re-enable is
// instant.
func (t *captureTrack) SetEnabled(v bool) { t.enabled.Store(v) }

func (t *captureTrack) Stop() {
	_ = t.track.Close()
}

func (t *captureTrack) Local() webrtc.TrackLocal { return t.track }
