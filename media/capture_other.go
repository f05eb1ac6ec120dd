//go:build !(linux && cgo)

package media

import (
	"context"

	"github.com/adwski/callsig/model"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

// Capture is a stub on non-Linux platforms. Camera/mic capture via
// pion/mediadevices needs platform drivers (V4L2/malgo) that are only wired
// up for Linux; calls here can still receive remote media.
type Capture struct {
	logger zerolog.Logger
}

func NewCapture(logger *zerolog.Logger) (*Capture, error) {
	return &Capture{
		logger: logger.With().Str("component", "capture").Logger(),
	}, nil
}

// MediaEngineSetup returns nil: without capture codecs the negotiation layer
// falls back to its default codec set.
func (c *Capture) MediaEngineSetup() func(*webrtc.MediaEngine) error {
	return nil
}

func (c *Capture) Acquire(_ context.Context, kind model.CallKind) (Stream, error) {
	c.logger.Warn().Str("kind", string(kind)).Msg("no capture drivers on this platform")
	return nil, ErrDeviceUnavailable
}
