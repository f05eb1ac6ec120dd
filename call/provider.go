package call

import (
	"context"
	"errors"

	"github.com/adwski/callsig/model"
)

var (
	ErrTransportUnavailable   = errors.New("signaling channel is not connected")
	ErrCallInProgress         = errors.New("a call is already in progress")
	ErrNoPendingCall          = errors.New("no pending incoming call")
	ErrScreenShareUnavailable = errors.New("screen sharing is not yet available")
)

// Provider is the call capability shared by the peer-to-peer orchestrator and
// the managed-media client. Exactly one implementation is wired per
// composition; never both.
type Provider interface {
	Start(ctx context.Context, kind model.CallKind, target model.User, roomID string) error
	End()
	ToggleAudio()
	ToggleVideo()
	StartScreenShare() error
}

// Notifier is the user-facing side channel for events that have no pending
// caller to return an error to.
type Notifier interface {
	Notify(title, detail string)
}

// NopNotifier drops notifications; composition roots that do not render
// notices use it.
type NopNotifier struct{}

func (NopNotifier) Notify(string, string) {}
