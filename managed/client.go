package managed

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/adwski/callsig/call"
	"github.com/adwski/callsig/media"
	"github.com/adwski/callsig/model"
	"github.com/rs/zerolog"
)

var (
	ErrJoinFailed = errors.New("unable to join media channel")
)

type (
	// RTC is the managed media service contract this client consumes.
	// The concrete SDK binding lives outside this module.
	RTC interface {
		Join(ctx context.Context, appID, channelName, token, uid string) error
		Publish(stream media.Stream) error
		Leave(ctx context.Context) error
		// OnUserLeft registers the remote-departure callback; at most one.
		OnUserLeft(fn func(uid string))
	}

	Config struct {
		Logger   *zerolog.Logger
		Tokens   *TokenClient
		RTC      RTC
		Media    media.Acquirer
		Store    *call.Store
		Notifier call.Notifier
		Self     model.User
	}

	// Client implements call.Provider against a hosted media service.
	Client struct {
		logger   zerolog.Logger
		tokens   *TokenClient
		rtc      RTC
		media    media.Acquirer
		store    *call.Store
		notifier call.Notifier
		self     model.User

		mu     sync.Mutex
		local  media.Stream
		busy   bool // a Start is in flight or completed
		joined bool // rtc.Join succeeded and Leave is owed
	}
)

func NewClient(cfg Config) *Client {
	c := &Client{
		logger:   cfg.Logger.With().Str("component", "managed-call").Logger(),
		tokens:   cfg.Tokens,
		rtc:      cfg.RTC,
		media:    cfg.Media,
		store:    cfg.Store,
		notifier: cfg.Notifier,
		self:     cfg.Self,
	}
	if c.notifier == nil {
		c.notifier = call.NopNotifier{}
	}
	c.rtc.OnUserLeft(c.handleUserLeft)
	return c
}

// Start fetches a channel credential, joins, captures and publishes local
// media, then marks the session active. Any failure along the way rolls the
// whole join back.
func (c *Client) Start(ctx context.Context, kind model.CallKind, target model.User, roomID string) error {
	c.mu.Lock()
	if c.busy {
		c.mu.Unlock()
		return call.ErrCallInProgress
	}
	c.busy = true
	c.mu.Unlock()

	channelName := roomID
	if channelName == "" {
		channelName = fmt.Sprintf("call-%s-%s", c.self.ID, target.ID)
	}

	creds, err := c.tokens.Fetch(ctx, channelName, c.self.ID)
	if err != nil {
		c.reset(ctx)
		return err
	}

	if err = c.rtc.Join(ctx, creds.AppID, channelName, creds.Token, c.self.ID); err != nil {
		c.logger.Error().Err(err).Str("channel", channelName).Msg("join failed")
		c.reset(ctx)
		return errors.Join(ErrJoinFailed, err)
	}
	c.mu.Lock()
	c.joined = true
	c.mu.Unlock()

	stream, err := c.media.Acquire(ctx, kind)
	if err != nil {
		c.reset(ctx)
		return err
	}
	c.mu.Lock()
	c.local = stream
	c.mu.Unlock()

	if err = c.rtc.Publish(stream); err != nil {
		c.logger.Error().Err(err).Msg("publish failed")
		c.reset(ctx)
		return errors.Join(ErrJoinFailed, err)
	}

	c.store.Replace(model.Session{
		Active:       true,
		Kind:         kind,
		Participants: []model.User{c.self, target},
	})
	c.logger.Info().
		Str("channel", channelName).
		Str("kind", string(kind)).
		Msg("joined media channel")
	return nil
}

// End leaves the channel and stops local media. Idempotent.
func (c *Client) End() {
	c.mu.Lock()
	busy := c.busy
	c.mu.Unlock()
	if !busy {
		return
	}
	c.reset(context.Background())
	c.notifier.Notify("Call ended", "you left the call")
}

func (c *Client) reset(ctx context.Context) {
	c.mu.Lock()
	local := c.local
	c.local = nil
	wasJoined := c.joined
	c.joined = false
	c.busy = false
	c.mu.Unlock()

	if local != nil {
		local.Close()
	}
	if wasJoined {
		if err := c.rtc.Leave(ctx); err != nil {
			c.logger.Debug().Err(err).Msg("leave error")
		}
	}
	c.store.Reset()
}

func (c *Client) handleUserLeft(uid string) {
	c.logger.Info().Str("uid", uid).Msg("remote user left")
	c.notifier.Notify("Call ended", "the other participant left")
	c.reset(context.Background())
}

func (c *Client) ToggleAudio() { c.toggle(media.TrackAudio) }

func (c *Client) ToggleVideo() { c.toggle(media.TrackVideo) }

func (c *Client) toggle(kind media.TrackKind) {
	c.mu.Lock()
	local := c.local
	c.mu.Unlock()
	if local == nil {
		return
	}
	tracks := local.AudioTracks()
	if kind == media.TrackVideo {
		tracks = local.VideoTracks()
	}
	for _, t := range tracks {
		t.SetEnabled(!t.Enabled())
	}
}

// StartScreenShare reports the feature gap, same as the p2p provider.
func (c *Client) StartScreenShare() error {
	c.notifier.Notify("Screen sharing", "not yet available")
	return call.ErrScreenShareUnavailable
}
