// Package managed implements the call provider variant that rides a hosted
// media service instead of a direct peer link. The service itself stays
// behind the RTC contract; this package owns credential retrieval, the
// join/publish/leave flow and session bookkeeping.
package managed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog"
)

const defaultTokenTimeout = 10 * time.Second

var (
	ErrTokenRequest = errors.New("token request failed")
)

// Credentials is a time-bounded grant to join one channel.
type Credentials struct {
	Token string `json:"token"`
	AppID string `json:"appId"`
}

// TokenClient fetches channel credentials from the issuance endpoint.
// The endpoint contract: GET {base}/api/v1/token?channelName=...&uid=...
// returns {token, appId}.
type TokenClient struct {
	logger zerolog.Logger
	base   string
	client *http.Client
}

func NewTokenClient(logger *zerolog.Logger, baseURL string) *TokenClient {
	return &TokenClient{
		logger: logger.With().Str("component", "token-client").Logger(),
		base:   baseURL,
		client: &http.Client{Timeout: defaultTokenTimeout},
	}
}

func (tc *TokenClient) Fetch(ctx context.Context, channelName, uid string) (Credentials, error) {
	var creds Credentials

	u, err := url.Parse(tc.base + "/api/v1/token")
	if err != nil {
		return creds, errors.Join(ErrTokenRequest, err)
	}
	q := u.Query()
	q.Set("channelName", channelName)
	q.Set("uid", uid)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return creds, errors.Join(ErrTokenRequest, err)
	}
	resp, err := tc.client.Do(req)
	if err != nil {
		return creds, errors.Join(ErrTokenRequest, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		return creds, errors.Join(ErrTokenRequest,
			fmt.Errorf("unexpected status %d", resp.StatusCode))
	}
	if err = json.NewDecoder(resp.Body).Decode(&creds); err != nil {
		return creds, errors.Join(ErrTokenRequest, err)
	}
	if creds.Token == "" || creds.AppID == "" {
		return creds, errors.Join(ErrTokenRequest, errors.New("incomplete credentials"))
	}

	tc.logger.Debug().Str("channel", channelName).Msg("credentials issued")
	return creds, nil
}
