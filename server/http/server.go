// Package http serves the REST surface: room pre-join, channel-token
// issuance for the managed-media variant, and prometheus metrics.
package http

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/adwski/callsig/model"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

const (
	defaultShutdownDeadline = 10 * time.Second
	defaultTokenTTL         = time.Hour
)

var (
	ErrUnexpected = errors.New("unexpected server error")
)

type RoomService interface {
	JoinRoom(roomID string, userID string) (*model.Room, error)
}

type JoinRequest struct {
	RoomID string `json:"room_id"`
	UserID string `json:"user_id"`
}

type GenericResponse struct {
	Message string      `json:"message,omitempty"`
	Error   string      `json:"error,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

type TokenResponse struct {
	Token string `json:"token"`
	AppID string `json:"appId"`
}

type Server struct {
	logger zerolog.Logger
	svc    RoomService
	*http.Server

	tokenSecret []byte
	tokenAppID  string
	tokenTTL    time.Duration
}

type Config struct {
	Logger      *zerolog.Logger
	RoomService RoomService
	ListenAddr  string

	// Token issuance for the managed-media provider.
	TokenSecret string
	TokenAppID  string
	TokenTTL    time.Duration

	Metrics prometheus.Gatherer
}

func NewServer(cfg Config) *Server {
	srv := &Server{
		logger:      cfg.Logger.With().Str("component", "api-server").Logger(),
		svc:         cfg.RoomService,
		tokenSecret: []byte(cfg.TokenSecret),
		tokenAppID:  cfg.TokenAppID,
		tokenTTL:    cfg.TokenTTL,
	}
	if srv.tokenTTL == 0 {
		srv.tokenTTL = defaultTokenTTL
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(corsMiddleware)
	r.Post("/api/room", srv.joinRoom)
	r.Get("/api/v1/token", srv.issueToken)
	if cfg.Metrics != nil {
		r.Method(http.MethodGet, "/metrics",
			promhttp.HandlerFor(cfg.Metrics, promhttp.HandlerOpts{}))
	}

	srv.Server = &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: r,
	}
	return srv
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		if r.Method == http.MethodOptions {
			w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Origin, Content-Type, Accept")
			w.Header().Set("Access-Control-Max-Age", "86400")
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (srv *Server) joinRoom(w http.ResponseWriter, r *http.Request) {
	var (
		body    []byte
		joinReq JoinRequest
	)
	body, _ = io.ReadAll(r.Body)
	defer func() {
		_ = r.Body.Close()
	}()
	if err := json.Unmarshal(body, &joinReq); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	srv.logger.Trace().Any("request", joinReq).Msg("got join request")

	_, err := srv.svc.JoinRoom(joinReq.RoomID, joinReq.UserID)
	if err != nil {
		writeJSON(w, http.StatusConflict, &GenericResponse{Error: err.Error()}, &srv.logger)
		return
	}
	writeJSON(w, http.StatusOK, &GenericResponse{Message: "OK"}, &srv.logger)
}

// issueToken grants a time-bounded channel credential.
// Contract: GET /api/v1/token?channelName=...&uid=... -> {token, appId}.
func (srv *Server) issueToken(w http.ResponseWriter, r *http.Request) {
	channelName := r.URL.Query().Get("channelName")
	uid := r.URL.Query().Get("uid")
	if channelName == "" || uid == "" {
		writeJSON(w, http.StatusBadRequest,
			&GenericResponse{Error: "channelName and uid are required"}, &srv.logger)
		return
	}
	if len(srv.tokenSecret) == 0 {
		srv.logger.Error().Msg("token secret is not configured")
		writeJSON(w, http.StatusInternalServerError,
			&GenericResponse{Error: "token issuance is not configured"}, &srv.logger)
		return
	}

	now := time.Now()
	claims := jwt.MapClaims{
		"channel": channelName,
		"uid":     uid,
		"iat":     now.Unix(),
		"exp":     now.Add(srv.tokenTTL).Unix(),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(srv.tokenSecret)
	if err != nil {
		srv.logger.Error().Err(err).Msg("failed to sign token")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	srv.logger.Debug().
		Str("channel", channelName).
		Str("uid", uid).
		Msg("token issued")
	writeJSON(w, http.StatusOK, &TokenResponse{Token: signed, AppID: srv.tokenAppID}, &srv.logger)
}

func writeJSON(w http.ResponseWriter, code int, v any, logger *zerolog.Logger) {
	b, err := json.Marshal(v)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Length", strconv.Itoa(len(b)))
	w.WriteHeader(code)
	if _, err = w.Write(b); err != nil {
		logger.Error().Err(err).Msg("failed to write response")
	}
}

func (srv *Server) Run(ctx context.Context, wg *sync.WaitGroup, errc chan<- error) {
	defer func() {
		srv.logger.Debug().Msg("server stopped")
		wg.Done()
	}()

	hErr := make(chan error)
	go func() {
		hErr <- srv.ListenAndServe()
	}()

	srv.logger.Info().Str("addr", srv.Addr).Msg("server started")

	select {
	case err := <-hErr:
		if !errors.Is(err, http.ErrServerClosed) {
			errc <- errors.Join(ErrUnexpected, err)
		}
	case <-ctx.Done():
		shCtx, shCancel := context.WithTimeout(context.Background(), defaultShutdownDeadline)
		defer shCancel()
		if err := srv.Shutdown(shCtx); err != nil {
			srv.logger.Error().Err(err).Msg("server shutdown failed")
		}
	}
}
