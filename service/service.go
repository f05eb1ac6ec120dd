// Package service implements the signaling protocol on top of the relay:
// room presence, envelope forwarding and session lifecycle.
package service

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/adwski/callsig/model"
	memstore "github.com/adwski/callsig/storage/memory"
	"github.com/rs/zerolog"
)

var (
	ErrJoin       = errors.New("unable to join room")
	ErrConnect    = errors.New("unable to connect")
	ErrDisconnect = errors.New("unable to disconnect")
)

type (
	RoomStore interface {
		CreateOrJoinRoom(roomID string, userID string) (*model.Room, error)
		LeaveRoom(roomID string, userID string) ([]string, error)
		LeaveAll(userID string) map[string][]string
		OtherMember(roomID string, userID string) (string, bool)
	}

	Sender interface {
		Connect(ctx context.Context, endpoint string, wire model.Wire) error
		Disconnect(endpoint string) error
		Send(ctx context.Context, msg model.Message) bool
	}

	Service struct {
		store  RoomStore
		relay  Sender
		logger zerolog.Logger
	}

	Config struct {
		RoomStore RoomStore
		Relay     Sender
		Logger    *zerolog.Logger
	}
)

func NewService(cfg Config) *Service {
	return &Service{
		store:  cfg.RoomStore,
		relay:  cfg.Relay,
		logger: cfg.Logger.With().Str("component", "signaling").Logger(),
	}
}

// JoinRoom pre-registers a user in a room through the REST API.
func (svc *Service) JoinRoom(roomID, userID string) (*model.Room, error) {
	room, err := svc.store.CreateOrJoinRoom(roomID, userID)
	if err != nil {
		return nil, errors.Join(ErrJoin, err)
	}
	svc.logger.Debug().
		Str("userID", userID).
		Str("roomID", roomID).
		Msg("user joined room")
	return room, nil
}

// CreateSignalingSession attaches a connected client's wire to the relay.
func (svc *Service) CreateSignalingSession(ctx context.Context, clientID string, wire model.Wire) error {
	if err := svc.relay.Connect(ctx, clientID, wire); err != nil {
		return errors.Join(ErrConnect, err)
	}
	svc.logger.Debug().
		Str("clientID", clientID).
		Msg("signaling session connected")
	return nil
}

// DeleteSignalingSession detaches the client and announces its departure to
// every room it was still in.
func (svc *Service) DeleteSignalingSession(ctx context.Context, clientID string) error {
	if err := svc.relay.Disconnect(clientID); err != nil {
		return errors.Join(ErrDisconnect, err)
	}
	for roomID, remaining := range svc.store.LeaveAll(clientID) {
		svc.notifyPeerLeft(ctx, roomID, remaining)
	}
	svc.logger.Debug().
		Str("clientID", clientID).
		Msg("signaling session deleted")
	return nil
}

// HandleSignal interprets one inbound event from src.
func (svc *Service) HandleSignal(ctx context.Context, src string, msg model.Message) {
	switch msg.Event {
	case model.EventJoinRoom:
		svc.handleJoinRoom(ctx, src, msg)
	case model.EventLeaveRoom:
		svc.handleLeaveRoom(ctx, src, msg)
	case model.EventOffer, model.EventAnswer:
		svc.forwardEnvelope(ctx, src, msg)
	case model.EventPing:
		svc.relay.Send(ctx, model.Message{
			Event:   model.EventPong,
			DST:     src,
			Payload: msg.Payload,
		})
	default:
		svc.logger.Debug().
			Str("event", msg.Event).
			Str("src", src).
			Msg("unknown event")
	}
}

func (svc *Service) handleJoinRoom(ctx context.Context, src string, msg model.Message) {
	roomID, ok := roomPayload(msg)
	if !ok {
		svc.logger.Error().Str("src", src).Msg("malformed join-room payload")
		return
	}

	if _, err := svc.store.CreateOrJoinRoom(roomID, src); err != nil {
		if errors.Is(err, memstore.ErrRoomIsFull) {
			svc.logger.Debug().
				Str("roomID", roomID).
				Str("src", src).
				Msg("room is full")
			svc.relay.Send(ctx, model.Message{Event: model.EventRoomFull, DST: src})
			return
		}
		svc.logger.Error().Err(err).Str("roomID", roomID).Msg("join failed")
		return
	}

	svc.logger.Debug().
		Str("roomID", roomID).
		Str("src", src).
		Msg("client joined signaling room")

	// The later joiner learns about the earlier one and initiates.
	if other, present := svc.store.OtherMember(roomID, src); present {
		msg, err := model.NewMessage(model.EventOtherUser, other)
		if err != nil {
			svc.logger.Error().Err(err).Str("roomID", roomID).Msg("failed to build presence message")
			return
		}
		svc.relay.Send(ctx, msg.WithDST(src))
	}
}

func (svc *Service) handleLeaveRoom(ctx context.Context, src string, msg model.Message) {
	roomID, ok := roomPayload(msg)
	if !ok {
		svc.logger.Error().Str("src", src).Msg("malformed leave-room payload")
		return
	}
	remaining, err := svc.store.LeaveRoom(roomID, src)
	if err != nil {
		svc.logger.Debug().Err(err).Str("roomID", roomID).Msg("leave failed")
		return
	}
	svc.notifyPeerLeft(ctx, roomID, remaining)
}

// forwardEnvelope relays an offer/answer verbatim to its target. The caller
// field is forced to the sender's real endpoint id.
func (svc *Service) forwardEnvelope(ctx context.Context, src string, msg model.Message) {
	var env model.Envelope
	if err := json.Unmarshal(msg.Payload, &env); err != nil || env.Target == "" {
		svc.logger.Error().Err(err).Str("src", src).Msg("malformed envelope")
		return
	}
	if env.Caller != src {
		svc.logger.Warn().
			Str("src", src).
			Str("claimed", env.Caller).
			Msg("caller mismatch, overwriting")
		env.Caller = src
	}
	fwd, err := model.NewMessage(msg.Event, env)
	if err != nil {
		svc.logger.Error().Err(err).Str("src", src).Msg("failed to rebuild envelope message")
		return
	}
	svc.relay.Send(ctx, fwd.WithDST(env.Target).WithSRC(src))
}

func (svc *Service) notifyPeerLeft(ctx context.Context, roomID string, remaining []string) {
	for _, id := range remaining {
		svc.logger.Debug().
			Str("roomID", roomID).
			Str("clientID", id).
			Msg("notifying remaining participant")
		svc.relay.Send(ctx, model.Message{Event: model.EventPeerDisconnected, DST: id})
	}
}

func roomPayload(msg model.Message) (string, bool) {
	var roomID string
	if err := json.Unmarshal(msg.Payload, &roomID); err != nil || roomID == "" {
		return "", false
	}
	return roomID, true
}
