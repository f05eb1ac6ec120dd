package model

import (
	"encoding/json"
	"time"
)

// CallKind is fixed for the lifetime of a session.
type CallKind string

const (
	CallVoice CallKind = "voice"
	CallVideo CallKind = "video"
)

// LinkPhase is the connection phase of a single peer link.
type LinkPhase string

const (
	PhaseNew          LinkPhase = "new"
	PhaseConnecting   LinkPhase = "connecting"
	PhaseConnected    LinkPhase = "connected"
	PhaseDisconnected LinkPhase = "disconnected"
	PhaseClosed       LinkPhase = "closed"
)

type User struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Avatar string `json:"avatar,omitempty"`
	Online bool   `json:"online"`
	Role   string `json:"role,omitempty"`
}

// Session is an immutable snapshot of the call in progress.
// It is replaced wholesale on every transition, never mutated in place.
// Participants[0] is always the local user.
type Session struct {
	Active       bool            `json:"active"`
	Kind         CallKind        `json:"kind"`
	Participants []User          `json:"participants,omitempty"`
	StartTime    time.Time       `json:"start_time"`
	Incoming     bool            `json:"incoming"`
	PendingOffer json.RawMessage `json:"-"`
}

// Started reports whether media began flowing for this session.
func (s Session) Started() bool {
	return !s.StartTime.IsZero()
}

// Envelope is the negotiation payload exchanged between peers.
// Signal is produced and consumed by the negotiation layer; nothing
// in between inspects it.
type Envelope struct {
	Target string          `json:"target"`
	Caller string          `json:"caller"`
	Signal json.RawMessage `json:"signal"`
}

// Signaling event names. Values are part of the wire protocol.
const (
	EventJoinRoom         = "join room"
	EventLeaveRoom        = "leave room"
	EventOtherUser        = "other user"
	EventOffer            = "offer"
	EventAnswer           = "answer"
	EventPeerDisconnected = "peer disconnected"
	EventRoomFull         = "room full"
	EventPing             = "ping"
	EventPong             = "pong"
)

// Message is one signaling event on the wire.
// SRC is re-assigned by the relay based on the websocket session,
// so clients cannot spoof it.
type Message struct {
	Event   string          `json:"event"`
	DST     string          `json:"dst,omitempty"`
	SRC     string          `json:"src,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewMessage marshals payload in place.
func NewMessage(event string, payload any) (Message, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return Message{}, err
	}
	return Message{Event: event, Payload: b}, nil
}

// WithDST returns a copy addressed to dst.
func (m Message) WithDST(dst string) Message {
	m.DST = dst
	return m
}

// WithSRC returns a copy attributed to src.
func (m Message) WithSRC(src string) Message {
	m.SRC = src
	return m
}

type Room struct {
	ID           string                 `json:"room_id"`
	Participants map[string]Participant `json:"participants"`
}

type Participant struct {
	ID string `json:"id"`
}

// Wire is a pair of channels bridging one websocket session with the relay.
type Wire struct {
	RX chan Message
	TX chan Message
}

func NewWire() Wire {
	return Wire{
		RX: make(chan Message),
		TX: make(chan Message),
	}
}
