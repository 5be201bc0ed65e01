package models

import (
	"encoding/json"
	"errors"
	"fmt"
)

// SignalType represents the type of WebRTC signaling message
type SignalType string

const (
	SignalTypeOffer        SignalType = "offer"
	SignalTypeAnswer       SignalType = "answer"
	SignalTypeICECandidate SignalType = "ice-candidate"
)

// Valid reports whether t is one of the negotiation message types.
func (t SignalType) Valid() bool {
	switch t {
	case SignalTypeOffer, SignalTypeAnswer, SignalTypeICECandidate:
		return true
	}
	return false
}

// Signal is a negotiation message addressed from one peer to another inside a
// room. Data carries an SDP description for offers and answers, an ICE
// candidate for ice-candidate, or null.
type Signal struct {
	Type   SignalType      `json:"type"`
	From   string          `json:"from"`
	To     string          `json:"to"`
	Data   json.RawMessage `json:"data"`
	RoomID string          `json:"roomId"`
}

var ErrInvalidSignal = errors.New("invalid signal")

// Validate checks the fields every transport relies on.
func (s Signal) Validate() error {
	if !s.Type.Valid() {
		return fmt.Errorf("%w: unknown type %q", ErrInvalidSignal, s.Type)
	}
	if s.From == "" || s.To == "" {
		return fmt.Errorf("%w: missing sender or recipient", ErrInvalidSignal)
	}
	if s.RoomID == "" {
		return fmt.Errorf("%w: missing roomId", ErrInvalidSignal)
	}
	return nil
}

// DecodeSignal parses a JSON signal and validates it.
func DecodeSignal(raw []byte) (Signal, error) {
	var sig Signal
	if err := json.Unmarshal(raw, &sig); err != nil {
		return Signal{}, fmt.Errorf("%w: %v", ErrInvalidSignal, err)
	}
	if err := sig.Validate(); err != nil {
		return Signal{}, err
	}
	return sig, nil
}

// Relay protocol event names.
const (
	EventJoinRoom     = "join-room"
	EventRoomJoined   = "room-joined"
	EventLeaveRoom    = "leave-room"
	EventWebRTCSignal = "webrtc-signal"
	EventError        = "error"
)

// Envelope frames every message on a relay connection.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// RoomPresence is the payload of join-room, room-joined and leave-room.
type RoomPresence struct {
	RoomID   string `json:"roomId"`
	PlayerID string `json:"playerId"`
}

// ErrorPayload is the payload of a relay error event.
type ErrorPayload struct {
	Message string `json:"message"`
}

// NewEnvelope marshals payload and wraps it under event.
func NewEnvelope(event string, payload interface{}) (Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("failed to marshal %s payload: %w", event, err)
	}
	return Envelope{Event: event, Data: data}, nil
}

// EncodeEnvelope is NewEnvelope followed by json.Marshal of the envelope.
func EncodeEnvelope(event string, payload interface{}) ([]byte, error) {
	env, err := NewEnvelope(event, payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(env)
}
