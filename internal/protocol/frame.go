// Package protocol defines the wire formats shared by the relay service
// and the peer client: signaling frames, negotiation signals and chat
// payloads. All frames are JSON over a persistent duplex connection.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dkeye/Duet/internal/domain"
)

type FrameKind string

// Client-to-relay request kinds.
const (
	FrameCreateRoom   FrameKind = "create-room"
	FrameJoinRoom     FrameKind = "join-room"
	FrameSignal       FrameKind = "signal"
	FrameRelayMessage FrameKind = "relay-message"
	FramePing         FrameKind = "ping"
)

// Relay-to-client response and event kinds.
const (
	FrameConnected       FrameKind = "connected"
	FrameRoomCreated     FrameKind = "room-created"
	FrameRoomJoined      FrameKind = "room-joined"
	FramePeerJoined      FrameKind = "peer-joined"
	FramePeerLeft        FrameKind = "peer-left"
	FramePeerReconnected FrameKind = "peer-reconnected"
	FrameError           FrameKind = "error"
	FramePong            FrameKind = "pong"
)

var ErrMalformedFrame = errors.New("malformed frame")

// Canonical reasons carried on error frames. Clients map these back to
// typed errors; anything else is surfaced as-is.
const (
	ReasonRoomExists   = "room-exists"
	ReasonRoomNotFound = "room-not-found"
	ReasonRoomFull     = "room-full"
	ReasonBadFrame     = "bad-frame"
	ReasonRateLimited  = "rate-limited"
)

// Frame is the envelope every signaling connection exchanges. The Data
// field carries a negotiation signal or a relayed chat payload verbatim;
// the relay never inspects it.
type Frame struct {
	Type        FrameKind       `json:"type"`
	RoomID      domain.RoomID   `json:"roomId,omitempty"`
	PeerID      string          `json:"peerId,omitempty"`
	IsInitiator bool            `json:"isInitiator,omitempty"`
	Data        json.RawMessage `json:"data,omitempty"`
}

// ErrorData is the payload of an error frame.
type ErrorData struct {
	Message string `json:"message"`
}

func (f Frame) Encode() ([]byte, error) {
	return json.Marshal(f)
}

func DecodeFrame(data []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if f.Type == "" {
		return Frame{}, fmt.Errorf("%w: missing type", ErrMalformedFrame)
	}
	return f, nil
}

// ErrorFrame builds an error frame for a room-scoped or connection-scoped
// failure.
func ErrorFrame(roomID domain.RoomID, message string) Frame {
	data, _ := json.Marshal(ErrorData{Message: message})
	return Frame{Type: FrameError, RoomID: roomID, Data: data}
}

// ErrorMessage extracts the message from an error frame's data field.
func (f Frame) ErrorMessage() string {
	var ed ErrorData
	if err := json.Unmarshal(f.Data, &ed); err != nil {
		return ""
	}
	return ed.Message
}
