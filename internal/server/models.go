package server

import (
	"cardroom/internal/presence"
	"cardroom/internal/room"
)

// Message types exchanged over the room socket.
const (
	MsgState    = "state"
	MsgOp       = "op"
	MsgAck      = "ack"
	MsgConflict = "conflict"
	MsgError    = "error"
	MsgPresence = "presence"
	MsgDelta    = "delta"
	MsgReset    = "reset"
)

// ClientMessage is a frame sent by a connected client.
type ClientMessage struct {
	Type  string         `json:"type"`
	ReqID string         `json:"reqId,omitempty"`
	Op    *room.ClientOp `json:"op,omitempty"`
	// Holding and TS are used by presence frames.
	Holding *string `json:"holding,omitempty"`
	TS      int64   `json:"ts,omitempty"`
}

// Envelope wraps every frame the server sends.
type Envelope struct {
	Type    string `json:"type"`
	RoomID  string `json:"roomId,omitempty"`
	ReqID   string `json:"reqId,omitempty"`
	Payload any    `json:"payload,omitempty"`
}

// ConflictPayload tells a stale client what to rebase on.
type ConflictPayload struct {
	Error          string      `json:"error"`
	CurrentVersion int64       `json:"currentVersion"`
	State          *room.State `json:"state"`
}

// ErrorPayload describes a rejected request.
type ErrorPayload struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// DeltaPayload is broadcast after an accepted operation.
type DeltaPayload struct {
	Delta   room.Operation `json:"delta"`
	Version int64          `json:"version"`
}

// JoinPayload is sent to a client right after it connects.
type JoinPayload struct {
	ClientID string           `json:"clientId"`
	State    *room.State      `json:"state"`
	Presence []presence.Entry `json:"presence"`
}
