package models

import "encoding/json"

// Event names a message exchanged with the rendezvous server
type Event string

const (
	EventConnect      Event = "connect"
	EventConnectError Event = "connect-error"
	EventDisconnect   Event = "disconnect"
	EventCreateRoom   Event = "create-room"
	EventJoinRoom     Event = "join-room"
	EventRoomCreated  Event = "room-created"
	EventRoomJoined   Event = "room-joined"
	EventReady        Event = "ready"
	EventSignal       Event = "signal"
	EventPeerLeft     Event = "peer-left"
	EventError        Event = "error"
)

// Envelope is the wire frame for every websocket message in both directions
type Envelope struct {
	Event Event           `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// SignalPayload carries an opaque negotiation payload for a room
type SignalPayload struct {
	RoomID string          `json:"roomId"`
	Signal json.RawMessage `json:"signal"`
}

// NewEnvelope marshals data into an envelope for the given event.
// A nil data produces an envelope without a data field.
func NewEnvelope(event Event, data any) (Envelope, error) {
	env := Envelope{Event: event}
	if data == nil {
		return env, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return env, err
	}
	env.Data = raw
	return env, nil
}

// ErrorPayload is the data of error, connect-error and disconnect events
type ErrorPayload struct {
	Message string `json:"message"`
}
