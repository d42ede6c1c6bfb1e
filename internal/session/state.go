package session

import "errors"

// State is the session lifecycle position:
// idle -> connecting -> {live, degraded} -> closed -> connecting ...
type State int

const (
	Idle State = iota
	Connecting
	Live
	Degraded
	Closed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Connecting:
		return "connecting"
	case Live:
		return "live"
	case Degraded:
		return "degraded"
	case Closed:
		return "closed"
	}
	return "unknown"
}

// Active reports whether a cycle is running
func (s State) Active() bool { return s == Connecting || s == Live || s == Degraded }

type Role int

const (
	Undecided Role = iota
	Initiator
	Joiner
)

func (r Role) String() string {
	switch r {
	case Initiator:
		return "initiator"
	case Joiner:
		return "joiner"
	}
	return "undecided"
}

// Errors passed to the disconnected callback when a cycle ends on its own
var (
	ErrMediaAcquisition = errors.New("camera unavailable")
	ErrNegotiation      = errors.New("peer negotiation failed")
	ErrRoomUnavailable  = errors.New("room unavailable")
	ErrPeerLeft         = errors.New("peer left the room")
	ErrServerGone       = errors.New("signaling server connection lost")
)

var (
	ErrBusy        = errors.New("session already active")
	ErrInvalidRoom = errors.New("room identifier required")
	ErrInterrupted = errors.New("session disconnected")
)
