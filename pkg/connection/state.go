package connection

import (
	"encoding/json"
	"errors"
	"time"
)

// State is the lifecycle of the managed connection.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	// StateGivenUp is terminal until Connect is called again.
	StateGivenUp
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateGivenUp:
		return "given_up"
	default:
		return "unknown"
	}
}

var (
	// ErrConnectivityExhausted is returned once MaxAttempts consecutive
	// connects have failed.
	ErrConnectivityExhausted = errors.New("connectivity exhausted")
	// ErrNotConnected is returned by calls made outside the connected state.
	ErrNotConnected = errors.New("not connected")
	// ErrConnectionClosed is returned when the socket goes away mid-call.
	ErrConnectionClosed = errors.New("connection closed")
	errHeartbeatTimeout = errors.New("heartbeat timeout")
)

// Bus topics published by the Manager.
const (
	TopicState        = "connection.state"
	TopicLatency      = "connection.latency"
	TopicResumed      = "connection.resumed"
	TopicSessionReset = "connection.session_reset"
	TopicError        = "connection.error"
	TopicRoomEvent    = "room.event"
)

// StateChange is published on TopicState.
type StateChange struct {
	From State
	To   State
}

// RoomEvent is published on TopicRoomEvent for live and replayed events.
type RoomEvent struct {
	Room      string
	Event     string
	Data      json.RawMessage
	Timestamp time.Time
	Replayed  bool
}

// Resumed is published on TopicResumed after the replay was delivered.
type Resumed struct {
	ConnectionID    string
	OldConnectionID string
	Rooms           []string
	Missed          int
}

// SessionReset is published when the server refused to resume. Room
// membership of the previous session is gone.
type SessionReset struct {
	OldConnectionID string
	Reason          string
}

// ConnectionError is published on TopicError for every failed connect.
type ConnectionError struct {
	Err      error
	Attempt  int
	Terminal bool
}
