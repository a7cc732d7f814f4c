package protocol

import (
	"encoding/json"
	"fmt"
)

// Method names sent by clients.
const (
	MethodAuthenticate   = "authenticate"
	MethodAuthenticated  = "authenticated"
	MethodReconnect      = "reconnect:request"
	MethodMissedMessages = "request:missed-messages"
	MethodPing           = "ping"
	MethodRoomJoin       = "room.join"
	MethodRoomLeave      = "room.leave"
)

// Event names pushed by the server.
const (
	EventDisconnect = "disconnect"
	EventTick       = "tick"
)

// Disconnect reasons carried by the disconnect event.
const (
	ReasonServerShutdown   = "server shutdown"
	ReasonServerDisconnect = "server disconnect"
	ReasonSessionExpired   = "session expired"
)

// Resume failure messages returned in ReconnectResponse.Error.
const (
	ResumeErrNotFound = "session not found"
	ResumeErrExpired  = "session expired"
)

// JSONRPCVersion is the only protocol version spoken on the socket.
const JSONRPCVersion = "2.0"

// RPC error codes
const (
	ParseError             = -32700
	InvalidRequest         = -32600
	MethodNotFound         = -32601
	InvalidParams          = -32602
	InternalError          = -32603
	AuthenticationRequired = -32001
	InvalidCredential      = -32002
	RateLimitExceeded      = -32005
)

// Request represents a JSON-RPC 2.0 request
type Request struct {
	ID      string          `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	JSONRPC string          `json:"jsonrpc"`
}

// Response represents a JSON-RPC 2.0 response
type Response struct {
	ID      string          `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
	JSONRPC string          `json:"jsonrpc"`
}

// RPCError represents a JSON-RPC 2.0 error
type RPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// Error implements the error interface
func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// Event is a server-initiated message. Room events carry the room they were
// published to; connection-level events leave Room empty.
type Event struct {
	Type      string          `json:"type"`
	Event     string          `json:"event"`
	Room      string          `json:"room,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp int64           `json:"timestamp"`
	Seq       int64           `json:"seq,omitempty"`
}

// Frame is used to sniff whether an inbound message is a response or an event.
type Frame struct {
	ID    string `json:"id,omitempty"`
	Type  string `json:"type,omitempty"`
	Event string `json:"event,omitempty"`
}

// IsEvent reports whether the frame is a server event rather than an RPC response.
func (f Frame) IsEvent() bool {
	return f.Type == "event"
}

// AuthenticateParams carries the opaque credential checked by the server's verifier.
type AuthenticateParams struct {
	Credential string `json:"credential"`
}

// AuthenticateResult is returned on a successful authenticate call.
// ServerTime is the server clock in Unix milliseconds, the same clock that
// stamps history entries.
type AuthenticateResult struct {
	UserID       string `json:"userId"`
	ConnectionID string `json:"connectionId"`
	ServerTime   int64  `json:"serverTime,omitempty"`
}

// AuthenticatedParams materializes or refreshes the server-side session.
type AuthenticatedParams struct {
	UserID  string `json:"userId"`
	AgentID string `json:"agentId,omitempty"`
}

// ReconnectRequest asks the server to resume a prior session.
// Since is a Unix millisecond timestamp; nil skips the replay.
type ReconnectRequest struct {
	OldConnectionID string `json:"oldConnectionId"`
	Since           *int64 `json:"since,omitempty"`
}

// ReconnectResponse is the reconnect:response payload.
type ReconnectResponse struct {
	Success        bool           `json:"success"`
	Rooms          []string       `json:"rooms,omitempty"`
	MissedMessages []HistoryEntry `json:"missedMessages,omitempty"`
	Error          string         `json:"error,omitempty"`
}

// MissedMessagesRequest pulls history independent of reconnection.
type MissedMessagesRequest struct {
	Since int64 `json:"since"`
}

// MissedMessagesResponse is the missed-messages payload.
type MissedMessagesResponse struct {
	Success  bool           `json:"success"`
	Messages []HistoryEntry `json:"messages"`
}

// Ping is the liveness probe sent by clients.
type Ping struct {
	Timestamp int64 `json:"timestamp"`
}

// Pong echoes the probe timestamp and adds the server clock.
type Pong struct {
	Timestamp  int64 `json:"timestamp"`
	ServerTime int64 `json:"serverTime,omitempty"`
}

// RoomParams names a room to join or leave.
type RoomParams struct {
	RoomID string `json:"roomId"`
}

// RoomResult lists the rooms of the session after a join or leave.
type RoomResult struct {
	Rooms []string `json:"rooms"`
}

// DisconnectNotice is the payload of the disconnect event.
type DisconnectNotice struct {
	Reason string `json:"reason"`
}

// HistoryEntry is an event recorded for replay. Entries are immutable once created.
type HistoryEntry struct {
	RoomID    string          `json:"roomId"`
	EventName string          `json:"eventName"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

// NewRequest builds a request with marshaled params.
func NewRequest(id, method string, params interface{}) (*Request, error) {
	req := &Request{ID: id, Method: method, JSONRPC: JSONRPCVersion}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal params for %s: %w", method, err)
		}
		req.Params = raw
	}
	return req, nil
}

// NewResult builds a success response.
func NewResult(id string, result interface{}) (*Response, error) {
	raw, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal result: %w", err)
	}
	return &Response{ID: id, Result: raw, JSONRPC: JSONRPCVersion}, nil
}

// NewError builds an error response.
func NewError(id string, code int, message string) *Response {
	return &Response{
		ID:      id,
		JSONRPC: JSONRPCVersion,
		Error:   &RPCError{Code: code, Message: message},
	}
}
