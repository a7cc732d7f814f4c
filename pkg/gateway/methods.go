package gateway

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/harun/tether/internal/observability"
	"github.com/harun/tether/internal/tracing"
	"github.com/harun/tether/pkg/protocol"
	"github.com/harun/tether/pkg/session"
)

// registerBuiltinMethods registers the handshake, resume and room methods.
func (s *Server) registerBuiltinMethods() {
	_ = s.RegisterMethod(protocol.MethodAuthenticate, s.handleAuthenticate)
	_ = s.RegisterMethod(protocol.MethodAuthenticated, s.handleAuthenticated)
	_ = s.RegisterMethod(protocol.MethodReconnect, s.handleReconnect)
	_ = s.RegisterMethod(protocol.MethodMissedMessages, s.handleMissedMessages)
	_ = s.RegisterMethod(protocol.MethodPing, s.handlePing)
	_ = s.RegisterMethod(protocol.MethodRoomJoin, s.handleRoomJoin)
	_ = s.RegisterMethod(protocol.MethodRoomLeave, s.handleRoomLeave)
}

func (s *Server) handleAuthenticate(ctx context.Context, client *Client, raw json.RawMessage) (interface{}, error) {
	var params protocol.AuthenticateParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, rpcError(protocol.InvalidParams, err.Error())
	}

	userID, err := s.verifier.Verify(params.Credential)
	if err != nil {
		attempts := client.failAuth()
		observability.RecordSecurityAudit(ctx, "authenticate", client.ID, "failure", map[string]interface{}{
			"ip":       client.IPAddress,
			"attempts": attempts,
		})
		if attempts >= s.maxAuthAttempts {
			return nil, rpcError(protocol.InvalidCredential, "Too many failed attempts")
		}
		return nil, rpcError(protocol.InvalidCredential, "Invalid credential")
	}

	client.setAuthenticated(userID)
	observability.RecordSecurityAudit(ctx, "authenticate", userID, "success", map[string]interface{}{
		"connectionId": client.ID,
	})
	tracing.LoggerFromContext(ctx, s.logger).Info().Str("userId", userID).Msg("Client authenticated")

	return protocol.AuthenticateResult{
		UserID:       userID,
		ConnectionID: client.ID,
		ServerTime:   s.history.Now().UnixMilli(),
	}, nil
}

// handleAuthenticated creates the session for this connection.
func (s *Server) handleAuthenticated(ctx context.Context, client *Client, raw json.RawMessage) (interface{}, error) {
	var params protocol.AuthenticatedParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, rpcError(protocol.InvalidParams, err.Error())
	}
	if params.UserID != client.UserID() {
		return nil, rpcError(protocol.InvalidParams, "userId does not match the authenticated user")
	}

	sess, err := s.registry.Authenticate(client.ID, params.UserID, params.AgentID)
	if err != nil {
		return nil, err
	}
	observability.RecordSessionAudit(ctx, "session.authenticated", sess.UserID, "success", map[string]interface{}{
		"connectionId": client.ID,
		"agentId":      sess.AgentID,
	})
	return sess, nil
}

func (s *Server) handleReconnect(ctx context.Context, client *Client, raw json.RawMessage) (interface{}, error) {
	var req protocol.ReconnectRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, rpcError(protocol.InvalidParams, err.Error())
	}
	return s.resume.Resume(ctx, client.ID, client.UserID(), req), nil
}

func (s *Server) handleMissedMessages(_ context.Context, client *Client, raw json.RawMessage) (interface{}, error) {
	var req protocol.MissedMessagesRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, rpcError(protocol.InvalidParams, err.Error())
	}
	resp, err := s.resume.Missed(client.ID, req.Since)
	if err != nil {
		return nil, sessionError(err)
	}
	return resp, nil
}

// handlePing keeps the session of a live connection from expiring.
func (s *Server) handlePing(_ context.Context, client *Client, raw json.RawMessage) (interface{}, error) {
	var ping protocol.Ping
	if err := json.Unmarshal(raw, &ping); err != nil {
		return nil, rpcError(protocol.InvalidParams, err.Error())
	}
	_ = s.registry.Touch(client.ID)
	return protocol.Pong{Timestamp: ping.Timestamp, ServerTime: s.history.Now().UnixMilli()}, nil
}

func (s *Server) handleRoomJoin(_ context.Context, client *Client, raw json.RawMessage) (interface{}, error) {
	var params protocol.RoomParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, rpcError(protocol.InvalidParams, err.Error())
	}
	rooms, err := s.registry.JoinRoom(client.ID, params.RoomID)
	if err != nil {
		return nil, sessionError(err)
	}
	s.clients.JoinRoom(client.ID, params.RoomID)
	return protocol.RoomResult{Rooms: rooms}, nil
}

func (s *Server) handleRoomLeave(_ context.Context, client *Client, raw json.RawMessage) (interface{}, error) {
	var params protocol.RoomParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, rpcError(protocol.InvalidParams, err.Error())
	}
	rooms, err := s.registry.LeaveRoom(client.ID, params.RoomID)
	if err != nil {
		return nil, sessionError(err)
	}
	s.clients.LeaveRoom(client.ID, params.RoomID)
	return protocol.RoomResult{Rooms: rooms}, nil
}

// sessionError maps a missing session to a request error: the client has
// to call authenticated first.
func sessionError(err error) error {
	if errors.Is(err, session.ErrSessionNotFound) {
		return rpcError(protocol.InvalidRequest, "no session for this connection")
	}
	return err
}
