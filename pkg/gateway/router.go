package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/harun/tether/pkg/protocol"
)

// RPCRouter handles RPC method registration and request routing
type RPCRouter struct {
	mu        sync.RWMutex
	methods   map[string]RequestHandler
	validator *protocol.Validator
}

// NewRPCRouter creates a router that validates params against the
// protocol schemas.
func NewRPCRouter() (*RPCRouter, error) {
	validator, err := protocol.NewValidator()
	if err != nil {
		return nil, err
	}
	return &RPCRouter{
		methods:   make(map[string]RequestHandler),
		validator: validator,
	}, nil
}

// RegisterMethod registers an RPC method handler
func (r *RPCRouter) RegisterMethod(name string, handler RequestHandler) error {
	if handler == nil {
		return fmt.Errorf("handler cannot be nil")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.methods[name] = handler
	return nil
}

// UnregisterMethod removes an RPC method handler
func (r *RPCRouter) UnregisterMethod(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.methods, name)
}

// ParseRequest parses and validates a JSON-RPC request envelope.
func (r *RPCRouter) ParseRequest(data []byte) (*protocol.Request, error) {
	var req protocol.Request
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, &protocol.RPCError{
			Code:    protocol.ParseError,
			Message: "Parse error",
			Data:    err.Error(),
		}
	}

	if req.ID == "" {
		return nil, &protocol.RPCError{
			Code:    protocol.InvalidRequest,
			Message: "Invalid request: missing id field",
		}
	}

	if req.Method == "" {
		return nil, &protocol.RPCError{
			Code:    protocol.InvalidRequest,
			Message: "Invalid request: missing method field",
		}
	}

	if req.JSONRPC == "" {
		req.JSONRPC = protocol.JSONRPCVersion
	}

	return &req, nil
}

// RouteRequest validates params and runs the handler of req.Method.
func (r *RPCRouter) RouteRequest(ctx context.Context, client *Client, req *protocol.Request) *protocol.Response {
	if req == nil {
		return protocol.NewError("", protocol.InvalidRequest, "invalid request")
	}

	r.mu.RLock()
	handler, exists := r.methods[req.Method]
	r.mu.RUnlock()

	if !exists {
		return protocol.NewError(req.ID, protocol.MethodNotFound, fmt.Sprintf("Method not found: %s", req.Method))
	}

	if err := r.validator.Validate(req.Method, req.Params); err != nil {
		return errorResponse(req.ID, err)
	}

	result, err := handler(ctx, client, req.Params)
	if err != nil {
		return errorResponse(req.ID, err)
	}

	resp, err := protocol.NewResult(req.ID, result)
	if err != nil {
		return protocol.NewError(req.ID, protocol.InternalError, err.Error())
	}
	return resp
}

// HasMethod checks if a method is registered
func (r *RPCRouter) HasMethod(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, exists := r.methods[name]
	return exists
}

// GetMethods returns all registered method names, sorted.
func (r *RPCRouter) GetMethods() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	methods := make([]string, 0, len(r.methods))
	for name := range r.methods {
		methods = append(methods, name)
	}
	sort.Strings(methods)
	return methods
}

func errorResponse(id string, err error) *protocol.Response {
	var rpcErr *protocol.RPCError
	if errors.As(err, &rpcErr) {
		return &protocol.Response{ID: id, JSONRPC: protocol.JSONRPCVersion, Error: rpcErr}
	}
	return protocol.NewError(id, protocol.InternalError, err.Error())
}

func rpcError(code int, message string) *protocol.RPCError {
	return &protocol.RPCError{Code: code, Message: message}
}
