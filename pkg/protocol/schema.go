package protocol

import (
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

var paramSchemas = map[string]string{
	MethodAuthenticate: `{
		"type": "object",
		"required": ["credential"],
		"properties": {"credential": {"type": "string", "minLength": 1}}
	}`,
	MethodAuthenticated: `{
		"type": "object",
		"required": ["userId"],
		"properties": {
			"userId": {"type": "string", "minLength": 1},
			"agentId": {"type": "string"}
		}
	}`,
	MethodReconnect: `{
		"type": "object",
		"required": ["oldConnectionId"],
		"properties": {
			"oldConnectionId": {"type": "string", "minLength": 1},
			"since": {"type": "integer", "minimum": 0}
		}
	}`,
	MethodMissedMessages: `{
		"type": "object",
		"required": ["since"],
		"properties": {"since": {"type": "integer", "minimum": 0}}
	}`,
	MethodPing: `{
		"type": "object",
		"required": ["timestamp"],
		"properties": {"timestamp": {"type": "integer"}}
	}`,
	MethodRoomJoin:  roomSchema,
	MethodRoomLeave: roomSchema,
}

const roomSchema = `{
	"type": "object",
	"required": ["roomId"],
	"properties": {"roomId": {"type": "string", "minLength": 1, "maxLength": 256}}
}`

// Validator checks request params against the per-method JSON schemas.
type Validator struct {
	schemas map[string]*gojsonschema.Schema
}

// NewValidator compiles the built-in schemas.
func NewValidator() (*Validator, error) {
	v := &Validator{schemas: make(map[string]*gojsonschema.Schema, len(paramSchemas))}
	for method, src := range paramSchemas {
		schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(src))
		if err != nil {
			return nil, fmt.Errorf("invalid schema for %s: %w", method, err)
		}
		v.schemas[method] = schema
	}
	return v, nil
}

// Validate returns an *RPCError with InvalidParams when params do not match.
// Methods without a schema are accepted as-is.
func (v *Validator) Validate(method string, params []byte) error {
	schema, ok := v.schemas[method]
	if !ok {
		return nil
	}
	if len(params) == 0 {
		params = []byte("null")
	}

	result, err := schema.Validate(gojsonschema.NewBytesLoader(params))
	if err != nil {
		return &RPCError{Code: InvalidParams, Message: "invalid params", Data: err.Error()}
	}
	if result.Valid() {
		return nil
	}

	problems := make([]string, 0, len(result.Errors()))
	for _, desc := range result.Errors() {
		problems = append(problems, desc.String())
	}
	return &RPCError{
		Code:    InvalidParams,
		Message: "invalid params: " + strings.Join(problems, "; "),
	}
}
