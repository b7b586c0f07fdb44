package rpc

import (
	"encoding/json"
	"fmt"
)

// Call is the inbound envelope carried by every transport: a method name, an
// opaque JSON payload, and an optional caller-chosen correlation id.
type Call struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
	ID     string          `json:"id,omitempty"`
}

// ParseCall decodes and validates an inbound call envelope. The payload is not
// interpreted beyond the envelope: params stay raw for the handler.
func ParseCall(data []byte) (*Call, error) {
	var c Call
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("invalid call envelope: %w", err)
	}
	if c.Method == "" {
		return nil, fmt.Errorf("missing method")
	}
	return &c, nil
}

// Response is the outbound envelope. Exactly one of Result or Error is set.
type Response struct {
	Result any    `json:"result,omitempty"`
	Error  *Error `json:"error,omitempty"`
	ID     string `json:"id,omitempty"`
}

// Error is a structured error returned across a transport boundary.
type Error struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Code discriminates transport-boundary error classes.
type Code string

const (
	CodeNotFound         Code = "not_found"
	CodePayloadTooLarge  Code = "payload_too_large"
	CodeMalformedRequest Code = "malformed_request"
	CodeHandlerError     Code = "handler_error"
	CodeInternal         Code = "internal_error"
)

// NewResultResponse builds a successful response envelope.
func NewResultResponse(id string, result any) *Response {
	return &Response{Result: result, ID: id}
}

// NewErrorResponse builds an error response envelope.
func NewErrorResponse(id string, code Code, message string) *Response {
	return &Response{Error: &Error{Code: code, Message: message}, ID: id}
}
