// Package rpc defines the JSON-RPC 2.0 envelopes and the relay method
// namespaces spoken on the wire.
package rpc

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/getrelayd/relayd/internal/id"
)

// Version is the JSON-RPC protocol version.
const Version = "2.0"

// JSON-RPC error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeServerError    = -32000
)

// ErrInvalidPayload is returned when socket data is not a JSON-RPC payload.
var ErrInvalidPayload = errors.New("invalid json-rpc payload")

// Request is an incoming or outgoing JSON-RPC 2.0 request.
type Request struct {
	ID      int64           `json:"id"`
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Response is a JSON-RPC 2.0 response carrying either a result or an error.
type Response struct {
	ID      int64           `json:"id"`
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *ErrorObject    `json:"error,omitempty"`
}

// ErrorObject is the JSON-RPC 2.0 error member.
type ErrorObject struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Payload is a parsed inbound frame: exactly one of Request or Response is set.
type Payload struct {
	Request  *Request
	Response *Response
}

// IsRequest reports whether the payload is request-shaped.
func (p *Payload) IsRequest() bool {
	return p.Request != nil
}

// ParsePayload classifies raw frame data as a request or a response.
// A payload with a method member is a request; one with a result or error
// member is a response; anything else fails with ErrInvalidPayload.
func ParsePayload(data []byte) (*Payload, error) {
	var probe struct {
		ID      int64           `json:"id"`
		JSONRPC string          `json:"jsonrpc"`
		Method  string          `json:"method"`
		Params  json.RawMessage `json:"params"`
		Result  json.RawMessage `json:"result"`
		Error   *ErrorObject    `json:"error"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}

	switch {
	case probe.Method != "":
		return &Payload{Request: &Request{
			ID:      probe.ID,
			JSONRPC: probe.JSONRPC,
			Method:  probe.Method,
			Params:  probe.Params,
		}}, nil
	case probe.Result != nil || probe.Error != nil:
		return &Payload{Response: &Response{
			ID:      probe.ID,
			JSONRPC: probe.JSONRPC,
			Result:  probe.Result,
			Error:   probe.Error,
		}}, nil
	default:
		return nil, ErrInvalidPayload
	}
}

// NewRequest formats a request with a fresh time-based id.
func NewRequest(method string, params any) (*Request, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	return &Request{
		ID:      id.Payload(),
		JSONRPC: Version,
		Method:  method,
		Params:  raw,
	}, nil
}

// NewResult formats a success response echoing the request id.
func NewResult(requestID int64, result any) (*Response, error) {
	raw, err := json.Marshal(result)
	if err != nil {
		return nil, err
	}
	return &Response{ID: requestID, JSONRPC: Version, Result: raw}, nil
}

// NewError formats an error response echoing the request id.
func NewError(requestID int64, code int, message string) *Response {
	return &Response{
		ID:      requestID,
		JSONRPC: Version,
		Error:   &ErrorObject{Code: code, Message: message},
	}
}

// MethodNotFound formats the standard "Method not found" error response.
func MethodNotFound(requestID int64) *Response {
	return NewError(requestID, CodeMethodNotFound, "Method not found")
}
