package mcp

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

// jsonrpcVersion is the JSON-RPC protocol version used by MCP.
const jsonrpcVersion = "2.0"

// Standard JSON-RPC 2.0 error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// Request is a JSON-RPC 2.0 request message.
type Request struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// NewRequest creates a JSON-RPC 2.0 request with the given method and params.
func NewRequest(id int64, method string, params any) *Request {
	return &Request{
		JSONRPC: jsonrpcVersion,
		ID:      id,
		Method:  method,
		Params:  params,
	}
}

// Response is a JSON-RPC 2.0 response message. Exactly one of Result
// or Error is non-nil in a well-formed response.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// RPCError is a JSON-RPC 2.0 error object.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// Error implements the error interface for RPCError.
func (e *RPCError) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// ErrMethodNotFound matches any [RPCError] with code -32601 under
// [errors.Is].
var ErrMethodNotFound = &RPCError{Code: CodeMethodNotFound, Message: "method not found"}

// Is reports whether target is an RPCError with the same code.
func (e *RPCError) Is(target error) bool {
	var t *RPCError
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// Notification is a JSON-RPC 2.0 notification (no ID, no response expected).
type Notification struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// NewNotification creates a JSON-RPC 2.0 notification.
func NewNotification(method string, params any) *Notification {
	return &Notification{
		JSONRPC: jsonrpcVersion,
		Method:  method,
		Params:  params,
	}
}

// NotificationHandler receives server-initiated notifications. It runs
// on the transport's read path and must not block.
type NotificationHandler func(method string, params json.RawMessage)

// message is any inbound JSON-RPC frame before it is classified.
type message struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

type messageKind int

const (
	kindInvalid messageKind = iota
	kindResponse
	kindNotification
	kindServerRequest
)

func (m *message) hasID() bool {
	return len(m.ID) > 0 && string(m.ID) != "null"
}

func (m *message) kind() messageKind {
	switch {
	case m.Method != "" && !m.hasID():
		return kindNotification
	case m.Method != "":
		return kindServerRequest
	case m.hasID():
		return kindResponse
	default:
		return kindInvalid
	}
}

// response converts a response frame to a [Response]. Only numeric IDs
// are ours; anything else reports ok=false.
func (m *message) response() (*Response, bool) {
	id, err := strconv.ParseInt(string(m.ID), 10, 64)
	if err != nil {
		return nil, false
	}
	return &Response{
		JSONRPC: m.JSONRPC,
		ID:      id,
		Result:  m.Result,
		Error:   m.Error,
	}, true
}

// reply is an outbound answer to a server-initiated request. The ID is
// echoed verbatim since servers may use string IDs.
type reply struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// replyTo answers the server requests a client is expected to handle.
// Only ping is supported.
func replyTo(m *message) *reply {
	r := &reply{JSONRPC: jsonrpcVersion, ID: m.ID}
	if m.Method == "ping" {
		r.Result = struct{}{}
		return r
	}
	r.Error = &RPCError{Code: CodeMethodNotFound, Message: "method not found: " + m.Method}
	return r
}
