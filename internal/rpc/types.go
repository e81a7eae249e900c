// Package rpc implements the framed JSON-RPC 2.0 transport spoken by
// Cantoria's tool workers over subprocess stdio.
//
// Each message is a UTF-8 JSON object preceded by a Content-Length header
// and a blank line (LSP-style framing). Requests carry monotonically
// increasing integer ids per connection; responses are correlated by id.
// Workers additionally emit id-less notifications — most importantly
// job/progress events during long-running synthesis.
package rpc

import "encoding/json"

// Version is the JSON-RPC protocol version sent on every message.
const Version = "2.0"

// Request is an outgoing JSON-RPC request.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Response is an incoming JSON-RPC response. Exactly one of Result and
// Error is set.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *ResponseError  `json:"error,omitempty"`
}

// ResponseError is the error member of a failed response.
type ResponseError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Error implements the error interface.
func (e *ResponseError) Error() string {
	return e.Message
}

// Notification is an incoming id-less JSON-RPC message.
type Notification struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// envelope is the union decode target for incoming messages. A message with
// a non-nil ID is a response; one with a Method and no ID is a notification.
type envelope struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *int64          `json:"id"`
	Method  string          `json:"method"`
	Result  json.RawMessage `json:"result"`
	Error   *ResponseError  `json:"error"`
	Params  json.RawMessage `json:"params"`
}
