// Package mcp implements the MCP wire layer: JSON-RPC 2.0 envelope
// types, the method dispatcher, and the stdio and HTTP transports.
package mcp

import "encoding/json"

// Version is the only JSON-RPC protocol version the server accepts.
const Version = "2.0"

// ProtocolVersion is the MCP protocol revision advertised by initialize.
const ProtocolVersion = "2024-11-05"

// Request is one inbound JSON-RPC call. ID stays raw so the response
// can echo it verbatim whether it is a string, a number, or null.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      json.RawMessage `json:"id,omitempty"`
}

// Response is one outbound JSON-RPC reply. ID carries no omitempty:
// a nil id must marshal as null, which is the ParseError contract and
// the reply shape for notifications.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *ErrorObject    `json:"error,omitempty"`
}

// ErrorObject is the JSON-RPC error member.
type ErrorObject struct {
	Code    int            `json:"code"`
	Message string         `json:"message"`
	Data    map[string]any `json:"data,omitempty"`
}
