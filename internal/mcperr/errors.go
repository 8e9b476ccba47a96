// Package mcperr defines the error taxonomy shared by the dispatcher,
// the tool handlers, and the SSH layer. Every error carries a stable
// JSON-RPC wire code and is redacted at construction time.
package mcperr

import (
	"errors"
	"fmt"
)

// Code is a stable JSON-RPC 2.0 error code.
type Code int

// JSON-RPC 2.0 standard error codes.
const (
	ParseError     Code = -32700 // Malformed JSON on the wire
	InvalidRequest Code = -32600 // Valid JSON, invalid request envelope
	MethodNotFound Code = -32601 // Unknown method or unknown tool name
	InvalidParams  Code = -32602 // Params missing or malformed
	InternalError  Code = -32603 // Unhandled fault
)

// Application error codes (reserved range -32000 to -32099).
const (
	ToolError           Code = -32000 // Handler returned a domain failure
	ConnectionError     Code = -32001 // Transport could not be established or was lost
	AuthenticationError Code = -32002 // Credentials rejected
	TimeoutError        Code = -32003 // Operation exceeded its deadline
	PermissionError     Code = -32004 // Remote denied the action
	FileNotFoundError   Code = -32005 // Remote path does not exist
	CommandError        Code = -32007 // Exec finished with a non-zero exit
)

// Error is the tagged error variant carried across the wire boundary.
// Message and Data are already redacted; serialising an Error never
// leaks credentials.
type Error struct {
	Code    Code           `json:"code"`
	Message string         `json:"message"`
	Data    map[string]any `json:"data,omitempty"`
}

// New builds an Error with a redacted message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: RedactMessage(message)}
}

// Newf builds an Error with a redacted formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return New(code, fmt.Sprintf(format, args...))
}

func (e *Error) Error() string {
	return fmt.Sprintf("error %d: %s", e.Code, e.Message)
}

// WithData attaches one data field, filtering the value when the key
// is sensitive and scrubbing embedded credentials from string values.
func (e *Error) WithData(key string, value any) *Error {
	if e.Data == nil {
		e.Data = make(map[string]any)
	}
	if IsSensitiveKey(key) {
		e.Data[key] = Filtered
	} else {
		e.Data[key] = redactValue(value)
	}
	return e
}

// WithDetails attaches the conventional "details" data field.
func (e *Error) WithDetails(details string) *Error {
	return e.WithData("details", details)
}

// FromErr normalises an arbitrary error into *Error. Values that are
// not already *Error become InternalError with the original text.
func FromErr(err error) *Error {
	if err == nil {
		return nil
	}
	var me *Error
	if errors.As(err, &me) {
		return me
	}
	return New(InternalError, err.Error())
}

// Is reports whether err carries the given wire code.
func Is(err error, code Code) bool {
	var me *Error
	if errors.As(err, &me) {
		return me.Code == code
	}
	return false
}
