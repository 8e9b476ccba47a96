package mcperr

import "strings"

// baseMessages is the per-kind fallback when the raw text matches no
// known failure signature.
var baseMessages = map[Code]string{
	ParseError:          "Request was not valid JSON",
	InvalidRequest:      "Request envelope is not a valid JSON-RPC 2.0 call",
	MethodNotFound:      "Requested method is not supported",
	InvalidParams:       "Request parameters are missing or malformed",
	InternalError:       "Internal server error",
	ToolError:           "Tool execution failed",
	ConnectionError:     "SSH connection failed",
	AuthenticationError: "SSH authentication failed",
	TimeoutError:        "Operation timed out",
	PermissionError:     "Permission denied on the remote host",
	FileNotFoundError:   "Remote path does not exist",
	CommandError:        "Command exited with a non-zero status",
}

// guidance maps failure signatures in the raw text to operator advice.
var guidance = []struct {
	substr string
	advice string
}{
	{"refused", "Connection refused. Verify the hostname and port and that the SSH service is running."},
	{"timeout", "The operation timed out. The host may be slow, overloaded, or unreachable."},
	{"timed out", "The operation timed out. The host may be slow, overloaded, or unreachable."},
	{"unreachable", "Host unreachable. Check the hostname and the network path to the target."},
	{"no route", "Host unreachable. Check the hostname and the network path to the target."},
	{"unable to authenticate", "Authentication failed. Verify the username and the selected auth method."},
	{"authentication failed", "Authentication failed. Verify the username and the selected auth method."},
	{"permission denied", "Permission denied. Verify credentials and remote file permissions."},
	{"permission", "Permission denied. Verify credentials and remote file permissions."},
	{"not found", "The requested path was not found on the remote host."},
	{"no such file", "The requested path was not found on the remote host."},
	{"broken pipe", "The SSH connection was lost. Reconnect and retry the operation."},
	{"connection lost", "The SSH connection was lost. Reconnect and retry the operation."},
	{"connection reset", "The SSH connection was lost. Reconnect and retry the operation."},
}

// Friendly maps the raw message onto actionable guidance for a human
// operator, falling back to the per-kind base message.
func (e *Error) Friendly() string {
	m := strings.ToLower(e.Message)
	for _, g := range guidance {
		if strings.Contains(m, g.substr) {
			return g.advice
		}
	}
	if base, ok := baseMessages[e.Code]; ok {
		return base
	}
	return e.Message
}

// Render picks the wire message: technical text under debug, operator
// guidance otherwise.
func (e *Error) Render(debug bool) string {
	if debug {
		return e.Message
	}
	return e.Friendly()
}
