// Package ssh provides the SSH session pool for the MCP server:
// authentication strategies, per-connection lifecycle management with
// health monitoring and reconnection, and SFTP file operations.
package ssh

import (
	"net"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"

	"sshmux-mcp/internal/mcperr"
)

// AuthMethod selects an authentication strategy.
type AuthMethod string

const (
	AuthKey      AuthMethod = "key"
	AuthPassword AuthMethod = "password"
	AuthAgent    AuthMethod = "agent"
)

// Connection defaults and bounds.
const (
	DefaultPort    = 22
	DefaultTimeout = 30 * time.Second
	MinTimeout     = 1 * time.Second
	MaxTimeout     = 300 * time.Second
)

// SessionConfig holds the immutable parameters of one SSH connection.
// Validate applies defaults and bounds once; the config is read-only
// afterwards.
type SessionConfig struct {
	Hostname   string
	Port       int
	Username   string
	Timeout    time.Duration
	AuthMethod AuthMethod
	KeyPath    string
	Password   string

	// HostKeyCallback overrides the accept-any default for deployments
	// that verify server keys.
	HostKeyCallback ssh.HostKeyCallback
}

func configError(format string, args ...any) *mcperr.Error {
	return mcperr.Newf(mcperr.ToolError, format, args...).
		WithDetails("invalid session configuration")
}

// Validate applies defaults and checks bounds and per-method
// requirements.
func (c *SessionConfig) Validate() error {
	if strings.TrimSpace(c.Hostname) == "" {
		return configError("Hostname is required")
	}
	if strings.TrimSpace(c.Username) == "" {
		return configError("Username is required")
	}
	if c.Port == 0 {
		c.Port = DefaultPort
	}
	if c.Port < 1 || c.Port > 65535 {
		return configError("Port must be between 1 and 65535, got %d", c.Port)
	}
	if c.Timeout == 0 {
		c.Timeout = DefaultTimeout
	}
	if c.Timeout < MinTimeout || c.Timeout > MaxTimeout {
		return configError("Timeout must be between %s and %s, got %s", MinTimeout, MaxTimeout, c.Timeout)
	}
	if c.AuthMethod == "" {
		c.AuthMethod = AuthAgent
	}
	switch c.AuthMethod {
	case AuthKey:
		if c.KeyPath == "" {
			return configError("key_path is required when auth_method is key")
		}
	case AuthPassword:
		if c.Password == "" {
			return configError("password is required when auth_method is password")
		}
	case AuthAgent:
	default:
		return configError("Unknown auth_method: %s", c.AuthMethod)
	}
	return nil
}

// Addr returns the dial target.
func (c *SessionConfig) Addr() string {
	return net.JoinHostPort(c.Hostname, strconv.Itoa(c.Port))
}

func (c *SessionConfig) hostKeyCallback() ssh.HostKeyCallback {
	if c.HostKeyCallback != nil {
		return c.HostKeyCallback
	}
	// Accept-any is the documented default; deployments that need
	// verification inject their own callback.
	return ssh.InsecureIgnoreHostKey()
}

// ConnectionInfo is the wire snapshot of one pooled connection.
type ConnectionInfo struct {
	ConnectionID string `json:"connection_id"`
	Hostname     string `json:"hostname"`
	Port         int    `json:"port"`
	Username     string `json:"username"`
	AuthMethod   string `json:"auth_method"`
	Connected    bool   `json:"connected"`
	ConnectedAt  string `json:"connected_at,omitempty"`
	LastActivity string `json:"last_activity"`
}
