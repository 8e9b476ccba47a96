package ssh

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"

	"sshmux-mcp/internal/mcperr"
)

// Authenticator turns a SessionConfig into SSH auth methods. It is a
// strategy dispatcher over AuthMethod; every failure is an
// AuthenticationError.
type Authenticator struct {
	log zerolog.Logger
}

// NewAuthenticator returns an Authenticator logging through logger.
func NewAuthenticator(logger zerolog.Logger) *Authenticator {
	return &Authenticator{log: logger.With().Str("component", "auth").Logger()}
}

func authError(format string, args ...any) *mcperr.Error {
	return mcperr.Newf(mcperr.AuthenticationError, format, args...)
}

// Methods resolves the configured strategy. The returned cleanup must
// be called once the handshake has completed (or failed); it releases
// the agent socket for agent auth and is a no-op otherwise.
func (a *Authenticator) Methods(cfg *SessionConfig) ([]ssh.AuthMethod, func(), error) {
	noop := func() {}
	switch cfg.AuthMethod {
	case AuthKey:
		signer, err := a.loadKey(cfg.KeyPath)
		if err != nil {
			return nil, noop, err
		}
		return []ssh.AuthMethod{ssh.PublicKeys(signer)}, noop, nil

	case AuthPassword:
		if cfg.Password == "" {
			return nil, noop, authError("Password authentication selected but no password given")
		}
		return []ssh.AuthMethod{ssh.Password(cfg.Password)}, noop, nil

	case AuthAgent:
		conn, ag, err := a.dialAgent()
		if err != nil {
			return nil, noop, err
		}
		cleanup := func() { _ = conn.Close() }
		return []ssh.AuthMethod{ssh.PublicKeysCallback(ag.Signers)}, cleanup, nil
	}
	return nil, noop, authError("Unknown auth_method: %s", cfg.AuthMethod)
}

// ValidateConfig performs the strategy's existence and parse checks
// without dialing the remote host.
func (a *Authenticator) ValidateConfig(cfg *SessionConfig) error {
	switch cfg.AuthMethod {
	case AuthKey:
		_, err := a.loadKey(cfg.KeyPath)
		return err
	case AuthPassword:
		if cfg.Password == "" {
			return authError("Password authentication selected but no password given")
		}
		return nil
	case AuthAgent:
		conn, _, err := a.dialAgent()
		if err != nil {
			return err
		}
		_ = conn.Close()
		return nil
	}
	return authError("Unknown auth_method: %s", cfg.AuthMethod)
}

// loadKey reads and parses a private key file. ParsePrivateKey handles
// RSA, DSA, ECDSA and Ed25519 PEM blocks.
func (a *Authenticator) loadKey(keyPath string) (ssh.Signer, error) {
	path, err := expandTilde(keyPath)
	if err != nil {
		return nil, authError("Cannot resolve private key location: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, authError("Private key file not found: %s", path)
	}
	if mode := info.Mode().Perm(); mode&0o077 != 0 {
		a.log.Warn().
			Str("path", path).
			Str("mode", fmt.Sprintf("%04o", mode)).
			Msg("private key is readable by group or others")
	}

	keyBytes, err := os.ReadFile(path)
	if err != nil {
		return nil, authError("Cannot read private key file: %s", path)
	}

	signer, err := ssh.ParsePrivateKey(keyBytes)
	if err != nil {
		var missing *ssh.PassphraseMissingError
		if errors.As(err, &missing) {
			return nil, authError("Private key %s is encrypted; passphrase not supported", path)
		}
		return nil, authError("Cannot parse private key %s", path).WithDetails(err.Error())
	}
	return signer, nil
}

// dialAgent connects to the agent named by SSH_AUTH_SOCK and requires
// it to hold at least one key.
func (a *Authenticator) dialAgent() (net.Conn, agent.ExtendedAgent, error) {
	sock := os.Getenv("SSH_AUTH_SOCK")
	if sock == "" {
		return nil, nil, authError("SSH agent not available").
			WithDetails("SSH_AUTH_SOCK is not set")
	}
	if _, err := os.Stat(sock); err != nil {
		return nil, nil, authError("SSH agent not available").
			WithDetails("agent socket does not exist: " + sock)
	}

	conn, err := net.Dial("unix", sock)
	if err != nil {
		return nil, nil, authError("SSH agent not available").
			WithDetails("cannot connect to agent socket")
	}

	ag := agent.NewClient(conn)
	keys, err := ag.List()
	if err != nil {
		_ = conn.Close()
		return nil, nil, authError("SSH agent not available").
			WithDetails("agent refused key listing")
	}
	if len(keys) == 0 {
		_ = conn.Close()
		return nil, nil, authError("SSH agent not available").
			WithDetails("agent holds no keys")
	}
	return conn, ag, nil
}

// expandTilde resolves a leading ~ against the current user's home.
func expandTilde(path string) (string, error) {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(home, strings.TrimPrefix(path, "~")), nil
	}
	return path, nil
}

// isAuthFailure classifies handshake errors that mean the credentials
// were rejected rather than the transport failing.
func isAuthFailure(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, sig := range []string{
		"unable to authenticate",
		"permission denied",
		"no supported methods remain",
	} {
		if strings.Contains(msg, sig) {
			return true
		}
	}
	return false
}
