package ssh

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"

	"sshmux-mcp/internal/mcperr"
)

// conn is the transport surface a Session drives. The production
// implementation wraps an ssh.Client; tests substitute their own.
type conn interface {
	run(ctx context.Context, command string, timeout time.Duration, maxOutput int) (*CommandResult, error)
	readFile(path string) ([]byte, error)
	writeFile(path string, data []byte) (int, error)
	listDir(path string) ([]os.FileInfo, error)
	alive() bool
	close() error
}

// dialFunc opens an authenticated transport.
type dialFunc func(ctx context.Context, cfg *SessionConfig, auth *Authenticator) (conn, error)

// dialTransport resolves auth methods, dials, and hands the client to
// a watcher goroutine that clears the liveness flag when the
// connection dies. Each dial gets its own flag, so a stale watcher
// cannot poison a reconnected session.
func dialTransport(ctx context.Context, cfg *SessionConfig, auth *Authenticator) (conn, error) {
	methods, cleanup, err := auth.Methods(cfg)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	client, err := dialSSH(ctx, cfg, methods)
	if err != nil {
		return nil, err
	}

	c := &sshConn{client: client}
	c.live.Store(true)
	go func() {
		_ = client.Wait()
		c.live.Store(false)
	}()
	return c, nil
}

// dialSSH bounds both the TCP connect and the handshake with the
// config timeout.
func dialSSH(ctx context.Context, cfg *SessionConfig, methods []ssh.AuthMethod) (*ssh.Client, error) {
	clientCfg := &ssh.ClientConfig{
		User:            cfg.Username,
		Auth:            methods,
		HostKeyCallback: cfg.hostKeyCallback(),
		Timeout:         cfg.Timeout,
	}

	d := net.Dialer{Timeout: cfg.Timeout}
	netConn, err := d.DialContext(ctx, "tcp", cfg.Addr())
	if err != nil {
		return nil, err
	}
	_ = netConn.SetDeadline(time.Now().Add(cfg.Timeout))
	ncc, chans, reqs, err := ssh.NewClientConn(netConn, cfg.Addr(), clientCfg)
	if err != nil {
		_ = netConn.Close()
		return nil, err
	}
	_ = netConn.SetDeadline(time.Time{})
	return ssh.NewClient(ncc, chans, reqs), nil
}

// sshConn is the production transport.
type sshConn struct {
	client *ssh.Client
	live   atomic.Bool
}

func (c *sshConn) alive() bool { return c.live.Load() }

func (c *sshConn) close() error { return c.client.Close() }

// run executes one command over a fresh channel: stdout and stderr are
// drained by a reader goroutine while this goroutine waits on the
// timeout, the context, or completion.
func (c *sshConn) run(ctx context.Context, command string, timeout time.Duration, maxOutput int) (*CommandResult, error) {
	start := time.Now()
	sess, err := c.client.NewSession()
	if err != nil {
		return nil, err
	}
	defer sess.Close()

	stdout, err := sess.StdoutPipe()
	if err != nil {
		return nil, err
	}
	stderr, err := sess.StderrPipe()
	if err != nil {
		return nil, err
	}
	if err := sess.Start(command); err != nil {
		return nil, err
	}

	type readResult struct {
		stdout []byte
		stderr []byte
	}
	readCh := make(chan readResult, 1)
	go func() {
		stdoutBytes, _ := io.ReadAll(stdout)
		stderrBytes, _ := io.ReadAll(stderr)
		readCh <- readResult{stdout: stdoutBytes, stderr: stderrBytes}
	}()

	var out readResult
	select {
	case <-ctx.Done():
		_ = sess.Signal(ssh.SIGKILL)
		return nil, mcperr.Newf(mcperr.TimeoutError, "Command cancelled: %v", ctx.Err()).
			WithData("command", command)
	case <-time.After(timeout):
		_ = sess.Signal(ssh.SIGKILL)
		return nil, mcperr.Newf(mcperr.TimeoutError, "Command timed out after %s", timeout).
			WithData("command", command)
	case out = <-readCh:
	}

	exitCode := 0
	if err := sess.Wait(); err != nil {
		var exitErr *ssh.ExitError
		var missingErr *ssh.ExitMissingError
		switch {
		case errors.As(err, &exitErr):
			exitCode = exitErr.ExitStatus()
		case errors.As(err, &missingErr):
			exitCode = -1
		default:
			return nil, err
		}
	}

	return newCommandResult(
		command,
		decodeOutput(out.stdout, maxOutput),
		decodeOutput(out.stderr, maxOutput),
		exitCode,
		time.Since(start),
	), nil
}

// Each file operation opens a transient SFTP subchannel and releases
// it before returning, so an idle session holds no extra channel.

func (c *sshConn) readFile(path string) ([]byte, error) {
	sc, err := sftp.NewClient(c.client)
	if err != nil {
		return nil, err
	}
	defer sc.Close()

	f, err := sc.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

func (c *sshConn) writeFile(path string, data []byte) (int, error) {
	sc, err := sftp.NewClient(c.client)
	if err != nil {
		return 0, err
	}
	defer sc.Close()

	f, err := sc.Create(path)
	if err != nil {
		return 0, err
	}
	n, err := f.Write(data)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	return n, err
}

func (c *sshConn) listDir(path string) ([]os.FileInfo, error) {
	sc, err := sftp.NewClient(c.client)
	if err != nil {
		return nil, err
	}
	defer sc.Close()
	return sc.ReadDir(path)
}

// isConnectionLost matches the transport-death signatures that make a
// retry after reconnect worthwhile.
func isConnectionLost(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, sig := range []string{
		"socket is closed",
		"connection lost",
		"broken pipe",
		"connection reset",
		"use of closed network connection",
		"eof",
	} {
		if strings.Contains(msg, sig) {
			return true
		}
	}
	return false
}

// decodeOutput bounds one output stream and repairs invalid UTF-8.
func decodeOutput(b []byte, limit int) string {
	truncated := false
	if limit > 0 && len(b) > limit {
		b = b[:limit]
		truncated = true
	}
	s := strings.ToValidUTF8(string(b), "�")
	if truncated {
		s += "\n... [output truncated]"
	}
	return s
}
