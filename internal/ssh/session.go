package ssh

import (
	"context"
	"errors"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"sshmux-mcp/internal/mcperr"
)

// Reconnection and health defaults.
const (
	defaultMaxReconnectAttempts   = 3
	defaultReconnectBaseDelay     = 5 * time.Second
	defaultReconnectMultiplier    = 2.0
	defaultHealthCheckTimeout     = 10 * time.Second
	defaultHealthFailureThreshold = 3
	defaultMaxOutputBytes         = 1 << 20
)

const healthCheckCommand = "echo 'health_check'"

// Session is one pooled SSH connection. Construction does not dial;
// Connect does. Long operations (exec, file transfer, health probes,
// reconnection) serialise on op; state fields are guarded by mu and
// never held across network I/O, so snapshots stay cheap while a
// command runs. Lock order is op before mu.
type Session struct {
	id   string
	cfg  *SessionConfig
	auth *Authenticator
	dial dialFunc
	log  zerolog.Logger

	op sync.Mutex

	mu                   sync.Mutex
	tr                   conn
	connected            bool
	lastActivity         time.Time
	connectionStart      *time.Time
	healthFailures       int
	lastHealthCheck      *time.Time
	autoReconnect        bool
	reconnectAttempts    int
	lastReconnectAttempt *time.Time
	lostAt               *time.Time

	maxReconnectAttempts   int
	reconnectBaseDelay     time.Duration
	reconnectMultiplier    float64
	healthCheckTimeout     time.Duration
	healthFailureThreshold int
	maxOutputBytes         int
}

// NewSession validates cfg and binds it to a handle. The transport is
// opened by an explicit Connect call.
func NewSession(id string, cfg *SessionConfig, auth *Authenticator, logger zerolog.Logger) (*Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Session{
		id:   id,
		cfg:  cfg,
		auth: auth,
		dial: dialTransport,
		log: logger.With().
			Str("connection_id", id).
			Str("host", cfg.Hostname).
			Logger(),
		lastActivity:           time.Now(),
		autoReconnect:          true,
		maxReconnectAttempts:   defaultMaxReconnectAttempts,
		reconnectBaseDelay:     defaultReconnectBaseDelay,
		reconnectMultiplier:    defaultReconnectMultiplier,
		healthCheckTimeout:     defaultHealthCheckTimeout,
		healthFailureThreshold: defaultHealthFailureThreshold,
		maxOutputBytes:         defaultMaxOutputBytes,
	}, nil
}

// CommandResult is the outcome of one remote exec. Exit code -1 means
// the command did not run to completion.
type CommandResult struct {
	Stdout        string  `json:"stdout"`
	Stderr        string  `json:"stderr"`
	ExitCode      int     `json:"exit_code"`
	ExecutionTime float64 `json:"execution_time"`
	Command       string  `json:"command"`
	Timestamp     string  `json:"timestamp"`
	Success       bool    `json:"success"`
	HasOutput     bool    `json:"has_output"`
}

func newCommandResult(command, stdout, stderr string, exitCode int, elapsed time.Duration) *CommandResult {
	return &CommandResult{
		Stdout:        stdout,
		Stderr:        stderr,
		ExitCode:      exitCode,
		ExecutionTime: elapsed.Seconds(),
		Command:       command,
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
		Success:       exitCode == 0,
		HasOutput:     stdout != "" || stderr != "",
	}
}

// Connect opens the transport and authenticates.
func (s *Session) Connect(ctx context.Context) error {
	s.op.Lock()
	defer s.op.Unlock()
	return s.connectTransport(ctx)
}

// connectTransport dials and installs a fresh transport generation,
// ending any loss episode. Callers hold op.
func (s *Session) connectTransport(ctx context.Context) error {
	s.mu.Lock()
	if s.tr != nil {
		_ = s.tr.close()
		s.tr = nil
	}
	s.connected = false
	s.mu.Unlock()

	c, err := s.dial(ctx, s.cfg, s.auth)
	if err != nil {
		return s.classifyConnectError(err)
	}

	now := time.Now()
	s.mu.Lock()
	s.tr = c
	s.connected = true
	s.connectionStart = &now
	s.lastActivity = now
	s.healthFailures = 0
	s.lostAt = nil
	s.reconnectAttempts = 0
	s.mu.Unlock()

	s.log.Info().
		Str("user", s.cfg.Username).
		Int("port", s.cfg.Port).
		Str("auth_method", string(s.cfg.AuthMethod)).
		Msg("connected")
	return nil
}

// classifyConnectError folds every dial failure into ConnectionError,
// keeping the authentication detail in data.
func (s *Session) classifyConnectError(err error) error {
	if mcperr.Is(err, mcperr.AuthenticationError) {
		ae := mcperr.FromErr(err)
		return mcperr.Newf(mcperr.ConnectionError,
			"Authentication failed for %s@%s: %s",
			s.cfg.Username, s.cfg.Hostname, ae.Message).
			WithDetails(ae.Message).
			WithData("connection_id", s.id)
	}
	if isAuthFailure(err) {
		return mcperr.Newf(mcperr.ConnectionError,
			"Authentication failed for %s@%s using %s auth",
			s.cfg.Username, s.cfg.Hostname, s.cfg.AuthMethod).
			WithDetails(err.Error()).
			WithData("connection_id", s.id)
	}
	return mcperr.Newf(mcperr.ConnectionError,
		"Failed to connect to %s: %v", s.cfg.Addr(), err).
		WithData("connection_id", s.id)
}

// Disconnect releases the transport. Safe to call repeatedly; cleanup
// errors are ignored.
func (s *Session) Disconnect() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tr != nil {
		_ = s.tr.close()
		s.tr = nil
	}
	s.connected = false
	s.connectionStart = nil
}

// ExecuteCommand runs one remote command. On a lost transport it
// reconnects under the auto-reconnect policy and retries the command
// at most once.
func (s *Session) ExecuteCommand(ctx context.Context, command string, timeout time.Duration) (*CommandResult, error) {
	if strings.TrimSpace(command) == "" {
		return nil, mcperr.New(mcperr.CommandError, "Command is empty").
			WithData("connection_id", s.id)
	}
	if timeout <= 0 {
		timeout = s.cfg.Timeout
	}

	s.op.Lock()
	defer s.op.Unlock()

	s.mu.Lock()
	connected := s.connected
	lost := s.lostAt != nil
	auto := s.autoReconnect
	s.mu.Unlock()

	if !connected {
		if !(auto && lost) {
			return nil, mcperr.New(mcperr.ConnectionError, "Connection not established").
				WithData("connection_id", s.id)
		}
		if err := s.reconnectCycle(ctx); err != nil {
			return nil, err
		}
	} else if s.DetectConnectionLoss() {
		if !auto {
			return nil, mcperr.New(mcperr.ConnectionError, "Connection lost").
				WithData("connection_id", s.id)
		}
		if err := s.reconnectCycle(ctx); err != nil {
			return nil, err
		}
	}

	res, err := s.runCommand(ctx, command, timeout)
	if err != nil && isConnectionLost(err) {
		s.markLost()
		s.log.Warn().Err(err).Msg("connection lost during exec, reconnecting")
		if rerr := s.reconnectCycle(ctx); rerr != nil {
			return nil, rerr
		}
		res, err = s.runCommand(ctx, command, timeout)
	}
	if err != nil {
		return nil, s.classifyExecError(err)
	}

	s.touch()
	return res, nil
}

// classifyExecError keeps typed failures as they are and folds raw
// transport errors into ConnectionError.
func (s *Session) classifyExecError(err error) error {
	var me *mcperr.Error
	if errors.As(err, &me) {
		return me.WithData("connection_id", s.id)
	}
	if isConnectionLost(err) {
		return mcperr.New(mcperr.ConnectionError, "Connection lost during command execution").
			WithDetails(err.Error()).
			WithData("connection_id", s.id)
	}
	return mcperr.Newf(mcperr.ConnectionError, "Command transport failed: %v", err).
		WithData("connection_id", s.id)
}

// runCommand performs a single exec over the current transport.
// Callers hold op.
func (s *Session) runCommand(ctx context.Context, command string, timeout time.Duration) (*CommandResult, error) {
	c, err := s.connRef()
	if err != nil {
		return nil, err
	}
	return c.run(ctx, command, timeout, s.maxOutputBytes)
}

// HealthCheck probes the session with a short echo. Reaching the
// failure threshold marks the connection lost and, under
// auto-reconnect, starts a reconnection cycle.
func (s *Session) HealthCheck(ctx context.Context) bool {
	s.op.Lock()
	defer s.op.Unlock()

	now := time.Now()
	s.mu.Lock()
	s.lastHealthCheck = &now
	connected := s.connected
	s.mu.Unlock()

	healthy := false
	if connected {
		res, err := s.runCommand(ctx, healthCheckCommand, s.healthCheckTimeout)
		healthy = err == nil && strings.Contains(res.Stdout, "health_check")
	}

	s.mu.Lock()
	if healthy {
		s.healthFailures = 0
		if s.lostAt != nil {
			s.lostAt = nil
			s.reconnectAttempts = 0
		}
		s.mu.Unlock()
		return true
	}
	s.healthFailures++
	failures := s.healthFailures
	hitThreshold := failures >= s.healthFailureThreshold
	if hitThreshold {
		s.markLostLocked()
	}
	auto := s.autoReconnect
	s.mu.Unlock()

	s.log.Warn().Int("failures", failures).Msg("health check failed")
	if hitThreshold && auto {
		if err := s.reconnectCycle(ctx); err != nil {
			s.log.Warn().Err(err).Msg("reconnect after failed health checks did not recover")
		}
	}
	return false
}

// DetectConnectionLoss is the cheap liveness probe: it only consults
// the watcher flag, never the network. The first positive detection
// records lost_at.
func (s *Session) DetectConnectionLoss() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tr == nil || !s.tr.alive() {
		s.markLostLocked()
		return true
	}
	return false
}

// reconnectCycle walks the backoff schedule until recovery or attempt
// exhaustion. Callers hold op.
func (s *Session) reconnectCycle(ctx context.Context) error {
	for {
		s.mu.Lock()
		attempts := s.reconnectAttempts
		s.mu.Unlock()
		if attempts >= s.maxReconnectAttempts {
			return mcperr.Newf(mcperr.ConnectionError,
				"Reconnection failed after %d attempts", s.maxReconnectAttempts).
				WithData("connection_id", s.id)
		}
		if err := s.reconnectOnce(ctx); err == nil {
			return nil
		} else if ctx.Err() != nil {
			return mcperr.Newf(mcperr.ConnectionError, "Reconnection cancelled: %v", ctx.Err()).
				WithData("connection_id", s.id)
		}
	}
}

// reconnectOnce sleeps the backoff delay for the current attempt
// number, then redials. Callers hold op.
func (s *Session) reconnectOnce(ctx context.Context) error {
	now := time.Now()
	s.mu.Lock()
	delay := time.Duration(float64(s.reconnectBaseDelay) *
		math.Pow(s.reconnectMultiplier, float64(s.reconnectAttempts)))
	s.reconnectAttempts++
	attempt := s.reconnectAttempts
	s.lastReconnectAttempt = &now
	s.mu.Unlock()

	s.log.Info().
		Int("attempt", attempt).
		Dur("delay", delay).
		Msg("reconnecting")

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(delay):
	}

	if err := s.connectTransport(ctx); err != nil {
		s.log.Warn().Err(err).Int("attempt", attempt).Msg("reconnect attempt failed")
		return err
	}
	s.log.Info().Msg("reconnected")
	return nil
}

// ForceReconnect zeroes the attempt counter, marks the connection
// lost, and performs a single reconnection attempt.
func (s *Session) ForceReconnect(ctx context.Context) error {
	s.op.Lock()
	defer s.op.Unlock()

	s.mu.Lock()
	s.reconnectAttempts = 0
	s.markLostLocked()
	s.mu.Unlock()

	if err := s.reconnectOnce(ctx); err != nil {
		return mcperr.Newf(mcperr.ConnectionError, "Reconnection failed: %v", err).
			WithData("connection_id", s.id)
	}
	return nil
}

// Info snapshots the connection for ssh_list_connections. It never
// blocks behind a running command.
func (s *Session) Info() ConnectionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	info := ConnectionInfo{
		ConnectionID: s.id,
		Hostname:     s.cfg.Hostname,
		Port:         s.cfg.Port,
		Username:     s.cfg.Username,
		AuthMethod:   string(s.cfg.AuthMethod),
		Connected:    s.connected,
		LastActivity: s.lastActivity.UTC().Format(time.RFC3339),
	}
	if s.connectionStart != nil {
		info.ConnectedAt = s.connectionStart.UTC().Format(time.RFC3339)
	}
	return info
}

// IsConnected reports whether the transport was live at the last
// state change.
func (s *Session) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// IsLost reports whether the session is inside a loss episode.
func (s *Session) IsLost() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lostAt != nil
}

// ReconnectAttempts returns the attempt count of the current loss
// episode.
func (s *Session) ReconnectAttempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reconnectAttempts
}

// SetAutoReconnect flips the reconnection policy flag.
func (s *Session) SetAutoReconnect(enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.autoReconnect = enabled
}

// AutoReconnect reports the reconnection policy flag.
func (s *Session) AutoReconnect() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.autoReconnect
}

// healthCheckDue reports whether the monitor should probe this
// session.
func (s *Session) healthCheckDue(interval time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastHealthCheck == nil || time.Since(*s.lastHealthCheck) >= interval
}

// shouldCleanup reports whether the monitor may reap this session:
// disconnected with reconnection disabled, or lost with the attempt
// budget exhausted.
func (s *Session) shouldCleanup() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected && !s.autoReconnect {
		return true
	}
	return s.lostAt != nil && s.reconnectAttempts >= s.maxReconnectAttempts
}

func (s *Session) markLost() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.markLostLocked()
}

func (s *Session) markLostLocked() {
	if s.lostAt == nil {
		now := time.Now()
		s.lostAt = &now
	}
	s.connected = false
}

func (s *Session) touch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActivity = time.Now()
}

func (s *Session) connRef() (conn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tr == nil {
		return nil, mcperr.New(mcperr.ConnectionError, "Connection not established").
			WithData("connection_id", s.id)
	}
	return s.tr, nil
}
