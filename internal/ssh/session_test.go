package ssh

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sshmux-mcp/internal/mcperr"
)

func TestConnectEstablishesSession(t *testing.T) {
	c := newFakeConn()
	s := newTestSession(t, dialTo(c))

	require.NoError(t, s.Connect(context.Background()))

	assert.True(t, s.IsConnected())
	assert.False(t, s.IsLost())
	assert.Equal(t, 0, s.ReconnectAttempts())

	info := s.Info()
	assert.Equal(t, "conn-test", info.ConnectionID)
	assert.Equal(t, "web-1.internal", info.Hostname)
	assert.Equal(t, 22, info.Port)
	assert.Equal(t, "deploy", info.Username)
	assert.Equal(t, "password", info.AuthMethod)
	assert.True(t, info.Connected)
	assert.NotEmpty(t, info.ConnectedAt)
	assert.NotEmpty(t, info.LastActivity)
}

func TestConnectReplacesExistingTransport(t *testing.T) {
	c1 := newFakeConn()
	c2 := newFakeConn()
	d := &fakeDialer{fn: func(call int) (conn, error) {
		if call == 1 {
			return c1, nil
		}
		return c2, nil
	}}
	s := newTestSession(t, d)

	require.NoError(t, s.Connect(context.Background()))
	require.NoError(t, s.Connect(context.Background()))

	assert.Equal(t, 1, c1.closeCount())
	assert.True(t, s.IsConnected())
}

func TestConnectDialFailure(t *testing.T) {
	s := newTestSession(t, dialFail(errors.New("dial tcp 10.0.0.9:22: connection refused")))

	err := s.Connect(context.Background())

	require.Error(t, err)
	assert.True(t, mcperr.Is(err, mcperr.ConnectionError))
	assert.Contains(t, err.Error(), "Failed to connect to web-1.internal:22")
	assert.False(t, s.IsConnected())
}

func TestConnectAuthFailure(t *testing.T) {
	s := newTestSession(t, dialFail(authError("ssh: unable to authenticate, attempted methods [none password]")))

	err := s.Connect(context.Background())

	require.Error(t, err)
	assert.True(t, mcperr.Is(err, mcperr.ConnectionError))
	assert.Contains(t, err.Error(), "Authentication failed for deploy@web-1.internal")
}

func TestDisconnectIsIdempotent(t *testing.T) {
	c := newFakeConn()
	s := newTestSession(t, dialTo(c))
	require.NoError(t, s.Connect(context.Background()))

	s.Disconnect()
	s.Disconnect()

	assert.Equal(t, 1, c.closeCount())
	assert.False(t, s.IsConnected())
}

func TestExecuteCommandRejectsEmpty(t *testing.T) {
	c := newFakeConn()
	s := newTestSession(t, dialTo(c))
	require.NoError(t, s.Connect(context.Background()))

	for _, command := range []string{"", "   ", "\t\n"} {
		_, err := s.ExecuteCommand(context.Background(), command, 0)
		require.Error(t, err)
		assert.True(t, mcperr.Is(err, mcperr.CommandError))
		assert.Contains(t, err.Error(), "Command is empty")
	}
	assert.Empty(t, c.ran())
}

func TestExecuteCommandRequiresConnection(t *testing.T) {
	s := newTestSession(t, dialTo(newFakeConn()))

	_, err := s.ExecuteCommand(context.Background(), "uptime", 0)

	require.Error(t, err)
	assert.True(t, mcperr.Is(err, mcperr.ConnectionError))
	assert.Contains(t, err.Error(), "Connection not established")
}

func TestExecuteCommandSuccess(t *testing.T) {
	c := newFakeConn()
	c.setRunFn(func(command string) (*CommandResult, error) {
		return newCommandResult(command, "hi\n", "", 0, 120*time.Millisecond), nil
	})
	s := newTestSession(t, dialTo(c))
	require.NoError(t, s.Connect(context.Background()))

	res, err := s.ExecuteCommand(context.Background(), "echo hi", 0)

	require.NoError(t, err)
	assert.Equal(t, "hi\n", res.Stdout)
	assert.Equal(t, 0, res.ExitCode)
	assert.True(t, res.Success)
	assert.True(t, res.HasOutput)
	assert.Equal(t, "echo hi", res.Command)
	assert.Equal(t, []string{"echo hi"}, c.ran())
}

func TestExecuteCommandReconnectsWhenLost(t *testing.T) {
	c := newFakeConn()
	d := dialTo(c)
	s := newTestSession(t, d)
	require.NoError(t, s.Connect(context.Background()))

	s.markLost()
	res, err := s.ExecuteCommand(context.Background(), "echo hi", 0)

	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 2, d.callCount())
	assert.False(t, s.IsLost())
	assert.Equal(t, 0, s.ReconnectAttempts(), "recovery must reset the attempt counter")
}

func TestExecuteCommandDetectsDeadTransport(t *testing.T) {
	c1 := newFakeConn()
	c2 := newFakeConn()
	d := &fakeDialer{fn: func(call int) (conn, error) {
		if call == 1 {
			return c1, nil
		}
		return c2, nil
	}}
	s := newTestSession(t, d)
	require.NoError(t, s.Connect(context.Background()))

	c1.setAlive(false)
	res, err := s.ExecuteCommand(context.Background(), "uptime", 0)

	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, []string{"uptime"}, c2.ran())
	assert.Empty(t, c1.ran())
}

func TestExecuteCommandLossWithoutAutoReconnect(t *testing.T) {
	c := newFakeConn()
	d := dialTo(c)
	s := newTestSession(t, d)
	require.NoError(t, s.Connect(context.Background()))
	s.SetAutoReconnect(false)

	c.setAlive(false)
	_, err := s.ExecuteCommand(context.Background(), "uptime", 0)

	require.Error(t, err)
	assert.True(t, mcperr.Is(err, mcperr.ConnectionError))
	assert.Contains(t, err.Error(), "Connection lost")
	assert.Equal(t, 1, d.callCount())
	assert.True(t, s.IsLost())
}

func TestExecuteCommandRetriesOnceAfterMidCommandLoss(t *testing.T) {
	bad := newFakeConn()
	bad.setRunFn(func(string) (*CommandResult, error) {
		return nil, errors.New("write: broken pipe")
	})
	good := newFakeConn()
	d := &fakeDialer{fn: func(call int) (conn, error) {
		if call == 1 {
			return bad, nil
		}
		return good, nil
	}}
	s := newTestSession(t, d)
	require.NoError(t, s.Connect(context.Background()))

	res, err := s.ExecuteCommand(context.Background(), "uptime", 0)

	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 2, d.callCount())
	assert.Equal(t, []string{"uptime"}, good.ran())
}

func TestExecuteCommandRetriesOnlyOnce(t *testing.T) {
	mkBad := func() *fakeConn {
		c := newFakeConn()
		c.setRunFn(func(string) (*CommandResult, error) {
			return nil, errors.New("write: broken pipe")
		})
		return c
	}
	d := &fakeDialer{fn: func(int) (conn, error) { return mkBad(), nil }}
	s := newTestSession(t, d)
	require.NoError(t, s.Connect(context.Background()))

	_, err := s.ExecuteCommand(context.Background(), "uptime", 0)

	require.Error(t, err)
	assert.True(t, mcperr.Is(err, mcperr.ConnectionError))
	assert.Equal(t, 2, d.callCount(), "one reconnect, one retry, then surface")
}

func TestReconnectExhaustsAttemptBudget(t *testing.T) {
	c := newFakeConn()
	d := &fakeDialer{fn: func(call int) (conn, error) {
		if call == 1 {
			return c, nil
		}
		return nil, errors.New("dial tcp: connection refused")
	}}
	s := newTestSession(t, d)
	require.NoError(t, s.Connect(context.Background()))

	s.markLost()
	_, err := s.ExecuteCommand(context.Background(), "uptime", 0)

	require.Error(t, err)
	assert.True(t, mcperr.Is(err, mcperr.ConnectionError))
	assert.Contains(t, err.Error(), "Reconnection failed after 3 attempts")
	assert.Equal(t, 4, d.callCount())
	assert.Equal(t, 3, s.ReconnectAttempts())
	assert.True(t, s.IsLost())
	assert.True(t, s.shouldCleanup())
}

func TestReconnectBackoffGrows(t *testing.T) {
	d := &fakeDialer{fn: func(call int) (conn, error) {
		if call == 1 {
			return newFakeConn(), nil
		}
		return nil, errors.New("dial tcp: connection refused")
	}}
	s := newTestSession(t, d)
	s.reconnectBaseDelay = 10 * time.Millisecond
	require.NoError(t, s.Connect(context.Background()))
	s.markLost()

	start := time.Now()
	_, err := s.ExecuteCommand(context.Background(), "uptime", 0)
	elapsed := time.Since(start)

	require.Error(t, err)
	// Attempts sleep 10ms, 20ms, 40ms before dialing.
	assert.GreaterOrEqual(t, elapsed, 70*time.Millisecond)
}

func TestReconnectHonoursContextCancel(t *testing.T) {
	d := &fakeDialer{fn: func(call int) (conn, error) {
		if call == 1 {
			return newFakeConn(), nil
		}
		return nil, errors.New("dial tcp: connection refused")
	}}
	s := newTestSession(t, d)
	s.reconnectBaseDelay = time.Hour
	require.NoError(t, s.Connect(context.Background()))
	s.markLost()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := s.ExecuteCommand(ctx, "uptime", 0)

	require.Error(t, err)
	assert.True(t, mcperr.Is(err, mcperr.ConnectionError))
	assert.Contains(t, err.Error(), "Reconnection cancelled")
}

func TestHealthCheckHealthy(t *testing.T) {
	c := newFakeConn()
	s := newTestSession(t, dialTo(c))
	require.NoError(t, s.Connect(context.Background()))

	ok := s.HealthCheck(context.Background())

	assert.True(t, ok)
	assert.Contains(t, c.ran(), healthCheckCommand)
	assert.False(t, s.healthCheckDue(time.Minute))
}

func TestHealthCheckRecoveryClearsLossEpisode(t *testing.T) {
	c := newFakeConn()
	s := newTestSession(t, dialTo(c))
	require.NoError(t, s.Connect(context.Background()))

	s.mu.Lock()
	now := time.Now()
	s.lostAt = &now
	s.reconnectAttempts = 2
	s.mu.Unlock()

	ok := s.HealthCheck(context.Background())

	assert.True(t, ok)
	assert.False(t, s.IsLost())
	assert.Equal(t, 0, s.ReconnectAttempts())
}

func TestHealthCheckThresholdMarksLost(t *testing.T) {
	c := newFakeConn()
	c.setRunFn(func(string) (*CommandResult, error) {
		return nil, errors.New("session open failed")
	})
	d := dialTo(c)
	s := newTestSession(t, d)
	require.NoError(t, s.Connect(context.Background()))
	s.SetAutoReconnect(false)

	for i := 0; i < s.healthFailureThreshold; i++ {
		assert.False(t, s.HealthCheck(context.Background()))
	}

	assert.True(t, s.IsLost())
	assert.Equal(t, 1, d.callCount(), "no reconnect with auto-reconnect off")
}

func TestHealthCheckThresholdTriggersReconnect(t *testing.T) {
	bad := newFakeConn()
	bad.setRunFn(func(string) (*CommandResult, error) {
		return nil, errors.New("session open failed")
	})
	good := newFakeConn()
	d := &fakeDialer{fn: func(call int) (conn, error) {
		if call == 1 {
			return bad, nil
		}
		return good, nil
	}}
	s := newTestSession(t, d)
	require.NoError(t, s.Connect(context.Background()))

	for i := 0; i < s.healthFailureThreshold; i++ {
		s.HealthCheck(context.Background())
	}

	assert.Equal(t, 2, d.callCount())
	assert.True(t, s.IsConnected())
	assert.False(t, s.IsLost())
}

func TestDetectConnectionLoss(t *testing.T) {
	c := newFakeConn()
	s := newTestSession(t, dialTo(c))
	require.NoError(t, s.Connect(context.Background()))

	assert.False(t, s.DetectConnectionLoss())

	c.setAlive(false)
	assert.True(t, s.DetectConnectionLoss())
	assert.True(t, s.IsLost())
	assert.False(t, s.IsConnected())
}

func TestForceReconnectResetsAttempts(t *testing.T) {
	c := newFakeConn()
	d := dialTo(c)
	s := newTestSession(t, d)
	require.NoError(t, s.Connect(context.Background()))

	s.mu.Lock()
	s.reconnectAttempts = 3
	s.mu.Unlock()

	require.NoError(t, s.ForceReconnect(context.Background()))

	assert.True(t, s.IsConnected())
	assert.Equal(t, 0, s.ReconnectAttempts())
	assert.Equal(t, 2, d.callCount())
}

func TestForceReconnectFailure(t *testing.T) {
	d := &fakeDialer{fn: func(call int) (conn, error) {
		if call == 1 {
			return newFakeConn(), nil
		}
		return nil, errors.New("dial tcp: connection refused")
	}}
	s := newTestSession(t, d)
	require.NoError(t, s.Connect(context.Background()))

	err := s.ForceReconnect(context.Background())

	require.Error(t, err)
	assert.True(t, mcperr.Is(err, mcperr.ConnectionError))
	assert.Contains(t, err.Error(), "Reconnection failed")
	assert.True(t, s.IsLost())
}

func TestShouldCleanup(t *testing.T) {
	t.Run("healthy session stays", func(t *testing.T) {
		s := newTestSession(t, dialTo(newFakeConn()))
		require.NoError(t, s.Connect(context.Background()))
		assert.False(t, s.shouldCleanup())
	})

	t.Run("disconnected with reconnect disabled is reaped", func(t *testing.T) {
		s := newTestSession(t, dialTo(newFakeConn()))
		require.NoError(t, s.Connect(context.Background()))
		s.Disconnect()
		s.SetAutoReconnect(false)
		assert.True(t, s.shouldCleanup())
	})

	t.Run("lost with budget remaining stays", func(t *testing.T) {
		s := newTestSession(t, dialTo(newFakeConn()))
		require.NoError(t, s.Connect(context.Background()))
		s.markLost()
		assert.False(t, s.shouldCleanup())
	})

	t.Run("lost with budget exhausted is reaped", func(t *testing.T) {
		s := newTestSession(t, dialTo(newFakeConn()))
		require.NoError(t, s.Connect(context.Background()))
		s.markLost()
		s.mu.Lock()
		s.reconnectAttempts = s.maxReconnectAttempts
		s.mu.Unlock()
		assert.True(t, s.shouldCleanup())
	})
}

func TestClassifyExecErrorKeepsTypedErrors(t *testing.T) {
	s := newTestSession(t, dialTo(newFakeConn()))

	timeout := mcperr.Newf(mcperr.TimeoutError, "Command timed out after %s", "5s")
	err := s.classifyExecError(timeout)
	assert.True(t, mcperr.Is(err, mcperr.TimeoutError))

	err = s.classifyExecError(errors.New("read: connection reset by peer"))
	assert.True(t, mcperr.Is(err, mcperr.ConnectionError))

	err = s.classifyExecError(errors.New("some exec oddity"))
	assert.True(t, mcperr.Is(err, mcperr.ConnectionError))
}

func TestNewSessionValidatesConfig(t *testing.T) {
	cfg := testSessionConfig()
	cfg.Hostname = ""

	_, err := NewSession("x", cfg, NewAuthenticator(zerolog.Nop()), zerolog.Nop())

	require.Error(t, err)
	assert.Contains(t, err.Error(), "Hostname is required")
}
