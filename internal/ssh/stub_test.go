package ssh

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

// fakeConn scripts the transport surface so session and pool tests run
// without a network.
type fakeConn struct {
	mu       sync.Mutex
	liveFlag bool
	closed   int
	commands []string
	runFn    func(command string) (*CommandResult, error)
	files    map[string][]byte
	written  map[string][]byte
	dirs     map[string][]os.FileInfo
	readErr  error
	writeErr error
	listErr  error
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		liveFlag: true,
		files:    make(map[string][]byte),
		written:  make(map[string][]byte),
		dirs:     make(map[string][]os.FileInfo),
	}
}

func (f *fakeConn) run(ctx context.Context, command string, timeout time.Duration, maxOutput int) (*CommandResult, error) {
	f.mu.Lock()
	f.commands = append(f.commands, command)
	fn := f.runFn
	f.mu.Unlock()
	if fn != nil {
		return fn(command)
	}
	if command == healthCheckCommand {
		return newCommandResult(command, "health_check\n", "", 0, time.Millisecond), nil
	}
	return newCommandResult(command, "", "", 0, time.Millisecond), nil
}

func (f *fakeConn) readFile(path string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.readErr != nil {
		return nil, f.readErr
	}
	data, ok := f.files[path]
	if !ok {
		return nil, os.ErrNotExist
	}
	return data, nil
}

func (f *fakeConn) writeFile(path string, data []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writeErr != nil {
		return 0, f.writeErr
	}
	f.written[path] = append([]byte(nil), data...)
	return len(data), nil
}

func (f *fakeConn) listDir(path string) ([]os.FileInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	infos, ok := f.dirs[path]
	if !ok {
		return nil, os.ErrNotExist
	}
	return infos, nil
}

func (f *fakeConn) alive() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.liveFlag
}

func (f *fakeConn) close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed++
	f.liveFlag = false
	return nil
}

func (f *fakeConn) setAlive(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.liveFlag = v
}

func (f *fakeConn) setRunFn(fn func(command string) (*CommandResult, error)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runFn = fn
}

func (f *fakeConn) ran() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.commands...)
}

func (f *fakeConn) closeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// fakeDialer hands out transports per dial attempt; fn receives the
// 1-based call number.
type fakeDialer struct {
	mu    sync.Mutex
	calls int
	fn    func(call int) (conn, error)
}

func (d *fakeDialer) dial(ctx context.Context, cfg *SessionConfig, auth *Authenticator) (conn, error) {
	d.mu.Lock()
	d.calls++
	n := d.calls
	d.mu.Unlock()
	return d.fn(n)
}

func (d *fakeDialer) callCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

func dialTo(c conn) *fakeDialer {
	return &fakeDialer{fn: func(int) (conn, error) { return c, nil }}
}

func dialFail(err error) *fakeDialer {
	return &fakeDialer{fn: func(int) (conn, error) { return nil, err }}
}

// fakeFileInfo satisfies os.FileInfo for directory listing tests.
type fakeFileInfo struct {
	name  string
	size  int64
	mode  os.FileMode
	mtime time.Time
	dir   bool
	sys   any
}

func (f fakeFileInfo) Name() string { return f.name }
func (f fakeFileInfo) Size() int64  { return f.size }
func (f fakeFileInfo) Mode() os.FileMode {
	if f.dir {
		return f.mode | os.ModeDir
	}
	return f.mode
}
func (f fakeFileInfo) ModTime() time.Time { return f.mtime }
func (f fakeFileInfo) IsDir() bool        { return f.dir }
func (f fakeFileInfo) Sys() any           { return f.sys }

func testSessionConfig() *SessionConfig {
	return &SessionConfig{
		Hostname:   "web-1.internal",
		Port:       22,
		Username:   "deploy",
		AuthMethod: AuthPassword,
		Password:   "pw",
		Timeout:    5 * time.Second,
	}
}

// newTestSession builds a session with millisecond backoff so
// reconnection tests finish quickly.
func newTestSession(t *testing.T, d *fakeDialer) *Session {
	t.Helper()
	s, err := NewSession("conn-test", testSessionConfig(), NewAuthenticator(zerolog.Nop()), zerolog.Nop())
	require.NoError(t, err)
	s.dial = d.dial
	s.reconnectBaseDelay = time.Millisecond
	s.healthCheckTimeout = 50 * time.Millisecond
	return s
}

func newTestPool(t *testing.T, max int, d *fakeDialer) *Pool {
	t.Helper()
	p := NewPool(PoolConfig{
		MaxConnections:      max,
		HealthCheckInterval: 20 * time.Millisecond,
	}, NewAuthenticator(zerolog.Nop()), zerolog.Nop())
	if d != nil {
		p.dial = d.dial
	}
	return p
}
