package ssh

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"sshmux-mcp/internal/mcperr"
)

// Pool limits.
const (
	DefaultMaxConnections      = 10
	DefaultHealthCheckInterval = 30 * time.Second
)

// PoolConfig tunes the connection pool. Zero values fall back to the
// defaults above.
type PoolConfig struct {
	MaxConnections      int
	HealthCheckInterval time.Duration
}

// Pool owns every live Session, keyed by an opaque UUID handle. All
// map access happens under mu; network dials never do, so a slow
// handshake cannot stall handle lookups or the monitor.
type Pool struct {
	cfg  PoolConfig
	auth *Authenticator
	log  zerolog.Logger

	mu       sync.Mutex
	sessions map[string]*Session
	running  bool
	stopCh   chan struct{}
	cancel   context.CancelFunc

	monitorWG sync.WaitGroup

	totalCreated  atomic.Int64
	totalCommands atomic.Int64
	startTime     time.Time

	// dial overrides the production dialer for sessions this pool
	// creates. Tests install stub transports through it.
	dial dialFunc
}

// PoolStats is a point-in-time view of pool activity.
type PoolStats struct {
	ActiveConnections int     `json:"active_connections"`
	MaxConnections    int     `json:"max_connections"`
	TotalCreated      int64   `json:"total_created"`
	TotalCommands     int64   `json:"total_commands"`
	UptimeSeconds     float64 `json:"uptime_seconds"`
}

// NewPool builds an empty pool. Call Start to run the background
// health monitor and Stop to tear everything down.
func NewPool(cfg PoolConfig, auth *Authenticator, logger zerolog.Logger) *Pool {
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = DefaultMaxConnections
	}
	if cfg.HealthCheckInterval <= 0 {
		cfg.HealthCheckInterval = DefaultHealthCheckInterval
	}
	return &Pool{
		cfg:       cfg,
		auth:      auth,
		log:       logger.With().Str("component", "pool").Logger(),
		sessions:  make(map[string]*Session),
		startTime: time.Now(),
	}
}

// Start launches the health monitor. Calling it on a running pool is a
// no-op.
func (p *Pool) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return
	}
	p.running = true
	p.stopCh = make(chan struct{})
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel

	p.monitorWG.Add(1)
	go p.monitor(ctx, p.stopCh)
	p.log.Info().
		Dur("interval", p.cfg.HealthCheckInterval).
		Int("max_connections", p.cfg.MaxConnections).
		Msg("connection monitor started")
}

// Stop halts the monitor, waits for it, then disconnects every
// session. Safe to call repeatedly.
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	close(p.stopCh)
	p.cancel()
	p.mu.Unlock()

	p.monitorWG.Wait()
	n := p.DisconnectAll()
	p.log.Info().Int("disconnected", n).Msg("pool stopped")
}

// CreateConnection admits a new session, dials it, and registers it
// under a fresh handle. The dial happens outside the lock so a slow
// handshake cannot block unrelated pool operations; two concurrent
// creators can both pass the capacity check, so the cap may be
// overshot by the number of in-flight dials.
func (p *Pool) CreateConnection(ctx context.Context, cfg *SessionConfig) (string, error) {
	p.mu.Lock()
	active := len(p.sessions)
	if active >= p.cfg.MaxConnections {
		p.mu.Unlock()
		return "", mcperr.Newf(mcperr.ToolError,
			"Connection limit reached: %d of %d connections in use",
			active, p.cfg.MaxConnections).
			WithData("max_connections", p.cfg.MaxConnections)
	}
	p.mu.Unlock()

	id := uuid.NewString()
	s, err := NewSession(id, cfg, p.auth, p.log)
	if err != nil {
		return "", err
	}
	if p.dial != nil {
		s.dial = p.dial
	}

	if err := s.Connect(ctx); err != nil {
		return "", err
	}

	p.mu.Lock()
	p.sessions[id] = s
	p.mu.Unlock()

	p.totalCreated.Add(1)
	p.log.Info().
		Str("connection_id", id).
		Str("host", cfg.Hostname).
		Str("user", cfg.Username).
		Msg("connection created")
	return id, nil
}

// GetConnection resolves a handle.
func (p *Pool) GetConnection(id string) (*Session, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.sessions[id]
	return s, ok
}

// ConnectionInfo snapshots one session for the wire.
func (p *Pool) ConnectionInfo(id string) (ConnectionInfo, bool) {
	s, ok := p.GetConnection(id)
	if !ok {
		return ConnectionInfo{}, false
	}
	return s.Info(), true
}

// DisconnectConnection closes and removes one session. Returns false
// when the handle is unknown, which makes repeated disconnects safe.
func (p *Pool) DisconnectConnection(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.sessions[id]
	if !ok {
		return false
	}
	s.Disconnect()
	delete(p.sessions, id)
	p.log.Info().Str("connection_id", id).Msg("connection removed")
	return true
}

// DisconnectAll snapshots the map, disconnects every session
// concurrently, and clears the map. Returns the number of sessions
// torn down.
func (p *Pool) DisconnectAll() int {
	p.mu.Lock()
	snapshot := make([]*Session, 0, len(p.sessions))
	for _, s := range p.sessions {
		snapshot = append(snapshot, s)
	}
	p.mu.Unlock()

	var wg sync.WaitGroup
	for _, s := range snapshot {
		wg.Add(1)
		go func(s *Session) {
			defer wg.Done()
			s.Disconnect()
		}(s)
	}
	wg.Wait()

	p.mu.Lock()
	p.sessions = make(map[string]*Session)
	p.mu.Unlock()
	return len(snapshot)
}

// ExecuteCommand runs a command on the session behind the handle.
func (p *Pool) ExecuteCommand(ctx context.Context, id, command string, timeout time.Duration) (*CommandResult, error) {
	s, ok := p.GetConnection(id)
	if !ok {
		return nil, errConnectionNotFound(id)
	}
	res, err := s.ExecuteCommand(ctx, command, timeout)
	if err != nil {
		return nil, err
	}
	p.totalCommands.Add(1)
	return res, nil
}

// ReadFile fetches a remote file through the session behind the
// handle.
func (p *Pool) ReadFile(ctx context.Context, id, filePath, encoding string) (string, error) {
	s, ok := p.GetConnection(id)
	if !ok {
		return "", errConnectionNotFound(id)
	}
	return s.ReadFile(ctx, filePath, encoding)
}

// WriteFile stores content through the session behind the handle.
func (p *Pool) WriteFile(ctx context.Context, id, filePath, content, encoding string, createDirs bool) (int, error) {
	s, ok := p.GetConnection(id)
	if !ok {
		return 0, errConnectionNotFound(id)
	}
	return s.WriteFile(ctx, filePath, content, encoding, createDirs)
}

// ListDirectory lists a remote directory through the session behind
// the handle.
func (p *Pool) ListDirectory(ctx context.Context, id, dirPath string, showHidden, detailed bool) ([]DirEntry, error) {
	s, ok := p.GetConnection(id)
	if !ok {
		return nil, errConnectionNotFound(id)
	}
	return s.ListDirectory(ctx, dirPath, showHidden, detailed)
}

// ListConnections snapshots every session, ordered by handle for
// stable output.
func (p *Pool) ListConnections() []ConnectionInfo {
	p.mu.Lock()
	snapshot := make([]*Session, 0, len(p.sessions))
	for _, s := range p.sessions {
		snapshot = append(snapshot, s)
	}
	p.mu.Unlock()

	infos := make([]ConnectionInfo, 0, len(snapshot))
	for _, s := range snapshot {
		infos = append(infos, s.Info())
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ConnectionID < infos[j].ConnectionID })
	return infos
}

// EnableAutoReconnect turns automatic recovery on for one session.
func (p *Pool) EnableAutoReconnect(id string) error {
	s, ok := p.GetConnection(id)
	if !ok {
		return errConnectionNotFound(id)
	}
	s.SetAutoReconnect(true)
	return nil
}

// DisableAutoReconnect turns automatic recovery off for one session.
func (p *Pool) DisableAutoReconnect(id string) error {
	s, ok := p.GetConnection(id)
	if !ok {
		return errConnectionNotFound(id)
	}
	s.SetAutoReconnect(false)
	return nil
}

// ForceReconnect redials one session immediately, ignoring the attempt
// budget.
func (p *Pool) ForceReconnect(ctx context.Context, id string) error {
	s, ok := p.GetConnection(id)
	if !ok {
		return errConnectionNotFound(id)
	}
	return s.ForceReconnect(ctx)
}

// CleanupUnhealthyConnections reaps sessions that are past recovery:
// lost with the attempt budget exhausted, or disconnected with
// reconnection disabled. Returns the number removed.
func (p *Pool) CleanupUnhealthyConnections() int {
	removed := 0
	for _, id := range p.handles() {
		s, ok := p.GetConnection(id)
		if !ok || !s.shouldCleanup() {
			continue
		}
		if p.DisconnectConnection(id) {
			removed++
			p.log.Info().Str("connection_id", id).Msg("unhealthy connection reaped")
		}
	}
	return removed
}

// AttemptReconnectAllLost force-reconnects every lost session that
// still wants automatic recovery. The result maps handle to outcome.
func (p *Pool) AttemptReconnectAllLost(ctx context.Context) map[string]bool {
	results := make(map[string]bool)
	var resultsMu sync.Mutex
	var wg sync.WaitGroup

	for _, id := range p.handles() {
		s, ok := p.GetConnection(id)
		if !ok || !s.IsLost() || !s.AutoReconnect() {
			continue
		}
		wg.Add(1)
		go func(id string, s *Session) {
			defer wg.Done()
			err := s.ForceReconnect(ctx)
			if err != nil {
				p.log.Warn().Err(err).Str("connection_id", id).Msg("reconnect attempt failed")
			}
			resultsMu.Lock()
			results[id] = err == nil
			resultsMu.Unlock()
		}(id, s)
	}
	wg.Wait()
	return results
}

// Stats reports pool activity counters.
func (p *Pool) Stats() PoolStats {
	p.mu.Lock()
	active := len(p.sessions)
	p.mu.Unlock()
	return PoolStats{
		ActiveConnections: active,
		MaxConnections:    p.cfg.MaxConnections,
		TotalCreated:      p.totalCreated.Load(),
		TotalCommands:     p.totalCommands.Load(),
		UptimeSeconds:     time.Since(p.startTime).Seconds(),
	}
}

// ActiveConnections returns the number of registered sessions.
func (p *Pool) ActiveConnections() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sessions)
}

func (p *Pool) handles() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := make([]string, 0, len(p.sessions))
	for id := range p.sessions {
		ids = append(ids, id)
	}
	return ids
}

// monitor drives periodic health sweeps until Stop closes stopCh.
func (p *Pool) monitor(ctx context.Context, stopCh chan struct{}) {
	defer p.monitorWG.Done()
	ticker := time.NewTicker(p.cfg.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			p.healthSweep(ctx)
		}
	}
}

// healthSweep probes every session whose check is due, then drives
// recovery: reconnect what was lost, reap what cannot come back.
// Failures here are logged, never fatal.
func (p *Pool) healthSweep(ctx context.Context) {
	snapshot := p.handles()
	var wg sync.WaitGroup
	for _, id := range snapshot {
		s, ok := p.GetConnection(id)
		if !ok || !s.healthCheckDue(p.cfg.HealthCheckInterval) {
			continue
		}
		wg.Add(1)
		go func(s *Session) {
			defer wg.Done()
			s.HealthCheck(ctx)
		}(s)
	}
	wg.Wait()

	healthy, lost, reconnecting := 0, 0, 0
	for _, id := range snapshot {
		s, ok := p.GetConnection(id)
		if !ok {
			continue
		}
		switch {
		case s.IsLost() && s.ReconnectAttempts() > 0:
			lost++
			reconnecting++
		case s.IsLost():
			lost++
		case s.IsConnected():
			healthy++
		}
	}
	p.log.Debug().
		Int("healthy", healthy).
		Int("lost", lost).
		Int("reconnecting", reconnecting).
		Int64("total_commands", p.totalCommands.Load()).
		Msg("health sweep complete")

	if lost == 0 {
		return
	}
	results := p.AttemptReconnectAllLost(ctx)
	recovered := 0
	for _, ok := range results {
		if ok {
			recovered++
		}
	}
	if len(results) > 0 {
		p.log.Info().
			Int("attempted", len(results)).
			Int("recovered", recovered).
			Msg("reconnect sweep complete")
	}
	if reaped := p.CleanupUnhealthyConnections(); reaped > 0 {
		p.log.Info().Int("reaped", reaped).Msg("cleanup sweep complete")
	}
}

func errConnectionNotFound(id string) *mcperr.Error {
	return mcperr.Newf(mcperr.ConnectionError, "Connection not found: %s", id).
		WithData("connection_id", id)
}
