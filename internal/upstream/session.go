package upstream

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/mark3labs/mcp-go/mcp"
	"golang.org/x/sync/semaphore"

	"gantry/internal/api"
	"gantry/internal/config"
	"gantry/internal/trace"
	"gantry/pkg/logging"
)

// Restart backoff bounds per the supervision policy.
const (
	restartInitialInterval = 250 * time.Millisecond
	restartMaxInterval     = 30 * time.Second
	pingInterval           = 30 * time.Second
)

// Session is one supervised upstream connection. It owns the client, the
// health state machine, the in-flight cap, the idle timer, and the restart
// loop. All exported methods are safe for concurrent use.
type Session struct {
	cfg  config.UpstreamConfig
	dial Dialer

	// onToolsChanged is invoked with the fresh descriptor set after every
	// successful (re)connect and tools/list refresh.
	onToolsChanged func(s *Session, tools []api.ToolDescriptor)

	// inflight caps concurrent calls; submitters suspend when full.
	inflight *semaphore.Weighted

	mu        sync.RWMutex
	client    MCPClient
	health    api.HealthState
	lastSeen  time.Time
	restarts  int
	idleStop  bool
	tools     []api.ToolDescriptor
	idleTimer *time.Timer
	closed    bool

	// restarting guards against concurrent restart loops.
	restarting bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newSession(parent context.Context, cfg config.UpstreamConfig, dial Dialer, onToolsChanged func(*Session, []api.ToolDescriptor)) *Session {
	ctx, cancel := context.WithCancel(parent)
	return &Session{
		cfg:            cfg,
		dial:           dial,
		onToolsChanged: onToolsChanged,
		inflight:       semaphore.NewWeighted(int64(cfg.MaxInFlight)),
		health:         api.HealthStarting,
		ctx:            ctx,
		cancel:         cancel,
	}
}

// Name returns the configured server id.
func (s *Session) Name() string {
	return s.cfg.Name
}

// State returns a point-in-time health snapshot.
func (s *Session) State() api.ServerState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return api.ServerState{
		Name:      s.cfg.Name,
		Health:    s.health,
		ToolCount: len(s.tools),
		LastSeen:  s.lastSeen,
		Restarts:  s.restarts,
		IdleStop:  s.idleStop,
	}
}

// Tools returns the published descriptor set.
func (s *Session) Tools() []api.ToolDescriptor {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]api.ToolDescriptor, len(s.tools))
	copy(out, s.tools)
	return out
}

// start performs the initial connect and launches the health monitor. A
// failed first connect leaves the session unhealthy with the restart loop
// armed; it never fails the manager.
func (s *Session) start() {
	if err := s.connect(); err != nil {
		logging.Error("Upstream", err, "Failed to start upstream %s", s.cfg.Name)
		s.beginRestart()
	}

	s.wg.Add(1)
	go s.monitor()
}

// connect dials, handshakes, lists tools, and publishes the descriptor
// set. On success the session is healthy and the idle timer is armed.
func (s *Session) connect() error {
	client, err := s.dial()
	if err != nil {
		return err
	}

	connectCtx, cancel := context.WithTimeout(s.ctx, s.cfg.Timeout.Std())
	defer cancel()

	if err := client.Initialize(connectCtx); err != nil {
		_ = client.Close()
		return err
	}

	tools, err := client.ListTools(connectCtx)
	if err != nil {
		_ = client.Close()
		return err
	}
	descriptors := s.describeTools(tools)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = client.Close()
		return nil
	}
	if s.client != nil {
		_ = s.client.Close()
	}
	s.client = client
	s.health = api.HealthHealthy
	s.lastSeen = time.Now()
	s.idleStop = false
	s.tools = descriptors
	s.armIdleTimerLocked()
	s.mu.Unlock()

	logging.Info("Upstream", "Connected to %s (%d tools)", s.cfg.Name, len(descriptors))
	s.onToolsChanged(s, descriptors)
	return nil
}

// describeTools converts the wire tool list into descriptors, applying the
// allow/deny filter and stamping content hashes.
func (s *Session) describeTools(tools []mcp.Tool) []api.ToolDescriptor {
	now := time.Now()
	out := make([]api.ToolDescriptor, 0, len(tools))
	for _, t := range tools {
		if !s.cfg.Tools.Admits(t.Name) {
			continue
		}
		schema := schemaToMap(t.InputSchema)
		out = append(out, api.ToolDescriptor{
			Server:      s.cfg.Name,
			Name:        t.Name,
			Description: t.Description,
			InputSchema: schema,
			Hash:        trace.Fingerprint([]interface{}{t.Name, t.Description, schema}),
			UpdatedAt:   now,
		})
	}
	return out
}

// Call issues tools/call on this session. Closed-idle sessions respawn
// transparently. The per-call deadline defaults to the configured timeout
// when the caller brought none.
func (s *Session) Call(ctx context.Context, tool string, args map[string]interface{}) (*api.CallToolResult, error) {
	client, err := s.ensureConnected(ctx)
	if err != nil {
		return nil, err
	}

	if err := s.inflight.Acquire(ctx, 1); err != nil {
		if ctxErr := api.FromContext(ctx); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, api.WrapError(api.ErrInternal, err, "in-flight slot acquisition failed")
	}
	defer s.inflight.Release(1)

	callCtx := ctx
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, s.cfg.Timeout.Std())
		defer cancel()
	}

	result, err := client.CallTool(callCtx, tool, args)
	s.touch()
	if err != nil {
		return nil, s.mapCallError(callCtx, tool, err)
	}
	if result == nil {
		return nil, api.Errorf(api.ErrUpstreamProtocol, "upstream %s returned an empty tools/call response", s.cfg.Name)
	}
	return convertResult(result), nil
}

// mapCallError classifies a tools/call failure. Deadline and cancellation
// are the caller's; anything else is a transport fault that poisons the
// session and arms a restart. Timeouts are fatal for the call but leave
// the session alone; the heartbeat decides whether the session is dead.
func (s *Session) mapCallError(ctx context.Context, tool string, err error) error {
	if ctxErr := api.FromContext(ctx); ctxErr != nil {
		return ctxErr.WithDetail("server", s.cfg.Name).WithDetail("tool", tool)
	}
	if isProtocolError(err) {
		return api.WrapError(api.ErrUpstreamProtocol, err, "malformed response from %s", s.cfg.Name).
			WithDetail("tool", tool)
	}
	s.beginRestart()
	return api.WrapError(api.ErrUpstreamTransport, err, "transport failure on %s", s.cfg.Name).
		WithDetail("tool", tool)
}

// isProtocolError distinguishes malformed-response failures from transport
// faults. mcp-go surfaces JSON decode failures with these markers.
func isProtocolError(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "invalid character") ||
		strings.Contains(msg, "unmarshal") ||
		strings.Contains(msg, "unexpected end of JSON")
}

// ensureConnected returns a healthy client, respawning a closed-idle
// session on demand. Unhealthy sessions with an exhausted restart budget
// get one fresh attempt per call.
func (s *Session) ensureConnected(ctx context.Context) (MCPClient, error) {
	s.mu.RLock()
	client, health, idle := s.client, s.health, s.idleStop
	s.mu.RUnlock()

	if health == api.HealthHealthy && client != nil {
		return client, nil
	}

	if idle || health == api.HealthClosed {
		logging.Debug("Upstream", "Respawning idle-stopped upstream %s", s.cfg.Name)
	}
	if err := s.connect(); err != nil {
		s.markUnhealthy()
		return nil, api.WrapError(api.ErrUpstreamTransport, err, "upstream %s is unavailable", s.cfg.Name)
	}

	s.mu.RLock()
	client = s.client
	s.mu.RUnlock()
	if client == nil {
		return nil, api.Errorf(api.ErrUpstreamTransport, "upstream %s is closed", s.cfg.Name)
	}
	return client, nil
}

// refreshTools re-lists tools and republishes on change. Called on
// notifications/tools/list_changed and by the monitor.
func (s *Session) refreshTools() {
	s.mu.RLock()
	client := s.client
	s.mu.RUnlock()
	if client == nil {
		return
	}

	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.Timeout.Std())
	defer cancel()

	tools, err := client.ListTools(ctx)
	if err != nil {
		logging.Warn("Upstream", "tools/list refresh failed for %s: %v", s.cfg.Name, err)
		return
	}
	descriptors := s.describeTools(tools)

	s.mu.Lock()
	changed := !sameDescriptors(s.tools, descriptors)
	if changed {
		s.tools = descriptors
	}
	s.mu.Unlock()

	if changed {
		s.onToolsChanged(s, descriptors)
	}
}

// monitor pings on a ticker. Ping failure on a healthy session transitions
// it to unhealthy and arms the restart loop; a healthy ping resets the
// restart counter.
func (s *Session) monitor() {
	defer s.wg.Done()

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
		}

		s.mu.RLock()
		client, health := s.client, s.health
		s.mu.RUnlock()
		if client == nil || health != api.HealthHealthy {
			continue
		}

		pingCtx, cancel := context.WithTimeout(s.ctx, s.cfg.Timeout.Std())
		err := client.Ping(pingCtx)
		cancel()
		if err != nil {
			logging.Warn("Upstream", "Heartbeat failed for %s: %v", s.cfg.Name, err)
			s.beginRestart()
			continue
		}

		s.mu.Lock()
		s.lastSeen = time.Now()
		s.restarts = 0
		s.mu.Unlock()
	}
}

// beginRestart marks the session unhealthy and launches the supervised
// restart loop, unless one is already running or the session is closed.
func (s *Session) beginRestart() {
	s.mu.Lock()
	if s.closed || s.restarting {
		s.mu.Unlock()
		return
	}
	s.restarting = true
	s.health = api.HealthUnhealthy
	if s.client != nil {
		_ = s.client.Close()
		s.client = nil
	}
	s.mu.Unlock()

	s.wg.Add(1)
	go s.restartLoop()
}

// restartLoop reconnects with exponential backoff and jitter, bounded by
// the configured attempt budget. Exhaustion leaves the session unhealthy;
// the next explicit call re-attempts once.
func (s *Session) restartLoop() {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		s.restarting = false
		s.mu.Unlock()
	}()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = restartInitialInterval
	bo.MaxInterval = restartMaxInterval
	bo.MaxElapsedTime = 0
	bo.Reset()

	for attempt := 1; attempt <= s.cfg.RestartMaxAttempts; attempt++ {
		wait := bo.NextBackOff()
		select {
		case <-s.ctx.Done():
			return
		case <-time.After(wait):
		}

		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return
		}
		s.restarts++
		s.mu.Unlock()

		logging.Info("Upstream", "Restart attempt %d/%d for %s", attempt, s.cfg.RestartMaxAttempts, s.cfg.Name)
		if err := s.connect(); err != nil {
			logging.Warn("Upstream", "Restart attempt %d for %s failed: %v", attempt, s.cfg.Name, err)
			continue
		}
		return
	}
	logging.Error("Upstream", nil, "Restart budget exhausted for %s; next call will retry", s.cfg.Name)
}

func (s *Session) markUnhealthy() {
	s.mu.Lock()
	if !s.closed && s.health == api.HealthHealthy {
		s.health = api.HealthUnhealthy
	}
	s.mu.Unlock()
}

// touch records activity and re-arms the idle timer.
func (s *Session) touch() {
	s.mu.Lock()
	s.lastSeen = time.Now()
	s.armIdleTimerLocked()
	s.mu.Unlock()
}

func (s *Session) armIdleTimerLocked() {
	idle := s.cfg.IdleTimeout.Std()
	if idle <= 0 {
		return
	}
	if s.idleTimer != nil {
		s.idleTimer.Stop()
	}
	s.idleTimer = time.AfterFunc(idle, s.idleShutdown)
}

// idleShutdown closes the connection after the idle interval. The session
// stays registered; the next call respawns it.
func (s *Session) idleShutdown() {
	s.mu.Lock()
	if s.closed || s.client == nil {
		s.mu.Unlock()
		return
	}
	if time.Since(s.lastSeen) < s.cfg.IdleTimeout.Std() {
		// A call raced the timer; it re-armed already.
		s.mu.Unlock()
		return
	}
	client := s.client
	s.client = nil
	s.health = api.HealthClosed
	s.idleStop = true
	s.mu.Unlock()

	logging.Info("Upstream", "Closing idle upstream %s", s.cfg.Name)
	_ = client.Close()
}

// stop shuts the session down for good: close the client, cancel the
// monitor and restart loops, wait for them. Idempotent.
func (s *Session) stop() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.health = api.HealthClosed
	client := s.client
	s.client = nil
	if s.idleTimer != nil {
		s.idleTimer.Stop()
	}
	s.mu.Unlock()

	if client != nil {
		_ = client.Close()
	}
	s.cancel()
	s.wg.Wait()
}

func sameDescriptors(a, b []api.ToolDescriptor) bool {
	if len(a) != len(b) {
		return false
	}
	hashes := make(map[string]string, len(a))
	for _, d := range a {
		hashes[d.ID()] = d.Hash
	}
	for _, d := range b {
		if hashes[d.ID()] != d.Hash {
			return false
		}
	}
	return true
}
