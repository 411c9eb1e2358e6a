package upstream

import (
	"context"
	"reflect"
	"sort"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v4"

	"gantry/internal/api"
	"gantry/internal/config"
	"gantry/pkg/logging"
)

// Manager owns every configured upstream session and exposes the uniform
// call surface the rest of the gateway uses.
type Manager struct {
	sessions *xsync.Map[string, *Session]

	// dialerFor is swapped in tests to inject fake clients.
	dialerFor func(cfg config.UpstreamConfig) (Dialer, error)

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	started bool
}

// NewManager creates a manager with no sessions. Start launches them.
func NewManager() *Manager {
	return &Manager{
		sessions:  xsync.NewMap[string, *Session](),
		dialerFor: NewDialer,
	}
}

// Start launches all configured upstreams concurrently and returns once
// every initial connection attempt has settled. Per-server failures are
// logged and leave that session in its restart loop; they never abort the
// others.
func (m *Manager) Start(ctx context.Context, upstreams []config.UpstreamConfig) error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return api.Errorf(api.ErrInternal, "upstream manager already started")
	}
	m.started = true
	m.ctx, m.cancel = context.WithCancel(ctx)
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, cfg := range upstreams {
		cfg := cfg
		config.ApplyUpstreamDefaults(&cfg)
		if err := m.addSession(cfg); err != nil {
			logging.Error("Upstream", err, "Skipping misconfigured upstream %s", cfg.Name)
			continue
		}
		session, _ := m.sessions.Load(cfg.Name)
		wg.Add(1)
		go func() {
			defer wg.Done()
			session.start()
		}()
	}
	wg.Wait()
	return nil
}

// addSession validates the launch spec, builds the session, and registers it.
func (m *Manager) addSession(cfg config.UpstreamConfig) error {
	if cfg.Name == "" {
		return api.Errorf(api.ErrConfig, "upstream name must not be empty")
	}
	dial, err := m.dialerFor(cfg)
	if err != nil {
		return api.WrapError(api.ErrConfig, err, "invalid upstream %s", cfg.Name)
	}

	session := newSession(m.ctx, cfg, dial, m.publishTools)
	if _, loaded := m.sessions.LoadOrStore(cfg.Name, session); loaded {
		return api.Errorf(api.ErrConfig, "duplicate upstream name: %s", cfg.Name)
	}
	return nil
}

// publishTools forwards a session's fresh descriptor set to subscribers.
func (m *Manager) publishTools(s *Session, tools []api.ToolDescriptor) {
	api.PublishToolUpdateEvent(api.ToolUpdateEvent{
		Type:       api.ToolsEventChanged,
		ServerName: s.Name(),
		Tools:      tools,
		Timestamp:  time.Now(),
	})
}

// CallTool implements api.UpstreamHandler. Unknown servers are validation
// errors, not transport errors: no retry will make them appear.
func (m *Manager) CallTool(ctx context.Context, server, tool string, args map[string]interface{}) (*api.CallToolResult, error) {
	session, ok := m.sessions.Load(server)
	if !ok {
		return nil, api.Errorf(api.ErrValidation, "unknown upstream server: %s", server).
			WithDetail("server", server)
	}
	return session.Call(ctx, tool, args)
}

// ListTools implements api.UpstreamHandler: the merged descriptor set
// across all sessions, sorted by id.
func (m *Manager) ListTools() []api.ToolDescriptor {
	var out []api.ToolDescriptor
	m.sessions.Range(func(_ string, s *Session) bool {
		out = append(out, s.Tools()...)
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// States implements api.UpstreamHandler.
func (m *Manager) States() []api.ServerState {
	var out []api.ServerState
	m.sessions.Range(func(_ string, s *Session) bool {
		out = append(out, s.State())
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// NotifyToolsChanged handles notifications/tools/list_changed for one
// server by re-listing its tools.
func (m *Manager) NotifyToolsChanged(server string) {
	if session, ok := m.sessions.Load(server); ok {
		session.refreshTools()
	}
}

// ApplyConfig reconciles the session set against a reloaded config:
// removed upstreams stop, new ones start, changed launch specs restart
// with the new spec. Unchanged sessions are left alone.
func (m *Manager) ApplyConfig(upstreams []config.UpstreamConfig) {
	desired := make(map[string]config.UpstreamConfig, len(upstreams))
	for _, cfg := range upstreams {
		cfg := cfg
		config.ApplyUpstreamDefaults(&cfg)
		desired[cfg.Name] = cfg
	}

	// Stop removed and changed sessions.
	var toStart []config.UpstreamConfig
	m.sessions.Range(func(name string, s *Session) bool {
		next, keep := desired[name]
		if keep && reflect.DeepEqual(s.cfg, next) {
			delete(desired, name)
			return true
		}
		logging.Info("Upstream", "Config reload: stopping %s", name)
		m.removeSession(name)
		if keep {
			toStart = append(toStart, next)
			delete(desired, name)
		}
		return true
	})
	for _, cfg := range desired {
		toStart = append(toStart, cfg)
	}

	for _, cfg := range toStart {
		logging.Info("Upstream", "Config reload: starting %s", cfg.Name)
		if err := m.addSession(cfg); err != nil {
			logging.Error("Upstream", err, "Config reload: failed to add %s", cfg.Name)
			continue
		}
		if session, ok := m.sessions.Load(cfg.Name); ok {
			go session.start()
		}
	}
}

// removeSession stops a session and announces its tools' departure.
func (m *Manager) removeSession(name string) {
	session, ok := m.sessions.LoadAndDelete(name)
	if !ok {
		return
	}
	session.stop()
	api.PublishToolUpdateEvent(api.ToolUpdateEvent{
		Type:       api.ToolsEventDeregistered,
		ServerName: name,
		Timestamp:  time.Now(),
	})
}

// Stop shuts every session down and waits for their supervision loops.
// Idempotent.
func (m *Manager) Stop() {
	m.mu.Lock()
	cancel := m.cancel
	m.cancel = nil
	m.mu.Unlock()

	var names []string
	m.sessions.Range(func(name string, _ *Session) bool {
		names = append(names, name)
		return true
	})
	var wg sync.WaitGroup
	for _, name := range names {
		session, ok := m.sessions.LoadAndDelete(name)
		if !ok {
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			session.stop()
		}()
	}
	wg.Wait()

	if cancel != nil {
		cancel()
	}
}

// Register publishes the manager through the API service locator.
func (m *Manager) Register() {
	api.RegisterUpstream(m)
}

var _ api.UpstreamHandler = (*Manager)(nil)
