package app

import (
	"context"
	"os"

	"gantry/internal/api"
	"gantry/internal/config"
	"gantry/internal/embed"
	"gantry/internal/engine"
	"gantry/internal/gateway"
	"gantry/internal/graph"
	"gantry/internal/metatools"
	"gantry/internal/registry"
	"gantry/internal/sandbox"
	"gantry/internal/trace"
	"gantry/internal/upstream"
	"gantry/internal/vecstore"
	"gantry/pkg/logging"
)

// Options are the bootstrap knobs the CLI passes through.
type Options struct {
	// ConfigPath is the directory holding config.yaml. Empty uses
	// ~/.config/gantry.
	ConfigPath string

	// LogLevel overrides the config file's logging.level when set.
	LogLevel string

	// Version is the build version injected at link time.
	Version string
}

// Application owns every component of a running gateway.
type Application struct {
	cfg        config.Config
	configPath string

	ring     *trace.Ring
	folder   *trace.Folder
	graph    *graph.Graph
	embedder embed.Provider
	store    vecstore.Store
	registry *registry.Registry
	upstream *upstream.Manager
	sandbox  *sandbox.Runtime
	engine   *engine.Engine
	gateway  *gateway.Server
	watcher  *config.Watcher
}

// NewApplication loads configuration and builds all components in
// dependency order. Nothing is started; Run brings the gateway up.
func NewApplication(opts Options) (*Application, error) {
	// Logs go to stderr so the stdio transport keeps stdout for the
	// protocol.
	level := logging.ParseLevel(opts.LogLevel)
	logging.Init(level, os.Stderr)

	configPath := opts.ConfigPath
	if configPath == "" {
		configPath = config.GetDefaultConfigPathOrPanic()
	}
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		logging.Error("Bootstrap", err, "Failed to load configuration from %s", configPath)
		return nil, err
	}
	if opts.LogLevel == "" && cfg.Logging.Level != "" {
		logging.Init(logging.ParseLevel(cfg.Logging.Level), os.Stderr)
	}

	ring := trace.NewRing(0)
	knowledge := graph.New(cfg.Graph)
	folder := trace.NewFolder(knowledge, 0)

	embedder, err := embed.New(cfg.Embedding)
	if err != nil {
		return nil, api.WrapError(api.ErrConfig, err, "building embedding provider")
	}
	store, err := vecstore.NewChromem("")
	if err != nil {
		return nil, api.WrapError(api.ErrInternal, err, "building vector store")
	}

	app := &Application{
		cfg:        cfg,
		configPath: configPath,
		ring:       ring,
		folder:     folder,
		graph:      knowledge,
		embedder:   embedder,
		store:      store,
		registry:   registry.New(cfg.Search, embedder, store),
		upstream:   upstream.NewManager(),
		sandbox:    sandbox.NewRuntime(cfg.Sandbox, ring),
		engine:     engine.New(cfg.Engine, cfg.Speculation, ring),
	}
	app.gateway = gateway.NewServer(cfg.Endpoint, opts.Version, metatools.NewProvider())
	return app, nil
}

// Run starts the gateway and blocks until the context is cancelled, then
// shuts everything down in reverse order.
func (a *Application) Run(ctx context.Context) error {
	// Handlers first: the registry must be subscribed before upstreams
	// publish their initial tool sets.
	a.graph.Register()
	a.registry.Register()
	a.sandbox.Register()
	a.engine.Register()
	a.upstream.Register()

	a.folder.Attach(a.ring)

	if err := a.upstream.Start(ctx, a.cfg.Upstreams); err != nil {
		return err
	}
	if err := a.gateway.Start(ctx); err != nil {
		a.shutdown()
		return err
	}

	a.watcher = config.NewWatcher(config.WatcherConfig{
		ConfigDir: a.configPath,
		OnChange:  a.reload,
	})
	if err := a.watcher.Start(); err != nil {
		logging.Warn("Bootstrap", "Config watcher disabled: %v", err)
		a.watcher = nil
	}

	logging.Info("Bootstrap", "Gateway ready on %s", a.gateway.Endpoint())

	<-ctx.Done()
	logging.Info("Bootstrap", "Shutting down")
	a.shutdown()
	return nil
}

// reload re-reads the config file and reconciles the upstream set. Other
// sections need a restart; a bad file leaves the running config in place.
func (a *Application) reload() {
	cfg, err := config.LoadConfig(a.configPath)
	if err != nil {
		logging.Error("Bootstrap", err, "Config reload failed, keeping running configuration")
		return
	}
	a.upstream.ApplyConfig(cfg.Upstreams)
	logging.Info("Bootstrap", "Config reloaded: %d upstreams", len(cfg.Upstreams))
}

// shutdown tears components down in reverse bring-up order.
func (a *Application) shutdown() {
	if a.watcher != nil {
		if err := a.watcher.Stop(); err != nil {
			logging.Warn("Bootstrap", "Config watcher stop: %v", err)
		}
		a.watcher = nil
	}
	if err := a.gateway.Stop(context.Background()); err != nil {
		logging.Warn("Bootstrap", "Gateway stop: %v", err)
	}
	a.upstream.Stop()
	a.engine.Close()
	a.sandbox.Close()
	a.folder.Stop()
	a.graph.Close()
	if err := a.store.Close(); err != nil {
		logging.Warn("Bootstrap", "Vector store close: %v", err)
	}
	if err := a.embedder.Close(); err != nil {
		logging.Warn("Bootstrap", "Embedding provider close: %v", err)
	}
}
