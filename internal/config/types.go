package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Transport constants shared by the gateway endpoint and upstream launch
// specs.
const (
	// TransportStreamableHTTP is the streamable HTTP transport.
	TransportStreamableHTTP = "streamable-http"
	// TransportSSE is the Server-Sent Events transport.
	TransportSSE = "sse"
	// TransportStdio is the standard I/O transport.
	TransportStdio = "stdio"
)

// Duration wraps time.Duration with yaml support. It accepts Go duration
// strings ("30s", "5m") and bare integers, which are read as seconds.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var seconds int64
	if err := node.Decode(&seconds); err == nil {
		*d = Duration(time.Duration(seconds) * time.Second)
		return nil
	}
	var text string
	if err := node.Decode(&text); err != nil {
		return fmt.Errorf("invalid duration value: %w", err)
	}
	parsed, err := time.ParseDuration(text)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config is the top-level configuration structure for gantry.
type Config struct {
	Endpoint    EndpointConfig    `yaml:"endpoint,omitempty"`
	Upstreams   []UpstreamConfig  `yaml:"upstreams,omitempty"`
	Search      SearchConfig      `yaml:"search,omitempty"`
	Graph       GraphConfig       `yaml:"graph,omitempty"`
	Engine      EngineConfig      `yaml:"engine,omitempty"`
	Sandbox     SandboxConfig     `yaml:"sandbox,omitempty"`
	Speculation SpeculationConfig `yaml:"speculation,omitempty"`
	Embedding   EmbeddingConfig   `yaml:"embedding,omitempty"`
	Logging     LoggingConfig     `yaml:"logging,omitempty"`
}

// EndpointConfig describes the gateway's own MCP surface.
type EndpointConfig struct {
	Transport string `yaml:"transport,omitempty"` // Transport to serve on (default: streamable-http)
	Host      string `yaml:"host,omitempty"`      // Host to bind to (default: localhost)
	Port      int    `yaml:"port,omitempty"`      // Port for HTTP transports (default: 8090)
}

// UpstreamConfig is one upstream MCP server launch spec. Stdio servers set
// Command (plus Args/Env); HTTP and SSE servers set URL (plus Headers).
type UpstreamConfig struct {
	Name      string            `yaml:"name"`
	Transport string            `yaml:"transport,omitempty"` // stdio | streamable-http | sse (default: stdio when command set, else streamable-http)
	Command   string            `yaml:"command,omitempty"`
	Args      []string          `yaml:"args,omitempty"`
	Env       map[string]string `yaml:"env,omitempty"`
	URL       string            `yaml:"url,omitempty"`
	Headers   map[string]string `yaml:"headers,omitempty"`

	Timeout            Duration   `yaml:"timeout,omitempty"`              // per-call deadline (default: 30s)
	IdleTimeout        Duration   `yaml:"idle_timeout,omitempty"`         // close after inactivity (default: 5m, negative disables)
	MaxInFlight        int        `yaml:"max_in_flight,omitempty"`        // concurrent call cap per session (default: 64)
	RestartMaxAttempts int        `yaml:"restart_max_attempts,omitempty"` // restart budget per outage (default: 5)
	Tools              ToolFilter `yaml:"tools,omitempty"`
}

// ToolFilter selects which upstream tools are published. Deny wins over
// allow; an empty allow list admits everything.
type ToolFilter struct {
	Allow []string `yaml:"allow,omitempty"`
	Deny  []string `yaml:"deny,omitempty"`
}

// Admits reports whether the filter publishes the named tool.
func (f ToolFilter) Admits(name string) bool {
	for _, denied := range f.Deny {
		if denied == name {
			return false
		}
	}
	if len(f.Allow) == 0 {
		return true
	}
	for _, allowed := range f.Allow {
		if allowed == name {
			return true
		}
	}
	return false
}

// SearchConfig tunes hybrid ranking.
type SearchConfig struct {
	Weights SearchWeights `yaml:"weights,omitempty"`
}

// SearchWeights are the hybrid score coefficients. They are renormalized
// to sum to 1 at load time.
type SearchWeights struct {
	Similarity  float64 `yaml:"similarity,omitempty"`  // default: 0.6
	Relatedness float64 `yaml:"relatedness,omitempty"` // default: 0.25
	Priority    float64 `yaml:"priority,omitempty"`    // default: 0.15
}

// GraphConfig tunes the knowledge graph.
type GraphConfig struct {
	DecayLambda float64        `yaml:"decay_lambda,omitempty"` // weight decay per update cycle (default: 0.99)
	Epsilon     float64        `yaml:"epsilon,omitempty"`      // edges below this weight are dropped (default: 0.05)
	SampleEvery int            `yaml:"sample_every,omitempty"` // folds per decay/PageRank cycle (default: 10)
	PageRank    PageRankConfig `yaml:"pagerank,omitempty"`
}

// PageRankConfig tunes the power iteration.
type PageRankConfig struct {
	Damping       float64 `yaml:"damping,omitempty"`        // default: 0.85
	Tolerance     float64 `yaml:"tolerance,omitempty"`      // default: 1e-6
	MaxIterations int     `yaml:"max_iterations,omitempty"` // default: 50
}

// EngineConfig tunes the DAG engine.
type EngineConfig struct {
	MaxConcurrency int           `yaml:"max_concurrency,omitempty"` // per-layer parallelism cap (default: 10)
	TaskTimeout    Duration      `yaml:"task_timeout,omitempty"`    // per-task deadline (default: 30s)
	Retries        RetryConfig   `yaml:"retries,omitempty"`
	Pending        PendingConfig `yaml:"pending,omitempty"`
	HistoryDir     string        `yaml:"history_dir,omitempty"` // empty keeps execution history in memory only
}

// RetryConfig is the per-task retry budget for retryable errors.
type RetryConfig struct {
	Attempts    int      `yaml:"attempts,omitempty"`     // default: 3
	BackoffBase Duration `yaml:"backoff_base,omitempty"` // exponential backoff base (default: 200ms)
}

// PendingConfig tunes the pending-workflow store.
type PendingConfig struct {
	ApprovalTTL   Duration `yaml:"approval_ttl,omitempty"`   // checkpoint/per-layer pauses (default: 1h)
	DependencyTTL Duration `yaml:"dependency_ttl,omitempty"` // dependency/auth pauses (default: 5m)
	SweepInterval Duration `yaml:"sweep_interval,omitempty"` // expiry sweeper period (default: 30s)
}

// SandboxConfig tunes code execution.
type SandboxConfig struct {
	Timeout          Duration           `yaml:"timeout,omitempty"`            // wall clock per execution (default: 30s)
	MemoryLimit      int64              `yaml:"memory_limit,omitempty"`       // bytes (default: 512 MiB)
	PIIProtection    *bool              `yaml:"pii_protection,omitempty"`     // default: true
	AllowedReadPaths []string           `yaml:"allowed_read_paths,omitempty"` // read_file roots, empty denies all
	EnvAllowlist     []string           `yaml:"env_allowlist,omitempty"`      // env vars passed through to workers
	Cache            SandboxCacheConfig `yaml:"cache,omitempty"`
	DiscoveryLimit   int                `yaml:"discovery_limit,omitempty"` // intent-based tool injection cap (default: 5)
}

// SandboxCacheConfig tunes the execution result cache.
type SandboxCacheConfig struct {
	Enabled  *bool    `yaml:"enabled,omitempty"`  // default: true
	Capacity int      `yaml:"capacity,omitempty"` // default: 100
	TTL      Duration `yaml:"ttl,omitempty"`      // default: 10m
}

// SpeculationConfig tunes optional speculative execution.
type SpeculationConfig struct {
	Enabled       bool    `yaml:"enabled,omitempty"`        // default: false
	Threshold     float64 `yaml:"threshold,omitempty"`      // ancestor confidence gate (default: 0.8)
	MaxConcurrent int     `yaml:"max_concurrent,omitempty"` // shadow pool size (default: 2)
}

// EmbeddingConfig selects the embedding provider.
type EmbeddingConfig struct {
	Provider  string       `yaml:"provider,omitempty"`  // "local" (default) or "ollama"
	Dimension int          `yaml:"dimension,omitempty"` // local provider vector width (default: 256)
	Ollama    OllamaConfig `yaml:"ollama,omitempty"`
}

// OllamaConfig points at a local Ollama instance.
type OllamaConfig struct {
	URL   string `yaml:"url,omitempty"`   // default: http://localhost:11434
	Model string `yaml:"model,omitempty"` // default: nomic-embed-text
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	Level string `yaml:"level,omitempty"` // debug | info | warn | error (default: info)
}
