package config

import "time"

// Default values applied before overlaying the user's config file.
const (
	DefaultHost      = "localhost"
	DefaultPort      = 8090
	DefaultTransport = TransportStreamableHTTP

	DefaultUpstreamTimeout     = 30 * time.Second
	DefaultUpstreamIdleTimeout = 5 * time.Minute
	DefaultUpstreamMaxInFlight = 64
	DefaultRestartMaxAttempts  = 5

	DefaultMaxConcurrency   = 10
	DefaultTaskTimeout      = 30 * time.Second
	DefaultRetryAttempts    = 3
	DefaultRetryBackoffBase = 200 * time.Millisecond

	DefaultApprovalTTL   = time.Hour
	DefaultDependencyTTL = 5 * time.Minute
	DefaultSweepInterval = 30 * time.Second

	DefaultSandboxTimeout     = 30 * time.Second
	DefaultSandboxMemoryLimit = 512 << 20
	DefaultCacheCapacity      = 100
	DefaultCacheTTL           = 10 * time.Minute
	DefaultDiscoveryLimit     = 5

	DefaultDecayLambda       = 0.99
	DefaultEpsilon           = 0.05
	DefaultSampleEvery       = 10
	DefaultPageRankDamping   = 0.85
	DefaultPageRankTolerance = 1e-6
	DefaultPageRankMaxIter   = 50

	DefaultWeightSimilarity  = 0.6
	DefaultWeightRelatedness = 0.25
	DefaultWeightPriority    = 0.15

	DefaultSpeculationThreshold = 0.8
	DefaultSpeculationWorkers   = 2

	DefaultEmbeddingProvider  = "local"
	DefaultEmbeddingDimension = 256
	DefaultOllamaURL          = "http://localhost:11434"
	DefaultOllamaModel        = "nomic-embed-text"
)

func boolPtr(v bool) *bool { return &v }

// DefaultConfig returns the configuration the gateway runs with when no
// config file exists. User files overlay these values field by field.
func DefaultConfig() Config {
	return Config{
		Endpoint: EndpointConfig{
			Transport: DefaultTransport,
			Host:      DefaultHost,
			Port:      DefaultPort,
		},
		Search: SearchConfig{
			Weights: SearchWeights{
				Similarity:  DefaultWeightSimilarity,
				Relatedness: DefaultWeightRelatedness,
				Priority:    DefaultWeightPriority,
			},
		},
		Graph: GraphConfig{
			DecayLambda: DefaultDecayLambda,
			Epsilon:     DefaultEpsilon,
			SampleEvery: DefaultSampleEvery,
			PageRank: PageRankConfig{
				Damping:       DefaultPageRankDamping,
				Tolerance:     DefaultPageRankTolerance,
				MaxIterations: DefaultPageRankMaxIter,
			},
		},
		Engine: EngineConfig{
			MaxConcurrency: DefaultMaxConcurrency,
			TaskTimeout:    Duration(DefaultTaskTimeout),
			Retries: RetryConfig{
				Attempts:    DefaultRetryAttempts,
				BackoffBase: Duration(DefaultRetryBackoffBase),
			},
			Pending: PendingConfig{
				ApprovalTTL:   Duration(DefaultApprovalTTL),
				DependencyTTL: Duration(DefaultDependencyTTL),
				SweepInterval: Duration(DefaultSweepInterval),
			},
		},
		Sandbox: SandboxConfig{
			Timeout:        Duration(DefaultSandboxTimeout),
			MemoryLimit:    DefaultSandboxMemoryLimit,
			PIIProtection:  boolPtr(true),
			DiscoveryLimit: DefaultDiscoveryLimit,
			Cache: SandboxCacheConfig{
				Enabled:  boolPtr(true),
				Capacity: DefaultCacheCapacity,
				TTL:      Duration(DefaultCacheTTL),
			},
		},
		Speculation: SpeculationConfig{
			Enabled:       false,
			Threshold:     DefaultSpeculationThreshold,
			MaxConcurrent: DefaultSpeculationWorkers,
		},
		Embedding: EmbeddingConfig{
			Provider:  DefaultEmbeddingProvider,
			Dimension: DefaultEmbeddingDimension,
			Ollama: OllamaConfig{
				URL:   DefaultOllamaURL,
				Model: DefaultOllamaModel,
			},
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// ApplyUpstreamDefaults fills the zero fields of an upstream spec.
func ApplyUpstreamDefaults(u *UpstreamConfig) {
	if u.Transport == "" {
		if u.Command != "" {
			u.Transport = TransportStdio
		} else {
			u.Transport = TransportStreamableHTTP
		}
	}
	if u.Timeout == 0 {
		u.Timeout = Duration(DefaultUpstreamTimeout)
	}
	if u.IdleTimeout == 0 {
		u.IdleTimeout = Duration(DefaultUpstreamIdleTimeout)
	}
	if u.MaxInFlight <= 0 {
		u.MaxInFlight = DefaultUpstreamMaxInFlight
	}
	if u.RestartMaxAttempts <= 0 {
		u.RestartMaxAttempts = DefaultRestartMaxAttempts
	}
}
