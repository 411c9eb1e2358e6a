package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"gantry/internal/api"
	"gantry/pkg/logging"

	"gopkg.in/yaml.v3"
)

const (
	userConfigDir  = ".config/gantry"
	configFileName = "config.yaml"
)

// GetDefaultConfigPathOrPanic returns ~/.config/gantry. It panics when the
// home directory cannot be determined, which only happens in broken
// environments where no configuration could be loaded anyway.
func GetDefaultConfigPathOrPanic() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		panic(fmt.Errorf("could not determine user config directory: %w", err))
	}

	return filepath.Join(homeDir, userConfigDir)
}

// LoadConfig loads configuration from the specified directory. The
// directory is expected to contain config.yaml; a missing file yields the
// defaults. Unknown keys and malformed values are CONFIG errors.
func LoadConfig(configPath string) (Config, error) {
	configFilePath := filepath.Join(configPath, configFileName)
	cfg := DefaultConfig()

	data, err := os.ReadFile(configFilePath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			logging.Info("ConfigLoader", "No config.yaml found at %s, using defaults", configFilePath)
			return cfg, nil
		}
		return Config{}, api.WrapError(api.ErrConfig, err, "reading config from %s", configFilePath)
	}

	if err := unmarshalStrict(data, &cfg); err != nil {
		return Config{}, api.WrapError(api.ErrConfig, err, "parsing config from %s", configFilePath)
	}

	if err := Validate(&cfg); err != nil {
		return Config{}, err
	}

	logging.Info("ConfigLoader", "Loaded configuration from %s", configFilePath)
	return cfg, nil
}

// unmarshalStrict decodes yaml with unknown-field rejection, so typos in
// option names fail loudly instead of silently using defaults.
func unmarshalStrict(data []byte, out *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(out); err != nil && err != io.EOF {
		return err
	}
	return nil
}

// Validate checks cross-field constraints and normalizes derived values.
// All violations are CONFIG errors.
func Validate(cfg *Config) error {
	switch cfg.Endpoint.Transport {
	case TransportStreamableHTTP, TransportSSE, TransportStdio:
	default:
		return api.Errorf(api.ErrConfig, "endpoint.transport must be one of %q, %q, %q; got %q",
			TransportStreamableHTTP, TransportSSE, TransportStdio, cfg.Endpoint.Transport)
	}
	if cfg.Endpoint.Transport != TransportStdio {
		if cfg.Endpoint.Port <= 0 || cfg.Endpoint.Port > 65535 {
			return api.Errorf(api.ErrConfig, "endpoint.port %d out of range", cfg.Endpoint.Port)
		}
	}

	seen := map[string]bool{}
	for i := range cfg.Upstreams {
		u := &cfg.Upstreams[i]
		if u.Name == "" {
			return api.Errorf(api.ErrConfig, "upstreams[%d]: name is required", i)
		}
		if seen[u.Name] {
			return api.Errorf(api.ErrConfig, "duplicate upstream name %q", u.Name)
		}
		seen[u.Name] = true

		ApplyUpstreamDefaults(u)

		switch u.Transport {
		case TransportStdio:
			if u.Command == "" {
				return api.Errorf(api.ErrConfig, "upstream %q: stdio transport requires a command", u.Name)
			}
		case TransportStreamableHTTP, TransportSSE:
			if u.URL == "" {
				return api.Errorf(api.ErrConfig, "upstream %q: %s transport requires a url", u.Name, u.Transport)
			}
		default:
			return api.Errorf(api.ErrConfig, "upstream %q: unknown transport %q", u.Name, u.Transport)
		}
	}

	w := &cfg.Search.Weights
	if w.Similarity < 0 || w.Relatedness < 0 || w.Priority < 0 {
		return api.Errorf(api.ErrConfig, "search.weights must be non-negative")
	}
	sum := w.Similarity + w.Relatedness + w.Priority
	if sum <= 0 {
		return api.Errorf(api.ErrConfig, "search.weights must sum to a positive value")
	}
	// Renormalize so scoring can rely on the weights summing to 1.
	w.Similarity /= sum
	w.Relatedness /= sum
	w.Priority /= sum

	if cfg.Graph.DecayLambda <= 0 || cfg.Graph.DecayLambda > 1 {
		return api.Errorf(api.ErrConfig, "graph.decay_lambda must be in (0, 1]; got %v", cfg.Graph.DecayLambda)
	}
	if cfg.Graph.Epsilon < 0 {
		return api.Errorf(api.ErrConfig, "graph.epsilon must be non-negative")
	}
	if d := cfg.Graph.PageRank.Damping; d <= 0 || d >= 1 {
		return api.Errorf(api.ErrConfig, "graph.pagerank.damping must be in (0, 1); got %v", d)
	}

	if cfg.Engine.MaxConcurrency <= 0 {
		return api.Errorf(api.ErrConfig, "engine.max_concurrency must be positive")
	}
	if cfg.Sandbox.MemoryLimit <= 0 {
		return api.Errorf(api.ErrConfig, "sandbox.memory_limit must be positive")
	}
	if cfg.Sandbox.Cache.Capacity <= 0 {
		return api.Errorf(api.ErrConfig, "sandbox.cache.capacity must be positive")
	}
	if t := cfg.Speculation.Threshold; t < 0 || t > 1 {
		return api.Errorf(api.ErrConfig, "speculation.threshold must be in [0, 1]; got %v", t)
	}

	switch cfg.Embedding.Provider {
	case "local", "ollama":
	default:
		return api.Errorf(api.ErrConfig, "embedding.provider must be \"local\" or \"ollama\"; got %q", cfg.Embedding.Provider)
	}
	if cfg.Embedding.Provider == "local" && cfg.Embedding.Dimension <= 0 {
		return api.Errorf(api.ErrConfig, "embedding.dimension must be positive for the local provider")
	}

	return nil
}
