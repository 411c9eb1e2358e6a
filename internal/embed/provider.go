package embed

import (
	"context"
	"fmt"

	"gantry/internal/config"
)

// Provider turns text into a fixed-dimension vector. Implementations must
// be safe for concurrent use.
type Provider interface {
	Embed(ctx context.Context, text string) ([]float32, error)

	// Dimension is the vector width, 0 when not yet known (remote providers
	// learn it from the first response).
	Dimension() int

	Model() string

	Close() error
}

// New builds the provider selected by cfg.
func New(cfg config.EmbeddingConfig) (Provider, error) {
	switch cfg.Provider {
	case "", "local":
		dim := cfg.Dimension
		if dim <= 0 {
			dim = config.DefaultEmbeddingDimension
		}
		return NewLocal(dim), nil
	case "ollama":
		url := cfg.Ollama.URL
		if url == "" {
			url = config.DefaultOllamaURL
		}
		model := cfg.Ollama.Model
		if model == "" {
			model = config.DefaultOllamaModel
		}
		return NewOllama(url, model), nil
	default:
		return nil, fmt.Errorf("unsupported embedding provider: %s", cfg.Provider)
	}
}
