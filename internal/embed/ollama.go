package embed

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"gantry/pkg/logging"
)

const ollamaMaxRetries = 3

// Ollama embeds via a local Ollama instance's /api/embeddings endpoint.
type Ollama struct {
	baseURL string
	model   string
	client  *http.Client

	// Ollama's llama runner crashes when it receives concurrent embedding
	// requests, so all calls are serialized.
	mu sync.Mutex

	dim atomic.Int64
}

type ollamaEmbedRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type ollamaEmbedResponse struct {
	Embedding []float32 `json:"embedding"`
}

// NewOllama creates an Ollama-backed provider.
func NewOllama(baseURL, model string) *Ollama {
	return &Ollama{
		baseURL: baseURL,
		model:   model,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

// Embed implements Provider.
func (o *Ollama) Embed(ctx context.Context, text string) ([]float32, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	payload, err := json.Marshal(ollamaEmbedRequest{Model: o.model, Prompt: text})
	if err != nil {
		return nil, fmt.Errorf("encoding embedding request: %w", err)
	}

	var resp *http.Response
	for attempt := 0; attempt < ollamaMaxRetries; attempt++ {
		resp, err = o.post(ctx, payload)
		if err == nil {
			break
		}
		logging.Debug("Embed", "Ollama embedding retry %d: %v", attempt+1, err)
		if attempt < ollamaMaxRetries-1 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(time.Duration(attempt+1) * time.Second):
			}
		}
	}
	if err != nil {
		return nil, fmt.Errorf("sending request to Ollama: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("ollama API returned status %d: %s", resp.StatusCode, string(body))
	}

	var response ollamaEmbedResponse
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return nil, fmt.Errorf("decoding embedding response: %w", err)
	}
	if len(response.Embedding) == 0 {
		return nil, fmt.Errorf("received empty embedding from Ollama")
	}

	o.dim.Store(int64(len(response.Embedding)))
	return response.Embedding, nil
}

func (o *Ollama) post(ctx context.Context, payload []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/api/embeddings", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return o.client.Do(req)
}

// Dimension implements Provider. It is 0 until the first successful embed.
func (o *Ollama) Dimension() int {
	return int(o.dim.Load())
}

// Model implements Provider.
func (o *Ollama) Model() string {
	return o.model
}

// Close implements Provider.
func (o *Ollama) Close() error {
	o.client.CloseIdleConnections()
	return nil
}
