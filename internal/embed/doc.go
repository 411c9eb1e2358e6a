// Package embed provides embedding providers for catalog search.
//
// The local provider (default) is a deterministic feature-hash embedder
// that needs no external service; the ollama provider talks to a local
// Ollama instance for real semantic vectors. Both implement Provider and
// are selected via the embedding config section.
package embed
