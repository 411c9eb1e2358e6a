package vecstore

import "context"

// Collection names used by the registry.
const (
	CollectionTools        = "tools"
	CollectionCapabilities = "capabilities"
)

// Record is one entry in a collection: an entity id, its pre-computed
// embedding, and metadata echoed back on query hits.
type Record struct {
	ID       string
	Vector   []float32
	Metadata map[string]string
}

// Hit is one similarity result. Score is cosine similarity in [-1, 1].
type Hit struct {
	ID       string
	Score    float64
	Metadata map[string]string
}

// Store holds vectors and answers top-k cosine similarity queries.
// Implementations must be safe for concurrent use.
type Store interface {
	Upsert(ctx context.Context, collection string, rec Record) error
	Query(ctx context.Context, collection string, vector []float32, topK int) ([]Hit, error)
	Delete(ctx context.Context, collection string, id string) error
	Count(collection string) int
	Close() error
}
