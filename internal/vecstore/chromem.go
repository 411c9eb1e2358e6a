package vecstore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/philippgille/chromem-go"

	"gantry/pkg/logging"
)

// Chromem is a Store backed by chromem-go. Vectors live in memory; when a
// persist path is configured the database is exported to a gob file after
// every mutation.
type Chromem struct {
	db          *chromem.DB
	persistPath string

	mu          sync.Mutex
	collections map[string]*chromem.Collection
}

// NewChromem creates a chromem-backed store. An empty persistPath keeps
// everything in memory. A corrupt or unreadable persisted database is
// logged and replaced with an empty one rather than failing startup.
func NewChromem(persistPath string) (*Chromem, error) {
	var db *chromem.DB

	if persistPath != "" {
		if err := os.MkdirAll(filepath.Dir(persistPath), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create vector store directory: %w", err)
		}
		if _, err := os.Stat(persistPath); err == nil {
			loaded, err := chromem.NewPersistentDB(persistPath, false)
			if err != nil {
				logging.Warn("VecStore", "Failed to load vector database from %s, starting empty: %v", persistPath, err)
				db = chromem.NewDB()
			} else {
				db = loaded
			}
		} else {
			db = chromem.NewDB()
		}
	} else {
		db = chromem.NewDB()
	}

	return &Chromem{
		db:          db,
		persistPath: persistPath,
		collections: make(map[string]*chromem.Collection),
	}, nil
}

// collection returns the named collection, creating it on first use. The
// embedding function is a tripwire: all vectors arrive pre-computed, so
// chromem must never need to embed anything itself.
func (s *Chromem) collection(name string) (*chromem.Collection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if col, ok := s.collections[name]; ok {
		return col, nil
	}
	col, err := s.db.GetOrCreateCollection(name, nil, func(ctx context.Context, text string) ([]float32, error) {
		return nil, fmt.Errorf("vectors must be pre-computed")
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open collection %q: %w", name, err)
	}
	s.collections[name] = col
	return col, nil
}

// Upsert implements Store.
func (s *Chromem) Upsert(ctx context.Context, collection string, rec Record) error {
	col, err := s.collection(collection)
	if err != nil {
		return err
	}

	doc := chromem.Document{
		ID:        rec.ID,
		Metadata:  rec.Metadata,
		Embedding: rec.Vector,
	}
	if err := col.AddDocuments(ctx, []chromem.Document{doc}, 1); err != nil {
		return fmt.Errorf("failed to upsert %q: %w", rec.ID, err)
	}
	s.persist()
	return nil
}

// Query implements Store. topK is clamped to the collection size; an empty
// collection returns no hits.
func (s *Chromem) Query(ctx context.Context, collection string, vector []float32, topK int) ([]Hit, error) {
	col, err := s.collection(collection)
	if err != nil {
		return nil, err
	}

	count := col.Count()
	if count == 0 || topK <= 0 {
		return nil, nil
	}
	if topK > count {
		topK = count
	}

	results, err := col.QueryEmbedding(ctx, vector, topK, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("similarity query failed: %w", err)
	}

	hits := make([]Hit, 0, len(results))
	for _, r := range results {
		hits = append(hits, Hit{
			ID:       r.ID,
			Score:    float64(r.Similarity),
			Metadata: r.Metadata,
		})
	}
	return hits, nil
}

// Delete implements Store. Deleting an unknown id is a no-op.
func (s *Chromem) Delete(ctx context.Context, collection string, id string) error {
	col, err := s.collection(collection)
	if err != nil {
		return err
	}
	if err := col.Delete(ctx, nil, nil, id); err != nil {
		return fmt.Errorf("failed to delete %q: %w", id, err)
	}
	s.persist()
	return nil
}

// Count implements Store.
func (s *Chromem) Count(collection string) int {
	col, err := s.collection(collection)
	if err != nil {
		return 0
	}
	return col.Count()
}

// Close implements Store.
func (s *Chromem) Close() error {
	s.persist()
	return nil
}

func (s *Chromem) persist() {
	if s.persistPath == "" {
		return
	}
	if err := s.db.Export(s.persistPath, false, ""); err != nil {
		logging.Warn("VecStore", "Failed to persist vector database: %v", err)
	}
}
