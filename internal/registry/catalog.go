package registry

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"gantry/internal/api"
	"gantry/internal/config"
	"gantry/internal/embed"
	"gantry/internal/trace"
	"gantry/internal/vecstore"
	"gantry/pkg/logging"
)

// embedTimeout bounds one embedding-provider round trip during catalog
// maintenance.
const embedTimeout = 10 * time.Second

// Capability is a learned, reusable plan: an intent, a normalized task
// fragment, and usage statistics. Capabilities are first-class search
// results and may be invoked as a unit.
type Capability struct {
	ID          string
	Intent      string
	Plan        []map[string]interface{}
	PlanHash    string
	SuccessRate float64
	ReuseCount  int
	UpdatedAt   time.Time
}

// snapshot is one immutable catalog generation. Readers load it atomically;
// writers clone, mutate the clone, and swap.
type snapshot struct {
	descriptors  map[string]api.ToolDescriptor
	capabilities map[string]Capability
}

func (s *snapshot) clone() *snapshot {
	next := &snapshot{
		descriptors:  make(map[string]api.ToolDescriptor, len(s.descriptors)),
		capabilities: make(map[string]Capability, len(s.capabilities)),
	}
	for id, d := range s.descriptors {
		next.descriptors[id] = d
	}
	for id, c := range s.capabilities {
		next.capabilities[id] = c
	}
	return next
}

// Registry is the canonical tool/capability catalog with hybrid search.
// It consumes tool update events from the upstream manager and keeps the
// vector store consistent with descriptor content hashes.
type Registry struct {
	weights  config.SearchWeights
	embedder embed.Provider
	store    vecstore.Store

	// writeMu serializes snapshot replacement; readers never take it.
	writeMu sync.Mutex
	snap    atomic.Pointer[snapshot]

	// embedGroup deduplicates concurrent embeddings of the same entity
	// generation (id + content hash).
	embedGroup singleflight.Group
}

// New creates an empty registry. Weights are renormalized so they sum to 1;
// a zero or negative sum falls back to the defaults.
func New(cfg config.SearchConfig, embedder embed.Provider, store vecstore.Store) *Registry {
	w := cfg.Weights
	sum := w.Similarity + w.Relatedness + w.Priority
	if sum <= 0 {
		w = config.SearchWeights{
			Similarity:  config.DefaultWeightSimilarity,
			Relatedness: config.DefaultWeightRelatedness,
			Priority:    config.DefaultWeightPriority,
		}
	} else if sum != 1 {
		w.Similarity /= sum
		w.Relatedness /= sum
		w.Priority /= sum
	}

	r := &Registry{
		weights:  w,
		embedder: embedder,
		store:    store,
	}
	r.snap.Store(&snapshot{
		descriptors:  map[string]api.ToolDescriptor{},
		capabilities: map[string]Capability{},
	})
	return r
}

// Descriptor resolves a "server:tool" id against the current snapshot.
func (r *Registry) Descriptor(id string) (api.ToolDescriptor, bool) {
	d, ok := r.snap.Load().descriptors[id]
	return d, ok
}

// ListDescriptors returns all descriptors sorted by id.
func (r *Registry) ListDescriptors() []api.ToolDescriptor {
	snap := r.snap.Load()
	out := make([]api.ToolDescriptor, 0, len(snap.descriptors))
	for _, d := range snap.descriptors {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// SchemaHashes returns id -> content hash for the given ids, omitting
// unknown ids. The sandbox folds these into its result cache key so a
// schema change invalidates cached executions.
func (r *Registry) SchemaHashes(ids []string) map[string]string {
	snap := r.snap.Load()
	out := make(map[string]string, len(ids))
	for _, id := range ids {
		if d, ok := snap.descriptors[id]; ok {
			out[id] = d.Hash
		}
	}
	return out
}

// Capability returns the stored capability by id.
func (r *Registry) Capability(id string) (Capability, bool) {
	c, ok := r.snap.Load().capabilities[id]
	return c, ok
}

// OnToolsUpdated implements api.ToolUpdateSubscriber. It diffs the event's
// tools against the snapshot for that server: new or changed descriptors
// (by content hash) are re-embedded and upserted into the vector store,
// vanished descriptors are removed.
func (r *Registry) OnToolsUpdated(event api.ToolUpdateEvent) {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	next := r.snap.Load().clone()

	incoming := map[string]api.ToolDescriptor{}
	if event.Type != api.ToolsEventDeregistered {
		for _, d := range event.Tools {
			if d.Server == "" {
				d.Server = event.ServerName
			}
			if d.Hash == "" {
				d.Hash = trace.Fingerprint([]interface{}{d.Name, d.Description, d.InputSchema})
			}
			incoming[d.ID()] = d
		}
	}

	added, changed, removed := 0, 0, 0
	for id, d := range next.descriptors {
		if d.Server != event.ServerName {
			continue
		}
		if _, keep := incoming[id]; !keep {
			delete(next.descriptors, id)
			r.deleteVector(vecstore.CollectionTools, id)
			removed++
		}
	}
	for id, d := range incoming {
		prev, existed := next.descriptors[id]
		if existed && prev.Hash == d.Hash {
			continue
		}
		if d.UpdatedAt.IsZero() {
			d.UpdatedAt = time.Now()
		}
		next.descriptors[id] = d
		r.embedEntity(vecstore.CollectionTools, id, d.Hash, toolDocument(d), map[string]string{"server": d.Server})
		if existed {
			changed++
		} else {
			added++
		}
	}

	r.snap.Store(next)
	logging.Debug("Registry", "Applied tool update from %s: %d added, %d changed, %d removed",
		event.ServerName, added, changed, removed)
}

// embedEntity embeds one catalog document and upserts its vector. Failures
// are logged and dropped: the entity stays in the catalog and simply does
// not surface in similarity results until the next hash change retries.
func (r *Registry) embedEntity(collection, id, hash, doc string, metadata map[string]string) {
	key := collection + "/" + id + "@" + hash
	_, err, _ := r.embedGroup.Do(key, func() (interface{}, error) {
		ctx, cancel := context.WithTimeout(context.Background(), embedTimeout)
		defer cancel()

		vec, err := r.embedder.Embed(ctx, doc)
		if err != nil {
			return nil, err
		}
		return nil, r.store.Upsert(ctx, collection, vecstore.Record{
			ID:       id,
			Vector:   vec,
			Metadata: metadata,
		})
	})
	if err != nil {
		logging.Warn("Registry", "Failed to index %s: %v", id, err)
	}
}

func (r *Registry) deleteVector(collection, id string) {
	ctx, cancel := context.WithTimeout(context.Background(), embedTimeout)
	defer cancel()
	if err := r.store.Delete(ctx, collection, id); err != nil {
		logging.Warn("Registry", "Failed to remove vector for %s: %v", id, err)
	}
}

// toolDocument builds the indexable text for a descriptor: name,
// description, and schema-derived keywords (property names).
func toolDocument(d api.ToolDescriptor) string {
	doc := d.Name + " " + d.Description
	if props, ok := d.InputSchema["properties"].(map[string]interface{}); ok {
		names := make([]string, 0, len(props))
		for name := range props {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			doc += " " + name
		}
	}
	return doc
}
