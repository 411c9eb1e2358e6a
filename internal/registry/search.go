package registry

import (
	"context"
	"sort"

	"gantry/internal/api"
	"gantry/internal/vecstore"
)

// DefaultSearchLimit applies when a request carries no limit.
const DefaultSearchLimit = 5

// minCandidateWindow is the smallest candidate set retrieved from the
// vector store regardless of the requested limit.
const minCandidateWindow = 10

// SearchTools ranks tool descriptors against a natural-language query.
func (r *Registry) SearchTools(ctx context.Context, req api.SearchRequest) ([]api.SearchHit, error) {
	return r.search(ctx, vecstore.CollectionTools, req)
}

// SearchCapabilities ranks learned capabilities against an intent.
func (r *Registry) SearchCapabilities(ctx context.Context, req api.SearchRequest) ([]api.SearchHit, error) {
	return r.search(ctx, vecstore.CollectionCapabilities, req)
}

// search implements hybrid scoring: cosine similarity from the vector
// store over a candidate window, an Adamic-Adar relatedness boost against
// the context set, and a PageRank prior, combined with the configured
// weights. Ties break by similarity, then id.
func (r *Registry) search(ctx context.Context, collection string, req api.SearchRequest) ([]api.SearchHit, error) {
	if req.Query == "" {
		return nil, api.Errorf(api.ErrValidation, "query must not be empty")
	}
	limit := req.Limit
	if limit <= 0 {
		limit = DefaultSearchLimit
	}

	queryVec, err := r.embedder.Embed(ctx, req.Query)
	if err != nil {
		return nil, api.WrapError(api.ErrInternal, err, "failed to embed query")
	}

	window := 3 * limit
	if window < minCandidateWindow {
		window = minCandidateWindow
	}
	raw, err := r.store.Query(ctx, collection, queryVec, window)
	if err != nil {
		return nil, api.WrapError(api.ErrInternal, err, "similarity query failed")
	}
	if len(raw) == 0 {
		return nil, nil
	}

	ids := make([]string, 0, len(raw))
	sim := make(map[string]float64, len(raw))
	for _, hit := range raw {
		ids = append(ids, hit.ID)
		s := hit.Score
		if s < 0 {
			s = 0
		}
		sim[hit.ID] = s
	}

	rel := map[string]float64{}
	prio := map[string]float64{}
	if g := api.GetGraph(); g != nil {
		rel = g.Relatedness(ids, req.ContextTools)
		prio = windowNormalize(g.PageRank(), ids)
	}

	snap := r.snap.Load()
	hits := make([]api.SearchHit, 0, len(ids))
	for _, id := range ids {
		hit, ok := r.buildHit(snap, collection, id)
		if !ok {
			// Stale vector with no catalog entry behind it.
			continue
		}
		hit.Similarity = sim[id]
		hit.Relatedness = rel[id]
		hit.Priority = prio[id]
		hit.Score = r.weights.Similarity*hit.Similarity +
			r.weights.Relatedness*hit.Relatedness +
			r.weights.Priority*hit.Priority
		hits = append(hits, hit)
	}

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		if hits[i].Similarity != hits[j].Similarity {
			return hits[i].Similarity > hits[j].Similarity
		}
		return hits[i].ID < hits[j].ID
	})

	if len(hits) <= limit {
		return hits, nil
	}
	top, rest := hits[:limit], hits[limit:]

	if req.IncludeRelated {
		// Inject the highest-relatedness leftovers, up to limit/2.
		sort.Slice(rest, func(i, j int) bool {
			if rest[i].Relatedness != rest[j].Relatedness {
				return rest[i].Relatedness > rest[j].Relatedness
			}
			return rest[i].ID < rest[j].ID
		})
		overflow := limit / 2
		for _, hit := range rest {
			if overflow == 0 || hit.Relatedness == 0 {
				break
			}
			hit.RelatedOverflow = true
			top = append(top, hit)
			overflow--
		}
	}
	return top, nil
}

func (r *Registry) buildHit(snap *snapshot, collection, id string) (api.SearchHit, bool) {
	switch collection {
	case vecstore.CollectionTools:
		d, ok := snap.descriptors[id]
		if !ok {
			return api.SearchHit{}, false
		}
		return api.SearchHit{
			ID:          id,
			Name:        d.Name,
			Description: d.Description,
			Server:      d.Server,
			InputSchema: d.InputSchema,
		}, true
	case vecstore.CollectionCapabilities:
		c, ok := snap.capabilities[id]
		if !ok {
			return api.SearchHit{}, false
		}
		return api.SearchHit{
			ID:          id,
			Name:        c.Intent,
			Description: c.Intent,
			SuccessRate: c.SuccessRate,
		}, true
	}
	return api.SearchHit{}, false
}

// windowNormalize scales the values of the given ids by the window
// maximum, yielding scores in [0, 1].
func windowNormalize(values map[string]float64, ids []string) map[string]float64 {
	out := make(map[string]float64, len(ids))
	max := 0.0
	for _, id := range ids {
		if v := values[id]; v > max {
			max = v
		}
	}
	for _, id := range ids {
		if max > 0 {
			out[id] = values[id] / max
		} else {
			out[id] = 0
		}
	}
	return out
}
