package graph

import "math"

// PageRank returns the rank of every node over the directed subgraph
// (sequence, dependency, contains edges). Ranks are recomputed by power
// iteration when the sampled update schedule has marked them dirty and
// served from cache otherwise.
func (g *Graph) PageRank() map[string]float64 {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.prDirty {
		g.prCache = g.pageRankLocked()
		g.prDirty = false
	}

	out := make(map[string]float64, len(g.prCache))
	for id, r := range g.prCache {
		out[id] = r
	}
	return out
}

type arc struct {
	dst    string
	weight float64
}

func (g *Graph) pageRankLocked() map[string]float64 {
	n := len(g.nodes)
	if n == 0 {
		return map[string]float64{}
	}

	// Out-arcs weighted by edge weight; parallel edges of different kinds
	// between the same pair simply add mass.
	adj := make(map[string][]arc)
	outWeight := make(map[string]float64)
	for key, e := range g.edges {
		switch key.kind {
		case EdgeSequence, EdgeDependency, EdgeContains:
		default:
			continue
		}
		adj[e.Src] = append(adj[e.Src], arc{dst: e.Dst, weight: e.Weight})
		outWeight[e.Src] += e.Weight
	}

	size := float64(n)
	damping := g.cfg.PageRank.Damping
	base := (1 - damping) / size

	rank := make(map[string]float64, n)
	for id := range g.nodes {
		rank[id] = 1 / size
	}

	for iter := 0; iter < g.cfg.PageRank.MaxIterations; iter++ {
		// Dangling mass is spread uniformly.
		dangling := 0.0
		for id := range g.nodes {
			if outWeight[id] == 0 {
				dangling += rank[id]
			}
		}

		next := make(map[string]float64, n)
		floor := base + damping*dangling/size
		for id := range g.nodes {
			next[id] = floor
		}
		for src, arcs := range adj {
			share := damping * rank[src] / outWeight[src]
			for _, a := range arcs {
				next[a.dst] += share * a.weight
			}
		}

		diff := 0.0
		for id := range g.nodes {
			diff += math.Abs(next[id] - rank[id])
		}
		rank = next
		if diff < g.cfg.PageRank.Tolerance {
			break
		}
	}
	return rank
}
