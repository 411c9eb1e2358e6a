package graph

import "math"

// AdamicAdar returns the Adamic-Adar index of a and b on the undirected
// projection of the related and sequence subgraphs: the sum over common
// neighbors n of 1/ln(deg(n)). Degree-1 neighbors carry no signal (ln 1 is
// zero) and are skipped.
func (g *Graph) AdamicAdar(a, b string) float64 {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return adamicAdar(g.projectionLocked(), a, b)
}

// Relatedness scores each candidate against the context set: the sum of
// Adamic-Adar indexes to every context tool, normalized by the maximum in
// the candidate window. All zeros when there is no context or no overlap.
func (g *Graph) Relatedness(candidates []string, contextSet []string) map[string]float64 {
	out := make(map[string]float64, len(candidates))
	for _, c := range candidates {
		out[c] = 0
	}
	if len(contextSet) == 0 || len(candidates) == 0 {
		return out
	}

	g.mu.RLock()
	proj := g.projectionLocked()
	g.mu.RUnlock()

	maxRaw := 0.0
	for _, c := range candidates {
		raw := 0.0
		for _, s := range contextSet {
			raw += adamicAdar(proj, c, s)
		}
		out[c] = raw
		if raw > maxRaw {
			maxRaw = raw
		}
	}
	if maxRaw == 0 {
		return out
	}
	for c, raw := range out {
		out[c] = raw / maxRaw
	}
	return out
}

// projectionLocked builds the undirected neighbor sets over related and
// sequence edges. Callers hold at least the read lock.
func (g *Graph) projectionLocked() map[string]map[string]struct{} {
	proj := make(map[string]map[string]struct{})
	add := func(x, y string) {
		set, ok := proj[x]
		if !ok {
			set = make(map[string]struct{})
			proj[x] = set
		}
		set[y] = struct{}{}
	}
	for key, e := range g.edges {
		switch key.kind {
		case EdgeRelated, EdgeSequence:
			add(e.Src, e.Dst)
			add(e.Dst, e.Src)
		}
	}
	return proj
}

func adamicAdar(proj map[string]map[string]struct{}, a, b string) float64 {
	if a == b {
		return 0
	}
	na, nb := proj[a], proj[b]
	if len(na) == 0 || len(nb) == 0 {
		return 0
	}
	// iterate the smaller set
	if len(nb) < len(na) {
		na, nb = nb, na
	}

	score := 0.0
	for n := range na {
		if _, common := nb[n]; !common {
			continue
		}
		deg := len(proj[n])
		if deg <= 1 {
			continue
		}
		score += 1 / math.Log(float64(deg))
	}
	return score
}
