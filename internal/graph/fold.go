package graph

import (
	"github.com/jellydator/ttlcache/v3"

	"gantry/internal/trace"
	"gantry/pkg/logging"
)

// Fold incorporates one completed workflow trace into the graph. It
// implements trace.Sink. Folding the same root twice within the fold
// horizon is a no-op, so replayed traces do not double-count.
func (g *Graph) Fold(events []trace.Event) error {
	if len(events) == 0 {
		return nil
	}
	rootID := events[0].RootID
	if rootID == "" {
		return nil
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if g.folded.Has(rootID) {
		logging.Debug("Graph", "Skipping already-folded trace %s", rootID)
		return nil
	}
	g.folded.Set(rootID, struct{}{}, ttlcache.DefaultTTL)

	// The executed path is the ordered list of completed tool and
	// capability invocations.
	var path []trace.Event
	for _, ev := range events {
		switch ev.Kind {
		case trace.KindToolCall, trace.KindCapabilityInvoke:
		default:
			continue
		}
		if ev.Target == "" {
			continue
		}

		kind := NodeTool
		if ev.Kind == trace.KindCapabilityInvoke {
			kind = NodeCapability
		}
		n := g.node(ev.Target, kind)
		n.Attrs.Calls++
		if ev.Status == trace.StatusOK {
			n.Attrs.Successes++
			path = append(path, ev)
		}

		// Output consumption observed by the engine's reference resolver.
		for _, src := range ev.Consumes {
			g.node(src, NodeTool)
			g.bump(src, ev.Target, EdgeDependency, 1)
		}

		// A span nested under a capability invocation is one of its members.
		if ev.Kind == trace.KindToolCall && ev.ParentID != "" {
			if parent := findEvent(events, ev.ParentID); parent != nil && parent.Kind == trace.KindCapabilityInvoke {
				g.bump(parent.Target, ev.Target, EdgeContains, 1)
			}
		}
	}

	// Sequence edges between adjacent path entries.
	for i := 1; i < len(path); i++ {
		g.bump(path[i-1].Target, path[i].Target, EdgeSequence, 1)
	}

	// Related edges between every unordered co-occurring pair of distinct
	// targets.
	seen := make([]string, 0, len(path))
	for _, ev := range path {
		if !contains(seen, ev.Target) {
			seen = append(seen, ev.Target)
		}
	}
	for i := 0; i < len(seen); i++ {
		for j := i + 1; j < len(seen); j++ {
			g.bump(seen[i], seen[j], EdgeRelated, 1)
		}
	}

	g.foldsInCycle++
	if g.foldsInCycle >= g.cfg.SampleEvery {
		g.foldsInCycle = 0
		g.decayLocked()
		g.prDirty = true
	}
	return nil
}

// Decay multiplies all edge weights by lambda and removes edges that fall
// below epsilon. Fold calls this once per sampled update cycle; it is
// exported for direct control in tests and maintenance paths.
func (g *Graph) Decay() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.decayLocked()
	g.prDirty = true
}

func (g *Graph) decayLocked() {
	for key, e := range g.edges {
		e.Weight *= g.cfg.DecayLambda
		if e.Weight < g.cfg.Epsilon {
			delete(g.edges, key)
		}
	}
}

func findEvent(events []trace.Event, id string) *trace.Event {
	for i := range events {
		if events[i].ID == id {
			return &events[i]
		}
	}
	return nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
