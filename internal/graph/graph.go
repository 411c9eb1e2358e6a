package graph

import (
	"sort"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"

	"gantry/internal/config"
)

// NodeKind distinguishes tools from learned capabilities.
type NodeKind string

const (
	NodeTool       NodeKind = "tool"
	NodeCapability NodeKind = "capability"
)

// EdgeKind is the relationship an edge records.
type EdgeKind string

const (
	// EdgeSequence connects targets executed back to back.
	EdgeSequence EdgeKind = "sequence"
	// EdgeContains connects a capability to its member tools.
	EdgeContains EdgeKind = "contains"
	// EdgeDependency connects a producer to a consumer of its output.
	EdgeDependency EdgeKind = "dependency"
	// EdgeRelated connects targets that co-occur in a workflow. Undirected,
	// stored with Src < Dst.
	EdgeRelated EdgeKind = "related"
)

// Attrs are per-node usage counters.
type Attrs struct {
	Calls     uint64
	Successes uint64
}

// Node is a tool or capability vertex.
type Node struct {
	ID    string
	Kind  NodeKind
	Attrs Attrs
}

// Edge is a weighted relationship between two nodes.
type Edge struct {
	Src    string
	Dst    string
	Kind   EdgeKind
	Weight float64
}

type edgeKey struct {
	src  string
	dst  string
	kind EdgeKind
}

// foldHorizon is how long folded root ids are remembered for replay
// suppression.
const foldHorizon = time.Hour

// Graph is the in-memory knowledge graph. Reads take the read lock;
// fold/decay take the write lock. PageRank is recomputed lazily when the
// sampled update schedule marks it dirty.
type Graph struct {
	mu    sync.RWMutex
	cfg   config.GraphConfig
	nodes map[string]*Node
	edges map[edgeKey]*Edge

	// folded suppresses duplicate folds of the same workflow root.
	folded *ttlcache.Cache[string, struct{}]

	foldsInCycle int
	prDirty      bool
	prCache      map[string]float64
}

// New creates an empty graph with the given tuning. Zero values fall back
// to the config defaults.
func New(cfg config.GraphConfig) *Graph {
	if cfg.DecayLambda == 0 {
		cfg.DecayLambda = config.DefaultDecayLambda
	}
	if cfg.Epsilon == 0 {
		cfg.Epsilon = config.DefaultEpsilon
	}
	if cfg.SampleEvery == 0 {
		cfg.SampleEvery = config.DefaultSampleEvery
	}
	if cfg.PageRank.Damping == 0 {
		cfg.PageRank.Damping = config.DefaultPageRankDamping
	}
	if cfg.PageRank.Tolerance == 0 {
		cfg.PageRank.Tolerance = config.DefaultPageRankTolerance
	}
	if cfg.PageRank.MaxIterations == 0 {
		cfg.PageRank.MaxIterations = config.DefaultPageRankMaxIter
	}

	folded := ttlcache.New[string, struct{}](
		ttlcache.WithTTL[string, struct{}](foldHorizon),
	)
	go folded.Start()

	return &Graph{
		cfg:     cfg,
		nodes:   make(map[string]*Node),
		edges:   make(map[edgeKey]*Edge),
		folded:  folded,
		prDirty: true,
		prCache: map[string]float64{},
	}
}

// Close releases the fold-horizon cache.
func (g *Graph) Close() {
	g.folded.Stop()
}

func (g *Graph) node(id string, kind NodeKind) *Node {
	n, ok := g.nodes[id]
	if !ok {
		n = &Node{ID: id, Kind: kind}
		g.nodes[id] = n
	}
	return n
}

// bump adds delta to the edge's weight, creating it as needed. Related
// edges are canonicalized to Src < Dst.
func (g *Graph) bump(src, dst string, kind EdgeKind, delta float64) {
	if src == dst || src == "" || dst == "" {
		return
	}
	if kind == EdgeRelated && dst < src {
		src, dst = dst, src
	}
	key := edgeKey{src: src, dst: dst, kind: kind}
	e, ok := g.edges[key]
	if !ok {
		e = &Edge{Src: src, Dst: dst, Kind: kind}
		g.edges[key] = e
	}
	e.Weight += delta
}

// RecordCapability registers a capability node and its contains edges.
// Called by the registry when a capability is learned or re-observed.
func (g *Graph) RecordCapability(capID string, toolIDs []string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.node(capID, NodeCapability)
	for _, tool := range toolIDs {
		g.node(tool, NodeTool)
		g.bump(capID, tool, EdgeContains, 1)
	}
	g.prDirty = true
}

// Nodes returns a snapshot of all nodes, sorted by id.
func (g *Graph) Nodes() []Node {
	g.mu.RLock()
	defer g.mu.RUnlock()

	out := make([]Node, 0, len(g.nodes))
	for _, n := range g.nodes {
		out = append(out, *n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Edges returns a snapshot of all edges, sorted by src/dst/kind.
func (g *Graph) Edges() []Edge {
	g.mu.RLock()
	defer g.mu.RUnlock()

	out := make([]Edge, 0, len(g.edges))
	for _, e := range g.edges {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Src != out[j].Src {
			return out[i].Src < out[j].Src
		}
		if out[i].Dst != out[j].Dst {
			return out[i].Dst < out[j].Dst
		}
		return out[i].Kind < out[j].Kind
	})
	return out
}

// EdgeWeight returns the weight of one edge, 0 when absent.
func (g *Graph) EdgeWeight(src, dst string, kind EdgeKind) float64 {
	if kind == EdgeRelated && dst < src {
		src, dst = dst, src
	}
	g.mu.RLock()
	defer g.mu.RUnlock()

	if e, ok := g.edges[edgeKey{src: src, dst: dst, kind: kind}]; ok {
		return e.Weight
	}
	return 0
}

// DependencyWeight implements the dependency-edge lookup the plan
// suggester orders tool chains by.
func (g *Graph) DependencyWeight(src, dst string) float64 {
	return g.EdgeWeight(src, dst, EdgeDependency)
}

// SuccessRate reports successes/calls for a node, 1.0 when the node is
// unknown or has never been called.
func (g *Graph) SuccessRate(id string) float64 {
	g.mu.RLock()
	defer g.mu.RUnlock()

	n, ok := g.nodes[id]
	if !ok || n.Attrs.Calls == 0 {
		return 1.0
	}
	return float64(n.Attrs.Successes) / float64(n.Attrs.Calls)
}
