package graph

import "gantry/internal/api"

// Register publishes the graph through the API service locator.
func (g *Graph) Register() {
	api.RegisterGraph(g)
}

var _ api.GraphHandler = (*Graph)(nil)
