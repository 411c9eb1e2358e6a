// Package graph maintains the knowledge graph of tools and capabilities.
//
// Nodes are tool ids ("server:tool") and capability ids; edges record four
// relationships observed from execution traces: sequence (ran back to
// back), dependency (output consumed), related (co-occurred in a workflow),
// and contains (capability membership). Completed traces are folded into
// edge weight increments; weights decay geometrically once per sampled
// update cycle and edges below epsilon are dropped, so stale structure
// fades out instead of accumulating forever.
//
// Two structural queries feed hybrid search: PageRank over the directed
// subgraph is the global priority prior, and Adamic-Adar over the
// related/sequence projection scores relatedness to the caller's context
// set. Folds are idempotent per workflow root within a one-hour horizon.
package graph
