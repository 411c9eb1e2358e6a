// Package registry maintains the canonical catalog of upstream tool
// descriptors and learned capabilities, and ranks them against natural
// language queries.
//
// The catalog is a copy-on-write snapshot: readers load it atomically and
// never block, writers clone-and-swap under a mutex. Descriptor changes
// arrive as tool update events from the upstream manager; a content-hash
// change triggers re-embedding and a vector store upsert, so search
// results always reflect the current schema (invalidation).
//
// Ranking is hybrid: cosine similarity from the vector store, an
// Adamic-Adar relatedness boost against the caller's context tools, and a
// PageRank structural prior, combined with configurable weights.
package registry
