// Package app bootstraps the gateway: it loads configuration, builds
// every component in dependency order (logging, trace, graph, embedding,
// vector store, registry, upstreams, sandbox, engine, meta-tools,
// gateway), registers the API handlers, and tears everything down in
// reverse on shutdown.
package app
