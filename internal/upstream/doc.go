// Package upstream owns the lifecycle of the configured upstream MCP
// servers: spawning stdio subprocesses or connecting over HTTP/SSE,
// performing the MCP handshake, listing tools, and multiplexing concurrent
// tools/call requests per session.
//
// Each session supervises its own health. Transport failures mark the
// session unhealthy and arm a restart loop with exponential backoff;
// outstanding calls complete with a retryable UPSTREAM_TRANSPORT error.
// Sessions may close themselves after an idle interval and respawn
// transparently on the next call.
//
// Tool descriptors are published as tool update events; the registry and
// the gateway surface consume them. One failing upstream never prevents
// the others from starting.
package upstream
