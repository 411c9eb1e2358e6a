// Package gateway is gantry's own MCP server surface. It exposes the
// meta-tools plus every admitted upstream tool under its "server:tool"
// id, serves them over stdio, SSE, or streamable HTTP, and keeps the
// published tool list in sync with upstream availability.
//
// The gateway is also the internal tool dispatcher: the sandbox and the
// engine route tool calls through api.ToolCaller, which this package
// implements by splitting "server:tool" ids toward the upstream manager
// and everything else toward the meta-tools provider.
package gateway
