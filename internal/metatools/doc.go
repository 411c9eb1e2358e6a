// Package metatools exposes the gateway's own tool surface: discovery
// (search_tools, search_capabilities), execution (execute_dag,
// execute_code), and workflow control (continue, abort, replan,
// approval_response).
//
// The provider is a thin argument-decoding layer. It maps raw MCP tool
// arguments onto typed requests, resolves the responsible handler through
// the internal/api service locator, and renders domain failures as
// structured error payloads inside successful results. Only protocol
// violations (unknown tool names) surface as Go errors.
package metatools
