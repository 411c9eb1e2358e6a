// Package sandbox executes user-supplied code in an isolated worker with
// a narrow, audited bridge back into the gateway for tool invocation.
//
// Code is a jq program evaluated against the request's context object.
// jq is capability-free by construction: no filesystem, network, process,
// or environment builtins exist, so every external effect flows through
// the functions the host injects (call_tool, log, read_context,
// read_file). Tool calls are checked against a per-execution allow-list.
//
// Each execution gets a fresh worker subprocess (the gateway re-executes
// its own binary in worker mode) linked to the host by length-delimited
// JSON frames over stdio. PII in the context is replaced with stable
// tokens before user code sees it and restored in the result; results are
// cached by content so identical executions bypass the worker entirely.
package sandbox
