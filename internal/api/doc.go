// Package api is the central interface layer of gantry.
//
// It implements the Service Locator Pattern: every subsystem (upstream
// manager, registry, graph, engine, sandbox, gateway dispatcher) registers
// a handler implementation here during bootstrap, and consumers resolve
// handlers lazily through the Get* accessors. Packages therefore depend on
// this package's interfaces instead of on each other, which keeps the
// dependency graph acyclic:
//
//	subsystem --> api <-- consumer
//
// # Registration
//
// The application bootstrap registers handlers in dependency order before
// the gateway starts serving. A nil handler at call time indicates a
// bootstrap bug and is surfaced as an INTERNAL error by callers.
//
//	adapter := registry.NewAdapter(...)
//	api.RegisterRegistry(adapter)
//
// # Error taxonomy
//
// The package also owns the closed error taxonomy (ErrorKind) used across
// the gateway, with helpers to create, wrap, classify, and render errors
// as the domain-failure payloads embedded in successful JSON-RPC
// responses.
//
// # Tool update events
//
// Upstream tool availability changes flow through a lightweight pub/sub:
// the upstream manager publishes ToolUpdateEvent values and the registry
// and gateway subscribe to keep the catalog and the exposed MCP tool list
// in sync.
package api
