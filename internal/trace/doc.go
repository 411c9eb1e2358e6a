// Package trace records execution traces for workflow and tool activity.
//
// Events are cheap, fixed-shape records (no payloads, only sha256
// fingerprints) emitted by the engine, sandbox, and upstream layers. The
// Ring recorder retains a bounded window of recent events and fans them out
// to subscribers with drop-oldest backpressure, so a slow consumer can
// never stall execution.
//
// The Folder subscribes to the ring, groups events by workflow root, and
// feeds each completed trace to the graph engine on a bounded worker pool.
// Folding is strictly best-effort: errors are logged and the trace is
// dropped.
package trace
