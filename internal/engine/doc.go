// Package engine compiles workflows into layered execution plans and runs
// them with bounded parallelism, inter-task output substitution, retries,
// and controlled pausing.
//
// A workflow is a set of task declarations with dependencies. Compilation
// validates references, rejects cycles, and layers the tasks by Kahn
// topological sort. Execution proceeds layer by layer: within a layer an
// errgroup runs tasks concurrently; across layers every task observes all
// outputs of its declared dependencies. Pauses (per-layer validation,
// dependency approvals, human checkpoints) park the workflow in a
// TTL-bounded pending store and complete the originating call with an
// approval_required envelope; continue, abort, approval_response, and
// replan operate on the parked state.
package engine
