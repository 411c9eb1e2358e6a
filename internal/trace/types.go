package trace

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// Kind classifies a trace event.
type Kind string

const (
	// KindExecStart marks the beginning of a workflow or task execution.
	KindExecStart Kind = "exec-start"

	// KindToolCall marks a single upstream tool invocation.
	KindToolCall Kind = "tool-call"

	// KindCapabilityInvoke marks a capability expansion being executed.
	KindCapabilityInvoke Kind = "capability-invoke"

	// KindCacheHit marks a sandbox execution served from cache.
	KindCacheHit Kind = "cache-hit"

	// KindError marks a failed operation.
	KindError Kind = "error"

	// KindExecEnd marks the end of a workflow or task execution.
	KindExecEnd Kind = "exec-end"
)

// Event statuses.
const (
	StatusOK      = "ok"
	StatusError   = "error"
	StatusSkipped = "skipped"
	StatusPaused  = "paused"
	StatusAborted = "aborted"
)

// Event is one entry in an execution trace. Events form a tree: RootID is
// the workflow execution, ParentID the enclosing span. Payloads are never
// stored, only fingerprints. Consumes names the targets whose outputs fed
// this event's inputs; the graph folds these into dependency edges.
type Event struct {
	ID       string        `json:"id"`
	ParentID string        `json:"parent_id,omitempty"`
	RootID   string        `json:"root_id"`
	TS       time.Time     `json:"ts"`
	Duration time.Duration `json:"duration,omitempty"`
	Kind     Kind          `json:"kind"`
	Target   string        `json:"target,omitempty"`
	InputFP  string        `json:"input_fp,omitempty"`
	OutputFP string        `json:"output_fp,omitempty"`
	Status   string        `json:"status,omitempty"`
	Consumes []string      `json:"consumes,omitempty"`
}

// Fingerprint returns a short stable digest of v: the first 8 bytes of the
// sha256 of its JSON encoding, hex encoded. encoding/json sorts map keys,
// so logically equal maps fingerprint identically.
func Fingerprint(v interface{}) string {
	data, err := json.Marshal(v)
	if err != nil {
		data = []byte(fmt.Sprintf("%v", v))
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:8])
}
