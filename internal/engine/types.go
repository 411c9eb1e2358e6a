package engine

import (
	"time"
)

// Task kinds.
const (
	KindToolCall   = "tool_call"
	KindCode       = "code"
	KindCapability = "capability"
	KindDAG        = "dag"
	KindCheckpoint = "checkpoint"
)

// Task statuses.
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
	StatusSkipped   = "skipped"
	StatusCancelled = "cancelled"
)

// Workflow terminal and pause states.
const (
	WorkflowRunning             = "running"
	WorkflowPausedForValidation = "paused-for-validation"
	WorkflowPausedForApproval   = "paused-for-approval"
	WorkflowCompleted           = "completed"
	WorkflowFailed              = "failed"
	WorkflowAborted             = "aborted"
)

// Pause kinds carried in approval_required envelopes.
const (
	PausePerLayer   = "per_layer"
	PauseDependency = "dependency"
	PauseAPIKey     = "api_key_required"
	PauseIntegrity  = "integrity"
	PauseCheckpoint = "checkpoint"
)

// Task is one declared unit of work. The kind selects which target field
// applies: tool for tool_call, code for code, capability for capability,
// tasks for dag, prompt for checkpoint.
type Task struct {
	ID         string                   `mapstructure:"id" json:"id"`
	Kind       string                   `mapstructure:"kind" json:"kind"`
	Tool       string                   `mapstructure:"tool" json:"tool,omitempty"`
	Code       string                   `mapstructure:"code" json:"code,omitempty"`
	Capability string                   `mapstructure:"capability" json:"capability,omitempty"`
	Tasks      []map[string]interface{} `mapstructure:"tasks" json:"tasks,omitempty"`
	Args       map[string]interface{}   `mapstructure:"args" json:"args,omitempty"`
	DependsOn  []string                 `mapstructure:"depends_on" json:"depends_on,omitempty"`
	Guard      string                   `mapstructure:"guard" json:"guard,omitempty"`
	Intent     string                   `mapstructure:"intent" json:"intent,omitempty"`
	Prompt     string                   `mapstructure:"prompt" json:"prompt,omitempty"`
	Retries    int                      `mapstructure:"retries" json:"retries,omitempty"`
	Sandbox    map[string]interface{}   `mapstructure:"sandbox" json:"sandbox,omitempty"`
}

// target names the node the knowledge graph and the trace attribute this
// task to.
func (t *Task) target() string {
	switch t.Kind {
	case KindToolCall:
		return t.Tool
	case KindCapability:
		return t.Capability
	case KindCode:
		return "code"
	case KindDAG:
		return "dag"
	default:
		return t.Kind
	}
}

// TaskResult is the recorded outcome of one task.
type TaskResult struct {
	Status   string        `json:"status"`
	Output   interface{}   `json:"output,omitempty"`
	Error    string        `json:"error,omitempty"`
	Code     string        `json:"code,omitempty"`
	Duration time.Duration `json:"-"`
	Attempts int           `json:"attempts,omitempty"`
}

func (r *TaskResult) terminal() bool {
	switch r.Status {
	case StatusSucceeded, StatusFailed, StatusSkipped, StatusCancelled:
		return true
	}
	return false
}
