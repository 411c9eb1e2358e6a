package metatools

// Meta-tool name constants. These are the gateway's own tools; proxied
// upstream tools are exposed as "server:tool" and never collide with
// these names.
const (
	// ToolSearchTools ranks catalog tools against a free-text query.
	ToolSearchTools = "search_tools"

	// ToolSearchCapabilities ranks learned capabilities against an intent.
	ToolSearchCapabilities = "search_capabilities"

	// ToolExecuteDAG submits a workflow, or an intent to plan one.
	ToolExecuteDAG = "execute_dag"

	// ToolExecuteCode runs a jq program in the sandbox.
	ToolExecuteCode = "execute_code"

	// ToolContinue resumes a workflow paused for per-layer validation.
	ToolContinue = "continue"

	// ToolAbort terminates a pending workflow.
	ToolAbort = "abort"

	// ToolReplan splices new work into a paused workflow.
	ToolReplan = "replan"

	// ToolApprovalResponse answers approval and checkpoint pauses.
	ToolApprovalResponse = "approval_response"
)

// searchToolsRequest carries the search_tools arguments.
type searchToolsRequest struct {
	Query          string   `mapstructure:"query"`
	Limit          int      `mapstructure:"limit"`
	IncludeRelated bool     `mapstructure:"include_related"`
	ContextTools   []string `mapstructure:"context_tools"`
}

// searchCapabilitiesRequest carries the search_capabilities arguments.
type searchCapabilitiesRequest struct {
	Intent             string `mapstructure:"intent"`
	IncludeSuggestions bool   `mapstructure:"include_suggestions"`
}

// executeDAGRequest carries the execute_dag arguments. Timeout is in
// seconds.
type executeDAGRequest struct {
	Intent             string                 `mapstructure:"intent"`
	Workflow           map[string]interface{} `mapstructure:"workflow"`
	PerLayerValidation bool                   `mapstructure:"per_layer_validation"`
	ContinueOnError    bool                   `mapstructure:"continue_on_error"`
	MaxConcurrency     int                    `mapstructure:"max_concurrency"`
	TimeoutSeconds     float64                `mapstructure:"timeout"`
}

// executeCodeRequest carries the execute_code arguments. Timeout is in
// seconds, memory_limit in bytes.
type executeCodeRequest struct {
	Code           string                 `mapstructure:"code"`
	Intent         string                 `mapstructure:"intent"`
	Context        map[string]interface{} `mapstructure:"context"`
	Tools          []string               `mapstructure:"tools"`
	TimeoutSeconds float64                `mapstructure:"timeout"`
	MemoryLimit    int64                  `mapstructure:"memory_limit"`
	PIIProtection  *bool                  `mapstructure:"pii_protection"`
	Cache          *bool                  `mapstructure:"cache"`
}

// workflowControlRequest carries the continue and abort arguments.
type workflowControlRequest struct {
	WorkflowID string `mapstructure:"workflow_id"`
	Reason     string `mapstructure:"reason"`
}

// replanRequest carries the replan arguments.
type replanRequest struct {
	WorkflowID     string                 `mapstructure:"workflow_id"`
	NewRequirement string                 `mapstructure:"new_requirement"`
	Context        map[string]interface{} `mapstructure:"context"`
}

// approvalResponseRequest carries the approval_response arguments.
type approvalResponseRequest struct {
	WorkflowID   string `mapstructure:"workflow_id"`
	CheckpointID string `mapstructure:"checkpoint_id"`
	Approved     *bool  `mapstructure:"approved"`
	Feedback     string `mapstructure:"feedback"`
	Scope        string `mapstructure:"scope"`
}
