package api

import (
	"context"
	"fmt"
	"time"
)

// ToolUpdateEvent describes a change in upstream tool availability.
// Events are published by the upstream manager whenever a server connects,
// disconnects, or reports a changed tool list, and are consumed by the
// registry (descriptor catalog) and the gateway (exposed tool surface).
type ToolUpdateEvent struct {
	Type       string           `json:"type"` // "server_registered", "server_deregistered", "tools_changed"
	ServerName string           `json:"server_name"`
	Tools      []ToolDescriptor `json:"tools"`
	Timestamp  time.Time        `json:"timestamp"`
	Error      string           `json:"error,omitempty"`
}

// Tool update event types.
const (
	ToolsEventRegistered   = "server_registered"
	ToolsEventDeregistered = "server_deregistered"
	ToolsEventChanged      = "tools_changed"
)

// ToolUpdateSubscriber is implemented by components that want to receive
// tool update events.
type ToolUpdateSubscriber interface {
	OnToolsUpdated(event ToolUpdateEvent)
}

// CallToolResult represents the result of a tool call.
type CallToolResult struct {
	Content []interface{} `json:"content"`
	IsError bool          `json:"isError,omitempty"`
}

// ToolMetadata describes a meta-tool the gateway exposes.
type ToolMetadata struct {
	Name        string // e.g. "search_tools", "execute_dag"
	Description string
	Parameters  []ParameterMetadata
}

// ParameterMetadata describes a tool parameter.
type ParameterMetadata struct {
	Name        string
	Type        string // "string", "number", "boolean", "object", "array"
	Required    bool
	Description string
	Default     interface{}
}

// ToolProvider is implemented by components that expose tools through the
// gateway's MCP surface.
type ToolProvider interface {
	// Returns all tools this provider offers
	GetTools() []ToolMetadata

	// Executes a tool by name
	ExecuteTool(ctx context.Context, toolName string, args map[string]interface{}) (*CallToolResult, error)
}

// ToolDescriptor is the canonical description of one upstream tool.
// Identity is the (server, tool name) pair rendered as "server:tool".
// A descriptor is immutable while its upstream connection exists; the
// content hash changes when the upstream republishes a different schema.
type ToolDescriptor struct {
	Server      string                 `json:"server"`
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	InputSchema map[string]interface{} `json:"input_schema,omitempty"`
	Hash        string                 `json:"hash"`
	UpdatedAt   time.Time              `json:"updated_at"`
}

// ID returns the globally unique tool identity "server:tool".
func (d ToolDescriptor) ID() string {
	return d.Server + ":" + d.Name
}

// SplitToolID splits a "server:tool" identity into its parts. ok is false
// when the id carries no server prefix.
func SplitToolID(id string) (server, tool string, ok bool) {
	for i := 0; i < len(id); i++ {
		if id[i] == ':' {
			return id[:i], id[i+1:], i > 0 && i < len(id)-1
		}
	}
	return "", id, false
}

// HealthState represents the health of an upstream session.
type HealthState string

const (
	HealthStarting  HealthState = "starting"
	HealthHealthy   HealthState = "healthy"
	HealthUnhealthy HealthState = "unhealthy"
	HealthClosed    HealthState = "closed"
)

// ServerState is a point-in-time snapshot of one upstream session.
type ServerState struct {
	Name      string      `json:"name"`
	Health    HealthState `json:"health"`
	ToolCount int         `json:"tool_count"`
	LastSeen  time.Time   `json:"last_seen"`
	Restarts  int         `json:"restarts"`
	IdleStop  bool        `json:"idle_stop,omitempty"`
}

// SearchRequest is a hybrid search over the descriptor catalog.
type SearchRequest struct {
	Query          string
	Limit          int
	IncludeRelated bool
	ContextTools   []string
}

// SearchHit is one ranked catalog entry with its score breakdown.
type SearchHit struct {
	ID              string                 `json:"id"`
	Name            string                 `json:"name"`
	Description     string                 `json:"description"`
	Server          string                 `json:"server,omitempty"`
	InputSchema     map[string]interface{} `json:"input_schema,omitempty"`
	Score           float64                `json:"score"`
	Similarity      float64                `json:"similarity"`
	Relatedness     float64                `json:"relatedness"`
	Priority        float64                `json:"priority"`
	SuccessRate     float64                `json:"success_rate,omitempty"`
	RelatedOverflow bool                   `json:"related_overflow,omitempty"`
}

// CapabilityExpansion is a capability's stored plan, ready for engine
// submission. Task ids inside the fragment are already unique within it.
type CapabilityExpansion struct {
	ID          string
	Intent      string
	Tasks       []map[string]interface{}
	SuccessRate float64
}

// CapabilityUpsert records a learned (or re-observed) capability.
type CapabilityUpsert struct {
	Intent  string
	Tasks   []map[string]interface{}
	Success bool
}

// ExecuteDAGRequest submits a workflow (or an intent to plan one) to the
// DAG engine.
type ExecuteDAGRequest struct {
	Intent             string
	Workflow           map[string]interface{}
	PerLayerValidation bool
	ContinueOnError    bool
	MaxConcurrency     int
	Timeout            time.Duration
}

// ApprovalResponseRequest resumes a workflow paused on an approval or a
// human checkpoint.
type ApprovalResponseRequest struct {
	WorkflowID   string
	CheckpointID string
	Approved     bool
	Feedback     string
	Scope        string // "once" (default) or "always"
}

// PlanSuggestion is the suggester's answer for an intent: a workflow shape
// plus a confidence estimate.
type PlanSuggestion struct {
	Workflow     map[string]interface{} `json:"workflow"`
	Confidence   float64                `json:"confidence"`
	Source       string                 `json:"source"` // "capability" or "synthesized"
	CapabilityID string                 `json:"capability_id,omitempty"`
}

// ExecuteCodeRequest runs user code through the sandbox runtime.
type ExecuteCodeRequest struct {
	Code          string
	Intent        string
	Context       map[string]interface{}
	Tools         []string
	Timeout       time.Duration
	MemoryLimit   int64
	PIIProtection *bool // nil = config default
	Cache         *bool // nil = config default
}

// UpstreamHandler provides access to upstream MCP sessions.
type UpstreamHandler interface {
	// CallTool issues tools/call on the named server.
	CallTool(ctx context.Context, server, tool string, args map[string]interface{}) (*CallToolResult, error)

	// ListTools returns the merged descriptor set across all sessions.
	ListTools() []ToolDescriptor

	// States returns a snapshot of every session's health.
	States() []ServerState
}

// RegistryHandler provides access to the tool/capability catalog and
// hybrid search.
type RegistryHandler interface {
	SearchTools(ctx context.Context, req SearchRequest) ([]SearchHit, error)
	SearchCapabilities(ctx context.Context, req SearchRequest) ([]SearchHit, error)

	// Descriptor resolves "server:tool" to its current descriptor.
	Descriptor(id string) (ToolDescriptor, bool)
	ListDescriptors() []ToolDescriptor

	// SchemaHashes returns id -> content hash for the given tool ids,
	// omitting unknown ids. Used for sandbox cache keys.
	SchemaHashes(ids []string) map[string]string

	// ExpandCapability returns the stored plan fragment for a capability.
	// A stored-plan integrity mismatch returns a DEPENDENCY error carrying
	// an "approval_type" detail of "integrity".
	ExpandCapability(ctx context.Context, id string) (*CapabilityExpansion, error)

	// UpsertCapability records a learned capability (or updates its
	// success statistics when the same intent/plan is re-observed).
	UpsertCapability(ctx context.Context, up CapabilityUpsert) (string, error)
}

// GraphHandler answers structural queries over the knowledge graph.
type GraphHandler interface {
	// Relatedness returns the Adamic-Adar boost of each candidate with
	// respect to the context set, normalized over the candidate window.
	Relatedness(candidates []string, contextSet []string) map[string]float64

	// PageRank returns the current global rank per node id.
	PageRank() map[string]float64

	// SuccessRate reports the observed success rate for a node, 1.0 when
	// nothing has been observed yet.
	SuccessRate(id string) float64

	// DependencyWeight returns the directed dependency-edge weight between
	// two nodes, 0 when no such edge exists.
	DependencyWeight(src, dst string) float64

	// RecordCapability asserts a capability node and its contains edges.
	// Called by the registry when a capability materializes.
	RecordCapability(capID string, toolIDs []string)
}

// EngineHandler provides DAG submission and pending-workflow control.
type EngineHandler interface {
	Execute(ctx context.Context, req ExecuteDAGRequest) (*CallToolResult, error)
	Continue(ctx context.Context, workflowID, reason string) (*CallToolResult, error)
	Abort(ctx context.Context, workflowID, reason string) (*CallToolResult, error)
	Replan(ctx context.Context, workflowID, newRequirement string, planContext map[string]interface{}) (*CallToolResult, error)
	ApprovalResponse(ctx context.Context, req ApprovalResponseRequest) (*CallToolResult, error)
	Suggest(ctx context.Context, intent string) (*PlanSuggestion, error)
}

// SandboxHandler executes user code in an isolated worker.
type SandboxHandler interface {
	ExecuteCode(ctx context.Context, req ExecuteCodeRequest) (*CallToolResult, error)
}

// ToolCaller dispatches a tool call by its exposed name ("server:tool" or a
// meta-tool name). The gateway registers its internal dispatcher here; the
// engine and the sandbox bridge route through it so every call, regardless
// of origin, takes the same path.
type ToolCaller interface {
	CallToolInternal(ctx context.Context, toolName string, args map[string]interface{}) (*CallToolResult, error)
}

// TextResult builds a single-text-content result.
func TextResult(text string) *CallToolResult {
	return &CallToolResult{Content: []interface{}{text}}
}

// TextErrorResult builds a protocol-level error result (IsError true).
// Domain failures should use ErrorPayload instead.
func TextErrorResult(format string, args ...interface{}) *CallToolResult {
	return &CallToolResult{
		Content: []interface{}{fmt.Sprintf(format, args...)},
		IsError: true,
	}
}
