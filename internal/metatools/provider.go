package metatools

import (
	"context"
	"fmt"

	"gantry/internal/api"
	"gantry/pkg/logging"
)

// Provider implements api.ToolProvider for the gateway's meta-tools: the
// discovery, execution, and workflow-control surface AI clients interact
// with. The provider is stateless; all state lives behind the API layer's
// service locator.
type Provider struct{}

// NewProvider creates a meta-tools provider. Safe for concurrent use.
func NewProvider() *Provider {
	return &Provider{}
}

// GetTools returns metadata for all meta-tools this provider offers.
func (p *Provider) GetTools() []api.ToolMetadata {
	return []api.ToolMetadata{
		{
			Name:        ToolSearchTools,
			Description: "Search available tools by semantic similarity, usage relatedness, and priority",
			Parameters: []api.ParameterMetadata{
				{
					Name:        "query",
					Type:        "string",
					Required:    true,
					Description: "Free-text description of the needed functionality",
				},
				{
					Name:        "limit",
					Type:        "number",
					Required:    false,
					Description: "Maximum number of results (default: 5)",
					Default:     5,
				},
				{
					Name:        "include_related",
					Type:        "boolean",
					Required:    false,
					Description: "Also include tools frequently used together with the matches",
				},
				{
					Name:        "context_tools",
					Type:        "array",
					Required:    false,
					Description: "Tool ids already in use, boosting related results",
				},
			},
		},
		{
			Name:        ToolSearchCapabilities,
			Description: "Search learned capabilities (multi-step plans) matching an intent",
			Parameters: []api.ParameterMetadata{
				{
					Name:        "intent",
					Type:        "string",
					Required:    true,
					Description: "Goal to look up capabilities for",
				},
				{
					Name:        "include_suggestions",
					Type:        "boolean",
					Required:    false,
					Description: "Append a synthesized plan suggestion with confidence",
				},
			},
		},
		{
			Name:        ToolExecuteDAG,
			Description: "Execute a workflow of dependent tasks, or plan one from an intent",
			Parameters: []api.ParameterMetadata{
				{
					Name:        "intent",
					Type:        "string",
					Required:    false,
					Description: "Goal to plan a workflow for (required when no workflow is given)",
				},
				{
					Name:        "workflow",
					Type:        "object",
					Required:    false,
					Description: "Explicit workflow document with a tasks list",
				},
				{
					Name:        "per_layer_validation",
					Type:        "boolean",
					Required:    false,
					Description: "Pause for confirmation after each completed layer",
				},
				{
					Name:        "continue_on_error",
					Type:        "boolean",
					Required:    false,
					Description: "Skip dependents of failed tasks instead of failing the workflow",
				},
				{
					Name:        "max_concurrency",
					Type:        "number",
					Required:    false,
					Description: "Per-layer parallelism cap",
				},
				{
					Name:        "timeout",
					Type:        "number",
					Required:    false,
					Description: "Overall deadline in seconds",
				},
			},
		},
		{
			Name:        ToolExecuteCode,
			Description: "Run a jq program in an isolated sandbox with tool-call access",
			Parameters: []api.ParameterMetadata{
				{
					Name:        "code",
					Type:        "string",
					Required:    true,
					Description: "jq program; the execution context is its input",
				},
				{
					Name:        "intent",
					Type:        "string",
					Required:    false,
					Description: "Goal description used to discover callable tools",
				},
				{
					Name:        "context",
					Type:        "object",
					Required:    false,
					Description: "Input data made available to the program",
				},
				{
					Name:        "tools",
					Type:        "array",
					Required:    false,
					Description: "Explicit tool ids the program may call",
				},
				{
					Name:        "timeout",
					Type:        "number",
					Required:    false,
					Description: "Execution deadline in seconds",
				},
				{
					Name:        "memory_limit",
					Type:        "number",
					Required:    false,
					Description: "Worker memory ceiling in bytes",
				},
				{
					Name:        "pii_protection",
					Type:        "boolean",
					Required:    false,
					Description: "Tokenize detected PII before the code sees it (default from config)",
				},
				{
					Name:        "cache",
					Type:        "boolean",
					Required:    false,
					Description: "Serve repeated executions from the result cache (default from config)",
				},
			},
		},
		{
			Name:        ToolContinue,
			Description: "Resume a workflow paused for per-layer validation",
			Parameters: []api.ParameterMetadata{
				{
					Name:        "workflow_id",
					Type:        "string",
					Required:    true,
					Description: "Id returned in the approval_required envelope",
				},
				{
					Name:        "reason",
					Type:        "string",
					Required:    false,
					Description: "Why execution should continue",
				},
			},
		},
		{
			Name:        ToolAbort,
			Description: "Terminate a pending workflow",
			Parameters: []api.ParameterMetadata{
				{
					Name:        "workflow_id",
					Type:        "string",
					Required:    true,
					Description: "Id returned in the approval_required envelope",
				},
				{
					Name:        "reason",
					Type:        "string",
					Required:    true,
					Description: "Why the workflow is being aborted",
				},
			},
		},
		{
			Name:        ToolReplan,
			Description: "Splice new requirements into a paused workflow, keeping completed work",
			Parameters: []api.ParameterMetadata{
				{
					Name:        "workflow_id",
					Type:        "string",
					Required:    true,
					Description: "Id returned in the approval_required envelope",
				},
				{
					Name:        "new_requirement",
					Type:        "string",
					Required:    true,
					Description: "What the amended workflow must additionally achieve",
				},
				{
					Name:        "context",
					Type:        "object",
					Required:    false,
					Description: "Planning context; may carry an explicit tasks fragment",
				},
			},
		},
		{
			Name:        ToolApprovalResponse,
			Description: "Answer an approval or checkpoint pause",
			Parameters: []api.ParameterMetadata{
				{
					Name:        "workflow_id",
					Type:        "string",
					Required:    true,
					Description: "Id returned in the approval_required envelope",
				},
				{
					Name:        "checkpoint_id",
					Type:        "string",
					Required:    false,
					Description: "Checkpoint task id, for checkpoint pauses",
				},
				{
					Name:        "approved",
					Type:        "boolean",
					Required:    true,
					Description: "Whether the paused action may proceed",
				},
				{
					Name:        "feedback",
					Type:        "string",
					Required:    false,
					Description: "Free-text feedback recorded with the decision",
				},
				{
					Name:        "scope",
					Type:        "string",
					Required:    false,
					Description: "Approval scope: once (default) or always",
				},
			},
		},
	}
}

// ExecuteTool implements api.ToolProvider. Unknown names are protocol
// errors; domain failures come back as error payloads inside successful
// results.
func (p *Provider) ExecuteTool(ctx context.Context, toolName string, args map[string]interface{}) (*api.CallToolResult, error) {
	logging.Debug("MetaTools", "Executing %s", toolName)

	switch toolName {
	case ToolSearchTools:
		return p.handleSearchTools(ctx, args)
	case ToolSearchCapabilities:
		return p.handleSearchCapabilities(ctx, args)
	case ToolExecuteDAG:
		return p.handleExecuteDAG(ctx, args)
	case ToolExecuteCode:
		return p.handleExecuteCode(ctx, args)
	case ToolContinue:
		return p.handleContinue(ctx, args)
	case ToolAbort:
		return p.handleAbort(ctx, args)
	case ToolReplan:
		return p.handleReplan(ctx, args)
	case ToolApprovalResponse:
		return p.handleApprovalResponse(ctx, args)
	default:
		return nil, fmt.Errorf("unknown meta-tool: %s", toolName)
	}
}
