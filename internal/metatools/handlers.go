package metatools

import (
	"context"
	"encoding/json"
	"time"

	"github.com/mitchellh/mapstructure"

	"gantry/internal/api"
)

const defaultSearchLimit = 5

// decodeArgs maps a raw argument object onto a typed request.
func decodeArgs(args map[string]interface{}, out interface{}) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		TagName:          "mapstructure",
		WeaklyTypedInput: true,
	})
	if err != nil {
		return api.WrapError(api.ErrInternal, err, "failed to build argument decoder")
	}
	if err := decoder.Decode(args); err != nil {
		return api.WrapError(api.ErrValidation, err, "malformed arguments")
	}
	return nil
}

// domainResult renders an error as the domain-failure payload inside a
// successful result. Protocol-level failures return Go errors instead.
func domainResult(err error) *api.CallToolResult {
	data, encErr := json.Marshal(api.ErrorPayload(err))
	if encErr != nil {
		return api.TextErrorResult("failed to encode error payload: %v", encErr)
	}
	return api.TextResult(string(data))
}

func jsonResult(payload interface{}) *api.CallToolResult {
	data, err := json.Marshal(payload)
	if err != nil {
		return api.TextErrorResult("failed to encode result: %v", err)
	}
	return api.TextResult(string(data))
}

func (p *Provider) handleSearchTools(ctx context.Context, args map[string]interface{}) (*api.CallToolResult, error) {
	var req searchToolsRequest
	if err := decodeArgs(args, &req); err != nil {
		return domainResult(err), nil
	}
	if req.Query == "" {
		return domainResult(api.Errorf(api.ErrValidation, "query is required")), nil
	}
	if req.Limit <= 0 {
		req.Limit = defaultSearchLimit
	}

	reg := api.GetRegistry()
	if reg == nil {
		return domainResult(api.Errorf(api.ErrInternal, "registry not available")), nil
	}
	hits, err := reg.SearchTools(ctx, api.SearchRequest{
		Query:          req.Query,
		Limit:          req.Limit,
		IncludeRelated: req.IncludeRelated,
		ContextTools:   req.ContextTools,
	})
	if err != nil {
		return domainResult(err), nil
	}
	if hits == nil {
		hits = []api.SearchHit{}
	}
	return jsonResult(map[string]interface{}{
		"query": req.Query,
		"count": len(hits),
		"tools": hits,
	}), nil
}

func (p *Provider) handleSearchCapabilities(ctx context.Context, args map[string]interface{}) (*api.CallToolResult, error) {
	var req searchCapabilitiesRequest
	if err := decodeArgs(args, &req); err != nil {
		return domainResult(err), nil
	}
	if req.Intent == "" {
		return domainResult(api.Errorf(api.ErrValidation, "intent is required")), nil
	}

	reg := api.GetRegistry()
	if reg == nil {
		return domainResult(api.Errorf(api.ErrInternal, "registry not available")), nil
	}
	hits, err := reg.SearchCapabilities(ctx, api.SearchRequest{Query: req.Intent, Limit: defaultSearchLimit})
	if err != nil {
		return domainResult(err), nil
	}
	if hits == nil {
		hits = []api.SearchHit{}
	}

	payload := map[string]interface{}{
		"intent":       req.Intent,
		"count":        len(hits),
		"capabilities": hits,
	}
	if req.IncludeSuggestions {
		if engine := api.GetEngine(); engine != nil {
			if suggestion, err := engine.Suggest(ctx, req.Intent); err == nil {
				payload["suggestion"] = suggestion
			}
		}
	}
	return jsonResult(payload), nil
}

func (p *Provider) handleExecuteDAG(ctx context.Context, args map[string]interface{}) (*api.CallToolResult, error) {
	var req executeDAGRequest
	if err := decodeArgs(args, &req); err != nil {
		return domainResult(err), nil
	}
	if req.Intent == "" && req.Workflow == nil {
		return domainResult(api.Errorf(api.ErrValidation, "execute_dag requires an intent or a workflow")), nil
	}

	engine := api.GetEngine()
	if engine == nil {
		return domainResult(api.Errorf(api.ErrInternal, "engine not available")), nil
	}
	result, err := engine.Execute(ctx, api.ExecuteDAGRequest{
		Intent:             req.Intent,
		Workflow:           req.Workflow,
		PerLayerValidation: req.PerLayerValidation,
		ContinueOnError:    req.ContinueOnError,
		MaxConcurrency:     req.MaxConcurrency,
		Timeout:            secondsToDuration(req.TimeoutSeconds),
	})
	if err != nil {
		return domainResult(err), nil
	}
	return result, nil
}

func (p *Provider) handleExecuteCode(ctx context.Context, args map[string]interface{}) (*api.CallToolResult, error) {
	var req executeCodeRequest
	if err := decodeArgs(args, &req); err != nil {
		return domainResult(err), nil
	}
	if req.Code == "" {
		return domainResult(api.Errorf(api.ErrValidation, "code is required")), nil
	}

	sandbox := api.GetSandbox()
	if sandbox == nil {
		return domainResult(api.Errorf(api.ErrInternal, "sandbox not available")), nil
	}
	result, err := sandbox.ExecuteCode(ctx, api.ExecuteCodeRequest{
		Code:          req.Code,
		Intent:        req.Intent,
		Context:       req.Context,
		Tools:         req.Tools,
		Timeout:       secondsToDuration(req.TimeoutSeconds),
		MemoryLimit:   req.MemoryLimit,
		PIIProtection: req.PIIProtection,
		Cache:         req.Cache,
	})
	if err != nil {
		return domainResult(err), nil
	}
	return result, nil
}

func (p *Provider) handleContinue(ctx context.Context, args map[string]interface{}) (*api.CallToolResult, error) {
	var req workflowControlRequest
	if err := decodeArgs(args, &req); err != nil {
		return domainResult(err), nil
	}
	if req.WorkflowID == "" {
		return domainResult(api.Errorf(api.ErrValidation, "workflow_id is required")), nil
	}

	engine := api.GetEngine()
	if engine == nil {
		return domainResult(api.Errorf(api.ErrInternal, "engine not available")), nil
	}
	result, err := engine.Continue(ctx, req.WorkflowID, req.Reason)
	if err != nil {
		return domainResult(withWorkflowID(err, req.WorkflowID)), nil
	}
	return result, nil
}

func (p *Provider) handleAbort(ctx context.Context, args map[string]interface{}) (*api.CallToolResult, error) {
	var req workflowControlRequest
	if err := decodeArgs(args, &req); err != nil {
		return domainResult(err), nil
	}
	if req.WorkflowID == "" {
		return domainResult(api.Errorf(api.ErrValidation, "workflow_id is required")), nil
	}
	if req.Reason == "" {
		return domainResult(api.Errorf(api.ErrValidation, "reason is required")), nil
	}

	engine := api.GetEngine()
	if engine == nil {
		return domainResult(api.Errorf(api.ErrInternal, "engine not available")), nil
	}
	result, err := engine.Abort(ctx, req.WorkflowID, req.Reason)
	if err != nil {
		return domainResult(withWorkflowID(err, req.WorkflowID)), nil
	}
	return result, nil
}

func (p *Provider) handleReplan(ctx context.Context, args map[string]interface{}) (*api.CallToolResult, error) {
	var req replanRequest
	if err := decodeArgs(args, &req); err != nil {
		return domainResult(err), nil
	}
	if req.WorkflowID == "" {
		return domainResult(api.Errorf(api.ErrValidation, "workflow_id is required")), nil
	}
	if req.NewRequirement == "" {
		return domainResult(api.Errorf(api.ErrValidation, "new_requirement is required")), nil
	}

	engine := api.GetEngine()
	if engine == nil {
		return domainResult(api.Errorf(api.ErrInternal, "engine not available")), nil
	}
	result, err := engine.Replan(ctx, req.WorkflowID, req.NewRequirement, req.Context)
	if err != nil {
		return domainResult(withWorkflowID(err, req.WorkflowID)), nil
	}
	return result, nil
}

func (p *Provider) handleApprovalResponse(ctx context.Context, args map[string]interface{}) (*api.CallToolResult, error) {
	var req approvalResponseRequest
	if err := decodeArgs(args, &req); err != nil {
		return domainResult(err), nil
	}
	if req.WorkflowID == "" {
		return domainResult(api.Errorf(api.ErrValidation, "workflow_id is required")), nil
	}
	if req.Approved == nil {
		return domainResult(api.Errorf(api.ErrValidation, "approved is required")), nil
	}

	engine := api.GetEngine()
	if engine == nil {
		return domainResult(api.Errorf(api.ErrInternal, "engine not available")), nil
	}
	result, err := engine.ApprovalResponse(ctx, api.ApprovalResponseRequest{
		WorkflowID:   req.WorkflowID,
		CheckpointID: req.CheckpointID,
		Approved:     *req.Approved,
		Feedback:     req.Feedback,
		Scope:        req.Scope,
	})
	if err != nil {
		return domainResult(withWorkflowID(err, req.WorkflowID)), nil
	}
	return result, nil
}

// withWorkflowID attaches the workflow correlation id to typed errors.
func withWorkflowID(err error, workflowID string) error {
	if typed, ok := err.(*api.Error); ok {
		return typed.WithDetail("workflow_id", workflowID)
	}
	return err
}

func secondsToDuration(seconds float64) time.Duration {
	if seconds <= 0 {
		return 0
	}
	return time.Duration(seconds * float64(time.Second))
}
