package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/PaesslerAG/jsonpath"
	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"gantry/internal/api"
	"gantry/internal/config"
	"gantry/internal/trace"
	"gantry/pkg/logging"
)

// suggestThreshold gates immediate execution of suggested plans; below it
// the caller gets the plan back instead.
const suggestThreshold = 0.7

// Engine runs compiled workflows. It implements api.EngineHandler.
type Engine struct {
	cfg      config.EngineConfig
	recorder trace.Recorder
	pending  *pendingStore
	history  *ExecutionStore
	spec     *speculator

	// approvedMu guards the session-wide approve-always allow-list.
	approvedMu sync.Mutex
	approved   map[string]bool
}

// New builds an engine. The recorder may be nil.
func New(cfg config.EngineConfig, specCfg config.SpeculationConfig, recorder trace.Recorder) *Engine {
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = config.DefaultMaxConcurrency
	}
	if cfg.TaskTimeout == 0 {
		cfg.TaskTimeout = config.Duration(config.DefaultTaskTimeout)
	}
	if cfg.Retries.Attempts <= 0 {
		cfg.Retries.Attempts = config.DefaultRetryAttempts
	}
	if cfg.Retries.BackoffBase == 0 {
		cfg.Retries.BackoffBase = config.Duration(config.DefaultRetryBackoffBase)
	}
	if recorder == nil {
		recorder = trace.NopRecorder{}
	}
	return &Engine{
		cfg:      cfg,
		recorder: recorder,
		pending:  newPendingStore(cfg.Pending, recorder),
		history:  NewExecutionStore(defaultHistoryCapacity, cfg.HistoryDir),
		spec:     newSpeculator(specCfg),
		approved: make(map[string]bool),
	}
}

// Register publishes the engine through the API service locator.
func (e *Engine) Register() {
	api.RegisterEngine(e)
}

// Close stops the pending sweeper and the speculation pool.
func (e *Engine) Close() {
	e.pending.close()
	e.spec.close()
}

// workflowState is the mutable execution state of one workflow instance.
type workflowState struct {
	id                 string
	intent             string
	plan               *Plan
	perLayerValidation bool
	continueOnError    bool
	maxConcurrency     int
	startedAt          time.Time
	replans            int

	mu           sync.Mutex
	status       string
	reason       string
	outputs      map[string]interface{}
	results      map[string]*TaskResult
	executedPath []string
	validated    map[int]bool

	// approvedTasks marks tasks whose dependency pause was approved; the
	// next failure of the same task is terminal instead of a new pause.
	approvedTasks map[string]bool
}

func (st *workflowState) setResult(id string, res *TaskResult) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.results[id] = res
}

func (st *workflowState) result(id string) *TaskResult {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.results[id]
}

func (st *workflowState) setOutput(id string, output interface{}, target string) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.outputs[id] = output
	st.executedPath = append(st.executedPath, target)
}

func (st *workflowState) outputsSnapshot() map[string]interface{} {
	st.mu.Lock()
	defer st.mu.Unlock()
	out := make(map[string]interface{}, len(st.outputs))
	for k, v := range st.outputs {
		out[k] = v
	}
	return out
}

// Execute implements api.EngineHandler. With a workflow it compiles and
// runs it; with only an intent it consults the suggester and either runs
// the suggestion (confidence at or above the threshold) or returns it.
func (e *Engine) Execute(ctx context.Context, req api.ExecuteDAGRequest) (*api.CallToolResult, error) {
	workflow := req.Workflow
	if workflow == nil {
		if req.Intent == "" {
			return nil, api.Errorf(api.ErrValidation, "execute_dag requires an intent or a workflow")
		}
		suggestion, err := e.Suggest(ctx, req.Intent)
		if err != nil {
			return nil, err
		}
		if suggestion.Confidence < suggestThreshold {
			return jsonResult(map[string]interface{}{
				"status":        "suggestion",
				"plan":          suggestion.Workflow,
				"confidence":    suggestion.Confidence,
				"source":        suggestion.Source,
				"capability_id": suggestion.CapabilityID,
			}), nil
		}
		workflow = suggestion.Workflow
	}

	plan, err := Compile(workflow)
	if err != nil {
		return nil, err
	}

	st := &workflowState{
		id:                 uuid.NewString(),
		intent:             req.Intent,
		plan:               plan,
		perLayerValidation: req.PerLayerValidation,
		continueOnError:    req.ContinueOnError,
		maxConcurrency:     e.cfg.MaxConcurrency,
		startedAt:          time.Now(),
		status:             WorkflowRunning,
		outputs:            make(map[string]interface{}),
		results:            make(map[string]*TaskResult),
		validated:          make(map[int]bool),
		approvedTasks:      make(map[string]bool),
	}
	if req.MaxConcurrency > 0 {
		st.maxConcurrency = req.MaxConcurrency
	}

	e.recorder.Record(trace.Event{
		ID:     st.id,
		RootID: st.id,
		TS:     st.startedAt,
		Kind:   trace.KindExecStart,
		Target: "execute_dag",
	})

	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}
	return e.run(ctx, st)
}

// run executes layers until the workflow terminates or pauses. Completed
// tasks are never re-run, so resumed workflows re-enter here from layer 0.
func (e *Engine) run(ctx context.Context, st *workflowState) (*api.CallToolResult, error) {
	st.mu.Lock()
	st.status = WorkflowRunning
	st.mu.Unlock()

layers:
	for li := 0; li < len(st.plan.Layers); li++ {
		var open []string
		for _, id := range st.plan.Layers[li] {
			if res := st.result(id); res == nil || !res.terminal() {
				open = append(open, id)
			}
		}
		if len(open) == 0 {
			continue
		}

		// Checkpoints gate their whole layer.
		for _, id := range open {
			task := st.plan.Tasks[id]
			if task.Kind == KindCheckpoint {
				return e.park(st, &pauseState{
					Type:         PauseCheckpoint,
					CheckpointID: id,
					TaskID:       id,
					Context: map[string]interface{}{
						"prompt": task.Prompt,
						"task":   id,
					},
					Options: []string{"approved", "rejected"},
				}), nil
			}
		}

		e.spec.prepare(st, li+1)

		pause, failed := e.runLayer(ctx, st, open)
		if ctxErr := api.FromContext(ctx); ctxErr != nil {
			st.mu.Lock()
			st.status = WorkflowFailed
			st.reason = ctxErr.Error()
			st.mu.Unlock()
			break layers
		}
		if pause != nil {
			return e.park(st, pause), nil
		}
		if len(failed) > 0 {
			for _, id := range failed {
				e.skipDependents(st, id)
			}
			if !st.continueOnError {
				st.mu.Lock()
				st.status = WorkflowFailed
				st.reason = fmt.Sprintf("task %s failed", failed[0])
				st.mu.Unlock()
				break layers
			}
			continue
		}

		if st.perLayerValidation && li < len(st.plan.Layers)-1 && !st.validated[li] {
			st.validated[li] = true
			return e.park(st, &pauseState{
				Type: PausePerLayer,
				Context: map[string]interface{}{
					"layer":        li,
					"total_layers": len(st.plan.Layers),
				},
				Options: []string{"continue", "abort"},
			}), nil
		}
	}

	st.mu.Lock()
	if st.status == WorkflowRunning {
		st.status = WorkflowCompleted
	}
	st.mu.Unlock()
	return e.finalize(ctx, st), nil
}

// runLayer runs the open tasks of one layer concurrently. It returns the
// first pause request raised and the ids of terminally failed tasks.
func (e *Engine) runLayer(ctx context.Context, st *workflowState, ids []string) (*pauseState, []string) {
	var (
		mu     sync.Mutex
		pause  *pauseState
		failed []string
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(st.maxConcurrency)
	for _, id := range ids {
		id := id
		g.Go(func() error {
			res, p := e.runTask(gctx, st, id)
			if res != nil {
				st.setResult(id, res)
			}
			mu.Lock()
			if p != nil && pause == nil {
				pause = p
			}
			if res != nil && res.Status == StatusFailed {
				failed = append(failed, id)
			}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	sort.Strings(failed)
	return pause, failed
}

// skipDependents marks every transitive dependent of a failed task as
// skipped.
func (e *Engine) skipDependents(st *workflowState, failed string) {
	for id := range st.plan.dependents(failed) {
		if res := st.result(id); res == nil || !res.terminal() {
			st.setResult(id, &TaskResult{Status: StatusSkipped, Error: fmt.Sprintf("dependency %s failed", failed)})
		}
	}
}

// runTask resolves, guards, validates, and dispatches one task, with
// retries on retryable errors. A returned pauseState parks the workflow
// instead of recording a terminal result.
func (e *Engine) runTask(ctx context.Context, st *workflowState, id string) (*TaskResult, *pauseState) {
	task := st.plan.Tasks[id]
	started := time.Now()
	outputs := st.outputsSnapshot()

	args, err := resolveArgs(task.Args, outputs)
	if err != nil {
		return e.failTask(st, task, started, 1, err), nil
	}

	if task.Guard != "" && !guardHolds(task.Guard, outputs) {
		e.recordTaskEvent(st, task, started, trace.StatusSkipped, nil, nil)
		return &TaskResult{Status: StatusSkipped, Duration: time.Since(started)}, nil
	}

	if schema := st.plan.schemas[id]; schema != nil {
		if err := schema.Validate(normalizeJSON(args)); err != nil {
			return e.failTask(st, task, started, 1,
				api.WrapError(api.ErrValidation, err, "task %s arguments do not match the tool schema", id)), nil
		}
	}

	if p := e.dependencyGate(st, task); p != nil {
		return nil, p
	}

	output, attempts, err := e.dispatchWithRetries(ctx, st, task, args)
	if err != nil {
		if api.IsKind(err, api.ErrDependency) && !st.approvedTasks[id] {
			return nil, dependencyPause(task, err)
		}
		return e.failTask(st, task, started, attempts, err), nil
	}

	st.setOutput(id, output, task.target())
	e.recordTaskEvent(st, task, started, trace.StatusOK, args, output)
	return &TaskResult{
		Status:   StatusSucceeded,
		Output:   output,
		Duration: time.Since(started),
		Attempts: attempts,
	}, nil
}

// dependencyGate pauses tool_call tasks whose target is not in the
// catalog, unless the tool was already approved for this session or this
// task.
func (e *Engine) dependencyGate(st *workflowState, task *Task) *pauseState {
	if task.Kind != KindToolCall || !strings.Contains(task.Tool, ":") {
		return nil
	}
	reg := api.GetRegistry()
	if reg == nil {
		return nil
	}
	if _, ok := reg.Descriptor(task.Tool); ok {
		return nil
	}
	if e.isApproved(task.Tool) || st.approvedTasks[task.ID] {
		return nil
	}
	return &pauseState{
		Type:   PauseDependency,
		TaskID: task.ID,
		Context: map[string]interface{}{
			"task":   task.ID,
			"tool":   task.Tool,
			"reason": "tool is not available in the catalog",
		},
		Options: []string{"approve-once", "approve-always", "reject"},
	}
}

func dependencyPause(task *Task, err error) *pauseState {
	pauseType := PauseDependency
	var typed *api.Error
	if errors.As(err, &typed) {
		if at, ok := typed.Details["approval_type"].(string); ok && at != "" {
			pauseType = at
		}
	}
	return &pauseState{
		Type:   pauseType,
		TaskID: task.ID,
		Context: map[string]interface{}{
			"task":  task.ID,
			"error": err.Error(),
		},
		Options: []string{"approve-once", "approve-always", "reject"},
	}
}

// dispatchWithRetries dispatches a task, retrying retryable failures up
// to the task's budget with exponential backoff.
func (e *Engine) dispatchWithRetries(ctx context.Context, st *workflowState, task *Task, args map[string]interface{}) (interface{}, int, error) {
	budget := task.Retries
	if budget <= 0 {
		budget = e.cfg.Retries.Attempts
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = e.cfg.Retries.BackoffBase.Std()
	bo.MaxElapsedTime = 0

	var lastErr error
	for attempt := 1; ; attempt++ {
		output, err := e.dispatch(ctx, st, task, args)
		if err == nil {
			return output, attempt, nil
		}
		lastErr = err
		if !api.IsRetryable(err) || attempt >= budget || ctx.Err() != nil {
			return nil, attempt, lastErr
		}
		wait := bo.NextBackOff()
		logging.Debug("Engine", "Retrying task %s after %s (attempt %d/%d): %v", task.ID, wait, attempt, budget, err)
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return nil, attempt, api.FromContext(ctx)
		}
	}
}

// dispatch routes one attempt by task kind.
func (e *Engine) dispatch(ctx context.Context, st *workflowState, task *Task, args map[string]interface{}) (interface{}, error) {
	taskCtx, cancel := context.WithTimeout(ctx, e.cfg.TaskTimeout.Std())
	defer cancel()

	switch task.Kind {
	case KindToolCall:
		return e.dispatchTool(taskCtx, task, args)
	case KindCode:
		return e.dispatchCode(taskCtx, st, task, args)
	case KindCapability:
		return e.dispatchCapability(taskCtx, st, task)
	case KindDAG:
		return e.dispatchSubPlan(taskCtx, st, task.Tasks, "")
	default:
		return nil, api.Errorf(api.ErrInternal, "unroutable task kind %q", task.Kind)
	}
}

func (e *Engine) dispatchTool(ctx context.Context, task *Task, args map[string]interface{}) (interface{}, error) {
	var (
		result *api.CallToolResult
		err    error
	)
	if server, tool, ok := api.SplitToolID(task.Tool); ok {
		upstream := api.GetUpstream()
		if upstream == nil {
			return nil, api.Errorf(api.ErrInternal, "no upstream manager registered")
		}
		result, err = upstream.CallTool(ctx, server, tool, args)
	} else {
		caller := api.GetToolCaller()
		if caller == nil {
			return nil, api.Errorf(api.ErrInternal, "no tool dispatcher registered")
		}
		result, err = caller.CallToolInternal(ctx, task.Tool, args)
	}
	if err != nil {
		return nil, err
	}
	output := flattenContent(result)
	if result.IsError {
		return nil, api.Errorf(api.ErrUpstreamTool, "tool %s failed: %v", task.Tool, output)
	}
	return output, nil
}

func (e *Engine) dispatchCode(ctx context.Context, st *workflowState, task *Task, args map[string]interface{}) (interface{}, error) {
	if output, ok := e.spec.commit(st, task.ID); ok {
		return output, nil
	}

	sandbox := api.GetSandbox()
	if sandbox == nil {
		return nil, api.Errorf(api.ErrInternal, "no sandbox runtime registered")
	}
	result, err := sandbox.ExecuteCode(ctx, codeRequest(task, args))
	if err != nil {
		return nil, err
	}
	return codeOutput(result), nil
}

// codeRequest maps a code task onto a sandbox request; the resolved args
// become the execution context.
func codeRequest(task *Task, args map[string]interface{}) api.ExecuteCodeRequest {
	req := api.ExecuteCodeRequest{
		Code:    task.Code,
		Intent:  task.Intent,
		Context: args,
	}
	if tools, ok := task.Sandbox["tools"].([]interface{}); ok {
		for _, t := range tools {
			if name, isStr := t.(string); isStr {
				req.Tools = append(req.Tools, name)
			}
		}
	}
	return req
}

// codeOutput extracts the sandbox envelope's value.
func codeOutput(result *api.CallToolResult) interface{} {
	flat := flattenContent(result)
	if payload, ok := flat.(map[string]interface{}); ok {
		if value, has := payload["result"]; has {
			return value
		}
	}
	return flat
}

func (e *Engine) dispatchCapability(ctx context.Context, st *workflowState, task *Task) (interface{}, error) {
	reg := api.GetRegistry()
	if reg == nil {
		return nil, api.Errorf(api.ErrInternal, "no registry registered")
	}
	expansion, err := reg.ExpandCapability(ctx, task.Capability)
	if err != nil {
		return nil, err
	}

	spanID := uuid.NewString()
	started := time.Now()
	output, err := e.dispatchSubPlan(ctx, st, expansion.Tasks, spanID)
	status := trace.StatusOK
	if err != nil {
		status = trace.StatusError
	}
	e.recorder.Record(trace.Event{
		ID:       spanID,
		RootID:   st.id,
		TS:       started,
		Duration: time.Since(started),
		Kind:     trace.KindCapabilityInvoke,
		Target:   expansion.ID,
		Status:   status,
	})
	return output, err
}

// dispatchSubPlan compiles and runs a nested fragment in its own id
// space. The parent task adopts the terminal output: the single leaf's
// output, or a map keyed by leaf id.
func (e *Engine) dispatchSubPlan(ctx context.Context, parent *workflowState, tasks []map[string]interface{}, parentSpan string) (interface{}, error) {
	plan, err := Compile(map[string]interface{}{"tasks": toInterfaceList(tasks)})
	if err != nil {
		return nil, err
	}

	sub := &workflowState{
		id:             parent.id,
		plan:           plan,
		maxConcurrency: parent.maxConcurrency,
		startedAt:      time.Now(),
		status:         WorkflowRunning,
		outputs:        make(map[string]interface{}),
		results:        make(map[string]*TaskResult),
		validated:      make(map[int]bool),
		approvedTasks:  make(map[string]bool),
	}

	for _, layer := range plan.Layers {
		pause, failed := e.runLayer(ctx, sub, layer)
		if pause != nil {
			return nil, api.Errorf(api.ErrDependency, "nested plan requires approval for task %s", pause.TaskID).
				WithDetail("approval_type", pause.Type)
		}
		if len(failed) > 0 {
			res := sub.result(failed[0])
			return nil, api.Errorf(api.ErrUpstreamTool, "nested task %s failed: %s", failed[0], res.Error)
		}
	}

	leaves := plan.leaves()
	if len(leaves) == 1 {
		return sub.outputs[leaves[0]], nil
	}
	out := make(map[string]interface{}, len(leaves))
	for _, id := range leaves {
		out[id] = sub.outputs[id]
	}
	return out, nil
}

func toInterfaceList(tasks []map[string]interface{}) []interface{} {
	out := make([]interface{}, len(tasks))
	for i, t := range tasks {
		out[i] = t
	}
	return out
}

// guardHolds evaluates a jsonpath guard over the outputs map. Missing
// paths and non-true values fail the guard.
func guardHolds(guard string, outputs map[string]interface{}) bool {
	value, err := jsonpath.Get(guard, normalizeJSON(outputs))
	if err != nil {
		return false
	}
	switch v := value.(type) {
	case bool:
		return v
	case nil:
		return false
	default:
		return true
	}
}

func (e *Engine) failTask(st *workflowState, task *Task, started time.Time, attempts int, err error) *TaskResult {
	e.recordTaskEvent(st, task, started, trace.StatusError, nil, nil)
	logging.Warn("Engine", "Task %s failed after %d attempt(s): %v", task.ID, attempts, err)
	return &TaskResult{
		Status:   StatusFailed,
		Error:    err.Error(),
		Code:     string(api.KindOf(err)),
		Duration: time.Since(started),
		Attempts: attempts,
	}
}

// recordTaskEvent appends one trace event for a task attempt. Consumes
// carries the targets of the tasks whose outputs were referenced.
func (e *Engine) recordTaskEvent(st *workflowState, task *Task, started time.Time, status string, args, output interface{}) {
	ev := trace.Event{
		ID:       uuid.NewString(),
		RootID:   st.id,
		TS:       started,
		Duration: time.Since(started),
		Kind:     trace.KindToolCall,
		Target:   task.target(),
		Status:   status,
	}
	if args != nil {
		ev.InputFP = trace.Fingerprint(args)
	}
	if output != nil {
		ev.OutputFP = trace.Fingerprint(output)
	}
	for _, ref := range collectReferences(task.Args) {
		if dep, ok := st.plan.Tasks[ref]; ok {
			ev.Consumes = append(ev.Consumes, dep.target())
		}
	}
	e.recorder.Record(ev)
}

func (e *Engine) isApproved(key string) bool {
	e.approvedMu.Lock()
	defer e.approvedMu.Unlock()
	return e.approved[key]
}

func (e *Engine) approveAlways(key string) {
	e.approvedMu.Lock()
	defer e.approvedMu.Unlock()
	e.approved[key] = true
}

// park moves a paused workflow into the pending store and builds the
// approval_required envelope.
func (e *Engine) park(st *workflowState, pause *pauseState) *api.CallToolResult {
	st.mu.Lock()
	if pause.Type == PausePerLayer {
		st.status = WorkflowPausedForValidation
	} else {
		st.status = WorkflowPausedForApproval
	}
	st.mu.Unlock()

	id := e.pending.park(&pendingEntry{state: st, pause: pause})
	logging.Info("Engine", "Workflow %s paused (%s); resume id %s", st.id, pause.Type, id)

	envelope := map[string]interface{}{
		"status":        "approval_required",
		"approval_type": pause.Type,
		"workflow_id":   id,
		"context":       pause.Context,
		"options":       pause.Options,
	}
	if pause.CheckpointID != "" {
		envelope["checkpoint_id"] = pause.CheckpointID
	}
	return jsonResult(envelope)
}

// finalize renders a terminal workflow, records history and trace, and
// feeds the learning loop.
func (e *Engine) finalize(ctx context.Context, st *workflowState) *api.CallToolResult {
	st.mu.Lock()
	status := st.status
	reason := st.reason
	duration := time.Since(st.startedAt)
	taskResults := make(map[string]*TaskResult, len(st.results))
	for id, res := range st.results {
		taskResults[id] = res
	}
	outputs := make(map[string]interface{}, len(st.outputs))
	for id, out := range st.outputs {
		outputs[id] = out
	}
	path := append([]string(nil), st.executedPath...)
	st.mu.Unlock()

	traceStatus := trace.StatusOK
	switch status {
	case WorkflowFailed:
		traceStatus = trace.StatusError
	case WorkflowAborted:
		traceStatus = trace.StatusAborted
	}
	e.recorder.Record(trace.Event{
		ID:       st.id,
		RootID:   st.id,
		TS:       time.Now(),
		Duration: duration,
		Kind:     trace.KindExecEnd,
		Target:   "execute_dag",
		Status:   traceStatus,
	})

	e.history.Append(&ExecutionRecord{
		ExecutionID: st.id,
		Intent:      st.intent,
		Status:      status,
		Tasks:       taskResults,
		StartedAt:   st.startedAt,
		Duration:    duration,
	})

	// Learning loop: successful intent-carrying workflows become
	// capabilities.
	if st.intent != "" {
		if reg := api.GetRegistry(); reg != nil {
			_, err := reg.UpsertCapability(ctx, api.CapabilityUpsert{
				Intent:  st.intent,
				Tasks:   planTasks(st.plan),
				Success: status == WorkflowCompleted,
			})
			if err != nil {
				logging.Warn("Engine", "Capability learning failed for %s: %v", st.id, err)
			}
		}
	}

	payload := map[string]interface{}{
		"status":        statusWord(status),
		"workflow_id":   st.id,
		"outputs":       outputs,
		"tasks":         renderResults(taskResults),
		"executed_path": path,
		"duration_ms":   duration.Milliseconds(),
	}
	if st.intent != "" {
		payload["intent"] = st.intent
	}
	if reason != "" {
		payload["reason"] = reason
	}
	return jsonResult(payload)
}

func statusWord(status string) string {
	switch status {
	case WorkflowCompleted:
		return "completed"
	case WorkflowAborted:
		return "aborted"
	default:
		return "failed"
	}
}

func planTasks(p *Plan) []map[string]interface{} {
	out := make([]map[string]interface{}, 0, len(p.Order))
	for _, id := range p.Order {
		data, err := json.Marshal(p.Tasks[id])
		if err != nil {
			continue
		}
		var m map[string]interface{}
		if err := json.Unmarshal(data, &m); err != nil {
			continue
		}
		out = append(out, m)
	}
	return out
}

func renderResults(results map[string]*TaskResult) map[string]interface{} {
	out := make(map[string]interface{}, len(results))
	for id, res := range results {
		entry := map[string]interface{}{
			"status":      res.Status,
			"duration_ms": res.Duration.Milliseconds(),
		}
		if res.Output != nil {
			entry["output"] = res.Output
		}
		if res.Error != "" {
			entry["error"] = res.Error
			entry["code"] = res.Code
		}
		if res.Attempts > 0 {
			entry["attempts"] = res.Attempts
		}
		out[id] = entry
	}
	return out
}

// Continue implements api.EngineHandler: resumes a per-layer validation
// pause.
func (e *Engine) Continue(ctx context.Context, workflowID, reason string) (*api.CallToolResult, error) {
	entry, ok := e.pending.take(workflowID)
	if !ok {
		return nil, unknownWorkflow(workflowID)
	}
	if entry.pause.Type != PausePerLayer {
		// Put it back; continue does not answer approval pauses.
		e.pending.restore(workflowID, entry)
		return nil, api.Errorf(api.ErrValidation,
			"workflow %s is paused for %s; use approval_response", workflowID, entry.pause.Type)
	}
	logging.Info("Engine", "Continuing workflow %s: %s", workflowID, reason)
	return e.run(ctx, entry.state)
}

// Abort implements api.EngineHandler.
func (e *Engine) Abort(ctx context.Context, workflowID, reason string) (*api.CallToolResult, error) {
	entry, ok := e.pending.take(workflowID)
	if !ok {
		return nil, unknownWorkflow(workflowID)
	}
	st := entry.state
	st.mu.Lock()
	st.status = WorkflowAborted
	st.reason = reason
	st.mu.Unlock()
	return e.finalize(ctx, st), nil
}

// ApprovalResponse implements api.EngineHandler: answers checkpoint and
// dependency pauses.
func (e *Engine) ApprovalResponse(ctx context.Context, req api.ApprovalResponseRequest) (*api.CallToolResult, error) {
	entry, ok := e.pending.take(req.WorkflowID)
	if !ok {
		return nil, unknownWorkflow(req.WorkflowID)
	}
	st := entry.state
	pause := entry.pause

	if !req.Approved {
		st.mu.Lock()
		st.status = WorkflowAborted
		st.reason = rejectionReason(req.Feedback)
		st.mu.Unlock()
		return e.finalize(ctx, st), nil
	}

	switch pause.Type {
	case PauseCheckpoint:
		st.setResult(pause.CheckpointID, &TaskResult{
			Status: StatusSucceeded,
			Output: map[string]interface{}{"approved": true, "feedback": req.Feedback},
		})
		st.mu.Lock()
		st.outputs[pause.CheckpointID] = map[string]interface{}{"approved": true, "feedback": req.Feedback}
		st.mu.Unlock()

	default:
		// Dependency-style approvals re-attempt only the paused task.
		st.mu.Lock()
		st.approvedTasks[pause.TaskID] = true
		st.mu.Unlock()
		if req.Scope == "always" {
			if task, ok := st.plan.Tasks[pause.TaskID]; ok && task.Kind == KindToolCall {
				e.approveAlways(task.Tool)
			} else if ok && task.Kind == KindCapability {
				e.approveAlways(task.Capability)
			}
		}
	}
	return e.run(ctx, st)
}

func rejectionReason(feedback string) string {
	if feedback == "" {
		return "rejected"
	}
	return "rejected: " + feedback
}

func unknownWorkflow(id string) error {
	return api.Errorf(api.ErrValidation, "unknown or expired workflow id: %s", id).
		WithDetail("workflow_id", id)
}

// flattenContent reduces tool-call content to a plain value: single text
// content decodes as JSON when it parses, otherwise stays a string.
func flattenContent(result *api.CallToolResult) interface{} {
	if len(result.Content) == 1 {
		if text, ok := result.Content[0].(string); ok {
			var decoded interface{}
			if err := json.Unmarshal([]byte(text), &decoded); err == nil {
				return decoded
			}
			return text
		}
		return normalizeJSON(result.Content[0])
	}
	out := make([]interface{}, len(result.Content))
	for i, c := range result.Content {
		out[i] = normalizeJSON(c)
	}
	return out
}

// normalizeJSON forces a value through JSON into maps, slices, and
// scalars, the shape jsonpath and jsonschema operate on.
func normalizeJSON(v interface{}) interface{} {
	data, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out interface{}
	if err := json.Unmarshal(data, &out); err != nil {
		return v
	}
	return out
}

func jsonResult(payload map[string]interface{}) *api.CallToolResult {
	data, err := json.Marshal(payload)
	if err != nil {
		return api.TextErrorResult("failed to encode result: %v", err)
	}
	return api.TextResult(string(data))
}

var _ api.EngineHandler = (*Engine)(nil)
