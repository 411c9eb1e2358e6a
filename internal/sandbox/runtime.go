package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"gantry/internal/api"
	"gantry/internal/config"
	"gantry/internal/trace"
	"gantry/pkg/logging"
)

// WorkerCommand is the hidden CLI command name the gateway re-executes
// itself with to obtain a worker process.
const WorkerCommand = "sandbox-worker"

const (
	// terminateGrace is how long a worker gets between SIGTERM and SIGKILL.
	terminateGrace = 2 * time.Second

	// maxReadFileBytes caps a single read_file bridge response.
	maxReadFileBytes = 1 << 20
)

// workerHandle abstracts one spawned worker. Production wraps a child
// process; tests wrap RunWorker over in-memory pipes.
type workerHandle interface {
	Writer() io.Writer
	Reader() io.Reader

	// Terminate asks the worker to exit; Kill forces it.
	Terminate()
	Kill()

	// Wait blocks until the worker exits and reports its stderr tail.
	Wait() error
	Stderr() string
}

// Runtime executes user code per api.SandboxHandler. Each execution gets
// a fresh worker; nothing is shared between executions except the result
// cache.
type Runtime struct {
	cfg      config.SandboxConfig
	cache    *resultCache
	recorder trace.Recorder

	// launch is swapped in tests to run workers in-process.
	launch func() (workerHandle, error)
}

// NewRuntime builds a runtime from config. The recorder may be nil.
func NewRuntime(cfg config.SandboxConfig, recorder trace.Recorder) *Runtime {
	if recorder == nil {
		recorder = trace.NopRecorder{}
	}
	r := &Runtime{
		cfg:      cfg,
		recorder: recorder,
		cache:    newResultCache(cfg.Cache.Capacity, cfg.Cache.TTL.Std()),
	}
	r.launch = r.spawnProcess
	return r
}

// Register publishes the runtime through the API service locator.
func (r *Runtime) Register() {
	api.RegisterSandbox(r)
}

// Close stops the cache janitor.
func (r *Runtime) Close() {
	r.cache.Stop()
}

// ExecuteCode implements api.SandboxHandler.
func (r *Runtime) ExecuteCode(ctx context.Context, req api.ExecuteCodeRequest) (*api.CallToolResult, error) {
	if _, err := parseProgram(req.Code); err != nil {
		return nil, err
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = r.cfg.Timeout.Std()
	}
	if timeout <= 0 {
		timeout = config.DefaultSandboxTimeout
	}
	piiEnabled := resolveBool(req.PIIProtection, r.cfg.PIIProtection, true)
	cacheEnabled := resolveBool(req.Cache, r.cfg.Cache.Enabled, true)

	allowed, err := r.resolveAllowList(ctx, req)
	if err != nil {
		return nil, err
	}
	schemaHashes := map[string]string{}
	if reg := api.GetRegistry(); reg != nil {
		schemaHashes = reg.SchemaHashes(allowed)
	}

	execID := uuid.NewString()
	started := time.Now()
	r.recorder.Record(trace.Event{
		ID:      uuid.NewString(),
		RootID:  execID,
		TS:      started,
		Kind:    trace.KindExecStart,
		Target:  "execute_code",
		InputFP: trace.Fingerprint(req.Context),
	})

	key := cacheKey(req.Code, req.Context, schemaHashes)
	if cacheEnabled {
		if env, ok := r.cache.Get(key); ok {
			r.recorder.Record(trace.Event{
				ID:       uuid.NewString(),
				RootID:   execID,
				TS:       time.Now(),
				Kind:     trace.KindCacheHit,
				Target:   "execute_code",
				OutputFP: trace.Fingerprint(env.Value),
				Status:   trace.StatusOK,
			})
			hit := *env
			hit.Metrics.CacheHit = true
			return buildCodeResult(&hit), nil
		}
	}

	scrubber := NewScrubber()
	var workerContext interface{} = req.Context
	if piiEnabled && req.Context != nil {
		workerContext = scrubber.ScrubValue(map[string]interface{}(req.Context))
	}

	env, execErr := r.runWorker(ctx, workerParams{
		code:     req.Code,
		context:  workerContext,
		allowed:  allowed,
		timeout:  timeout,
		memory:   r.memoryLimit(req.MemoryLimit),
		scrubber: scrubber,
		pii:      piiEnabled,
	})
	if execErr != nil {
		r.recorder.Record(trace.Event{
			ID:       uuid.NewString(),
			RootID:   execID,
			TS:       time.Now(),
			Duration: time.Since(started),
			Kind:     trace.KindError,
			Target:   "execute_code",
			Status:   trace.StatusError,
		})
		return nil, execErr
	}

	if piiEnabled {
		env.Value = scrubber.RestoreValue(env.Value)
		for i, line := range env.Logs {
			env.Logs[i] = scrubber.RestoreText(line)
		}
	}
	if cacheEnabled {
		r.cache.Put(key, env)
	}

	r.recorder.Record(trace.Event{
		ID:       uuid.NewString(),
		RootID:   execID,
		TS:       time.Now(),
		Duration: time.Since(started),
		Kind:     trace.KindExecEnd,
		Target:   "execute_code",
		OutputFP: trace.Fingerprint(env.Value),
		Status:   trace.StatusOK,
	})
	return buildCodeResult(env), nil
}

// resolveAllowList merges explicit tool grants with intent-based
// discovery. Explicit grants must resolve; silently dropping one would
// turn a config typo into a confusing TOOL_NOT_ALLOWED later.
func (r *Runtime) resolveAllowList(ctx context.Context, req api.ExecuteCodeRequest) ([]string, error) {
	reg := api.GetRegistry()
	seen := make(map[string]bool)
	var allowed []string

	for _, id := range req.Tools {
		if reg != nil {
			if _, ok := reg.Descriptor(id); !ok {
				return nil, api.Errorf(api.ErrValidation, "unknown tool in allow-list: %s", id).
					WithDetail("tool", id)
			}
		}
		if !seen[id] {
			seen[id] = true
			allowed = append(allowed, id)
		}
	}

	if req.Intent != "" && reg != nil {
		limit := r.cfg.DiscoveryLimit
		if limit <= 0 {
			limit = config.DefaultDiscoveryLimit
		}
		hits, err := reg.SearchTools(ctx, api.SearchRequest{Query: req.Intent, Limit: limit})
		if err != nil {
			logging.Warn("Sandbox", "Intent discovery failed, proceeding with explicit tools only: %v", err)
		}
		for _, hit := range hits {
			if !seen[hit.ID] {
				seen[hit.ID] = true
				allowed = append(allowed, hit.ID)
			}
		}
	}

	sort.Strings(allowed)
	return allowed, nil
}

func (r *Runtime) memoryLimit(requested int64) int64 {
	if requested > 0 {
		return requested
	}
	if r.cfg.MemoryLimit > 0 {
		return r.cfg.MemoryLimit
	}
	return config.DefaultSandboxMemoryLimit
}

type workerParams struct {
	code     string
	context  interface{}
	allowed  []string
	timeout  time.Duration
	memory   int64
	scrubber *Scrubber
	pii      bool
}

// bridgeWriter serializes frame writes to one worker; the execute frame,
// rpc responses, and the cancel notification come from different
// goroutines.
type bridgeWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (b *bridgeWriter) write(f frame) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return writeFrame(b.w, f)
}

// runWorker spawns a worker, serves its bridge, and returns the result
// envelope. The worker never outlives this call.
func (r *Runtime) runWorker(ctx context.Context, params workerParams) (*resultEnvelope, error) {
	handle, err := r.launch()
	if err != nil {
		return nil, api.WrapError(api.ErrSandboxRuntime, err, "failed to spawn sandbox worker")
	}
	bw := &bridgeWriter{w: handle.Writer()}

	execCtx, cancel := context.WithTimeout(ctx, params.timeout)
	defer cancel()

	if err := bw.write(frame{
		Type: frameExecute,
		Payload: mustJSON(executePayload{
			Code:         params.code,
			Context:      params.context,
			AllowedTools: params.allowed,
			TimeoutMS:    params.timeout.Milliseconds(),
		}),
	}); err != nil {
		handle.Kill()
		_ = handle.Wait()
		return nil, api.WrapError(api.ErrSandboxRuntime, err, "failed to hand execution to worker")
	}

	type outcome struct {
		env *resultEnvelope
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		env, err := r.serveBridge(execCtx, handle, bw, params)
		done <- outcome{env, err}
	}()

	select {
	case out := <-done:
		waitErr := r.shutdown(handle)
		if out.err != nil {
			if api.KindOf(out.err) == api.ErrSandboxRuntime && oomKilled(waitErr, handle.Stderr()) {
				return nil, api.Errorf(api.ErrSandboxMemory,
					"worker exceeded its %d byte memory limit", params.memory)
			}
			return nil, out.err
		}
		return out.env, nil

	case <-execCtx.Done():
		// Give the worker a chance to exit on the cancel notification
		// before escalating.
		_ = bw.write(frame{Type: frameNotification, Kind: notifyCancel})
		handle.Terminate()
		killTimer := time.AfterFunc(terminateGrace, handle.Kill)
		waitErr := handle.Wait()
		killTimer.Stop()

		if ctx.Err() != nil && execCtx.Err() == context.Canceled {
			return nil, api.FromContext(ctx)
		}
		if oomKilled(waitErr, handle.Stderr()) {
			return nil, api.Errorf(api.ErrSandboxMemory,
				"worker exceeded its %d byte memory limit", params.memory)
		}
		return nil, api.Errorf(api.ErrTimeout,
			"execution exceeded its %s time budget", params.timeout)
	}
}

// serveBridge answers worker frames until the result frame arrives.
func (r *Runtime) serveBridge(ctx context.Context, handle workerHandle, bw *bridgeWriter, params workerParams) (*resultEnvelope, error) {
	allowed := make(map[string]bool, len(params.allowed))
	for _, id := range params.allowed {
		allowed[id] = true
	}

	for {
		f, err := readFrame(handle.Reader())
		if err != nil {
			return nil, api.WrapError(api.ErrSandboxRuntime, err, "worker stream ended unexpectedly")
		}

		switch f.Type {
		case frameResult:
			if f.Error != nil {
				return nil, workerErrorToAPI(f.Error)
			}
			var env resultEnvelope
			if err := json.Unmarshal(f.Result, &env); err != nil {
				return nil, api.WrapError(api.ErrSandboxRuntime, err, "malformed worker result")
			}
			return &env, nil

		case frameRPCRequest:
			resp := r.handleRPC(ctx, f, allowed, params)
			if err := bw.write(resp); err != nil {
				return nil, api.WrapError(api.ErrSandboxRuntime, err, "failed to answer worker rpc")
			}

		case frameNotification:
			if f.Kind == notifyLog {
				var line string
				_ = json.Unmarshal(f.Payload, &line)
				logging.Debug("Sandbox", "worker log: %s", line)
			}

		default:
			return nil, api.Errorf(api.ErrSandboxRuntime, "unexpected worker frame type %q", f.Type)
		}
	}
}

// handleRPC dispatches one bridge request. Failures become rpc error
// responses the worker's jq code can catch; they never tear the bridge
// down.
func (r *Runtime) handleRPC(ctx context.Context, f frame, allowed map[string]bool, params workerParams) frame {
	resp := frame{Type: frameRPCResponse, ID: f.ID}

	switch f.Method {
	case methodCallTool:
		var call callToolPayload
		if err := json.Unmarshal(f.Payload, &call); err != nil {
			resp.Error = &workerError{Code: workerErrValidation, Message: "malformed call_tool payload"}
			return resp
		}
		value, err := r.bridgeCallTool(ctx, call, allowed, params)
		if err != nil {
			resp.Error = err
			return resp
		}
		resp.Success = true
		resp.Result = mustJSON(value)

	case methodReadFile:
		var path string
		if err := json.Unmarshal(f.Payload, &path); err != nil {
			resp.Error = &workerError{Code: workerErrValidation, Message: "malformed read_file payload"}
			return resp
		}
		content, err := r.bridgeReadFile(path, params)
		if err != nil {
			resp.Error = err
			return resp
		}
		resp.Success = true
		resp.Result = mustJSON(content)

	default:
		resp.Error = &workerError{Code: workerErrValidation, Message: fmt.Sprintf("unknown bridge method %q", f.Method)}
	}
	return resp
}

// bridgeCallTool routes a worker tool call through the gateway's internal
// dispatcher. Arguments leaving the sandbox get real PII values back;
// results entering it get scrubbed.
func (r *Runtime) bridgeCallTool(ctx context.Context, call callToolPayload, allowed map[string]bool, params workerParams) (interface{}, *workerError) {
	if !allowed[call.Name] {
		return nil, &workerError{Code: workerErrPermission,
			Message: fmt.Sprintf("TOOL_NOT_ALLOWED: %q is not in this execution's allow-list", call.Name)}
	}
	caller := api.GetToolCaller()
	if caller == nil {
		return nil, &workerError{Code: workerErrRuntime, Message: "no tool dispatcher available"}
	}

	args := call.Args
	if params.pii && args != nil {
		args = params.scrubber.RestoreValue(args).(map[string]interface{})
	}

	result, err := caller.CallToolInternal(ctx, call.Name, args)
	if err != nil {
		code := workerErrRuntime
		switch api.KindOf(err) {
		case api.ErrTimeout:
			code = workerErrTimeout
		case api.ErrCancelled:
			code = workerErrCancelled
		case api.ErrValidation:
			code = workerErrValidation
		}
		return nil, &workerError{Code: code, Message: err.Error()}
	}

	value := flattenContent(result)
	if result.IsError {
		return nil, &workerError{Code: workerErrRuntime,
			Message: fmt.Sprintf("tool %s failed: %v", call.Name, value)}
	}
	if params.pii {
		value = params.scrubber.ScrubValue(value)
	}
	return value, nil
}

// bridgeReadFile serves read_file against the configured read roots.
func (r *Runtime) bridgeReadFile(path string, params workerParams) (string, *workerError) {
	if len(r.cfg.AllowedReadPaths) == 0 {
		return "", &workerError{Code: workerErrPermission, Message: "read_file is disabled: no allowed read paths configured"}
	}
	abs, err := filepath.Abs(filepath.Clean(path))
	if err != nil {
		return "", &workerError{Code: workerErrValidation, Message: fmt.Sprintf("invalid path %q", path)}
	}
	permitted := false
	for _, root := range r.cfg.AllowedReadPaths {
		rootAbs, err := filepath.Abs(root)
		if err != nil {
			continue
		}
		if abs == rootAbs || strings.HasPrefix(abs, rootAbs+string(filepath.Separator)) {
			permitted = true
			break
		}
	}
	if !permitted {
		return "", &workerError{Code: workerErrPermission,
			Message: fmt.Sprintf("path %q is outside the allowed read roots", path)}
	}

	file, err := os.Open(abs)
	if err != nil {
		return "", &workerError{Code: workerErrRuntime, Message: fmt.Sprintf("failed to open %q: %v", path, err)}
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, maxReadFileBytes))
	if err != nil {
		return "", &workerError{Code: workerErrRuntime, Message: fmt.Sprintf("failed to read %q: %v", path, err)}
	}

	content := string(data)
	if params.pii {
		content = params.scrubber.ScrubText(content)
	}
	return content, nil
}

// shutdown reaps a worker that already delivered its result.
func (r *Runtime) shutdown(handle workerHandle) error {
	handle.Terminate()
	killTimer := time.AfterFunc(terminateGrace, handle.Kill)
	err := handle.Wait()
	killTimer.Stop()
	return err
}

// workerErrorToAPI maps a worker error code onto the gateway taxonomy.
func workerErrorToAPI(werr *workerError) error {
	switch werr.Code {
	case workerErrTimeout:
		return api.Errorf(api.ErrTimeout, "%s", werr.Message)
	case workerErrMemory:
		return api.Errorf(api.ErrSandboxMemory, "%s", werr.Message)
	case workerErrPermission:
		return api.Errorf(api.ErrSandboxPermission, "%s", werr.Message)
	case workerErrCancelled:
		return api.Errorf(api.ErrCancelled, "%s", werr.Message)
	case workerErrValidation:
		return api.Errorf(api.ErrValidation, "%s", werr.Message)
	default:
		return api.Errorf(api.ErrSandboxRuntime, "%s", werr.Message)
	}
}

// oomKilled reports whether a worker exit looks like a memory kill.
func oomKilled(waitErr error, stderr string) bool {
	if strings.Contains(stderr, "out of memory") || strings.Contains(stderr, "cannot allocate memory") {
		return true
	}
	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && status.Signaled() {
			return status.Signal() == syscall.SIGKILL && stderr == ""
		}
	}
	return false
}

// flattenContent reduces a tool result's content to a jq-friendly value:
// single text content becomes a string (decoded as JSON when it parses),
// anything else stays a list.
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

// normalizeJSON forces a value through JSON so the worker only ever sees
// plain maps, slices, and scalars.
func normalizeJSON(v interface{}) interface{} {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	var out interface{}
	if err := json.Unmarshal(data, &out); err != nil {
		return fmt.Sprintf("%v", v)
	}
	return out
}

// buildCodeResult renders the envelope as the execute_code tool result.
func buildCodeResult(env *resultEnvelope) *api.CallToolResult {
	payload := map[string]interface{}{
		"result":  env.Value,
		"metrics": env.Metrics,
	}
	if len(env.Logs) > 0 {
		payload["logs"] = env.Logs
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return api.TextErrorResult("failed to encode execution result: %v", err)
	}
	return api.TextResult(string(data))
}

func resolveBool(request, configured *bool, fallback bool) bool {
	if request != nil {
		return *request
	}
	if configured != nil {
		return *configured
	}
	return fallback
}

// spawnProcess launches a fresh worker by re-executing the gateway binary
// in worker mode. Only allow-listed environment variables pass through;
// GOMEMLIMIT gives the runtime a hard ceiling to enforce.
func (r *Runtime) spawnProcess() (workerHandle, error) {
	self, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("cannot locate own binary: %w", err)
	}

	cmd := exec.Command(self, WorkerCommand)
	env := []string{fmt.Sprintf("GOMEMLIMIT=%d", r.memoryLimit(0))}
	for _, name := range r.cfg.EnvAllowlist {
		if value, ok := os.LookupEnv(name); ok {
			env = append(env, name+"="+value)
		}
	}
	cmd.Env = env

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return nil, err
	}
	return &processHandle{cmd: cmd, stdin: stdin, stdout: stdout, stderr: &stderr}, nil
}

// processHandle wraps a child worker process.
type processHandle struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	stderr *bytes.Buffer
}

func (h *processHandle) Writer() io.Writer { return h.stdin }
func (h *processHandle) Reader() io.Reader { return h.stdout }

func (h *processHandle) Terminate() {
	if h.cmd.Process != nil {
		_ = h.cmd.Process.Signal(syscall.SIGTERM)
	}
}

func (h *processHandle) Kill() {
	if h.cmd.Process != nil {
		_ = h.cmd.Process.Kill()
	}
}

func (h *processHandle) Wait() error {
	_ = h.stdin.Close()
	return h.cmd.Wait()
}

func (h *processHandle) Stderr() string {
	return h.stderr.String()
}

var _ api.SandboxHandler = (*Runtime)(nil)
