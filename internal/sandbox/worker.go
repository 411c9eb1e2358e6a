package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/itchyny/gojq"
)

// bridgeError is a terminal failure raised inside an injected function.
// It carries a worker error code so the host can map it onto the gateway
// error taxonomy.
type bridgeError struct {
	code    string
	message string
}

func (e *bridgeError) Error() string {
	return fmt.Sprintf("%s: %s", e.code, e.message)
}

// worker evaluates one jq program against the execute payload it receives
// on stdin, bridging call_tool and read_file back to the host.
type worker struct {
	in io.Reader

	outMu sync.Mutex
	out   io.Writer

	pendMu  sync.Mutex
	nextID  uint64
	pending map[uint64]chan frame

	logMu sync.Mutex
	logs  []string

	toolMu    sync.Mutex
	toolCalls int

	allowed map[string]bool
	input   interface{}
}

// RunWorker services exactly one execution over the given streams and
// returns when the result frame has been written. The hidden CLI worker
// command wraps this around os.Stdin/os.Stdout; tests drive it in-process
// over pipes.
func RunWorker(stdin io.Reader, stdout io.Writer) error {
	w := &worker{
		in:      stdin,
		out:     stdout,
		pending: make(map[uint64]chan frame),
	}
	return w.run()
}

func (w *worker) run() error {
	req, err := readFrame(w.in)
	if err != nil {
		return fmt.Errorf("failed to read execute frame: %w", err)
	}
	if req.Type != frameExecute {
		return fmt.Errorf("expected execute frame, got %q", req.Type)
	}

	var payload executePayload
	if err := json.Unmarshal(req.Payload, &payload); err != nil {
		return w.fail(workerErrValidation, "malformed execute payload: %v", err)
	}

	query, err := gojq.Parse(payload.Code)
	if err != nil {
		return w.fail(workerErrValidation, "invalid jq program: %v", err)
	}
	if len(query.FuncDefs) > 0 && query.Term == nil && query.Left == nil && query.Func == "" {
		return w.fail(workerErrValidation, "code defines functions but has no result expression")
	}

	w.allowed = make(map[string]bool, len(payload.AllowedTools))
	for _, tool := range payload.AllowedTools {
		w.allowed[tool] = true
	}
	w.input = payload.Context

	timeout := time.Duration(payload.TimeoutMS) * time.Millisecond
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	// Route host frames while the program runs: rpc responses to their
	// waiters, cancel notifications into the context.
	go w.readLoop(cancel)

	code, err := gojq.Compile(query,
		gojq.WithFunction("call_tool", 1, 2, func(_ interface{}, args []interface{}) interface{} {
			return w.callTool(ctx, args)
		}),
		gojq.WithFunction("log", 1, 1, func(input interface{}, args []interface{}) interface{} {
			w.appendLog(args[0])
			return input
		}),
		gojq.WithFunction("read_context", 0, 0, func(_ interface{}, _ []interface{}) interface{} {
			return w.input
		}),
		gojq.WithFunction("read_file", 1, 1, func(_ interface{}, args []interface{}) interface{} {
			return w.readFile(ctx, args)
		}),
	)
	if err != nil {
		return w.fail(workerErrValidation, "failed to compile program: %v", err)
	}

	started := time.Now()
	values, runErr := drain(code.RunWithContext(ctx, w.input))
	if runErr != nil {
		return w.writeError(classifyRunError(runErr))
	}

	var value interface{}
	switch len(values) {
	case 0:
		value = nil
	case 1:
		value = values[0]
	default:
		value = values
	}

	w.toolMu.Lock()
	toolCalls := w.toolCalls
	w.toolMu.Unlock()
	w.logMu.Lock()
	logs := w.logs
	w.logMu.Unlock()

	return w.writeResult(frame{
		Type:    frameResult,
		Success: true,
		Result: mustJSON(resultEnvelope{
			Value: value,
			Logs:  logs,
			Metrics: resultMetrics{
				DurationMS:    time.Since(started).Milliseconds(),
				ToolCalls:     toolCalls,
				ValuesEmitted: len(values),
			},
		}),
	})
}

// drain collects every value the program emits. Emitted error values end
// the run.
func drain(iter gojq.Iter) ([]interface{}, error) {
	var values []interface{}
	for {
		v, ok := iter.Next()
		if !ok {
			return values, nil
		}
		if err, isErr := v.(error); isErr {
			return nil, err
		}
		values = append(values, v)
	}
}

// classifyRunError maps an evaluation failure onto a worker error.
func classifyRunError(err error) *workerError {
	var bridge *bridgeError
	if errors.As(err, &bridge) {
		return &workerError{Code: bridge.code, Message: bridge.message}
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return &workerError{Code: workerErrTimeout, Message: "execution exceeded its time budget"}
	case errors.Is(err, context.Canceled):
		return &workerError{Code: workerErrCancelled, Message: "execution cancelled"}
	case strings.Contains(err.Error(), workerErrPermission):
		return &workerError{Code: workerErrPermission, Message: err.Error()}
	default:
		return &workerError{Code: workerErrRuntime, Message: err.Error()}
	}
}

// callTool implements the call_tool/1 and call_tool/2 jq functions.
func (w *worker) callTool(ctx context.Context, args []interface{}) interface{} {
	name, ok := args[0].(string)
	if !ok {
		return &bridgeError{workerErrValidation, "call_tool: tool name must be a string"}
	}
	if !w.allowed[name] {
		return &bridgeError{workerErrPermission,
			fmt.Sprintf("TOOL_NOT_ALLOWED: %q is not in this execution's allow-list", name)}
	}

	var toolArgs map[string]interface{}
	if len(args) == 2 && args[1] != nil {
		toolArgs, ok = args[1].(map[string]interface{})
		if !ok {
			return &bridgeError{workerErrValidation, "call_tool: arguments must be an object"}
		}
	}

	w.toolMu.Lock()
	w.toolCalls++
	w.toolMu.Unlock()

	result, err := w.rpc(ctx, methodCallTool, callToolPayload{Name: name, Args: toolArgs})
	if err != nil {
		return err
	}
	var value interface{}
	if err := json.Unmarshal(result, &value); err != nil {
		return &bridgeError{workerErrRuntime, fmt.Sprintf("call_tool: malformed host response: %v", err)}
	}
	return value
}

// readFile implements the read_file/1 jq function. Path policy lives on
// the host; the worker only relays.
func (w *worker) readFile(ctx context.Context, args []interface{}) interface{} {
	path, ok := args[0].(string)
	if !ok {
		return &bridgeError{workerErrValidation, "read_file: path must be a string"}
	}
	result, err := w.rpc(ctx, methodReadFile, path)
	if err != nil {
		return err
	}
	var content string
	if err := json.Unmarshal(result, &content); err != nil {
		return &bridgeError{workerErrRuntime, fmt.Sprintf("read_file: malformed host response: %v", err)}
	}
	return content
}

// appendLog records a log value and mirrors it to the host.
func (w *worker) appendLog(v interface{}) {
	var line string
	if s, ok := v.(string); ok {
		line = s
	} else {
		line = string(mustJSON(v))
	}
	w.logMu.Lock()
	w.logs = append(w.logs, line)
	w.logMu.Unlock()

	w.outMu.Lock()
	_ = writeFrame(w.out, frame{Type: frameNotification, Kind: notifyLog, Payload: mustJSON(line)})
	w.outMu.Unlock()
}

// rpc performs one synchronous bridge round trip.
func (w *worker) rpc(ctx context.Context, method string, payload interface{}) (json.RawMessage, error) {
	ch := make(chan frame, 1)
	w.pendMu.Lock()
	w.nextID++
	id := w.nextID
	w.pending[id] = ch
	w.pendMu.Unlock()
	defer func() {
		w.pendMu.Lock()
		delete(w.pending, id)
		w.pendMu.Unlock()
	}()

	w.outMu.Lock()
	err := writeFrame(w.out, frame{Type: frameRPCRequest, ID: id, Method: method, Payload: mustJSON(payload)})
	w.outMu.Unlock()
	if err != nil {
		return nil, &bridgeError{workerErrRuntime, fmt.Sprintf("bridge write failed: %v", err)}
	}

	select {
	case resp := <-ch:
		if resp.Error != nil {
			return nil, &bridgeError{resp.Error.Code, resp.Error.Message}
		}
		if !resp.Success {
			return nil, &bridgeError{workerErrRuntime, method + " failed on the host"}
		}
		return resp.Result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// readLoop routes host-to-worker frames until the stream closes.
func (w *worker) readLoop(cancel context.CancelFunc) {
	for {
		f, err := readFrame(w.in)
		if err != nil {
			// Host gone; nothing sensible left to do.
			cancel()
			return
		}
		switch f.Type {
		case frameRPCResponse:
			w.pendMu.Lock()
			ch, ok := w.pending[f.ID]
			w.pendMu.Unlock()
			if ok {
				ch <- f
			}
		case frameNotification:
			if f.Kind == notifyCancel {
				cancel()
			}
		}
	}
}

func (w *worker) fail(code, format string, args ...interface{}) error {
	return w.writeError(&workerError{Code: code, Message: fmt.Sprintf(format, args...)})
}

func (w *worker) writeError(werr *workerError) error {
	return w.writeResult(frame{Type: frameResult, Error: werr})
}

func (w *worker) writeResult(f frame) error {
	w.outMu.Lock()
	defer w.outMu.Unlock()
	return writeFrame(w.out, f)
}
