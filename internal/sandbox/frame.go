package sandbox

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

// maxFramePayload caps one bridge frame. Oversized frames poison the
// stream and terminate the execution.
const maxFramePayload = 8 << 20

// Frame types exchanged over the bridge. The execute request and the
// result envelope are the first host-to-worker and last worker-to-host
// frames; rpc and notification frames flow in between.
const (
	frameExecute      = "execute"
	frameResult       = "result"
	frameRPCRequest   = "rpc_request"
	frameRPCResponse  = "rpc_response"
	frameNotification = "notification"
)

// Bridge RPC methods the worker may invoke.
const (
	methodCallTool = "call_tool"
	methodReadFile = "read_file"
)

// Notification kinds.
const (
	notifyCancel = "cancel"
	notifyLog    = "log"
)

// frame is the single wire envelope for all bridge traffic.
type frame struct {
	Type string `json:"type"`

	// rpc correlation; ids are worker-local.
	ID     uint64 `json:"id,omitempty"`
	Method string `json:"method,omitempty"`

	// notification kind.
	Kind string `json:"kind,omitempty"`

	Success bool            `json:"success,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *workerError    `json:"error,omitempty"`
}

// workerError codes mirror the sandbox error taxonomy.
const (
	workerErrTimeout    = "timeout"
	workerErrMemory     = "memory"
	workerErrPermission = "permission"
	workerErrRuntime    = "runtime"
	workerErrCancelled  = "cancelled"
	workerErrValidation = "validation"
)

// workerError is a terminal failure reported by the worker.
type workerError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *workerError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// executePayload is the execute frame body.
type executePayload struct {
	Code         string      `json:"code"`
	Context      interface{} `json:"context"`
	AllowedTools []string    `json:"allowed_tools"`
	ReadPaths    []string    `json:"read_paths,omitempty"`
	TimeoutMS    int64       `json:"timeout_ms"`
}

// resultEnvelope is the result frame body.
type resultEnvelope struct {
	Value   interface{}   `json:"value"`
	Logs    []string      `json:"logs,omitempty"`
	Metrics resultMetrics `json:"metrics"`
}

// resultMetrics summarizes one execution.
type resultMetrics struct {
	DurationMS    int64 `json:"duration_ms"`
	ToolCalls     int   `json:"tool_calls"`
	ValuesEmitted int   `json:"values_emitted"`
	CacheHit      bool  `json:"cache_hit,omitempty"`
}

// callToolPayload is the call_tool rpc_request body.
type callToolPayload struct {
	Name string                 `json:"name"`
	Args map[string]interface{} `json:"args,omitempty"`
}

// writeFrame writes one length-prefixed frame: 4-byte big-endian payload
// length followed by the JSON body.
func writeFrame(w io.Writer, f frame) error {
	body, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("failed to encode frame: %w", err)
	}
	if len(body) > maxFramePayload {
		return fmt.Errorf("frame of %d bytes exceeds the %d byte cap", len(body), maxFramePayload)
	}

	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(body)))
	if _, err := w.Write(header[:]); err != nil {
		return err
	}
	_, err = w.Write(body)
	return err
}

// readFrame reads one length-prefixed frame.
func readFrame(r io.Reader) (frame, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return frame{}, err
	}
	size := binary.BigEndian.Uint32(header[:])
	if size > maxFramePayload {
		return frame{}, fmt.Errorf("frame of %d bytes exceeds the %d byte cap", size, maxFramePayload)
	}

	body := make([]byte, size)
	if _, err := io.ReadFull(r, body); err != nil {
		return frame{}, err
	}

	var f frame
	if err := json.Unmarshal(body, &f); err != nil {
		return frame{}, fmt.Errorf("malformed frame: %w", err)
	}
	return f, nil
}

func mustJSON(v interface{}) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		data, _ = json.Marshal(fmt.Sprintf("%v", v))
	}
	return data
}
