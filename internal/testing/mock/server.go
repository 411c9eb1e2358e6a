package mock

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"gantry/internal/upstream"
)

// Tool scripts one mock tool.
type Tool struct {
	Name        string
	Description string
	InputSchema map[string]interface{}
	Responses   []Response
}

// Response is one conditional canned reply. A response applies when every
// condition key matches the call arguments; an empty condition is the
// fallback. Delay simulates upstream latency and respects context
// cancellation.
type Response struct {
	Condition map[string]interface{}
	Result    interface{}
	Error     string
	Delay     time.Duration
}

// Call records one tools/call the client received.
type Call struct {
	Tool string
	Args map[string]interface{}
}

// Client is an in-process upstream.MCPClient.
type Client struct {
	mu       sync.Mutex
	tools    []Tool
	calls    []Call
	initErr  error
	callErr  error
	closed   bool
	initDone bool
}

// NewClient creates a client serving the given tools.
func NewClient(tools ...Tool) *Client {
	return &Client{tools: tools}
}

// FailInitialize makes every Initialize attempt return err.
func (c *Client) FailInitialize(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.initErr = err
}

// FailCalls makes every CallTool attempt return err, simulating a dead
// connection mid-session.
func (c *Client) FailCalls(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.callErr = err
}

// SetTools replaces the served tool set.
func (c *Client) SetTools(tools ...Tool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tools = tools
}

// Calls returns a copy of every recorded call.
func (c *Client) Calls() []Call {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Call(nil), c.calls...)
}

// Initialized reports whether the handshake ran.
func (c *Client) Initialized() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.initDone
}

// Closed reports whether Close ran.
func (c *Client) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Dialer returns an upstream dialer handing out this client. The same
// client is reused across restarts so scripted state survives reconnects.
func (c *Client) Dialer() upstream.Dialer {
	return func() (upstream.MCPClient, error) {
		c.mu.Lock()
		c.closed = false
		c.mu.Unlock()
		return c, nil
	}
}

func (c *Client) Initialize(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.initErr != nil {
		return c.initErr
	}
	c.initDone = true
	return nil
}

func (c *Client) ListTools(ctx context.Context) ([]mcp.Tool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]mcp.Tool, 0, len(c.tools))
	for _, t := range c.tools {
		out = append(out, mcp.Tool{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: toInputSchema(t.InputSchema),
		})
	}
	return out, nil
}

func (c *Client) CallTool(ctx context.Context, name string, args map[string]interface{}) (*mcp.CallToolResult, error) {
	c.mu.Lock()
	c.calls = append(c.calls, Call{Tool: name, Args: args})
	callErr := c.callErr
	var tool *Tool
	for i := range c.tools {
		if c.tools[i].Name == name {
			tool = &c.tools[i]
			break
		}
	}
	c.mu.Unlock()

	if callErr != nil {
		return nil, callErr
	}
	if tool == nil {
		return mcp.NewToolResultError(fmt.Sprintf("tool %s not found", name)), nil
	}

	response, ok := matchResponse(tool.Responses, args)
	if !ok {
		return mcp.NewToolResultError(fmt.Sprintf("no scripted response for %s with args %v", name, args)), nil
	}
	if response.Delay > 0 {
		select {
		case <-time.After(response.Delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if response.Error != "" {
		return mcp.NewToolResultError(response.Error), nil
	}
	return resultFor(response.Result), nil
}

func (c *Client) Ping(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return fmt.Errorf("client closed")
	}
	return nil
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

// matchResponse picks the first response whose condition is a subset of
// the arguments; conditionless responses are the fallback.
func matchResponse(responses []Response, args map[string]interface{}) (Response, bool) {
	var fallback *Response
	for i := range responses {
		r := &responses[i]
		if len(r.Condition) == 0 {
			if fallback == nil {
				fallback = r
			}
			continue
		}
		matched := true
		for key, want := range r.Condition {
			if !reflect.DeepEqual(args[key], want) {
				matched = false
				break
			}
		}
		if matched {
			return *r, true
		}
	}
	if fallback != nil {
		return *fallback, true
	}
	return Response{}, false
}

// resultFor renders a scripted result the way a real server would:
// structured data as JSON text, primitives as plain text.
func resultFor(result interface{}) *mcp.CallToolResult {
	switch result.(type) {
	case nil:
		return mcp.NewToolResultText("")
	case map[string]interface{}, []interface{}:
		data, err := json.Marshal(result)
		if err != nil {
			return mcp.NewToolResultText(fmt.Sprintf("%v", result))
		}
		return mcp.NewToolResultText(string(data))
	default:
		return mcp.NewToolResultText(fmt.Sprintf("%v", result))
	}
}

func toInputSchema(schema map[string]interface{}) mcp.ToolInputSchema {
	out := mcp.ToolInputSchema{Type: "object"}
	if len(schema) == 0 {
		return out
	}
	data, err := json.Marshal(schema)
	if err != nil {
		return out
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return mcp.ToolInputSchema{Type: "object"}
	}
	return out
}

// FileServer returns the standard file-store fixture: deterministic
// read_file, write_file, and delete_entity tools.
func FileServer() *Client {
	pathSchema := map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"path": map[string]interface{}{"type": "string"},
		},
		"required": []interface{}{"path"},
	}
	return NewClient(
		Tool{
			Name:        "read_file",
			Description: "Read a file's contents",
			InputSchema: pathSchema,
			Responses: []Response{
				{Condition: map[string]interface{}{"path": "/missing"}, Error: "file not found: /missing"},
				{Result: map[string]interface{}{"content": "hello from mock"}},
			},
		},
		Tool{
			Name:        "write_file",
			Description: "Write contents to a file",
			InputSchema: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"path":    map[string]interface{}{"type": "string"},
					"content": map[string]interface{}{"type": "string"},
				},
				"required": []interface{}{"path", "content"},
			},
			Responses: []Response{
				{Result: map[string]interface{}{"written": true}},
			},
		},
		Tool{
			Name:        "delete_entity",
			Description: "Delete an entity by id",
			InputSchema: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"id": map[string]interface{}{"type": "string"},
				},
				"required": []interface{}{"id"},
			},
			Responses: []Response{
				{Result: map[string]interface{}{"deleted": true}},
			},
		},
	)
}
