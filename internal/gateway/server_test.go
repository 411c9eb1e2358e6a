package gateway

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gantry/internal/api"
	"gantry/internal/config"
	"gantry/internal/metatools"
)

// fakeUpstream scripts per-tool responses keyed by "server:tool".
type fakeUpstream struct {
	results map[string]*api.CallToolResult
	errs    map[string]error
	calls   []string
}

func (f *fakeUpstream) CallTool(ctx context.Context, server, tool string, args map[string]interface{}) (*api.CallToolResult, error) {
	id := server + ":" + tool
	f.calls = append(f.calls, id)
	if err, ok := f.errs[id]; ok {
		return nil, err
	}
	if result, ok := f.results[id]; ok {
		return result, nil
	}
	return nil, api.Errorf(api.ErrValidation, "unknown upstream server: %s", server)
}

func (f *fakeUpstream) ListTools() []api.ToolDescriptor { return nil }
func (f *fakeUpstream) States() []api.ServerState       { return nil }

func newTestServer(t *testing.T) *Server {
	t.Helper()
	api.ResetForTesting()
	t.Cleanup(api.ResetForTesting)

	s := NewServer(config.EndpointConfig{}, "test", metatools.NewProvider())
	s.server = server.NewMCPServer(serverName, "test", server.WithToolCapabilities(true))
	return s
}

func toolRequest(args map[string]interface{}) mcp.CallToolRequest {
	req := mcp.CallToolRequest{}
	req.Params.Arguments = args
	return req
}

func descriptor(srv, name string) api.ToolDescriptor {
	return api.ToolDescriptor{
		Server:      srv,
		Name:        name,
		Description: name + " tool",
		InputSchema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"path": map[string]interface{}{"type": "string"},
			},
		},
		UpdatedAt: time.Now(),
	}
}

func TestNewServerAppliesEndpointDefaults(t *testing.T) {
	s := NewServer(config.EndpointConfig{}, "test", metatools.NewProvider())

	assert.Equal(t, config.TransportStreamableHTTP, s.cfg.Transport)
	assert.Equal(t, "http://localhost:8090/mcp", s.Endpoint())
}

func TestEndpointPerTransport(t *testing.T) {
	sse := NewServer(config.EndpointConfig{Transport: config.TransportSSE, Host: "0.0.0.0", Port: 9000}, "test", metatools.NewProvider())
	assert.Equal(t, "http://0.0.0.0:9000/sse", sse.Endpoint())

	stdio := NewServer(config.EndpointConfig{Transport: config.TransportStdio}, "test", metatools.NewProvider())
	assert.Equal(t, "stdio", stdio.Endpoint())
}

func TestMetaToolsArePublished(t *testing.T) {
	s := newTestServer(t)
	tools := s.metaTools()

	names := make([]string, len(tools))
	for i, tool := range tools {
		names[i] = tool.Tool.Name
	}
	assert.Contains(t, names, metatools.ToolSearchTools)
	assert.Contains(t, names, metatools.ToolExecuteDAG)
	assert.Contains(t, names, metatools.ToolApprovalResponse)
	assert.Len(t, names, 8)
}

func TestApplyServerToolsDiffsExposedSet(t *testing.T) {
	s := newTestServer(t)

	s.applyServerTools("fs", []api.ToolDescriptor{descriptor("fs", "read"), descriptor("fs", "write")})
	assert.ElementsMatch(t, []string{"fs:read", "fs:write"}, s.exposedTools("fs"))

	// write departs, list arrives.
	s.applyServerTools("fs", []api.ToolDescriptor{descriptor("fs", "read"), descriptor("fs", "list")})
	assert.ElementsMatch(t, []string{"fs:read", "fs:list"}, s.exposedTools("fs"))
}

func TestDeregisteredUpstreamWithdrawsTools(t *testing.T) {
	s := newTestServer(t)

	s.applyServerTools("fs", []api.ToolDescriptor{descriptor("fs", "read")})
	require.NotEmpty(t, s.exposedTools("fs"))

	s.OnToolsUpdated(api.ToolUpdateEvent{
		Type:       api.ToolsEventDeregistered,
		ServerName: "fs",
		Timestamp:  time.Now(),
	})
	assert.Empty(t, s.exposedTools("fs"))
}

func TestToolsChangedEventAppliesDescriptors(t *testing.T) {
	s := newTestServer(t)

	s.OnToolsUpdated(api.ToolUpdateEvent{
		Type:       api.ToolsEventChanged,
		ServerName: "db",
		Tools:      []api.ToolDescriptor{descriptor("db", "query")},
		Timestamp:  time.Now(),
	})
	assert.Equal(t, []string{"db:query"}, s.exposedTools("db"))
}

func TestSyncDescriptorsGroupsByServer(t *testing.T) {
	s := newTestServer(t)

	s.syncDescriptors([]api.ToolDescriptor{
		descriptor("fs", "read"),
		descriptor("db", "query"),
		descriptor("fs", "write"),
	})
	assert.ElementsMatch(t, []string{"fs:read", "fs:write"}, s.exposedTools("fs"))
	assert.Equal(t, []string{"db:query"}, s.exposedTools("db"))
}

func TestCallToolInternalRoutesUpstream(t *testing.T) {
	s := newTestServer(t)
	up := &fakeUpstream{results: map[string]*api.CallToolResult{
		"fs:read": api.TextResult(`{"content":"hello"}`),
	}}
	api.RegisterUpstream(up)

	result, err := s.CallToolInternal(context.Background(), "fs:read", map[string]interface{}{"path": "/tmp/x"})
	require.NoError(t, err)
	assert.Equal(t, []string{"fs:read"}, up.calls)
	assert.Equal(t, `{"content":"hello"}`, result.Content[0])
}

func TestCallToolInternalRoutesMetaTools(t *testing.T) {
	s := newTestServer(t)

	// No registry registered: search_tools reports that as a domain
	// failure payload, proving the call reached the provider.
	result, err := s.CallToolInternal(context.Background(), metatools.ToolSearchTools, map[string]interface{}{
		"query": "read a file",
	})
	require.NoError(t, err)

	var payload map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(result.Content[0].(string)), &payload))
	assert.Equal(t, "error", payload["status"])
}

func TestCallToolInternalUnknownMetaToolIsError(t *testing.T) {
	s := newTestServer(t)

	_, err := s.CallToolInternal(context.Background(), "no_such_tool", nil)
	require.Error(t, err)
}

func TestUpstreamHandlerConvertsResult(t *testing.T) {
	s := newTestServer(t)
	api.RegisterUpstream(&fakeUpstream{results: map[string]*api.CallToolResult{
		"fs:read": api.TextResult("file contents"),
	}})

	handler := s.upstreamToolHandler("fs", "read")
	result, err := handler(context.Background(), toolRequest(map[string]interface{}{"path": "/etc/hosts"}))
	require.NoError(t, err)
	require.False(t, result.IsError)

	text, ok := mcp.AsTextContent(result.Content[0])
	require.True(t, ok)
	assert.Equal(t, "file contents", text.Text)
}

func TestUpstreamHandlerRendersErrorsAsToolErrors(t *testing.T) {
	s := newTestServer(t)
	api.RegisterUpstream(&fakeUpstream{errs: map[string]error{
		"fs:read": api.Errorf(api.ErrUpstreamTransport, "connection lost"),
	}})

	handler := s.upstreamToolHandler("fs", "read")
	result, err := handler(context.Background(), toolRequest(nil))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestSchemaFromParameters(t *testing.T) {
	schema := schemaFromParameters([]api.ParameterMetadata{
		{Name: "query", Type: "string", Required: true, Description: "what to find"},
		{Name: "limit", Type: "number", Default: 5},
	})

	assert.Equal(t, "object", schema.Type)
	assert.Equal(t, []string{"query"}, schema.Required)
	limit := schema.Properties["limit"].(map[string]interface{})
	assert.Equal(t, 5, limit["default"])
}

func TestSchemaFromMapRoundTrip(t *testing.T) {
	schema := schemaFromMap(map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"path": map[string]interface{}{"type": "string"},
		},
		"required": []interface{}{"path"},
	})

	assert.Equal(t, "object", schema.Type)
	assert.Equal(t, []string{"path"}, schema.Required)
	assert.Contains(t, schema.Properties, "path")
}

func TestSchemaFromMapEmptyIsOpenObject(t *testing.T) {
	schema := schemaFromMap(nil)
	assert.Equal(t, "object", schema.Type)
	assert.Empty(t, schema.Properties)
}

func TestToMCPResultMarshalsStructuredContent(t *testing.T) {
	result := toMCPResult(&api.CallToolResult{
		Content: []interface{}{"plain", map[string]interface{}{"k": "v"}},
	})

	first, ok := mcp.AsTextContent(result.Content[0])
	require.True(t, ok)
	assert.Equal(t, "plain", first.Text)

	second, ok := mcp.AsTextContent(result.Content[1])
	require.True(t, ok)
	assert.JSONEq(t, `{"k":"v"}`, second.Text)
}

func TestArgsFromMissingArguments(t *testing.T) {
	assert.Empty(t, argsFrom(mcp.CallToolRequest{}))
	assert.Equal(t, map[string]interface{}{"a": 1}, argsFrom(toolRequest(map[string]interface{}{"a": 1})))
}
