package mock

import (
	"context"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func textOf(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, result.Content)
	text, ok := mcp.AsTextContent(result.Content[0])
	require.True(t, ok)
	return text.Text
}

func TestFileServerListsTools(t *testing.T) {
	client := FileServer()
	tools, err := client.ListTools(context.Background())
	require.NoError(t, err)

	names := make([]string, len(tools))
	for i, tool := range tools {
		names[i] = tool.Name
	}
	assert.ElementsMatch(t, []string{"read_file", "write_file", "delete_entity"}, names)
	assert.Equal(t, "object", tools[0].InputSchema.Type)
}

func TestConditionalResponsesMatchArgSubsets(t *testing.T) {
	client := FileServer()

	result, err := client.CallTool(context.Background(), "read_file", map[string]interface{}{"path": "/missing"})
	require.NoError(t, err)
	assert.True(t, result.IsError)

	result, err = client.CallTool(context.Background(), "read_file", map[string]interface{}{"path": "/etc/hosts"})
	require.NoError(t, err)
	assert.False(t, result.IsError)
	assert.JSONEq(t, `{"content":"hello from mock"}`, textOf(t, result))
}

func TestUnknownToolIsToolError(t *testing.T) {
	client := NewClient()
	result, err := client.CallTool(context.Background(), "nope", nil)
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestCallsAreRecorded(t *testing.T) {
	client := FileServer()
	_, err := client.CallTool(context.Background(), "write_file", map[string]interface{}{"path": "/a", "content": "x"})
	require.NoError(t, err)

	calls := client.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "write_file", calls[0].Tool)
	assert.Equal(t, "/a", calls[0].Args["path"])
}

func TestFailCallsSimulatesDeadConnection(t *testing.T) {
	client := FileServer()
	client.FailCalls(context.DeadlineExceeded)

	_, err := client.CallTool(context.Background(), "read_file", map[string]interface{}{"path": "/a"})
	assert.Error(t, err)
}

func TestDelayRespectsContextCancellation(t *testing.T) {
	client := NewClient(Tool{
		Name: "slow",
		Responses: []Response{
			{Result: "done", Delay: time.Minute},
		},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := client.CallTool(ctx, "slow", nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestDialerReusesClientAcrossRestarts(t *testing.T) {
	client := FileServer()
	dial := client.Dialer()

	first, err := dial()
	require.NoError(t, err)
	require.NoError(t, first.Initialize(context.Background()))
	require.NoError(t, first.Close())
	assert.True(t, client.Closed())

	second, err := dial()
	require.NoError(t, err)
	assert.False(t, client.Closed())
	assert.Same(t, client, second.(*Client))
}

func TestPrimitiveResultsRenderAsText(t *testing.T) {
	client := NewClient(Tool{
		Name:      "count",
		Responses: []Response{{Result: 42}},
	})

	result, err := client.CallTool(context.Background(), "count", nil)
	require.NoError(t, err)
	assert.Equal(t, "42", textOf(t, result))
}
