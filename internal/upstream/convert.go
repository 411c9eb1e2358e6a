package upstream

import (
	"encoding/json"

	"github.com/mark3labs/mcp-go/mcp"

	"gantry/internal/api"
)

// schemaToMap converts a wire input schema into the structural form
// descriptors carry. The round trip through JSON keeps the descriptor free
// of mcp-go types.
func schemaToMap(schema mcp.ToolInputSchema) map[string]interface{} {
	data, err := json.Marshal(schema)
	if err != nil {
		return nil
	}
	var out map[string]interface{}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil
	}
	return out
}

// convertResult flattens an mcp-go tools/call result. Text content becomes
// plain strings; other content kinds are carried through as-is. IsError is
// preserved so upstream tool failures surface verbatim.
func convertResult(result *mcp.CallToolResult) *api.CallToolResult {
	out := &api.CallToolResult{IsError: result.IsError}
	for _, content := range result.Content {
		if text, ok := mcp.AsTextContent(content); ok {
			out.Content = append(out.Content, text.Text)
			continue
		}
		out.Content = append(out.Content, content)
	}
	return out
}
