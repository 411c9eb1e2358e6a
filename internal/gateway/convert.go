package gateway

import (
	"encoding/json"

	"github.com/mark3labs/mcp-go/mcp"

	"gantry/internal/api"
)

// schemaFromParameters builds a wire input schema from tool metadata.
func schemaFromParameters(params []api.ParameterMetadata) mcp.ToolInputSchema {
	properties := make(map[string]interface{})
	required := []string{}

	for _, param := range params {
		propSchema := map[string]interface{}{
			"type":        param.Type,
			"description": param.Description,
		}
		if param.Default != nil {
			propSchema["default"] = param.Default
		}
		properties[param.Name] = propSchema

		if param.Required {
			required = append(required, param.Name)
		}
	}

	return mcp.ToolInputSchema{
		Type:       "object",
		Properties: properties,
		Required:   required,
	}
}

// schemaFromMap rehydrates a descriptor's structural schema into the wire
// form. Descriptors without a schema advertise an open object so clients
// can still call the tool.
func schemaFromMap(schema map[string]interface{}) mcp.ToolInputSchema {
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
	if out.Type == "" {
		out.Type = "object"
	}
	return out
}

// toMCPResult converts an internal result to the wire form. String content
// passes through as text; anything else is rendered as JSON text.
func toMCPResult(result *api.CallToolResult) *mcp.CallToolResult {
	mcpContent := make([]mcp.Content, len(result.Content))
	for i, content := range result.Content {
		if text, ok := content.(string); ok {
			mcpContent[i] = mcp.NewTextContent(text)
			continue
		}
		data, _ := json.Marshal(content)
		mcpContent[i] = mcp.NewTextContent(string(data))
	}
	return &mcp.CallToolResult{
		Content: mcpContent,
		IsError: result.IsError,
	}
}

// argsFrom extracts the argument object from a tools/call request. Absent
// or non-object arguments become an empty map.
func argsFrom(req mcp.CallToolRequest) map[string]interface{} {
	if req.Params.Arguments != nil {
		if argsMap, ok := req.Params.Arguments.(map[string]interface{}); ok {
			return argsMap
		}
	}
	return map[string]interface{}{}
}
