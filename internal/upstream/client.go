package upstream

import (
	"context"
	"fmt"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"

	"gantry/internal/config"
)

// mcpProtocolVersion is the MCP protocol revision the gateway negotiates
// with upstreams.
const mcpProtocolVersion = "2024-11-05"

// MCPClient is the consumer-side view of one upstream connection. The
// production implementation wraps an mcp-go client; tests substitute
// in-process fakes.
type MCPClient interface {
	// Initialize starts the transport and performs the MCP handshake.
	Initialize(ctx context.Context) error

	// ListTools returns the server's current tool set.
	ListTools(ctx context.Context) ([]mcp.Tool, error)

	// CallTool issues tools/call and awaits the matching response.
	CallTool(ctx context.Context, name string, args map[string]interface{}) (*mcp.CallToolResult, error)

	// Ping checks liveness.
	Ping(ctx context.Context) error

	// Close shuts the transport down, terminating child processes for
	// stdio servers.
	Close() error
}

// Dialer creates a fresh, unconnected client for an upstream spec. Every
// restart dials anew; clients are never reused across connections.
type Dialer func() (MCPClient, error)

// mcpGoClient adapts an mcp-go client to MCPClient. JSON-RPC request id
// allocation, per-id response demultiplexing, and newline framing for
// stdio live inside the mcp-go transport.
type mcpGoClient struct {
	inner *client.Client
	// stdio clients are started by their constructor; calling Start again
	// would fail.
	started bool
}

func (c *mcpGoClient) Initialize(ctx context.Context) error {
	if !c.started {
		if err := c.inner.Start(ctx); err != nil {
			return fmt.Errorf("failed to start transport: %w", err)
		}
	}

	_, err := c.inner.Initialize(ctx, mcp.InitializeRequest{
		Params: struct {
			ProtocolVersion string                 `json:"protocolVersion"`
			Capabilities    mcp.ClientCapabilities `json:"capabilities"`
			ClientInfo      mcp.Implementation     `json:"clientInfo"`
		}{
			ProtocolVersion: mcpProtocolVersion,
			ClientInfo: mcp.Implementation{
				Name:    "gantry",
				Version: "1.0.0",
			},
		},
	})
	if err != nil {
		return fmt.Errorf("MCP handshake failed: %w", err)
	}
	return nil
}

func (c *mcpGoClient) ListTools(ctx context.Context) ([]mcp.Tool, error) {
	result, err := c.inner.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		return nil, err
	}
	return result.Tools, nil
}

func (c *mcpGoClient) CallTool(ctx context.Context, name string, args map[string]interface{}) (*mcp.CallToolResult, error) {
	return c.inner.CallTool(ctx, mcp.CallToolRequest{
		Params: struct {
			Name      string    `json:"name"`
			Arguments any       `json:"arguments,omitempty"`
			Meta      *mcp.Meta `json:"_meta,omitempty"`
		}{
			Name:      name,
			Arguments: args,
		},
	})
}

func (c *mcpGoClient) Ping(ctx context.Context) error {
	return c.inner.Ping(ctx)
}

func (c *mcpGoClient) Close() error {
	return c.inner.Close()
}

// NewDialer builds the transport-appropriate dialer for an upstream spec.
func NewDialer(cfg config.UpstreamConfig) (Dialer, error) {
	switch cfg.Transport {
	case config.TransportStdio:
		if cfg.Command == "" {
			return nil, fmt.Errorf("upstream %s: stdio transport requires a command", cfg.Name)
		}
		return func() (MCPClient, error) {
			env := make([]string, 0, len(cfg.Env))
			for k, v := range cfg.Env {
				env = append(env, fmt.Sprintf("%s=%s", k, v))
			}
			inner, err := client.NewStdioMCPClient(cfg.Command, env, cfg.Args...)
			if err != nil {
				return nil, fmt.Errorf("failed to spawn %s: %w", cfg.Command, err)
			}
			return &mcpGoClient{inner: inner, started: true}, nil
		}, nil

	case config.TransportStreamableHTTP:
		if cfg.URL == "" {
			return nil, fmt.Errorf("upstream %s: streamable-http transport requires a url", cfg.Name)
		}
		return func() (MCPClient, error) {
			var opts []transport.StreamableHTTPCOption
			if len(cfg.Headers) > 0 {
				opts = append(opts, transport.WithHTTPHeaders(cfg.Headers))
			}
			inner, err := client.NewStreamableHttpClient(cfg.URL, opts...)
			if err != nil {
				return nil, fmt.Errorf("failed to create streamable-http client: %w", err)
			}
			return &mcpGoClient{inner: inner}, nil
		}, nil

	case config.TransportSSE:
		if cfg.URL == "" {
			return nil, fmt.Errorf("upstream %s: sse transport requires a url", cfg.Name)
		}
		return func() (MCPClient, error) {
			var opts []transport.ClientOption
			if len(cfg.Headers) > 0 {
				opts = append(opts, transport.WithHeaders(cfg.Headers))
			}
			inner, err := client.NewSSEMCPClient(cfg.URL, opts...)
			if err != nil {
				return nil, fmt.Errorf("failed to create sse client: %w", err)
			}
			return &mcpGoClient{inner: inner}, nil
		}, nil

	default:
		return nil, fmt.Errorf("upstream %s: unsupported transport %q", cfg.Name, cfg.Transport)
	}
}
