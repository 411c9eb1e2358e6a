package gateway

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"gantry/internal/api"
	"gantry/internal/config"
	"gantry/internal/metatools"
	"gantry/pkg/logging"
)

const serverName = "gantry"

// serverInstructions is advertised to connecting clients during the MCP
// initialize handshake.
const serverInstructions = "gantry aggregates upstream MCP servers behind one endpoint. " +
	"Use search_tools to discover tools by intent, execute_dag to run multi-step workflows, " +
	"and execute_code for jq transformations. Upstream tools are named server:tool."

// Server serves the gateway's MCP surface on one configured transport and
// keeps the published tool set in sync with upstream availability.
type Server struct {
	cfg      config.EndpointConfig
	version  string
	provider *metatools.Provider

	server               *server.MCPServer
	sseServer            *server.SSEServer
	streamableHTTPServer *server.StreamableHTTPServer
	stdioServer          *server.StdioServer

	ctx    context.Context
	cancel context.CancelFunc

	mu sync.Mutex
	// exposed tracks which tool ids each upstream currently publishes, so
	// updates can be diffed into AddTools/DeleteTools batches.
	exposed map[string][]string
}

// NewServer creates a gateway server. Start brings the transport up.
func NewServer(cfg config.EndpointConfig, version string, provider *metatools.Provider) *Server {
	if cfg.Transport == "" {
		cfg.Transport = config.DefaultTransport
	}
	if cfg.Host == "" {
		cfg.Host = config.DefaultHost
	}
	if cfg.Port == 0 {
		cfg.Port = config.DefaultPort
	}
	return &Server{
		cfg:      cfg,
		version:  version,
		provider: provider,
		exposed:  make(map[string][]string),
	}
}

// Start builds the MCP server, publishes the meta-tools and the current
// upstream tool set, subscribes to tool updates, and launches the
// configured transport.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.server != nil {
		s.mu.Unlock()
		return api.Errorf(api.ErrInternal, "gateway server already started")
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.server = server.NewMCPServer(
		serverName,
		s.version,
		server.WithToolCapabilities(true),
		server.WithInstructions(serverInstructions),
	)
	s.mu.Unlock()

	s.server.AddTools(s.metaTools()...)

	// Publish whatever upstreams already connected, then follow updates.
	if up := api.GetUpstream(); up != nil {
		s.syncDescriptors(up.ListTools())
	}
	api.SubscribeToToolUpdates(s)
	api.RegisterToolCaller(s)

	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)

	switch s.cfg.Transport {
	case config.TransportSSE:
		logging.Info("Gateway", "Serving MCP over SSE on %s", addr)
		s.sseServer = server.NewSSEServer(
			s.server,
			server.WithBaseURL(fmt.Sprintf("http://%s", addr)),
			server.WithSSEEndpoint("/sse"),
			server.WithMessageEndpoint("/message"),
			server.WithKeepAlive(true),
			server.WithKeepAliveInterval(30*time.Second),
		)
		sseServer := s.sseServer
		go func() {
			if err := sseServer.Start(addr); err != nil && err != http.ErrServerClosed {
				logging.Error("Gateway", err, "SSE server error")
			}
		}()

	case config.TransportStdio:
		logging.Info("Gateway", "Serving MCP over stdio")
		s.stdioServer = server.NewStdioServer(s.server)
		stdioServer := s.stdioServer
		go func() {
			if err := stdioServer.Listen(s.ctx, os.Stdin, os.Stdout); err != nil {
				logging.Error("Gateway", err, "Stdio server error")
			}
		}()

	default:
		logging.Info("Gateway", "Serving MCP over streamable HTTP on %s", addr)
		s.streamableHTTPServer = server.NewStreamableHTTPServer(s.server)
		streamableServer := s.streamableHTTPServer
		go func() {
			if err := streamableServer.Start(addr); err != nil && err != http.ErrServerClosed {
				logging.Error("Gateway", err, "Streamable HTTP server error")
			}
		}()
	}

	return nil
}

// Stop shuts the transport down. The stdio transport stops on context
// cancellation and needs no explicit shutdown.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.server == nil {
		s.mu.Unlock()
		return api.Errorf(api.ErrInternal, "gateway server not started")
	}
	cancel := s.cancel
	sseServer := s.sseServer
	streamableServer := s.streamableHTTPServer
	s.server = nil
	s.sseServer = nil
	s.streamableHTTPServer = nil
	s.stdioServer = nil
	s.mu.Unlock()

	logging.Info("Gateway", "Stopping MCP server")
	if cancel != nil {
		cancel()
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(ctx, 5*time.Second)
	defer cancelShutdown()

	if sseServer != nil {
		if err := sseServer.Shutdown(shutdownCtx); err != nil {
			logging.Error("Gateway", err, "Error shutting down SSE server")
		}
	}
	if streamableServer != nil {
		if err := streamableServer.Shutdown(shutdownCtx); err != nil {
			logging.Error("Gateway", err, "Error shutting down streamable HTTP server")
		}
	}
	return nil
}

// Endpoint returns the address clients connect to on the configured
// transport.
func (s *Server) Endpoint() string {
	switch s.cfg.Transport {
	case config.TransportStdio:
		return "stdio"
	case config.TransportSSE:
		return fmt.Sprintf("http://%s:%d/sse", s.cfg.Host, s.cfg.Port)
	default:
		return fmt.Sprintf("http://%s:%d/mcp", s.cfg.Host, s.cfg.Port)
	}
}

// OnToolsUpdated implements api.ToolUpdateSubscriber. Departed upstreams
// have their tools withdrawn; changed upstreams are diffed in place.
func (s *Server) OnToolsUpdated(event api.ToolUpdateEvent) {
	switch event.Type {
	case api.ToolsEventDeregistered:
		s.withdrawServer(event.ServerName)
	default:
		s.applyServerTools(event.ServerName, event.Tools)
	}
}

// syncDescriptors publishes a full descriptor listing, grouped by server.
func (s *Server) syncDescriptors(descriptors []api.ToolDescriptor) {
	byServer := make(map[string][]api.ToolDescriptor)
	for _, d := range descriptors {
		byServer[d.Server] = append(byServer[d.Server], d)
	}
	for name, tools := range byServer {
		s.applyServerTools(name, tools)
	}
}

// applyServerTools reconciles one upstream's published tool set. AddTools
// replaces same-named entries, so changed schemas need no removal first.
func (s *Server) applyServerTools(serverName string, descriptors []api.ToolDescriptor) {
	next := make([]string, 0, len(descriptors))
	nextSet := make(map[string]bool, len(descriptors))
	tools := make([]server.ServerTool, 0, len(descriptors))
	for _, d := range descriptors {
		id := d.ID()
		next = append(next, id)
		nextSet[id] = true
		tools = append(tools, server.ServerTool{
			Tool: mcp.Tool{
				Name:        id,
				Description: d.Description,
				InputSchema: schemaFromMap(d.InputSchema),
			},
			Handler: s.upstreamToolHandler(d.Server, d.Name),
		})
	}

	s.mu.Lock()
	if s.server == nil {
		s.mu.Unlock()
		return
	}
	srv := s.server
	var removed []string
	for _, id := range s.exposed[serverName] {
		if !nextSet[id] {
			removed = append(removed, id)
		}
	}
	s.exposed[serverName] = next
	s.mu.Unlock()

	if len(removed) > 0 {
		srv.DeleteTools(removed...)
	}
	if len(tools) > 0 {
		srv.AddTools(tools...)
	}
	logging.Debug("Gateway", "Published %d tools for %s (%d removed)", len(tools), serverName, len(removed))
}

// withdrawServer removes every tool a departed upstream published.
func (s *Server) withdrawServer(serverName string) {
	s.mu.Lock()
	if s.server == nil {
		s.mu.Unlock()
		return
	}
	srv := s.server
	removed := s.exposed[serverName]
	delete(s.exposed, serverName)
	s.mu.Unlock()

	if len(removed) > 0 {
		srv.DeleteTools(removed...)
		logging.Info("Gateway", "Withdrew %d tools for departed upstream %s", len(removed), serverName)
	}
}

// exposedTools returns the ids currently published for one upstream.
func (s *Server) exposedTools(serverName string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.exposed[serverName]...)
}

// metaTools builds the server tools for the gateway's own surface.
func (s *Server) metaTools() []server.ServerTool {
	var tools []server.ServerTool
	for _, meta := range s.provider.GetTools() {
		tools = append(tools, server.ServerTool{
			Tool: mcp.Tool{
				Name:        meta.Name,
				Description: meta.Description,
				InputSchema: schemaFromParameters(meta.Parameters),
			},
			Handler: s.metaToolHandler(meta.Name),
		})
	}
	return tools
}

// metaToolHandler wraps one meta-tool in a wire handler. Protocol errors
// surface as error results; domain failures are already payloads.
func (s *Server) metaToolHandler(toolName string) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		result, err := s.provider.ExecuteTool(ctx, toolName, argsFrom(req))
		if err != nil {
			logging.Error("Gateway", err, "Meta-tool %s failed", toolName)
			return mcp.NewToolResultError(fmt.Sprintf("tool execution failed: %v", err)), nil
		}
		return toMCPResult(result), nil
	}
}

// upstreamToolHandler wraps one proxied upstream tool in a wire handler.
func (s *Server) upstreamToolHandler(serverName, toolName string) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		up := api.GetUpstream()
		if up == nil {
			return mcp.NewToolResultError("upstream manager not available"), nil
		}
		result, err := up.CallTool(ctx, serverName, toolName, argsFrom(req))
		if err != nil {
			logging.Error("Gateway", err, "Upstream tool %s:%s failed", serverName, toolName)
			return mcp.NewToolResultError(fmt.Sprintf("tool execution failed: %v", err)), nil
		}
		return toMCPResult(result), nil
	}
}

// CallToolInternal implements api.ToolCaller: the single dispatch point
// for the sandbox and the engine. Ids with a server prefix route to the
// upstream manager; bare names are meta-tools.
func (s *Server) CallToolInternal(ctx context.Context, toolName string, args map[string]interface{}) (*api.CallToolResult, error) {
	if serverName, tool, ok := api.SplitToolID(toolName); ok {
		up := api.GetUpstream()
		if up == nil {
			return nil, api.Errorf(api.ErrInternal, "upstream manager not available")
		}
		return up.CallTool(ctx, serverName, tool, args)
	}
	return s.provider.ExecuteTool(ctx, toolName, args)
}

var _ api.ToolCaller = (*Server)(nil)
var _ api.ToolUpdateSubscriber = (*Server)(nil)
