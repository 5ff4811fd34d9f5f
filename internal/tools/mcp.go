package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	mcpgo "github.com/mark3labs/mcp-go/mcp"

	"github.com/halogate/halogate/internal/config"
)

// MCPManager connects configured MCP servers and registers each discovered
// remote tool into the shared Registry as a BridgeTool. Tool names are
// prefixed with the server name (or the configured prefix) so two servers
// exporting "search" never collide.
type MCPManager struct {
	registry *Registry

	mu      sync.RWMutex
	servers map[string]*mcpServerState
}

type mcpServerState struct {
	name      string
	client    *mcpclient.Client
	toolNames []string
}

// NewMCPManager creates an empty manager registering into registry.
func NewMCPManager(registry *Registry) *MCPManager {
	return &MCPManager{registry: registry, servers: make(map[string]*mcpServerState)}
}

// ConnectAll connects every enabled server in cfg, logging and skipping
// failures so one dead server doesn't block startup.
func (m *MCPManager) ConnectAll(ctx context.Context, cfg map[string]*config.MCPServerConfig) {
	for name, sc := range cfg {
		if sc == nil || !sc.IsEnabled() {
			continue
		}
		if err := m.Connect(ctx, name, sc); err != nil {
			slog.Warn("mcp server connect failed", "server", name, "error", err)
		}
	}
}

// Connect dials one server, runs the MCP handshake, and registers its tools.
func (m *MCPManager) Connect(ctx context.Context, name string, sc *config.MCPServerConfig) error {
	client, err := newMCPClient(sc)
	if err != nil {
		return fmt.Errorf("create client: %w", err)
	}

	if sc.Transport != "stdio" {
		if err := client.Start(ctx); err != nil {
			_ = client.Close()
			return fmt.Errorf("start transport: %w", err)
		}
	}

	initReq := mcpgo.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcpgo.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcpgo.Implementation{Name: "halogate", Version: "1.0.0"}
	if _, err := client.Initialize(ctx, initReq); err != nil {
		_ = client.Close()
		return fmt.Errorf("initialize: %w", err)
	}

	listed, err := client.ListTools(ctx, mcpgo.ListToolsRequest{})
	if err != nil {
		_ = client.Close()
		return fmt.Errorf("list tools: %w", err)
	}

	timeout := time.Duration(sc.TimeoutSec) * time.Second
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	prefix := sc.ToolPrefix
	if prefix == "" {
		prefix = name
	}

	ss := &mcpServerState{name: name, client: client}
	for _, remote := range listed.Tools {
		bt := &BridgeTool{
			server:  name,
			prefix:  prefix,
			client:  client,
			tool:    remote,
			timeout: timeout,
		}
		if _, exists := m.registry.Get(bt.Name()); exists {
			slog.Warn("mcp tool name collision, skipped", "server", name, "tool", bt.Name())
			continue
		}
		m.registry.Register(bt)
		ss.toolNames = append(ss.toolNames, bt.Name())
	}

	if len(ss.toolNames) > 0 {
		RegisterToolGroup("mcp:"+name, ss.toolNames)
	}

	m.mu.Lock()
	m.servers[name] = ss
	m.updateGroupLocked()
	m.mu.Unlock()

	slog.Info("mcp server connected", "server", name, "transport", sc.Transport, "tools", len(ss.toolNames))
	return nil
}

// Close disconnects every server and unregisters its tools.
func (m *MCPManager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for name, ss := range m.servers {
		_ = ss.client.Close()
		for _, toolName := range ss.toolNames {
			m.registry.Unregister(toolName)
		}
		UnregisterToolGroup("mcp:" + name)
	}
	m.servers = make(map[string]*mcpServerState)
	UnregisterToolGroup("mcp")
}

// updateGroupLocked rebuilds the umbrella "mcp" group across all servers.
func (m *MCPManager) updateGroupLocked() {
	var all []string
	for _, ss := range m.servers {
		all = append(all, ss.toolNames...)
	}
	if len(all) > 0 {
		RegisterToolGroup("mcp", all)
	} else {
		UnregisterToolGroup("mcp")
	}
}

func newMCPClient(sc *config.MCPServerConfig) (*mcpclient.Client, error) {
	switch sc.Transport {
	case "stdio":
		env := make([]string, 0, len(sc.Env))
		for k, v := range sc.Env {
			env = append(env, k+"="+v)
		}
		return mcpclient.NewStdioMCPClient(sc.Command, env, sc.Args...)
	case "sse":
		var opts []transport.ClientOption
		if len(sc.Headers) > 0 {
			opts = append(opts, mcpclient.WithHeaders(sc.Headers))
		}
		return mcpclient.NewSSEMCPClient(sc.URL, opts...)
	case "streamable-http":
		var opts []transport.StreamableHTTPCOption
		if len(sc.Headers) > 0 {
			opts = append(opts, transport.WithHTTPHeaders(sc.Headers))
		}
		return mcpclient.NewStreamableHttpClient(sc.URL, opts...)
	default:
		return nil, fmt.Errorf("unsupported transport: %q", sc.Transport)
	}
}

// BridgeTool adapts one remote MCP tool to the local Tool interface.
type BridgeTool struct {
	server  string
	prefix  string
	client  *mcpclient.Client
	tool    mcpgo.Tool
	timeout time.Duration
}

// OriginalName is the tool's name on its server, before prefixing.
func (b *BridgeTool) OriginalName() string { return b.tool.Name }

func (b *BridgeTool) Name() string { return b.prefix + "_" + b.tool.Name }

func (b *BridgeTool) Description() string {
	if b.tool.Description != "" {
		return b.tool.Description
	}
	return "Tool " + b.tool.Name + " from MCP server " + b.server
}

func (b *BridgeTool) Parameters() map[string]interface{} {
	data, err := json.Marshal(b.tool.InputSchema)
	if err != nil {
		return map[string]interface{}{"type": "object"}
	}
	var schema map[string]interface{}
	if err := json.Unmarshal(data, &schema); err != nil || schema == nil {
		return map[string]interface{}{"type": "object"}
	}
	return schema
}

func (b *BridgeTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	cctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	callReq := mcpgo.CallToolRequest{}
	callReq.Params.Name = b.tool.Name
	callReq.Params.Arguments = args

	res, err := b.client.CallTool(cctx, callReq)
	if err != nil {
		return ErrorResult(fmt.Sprintf("mcp %s/%s: %v", b.server, b.tool.Name, err)).WithError(err)
	}

	var out string
	for _, content := range res.Content {
		if tc, ok := mcpgo.AsTextContent(content); ok {
			if out != "" {
				out += "\n"
			}
			out += tc.Text
		}
	}
	if out == "" {
		out = "(empty result)"
	}
	if res.IsError {
		return ErrorResult(out)
	}
	return NewResult(out)
}
