package runtime

import (
	"context"

	"github.com/nugget/thane-ai-agent/internal/mcp"
	"github.com/nugget/thane-ai-agent/internal/toolkit"
)

// MCPServerConfig names one external MCP tool server to bridge into
// every execution pass's tool suite, mirroring the `mcp` subcommand's
// own use of internal/mcp in the server direction.
type MCPServerConfig struct {
	Name      string
	Transport mcp.Transport
	Include   []string
	Exclude   []string
}

// mcpBridge owns the live clients for every configured external MCP
// server and the toolkit.Tool set discovered from them, held for the
// life of the runtime so each execution pass bridges for free.
type mcpBridge struct {
	clients []*mcp.Client
	tools   []toolkit.Tool
}

// connectMCPServers initializes and bridges every configured external
// MCP server. A server that fails to connect is logged and skipped —
// one misconfigured integration should not prevent the runtime from
// booting.
func (r *Runtime) connectMCPServers(ctx context.Context) {
	for _, sc := range r.cfg.MCPServers {
		client := mcp.NewClient(sc.Name, sc.Transport, r.log)
		if err := client.Initialize(ctx); err != nil {
			r.log.Error("initialize external mcp server", "server", sc.Name, "error", err)
			continue
		}

		tools, err := mcp.BridgeTools(ctx, client, sc.Name, sc.Include, sc.Exclude, r.log)
		if err != nil {
			r.log.Error("bridge tools from external mcp server", "server", sc.Name, "error", err)
			client.Close()
			continue
		}

		r.log.Info("bridged external mcp server", "server", sc.Name, "tool_count", len(tools))
		r.bridge.clients = append(r.bridge.clients, client)
		r.bridge.tools = append(r.bridge.tools, tools...)
	}
}

// closeMCPServers closes every external MCP client the runtime
// connected during Boot.
func (r *Runtime) closeMCPServers() {
	for _, c := range r.bridge.clients {
		if err := c.Close(); err != nil {
			r.log.Warn("close external mcp client", "error", err)
		}
	}
}

// bridgedToolServer returns the execution pass's extra toolkit.ToolServer
// for bridged external MCP tools, or nil when none are configured.
func (r *Runtime) bridgedToolServer() toolkit.ToolServer {
	if len(r.bridge.tools) == 0 {
		return nil
	}
	return mcp.BridgedServer(r.bridge.tools)
}
