package mcp

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/nugget/thane-ai-agent/internal/toolkit"
)

// sanitizeRe matches characters that are not lowercase alphanumeric or underscore.
var sanitizeRe = regexp.MustCompile(`[^a-z0-9_]`)

// BridgedServer is a toolkit.ToolServer wrapping tools discovered from
// one external MCP server, so they sit alongside the native C4/C5
// suites in a single toolkit.Registry.
type BridgedServer []toolkit.Tool

// Tools implements toolkit.ToolServer.
func (b BridgedServer) Tools() []toolkit.Tool { return b }

// BridgeTools discovers tools from an MCP client and returns them as
// toolkit.Tool values namespaced "mcp_{serverName}_{toolName}" to
// avoid collisions with native tool names. Wrap the result in a
// BridgedServer and pass it to toolkit.NewRegistry alongside the
// execution or scheduling suite.
//
// The include and exclude lists control which MCP tools are bridged:
//   - If include is non-empty, only tools whose MCP names appear in it are registered.
//   - If exclude is non-empty, tools whose MCP names appear in it are skipped.
//   - If both are empty, all tools are registered.
func BridgeTools(ctx context.Context, client *Client, serverName string, include, exclude []string, logger *slog.Logger) ([]toolkit.Tool, error) {
	if logger == nil {
		logger = slog.Default()
	}

	mcpTools, err := client.ListTools(ctx)
	if err != nil {
		return nil, fmt.Errorf("list tools from %s: %w", serverName, err)
	}

	includeSet := toSet(include)
	excludeSet := toSet(exclude)

	var out []toolkit.Tool
	for _, td := range mcpTools {
		if len(includeSet) > 0 {
			if !includeSet[td.Name] {
				continue
			}
		} else if excludeSet[td.Name] {
			continue
		}

		name := ToolName(serverName, td.Name)
		out = append(out, bridgeTool(client, name, td))

		logger.Debug("bridged MCP tool",
			"mcp_name", td.Name,
			"local_name", name,
			"server", serverName,
		)
	}

	return out, nil
}

// ToolName generates a namespaced local tool name from an MCP server
// name and tool name. Both components are sanitized to contain only
// lowercase alphanumeric characters and underscores.
func ToolName(serverName, mcpToolName string) string {
	server := sanitize(serverName)
	tool := sanitize(mcpToolName)
	return fmt.Sprintf("mcp_%s_%s", server, tool)
}

// bridgeTool builds a toolkit.Tool that proxies calls to an MCP server.
func bridgeTool(client *Client, name string, td ToolDefinition) toolkit.Tool {
	mcpName := td.Name

	return toolkit.Tool{
		Name:        name,
		Description: td.Description,
		InputSchema: td.InputSchema,
		Handler: func(ctx context.Context, input map[string]any) (string, error) {
			return client.CallTool(ctx, mcpName, input)
		},
	}
}

// sanitize converts a name to lowercase and replaces non-alphanumeric
// characters (except underscore) with underscores. Consecutive
// underscores are collapsed and leading/trailing underscores are trimmed.
func sanitize(name string) string {
	s := strings.ToLower(name)
	s = strings.ReplaceAll(s, "-", "_")
	s = sanitizeRe.ReplaceAllString(s, "_")

	for strings.Contains(s, "__") {
		s = strings.ReplaceAll(s, "__", "_")
	}

	return strings.Trim(s, "_")
}

// toSet converts a string slice to a set for O(1) lookups.
func toSet(items []string) map[string]bool {
	if len(items) == 0 {
		return nil
	}
	m := make(map[string]bool, len(items))
	for _, item := range items {
		m[item] = true
	}
	return m
}
