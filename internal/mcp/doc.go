// Package mcp implements MCP (Model Context Protocol) support in both
// directions: a client that connects to external MCP servers and
// bridges their tools into Thane's own registry, and a server that
// publishes Thane's own tool suites to external MCP clients.
//
// MCP uses JSON-RPC 2.0 over two transports: stdio (subprocess) and
// streamable HTTP. The client discovers tools via tools/list and invokes
// them via tools/call. Discovered tools are bridged into Thane's tool
// registry so they appear as native tools to the LLM.
//
// The server side speaks the same JSON-RPC shapes over a
// newline-delimited stdio stream, answering initialize, tools/list,
// and tools/call against a *toolkit.Registry. It backs the "mcp"
// CLI subcommand, so Thane's scheduling and execution tools can be
// driven from an external MCP client.
package mcp
