package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/nugget/thane-ai-agent/internal/buildinfo"
	"github.com/nugget/thane-ai-agent/internal/toolkit"
)

// rawMessage is the shape used to distinguish an incoming request from
// a notification before decoding it fully: a notification carries no
// "id" field at all, while a request always does (even id 0).
type rawMessage struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *int64          `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
}

// Server exposes a toolkit.Registry as an MCP server over a
// newline-delimited JSON-RPC stream. It is the host-side counterpart
// to Client: where Client consumes someone else's tools, Server
// publishes this process's own C4/C5 tool suites to an external MCP
// client (an editor, another agent, a CLI harness).
type Server struct {
	name     string
	registry *toolkit.Registry
	logger   *slog.Logger

	mu          sync.Mutex
	initialized bool
}

// NewServer builds an MCP server that serves the tools in registry
// under the given server name (reported in the initialize response).
func NewServer(name string, registry *toolkit.Registry, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		name:     name,
		registry: registry,
		logger:   logger.With("mcp_role", "server", "mcp_name", name),
	}
}

// Serve reads newline-delimited JSON-RPC messages from r and writes
// responses to w until r is exhausted or ctx is cancelled. Writes are
// serialized since a client may pipeline requests. One malformed line
// logs a warning and is skipped rather than terminating the session.
func (s *Server) Serve(ctx context.Context, r io.Reader, w io.Writer) error {
	var writeMu sync.Mutex
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4<<20)

	lines := make(chan []byte)
	scanErr := make(chan error, 1)
	go func() {
		defer close(lines)
		for scanner.Scan() {
			line := append([]byte(nil), scanner.Bytes()...)
			select {
			case lines <- line:
			case <-ctx.Done():
				return
			}
		}
		scanErr <- scanner.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-lines:
			if !ok {
				return <-scanErr
			}
			if len(line) == 0 {
				continue
			}
			s.handleLine(ctx, line, w, &writeMu)
		}
	}
}

func (s *Server) handleLine(ctx context.Context, line []byte, w io.Writer, writeMu *sync.Mutex) {
	var raw rawMessage
	if err := json.Unmarshal(line, &raw); err != nil {
		s.logger.Warn("skipping malformed MCP message", "error", err)
		return
	}

	if raw.ID == nil {
		s.handleNotification(raw)
		return
	}

	resp := s.dispatch(ctx, raw)
	s.write(w, writeMu, resp)
}

func (s *Server) handleNotification(raw rawMessage) {
	switch raw.Method {
	case "notifications/initialized":
		s.logger.Debug("client completed MCP handshake")
	default:
		s.logger.Debug("ignoring MCP notification", "method", raw.Method)
	}
}

func (s *Server) dispatch(ctx context.Context, raw rawMessage) *Response {
	id := *raw.ID

	switch raw.Method {
	case "initialize":
		return s.handleInitialize(id)
	case "ping":
		return resultResponse(id, map[string]any{})
	case "tools/list":
		return s.handleToolsList(id)
	case "tools/call":
		return s.handleToolsCall(ctx, id, raw.Params)
	default:
		return errorResponse(id, ErrCodeMethodNotFound, fmt.Sprintf("method not found: %s", raw.Method))
	}
}

func (s *Server) handleInitialize(id int64) *Response {
	s.mu.Lock()
	s.initialized = true
	s.mu.Unlock()

	return resultResponse(id, initializeResult{
		ProtocolVersion: protocolVersion,
		ServerInfo: serverInfo{
			Name:    s.name,
			Version: buildinfo.Version,
		},
		Capabilities: serverCapabilities{
			Tools: &struct{}{},
		},
	})
}

func (s *Server) handleToolsList(id int64) *Response {
	specs := s.registry.ListTools()
	tools := make([]ToolDefinition, len(specs))
	for i, spec := range specs {
		tools[i] = ToolDefinition{
			Name:        spec.Name,
			Description: spec.Description,
			InputSchema: spec.InputSchema,
		}
	}
	return resultResponse(id, toolsListResult{Tools: tools})
}

func (s *Server) handleToolsCall(ctx context.Context, id int64, params json.RawMessage) *Response {
	var req struct {
		Name      string         `json:"name"`
		Arguments map[string]any `json:"arguments"`
	}
	if err := json.Unmarshal(params, &req); err != nil {
		return errorResponse(id, ErrCodeInvalidParams, fmt.Sprintf("invalid params: %s", err))
	}

	result, isError := s.registry.Call(ctx, req.Name, req.Arguments)
	return resultResponse(id, callToolResult{
		Content: []ContentBlock{{Type: "text", Text: result}},
		IsError: isError,
	})
}

func (s *Server) write(w io.Writer, writeMu *sync.Mutex, resp *Response) {
	data, err := json.Marshal(resp)
	if err != nil {
		s.logger.Error("marshal MCP response", "error", err)
		return
	}

	writeMu.Lock()
	defer writeMu.Unlock()
	if _, err := w.Write(append(data, '\n')); err != nil {
		s.logger.Warn("write MCP response", "error", err)
	}
}

func resultResponse(id int64, result any) *Response {
	data, err := json.Marshal(result)
	if err != nil {
		return errorResponse(id, ErrCodeInternalError, fmt.Sprintf("marshal result: %s", err))
	}
	return &Response{JSONRPC: jsonrpcVersion, ID: id, Result: data}
}

func errorResponse(id int64, code int, msg string) *Response {
	return &Response{JSONRPC: jsonrpcVersion, ID: id, Error: &RPCError{Code: code, Message: msg}}
}
