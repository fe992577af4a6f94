package llmprovider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/nugget/thane-ai-agent/internal/automation"
	"github.com/nugget/thane-ai-agent/internal/toolkit"
)

// OllamaProvider talks to a local Ollama server. Ollama's /api/chat
// tool-calling shape does not echo a call id back, so CompleteTurn
// fabricates one per tool_use block via idSequencer.
type OllamaProvider struct {
	baseURL    string
	httpClient *http.Client
}

// NewOllamaProvider builds a provider against an Ollama server.
func NewOllamaProvider(baseURL string) *OllamaProvider {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	return &OllamaProvider{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 5 * time.Minute},
	}
}

type ollamaMessage struct {
	Role      string           `json:"role"`
	Content   string           `json:"content"`
	ToolCalls []ollamaToolCall `json:"tool_calls,omitempty"`
}

type ollamaToolCall struct {
	Function struct {
		Name      string         `json:"name"`
		Arguments map[string]any `json:"arguments"`
	} `json:"function"`
}

type ollamaTool struct {
	Type     string `json:"type"`
	Function struct {
		Name        string         `json:"name"`
		Description string         `json:"description,omitempty"`
		Parameters  map[string]any `json:"parameters"`
	} `json:"function"`
}

type ollamaChatRequest struct {
	Model    string           `json:"model"`
	Messages []ollamaMessage  `json:"messages"`
	Stream   bool             `json:"stream"`
	Tools    []ollamaTool     `json:"tools,omitempty"`
}

type ollamaChatResponse struct {
	Message ollamaMessage `json:"message"`
	Done    bool          `json:"done"`
}

// CompleteTurn implements Provider. Ollama has no separate
// system-prompt field in the chat API; systemPrompt is prepended as a
// role=system message, matching the convention Ollama itself
// documents for its OpenAI-compatibility layer.
func (p *OllamaProvider) CompleteTurn(ctx context.Context, model, systemPrompt string, messages []automation.MessageParam, tools []toolkit.Spec) (automation.MessageParam, error) {
	var ollamaMsgs []ollamaMessage
	if systemPrompt != "" {
		ollamaMsgs = append(ollamaMsgs, ollamaMessage{Role: "system", Content: systemPrompt})
	}
	ollamaMsgs = append(ollamaMsgs, toOllamaMessages(messages)...)

	req := ollamaChatRequest{
		Model:    model,
		Messages: ollamaMsgs,
		Stream:   false,
		Tools:    toOllamaTools(tools),
	}

	body, err := json.Marshal(req)
	if err != nil {
		return automation.MessageParam{}, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return automation.MessageParam{}, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return automation.MessageParam{}, fmt.Errorf("ollama request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return automation.MessageParam{}, fmt.Errorf("ollama API error %d", resp.StatusCode)
	}

	var out ollamaChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return automation.MessageParam{}, fmt.Errorf("decode response: %w", err)
	}

	var blocks []automation.ContentBlock
	if out.Message.Content != "" {
		blocks = append(blocks, automation.TextBlock(out.Message.Content))
	}
	seq := &idSequencer{}
	for _, tc := range out.Message.ToolCalls {
		blocks = append(blocks, automation.ToolUseBlock(seq.next(), tc.Function.Name, tc.Function.Arguments))
	}

	return automation.MessageParam{Role: automation.RoleAssistant, Content: blocks}, nil
}

// ListModels queries the local Ollama server's model list.
func (p *OllamaProvider) ListModels(ctx context.Context) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/api/tags", nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ollama request: %w", err)
	}
	defer resp.Body.Close()

	var out struct {
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	names := make([]string, 0, len(out.Models))
	for _, m := range out.Models {
		names = append(names, m.Name)
	}
	return names, nil
}

// toOllamaMessages flattens MessageParam/ContentBlock into Ollama's
// flat string-content shape. tool_use blocks become an empty-content
// assistant turn with ToolCalls; tool_result blocks become one
// role=tool message per result (Ollama has no dedicated tool role in
// older servers, so this uses "tool" per the current API).
func toOllamaMessages(messages []automation.MessageParam) []ollamaMessage {
	var out []ollamaMessage
	for _, m := range messages {
		switch content := m.Content.(type) {
		case string:
			out = append(out, ollamaMessage{Role: string(m.Role), Content: content})
		case []automation.ContentBlock:
			var text string
			var calls []ollamaToolCall
			for _, b := range content {
				switch b.Type {
				case automation.BlockText:
					text += b.Text
				case automation.BlockToolUse:
					var tc ollamaToolCall
					tc.Function.Name = b.Name
					tc.Function.Arguments = b.Input
					calls = append(calls, tc)
				case automation.BlockToolResult:
					out = append(out, ollamaMessage{Role: "tool", Content: b.Content})
				}
			}
			if text != "" || len(calls) > 0 {
				out = append(out, ollamaMessage{Role: string(m.Role), Content: text, ToolCalls: calls})
			}
		}
	}
	return out
}

func toOllamaTools(tools []toolkit.Spec) []ollamaTool {
	out := make([]ollamaTool, 0, len(tools))
	for _, t := range tools {
		var ot ollamaTool
		ot.Type = "function"
		ot.Function.Name = t.Name
		ot.Function.Description = t.Description
		ot.Function.Parameters = t.InputSchema
		out = append(out, ot)
	}
	return out
}
