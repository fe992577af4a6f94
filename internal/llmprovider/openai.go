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

// OpenAIProvider talks to any OpenAI-chat-completions-compatible
// endpoint (OpenAI itself, or a self-hosted gateway). Multiple named
// endpoints are permitted; each gets its own OpenAIProvider instance
// behind the Factory.
type OpenAIProvider struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewOpenAIProvider builds a provider against baseURL (e.g.
// "https://api.openai.com/v1") using apiKey for bearer auth.
func NewOpenAIProvider(baseURL, apiKey string) *OpenAIProvider {
	return &OpenAIProvider{
		baseURL:    baseURL,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 5 * time.Minute},
	}
}

type openAIMessage struct {
	Role       string           `json:"role"`
	Content    string           `json:"content"`
	ToolCalls  []openAIToolCall `json:"tool_calls,omitempty"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
}

type openAIToolCall struct {
	ID       string `json:"id,omitempty"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"` // JSON-encoded object, per OpenAI wire format
	} `json:"function"`
}

type openAITool struct {
	Type     string `json:"type"`
	Function struct {
		Name        string         `json:"name"`
		Description string         `json:"description,omitempty"`
		Parameters  map[string]any `json:"parameters"`
	} `json:"function"`
}

type openAIChatRequest struct {
	Model    string          `json:"model"`
	Messages []openAIMessage `json:"messages"`
	Tools    []openAITool    `json:"tools,omitempty"`
}

type openAIChatResponse struct {
	Choices []struct {
		Message openAIMessage `json:"message"`
	} `json:"choices"`
}

// CompleteTurn implements Provider.
func (p *OpenAIProvider) CompleteTurn(ctx context.Context, model, systemPrompt string, messages []automation.MessageParam, tools []toolkit.Spec) (automation.MessageParam, error) {
	var msgs []openAIMessage
	if systemPrompt != "" {
		msgs = append(msgs, openAIMessage{Role: "system", Content: systemPrompt})
	}
	msgs = append(msgs, toOpenAIMessages(messages)...)

	req := openAIChatRequest{Model: model, Messages: msgs, Tools: toOpenAITools(tools)}
	body, err := json.Marshal(req)
	if err != nil {
		return automation.MessageParam{}, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return automation.MessageParam{}, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return automation.MessageParam{}, fmt.Errorf("openai request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return automation.MessageParam{}, fmt.Errorf("openai API error %d", resp.StatusCode)
	}

	var out openAIChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return automation.MessageParam{}, fmt.Errorf("decode response: %w", err)
	}
	if len(out.Choices) == 0 {
		return automation.MessageParam{}, fmt.Errorf("openai response had no choices")
	}

	msg := out.Choices[0].Message
	var blocks []automation.ContentBlock
	if msg.Content != "" {
		blocks = append(blocks, automation.TextBlock(msg.Content))
	}
	seq := &idSequencer{}
	for _, tc := range msg.ToolCalls {
		id := tc.ID
		if id == "" {
			id = seq.next()
		}
		var args map[string]any
		_ = json.Unmarshal([]byte(tc.Function.Arguments), &args)
		blocks = append(blocks, automation.ToolUseBlock(id, tc.Function.Name, args))
	}

	return automation.MessageParam{Role: automation.RoleAssistant, Content: blocks}, nil
}

// ListModels queries the endpoint's /models listing.
func (p *OpenAIProvider) ListModels(ctx context.Context) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/models", nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("openai request: %w", err)
	}
	defer resp.Body.Close()

	var out struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	names := make([]string, 0, len(out.Data))
	for _, m := range out.Data {
		names = append(names, m.ID)
	}
	return names, nil
}

func toOpenAIMessages(messages []automation.MessageParam) []openAIMessage {
	var out []openAIMessage
	for _, m := range messages {
		switch content := m.Content.(type) {
		case string:
			out = append(out, openAIMessage{Role: string(m.Role), Content: content})
		case []automation.ContentBlock:
			var text string
			var calls []openAIToolCall
			for _, b := range content {
				switch b.Type {
				case automation.BlockText:
					text += b.Text
				case automation.BlockToolUse:
					argsJSON, _ := json.Marshal(b.Input)
					var tc openAIToolCall
					tc.ID = b.ID
					tc.Type = "function"
					tc.Function.Name = b.Name
					tc.Function.Arguments = string(argsJSON)
					calls = append(calls, tc)
				case automation.BlockToolResult:
					out = append(out, openAIMessage{Role: "tool", Content: b.Content, ToolCallID: b.ToolUseID})
				}
			}
			if text != "" || len(calls) > 0 {
				out = append(out, openAIMessage{Role: string(m.Role), Content: text, ToolCalls: calls})
			}
		}
	}
	return out
}

func toOpenAITools(tools []toolkit.Spec) []openAITool {
	out := make([]openAITool, 0, len(tools))
	for _, t := range tools {
		var ot openAITool
		ot.Type = "function"
		ot.Function.Name = t.Name
		ot.Function.Description = t.Description
		ot.Function.Parameters = t.InputSchema
		out = append(out, ot)
	}
	return out
}
