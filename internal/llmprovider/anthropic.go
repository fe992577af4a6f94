package llmprovider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/nugget/thane-ai-agent/internal/automation"
	"github.com/nugget/thane-ai-agent/internal/config"
	"github.com/nugget/thane-ai-agent/internal/httpkit"
	"github.com/nugget/thane-ai-agent/internal/toolkit"
)

const anthropicAPIURL = "https://api.anthropic.com/v1/messages"
const anthropicAPIVersion = "2023-06-01"

// AnthropicProvider is the reference driver: native tool_use/tool_result
// blocks with real, vendor-assigned ids, so no id fabrication is
// needed here — it is the one driver idSequencer never has to help.
type AnthropicProvider struct {
	apiKey     string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewAnthropicProvider builds a provider against the Anthropic Messages API.
func NewAnthropicProvider(apiKey string, logger *slog.Logger) *AnthropicProvider {
	if logger == nil {
		logger = slog.Default()
	}
	t := httpkit.NewTransport()
	t.ResponseHeaderTimeout = 120 * time.Second
	return &AnthropicProvider{
		apiKey: apiKey,
		logger: logger.With("provider", "anthropic"),
		httpClient: httpkit.NewClient(
			httpkit.WithTimeout(0),
			httpkit.WithTransport(t),
		),
	}
}

type anthropicRequest struct {
	Model     string             `json:"model"`
	System    string             `json:"system,omitempty"`
	Messages  []anthropicMessage `json:"messages"`
	MaxTokens int                `json:"max_tokens"`
	Tools     []anthropicTool    `json:"tools,omitempty"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type anthropicContent struct {
	Type      string `json:"type"`
	Text      string `json:"text,omitempty"`
	ID        string `json:"id,omitempty"`
	Name      string `json:"name,omitempty"`
	Input     any    `json:"input,omitempty"`
	ToolUseID string `json:"tool_use_id,omitempty"`
	Content   string `json:"content,omitempty"`
	IsError   bool   `json:"is_error,omitempty"`
}

type anthropicTool struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	InputSchema any    `json:"input_schema"`
}

type anthropicResponse struct {
	Content    []anthropicContent `json:"content"`
	StopReason string             `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

// CompleteTurn implements Provider.
func (p *AnthropicProvider) CompleteTurn(ctx context.Context, model, systemPrompt string, messages []automation.MessageParam, tools []toolkit.Spec) (automation.MessageParam, error) {
	req := anthropicRequest{
		Model:     model,
		System:    systemPrompt,
		Messages:  toAnthropicMessages(messages),
		MaxTokens: 4096,
		Tools:     toAnthropicTools(tools),
	}

	body, err := json.Marshal(req)
	if err != nil {
		return automation.MessageParam{}, fmt.Errorf("marshal request: %w", err)
	}
	p.logger.Log(ctx, config.LevelTrace, "request payload", "json", string(body))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, anthropicAPIURL, bytes.NewReader(body))
	if err != nil {
		return automation.MessageParam{}, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", p.apiKey)
	httpReq.Header.Set("anthropic-version", anthropicAPIVersion)

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return automation.MessageParam{}, fmt.Errorf("anthropic request: %w", err)
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	if resp.StatusCode != http.StatusOK {
		detail := httpkit.ReadErrorBody(resp.Body, 1024)
		return automation.MessageParam{}, fmt.Errorf("anthropic API error %d: %s", resp.StatusCode, detail)
	}

	var out anthropicResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return automation.MessageParam{}, fmt.Errorf("decode response: %w", err)
	}

	var blocks []automation.ContentBlock
	for _, c := range out.Content {
		switch c.Type {
		case "text":
			blocks = append(blocks, automation.TextBlock(c.Text))
		case "tool_use":
			input, _ := c.Input.(map[string]any)
			blocks = append(blocks, automation.ToolUseBlock(c.ID, c.Name, input))
		}
	}

	return automation.MessageParam{Role: automation.RoleAssistant, Content: blocks}, nil
}

// ListModels implements Provider with the static set of Messages API
// models this driver targets; Anthropic has no model-listing endpoint
// in general use.
func (p *AnthropicProvider) ListModels(ctx context.Context) ([]string, error) {
	return []string{
		"claude-opus-4-5",
		"claude-sonnet-4-5",
		"claude-haiku-4-5",
	}, nil
}

func toAnthropicMessages(messages []automation.MessageParam) []anthropicMessage {
	out := make([]anthropicMessage, 0, len(messages))
	for _, m := range messages {
		switch content := m.Content.(type) {
		case string:
			out = append(out, anthropicMessage{Role: string(m.Role), Content: content})
		case []automation.ContentBlock:
			blocks := make([]anthropicContent, 0, len(content))
			for _, b := range content {
				blocks = append(blocks, fromContentBlock(b))
			}
			out = append(out, anthropicMessage{Role: string(m.Role), Content: blocks})
		}
	}
	return out
}

func fromContentBlock(b automation.ContentBlock) anthropicContent {
	switch b.Type {
	case automation.BlockText:
		return anthropicContent{Type: "text", Text: b.Text}
	case automation.BlockToolUse:
		return anthropicContent{Type: "tool_use", ID: b.ID, Name: b.Name, Input: b.Input}
	case automation.BlockToolResult:
		return anthropicContent{Type: "tool_result", ToolUseID: b.ToolUseID, Content: b.Content, IsError: b.IsError}
	default:
		return anthropicContent{Type: "text"}
	}
}

func toAnthropicTools(tools []toolkit.Spec) []anthropicTool {
	out := make([]anthropicTool, 0, len(tools))
	for _, t := range tools {
		out = append(out, anthropicTool{Name: t.Name, Description: t.Description, InputSchema: t.InputSchema})
	}
	return out
}
