package toolloop

import (
	"context"
	"testing"
	"time"

	"github.com/nugget/thane-ai-agent/internal/automation"
	"github.com/nugget/thane-ai-agent/internal/toolkit"
)

type scriptedProvider struct {
	turns []automation.MessageParam
	i     int
}

func (p *scriptedProvider) CompleteTurn(ctx context.Context, model, systemPrompt string, messages []automation.MessageParam, tools []toolkit.Spec) (automation.MessageParam, error) {
	if p.i >= len(p.turns) {
		return automation.MessageParam{Role: automation.RoleAssistant, Content: "done"}, nil
	}
	m := p.turns[p.i]
	p.i++
	return m, nil
}

func (p *scriptedProvider) ListModels(ctx context.Context) ([]string, error) { return nil, nil }

type echoServer struct{}

func (echoServer) Tools() []toolkit.Tool {
	return []toolkit.Tool{{
		Name: "noop",
		Handler: func(ctx context.Context, input map[string]any) (string, error) {
			return `{"ok":true}`, nil
		},
	}}
}

func TestLoopTerminatesWithoutToolUse(t *testing.T) {
	provider := &scriptedProvider{turns: []automation.MessageParam{
		{Role: automation.RoleAssistant, Content: []automation.ContentBlock{automation.TextBlock("hello")}},
	}}
	loop := New(provider, "model", toolkit.NewRegistry(echoServer{}), "")

	msgs := Drain(loop.Run(context.Background(), "hi", nil))
	// user prompt + one assistant message, no tool_use means the loop
	// should stop after the first assistant turn.
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d: %+v", len(msgs), msgs)
	}
}

func TestLoopPairsToolUseAndResult(t *testing.T) {
	provider := &scriptedProvider{turns: []automation.MessageParam{
		{Role: automation.RoleAssistant, Content: []automation.ContentBlock{
			automation.ToolUseBlock("tu_1", "noop", nil),
		}},
		{Role: automation.RoleAssistant, Content: []automation.ContentBlock{automation.TextBlock("done")}},
	}}
	loop := New(provider, "model", toolkit.NewRegistry(echoServer{}), "")

	msgs := Drain(loop.Run(context.Background(), "hi", nil))
	// user, assistant(tool_use), user(tool_result), assistant(text)
	if len(msgs) != 4 {
		t.Fatalf("expected 4 messages, got %d: %+v", len(msgs), msgs)
	}

	toolResultMsg := msgs[2]
	blocks, ok := toolResultMsg.Content.([]automation.ContentBlock)
	if !ok || len(blocks) != 1 {
		t.Fatalf("expected one tool_result block, got %+v", toolResultMsg)
	}
	if blocks[0].Type != automation.BlockToolResult || blocks[0].ToolUseID != "tu_1" {
		t.Fatalf("tool_use/tool_result pairing broken: %+v", blocks[0])
	}
}

type infiniteToolCaller struct{}

func (p *infiniteToolCaller) CompleteTurn(ctx context.Context, model, systemPrompt string, messages []automation.MessageParam, tools []toolkit.Spec) (automation.MessageParam, error) {
	return automation.MessageParam{Role: automation.RoleAssistant, Content: []automation.ContentBlock{
		automation.ToolUseBlock("tu", "noop", nil),
	}}, nil
}

func (p *infiniteToolCaller) ListModels(ctx context.Context) ([]string, error) { return nil, nil }

func TestLoopRespectsMaxIterations(t *testing.T) {
	loop := New(&infiniteToolCaller{}, "model", toolkit.NewRegistry(echoServer{}), "")
	loop.MaxIterations = 3

	msgs := Drain(loop.Run(context.Background(), "hi", nil))
	// 1 user prompt + 3 * (assistant + tool_result) = 7
	if len(msgs) != 7 {
		t.Fatalf("expected 7 messages with MaxIterations=3, got %d", len(msgs))
	}
}

func TestLoopCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	loop := New(&infiniteToolCaller{}, "model", toolkit.NewRegistry(echoServer{}), "")
	loop.MaxIterations = 1000

	ch := loop.Run(ctx, "hi", nil)
	<-ch // user message
	<-ch // first assistant message
	cancel()

	// Draining after cancellation must terminate promptly, not hang.
	done := make(chan struct{})
	go func() {
		for range ch {
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not stop promptly after context cancellation")
	}
}
