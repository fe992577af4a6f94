package evalharness

import (
	"context"
	"testing"

	"github.com/nugget/thane-ai-agent/internal/automation"
	"github.com/nugget/thane-ai-agent/internal/toolkit"
)

// scriptedProvider replies with a scripted sequence of turns: each
// call to CompleteTurn pops the next reply. Used to drive the tool
// loop through a fixed call-service invocation without a real model.
type scriptedProvider struct {
	turns []automation.MessageParam
	i     int
}

func (p *scriptedProvider) CompleteTurn(ctx context.Context, model, systemPrompt string, messages []automation.MessageParam, tools []toolkit.Spec) (automation.MessageParam, error) {
	if p.i >= len(p.turns) {
		return automation.MessageParam{Role: automation.RoleAssistant, Content: []automation.ContentBlock{automation.TextBlock("done")}}, nil
	}
	m := p.turns[p.i]
	p.i++
	return m, nil
}

func (p *scriptedProvider) ListModels(ctx context.Context) ([]string, error) { return nil, nil }

func TestHarness_ContentContainsGrader(t *testing.T) {
	scenarios, _, err := BuiltinScenarios("testdata")
	if err != nil {
		t.Fatalf("BuiltinScenarios: %v", err)
	}

	provider := &scriptedProvider{
		turns: []automation.MessageParam{
			{
				Role: automation.RoleAssistant,
				Content: []automation.ContentBlock{
					automation.TextBlock("Bookshelf Light, Overhead Light, TV Lightstrip"),
				},
			},
		},
	}

	h := New(provider, "test-model", nil)
	result := h.Run(context.Background(), scenarios[0])

	if result.Err != "" {
		t.Fatalf("unexpected grading error: %s", result.Err)
	}
	if result.FinalScore != result.FinalScorePossible {
		t.Fatalf("score = %v/%v, want full marks; detail=%+v", result.FinalScore, result.FinalScorePossible, result.GradeResults)
	}
}

func TestHarness_BulkOffGraderInspectsCalls(t *testing.T) {
	scenarios, hub, err := BuiltinScenarios("testdata")
	if err != nil {
		t.Fatalf("BuiltinScenarios: %v", err)
	}

	provider := &scriptedProvider{
		turns: []automation.MessageParam{
			{
				Role: automation.RoleAssistant,
				Content: []automation.ContentBlock{
					automation.ToolUseBlock("tu_1", "call-service", map[string]any{
						"domain":  "light",
						"service": "turn_off",
						"target":  map[string]any{"entity_id": "light.kitchen_dining_room_chandelier"},
					}),
				},
			},
			{
				Role:    automation.RoleAssistant,
				Content: []automation.ContentBlock{automation.TextBlock("done")},
			},
		},
	}

	h := New(provider, "test-model", nil)
	result := h.Run(context.Background(), scenarios[1])

	if len(hub.Calls()) != 1 {
		t.Fatalf("hub recorded %d calls, want 1", len(hub.Calls()))
	}
	if result.FinalScore != result.FinalScorePossible {
		t.Fatalf("score = %v/%v; detail=%+v", result.FinalScore, result.FinalScorePossible, result.GradeResults)
	}
}
