// Package evalharness implements the evaluation harness (C8): it
// replays canned prompts against the LLM tool-loop (C3) with a mocked
// hub (C9) and fixed tool suites, scores the resulting transcript with
// one or more graders, and reports a ScenarioResult per scenario.
package evalharness

import (
	"context"
	"log/slog"

	"github.com/nugget/thane-ai-agent/internal/automation"
	"github.com/nugget/thane-ai-agent/internal/llmprovider"
	"github.com/nugget/thane-ai-agent/internal/toolkit"
	"github.com/nugget/thane-ai-agent/internal/toolloop"
)

// Scenario is one canned prompt run through the tool-loop with a fixed
// tool suite and scored by zero or more graders.
type Scenario struct {
	Name    string
	Prompt  string
	Servers []toolkit.ToolServer
	Graders []Grader
}

// ScenarioResult is the scored outcome of running one Scenario.
type ScenarioResult struct {
	Name               string               `json:"name"`
	Prompt             string               `json:"prompt"`
	ToolsDescription   []toolkit.Spec       `json:"tools_description"`
	Messages           []automation.MessageParam `json:"messages"`
	GradeResults       []GradeResult        `json:"grade_results"`
	FinalScore         float64              `json:"final_score"`
	FinalScorePossible float64              `json:"final_score_possible"`
	Err                string               `json:"error,omitempty"`
}

// Harness runs a catalog of scenarios against one provider+model pair.
type Harness struct {
	Provider llmprovider.Provider
	Model    string
	Logger   *slog.Logger
}

// New builds a Harness.
func New(provider llmprovider.Provider, model string, logger *slog.Logger) *Harness {
	if logger == nil {
		logger = slog.Default()
	}
	return &Harness{Provider: provider, Model: model, Logger: logger.With("component", "evalharness")}
}

// Run drains scenario's tool-loop to fixpoint and applies every
// configured grader to the final transcript.
func (h *Harness) Run(ctx context.Context, scenario Scenario) ScenarioResult {
	registry := toolkit.NewRegistry(scenario.Servers...)
	loop := toolloop.New(h.Provider, h.Model, registry, "")

	messages := toolloop.Drain(loop.Run(ctx, scenario.Prompt, nil))

	result := ScenarioResult{
		Name:             scenario.Name,
		Prompt:           scenario.Prompt,
		ToolsDescription: registry.ListTools(),
		Messages:         messages,
	}

	for _, g := range scenario.Graders {
		gr, err := g.Grade(ctx, messages)
		if err != nil {
			h.Logger.Error("grader failed", "scenario", scenario.Name, "grader", g.Name(), "error", err)
			result.Err = err.Error()
			continue
		}
		result.GradeResults = append(result.GradeResults, gr)
		result.FinalScore += gr.Score
		result.FinalScorePossible += gr.Possible
	}

	return result
}

// RunAll runs every scenario in the catalog in order and returns one
// ScenarioResult per scenario.
func (h *Harness) RunAll(ctx context.Context, scenarios []Scenario) []ScenarioResult {
	results := make([]ScenarioResult, 0, len(scenarios))
	for _, s := range scenarios {
		results = append(results, h.Run(ctx, s))
	}
	return results
}
