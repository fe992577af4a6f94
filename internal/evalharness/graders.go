package evalharness

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/nugget/thane-ai-agent/internal/automation"
	"github.com/nugget/thane-ai-agent/internal/llmprovider"
)

// GradeResult is the outcome of running one Grader against one
// scenario's final transcript.
type GradeResult struct {
	GraderName string  `json:"grader_name"`
	Score      float64 `json:"score"`
	Possible   float64 `json:"possible"`
	Detail     string  `json:"detail,omitempty"`
}

// Grader scores a scenario's finished transcript. Implementations must
// not mutate messages.
type Grader interface {
	Name() string
	Grade(ctx context.Context, messages []automation.MessageParam) (GradeResult, error)
}

// ContentContainsGrader scores the fraction of Needles found in the
// text of the transcript's final assistant message: score = #found /
// #needles.
type ContentContainsGrader struct {
	GraderNameValue string
	Needles         []string
	// Forbidden, if set, are substrings that must NOT appear; any
	// match zeroes the score regardless of needles found.
	Forbidden []string
}

func (g *ContentContainsGrader) Name() string {
	if g.GraderNameValue != "" {
		return g.GraderNameValue
	}
	return "content-contains"
}

func (g *ContentContainsGrader) Grade(ctx context.Context, messages []automation.MessageParam) (GradeResult, error) {
	text := finalAssistantText(messages)

	for _, f := range g.Forbidden {
		if strings.Contains(text, f) {
			return GradeResult{
				GraderName: g.Name(),
				Score:      0,
				Possible:   float64(len(g.Needles)),
				Detail:     fmt.Sprintf("forbidden substring %q present", f),
			}, nil
		}
	}

	found := 0
	var missing []string
	for _, n := range g.Needles {
		if strings.Contains(text, n) {
			found++
		} else {
			missing = append(missing, n)
		}
	}

	detail := ""
	if len(missing) > 0 {
		detail = "missing: " + strings.Join(missing, ", ")
	}

	return GradeResult{
		GraderName: g.Name(),
		Score:      float64(found),
		Possible:   float64(len(g.Needles)),
		Detail:     detail,
	}, nil
}

// finalAssistantText concatenates every text block of the last
// assistant message in the transcript.
func finalAssistantText(messages []automation.MessageParam) string {
	for i := len(messages) - 1; i >= 0; i-- {
		m := messages[i]
		if m.Role != automation.RoleAssistant {
			continue
		}
		blocks, ok := m.Content.([]automation.ContentBlock)
		if !ok {
			if s, ok := m.Content.(string); ok {
				return s
			}
			continue
		}
		var sb strings.Builder
		for _, b := range blocks {
			if b.Type == automation.BlockText {
				sb.WriteString(b.Text)
			}
		}
		return sb.String()
	}
	return ""
}

// judgeVerdict is the shape the judge model is asked to return.
type judgeVerdict struct {
	Grade       int      `json:"grade"`
	Reasoning   string   `json:"reasoning"`
	Suggestions []string `json:"suggestions"`
}

// JudgeGrader scores a transcript by asking a fixed judge model to
// apply a rubric and return a 1-5 grade.
type JudgeGrader struct {
	GraderNameValue string
	Provider        llmprovider.Provider
	Model           string
	Rubric          string
}

func (g *JudgeGrader) Name() string {
	if g.GraderNameValue != "" {
		return g.GraderNameValue
	}
	return "llm-judge"
}

func (g *JudgeGrader) Grade(ctx context.Context, messages []automation.MessageParam) (GradeResult, error) {
	transcript := renderTranscript(messages)

	prompt := fmt.Sprintf(
		"Rubric:\n%s\n\nTranscript:\n%s\n\nRespond with ONLY a JSON object: "+
			"{\"grade\": <1-5 integer>, \"reasoning\": <string>, \"suggestions\": [<string>, ...]}.",
		g.Rubric, transcript,
	)

	reply, err := g.Provider.CompleteTurn(ctx, g.Model, "You are a strict grading rubric judge.",
		[]automation.MessageParam{{Role: automation.RoleUser, Content: prompt}}, nil)
	if err != nil {
		return GradeResult{}, fmt.Errorf("judge completion: %w", err)
	}

	verdict, err := parseJudgeVerdict(reply)
	if err != nil {
		return GradeResult{}, fmt.Errorf("parse judge verdict: %w", err)
	}

	return GradeResult{
		GraderName: g.Name(),
		Score:      float64(verdict.Grade),
		Possible:   5,
		Detail:     verdict.Reasoning,
	}, nil
}

func parseJudgeVerdict(reply automation.MessageParam) (judgeVerdict, error) {
	text := ""
	switch content := reply.Content.(type) {
	case string:
		text = content
	case []automation.ContentBlock:
		for _, b := range content {
			if b.Type == automation.BlockText {
				text += b.Text
			}
		}
	}

	start := strings.IndexByte(text, '{')
	end := strings.LastIndexByte(text, '}')
	if start < 0 || end < start {
		return judgeVerdict{}, fmt.Errorf("no JSON object in judge reply: %q", text)
	}

	var v judgeVerdict
	if err := json.Unmarshal([]byte(text[start:end+1]), &v); err != nil {
		return judgeVerdict{}, err
	}
	return v, nil
}

// kitchenOffGrader scores the bulk-off scenario by inspecting the mock
// hub's recorded calls directly rather than scraping transcript text:
// one point for any light.turn_off call, one more when a light.turn_off
// targets the kitchen chandelier, and zero overall if any call-service
// target lies outside the kitchen (an entity id without a "kitchen_"
// object-id prefix).
type kitchenOffGrader struct {
	hub *MockHub
}

func (g *kitchenOffGrader) Name() string { return "kitchen-bulk-off" }

func (g *kitchenOffGrader) Grade(ctx context.Context, messages []automation.MessageParam) (GradeResult, error) {
	var hitChandelier bool
	var offDomain bool
	for _, c := range g.hub.Calls() {
		id, _ := c.Data["entity_id"].(string)
		if id != "" && !strings.Contains(id, ".kitchen_") {
			return GradeResult{GraderName: g.Name(), Score: 0, Possible: 2, Detail: fmt.Sprintf("call-service target %q is outside the kitchen", id)}, nil
		}
		if c.Domain != "light" || c.Service != "turn_off" {
			continue
		}
		offDomain = true
		if id == "light.kitchen_dining_room_chandelier" {
			hitChandelier = true
		}
	}

	score := 0.0
	if offDomain {
		score++
	}
	if hitChandelier {
		score++
	}
	return GradeResult{GraderName: g.Name(), Score: score, Possible: 2}, nil
}

// thermostatGrader scores the thermostat scenario by checking for a
// climate.set_temperature call targeting the bedroom thermostat with
// a temperature of 72.
type thermostatGrader struct {
	hub *MockHub
}

func (g *thermostatGrader) Name() string { return "bedroom-thermostat" }

func (g *thermostatGrader) Grade(ctx context.Context, messages []automation.MessageParam) (GradeResult, error) {
	for _, c := range g.hub.Calls() {
		if c.Domain != "climate" || c.Service != "set_temperature" {
			continue
		}
		id, _ := c.Data["entity_id"].(string)
		if id != "climate.bedroom" {
			continue
		}
		switch temp := c.Data["temperature"].(type) {
		case float64:
			if temp == 72 {
				return GradeResult{GraderName: g.Name(), Score: 1, Possible: 1}, nil
			}
		case int:
			if temp == 72 {
				return GradeResult{GraderName: g.Name(), Score: 1, Possible: 1}, nil
			}
		}
	}
	return GradeResult{GraderName: g.Name(), Score: 0, Possible: 1, Detail: "no matching climate.set_temperature call found"}, nil
}

func renderTranscript(messages []automation.MessageParam) string {
	var sb strings.Builder
	for _, m := range messages {
		sb.WriteString(string(m.Role))
		sb.WriteString(": ")
		switch content := m.Content.(type) {
		case string:
			sb.WriteString(content)
		case []automation.ContentBlock:
			for _, b := range content {
				switch b.Type {
				case automation.BlockText:
					sb.WriteString(b.Text)
				case automation.BlockToolUse:
					fmt.Fprintf(&sb, "[tool_use %s(%v)]", b.Name, b.Input)
				case automation.BlockToolResult:
					fmt.Fprintf(&sb, "[tool_result %s]", b.Content)
				}
			}
		}
		sb.WriteString("\n")
	}
	return sb.String()
}
