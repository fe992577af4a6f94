// Package toolloop implements the LLM tool-loop (C3): the protocol
// state machine that runs one conversation to fixpoint, routing every
// tool_use the model emits through a toolkit.Registry and surfacing
// every intermediate message to the caller.
package toolloop

import (
	"context"
	"fmt"
	"time"

	"github.com/nugget/thane-ai-agent/internal/automation"
	"github.com/nugget/thane-ai-agent/internal/llmprovider"
	"github.com/nugget/thane-ai-agent/internal/toolkit"
)

// MaxIterations bounds how many provider round-trips one loop
// invocation will make before giving up, even if the model keeps
// calling tools.
const MaxIterations = 10

// ProviderAPITimeout bounds a single provider round-trip. Two
// consecutive timeouts end the loop (see Run).
const ProviderAPITimeout = 5 * time.Minute

// Loop drives one conversation against a Provider with a fixed tool
// set to fixpoint: either the model stops calling tools, or the
// iteration budget is exhausted, or the provider times out twice in a
// row.
type Loop struct {
	Provider            llmprovider.Provider
	Model               string
	SystemPromptPrefix  string
	Registry            *toolkit.Registry
	MaxIterations       int
	ProviderAPITimeout  time.Duration
}

// New builds a Loop with the given provider, model, tool registry, and
// system prompt prefix, defaulting MaxIterations/ProviderAPITimeout.
func New(provider llmprovider.Provider, model string, registry *toolkit.Registry, systemPromptPrefix string) *Loop {
	return &Loop{
		Provider:           provider,
		Model:              model,
		SystemPromptPrefix: systemPromptPrefix,
		Registry:           registry,
		MaxIterations:      MaxIterations,
		ProviderAPITimeout: ProviderAPITimeout,
	}
}

// Run executes the loop and returns a channel of every MessageParam it
// emits, in order: the initial user message, then one assistant
// message and (if it used tools) one user tool_result message per
// iteration, until fixpoint. The channel is closed when the loop ends.
// Cancelling ctx stops the loop promptly and closes the channel
// without further sends — callers that abandon the channel mid-stream
// should also cancel ctx so the background goroutine does not block
// trying to send to nobody.
func (l *Loop) Run(ctx context.Context, userPrompt string, previous []automation.MessageParam) <-chan automation.MessageParam {
	out := make(chan automation.MessageParam)

	go func() {
		defer close(out)

		messages := make([]automation.MessageParam, len(previous), len(previous)+1)
		copy(messages, previous)
		userMsg := automation.MessageParam{Role: automation.RoleUser, Content: userPrompt}
		messages = append(messages, userMsg)
		if !emit(ctx, out, userMsg) {
			return
		}

		maxIter := l.MaxIterations
		if maxIter <= 0 {
			maxIter = MaxIterations
		}
		timeout := l.ProviderAPITimeout
		if timeout <= 0 {
			timeout = ProviderAPITimeout
		}

		consecutiveTimeouts := 0
		for iter := 0; iter < maxIter; iter++ {
			assistantMsg, err := l.completeWithTimeout(ctx, messages, timeout)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				consecutiveTimeouts++
				synthetic := automation.MessageParam{
					Role:    automation.RoleAssistant,
					Content: fmt.Sprintf("[model timed out or errored: %s]", err),
				}
				if !emit(ctx, out, synthetic) {
					return
				}
				if consecutiveTimeouts >= 2 {
					return
				}
				messages = append(messages, synthetic)
				continue
			}
			consecutiveTimeouts = 0

			messages = append(messages, assistantMsg)
			if !emit(ctx, out, assistantMsg) {
				return
			}

			toolUses := toolUseBlocks(assistantMsg)
			if len(toolUses) == 0 {
				return
			}

			resultMsg := l.runTools(ctx, toolUses)
			messages = append(messages, resultMsg)
			if !emit(ctx, out, resultMsg) {
				return
			}
		}
	}()

	return out
}

func (l *Loop) completeWithTimeout(ctx context.Context, messages []automation.MessageParam, timeout time.Duration) (automation.MessageParam, error) {
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return l.Provider.CompleteTurn(callCtx, l.Model, l.SystemPromptPrefix, messages, l.Registry.ListTools())
}

// runTools routes every tool_use block to the registry, in order
// (tools never execute in parallel within one loop invocation), and
// packs the results into one user message in the Anthropic content-
// block shape every driver's toOpenAI/toOllama translator expects.
func (l *Loop) runTools(ctx context.Context, toolUses []automation.ContentBlock) automation.MessageParam {
	blocks := make([]automation.ContentBlock, 0, len(toolUses))
	for _, tu := range toolUses {
		result, isError := l.Registry.Call(ctx, tu.Name, tu.Input)
		blocks = append(blocks, automation.ToolResultBlock(tu.ID, result, isError))
	}
	return automation.MessageParam{Role: automation.RoleUser, Content: blocks}
}

func toolUseBlocks(msg automation.MessageParam) []automation.ContentBlock {
	blocks, ok := msg.Content.([]automation.ContentBlock)
	if !ok {
		return nil
	}
	var out []automation.ContentBlock
	for _, b := range blocks {
		if b.Type == automation.BlockToolUse {
			out = append(out, b)
		}
	}
	return out
}

// emit sends msg to out, returning false if ctx was cancelled first so
// the caller can stop promptly instead of blocking on a channel nobody
// reads anymore.
func emit(ctx context.Context, out chan<- automation.MessageParam, msg automation.MessageParam) bool {
	select {
	case out <- msg:
		return true
	case <-ctx.Done():
		return false
	}
}

// Drain collects every message from ch into a slice, for callers that
// want the full transcript rather than a live stream (e.g. writing one
// automation_logs row after the loop ends).
func Drain(ch <-chan automation.MessageParam) []automation.MessageParam {
	var out []automation.MessageParam
	for m := range ch {
		out = append(out, m)
	}
	return out
}
