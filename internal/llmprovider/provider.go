// Package llmprovider implements the LargeLanguageProvider abstraction
// (C10): one primitive the tool-loop needs from any model vendor — run
// one conversational turn and return the assistant's reply, tool calls
// included. The multi-turn fixpoint algorithm lives once in
// internal/toolloop; drivers never re-implement it, only the
// single-turn request/response shape and id translation for their
// wire format.
package llmprovider

import (
	"context"
	"strconv"

	"github.com/nugget/thane-ai-agent/internal/automation"
	"github.com/nugget/thane-ai-agent/internal/toolkit"
)

// Provider is the abstraction every model vendor driver implements.
type Provider interface {
	// CompleteTurn sends messages plus the available tool set to the
	// model and returns the assistant's reply as a single
	// MessageParam (role=assistant, content may include tool_use
	// blocks). systemPrompt, if non-empty, is passed out-of-band per
	// the vendor's own system-prompt mechanism.
	CompleteTurn(ctx context.Context, model, systemPrompt string, messages []automation.MessageParam, tools []toolkit.Spec) (automation.MessageParam, error)

	// ListModels returns the model names this driver can serve.
	ListModels(ctx context.Context) ([]string, error)
}

// Factory constructs a Provider for a given driver+model pair. The
// runtime holds a Factory value (never a single Provider instance) so
// a per-automation model-override directive can request a fresh
// driver+model combination without the runtime knowing about drivers
// at all.
type Factory interface {
	New(driver, model string) (Provider, error)
}

// idSequencer fabricates stable tool_use ids for drivers whose wire
// format does not echo one back (Ollama, some OpenAI-compatible
// servers). IDs are scoped to one CompleteTurn call and assigned
// positionally: the pairing invariant only needs to hold within one
// loop invocation, so a simple per-call counter suffices; no clock or
// randomness is needed, which also keeps drivers deterministic under
// test.
type idSequencer struct {
	n int
}

func (s *idSequencer) next() string {
	s.n++
	return "tu_" + strconv.Itoa(s.n)
}
