package llmprovider

import (
	"fmt"
	"log/slog"
	"sync"
)

// MultiFactory resolves a driver name ("anthropic", "ollama", or a
// named OpenAI-compatible endpoint) plus a model name into a Provider.
// It is the Factory the runtime holds as a value. New hands back the
// one shared Provider of the chosen driver; the model name travels
// with each CompleteTurn call, so an automation's own model+driver
// override mutates no shared state.
type MultiFactory struct {
	mu        sync.Mutex
	anthropic *AnthropicProvider
	ollama    *OllamaProvider
	openai    map[string]*OpenAIProvider // endpoint name -> provider
	defaultDriver string
}

// NewMultiFactory builds a factory. anthropicAPIKey and ollamaURL may
// be empty if that driver is not configured; defaultDriver names which
// driver an automation with no model-override directive should use.
func NewMultiFactory(anthropicAPIKey, ollamaURL, defaultDriver string, logger *slog.Logger) *MultiFactory {
	f := &MultiFactory{
		openai:        make(map[string]*OpenAIProvider),
		defaultDriver: defaultDriver,
	}
	if anthropicAPIKey != "" {
		f.anthropic = NewAnthropicProvider(anthropicAPIKey, logger)
	}
	f.ollama = NewOllamaProvider(ollamaURL)
	return f
}

// AddOpenAICompatible registers a named OpenAI-compatible endpoint,
// allowing more than one self-hosted or third-party endpoint to be
// reachable at once.
func (f *MultiFactory) AddOpenAICompatible(name, baseURL, apiKey string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.openai[name] = NewOpenAIProvider(baseURL, apiKey)
}

// New implements Factory. driver may be empty to select the
// configured default.
func (f *MultiFactory) New(driver, model string) (Provider, error) {
	if driver == "" {
		driver = f.defaultDriver
	}

	switch driver {
	case "anthropic":
		if f.anthropic == nil {
			return nil, fmt.Errorf("anthropic driver not configured")
		}
		return f.anthropic, nil
	case "ollama":
		return f.ollama, nil
	default:
		f.mu.Lock()
		p, ok := f.openai[driver]
		f.mu.Unlock()
		if !ok {
			return nil, fmt.Errorf("unknown driver %q", driver)
		}
		return p, nil
	}
}
