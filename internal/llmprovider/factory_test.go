package llmprovider

import "testing"

func TestMultiFactoryDefaultDriver(t *testing.T) {
	f := NewMultiFactory("", "http://localhost:11434", "ollama", nil)

	p, err := f.New("", "qwen3:4b")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, ok := p.(*OllamaProvider); !ok {
		t.Fatalf("expected OllamaProvider, got %T", p)
	}
}

func TestMultiFactoryUnknownDriver(t *testing.T) {
	f := NewMultiFactory("", "", "ollama", nil)
	if _, err := f.New("nonsense", "model"); err == nil {
		t.Fatal("expected error for unknown driver")
	}
}

func TestMultiFactoryAnthropicRequiresKey(t *testing.T) {
	f := NewMultiFactory("", "", "ollama", nil)
	if _, err := f.New("anthropic", "claude-opus-4-5"); err == nil {
		t.Fatal("expected error when anthropic key is not configured")
	}
}

func TestMultiFactoryOpenAICompatible(t *testing.T) {
	f := NewMultiFactory("", "", "ollama", nil)
	f.AddOpenAICompatible("local-gateway", "http://localhost:9000/v1", "key")

	p, err := f.New("local-gateway", "gpt-oss")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, ok := p.(*OpenAIProvider); !ok {
		t.Fatalf("expected OpenAIProvider, got %T", p)
	}
}
