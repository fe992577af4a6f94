// Package config handles runtime configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/nugget/thane-ai-agent/internal/email"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/automation-runtime/config.yaml,
// /etc/automation-runtime/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "automation-runtime", "config.yaml"))
	}

	paths = append(paths, "/etc/automation-runtime/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all runtime configuration.
type Config struct {
	Listen     ListenConfig      `yaml:"listen"`
	Hub        HubConfig         `yaml:"hub"`
	Providers  ProvidersConfig   `yaml:"providers"`
	MQTT       MQTTConfig        `yaml:"mqtt"`
	Email      email.Config      `yaml:"email"`
	Notebook   string            `yaml:"notebook"`
	DataDir    string            `yaml:"data_dir"`
	DBPath     string            `yaml:"db_path"`
	Timezone   string            `yaml:"timezone"`
	TestMode   bool              `yaml:"test_mode"`
	EvalMode   bool              `yaml:"eval_mode"`
	LogLevel   string            `yaml:"log_level"`
	MCPServers []MCPServerConfig `yaml:"mcp_servers"`
}

// MCPServerConfig names one external MCP tool server to bridge into
// the execution pass's tool suite, alongside the `mcp` subcommand's
// own server role for this same package. Exactly one of Command or
// URL should be set: Command launches a subprocess and speaks
// newline-delimited JSON-RPC over its stdio, URL speaks streamable
// HTTP JSON-RPC to an already-running server.
type MCPServerConfig struct {
	Name    string            `yaml:"name"`
	Command string            `yaml:"command"`
	Args    []string          `yaml:"args"`
	URL     string            `yaml:"url"`
	Headers map[string]string `yaml:"headers"`
	// Include, if non-empty, bridges only these MCP tool names.
	Include []string `yaml:"include"`
	// Exclude skips these MCP tool names; ignored if Include is set.
	Exclude []string `yaml:"exclude"`
}

// ListenConfig defines the status HTTP/WS server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// HubConfig defines the home-automation hub connection (C9).
type HubConfig struct {
	URL   string `yaml:"url"`
	Token string `yaml:"token"`

	// InsecureSkipVerify disables TLS certificate verification for the
	// hub connection. Set this for hubs reachable only through a
	// self-signed reverse proxy on the local network; never set it for
	// a hub reachable over the public internet.
	InsecureSkipVerify bool `yaml:"insecure_skip_verify"`
}

// ProvidersConfig defines per-vendor LLM driver credentials (C10). A
// given automation may request any of these by leading model-override
// directive; OpenAICompat supports multiple named endpoints because
// several OpenAI-compatible servers (LM Studio, vLLM, OpenRouter, ...)
// may be configured at once.
type ProvidersConfig struct {
	Anthropic  AnthropicConfig           `yaml:"anthropic"`
	Ollama     OllamaConfig              `yaml:"ollama"`
	OpenAICompat map[string]OpenAIConfig `yaml:"openai_compat"`
	Default    string                    `yaml:"default"` // "driver/model"
}

// AnthropicConfig defines Anthropic API settings.
type AnthropicConfig struct {
	APIKey string `yaml:"api_key"`
}

// OllamaConfig defines a local Ollama server.
type OllamaConfig struct {
	Host string `yaml:"host"`
}

// OpenAIConfig defines one OpenAI-compatible endpoint.
type OpenAIConfig struct {
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
}

// MQTTConfig defines the broker the trigger engine subscribes to for
// `mqtt` signals (C6).
type MQTTConfig struct {
	Broker   string `yaml:"broker"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// Configured reports whether enough of MQTTConfig is set to attempt a
// connection.
func (c MQTTConfig) Configured() bool {
	return c.Broker != ""
}

// Load reads configuration from a YAML file, expanding environment
// variable references (e.g. "${ANTHROPIC_API_KEY}") before parsing.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}
	cfg.Email.ApplyDefaults()

	return cfg, nil
}

// Default returns a default configuration.
func Default() *Config {
	return &Config{
		Listen:   ListenConfig{Port: 8080},
		Timezone: "UTC",
		DataDir:  ".",
		DBPath:   "automation.db",
		Notebook: "notebook",
	}
}
