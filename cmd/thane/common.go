package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/mattn/go-isatty"

	"github.com/nugget/thane-ai-agent/internal/config"
	"github.com/nugget/thane-ai-agent/internal/llmprovider"
	"github.com/nugget/thane-ai-agent/internal/mcp"
	"github.com/nugget/thane-ai-agent/internal/runtime"
)

// newLogger builds the process logger: JSON to stdout when it is not
// a terminal (container/systemd logs, evals CI runs), colorless text
// when it is.
func newLogger(level slog.Level) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level, ReplaceAttr: config.ReplaceLogLevelNames}

	var handler slog.Handler
	if isatty.IsTerminal(os.Stdout.Fd()) {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}

// loadConfig locates and parses config.yaml via -config or
// config.DefaultSearchPaths.
func loadConfig() (*config.Config, error) {
	path, err := config.FindConfig(configPath)
	if err != nil {
		return nil, err
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", path, err)
	}
	return cfg, nil
}

// buildFactory wires a MultiFactory from the configured provider
// credentials ("Factory indirection": the runtime holds this
// as a value, never a single bound Provider).
func buildFactory(cfg *config.Config, logger *slog.Logger) *llmprovider.MultiFactory {
	defaultDriver, _ := splitDriverModel(cfg.Providers.Default)
	factory := llmprovider.NewMultiFactory(cfg.Providers.Anthropic.APIKey, cfg.Providers.Ollama.Host, defaultDriver, logger)
	for name, ep := range cfg.Providers.OpenAICompat {
		factory.AddOpenAICompatible(name, ep.BaseURL, ep.APIKey)
	}
	return factory
}

// buildMCPServers turns the configured external MCP server list into
// runtime.MCPServerConfig values, choosing a stdio or HTTP transport
// per entry depending on which of Command/URL is set.
func buildMCPServers(cfg *config.Config, logger *slog.Logger) []runtime.MCPServerConfig {
	var out []runtime.MCPServerConfig
	for _, sc := range cfg.MCPServers {
		var transport mcp.Transport
		switch {
		case sc.Command != "":
			transport = mcp.NewStdioTransport(mcp.StdioConfig{
				Command: sc.Command,
				Args:    sc.Args,
				Logger:  logger,
			})
		case sc.URL != "":
			transport = mcp.NewHTTPTransport(mcp.HTTPConfig{
				URL:        sc.URL,
				Headers:    sc.Headers,
				RetryCount: 2,
				Logger:     logger,
			})
		default:
			logger.Warn("mcp server config has neither command nor url, skipping", "name", sc.Name)
			continue
		}

		out = append(out, runtime.MCPServerConfig{
			Name:      sc.Name,
			Transport: transport,
			Include:   sc.Include,
			Exclude:   sc.Exclude,
		})
	}
	return out
}

func splitDriverModel(spec string) (driver, model string) {
	for i := 0; i < len(spec); i++ {
		if spec[i] == '/' {
			return spec[:i], spec[i+1:]
		}
	}
	return "", spec
}
