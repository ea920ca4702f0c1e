// Package factory provides centralized construction of llm.Client instances
// from configuration. It maps client names to known OpenAI-compatible
// endpoints and falls back to a generic client for any custom base URL,
// keeping this wiring out of the llm package to avoid import cycles.
package factory

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/BaSui01/planflow/config"
	"github.com/BaSui01/planflow/llm"
	"github.com/BaSui01/planflow/llm/providers/openaicompat"
	"github.com/BaSui01/planflow/llm/retry"
)

// builtinEndpoints 列出常见 OpenAI 兼容服务的默认端点与模型。
// 任何不在列表里的名称都需要配置 base_url。
var builtinEndpoints = map[string]struct {
	baseURL      string
	defaultModel string
}{
	"openai":     {baseURL: "https://api.openai.com", defaultModel: "gpt-4o-mini"},
	"deepseek":   {baseURL: "https://api.deepseek.com", defaultModel: "deepseek-chat"},
	"groq":       {baseURL: "https://api.groq.com/openai", defaultModel: "llama-3.3-70b-versatile"},
	"openrouter": {baseURL: "https://openrouter.ai/api", defaultModel: ""},
	"ollama":     {baseURL: "http://localhost:11434", defaultModel: ""},
	"vllm":       {baseURL: "http://localhost:8000", defaultModel: ""},
}

// SupportedBackends returns the names with built-in endpoint defaults.
// Any other name works too, as long as base_url is configured.
func SupportedBackends() []string {
	return []string{"openai", "deepseek", "groq", "openrouter", "ollama", "vllm"}
}

// NewClientFromConfig creates an llm.Client for the given name.
// Known names fill in endpoint defaults; unknown names are treated as
// generic OpenAI-compatible backends and require base_url.
func NewClientFromConfig(name string, cfg config.ClientConfig, logger *zap.Logger) (llm.Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg = cfg.Normalized()

	baseURL := cfg.BaseURL
	model := cfg.Model
	if ep, ok := builtinEndpoints[name]; ok {
		if baseURL == "" {
			baseURL = ep.baseURL
		}
		if model == "" {
			model = ep.defaultModel
		}
	}
	if baseURL == "" {
		return nil, fmt.Errorf("unknown backend %q: base_url is required for generic OpenAI-compatible backends", name)
	}

	occfg := openaicompat.Config{
		ProviderName:      name,
		APIKey:            cfg.APIKey,
		BaseURL:           baseURL,
		DefaultModel:      model,
		Timeout:           cfg.Timeout,
		DisableStreaming:  cfg.DisableStreaming,
		MaxConcurrent:     cfg.MaxConcurrent,
		RequestsPerSecond: cfg.RequestsPerSecond,
		RetryPolicy: &retry.Policy{
			MaxAttempts:  cfg.Retry.MaxAttempts,
			InitialDelay: cfg.Retry.InitialDelay,
			MaxDelay:     cfg.Retry.MaxDelay,
			Multiplier:   cfg.Retry.Multiplier,
			Jitter:       cfg.Retry.Jitter,
		},
	}

	logger.Info("creating OpenAI-compatible completion client",
		zap.String("client", name),
		zap.String("base_url", baseURL),
		zap.String("model", model),
	)
	return openaicompat.New(occfg, logger)
}

// NewRegistryFromConfig builds a ClientRegistry populated with every client
// in the config. Clients that fail to initialize are logged and skipped.
func NewRegistryFromConfig(cfg *config.Config, logger *zap.Logger) (*llm.ClientRegistry, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	reg := llm.NewClientRegistry()

	for name, ccfg := range cfg.Clients {
		c, err := NewClientFromConfig(name, ccfg, logger)
		if err != nil {
			logger.Warn("skipping client: initialization failed",
				zap.String("client", name),
				zap.Error(err))
			continue
		}
		reg.Register(name, c)
		logger.Info("completion client registered", zap.String("client", name))
	}

	if cfg.Default != "" {
		if err := reg.SetDefault(cfg.Default); err != nil {
			return reg, fmt.Errorf("failed to set default client %q: %w", cfg.Default, err)
		}
	}

	return reg, nil
}
