// Package openaicompat implements llm.Client against any OpenAI-compatible
// chat completions API.
//
// OpenAI itself, Azure OpenAI, vLLM, Ollama, and most hosted gateways share
// the same wire format (OpenAI Chat Completions + SSE streaming). This single
// client covers all of them; only the base URL, credential, and model differ.
//
// The client owns the full resilience envelope: exponential backoff on
// transient upstream errors, an adaptive rate limiter for 429 responses
// (honoring Retry-After), a concurrency gate for batch execution, and a
// simulated token stream for endpoints where SSE is disabled.
//
// Usage:
//
//	c, err := openaicompat.New(openaicompat.Config{
//	    ProviderName: "openai",
//	    APIKey:       cfg.Credential,
//	    BaseURL:      "https://api.openai.com",
//	    DefaultModel: "gpt-4o-mini",
//	}, logger)
package openaicompat
