package llm

import (
	"context"
	"time"
)

// CompletionRequest 是一次补全请求。每次尝试内保持不可变：
// 客户端实现不得修改调用方传入的请求。
type CompletionRequest struct {
	TraceID         string        `json:"trace_id,omitempty"`
	Prompt          string        `json:"prompt"`
	System          string        `json:"system,omitempty"`
	Model           string        `json:"model,omitempty"`
	Temperature     *float32      `json:"temperature,omitempty"`
	MaxTokens       int           `json:"max_tokens,omitempty"`
	TopP            *float32      `json:"top_p,omitempty"`
	ReasoningEffort string        `json:"reasoning_effort,omitempty"`
	Timeout         time.Duration `json:"timeout,omitempty"`
}

// Usage 是一次补全的 token 用量。Estimated 为 true 表示数值来自
// 本地 tokenizer 估算而非上游返回。
type Usage struct {
	PromptTokens     int    `json:"prompt_tokens,omitempty"`
	CompletionTokens int    `json:"completion_tokens,omitempty"`
	TotalTokens      int    `json:"total_tokens,omitempty"`
	Model            string `json:"model,omitempty"`
	Estimated        bool   `json:"estimated,omitempty"`
}

// CompletionResult 是一次逻辑请求的最终结果。
// Usage 为尽力而为：缺失不是错误，且生成后不再修改。
type CompletionResult struct {
	Text      string    `json:"text"`
	Model     string    `json:"model,omitempty"`
	Provider  string    `json:"provider,omitempty"`
	Usage     *Usage    `json:"usage,omitempty"`
	CreatedAt time.Time `json:"created_at,omitempty"`
}

// TokenCallback 在流式补全中对每个增量片段调用一次。
// 同一流内严格按到达顺序串行调用，绝不并发；返回错误会中止该流。
type TokenCallback func(ctx context.Context, token string) error

// BatchResult 是 CompleteMany 中单个请求的结果，Result 与 Err 互斥。
type BatchResult struct {
	Index  int               `json:"index"`
	Result *CompletionResult `json:"result,omitempty"`
	Err    error             `json:"-"`
}

// HealthStatus 表示客户端健康检查结果。
type HealthStatus struct {
	Healthy bool          `json:"healthy"`
	Latency time.Duration `json:"latency"`
}

// Client 定义了统一的补全客户端接口。实现内部负责重试、限流
// 与流式降级，调用方只看到成功结果或分类后的最终错误。
type Client interface {
	// Complete 发起单次补全，内部按策略重试瞬时错误与限流信号。
	Complete(ctx context.Context, req *CompletionRequest) (*CompletionResult, error)

	// CompleteStreaming 发起流式补全。onToken 在最终结果返回前被调用
	// 零次或多次；不支持流式的后端以模拟流透明降级，调用方行为一致。
	CompleteStreaming(ctx context.Context, req *CompletionRequest, onToken TokenCallback) (*CompletionResult, error)

	// CompleteMany 并发执行多个请求，受并发门限约束。
	// 返回与输入同序的结果，单项失败互相独立。
	CompleteMany(ctx context.Context, reqs []*CompletionRequest) []BatchResult

	// HealthCheck 执行轻量级探活，返回延迟与可用性信息。
	HealthCheck(ctx context.Context) (*HealthStatus, error)

	// Name 返回客户端的唯一标识。
	Name() string
}
