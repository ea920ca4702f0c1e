// =============================================================================
// PlanFlow OpenAI-Compatible Completion Client
// =============================================================================
// Single llm.Client implementation for every OpenAI-compatible backend.
// Wraps the raw HTTP/SSE exchange in the retry, rate-limit, and concurrency
// machinery so callers only ever see a final result or a classified error.
// =============================================================================

package openaicompat

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/BaSui01/planflow/internal/tlsutil"
	"github.com/BaSui01/planflow/llm"
	"github.com/BaSui01/planflow/llm/batch"
	"github.com/BaSui01/planflow/llm/providers"
	"github.com/BaSui01/planflow/llm/retry"
	"github.com/BaSui01/planflow/llm/stream"
	"github.com/BaSui01/planflow/llm/tokenizer"
)

// Config holds the configuration for an OpenAI-compatible completion client.
type Config struct {
	// ProviderName is the unique identifier for this client (e.g., "openai", "vllm").
	ProviderName string

	// APIKey is the authentication credential for the backend.
	APIKey string

	// BaseURL is the base URL for the backend (e.g., "https://api.openai.com").
	BaseURL string

	// DefaultModel is the model used when the request does not name one.
	DefaultModel string

	// Timeout is the default per-request timeout. Defaults to 60s if zero.
	Timeout time.Duration

	// EndpointPath is the chat completions endpoint path. Defaults to "/v1/chat/completions".
	EndpointPath string

	// ModelsEndpoint is the models list endpoint path, used by HealthCheck.
	// Defaults to "/v1/models".
	ModelsEndpoint string

	// DisableStreaming forces CompleteStreaming to run a non-streaming
	// completion and replay the text through a simulated token stream.
	DisableStreaming bool

	// MaxConcurrent bounds in-flight requests in CompleteMany. Defaults to 5.
	MaxConcurrent int

	// RetryPolicy governs both transient-error backoff and rate-limit waits.
	// Nil means retry.DefaultPolicy().
	RetryPolicy *retry.Policy

	// RequestsPerSecond optionally throttles outgoing requests up front.
	// Zero means no proactive ceiling.
	RequestsPerSecond float64

	// BuildHeaders optionally sets custom headers on each request.
	// If nil, standard "Authorization: Bearer <apiKey>" headers are used.
	BuildHeaders func(req *http.Request, apiKey string)
}

// Client 是面向 OpenAI 兼容后端的补全客户端，实现 llm.Client。
// 非流式请求走带全局超时的 HTTP 客户端；
// 流式请求走无全局超时的客户端，寿命完全由 ctx 管辖。
type Client struct {
	cfg          Config
	httpClient   *http.Client
	streamClient *http.Client
	logger       *zap.Logger
	limiter      *retry.AdaptiveLimiter
	retryer      retry.Retryer
	gate         *batch.Gate
	sim          *stream.Simulator
}

var _ llm.Client = (*Client)(nil)

// New creates a client from config. The base URL and provider name are required.
func New(cfg Config, logger *zap.Logger) (*Client, error) {
	if cfg.ProviderName == "" {
		return nil, fmt.Errorf("openaicompat: provider name is required")
	}
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("openaicompat: base URL is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.EndpointPath == "" {
		cfg.EndpointPath = "/v1/chat/completions"
	}
	if cfg.ModelsEndpoint == "" {
		cfg.ModelsEndpoint = "/v1/models"
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	limiter := retry.NewAdaptiveLimiter(retry.AdaptiveOpts{
		Policy:            cfg.RetryPolicy,
		RequestsPerSecond: cfg.RequestsPerSecond,
	}, logger)

	return &Client{
		cfg:          cfg,
		httpClient:   tlsutil.SecureHTTPClient(cfg.Timeout),
		streamClient: tlsutil.SecureStreamingClient(),
		logger:       logger,
		limiter:      limiter,
		retryer:      retry.NewBackoffRetryer(cfg.RetryPolicy, llm.IsRetryable, logger),
		gate:         batch.NewGate(cfg.MaxConcurrent),
		sim:          stream.NewSimulator(),
	}, nil
}

// Name returns the client identifier.
func (c *Client) Name() string { return c.cfg.ProviderName }

// Limiter exposes the adaptive rate limiter, mainly for tests and introspection.
func (c *Client) Limiter() *retry.AdaptiveLimiter { return c.limiter }

// endpoint builds the full URL for a given path.
func (c *Client) endpoint(path string) string {
	return fmt.Sprintf("%s%s", strings.TrimRight(c.cfg.BaseURL, "/"), path)
}

// buildHeaders applies headers to the HTTP request.
func (c *Client) buildHeaders(req *http.Request) {
	if c.cfg.BuildHeaders != nil {
		c.cfg.BuildHeaders(req, c.cfg.APIKey)
		return
	}
	providers.BearerTokenHeaders(req, c.cfg.APIKey)
}

// requestContext applies the per-request timeout, falling back to the
// configured default. Streaming requests skip the default so a healthy
// long stream is never cut off mid-flight; stalled streams are handled
// by the idle watchdog in doStream instead.
func (c *Client) requestContext(ctx context.Context, req *llm.CompletionRequest, streaming bool) (context.Context, context.CancelFunc) {
	timeout := req.Timeout
	if timeout <= 0 && !streaming {
		timeout = c.cfg.Timeout
	}
	if timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, timeout)
}

func validateRequest(req *llm.CompletionRequest) error {
	if req == nil || strings.TrimSpace(req.Prompt) == "" {
		return &llm.Error{
			Code:       llm.ErrInvalidRequest,
			Message:    "prompt must not be empty",
			HTTPStatus: http.StatusBadRequest,
		}
	}
	return nil
}

// classifyRateLimit 把限流错误转换为 Limiter 可消费的信号。
func classifyRateLimit(err error) (retry.RateLimitSignal, bool) {
	if !llm.IsRateLimitSignal(err) {
		return retry.RateLimitSignal{}, false
	}
	sig := retry.RateLimitSignal{
		StatusCode: http.StatusTooManyRequests,
		Body:       err.Error(),
	}
	var le *llm.Error
	if errors.As(err, &le) {
		if le.HTTPStatus != 0 {
			sig.StatusCode = le.HTTPStatus
		}
		sig.RetryAfter = le.RetryAfter
	}
	return sig, true
}

// Complete performs a single completion with the full retry envelope:
// the adaptive pre-request delay, transient-error backoff inside,
// and rate-limit waits outside.
func (c *Client) Complete(ctx context.Context, req *llm.CompletionRequest) (*llm.CompletionResult, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}
	ctx, cancel := c.requestContext(ctx, req, false)
	defer cancel()

	start := time.Now()
	var result *llm.CompletionResult

	err := c.limiter.ExecuteWithRetry(ctx, classifyRateLimit, func(ctx context.Context) error {
		if err := c.limiter.PreRequestDelay(ctx); err != nil {
			return err
		}
		calls := 0
		return c.retryer.Do(ctx, func() error {
			calls++
			if calls > 1 {
				llm.ObserveRetry(c.Name())
			}
			var err error
			result, err = c.doComplete(ctx, req)
			return err
		})
	})

	c.observeOutcome(err, time.Since(start))
	if err != nil {
		return nil, err
	}
	return result, nil
}

// observeOutcome 统一记录成败指标并喂给自适应限流窗口。
func (c *Client) observeOutcome(err error, elapsed time.Duration) {
	switch {
	case err == nil:
		c.limiter.RecordSuccess()
		llm.ObserveCompletion(c.Name(), "success", elapsed)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		llm.ObserveCompletion(c.Name(), "canceled", elapsed)
	case errors.Is(err, retry.ErrRateLimitExceeded):
		llm.ObserveRateLimitEvent(c.Name())
		llm.ObserveCompletion(c.Name(), "rate_limited", elapsed)
	default:
		llm.ObserveCompletion(c.Name(), "error", elapsed)
	}
}

// doComplete executes one non-streaming HTTP exchange.
func (c *Client) doComplete(ctx context.Context, req *llm.CompletionRequest) (*llm.CompletionResult, error) {
	body := c.wireRequest(req, false)

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(c.cfg.EndpointPath), bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	c.buildHeaders(httpReq)
	if req.TraceID != "" {
		httpReq.Header.Set("X-Trace-Id", req.TraceID)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &llm.Error{
			Code: llm.ErrUpstreamError, Message: err.Error(),
			HTTPStatus: http.StatusBadGateway, Retryable: true, Provider: c.Name(),
		}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, c.mapErrorResponse(resp)
	}

	var oaResp providers.ChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&oaResp); err != nil {
		return nil, &llm.Error{
			Code: llm.ErrUpstreamError, Message: err.Error(),
			HTTPStatus: http.StatusBadGateway, Retryable: true, Provider: c.Name(),
		}
	}
	if len(oaResp.Choices) == 0 {
		return nil, &llm.Error{
			Code: llm.ErrUpstreamError, Message: "response contained no choices",
			HTTPStatus: http.StatusBadGateway, Retryable: true, Provider: c.Name(),
		}
	}

	return c.buildResult(req, oaResp.Choices[0].Message.Content, &oaResp), nil
}

// wireRequest 把内部请求转换为 OpenAI 线格式。
func (c *Client) wireRequest(req *llm.CompletionRequest, streaming bool) providers.ChatRequest {
	model := req.Model
	if model == "" {
		model = c.cfg.DefaultModel
	}
	return providers.ChatRequest{
		Model:           model,
		Messages:        providers.BuildMessages(req.System, req.Prompt),
		MaxTokens:       req.MaxTokens,
		Temperature:     req.Temperature,
		TopP:            req.TopP,
		ReasoningEffort: req.ReasoningEffort,
		Stream:          streaming,
	}
}

// mapErrorResponse 把失败响应映射为结构化错误，并挂上 Retry-After 建议。
func (c *Client) mapErrorResponse(resp *http.Response) error {
	msg := providers.ReadErrorMessage(resp.Body)
	le := providers.MapHTTPError(resp.StatusCode, msg, c.Name())
	if d, ok := providers.ParseRetryAfter(resp.Header.Get("Retry-After"), time.Now()); ok {
		le.RetryAfter = d
	}
	if le.Code == llm.ErrRateLimited {
		c.logger.Warn("上游限流",
			zap.String("provider", c.Name()),
			zap.Int("status", resp.StatusCode),
			zap.Duration("retry_after", le.RetryAfter),
		)
	}
	return le
}

// buildResult 组装最终结果；上游缺 usage 时用本地 tokenizer 估算。
func (c *Client) buildResult(req *llm.CompletionRequest, text string, oaResp *providers.ChatResponse) *llm.CompletionResult {
	model := oaResp.Model
	if model == "" {
		model = req.Model
		if model == "" {
			model = c.cfg.DefaultModel
		}
	}

	result := &llm.CompletionResult{
		Text:     text,
		Model:    model,
		Provider: c.Name(),
	}
	if oaResp.Created != 0 {
		result.CreatedAt = time.Unix(oaResp.Created, 0)
	} else {
		result.CreatedAt = time.Now()
	}

	if oaResp.Usage != nil {
		result.Usage = &llm.Usage{
			PromptTokens:     oaResp.Usage.PromptTokens,
			CompletionTokens: oaResp.Usage.CompletionTokens,
			TotalTokens:      oaResp.Usage.TotalTokens,
			Model:            model,
		}
		return result
	}

	// 尽力而为的估算：失败就不带 usage，缺失不是错误。
	counter := tokenizer.ForModel(model)
	promptTokens, perr := counter.Count(req.System + req.Prompt)
	completionTokens, cerr := counter.Count(text)
	if perr == nil && cerr == nil {
		result.Usage = &llm.Usage{
			PromptTokens:     promptTokens,
			CompletionTokens: completionTokens,
			TotalTokens:      promptTokens + completionTokens,
			Model:            model,
			Estimated:        true,
		}
	}
	return result
}

// CompleteMany executes requests concurrently under the gate and returns
// results in input order. Requests without a trace id get one assigned.
func (c *Client) CompleteMany(ctx context.Context, reqs []*llm.CompletionRequest) []llm.BatchResult {
	tasks := make([]batch.Task[*llm.CompletionResult], len(reqs))
	for i, req := range reqs {
		req := req
		if req != nil && req.TraceID == "" {
			clone := *req
			clone.TraceID = uuid.NewString()
			req = &clone
		}
		tasks[i] = func(ctx context.Context) (*llm.CompletionResult, error) {
			return c.Complete(ctx, req)
		}
	}

	results := batch.RunBounded(ctx, c.gate, tasks)

	out := make([]llm.BatchResult, len(results))
	for i, r := range results {
		out[i] = llm.BatchResult{Index: r.Index, Result: r.Value, Err: r.Err}
	}
	return out
}

// HealthCheck verifies the backend is reachable via the models endpoint.
func (c *Client) HealthCheck(ctx context.Context) (*llm.HealthStatus, error) {
	start := time.Now()
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint(c.cfg.ModelsEndpoint), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	c.buildHeaders(httpReq)

	resp, err := c.httpClient.Do(httpReq)
	latency := time.Since(start)
	if err != nil {
		return &llm.HealthStatus{Healthy: false, Latency: latency}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg := providers.ReadErrorMessage(resp.Body)
		return &llm.HealthStatus{Healthy: false, Latency: latency},
			fmt.Errorf("%s health check failed: status=%d msg=%s", c.Name(), resp.StatusCode, msg)
	}

	return &llm.HealthStatus{Healthy: true, Latency: latency}, nil
}
