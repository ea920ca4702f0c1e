package openaicompat

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/planflow/llm"
	"github.com/BaSui01/planflow/llm/providers"
)

// CompleteStreaming performs a streaming completion over SSE. onToken is
// invoked strictly sequentially, in arrival order, before the final result
// is returned. Backends with streaming disabled fall back to a full
// completion replayed through the simulated stream, so callers observe
// the same behavior either way.
func (c *Client) CompleteStreaming(ctx context.Context, req *llm.CompletionRequest, onToken llm.TokenCallback) (*llm.CompletionResult, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}
	if onToken == nil {
		onToken = func(ctx context.Context, token string) error { return nil }
	}

	if c.cfg.DisableStreaming {
		return c.completeSimulated(ctx, req, onToken)
	}

	ctx, cancel := c.requestContext(ctx, req, true)
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
			var delivered int
			var err error
			result, delivered, err = c.doStream(ctx, req, onToken)
			if err != nil && delivered > 0 && (llm.IsRetryable(err) || llm.IsRateLimitSignal(err)) {
				// 已经交付过增量片段，重试会导致重复输出。
				return &llm.Error{
					Code:       llm.ErrUpstreamError,
					Message:    fmt.Sprintf("stream aborted after %d chunks: %v", delivered, err),
					HTTPStatus: http.StatusBadGateway,
					Provider:   c.Name(),
				}
			}
			return err
		})
	})

	c.observeOutcome(err, time.Since(start))
	if err != nil {
		return nil, err
	}
	return result, nil
}

// completeSimulated 非流式降级：先拿完整结果，再按节奏回放增量片段。
func (c *Client) completeSimulated(ctx context.Context, req *llm.CompletionRequest, onToken llm.TokenCallback) (*llm.CompletionResult, error) {
	result, err := c.Complete(ctx, req)
	if err != nil {
		return nil, err
	}

	chunks := 0
	err = c.sim.Emit(ctx, result.Text, func(ctx context.Context, token string) error {
		chunks++
		return onToken(ctx, token)
	})
	llm.ObserveStreamTokens(c.Name(), chunks)
	if err != nil {
		return nil, err
	}
	return result, nil
}

// doStream executes one streaming HTTP exchange and parses the SSE frames.
// Returns the chunk count so the caller can tell whether a failure happened
// before or after output started.
func (c *Client) doStream(ctx context.Context, req *llm.CompletionRequest, onToken llm.TokenCallback) (*llm.CompletionResult, int, error) {
	body := c.wireRequest(req, true)

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to marshal request: %w", err)
	}

	// 流式请求没有全局超时：这里挂一个空闲看门狗，
	// 连续 cfg.Timeout 内没有任何数据就切断，每读到一行续期。
	kick := func() {}
	if idle := c.cfg.Timeout; idle > 0 {
		streamCtx, cancel := context.WithCancelCause(ctx)
		defer cancel(nil)
		idleErr := &llm.Error{
			Code:       llm.ErrUpstreamTimeout,
			Message:    fmt.Sprintf("stream stalled: no data within %s", idle),
			HTTPStatus: http.StatusGatewayTimeout,
			Retryable:  true,
			Provider:   c.Name(),
		}
		watchdog := time.AfterFunc(idle, func() { cancel(idleErr) })
		defer watchdog.Stop()
		kick = func() { watchdog.Reset(idle) }
		ctx = streamCtx
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(c.cfg.EndpointPath), bytes.NewReader(payload))
	if err != nil {
		return nil, 0, fmt.Errorf("failed to create request: %w", err)
	}
	c.buildHeaders(httpReq)
	httpReq.Header.Set("Accept", "text/event-stream")
	if req.TraceID != "" {
		httpReq.Header.Set("X-Trace-Id", req.TraceID)
	}

	resp, err := c.streamClient.Do(httpReq)
	if err != nil {
		if cerr := streamCtxErr(ctx); cerr != nil {
			return nil, 0, cerr
		}
		return nil, 0, &llm.Error{
			Code: llm.ErrUpstreamError, Message: err.Error(),
			HTTPStatus: http.StatusBadGateway, Retryable: true, Provider: c.Name(),
		}
	}
	defer resp.Body.Close()
	kick()

	if resp.StatusCode >= 400 {
		return nil, 0, c.mapErrorResponse(resp)
	}

	text, last, delivered, err := c.consumeSSE(ctx, resp.Body, kick, onToken)
	llm.ObserveStreamTokens(c.Name(), delivered)
	if err != nil {
		return nil, delivered, err
	}
	return c.buildResult(req, text, last), delivered, nil
}

// streamCtxErr 区分调用方取消与看门狗超时：
// 看门狗通过 cancel cause 携带结构化超时错误。
func streamCtxErr(ctx context.Context) error {
	if ctx.Err() == nil {
		return nil
	}
	if cause := context.Cause(ctx); cause != nil && !errors.Is(cause, context.Canceled) && !errors.Is(cause, context.DeadlineExceeded) {
		return cause
	}
	return ctx.Err()
}

// consumeSSE 逐行解析 SSE 流：只认 "data:" 帧，[DONE] 或 EOF 结束，
// 坏帧跳过不中断。每读到一行调用 kick 给空闲看门狗续期。
// 返回累积文本与最后一个携带元信息的帧。
func (c *Client) consumeSSE(ctx context.Context, body io.Reader, kick func(), onToken llm.TokenCallback) (string, *providers.ChatResponse, int, error) {
	var sb strings.Builder
	last := &providers.ChatResponse{}
	delivered := 0

	reader := bufio.NewReader(body)
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			if err == io.EOF {
				return sb.String(), last, delivered, nil
			}
			if cerr := streamCtxErr(ctx); cerr != nil {
				return sb.String(), last, delivered, cerr
			}
			return sb.String(), last, delivered, &llm.Error{
				Code: llm.ErrUpstreamError, Message: err.Error(),
				HTTPStatus: http.StatusBadGateway, Retryable: true, Provider: c.Name(),
			}
		}
		kick()

		line = strings.TrimSpace(line)
		if line == "" || !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "[DONE]" {
			return sb.String(), last, delivered, nil
		}

		var frame providers.ChatResponse
		if err := json.Unmarshal([]byte(data), &frame); err != nil {
			c.logger.Debug("跳过无法解析的 SSE 帧",
				zap.String("provider", c.Name()),
				zap.Error(err),
			)
			continue
		}
		if frame.ID != "" || frame.Model != "" || frame.Usage != nil {
			mergeFrameMeta(last, &frame)
		}
		if len(frame.Choices) == 0 || frame.Choices[0].Delta == nil {
			continue
		}

		token := frame.Choices[0].Delta.Content
		if token == "" {
			continue
		}

		if err := streamCtxErr(ctx); err != nil {
			return sb.String(), last, delivered, err
		}
		sb.WriteString(token)
		delivered++
		if err := onToken(ctx, token); err != nil {
			return sb.String(), last, delivered, fmt.Errorf("token callback failed: %w", err)
		}
	}
}

// mergeFrameMeta 保留流中出现过的模型名、时间戳与用量信息。
func mergeFrameMeta(dst, src *providers.ChatResponse) {
	if src.ID != "" {
		dst.ID = src.ID
	}
	if src.Model != "" {
		dst.Model = src.Model
	}
	if src.Created != 0 {
		dst.Created = src.Created
	}
	if src.Usage != nil {
		dst.Usage = src.Usage
	}
}
