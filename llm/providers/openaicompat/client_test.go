package openaicompat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/planflow/llm"
	"github.com/BaSui01/planflow/llm/providers"
	"github.com/BaSui01/planflow/llm/retry"
)

// fastPolicy 让瞬时重试在测试里几乎不耗时。
func fastPolicy(maxAttempts int) *retry.Policy {
	// 限流等待在测试里被替换掉，MaxDelay 保持真实值以免截断 Retry-After；
	// 瞬时重试走真实睡眠，所以 InitialDelay 取毫秒级。
	return &retry.Policy{
		MaxAttempts:  maxAttempts,
		InitialDelay: time.Millisecond,
		MaxDelay:     60 * time.Second,
		Multiplier:   2.0,
		Jitter:       false,
	}
}

// newTestClient 构造指向测试服务器的客户端，所有睡眠都被替换掉。
func newTestClient(t *testing.T, baseURL string, mutate func(*Config)) (*Client, *[]time.Duration) {
	t.Helper()

	cfg := Config{
		ProviderName: "test-backend",
		APIKey:       "test-key",
		BaseURL:      baseURL,
		DefaultModel: "gpt-test",
		RetryPolicy:  fastPolicy(5),
	}
	if mutate != nil {
		mutate(&cfg)
	}

	c, err := New(cfg, zap.NewNop())
	require.NoError(t, err)

	var mu sync.Mutex
	waits := &[]time.Duration{}
	fast := func(ctx context.Context, d time.Duration) error {
		mu.Lock()
		*waits = append(*waits, d)
		mu.Unlock()
		return ctx.Err()
	}
	c.limiter.SetSleepFunc(fast)
	c.limiter.SetAdaptiveSleepFunc(func(ctx context.Context, d time.Duration) error { return ctx.Err() })
	c.sim.Delay = 0
	return c, waits
}

func completionJSON(text string, withUsage bool) string {
	resp := providers.ChatResponse{
		ID:      "cmpl-1",
		Model:   "gpt-test",
		Created: 1717243200,
		Choices: []providers.ChatChoice{{
			Index:        0,
			FinishReason: "stop",
			Message:      providers.Message{Role: "assistant", Content: text},
		}},
	}
	if withUsage {
		resp.Usage = &providers.ChatUsage{PromptTokens: 12, CompletionTokens: 7, TotalTokens: 19}
	}
	b, _ := json.Marshal(resp)
	return string(b)
}

// ---------------------------------------------------------------------------
// New() constructor
// ---------------------------------------------------------------------------

func TestNew_Validation(t *testing.T) {
	_, err := New(Config{BaseURL: "http://x"}, nil)
	assert.Error(t, err, "missing provider name must be rejected")

	_, err = New(Config{ProviderName: "x"}, nil)
	assert.Error(t, err, "missing base URL must be rejected")
}

func TestNew_Defaults(t *testing.T) {
	c, err := New(Config{ProviderName: "x", BaseURL: "http://x"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "/v1/chat/completions", c.cfg.EndpointPath)
	assert.Equal(t, "/v1/models", c.cfg.ModelsEndpoint)
	assert.Equal(t, 60*time.Second, c.cfg.Timeout)
	assert.Equal(t, "x", c.Name())
	assert.NotNil(t, c.httpClient)
	assert.NotNil(t, c.streamClient)
	assert.Zero(t, c.streamClient.Timeout, "streaming client must not carry a global timeout")
}

// ---------------------------------------------------------------------------
// Complete
// ---------------------------------------------------------------------------

func TestComplete_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)

		var wire providers.ChatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&wire))
		assert.Equal(t, "gpt-test", wire.Model)
		assert.False(t, wire.Stream)
		require.Len(t, wire.Messages, 2)
		assert.Equal(t, "system", wire.Messages[0].Role)
		assert.Equal(t, "user", wire.Messages[1].Role)
		assert.Equal(t, "plan my week", wire.Messages[1].Content)

		fmt.Fprint(w, completionJSON("here is your plan", true))
	}))
	defer server.Close()

	c, _ := newTestClient(t, server.URL, nil)
	result, err := c.Complete(context.Background(), &llm.CompletionRequest{
		System: "you are a planner",
		Prompt: "plan my week",
	})

	require.NoError(t, err)
	assert.Equal(t, "here is your plan", result.Text)
	assert.Equal(t, "gpt-test", result.Model)
	assert.Equal(t, "test-backend", result.Provider)
	require.NotNil(t, result.Usage)
	assert.Equal(t, 19, result.Usage.TotalTokens)
	assert.False(t, result.Usage.Estimated)
	assert.Equal(t, time.Unix(1717243200, 0), result.CreatedAt)
}

func TestComplete_UsageEstimatedWhenMissing(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, completionJSON("a short completion text", false))
	}))
	defer server.Close()

	c, _ := newTestClient(t, server.URL, nil)
	result, err := c.Complete(context.Background(), &llm.CompletionRequest{Prompt: "hello"})

	require.NoError(t, err)
	require.NotNil(t, result.Usage)
	assert.True(t, result.Usage.Estimated)
	assert.Positive(t, result.Usage.PromptTokens)
	assert.Positive(t, result.Usage.CompletionTokens)
	assert.Equal(t, result.Usage.PromptTokens+result.Usage.CompletionTokens, result.Usage.TotalTokens)
}

func TestComplete_EmptyPromptRejected(t *testing.T) {
	c, _ := newTestClient(t, "http://unused", nil)

	_, err := c.Complete(context.Background(), &llm.CompletionRequest{Prompt: "   "})
	var le *llm.Error
	require.ErrorAs(t, err, &le)
	assert.Equal(t, llm.ErrInvalidRequest, le.Code)

	_, err = c.Complete(context.Background(), nil)
	assert.Error(t, err)
}

func TestComplete_FatalErrorNoRetry(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"error":{"message":"model does not exist"}}`)
	}))
	defer server.Close()

	c, waits := newTestClient(t, server.URL, nil)
	_, err := c.Complete(context.Background(), &llm.CompletionRequest{Prompt: "hi"})

	var le *llm.Error
	require.ErrorAs(t, err, &le)
	assert.Equal(t, llm.ErrInvalidRequest, le.Code)
	assert.Equal(t, int32(1), calls.Load(), "致命错误不得重试")
	assert.Empty(t, *waits)
}

func TestComplete_TransientErrorRetried(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			fmt.Fprint(w, `{"error":{"message":"upstream busy"}}`)
			return
		}
		fmt.Fprint(w, completionJSON("recovered", true))
	}))
	defer server.Close()

	c, _ := newTestClient(t, server.URL, nil)
	result, err := c.Complete(context.Background(), &llm.CompletionRequest{Prompt: "hi"})

	require.NoError(t, err)
	assert.Equal(t, "recovered", result.Text)
	assert.Equal(t, int32(3), calls.Load())
}

// Scenario: 连续三次 429 带 Retry-After: 1，第四次成功。
// 最大限流重试为 5，调用方必须拿到成功结果。
func TestComplete_RateLimitedThenSuccess(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= 3 {
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
			fmt.Fprint(w, `{"error":{"message":"Rate limit reached","type":"rate_limit_error"}}`)
			return
		}
		fmt.Fprint(w, completionJSON("finally", true))
	}))
	defer server.Close()

	c, waits := newTestClient(t, server.URL, nil)
	result, err := c.Complete(context.Background(), &llm.CompletionRequest{Prompt: "hi"})

	require.NoError(t, err)
	assert.Equal(t, "finally", result.Text)
	assert.Equal(t, int32(4), calls.Load())

	// 三次限流等待，每次都采纳了服务端的 Retry-After: 1
	require.Len(t, *waits, 3)
	for _, d := range *waits {
		assert.Equal(t, time.Second, d)
	}
	assert.Equal(t, 3, c.Limiter().RecentRateLimitEvents())
}

// Scenario: 上游永远 429，最大限流重试为 2。
// 恰好等待两次后必须返回 ErrRateLimitExceeded。
func TestComplete_RateLimitExhausted(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Retry-After", "1")
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"error":{"message":"Rate limit reached"}}`)
	}))
	defer server.Close()

	c, waits := newTestClient(t, server.URL, func(cfg *Config) {
		cfg.RetryPolicy = fastPolicy(2)
	})
	_, err := c.Complete(context.Background(), &llm.CompletionRequest{Prompt: "hi"})

	require.Error(t, err)
	assert.ErrorIs(t, err, retry.ErrRateLimitExceeded)
	assert.Equal(t, int32(3), calls.Load(), "两次等待意味着三次请求")
	assert.Len(t, *waits, 2)
}

func TestComplete_ContextCanceled(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// 先吃掉请求体：body 未读完时服务端不会启动后台读，
		// 也就永远观察不到客户端断开，r.Context() 不会被取消。
		io.Copy(io.Discard, r.Body)
		<-r.Context().Done()
	}))
	defer server.Close()

	c, _ := newTestClient(t, server.URL, nil)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := c.Complete(ctx, &llm.CompletionRequest{Prompt: "hi"})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

// ---------------------------------------------------------------------------
// CompleteStreaming
// ---------------------------------------------------------------------------

func sseFrame(token string) string {
	frame := providers.ChatResponse{
		ID:    "cmpl-s",
		Model: "gpt-test",
		Choices: []providers.ChatChoice{{
			Delta: &providers.Message{Content: token},
		}},
	}
	b, _ := json.Marshal(frame)
	return fmt.Sprintf("data: %s\n\n", b)
}

func sseServer(t *testing.T, chunks []string, extraLines ...string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var wire providers.ChatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&wire))
		assert.True(t, wire.Stream, "流式请求必须带 stream=true")

		w.Header().Set("Content-Type", "text/event-stream")
		fl := w.(http.Flusher)
		for _, line := range extraLines {
			fmt.Fprint(w, line)
			fl.Flush()
		}
		for _, tok := range chunks {
			fmt.Fprint(w, sseFrame(tok))
			fl.Flush()
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
		fl.Flush()
	}))
}

// Scenario: 上游依次发出 "Hel" "lo " "wor" "ld" "!"。
// 回调按序收到每个片段，最终文本为 "Hello world!"。
func TestCompleteStreaming_TokensInOrder(t *testing.T) {
	server := sseServer(t, []string{"Hel", "lo ", "wor", "ld", "!"})
	defer server.Close()

	c, _ := newTestClient(t, server.URL, nil)

	var got []string
	result, err := c.CompleteStreaming(context.Background(), &llm.CompletionRequest{Prompt: "greet"},
		func(ctx context.Context, token string) error {
			got = append(got, token)
			return nil
		})

	require.NoError(t, err)
	assert.Equal(t, []string{"Hel", "lo ", "wor", "ld", "!"}, got)
	assert.Equal(t, "Hello world!", result.Text)
	assert.Equal(t, "test-backend", result.Provider)
}

func TestCompleteStreaming_SkipsMalformedFrames(t *testing.T) {
	server := sseServer(t, []string{"ok"},
		"data: {not valid json}\n\n",
		": comment line\n\n",
		"event: ping\n\n",
	)
	defer server.Close()

	c, _ := newTestClient(t, server.URL, nil)

	var got []string
	result, err := c.CompleteStreaming(context.Background(), &llm.CompletionRequest{Prompt: "x"},
		func(ctx context.Context, token string) error {
			got = append(got, token)
			return nil
		})

	require.NoError(t, err)
	assert.Equal(t, []string{"ok"}, got)
	assert.Equal(t, "ok", result.Text)
}

func TestCompleteStreaming_CallbackErrorAborts(t *testing.T) {
	server := sseServer(t, []string{"a", "b", "c"})
	defer server.Close()

	c, _ := newTestClient(t, server.URL, nil)
	boom := errors.New("sink is full")

	calls := 0
	_, err := c.CompleteStreaming(context.Background(), &llm.CompletionRequest{Prompt: "x"},
		func(ctx context.Context, token string) error {
			calls++
			if calls == 2 {
				return boom
			}
			return nil
		})

	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 2, calls, "回调失败后不得再交付片段")
}

func TestCompleteStreaming_RateLimitBeforeStreamRetried(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
			fmt.Fprint(w, `{"error":{"message":"Rate limit reached"}}`)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, sseFrame("hi"))
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer server.Close()

	c, waits := newTestClient(t, server.URL, nil)
	result, err := c.CompleteStreaming(context.Background(), &llm.CompletionRequest{Prompt: "x"}, nil)

	require.NoError(t, err)
	assert.Equal(t, "hi", result.Text)
	assert.Equal(t, int32(2), calls.Load())
	assert.Len(t, *waits, 1)
}

// 已交付片段后的失败不得重放整条流：哪怕失败文案看起来像限流，
// 重放会把已经交付过的片段再发一遍。
func TestCompleteStreaming_MidStreamFailureNotReplayed(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "text/event-stream")
		fl := w.(http.Flusher)
		for _, tok := range []string{"tok-A", "tok-B"} {
			fmt.Fprint(w, sseFrame(tok))
			fl.Flush()
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer server.Close()

	c, waits := newTestClient(t, server.URL, nil)

	// 第一轮在第二个片段上失败，重放的话第二轮会全部成功
	failed := false
	var got []string
	_, err := c.CompleteStreaming(context.Background(), &llm.CompletionRequest{Prompt: "x"},
		func(ctx context.Context, token string) error {
			got = append(got, token)
			if token == "tok-B" && !failed {
				failed = true
				return errors.New("downstream sink: too many requests")
			}
			return nil
		})

	require.Error(t, err)
	assert.Equal(t, []string{"tok-A", "tok-B"}, got, "片段重复交付意味着流被重放了")
	assert.Equal(t, int32(1), hits.Load())
	assert.Empty(t, *waits, "已定性的中断不得进入限流等待")
}

// 流挂起超过一个空闲周期：看门狗切断而不是永远等待，
// 且已有输出时不再重试。
func TestCompleteStreaming_StalledStreamTimesOut(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "text/event-stream")
		fl := w.(http.Flusher)
		fmt.Fprint(w, sseFrame("tok-A"))
		fl.Flush()
		<-r.Context().Done()
	}))
	defer server.Close()

	c, _ := newTestClient(t, server.URL, func(cfg *Config) {
		cfg.Timeout = 50 * time.Millisecond
	})

	var got []string
	start := time.Now()
	_, err := c.CompleteStreaming(context.Background(), &llm.CompletionRequest{Prompt: "x"},
		func(ctx context.Context, token string) error {
			got = append(got, token)
			return nil
		})

	require.Error(t, err)
	assert.NotErrorIs(t, err, context.Canceled)
	assert.Equal(t, []string{"tok-A"}, got)
	assert.Equal(t, int32(1), hits.Load(), "已有输出后不得重试")
	assert.Less(t, time.Since(start), 5*time.Second, "挂起的流必须被切断")
}

// 不支持流式的后端：非流式补全 + 模拟流回放，调用方行为不变。
func TestCompleteStreaming_SimulatedFallback(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var wire providers.ChatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&wire))
		assert.False(t, wire.Stream, "降级路径必须发非流式请求")
		fmt.Fprint(w, completionJSON("one two three four", true))
	}))
	defer server.Close()

	c, _ := newTestClient(t, server.URL, func(cfg *Config) {
		cfg.DisableStreaming = true
	})

	var got []string
	result, err := c.CompleteStreaming(context.Background(), &llm.CompletionRequest{Prompt: "x"},
		func(ctx context.Context, token string) error {
			got = append(got, token)
			return nil
		})

	require.NoError(t, err)
	assert.Equal(t, "one two three four", result.Text)
	assert.GreaterOrEqual(t, len(got), 2, "模拟流必须切成多个片段")

	var joined string
	for _, tok := range got {
		joined += tok
	}
	assert.Equal(t, "one two three four", joined)
}

// ---------------------------------------------------------------------------
// CompleteMany
// ---------------------------------------------------------------------------

// Scenario: 10 个请求、并发上限 3。
// 必须返回 10 个同序结果，且同时在途的请求数不超过 3。
func TestCompleteMany_BoundedAndOrdered(t *testing.T) {
	var inflight, peak atomic.Int64
	var peakMu sync.Mutex

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cur := inflight.Add(1)
		peakMu.Lock()
		if cur > peak.Load() {
			peak.Store(cur)
		}
		peakMu.Unlock()
		defer inflight.Add(-1)

		var wire providers.ChatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&wire))
		time.Sleep(5 * time.Millisecond)
		fmt.Fprint(w, completionJSON("echo: "+wire.Messages[len(wire.Messages)-1].Content, true))
	}))
	defer server.Close()

	c, _ := newTestClient(t, server.URL, func(cfg *Config) {
		cfg.MaxConcurrent = 3
	})

	reqs := make([]*llm.CompletionRequest, 10)
	for i := range reqs {
		reqs[i] = &llm.CompletionRequest{Prompt: fmt.Sprintf("task-%d", i)}
	}

	results := c.CompleteMany(context.Background(), reqs)

	require.Len(t, results, 10)
	for i, r := range results {
		assert.Equal(t, i, r.Index)
		require.NoError(t, r.Err)
		assert.Equal(t, fmt.Sprintf("echo: task-%d", i), r.Result.Text)
	}
	assert.LessOrEqual(t, peak.Load(), int64(3))
}

func TestCompleteMany_FailuresIndependent(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var wire providers.ChatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&wire))
		if wire.Messages[len(wire.Messages)-1].Content == "bad" {
			w.WriteHeader(http.StatusBadRequest)
			fmt.Fprint(w, `{"error":{"message":"invalid prompt"}}`)
			return
		}
		fmt.Fprint(w, completionJSON("fine", true))
	}))
	defer server.Close()

	c, _ := newTestClient(t, server.URL, nil)
	results := c.CompleteMany(context.Background(), []*llm.CompletionRequest{
		{Prompt: "good"},
		{Prompt: "bad"},
		{Prompt: "good"},
	})

	require.Len(t, results, 3)
	assert.NoError(t, results[0].Err)
	assert.Error(t, results[1].Err)
	assert.NoError(t, results[2].Err)
	assert.Equal(t, "fine", results[2].Result.Text)
}

// ---------------------------------------------------------------------------
// HealthCheck
// ---------------------------------------------------------------------------

func TestHealthCheck(t *testing.T) {
	t.Run("healthy", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/v1/models", r.URL.Path)
			fmt.Fprint(w, `{"object":"list","data":[]}`)
		}))
		defer server.Close()

		c, _ := newTestClient(t, server.URL, nil)
		status, err := c.HealthCheck(context.Background())
		require.NoError(t, err)
		assert.True(t, status.Healthy)
		assert.Greater(t, status.Latency, time.Duration(0))
	})

	t.Run("unhealthy", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		}))
		defer server.Close()

		c, _ := newTestClient(t, server.URL, nil)
		status, err := c.HealthCheck(context.Background())
		require.Error(t, err)
		assert.False(t, status.Healthy)
	})
}
