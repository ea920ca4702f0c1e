package retry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrRateLimitExceeded 在限流重试次数耗尽后返回。
var ErrRateLimitExceeded = errors.New("rate limit retries exceeded")

// waitChunk 是长等待的分段粒度：每段之间可观测、可取消。
const waitChunk = 10 * time.Second

// RateLimitSignal 是一次上游限流信号，消费后即丢弃。
type RateLimitSignal struct {
	StatusCode int           // HTTP 状态码（通常 429）
	RetryAfter time.Duration // 服务端建议等待，0 表示未给出
	Body       string        // 诊断用的响应体片段
}

// Limiter 维护单次逻辑请求内的限流重试状态。
// 状态机：Idle → Waiting → Idle（成功）或 → Exhausted（报错）。
// ExecuteWithRetry 的计数器是栈上局部变量，绝不跨并发请求共享；
// 结构体里的 attempts 只服务于 HandleRateLimitSignal 的单信号用法。
type Limiter struct {
	policy *Policy
	logger *zap.Logger

	mu       sync.Mutex
	attempts int

	// sleepFunc 供测试替换；默认可取消的 context 睡眠。
	sleepFunc func(ctx context.Context, d time.Duration) error
}

// NewLimiter 创建限流器。policy 为 nil 时使用默认策略。
func NewLimiter(policy *Policy, logger *zap.Logger) *Limiter {
	if policy == nil {
		policy = DefaultPolicy()
	}
	policy.normalize()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Limiter{
		policy:    policy,
		logger:    logger,
		sleepFunc: contextSleep,
	}
}

// SetSleepFunc 替换睡眠实现（测试用）。
func (l *Limiter) SetSleepFunc(fn func(ctx context.Context, d time.Duration) error) {
	l.sleepFunc = fn
}

// contextSleep 睡眠 d，或在 ctx 取消时提前返回。
func contextSleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Attempts 返回通过 HandleRateLimitSignal 累积的限流重试次数。
// ExecuteWithRetry 用自己的局部计数，不体现在这里。
func (l *Limiter) Attempts() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.attempts
}

// Reset 将 HandleRateLimitSignal 的计数器归零。
func (l *Limiter) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.attempts = 0
}

// HandleRateLimitSignal 处理一次限流信号，计数挂在 Limiter 自身上。
// 次数已耗尽时返回 ErrRateLimitExceeded；否则按策略计算延迟、
// 分段等待后递增计数并返回 retry=true。
func (l *Limiter) HandleRateLimitSignal(ctx context.Context, sig RateLimitSignal) (bool, error) {
	l.mu.Lock()
	attempt := l.attempts
	if attempt < l.policy.MaxAttempts {
		l.attempts++
	}
	l.mu.Unlock()
	return l.handleSignal(ctx, sig, attempt)
}

// handleSignal 对给定的第 attempt 次信号执行耗尽检查与等待。
// 不碰共享状态，计数由调用方持有。
func (l *Limiter) handleSignal(ctx context.Context, sig RateLimitSignal, attempt int) (bool, error) {
	if attempt >= l.policy.MaxAttempts {
		l.logger.Warn("限流重试次数耗尽",
			zap.Int("attempts", attempt),
			zap.Int("max_attempts", l.policy.MaxAttempts),
			zap.Int("status", sig.StatusCode),
		)
		return false, fmt.Errorf("%w after %d waits", ErrRateLimitExceeded, attempt)
	}

	delay := l.policy.Delay(attempt, sig.RetryAfter)
	l.logger.Debug("限流等待中",
		zap.Int("attempt", attempt+1),
		zap.Int("max_attempts", l.policy.MaxAttempts),
		zap.Duration("delay", delay),
		zap.Duration("retry_after", sig.RetryAfter),
		zap.Int("status", sig.StatusCode),
	)

	if err := l.wait(ctx, delay); err != nil {
		return false, err
	}
	return true, nil
}

// wait 分段执行长等待，每段 ≤ waitChunk，段间检查取消并记录进度。
func (l *Limiter) wait(ctx context.Context, total time.Duration) error {
	remaining := total
	for remaining > 0 {
		chunk := remaining
		if chunk > waitChunk {
			chunk = waitChunk
		}
		if err := l.sleepFunc(ctx, chunk); err != nil {
			return err
		}
		remaining -= chunk
		if remaining > 0 {
			l.logger.Debug("限流等待进行中",
				zap.Duration("remaining", remaining),
				zap.Duration("total", total),
			)
		}
	}
	return nil
}

// ExecuteWithRetry 执行 op，遇到限流信号时按策略等待并重试。
// 计数器是本次调用的局部变量，同一个 Limiter 上的并发调用互不干扰。
// 非限流错误立即原样传播，不做任何重试。
// 限流判定由调用方通过 classify 提供（通常为 llm.IsRateLimitSignal）。
func (l *Limiter) ExecuteWithRetry(
	ctx context.Context,
	classify func(error) (RateLimitSignal, bool),
	op func(ctx context.Context) error,
) error {
	attempts := 0

	for {
		err := op(ctx)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return err
		}

		sig, ok := classify(err)
		if !ok {
			return err
		}

		retry, waitErr := l.handleSignal(ctx, sig, attempts)
		if !retry {
			if errors.Is(waitErr, ErrRateLimitExceeded) {
				return fmt.Errorf("%w: %s", waitErr, err.Error())
			}
			return waitErr
		}
		attempts++
	}
}
