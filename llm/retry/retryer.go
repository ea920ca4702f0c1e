package retry

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Retryer 重试器接口：对瞬时错误提供统一的重试能力。
// 限流信号不在这里处理，那是 Limiter 的职责。
type Retryer interface {
	// Do 执行函数，失败时根据策略重试
	Do(ctx context.Context, fn func() error) error
}

// backoffRetryer 基于指数退避的重试器实现
type backoffRetryer struct {
	policy    *Policy
	retryable func(error) bool
	logger    *zap.Logger
	sleepFunc func(ctx context.Context, d time.Duration) error
}

// NewBackoffRetryer 创建指数退避重试器。
// retryable 判定错误是否可重试；nil 表示重试所有错误。
func NewBackoffRetryer(policy *Policy, retryable func(error) bool, logger *zap.Logger) Retryer {
	if policy == nil {
		policy = DefaultPolicy()
	}
	policy.normalize()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &backoffRetryer{
		policy:    policy,
		retryable: retryable,
		logger:    logger,
		sleepFunc: contextSleep,
	}
}

// Do 实现 Retryer.Do
// 核心重试逻辑：指数退避 + 随机抖动 + 错误过滤
func (r *backoffRetryer) Do(ctx context.Context, fn func() error) error {
	var lastErr error

	for attempt := 0; attempt <= r.policy.MaxAttempts; attempt++ {
		// 第一次执行不延迟
		if attempt > 0 {
			delay := r.policy.Delay(attempt-1, 0)
			r.logger.Debug("重试中",
				zap.Int("attempt", attempt),
				zap.Int("max_attempts", r.policy.MaxAttempts),
				zap.Duration("delay", delay),
				zap.Error(lastErr),
			)
			if err := r.sleepFunc(ctx, delay); err != nil {
				return fmt.Errorf("retry canceled: %w", err)
			}
		}

		lastErr = fn()
		if lastErr == nil {
			if attempt > 0 {
				r.logger.Info("重试成功", zap.Int("attempt", attempt))
			}
			return nil
		}

		if r.retryable != nil && !r.retryable(lastErr) {
			r.logger.Debug("错误不可重试", zap.Error(lastErr))
			return lastErr
		}
	}

	r.logger.Warn("重试次数耗尽",
		zap.Int("attempts", r.policy.MaxAttempts+1),
		zap.Error(lastErr),
	)
	return fmt.Errorf("still failing after %d retries: %w", r.policy.MaxAttempts, lastErr)
}
