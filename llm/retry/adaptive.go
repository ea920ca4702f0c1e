package retry

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// 自适应参数：窗口期、增量与衰减。
const (
	successHorizon = 5 * time.Minute  // 成功记录的滚动窗口
	eventHorizon   = 10 * time.Minute // 限流事件的滚动窗口
	delayIncrement = 2 * time.Second  // 每次限流事件的延迟增量
	delayFloor     = 100 * time.Millisecond
)

// AdaptiveLimiter 在 Limiter 之上叠加滚动历史与自适应预延迟：
// 持续被限流时主动放慢整个系统，而不是被动等 429。
// 历史状态只在本实例的方法内修改，绝不跨实例共享。
type AdaptiveLimiter struct {
	*Limiter

	logger *zap.Logger

	amu           sync.Mutex
	successes     []time.Time
	events        []time.Time
	adaptiveDelay time.Duration
	maxDelay      time.Duration // adaptiveDelay 的上限

	// rps 是可选的主动每秒请求数上限，0 表示不限。
	rps *rate.Limiter

	// nowFunc / sleepFunc 供测试替换。
	nowFunc   func() time.Time
	sleepFunc func(ctx context.Context, d time.Duration) error
}

// AdaptiveOpts 配置自适应限流器。
type AdaptiveOpts struct {
	Policy            *Policy
	MaxAdaptiveDelay  time.Duration // adaptiveDelay 上限（默认 30s）
	RequestsPerSecond float64       // 主动 RPS 上限（0 = 不限）
	Burst             int           // RPS 突发额度（默认 1）
}

// NewAdaptiveLimiter 创建自适应限流器。
func NewAdaptiveLimiter(opts AdaptiveOpts, logger *zap.Logger) *AdaptiveLimiter {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.MaxAdaptiveDelay <= 0 {
		opts.MaxAdaptiveDelay = 30 * time.Second
	}

	al := &AdaptiveLimiter{
		Limiter:   NewLimiter(opts.Policy, logger),
		logger:    logger,
		maxDelay:  opts.MaxAdaptiveDelay,
		nowFunc:   time.Now,
		sleepFunc: contextSleep,
	}
	if opts.RequestsPerSecond > 0 {
		burst := opts.Burst
		if burst <= 0 {
			burst = 1
		}
		al.rps = rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), burst)
	}
	return al
}

// SetNowFunc 替换时间源（测试用）。
func (al *AdaptiveLimiter) SetNowFunc(fn func() time.Time) { al.nowFunc = fn }

// SetAdaptiveSleepFunc 替换预延迟的睡眠实现（测试用）。
func (al *AdaptiveLimiter) SetAdaptiveSleepFunc(fn func(ctx context.Context, d time.Duration) error) {
	al.sleepFunc = fn
}

// prune 删除窗口外的时间戳。调用时必须持有 amu。
func prune(window []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(window) && !window[i].After(cutoff) {
		i++
	}
	if i == 0 {
		return window
	}
	return append(window[:0:0], window[i:]...)
}

// RecordSuccess 记录一次成功请求。
func (al *AdaptiveLimiter) RecordSuccess() {
	al.amu.Lock()
	defer al.amu.Unlock()
	now := al.nowFunc()
	al.successes = prune(append(al.successes, now), now.Add(-successHorizon))
}

// RecordRateLimitEvent 记录一次限流事件并抬高自适应延迟（封顶）。
func (al *AdaptiveLimiter) RecordRateLimitEvent() {
	al.amu.Lock()
	defer al.amu.Unlock()
	now := al.nowFunc()
	al.events = prune(append(al.events, now), now.Add(-eventHorizon))

	al.adaptiveDelay += delayIncrement
	if al.adaptiveDelay > al.maxDelay {
		al.adaptiveDelay = al.maxDelay
	}
	al.logger.Info("限流事件累积，抬高自适应延迟",
		zap.Duration("adaptive_delay", al.adaptiveDelay),
		zap.Int("recent_events", len(al.events)),
	)
}

// AdaptiveDelay 返回当前的自适应延迟（只读）。
func (al *AdaptiveLimiter) AdaptiveDelay() time.Duration {
	al.amu.Lock()
	defer al.amu.Unlock()
	return al.adaptiveDelay
}

// RecentSuccesses 返回 5 分钟窗口内的成功次数。
func (al *AdaptiveLimiter) RecentSuccesses() int {
	al.amu.Lock()
	defer al.amu.Unlock()
	now := al.nowFunc()
	al.successes = prune(al.successes, now.Add(-successHorizon))
	return len(al.successes)
}

// RecentRateLimitEvents 返回 10 分钟窗口内的限流事件数。
func (al *AdaptiveLimiter) RecentRateLimitEvents() int {
	al.amu.Lock()
	defer al.amu.Unlock()
	now := al.nowFunc()
	al.events = prune(al.events, now.Add(-eventHorizon))
	return len(al.events)
}

// PreRequestDelay 在请求前执行自适应延迟并让延迟向零衰减，
// 随后（若配置了 RPS 上限）等待令牌。延迟永不为负。
func (al *AdaptiveLimiter) PreRequestDelay(ctx context.Context) error {
	al.amu.Lock()
	delay := al.adaptiveDelay
	// 每次等待后减半，低于下限直接归零
	al.adaptiveDelay /= 2
	if al.adaptiveDelay < delayFloor {
		al.adaptiveDelay = 0
	}
	al.amu.Unlock()

	if delay > 0 {
		al.logger.Debug("执行自适应预延迟", zap.Duration("delay", delay))
		if err := al.sleepFunc(ctx, delay); err != nil {
			return err
		}
	}
	if al.rps != nil {
		return al.rps.Wait(ctx)
	}
	return nil
}

// HandleRateLimitSignal 先记录事件，再委托给基础限流器。
func (al *AdaptiveLimiter) HandleRateLimitSignal(ctx context.Context, sig RateLimitSignal) (bool, error) {
	al.RecordRateLimitEvent()
	return al.Limiter.HandleRateLimitSignal(ctx, sig)
}

// ExecuteWithRetry 同 Limiter.ExecuteWithRetry，但把每个命中的限流信号
// 记入自适应窗口。嵌入方法不会回调子类型，所以这里显式包一层 classify。
func (al *AdaptiveLimiter) ExecuteWithRetry(
	ctx context.Context,
	classify func(error) (RateLimitSignal, bool),
	op func(ctx context.Context) error,
) error {
	return al.Limiter.ExecuteWithRetry(ctx, func(err error) (RateLimitSignal, bool) {
		sig, ok := classify(err)
		if ok {
			al.RecordRateLimitEvent()
		}
		return sig, ok
	}, op)
}
