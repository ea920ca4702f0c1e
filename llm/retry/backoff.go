package retry

import (
	"math"
	"math/rand"
	"time"
)

// Policy 定义退避策略配置
// 遵循 KISS 原则：简单但功能完整的退避策略
type Policy struct {
	MaxAttempts  int           // 最大重试次数（耗尽后限流器报错）
	InitialDelay time.Duration // 初始延迟时间
	MaxDelay     time.Duration // 最大延迟时间
	Multiplier   float64       // 延迟时间倍增因子（指数退避）
	Jitter       bool          // 是否添加随机抖动（防止雪崩）
}

// DefaultPolicy 返回默认的退避策略
// 适用于大部分 LLM API 调用场景
func DefaultPolicy() *Policy {
	return &Policy{
		MaxAttempts:  5,
		InitialDelay: 1 * time.Second,
		MaxDelay:     60 * time.Second,
		Multiplier:   2.0,
		Jitter:       true,
	}
}

// normalize 校验并修正策略参数。
func (p *Policy) normalize() {
	if p.MaxAttempts < 0 {
		p.MaxAttempts = 0
	}
	if p.InitialDelay <= 0 {
		p.InitialDelay = 1 * time.Second
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 60 * time.Second
	}
	if p.Multiplier < 1.0 {
		p.Multiplier = 2.0
	}
}

// Delay 计算第 attempt 次重试前的等待时长（attempt 从 0 开始）。
// serverSuggested > 0 时优先采用服务端建议值（截断到 [0, MaxDelay]）；
// 否则按 InitialDelay * Multiplier^attempt 指数退避，
// 可选乘以 [0.5, 1.5) 的均匀抖动，最终不超过 MaxDelay。
// Jitter 关闭时结果是确定的。
func (p *Policy) Delay(attempt int, serverSuggested time.Duration) time.Duration {
	if serverSuggested > 0 {
		if serverSuggested > p.MaxDelay {
			return p.MaxDelay
		}
		return serverSuggested
	}
	if attempt < 0 {
		attempt = 0
	}

	delay := float64(p.InitialDelay) * math.Pow(p.Multiplier, float64(attempt))
	if delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}

	// 抖动范围 [0.5, 1.5)：错开多个客户端的重试时刻
	if p.Jitter {
		delay *= 0.5 + rand.Float64()
		if delay > float64(p.MaxDelay) {
			delay = float64(p.MaxDelay)
		}
	}

	if delay < 0 {
		return 0
	}
	return time.Duration(delay)
}
