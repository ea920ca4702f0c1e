package llm

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"
)

// 统一的补全层错误码，用于对齐 HTTP 状态、可重试性与上层提示策略。
type ErrorCode string

const (
	ErrInvalidRequest  ErrorCode = "LLM_INVALID_REQUEST"  // 参数/格式错误
	ErrUnauthorized    ErrorCode = "LLM_UNAUTHORIZED"     // 未授权或密钥失效
	ErrForbidden       ErrorCode = "LLM_FORBIDDEN"        // 权限或内容策略拒绝
	ErrRateLimited     ErrorCode = "LLM_RATE_LIMITED"     // 上游限流
	ErrQuotaExceeded   ErrorCode = "LLM_QUOTA_EXCEEDED"   // 额度/配额用尽
	ErrUpstreamTimeout ErrorCode = "LLM_UPSTREAM_TIMEOUT" // 上游超时
	ErrUpstreamError   ErrorCode = "LLM_UPSTREAM_ERROR"   // 上游 5xx/网络错误
)

// Error 是补全层的结构化错误。Retryable 标记瞬时失败，
// 限流（ErrRateLimited）由 retry.Limiter 单独处理。
// RetryAfter 携带上游 Retry-After 建议的等待时长，没有则为零。
type Error struct {
	Code       ErrorCode     `json:"code"`
	Message    string        `json:"message"`
	HTTPStatus int           `json:"http_status"`
	Retryable  bool          `json:"retryable"`
	Provider   string        `json:"provider,omitempty"`
	RetryAfter time.Duration `json:"-"`
}

func (e *Error) Error() string { return e.Message }

// IsRetryable 返回错误是否为可重试的瞬时错误（不含限流）。
func IsRetryable(err error) bool {
	var le *Error
	if errors.As(err, &le) {
		return le.Retryable && le.Code != ErrRateLimited
	}
	return false
}

// IsFatal 返回错误是否既不可重试也不属于限流。
// 取消（context.Canceled / DeadlineExceeded）不算 fatal，由调用链原样传播。
func IsFatal(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return !IsRetryable(err) && !IsRateLimitSignal(err)
}

// IsRateLimitSignal 判断错误是否应交给限流器处理。
// 结构化错误只看错误码与 HTTP 429：它的 Message 可能转述上游或下游的
// 限流文案，再做子串匹配会把已定性的错误重新判成限流。
// 子串回退只用于非结构化错误（部分网关只在消息体里说 "too many requests"）。
func IsRateLimitSignal(err error) bool {
	if err == nil {
		return false
	}
	var le *Error
	if errors.As(err, &le) {
		return le.Code == ErrRateLimited || le.HTTPStatus == http.StatusTooManyRequests
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "too many requests") || strings.Contains(msg, "rate limit")
}
