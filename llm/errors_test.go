package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsRetryable(t *testing.T) {
	assert.False(t, IsRetryable(nil))
	assert.False(t, IsRetryable(errors.New("plain")))
	assert.True(t, IsRetryable(&Error{Code: ErrUpstreamError, Retryable: true}))
	assert.False(t, IsRetryable(&Error{Code: ErrInvalidRequest}))
	// 限流错误交给限流器，不走瞬时重试
	assert.False(t, IsRetryable(&Error{Code: ErrRateLimited, Retryable: true}))
}

func TestIsRateLimitSignal(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"structured rate limited", &Error{Code: ErrRateLimited}, true},
		{"structured 429", &Error{Code: ErrUpstreamError, HTTPStatus: http.StatusTooManyRequests}, true},
		{"structured other code", &Error{Code: ErrInvalidRequest, HTTPStatus: http.StatusBadRequest}, false},
		{"plain text too many requests", errors.New("upstream said: too many requests"), true},
		{"plain text rate limit", errors.New("Rate Limit reached, slow down"), true},
		{"plain text unrelated", errors.New("connection refused"), false},
		{"wrapped structured", fmt.Errorf("call failed: %w", &Error{Code: ErrRateLimited}), true},
		// 结构化错误已经定性：哪怕 Message 里转述了限流文案也不算信号
		{"structured with rate-limit text", &Error{
			Code:       ErrUpstreamError,
			Message:    "stream aborted after 2 chunks: downstream sink: too many requests",
			HTTPStatus: http.StatusBadGateway,
		}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsRateLimitSignal(tt.err))
		})
	}
}

func TestIsFatal(t *testing.T) {
	assert.False(t, IsFatal(nil))
	assert.False(t, IsFatal(context.Canceled))
	assert.False(t, IsFatal(context.DeadlineExceeded))
	assert.False(t, IsFatal(&Error{Code: ErrUpstreamError, Retryable: true}))
	assert.False(t, IsFatal(&Error{Code: ErrRateLimited, HTTPStatus: http.StatusTooManyRequests}))
	assert.True(t, IsFatal(&Error{Code: ErrUnauthorized, HTTPStatus: http.StatusUnauthorized}))
	assert.True(t, IsFatal(errors.New("plain")))
}
