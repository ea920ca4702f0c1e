package llm

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	llmCompletionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llm_completions_total",
			Help: "Total completions by client and outcome (success, error, rate_limited, canceled).",
		},
		[]string{"client", "outcome"},
	)
	llmCompletionLatencyMs = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "llm_completion_latency_ms",
			Help:    "End-to-end completion latency in milliseconds, retries included.",
			Buckets: []float64{50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000, 60000},
		},
		[]string{"client"},
	)
	llmRetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llm_retries_total",
			Help: "Total retry waits performed before a completion settled.",
		},
		[]string{"client"},
	)
	llmRateLimitEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llm_rate_limit_events_total",
			Help: "Total rate-limit signals received from upstream.",
		},
		[]string{"client"},
	)
	llmStreamTokensTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llm_stream_tokens_total",
			Help: "Total incremental tokens delivered, real and simulated streams alike.",
		},
		[]string{"client"},
	)
)

func init() {
	prometheus.MustRegister(
		llmCompletionsTotal,
		llmCompletionLatencyMs,
		llmRetriesTotal,
		llmRateLimitEventsTotal,
		llmStreamTokensTotal,
	)
}

// ObserveCompletion 记录一次补全的结局与总耗时。
func ObserveCompletion(client, outcome string, elapsed time.Duration) {
	if client == "" {
		client = "unknown"
	}
	llmCompletionsTotal.WithLabelValues(client, outcome).Inc()
	if elapsed > 0 {
		llmCompletionLatencyMs.WithLabelValues(client).Observe(float64(elapsed.Milliseconds()))
	}
}

// ObserveRetry 记录一次重试等待。
func ObserveRetry(client string) {
	if client == "" {
		client = "unknown"
	}
	llmRetriesTotal.WithLabelValues(client).Inc()
}

// ObserveRateLimitEvent 记录一次上游限流信号。
func ObserveRateLimitEvent(client string) {
	if client == "" {
		client = "unknown"
	}
	llmRateLimitEventsTotal.WithLabelValues(client).Inc()
}

// ObserveStreamTokens 记录增量片段的交付条数。
func ObserveStreamTokens(client string, n int) {
	if client == "" {
		client = "unknown"
	}
	if n > 0 {
		llmStreamTokensTotal.WithLabelValues(client).Add(float64(n))
	}
}
