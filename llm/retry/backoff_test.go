package retry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"pgregory.net/rapid"
)

func TestPolicy_Delay_Deterministic(t *testing.T) {
	policy := &Policy{
		MaxAttempts:  5,
		InitialDelay: 1 * time.Second,
		MaxDelay:     60 * time.Second,
		Multiplier:   2.0,
		Jitter:       false,
	}

	tests := []struct {
		name    string
		attempt int
		want    time.Duration
	}{
		{"attempt 0", 0, 1 * time.Second},
		{"attempt 1", 1, 2 * time.Second},
		{"attempt 2", 2, 4 * time.Second},
		{"attempt 5", 5, 32 * time.Second},
		{"capped at max", 10, 60 * time.Second},
		{"negative attempt treated as 0", -1, 1 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, policy.Delay(tt.attempt, 0))
			// 无抖动时结果可复现
			assert.Equal(t, policy.Delay(tt.attempt, 0), policy.Delay(tt.attempt, 0))
		})
	}
}

func TestPolicy_Delay_ServerSuggested(t *testing.T) {
	policy := &Policy{
		MaxAttempts:  5,
		InitialDelay: 1 * time.Second,
		MaxDelay:     10 * time.Second,
		Multiplier:   2.0,
		Jitter:       true, // 服务端建议值不受抖动影响
	}

	// 建议值在范围内：原样采用
	assert.Equal(t, 3*time.Second, policy.Delay(0, 3*time.Second))
	// 建议值超上限：截断到 MaxDelay
	assert.Equal(t, 10*time.Second, policy.Delay(0, 120*time.Second))
}

func TestPolicy_Delay_JitterBounds(t *testing.T) {
	policy := &Policy{
		MaxAttempts:  5,
		InitialDelay: 1 * time.Second,
		MaxDelay:     60 * time.Second,
		Multiplier:   2.0,
		Jitter:       true,
	}

	base := 4 * time.Second // attempt 2
	for i := 0; i < 200; i++ {
		d := policy.Delay(2, 0)
		assert.GreaterOrEqual(t, d, time.Duration(float64(base)*0.5))
		assert.Less(t, d, time.Duration(float64(base)*1.5))
	}
}

// 性质：无抖动时延迟严格递增直至上限，且永不超过 MaxDelay。
func TestPolicy_Delay_MonotoneProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		policy := &Policy{
			MaxAttempts:  10,
			InitialDelay: time.Duration(rapid.IntRange(1, 5000).Draw(t, "initialMs")) * time.Millisecond,
			MaxDelay:     time.Duration(rapid.IntRange(5000, 120000).Draw(t, "maxMs")) * time.Millisecond,
			Multiplier:   float64(rapid.IntRange(11, 40).Draw(t, "multX10")) / 10.0,
			Jitter:       false,
		}

		prev := time.Duration(-1)
		capped := false
		for attempt := 0; attempt < 20; attempt++ {
			d := policy.Delay(attempt, 0)
			assert.LessOrEqual(t, d, policy.MaxDelay)
			if capped {
				assert.Equal(t, policy.MaxDelay, d)
			} else if d == policy.MaxDelay {
				capped = true
				assert.Greater(t, d, prev)
			} else {
				assert.Greater(t, d, prev)
			}
			prev = d
		}
	})
}

func TestDefaultPolicy(t *testing.T) {
	p := DefaultPolicy()
	assert.Equal(t, 5, p.MaxAttempts)
	assert.Equal(t, 1*time.Second, p.InitialDelay)
	assert.Equal(t, 60*time.Second, p.MaxDelay)
	assert.Equal(t, 2.0, p.Multiplier)
	assert.True(t, p.Jitter)
}
