package tokenizer

import (
	"strings"
	"sync"
)

// Counter 统计一段文本对应的 token 数。
type Counter interface {
	// Count 返回给定文本的 token 数.
	Count(text string) (int, error)

	// Name 返回计数器的名称.
	Name() string
}

// 按模型缓存计数器，tiktoken 的编码表初始化不便宜。
var (
	counters   = make(map[string]Counter)
	countersMu sync.RWMutex
)

// ForModel 返回给定模型的计数器：已知的 OpenAI 系模型用 tiktoken，
// 其余回退到字符估算器。结果按模型名缓存。
func ForModel(model string) Counter {
	countersMu.RLock()
	c, ok := counters[model]
	countersMu.RUnlock()
	if ok {
		return c
	}

	c = newCounter(model)

	countersMu.Lock()
	counters[model] = c
	countersMu.Unlock()
	return c
}

func newCounter(model string) Counter {
	if enc, ok := encodingForModel(model); ok {
		return newTiktokenCounter(model, enc)
	}
	return NewEstimator(model)
}

// encodingForModel 将模型名映射到 tiktoken 编码，支持前缀匹配
// （如 "gpt-4o-2024-08-06" 命中 "gpt-4o"）。
func encodingForModel(model string) (string, bool) {
	if enc, ok := modelEncodings[model]; ok {
		return enc, true
	}
	// 取最长的匹配前缀，避免 "gpt-4o-mini" 被 "gpt-4" 截胡。
	var best string
	var bestEnc string
	for prefix, enc := range modelEncodings {
		if strings.HasPrefix(model, prefix) && len(prefix) > len(best) {
			best, bestEnc = prefix, enc
		}
	}
	return bestEnc, best != ""
}
