package stream

import (
	"context"
	"strings"
	"time"
)

// 模拟流默认参数。
const (
	DefaultChunkSize  = 3
	DefaultChunkDelay = 20 * time.Millisecond
)

// Simulator 把一段完整文本按节奏切成有序的 token 序列，
// 供不支持真实流式的后端复用同一条增量回调路径。
type Simulator struct {
	ChunkSize    int           // 每块的单词数（词边界模式）或字符数（定长模式）
	Delay        time.Duration // 块间延迟
	WordBoundary bool          // true = 不从单词中间切开

	// sleepFunc 供测试替换。
	sleepFunc func(ctx context.Context, d time.Duration) error
}

// NewSimulator 返回默认配置的模拟器：3 词一块、20ms 间隔、词边界切分。
func NewSimulator() *Simulator {
	return &Simulator{
		ChunkSize:    DefaultChunkSize,
		Delay:        DefaultChunkDelay,
		WordBoundary: true,
		sleepFunc:    simSleep,
	}
}

// SetSleepFunc 替换睡眠实现（测试用）。
func (s *Simulator) SetSleepFunc(fn func(ctx context.Context, d time.Duration) error) {
	s.sleepFunc = fn
}

func simSleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Emit 把 text 切块并逐块调用 onToken，块间按 Delay 停顿（可取消）。
// 定长模式下各块拼接严格等于原文；词边界模式下保留单词序与内容
// （空白归一为单个空格）。
func (s *Simulator) Emit(ctx context.Context, text string, onToken func(ctx context.Context, token string) error) error {
	if text == "" {
		return nil
	}
	chunkSize := s.ChunkSize
	if chunkSize < 1 {
		chunkSize = DefaultChunkSize
	}
	sleep := s.sleepFunc
	if sleep == nil {
		sleep = simSleep
	}

	var chunks []string
	if s.WordBoundary {
		chunks = splitWords(text, chunkSize)
	} else {
		chunks = splitRunes(text, chunkSize)
	}

	for i, chunk := range chunks {
		if i > 0 && s.Delay > 0 {
			if err := sleep(ctx, s.Delay); err != nil {
				return err
			}
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := onToken(ctx, chunk); err != nil {
			return err
		}
	}
	return nil
}

// splitWords 贪心地把单词填入块中，每块最多 chunkSize 个词，
// 绝不从单词中间切开。除最后一块外每块携带尾随空格。
func splitWords(text string, chunkSize int) []string {
	words := strings.Fields(text)
	if len(words) == 0 {
		return nil
	}

	chunks := make([]string, 0, (len(words)+chunkSize-1)/chunkSize)
	for i := 0; i < len(words); i += chunkSize {
		end := i + chunkSize
		if end > len(words) {
			end = len(words)
		}
		chunk := strings.Join(words[i:end], " ")
		if end < len(words) {
			chunk += " "
		}
		chunks = append(chunks, chunk)
	}
	return chunks
}

// splitRunes 按字符数定长切块，拼接可精确还原原文。
func splitRunes(text string, chunkSize int) []string {
	runes := []rune(text)
	chunks := make([]string, 0, (len(runes)+chunkSize-1)/chunkSize)
	for i := 0; i < len(runes); i += chunkSize {
		end := i + chunkSize
		if end > len(runes) {
			end = len(runes)
		}
		chunks = append(chunks, string(runes[i:end]))
	}
	return chunks
}
