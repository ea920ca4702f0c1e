package stream

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
)

// DefaultFlushInterval 是缓冲刷新的默认节流间隔。
const DefaultFlushInterval = 50 * time.Millisecond

// Sink 是带缓冲的多目的地 token 汇。
// 每个 token 恰好出现在一次刷新里，不重复也不丢失；
// 缓冲只被所属流的回调链触碰，绝不跨流共享。
type Sink struct {
	mu            sync.Mutex
	destinations  []io.Writer
	buf           []string
	flushInterval time.Duration
	lastFlush     time.Time
	terminator    string

	// 文件目的地懒加载：首次刷新时打开，Close 保证释放。
	filePath string
	file     *os.File

	logger  *zap.Logger
	nowFunc func() time.Time
}

// SinkOptions 配置 Sink。零值字段取默认。
type SinkOptions struct {
	Destinations  []io.Writer   // 额外写入目的地
	FilePath      string        // 文件目的地路径（空 = 无文件）
	FlushInterval time.Duration // 刷新节流间隔（默认 50ms）
	Terminator    string        // OnCompletion 时追加的结尾（如 "\n"）
	Logger        *zap.Logger
}

// NewSink 创建缓冲汇。目的地可以为零个：此时 Sink 只做缓冲与丢弃。
func NewSink(opts SinkOptions) *Sink {
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = DefaultFlushInterval
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	now := time.Now()
	return &Sink{
		destinations:  opts.Destinations,
		flushInterval: opts.FlushInterval,
		lastFlush:     now,
		terminator:    opts.Terminator,
		filePath:      opts.FilePath,
		logger:        logger,
		nowFunc:       time.Now,
	}
}

// NewConsoleSink 返回只写标准输出的 Sink。
func NewConsoleSink() *Sink {
	return NewSink(SinkOptions{Destinations: []io.Writer{os.Stdout}, Terminator: "\n"})
}

// NewFileSink 返回只写文件的 Sink，文件在首次刷新时打开。
func NewFileSink(path string) *Sink {
	return NewSink(SinkOptions{FilePath: path, Terminator: "\n"})
}

// NewConsoleFileSink 返回同时写标准输出和文件的 Sink。
func NewConsoleFileSink(path string) *Sink {
	return NewSink(SinkOptions{
		Destinations: []io.Writer{os.Stdout},
		FilePath:     path,
		Terminator:   "\n",
	})
}

// SetNowFunc 替换时间源并以新时间源重置刷新基准（测试用）。
func (s *Sink) SetNowFunc(fn func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nowFunc = fn
	s.lastFlush = fn()
}

// OnToken 追加一个 token。距上次刷新已超过节流间隔时立即刷新，
// 否则留在缓冲里等下一次机会。
func (s *Sink) OnToken(token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.buf = append(s.buf, token)
	if s.nowFunc().Sub(s.lastFlush) >= s.flushInterval {
		return s.flushLocked()
	}
	return nil
}

// Flush 将缓冲写入每个目的地恰好一次并清空。空缓冲时是无操作。
func (s *Sink) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flushLocked()
}

// OnCompletion 在流结束时强制最终刷新并写入结尾符。
func (s *Sink) OnCompletion() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.flushLocked(); err != nil {
		return err
	}
	if s.terminator == "" {
		return nil
	}
	return s.writeAllLocked(s.terminator)
}

// Close 释放文件目的地。任何退出路径都应调用（通常 defer）。
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	flushErr := s.flushLocked()
	if s.file != nil {
		closeErr := s.file.Close()
		s.file = nil
		return errors.Join(flushErr, closeErr)
	}
	return flushErr
}

// Buffered 返回当前缓冲里未刷新的 token 数。
func (s *Sink) Buffered() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buf)
}

// flushLocked 执行实际刷新。调用时必须持有 mu。
func (s *Sink) flushLocked() error {
	s.lastFlush = s.nowFunc()
	if len(s.buf) == 0 {
		return nil
	}

	var out string
	for _, t := range s.buf {
		out += t
	}
	// 先清空再写：即使写失败，token 也不会在下次刷新里重复
	s.buf = s.buf[:0]

	return s.writeAllLocked(out)
}

// writeAllLocked 将 out 写到所有目的地。调用时必须持有 mu。
func (s *Sink) writeAllLocked(out string) error {
	var errs []error

	if s.filePath != "" && s.file == nil {
		f, err := os.OpenFile(s.filePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			errs = append(errs, fmt.Errorf("open sink file: %w", err))
			s.logger.Warn("打开输出文件失败", zap.String("path", s.filePath), zap.Error(err))
			s.filePath = "" // 不再反复尝试
		} else {
			s.file = f
		}
	}

	for _, w := range s.destinations {
		if _, err := io.WriteString(w, out); err != nil {
			errs = append(errs, err)
		}
	}
	if s.file != nil {
		if _, err := s.file.WriteString(out); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
