package batch

import (
	"context"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// DefaultConcurrency 是并发门限的默认容量。
const DefaultConcurrency = 5

// Gate 是容量为 N 的计数门限：每个在途请求前 Acquire、结束后 Release，
// 同时在途数永不超过容量。
type Gate struct {
	sem      *semaphore.Weighted
	capacity int
}

// NewGate 创建并发门限。capacity ≤ 0 时取默认容量。
func NewGate(capacity int) *Gate {
	if capacity <= 0 {
		capacity = DefaultConcurrency
	}
	return &Gate{
		sem:      semaphore.NewWeighted(int64(capacity)),
		capacity: capacity,
	}
}

// Capacity 返回门限容量。
func (g *Gate) Capacity() int { return g.capacity }

// Acquire 占用一个名额，容量耗尽时阻塞直到有名额或 ctx 取消。
func (g *Gate) Acquire(ctx context.Context) error {
	return g.sem.Acquire(ctx, 1)
}

// Release 归还一个名额。
func (g *Gate) Release() {
	g.sem.Release(1)
}

// Task 是一个受门限约束的工作单元，返回任意结果与错误。
type Task[T any] func(ctx context.Context) (T, error)

// Result 是 RunBounded 中单个任务的结果，Value 与 Err 互斥。
type Result[T any] struct {
	Index int
	Value T
	Err   error
}

// RunBounded 在门限约束下并发执行全部任务。
// 结果与输入同序且一个不少；单个任务失败只记录在自己的槽位里，
// 不影响其他任务。ctx 取消时未启动的任务以 ctx.Err() 记录。
func RunBounded[T any](ctx context.Context, g *Gate, tasks []Task[T]) []Result[T] {
	results := make([]Result[T], len(tasks))

	var wg errgroup.Group
	for i, task := range tasks {
		i, task := i, task
		results[i].Index = i

		if err := g.Acquire(ctx); err != nil {
			results[i].Err = err
			continue
		}

		wg.Go(func() error {
			defer g.Release()
			results[i].Value, results[i].Err = task(ctx)
			return nil
		})
	}
	_ = wg.Wait() // 任务错误都记录在各自槽位，这里不会出错

	return results
}
