package task

import (
	"context"
	"sync"

	xerrors "MNEE-Hub/internal/errors"
)

// MemoryQueue 是进程内的任务队列实现，开发模式与单元测试用它
// 替代 Redis/RabbitMQ，语义上保证投递顺序但不保证持久化。
type MemoryQueue struct {
	ids    chan string
	mu     sync.Mutex
	closed bool
}

// NewMemoryQueue 创建指定缓冲大小的内存队列。
func NewMemoryQueue(size int) *MemoryQueue {
	if size <= 0 {
		size = 64
	}
	return &MemoryQueue{ids: make(chan string, size)}
}

// Publish 投递任务 ID，队列关闭后返回 QUEUE_FAILURE。
func (q *MemoryQueue) Publish(ctx context.Context, taskID string) error {
	q.mu.Lock()
	closed := q.closed
	q.mu.Unlock()
	if closed {
		return xerrors.New(xerrors.CodeQueueFailure, "内存队列已关闭，拒绝投递")
	}
	select {
	case q.ids <- taskID:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Consume 启动 workerCount 个协程消费任务，直到 ctx 取消或队列关闭。
// 处理失败的任务不在这里重投，重试判断交给存储层的尝试计数。
func (q *MemoryQueue) Consume(ctx context.Context, workerCount int, handler Handler) error {
	if workerCount <= 0 {
		workerCount = 1
	}
	var wg sync.WaitGroup
	wg.Add(workerCount)
	for i := 0; i < workerCount; i++ {
		go func() {
			defer wg.Done()
			q.work(ctx, handler)
		}()
	}
	<-ctx.Done()
	wg.Wait()
	return ctx.Err()
}

func (q *MemoryQueue) work(ctx context.Context, handler Handler) {
	for {
		select {
		case taskID, ok := <-q.ids:
			if !ok {
				return
			}
			_ = handler(ctx, taskID)
		case <-ctx.Done():
			return
		}
	}
}

// Close 关闭队列，幂等。
func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.ids)
	}
	return nil
}

var _ Queue = (*MemoryQueue)(nil)
